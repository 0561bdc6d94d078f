// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
)

// EventType classifies a discovery change notification.
type EventType string

const (
	EventRegister   EventType = "REGISTER"
	EventDeregister EventType = "DEREGISTER"
)

// Event is a push notification about a discovered peer. Push is advisory:
// consumers must not rely on delivery, the periodic pull is authoritative.
type Event struct {
	Type   EventType
	Server Server
}

// ErrClosed is returned by operations on a closed registry.
var ErrClosed = errors.New("registry: closed")

// Registry is the registration and discovery contract shared by the Redis
// and Consul variants. A Registry instance is bound to one local server; it
// registers that server under its role and discovers peers of the opposite
// role.
type Registry interface {
	// Register publishes the local server. Idempotent.
	Register(ctx context.Context) error

	// Deregister withdraws the local server. Idempotent.
	Deregister(ctx context.Context) error

	// Discovered returns the last refreshed peer snapshot, sorted by
	// serialized form. A non-empty group filters workers to that group.
	Discovered(group string) []Server

	// IsAlive reports membership of the peer in the last refreshed snapshot.
	IsAlive(s Server) bool

	// Events is the advisory push channel.
	Events() <-chan Event

	// Close deregisters and releases resources.
	Close() error
}

// snapshot is an immutable discovery view, replaced atomically on refresh
// so that readers never lock.
type snapshot struct {
	servers []Server
	byGroup map[string][]Server
	members map[string]struct{}
}

func newSnapshot(servers []Server) *snapshot {
	sorted := make([]Server, len(servers))
	copy(sorted, servers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Serialize() < sorted[j].Serialize() })

	byGroup := make(map[string][]Server)
	members := make(map[string]struct{}, len(sorted))
	for _, s := range sorted {
		members[s.Serialize()] = struct{}{}
		if s.Role == RoleWorker {
			byGroup[s.Group] = append(byGroup[s.Group], s)
		}
	}
	return &snapshot{servers: sorted, byGroup: byGroup, members: members}
}

// DiscoveryCache holds the atomic snapshot plus the event fan-out shared by
// all registry variants.
type DiscoveryCache struct {
	snap   atomic.Pointer[snapshot]
	events chan Event
}

// NewDiscoveryCache returns an empty cache with a buffered event channel.
func NewDiscoveryCache() *DiscoveryCache {
	c := &DiscoveryCache{events: make(chan Event, 64)}
	c.snap.Store(newSnapshot(nil))
	return c
}

// Replace swaps in a fresh peer list.
func (c *DiscoveryCache) Replace(servers []Server) {
	c.snap.Store(newSnapshot(servers))
}

// Discovered returns the snapshot, optionally filtered by worker group.
func (c *DiscoveryCache) Discovered(group string) []Server {
	s := c.snap.Load()
	if group == "" {
		return s.servers
	}
	return s.byGroup[group]
}

// IsAlive reports snapshot membership.
func (c *DiscoveryCache) IsAlive(server Server) bool {
	_, ok := c.snap.Load().members[server.Serialize()]
	return ok
}

// Events exposes the push channel.
func (c *DiscoveryCache) Events() <-chan Event { return c.events }

// Publish offers an event without blocking; slow consumers miss events and
// recover on the next pull.
func (c *DiscoveryCache) Publish(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
