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

// Package redisregistry implements the registry contract on a Redis sorted
// set: the member score is the session deadline, re-asserted every
// heartbeat, and expired members are swept on every discovery read. A
// pub/sub channel carries advisory REGISTER/DEREGISTER events; the periodic
// pull remains authoritative.
package redisregistry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/jobmesh/internal/registry"
)

// Key layout: sorted set "<ns>:registry:<role>" and pub/sub channel
// "<ns>:discovery:<role>:channel" with messages "<EVENT>:<server>".
const defaultNamespace = "disjob"

// registerScript asserts membership and refreshes the key's own TTL so an
// abandoned cluster eventually cleans itself up.
var registerScript = redis.NewScript(`
redis.call('zadd', KEYS[1], ARGV[1], ARGV[3])
redis.call('pexpire', KEYS[1], ARGV[2])
return 1
`)

// discoverScript sweeps dead members and returns the live ones.
var discoverScript = redis.NewScript(`
redis.call('zremrangebyscore', KEYS[1], '-inf', ARGV[1])
local ret = redis.call('zrangebyscore', KEYS[1], ARGV[1], '+inf')
redis.call('pexpire', KEYS[1], ARGV[2])
return ret
`)

// keyTTL keeps the registry keys alive well past any session.
const keyTTL = 30 * 24 * time.Hour

// Config controls session and refresh timing.
type Config struct {
	// Namespace prefixes all keys. Default "disjob".
	Namespace string `yaml:"namespace"`

	// SessionTimeout is the liveness TTL; a peer absent past it is dead.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// RegistryPeriod is the re-assert interval. Default SessionTimeout/3.
	RegistryPeriod time.Duration `yaml:"registry_period"`

	// RefreshPeriod is the authoritative pull interval. Default
	// SessionTimeout/2.
	RefreshPeriod time.Duration `yaml:"refresh_period"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Namespace == "" {
		out.Namespace = defaultNamespace
	}
	if out.SessionTimeout <= 0 {
		out.SessionTimeout = 30 * time.Second
	}
	if out.RegistryPeriod <= 0 {
		out.RegistryPeriod = out.SessionTimeout / 3
	}
	if out.RefreshPeriod <= 0 {
		out.RefreshPeriod = out.SessionTimeout / 2
	}
	return out
}

// Registry is the Redis-backed registry bound to one local server.
type Registry struct {
	cfg    Config
	client redis.UniversalClient
	self   registry.Server
	cache  *registry.DiscoveryCache
	logger *slog.Logger

	registryKey      string
	discoveryKey     string
	registryChannel  string
	discoveryChannel string

	registered  atomic.Bool
	closed      atomic.Bool
	refreshing  atomic.Bool
	nextRefresh atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ registry.Registry = (*Registry)(nil)

// New builds the registry and starts the heartbeat and subscriber loops.
func New(client redis.UniversalClient, self registry.Server, cfg Config) *Registry {
	cfg = cfg.withDefaults()
	role := self.Role
	opposite := role.Opposite()
	r := &Registry{
		cfg:              cfg,
		client:           client,
		self:             self,
		cache:            registry.NewDiscoveryCache(),
		logger:           slog.Default().With(slog.String("component", "redis-registry")),
		registryKey:      fmt.Sprintf("%s:registry:%s", cfg.Namespace, role),
		discoveryKey:     fmt.Sprintf("%s:registry:%s", cfg.Namespace, opposite),
		registryChannel:  fmt.Sprintf("%s:discovery:%s:channel", cfg.Namespace, role),
		discoveryChannel: fmt.Sprintf("%s:discovery:%s:channel", cfg.Namespace, opposite),
		stopCh:           make(chan struct{}),
	}

	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.subscribeLoop()
	return r
}

// Register publishes the local server and announces it on the channel.
func (r *Registry) Register(ctx context.Context) error {
	if r.closed.Load() {
		return registry.ErrClosed
	}
	if err := r.assertRegistration(ctx); err != nil {
		return err
	}
	r.registered.Store(true)
	r.client.Publish(ctx, r.registryChannel, string(registry.EventRegister)+":"+r.self.Serialize())
	r.logger.Info("server registered", slog.String("server", r.self.Serialize()))
	return nil
}

// Deregister withdraws the local server.
func (r *Registry) Deregister(ctx context.Context) error {
	r.registered.Store(false)
	if err := r.client.ZRem(ctx, r.registryKey, r.self.Serialize()).Err(); err != nil {
		return fmt.Errorf("redisregistry: deregister: %w", err)
	}
	r.client.Publish(ctx, r.registryChannel, string(registry.EventDeregister)+":"+r.self.Serialize())
	r.logger.Info("server deregistered", slog.String("server", r.self.Serialize()))
	return nil
}

// Discovered returns the snapshot, kicking a background refresh when the
// pull is due.
func (r *Registry) Discovered(group string) []registry.Server {
	r.maybeRefresh()
	return r.cache.Discovered(group)
}

// IsAlive reports membership in the last refreshed snapshot.
func (r *Registry) IsAlive(s registry.Server) bool {
	r.maybeRefresh()
	return r.cache.IsAlive(s)
}

// Events is the advisory push channel.
func (r *Registry) Events() <-chan registry.Event { return r.cache.Events() }

// Close deregisters and stops the loops.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stopCh)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if r.registered.Load() {
		if err := r.Deregister(ctx); err != nil {
			r.logger.Error("deregister on close failed", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return nil
}

func (r *Registry) assertRegistration(ctx context.Context) error {
	score := time.Now().Add(r.cfg.SessionTimeout).UnixMilli()
	err := registerScript.Run(ctx, r.client,
		[]string{r.registryKey},
		score, keyTTL.Milliseconds(), r.self.Serialize()).Err()
	if err != nil {
		return fmt.Errorf("redisregistry: register: %w", err)
	}
	return nil
}

// heartbeatLoop re-asserts the registration and runs the authoritative
// periodic pull.
func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.RegistryPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RegistryPeriod)
			if r.registered.Load() {
				if err := r.assertRegistration(ctx); err != nil {
					r.logger.Error("scheduled register failed", slog.String("error", err.Error()))
				}
			}
			if time.Now().UnixMilli() >= r.nextRefresh.Load() {
				r.refresh(ctx)
			}
			cancel()
		}
	}
}

// subscribeLoop consumes advisory events for the discovered role.
func (r *Registry) subscribeLoop() {
	defer r.wg.Done()
	sub := r.client.Subscribe(context.Background(), r.discoveryChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-r.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handleMessage(msg.Payload)
		}
	}
}

func (r *Registry) handleMessage(payload string) {
	event, serialized, found := strings.Cut(payload, ":")
	if !found {
		return
	}
	server, err := registry.Deserialize(r.self.Role.Opposite(), serialized)
	if err != nil {
		r.logger.Warn("malformed discovery event", slog.String("payload", payload))
		return
	}
	// push is advisory: refresh immediately, then notify
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	r.refresh(ctx)
	cancel()
	r.cache.Publish(registry.Event{Type: registry.EventType(event), Server: server})
}

// Publish accepts an advisory peer event delivered over RPC rather than
// pub/sub, refreshing the snapshot ahead of the periodic pull.
func (r *Registry) Publish(ev registry.Event) {
	r.cache.Publish(ev)
	r.maybeRefresh()
}

func (r *Registry) maybeRefresh() {
	if time.Now().UnixMilli() < r.nextRefresh.Load() {
		return
	}
	if !r.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.refresh(ctx)
	}()
}

// refresh sweeps expired members and replaces the snapshot.
func (r *Registry) refresh(ctx context.Context) {
	now := time.Now().UnixMilli()
	res, err := discoverScript.Run(ctx, r.client,
		[]string{r.discoveryKey},
		now, keyTTL.Milliseconds()).StringSlice()
	if err != nil {
		r.logger.Error("discovery refresh failed", slog.String("error", err.Error()))
		return
	}

	role := r.self.Role.Opposite()
	servers := make([]registry.Server, 0, len(res))
	for _, serialized := range res {
		server, err := registry.Deserialize(role, serialized)
		if err != nil {
			r.logger.Warn("skipping malformed member", slog.String("member", serialized))
			continue
		}
		servers = append(servers, server)
	}
	r.cache.Replace(servers)
	r.nextRefresh.Store(time.Now().Add(r.cfg.RefreshPeriod).UnixMilli())
}
