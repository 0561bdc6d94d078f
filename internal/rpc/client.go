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

package rpc

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/tombee/jobmesh/internal/registry"
	"github.com/tombee/jobmesh/pkg/httpclient"
)

// ErrNoServers is returned when discovery yields no live peer to call.
var ErrNoServers = errors.New("rpc: no discovered servers")

// DestinationClient performs point-to-point calls against a known server.
// A per-host circuit breaker sheds calls to a peer that keeps failing;
// client-fault responses do not trip it.
type DestinationClient struct {
	hc       *httpclient.Client
	signer   *AuthSigner
	breakers sync.Map // serialized server, *gobreaker.CircuitBreaker
}

// NewDestinationClient builds a client. signer may be nil; it is applied
// only on calls to supervisors, which is the sole authenticated direction.
func NewDestinationClient(hc *httpclient.Client, signer *AuthSigner) *DestinationClient {
	return &DestinationClient{hc: hc, signer: signer}
}

// Invoke POSTs in to the server's path and decodes the reply into out.
func (c *DestinationClient) Invoke(ctx context.Context, server registry.Server, path string, in, out any) error {
	cb := c.breaker(server)
	_, err := cb.Execute(func() (any, error) {
		var headers http.Header
		if c.signer != nil && server.Role == registry.RoleSupervisor {
			headers = c.signer.Headers()
		}
		return nil, c.hc.PostJSON(ctx, server.BaseURL()+path, headers, in, out)
	})
	return err
}

// Get performs an unauthenticated GET against the server.
func (c *DestinationClient) Get(ctx context.Context, server registry.Server, path string, out any) error {
	cb := c.breaker(server)
	_, err := cb.Execute(func() (any, error) {
		return nil, c.hc.GetJSON(ctx, server.BaseURL()+path, nil, out)
	})
	return err
}

func (c *DestinationClient) breaker(server registry.Server) *gobreaker.CircuitBreaker {
	key := server.Serialize()
	if cb, ok := c.breakers.Load(key); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: server.Serialize(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var remote *httpclient.RemoteError
			// peer is alive and answering, just rejecting us
			return errors.As(err, &remote) && remote.IsClientFault()
		},
	})
	actual, _ := c.breakers.LoadOrStore(key, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

// Discovery is the view of the registry the load-balanced client needs.
type Discovery interface {
	Discovered(group string) []registry.Server
}

// DiscoveryClient performs group-load-balanced calls: a random start index
// over the discovered peers of the target role, round-robin on retry, and
// early stop on non-retryable client faults.
type DiscoveryClient struct {
	discovery Discovery
	dest      *DestinationClient
	retries   int
}

// NewDiscoveryClient builds a load-balanced client with the given retry
// budget across distinct peers.
func NewDiscoveryClient(discovery Discovery, dest *DestinationClient, retries int) *DiscoveryClient {
	return &DiscoveryClient{discovery: discovery, dest: dest, retries: retries}
}

// Invoke calls path on one of the discovered servers of group (empty group
// means all peers of the discovered role).
func (c *DiscoveryClient) Invoke(ctx context.Context, group, path string, in, out any) error {
	servers := c.discovery.Discovered(group)
	if len(servers) == 0 {
		return ErrNoServers
	}

	start := rand.Intn(len(servers))
	var lastErr error
	for i := 0; i <= c.retries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		server := servers[(start+i)%len(servers)]
		err := c.dest.Invoke(ctx, server, path, in, out)
		if err == nil {
			return nil
		}
		var remote *httpclient.RemoteError
		if errors.As(err, &remote) && remote.IsClientFault() &&
			remote.StatusCode != http.StatusRequestTimeout &&
			remote.StatusCode != http.StatusTooManyRequests {
			return err
		}
		lastErr = err
	}
	return lastErr
}
