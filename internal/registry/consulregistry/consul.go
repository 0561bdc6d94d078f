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

// Package consulregistry implements the registry contract on the Consul
// agent HTTP API. Each server registers a service with a TTL health check
// and keeps it passing with periodic check-pass calls; discovery reads the
// passing instances of the opposite role's service.
package consulregistry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/jobmesh/internal/registry"
	"github.com/tombee/jobmesh/pkg/httpclient"
)

// Config controls the Consul endpoints and check timing.
type Config struct {
	// Address is the agent base URL, e.g. "http://127.0.0.1:8500".
	Address string `yaml:"address"`

	// Token is an optional ACL token.
	Token string `yaml:"token"`

	// Namespace prefixes service names. Default "disjob".
	Namespace string `yaml:"namespace"`

	// CheckTTL is the health check TTL. Default 10s.
	CheckTTL time.Duration `yaml:"check_ttl"`

	// CheckPassPeriod is the check-pass interval. Default CheckTTL/3.
	CheckPassPeriod time.Duration `yaml:"check_pass_period"`

	// RefreshPeriod is the discovery pull interval. Default 5s.
	RefreshPeriod time.Duration `yaml:"refresh_period"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Address == "" {
		out.Address = "http://127.0.0.1:8500"
	}
	if out.Namespace == "" {
		out.Namespace = "disjob"
	}
	if out.CheckTTL <= 0 {
		out.CheckTTL = 10 * time.Second
	}
	if out.CheckPassPeriod <= 0 {
		out.CheckPassPeriod = out.CheckTTL / 3
	}
	if out.RefreshPeriod <= 0 {
		out.RefreshPeriod = 5 * time.Second
	}
	return out
}

// serviceRegistration is the agent service register payload.
type serviceRegistration struct {
	ID      string            `json:"ID"`
	Name    string            `json:"Name"`
	Address string            `json:"Address"`
	Port    int               `json:"Port"`
	Meta    map[string]string `json:"Meta,omitempty"`
	Check   serviceCheck      `json:"Check"`
}

type serviceCheck struct {
	CheckID                        string `json:"CheckID"`
	TTL                            string `json:"TTL"`
	DeregisterCriticalServiceAfter string `json:"DeregisterCriticalServiceAfter"`
}

// healthEntry is a row of /v1/health/service responses, trimmed to the
// fields discovery needs.
type healthEntry struct {
	Service struct {
		ID string `json:"ID"`
	} `json:"Service"`
}

// Registry is the Consul-backed registry bound to one local server.
type Registry struct {
	cfg    Config
	hc     *httpclient.Client
	self   registry.Server
	cache  *registry.DiscoveryCache
	logger *slog.Logger

	serviceName   string
	discoveryName string
	serviceID     string
	checkID       string

	registered atomic.Bool
	closed     atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ registry.Registry = (*Registry)(nil)

// New builds the registry and starts the check-pass and discovery loops.
func New(self registry.Server, cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		cfg:           cfg,
		hc:            httpclient.New(httpclient.DefaultConfig()),
		self:          self,
		cache:         registry.NewDiscoveryCache(),
		logger:        slog.Default().With(slog.String("component", "consul-registry")),
		serviceName:   fmt.Sprintf("%s-%s", cfg.Namespace, self.Role),
		discoveryName: fmt.Sprintf("%s-%s", cfg.Namespace, self.Role.Opposite()),
		serviceID:     self.Serialize(),
		checkID:       "service:" + self.Serialize(),
		stopCh:        make(chan struct{}),
	}

	r.wg.Add(2)
	go r.checkPassLoop()
	go r.refreshLoop()
	return r
}

func (r *Registry) headers() map[string][]string {
	if r.cfg.Token == "" {
		return nil
	}
	return map[string][]string{"X-Consul-Token": {r.cfg.Token}}
}

// Register publishes the local server as a TTL-checked service.
func (r *Registry) Register(ctx context.Context) error {
	if r.closed.Load() {
		return registry.ErrClosed
	}
	reg := serviceRegistration{
		ID:      r.serviceID,
		Name:    r.serviceName,
		Address: r.self.Host,
		Port:    r.self.Port,
		Check: serviceCheck{
			CheckID:                        r.checkID,
			TTL:                            r.cfg.CheckTTL.String(),
			DeregisterCriticalServiceAfter: (10 * r.cfg.CheckTTL).String(),
		},
	}
	if r.self.Group != "" {
		reg.Meta = map[string]string{"group": r.self.Group}
	}
	err := r.hc.PutJSON(ctx, r.cfg.Address+"/v1/agent/service/register", r.headers(), reg, nil)
	if err != nil {
		return fmt.Errorf("consulregistry: register: %w", err)
	}
	// pass immediately so the service does not sit critical for one TTL
	if err := r.checkPass(ctx); err != nil {
		r.logger.Warn("initial check pass failed", slog.String("error", err.Error()))
	}
	r.registered.Store(true)
	r.logger.Info("server registered", slog.String("server", r.serviceID))
	return nil
}

// Deregister withdraws the local service.
func (r *Registry) Deregister(ctx context.Context) error {
	r.registered.Store(false)
	err := r.hc.PutJSON(ctx,
		r.cfg.Address+"/v1/agent/service/deregister/"+url.PathEscape(r.serviceID),
		r.headers(), nil, nil)
	if err != nil {
		return fmt.Errorf("consulregistry: deregister: %w", err)
	}
	r.logger.Info("server deregistered", slog.String("server", r.serviceID))
	return nil
}

// Discovered returns the last refreshed snapshot.
func (r *Registry) Discovered(group string) []registry.Server {
	return r.cache.Discovered(group)
}

// IsAlive reports membership in the last refreshed snapshot.
func (r *Registry) IsAlive(s registry.Server) bool { return r.cache.IsAlive(s) }

// Events is the advisory push channel. Consul discovery is pull-only, so
// the channel carries no events; callers fall back to the periodic pull.
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

// Publish accepts an advisory peer event delivered over RPC, refreshing
// the snapshot ahead of the periodic pull.
func (r *Registry) Publish(ev registry.Event) {
	r.cache.Publish(ev)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.refresh(ctx)
}

func (r *Registry) checkPass(ctx context.Context) error {
	return r.hc.PutJSON(ctx,
		r.cfg.Address+"/v1/agent/check/pass/"+url.PathEscape(r.checkID),
		r.headers(), nil, nil)
}

func (r *Registry) checkPassLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.CheckPassPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if !r.registered.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CheckPassPeriod)
			if err := r.checkPass(ctx); err != nil {
				r.logger.Error("check pass failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

func (r *Registry) refreshLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.RefreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RefreshPeriod)
			r.refresh(ctx)
			cancel()
		}
	}
}

// refresh replaces the snapshot with the passing instances of the opposite
// role's service.
func (r *Registry) refresh(ctx context.Context) {
	var entries []healthEntry
	u := r.cfg.Address + "/v1/health/service/" + url.PathEscape(r.discoveryName) + "?passing=true"
	if err := r.hc.GetJSON(ctx, u, r.headers(), &entries); err != nil {
		r.logger.Error("discovery refresh failed", slog.String("error", err.Error()))
		return
	}

	role := r.self.Role.Opposite()
	servers := make([]registry.Server, 0, len(entries))
	for _, e := range entries {
		server, err := registry.Deserialize(role, e.Service.ID)
		if err != nil {
			r.logger.Warn("skipping malformed service id", slog.String("id", e.Service.ID))
			continue
		}
		servers = append(servers, server)
	}
	r.cache.Replace(servers)
}
