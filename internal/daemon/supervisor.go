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

// Package daemon assembles configured components into runnable nodes:
// each node type has a New that wires everything, a Start that blocks
// until shutdown, and a Shutdown with a deadline.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/jobmesh/internal/config"
	"github.com/tombee/jobmesh/internal/log"
	"github.com/tombee/jobmesh/internal/registry"
	"github.com/tombee/jobmesh/internal/registry/consulregistry"
	"github.com/tombee/jobmesh/internal/registry/redisregistry"
	"github.com/tombee/jobmesh/internal/rpc"
	"github.com/tombee/jobmesh/internal/server"
	"github.com/tombee/jobmesh/internal/store"
	"github.com/tombee/jobmesh/internal/supervisor/dispatch"
	"github.com/tombee/jobmesh/internal/supervisor/engine"
	"github.com/tombee/jobmesh/internal/supervisor/scanner"
	"github.com/tombee/jobmesh/pkg/httpclient"
)

// pushRegistry is a discovery registry that also accepts advisory events
// delivered over RPC. Both variants satisfy it.
type pushRegistry interface {
	registry.Registry
	Publish(ev registry.Event)
}

// buildRegistry constructs the configured discovery backend for self.
// The returned closer tears down the backend connection, nil when the
// backend owns no connection of its own.
func buildRegistry(cfg config.RegistryConfig, self registry.Server) (pushRegistry, func() error, error) {
	switch cfg.Kind {
	case config.RegistryRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
		})
		return redisregistry.New(client, self, cfg.Redis.Config), client.Close, nil
	case config.RegistryConsul:
		return consulregistry.New(self, cfg.Consul), nil, nil
	default:
		return nil, nil, fmt.Errorf("daemon: unknown registry kind %q", cfg.Kind)
	}
}

// httpClientConfig maps the config section onto the client config.
func httpClientConfig(cfg config.HTTPConfig) httpclient.Config {
	return httpclient.Config{
		Timeout:       cfg.Timeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryBackoff:  cfg.RetryBackoff,
	}
}

// dispatchConfig maps the config section onto the dispatcher config. The
// rate is an integer in yaml but the limiter takes a float.
func dispatchConfig(cfg config.DispatchConfig, localHost string) dispatch.Config {
	return dispatch.Config{
		RetryCount:    cfg.RetryCount,
		RetryBackoff:  cfg.RetryBackoff,
		RatePerSecond: float64(cfg.RatePerSecond),
		FailThreshold: cfg.FailThreshold,
		LocalHost:     localHost,
	}
}

// supervisorID folds the serialized endpoint into the id generator's
// 10-bit space. Two supervisors colliding is survivable: ids stay unique
// per millisecond-sequence, only their ordering interleaves.
func supervisorID(serialized string) int64 {
	h := fnv.New32a()
	h.Write([]byte(serialized))
	return int64(h.Sum32() & 0x3ff)
}

// Supervisor is an assembled supervisor node.
type Supervisor struct {
	cfg    *config.SupervisorConfig
	self   registry.Server
	logger *slog.Logger

	st         *store.Store
	reg        pushRegistry
	regCloser  func() error
	engine     *engine.Engine
	heartbeats []*scanner.Heartbeat
	httpServer *http.Server
}

// NewSupervisor wires a supervisor from its configuration. Nothing runs
// until Start.
func NewSupervisor(cfg *config.SupervisorConfig) (*Supervisor, error) {
	logger := log.WithComponent(log.New(log.FromEnv()), "supervisord")
	self := registry.Server{Role: registry.RoleSupervisor, Host: cfg.Server.Host, Port: cfg.Server.Port}

	st, err := store.New(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	reg, regCloser, err := buildRegistry(cfg.Registry, self)
	if err != nil {
		st.Close()
		return nil, err
	}

	hc := httpclient.New(httpClientConfig(cfg.HTTP))
	dest := rpc.NewDestinationClient(hc, nil)
	workers := rpc.NewWorkerClient(rpc.NewDiscoveryClient(reg, dest, 2))

	dispatcher := dispatch.New(st, dest, reg, dispatchConfig(cfg.Dispatch, cfg.Server.Host))

	idgen, err := engine.NewIDGenerator(supervisorID(self.Serialize()))
	if err != nil {
		st.Close()
		return nil, err
	}
	eng := engine.New(st, dispatcher, reg, workers, idgen)
	eng.SetVerifier(workers)

	owner := self.Serialize()
	heartbeats := []*scanner.Heartbeat{
		scanner.NewHeartbeat(scanner.NewTriggeringSweep(st, eng, owner, scanner.TriggeringConfig{
			Period: cfg.TriggeringScan.Period,
			Batch:  cfg.TriggeringScan.Batch,
		}), cfg.TriggeringScan.Period),
		scanner.NewHeartbeat(scanner.NewWaitingSweep(st, eng, owner, scanner.WaitingConfig{
			Period:    cfg.WaitingScan.Period,
			Threshold: cfg.WaitingScan.Threshold,
			Batch:     cfg.WaitingScan.Batch,
		}), cfg.WaitingScan.Period),
		scanner.NewHeartbeat(scanner.NewRunningSweep(st, eng, reg, owner, scanner.RunningConfig{
			Period:    cfg.RunningScan.Period,
			Threshold: cfg.RunningScan.Threshold,
			Batch:     cfg.RunningScan.Batch,
		}), cfg.RunningScan.Period),
	}

	lookup := func(group string) (string, error) {
		token, ok := cfg.Groups[group]
		if !ok {
			return "", fmt.Errorf("daemon: group %q is not registered", group)
		}
		return token, nil
	}
	handler := server.NewSupervisor(eng, reg, lookup, logger).Handler()

	return &Supervisor{
		cfg:        cfg,
		self:       self,
		logger:     logger,
		st:         st,
		reg:        reg,
		regCloser:  regCloser,
		engine:     eng,
		heartbeats: heartbeats,
		httpServer: &http.Server{
			// bind all interfaces; Server.Host is the advertised name
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: handler,
		},
	}, nil
}

// Start registers the node, runs the sweeps and serves RPC until ctx is
// cancelled or the listener fails.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.reg.Register(ctx); err != nil {
		return fmt.Errorf("daemon: register: %w", err)
	}
	for _, hb := range s.heartbeats {
		hb.Start()
	}
	s.logger.Info("supervisor started",
		slog.String("endpoint", s.self.Serialize()),
		slog.String("registry", s.cfg.Registry.Kind))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("daemon: serve: %w", err)
	}
}

// Shutdown stops serving, withdraws the registration and releases every
// resource. Safe to call after a failed Start.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var errs []error
	for _, hb := range s.heartbeats {
		hb.Stop()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.reg.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.regCloser != nil {
		if err := s.regCloser(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.st.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("supervisor stopped", slog.String("endpoint", s.self.Serialize()))
	return errors.Join(errs...)
}
