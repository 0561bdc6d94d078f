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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tombee/jobmesh/internal/config"
	"github.com/tombee/jobmesh/internal/log"
	"github.com/tombee/jobmesh/internal/registry"
	"github.com/tombee/jobmesh/internal/rpc"
	"github.com/tombee/jobmesh/internal/server"
	"github.com/tombee/jobmesh/internal/worker/executor"
	"github.com/tombee/jobmesh/internal/worker/wheel"
	"github.com/tombee/jobmesh/pkg/httpclient"
)

// Worker is an assembled worker node.
type Worker struct {
	cfg    *config.WorkerConfig
	self   registry.Server
	logger *slog.Logger

	reg        pushRegistry
	regCloser  func() error
	execs      *executor.Registry
	pool       *executor.Pool
	wheel      *wheel.Wheel
	httpServer *http.Server
}

// NewWorker wires a worker from its configuration. Extra executors can be
// added on Executors before Start; the noop and shell builtins are always
// registered.
func NewWorker(cfg *config.WorkerConfig) (*Worker, error) {
	logger := log.WithComponent(log.New(log.FromEnv()), "workerd")
	self := registry.Server{
		Role:  registry.RoleWorker,
		Group: cfg.Group,
		Host:  cfg.Server.Host,
		Port:  cfg.Server.Port,
	}

	reg, regCloser, err := buildRegistry(cfg.Registry, self)
	if err != nil {
		return nil, err
	}

	hc := httpclient.New(httpClientConfig(cfg.HTTP))
	signer := rpc.NewAuthSigner(cfg.Group, cfg.Token)
	dest := rpc.NewDestinationClient(hc, signer)
	sup := rpc.NewSupervisorClient(rpc.NewDiscoveryClient(reg, dest, cfg.SupervisorRetries))

	execs := executor.NewRegistry()
	execs.Register("noop", executor.NoopExecutor{})
	execs.Register("shell", executor.ShellExecutor{Shell: cfg.Executor.Shell})

	pool := executor.NewPool(self.Serialize(), execs, sup, executor.PoolConfig{
		Size:       cfg.Executor.PoolSize,
		RPCTimeout: cfg.Executor.RPCTimeout,
	})
	wh := wheel.New(self.Serialize(), pool.Process, wheel.Config{
		TickMs:   cfg.Wheel.TickMs,
		RingSize: cfg.Wheel.RingSize,
		Capacity: cfg.Wheel.Capacity,
	})

	handler := server.NewWorker(wh, pool, execs, logger).Handler()

	return &Worker{
		cfg:       cfg,
		self:      self,
		logger:    logger,
		reg:       reg,
		regCloser: regCloser,
		execs:     execs,
		pool:      pool,
		wheel:     wh,
		httpServer: &http.Server{
			// bind all interfaces; Server.Host is the advertised name
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: handler,
		},
	}, nil
}

// Executors exposes the executor registry so embedders can install their
// own task code before Start.
func (w *Worker) Executors() *executor.Registry {
	return w.execs
}

// Start registers the node, spins the timing wheel and serves RPC until
// ctx is cancelled or the listener fails.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.reg.Register(ctx); err != nil {
		return fmt.Errorf("daemon: register: %w", err)
	}
	w.wheel.Start()
	w.logger.Info("worker started",
		slog.String("endpoint", w.self.Serialize()),
		slog.String("group", w.cfg.Group),
		slog.String("registry", w.cfg.Registry.Kind))

	errCh := make(chan error, 1)
	go func() {
		if err := w.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
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

// Shutdown stops accepting tasks, waits for running executions within the
// ctx deadline and withdraws the registration.
func (w *Worker) Shutdown(ctx context.Context) error {
	var errs []error
	if err := w.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	w.wheel.Stop()
	w.pool.Stop(ctx)
	if err := w.reg.Close(); err != nil {
		errs = append(errs, err)
	}
	if w.regCloser != nil {
		if err := w.regCloser(); err != nil {
			errs = append(errs, err)
		}
	}
	w.logger.Info("worker stopped", slog.String("endpoint", w.self.Serialize()))
	return errors.Join(errs...)
}
