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

package dispatch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/jobmesh/internal/metrics"
	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/registry"
	"github.com/tombee/jobmesh/internal/rpc"
	"github.com/tombee/jobmesh/internal/store"
)

// Config tunes dispatch delivery.
type Config struct {
	// RetryCount is how many extra delivery attempts a param gets within
	// one Dispatch call, re-routing before each.
	RetryCount int
	// RetryBackoff is the base of the linear backoff between attempts.
	RetryBackoff time.Duration
	// RatePerSecond caps outbound dispatch RPCs across all callers.
	RatePerSecond float64
	// FailThreshold is the accumulated failure count at which a trigger
	// task is marked DISPATCH_FAILED instead of being retried by scans.
	FailThreshold int
	// LocalHost marks this supervisor's host for LOCAL_PRIORITY routing.
	LocalHost string
}

func (c Config) withDefaults() Config {
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 1000
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 3
	}
	return c
}

// Discovery is the registry view the dispatcher routes against.
type Discovery interface {
	Discovered(group string) []registry.Server
	IsAlive(s registry.Server) bool
}

// Dispatcher delivers execute-task params to workers. Trigger operations
// are routed by the job's strategy; control operations and broadcast
// tasks go straight to their pinned worker.
type Dispatcher struct {
	store     *store.Store
	dest      *rpc.DestinationClient
	discovery Discovery
	router    *router
	limiter   *rate.Limiter
	cfg       Config
	logger    *slog.Logger
}

// New builds a dispatcher delivering through dest.
func New(st *store.Store, dest *rpc.DestinationClient, discovery Discovery, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:     st,
		dest:      dest,
		discovery: discovery,
		router:    newRouter(cfg.LocalHost),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)),
		cfg:       cfg,
		logger:    slog.Default().With(slog.String("component", "dispatcher")),
	}
}

// Dispatch delivers each param, retrying failed deliveries with linear
// backoff. Trigger params that exhaust the retry budget get their
// dispatch-failure counter bumped; at the threshold the task is marked
// DISPATCH_FAILED and left for the instance scans to settle.
func (d *Dispatcher) Dispatch(ctx context.Context, params []*model.ExecuteTaskParam) {
	for _, param := range params {
		if err := d.dispatchOne(ctx, param); err != nil {
			d.logger.Error("dispatch failed",
				slog.Int64("taskId", param.TaskID),
				slog.Int64("instanceId", param.InstanceID),
				slog.String("operation", param.Operation.String()),
				slog.Any("error", err))
			metrics.DispatchFailures.Inc()
			d.recordFailure(ctx, param)
			continue
		}
		metrics.TasksDispatched.WithLabelValues(param.Operation.String()).Inc()
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, param *model.ExecuteTaskParam) error {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * d.cfg.RetryBackoff):
			}
		}
		worker, err := d.destination(param)
		if err != nil {
			lastErr = err
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := d.dest.Invoke(ctx, worker, rpc.PathReceiveTask, param, nil); err != nil {
			lastErr = err
			// unpin so the next attempt routes somewhere else
			if param.RouteStrategy != model.RouteBroadcast && param.Operation == model.OpTrigger {
				param.Worker = ""
			}
			continue
		}
		d.recordWorker(ctx, param, worker)
		return nil
	}
	return lastErr
}

// destination resolves the target worker. A pinned worker wins when it is
// still alive; everything else goes through the router.
func (d *Dispatcher) destination(param *model.ExecuteTaskParam) (registry.Server, error) {
	if param.Worker != "" {
		worker, err := registry.Deserialize(registry.RoleWorker, param.Worker)
		if err == nil && d.discovery.IsAlive(worker) {
			return worker, nil
		}
		if param.RouteStrategy == model.RouteBroadcast || param.Operation != model.OpTrigger {
			// pinned destinations cannot be re-routed
			if err != nil {
				return registry.Server{}, err
			}
			return registry.Server{}, ErrNoWorkers
		}
	}
	return d.router.route(param, d.discovery.Discovered(param.Group))
}

// recordWorker pins the routed worker on the task row so instance scans
// see where a still-unacked trigger went.
func (d *Dispatcher) recordWorker(ctx context.Context, param *model.ExecuteTaskParam, worker registry.Server) {
	if param.Operation != model.OpTrigger || param.Worker == worker.Serialize() {
		return
	}
	param.Worker = worker.Serialize()
	err := d.store.UpdateTaskWorkers(ctx, []model.TaskWorkerParam{
		{TaskID: param.TaskID, Worker: param.Worker},
	})
	if err != nil {
		d.logger.Warn("record task worker failed",
			slog.Int64("taskId", param.TaskID),
			slog.Any("error", err))
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, param *model.ExecuteTaskParam) {
	if param.Operation != model.OpTrigger {
		return
	}
	count, err := d.store.IncrTaskDispatchFailed(ctx, param.TaskID)
	if err != nil {
		d.logger.Warn("bump dispatch failure failed",
			slog.Int64("taskId", param.TaskID),
			slog.Any("error", err))
		return
	}
	if count < d.cfg.FailThreshold {
		return
	}
	nowMs := time.Now().UnixMilli()
	ok, err := d.store.TerminateTask(ctx, param.TaskID,
		model.ExecStateDispatchFailed, model.ExecStateWaiting, &nowMs, "dispatch retries exhausted")
	if err != nil {
		d.logger.Warn("mark dispatch failed",
			slog.Int64("taskId", param.TaskID),
			slog.Any("error", err))
		return
	}
	if ok {
		d.logger.Error("task dispatch abandoned",
			slog.Int64("taskId", param.TaskID),
			slog.Int("failedCount", count))
	}
}
