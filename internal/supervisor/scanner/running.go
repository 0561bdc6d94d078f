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

package scanner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/registry"
	"github.com/tombee/jobmesh/internal/store"
	"github.com/tombee/jobmesh/internal/supervisor/engine"
)

const runningLease = "scan-running-instance"

// RunningConfig tunes the stuck-RUNNING sweep.
type RunningConfig struct {
	Period    time.Duration
	Threshold time.Duration
	Batch     int
}

func (c RunningConfig) withDefaults() RunningConfig {
	if c.Period <= 0 {
		c.Period = 30 * time.Second
	}
	if c.Threshold <= 0 {
		c.Threshold = 8 * c.Period
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
	return c
}

// RunningSweep rescues RUNNING instances that stopped making progress:
// the worker died mid-execution, or the terminal ack was lost.
type RunningSweep struct {
	store     *store.Store
	rescuer   InstanceRescuer
	discovery engine.WorkerDiscovery
	owner     string
	cfg       RunningConfig
	logger    *slog.Logger
}

// NewRunningSweep builds the stuck-RUNNING sweep.
func NewRunningSweep(st *store.Store, rescuer InstanceRescuer, discovery engine.WorkerDiscovery, owner string, cfg RunningConfig) *RunningSweep {
	return &RunningSweep{
		store:     st,
		rescuer:   rescuer,
		discovery: discovery,
		owner:     owner,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default().With(slog.String("component", "scan-running")),
	}
}

func (s *RunningSweep) Name() string { return "running-instance" }

// Run processes one batch of expired RUNNING instances.
func (s *RunningSweep) Run(ctx context.Context) bool {
	ok, err := s.store.AcquireLease(ctx, runningLease, s.owner, s.cfg.Period*5)
	if err != nil {
		s.logger.Error("acquire lease failed", slog.Any("error", err))
		return true
	}
	if !ok {
		return true
	}
	defer func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), runningLease, s.owner); err != nil {
			s.logger.Warn("release lease failed", slog.Any("error", err))
		}
	}()

	expireBefore := time.Now().Add(-s.cfg.Threshold).UnixMilli()
	instances, err := s.store.FindExpiredInstances(ctx, model.RunStateRunning, expireBefore, s.cfg.Batch)
	if err != nil {
		s.logger.Error("find expired running instances failed", slog.Any("error", err))
		return true
	}
	for _, inst := range instances {
		if err := s.rescueRunning(ctx, inst); err != nil {
			s.logger.Error("rescue running instance failed",
				slog.Int64("instanceId", inst.InstanceID),
				slog.Any("error", err))
		}
	}
	return len(instances) < s.cfg.Batch
}

func (s *RunningSweep) rescueRunning(ctx context.Context, inst *model.SchedInstance) error {
	if _, err := s.store.GetJob(ctx, inst.JobID); errors.Is(err, store.ErrNotFound) {
		_, err := s.rescuer.InvalidateInstance(ctx, inst.InstanceID, "job missing")
		return err
	} else if err != nil {
		return err
	}

	if inst.IsWorkflowLead() {
		// a lead has no tasks of its own; re-drive the graph in case a
		// node termination was lost, then push it out of the scan window
		if _, err := s.rescuer.AdvanceWorkflow(ctx, inst.InstanceID); err != nil {
			return err
		}
		_, err := s.store.RenewInstanceUpdateTime(ctx, inst.InstanceID, inst.Version)
		return err
	}

	tasks, err := s.store.FindTasksByInstance(ctx, inst.InstanceID)
	if err != nil {
		return err
	}

	var hasWaiting, hasAliveExecuting bool
	for _, t := range tasks {
		switch t.ExecuteState {
		case model.ExecStateWaiting:
			hasWaiting = true
		case model.ExecStateExecuting:
			if s.workerAlive(t.Worker) {
				hasAliveExecuting = true
			}
		}
	}

	if hasWaiting {
		ok, err := s.rescuer.Redispatch(ctx, inst.InstanceID)
		if err != nil || ok {
			return err
		}
		// waiting tasks are pinned to live workers, fall through to renew
	} else if !hasAliveExecuting {
		// every non-terminal task belongs to a dead worker, or the
		// terminate ack was lost after all tasks finished
		_, err := s.rescuer.PurgeInstance(ctx, inst.InstanceID)
		return err
	}

	// genuinely long-running, push it out of the scan window
	_, err = s.store.RenewInstanceUpdateTime(ctx, inst.InstanceID, inst.Version)
	return err
}

func (s *RunningSweep) workerAlive(worker string) bool {
	if worker == "" {
		return false
	}
	srv, err := registry.Deserialize(registry.RoleWorker, worker)
	if err != nil {
		return false
	}
	return s.discovery.IsAlive(srv)
}
