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
	"github.com/tombee/jobmesh/internal/store"
)

const waitingLease = "scan-waiting-instance"

// InstanceRescuer is the engine surface the stuck-instance sweeps use.
type InstanceRescuer interface {
	Redispatch(ctx context.Context, instanceID int64) (bool, error)
	PurgeInstance(ctx context.Context, instanceID int64) (bool, error)
	InvalidateInstance(ctx context.Context, instanceID int64, reason string) (bool, error)
	AdvanceWorkflow(ctx context.Context, wnstanceID int64) (bool, error)
}

// WaitingConfig tunes the stuck-WAITING sweep.
type WaitingConfig struct {
	Period time.Duration
	// Threshold is how stale an instance's updated_at must be before the
	// sweep picks it up. Defaults to eight periods.
	Threshold time.Duration
	Batch     int
}

func (c WaitingConfig) withDefaults() WaitingConfig {
	if c.Period <= 0 {
		c.Period = 15 * time.Second
	}
	if c.Threshold <= 0 {
		c.Threshold = 8 * c.Period
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
	return c
}

// WaitingSweep rescues instances stuck in WAITING: the dispatch RPC was
// lost, the worker died before acking, or the job row disappeared.
type WaitingSweep struct {
	store   *store.Store
	rescuer InstanceRescuer
	owner   string
	cfg     WaitingConfig
	logger  *slog.Logger
}

// NewWaitingSweep builds the stuck-WAITING sweep.
func NewWaitingSweep(st *store.Store, rescuer InstanceRescuer, owner string, cfg WaitingConfig) *WaitingSweep {
	return &WaitingSweep{
		store:   st,
		rescuer: rescuer,
		owner:   owner,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default().With(slog.String("component", "scan-waiting")),
	}
}

func (s *WaitingSweep) Name() string { return "waiting-instance" }

// Run processes one batch of expired WAITING instances.
func (s *WaitingSweep) Run(ctx context.Context) bool {
	ok, err := s.store.AcquireLease(ctx, waitingLease, s.owner, s.cfg.Period*5)
	if err != nil {
		s.logger.Error("acquire lease failed", slog.Any("error", err))
		return true
	}
	if !ok {
		return true
	}
	defer func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), waitingLease, s.owner); err != nil {
			s.logger.Warn("release lease failed", slog.Any("error", err))
		}
	}()

	expireBefore := time.Now().Add(-s.cfg.Threshold).UnixMilli()
	instances, err := s.store.FindExpiredInstances(ctx, model.RunStateWaiting, expireBefore, s.cfg.Batch)
	if err != nil {
		s.logger.Error("find expired waiting instances failed", slog.Any("error", err))
		return true
	}
	for _, inst := range instances {
		if err := s.rescueWaiting(ctx, inst); err != nil {
			s.logger.Error("rescue waiting instance failed",
				slog.Int64("instanceId", inst.InstanceID),
				slog.Any("error", err))
		}
	}
	return len(instances) < s.cfg.Batch
}

func (s *WaitingSweep) rescueWaiting(ctx context.Context, inst *model.SchedInstance) error {
	if _, err := s.store.GetJob(ctx, inst.JobID); errors.Is(err, store.ErrNotFound) {
		_, err := s.rescuer.InvalidateInstance(ctx, inst.InstanceID, "job missing")
		return err
	} else if err != nil {
		return err
	}

	tasks, err := s.store.FindTasksByInstance(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	if allTasksTerminal(tasks) {
		// dispatched and finished but the terminate ack never landed
		_, err := s.rescuer.PurgeInstance(ctx, inst.InstanceID)
		return err
	}

	ok, err := s.rescuer.Redispatch(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	if !ok {
		// nothing routable yet, push it out of the window to retry later
		_, err = s.store.RenewInstanceUpdateTime(ctx, inst.InstanceID, inst.Version)
		return err
	}
	s.logger.Info("redispatched waiting instance", slog.Int64("instanceId", inst.InstanceID))
	return nil
}

func allTasksTerminal(tasks []*model.SchedTask) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if !t.ExecuteState.IsTerminal() {
			return false
		}
	}
	return true
}
