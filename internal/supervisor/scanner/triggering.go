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
	"log/slog"
	"time"

	"github.com/tombee/jobmesh/internal/metrics"
	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/store"
)

const triggeringLease = "scan-triggering-job"

// TriggeringConfig tunes the due-job sweep.
type TriggeringConfig struct {
	Period    time.Duration
	Lookahead time.Duration
	Batch     int
}

func (c TriggeringConfig) withDefaults() TriggeringConfig {
	if c.Period <= 0 {
		c.Period = 3 * time.Second
	}
	if c.Lookahead <= 0 {
		c.Lookahead = c.Period
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
	return c
}

// JobFirer fires a due job, creating and dispatching its instance.
type JobFirer interface {
	FireJob(ctx context.Context, job *model.SchedJob) error
}

// TriggeringSweep fires jobs whose next trigger time has arrived. It
// holds a cluster lease so only one supervisor scans per tick.
type TriggeringSweep struct {
	store  *store.Store
	firer  JobFirer
	owner  string
	cfg    TriggeringConfig
	logger *slog.Logger
}

// NewTriggeringSweep builds the due-job sweep. owner identifies this
// supervisor for the lease.
func NewTriggeringSweep(st *store.Store, firer JobFirer, owner string, cfg TriggeringConfig) *TriggeringSweep {
	return &TriggeringSweep{
		store:  st,
		firer:  firer,
		owner:  owner,
		cfg:    cfg.withDefaults(),
		logger: slog.Default().With(slog.String("component", "scan-triggering")),
	}
}

func (s *TriggeringSweep) Name() string { return "triggering-job" }

// Run fires one batch of due jobs. Idle when the batch was short or the
// lease was held elsewhere.
func (s *TriggeringSweep) Run(ctx context.Context) bool {
	ok, err := s.store.AcquireLease(ctx, triggeringLease, s.owner, s.cfg.Period*5)
	if err != nil {
		s.logger.Error("acquire lease failed", slog.Any("error", err))
		return true
	}
	if !ok {
		return true
	}
	defer func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), triggeringLease, s.owner); err != nil {
			s.logger.Warn("release lease failed", slog.Any("error", err))
		}
	}()

	maxTime := time.Now().Add(s.cfg.Lookahead).UnixMilli()
	jobs, err := s.store.FindTriggeringJobs(ctx, maxTime, s.cfg.Batch)
	if err != nil {
		s.logger.Error("find triggering jobs failed", slog.Any("error", err))
		return true
	}
	for _, job := range jobs {
		if err := s.firer.FireJob(ctx, job); err != nil {
			s.logger.Error("fire job failed",
				slog.Int64("jobId", job.JobID),
				slog.Any("error", err))
			continue
		}
		metrics.JobsFired.Inc()
	}
	return len(jobs) < s.cfg.Batch
}
