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

// Package scanner runs the supervisor's periodic sweeps: firing due jobs
// and resurrecting instances stuck in WAITING or RUNNING. Each sweep runs
// on its own heartbeat loop under a cluster lease, so one supervisor
// processes a batch at a time while replicas stay hot.
package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/jobmesh/internal/metrics"
)

// Sweep processes one bounded batch. It reports idle=true when the batch
// was not full; a full batch makes the heartbeat run again immediately.
type Sweep interface {
	Name() string
	Run(ctx context.Context) (idle bool)
}

// Heartbeat drives a Sweep on a fixed period. Idle iterations sleep to
// the next period boundary; busy iterations loop immediately.
type Heartbeat struct {
	sweep  Sweep
	period time.Duration
	logger *slog.Logger

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewHeartbeat builds a stopped heartbeat for sweep.
func NewHeartbeat(sweep Sweep, period time.Duration) *Heartbeat {
	return &Heartbeat{
		sweep:  sweep,
		period: period,
		logger: slog.Default().With(slog.String("component", "heartbeat"), slog.String("sweep", sweep.Name())),
		stopCh: make(chan struct{}),
	}
}

// Start launches the loop.
func (h *Heartbeat) Start() {
	h.wg.Add(1)
	go h.loop()
	h.logger.Info("heartbeat started", slog.Duration("period", h.period))
}

// Stop signals the loop and waits for the in-flight sweep to finish.
func (h *Heartbeat) Stop() {
	h.stopped.Do(func() { close(h.stopCh) })
	h.wg.Wait()
	h.logger.Info("heartbeat stopped")
}

func (h *Heartbeat) loop() {
	defer h.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-h.stopCh
		cancel()
	}()

	for {
		select {
		case <-h.stopCh:
			return
		default:
		}

		idle := h.runOnce(ctx)
		if !idle {
			continue
		}
		// sleep to the next period boundary so replicas tick in phase
		sleep := h.period - time.Duration(time.Now().UnixMilli()%h.period.Milliseconds())*time.Millisecond
		select {
		case <-h.stopCh:
			return
		case <-time.After(sleep):
		}
	}
}

func (h *Heartbeat) runOnce(ctx context.Context) (idle bool) {
	start := time.Now()
	defer func() {
		metrics.SweepRuns.WithLabelValues(h.sweep.Name()).Inc()
		metrics.SweepDuration.WithLabelValues(h.sweep.Name()).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			h.logger.Error("sweep panicked", slog.Any("panic", r))
			idle = true
		}
	}()
	return h.sweep.Run(ctx)
}
