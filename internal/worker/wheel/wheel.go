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

// Package wheel buffers received tasks in a timing wheel until their
// trigger time arrives, then hands them to the executor pool. Buckets
// absorb tasks dispatched ahead of time so the worker never busy-waits.
package wheel

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/jobmesh/internal/metrics"
	"github.com/tombee/jobmesh/internal/model"
)

// Config tunes the wheel geometry.
type Config struct {
	// TickMs is the bucket width in milliseconds.
	TickMs int64
	// RingSize is the number of buckets; the wheel covers TickMs×RingSize
	// of future time per revolution.
	RingSize int
	// Capacity bounds the total queued tasks across all buckets.
	Capacity int
}

func (c Config) withDefaults() Config {
	if c.TickMs <= 0 {
		c.TickMs = 100
	}
	if c.RingSize <= 0 {
		c.RingSize = 60
	}
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	return c
}

// Drain receives the due tasks of one tick, in trigger-time order.
type Drain func(params []*model.ExecuteTaskParam)

type bucket struct {
	mu    sync.Mutex
	items []*model.ExecuteTaskParam
}

// Wheel is a bounded-delay FIFO bucketed by tick. Offers and the poller
// contend only on single buckets.
type Wheel struct {
	self    string
	cfg     Config
	buckets []bucket
	drain   Drain
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[int64]struct{} // queued task ids, dedup
	depth   atomic.Int32

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New builds a wheel for the worker identified by self (its serialized
// registry form). drain is called from the single poller goroutine.
func New(self string, drain Drain, cfg Config) *Wheel {
	cfg = cfg.withDefaults()
	return &Wheel{
		self:    self,
		cfg:     cfg,
		buckets: make([]bucket, cfg.RingSize),
		drain:   drain,
		logger:  slog.Default().With(slog.String("component", "wheel")),
		pending: make(map[int64]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the poller.
func (w *Wheel) Start() {
	w.wg.Add(1)
	go w.poll()
}

// Stop halts the poller; queued tasks are dropped and resurrected later
// by the supervisor's instance scans.
func (w *Wheel) Stop() {
	w.stopped.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Depth reports the queued task count.
func (w *Wheel) Depth() int { return int(w.depth.Load()) }

// Offer queues a task for its trigger tick. It rejects tasks addressed
// to another worker, duplicates of an already queued task, and overflow
// beyond the wheel capacity.
func (w *Wheel) Offer(param *model.ExecuteTaskParam) bool {
	if param.Worker != "" && param.Worker != w.self {
		w.logger.Warn("rejected foreign task",
			slog.Int64("taskId", param.TaskID),
			slog.String("worker", param.Worker))
		return false
	}

	w.mu.Lock()
	if _, dup := w.pending[param.TaskID]; dup {
		w.mu.Unlock()
		return false
	}
	if int(w.depth.Load()) >= w.cfg.Capacity {
		w.mu.Unlock()
		w.logger.Warn("wheel overflow", slog.Int64("taskId", param.TaskID))
		return false
	}
	w.pending[param.TaskID] = struct{}{}
	w.depth.Add(1)
	w.mu.Unlock()
	metrics.WheelDepth.Inc()

	// overdue tasks go into the next bucket the poller visits
	tick := param.TriggerTime / w.cfg.TickMs
	if cur := time.Now().UnixMilli() / w.cfg.TickMs; tick <= cur {
		tick = cur + 1
	}
	b := &w.buckets[w.slot(tick)]
	b.mu.Lock()
	b.items = append(b.items, param)
	b.mu.Unlock()
	return true
}

func (w *Wheel) slot(tick int64) int {
	return int(tick % int64(w.cfg.RingSize))
}

func (w *Wheel) poll() {
	defer w.wg.Done()
	tick := time.Duration(w.cfg.TickMs) * time.Millisecond
	lastTick := time.Now().UnixMilli() / w.cfg.TickMs
	for {
		select {
		case <-w.stopCh:
			return
		case <-time.After(tick):
		}
		nowMs := time.Now().UnixMilli()
		curTick := nowMs / w.cfg.TickMs
		// sweep every tick since the last wake so slow drains skip nothing
		if curTick-lastTick > int64(w.cfg.RingSize) {
			lastTick = curTick - int64(w.cfg.RingSize)
		}
		var due []*model.ExecuteTaskParam
		for t := lastTick + 1; t <= curTick; t++ {
			due = append(due, w.takeDue(t, nowMs)...)
		}
		lastTick = curTick
		if len(due) > 0 {
			sortByTriggerTime(due)
			w.drain(due)
		}
	}
}

// takeDue drains due items from one bucket. Items parked for a later
// revolution stay in place.
func (w *Wheel) takeDue(tick, nowMs int64) []*model.ExecuteTaskParam {
	b := &w.buckets[w.slot(tick)]
	b.mu.Lock()
	var due, keep []*model.ExecuteTaskParam
	for _, p := range b.items {
		if p.TriggerTime <= nowMs {
			due = append(due, p)
		} else {
			keep = append(keep, p)
		}
	}
	b.items = keep
	b.mu.Unlock()

	if len(due) > 0 {
		w.mu.Lock()
		for _, p := range due {
			delete(w.pending, p.TaskID)
		}
		w.mu.Unlock()
		w.depth.Add(int32(-len(due)))
		metrics.WheelDepth.Sub(float64(len(due)))
	}
	return due
}

func sortByTriggerTime(params []*model.ExecuteTaskParam) {
	for i := 1; i < len(params); i++ {
		for j := i; j > 0 && params[j].TriggerTime < params[j-1].TriggerTime; j-- {
			params[j], params[j-1] = params[j-1], params[j]
		}
	}
}
