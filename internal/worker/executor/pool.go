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

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/jobmesh/internal/metrics"
	"github.com/tombee/jobmesh/internal/model"
)

// SupervisorClient is the worker's callback surface to its supervisor
// cluster.
type SupervisorClient interface {
	StartTask(ctx context.Context, param *model.StartTaskParam) (bool, error)
	TerminateTask(ctx context.Context, param *model.TerminateTaskParam) (bool, error)
	Checkpoint(ctx context.Context, param *model.CheckpointParam) (bool, error)
}

// PoolConfig tunes the executor pool.
type PoolConfig struct {
	// Size is the maximum concurrently executing tasks.
	Size int
	// RPCTimeout bounds each supervisor callback.
	RPCTimeout time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Size <= 0 {
		c.Size = runtime.NumCPU() * 4
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 10 * time.Second
	}
	return c
}

type runningTask struct {
	cancel context.CancelFunc

	mu sync.Mutex
	op model.Operation // control operation that stopped it, OpTrigger while live
}

func (r *runningTask) stop(op model.Operation) {
	r.mu.Lock()
	r.op = op
	r.mu.Unlock()
	r.cancel()
}

func (r *runningTask) stoppedBy() model.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.op
}

// Pool executes dispatched tasks: ack to the supervisor, run the
// executor, report the terminal state. Control operations cancel the
// matching in-flight execution.
type Pool struct {
	self     string
	registry *Registry
	sup      SupervisorClient
	cfg      PoolConfig
	logger   *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	running map[int64]*runningTask
	stopped bool

	wg        sync.WaitGroup
	completed atomic.Int64
	startupAt int64
}

// NewPool builds a pool for the worker identified by self.
func NewPool(self string, registry *Registry, sup SupervisorClient, cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		self:      self,
		registry:  registry,
		sup:       sup,
		cfg:       cfg,
		logger:    slog.Default().With(slog.String("component", "executor-pool")),
		size:      cfg.Size,
		running:   make(map[int64]*runningTask),
		startupAt: time.Now().UnixMilli(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Process handles one batch of received params. Trigger operations block
// until a pool slot frees; control operations apply immediately.
func (p *Pool) Process(params []*model.ExecuteTaskParam) {
	for _, param := range params {
		if param.Operation == model.OpTrigger {
			p.submit(param)
			continue
		}
		p.control(param.TaskID, param.Operation)
	}
}

// control stops an in-flight execution. A miss is normal: the ack for a
// task that already finished, or one this worker never started.
func (p *Pool) control(taskID int64, op model.Operation) {
	p.mu.Lock()
	entry, ok := p.running[taskID]
	p.mu.Unlock()
	if !ok {
		p.logger.Info("control for non-executing task",
			slog.Int64("taskId", taskID),
			slog.String("operation", op.String()))
		return
	}
	entry.stop(op)
}

func (p *Pool) submit(param *model.ExecuteTaskParam) {
	p.mu.Lock()
	for !p.stopped && len(p.running) >= p.size {
		p.cond.Wait()
	}
	if p.stopped {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	entry := &runningTask{cancel: cancel, op: model.OpTrigger}
	p.running[param.TaskID] = entry
	p.mu.Unlock()
	metrics.TasksExecuting.Inc()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.running, param.TaskID)
			p.cond.Broadcast()
			p.mu.Unlock()
			metrics.TasksExecuting.Dec()
		}()
		p.run(ctx, entry, param)
	}()
}

func (p *Pool) run(ctx context.Context, entry *runningTask, param *model.ExecuteTaskParam) {
	ok, err := p.startTask(param)
	if err != nil {
		p.logger.Error("start task failed",
			slog.Int64("taskId", param.TaskID),
			slog.Any("error", err))
		return
	}
	if !ok {
		// another dispatch of the same task won the ack
		return
	}

	execCtx := ctx
	if param.ExecuteTimeoutMs > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(param.ExecuteTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	execErr := p.execute(execCtx, param)
	toState, errorMsg := p.outcome(execCtx, entry, execErr)
	op := entry.stoppedBy()

	p.terminateTask(&model.TerminateTaskParam{
		TaskID:     param.TaskID,
		InstanceID: param.InstanceID,
		WnstanceID: param.WnstanceID,
		ToState:    toState,
		ErrorMsg:   errorMsg,
		Operation:  op,
	})
	if toState == model.ExecStateCompleted {
		p.completed.Add(1)
		metrics.TasksCompleted.Inc()
	}
}

// execute runs the user executor, converting a panic into an error so
// one bad task never takes the pool down.
func (p *Pool) execute(ctx context.Context, param *model.ExecuteTaskParam) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()

	ex, err := p.registry.Lookup(param.ExecutorText)
	if err != nil {
		return &configError{err: err}
	}
	return ex.Execute(ctx, &Execution{
		TaskID:       param.TaskID,
		InstanceID:   param.InstanceID,
		WnstanceID:   param.WnstanceID,
		JobID:        param.JobID,
		TriggerTime:  param.TriggerTime,
		ExecutorText: param.ExecutorText,
		JobParam:     param.JobParam,
		TaskParam:    param.TaskParam,
		Checkpoint: func(ctx context.Context, snapshot string) error {
			_, err := p.sup.Checkpoint(ctx, &model.CheckpointParam{
				TaskID: param.TaskID, ExecuteSnapshot: snapshot,
			})
			return err
		},
	})
}

func (p *Pool) outcome(execCtx context.Context, entry *runningTask, execErr error) (model.ExecuteState, string) {
	if op := entry.stoppedBy(); op != model.OpTrigger {
		return op.ToState(), ""
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return model.ExecStateExecuteTimeout, "execute timeout"
	}
	var pe *panicError
	if errors.As(execErr, &pe) {
		return model.ExecStateExecuteException, pe.Error()
	}
	var ce *configError
	if errors.As(execErr, &ce) {
		return model.ExecStateInitException, ce.Error()
	}
	if execErr != nil {
		return model.ExecStateExecuteFailed, execErr.Error()
	}
	return model.ExecStateCompleted, ""
}

func (p *Pool) startTask(param *model.ExecuteTaskParam) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RPCTimeout)
	defer cancel()
	return p.sup.StartTask(ctx, &model.StartTaskParam{
		TaskID:     param.TaskID,
		InstanceID: param.InstanceID,
		Worker:     p.self,
	})
}

// terminateTask reports the outcome on a background context so shutdown
// of the execution context cannot swallow the report.
func (p *Pool) terminateTask(param *model.TerminateTaskParam) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RPCTimeout)
	defer cancel()
	if _, err := p.sup.TerminateTask(ctx, param); err != nil {
		// the RUNNING scan will resurrect the instance
		p.logger.Error("terminate task report failed",
			slog.Int64("taskId", param.TaskID),
			slog.String("toState", param.ToState.String()),
			slog.Any("error", err))
	}
}

// Stop drains the pool: new submissions are dropped, in-flight tasks get
// until the deadline to finish, leftovers are canceled and reported as
// SHUTDOWN_CANCELED.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	p.mu.Lock()
	for _, entry := range p.running {
		entry.stop(model.OpShutdownCancel)
	}
	p.mu.Unlock()
	<-done
}

// Configure applies ad-hoc settings. A zero field leaves the current
// value in place.
func (p *Pool) Configure(param *model.ConfigureWorkerParam) {
	if param.ExecutorPoolSize > 0 {
		p.mu.Lock()
		p.size = param.ExecutorPoolSize
		p.cond.Broadcast()
		p.mu.Unlock()
		p.logger.Info("executor pool resized", slog.Int("size", param.ExecutorPoolSize))
	}
}

// Metrics snapshots the pool load. The wheel depth is stitched in by the
// caller, which owns the wheel.
func (p *Pool) Metrics() model.WorkerMetrics {
	p.mu.Lock()
	executing := len(p.running)
	size := p.size
	p.mu.Unlock()
	return model.WorkerMetrics{
		Worker:           p.self,
		ExecutingCount:   executing,
		ExecutorPoolSize: size,
		CompletedCount:   p.completed.Load(),
		StartupAt:        p.startupAt,
	}
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("executor panic: %v", e.value) }

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }
