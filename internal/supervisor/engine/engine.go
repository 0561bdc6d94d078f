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

// Package engine is the instance/task state machine. Every mutation of an
// instance runs under a per-instance critical section: an in-process
// sharded lock plus a database row lock, both keyed by the workflow lead id
// when the instance belongs to a workflow and by the instance id otherwise.
// Transactional methods collect side effects (task dispatches) as closures
// that run only after the transaction commits.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/registry"
	"github.com/tombee/jobmesh/internal/store"
)

// ErrConflict reports that a concurrent operation won a compare-and-swap
// race; the caller retries on its next sweep.
var ErrConflict = errors.New("engine: concurrent state change")

// Dispatcher delivers execute-task params to workers. Called only after
// the creating transaction committed.
type Dispatcher interface {
	Dispatch(ctx context.Context, params []*model.ExecuteTaskParam)
}

// WorkerDiscovery is the slice of the registry the engine needs.
// *registry* implementations satisfy it directly.
type WorkerDiscovery interface {
	Discovered(group string) []registry.Server
	IsAlive(s registry.Server) bool
}

// Splitter turns a job param into task params, one task per element.
type Splitter interface {
	Split(ctx context.Context, job *model.SchedJob, executorText string) ([]string, error)
}

// Verifier asks a live worker of the job's group whether the executor
// configuration is runnable before the definition is saved.
type Verifier interface {
	Verify(ctx context.Context, job *model.SchedJob) error
}

// BasicSplitter is the fallback splitter: one task carrying the job param
// verbatim.
type BasicSplitter struct{}

func (BasicSplitter) Split(_ context.Context, job *model.SchedJob, _ string) ([]string, error) {
	return []string{job.JobParam}, nil
}

// Engine drives the instance/task state machine.
type Engine struct {
	store      *store.Store
	dispatcher Dispatcher
	discovery  WorkerDiscovery
	splitter   Splitter
	verifier   Verifier
	idgen      *IDGenerator
	locks      *instanceLocks
	logger     *slog.Logger
	now        func() time.Time
}

// New builds an engine. A nil splitter falls back to BasicSplitter.
func New(st *store.Store, dispatcher Dispatcher, discovery WorkerDiscovery, splitter Splitter, idgen *IDGenerator) *Engine {
	if splitter == nil {
		splitter = BasicSplitter{}
	}
	return &Engine{
		store:      st,
		dispatcher: dispatcher,
		discovery:  discovery,
		splitter:   splitter,
		idgen:      idgen,
		locks:      &instanceLocks{},
		logger:     slog.Default().With(slog.String("component", "engine")),
		now:        time.Now,
	}
}

// SetVerifier installs the remote executor check applied on job save.
// Nil (the default) keeps validation local.
func (e *Engine) SetVerifier(v Verifier) { e.verifier = v }

// effects accumulate post-commit work.
type effects struct {
	fns []func()
}

func (e *effects) add(fn func()) { e.fns = append(e.fns, fn) }

func (e *effects) run() {
	for _, fn := range e.fns {
		fn()
	}
}

// dispatchEffect queues a dispatch of params after commit.
func (e *Engine) dispatchEffect(eff *effects, params []*model.ExecuteTaskParam) {
	if len(params) == 0 {
		return
	}
	eff.add(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.dispatcher.Dispatch(ctx, params)
	})
}

// doLocked runs fn inside the per-instance critical section for lockKey:
// the sharded in-process lock, a transaction, and the row lock on the key
// instance. fn receives the locked row. Effects run after commit only.
func (e *Engine) doLocked(ctx context.Context, lockKey int64, fn func(tx *store.Tx, locked *model.SchedInstance, eff *effects) error) error {
	unlock := e.locks.lock(lockKey)
	defer unlock()

	eff := &effects{}
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		locked, err := tx.LockInstance(ctx, lockKey)
		if err != nil {
			return err
		}
		return fn(tx, locked, eff)
	})
	if err != nil {
		return err
	}
	eff.run()
	return nil
}

// lockKeyOf resolves the critical-section key of an instance: the workflow
// lead when there is one, the instance itself otherwise.
func lockKeyOf(instanceID int64, wnstanceID *int64) int64 {
	if wnstanceID != nil {
		return *wnstanceID
	}
	return instanceID
}

// deriveRunState computes the instance state implied by its tasks per the
// derivation rule. ok=false means some task is still WAITING or EXECUTING
// and the instance state stands. endMs is non-nil only for terminal states.
func deriveRunState(tasks []*model.SchedTask, now time.Time) (state model.RunState, endMs *int64, ok bool) {
	allTerminal, anyFailure := true, false
	var maxEnd int64
	for _, t := range tasks {
		if t.ExecuteState == model.ExecStateWaiting || t.ExecuteState == model.ExecStateExecuting {
			return 0, nil, false
		}
		if !t.ExecuteState.IsTerminal() {
			allTerminal = false
			continue
		}
		if t.ExecuteState.IsFailure() {
			anyFailure = true
		}
		if t.ExecuteEndTime != nil && *t.ExecuteEndTime > maxEnd {
			maxEnd = *t.ExecuteEndTime
		}
	}
	if !allTerminal {
		return model.RunStatePaused, nil, true
	}
	if maxEnd == 0 {
		maxEnd = now.UnixMilli()
	}
	if anyFailure {
		return model.RunStateCanceled, &maxEnd, true
	}
	return model.RunStateFinished, &maxEnd, true
}

// buildExecuteTaskParams renders dispatch payloads for tasks of an
// instance. Workflow node instances execute the DAG node named in their
// attach rather than the job's own executor.
func buildExecuteTaskParams(job *model.SchedJob, inst *model.SchedInstance, tasks []*model.SchedTask, op model.Operation) []*model.ExecuteTaskParam {
	executorText := job.ExecutorText
	if inst.IsWorkflowNode() {
		if curNode := inst.ParseAttach().CurNode; curNode != "" {
			executorText = curNode
		}
	}
	params := make([]*model.ExecuteTaskParam, 0, len(tasks))
	for _, t := range tasks {
		params = append(params, &model.ExecuteTaskParam{
			TaskID:           t.TaskID,
			InstanceID:       inst.InstanceID,
			WnstanceID:       inst.WnstanceID,
			JobID:            job.JobID,
			Group:            job.Group,
			TriggerTime:      inst.TriggerTime,
			ExecuteTimeoutMs: job.ExecuteTimeoutMs,
			Operation:        op,
			RouteStrategy:    job.RouteStrategy,
			Worker:           t.Worker,
			JobType:          job.JobType,
			ExecutorText:     executorText,
			JobParam:         job.JobParam,
			TaskParam:        t.TaskParam,
		})
	}
	return params
}

// isAliveWorker reports whether the serialized worker endpoint is in the
// live discovery set. Unparseable or empty values count as dead.
func (e *Engine) isAliveWorker(worker string) bool {
	if worker == "" {
		return false
	}
	server, err := registry.Deserialize(registry.RoleWorker, worker)
	if err != nil {
		return false
	}
	return e.discovery.IsAlive(server)
}

// hasAliveExecuting reports whether any task is EXECUTING on a live worker.
func (e *Engine) hasAliveExecuting(tasks []*model.SchedTask) bool {
	for _, t := range tasks {
		if t.ExecuteState == model.ExecStateExecuting && e.isAliveWorker(t.Worker) {
			return true
		}
	}
	return false
}
