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

package engine

import (
	"context"
	"errors"
	"slices"

	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/store"
)

// StartTask acknowledges a worker picking up a task: the instance moves
// WAITING→RUNNING on the first ack and the task binds to the worker. Both
// compare-and-swaps must succeed together; a false return tells the worker
// to drop the task.
func (e *Engine) StartTask(ctx context.Context, param *model.StartTaskParam) (bool, error) {
	wnstanceID, err := e.store.GetWnstanceID(ctx, param.InstanceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = e.doLocked(ctx, lockKeyOf(param.InstanceID, wnstanceID), func(tx *store.Tx, _ *model.SchedInstance, _ *effects) error {
		inst, err := tx.GetInstance(ctx, param.InstanceID)
		if err != nil {
			return err
		}
		if !slices.Contains(model.RunStateRunnable, inst.RunState) {
			return ErrConflict
		}
		nowMs := e.now().UnixMilli()
		if inst.RunState == model.RunStateWaiting {
			ok, err := tx.StartInstance(ctx, inst.InstanceID, nowMs)
			if err != nil {
				return err
			}
			if !ok {
				return ErrConflict
			}
		}
		ok, err := tx.StartTask(ctx, param.TaskID, param.Worker, nowMs)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		return nil
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

// TerminateTask records a worker-reported task outcome and, when the
// instance's tasks have all settled, finalizes the instance and runs the
// cascades.
func (e *Engine) TerminateTask(ctx context.Context, param *model.TerminateTaskParam) (bool, error) {
	if !param.ToState.IsTerminal() && param.ToState != model.ExecStatePaused {
		return false, errors.New("engine: terminate to non-terminal state " + param.ToState.String())
	}

	err := e.doLocked(ctx, lockKeyOf(param.InstanceID, param.WnstanceID), func(tx *store.Tx, _ *model.SchedInstance, eff *effects) error {
		inst, err := tx.GetInstance(ctx, param.InstanceID)
		if err != nil {
			return err
		}
		if inst.RunState.IsTerminal() {
			return ErrConflict
		}
		endMs := e.now().UnixMilli()
		ok, err := tx.TerminateTask(ctx, param.TaskID, param.ToState, model.ExecStateExecuting, &endMs, param.ErrorMsg)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		tasks, err := tx.FindTasksByInstance(ctx, inst.InstanceID)
		if err != nil {
			return err
		}
		state, instEndMs, settled := deriveRunState(tasks, e.now())
		if !settled {
			return nil
		}
		return e.finalizeInstance(ctx, tx, inst, state, instEndMs, tasks, finalizeOpts{allowRetry: true}, eff)
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

// Checkpoint persists an intermediate execution snapshot for a task that
// is still executing.
func (e *Engine) Checkpoint(ctx context.Context, param *model.CheckpointParam) (bool, error) {
	return e.store.CheckpointTask(ctx, param.TaskID, param.ExecuteSnapshot)
}

// UpdateTaskWorker repairs task→worker bindings after a dispatch-side
// redirect.
func (e *Engine) UpdateTaskWorker(ctx context.Context, params []model.TaskWorkerParam) error {
	return e.store.UpdateTaskWorkers(ctx, params)
}

// finalizeOpts tunes instance finalization.
type finalizeOpts struct {
	// allowRetry runs the retry cascade on CANCELED. Manual cancels leave
	// it off.
	allowRetry bool
	// forceCancel turns a PAUSED derivation into CANCELED, used by cancel
	// operations and the zombie purge.
	forceCancel bool
}

// finalizeInstance applies a settled derivation to the instance row and
// runs the cascades: workflow edge settlement for nodes, retry on failure,
// dependency fan-out on success.
func (e *Engine) finalizeInstance(ctx context.Context, tx *store.Tx, inst *model.SchedInstance, state model.RunState, endMs *int64, tasks []*model.SchedTask, opts finalizeOpts, eff *effects) error {
	if state == model.RunStatePaused {
		if !opts.forceCancel {
			ok, err := tx.TerminateInstance(ctx, inst.InstanceID, model.RunStatePaused, model.RunStatePausable, nil)
			if err != nil {
				return err
			}
			if !ok {
				return ErrConflict
			}
			return nil
		}
		state = model.RunStateCanceled
		nowMs := e.now().UnixMilli()
		endMs = &nowMs
	}

	ok, err := tx.TerminateInstance(ctx, inst.InstanceID, state, model.RunStateTerminable, endMs)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}

	if inst.IsWorkflowNode() {
		return e.onWorkflowNodeTerminated(ctx, tx, inst, state, tasks, opts.allowRetry, eff)
	}
	switch state {
	case model.RunStateCanceled:
		if opts.allowRetry {
			_, err := e.retryJob(ctx, tx, inst, tasks, eff)
			return err
		}
		return nil
	case model.RunStateFinished:
		return e.dependJob(ctx, tx, inst, eff)
	}
	return nil
}
