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
	"fmt"
	"slices"

	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/store"
)

// ErrWorkflowNode is returned when a lifecycle operation targets a
// workflow node instead of its lead.
var ErrWorkflowNode = errors.New("engine: operate the workflow lead, not a node")

// resolveLockKey loads the instance's lock key from the store.
func (e *Engine) resolveLockKey(ctx context.Context, instanceID int64) (int64, error) {
	wnstanceID, err := e.store.GetWnstanceID(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	return lockKeyOf(instanceID, wnstanceID), nil
}

// PauseInstance parks an instance: WAITING tasks move to PAUSED in bulk,
// EXECUTING tasks on live workers receive an out-of-band pause RPC, and
// the instance settles to PAUSED once nothing is executing. For a workflow
// lead the pause recurses into every pausable node.
func (e *Engine) PauseInstance(ctx context.Context, instanceID int64) (bool, error) {
	lockKey, err := e.resolveLockKey(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = e.doLocked(ctx, lockKey, func(tx *store.Tx, _ *model.SchedInstance, eff *effects) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.IsWorkflowNode() {
			return ErrWorkflowNode
		}
		if !slices.Contains(model.RunStatePausable, inst.RunState) {
			return ErrConflict
		}
		if inst.IsWorkflowLead() {
			return e.pauseWorkflowLead(ctx, tx, inst, eff)
		}
		return e.pauseOne(ctx, tx, inst, eff)
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

func (e *Engine) pauseWorkflowLead(ctx context.Context, tx *store.Tx, lead *model.SchedInstance, eff *effects) error {
	// un-started nodes will not be created while their edges are paused
	if _, err := tx.UpdateWorkflowState(ctx, lead.InstanceID, "",
		model.RunStatePaused, nil, []model.RunState{model.RunStateWaiting}, nil); err != nil {
		return err
	}
	nodes, err := tx.FindWorkflowNodeInstances(ctx, lead.InstanceID)
	if err != nil {
		return err
	}
	allParked := true
	for _, node := range nodes {
		if !slices.Contains(model.RunStatePausable, node.RunState) {
			continue
		}
		if err := e.pauseOne(ctx, tx, node, eff); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
		fresh, err := tx.GetInstance(ctx, node.InstanceID)
		if err != nil {
			return err
		}
		if !fresh.RunState.IsTerminal() && fresh.RunState != model.RunStatePaused {
			allParked = false
		}
	}
	if allParked {
		if _, err := tx.UpdateInstanceState(ctx, lead.InstanceID,
			model.RunStatePaused, model.RunStateRunning); err != nil {
			return err
		}
	}
	return nil
}

// pauseOne pauses a non-lead instance.
func (e *Engine) pauseOne(ctx context.Context, tx *store.Tx, inst *model.SchedInstance, eff *effects) error {
	if _, err := tx.UpdateTasksState(ctx, inst.InstanceID,
		model.ExecStatePaused, []model.ExecuteState{model.ExecStateWaiting}, nil); err != nil {
		return err
	}
	tasks, err := tx.FindTasksByInstance(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	if executing := e.aliveExecuting(tasks); len(executing) > 0 {
		job, err := tx.GetJob(ctx, inst.JobID)
		if err != nil {
			return err
		}
		// instance stays RUNNING until the workers report PAUSED
		e.dispatchEffect(eff, buildExecuteTaskParams(job, inst, executing, model.OpPause))
		return nil
	}
	state, endMs, settled := deriveRunState(tasks, e.now())
	if !settled {
		return nil
	}
	return e.finalizeInstance(ctx, tx, inst, state, endMs, tasks, finalizeOpts{allowRetry: true}, eff)
}

// CancelInstance cancels an instance with the given cancel operation.
// WAITING and PAUSED tasks terminate immediately; EXECUTING tasks on live
// workers receive an out-of-band cancel RPC.
func (e *Engine) CancelInstance(ctx context.Context, instanceID int64, op model.Operation) (bool, error) {
	toState := op.ToState()
	if !toState.IsFailure() {
		return false, fmt.Errorf("engine: %v is not a cancel operation", op)
	}
	lockKey, err := e.resolveLockKey(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = e.doLocked(ctx, lockKey, func(tx *store.Tx, _ *model.SchedInstance, eff *effects) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.IsWorkflowNode() {
			return ErrWorkflowNode
		}
		if inst.RunState.IsTerminal() {
			return ErrConflict
		}
		if inst.IsWorkflowLead() {
			return e.cancelWorkflowLead(ctx, tx, inst, op, eff)
		}
		return e.cancelOne(ctx, tx, inst, op, eff)
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

func (e *Engine) cancelWorkflowLead(ctx context.Context, tx *store.Tx, lead *model.SchedInstance, op model.Operation, eff *effects) error {
	nodes, err := tx.FindWorkflowNodeInstances(ctx, lead.InstanceID)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if node.RunState.IsTerminal() {
			continue
		}
		if err := e.cancelOne(ctx, tx, node, op, eff); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}
	// settles canceled nodes' edges, short-circuits the rest and
	// terminates the lead once every edge is terminal
	return e.processWorkflowLead(ctx, tx, lead.JobID, lead.InstanceID, eff)
}

// cancelOne cancels a non-lead instance.
func (e *Engine) cancelOne(ctx context.Context, tx *store.Tx, inst *model.SchedInstance, op model.Operation, eff *effects) error {
	nowMs := e.now().UnixMilli()
	if _, err := tx.UpdateTasksState(ctx, inst.InstanceID,
		op.ToState(), model.ExecStateExecutable, &nowMs); err != nil {
		return err
	}
	tasks, err := tx.FindTasksByInstance(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	if executing := e.aliveExecuting(tasks); len(executing) > 0 {
		job, err := tx.GetJob(ctx, inst.JobID)
		if err != nil {
			return err
		}
		e.dispatchEffect(eff, buildExecuteTaskParams(job, inst, executing, op))
		return nil
	}
	state, endMs, settled := deriveRunState(tasks, e.now())
	if !settled {
		return nil
	}
	if inst.IsWorkflowNode() {
		// the caller settles edges for the whole graph
		if state == model.RunStatePaused || state == model.RunStateCanceled {
			state = model.RunStateCanceled
			endMs = &nowMs
		}
		ok, err := tx.TerminateInstance(ctx, inst.InstanceID, state, model.RunStateTerminable, endMs)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		_, err = tx.UpdateWorkflowState(ctx, *inst.WnstanceID, inst.ParseAttach().CurNode,
			state, nil, model.RunStateTerminable, &inst.InstanceID)
		return err
	}
	return e.finalizeInstance(ctx, tx, inst, state, endMs, tasks, finalizeOpts{forceCancel: true}, eff)
}

// ResumeInstance returns a PAUSED instance to WAITING and re-dispatches
// its restored tasks. Workers are reassigned on re-dispatch.
func (e *Engine) ResumeInstance(ctx context.Context, instanceID int64) (bool, error) {
	lockKey, err := e.resolveLockKey(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = e.doLocked(ctx, lockKey, func(tx *store.Tx, _ *model.SchedInstance, eff *effects) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.IsWorkflowNode() {
			return ErrWorkflowNode
		}
		if inst.RunState != model.RunStatePaused {
			return ErrConflict
		}
		if inst.IsWorkflowLead() {
			return e.resumeWorkflowLead(ctx, tx, inst, eff)
		}
		return e.resumeOne(ctx, tx, inst, eff)
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

func (e *Engine) resumeWorkflowLead(ctx context.Context, tx *store.Tx, lead *model.SchedInstance, eff *effects) error {
	// the lead has no tasks of its own; it resumes straight to RUNNING
	ok, err := tx.UpdateInstanceState(ctx, lead.InstanceID, model.RunStateRunning, model.RunStatePaused)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	if _, err := tx.ResumeWorkflows(ctx, lead.InstanceID); err != nil {
		return err
	}
	nodes, err := tx.FindWorkflowNodeInstances(ctx, lead.InstanceID)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if node.RunState != model.RunStatePaused {
			continue
		}
		if err := e.resumeOne(ctx, tx, node, eff); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}
	// create any nodes whose predecessors finished while paused
	return e.processWorkflowLead(ctx, tx, lead.JobID, lead.InstanceID, eff)
}

// resumeOne resumes a non-lead instance.
func (e *Engine) resumeOne(ctx context.Context, tx *store.Tx, inst *model.SchedInstance, eff *effects) error {
	ok, err := tx.UpdateInstanceState(ctx, inst.InstanceID, model.RunStateWaiting, model.RunStatePaused)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	if _, err := tx.UpdateTasksState(ctx, inst.InstanceID,
		model.ExecStateWaiting, []model.ExecuteState{model.ExecStatePaused}, nil); err != nil {
		return err
	}
	tasks, err := tx.FindTasksByInstance(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	var waiting []*model.SchedTask
	for _, t := range tasks {
		if t.ExecuteState == model.ExecStateWaiting {
			waiting = append(waiting, t)
		}
	}
	if len(waiting) == 0 {
		return nil
	}
	job, err := tx.GetJob(ctx, inst.JobID)
	if err != nil {
		return err
	}
	e.dispatchEffect(eff, buildExecuteTaskParams(job, inst, waiting, model.OpTrigger))
	return nil
}

// PurgeInstance finalizes a zombie instance: stuck in WAITING or RUNNING
// with no WAITING task and no EXECUTING task on a live worker. Remaining
// non-terminal tasks terminate as EXECUTE_TIMEOUT and the instance settles
// through the normal derivation, retry cascade included.
func (e *Engine) PurgeInstance(ctx context.Context, instanceID int64) (bool, error) {
	lockKey, err := e.resolveLockKey(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = e.doLocked(ctx, lockKey, func(tx *store.Tx, _ *model.SchedInstance, eff *effects) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.IsWorkflowLead() {
			// a lead owns no tasks; its state is derived from the edge
			// graph, never from the purge path
			return ErrConflict
		}
		if !slices.Contains(model.RunStateRunnable, inst.RunState) {
			return ErrConflict
		}
		tasks, err := tx.FindTasksByInstance(ctx, inst.InstanceID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.ExecuteState == model.ExecStateWaiting {
				return ErrConflict
			}
		}
		if e.hasAliveExecuting(tasks) {
			return ErrConflict
		}

		nowMs := e.now().UnixMilli()
		if _, err := tx.UpdateTasksState(ctx, inst.InstanceID, model.ExecStateExecuteTimeout,
			[]model.ExecuteState{model.ExecStateExecuting, model.ExecStatePaused}, &nowMs); err != nil {
			return err
		}
		tasks, err = tx.FindTasksByInstance(ctx, inst.InstanceID)
		if err != nil {
			return err
		}
		state, endMs, settled := deriveRunState(tasks, e.now())
		if !settled {
			return ErrConflict
		}
		return e.finalizeInstance(ctx, tx, inst, state, endMs, tasks,
			finalizeOpts{allowRetry: true, forceCancel: true}, eff)
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

// DeleteInstance removes a terminal instance with its tasks; a workflow
// lead takes its nodes and edges with it.
func (e *Engine) DeleteInstance(ctx context.Context, instanceID int64) (bool, error) {
	lockKey, err := e.resolveLockKey(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = e.doLocked(ctx, lockKey, func(tx *store.Tx, _ *model.SchedInstance, _ *effects) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.IsWorkflowNode() {
			return ErrWorkflowNode
		}
		if !inst.RunState.IsTerminal() {
			return ErrConflict
		}
		if inst.IsWorkflowLead() {
			nodes, err := tx.FindWorkflowNodeInstances(ctx, inst.InstanceID)
			if err != nil {
				return err
			}
			for _, node := range nodes {
				if err := tx.DeleteTasksByInstance(ctx, node.InstanceID); err != nil {
					return err
				}
				if _, err := tx.DeleteInstance(ctx, node.InstanceID); err != nil {
					return err
				}
			}
			if err := tx.DeleteWorkflows(ctx, inst.InstanceID); err != nil {
				return err
			}
		}
		if err := tx.DeleteTasksByInstance(ctx, inst.InstanceID); err != nil {
			return err
		}
		_, err = tx.DeleteInstance(ctx, inst.InstanceID)
		return err
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

// ChangeInstanceState force-repairs a broken instance: the instance and
// every task move to the states implied by targetState, bypassing the
// normal transitions. Workflow instances are not repairable this way.
func (e *Engine) ChangeInstanceState(ctx context.Context, instanceID int64, targetState model.ExecuteState) (bool, error) {
	lockKey, err := e.resolveLockKey(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = e.doLocked(ctx, lockKey, func(tx *store.Tx, _ *model.SchedInstance, _ *effects) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.IsWorkflow() {
			return errors.New("engine: workflow instances cannot be force-repaired")
		}
		toRun := targetState.RunState()
		if inst.RunState == toRun {
			return ErrConflict
		}
		if _, err := tx.ForceChangeInstanceState(ctx, inst.InstanceID, toRun); err != nil {
			return err
		}
		_, err = tx.ChangeTasksState(ctx, inst.InstanceID, targetState)
		return err
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

// aliveExecuting filters tasks to those EXECUTING on a live worker.
func (e *Engine) aliveExecuting(tasks []*model.SchedTask) []*model.SchedTask {
	var out []*model.SchedTask
	for _, t := range tasks {
		if t.ExecuteState == model.ExecStateExecuting && e.isAliveWorker(t.Worker) {
			out = append(out, t)
		}
	}
	return out
}
