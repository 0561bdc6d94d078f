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
	"log/slog"
	"time"

	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/store"
	"github.com/tombee/jobmesh/internal/trigger"
)

// FireJob fires one due job: resolve the collision strategy, CAS-advance
// the trigger time so exactly one supervisor wins the firing, create the
// instance tree and dispatch its tasks after commit.
func (e *Engine) FireJob(ctx context.Context, job *model.SchedJob) error {
	if job.NextTriggerTime == nil {
		return nil
	}
	triggerTime := *job.NextTriggerTime
	now := e.now()

	proceed, err := e.resolveCollision(ctx, job)
	if err != nil {
		return err
	}
	if job.CollisionStrategy == model.CollisionSerial && !proceed {
		// leave next_trigger_time in place; refire once the previous
		// instance terminates
		return nil
	}

	newNext, err := e.computeNextTriggerTime(job, triggerTime, now)
	if err != nil {
		return err
	}

	var c *created
	if proceed {
		c, err = e.createInstance(ctx, job, model.RunTypeSchedule, triggerTime, chainLink{})
		if err != nil {
			// advance anyway below so a broken job does not hot-loop
			e.logger.Error("instance creation failed",
				slog.Int64("jobId", job.JobID),
				slog.String("error", err.Error()))
			c = nil
		}
	}

	eff := &effects{}
	err = e.store.InTx(ctx, func(tx *store.Tx) error {
		ok, err := tx.AdvanceJobTriggerTime(ctx, job.JobID, triggerTime, newNext, triggerTime)
		if err != nil {
			return err
		}
		if !ok {
			// another supervisor already fired this slot
			return ErrConflict
		}
		if newNext == nil {
			if _, err := tx.DisableJob(ctx, job); err != nil {
				return err
			}
		}
		if c == nil {
			return nil
		}
		params, err := e.persistCreated(ctx, tx, job, c)
		if err != nil {
			return err
		}
		e.dispatchEffect(eff, params)
		return nil
	})
	if errors.Is(err, ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	eff.run()
	return nil
}

// resolveCollision decides whether this firing creates an instance while a
// previous one is still unterminated.
func (e *Engine) resolveCollision(ctx context.Context, job *model.SchedJob) (bool, error) {
	if job.CollisionStrategy == model.CollisionConcurrent {
		return true, nil
	}
	prev, err := e.store.FindUnterminatedInstance(ctx, job.JobID)
	if err != nil {
		return false, err
	}
	if prev == nil {
		return true, nil
	}
	switch job.CollisionStrategy {
	case model.CollisionSerial, model.CollisionDiscard:
		return false, nil
	case model.CollisionOverride:
		if _, err := e.CancelInstance(ctx, prev.InstanceID, model.OpCollidedCancel); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("engine: unknown collision strategy %d", job.CollisionStrategy)
	}
}

// computeNextTriggerTime computes the fire time after this one. The clock
// floor skips slots a lagging job already missed. nil means no further
// fire and the job gets disabled.
func (e *Engine) computeNextTriggerTime(job *model.SchedJob, triggerTime int64, now time.Time) (*int64, error) {
	after := time.UnixMilli(triggerTime)
	if now.After(after) {
		after = now
	}
	next, ok, err := trigger.ComputeNext(job.TriggerType, job.TriggerValue, after)
	if err != nil {
		return nil, fmt.Errorf("engine: compute next trigger of job %d: %w", job.JobID, err)
	}
	if !ok {
		return nil, nil
	}
	ms := next.UnixMilli()
	return &ms, nil
}

// Redispatch re-routes the WAITING tasks of a stuck instance whose
// workers are unset or dead. Returns false when there is nothing to
// re-route or the group has no live workers to route to.
func (e *Engine) Redispatch(ctx context.Context, instanceID int64) (bool, error) {
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
		if inst.RunState != model.RunStateWaiting && inst.RunState != model.RunStateRunning {
			return ErrConflict
		}
		job, err := tx.GetJob(ctx, inst.JobID)
		if err != nil {
			return err
		}
		if len(e.discovery.Discovered(job.Group)) == 0 {
			return ErrConflict
		}
		tasks, err := tx.FindTasksByInstance(ctx, inst.InstanceID)
		if err != nil {
			return err
		}
		var stuck []*model.SchedTask
		for _, t := range tasks {
			if t.ExecuteState == model.ExecStateWaiting && !e.isAliveWorker(t.Worker) {
				stuck = append(stuck, t)
			}
		}
		if len(stuck) == 0 {
			return ErrConflict
		}
		// push the instance out of the scan window before re-routing
		if _, err := tx.RenewInstanceUpdateTime(ctx, inst.InstanceID, inst.Version); err != nil {
			return err
		}
		if job.JobType != model.JobTypeBroadcast {
			// drop stale pinnings so routing picks fresh workers
			for _, t := range stuck {
				t.Worker = ""
			}
		}
		e.dispatchEffect(eff, buildExecuteTaskParams(job, inst, stuck, model.OpTrigger))
		return nil
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

// InvalidateInstance finalizes an instance whose job row is gone: tasks are
// forced to INIT_EXCEPTION with the reason recorded and the instance is
// canceled.
func (e *Engine) InvalidateInstance(ctx context.Context, instanceID int64, reason string) (bool, error) {
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
		if inst.RunState.IsTerminal() {
			return ErrConflict
		}
		if _, err := tx.ChangeTasksState(ctx, inst.InstanceID, model.ExecStateInitException); err != nil {
			return err
		}
		if err := tx.MarkTasksError(ctx, inst.InstanceID, reason); err != nil {
			return err
		}
		nowMs := e.now().UnixMilli()
		ok, err := tx.TerminateInstance(ctx, inst.InstanceID, model.RunStateCanceled, model.RunStateTerminable, &nowMs)
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
	if err == nil {
		e.logger.Error("instance invalidated",
			slog.Int64("instanceId", instanceID),
			slog.String("reason", reason))
	}
	return err == nil, err
}

// ManualTrigger fires a job immediately as a MANUAL instance, bypassing
// the trigger schedule. Returns the created instance id.
func (e *Engine) ManualTrigger(ctx context.Context, jobID int64) (int64, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.JobState != model.JobStateEnable {
		return 0, fmt.Errorf("engine: job %d is disabled", jobID)
	}

	c, err := e.createInstance(ctx, job, model.RunTypeManual, e.now().UnixMilli(), chainLink{})
	if err != nil {
		return 0, err
	}
	eff := &effects{}
	err = e.store.InTx(ctx, func(tx *store.Tx) error {
		params, err := e.persistCreated(ctx, tx, job, c)
		if err != nil {
			return err
		}
		e.dispatchEffect(eff, params)
		return nil
	})
	if err != nil {
		return 0, err
	}
	eff.run()
	return c.instance.InstanceID, nil
}
