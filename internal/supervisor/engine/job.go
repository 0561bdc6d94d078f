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
	"fmt"

	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/store"
	"github.com/tombee/jobmesh/internal/trigger"
)

// AddJob validates and persists a job definition, computing its first
// trigger time. DEPEND jobs persist their parent edges instead of a
// trigger time. Returns the new job id.
func (e *Engine) AddJob(ctx context.Context, job *model.SchedJob) (int64, error) {
	if err := e.validateJob(job); err != nil {
		return 0, err
	}
	if err := e.verifyRemote(ctx, job); err != nil {
		return 0, err
	}
	job.JobID = e.idgen.Next()
	nowMs := e.now().UnixMilli()
	job.CreatedAt = nowMs
	job.UpdatedAt = nowMs
	parents, err := e.prepareTrigger(ctx, job)
	if err != nil {
		return 0, err
	}

	err = e.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertJob(ctx, job); err != nil {
			return err
		}
		return tx.InsertDepends(ctx, dependEdges(parents, job.JobID))
	})
	if err != nil {
		return 0, err
	}
	return job.JobID, nil
}

// UpdateJob validates and rewrites a job definition, recomputing the
// trigger time and replacing its dependency edges.
func (e *Engine) UpdateJob(ctx context.Context, job *model.SchedJob) error {
	if err := e.validateJob(job); err != nil {
		return err
	}
	if err := e.verifyRemote(ctx, job); err != nil {
		return err
	}
	if _, err := e.store.GetJob(ctx, job.JobID); err != nil {
		return err
	}
	job.UpdatedAt = e.now().UnixMilli()
	parents, err := e.prepareTrigger(ctx, job)
	if err != nil {
		return err
	}

	return e.store.InTx(ctx, func(tx *store.Tx) error {
		ok, err := tx.UpdateJob(ctx, job)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %d: %w", job.JobID, store.ErrNotFound)
		}
		if err := tx.DeleteDependsByChild(ctx, job.JobID); err != nil {
			return err
		}
		return tx.InsertDepends(ctx, dependEdges(parents, job.JobID))
	})
}

// DeleteJob removes a disabled job and its dependency edges.
func (e *Engine) DeleteJob(ctx context.Context, jobID int64) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.JobState == model.JobStateEnable {
		return fmt.Errorf("engine: disable job %d before deleting it", jobID)
	}
	return e.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteDependsByChild(ctx, jobID); err != nil {
			return err
		}
		if err := tx.DeleteDependsByParent(ctx, jobID); err != nil {
			return err
		}
		_, err := tx.DeleteJob(ctx, jobID)
		return err
	})
}

// EnableJob turns a disabled job back on, recomputing its next trigger
// time from now.
func (e *Engine) EnableJob(ctx context.Context, jobID int64) (bool, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.JobState == model.JobStateEnable {
		return false, nil
	}
	job.JobState = model.JobStateEnable
	if _, err := e.prepareTrigger(ctx, job); err != nil {
		return false, err
	}
	return true, e.store.InTx(ctx, func(tx *store.Tx) error {
		ok, err := tx.UpdateJob(ctx, job)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %d: %w", jobID, store.ErrNotFound)
		}
		return nil
	})
}

// DisableJob turns a job off; in-flight instances run to completion.
func (e *Engine) DisableJob(ctx context.Context, jobID int64) (bool, error) {
	return e.store.UpdateJobState(ctx, jobID, model.JobStateDisable, model.JobStateEnable)
}

func (e *Engine) validateJob(job *model.SchedJob) error {
	if job.Group == "" {
		return fmt.Errorf("engine: job group is required")
	}
	if job.JobName == "" {
		return fmt.Errorf("engine: job name is required")
	}
	switch job.JobType {
	case model.JobTypeNormal, model.JobTypeBroadcast:
	case model.JobTypeWorkflow:
		if _, err := parseWorkflowGraph(job.ExecutorText); err != nil {
			return err
		}
	default:
		return fmt.Errorf("engine: unknown job type %d", job.JobType)
	}
	if job.RetryType != model.RetryTypeNone && job.RetryCount <= 0 {
		return fmt.Errorf("engine: retry enabled but retry count is %d", job.RetryCount)
	}
	return trigger.Validate(job.TriggerType, job.TriggerValue)
}

// verifyRemote runs the optional worker-side executor check.
func (e *Engine) verifyRemote(ctx context.Context, job *model.SchedJob) error {
	if e.verifier == nil {
		return nil
	}
	if err := e.verifier.Verify(ctx, job); err != nil {
		return fmt.Errorf("engine: executor verify failed: %w", err)
	}
	return nil
}

// prepareTrigger fills next_trigger_time, returning parent job ids for
// DEPEND jobs (which have no trigger time of their own).
func (e *Engine) prepareTrigger(ctx context.Context, job *model.SchedJob) ([]int64, error) {
	if job.TriggerType == model.TriggerTypeDepend {
		job.NextTriggerTime = nil
		parents, err := trigger.ParseDependValue(job.TriggerValue)
		if err != nil {
			return nil, err
		}
		for _, parentID := range parents {
			if parentID == job.JobID {
				return nil, fmt.Errorf("engine: job %d cannot depend on itself", job.JobID)
			}
			if _, err := e.store.GetJob(ctx, parentID); err != nil {
				return nil, fmt.Errorf("engine: depend parent %d: %w", parentID, err)
			}
		}
		return parents, nil
	}

	if job.JobState != model.JobStateEnable {
		job.NextTriggerTime = nil
		return nil, nil
	}
	next, ok, err := trigger.ComputeNext(job.TriggerType, job.TriggerValue, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("engine: trigger %q of job %q has no future fire time", job.TriggerValue, job.JobName)
	}
	ms := next.UnixMilli()
	job.NextTriggerTime = &ms
	return nil, nil
}

func dependEdges(parents []int64, childJobID int64) []*model.SchedDepend {
	edges := make([]*model.SchedDepend, 0, len(parents))
	for i, parentID := range parents {
		edges = append(edges, &model.SchedDepend{
			ParentJobID: parentID,
			ChildJobID:  childJobID,
			Sequence:    i + 1,
		})
	}
	return edges
}
