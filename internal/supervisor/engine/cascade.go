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
	"log/slog"

	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/store"
)

// retryJob creates a retry instance for a canceled one when the job still
// has attempts left. Returns nil when the retry is disabled, exhausted or
// abandoned (FAILED retry with no live candidate tasks).
func (e *Engine) retryJob(ctx context.Context, tx *store.Tx, prev *model.SchedInstance, tasks []*model.SchedTask, eff *effects) (*created, error) {
	job, err := tx.GetJob(ctx, prev.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if job.RetryType == model.RetryTypeNone || prev.RetriedCount >= job.RetryCount {
		return nil, nil
	}

	now := e.now()
	retried := prev.RetriedCount + 1
	rnstanceID := prev.RootInstanceID()
	inst := model.NewInstance(e.idgen.Next(), job.JobID, model.RunTypeRetry,
		job.RetryTriggerTime(retried, now), retried, now)
	inst.RnstanceID = &rnstanceID
	inst.PnstanceID = &prev.InstanceID
	inst.WnstanceID = prev.WnstanceID
	inst.Attach = prev.Attach

	executorText := job.ExecutorText
	if prev.IsWorkflowNode() {
		if curNode := prev.ParseAttach().CurNode; curNode != "" {
			executorText = curNode
		}
	}

	var retryTasks []*model.SchedTask
	switch job.RetryType {
	case model.RetryTypeAll:
		if job.JobType == model.JobTypeBroadcast {
			workers := e.discovery.Discovered(job.Group)
			for i, w := range workers {
				retryTasks = append(retryTasks, model.NewTask(job.JobParam, e.idgen.Next(), inst.InstanceID, i+1, len(workers), now, w.Serialize()))
			}
		} else {
			retryTasks, err = e.splitTasks(ctx, job, executorText, inst.InstanceID, now)
			if err != nil {
				return nil, err
			}
		}
	case model.RetryTypeFailed:
		var failed []*model.SchedTask
		for _, t := range tasks {
			if !t.ExecuteState.IsFailure() {
				continue
			}
			if job.JobType == model.JobTypeBroadcast && !e.isAliveWorker(t.Worker) {
				continue
			}
			failed = append(failed, t)
		}
		for i, t := range failed {
			worker := ""
			if job.JobType == model.JobTypeBroadcast {
				worker = t.Worker
			}
			retryTasks = append(retryTasks, model.NewTask(t.TaskParam, e.idgen.Next(), inst.InstanceID, i+1, len(failed), now, worker))
		}
	}
	if len(retryTasks) == 0 {
		e.logger.Warn("retry abandoned, no candidate tasks",
			slog.Int64("jobId", job.JobID),
			slog.Int64("prevInstanceId", prev.InstanceID))
		return nil, nil
	}

	c := &created{instance: inst, tasks: retryTasks}
	params, err := e.persistCreated(ctx, tx, job, c)
	if err != nil {
		return nil, err
	}
	e.dispatchEffect(eff, params)
	e.logger.Info("retry instance created",
		slog.Int64("jobId", job.JobID),
		slog.Int64("instanceId", inst.InstanceID),
		slog.Int("retriedCount", retried))
	return c, nil
}

// dependJob fires the DEPEND children of a finished instance's job. Each
// child's trigger time is offset by its edge sequence so repeated parent
// firings within one millisecond never collide on the instance uniqueness
// constraint.
func (e *Engine) dependJob(ctx context.Context, tx *store.Tx, parent *model.SchedInstance, eff *effects) error {
	depends, err := tx.FindDependsByParent(ctx, parent.JobID)
	if err != nil {
		return err
	}
	rnstanceID := parent.RootInstanceID()
	for _, dep := range depends {
		child, err := tx.GetJob(ctx, dep.ChildJobID)
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("depend child job missing", slog.Int64("childJobId", dep.ChildJobID))
			continue
		}
		if err != nil {
			return err
		}
		if child.JobState != model.JobStateEnable {
			continue
		}
		triggerTime := e.now().UnixMilli() + int64(dep.Sequence)
		c, err := e.createInstance(ctx, child, model.RunTypeDepend, triggerTime, chainLink{
			rnstanceID: &rnstanceID,
			pnstanceID: &parent.InstanceID,
		})
		if err != nil {
			e.logger.Error("depend child creation failed",
				slog.Int64("childJobId", child.JobID),
				slog.String("error", err.Error()))
			continue
		}
		params, err := e.persistCreated(ctx, tx, child, c)
		if err != nil {
			return err
		}
		e.dispatchEffect(eff, params)
		e.logger.Info("depend instance created",
			slog.Int64("parentJobId", parent.JobID),
			slog.Int64("childJobId", child.JobID),
			slog.Int64("instanceId", c.instance.InstanceID))
	}
	return nil
}
