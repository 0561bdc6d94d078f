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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/tombee/jobmesh/internal/model"
)

// InsertTasks persists a batch of task rows.
func (q queries) InsertTasks(ctx context.Context, tasks []*model.SchedTask) error {
	if len(tasks) == 0 {
		return nil
	}
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO sched_task (
			task_id, instance_id, task_no, task_count, task_param,
			execute_state, worker, execute_start_time, execute_end_time,
			execute_snapshot, dispatch_failed_count, error_msg,
			updated_at, created_at
		) VALUES (
			:task_id, :instance_id, :task_no, :task_count, :task_param,
			:execute_state, :worker, :execute_start_time, :execute_end_time,
			:execute_snapshot, :dispatch_failed_count, :error_msg,
			:updated_at, :created_at
		)`, tasks)
	return err
}

// GetTask returns the task or ErrNotFound.
func (q queries) GetTask(ctx context.Context, taskID int64) (*model.SchedTask, error) {
	var task model.SchedTask
	err := sqlx.GetContext(ctx, q.ext, &task,
		q.ext.Rebind(`SELECT * FROM sched_task WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	return &task, err
}

// FindTasksByInstance returns all tasks of an instance ordered by task_no.
func (q queries) FindTasksByInstance(ctx context.Context, instanceID int64) ([]*model.SchedTask, error) {
	var tasks []*model.SchedTask
	err := sqlx.SelectContext(ctx, q.ext, &tasks, q.ext.Rebind(`
		SELECT * FROM sched_task WHERE instance_id = ? ORDER BY task_no ASC`),
		instanceID)
	return tasks, err
}

// StartTask moves WAITING→EXECUTING and records the acknowledging worker.
// The CAS fails when the task was already started, canceled or never
// dispatched.
func (q queries) StartTask(ctx context.Context, taskID int64, worker string, startMs int64) (bool, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE sched_task
		SET execute_state = ?, worker = ?, execute_start_time = ?, updated_at = ?
		WHERE task_id = ? AND execute_state = ?`),
		int(model.ExecStateExecuting), worker, startMs, nowMs(), taskID, int(model.ExecStateWaiting))
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}

// TerminateTask CAS-moves a task from the given state into to, stamping
// end time and error message when provided.
func (q queries) TerminateTask(ctx context.Context, taskID int64, to, from model.ExecuteState, endMs *int64, errorMsg string) (bool, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE sched_task
		SET execute_state = ?, execute_end_time = ?,
		    error_msg = CASE WHEN ? != '' THEN ? ELSE error_msg END,
		    updated_at = ?
		WHERE task_id = ? AND execute_state = ?`),
		int(to), endMs, errorMsg, errorMsg, nowMs(), taskID, int(from))
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}

// UpdateTasksState bulk CAS-moves all tasks of an instance out of the given
// source states. Returns the number of moved rows.
func (q queries) UpdateTasksState(ctx context.Context, instanceID int64, to model.ExecuteState, from []model.ExecuteState, endMs *int64) (int, error) {
	query, args, err := q.in(`
		UPDATE sched_task
		SET execute_state = ?, execute_end_time = ?, updated_at = ?
		WHERE instance_id = ? AND execute_state IN (?)`,
		int(to), endMs, nowMs(), instanceID, runStates(from))
	if err != nil {
		return 0, err
	}
	res, err := q.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ChangeTasksState force-moves every task of an instance, used only by the
// state repair operation.
func (q queries) ChangeTasksState(ctx context.Context, instanceID int64, to model.ExecuteState) (int, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE sched_task SET execute_state = ?, updated_at = ? WHERE instance_id = ?`),
		int(to), nowMs(), instanceID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// UpdateTaskWorkers repairs the worker column of task rows. Updates are
// ordered by task id to keep row lock acquisition order stable across
// callers.
func (q queries) UpdateTaskWorkers(ctx context.Context, params []model.TaskWorkerParam) error {
	sorted := make([]model.TaskWorkerParam, len(params))
	copy(sorted, params)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TaskID < sorted[j].TaskID })
	for _, p := range sorted {
		if _, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
			UPDATE sched_task SET worker = ?, updated_at = ? WHERE task_id = ?`),
			p.Worker, nowMs(), p.TaskID); err != nil {
			return err
		}
	}
	return nil
}

// MarkTasksError stamps an error message on every task of an instance
// that does not carry one yet.
func (q queries) MarkTasksError(ctx context.Context, instanceID int64, errorMsg string) error {
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE sched_task SET error_msg = ?, updated_at = ?
		WHERE instance_id = ? AND error_msg = ''`),
		errorMsg, nowMs(), instanceID)
	return err
}

// CheckpointTask persists an execution snapshot for a task still executing.
func (q queries) CheckpointTask(ctx context.Context, taskID int64, snapshot string) (bool, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE sched_task SET execute_snapshot = ?, updated_at = ?
		WHERE task_id = ? AND execute_state = ?`),
		snapshot, nowMs(), taskID, int(model.ExecStateExecuting))
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}

// IncrTaskDispatchFailed bumps the dispatch failure counter of a task still
// waiting, returning the new count.
func (q queries) IncrTaskDispatchFailed(ctx context.Context, taskID int64) (int, error) {
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE sched_task SET dispatch_failed_count = dispatch_failed_count + 1, updated_at = ?
		WHERE task_id = ? AND execute_state = ?`),
		nowMs(), taskID, int(model.ExecStateWaiting))
	if err != nil {
		return 0, err
	}
	var count int
	err = sqlx.GetContext(ctx, q.ext, &count,
		q.ext.Rebind(`SELECT dispatch_failed_count FROM sched_task WHERE task_id = ?`), taskID)
	return count, err
}

// DeleteTasksByInstance removes all tasks of an instance.
func (q queries) DeleteTasksByInstance(ctx context.Context, instanceID int64) error {
	_, err := q.ext.ExecContext(ctx,
		q.ext.Rebind(`DELETE FROM sched_task WHERE instance_id = ?`), instanceID)
	return err
}
