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

	"github.com/jmoiron/sqlx"

	"github.com/tombee/jobmesh/internal/model"
)

// GetJob returns the job or ErrNotFound.
func (q queries) GetJob(ctx context.Context, jobID int64) (*model.SchedJob, error) {
	var job model.SchedJob
	err := sqlx.GetContext(ctx, q.ext, &job,
		q.ext.Rebind(`SELECT * FROM sched_job WHERE job_id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	return &job, err
}

// FindJobs returns the jobs with the given ids.
func (q queries) FindJobs(ctx context.Context, jobIDs []int64) ([]*model.SchedJob, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	query, args, err := q.in(`SELECT * FROM sched_job WHERE job_id IN (?)`, jobIDs)
	if err != nil {
		return nil, err
	}
	var jobs []*model.SchedJob
	err = sqlx.SelectContext(ctx, q.ext, &jobs, query, args...)
	return jobs, err
}

// InsertJob persists a new job definition.
func (q queries) InsertJob(ctx context.Context, job *model.SchedJob) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO sched_job (
			job_id, job_group, job_name, job_type, job_state,
			trigger_type, trigger_value, route_strategy,
			retry_type, retry_count, retry_interval_ms, collision_strategy,
			executor_text, job_param, execute_timeout_ms,
			next_trigger_time, last_trigger_time, updated_at, created_at
		) VALUES (
			:job_id, :job_group, :job_name, :job_type, :job_state,
			:trigger_type, :trigger_value, :route_strategy,
			:retry_type, :retry_count, :retry_interval_ms, :collision_strategy,
			:executor_text, :job_param, :execute_timeout_ms,
			:next_trigger_time, :last_trigger_time, :updated_at, :created_at
		)`, job)
	return err
}

// UpdateJob rewrites a job definition in place.
func (q queries) UpdateJob(ctx context.Context, job *model.SchedJob) (bool, error) {
	res, err := sqlx.NamedExecContext(ctx, q.ext, `
		UPDATE sched_job SET
			job_group = :job_group, job_name = :job_name, job_type = :job_type,
			job_state = :job_state, trigger_type = :trigger_type,
			trigger_value = :trigger_value, route_strategy = :route_strategy,
			retry_type = :retry_type, retry_count = :retry_count,
			retry_interval_ms = :retry_interval_ms,
			collision_strategy = :collision_strategy,
			executor_text = :executor_text, job_param = :job_param,
			execute_timeout_ms = :execute_timeout_ms,
			next_trigger_time = :next_trigger_time, updated_at = :updated_at
		WHERE job_id = :job_id`, job)
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}

// DeleteJob removes the job definition.
func (q queries) DeleteJob(ctx context.Context, jobID int64) (bool, error) {
	res, err := q.ext.ExecContext(ctx,
		q.ext.Rebind(`DELETE FROM sched_job WHERE job_id = ?`), jobID)
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}

// UpdateJobState flips the enable flag with a CAS on the opposite state.
func (q queries) UpdateJobState(ctx context.Context, jobID int64, to, from model.JobState) (bool, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(
		`UPDATE sched_job SET job_state = ?, updated_at = ? WHERE job_id = ? AND job_state = ?`),
		int(to), nowMs(), jobID, int(from))
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}

// DisableJob stops scheduling a job whose trigger has no further fire time.
func (q queries) DisableJob(ctx context.Context, job *model.SchedJob) (bool, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE sched_job
		SET job_state = ?, next_trigger_time = NULL, updated_at = ?
		WHERE job_id = ? AND job_state = ?`),
		int(model.JobStateDisable), nowMs(), job.JobID, int(model.JobStateEnable))
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}

// FindTriggeringJobs returns enabled jobs due at or before maxNextTriggerTime,
// oldest first, bounded by limit.
func (q queries) FindTriggeringJobs(ctx context.Context, maxNextTriggerTime int64, limit int) ([]*model.SchedJob, error) {
	var jobs []*model.SchedJob
	err := sqlx.SelectContext(ctx, q.ext, &jobs, q.ext.Rebind(`
		SELECT * FROM sched_job
		WHERE job_state = ? AND next_trigger_time IS NOT NULL AND next_trigger_time <= ?
		ORDER BY next_trigger_time ASC
		LIMIT ?`),
		int(model.JobStateEnable), maxNextTriggerTime, limit)
	return jobs, err
}

// AdvanceJobTriggerTime CAS-advances next_trigger_time from its currently
// stored value and records last_trigger_time. Returns false when another
// supervisor already advanced it.
func (q queries) AdvanceJobTriggerTime(ctx context.Context, jobID int64, oldNext int64, newNext *int64, lastTriggerTime int64) (bool, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE sched_job
		SET next_trigger_time = ?, last_trigger_time = ?, updated_at = ?
		WHERE job_id = ? AND next_trigger_time = ?`),
		newNext, lastTriggerTime, nowMs(), jobID, oldNext)
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}
