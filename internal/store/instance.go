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

// InsertInstance persists a new instance row.
func (q queries) InsertInstance(ctx context.Context, inst *model.SchedInstance) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO sched_instance (
			instance_id, job_id, rnstance_id, pnstance_id, wnstance_id,
			run_type, trigger_time, run_state, run_start_time, run_end_time,
			retried_count, attach, version, updated_at, created_at
		) VALUES (
			:instance_id, :job_id, :rnstance_id, :pnstance_id, :wnstance_id,
			:run_type, :trigger_time, :run_state, :run_start_time, :run_end_time,
			:retried_count, :attach, :version, :updated_at, :created_at
		)`, inst)
	return err
}

// GetInstance returns the instance or ErrNotFound.
func (q queries) GetInstance(ctx context.Context, instanceID int64) (*model.SchedInstance, error) {
	var inst model.SchedInstance
	err := sqlx.GetContext(ctx, q.ext, &inst,
		q.ext.Rebind(`SELECT * FROM sched_instance WHERE instance_id = ?`), instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %d: %w", instanceID, ErrNotFound)
	}
	return &inst, err
}

// LockInstance takes the row lock for the instance and returns the locked
// row. The no-op write acquires a row lock on servers with SELECT FOR UPDATE
// semantics and upgrades sqlite's transaction to a write transaction; both
// serialize this instance's history across supervisor replicas.
func (q queries) LockInstance(ctx context.Context, instanceID int64) (*model.SchedInstance, error) {
	if _, err := q.ext.ExecContext(ctx,
		q.ext.Rebind(`UPDATE sched_instance SET version = version WHERE instance_id = ?`),
		instanceID); err != nil {
		return nil, err
	}
	return q.GetInstance(ctx, instanceID)
}

// GetWnstanceID returns the workflow lead id of an instance, nil when the
// instance is not part of a workflow.
func (q queries) GetWnstanceID(ctx context.Context, instanceID int64) (*int64, error) {
	var wnstanceID *int64
	err := sqlx.GetContext(ctx, q.ext, &wnstanceID,
		q.ext.Rebind(`SELECT wnstance_id FROM sched_instance WHERE instance_id = ?`), instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %d: %w", instanceID, ErrNotFound)
	}
	return wnstanceID, err
}

// StartInstance moves WAITING→RUNNING, stamping the start time once.
func (q queries) StartInstance(ctx context.Context, instanceID int64, startMs int64) (bool, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE sched_instance
		SET run_state = ?, run_start_time = ?, version = version + 1, updated_at = ?
		WHERE instance_id = ? AND run_state = ?`),
		int(model.RunStateRunning), startMs, nowMs(), instanceID, int(model.RunStateWaiting))
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}

// TerminateInstance CAS-moves the instance into a terminal (or paused)
// state from any of the given source states. A nil endMs leaves the end
// time unset, which PAUSED requires.
func (q queries) TerminateInstance(ctx context.Context, instanceID int64, to model.RunState, from []model.RunState, endMs *int64) (bool, error) {
	query, args, err := q.in(`
		UPDATE sched_instance
		SET run_state = ?, run_end_time = ?, version = version + 1, updated_at = ?
		WHERE instance_id = ? AND run_state IN (?)`,
		int(to), endMs, nowMs(), instanceID, runStates(from))
	if err != nil {
		return false, err
	}
	res, err := q.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}

// UpdateInstanceState CAS-moves run_state between non-terminal states.
func (q queries) UpdateInstanceState(ctx context.Context, instanceID int64, to, from model.RunState) (bool, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE sched_instance
		SET run_state = ?, version = version + 1, updated_at = ?
		WHERE instance_id = ? AND run_state = ?`),
		int(to), nowMs(), instanceID, int(from))
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}

// ForceChangeInstanceState rewrites run_state without a CAS guard. Only
// the manual state repair operation uses it.
func (q queries) ForceChangeInstanceState(ctx context.Context, instanceID int64, to model.RunState) (bool, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE sched_instance
		SET run_state = ?, version = version + 1, updated_at = ?
		WHERE instance_id = ?`),
		int(to), nowMs(), instanceID)
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}

// RenewInstanceUpdateTime bumps updated_at under an optimistic version
// check, guarding scanners against racing live progress.
func (q queries) RenewInstanceUpdateTime(ctx context.Context, instanceID int64, version int) (bool, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE sched_instance SET updated_at = ? WHERE instance_id = ? AND version = ?`),
		nowMs(), instanceID, version)
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}

// FindExpiredInstances returns instances stuck in the given state whose
// updated_at is older than expireBefore.
func (q queries) FindExpiredInstances(ctx context.Context, state model.RunState, expireBefore int64, limit int) ([]*model.SchedInstance, error) {
	var insts []*model.SchedInstance
	err := sqlx.SelectContext(ctx, q.ext, &insts, q.ext.Rebind(`
		SELECT * FROM sched_instance
		WHERE run_state = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`),
		int(state), expireBefore, limit)
	return insts, err
}

// FindUnterminatedInstance returns one non-terminal instance of the job, or
// nil. Collision strategies key off its presence.
func (q queries) FindUnterminatedInstance(ctx context.Context, jobID int64) (*model.SchedInstance, error) {
	var inst model.SchedInstance
	err := sqlx.GetContext(ctx, q.ext, &inst, q.ext.Rebind(`
		SELECT * FROM sched_instance
		WHERE job_id = ? AND run_state < ? AND run_type != ?
		ORDER BY trigger_time DESC
		LIMIT 1`),
		jobID, int(model.RunStateFinished), int(model.RunTypeRetry))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &inst, err
}

// FindWorkflowNodeInstances returns the node instances of a workflow,
// excluding the lead itself.
func (q queries) FindWorkflowNodeInstances(ctx context.Context, wnstanceID int64) ([]*model.SchedInstance, error) {
	var insts []*model.SchedInstance
	err := sqlx.SelectContext(ctx, q.ext, &insts, q.ext.Rebind(`
		SELECT * FROM sched_instance
		WHERE wnstance_id = ? AND instance_id != ?
		ORDER BY instance_id ASC`),
		wnstanceID, wnstanceID)
	return insts, err
}

// DeleteInstance removes a terminal instance row.
func (q queries) DeleteInstance(ctx context.Context, instanceID int64) (bool, error) {
	res, err := q.ext.ExecContext(ctx,
		q.ext.Rebind(`DELETE FROM sched_instance WHERE instance_id = ?`), instanceID)
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}
