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

	"github.com/jmoiron/sqlx"

	"github.com/tombee/jobmesh/internal/model"
)

// InsertDepends persists parent→child dependency edges.
func (q queries) InsertDepends(ctx context.Context, depends []*model.SchedDepend) error {
	if len(depends) == 0 {
		return nil
	}
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO sched_depend (parent_job_id, child_job_id, sequence)
		VALUES (:parent_job_id, :child_job_id, :sequence)`, depends)
	return err
}

// FindDependsByParent returns the child edges of a parent job ordered by
// sequence.
func (q queries) FindDependsByParent(ctx context.Context, parentJobID int64) ([]*model.SchedDepend, error) {
	var depends []*model.SchedDepend
	err := sqlx.SelectContext(ctx, q.ext, &depends, q.ext.Rebind(`
		SELECT * FROM sched_depend WHERE parent_job_id = ? ORDER BY sequence ASC`),
		parentJobID)
	return depends, err
}

// DeleteDependsByParent removes all edges below a parent job.
func (q queries) DeleteDependsByParent(ctx context.Context, parentJobID int64) error {
	_, err := q.ext.ExecContext(ctx,
		q.ext.Rebind(`DELETE FROM sched_depend WHERE parent_job_id = ?`), parentJobID)
	return err
}

// DeleteDependsByChild removes all edges above a child job.
func (q queries) DeleteDependsByChild(ctx context.Context, childJobID int64) error {
	_, err := q.ext.ExecContext(ctx,
		q.ext.Rebind(`DELETE FROM sched_depend WHERE child_job_id = ?`), childJobID)
	return err
}

// UpsertGroup registers a worker group and its auth token.
func (q queries) UpsertGroup(ctx context.Context, group *model.SchedGroup) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO sched_group (job_group, worker_token)
		VALUES (:job_group, :worker_token)
		ON CONFLICT (job_group) DO UPDATE SET worker_token = excluded.worker_token`,
		group)
	return err
}

// GetGroupToken returns the worker token of a group, or ErrNotFound for an
// unknown group.
func (q queries) GetGroupToken(ctx context.Context, group string) (string, error) {
	var token string
	err := sqlx.GetContext(ctx, q.ext, &token,
		q.ext.Rebind(`SELECT worker_token FROM sched_group WHERE job_group = ?`), group)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return token, err
}
