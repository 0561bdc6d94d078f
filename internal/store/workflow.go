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
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/tombee/jobmesh/internal/model"
)

// InsertWorkflows materializes the DAG edges of a workflow instance.
func (q queries) InsertWorkflows(ctx context.Context, edges []*model.SchedWorkflow) error {
	if len(edges) == 0 {
		return nil
	}
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO sched_workflow (
			wnstance_id, cur_node, pre_node, sequence, run_state, instance_id
		) VALUES (
			:wnstance_id, :cur_node, :pre_node, :sequence, :run_state, :instance_id
		)`, edges)
	return err
}

// FindWorkflows returns the DAG edges of a workflow ordered by sequence.
func (q queries) FindWorkflows(ctx context.Context, wnstanceID int64) ([]*model.SchedWorkflow, error) {
	var edges []*model.SchedWorkflow
	err := sqlx.SelectContext(ctx, q.ext, &edges, q.ext.Rebind(`
		SELECT * FROM sched_workflow WHERE wnstance_id = ? ORDER BY sequence ASC`),
		wnstanceID)
	return edges, err
}

// UpdateWorkflowState is the one CAS over edge rows. All filters are
// optional: curNode narrows to one target node, whereInstanceID pins the
// edge's current instance, fromStates is the CAS source set. toInstanceID,
// when non-nil, rebinds the edge to a new node instance (workflow retry).
func (q queries) UpdateWorkflowState(ctx context.Context, wnstanceID int64, curNode string, to model.RunState, toInstanceID *int64, from []model.RunState, whereInstanceID *int64) (int, error) {
	var sb strings.Builder
	sb.WriteString(`UPDATE sched_workflow SET run_state = ?`)
	args := []any{int(to)}
	if toInstanceID != nil {
		sb.WriteString(`, instance_id = ?`)
		args = append(args, *toInstanceID)
	}
	sb.WriteString(` WHERE wnstance_id = ? AND run_state IN (?)`)
	args = append(args, wnstanceID, runStates(from))
	if curNode != "" {
		sb.WriteString(` AND cur_node = ?`)
		args = append(args, curNode)
	}
	if whereInstanceID != nil {
		sb.WriteString(` AND instance_id = ?`)
		args = append(args, *whereInstanceID)
	}

	query, expanded, err := q.in(sb.String(), args...)
	if err != nil {
		return 0, err
	}
	res, err := q.ext.ExecContext(ctx, query, expanded...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ResumeWorkflows moves all PAUSED edges back to WAITING.
func (q queries) ResumeWorkflows(ctx context.Context, wnstanceID int64) (int, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE sched_workflow SET run_state = ? WHERE wnstance_id = ? AND run_state = ?`),
		int(model.RunStateWaiting), wnstanceID, int(model.RunStatePaused))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteWorkflows removes the DAG edges of a workflow instance.
func (q queries) DeleteWorkflows(ctx context.Context, wnstanceID int64) error {
	_, err := q.ext.ExecContext(ctx,
		q.ext.Rebind(`DELETE FROM sched_workflow WHERE wnstance_id = ?`), wnstanceID)
	return err
}
