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
	"fmt"
)

// migrate creates the schema. Statements are idempotent so startup can run
// them unconditionally.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sched_job (
			job_id INTEGER PRIMARY KEY,
			job_group TEXT NOT NULL,
			job_name TEXT NOT NULL DEFAULT '',
			job_type INTEGER NOT NULL,
			job_state INTEGER NOT NULL DEFAULT 0,
			trigger_type INTEGER NOT NULL,
			trigger_value TEXT NOT NULL,
			route_strategy INTEGER NOT NULL,
			retry_type INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_interval_ms INTEGER NOT NULL DEFAULT 0,
			collision_strategy INTEGER NOT NULL DEFAULT 1,
			executor_text TEXT NOT NULL,
			job_param TEXT NOT NULL DEFAULT '',
			execute_timeout_ms INTEGER NOT NULL DEFAULT 0,
			next_trigger_time INTEGER,
			last_trigger_time INTEGER,
			updated_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_next_trigger
			ON sched_job (job_state, next_trigger_time)`,

		`CREATE TABLE IF NOT EXISTS sched_instance (
			instance_id INTEGER PRIMARY KEY,
			job_id INTEGER NOT NULL,
			rnstance_id INTEGER,
			pnstance_id INTEGER,
			wnstance_id INTEGER,
			run_type INTEGER NOT NULL,
			trigger_time INTEGER NOT NULL,
			run_state INTEGER NOT NULL,
			run_start_time INTEGER,
			run_end_time INTEGER,
			retried_count INTEGER NOT NULL DEFAULT 0,
			attach TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uk_instance_job_trigger_runtype
			ON sched_instance (job_id, trigger_time, run_type)`,
		`CREATE INDEX IF NOT EXISTS idx_instance_expire
			ON sched_instance (run_state, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_instance_wnstance
			ON sched_instance (wnstance_id)`,

		`CREATE TABLE IF NOT EXISTS sched_task (
			task_id INTEGER PRIMARY KEY,
			instance_id INTEGER NOT NULL,
			task_no INTEGER NOT NULL,
			task_count INTEGER NOT NULL,
			task_param TEXT NOT NULL DEFAULT '',
			execute_state INTEGER NOT NULL,
			worker TEXT NOT NULL DEFAULT '',
			execute_start_time INTEGER,
			execute_end_time INTEGER,
			execute_snapshot TEXT NOT NULL DEFAULT '',
			dispatch_failed_count INTEGER NOT NULL DEFAULT 0,
			error_msg TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_instance
			ON sched_task (instance_id)`,

		`CREATE TABLE IF NOT EXISTS sched_workflow (
			wnstance_id INTEGER NOT NULL,
			cur_node TEXT NOT NULL,
			pre_node TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			run_state INTEGER NOT NULL,
			instance_id INTEGER,
			PRIMARY KEY (wnstance_id, pre_node, cur_node)
		)`,

		`CREATE TABLE IF NOT EXISTS sched_depend (
			parent_job_id INTEGER NOT NULL,
			child_job_id INTEGER NOT NULL,
			sequence INTEGER NOT NULL,
			PRIMARY KEY (parent_job_id, child_job_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_depend_child
			ON sched_depend (child_job_id)`,

		`CREATE TABLE IF NOT EXISTS sched_group (
			job_group TEXT PRIMARY KEY,
			worker_token TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS sched_lock (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expire_at INTEGER NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
