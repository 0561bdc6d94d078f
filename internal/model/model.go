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

package model

import (
	"encoding/json"
	"time"
)

// SchedJob is a job definition, the durable template an instance is fired
// from.
type SchedJob struct {
	JobID             int64             `db:"job_id" json:"jobId"`
	Group             string            `db:"job_group" json:"group"`
	JobName           string            `db:"job_name" json:"jobName"`
	JobType           JobType           `db:"job_type" json:"jobType"`
	JobState          JobState          `db:"job_state" json:"jobState"`
	TriggerType       TriggerType       `db:"trigger_type" json:"triggerType"`
	TriggerValue      string            `db:"trigger_value" json:"triggerValue"`
	RouteStrategy     RouteStrategy     `db:"route_strategy" json:"routeStrategy"`
	RetryType         RetryType         `db:"retry_type" json:"retryType"`
	RetryCount        int               `db:"retry_count" json:"retryCount"`
	RetryIntervalMs   int64             `db:"retry_interval_ms" json:"retryIntervalMs"`
	CollisionStrategy CollisionStrategy `db:"collision_strategy" json:"collisionStrategy"`
	ExecutorText      string            `db:"executor_text" json:"executorText"`
	JobParam          string            `db:"job_param" json:"jobParam"`
	ExecuteTimeoutMs  int64             `db:"execute_timeout_ms" json:"executeTimeoutMs"`
	NextTriggerTime   *int64            `db:"next_trigger_time" json:"nextTriggerTime"`
	LastTriggerTime   *int64            `db:"last_trigger_time" json:"lastTriggerTime"`
	UpdatedAt         int64             `db:"updated_at" json:"updatedAt"`
	CreatedAt         int64             `db:"created_at" json:"createdAt"`
}

// RetryTriggerTime computes when the attempt numbered retriedCount should
// fire: a linear backoff over the configured retry interval.
func (j *SchedJob) RetryTriggerTime(retriedCount int, now time.Time) int64 {
	return now.UnixMilli() + j.RetryIntervalMs*int64(retriedCount)
}

// SchedInstance is one firing of a job.
type SchedInstance struct {
	InstanceID   int64      `db:"instance_id" json:"instanceId"`
	JobID        int64      `db:"job_id" json:"jobId"`
	RnstanceID   *int64     `db:"rnstance_id" json:"rnstanceId"`
	PnstanceID   *int64     `db:"pnstance_id" json:"pnstanceId"`
	WnstanceID   *int64     `db:"wnstance_id" json:"wnstanceId"`
	RunType      RunType    `db:"run_type" json:"runType"`
	TriggerTime  int64      `db:"trigger_time" json:"triggerTime"`
	RunState     RunState   `db:"run_state" json:"runState"`
	RunStartTime *int64     `db:"run_start_time" json:"runStartTime"`
	RunEndTime   *int64     `db:"run_end_time" json:"runEndTime"`
	RetriedCount int        `db:"retried_count" json:"retriedCount"`
	Attach       string     `db:"attach" json:"attach"`
	Version      int        `db:"version" json:"version"`
	UpdatedAt    int64      `db:"updated_at" json:"updatedAt"`
	CreatedAt    int64      `db:"created_at" json:"createdAt"`
}

// NewInstance builds an instance in the WAITING state.
func NewInstance(instanceID, jobID int64, runType RunType, triggerTime int64, retriedCount int, now time.Time) *SchedInstance {
	ms := now.UnixMilli()
	return &SchedInstance{
		InstanceID:   instanceID,
		JobID:        jobID,
		RunType:      runType,
		TriggerTime:  triggerTime,
		RunState:     RunStateWaiting,
		RetriedCount: retriedCount,
		UpdatedAt:    ms,
		CreatedAt:    ms,
	}
}

// IsWorkflow reports whether the instance belongs to a workflow.
func (i *SchedInstance) IsWorkflow() bool { return i.WnstanceID != nil }

// IsWorkflowLead reports whether the instance is the DAG's lead instance.
func (i *SchedInstance) IsWorkflowLead() bool {
	return i.WnstanceID != nil && *i.WnstanceID == i.InstanceID
}

// IsWorkflowNode reports whether the instance is one vertex of a DAG.
func (i *SchedInstance) IsWorkflowNode() bool {
	return i.WnstanceID != nil && *i.WnstanceID != i.InstanceID
}

// RootInstanceID resolves the root of the RETRY/DEPEND chain, which is the
// instance itself when no chain exists.
func (i *SchedInstance) RootInstanceID() int64 {
	if i.RnstanceID != nil {
		return *i.RnstanceID
	}
	return i.InstanceID
}

// InstanceAttach is the JSON payload of SchedInstance.Attach. A workflow
// node records the DAG vertex it executes.
type InstanceAttach struct {
	CurNode string `json:"curNode"`
}

// ParseAttach decodes the attach payload; an empty attach yields the zero
// value.
func (i *SchedInstance) ParseAttach() InstanceAttach {
	var a InstanceAttach
	if i.Attach != "" {
		_ = json.Unmarshal([]byte(i.Attach), &a)
	}
	return a
}

// MarshalAttach encodes an attach payload for storage.
func MarshalAttach(a InstanceAttach) string {
	b, _ := json.Marshal(a)
	return string(b)
}

// SchedTask is the unit of work a worker executes; N per instance per split.
type SchedTask struct {
	TaskID              int64        `db:"task_id" json:"taskId"`
	InstanceID          int64        `db:"instance_id" json:"instanceId"`
	TaskNo              int          `db:"task_no" json:"taskNo"`
	TaskCount           int          `db:"task_count" json:"taskCount"`
	TaskParam           string       `db:"task_param" json:"taskParam"`
	ExecuteState        ExecuteState `db:"execute_state" json:"executeState"`
	Worker              string       `db:"worker" json:"worker"`
	ExecuteStartTime    *int64       `db:"execute_start_time" json:"executeStartTime"`
	ExecuteEndTime      *int64       `db:"execute_end_time" json:"executeEndTime"`
	ExecuteSnapshot     string       `db:"execute_snapshot" json:"executeSnapshot"`
	DispatchFailedCount int          `db:"dispatch_failed_count" json:"dispatchFailedCount"`
	ErrorMsg            string       `db:"error_msg" json:"errorMsg"`
	UpdatedAt           int64        `db:"updated_at" json:"updatedAt"`
	CreatedAt           int64        `db:"created_at" json:"createdAt"`
}

// NewTask builds a task in the WAITING state. A non-empty worker pins the
// task to that worker, which broadcast jobs and FAILED retries rely on.
func NewTask(taskParam string, taskID, instanceID int64, taskNo, taskCount int, now time.Time, worker string) *SchedTask {
	return &SchedTask{
		TaskID:       taskID,
		InstanceID:   instanceID,
		TaskNo:       taskNo,
		TaskCount:    taskCount,
		TaskParam:    taskParam,
		ExecuteState: ExecStateWaiting,
		Worker:       worker,
		UpdatedAt:    now.UnixMilli(),
		CreatedAt:    now.UnixMilli(),
	}
}

// SchedWorkflow is one DAG edge of a workflow instance, carrying the run
// state of its target node.
type SchedWorkflow struct {
	WnstanceID int64    `db:"wnstance_id" json:"wnstanceId"`
	CurNode    string   `db:"cur_node" json:"curNode"`
	PreNode    string   `db:"pre_node" json:"preNode"`
	Sequence   int      `db:"sequence" json:"sequence"`
	RunState   RunState `db:"run_state" json:"runState"`
	InstanceID *int64   `db:"instance_id" json:"instanceId"`
}

// IsTerminal reports whether the edge reached a final state.
func (w *SchedWorkflow) IsTerminal() bool { return w.RunState.IsTerminal() }

// IsFailure reports whether the edge terminated unsuccessfully.
func (w *SchedWorkflow) IsFailure() bool { return w.RunState.IsFailure() }

// Distinguished DAG vertex names.
const (
	WorkflowNodeStart = "START"
	WorkflowNodeEnd   = "END"
)

// SchedDepend is a parent→child dependency edge between jobs. When the
// parent instance finishes, a DEPEND instance of the child is created.
type SchedDepend struct {
	ParentJobID int64 `db:"parent_job_id" json:"parentJobId"`
	ChildJobID  int64 `db:"child_job_id" json:"childJobId"`
	Sequence    int   `db:"sequence" json:"sequence"`
}

// SchedGroup is an administrative partition of workers. The worker token
// signs worker→supervisor RPC calls.
type SchedGroup struct {
	Group       string `db:"job_group" json:"group"`
	WorkerToken string `db:"worker_token" json:"workerToken"`
}
