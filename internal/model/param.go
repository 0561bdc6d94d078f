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

// ExecuteTaskParam is the wire payload a supervisor dispatches to a worker.
// Operation TRIGGER asks the worker to execute the task; PAUSE and the
// cancel operations are out-of-band controls for a task already executing
// on that worker.
type ExecuteTaskParam struct {
	TaskID           int64         `json:"taskId"`
	InstanceID       int64         `json:"instanceId"`
	WnstanceID       *int64        `json:"wnstanceId,omitempty"`
	JobID            int64         `json:"jobId"`
	Group            string        `json:"group"`
	TriggerTime      int64         `json:"triggerTime"`
	ExecuteTimeoutMs int64         `json:"executeTimeoutMs"`
	Operation        Operation     `json:"operation"`
	RouteStrategy    RouteStrategy `json:"routeStrategy"`
	Worker           string        `json:"worker"`
	JobType          JobType       `json:"jobType"`
	ExecutorText     string        `json:"executorText"`
	JobParam         string        `json:"jobParam"`
	TaskParam        string        `json:"taskParam"`
}

// StartTaskParam is the worker→supervisor callback when a task begins
// executing.
type StartTaskParam struct {
	TaskID     int64  `json:"taskId"`
	InstanceID int64  `json:"instanceId"`
	Worker     string `json:"worker"`
}

// TerminateTaskParam is the worker→supervisor report of a task's terminal
// (or paused) outcome.
type TerminateTaskParam struct {
	TaskID     int64        `json:"taskId"`
	InstanceID int64        `json:"instanceId"`
	WnstanceID *int64       `json:"wnstanceId,omitempty"`
	ToState    ExecuteState `json:"toState"`
	ErrorMsg   string       `json:"errorMsg,omitempty"`
	Operation  Operation    `json:"operation"`
}

// TaskWorkerParam repairs the worker column of a task row.
type TaskWorkerParam struct {
	TaskID int64  `json:"taskId"`
	Worker string `json:"worker"`
}

// CheckpointParam persists an intermediate execution snapshot.
type CheckpointParam struct {
	TaskID          int64  `json:"taskId"`
	ExecuteSnapshot string `json:"executeSnapshot"`
}

// SplitParam asks a worker to split a job param into task params.
type SplitParam struct {
	Group        string  `json:"group"`
	JobType      JobType `json:"jobType"`
	ExecutorText string  `json:"executorText"`
	JobParam     string  `json:"jobParam"`
}

// VerifyParam asks a worker whether an executor configuration is runnable.
type VerifyParam struct {
	Group        string  `json:"group"`
	JobType      JobType `json:"jobType"`
	ExecutorText string  `json:"executorText"`
	JobParam     string  `json:"jobParam"`
}

// ConfigureWorkerParam applies ad-hoc settings to a running worker.
type ConfigureWorkerParam struct {
	ExecutorPoolSize int `json:"executorPoolSize,omitempty"`
}

// WorkerMetrics is the worker's self-reported load snapshot.
type WorkerMetrics struct {
	Worker           string `json:"worker"`
	WheelDepth       int    `json:"wheelDepth"`
	ExecutingCount   int    `json:"executingCount"`
	ExecutorPoolSize int    `json:"executorPoolSize"`
	CompletedCount   int64  `json:"completedCount"`
	StartupAt        int64  `json:"startupAt"`
}

// SubscribeEventParam notifies a peer of a registry or group change so it
// can refresh ahead of its periodic pull.
type SubscribeEventParam struct {
	Event  string `json:"event"`
	Server string `json:"server"`
}
