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

// Package model defines the scheduling domain entities and their state
// enumerations: jobs, instances, tasks, workflow edges and dependency edges.
package model

import "fmt"

// JobType determines how a trigger is materialized into instances and tasks.
type JobType int

const (
	// JobTypeNormal creates one instance with N split tasks.
	JobTypeNormal JobType = 1
	// JobTypeWorkflow creates a lead instance plus node instances driven by a DAG.
	JobTypeWorkflow JobType = 2
	// JobTypeBroadcast creates one task per discovered worker of the job's group.
	JobTypeBroadcast JobType = 3
)

func (t JobType) String() string {
	switch t {
	case JobTypeNormal:
		return "NORMAL"
	case JobTypeWorkflow:
		return "WORKFLOW"
	case JobTypeBroadcast:
		return "BROADCAST"
	default:
		return fmt.Sprintf("JobType(%d)", int(t))
	}
}

// JobState enables or disables a job for scheduling.
type JobState int

const (
	JobStateDisable JobState = 0
	JobStateEnable  JobState = 1
)

// TriggerType determines how the next fire time is computed from the
// job's trigger value.
type TriggerType int

const (
	TriggerTypeCron       TriggerType = 1
	TriggerTypeOnce       TriggerType = 2
	TriggerTypePeriod     TriggerType = 3
	TriggerTypeDepend     TriggerType = 4
	TriggerTypeFixedRate  TriggerType = 5
	TriggerTypeFixedDelay TriggerType = 6
)

func (t TriggerType) String() string {
	switch t {
	case TriggerTypeCron:
		return "CRON"
	case TriggerTypeOnce:
		return "ONCE"
	case TriggerTypePeriod:
		return "PERIOD"
	case TriggerTypeDepend:
		return "DEPEND"
	case TriggerTypeFixedRate:
		return "FIXED_RATE"
	case TriggerTypeFixedDelay:
		return "FIXED_DELAY"
	default:
		return fmt.Sprintf("TriggerType(%d)", int(t))
	}
}

// RouteStrategy selects which discovered worker receives a task.
type RouteStrategy int

const (
	RouteRoundRobin        RouteStrategy = 1
	RouteRandom            RouteStrategy = 2
	RouteLeastRecentlyUsed RouteStrategy = 3
	RouteConsistentHash    RouteStrategy = 4
	RouteLocalPriority     RouteStrategy = 5
	RouteBroadcast         RouteStrategy = 6
)

func (r RouteStrategy) String() string {
	switch r {
	case RouteRoundRobin:
		return "ROUND_ROBIN"
	case RouteRandom:
		return "RANDOM"
	case RouteLeastRecentlyUsed:
		return "LEAST_RECENTLY_USED"
	case RouteConsistentHash:
		return "CONSISTENT_HASH"
	case RouteLocalPriority:
		return "LOCAL_PRIORITY"
	case RouteBroadcast:
		return "BROADCAST"
	default:
		return fmt.Sprintf("RouteStrategy(%d)", int(r))
	}
}

// RetryType determines which tasks a retry instance carries.
type RetryType int

const (
	// RetryTypeNone disables retry.
	RetryTypeNone RetryType = 0
	// RetryTypeAll re-splits the job param into fresh tasks.
	RetryTypeAll RetryType = 1
	// RetryTypeFailed clones only the failed tasks of the previous instance.
	RetryTypeFailed RetryType = 2
)

// CollisionStrategy decides what happens when a job fires while a previous
// instance is still unterminated.
type CollisionStrategy int

const (
	CollisionConcurrent CollisionStrategy = 1
	CollisionSerial     CollisionStrategy = 2
	CollisionOverride   CollisionStrategy = 3
	CollisionDiscard    CollisionStrategy = 4
)

// RunType records why an instance was created.
type RunType int

const (
	RunTypeSchedule RunType = 1
	RunTypeDepend   RunType = 2
	RunTypeRetry    RunType = 3
	RunTypeManual   RunType = 4
)

// RunState is the lifecycle state of an instance.
type RunState int

const (
	RunStateWaiting  RunState = 10
	RunStateRunning  RunState = 20
	RunStatePaused   RunState = 30
	RunStateFinished RunState = 40
	RunStateCanceled RunState = 50
)

func (s RunState) String() string {
	switch s {
	case RunStateWaiting:
		return "WAITING"
	case RunStateRunning:
		return "RUNNING"
	case RunStatePaused:
		return "PAUSED"
	case RunStateFinished:
		return "FINISHED"
	case RunStateCanceled:
		return "CANCELED"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

// IsTerminal reports whether the state is final.
func (s RunState) IsTerminal() bool { return s == RunStateFinished || s == RunStateCanceled }

// IsFailure reports whether the state is a failed terminal state.
func (s RunState) IsFailure() bool { return s == RunStateCanceled }

// State transition source sets, mirrored in store CAS predicates.
var (
	// RunStateTerminable are states from which an instance can terminate.
	RunStateTerminable = []RunState{RunStateWaiting, RunStateRunning, RunStatePaused}
	// RunStateRunnable are non-paused, non-terminal states.
	RunStateRunnable = []RunState{RunStateWaiting, RunStateRunning}
	// RunStatePausable are states from which PAUSE is legal.
	RunStatePausable = []RunState{RunStateWaiting, RunStateRunning}
)

// ExecuteState is the lifecycle state of a task. Values at or above
// Completed are terminal; values above Completed are failures.
type ExecuteState int

const (
	ExecStateWaiting          ExecuteState = 10
	ExecStateExecuting        ExecuteState = 20
	ExecStatePaused           ExecuteState = 30
	ExecStateCompleted        ExecuteState = 40
	ExecStateDispatchFailed   ExecuteState = 50
	ExecStateInitException    ExecuteState = 51
	ExecStateExecuteFailed    ExecuteState = 52
	ExecStateExecuteException ExecuteState = 53
	ExecStateExecuteTimeout   ExecuteState = 54
	ExecStateExecuteCollision ExecuteState = 55
	ExecStateBroadcastAborted ExecuteState = 56
	ExecStateExecuteAborted   ExecuteState = 57
	ExecStateShutdownCanceled ExecuteState = 58
	ExecStateManualCanceled   ExecuteState = 59
)

func (s ExecuteState) String() string {
	switch s {
	case ExecStateWaiting:
		return "WAITING"
	case ExecStateExecuting:
		return "EXECUTING"
	case ExecStatePaused:
		return "PAUSED"
	case ExecStateCompleted:
		return "COMPLETED"
	case ExecStateDispatchFailed:
		return "DISPATCH_FAILED"
	case ExecStateInitException:
		return "INIT_EXCEPTION"
	case ExecStateExecuteFailed:
		return "EXECUTE_FAILED"
	case ExecStateExecuteException:
		return "EXECUTE_EXCEPTION"
	case ExecStateExecuteTimeout:
		return "EXECUTE_TIMEOUT"
	case ExecStateExecuteCollision:
		return "EXECUTE_COLLISION"
	case ExecStateBroadcastAborted:
		return "BROADCAST_ABORTED"
	case ExecStateExecuteAborted:
		return "EXECUTE_ABORTED"
	case ExecStateShutdownCanceled:
		return "SHUTDOWN_CANCELED"
	case ExecStateManualCanceled:
		return "MANUAL_CANCELED"
	default:
		return fmt.Sprintf("ExecuteState(%d)", int(s))
	}
}

// IsTerminal reports whether the task state is final.
func (s ExecuteState) IsTerminal() bool { return s >= ExecStateCompleted }

// IsFailure reports whether the task state is a failed terminal state.
func (s ExecuteState) IsFailure() bool { return s > ExecStateCompleted }

// RunState maps a task state onto the instance state it implies.
func (s ExecuteState) RunState() RunState {
	switch {
	case s == ExecStateWaiting:
		return RunStateWaiting
	case s == ExecStateExecuting:
		return RunStateRunning
	case s == ExecStatePaused:
		return RunStatePaused
	case s == ExecStateCompleted:
		return RunStateFinished
	default:
		return RunStateCanceled
	}
}

var (
	// ExecStateExecutable are states a task can be moved out of by a bulk
	// cancel: not yet picked up, or parked.
	ExecStateExecutable = []ExecuteState{ExecStateWaiting, ExecStatePaused}
	// ExecStatePausable are states with forward progress still possible.
	ExecStatePausable = []ExecuteState{ExecStateWaiting, ExecStateExecuting}
)

// Operation is a control verb delivered to the state machine or, out of
// band, to a worker holding an executing task.
type Operation int

const (
	OpTrigger Operation = iota + 1
	OpPause
	OpExceptionCancel
	OpCollidedCancel
	OpManualCancel
	OpShutdownCancel
)

func (o Operation) String() string {
	switch o {
	case OpTrigger:
		return "TRIGGER"
	case OpPause:
		return "PAUSE"
	case OpExceptionCancel:
		return "EXCEPTION_CANCEL"
	case OpCollidedCancel:
		return "COLLIDED_CANCEL"
	case OpManualCancel:
		return "MANUAL_CANCEL"
	case OpShutdownCancel:
		return "SHUTDOWN_CANCEL"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

// ToState is the task state an operation drives the task into.
func (o Operation) ToState() ExecuteState {
	switch o {
	case OpTrigger:
		return ExecStateExecuting
	case OpPause:
		return ExecStatePaused
	case OpExceptionCancel:
		return ExecStateExecuteException
	case OpCollidedCancel:
		return ExecStateExecuteCollision
	case OpManualCancel:
		return ExecStateManualCanceled
	case OpShutdownCancel:
		return ExecStateShutdownCanceled
	default:
		return ExecStateExecuteException
	}
}
