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

package rpc

// Supervisor endpoints, called by workers.
const (
	PathStartTask        = "/supervisor/rpc/startTask"
	PathTerminateTask    = "/supervisor/rpc/terminateTask"
	PathUpdateTaskWorker = "/supervisor/rpc/updateTaskWorker"
	PathCheckpoint       = "/supervisor/rpc/checkpoint"
	PathPauseInstance    = "/supervisor/rpc/pauseInstance"
	PathCancelInstance   = "/supervisor/rpc/cancelInstance"
	PathSubscribeEvent   = "/supervisor/rpc/subscribeEvent"
)

// Worker endpoints, called by supervisors.
const (
	PathReceiveTask = "/worker/rpc/receive"
	PathVerifyJob   = "/worker/rpc/verify"
	PathSplitJob    = "/worker/rpc/split"
	PathWorkerState = "/worker/rpc/metrics"
	PathConfigure   = "/worker/rpc/configure"
)

// Reply is the envelope most RPC endpoints answer with. Success false
// means the call was understood and processed but declined, for example
// a compare-and-swap that a concurrent operation won.
type Reply struct {
	Success bool `json:"success"`
}

// SplitReply carries the task params produced by a worker-side split.
type SplitReply struct {
	Success    bool     `json:"success"`
	TaskParams []string `json:"taskParams,omitempty"`
}
