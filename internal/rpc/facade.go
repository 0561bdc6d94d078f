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

import (
	"context"

	"github.com/tombee/jobmesh/internal/model"
)

// SupervisorClient is the worker-side view of the supervisor RPC surface.
// Calls load-balance over all discovered supervisors; any of them can
// serve any report because state lives in the shared database.
type SupervisorClient struct {
	dc *DiscoveryClient
}

// NewSupervisorClient wraps a discovery client whose registry discovers
// supervisors.
func NewSupervisorClient(dc *DiscoveryClient) *SupervisorClient {
	return &SupervisorClient{dc: dc}
}

// StartTask acknowledges that a task is about to execute on this worker.
func (c *SupervisorClient) StartTask(ctx context.Context, param *model.StartTaskParam) (bool, error) {
	var reply Reply
	if err := c.dc.Invoke(ctx, "", PathStartTask, param, &reply); err != nil {
		return false, err
	}
	return reply.Success, nil
}

// TerminateTask reports a task's terminal or paused outcome.
func (c *SupervisorClient) TerminateTask(ctx context.Context, param *model.TerminateTaskParam) (bool, error) {
	var reply Reply
	if err := c.dc.Invoke(ctx, "", PathTerminateTask, param, &reply); err != nil {
		return false, err
	}
	return reply.Success, nil
}

// Checkpoint persists an intermediate execution snapshot.
func (c *SupervisorClient) Checkpoint(ctx context.Context, param *model.CheckpointParam) (bool, error) {
	var reply Reply
	if err := c.dc.Invoke(ctx, "", PathCheckpoint, param, &reply); err != nil {
		return false, err
	}
	return reply.Success, nil
}

// SubscribeEvent notifies a supervisor of a registry change. Best effort;
// the periodic pull repairs missed notifications.
func (c *SupervisorClient) SubscribeEvent(ctx context.Context, param *model.SubscribeEventParam) error {
	var reply Reply
	return c.dc.Invoke(ctx, "", PathSubscribeEvent, param, &reply)
}

// WorkerClient is the supervisor-side view of the worker RPC surface.
// Split and Verify go to any live worker of the job's group, which owns
// the executor code the supervisor does not have.
type WorkerClient struct {
	dc *DiscoveryClient
}

// NewWorkerClient wraps a discovery client whose registry discovers
// workers.
func NewWorkerClient(dc *DiscoveryClient) *WorkerClient {
	return &WorkerClient{dc: dc}
}

// Split asks a worker of the job's group to fan the job param out into
// task params.
func (c *WorkerClient) Split(ctx context.Context, job *model.SchedJob, executorText string) ([]string, error) {
	var reply SplitReply
	err := c.dc.Invoke(ctx, job.Group, PathSplitJob, &model.SplitParam{
		Group:        job.Group,
		JobType:      job.JobType,
		ExecutorText: executorText,
		JobParam:     job.JobParam,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.TaskParams, nil
}

// Verify asks a worker of the job's group whether the executor
// configuration is runnable. Workflow jobs are skipped: their executor
// text is a DAG expression, validated on the supervisor when parsed.
func (c *WorkerClient) Verify(ctx context.Context, job *model.SchedJob) error {
	if job.JobType == model.JobTypeWorkflow {
		return nil
	}
	var reply Reply
	return c.dc.Invoke(ctx, job.Group, PathVerifyJob, &model.VerifyParam{
		Group:        job.Group,
		JobType:      job.JobType,
		ExecutorText: job.ExecutorText,
		JobParam:     job.JobParam,
	}, &reply)
}

// WorkerState probes one live worker of the group for its load snapshot.
func (c *WorkerClient) WorkerState(ctx context.Context, group string) (*model.WorkerMetrics, error) {
	servers := c.dc.discovery.Discovered(group)
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	var m model.WorkerMetrics
	if err := c.dc.dest.Get(ctx, servers[0], PathWorkerState, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Configure applies ad-hoc settings to every live worker of a group.
func (c *WorkerClient) Configure(ctx context.Context, group string, param *model.ConfigureWorkerParam) error {
	servers := c.dc.discovery.Discovered(group)
	if len(servers) == 0 {
		return ErrNoServers
	}
	var lastErr error
	for _, server := range servers {
		var reply Reply
		if err := c.dc.dest.Invoke(ctx, server, PathConfigure, param, &reply); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
