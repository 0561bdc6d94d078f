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

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/store"
)

// ErrNoWorkers reports that a broadcast job fired with no discovered
// workers in its group.
var ErrNoWorkers = errors.New("engine: no discovered workers for group")

// ErrEmptySplit reports that splitting a job param yielded no tasks.
var ErrEmptySplit = errors.New("engine: job split produced no tasks")

// created is the output of one instance creator: the instance, its tasks,
// and for a workflow lead the DAG edges plus the first wave of node
// instances.
type created struct {
	instance *model.SchedInstance
	tasks    []*model.SchedTask
	edges    []*model.SchedWorkflow
	nodes    []*created
}

// chainLink carries RETRY/DEPEND lineage into a new instance.
type chainLink struct {
	rnstanceID   *int64
	pnstanceID   *int64
	retriedCount int
}

// createInstance materializes one firing of job, switching on the job
// type. The caller persists and dispatches.
func (e *Engine) createInstance(ctx context.Context, job *model.SchedJob, runType model.RunType, triggerTime int64, link chainLink) (*created, error) {
	now := e.now()
	switch job.JobType {
	case model.JobTypeNormal:
		return e.createNormal(ctx, job, runType, triggerTime, link, now)
	case model.JobTypeBroadcast:
		return e.createBroadcast(job, runType, triggerTime, link, now)
	case model.JobTypeWorkflow:
		return e.createWorkflowLead(ctx, job, runType, triggerTime, link, now)
	default:
		return nil, fmt.Errorf("engine: unknown job type %v", job.JobType)
	}
}

func (e *Engine) newChainedInstance(job *model.SchedJob, runType model.RunType, triggerTime int64, link chainLink, now time.Time) *model.SchedInstance {
	inst := model.NewInstance(e.idgen.Next(), job.JobID, runType, triggerTime, link.retriedCount, now)
	inst.RnstanceID = link.rnstanceID
	inst.PnstanceID = link.pnstanceID
	return inst
}

func (e *Engine) createNormal(ctx context.Context, job *model.SchedJob, runType model.RunType, triggerTime int64, link chainLink, now time.Time) (*created, error) {
	inst := e.newChainedInstance(job, runType, triggerTime, link, now)
	tasks, err := e.splitTasks(ctx, job, job.ExecutorText, inst.InstanceID, now)
	if err != nil {
		return nil, err
	}
	return &created{instance: inst, tasks: tasks}, nil
}

// createBroadcast pins one task to every currently discovered worker of
// the job's group.
func (e *Engine) createBroadcast(job *model.SchedJob, runType model.RunType, triggerTime int64, link chainLink, now time.Time) (*created, error) {
	workers := e.discovery.Discovered(job.Group)
	if len(workers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoWorkers, job.Group)
	}
	inst := e.newChainedInstance(job, runType, triggerTime, link, now)
	tasks := make([]*model.SchedTask, 0, len(workers))
	for i, w := range workers {
		tasks = append(tasks, model.NewTask(job.JobParam, e.idgen.Next(), inst.InstanceID, i+1, len(workers), now, w.Serialize()))
	}
	return &created{instance: inst, tasks: tasks}, nil
}

// createWorkflowLead creates the lead instance in RUNNING, the full edge
// set, and a node instance for every successor of START.
func (e *Engine) createWorkflowLead(ctx context.Context, job *model.SchedJob, runType model.RunType, triggerTime int64, link chainLink, now time.Time) (*created, error) {
	graph, err := parseWorkflowGraph(job.ExecutorText)
	if err != nil {
		return nil, err
	}

	lead := e.newChainedInstance(job, runType, triggerTime, link, now)
	lead.WnstanceID = &lead.InstanceID
	lead.RunState = model.RunStateRunning
	startMs := now.UnixMilli()
	lead.RunStartTime = &startMs

	edges := graph.toEdges(lead.InstanceID)

	out := &created{instance: lead, edges: edges}
	for _, node := range graph.successors(model.WorkflowNodeStart) {
		nodeCreated, err := e.createWorkflowNode(ctx, job, lead, node, edgeSequence(edges, node), now)
		if err != nil {
			return nil, err
		}
		markEdgeRunning(edges, node, nodeCreated.instance.InstanceID)
		out.nodes = append(out.nodes, nodeCreated)
	}
	return out, nil
}

// edgeSequence returns the lowest edge sequence bound to node.
func edgeSequence(edges []*model.SchedWorkflow, node string) int {
	for _, e := range edges {
		if e.CurNode == node {
			return e.Sequence
		}
	}
	return 0
}

// createWorkflowNode creates the instance and tasks for one DAG vertex.
// The node inherits the lead's run type, and its trigger time is the
// lead's offset by the edge sequence so the job/trigger-time/run-type
// uniqueness key never collides with the lead or a sibling node.
func (e *Engine) createWorkflowNode(ctx context.Context, job *model.SchedJob, lead *model.SchedInstance, node string, sequence int, now time.Time) (*created, error) {
	inst := model.NewInstance(e.idgen.Next(), job.JobID, lead.RunType, lead.TriggerTime+int64(sequence), 0, now)
	inst.WnstanceID = &lead.InstanceID
	inst.RnstanceID = &lead.InstanceID
	inst.PnstanceID = &lead.InstanceID
	inst.Attach = model.MarshalAttach(model.InstanceAttach{CurNode: node})

	tasks, err := e.splitTasks(ctx, job, node, inst.InstanceID, now)
	if err != nil {
		return nil, err
	}
	return &created{instance: inst, tasks: tasks}, nil
}

// markEdgeRunning binds a node's edges to its fresh instance.
func markEdgeRunning(edges []*model.SchedWorkflow, node string, instanceID int64) {
	for _, edge := range edges {
		if edge.CurNode == node {
			edge.RunState = model.RunStateRunning
			edge.InstanceID = &instanceID
		}
	}
}

// splitTasks splits the job param and builds WAITING tasks.
func (e *Engine) splitTasks(ctx context.Context, job *model.SchedJob, executorText string, instanceID int64, now time.Time) ([]*model.SchedTask, error) {
	params, err := e.splitter.Split(ctx, job, executorText)
	if err != nil {
		return nil, fmt.Errorf("engine: split job %d: %w", job.JobID, err)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: job %d", ErrEmptySplit, job.JobID)
	}
	tasks := make([]*model.SchedTask, 0, len(params))
	for i, p := range params {
		tasks = append(tasks, model.NewTask(p, e.idgen.Next(), instanceID, i+1, len(params), now, ""))
	}
	return tasks, nil
}

// persistCreated inserts the instance tree and returns dispatch params for
// every freshly created task.
func (e *Engine) persistCreated(ctx context.Context, tx *store.Tx, job *model.SchedJob, c *created) ([]*model.ExecuteTaskParam, error) {
	if err := tx.InsertInstance(ctx, c.instance); err != nil {
		return nil, err
	}
	if err := tx.InsertTasks(ctx, c.tasks); err != nil {
		return nil, err
	}
	if err := tx.InsertWorkflows(ctx, c.edges); err != nil {
		return nil, err
	}
	params := buildExecuteTaskParams(job, c.instance, c.tasks, model.OpTrigger)
	for _, node := range c.nodes {
		nodeParams, err := e.persistCreated(ctx, tx, job, node)
		if err != nil {
			return nil, err
		}
		params = append(params, nodeParams...)
	}
	return params, nil
}
