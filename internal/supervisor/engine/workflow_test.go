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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/store"
)

func TestParseWorkflowGraph(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "single node", expr: "A"},
		{name: "diamond", expr: "A -> B,C -> D"},
		{name: "empty", expr: "  ", wantErr: true},
		{name: "empty node", expr: "A -> ,B", wantErr: true},
		{name: "duplicate node", expr: "A -> A", wantErr: true},
		{name: "reserved name", expr: "START -> A", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseWorkflowGraph(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWorkflowGraphEdges(t *testing.T) {
	g, err := parseWorkflowGraph("A -> B,C -> D")
	require.NoError(t, err)

	edges := g.toEdges(9)
	got := map[string]bool{}
	for _, e := range edges {
		got[e.PreNode+">"+e.CurNode] = true
		assert.Equal(t, int64(9), e.WnstanceID)
		assert.Equal(t, model.RunStateWaiting, e.RunState)
	}
	want := []string{"START>A", "A>B", "A>C", "B>D", "C>D", "D>END"}
	require.Len(t, edges, len(want))
	for _, w := range want {
		assert.True(t, got[w], "missing edge %s", w)
	}

	assert.Equal(t, []string{"A"}, g.successors(model.WorkflowNodeStart))
	assert.Equal(t, []string{"B", "C"}, g.successors("A"))
	assert.Empty(t, g.successors("D"))
}

func insertWorkflowJob(t *testing.T, st *store.Store, expr string, mutate func(*model.SchedJob)) *model.SchedJob {
	t.Helper()
	return insertJob(t, st, func(j *model.SchedJob) {
		j.JobType = model.JobTypeWorkflow
		j.ExecutorText = expr
		if mutate != nil {
			mutate(j)
		}
	})
}

// nodeByName finds the node instance currently bound to the named vertex.
func nodeByName(t *testing.T, st *store.Store, wnstanceID int64, node string) *model.SchedInstance {
	t.Helper()
	nodes, err := st.FindWorkflowNodeInstances(context.Background(), wnstanceID)
	require.NoError(t, err)
	var found *model.SchedInstance
	for _, n := range nodes {
		if n.ParseAttach().CurNode == node {
			found = n
		}
	}
	require.NotNil(t, found, "no instance for node %s", node)
	return found
}

// runNode starts every task of a node instance and terminates them in the
// given state.
func runNode(t *testing.T, eng *Engine, st *store.Store, inst *model.SchedInstance, worker string, to model.ExecuteState) {
	t.Helper()
	tasks, err := st.FindTasksByInstance(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	startAll(t, eng, tasks, worker)
	terminateAll(t, eng, inst, tasks, to)
}

func TestWorkflowHappyPath(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertWorkflowJob(t, st, "A -> B", nil)

	ctx := context.Background()
	require.NoError(t, eng.FireJob(ctx, job))

	params := d.dispatched()
	require.Len(t, params, 1)
	assert.Equal(t, "A", params[0].ExecutorText)
	lead, err := st.GetInstance(ctx, *params[0].WnstanceID)
	require.NoError(t, err)
	assert.True(t, lead.IsWorkflowLead())
	assert.Equal(t, model.RunStateRunning, lead.RunState)

	d.reset()
	runNode(t, eng, st, nodeByName(t, st, lead.InstanceID, "A"), worker.Serialize(), model.ExecStateCompleted)

	// A finishing creates and dispatches B
	params = d.dispatched()
	require.Len(t, params, 1)
	assert.Equal(t, "B", params[0].ExecutorText)
	runNode(t, eng, st, nodeByName(t, st, lead.InstanceID, "B"), worker.Serialize(), model.ExecStateCompleted)

	lead, err = st.GetInstance(ctx, lead.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFinished, lead.RunState)

	edges, err := st.FindWorkflows(ctx, lead.InstanceID)
	require.NoError(t, err)
	for _, edge := range edges {
		assert.Equal(t, model.RunStateFinished, edge.RunState)
	}
}

func TestWorkflowDiamondWithFailure(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertWorkflowJob(t, st, "A -> B,C -> D", nil)

	ctx := context.Background()
	require.NoError(t, eng.FireJob(ctx, job))
	lead, err := st.GetInstance(ctx, *d.dispatched()[0].WnstanceID)
	require.NoError(t, err)

	runNode(t, eng, st, nodeByName(t, st, lead.InstanceID, "A"), worker.Serialize(), model.ExecStateCompleted)

	// C fails while B is still running
	runNode(t, eng, st, nodeByName(t, st, lead.InstanceID, "C"), worker.Serialize(), model.ExecStateExecuteFailed)
	lead, err = st.GetInstance(ctx, lead.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, lead.RunState, "lead waits for B")

	// B completing settles the graph: D short-circuits, the lead cancels
	runNode(t, eng, st, nodeByName(t, st, lead.InstanceID, "B"), worker.Serialize(), model.ExecStateCompleted)
	lead, err = st.GetInstance(ctx, lead.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCanceled, lead.RunState)

	edges, err := st.FindWorkflows(ctx, lead.InstanceID)
	require.NoError(t, err)
	states := map[string]model.RunState{}
	for _, edge := range edges {
		states[edge.PreNode+">"+edge.CurNode] = edge.RunState
	}
	assert.Equal(t, model.RunStateCanceled, states["A>C"])
	assert.Equal(t, model.RunStateCanceled, states["B>D"], "D never dispatched")
	assert.Equal(t, model.RunStateCanceled, states["C>D"])
	assert.Equal(t, model.RunStateFinished, states["A>B"])

	// D was short-circuited, never instantiated
	nodes, err := st.FindWorkflowNodeInstances(ctx, lead.InstanceID)
	require.NoError(t, err)
	for _, n := range nodes {
		assert.NotEqual(t, "D", n.ParseAttach().CurNode)
	}
}

func TestWorkflowNodeRetryRebindsEdge(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertWorkflowJob(t, st, "A -> B", func(j *model.SchedJob) {
		j.RetryType = model.RetryTypeAll
		j.RetryCount = 1
	})

	ctx := context.Background()
	require.NoError(t, eng.FireJob(ctx, job))
	lead, err := st.GetInstance(ctx, *d.dispatched()[0].WnstanceID)
	require.NoError(t, err)

	first := nodeByName(t, st, lead.InstanceID, "A")
	d.reset()
	runNode(t, eng, st, first, worker.Serialize(), model.ExecStateExecuteFailed)

	// a retry node instance took over A's edge; the lead keeps running
	lead, err = st.GetInstance(ctx, lead.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, lead.RunState)

	retryParams := d.dispatched()
	require.Len(t, retryParams, 1)
	retry, err := st.GetInstance(ctx, retryParams[0].InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunTypeRetry, retry.RunType)
	assert.Equal(t, "A", retry.ParseAttach().CurNode)

	edges, err := st.FindWorkflows(ctx, lead.InstanceID)
	require.NoError(t, err)
	for _, edge := range edges {
		if edge.CurNode == "A" {
			require.NotNil(t, edge.InstanceID)
			assert.Equal(t, retry.InstanceID, *edge.InstanceID)
			assert.Equal(t, model.RunStateRunning, edge.RunState)
		}
	}

	// the retry succeeds and the workflow completes
	runNode(t, eng, st, retry, worker.Serialize(), model.ExecStateCompleted)
	runNode(t, eng, st, nodeByName(t, st, lead.InstanceID, "B"), worker.Serialize(), model.ExecStateCompleted)
	lead, err = st.GetInstance(ctx, lead.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFinished, lead.RunState)
}

func TestWorkflowCancel(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertWorkflowJob(t, st, "A -> B", nil)

	ctx := context.Background()
	require.NoError(t, eng.FireJob(ctx, job))
	lead, err := st.GetInstance(ctx, *d.dispatched()[0].WnstanceID)
	require.NoError(t, err)

	ok, err := eng.CancelInstance(ctx, lead.InstanceID, model.OpManualCancel)
	require.NoError(t, err)
	require.True(t, ok)

	lead, err = st.GetInstance(ctx, lead.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCanceled, lead.RunState)
	node := nodeByName(t, st, lead.InstanceID, "A")
	assert.Equal(t, model.RunStateCanceled, node.RunState)
}

func TestWorkflowRejectsNodeOperations(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertWorkflowJob(t, st, "A -> B", nil)

	ctx := context.Background()
	require.NoError(t, eng.FireJob(ctx, job))
	lead, err := st.GetInstance(ctx, *d.dispatched()[0].WnstanceID)
	require.NoError(t, err)
	node := nodeByName(t, st, lead.InstanceID, "A")

	_, err = eng.PauseInstance(ctx, node.InstanceID)
	assert.ErrorIs(t, err, ErrWorkflowNode)
	_, err = eng.CancelInstance(ctx, node.InstanceID, model.OpManualCancel)
	assert.ErrorIs(t, err, ErrWorkflowNode)
}

func TestWorkflowNodeInstanceKeys(t *testing.T) {
	// lead and node instances share job_id, so their trigger times must
	// diverge by the edge sequence and nodes must carry the lead's run
	// type for the instance uniqueness key to hold
	worker := testWorker("10.0.0.1")
	eng, st, _, _ := newTestEngine(t, 1, worker)
	job := insertWorkflowJob(t, st, "A -> B", nil)

	ctx := context.Background()
	leadID, err := eng.ManualTrigger(ctx, job.JobID)
	require.NoError(t, err)

	lead, err := st.GetInstance(ctx, leadID)
	require.NoError(t, err)
	require.True(t, lead.IsWorkflowLead())
	assert.Equal(t, model.RunTypeManual, lead.RunType)

	edges, err := st.FindWorkflows(ctx, lead.InstanceID)
	require.NoError(t, err)
	seq := map[string]int{}
	for _, e := range edges {
		if _, ok := seq[e.CurNode]; !ok {
			seq[e.CurNode] = e.Sequence
		}
	}

	nodeA := nodeByName(t, st, lead.InstanceID, "A")
	assert.Equal(t, model.RunTypeManual, nodeA.RunType)
	assert.Equal(t, lead.TriggerTime+int64(seq["A"]), nodeA.TriggerTime)

	// B is created by the graph advance, same offset rule applies
	runNode(t, eng, st, nodeA, worker.Serialize(), model.ExecStateCompleted)
	nodeB := nodeByName(t, st, lead.InstanceID, "B")
	assert.Equal(t, model.RunTypeManual, nodeB.RunType)
	assert.Equal(t, lead.TriggerTime+int64(seq["B"]), nodeB.TriggerTime)
}

func TestPurgeRejectsWorkflowLead(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertWorkflowJob(t, st, "A -> B", nil)

	ctx := context.Background()
	require.NoError(t, eng.FireJob(ctx, job))
	lead, err := st.GetInstance(ctx, *d.dispatched()[0].WnstanceID)
	require.NoError(t, err)

	nodeA := nodeByName(t, st, lead.InstanceID, "A")
	tasks, err := st.FindTasksByInstance(ctx, nodeA.InstanceID)
	require.NoError(t, err)
	startAll(t, eng, tasks, worker.Serialize())

	// the lead owns no tasks, but it must never settle through the purge
	// path while its nodes execute
	ok, err := eng.PurgeInstance(ctx, lead.InstanceID)
	require.NoError(t, err)
	assert.False(t, ok)

	lead, err = st.GetInstance(ctx, lead.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, lead.RunState)
}

func TestAdvanceWorkflow(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertWorkflowJob(t, st, "A -> B", nil)

	ctx := context.Background()
	require.NoError(t, eng.FireJob(ctx, job))
	lead, err := st.GetInstance(ctx, *d.dispatched()[0].WnstanceID)
	require.NoError(t, err)
	nodeA := nodeByName(t, st, lead.InstanceID, "A")

	// a healthy lead advances as a no-op: A still runs, B stays waiting
	d.reset()
	ok, err := eng.AdvanceWorkflow(ctx, lead.InstanceID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, d.dispatched())

	lead, err = st.GetInstance(ctx, lead.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, lead.RunState)

	// node instances and terminal leads are rejected
	ok, err = eng.AdvanceWorkflow(ctx, nodeA.InstanceID)
	require.NoError(t, err)
	assert.False(t, ok)

	runNode(t, eng, st, nodeA, worker.Serialize(), model.ExecStateCompleted)
	runNode(t, eng, st, nodeByName(t, st, lead.InstanceID, "B"), worker.Serialize(), model.ExecStateCompleted)
	ok, err = eng.AdvanceWorkflow(ctx, lead.InstanceID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminateTaskWithMissingJob(t *testing.T) {
	// an instance whose job row disappeared mid-flight still finalizes as
	// CANCELED; the retry cascade is skipped
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertJob(t, st, nil)
	inst, tasks := fireOne(t, eng, st, d, job)
	startAll(t, eng, tasks, worker.Serialize())

	ctx := context.Background()
	_, err := st.DeleteJob(ctx, job.JobID)
	require.NoError(t, err)

	ok, err := eng.TerminateTask(ctx, &model.TerminateTaskParam{
		TaskID: tasks[0].TaskID, InstanceID: inst.InstanceID,
		ToState: model.ExecStateExecuteFailed, ErrorMsg: "boom",
	})
	require.NoError(t, err)
	require.True(t, ok)

	inst, err = st.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCanceled, inst.RunState)
}
