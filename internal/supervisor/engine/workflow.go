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
	"log/slog"
	"strings"

	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/store"
)

// workflowGraph is the parsed DAG of a workflow job: consecutive stages
// are fully connected, e.g. "A -> B,C -> D" yields A→B, A→C, B→D, C→D,
// with virtual START and END vertices bracketing the stages.
type workflowGraph struct {
	stages [][]string
}

// parseWorkflowGraph parses a workflow expression from the job's executor
// text. Stages are separated by "->", nodes within a stage by ",".
func parseWorkflowGraph(expr string) (*workflowGraph, error) {
	parts := strings.Split(expr, "->")
	if len(parts) == 0 || strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("engine: empty workflow expression")
	}
	seen := make(map[string]struct{})
	stages := make([][]string, 0, len(parts))
	for _, part := range parts {
		var stage []string
		for _, raw := range strings.Split(part, ",") {
			node := strings.TrimSpace(raw)
			if node == "" {
				return nil, fmt.Errorf("engine: empty node in workflow expression %q", expr)
			}
			if node == model.WorkflowNodeStart || node == model.WorkflowNodeEnd {
				return nil, fmt.Errorf("engine: reserved node name %q", node)
			}
			if _, dup := seen[node]; dup {
				return nil, fmt.Errorf("engine: duplicate node %q in workflow expression", node)
			}
			seen[node] = struct{}{}
			stage = append(stage, node)
		}
		stages = append(stages, stage)
	}
	return &workflowGraph{stages: stages}, nil
}

// successors returns the nodes directly after node; START precedes the
// first stage.
func (g *workflowGraph) successors(node string) []string {
	if node == model.WorkflowNodeStart {
		return g.stages[0]
	}
	for i, stage := range g.stages {
		for _, n := range stage {
			if n != node {
				continue
			}
			if i+1 < len(g.stages) {
				return g.stages[i+1]
			}
			return nil
		}
	}
	return nil
}

// toEdges materializes the edge rows for a fresh workflow instance, all
// WAITING and unbound.
func (g *workflowGraph) toEdges(wnstanceID int64) []*model.SchedWorkflow {
	var edges []*model.SchedWorkflow
	seq := 0
	add := func(pre, cur string) {
		seq++
		edges = append(edges, &model.SchedWorkflow{
			WnstanceID: wnstanceID,
			CurNode:    cur,
			PreNode:    pre,
			Sequence:   seq,
			RunState:   model.RunStateWaiting,
		})
	}
	prev := []string{model.WorkflowNodeStart}
	for _, stage := range g.stages {
		for _, pre := range prev {
			for _, cur := range stage {
				add(pre, cur)
			}
		}
		prev = stage
	}
	for _, pre := range prev {
		add(pre, model.WorkflowNodeEnd)
	}
	return edges
}

// edgeIndex is a read view over the stored edges of one workflow instance.
type edgeIndex struct {
	edges []*model.SchedWorkflow
	byCur map[string][]*model.SchedWorkflow
}

func indexEdges(edges []*model.SchedWorkflow) *edgeIndex {
	idx := &edgeIndex{
		edges: edges,
		byCur: make(map[string][]*model.SchedWorkflow),
	}
	for _, e := range edges {
		idx.byCur[e.CurNode] = append(idx.byCur[e.CurNode], e)
	}
	return idx
}

// nodeTerminal reports whether every edge of node is terminal and whether
// any terminated as a failure. START, having no edge rows, counts as a
// successful terminal.
func (idx *edgeIndex) nodeTerminal(node string) (terminal, failure bool) {
	if node == model.WorkflowNodeStart {
		return true, false
	}
	terminal = true
	for _, e := range idx.byCur[node] {
		if !e.RunState.IsTerminal() {
			terminal = false
		}
		if e.RunState.IsFailure() {
			failure = true
		}
	}
	return terminal, failure
}

// predecessorsSettled folds the predecessors of node: done reports all
// terminal, failed reports any failure among them.
func (idx *edgeIndex) predecessorsSettled(node string) (done, failed bool) {
	done = true
	for _, e := range idx.byCur[node] {
		t, f := idx.nodeTerminal(e.PreNode)
		if !t {
			done = false
		}
		if f {
			failed = true
		}
	}
	return done, failed
}

// allTerminal reports whether every edge of the workflow is terminal.
func (idx *edgeIndex) allTerminal() bool {
	for _, e := range idx.edges {
		if !e.RunState.IsTerminal() {
			return false
		}
	}
	return true
}

// onWorkflowNodeTerminated handles a node instance reaching a terminal
// state under the lead's critical section: rebind the edge to a retry when
// one is created, otherwise settle the edge and advance the graph.
func (e *Engine) onWorkflowNodeTerminated(ctx context.Context, tx *store.Tx, nodeInst *model.SchedInstance, toState model.RunState, tasks []*model.SchedTask, allowRetry bool, eff *effects) error {
	curNode := nodeInst.ParseAttach().CurNode
	wnstanceID := *nodeInst.WnstanceID

	if toState == model.RunStateCanceled && allowRetry {
		retried, err := e.retryJob(ctx, tx, nodeInst, tasks, eff)
		if err != nil {
			return err
		}
		if retried != nil {
			// edge stays running, bound to the fresh attempt
			_, err := tx.UpdateWorkflowState(ctx, wnstanceID, curNode,
				model.RunStateRunning, &retried.instance.InstanceID,
				model.RunStateTerminable, &nodeInst.InstanceID)
			return err
		}
	}

	if _, err := tx.UpdateWorkflowState(ctx, wnstanceID, curNode,
		toState, nil, model.RunStateTerminable, &nodeInst.InstanceID); err != nil {
		return err
	}
	return e.processWorkflowLead(ctx, tx, nodeInst.JobID, wnstanceID, eff)
}

// processWorkflowLead advances a workflow to a fixpoint: create every node
// whose predecessors settled successfully, cancel every node whose settled
// predecessors include a failure, and terminate the lead when the whole
// graph is terminal.
func (e *Engine) processWorkflowLead(ctx context.Context, tx *store.Tx, jobID, wnstanceID int64, eff *effects) error {
	job, err := tx.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	lead, err := tx.GetInstance(ctx, wnstanceID)
	if err != nil {
		return err
	}

	for {
		edges, err := tx.FindWorkflows(ctx, wnstanceID)
		if err != nil {
			return err
		}
		idx := indexEdges(edges)

		progressed := false
		for node, nodeEdges := range idx.byCur {
			if node == model.WorkflowNodeEnd || nodeEdges[0].RunState != model.RunStateWaiting {
				continue
			}
			done, failed := idx.predecessorsSettled(node)
			if !done {
				continue
			}
			if failed {
				// short-circuit, never dispatched
				if _, err := tx.UpdateWorkflowState(ctx, wnstanceID, node,
					model.RunStateCanceled, nil, []model.RunState{model.RunStateWaiting}, nil); err != nil {
					return err
				}
				progressed = true
				continue
			}
			nodeCreated, err := e.createWorkflowNode(ctx, job, lead, node, nodeEdges[0].Sequence, e.now())
			if err != nil {
				return err
			}
			params, err := e.persistCreated(ctx, tx, job, nodeCreated)
			if err != nil {
				return err
			}
			if _, err := tx.UpdateWorkflowState(ctx, wnstanceID, node,
				model.RunStateRunning, &nodeCreated.instance.InstanceID,
				[]model.RunState{model.RunStateWaiting}, nil); err != nil {
				return err
			}
			e.dispatchEffect(eff, params)
			progressed = true
		}
		if progressed {
			continue
		}

		// settle END once its predecessors are done
		if endEdges := idx.byCur[model.WorkflowNodeEnd]; len(endEdges) > 0 && !endEdges[0].RunState.IsTerminal() {
			done, failed := idx.predecessorsSettled(model.WorkflowNodeEnd)
			if done {
				endState := model.RunStateFinished
				if failed {
					endState = model.RunStateCanceled
				}
				if _, err := tx.UpdateWorkflowState(ctx, wnstanceID, model.WorkflowNodeEnd,
					endState, nil, model.RunStateTerminable, nil); err != nil {
					return err
				}
				continue
			}
		}

		if idx.allTerminal() {
			return e.terminateWorkflowLead(ctx, tx, lead, idx, eff)
		}
		return nil
	}
}

// AdvanceWorkflow re-drives a running workflow lead to its current
// fixpoint: nodes whose predecessors settled are created and dispatched,
// and a fully terminal graph settles the lead. The running scan uses it to
// repair leads whose last node termination was lost mid-transaction.
// Returns false when the instance is missing or not a running lead.
func (e *Engine) AdvanceWorkflow(ctx context.Context, wnstanceID int64) (bool, error) {
	err := e.doLocked(ctx, wnstanceID, func(tx *store.Tx, lead *model.SchedInstance, eff *effects) error {
		if !lead.IsWorkflowLead() || lead.RunState != model.RunStateRunning {
			return ErrConflict
		}
		return e.processWorkflowLead(ctx, tx, lead.JobID, wnstanceID, eff)
	})
	if errors.Is(err, ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// terminateWorkflowLead finalizes the lead from the settled graph and runs
// the dependency cascade on success.
func (e *Engine) terminateWorkflowLead(ctx context.Context, tx *store.Tx, lead *model.SchedInstance, idx *edgeIndex, eff *effects) error {
	endState := model.RunStateFinished
	for _, edge := range idx.edges {
		if edge.RunState.IsFailure() {
			endState = model.RunStateCanceled
			break
		}
	}
	endMs := e.now().UnixMilli()
	ok, err := tx.TerminateInstance(ctx, lead.InstanceID, endState, model.RunStateTerminable, &endMs)
	if err != nil || !ok {
		return err
	}
	e.logger.Info("workflow terminated",
		slog.Int64("wnstanceId", lead.InstanceID),
		slog.String("runState", endState.String()))
	if endState == model.RunStateFinished {
		return e.dependJob(ctx, tx, lead, eff)
	}
	return nil
}
