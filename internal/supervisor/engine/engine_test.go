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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/registry"
	"github.com/tombee/jobmesh/internal/store"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	params []*model.ExecuteTaskParam
}

func (d *fakeDispatcher) Dispatch(_ context.Context, params []*model.ExecuteTaskParam) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = append(d.params, params...)
}

func (d *fakeDispatcher) dispatched() []*model.ExecuteTaskParam {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*model.ExecuteTaskParam, len(d.params))
	copy(out, d.params)
	return out
}

func (d *fakeDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = nil
}

type fakeDiscovery struct {
	mu      sync.Mutex
	servers []registry.Server
}

func (f *fakeDiscovery) Discovered(group string) []registry.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registry.Server
	for _, s := range f.servers {
		if group == "" || s.Group == group {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeDiscovery) IsAlive(server registry.Server) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.servers {
		if s == server {
			return true
		}
	}
	return false
}

func (f *fakeDiscovery) set(servers ...registry.Server) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers = servers
}

// splitN splits every job into n identical tasks.
type splitN struct{ n int }

func (s splitN) Split(_ context.Context, job *model.SchedJob, _ string) ([]string, error) {
	out := make([]string, s.n)
	for i := range out {
		out[i] = job.JobParam
	}
	return out, nil
}

func testWorker(host string) registry.Server {
	return registry.Server{Role: registry.RoleWorker, Group: "app", Host: host, Port: 8081}
}

func newTestEngine(t *testing.T, tasksPerSplit int, workers ...registry.Server) (*Engine, *store.Store, *fakeDispatcher, *fakeDiscovery) {
	t.Helper()
	st, err := store.New(store.Config{DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	idgen, err := NewIDGenerator(1)
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{}
	discovery := &fakeDiscovery{}
	discovery.set(workers...)
	eng := New(st, dispatcher, discovery, splitN{n: tasksPerSplit}, idgen)
	return eng, st, dispatcher, discovery
}

func insertJob(t *testing.T, st *store.Store, mutate func(*model.SchedJob)) *model.SchedJob {
	t.Helper()
	nowMs := time.Now().UnixMilli()
	next := nowMs
	job := &model.SchedJob{
		JobID:             nowMs,
		Group:             "app",
		JobName:           "test-job",
		JobType:           model.JobTypeNormal,
		JobState:          model.JobStateEnable,
		TriggerType:       model.TriggerTypeCron,
		TriggerValue:      "0/1 * * * * ?",
		RouteStrategy:     model.RouteRoundRobin,
		CollisionStrategy: model.CollisionConcurrent,
		ExecutorText:      "noop",
		JobParam:          "p",
		NextTriggerTime:   &next,
		UpdatedAt:         nowMs,
		CreatedAt:         nowMs,
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, st.InsertJob(context.Background(), job))
	return job
}

// fireOne fires the job and returns the created instance and its tasks.
func fireOne(t *testing.T, eng *Engine, st *store.Store, d *fakeDispatcher, job *model.SchedJob) (*model.SchedInstance, []*model.SchedTask) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, eng.FireJob(ctx, job))
	params := d.dispatched()
	require.NotEmpty(t, params)
	inst, err := st.GetInstance(ctx, params[0].InstanceID)
	require.NoError(t, err)
	tasks, err := st.FindTasksByInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	return inst, tasks
}

func startAll(t *testing.T, eng *Engine, tasks []*model.SchedTask, worker string) {
	t.Helper()
	for _, task := range tasks {
		ok, err := eng.StartTask(context.Background(), &model.StartTaskParam{
			TaskID: task.TaskID, InstanceID: task.InstanceID, Worker: worker,
		})
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func terminateAll(t *testing.T, eng *Engine, inst *model.SchedInstance, tasks []*model.SchedTask, to model.ExecuteState) {
	t.Helper()
	for _, task := range tasks {
		ok, err := eng.TerminateTask(context.Background(), &model.TerminateTaskParam{
			TaskID: task.TaskID, InstanceID: inst.InstanceID, WnstanceID: inst.WnstanceID, ToState: to,
		})
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestDeriveRunState(t *testing.T) {
	now := time.Now()
	end := now.UnixMilli()
	task := func(s model.ExecuteState, endMs *int64) *model.SchedTask {
		return &model.SchedTask{ExecuteState: s, ExecuteEndTime: endMs}
	}

	tests := []struct {
		name      string
		tasks     []*model.SchedTask
		wantState model.RunState
		wantOK    bool
	}{
		{
			name:      "all completed",
			tasks:     []*model.SchedTask{task(model.ExecStateCompleted, &end), task(model.ExecStateCompleted, &end)},
			wantState: model.RunStateFinished,
			wantOK:    true,
		},
		{
			name:      "one failure",
			tasks:     []*model.SchedTask{task(model.ExecStateCompleted, &end), task(model.ExecStateExecuteFailed, &end)},
			wantState: model.RunStateCanceled,
			wantOK:    true,
		},
		{
			name:   "still executing",
			tasks:  []*model.SchedTask{task(model.ExecStateCompleted, &end), task(model.ExecStateExecuting, nil)},
			wantOK: false,
		},
		{
			name:   "still waiting",
			tasks:  []*model.SchedTask{task(model.ExecStateWaiting, nil)},
			wantOK: false,
		},
		{
			name:      "terminal plus paused",
			tasks:     []*model.SchedTask{task(model.ExecStateCompleted, &end), task(model.ExecStatePaused, nil)},
			wantState: model.RunStatePaused,
			wantOK:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, _, ok := deriveRunState(tt.tasks, now)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantState, state)
			}
		})
	}
}

func TestDeriveRunStateEndTimeIsMax(t *testing.T) {
	early, late := int64(1000), int64(2000)
	tasks := []*model.SchedTask{
		{ExecuteState: model.ExecStateCompleted, ExecuteEndTime: &late},
		{ExecuteState: model.ExecStateCompleted, ExecuteEndTime: &early},
	}
	_, endMs, ok := deriveRunState(tasks, time.Now())
	require.True(t, ok)
	require.NotNil(t, endMs)
	assert.Equal(t, late, *endMs)
}

func TestNormalHappyPath(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 3, worker)
	job := insertJob(t, st, nil)

	inst, tasks := fireOne(t, eng, st, d, job)
	require.Len(t, tasks, 3)
	assert.Equal(t, model.RunStateWaiting, inst.RunState)

	// firing advanced the job's trigger time
	fresh, err := st.GetJob(context.Background(), job.JobID)
	require.NoError(t, err)
	require.NotNil(t, fresh.NextTriggerTime)
	assert.Greater(t, *fresh.NextTriggerTime, *job.NextTriggerTime)

	startAll(t, eng, tasks, worker.Serialize())
	inst, err = st.GetInstance(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, inst.RunState)

	terminateAll(t, eng, inst, tasks, model.ExecStateCompleted)
	inst, err = st.GetInstance(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFinished, inst.RunState)
	require.NotNil(t, inst.RunEndTime)

	final, err := st.FindTasksByInstance(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	for _, task := range final {
		assert.Equal(t, model.ExecStateCompleted, task.ExecuteState)
		assert.Equal(t, worker.Serialize(), task.Worker)
	}
}

func TestStartTaskRejectsSecondAck(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertJob(t, st, nil)
	_, tasks := fireOne(t, eng, st, d, job)

	startAll(t, eng, tasks, worker.Serialize())
	ok, err := eng.StartTask(context.Background(), &model.StartTaskParam{
		TaskID: tasks[0].TaskID, InstanceID: tasks[0].InstanceID, Worker: "app:10.0.0.2:8081",
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailureTriggersRetryCascade(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertJob(t, st, func(j *model.SchedJob) {
		j.RetryType = model.RetryTypeFailed
		j.RetryCount = 1
		j.RetryIntervalMs = 60_000
	})

	inst, tasks := fireOne(t, eng, st, d, job)
	startAll(t, eng, tasks, worker.Serialize())
	d.reset()
	terminateAll(t, eng, inst, tasks, model.ExecStateExecuteFailed)

	ctx := context.Background()
	inst, err := st.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCanceled, inst.RunState)

	// the retry instance chains to the first one
	retryParams := d.dispatched()
	require.Len(t, retryParams, 1)
	retry, err := st.GetInstance(ctx, retryParams[0].InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunTypeRetry, retry.RunType)
	assert.Equal(t, 1, retry.RetriedCount)
	require.NotNil(t, retry.PnstanceID)
	assert.Equal(t, inst.InstanceID, *retry.PnstanceID)
	require.NotNil(t, retry.RnstanceID)
	assert.Equal(t, inst.InstanceID, *retry.RnstanceID)
	assert.Greater(t, retry.TriggerTime, inst.TriggerTime)

	// second failure is final, the retry budget is spent
	retryTasks, err := st.FindTasksByInstance(ctx, retry.InstanceID)
	require.NoError(t, err)
	startAll(t, eng, retryTasks, worker.Serialize())
	d.reset()
	terminateAll(t, eng, retry, retryTasks, model.ExecStateExecuteFailed)
	assert.Empty(t, d.dispatched())
}

func TestPauseThenResume(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 2, worker)
	job := insertJob(t, st, nil)
	inst, _ := fireOne(t, eng, st, d, job)

	ctx := context.Background()
	ok, err := eng.PauseInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.True(t, ok)

	inst, err = st.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatePaused, inst.RunState)
	tasks, err := st.FindTasksByInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, model.ExecStatePaused, task.ExecuteState)
	}

	d.reset()
	ok, err = eng.ResumeInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.True(t, ok)

	inst, err = st.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateWaiting, inst.RunState)
	assert.Len(t, d.dispatched(), 2)
}

func TestPauseWithExecutingTaskStaysRunning(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertJob(t, st, nil)
	inst, tasks := fireOne(t, eng, st, d, job)
	startAll(t, eng, tasks, worker.Serialize())

	ctx := context.Background()
	d.reset()
	ok, err := eng.PauseInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.True(t, ok)

	// an out-of-band pause RPC went to the live worker
	params := d.dispatched()
	require.Len(t, params, 1)
	assert.Equal(t, model.OpPause, params[0].Operation)
	assert.Equal(t, worker.Serialize(), params[0].Worker)

	inst, err = st.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, inst.RunState)

	// the worker acknowledges the pause
	ok, err = eng.TerminateTask(ctx, &model.TerminateTaskParam{
		TaskID: tasks[0].TaskID, InstanceID: inst.InstanceID,
		ToState: model.ExecStatePaused, Operation: model.OpPause,
	})
	require.NoError(t, err)
	require.True(t, ok)
	inst, err = st.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatePaused, inst.RunState)
}

func TestCancelWaitingInstance(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 2, worker)
	job := insertJob(t, st, func(j *model.SchedJob) {
		// manual cancel must not trigger a retry
		j.RetryType = model.RetryTypeAll
		j.RetryCount = 3
	})
	inst, _ := fireOne(t, eng, st, d, job)

	ctx := context.Background()
	d.reset()
	ok, err := eng.CancelInstance(ctx, inst.InstanceID, model.OpManualCancel)
	require.NoError(t, err)
	require.True(t, ok)

	inst, err = st.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCanceled, inst.RunState)
	tasks, err := st.FindTasksByInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, model.ExecStateManualCanceled, task.ExecuteState)
	}
	assert.Empty(t, d.dispatched())
}

func TestPurgeZombieInstance(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, discovery := newTestEngine(t, 1, worker)
	job := insertJob(t, st, nil)
	inst, tasks := fireOne(t, eng, st, d, job)
	startAll(t, eng, tasks, worker.Serialize())

	// the worker dies mid-execution
	discovery.set()

	ctx := context.Background()
	ok, err := eng.PurgeInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.True(t, ok)

	inst, err = st.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCanceled, inst.RunState)
	final, err := st.FindTasksByInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecStateExecuteTimeout, final[0].ExecuteState)
}

func TestPurgeRefusesLiveInstance(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertJob(t, st, nil)
	inst, tasks := fireOne(t, eng, st, d, job)
	startAll(t, eng, tasks, worker.Serialize())

	ok, err := eng.PurgeInstance(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBroadcastPinsTaskPerWorker(t *testing.T) {
	w1, w2, w3 := testWorker("10.0.0.1"), testWorker("10.0.0.2"), testWorker("10.0.0.3")
	eng, st, d, _ := newTestEngine(t, 1, w1, w2, w3)
	job := insertJob(t, st, func(j *model.SchedJob) {
		j.JobType = model.JobTypeBroadcast
		j.RouteStrategy = model.RouteBroadcast
	})

	_, tasks := fireOne(t, eng, st, d, job)
	require.Len(t, tasks, 3)
	workers := map[string]bool{}
	for _, task := range tasks {
		workers[task.Worker] = true
	}
	assert.Len(t, workers, 3)
}

func TestBroadcastRetryAbandonedWhenWorkersDead(t *testing.T) {
	w1 := testWorker("10.0.0.1")
	eng, st, d, discovery := newTestEngine(t, 1, w1)
	job := insertJob(t, st, func(j *model.SchedJob) {
		j.JobType = model.JobTypeBroadcast
		j.RetryType = model.RetryTypeFailed
		j.RetryCount = 1
	})
	inst, tasks := fireOne(t, eng, st, d, job)
	startAll(t, eng, tasks, w1.Serialize())

	// every executed worker is gone by the time the failure lands
	discovery.set()
	d.reset()
	terminateAll(t, eng, inst, tasks, model.ExecStateExecuteFailed)

	inst, err := st.GetInstance(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCanceled, inst.RunState)
	assert.Empty(t, d.dispatched())
}

func TestDependCascade(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	parent := insertJob(t, st, nil)
	child := insertJob(t, st, func(j *model.SchedJob) {
		j.JobID = parent.JobID + 1
		j.JobName = "child"
		j.TriggerType = model.TriggerTypeDepend
		j.TriggerValue = "1"
		j.NextTriggerTime = nil
	})
	ctx := context.Background()
	require.NoError(t, st.InsertDepends(ctx, []*model.SchedDepend{
		{ParentJobID: parent.JobID, ChildJobID: child.JobID, Sequence: 1},
	}))

	inst, tasks := fireOne(t, eng, st, d, parent)
	startAll(t, eng, tasks, worker.Serialize())
	d.reset()
	terminateAll(t, eng, inst, tasks, model.ExecStateCompleted)

	params := d.dispatched()
	require.Len(t, params, 1)
	childInst, err := st.GetInstance(ctx, params[0].InstanceID)
	require.NoError(t, err)
	assert.Equal(t, child.JobID, childInst.JobID)
	assert.Equal(t, model.RunTypeDepend, childInst.RunType)
	require.NotNil(t, childInst.PnstanceID)
	assert.Equal(t, inst.InstanceID, *childInst.PnstanceID)
	require.NotNil(t, childInst.RnstanceID)
	assert.Equal(t, inst.RootInstanceID(), *childInst.RnstanceID)
}

func TestCollisionDiscardSkipsFiring(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertJob(t, st, func(j *model.SchedJob) {
		j.CollisionStrategy = model.CollisionDiscard
	})
	fireOne(t, eng, st, d, job)

	ctx := context.Background()
	fresh, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	d.reset()
	require.NoError(t, eng.FireJob(ctx, fresh))

	// no new instance, but the trigger time advanced
	assert.Empty(t, d.dispatched())
	after, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Greater(t, *after.NextTriggerTime, *fresh.NextTriggerTime)
}

func TestCollisionOverrideCancelsPrevious(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertJob(t, st, func(j *model.SchedJob) {
		j.CollisionStrategy = model.CollisionOverride
	})
	first, _ := fireOne(t, eng, st, d, job)

	ctx := context.Background()
	fresh, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	d.reset()
	require.NoError(t, eng.FireJob(ctx, fresh))

	first, err = st.GetInstance(ctx, first.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCanceled, first.RunState)
	require.NotEmpty(t, d.dispatched())
}

func TestManualTrigger(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertJob(t, st, nil)

	instanceID, err := eng.ManualTrigger(context.Background(), job.JobID)
	require.NoError(t, err)
	inst, err := st.GetInstance(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunTypeManual, inst.RunType)
	require.NotEmpty(t, d.dispatched())
}

func TestDeleteInstanceRequiresTerminal(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertJob(t, st, nil)
	inst, tasks := fireOne(t, eng, st, d, job)

	ctx := context.Background()
	ok, err := eng.DeleteInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.False(t, ok)

	startAll(t, eng, tasks, worker.Serialize())
	terminateAll(t, eng, inst, tasks, model.ExecStateCompleted)
	ok, err = eng.DeleteInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = st.GetInstance(ctx, inst.InstanceID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChangeInstanceState(t *testing.T) {
	worker := testWorker("10.0.0.1")
	eng, st, d, _ := newTestEngine(t, 1, worker)
	job := insertJob(t, st, nil)
	inst, _ := fireOne(t, eng, st, d, job)

	ctx := context.Background()
	ok, err := eng.ChangeInstanceState(ctx, inst.InstanceID, model.ExecStateCompleted)
	require.NoError(t, err)
	require.True(t, ok)

	inst, err = st.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFinished, inst.RunState)
	tasks, err := st.FindTasksByInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecStateCompleted, tasks[0].ExecuteState)
}
