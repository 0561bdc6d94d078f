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

package wheel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/jobmesh/internal/model"
)

const self = "app:h1:8081"

type collector struct {
	mu     sync.Mutex
	params []*model.ExecuteTaskParam
}

func (c *collector) drain(params []*model.ExecuteTaskParam) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = append(c.params, params...)
}

func (c *collector) taskIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.params))
	for i, p := range c.params {
		out[i] = p.TaskID
	}
	return out
}

func param(taskID, triggerTime int64) *model.ExecuteTaskParam {
	return &model.ExecuteTaskParam{
		TaskID:      taskID,
		InstanceID:  100,
		Worker:      self,
		TriggerTime: triggerTime,
		Operation:   model.OpTrigger,
	}
}

func newTestWheel(t *testing.T, c *collector) *Wheel {
	t.Helper()
	w := New(self, c.drain, Config{TickMs: 10, RingSize: 8, Capacity: 100})
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func TestOfferRejectsForeignWorker(t *testing.T) {
	w := New(self, func([]*model.ExecuteTaskParam) {}, Config{})
	p := param(1, time.Now().UnixMilli())
	p.Worker = "app:other:8081"
	assert.False(t, w.Offer(p))
	assert.Zero(t, w.Depth())
}

func TestOfferDeduplicatesByTaskID(t *testing.T) {
	w := New(self, func([]*model.ExecuteTaskParam) {}, Config{})
	now := time.Now().UnixMilli()
	assert.True(t, w.Offer(param(1, now)))
	assert.False(t, w.Offer(param(1, now+5000)))
	assert.Equal(t, 1, w.Depth())
}

func TestOfferRejectsOverflow(t *testing.T) {
	w := New(self, func([]*model.ExecuteTaskParam) {}, Config{Capacity: 2})
	now := time.Now().UnixMilli()
	assert.True(t, w.Offer(param(1, now)))
	assert.True(t, w.Offer(param(2, now)))
	assert.False(t, w.Offer(param(3, now)))
}

func TestPollerDrainsDueTasks(t *testing.T) {
	c := &collector{}
	w := newTestWheel(t, c)

	require.True(t, w.Offer(param(1, time.Now().UnixMilli()-50)))
	require.True(t, w.Offer(param(2, time.Now().UnixMilli())))

	assert.Eventually(t, func() bool { return len(c.taskIDs()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, w.Depth())
}

func TestPollerHoldsFutureTasks(t *testing.T) {
	c := &collector{}
	w := newTestWheel(t, c)

	future := time.Now().Add(100 * time.Millisecond).UnixMilli()
	require.True(t, w.Offer(param(1, future)))

	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, c.taskIDs())

	assert.Eventually(t, func() bool { return len(c.taskIDs()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDrainedTaskIDCanBeReoffered(t *testing.T) {
	c := &collector{}
	w := newTestWheel(t, c)

	require.True(t, w.Offer(param(1, time.Now().UnixMilli())))
	assert.Eventually(t, func() bool { return len(c.taskIDs()) == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, w.Offer(param(1, time.Now().UnixMilli())))
}

func TestDueTasksOrderedByTriggerTime(t *testing.T) {
	c := &collector{}
	w := New(self, c.drain, Config{TickMs: 50, RingSize: 8, Capacity: 100})

	now := time.Now().UnixMilli()
	require.True(t, w.Offer(param(3, now-10)))
	require.True(t, w.Offer(param(1, now-30)))
	require.True(t, w.Offer(param(2, now-20)))

	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool { return len(c.taskIDs()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, c.taskIDs())
}
