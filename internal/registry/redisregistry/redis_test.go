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

package redisregistry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/jobmesh/internal/registry"
)

func newTestRegistry(t *testing.T, self registry.Server) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	reg := New(client, self, Config{SessionTimeout: 5 * time.Second})
	t.Cleanup(func() { reg.Close() })
	return reg, mr
}

func TestRegisterAddsSortedSetMember(t *testing.T) {
	worker := registry.Server{Role: registry.RoleWorker, Group: "app", Host: "10.0.0.1", Port: 8081}
	reg, mr := newTestRegistry(t, worker)

	require.NoError(t, reg.Register(context.Background()))

	members, err := mr.ZMembers("disjob:registry:worker")
	require.NoError(t, err)
	assert.Equal(t, []string{"app:10.0.0.1:8081"}, members)

	score, err := mr.ZScore("disjob:registry:worker", "app:10.0.0.1:8081")
	require.NoError(t, err)
	assert.Greater(t, int64(score), time.Now().UnixMilli())
}

func TestDeregisterRemovesMember(t *testing.T) {
	worker := registry.Server{Role: registry.RoleWorker, Group: "app", Host: "10.0.0.1", Port: 8081}
	reg, mr := newTestRegistry(t, worker)

	require.NoError(t, reg.Register(context.Background()))
	require.NoError(t, reg.Deregister(context.Background()))

	members, _ := mr.ZMembers("disjob:registry:worker")
	assert.Empty(t, members)
}

func TestRefreshDiscoversOppositeRole(t *testing.T) {
	supervisor := registry.Server{Role: registry.RoleSupervisor, Host: "10.0.0.9", Port: 8080}
	reg, mr := newTestRegistry(t, supervisor)

	deadline := time.Now().Add(time.Minute).UnixMilli()
	mr.ZAdd("disjob:registry:worker", float64(deadline), "app:10.0.0.1:8081")
	mr.ZAdd("disjob:registry:worker", float64(deadline), "app:10.0.0.2:8081")
	mr.ZAdd("disjob:registry:worker", float64(deadline), "other:10.0.0.3:8081")

	reg.refresh(context.Background())

	all := reg.Discovered("")
	require.Len(t, all, 3)

	app := reg.Discovered("app")
	require.Len(t, app, 2)
	for _, s := range app {
		assert.Equal(t, "app", s.Group)
	}

	assert.True(t, reg.IsAlive(registry.Server{Role: registry.RoleWorker, Group: "app", Host: "10.0.0.1", Port: 8081}))
	assert.False(t, reg.IsAlive(registry.Server{Role: registry.RoleWorker, Group: "app", Host: "10.0.0.9", Port: 8081}))
}

func TestRefreshSweepsExpiredMembers(t *testing.T) {
	supervisor := registry.Server{Role: registry.RoleSupervisor, Host: "10.0.0.9", Port: 8080}
	reg, mr := newTestRegistry(t, supervisor)

	live := time.Now().Add(time.Minute).UnixMilli()
	dead := time.Now().Add(-time.Minute).UnixMilli()
	mr.ZAdd("disjob:registry:worker", float64(live), "app:10.0.0.1:8081")
	mr.ZAdd("disjob:registry:worker", float64(dead), "app:10.0.0.2:8081")

	reg.refresh(context.Background())

	discovered := reg.Discovered("app")
	require.Len(t, discovered, 1)
	assert.Equal(t, "10.0.0.1", discovered[0].Host)

	// the sweep also pruned the dead member server-side
	members, err := mr.ZMembers("disjob:registry:worker")
	require.NoError(t, err)
	assert.Equal(t, []string{"app:10.0.0.1:8081"}, members)
}

func TestRefreshSkipsMalformedMember(t *testing.T) {
	supervisor := registry.Server{Role: registry.RoleSupervisor, Host: "10.0.0.9", Port: 8080}
	reg, mr := newTestRegistry(t, supervisor)

	live := time.Now().Add(time.Minute).UnixMilli()
	mr.ZAdd("disjob:registry:worker", float64(live), "not-a-server")
	mr.ZAdd("disjob:registry:worker", float64(live), "app:10.0.0.1:8081")

	reg.refresh(context.Background())

	discovered := reg.Discovered("")
	require.Len(t, discovered, 1)
	assert.Equal(t, "app:10.0.0.1:8081", discovered[0].Serialize())
}

func TestCloseDeregisters(t *testing.T) {
	worker := registry.Server{Role: registry.RoleWorker, Group: "app", Host: "10.0.0.1", Port: 8081}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	reg := New(client, worker, Config{SessionTimeout: 5 * time.Second})
	require.NoError(t, reg.Register(context.Background()))
	require.NoError(t, reg.Close())

	members, _ := mr.ZMembers("disjob:registry:worker")
	assert.Empty(t, members)

	// closed registries refuse further registration
	assert.ErrorIs(t, reg.Register(context.Background()), registry.ErrClosed)
}
