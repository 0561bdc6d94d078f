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

// Package dispatch routes execute-task params to workers and delivers
// them over RPC with retry, pacing and a dispatch-failure budget.
package dispatch

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"

	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/registry"
)

// ErrNoWorkers is returned when routing a group with no live workers.
var ErrNoWorkers = errors.New("dispatch: no workers in group")

const hashVirtualNodes = 17

// router picks a destination worker per task. Round-robin and LRU keep
// per-job state so successive tasks of one job spread across the group.
type router struct {
	localHost string

	mu  sync.Mutex
	rr  map[int64]int              // job id, next offset
	lru map[int64]map[string]int64 // job id, serialized worker, use stamp
	seq int64
}

func newRouter(localHost string) *router {
	return &router{
		localHost: localHost,
		rr:        make(map[int64]int),
		lru:       make(map[int64]map[string]int64),
	}
}

// route picks a worker for the param from the discovered candidates.
// Candidates must be non-empty and sorted stably by the caller.
func (r *router) route(param *model.ExecuteTaskParam, workers []registry.Server) (registry.Server, error) {
	if len(workers) == 0 {
		return registry.Server{}, ErrNoWorkers
	}
	switch param.RouteStrategy {
	case model.RouteRoundRobin:
		return r.roundRobin(param.JobID, workers), nil
	case model.RouteRandom:
		return workers[rand.Intn(len(workers))], nil
	case model.RouteLeastRecentlyUsed:
		return r.leastRecentlyUsed(param.JobID, workers), nil
	case model.RouteConsistentHash:
		return consistentHash(param.TaskID, workers), nil
	case model.RouteLocalPriority:
		return r.localPriority(param.JobID, workers), nil
	case model.RouteBroadcast:
		// broadcast tasks are pinned at creation and never routed
		return registry.Server{}, fmt.Errorf("dispatch: broadcast task %d has no pinned worker", param.TaskID)
	default:
		return registry.Server{}, fmt.Errorf("dispatch: unknown route strategy %v", param.RouteStrategy)
	}
}

func (r *router) roundRobin(jobID int64, workers []registry.Server) registry.Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.rr[jobID]
	r.rr[jobID] = i + 1
	return workers[i%len(workers)]
}

func (r *router) leastRecentlyUsed(jobID int64, workers []registry.Server) registry.Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	used := r.lru[jobID]
	if used == nil {
		used = make(map[string]int64)
		r.lru[jobID] = used
	}
	best := workers[0]
	bestStamp := used[best.Serialize()]
	for _, w := range workers[1:] {
		if stamp := used[w.Serialize()]; stamp < bestStamp {
			best, bestStamp = w, stamp
		}
	}
	r.seq++
	used[best.Serialize()] = r.seq
	return best
}

func (r *router) localPriority(jobID int64, workers []registry.Server) registry.Server {
	if r.localHost != "" {
		for _, w := range workers {
			if w.Host == r.localHost {
				return w
			}
		}
	}
	return r.roundRobin(jobID, workers)
}

// consistentHash maps the task onto a ring of virtual nodes so the same
// task lands on the same worker across retries while membership is stable.
func consistentHash(taskID int64, workers []registry.Server) registry.Server {
	type point struct {
		hash   uint32
		worker int
	}
	ring := make([]point, 0, len(workers)*hashVirtualNodes)
	for wi, w := range workers {
		name := w.Serialize()
		for v := 0; v < hashVirtualNodes; v++ {
			ring = append(ring, point{hash: hash32(fmt.Sprintf("%s#%d", name, v)), worker: wi})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	key := hash32(fmt.Sprintf("%d", taskID))
	i := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= key })
	if i == len(ring) {
		i = 0
	}
	return workers[ring[i].worker]
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
