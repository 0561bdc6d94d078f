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

// Package metrics holds the Prometheus instruments shared by supervisor
// and worker processes. Collectors register on the default registry;
// Handler exposes them for a /metrics mount.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Supervisor-side instruments.
var (
	JobsFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disjob_jobs_fired_total",
		Help: "Jobs fired by the triggering scan.",
	})

	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disjob_tasks_dispatched_total",
		Help: "Task params delivered to workers, by operation.",
	}, []string{"operation"})

	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disjob_dispatch_failures_total",
		Help: "Task params that exhausted their delivery retries.",
	})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disjob_scan_runs_total",
		Help: "Scanner sweep executions, by sweep.",
	}, []string{"sweep"})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "disjob_scan_duration_seconds",
		Help:    "Scanner sweep latency, by sweep.",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweep"})
)

// Worker-side instruments.
var (
	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disjob_worker_tasks_completed_total",
		Help: "Tasks this worker finished with COMPLETED.",
	})

	TasksExecuting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "disjob_worker_tasks_executing",
		Help: "Tasks currently running in the executor pool.",
	})

	WheelDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "disjob_worker_wheel_depth",
		Help: "Tasks queued in the timing wheel.",
	})
)

// RPCRequests counts handled RPC endpoints on both roles.
var RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "disjob_rpc_requests_total",
	Help: "RPC requests served, by path and status class.",
}, []string{"path", "status"})

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
