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

package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tombee/jobmesh/internal/log"
	"github.com/tombee/jobmesh/internal/metrics"
	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/rpc"
)

// TaskReceiver queues a dispatched task for execution at its trigger time.
type TaskReceiver interface {
	Offer(param *model.ExecuteTaskParam) bool
	Depth() int
}

// TaskController is the executor pool surface the worker endpoints call.
type TaskController interface {
	Process(params []*model.ExecuteTaskParam)
	Configure(param *model.ConfigureWorkerParam)
	Metrics() model.WorkerMetrics
}

// ExecutorCatalog answers ahead-of-time questions about executors.
type ExecutorCatalog interface {
	Verify(name, jobParam string) error
	Split(ctx context.Context, name, jobParam string) ([]string, error)
}

// Worker serves the supervisor-facing RPC endpoints of one worker.
type Worker struct {
	wheel   TaskReceiver
	pool    TaskController
	catalog ExecutorCatalog
	logger  *slog.Logger
}

// NewWorker builds the worker handler.
func NewWorker(wheel TaskReceiver, pool TaskController, catalog ExecutorCatalog, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{wheel: wheel, pool: pool, catalog: catalog, logger: log.WithComponent(logger, "worker-rpc")}
}

// Handler assembles the routed worker handler. Worker endpoints are not
// authenticated, only the supervisor direction carries group signatures.
func (s *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+rpc.PathReceiveTask, counted(rpc.PathReceiveTask, s.handleReceive))
	mux.HandleFunc("POST "+rpc.PathVerifyJob, counted(rpc.PathVerifyJob, s.handleVerify))
	mux.HandleFunc("POST "+rpc.PathSplitJob, counted(rpc.PathSplitJob, s.handleSplit))
	mux.HandleFunc("GET "+rpc.PathWorkerState, counted(rpc.PathWorkerState, s.handleMetrics))
	mux.HandleFunc("POST "+rpc.PathConfigure, counted(rpc.PathConfigure, s.handleConfigure))
	mux.Handle("GET /metrics", metrics.Handler())
	return log.HTTPMiddleware(s.logger)(mux)
}

// handleReceive accepts one dispatched task. A trigger goes through the
// timing wheel; control operations bypass it and hit the pool directly,
// the task they target is already executing or gone.
func (s *Worker) handleReceive(w http.ResponseWriter, r *http.Request) {
	var param model.ExecuteTaskParam
	if err := decodeJSON(r, &param); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if param.Operation != model.OpTrigger {
		s.pool.Process([]*model.ExecuteTaskParam{&param})
		writeJSON(w, http.StatusOK, rpc.Reply{Success: true})
		return
	}
	writeJSON(w, http.StatusOK, rpc.Reply{Success: s.wheel.Offer(&param)})
}

func (s *Worker) handleVerify(w http.ResponseWriter, r *http.Request) {
	var param model.VerifyParam
	if err := decodeJSON(r, &param); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.catalog.Verify(param.ExecutorText, param.JobParam); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rpc.Reply{Success: true})
}

func (s *Worker) handleSplit(w http.ResponseWriter, r *http.Request) {
	var param model.SplitParam
	if err := decodeJSON(r, &param); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	taskParams, err := s.catalog.Split(r.Context(), param.ExecutorText, param.JobParam)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rpc.SplitReply{Success: true, TaskParams: taskParams})
}

// handleMetrics reports the load snapshot, stitching in the wheel depth
// which the pool does not own.
func (s *Worker) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.pool.Metrics()
	m.WheelDepth = s.wheel.Depth()
	writeJSON(w, http.StatusOK, m)
}

func (s *Worker) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var param model.ConfigureWorkerParam
	if err := decodeJSON(r, &param); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.pool.Configure(&param)
	writeJSON(w, http.StatusOK, rpc.Reply{Success: true})
}
