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
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tombee/jobmesh/internal/log"
	"github.com/tombee/jobmesh/internal/metrics"
	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/registry"
	"github.com/tombee/jobmesh/internal/rpc"
)

// SupervisorAPI is the engine surface the supervisor RPC endpoints call.
type SupervisorAPI interface {
	StartTask(ctx context.Context, param *model.StartTaskParam) (bool, error)
	TerminateTask(ctx context.Context, param *model.TerminateTaskParam) (bool, error)
	Checkpoint(ctx context.Context, param *model.CheckpointParam) (bool, error)
	UpdateTaskWorker(ctx context.Context, params []model.TaskWorkerParam) error
	PauseInstance(ctx context.Context, instanceID int64) (bool, error)
	CancelInstance(ctx context.Context, instanceID int64, op model.Operation) (bool, error)
}

// EventSink accepts advisory discovery notifications pushed by peers.
type EventSink interface {
	Publish(ev registry.Event)
}

// Supervisor serves the worker-facing RPC endpoints of one supervisor.
type Supervisor struct {
	api    SupervisorAPI
	events EventSink
	lookup rpc.TokenLookup
	logger *slog.Logger
}

// NewSupervisor builds the supervisor handler. events may be nil when no
// registry is attached, subscribe notifications are then dropped.
func NewSupervisor(api SupervisorAPI, events EventSink, lookup rpc.TokenLookup, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{api: api, events: events, lookup: lookup, logger: log.WithComponent(logger, "supervisor-rpc")}
}

// pauseInstanceRequest and cancelInstanceRequest are the control RPC bodies.
type pauseInstanceRequest struct {
	InstanceID int64 `json:"instanceId"`
}

type cancelInstanceRequest struct {
	InstanceID int64           `json:"instanceId"`
	Operation  model.Operation `json:"operation"`
}

// Handler assembles the routed, authenticated handler. The metrics scrape
// endpoint stays outside the auth perimeter.
func (s *Supervisor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+rpc.PathStartTask, counted(rpc.PathStartTask, s.handleStartTask))
	mux.HandleFunc("POST "+rpc.PathTerminateTask, counted(rpc.PathTerminateTask, s.handleTerminateTask))
	mux.HandleFunc("POST "+rpc.PathUpdateTaskWorker, counted(rpc.PathUpdateTaskWorker, s.handleUpdateTaskWorker))
	mux.HandleFunc("POST "+rpc.PathCheckpoint, counted(rpc.PathCheckpoint, s.handleCheckpoint))
	mux.HandleFunc("POST "+rpc.PathPauseInstance, counted(rpc.PathPauseInstance, s.handlePauseInstance))
	mux.HandleFunc("POST "+rpc.PathCancelInstance, counted(rpc.PathCancelInstance, s.handleCancelInstance))
	mux.HandleFunc("POST "+rpc.PathSubscribeEvent, counted(rpc.PathSubscribeEvent, s.handleSubscribeEvent))

	root := http.NewServeMux()
	root.Handle("/supervisor/rpc/", s.authenticate(mux))
	root.Handle("GET /metrics", metrics.Handler())
	return log.HTTPMiddleware(s.logger)(root)
}

// authenticate rejects RPC calls whose group signature does not verify.
func (s *Supervisor) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := rpc.VerifyAuth(r.Header, s.lookup); err != nil {
			if errors.Is(err, rpc.ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, err.Error())
			} else {
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Supervisor) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var param model.StartTaskParam
	if err := decodeJSON(r, &param); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := s.api.StartTask(r.Context(), &param)
	writeReply(w, ok, err)
}

func (s *Supervisor) handleTerminateTask(w http.ResponseWriter, r *http.Request) {
	var param model.TerminateTaskParam
	if err := decodeJSON(r, &param); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := s.api.TerminateTask(r.Context(), &param)
	writeReply(w, ok, err)
}

func (s *Supervisor) handleUpdateTaskWorker(w http.ResponseWriter, r *http.Request) {
	var params []model.TaskWorkerParam
	if err := decodeJSON(r, &params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.api.UpdateTaskWorker(r.Context(), params)
	writeReply(w, err == nil, err)
}

func (s *Supervisor) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var param model.CheckpointParam
	if err := decodeJSON(r, &param); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := s.api.Checkpoint(r.Context(), &param)
	writeReply(w, ok, err)
}

func (s *Supervisor) handlePauseInstance(w http.ResponseWriter, r *http.Request) {
	var req pauseInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := s.api.PauseInstance(r.Context(), req.InstanceID)
	writeReply(w, ok, err)
}

func (s *Supervisor) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	var req cancelInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Operation.ToState().IsFailure() {
		writeError(w, http.StatusBadRequest, "operation is not a cancel operation")
		return
	}
	ok, err := s.api.CancelInstance(r.Context(), req.InstanceID, req.Operation)
	writeReply(w, ok, err)
}

// handleSubscribeEvent forwards a peer's registry change notice into the
// local discovery cache. Push is advisory, a dropped event is repaired by
// the next periodic pull, so the reply is always success.
func (s *Supervisor) handleSubscribeEvent(w http.ResponseWriter, r *http.Request) {
	var param model.SubscribeEventParam
	if err := decodeJSON(r, &param); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.events != nil {
		role := registry.RoleSupervisor
		if strings.Count(param.Server, ":") == 2 {
			role = registry.RoleWorker
		}
		server, err := registry.Deserialize(role, param.Server)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.events.Publish(registry.Event{Type: registry.EventType(param.Event), Server: server})
	}
	writeJSON(w, http.StatusOK, rpc.Reply{Success: true})
}
