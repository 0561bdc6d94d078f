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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/jobmesh/internal/model"
	"github.com/tombee/jobmesh/internal/registry"
	"github.com/tombee/jobmesh/internal/rpc"
	"github.com/tombee/jobmesh/internal/store"
)

type fakeAPI struct {
	started    []*model.StartTaskParam
	terminated []*model.TerminateTaskParam
	checked    []*model.CheckpointParam
	workers    []model.TaskWorkerParam
	paused     []int64
	canceled   map[int64]model.Operation

	ok  bool
	err error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{ok: true, canceled: make(map[int64]model.Operation)}
}

func (f *fakeAPI) StartTask(_ context.Context, p *model.StartTaskParam) (bool, error) {
	f.started = append(f.started, p)
	return f.ok, f.err
}

func (f *fakeAPI) TerminateTask(_ context.Context, p *model.TerminateTaskParam) (bool, error) {
	f.terminated = append(f.terminated, p)
	return f.ok, f.err
}

func (f *fakeAPI) Checkpoint(_ context.Context, p *model.CheckpointParam) (bool, error) {
	f.checked = append(f.checked, p)
	return f.ok, f.err
}

func (f *fakeAPI) UpdateTaskWorker(_ context.Context, params []model.TaskWorkerParam) error {
	f.workers = append(f.workers, params...)
	return f.err
}

func (f *fakeAPI) PauseInstance(_ context.Context, instanceID int64) (bool, error) {
	f.paused = append(f.paused, instanceID)
	return f.ok, f.err
}

func (f *fakeAPI) CancelInstance(_ context.Context, instanceID int64, op model.Operation) (bool, error) {
	f.canceled[instanceID] = op
	return f.ok, f.err
}

type fakeSink struct {
	events []registry.Event
}

func (f *fakeSink) Publish(ev registry.Event) { f.events = append(f.events, ev) }

const (
	testGroup = "app"
	testToken = "secret-token"
)

func testLookup(group string) (string, error) {
	if group != testGroup {
		return "", fmt.Errorf("unknown group %q", group)
	}
	return testToken, nil
}

func newSupervisorServer(t *testing.T, api SupervisorAPI, sink EventSink) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewSupervisor(api, sink, testLookup, nil).Handler())
	t.Cleanup(ts.Close)
	return ts
}

// signedPost sends body to path with valid group auth headers.
func signedPost(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(buf))
	require.NoError(t, err)
	for k, vs := range rpc.NewAuthSigner(testGroup, testToken).Headers() {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeReply(t *testing.T, resp *http.Response) rpc.Reply {
	t.Helper()
	var reply rpc.Reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return reply
}

func TestSupervisorRejectsUnsignedRequest(t *testing.T) {
	ts := newSupervisorServer(t, newFakeAPI(), nil)

	resp, err := http.Post(ts.URL+rpc.PathStartTask, "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSupervisorRejectsForgedSignature(t *testing.T) {
	api := newFakeAPI()
	ts := newSupervisorServer(t, api, nil)

	req, err := http.NewRequest(http.MethodPost, ts.URL+rpc.PathStartTask, strings.NewReader(`{}`))
	require.NoError(t, err)
	for k, vs := range rpc.NewAuthSigner(testGroup, "wrong-token").Headers() {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, api.started)
}

func TestSupervisorStartTask(t *testing.T) {
	api := newFakeAPI()
	ts := newSupervisorServer(t, api, nil)

	resp := signedPost(t, ts, rpc.PathStartTask, &model.StartTaskParam{
		TaskID: 11, InstanceID: 5, Worker: "app:h1:8081",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeReply(t, resp).Success)
	require.Len(t, api.started, 1)
	assert.Equal(t, int64(11), api.started[0].TaskID)
	assert.Equal(t, "app:h1:8081", api.started[0].Worker)
}

func TestSupervisorStartTaskDeclinedReportsFalse(t *testing.T) {
	api := newFakeAPI()
	api.ok = false
	ts := newSupervisorServer(t, api, nil)

	resp := signedPost(t, ts, rpc.PathStartTask, &model.StartTaskParam{TaskID: 11})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeReply(t, resp).Success)
}

func TestSupervisorTerminateTask(t *testing.T) {
	api := newFakeAPI()
	ts := newSupervisorServer(t, api, nil)

	resp := signedPost(t, ts, rpc.PathTerminateTask, &model.TerminateTaskParam{
		TaskID:    11,
		ToState:   model.ExecStateCompleted,
		Operation: model.OpTrigger,
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, api.terminated, 1)
	assert.Equal(t, model.ExecStateCompleted, api.terminated[0].ToState)
}

func TestSupervisorMissingRowIsNotFound(t *testing.T) {
	api := newFakeAPI()
	api.err = fmt.Errorf("task 11: %w", store.ErrNotFound)
	ts := newSupervisorServer(t, api, nil)

	resp := signedPost(t, ts, rpc.PathTerminateTask, &model.TerminateTaskParam{TaskID: 11})

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSupervisorUpdateTaskWorker(t *testing.T) {
	api := newFakeAPI()
	ts := newSupervisorServer(t, api, nil)

	resp := signedPost(t, ts, rpc.PathUpdateTaskWorker, []model.TaskWorkerParam{
		{TaskID: 1, Worker: "app:h1:8081"},
		{TaskID: 2, Worker: "app:h2:8081"},
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeReply(t, resp).Success)
	assert.Len(t, api.workers, 2)
}

func TestSupervisorCheckpoint(t *testing.T) {
	api := newFakeAPI()
	ts := newSupervisorServer(t, api, nil)

	resp := signedPost(t, ts, rpc.PathCheckpoint, &model.CheckpointParam{
		TaskID: 11, ExecuteSnapshot: "offset=42",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, api.checked, 1)
	assert.Equal(t, "offset=42", api.checked[0].ExecuteSnapshot)
}

func TestSupervisorPauseInstance(t *testing.T) {
	api := newFakeAPI()
	ts := newSupervisorServer(t, api, nil)

	resp := signedPost(t, ts, rpc.PathPauseInstance, pauseInstanceRequest{InstanceID: 7})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int64{7}, api.paused)
}

func TestSupervisorCancelInstance(t *testing.T) {
	api := newFakeAPI()
	ts := newSupervisorServer(t, api, nil)

	resp := signedPost(t, ts, rpc.PathCancelInstance, cancelInstanceRequest{
		InstanceID: 7, Operation: model.OpManualCancel,
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.OpManualCancel, api.canceled[7])
}

func TestSupervisorCancelInstanceRejectsNonCancelOperation(t *testing.T) {
	api := newFakeAPI()
	ts := newSupervisorServer(t, api, nil)

	resp := signedPost(t, ts, rpc.PathCancelInstance, cancelInstanceRequest{
		InstanceID: 7, Operation: model.OpTrigger,
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, api.canceled)
}

func TestSupervisorSubscribeEventPublishes(t *testing.T) {
	sink := &fakeSink{}
	ts := newSupervisorServer(t, newFakeAPI(), sink)

	resp := signedPost(t, ts, rpc.PathSubscribeEvent, &model.SubscribeEventParam{
		Event: "REGISTER", Server: "app:h1:8081",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, sink.events, 1)
	assert.Equal(t, registry.EventRegister, sink.events[0].Type)
	assert.Equal(t, registry.RoleWorker, sink.events[0].Server.Role)
	assert.Equal(t, "h1", sink.events[0].Server.Host)
}

func TestSupervisorSubscribeEventSupervisorPeer(t *testing.T) {
	sink := &fakeSink{}
	ts := newSupervisorServer(t, newFakeAPI(), sink)

	resp := signedPost(t, ts, rpc.PathSubscribeEvent, &model.SubscribeEventParam{
		Event: "DEREGISTER", Server: "h2:8080",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, sink.events, 1)
	assert.Equal(t, registry.RoleSupervisor, sink.events[0].Server.Role)
}

func TestSupervisorBadBodyIsBadRequest(t *testing.T) {
	ts := newSupervisorServer(t, newFakeAPI(), nil)

	req, err := http.NewRequest(http.MethodPost, ts.URL+rpc.PathStartTask, strings.NewReader("{not json"))
	require.NoError(t, err)
	for k, vs := range rpc.NewAuthSigner(testGroup, testToken).Headers() {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSupervisorMetricsOutsideAuthPerimeter(t *testing.T) {
	ts := newSupervisorServer(t, newFakeAPI(), nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
