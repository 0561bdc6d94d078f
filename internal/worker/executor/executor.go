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

// Package executor runs user task code on the worker: a named registry
// of executors and a bounded pool that acks, executes and reports each
// dispatched task back to the supervisor.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Execution is the task view handed to an executor.
type Execution struct {
	TaskID       int64
	InstanceID   int64
	WnstanceID   *int64
	JobID        int64
	TriggerTime  int64
	ExecutorText string
	JobParam     string
	TaskParam    string
	// Snapshot restores the last checkpointed state on retry, empty on a
	// first run.
	Snapshot string
	// Checkpoint persists an intermediate snapshot on the supervisor.
	Checkpoint func(ctx context.Context, snapshot string) error
}

// Executor runs one task. A nil error reports COMPLETED; an error
// reports EXECUTE_FAILED with the message on the task row.
type Executor interface {
	Execute(ctx context.Context, exec *Execution) error
}

// Verifier is implemented by executors that can validate a job's
// configuration before the job is saved.
type Verifier interface {
	Verify(jobParam string) error
}

// Splitter is implemented by executors that fan a job param out into
// multiple task params.
type Splitter interface {
	Split(ctx context.Context, jobParam string) ([]string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, exec *Execution) error

func (f ExecutorFunc) Execute(ctx context.Context, exec *Execution) error { return f(ctx, exec) }

// Registry holds the executors this worker offers, keyed by the name
// jobs reference in their executor text.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor under name, replacing any previous one.
func (r *Registry) Register(name string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = ex
}

// Lookup returns the executor registered under name.
func (r *Registry) Lookup(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("executor %q not registered", name)
	}
	return ex, nil
}

// Names returns the registered executor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verify checks that name is registered and, when the executor can
// validate, that the job param is acceptable.
func (r *Registry) Verify(name, jobParam string) error {
	ex, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if v, ok := ex.(Verifier); ok {
		return v.Verify(jobParam)
	}
	return nil
}

// Split fans a job param out into task params. Executors without their
// own splitter get one task carrying the job param verbatim.
func (r *Registry) Split(ctx context.Context, name, jobParam string) ([]string, error) {
	ex, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if s, ok := ex.(Splitter); ok {
		return s.Split(ctx, jobParam)
	}
	return []string{jobParam}, nil
}
