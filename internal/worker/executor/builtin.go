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

package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// NoopExecutor completes immediately. Useful for timer-only jobs whose
// effect is the depend cascade they trigger.
type NoopExecutor struct{}

func (NoopExecutor) Execute(context.Context, *Execution) error { return nil }

// ShellExecutor runs the task param as a shell command line. The command
// inherits the context, so cancel and timeout kill the process group.
type ShellExecutor struct {
	// Shell defaults to /bin/sh.
	Shell string
}

func (s ShellExecutor) Execute(ctx context.Context, task *Execution) error {
	command := task.TaskParam
	if command == "" {
		command = task.JobParam
	}
	if strings.TrimSpace(command) == "" {
		return errors.New("shell executor: empty command")
	}
	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell executor: %w: %s", err, truncate(string(out), 512))
	}
	return nil
}

func (ShellExecutor) Verify(jobParam string) error {
	if strings.TrimSpace(jobParam) == "" {
		return errors.New("shell executor: empty command")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
