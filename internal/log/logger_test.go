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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}

	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}

	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}

	if cfg.AddSource {
		t.Errorf("expected default AddSource to be false")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		envVars   map[string]string
		wantLevel string
		wantFmt   Format
		wantSrc   bool
	}{
		{
			name:      "defaults when no env vars",
			envVars:   map[string]string{},
			wantLevel: "info",
			wantFmt:   FormatJSON,
		},
		{
			name:      "DISJOB_DEBUG enables debug and source",
			envVars:   map[string]string{"DISJOB_DEBUG": "1"},
			wantLevel: "debug",
			wantFmt:   FormatJSON,
			wantSrc:   true,
		},
		{
			name:      "DISJOB_LOG_LEVEL beats LOG_LEVEL",
			envVars:   map[string]string{"DISJOB_LOG_LEVEL": "warn", "LOG_LEVEL": "error"},
			wantLevel: "warn",
			wantFmt:   FormatJSON,
		},
		{
			name:      "LOG_LEVEL used as fallback",
			envVars:   map[string]string{"LOG_LEVEL": "ERROR"},
			wantLevel: "error",
			wantFmt:   FormatJSON,
		},
		{
			name:      "LOG_FORMAT text",
			envVars:   map[string]string{"LOG_FORMAT": "TEXT"},
			wantLevel: "info",
			wantFmt:   FormatText,
		},
		{
			name:      "LOG_SOURCE enables source",
			envVars:   map[string]string{"LOG_SOURCE": "1"},
			wantLevel: "info",
			wantFmt:   FormatJSON,
			wantSrc:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"DISJOB_DEBUG", "DISJOB_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				os.Unsetenv(key)
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := FromEnv()
			if cfg.Level != tt.wantLevel {
				t.Errorf("level = %q, want %q", cfg.Level, tt.wantLevel)
			}
			if cfg.Format != tt.wantFmt {
				t.Errorf("format = %q, want %q", cfg.Format, tt.wantFmt)
			}
			if cfg.AddSource != tt.wantSrc {
				t.Errorf("addSource = %v, want %v", cfg.AddSource, tt.wantSrc)
			}
		})
	}
}

func TestNewJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("job fired", slog.Int64(JobIDKey, 42))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "job fired" {
		t.Errorf("msg = %v, want 'job fired'", entry["msg"])
	}
	if entry[JobIDKey] != float64(42) {
		t.Errorf("jobId = %v, want 42", entry[JobIDKey])
	}
}

func TestNewTextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})

	logger.Info("instance purged")

	if !strings.Contains(buf.String(), "instance purged") {
		t.Errorf("text output missing message: %q", buf.String())
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("suppressed")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Errorf("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn line missing")
	}
}

func TestNewNilConfigUsesDefaults(t *testing.T) {
	logger := New(nil)
	if logger == nil {
		t.Fatal("expected a logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithTask(WithComponent(base, "engine"), 100, 200).Info("task started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["component"] != "engine" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry[InstanceIDKey] != float64(100) {
		t.Errorf("instanceId = %v", entry[InstanceIDKey])
	}
	if entry[TaskIDKey] != float64(200) {
		t.Errorf("taskId = %v", entry[TaskIDKey])
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken("abc"); got != "[REDACTED]" {
		t.Errorf("short token: got %q", got)
	}
	if got := SanitizeToken("supersecrettoken"); got != "...oken" {
		t.Errorf("long token: got %q", got)
	}
}
