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

// Package httpclient provides the retrying HTTP core shared by the RPC
// fabric: linear-backoff retry on transient failures, fail-fast on
// non-retryable client errors, context cancellation between attempts.
package httpclient

import "time"

// Config controls the retry behaviour of a Client.
type Config struct {
	// Timeout bounds a single request attempt.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the initial attempt.
	RetryAttempts int

	// RetryBackoff is the base delay; attempt i waits i×RetryBackoff.
	RetryBackoff time.Duration
}

// DefaultConfig returns the defaults used by RPC callers.
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  500 * time.Millisecond,
	}
}
