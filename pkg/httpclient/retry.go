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

package httpclient

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// retryTransport wraps an http.RoundTripper with linear-backoff retry.
type retryTransport struct {
	base        http.RoundTripper
	maxAttempts int
	baseBackoff time.Duration
}

func newRetryTransport(base http.RoundTripper, cfg Config) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{
		base:        base,
		maxAttempts: cfg.RetryAttempts + 1, // attempts include the initial try
		baseBackoff: cfg.RetryBackoff,
	}
}

// RoundTrip retries transient failures with linear backoff, honouring
// context cancellation between attempts. The request body must be
// rewindable (GetBody set), which is true for the buffered JSON bodies the
// RPC layer builds.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt-1) * t.baseBackoff):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				req.Body = body
			}
		}

		resp, err := t.base.RoundTrip(req)
		if err != nil {
			if !IsRetryableError(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if !IsRetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		// drain so the connection can be reused
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	return nil, lastErr
}

// StatusError reports a retryable HTTP status that survived all attempts.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string { return "httpclient: " + e.Status }

// IsRetryableStatus reports whether a response status warrants a retry:
// any 5xx, plus request timeout and too-many-requests. Other 4xx are the
// caller's fault and fail fast.
func IsRetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// IsRetryableError reports whether a transport error is transient:
// timeouts, refused connections, reset streams.
func IsRetryableError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
