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

// Package rpc is the fabric over discovered peers: point-to-point and
// group-load-balanced JSON calls with retry, circuit breaking and signed
// worker→supervisor authentication headers.
package rpc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Authentication header names on worker→supervisor calls.
const (
	HeaderAuthGroup     = "X-Disjob-Auth-Group"
	HeaderAuthTimestamp = "X-Disjob-Auth-Timestamp"
	HeaderAuthNonce     = "X-Disjob-Auth-Nonce"
	HeaderAuthSignature = "X-Disjob-Auth-Signature"
)

// maxAuthSkew bounds how stale a signed timestamp may be.
const maxAuthSkew = 5 * time.Minute

// ErrUnauthenticated is returned when auth headers are missing, stale or
// forged. It is never retried.
var ErrUnauthenticated = errors.New("rpc: unauthenticated")

// AuthSigner signs outbound calls with the worker group's token.
type AuthSigner struct {
	group string
	token string
}

// NewAuthSigner builds a signer for the given group and worker token.
func NewAuthSigner(group, token string) *AuthSigner {
	return &AuthSigner{group: group, token: token}
}

// Headers produces a fresh set of signed auth headers.
func (s *AuthSigner) Headers() http.Header {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := uuid.NewString()
	h := http.Header{}
	h.Set(HeaderAuthGroup, s.group)
	h.Set(HeaderAuthTimestamp, timestamp)
	h.Set(HeaderAuthNonce, nonce)
	h.Set(HeaderAuthSignature, sign(s.token, s.group, timestamp, nonce))
	return h
}

// TokenLookup resolves a worker group to its signing token.
type TokenLookup func(group string) (string, error)

// VerifyAuth checks the signed headers of an inbound worker call.
func VerifyAuth(h http.Header, lookup TokenLookup) error {
	group := h.Get(HeaderAuthGroup)
	timestamp := h.Get(HeaderAuthTimestamp)
	nonce := h.Get(HeaderAuthNonce)
	signature := h.Get(HeaderAuthSignature)
	if group == "" || timestamp == "" || nonce == "" || signature == "" {
		return fmt.Errorf("%w: missing headers", ErrUnauthenticated)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrUnauthenticated)
	}
	if skew := time.Since(time.UnixMilli(ts)); skew > maxAuthSkew || skew < -maxAuthSkew {
		return fmt.Errorf("%w: stale timestamp", ErrUnauthenticated)
	}

	token, err := lookup(group)
	if err != nil {
		return fmt.Errorf("%w: unknown group %q", ErrUnauthenticated, group)
	}
	expected := sign(token, group, timestamp, nonce)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("%w: bad signature", ErrUnauthenticated)
	}
	return nil
}

// sign computes HMAC-SHA256(token, group||timestamp||nonce) hex-encoded.
func sign(token, group, timestamp, nonce string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(group))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}
