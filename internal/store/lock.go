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

package store

import (
	"context"
	"time"
)

// AcquireLease takes or renews the named cluster-wide lease for owner. The
// lease is won when the row is absent, expired, or already held by the same
// owner. Scanners hold one lease per sweep so only one supervisor processes
// a batch at a time.
func (q queries) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := nowMs()
	expireAt := now + ttl.Milliseconds()
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO sched_lock (name, owner, expire_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, expire_at = excluded.expire_at
		WHERE sched_lock.expire_at < ? OR sched_lock.owner = excluded.owner`),
		name, owner, expireAt, now)
	if err != nil {
		return false, err
	}
	return affected(res, 1)
}

// ReleaseLease drops the lease if still held by owner.
func (q queries) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := q.ext.ExecContext(ctx,
		q.ext.Rebind(`DELETE FROM sched_lock WHERE name = ? AND owner = ?`), name, owner)
	return err
}
