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

package engine

import "sync"

const lockShards = 64

// instanceLocks is a sharded lock table keyed by instance lock key. Two
// operations on the same key always contend on the same mutex, which keeps
// row-lock waits out of the database for in-process contention.
type instanceLocks struct {
	shards [lockShards]sync.Mutex
}

// lock acquires the shard for key and returns its unlock func.
func (l *instanceLocks) lock(key int64) func() {
	mu := &l.shards[uint64(key)%lockShards]
	mu.Lock()
	return mu.Unlock
}
