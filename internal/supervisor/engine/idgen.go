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

import (
	"fmt"
	"sync"
	"time"
)

// idEpoch is 2024-01-01T00:00:00Z; ids stay positive for ~69 years.
const idEpoch = 1704067200000

const (
	workerIDBits = 10
	sequenceBits = 12
	maxWorkerID  = 1<<workerIDBits - 1
	maxSequence  = 1<<sequenceBits - 1
)

// IDGenerator issues unique, roughly time-ordered int64 ids: 41 bits of
// milliseconds since the epoch, 10 bits of supervisor id, 12 bits of
// per-millisecond sequence.
type IDGenerator struct {
	mu       sync.Mutex
	workerID int64
	lastMs   int64
	sequence int64
}

// NewIDGenerator builds a generator for the given supervisor id.
func NewIDGenerator(workerID int64) (*IDGenerator, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("engine: worker id %d out of range [0, %d]", workerID, maxWorkerID)
	}
	return &IDGenerator{workerID: workerID}, nil
}

// Next returns the next id, spinning into the following millisecond when
// the sequence overflows.
func (g *IDGenerator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < g.lastMs {
		// clock went backwards, hold the line at lastMs
		now = g.lastMs
	}
	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastMs {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = now

	return (now-idEpoch)<<(workerIDBits+sequenceBits) |
		g.workerID<<sequenceBits |
		g.sequence
}
