// Copyright 2021 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry implements the Fake Table Registry: an indexed list
// of reducer-local table shells that the SQL engine resolves by
// canonical name ("T___<i>"), one instance per reducer SQL connection.
// Reads (from the message-dispatch path feeding rows into an
// already-bound table) never take a lock; inserts of new slots are
// serialized copy-on-write.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/latticedb/reduceql/pkg/rqlog"
	"github.com/latticedb/reduceql/pkg/sqlengine"
)

// TableName returns the canonical name of the i-th map query's merge
// table.
func TableName(mapQueryIndex int) string {
	return fmt.Sprintf("T___%d", mapQueryIndex)
}

// Slot is one reusable table shell. Its inner table is nulled out at run
// completion and rebound on the next run that needs that ordinal.
type Slot struct {
	name string
	mu   sync.RWMutex
	tbl  sqlengine.Table
}

func (s *Slot) Name() string { return s.name }

func (s *Slot) SetTable(t sqlengine.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tbl = t
}

func (s *Slot) Table() sqlengine.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tbl
}

func (s *Slot) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tbl = nil
}

// Registry is the per-connection fake table list.
type Registry struct {
	slots atomic.Pointer[[]*Slot]
	mu    sync.Mutex // serializes growth of the slice
}

// New returns an empty registry ready to be grown lazily.
func New() *Registry {
	r := &Registry{}
	empty := make([]*Slot, 0)
	r.slots.Store(&empty)
	return r
}

// EnsureSlot returns the slot for mapQueryIndex, creating it (and every
// slot before it) if this is the first run to need it. Slots are never
// removed.
func (r *Registry) EnsureSlot(mapQueryIndex int) *Slot {
	if s := r.getIfPresent(mapQueryIndex); s != nil {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.slots.Load()
	if mapQueryIndex < len(cur) {
		return cur[mapQueryIndex]
	}
	next := make([]*Slot, mapQueryIndex+1)
	copy(next, cur)
	for i := len(cur); i <= mapQueryIndex; i++ {
		next[i] = &Slot{name: TableName(i)}
	}
	r.slots.Store(&next)
	rqlog.L().Debug("grew fake table registry")
	return next[mapQueryIndex]
}

func (r *Registry) getIfPresent(mapQueryIndex int) *Slot {
	cur := *r.slots.Load()
	if mapQueryIndex < len(cur) {
		return cur[mapQueryIndex]
	}
	return nil
}

// Get resolves a slot by ordinal without ever taking a lock; nil if it
// has not been created yet.
func (r *Registry) Get(mapQueryIndex int) *Slot {
	return r.getIfPresent(mapQueryIndex)
}

// ReleaseRun nulls out every slot's inner table once a run completes.
// The shells themselves are kept for the next run on this connection.
func (r *Registry) ReleaseRun(count int) {
	cur := *r.slots.Load()
	for i := 0; i < count && i < len(cur); i++ {
		cur[i].Reset()
	}
}
