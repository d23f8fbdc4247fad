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

package queryrun

import (
	"sync"

	"github.com/latticedb/reduceql/pkg/rqproto"
)

// SFUFuture accumulates the SELECT-FOR-UPDATE row-lock count each
// mapped node reports and resolves once every node has reported,
// mirroring the latch package's sync.Cond wait pattern but resolving to
// an accumulated total rather than a bare signal.
type SFUFuture struct {
	mu        sync.Mutex
	cond      *sync.Cond
	remaining map[rqproto.NodeID]bool
	total     int64
	done      bool
	err       error
}

// NewSFUFuture builds a future expecting one row-lock report from each
// of nodes.
func NewSFUFuture(nodes []rqproto.NodeID) *SFUFuture {
	remaining := make(map[rqproto.NodeID]bool, len(nodes))
	for _, n := range nodes {
		remaining[n] = true
	}
	f := &SFUFuture{remaining: remaining, done: len(remaining) == 0}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// OnResult records node's row-lock count. The future resolves once
// every expected node has reported; a report from an unexpected or
// already-reported node is dropped.
func (f *SFUFuture) OnResult(node rqproto.NodeID, rows int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	if _, ok := f.remaining[node]; !ok {
		return
	}
	delete(f.remaining, node)
	f.total += rows
	if len(f.remaining) == 0 {
		f.done = true
		f.cond.Broadcast()
	}
}

// Cancel resolves the future early with err, unblocking any waiter.
func (f *SFUFuture) Cancel(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.done = true
	f.err = err
	f.cond.Broadcast()
}

// Wait blocks until every expected node has confirmed its row-lock
// count, or the future was cancelled, and returns the accumulated
// total.
func (f *SFUFuture) Wait() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.done {
		f.cond.Wait()
	}
	return f.total, f.err
}
