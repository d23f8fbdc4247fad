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

// Package updaterun implements the Distributed Update Run: a simpler
// sibling of queryrun.Run that fans a DML statement out to every mapped
// node and aggregates affected-row counts, with no merge tables and no
// mapping-retry loop.
package updaterun

import (
	"sync"

	"github.com/latticedb/reduceql/pkg/rqerr"
	"github.com/latticedb/reduceql/pkg/rqproto"
)

// Result is the outcome delivered on Done once every expected node has
// responded, been confirmed gone, or an error was observed. Fallback
// distinguishes the "run this client-side instead" sentinel from a
// genuine zero-row update.
type Result struct {
	AffectedRows int64
	Fallback     bool
	Err          error
}

// Run is one distributed DML's mutable state.
type Run struct {
	RequestID rqproto.QueryRequestID

	mu       sync.Mutex
	expected map[rqproto.NodeID]bool // true once responded or confirmed gone
	rows     int64
	err      error
	done     bool
	doneCh   chan struct{}
}

// New builds a Run expecting a response (or departure) from every node
// in nodes.
func New(requestID rqproto.QueryRequestID, nodes []rqproto.NodeID) *Run {
	expected := make(map[rqproto.NodeID]bool, len(nodes))
	for _, n := range nodes {
		expected[n] = false
	}
	return &Run{
		RequestID: requestID,
		expected:  expected,
		doneCh:    make(chan struct{}),
	}
}

// Done returns a channel that closes once the run reaches a terminal
// state.
func (r *Run) Done() <-chan struct{} {
	return r.doneCh
}

// Result reads the final outcome; only valid after Done() has closed.
func (r *Run) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Result{AffectedRows: r.rows, Err: r.err}
}

func (r *Run) finishLocked(rows int64, err error) {
	if r.done {
		return
	}
	r.done = true
	r.rows = rows
	r.err = err
	close(r.doneCh)
}

// OnResponse records one node's contribution. The run completes once
// every expected node has responded (summing affected rows) or an error
// has been observed on any of them.
func (r *Run) OnResponse(resp *rqproto.DmlResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	if resp.ErrorMessage != "" {
		r.finishLocked(0, rqerr.NewMapFailure(string(resp.SourceNodeID), resp.ErrorMessage))
		return
	}
	if _, tracked := r.expected[resp.SourceNodeID]; !tracked {
		return
	}
	r.expected[resp.SourceNodeID] = true
	r.rows += resp.AffectedRows
	r.checkComplete()
}

// OnNodeGone marks node as departed. If every expected node is now
// either responded or gone, the run completes with whatever total was
// accumulated so far.
func (r *Run) OnNodeGone(node rqproto.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	if _, tracked := r.expected[node]; !tracked {
		return
	}
	r.expected[node] = true
	r.checkComplete()
}

func (r *Run) checkComplete() {
	for _, responded := range r.expected {
		if !responded {
			return
		}
	}
	r.finishLocked(r.rows, nil)
}

// Cancel completes the run with a cancellation error; the caller is
// responsible for broadcasting a QueryCancelRequest to the mapped nodes.
func (r *Run) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishLocked(0, rqerr.NewCancelled(nil))
}

// NamesNode reports whether node is one of this run's expected
// responders.
func (r *Run) NamesNode(node rqproto.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, tracked := r.expected[node]
	return tracked
}

// Registry tracks in-flight DML runs by request id.
type Registry struct {
	mu   sync.RWMutex
	runs map[rqproto.QueryRequestID]*Run
}

// NewRegistry builds an empty DML run registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[rqproto.QueryRequestID]*Run)}
}

func (reg *Registry) Put(run *Run) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.runs[run.RequestID] = run
}

func (reg *Registry) Get(id rqproto.QueryRequestID) (*Run, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.runs[id]
	return r, ok
}

func (reg *Registry) Remove(id rqproto.QueryRequestID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.runs, id)
}

func (reg *Registry) Snapshot() []*Run {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Run, 0, len(reg.runs))
	for _, r := range reg.runs {
		out = append(out, r)
	}
	return out
}
