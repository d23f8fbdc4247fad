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

// Package queryrun holds the state machine and bookkeeping for a single
// in-flight reduce query, grounded on the per-scope run bookkeeping in
// pkg/sql/compile/remoterun.go generalized from one remote scope to a
// full map/reduce fan-out.
package queryrun

import (
	"sync"

	"github.com/latticedb/reduceql/pkg/latch"
	"github.com/latticedb/reduceql/pkg/mergeindex"
	"github.com/latticedb/reduceql/pkg/rqproto"
)

// Status names the state a Run currently occupies.
type Status int

const (
	StatusRunning Status = iota
	StatusRetry
	StatusFailed
	StatusDisconnected
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusRetry:
		return "retry"
	case StatusFailed:
		return "failed"
	case StatusDisconnected:
		return "disconnected"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// RetryInfo carries the reason a run moved to StatusRetry: the topology
// version to wait for, the node whose departure (or NextPageResponse
// retry flag) triggered it, and the underlying cause.
type RetryInfo struct {
	TopologyVersion uint64
	Node            rqproto.NodeID
	Cause           error
}

// Run is one reduce query's mutable state, shared between the
// orchestrator goroutine that is waiting on it and the message-dispatch
// goroutines feeding it NextPageResponse/FailResponse traffic.
type Run struct {
	RequestID rqproto.QueryRequestID
	Nodes     []rqproto.NodeID

	Latch   *latch.CountdownLatch
	Indexes []mergeindex.Index // one per map query, in map-query order

	// SFU is armed by EnableSFU for a SELECT-FOR-UPDATE run and resolves
	// once every mapped node has confirmed the row count it locked. Query
	// blocks on it before delivering results, so a caller never observes
	// rows some node has not yet locked. Nil for a plain read.
	SFU *SFUFuture

	mu     sync.Mutex
	status Status
	retry  *RetryInfo
	err    error
}

// New builds a Run in StatusRunning, with a completion latch sized to
// expect firstPageCount NextPageResponse arrivals (one per (node,
// mapQuery, segment) lane).
func New(requestID rqproto.QueryRequestID, nodes []rqproto.NodeID, indexes []mergeindex.Index, firstPageCount int) *Run {
	return &Run{
		RequestID: requestID,
		Nodes:     nodes,
		Latch:     latch.New(firstPageCount),
		Indexes:   indexes,
		status:    StatusRunning,
	}
}

// EnableSFU arms the run's SELECT-FOR-UPDATE confirmation future,
// expecting one row-lock report from each of nodes. Must be called
// before the run is published to a registry, since it is unsynchronized
// with the transitions below.
func (r *Run) EnableSFU(nodes []rqproto.NodeID) {
	r.SFU = NewSFUFuture(nodes)
}

// Status returns the run's current state.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// RetryInfo returns the retry details recorded by TransitionRetry, or
// nil if the run never entered StatusRetry.
func (r *Run) RetryInfo() *RetryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retry
}

// Err returns the failure recorded by TransitionFailed/TransitionDisconnected.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// TransitionRetry moves the run to StatusRetry, only from Running; a run
// already terminal or already retrying keeps its first transition, since
// only the first departed-node or retry-flagged response should decide
// the retry cause.
func (r *Run) TransitionRetry(info RetryInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRunning {
		return false
	}
	r.status = StatusRetry
	r.retry = &info
	for _, idx := range r.Indexes {
		idx.Cancel(info.Cause)
	}
	r.Latch.ForceZero()
	if r.SFU != nil {
		r.SFU.Cancel(info.Cause)
	}
	return true
}

// TransitionFailed moves the run to StatusFailed, cancelling every merge
// index with err so blocked iterators and future fetchNextPage calls
// observe it.
func (r *Run) TransitionFailed(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusFailed || r.status == StatusDisconnected || r.status == StatusCompleted {
		return false
	}
	r.status = StatusFailed
	r.err = err
	for _, idx := range r.Indexes {
		idx.Cancel(err)
	}
	r.Latch.ForceZero()
	if r.SFU != nil {
		r.SFU.Cancel(err)
	}
	return true
}

// TransitionDisconnected moves the run to StatusDisconnected unconditionally;
// a disconnect always wins over whatever the run was doing.
func (r *Run) TransitionDisconnected(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusDisconnected
	r.err = err
	for _, idx := range r.Indexes {
		idx.Cancel(err)
	}
	r.Latch.ForceZero()
	if r.SFU != nil {
		r.SFU.Cancel(err)
	}
}

// TransitionCompleted marks the run done once its result has been fully
// delivered and its resources released.
func (r *Run) TransitionCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusRunning {
		r.status = StatusCompleted
	}
}

// NamesNode reports whether node backs any of this run's merge indexes,
// used by event integration to decide whether a departed node affects
// this run.
func (r *Run) NamesNode(node rqproto.NodeID) bool {
	for _, idx := range r.Indexes {
		if idx.NamesNode(node) {
			return true
		}
	}
	return false
}

// HasUnreadData reports whether any merge index still has buffered but
// unconsumed pages, used to decide whether release must broadcast a
// cancel request to reclaim remote resources.
func (r *Run) HasUnreadData() bool {
	for _, idx := range r.Indexes {
		if idx.HasUnreadData() {
			return true
		}
	}
	return false
}

// Registry tracks in-flight runs by request id, read by the message
// dispatcher and the event listener, written by the orchestrator.
type Registry struct {
	mu   sync.RWMutex
	runs map[rqproto.QueryRequestID]*Run
}

// NewRegistry builds an empty run registry.
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

// Snapshot returns every currently tracked run, for the event listener to
// scan without holding the registry lock across per-run work.
func (reg *Registry) Snapshot() []*Run {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Run, 0, len(reg.runs))
	for _, r := range reg.runs {
		out = append(out, r)
	}
	return out
}
