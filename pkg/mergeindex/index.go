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

// Package mergeindex implements the in-memory sink for paged rows from
// one map query, in two variants: unsorted (append-only concatenation)
// and sorted (k-way merge by declared sort columns). It is grounded on
// the shape of pkg/sql/colexec/merge (unordered fan-in) and
// pkg/sql/colexec/mergeorder (ordered fan-in), generalized from
// channel-fed operators to page-callback-fed indexes.
package mergeindex

import (
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/latticedb/reduceql/pkg/rqlog"
	"github.com/latticedb/reduceql/pkg/rqproto"
)

// SourceKey identifies one independent page stream within a single merge
// index: one (node, segment) lane of one map query.
type SourceKey struct {
	Node    rqproto.NodeID
	Segment int32
}

// SourceDescriptor names a node and how many parallel segments it
// contributes to this map query.
type SourceDescriptor struct {
	Node         rqproto.NodeID
	SegmentCount int32
}

// Expand enumerates the individual (node, segment) lanes a set of
// descriptors describes.
func Expand(descs []SourceDescriptor) []SourceKey {
	var keys []SourceKey
	for _, d := range descs {
		n := d.SegmentCount
		if n <= 0 {
			n = 1
		}
		for s := int32(0); s < n; s++ {
			keys = append(keys, SourceKey{Node: d.Node, Segment: s})
		}
	}
	return keys
}

// RowIterator is the consumer-facing contract of a merge index: rows in,
// blocking as needed on backpressure, error/EOF at the end.
type RowIterator interface {
	// Next blocks until a row is available, the index is exhausted, or
	// the index has been cancelled. ok is false only at true end of
	// stream (fetchedAll); an error is returned if the run driving pages
	// into this index failed or was cancelled.
	Next() (rqproto.Row, bool, error)
	Close() error
}

// Index is implemented by both merge index variants.
type Index interface {
	// AddPage attributes page to its declared source and buffers or
	// merges it. Returns an error if the page is out of order for its
	// source. A page naming a source outside the index's declared set, or
	// a source that already delivered its last page, returns no error.
	AddPage(page *rqproto.NextPageResponse) error
	// FetchedAll reports whether every declared source has delivered its
	// last page.
	FetchedAll() bool
	// Sources lists the (node, segment) lanes this index expects.
	Sources() []SourceKey
	// NamesNode reports whether node is one of this index's sources, used
	// by event integration to decide whether a departed node affects
	// this run.
	NamesNode(node rqproto.NodeID) bool
	// Cancel unblocks every iterator and future fetchNextPage callback
	// with err; once cancelled, all future fetchNextPage calls also fail
	// with err.
	Cancel(err error)
	// NewIterator returns a fresh consumer over this index's buffered and
	// future rows. Unsorted indexes support concurrent iterators only in
	// the trivial single-consumer case the reducer actually uses.
	NewIterator() RowIterator
	// HasUnreadData reports whether any source has buffered but
	// unconsumed pages, used by release-on-completion accounting.
	HasUnreadData() bool
}

// sourceState is shared bookkeeping both variants use to enforce
// per-source page ordering and the fetchedAll invariant.
type sourceState struct {
	mu          sync.Mutex
	keys        []SourceKey
	ordinal     map[SourceKey]int
	expectNext  map[SourceKey]int64
	lastSeen    *roaring.Bitmap
	cancelErr   error
}

func newSourceState(keys []SourceKey) *sourceState {
	ordinal := make(map[SourceKey]int, len(keys))
	expect := make(map[SourceKey]int64, len(keys))
	for i, k := range keys {
		ordinal[k] = i
		expect[k] = 0
	}
	return &sourceState{
		keys:       keys,
		ordinal:    ordinal,
		expectNext: expect,
		lastSeen:   roaring.NewBitmap(),
	}
}

// Admit validates and records a page's arrival for source key. It
// returns an error if the page is out of order or the source has
// already delivered its last page.
func (s *sourceState) Admit(key SourceKey, pageNumber int64, last bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.ordinal[key]
	if !ok {
		rqlog.L().Warn("page from unknown source dropped")
		return nil
	}
	if s.lastSeen.Contains(uint32(ord)) {
		return nil // fetchedAll already held for this source; drop silently.
	}
	want := s.expectNext[key]
	if pageNumber != want {
		return errOutOfOrderPage
	}
	s.expectNext[key] = pageNumber + 1
	if last {
		s.lastSeen.Add(uint32(ord))
	}
	return nil
}

func (s *sourceState) FetchedAll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.lastSeen.GetCardinality()) == len(s.keys)
}

func (s *sourceState) Sources() []SourceKey {
	return s.keys
}

func (s *sourceState) NamesNode(node rqproto.NodeID) bool {
	for _, k := range s.keys {
		if k.Node == node {
			return true
		}
	}
	return false
}

func (s *sourceState) SetCancel(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelErr = err
}

func (s *sourceState) Cancelled() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelErr
}

var errOutOfOrderPage = errOutOfOrder{}

type errOutOfOrder struct{}

func (errOutOfOrder) Error() string { return "page received out of order for its source" }
