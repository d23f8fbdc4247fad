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

package mergeindex

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/latticedb/reduceql/pkg/rqproto"
)

type sourceLifecycle int

const (
	lifecyclePending sourceLifecycle = iota
	lifecycleMaterialized
	lifecycleDone
)

// cursorItem is one source's currently materialized row, ordered in the
// btree by its declared sort columns.
type cursorItem struct {
	key    SourceKey
	page   *rqproto.NextPageResponse
	rowIdx int
	seq    uint64
	cols   []rqproto.SortColumn
}

func (c *cursorItem) row() rqproto.Row { return c.page.Rows[c.rowIdx] }

// Less implements btree.Item. Ties follow insertion order (seq); rows
// with equal sort-key values may be emitted in any source order, this
// is not a stable merge.
func (c *cursorItem) Less(than btree.Item) bool {
	o := than.(*cursorItem)
	cmp := compareRows(c.row(), o.row(), c.cols)
	if cmp != 0 {
		return cmp < 0
	}
	return c.seq < o.seq
}

// compareRows orders two rows by the declared sort columns. Column
// values are compared structurally; nil sorts according to NullsFirst,
// a caller-declared per-column flag since this module does not own
// column type metadata and cannot infer the engine's own null ordering.
func compareRows(a, b rqproto.Row, cols []rqproto.SortColumn) int {
	for i, col := range cols {
		var av, bv any
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		c := compareValues(av, bv, col.NullsFirst)
		if col.Descending && av != nil && bv != nil {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

func compareValues(a, b any, nullsFirst bool) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		if nullsFirst {
			return -1
		}
		return 1
	}
	if b == nil {
		if nullsFirst {
			return 1
		}
		return -1
	}
	switch av := a.(type) {
	case int64:
		bv := toInt64(b)
		return cmpInt64(av, bv)
	case int:
		return cmpInt64(int64(av), toInt64(b))
	case float64:
		bv := toFloat64(b)
		return cmpFloat64(av, bv)
	case string:
		bv, _ := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	default:
		as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// SortedIndex maintains a priority queue keyed by the declared sort
// columns, k-way merging one materialized cursor per source, grounded on the ordering machinery in
// pkg/sql/colexec/mergeorder, generalized from a single fixed input set
// to page-callback-driven sources using a github.com/google/btree tree
// as the ordering structure instead of the operator's in-memory batch
// list.
type SortedIndex struct {
	*sourceState

	cols []rqproto.SortColumn

	mu           sync.Mutex
	cond         *sync.Cond
	tree         *btree.BTree
	states       map[SourceKey]sourceLifecycle
	pendingCount int
	closed       bool
	seq          uint64
}

// NewSorted builds a sorted merge index over the given sources, ordered
// by cols.
func NewSorted(sources []SourceDescriptor, cols []rqproto.SortColumn) *SortedIndex {
	keys := Expand(sources)
	states := make(map[SourceKey]sourceLifecycle, len(keys))
	for _, k := range keys {
		states[k] = lifecyclePending
	}
	idx := &SortedIndex{
		sourceState:  newSourceState(keys),
		cols:         cols,
		tree:         btree.New(8),
		states:       states,
		pendingCount: len(keys),
	}
	idx.cond = sync.NewCond(&idx.mu)
	return idx
}

func (idx *SortedIndex) AddPage(page *rqproto.NextPageResponse) error {
	key := SourceKey{Node: page.SourceNodeID, Segment: page.SegmentID}
	if err := idx.Admit(key, page.PageNumber, page.LastPage); err != nil {
		return err
	}
	if len(page.Rows) == 0 {
		if page.LastPage {
			idx.mu.Lock()
			idx.states[key] = lifecycleDone
			idx.pendingCount--
			idx.cond.Broadcast()
			idx.mu.Unlock()
			return nil
		}
		// Empty non-last page: source stays pending, pull its successor
		// immediately instead of leaving pendingCount stuck, mirroring
		// UnsortedIndex.AddPage's exhausted-page handling.
		if page.FetchNextPage != nil {
			return page.FetchNextPage()
		}
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.seq++
	item := &cursorItem{key: key, page: page, rowIdx: 0, seq: idx.seq, cols: idx.cols}
	idx.tree.ReplaceOrInsert(item)
	idx.states[key] = lifecycleMaterialized
	idx.pendingCount--
	idx.cond.Broadcast()
	return nil
}

func (idx *SortedIndex) Cancel(err error) {
	idx.SetCancel(err)
	idx.mu.Lock()
	idx.closed = true
	idx.cond.Broadcast()
	idx.mu.Unlock()
}

func (idx *SortedIndex) HasUnreadData() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.tree.Len() > 0
}

func (idx *SortedIndex) NewIterator() RowIterator {
	return &sortedIterator{idx: idx}
}

type sortedIterator struct {
	idx *SortedIndex
}

func (it *sortedIterator) Next() (rqproto.Row, bool, error) {
	idx := it.idx
	for {
		if err := idx.Cancelled(); err != nil {
			return nil, false, err
		}
		idx.mu.Lock()
		for idx.pendingCount > 0 && !idx.closed {
			idx.cond.Wait()
		}
		if idx.closed {
			idx.mu.Unlock()
			if err := idx.Cancelled(); err != nil {
				return nil, false, err
			}
			return nil, false, nil
		}
		if idx.tree.Len() == 0 {
			idx.mu.Unlock()
			return nil, false, nil
		}
		min := idx.tree.Min().(*cursorItem)
		idx.tree.Delete(min)
		row := min.row()
		min.rowIdx++
		var toFetch *rqproto.NextPageResponse
		switch {
		case min.rowIdx < len(min.page.Rows):
			idx.tree.ReplaceOrInsert(min)
		case min.page.LastPage:
			idx.states[min.key] = lifecycleDone
		default:
			idx.states[min.key] = lifecyclePending
			idx.pendingCount++
			toFetch = min.page
		}
		idx.mu.Unlock()
		if toFetch != nil && toFetch.FetchNextPage != nil {
			if err := toFetch.FetchNextPage(); err != nil {
				return nil, false, err
			}
		}
		return row, true, nil
	}
}

func (it *sortedIterator) Close() error {
	it.idx.Cancel(nil)
	return nil
}
