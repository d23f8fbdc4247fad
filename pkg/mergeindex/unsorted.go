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
	"sync"

	"github.com/latticedb/reduceql/pkg/rqproto"
)

// UnsortedIndex concatenates pages from every source in arrival order,
// grounded on pkg/sql/colexec/merge/merge.go's plain fan-in loop.
type UnsortedIndex struct {
	*sourceState

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*rqproto.NextPageResponse
	closed bool
}

// NewUnsorted builds an unsorted merge index over the given sources.
func NewUnsorted(sources []SourceDescriptor) *UnsortedIndex {
	idx := &UnsortedIndex{sourceState: newSourceState(Expand(sources))}
	idx.cond = sync.NewCond(&idx.mu)
	return idx
}

func (idx *UnsortedIndex) AddPage(page *rqproto.NextPageResponse) error {
	key := SourceKey{Node: page.SourceNodeID, Segment: page.SegmentID}
	if err := idx.Admit(key, page.PageNumber, page.LastPage); err != nil {
		return err
	}
	idx.mu.Lock()
	idx.queue = append(idx.queue, page)
	idx.cond.Broadcast()
	idx.mu.Unlock()
	return nil
}

func (idx *UnsortedIndex) Cancel(err error) {
	idx.SetCancel(err)
	idx.mu.Lock()
	idx.closed = true
	idx.cond.Broadcast()
	idx.mu.Unlock()
}

func (idx *UnsortedIndex) HasUnreadData() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.queue) > 0
}

func (idx *UnsortedIndex) NewIterator() RowIterator {
	return &unsortedIterator{idx: idx}
}

type unsortedIterator struct {
	idx     *UnsortedIndex
	current *rqproto.NextPageResponse
	pos     int
}

func (it *unsortedIterator) Next() (rqproto.Row, bool, error) {
	for {
		if err := it.idx.Cancelled(); err != nil {
			return nil, false, err
		}
		if it.current != nil && it.pos < len(it.current.Rows) {
			row := it.current.Rows[it.pos]
			it.pos++
			return row, true, nil
		}
		if it.current != nil {
			exhausted := it.current
			it.current = nil
			if !exhausted.LastPage && exhausted.FetchNextPage != nil {
				if err := exhausted.FetchNextPage(); err != nil {
					return nil, false, err
				}
			}
			continue
		}
		it.idx.mu.Lock()
		for len(it.idx.queue) == 0 && !it.idx.closed && !it.idx.FetchedAll() {
			it.idx.cond.Wait()
		}
		if it.idx.closed {
			it.idx.mu.Unlock()
			if err := it.idx.Cancelled(); err != nil {
				return nil, false, err
			}
			return nil, false, nil
		}
		if len(it.idx.queue) == 0 {
			it.idx.mu.Unlock()
			return nil, false, nil // fetchedAll and drained
		}
		it.current = it.idx.queue[0]
		it.idx.queue = it.idx.queue[1:]
		it.pos = 0
		it.idx.mu.Unlock()
	}
}

func (it *unsortedIterator) Close() error {
	it.idx.Cancel(nil)
	return nil
}
