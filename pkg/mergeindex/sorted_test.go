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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/reduceql/pkg/rqproto"
)

func TestSortedIndexMergesTwoSourcesByAscendingColumn(t *testing.T) {
	cols := []rqproto.SortColumn{{Name: "id"}}
	idx := NewSorted(twoNodeSources(), cols)

	require.NoError(t, idx.AddPage(&rqproto.NextPageResponse{
		SourceNodeID: "n1", PageNumber: 0, LastPage: true,
		Rows: []rqproto.Row{{1}, {3}, {5}},
	}))
	require.NoError(t, idx.AddPage(&rqproto.NextPageResponse{
		SourceNodeID: "n2", PageNumber: 0, LastPage: true,
		Rows: []rqproto.Row{{2}, {4}},
	}))

	it := idx.NewIterator()
	var got []rqproto.Row
	for {
		row, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, row)
	}
	require.Equal(t, []rqproto.Row{{1}, {2}, {3}, {4}, {5}}, got)
}

func TestSortedIndexDescendingColumn(t *testing.T) {
	cols := []rqproto.SortColumn{{Name: "id", Descending: true}}
	idx := NewSorted(twoNodeSources(), cols)
	// Each source streams its rows already in the declared order; the
	// index merges across sources and keeps each source's own order.
	require.NoError(t, idx.AddPage(&rqproto.NextPageResponse{
		SourceNodeID: "n1", PageNumber: 0, LastPage: true,
		Rows: []rqproto.Row{{5}, {3}, {1}},
	}))
	require.NoError(t, idx.AddPage(&rqproto.NextPageResponse{
		SourceNodeID: "n2", PageNumber: 0, LastPage: true,
		Rows: []rqproto.Row{{4}, {2}},
	}))
	it := idx.NewIterator()
	var got []rqproto.Row
	for {
		row, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, row)
	}
	require.Equal(t, []rqproto.Row{{5}, {4}, {3}, {2}, {1}}, got)
}

func TestSortedIndexWaitsForAllSourcesBeforeYieldingMin(t *testing.T) {
	cols := []rqproto.SortColumn{{Name: "id"}}
	idx := NewSorted(twoNodeSources(), cols)
	require.NoError(t, idx.AddPage(&rqproto.NextPageResponse{
		SourceNodeID: "n1", PageNumber: 0, LastPage: true,
		Rows: []rqproto.Row{{10}},
	}))

	it := idx.NewIterator()
	rowCh := make(chan rqproto.Row, 1)
	go func() {
		row, ok, err := it.Next()
		require.NoError(t, err)
		require.True(t, ok)
		rowCh <- row
	}()

	select {
	case <-rowCh:
		t.Fatal("sorted iterator yielded before every source materialized a cursor")
	default:
	}

	require.NoError(t, idx.AddPage(&rqproto.NextPageResponse{
		SourceNodeID: "n2", PageNumber: 0, LastPage: true,
		Rows: []rqproto.Row{{1}},
	}))

	got := <-rowCh
	require.Equal(t, rqproto.Row{1}, got)
}

func TestSortedIndexFetchesSuccessorPageOnExhaustedCursor(t *testing.T) {
	cols := []rqproto.SortColumn{{Name: "id"}}
	idx := NewSorted([]SourceDescriptor{{Node: "n1", SegmentCount: 1}}, cols)
	fetched := false
	page := &rqproto.NextPageResponse{
		SourceNodeID: "n1", PageNumber: 0, LastPage: false,
		Rows: []rqproto.Row{{1}},
	}
	page.FetchNextPage = func() error {
		fetched = true
		return idx.AddPage(&rqproto.NextPageResponse{
			SourceNodeID: "n1", PageNumber: 1, LastPage: true,
			Rows: []rqproto.Row{{2}},
		})
	}
	require.NoError(t, idx.AddPage(page))

	it := idx.NewIterator()
	row, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rqproto.Row{1}, row)
	require.True(t, fetched)

	row, ok, err = it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rqproto.Row{2}, row)
}

func TestSortedIndexFetchesSuccessorOnEmptyNonLastPage(t *testing.T) {
	cols := []rqproto.SortColumn{{Name: "id"}}
	idx := NewSorted([]SourceDescriptor{{Node: "n1", SegmentCount: 1}}, cols)
	fetched := false
	empty := &rqproto.NextPageResponse{
		SourceNodeID: "n1", PageNumber: 0, LastPage: false,
		Rows: nil,
	}
	empty.FetchNextPage = func() error {
		fetched = true
		return idx.AddPage(&rqproto.NextPageResponse{
			SourceNodeID: "n1", PageNumber: 1, LastPage: true,
			Rows: []rqproto.Row{{7}},
		})
	}
	require.NoError(t, idx.AddPage(empty))
	require.True(t, fetched, "empty non-last page must trigger an immediate fetch of its successor")

	it := idx.NewIterator()
	row, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rqproto.Row{7}, row)

	_, ok, err = it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompareValuesNullOrdering(t *testing.T) {
	require.Equal(t, -1, compareValues(nil, 1, true))
	require.Equal(t, 1, compareValues(nil, 1, false))
	require.Equal(t, 1, compareValues(1, nil, true))
	require.Equal(t, -1, compareValues(1, nil, false))
	require.Equal(t, 0, compareValues(nil, nil, true))
}
