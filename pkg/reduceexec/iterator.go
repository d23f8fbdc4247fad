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

package reduceexec

import (
	"context"

	"github.com/latticedb/reduceql/pkg/mergeindex"
	"github.com/latticedb/reduceql/pkg/queryrun"
	"github.com/latticedb/reduceql/pkg/rqproto"
	"github.com/latticedb/reduceql/pkg/sqlengine"
)

// indexIterator drains a run's merge indexes directly, one after
// another in map-query order, for the skip-merge-table fast path.
// Ownership of the run's remote resources transfers to it: closing it,
// or draining it to exhaustion, triggers release exactly once.
type indexIterator struct {
	indexes []mergeindex.Index
	cols    [][]rqproto.ColumnMeta
	run     *queryrun.Run
	release func()
	closed  bool

	pos int
	cur mergeindex.RowIterator
}

func newIndexIterator(indexes []mergeindex.Index, mapQueries []rqproto.MapQuery, run *queryrun.Run, release func()) *indexIterator {
	cols := make([][]rqproto.ColumnMeta, len(mapQueries))
	for i, mq := range mapQueries {
		cols[i] = mq.Columns
	}
	return &indexIterator{indexes: indexes, cols: cols, run: run, release: release}
}

func (it *indexIterator) Columns() []rqproto.ColumnMeta {
	if len(it.cols) == 0 {
		return nil
	}
	return it.cols[0]
}

func (it *indexIterator) Next(ctx context.Context) (rqproto.Row, bool, error) {
	select {
	case <-ctx.Done():
		it.finish()
		return nil, false, ctx.Err()
	default:
	}
	for {
		if it.closed {
			return nil, false, nil
		}
		if it.cur == nil {
			if it.pos >= len(it.indexes) {
				it.finish()
				return nil, false, nil
			}
			it.cur = it.indexes[it.pos].NewIterator()
		}
		row, ok, err := it.cur.Next()
		if err != nil {
			it.finish()
			return nil, false, err
		}
		if !ok {
			it.cur.Close()
			it.cur = nil
			it.pos++
			continue
		}
		return row, true, nil
	}
}

func (it *indexIterator) Close() error {
	if it.closed {
		return nil
	}
	if it.cur != nil {
		it.cur.Close()
	}
	it.finish()
	return nil
}

func (it *indexIterator) finish() {
	if it.closed {
		return
	}
	it.closed = true
	it.release()
}

// releaseOnCloseIterator wraps a reduce-SQL result set so that closing
// or exhausting it releases the run's remote resources exactly once.
type releaseOnCloseIterator struct {
	sqlengine.FieldsIterator
	release func()
	done    bool
}

func (it *releaseOnCloseIterator) Next(ctx context.Context) (rqproto.Row, bool, error) {
	row, ok, err := it.FieldsIterator.Next(ctx)
	if !ok || err != nil {
		it.finish()
	}
	return row, ok, err
}

func (it *releaseOnCloseIterator) Close() error {
	err := it.FieldsIterator.Close()
	it.finish()
	return err
}

func (it *releaseOnCloseIterator) finish() {
	if it.done {
		return
	}
	it.done = true
	it.release()
}

// staticIterator serves a pre-materialized row set, used for EXPLAIN
// results assembled from multiple remote plans plus a local one.
type staticIterator struct {
	rows []rqproto.Row
	cols []rqproto.ColumnMeta
	pos  int
}

func newStaticIterator(rows []rqproto.Row, cols []rqproto.ColumnMeta) *staticIterator {
	return &staticIterator{rows: rows, cols: cols}
}

func (it *staticIterator) Columns() []rqproto.ColumnMeta { return it.cols }

func (it *staticIterator) Next(context.Context) (rqproto.Row, bool, error) {
	if it.pos >= len(it.rows) {
		return nil, false, nil
	}
	row := it.rows[it.pos]
	it.pos++
	return row, true, nil
}

func (it *staticIterator) Close() error { return nil }
