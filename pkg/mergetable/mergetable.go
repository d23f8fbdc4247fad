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

// Package mergetable implements the Merge Table Factory: it binds a
// merge index into the local SQL engine as a table visible to the
// reduce SQL statement.
package mergetable

import (
	"context"

	"github.com/latticedb/reduceql/pkg/mergeindex"
	"github.com/latticedb/reduceql/pkg/registry"
	"github.com/latticedb/reduceql/pkg/rqproto"
	"github.com/latticedb/reduceql/pkg/sqlengine"
)

// planColumn is the single column of an EXPLAIN map table.
var planColumn = []rqproto.ColumnMeta{{Name: "PLAN", Type: "string"}}

// Table is a merge index bound into the reducer connection as a fake
// table.
type Table struct {
	name    string
	cols    []rqproto.ColumnMeta
	idx     mergeindex.Index
	sortIdx bool
}

func (t *Table) Name() string                  { return t.name }
func (t *Table) Columns() []rqproto.ColumnMeta { return t.cols }
func (t *Table) HasScanIndex() bool            { return t.sortIdx }
func (t *Table) Index() mergeindex.Index       { return t.idx }

func (t *Table) Scan(ctx context.Context) sqlengine.FieldsIterator {
	return &tableIterator{ctx: ctx, cols: t.cols, it: t.idx.NewIterator()}
}

type tableIterator struct {
	ctx  context.Context
	cols []rqproto.ColumnMeta
	it   mergeindex.RowIterator
}

func (t *tableIterator) Next(ctx context.Context) (rqproto.Row, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
	}
	return t.it.Next()
}

func (t *tableIterator) Columns() []rqproto.ColumnMeta { return t.cols }
func (t *tableIterator) Close() error                  { return t.it.Close() }

// Factory creates merge tables and binds them into a connection's fake
// table registry.
type Factory struct {
	reg *registry.Registry
}

// NewFactory builds a Factory bound to a connection's registry.
func NewFactory(reg *registry.Registry) *Factory {
	return &Factory{reg: reg}
}

// Bind creates a merge table for mapQueryIndex backed by idx and
// registers it into the connection's fake table slot. explain forces
// the single-column PLAN schema.
func (f *Factory) Bind(mapQueryIndex int, cols []rqproto.ColumnMeta, idx mergeindex.Index, explain bool) *Table {
	name := registry.TableName(mapQueryIndex)
	tblCols := cols
	if explain {
		tblCols = planColumn
	}
	_, sorted := idx.(*mergeindex.SortedIndex)
	tbl := &Table{name: name, cols: tblCols, idx: idx, sortIdx: sorted}
	f.reg.EnsureSlot(mapQueryIndex).SetTable(tbl)
	return tbl
}
