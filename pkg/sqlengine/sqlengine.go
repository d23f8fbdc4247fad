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

// Package sqlengine declares the narrow contract this module needs from
// an underlying SQL engine treated as an external collaborator:
// statement execution, merge-table hosting and connection pooling. This
// module never implements a SQL engine, only drives one through these
// interfaces.
package sqlengine

import (
	"context"

	"github.com/latticedb/reduceql/pkg/rqproto"
)

// FieldsIterator wraps a local engine result set the way a normal
// (non-explain) reduce execution's result set is wrapped.
type FieldsIterator interface {
	Next(ctx context.Context) (rqproto.Row, bool, error)
	Columns() []rqproto.ColumnMeta
	Close() error
}

// Table is a reducer-local shell the engine can resolve by canonical
// name and scan like any other table.
type Table interface {
	Name() string
	Columns() []rqproto.ColumnMeta
	// HasScanIndex reports whether a secondary scan index was installed
	// alongside the sort order, letting the planner pick either.
	HasScanIndex() bool
	// Scan opens a fresh streaming read of the table's current contents.
	Scan(ctx context.Context) FieldsIterator
}

// Connection is the reducer-side SQL connection borrowed for the
// lifetime of one run.
type Connection interface {
	Schema() string
	SetEnforceJoinOrder(bool)
	// ExecuteReduce runs sql against the merge tables currently bound on
	// this connection and returns a streaming result.
	ExecuteReduce(ctx context.Context, sql string, params []any) (FieldsIterator, error)
	// ExplainPlan runs "EXPLAIN <sql>" and returns the plan as a single
	// string row; used for the reduce query of an EXPLAIN split (map
	// tables of such a split are read through ExecuteReduce).
	ExplainPlan(ctx context.Context, sql string) (string, error)
	Close() error
}
