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
	"sync"

	"github.com/latticedb/reduceql/pkg/cluster"
	"github.com/latticedb/reduceql/pkg/rqproto"
	"github.com/latticedb/reduceql/pkg/sqlengine"
)

// scriptedMapper replays a fixed sequence of Map results; the last entry
// repeats once exhausted.
type scriptedMapper struct {
	mu      sync.Mutex
	results []mapResult
	calls   int
}

type mapResult struct {
	mapping *cluster.Mapping
	ok      bool
}

func (m *scriptedMapper) Map(ctx context.Context, cacheIDs []int32, topologyVersion uint64, explicitPartitions []int32, replicatedOnly bool) (*cluster.Mapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.calls
	if idx >= len(m.results) {
		idx = len(m.results) - 1
	}
	m.calls++
	r := m.results[idx]
	return r.mapping, r.ok
}

type scriptedDiscovery struct {
	local rqproto.NodeID

	mu    sync.Mutex
	alive map[rqproto.NodeID]bool
}

func newScriptedDiscovery(local rqproto.NodeID) *scriptedDiscovery {
	return &scriptedDiscovery{local: local, alive: make(map[rqproto.NodeID]bool)}
}

func (d *scriptedDiscovery) setAlive(node rqproto.NodeID, alive bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alive[node] = alive
}

func (d *scriptedDiscovery) IsAlive(node rqproto.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	alive, ok := d.alive[node]
	if !ok {
		return true
	}
	return alive
}

func (d *scriptedDiscovery) LocalNode() rqproto.NodeID { return d.local }

func (d *scriptedDiscovery) RandomNode(candidates []rqproto.NodeID) (rqproto.NodeID, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[0], true
}

func (d *scriptedDiscovery) Subscribe(cluster.EventListener) {}

type fixedParallelism struct{ n int }

func (p fixedParallelism) Parallelism(int32) int { return p.n }

type recordingMessaging struct {
	mu   sync.Mutex
	sent []rqproto.NodeID
	fail map[rqproto.NodeID]bool
}

func newRecordingMessaging() *recordingMessaging {
	return &recordingMessaging{fail: make(map[rqproto.NodeID]bool)}
}

func (m *recordingMessaging) Send(ctx context.Context, node rqproto.NodeID, msg any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, node)
	if m.fail[node] {
		return context.DeadlineExceeded
	}
	return nil
}

func (m *recordingMessaging) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type noopLocalExecutor struct{}

func (noopLocalExecutor) HandleLocal(ctx context.Context, msg any) error { return nil }

type noopSink struct{}

func (noopSink) OnNextPage(rqproto.NodeID, *rqproto.NextPageResponse) {}
func (noopSink) OnFail(rqproto.NodeID, *rqproto.FailResponse)         {}
func (noopSink) OnDml(rqproto.NodeID, *rqproto.DmlResponse)           {}
func (noopSink) KnowsRequest(rqproto.QueryRequestID) bool             { return false }

// fakeConnection is a minimal sqlengine.Connection double: it never reads
// the bound merge tables (that plumbing belongs to the external SQL
// engine), it only records what the executor asked of it.
type fakeConnection struct {
	mu               sync.Mutex
	enforceJoinOrder bool
	executed         []string
	explained        []string
	explainResult    string
}

func (c *fakeConnection) Schema() string { return "s" }

func (c *fakeConnection) SetEnforceJoinOrder(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enforceJoinOrder = v
}

func (c *fakeConnection) ExecuteReduce(ctx context.Context, sql string, params []any) (sqlengine.FieldsIterator, error) {
	c.mu.Lock()
	c.executed = append(c.executed, sql)
	c.mu.Unlock()
	return &staticFieldsIterator{rows: []rqproto.Row{{"ok"}}, cols: []rqproto.ColumnMeta{{Name: "v", Type: "string"}}}, nil
}

func (c *fakeConnection) ExplainPlan(ctx context.Context, sql string) (string, error) {
	c.mu.Lock()
	c.explained = append(c.explained, sql)
	c.mu.Unlock()
	return c.explainResult, nil
}

func (c *fakeConnection) Close() error { return nil }

type staticFieldsIterator struct {
	rows []rqproto.Row
	cols []rqproto.ColumnMeta
	pos  int
}

func (it *staticFieldsIterator) Next(context.Context) (rqproto.Row, bool, error) {
	if it.pos >= len(it.rows) {
		return nil, false, nil
	}
	row := it.rows[it.pos]
	it.pos++
	return row, true, nil
}

func (it *staticFieldsIterator) Columns() []rqproto.ColumnMeta { return it.cols }
func (it *staticFieldsIterator) Close() error                  { return nil }
