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

// Package reducer composes the reduce-side coordinator's pieces
// (transport, merge indexes, run registries, the query and DML
// executors, event integration) behind the surface the local SQL
// engine layer drives: query, update, onMessage and onDisconnected.
// Releasing a run's remote resources happens inside the query executor
// and has no entry point here. Grounded on the top-level facade
// pkg/sql/compile/compile.go presents over scope dispatch.
package reducer

import (
	"context"

	"github.com/latticedb/reduceql/pkg/cluster"
	"github.com/latticedb/reduceql/pkg/events"
	"github.com/latticedb/reduceql/pkg/queryrun"
	"github.com/latticedb/reduceql/pkg/reduceexec"
	"github.com/latticedb/reduceql/pkg/registry"
	"github.com/latticedb/reduceql/pkg/rqconfig"
	"github.com/latticedb/reduceql/pkg/rqproto"
	"github.com/latticedb/reduceql/pkg/sqlengine"
	"github.com/latticedb/reduceql/pkg/transport"
	"github.com/latticedb/reduceql/pkg/updaterun"
)

// Coordinator is the reducer process's single entry point, one instance
// per node.
type Coordinator struct {
	Query      *reduceexec.Executor
	Update     *updaterun.Executor
	Transport  *transport.Adapter
	Listener   *events.Listener
	ReduceRuns *queryrun.Registry
	DmlRuns    *updaterun.Registry
}

// Deps bundles the external collaborators a Coordinator is built from.
type Deps struct {
	LocalNode    rqproto.NodeID
	Mapper       cluster.Mapper
	Discovery    cluster.Discovery
	Parallelism  cluster.QueryParallelism
	Messaging    transport.Messaging
	LocalExec    transport.LocalExecutor
	Versions     updaterun.NodeVersions
	Config       *rqconfig.Config
	TopologyNow  func() uint64
	SendPoolSize int
}

// New builds a Coordinator, wiring the transport adapter's inbound
// dispatch to the run registries via reduceexec.Sink.
func New(deps Deps) (*Coordinator, error) {
	if deps.Config == nil {
		deps.Config = rqconfig.Default()
	}
	reduceRuns := queryrun.NewRegistry()
	dmlRuns := updaterun.NewRegistry()

	sink := &reduceexec.Sink{ReduceRuns: reduceRuns, DmlRuns: dmlRuns, PageSize: deps.Config.PageSize}
	poolSize := deps.SendPoolSize
	if poolSize <= 0 {
		poolSize = 64
	}
	adapter, err := transport.New(deps.LocalNode, deps.Messaging, deps.LocalExec, sink, poolSize)
	if err != nil {
		return nil, err
	}
	sink.Transport = adapter

	queryExec := &reduceexec.Executor{
		LocalNode:   deps.LocalNode,
		Mapper:      deps.Mapper,
		Discovery:   deps.Discovery,
		Parallelism: deps.Parallelism,
		Transport:   adapter,
		Runs:        reduceRuns,
		Config:      deps.Config,
		TopologyNow: deps.TopologyNow,
	}
	dmlExec := &updaterun.Executor{
		LocalNode:   deps.LocalNode,
		Mapper:      deps.Mapper,
		Discovery:   deps.Discovery,
		Versions:    deps.Versions,
		Transport:   adapter,
		Runs:        dmlRuns,
		TopologyNow: deps.TopologyNow,
	}
	listener := events.New(reduceRuns, dmlRuns)
	deps.Discovery.Subscribe(listener)

	return &Coordinator{
		Query:      queryExec,
		Update:     dmlExec,
		Transport:  adapter,
		Listener:   listener,
		ReduceRuns: reduceRuns,
		DmlRuns:    dmlRuns,
	}, nil
}

// RunQuery dispatches a two-step distributed query and returns its result
// rows.
func (c *Coordinator) RunQuery(ctx context.Context, conn sqlengine.Connection, reg *registry.Registry, split *rqproto.SplitQuery, opts reduceexec.QueryOptions) (sqlengine.FieldsIterator, error) {
	return c.Query.Query(ctx, conn, reg, split, opts)
}

// RunUpdate dispatches a distributed DML statement and returns its
// aggregated affected-row count.
func (c *Coordinator) RunUpdate(ctx context.Context, sql string, params []any, schema string, cacheIDs []int32, tables []string, replicatedOnly bool, timeoutMs int64, cancel <-chan struct{}) (*updaterun.Result, error) {
	return c.Update.Update(ctx, sql, params, schema, cacheIDs, tables, replicatedOnly, timeoutMs, cancel)
}

// OnMessage demultiplexes an inbound message from source into the
// matching run's state.
func (c *Coordinator) OnMessage(source rqproto.NodeID, msg any) {
	c.Transport.OnMessage(source, msg)
}

// OnDisconnected fails every in-flight reduce run with a disconnect
// error and cancels every in-flight DML run. The reconnect future is not
// carried into either error.
func (c *Coordinator) OnDisconnected(reconnect <-chan struct{}) {
	c.Listener.OnClusterEvent(cluster.Event{Kind: cluster.EventClientDisconnected, ReconnectFuture: reconnect})
}

// Shutdown releases the transport adapter's worker pool.
func (c *Coordinator) Shutdown() {
	c.Transport.Shutdown()
}
