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

// Package reduceexec implements the Reduce Query Executor: the
// orchestrator that plans the fan-out of a split query, dispatches map
// requests, waits for responses under liveness polling, and drives
// either a direct streaming result or a local reduce SQL execution over
// the merge tables it assembled. Grounded on the scope-dispatch and
// wait loop in pkg/sql/compile/scopeRemoteRun.go and remoterun.go,
// generalized from a single remote scope run to the retrying,
// merge-index-backed fan-out this package implements.
package reduceexec

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/latticedb/reduceql/pkg/cluster"
	"github.com/latticedb/reduceql/pkg/mergeindex"
	"github.com/latticedb/reduceql/pkg/mergetable"
	"github.com/latticedb/reduceql/pkg/queryrun"
	"github.com/latticedb/reduceql/pkg/registry"
	"github.com/latticedb/reduceql/pkg/rqconfig"
	"github.com/latticedb/reduceql/pkg/rqerr"
	"github.com/latticedb/reduceql/pkg/rqlog"
	"github.com/latticedb/reduceql/pkg/rqproto"
	"github.com/latticedb/reduceql/pkg/sqlengine"
	"github.com/latticedb/reduceql/pkg/transport"
)

// afterFunc backs the retry loop's inter-attempt sleep; tests stub it
// with gostub to collapse a multi-attempt retry loop to real zero wall
// time instead of waiting out attempt*10ms per iteration.
var afterFunc = time.After

// Executor is the reduce-side coordinator. One Executor serves every
// query on a reducer process; per-run state lives in queryrun.Run.
type Executor struct {
	LocalNode    rqproto.NodeID
	Mapper       cluster.Mapper
	Discovery    cluster.Discovery
	Parallelism  cluster.QueryParallelism
	Transport    *transport.Adapter
	Runs         *queryrun.Registry
	Config       *rqconfig.Config
	TopologyNow  func() uint64 // current ready topology version

	idGen uint64
}

// TxSnapshot carries the SELECT-FOR-UPDATE / transactional context the
// transaction subsystem supplies for one query, when the split requires
// it. All fields are optional external-collaborator inputs.
type TxSnapshot struct {
	ForUpdate       bool
	LockedTopology  *uint64 // set only if the transaction has already pinned a version
	ClientFirst     bool
	ThreadID        int64
	SubjectID       [16]byte
	XID             [16]byte
	TaskNameHash    int64
	MvccSnapshot    []byte
}

// QueryOptions carries the per-call inputs beyond the split query
// itself.
type QueryOptions struct {
	Schema              string
	Params              []any
	TimeoutMs           int64
	ExplicitPartitions  []int32
	Cancel              <-chan struct{}
	Tx                  TxSnapshot
}

// Query runs the retry loop and returns a streaming result iterator, or
// an error per the taxonomy in rqerr.
func (e *Executor) Query(ctx context.Context, conn sqlengine.Connection, reg *registry.Registry, split *rqproto.SplitQuery, opts QueryOptions) (sqlengine.FieldsIterator, error) {
	if split.ReplicatedOnly && len(opts.ExplicitPartitions) > 0 {
		return nil, rqerr.NewReplicatedWithPartitions()
	}
	if split.SkipMergeTable && split.Explain {
		return nil, rqerr.NewSkipMergeTableWithExplain()
	}

	retryTimeout := e.Config.RetryTimeoutMs(opts.TimeoutMs)
	started := time.Now()
	factory := mergetable.NewFactory(reg)

	var lastCause error
	var lastNode rqproto.NodeID
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			rqlog.L().Debug("retrying reduce query",
				zap.Int("attempt", attempt), zap.String("node", string(lastNode)), zap.Error(lastCause))
			sleepFor := time.Duration(attempt*10) * time.Millisecond
			select {
			case <-afterFunc(sleepFor):
			case <-opts.Cancel:
				return nil, rqerr.NewCancelled(nil)
			case <-ctx.Done():
				return nil, rqerr.NewCancelled(ctx.Err())
			}
			if time.Since(started) > time.Duration(retryTimeout)*time.Millisecond {
				return nil, rqerr.NewMappingExhausted(string(lastNode), lastCause)
			}
		}

		version, err := e.topologyVersion(opts.Tx)
		if err != nil {
			return nil, err
		}

		mapping, ok, err := e.mapPartitions(ctx, split, version, opts)
		if err != nil {
			return nil, err
		}
		if !ok {
			lastCause = rqerr.NewNodeLeftRetry("", version)
			continue
		}

		segmentsPerIndex := 1
		if !split.ReplicatedOnly && !split.Explain && e.Parallelism != nil && len(split.CacheIDs) > 0 {
			segmentsPerIndex = e.Parallelism.Parallelism(split.CacheIDs[0])
			if segmentsPerIndex <= 0 {
				segmentsPerIndex = 1
			}
		}

		indexes, latchCount, err := e.assembleMergeTables(split, mapping, segmentsPerIndex, factory)
		if err != nil {
			return nil, err
		}

		requestID := rqproto.QueryRequestID(atomic.AddUint64(&e.idGen, 1))
		req := e.buildRequest(requestID, version, split, mapping, opts)

		run := queryrun.New(requestID, mapping.Nodes, indexes, latchCount)
		if split.ForUpdate {
			run.EnableSFU(mapping.Nodes)
		}
		e.Runs.Put(run)

		specialize := e.sfuSpecializer(split, opts, started, retryTimeout)
		sendOK := e.Transport.Send(ctx, mapping.Nodes, req, specialize, split.DistributedJoins)
		if !sendOK {
			e.Runs.Remove(requestID)
			for _, idx := range indexes {
				idx.Cancel(nil)
			}
			lastCause = rqerr.NewMapFailure(string(mapping.Nodes[0]), "dispatch to one or more mapped nodes failed")
			lastNode = mapping.Nodes[0]
			continue
		}

		// stopWatch keeps the cancel/ctx handler alive for the run's
		// whole life, not just the wait below: a caller can cancel
		// while draining the result iterator deliver returns, long
		// after this attempt's awaitReplies call has returned.
		stopWatch := e.watchCancellation(ctx, run, opts.Cancel)
		release := func() {
			stopWatch()
			e.releaseRun(run, split, mapping.Nodes, reg)
		}

		if err := e.awaitReplies(ctx, run, mapping.Nodes, opts.Cancel); err != nil {
			release()
			return nil, err
		}

		switch run.Status() {
		case queryrun.StatusRetry:
			info := run.RetryInfo()
			lastCause = info.Cause
			lastNode = info.Node
			release()
			continue
		case queryrun.StatusFailed, queryrun.StatusDisconnected:
			err := run.Err()
			release()
			return nil, err
		}

		if split.ForUpdate {
			if _, err := run.SFU.Wait(); err != nil {
				release()
				return nil, err
			}
		}

		return e.deliver(ctx, conn, run, split, opts, indexes, release)
	}
}

// watchCancellation spawns a goroutine that outlives awaitReplies and
// keeps watching cancel/ctx for as long as the run's remote resources
// are held, including while a caller drains the result iterator Query
// returns. The returned stop func is safe to call more than once and
// must be invoked exactly once the run is released.
func (e *Executor) watchCancellation(ctx context.Context, run *queryrun.Run, cancel <-chan struct{}) func() {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-cancel:
			run.TransitionFailed(rqerr.NewCancelled(nil))
		case <-ctx.Done():
			run.TransitionFailed(rqerr.NewCancelled(ctx.Err()))
		case <-stop:
		}
	}()
	return func() {
		once.Do(func() { close(stop) })
	}
}

func (e *Executor) topologyVersion(tx TxSnapshot) (uint64, error) {
	current := e.TopologyNow()
	if tx.ForUpdate && tx.LockedTopology != nil {
		if *tx.LockedTopology != current {
			return 0, rqerr.NewTransactionalTopologyChanged(*tx.LockedTopology, current)
		}
		return *tx.LockedTopology, nil
	}
	return current, nil
}

func (e *Executor) mapPartitions(ctx context.Context, split *rqproto.SplitQuery, version uint64, opts QueryOptions) (*cluster.Mapping, bool, error) {
	if split.Local {
		return &cluster.Mapping{Nodes: []rqproto.NodeID{e.LocalNode}}, true, nil
	}
	mapping, ok := e.Mapper.Map(ctx, split.CacheIDs, version, opts.ExplicitPartitions, split.ReplicatedOnly)
	if !ok {
		return nil, false, nil
	}
	if split.ReplicatedOnly || split.Explain {
		mapping = e.collapseToSingleNode(mapping)
	}
	return mapping, true, nil
}

// collapseToSingleNode narrows a mapping to one node, preferring the
// local node when it is among the mapped set.
func (e *Executor) collapseToSingleNode(m *cluster.Mapping) *cluster.Mapping {
	for _, n := range m.Nodes {
		if n == e.LocalNode {
			return &cluster.Mapping{Nodes: []rqproto.NodeID{n}, PartitionsMap: m.PartitionsMap, QueryPartitionsMap: m.QueryPartitionsMap}
		}
	}
	if node, ok := e.Discovery.RandomNode(m.Nodes); ok {
		return &cluster.Mapping{Nodes: []rqproto.NodeID{node}, PartitionsMap: m.PartitionsMap, QueryPartitionsMap: m.QueryPartitionsMap}
	}
	return m
}

// assembleMergeTables builds one merge index per map query and, unless
// skip-merge-table is set, binds each into the connection's fake table
// registry. It returns the completion latch size implied by the source
// lanes it created.
func (e *Executor) assembleMergeTables(split *rqproto.SplitQuery, mapping *cluster.Mapping, segmentsPerIndex int, factory *mergetable.Factory) ([]mergeindex.Index, int, error) {
	indexes := make([]mergeindex.Index, len(split.MapQueries))
	latchCount := 0
	for i, mq := range split.MapQueries {
		var sources []mergeindex.SourceDescriptor
		if mq.Partitioned {
			for _, n := range mapping.Nodes {
				sources = append(sources, mergeindex.SourceDescriptor{Node: n, SegmentCount: int32(segmentsPerIndex)})
			}
			latchCount += len(mapping.Nodes) * segmentsPerIndex
		} else {
			node := mapping.Nodes[0]
			if len(mapping.Nodes) > 1 {
				if n, ok := e.Discovery.RandomNode(mapping.Nodes); ok {
					node = n
				}
			}
			sources = []mergeindex.SourceDescriptor{{Node: node, SegmentCount: 1}}
			latchCount++
		}

		var idx mergeindex.Index
		switch {
		case split.SkipMergeTable:
			idx = mergeindex.NewUnsorted(sources)
		case len(mq.SortColumns) > 0:
			idx = mergeindex.NewSorted(sources, mq.SortColumns)
			factory.Bind(i, mq.Columns, idx, split.Explain)
		default:
			idx = mergeindex.NewUnsorted(sources)
			factory.Bind(i, mq.Columns, idx, split.Explain)
		}
		indexes[i] = idx
	}
	if split.ReplicatedOnly {
		latchCount = 1
	}
	return indexes, latchCount, nil
}

// buildRequest does not de-duplicate textually identical map queries:
// each keeps its own index in the request, as a deliberate
// non-optimization.
func (e *Executor) buildRequest(id rqproto.QueryRequestID, version uint64, split *rqproto.SplitQuery, mapping *cluster.Mapping, opts QueryOptions) *rqproto.QueryRequest {
	mapQueries := split.MapQueries
	if split.Explain {
		wrapped := make([]rqproto.MapQuery, len(split.MapQueries))
		for i, mq := range split.MapQueries {
			wrapped[i] = mq
			wrapped[i].SQL = "EXPLAIN " + mq.SQL
		}
		mapQueries = wrapped
	}
	var tables []string
	if split.DistributedJoins {
		tables = split.Tables
	}
	return &rqproto.QueryRequest{
		RequestID:        id,
		TopologyVersion:  version,
		PageSize:         e.Config.PageSize,
		CacheIDs:         split.CacheIDs,
		Tables:           tables,
		Partitions:       mapping.PartitionsMap,
		MapQueries:       mapQueries,
		Params:           opts.Params,
		Schema:           opts.Schema,
		TimeoutMs:        opts.TimeoutMs,
		Local:            split.Local,
		Replicated:       split.ReplicatedOnly,
		Explain:          split.Explain,
		DistributedJoins: split.DistributedJoins,
		Lazy:             split.Lazy && len(split.MapQueries) == 1,
		EnforceJoinOrder: true,
		MvccSnapshot:     opts.Tx.MvccSnapshot,
	}
}

// sfuSpecializer returns a per-node message specializer attaching
// SELECT-FOR-UPDATE transaction details, or nil when the split does not
// require it.
func (e *Executor) sfuSpecializer(split *rqproto.SplitQuery, opts QueryOptions, started time.Time, retryTimeout int64) func(rqproto.NodeID, any) any {
	if !split.ForUpdate {
		return nil
	}
	var counter int64
	return func(node rqproto.NodeID, msg any) any {
		req, ok := msg.(*rqproto.QueryRequest)
		if !ok {
			return msg
		}
		clone := *req
		counter++
		elapsed := time.Since(started)
		timeLeft := time.Duration(retryTimeout)*time.Millisecond - elapsed
		if timeLeft < 0 {
			timeLeft = 0
		}
		clone.SFU = &rqproto.SFUDetails{
			ThreadID:     opts.Tx.ThreadID,
			UUID:         uuid.New(),
			Counter:      counter,
			SubjectID:    opts.Tx.SubjectID,
			XID:          opts.Tx.XID,
			TaskNameHash: opts.Tx.TaskNameHash,
			ClientFirst:  opts.Tx.ClientFirst,
			TimeLeftMs:   timeLeft.Milliseconds(),
		}
		return &clone
	}
}

// awaitReplies blocks on the run's completion latch with a liveness
// poll tick, per the polling loop this executor drives.
func (e *Executor) awaitReplies(ctx context.Context, run *queryrun.Run, nodes []rqproto.NodeID, cancel <-chan struct{}) error {
	interval := time.Duration(e.Config.PollIntervalMillis) * time.Millisecond
	if interval <= 0 {
		interval = time.Duration(rqconfig.DefaultPollIntervalMs) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := run.Latch.Done()
	for {
		select {
		case <-done:
			return nil
		case <-cancel:
			run.TransitionFailed(rqerr.NewCancelled(nil))
			return rqerr.NewCancelled(nil)
		case <-ctx.Done():
			run.TransitionFailed(rqerr.NewCancelled(ctx.Err()))
			return rqerr.NewCancelled(ctx.Err())
		case <-ticker.C:
			for _, n := range nodes {
				if n == e.LocalNode {
					continue
				}
				if !e.Discovery.IsAlive(n) {
					e.handleNodeLeft(run, n)
					return nil
				}
			}
		}
	}
}

// handleNodeLeft transitions run to StatusRetry and forces its latch to
// zero so the caller's await loop unblocks immediately.
func (e *Executor) handleNodeLeft(run *queryrun.Run, node rqproto.NodeID) {
	version := e.TopologyNow()
	cause := rqerr.NewNodeLeftRetry(string(node), version)
	if run.TransitionRetry(queryrun.RetryInfo{TopologyVersion: version, Node: node, Cause: cause}) {
		rqlog.L().Info("node left mid-query, run will retry",
			zap.Uint64("requestId", uint64(run.RequestID)), zap.String("node", string(node)))
	}
}

// deliver produces the caller-facing result once dispatch and wait have
// succeeded, either as a raw streaming iterator over the merge indexes
// (skip-merge-table) or as a reduce SQL execution over the merge
// tables.
func (e *Executor) deliver(ctx context.Context, conn sqlengine.Connection, run *queryrun.Run, split *rqproto.SplitQuery, opts QueryOptions, indexes []mergeindex.Index, release func()) (sqlengine.FieldsIterator, error) {
	if split.SkipMergeTable {
		it := newIndexIterator(indexes, split.MapQueries, run, release)
		return it, nil
	}

	conn.SetEnforceJoinOrder(split.EnforceJoinOrder)

	if split.Explain {
		plan, err := e.explainPlan(ctx, conn, split, opts.TimeoutMs)
		release()
		if err != nil {
			return nil, err
		}
		return plan, nil
	}

	execCtx, cancel := boundedContext(ctx, opts.TimeoutMs)
	defer cancel()
	fields, err := conn.ExecuteReduce(execCtx, split.ReduceQuery, opts.Params)
	if err != nil {
		release()
		return nil, err
	}
	return &releaseOnCloseIterator{FieldsIterator: fields, release: release}, nil
}

// boundedContext derives a context that expires at the request's
// timeout, mirroring rqproto.Deadline's "non-positive timeout means no
// deadline" rule. The returned cancel func is always safe to defer.
func boundedContext(ctx context.Context, timeoutMs int64) (context.Context, context.CancelFunc) {
	deadline, ok := rqproto.Deadline(time.Now(), timeoutMs)
	if !ok {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// explainPlan assembles the concatenated plan text: one row per map
// table's already-executed EXPLAIN, plus a local EXPLAIN of the reduce
// query.
func (e *Executor) explainPlan(ctx context.Context, conn sqlengine.Connection, split *rqproto.SplitQuery, timeoutMs int64) (sqlengine.FieldsIterator, error) {
	execCtx, cancel := boundedContext(ctx, timeoutMs)
	defer cancel()
	var rows []rqproto.Row
	for i := range split.MapQueries {
		tableName := registry.TableName(i)
		it, err := conn.ExecuteReduce(execCtx, "SELECT PLAN FROM "+tableName, nil)
		if err != nil {
			return nil, err
		}
		for {
			row, ok, err := it.Next(execCtx)
			if err != nil {
				it.Close()
				return nil, err
			}
			if !ok {
				break
			}
			rows = append(rows, row)
		}
		it.Close()
	}
	reducePlan, err := conn.ExplainPlan(execCtx, split.ReduceQuery)
	if err != nil {
		return nil, err
	}
	rows = append(rows, rqproto.Row{reducePlan})
	return newStaticIterator(rows, []rqproto.ColumnMeta{{Name: "PLAN", Type: "string"}}), nil
}

// releaseRun broadcasts a cancel request if distributed joins are in
// play or any merge index still has unread data, then removes the run
// and nulls out the merge tables it bound.
func (e *Executor) releaseRun(run *queryrun.Run, split *rqproto.SplitQuery, nodes []rqproto.NodeID, reg *registry.Registry) {
	if split.DistributedJoins || run.HasUnreadData() {
		e.Transport.Send(context.Background(), nodes, &rqproto.QueryCancelRequest{RequestID: run.RequestID}, nil, false)
	}
	e.Runs.Remove(run.RequestID)
	run.TransitionCompleted()
	reg.ReleaseRun(len(split.MapQueries))
}
