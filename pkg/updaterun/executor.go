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

package updaterun

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/latticedb/reduceql/pkg/cluster"
	"github.com/latticedb/reduceql/pkg/rqerr"
	"github.com/latticedb/reduceql/pkg/rqlog"
	"github.com/latticedb/reduceql/pkg/rqproto"
	"github.com/latticedb/reduceql/pkg/transport"
)

// MinDmlNodeVersion is the lowest map-node version this coordinator
// trusts to execute server-side DML; older nodes force a client-side
// fallback.
const MinDmlNodeVersion = "1.0.0"

// NodeVersions answers the minimum-version pre-flight check; the
// cluster's version-reporting mechanism is an external collaborator.
type NodeVersions interface {
	Version(node rqproto.NodeID) string
}

// versionLess compares two dotted numeric version strings component by
// component (e.g. "9.2.0" < "10.0.0"), unlike a lexical string compare.
// A component that fails to parse as an integer falls back to a lexical
// compare of that component only, so non-numeric versions still order
// consistently rather than panicking.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var aPart, bPart string
		if i < len(as) {
			aPart = as[i]
		}
		if i < len(bs) {
			bPart = bs[i]
		}
		aNum, aErr := strconv.Atoi(aPart)
		bNum, bErr := strconv.Atoi(bPart)
		if aErr == nil && bErr == nil {
			if aNum != bNum {
				return aNum < bNum
			}
			continue
		}
		if aPart != bPart {
			return aPart < bPart
		}
	}
	return false
}

// Fallback is the sentinel updaterun.Update returns when a mapped node
// cannot execute server-side DML; the caller falls back to a
// client-side execution path.
var Fallback = &Result{Fallback: true}

// Executor dispatches distributed DML statements.
type Executor struct {
	LocalNode   rqproto.NodeID
	Mapper      cluster.Mapper
	Discovery   cluster.Discovery
	Versions    NodeVersions
	Transport   *transport.Adapter
	Runs        *Registry
	TopologyNow func() uint64

	idGen uint64
}

// Update runs the DML fan-out algorithm: map once (no retry loop),
// collapse replicated targets, pre-flight node versions, dispatch, and
// wait for the aggregated result.
func (e *Executor) Update(ctx context.Context, sql string, params []any, schema string, cacheIDs []int32, tables []string, replicatedOnly bool, timeoutMs int64, cancel <-chan struct{}) (*Result, error) {
	version := e.TopologyNow()
	mapping, ok := e.Mapper.Map(ctx, cacheIDs, version, nil, replicatedOnly)
	if !ok {
		return nil, rqerr.NewMappingExhausted("", nil)
	}
	nodes := mapping.Nodes
	if replicatedOnly {
		nodes = e.collapseToSingleNode(mapping.Nodes)
	}

	if e.Versions != nil {
		for _, n := range nodes {
			if v := e.Versions.Version(n); v != "" && versionLess(v, MinDmlNodeVersion) {
				rqlog.L().Warn("mapped node below minimum DML version, falling back to client-side execution",
					zap.String("node", string(n)), zap.String("version", v))
				return Fallback, nil
			}
		}
	}

	requestID := rqproto.QueryRequestID(atomic.AddUint64(&e.idGen, 1))
	req := &rqproto.DmlRequest{
		RequestID:       requestID,
		TopologyVersion: version,
		CacheIDs:        cacheIDs,
		Tables:          tables,
		Partitions:      mapping.PartitionsMap,
		SQL:             sql,
		Params:          params,
		Schema:          schema,
		TimeoutMs:       timeoutMs,
		Replicated:      replicatedOnly,
	}

	run := New(requestID, nodes)
	e.Runs.Put(run)

	if ok := e.Transport.Send(ctx, nodes, req, nil, false); !ok {
		e.Runs.Remove(requestID)
		return nil, rqerr.NewMapFailure(string(nodes[0]), "dispatch failed")
	}

	select {
	case <-run.Done():
	case <-cancel:
		run.Cancel()
		e.Transport.Send(context.Background(), nodes, &rqproto.QueryCancelRequest{RequestID: requestID}, nil, false)
		<-run.Done()
	case <-ctx.Done():
		run.Cancel()
		e.Transport.Send(context.Background(), nodes, &rqproto.QueryCancelRequest{RequestID: requestID}, nil, false)
	}

	e.Runs.Remove(requestID)
	result := run.Result()
	if result.Err != nil {
		return nil, result.Err
	}
	return &result, nil
}

func (e *Executor) collapseToSingleNode(nodes []rqproto.NodeID) []rqproto.NodeID {
	for _, n := range nodes {
		if n == e.LocalNode {
			return []rqproto.NodeID{n}
		}
	}
	if node, ok := e.Discovery.RandomNode(nodes); ok {
		return []rqproto.NodeID{node}
	}
	return nodes
}
