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

package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/reduceql/pkg/cluster"
	"github.com/latticedb/reduceql/pkg/mergeindex"
	"github.com/latticedb/reduceql/pkg/queryrun"
	"github.com/latticedb/reduceql/pkg/rqproto"
	"github.com/latticedb/reduceql/pkg/updaterun"
)

func newReduceRun(id rqproto.QueryRequestID, node rqproto.NodeID) *queryrun.Run {
	idx := mergeindex.NewUnsorted([]mergeindex.SourceDescriptor{{Node: node, SegmentCount: 1}})
	return queryrun.New(id, []rqproto.NodeID{node}, []mergeindex.Index{idx}, 1)
}

func TestOnClusterEventNodeLeftTransitionsMatchingReduceRunsOnly(t *testing.T) {
	reduceRuns := queryrun.NewRegistry()
	dmlRuns := updaterun.NewRegistry()
	l := New(reduceRuns, dmlRuns)

	affected := newReduceRun(1, "n1")
	unaffected := newReduceRun(2, "n2")
	reduceRuns.Put(affected)
	reduceRuns.Put(unaffected)

	l.OnClusterEvent(cluster.Event{Kind: cluster.EventNodeLeft, Node: "n1", TopologyVersion: 5})

	require.Equal(t, queryrun.StatusRetry, affected.Status())
	require.Equal(t, queryrun.StatusRunning, unaffected.Status())
	require.Equal(t, "n1", string(affected.RetryInfo().Node))
	require.Equal(t, uint64(5), affected.RetryInfo().TopologyVersion)
}

func TestOnClusterEventNodeFailedUpdatesDmlRuns(t *testing.T) {
	reduceRuns := queryrun.NewRegistry()
	dmlRuns := updaterun.NewRegistry()
	l := New(reduceRuns, dmlRuns)

	run := updaterun.New(1, []rqproto.NodeID{"n1", "n2"})
	run.OnResponse(&rqproto.DmlResponse{SourceNodeID: "n1", AffectedRows: 3})
	dmlRuns.Put(run)

	l.OnClusterEvent(cluster.Event{Kind: cluster.EventNodeFailed, Node: "n2", TopologyVersion: 1})

	select {
	case <-run.Done():
	default:
		t.Fatal("DML run did not complete after its remaining node was reported gone")
	}
	res := run.Result()
	require.Equal(t, int64(3), res.AffectedRows)
}

func TestOnClusterEventClientDisconnectedFailsEveryRun(t *testing.T) {
	reduceRuns := queryrun.NewRegistry()
	dmlRuns := updaterun.NewRegistry()
	l := New(reduceRuns, dmlRuns)

	reduceRun := newReduceRun(1, "n1")
	reduceRuns.Put(reduceRun)
	dmlRun := updaterun.New(2, []rqproto.NodeID{"n1"})
	dmlRuns.Put(dmlRun)

	l.OnClusterEvent(cluster.Event{Kind: cluster.EventClientDisconnected})

	require.Equal(t, queryrun.StatusDisconnected, reduceRun.Status())
	select {
	case <-dmlRun.Done():
	default:
		t.Fatal("DML run was not cancelled on client disconnect")
	}
}
