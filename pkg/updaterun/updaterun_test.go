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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/reduceql/pkg/rqproto"
)

func waitDone(t *testing.T, r *Run) Result {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("run never completed")
	}
	return r.Result()
}

func TestOnResponseSumsAffectedRowsAcrossNodes(t *testing.T) {
	r := New(1, []rqproto.NodeID{"n1", "n2"})
	r.OnResponse(&rqproto.DmlResponse{SourceNodeID: "n1", AffectedRows: 3})
	r.OnResponse(&rqproto.DmlResponse{SourceNodeID: "n2", AffectedRows: 4})

	res := waitDone(t, r)
	require.NoError(t, res.Err)
	require.Equal(t, int64(7), res.AffectedRows)
}

func TestOnResponseWithErrorMessageFailsImmediately(t *testing.T) {
	r := New(1, []rqproto.NodeID{"n1", "n2"})
	r.OnResponse(&rqproto.DmlResponse{SourceNodeID: "n1", ErrorMessage: "constraint violated"})

	res := waitDone(t, r)
	require.Error(t, res.Err)
	require.Contains(t, res.Err.Error(), "constraint violated")
}

func TestOnResponseFromUntrackedNodeIsIgnored(t *testing.T) {
	r := New(1, []rqproto.NodeID{"n1"})
	r.OnResponse(&rqproto.DmlResponse{SourceNodeID: "stranger", AffectedRows: 100})
	select {
	case <-r.Done():
		t.Fatal("run completed from a response naming an untracked node")
	case <-time.After(20 * time.Millisecond):
	}
	r.OnResponse(&rqproto.DmlResponse{SourceNodeID: "n1", AffectedRows: 1})
	res := waitDone(t, r)
	require.Equal(t, int64(1), res.AffectedRows)
}

func TestOnNodeGoneCompletesRunWithPartialTotal(t *testing.T) {
	r := New(1, []rqproto.NodeID{"n1", "n2"})
	r.OnResponse(&rqproto.DmlResponse{SourceNodeID: "n1", AffectedRows: 5})
	r.OnNodeGone("n2")

	res := waitDone(t, r)
	require.NoError(t, res.Err)
	require.Equal(t, int64(5), res.AffectedRows)
}

func TestCancelCompletesWithCancelledError(t *testing.T) {
	r := New(1, []rqproto.NodeID{"n1"})
	r.Cancel()
	res := waitDone(t, r)
	require.Error(t, res.Err)
}

func TestFinishIsIdempotent(t *testing.T) {
	r := New(1, []rqproto.NodeID{"n1"})
	r.OnResponse(&rqproto.DmlResponse{SourceNodeID: "n1", AffectedRows: 9})
	r.Cancel() // must not overwrite the already-finished result
	res := waitDone(t, r)
	require.NoError(t, res.Err)
	require.Equal(t, int64(9), res.AffectedRows)
}

func TestNamesNode(t *testing.T) {
	r := New(1, []rqproto.NodeID{"n1"})
	require.True(t, r.NamesNode("n1"))
	require.False(t, r.NamesNode("n2"))
}

func TestFallbackSentinelIsDistinctFromZeroRowSuccess(t *testing.T) {
	require.True(t, Fallback.Fallback)
	genuine := Result{AffectedRows: 0, Fallback: false}
	require.NotEqual(t, *Fallback, genuine)
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	r := New(42, []rqproto.NodeID{"n1"})
	reg.Put(r)

	got, ok := reg.Get(42)
	require.True(t, ok)
	require.Same(t, r, got)
	require.Len(t, reg.Snapshot(), 1)

	reg.Remove(42)
	_, ok = reg.Get(42)
	require.False(t, ok)
}
