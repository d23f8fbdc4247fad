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

// Package events wires cluster membership churn and client-disconnect
// notifications into the run registries, grounded on the topology
// change callback in pkg/frontend/routine_manager.go generalized from a
// single-connection callback to reduce/DML run fan-out.
package events

import (
	"go.uber.org/zap"

	"github.com/latticedb/reduceql/pkg/cluster"
	"github.com/latticedb/reduceql/pkg/queryrun"
	"github.com/latticedb/reduceql/pkg/rqerr"
	"github.com/latticedb/reduceql/pkg/rqlog"
	"github.com/latticedb/reduceql/pkg/rqproto"
	"github.com/latticedb/reduceql/pkg/updaterun"
)

// Listener subscribes to cluster.Discovery and reacts to node departure
// and client disconnect by transitioning the affected runs.
type Listener struct {
	reduceRuns *queryrun.Registry
	dmlRuns    *updaterun.Registry
}

// New builds a Listener over the given run registries. Callers register
// it with a cluster.Discovery via Subscribe.
func New(reduceRuns *queryrun.Registry, dmlRuns *updaterun.Registry) *Listener {
	return &Listener{reduceRuns: reduceRuns, dmlRuns: dmlRuns}
}

// OnClusterEvent implements cluster.EventListener.
func (l *Listener) OnClusterEvent(ev cluster.Event) {
	switch ev.Kind {
	case cluster.EventNodeLeft, cluster.EventNodeFailed:
		l.onNodeGone(rqproto.NodeID(ev.Node), ev.TopologyVersion)
	case cluster.EventClientDisconnected:
		l.onClientDisconnected(ev.ReconnectFuture)
	}
}

// onNodeGone transitions every reduce run whose merge indexes name node
// to retry, and updates every DML run's responder accounting.
func (l *Listener) onNodeGone(node rqproto.NodeID, topologyVersion uint64) {
	for _, run := range l.reduceRuns.Snapshot() {
		if !run.NamesNode(node) {
			continue
		}
		cause := rqerr.NewNodeLeftRetry(string(node), topologyVersion)
		if run.TransitionRetry(queryrun.RetryInfo{
			TopologyVersion: topologyVersion,
			Node:            node,
			Cause:           cause,
		}) {
			rqlog.L().Info("reduce run transitioned to retry on node departure",
				zap.Uint64("requestId", uint64(run.RequestID)), zap.String("node", string(node)))
		}
	}
	for _, run := range l.dmlRuns.Snapshot() {
		if !run.NamesNode(node) {
			continue
		}
		run.OnNodeGone(node)
	}
}

// onClientDisconnected fails every tracked reduce run with a disconnect
// error and cancels every tracked DML run, which then completes with a
// cancellation error rather than a disconnect error; the reconnect future is not currently surfaced further since no
// component in this module resumes a run across a reconnect, but it is
// accepted here to match the external signal's shape.
func (l *Listener) onClientDisconnected(_ <-chan struct{}) {
	err := rqerr.NewClientDisconnected()
	for _, run := range l.reduceRuns.Snapshot() {
		run.TransitionDisconnected(err)
	}
	for _, run := range l.dmlRuns.Snapshot() {
		run.Cancel()
	}
	rqlog.L().Warn("client disconnected, failing all in-flight runs")
}
