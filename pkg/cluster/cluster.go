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

// Package cluster declares the contracts of cluster membership/discovery
// and the partition mapper as external collaborators. This module never
// implements the real thing, only the interfaces the reducer drives them
// through, grounded on the shape of pkg/clusterservice/selector.go's
// read-only, versioned view of the cluster.
package cluster

import (
	"context"

	"github.com/latticedb/reduceql/pkg/rqproto"
)

// Mapping is the result of a successful partition-mapping call.
type Mapping struct {
	Nodes              []NodeID
	PartitionsMap      map[NodeID][]int32
	QueryPartitionsMap map[int32][]int32
}

// NodeID re-exports rqproto.NodeID so every package that speaks node
// identity, whether through cluster or rqproto, shares the same type.
type NodeID = rqproto.NodeID

// Mapper produces a node/partition mapping for a set of caches at a
// given topology version, or reports that the topology is unstable and
// the caller should retry.
type Mapper interface {
	Map(ctx context.Context, cacheIDs []int32, topologyVersion uint64,
		explicitPartitions []int32, replicatedOnly bool) (*Mapping, bool)
}

// QueryParallelism reports the configured parallelism (number of
// segments per node) of a partitioned cache, used to size how many
// source lanes a merge index expects from that node.
type QueryParallelism interface {
	Parallelism(cacheID int32) int
}

// Discovery answers node-liveness queries and lets the reducer subscribe
// to membership churn.
type Discovery interface {
	IsAlive(node NodeID) bool
	LocalNode() NodeID
	RandomNode(candidates []NodeID) (NodeID, bool)
	Subscribe(EventListener)
}

// EventKind distinguishes the membership/lifecycle events the reducer
// reacts to.
type EventKind int

const (
	EventNodeLeft EventKind = iota
	EventNodeFailed
	EventClientDisconnected
)

// Event is delivered to every subscribed EventListener.
type Event struct {
	Kind            EventKind
	Node            NodeID
	TopologyVersion uint64
	// ReconnectFuture resolves when a disconnected client's session is
	// re-established. The event listener accepts it but does not carry it
	// into the disconnect error it raises.
	ReconnectFuture <-chan struct{}
}

// EventListener is implemented by the reducer's event-integration
// component.
type EventListener interface {
	OnClusterEvent(Event)
}
