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

// Package transport implements the Message Transport Adapter: the
// network substrate and the map-side executor are external
// collaborators, and this package only owns the fan-out, per-node
// specialization, local short-circuit and inbound demultiplexing logic
// on top of them.
package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/latticedb/reduceql/pkg/rqlog"
	"github.com/latticedb/reduceql/pkg/rqproto"
)

// Messaging is the topic-addressed send primitive the messaging layer
// provides as an external collaborator.
type Messaging interface {
	Send(ctx context.Context, node rqproto.NodeID, msg any) error
}

// LocalExecutor is the in-process entry point of the map-side executor
// when it happens to be co-located with the reducer.
type LocalExecutor interface {
	HandleLocal(ctx context.Context, msg any) error
}

// MessageSink receives demultiplexed inbound messages. The reducer's run
// registries implement this.
type MessageSink interface {
	OnNextPage(source rqproto.NodeID, resp *rqproto.NextPageResponse)
	OnFail(source rqproto.NodeID, resp *rqproto.FailResponse)
	OnDml(source rqproto.NodeID, resp *rqproto.DmlResponse)
	// KnowsRequest reports whether requestID names a run this sink still
	// tracks; messages naming a request it does not track are silently
	// dropped.
	KnowsRequest(requestID rqproto.QueryRequestID) bool
}

// Adapter is the reducer-side Message Transport Adapter.
type Adapter struct {
	local    rqproto.NodeID
	net      Messaging
	executor LocalExecutor
	sink     MessageSink
	pool     *ants.Pool

	// busy guards dispatch against shutdown: readers are concurrent
	// in-flight dispatches, the writer is Shutdown.
	busy   sync.RWMutex
	closed atomic.Bool
}

// New builds an Adapter. poolSize bounds the number of goroutines used to
// fan a single Send call out across nodes (grounded on the worker pool
// pattern in pkg/vm/engine/tae/logstore/driver/logservicedriver/driver.go).
func New(local rqproto.NodeID, net Messaging, executor LocalExecutor, sink MessageSink, poolSize int) (*Adapter, error) {
	pool, err := ants.NewPool(poolSize, ants.WithPreAlloc(false))
	if err != nil {
		return nil, err
	}
	return &Adapter{local: local, net: net, executor: executor, sink: sink, pool: pool}, nil
}

// Send delivers msg to every node in nodes, optionally specializing the
// payload per recipient. It returns true iff every delivery succeeded;
// the orchestrator treats false as a retry signal.
func (a *Adapter) Send(ctx context.Context, nodes []rqproto.NodeID, msg any, specialize func(rqproto.NodeID, any) any, runLocalInParallel bool) bool {
	if len(nodes) == 0 {
		return true
	}
	var wg sync.WaitGroup
	var failed atomic.Bool
	deliver := func(node rqproto.NodeID) {
		defer wg.Done()
		payload := msg
		if specialize != nil {
			payload = specialize(node, msg)
		}
		if node == a.local {
			if err := a.executor.HandleLocal(ctx, payload); err != nil {
				rqlog.L().Warn("local map dispatch failed", zap.String("node", string(node)), zap.Error(err))
				failed.Store(true)
			}
			return
		}
		if err := a.net.Send(ctx, node, payload); err != nil {
			rqlog.L().Warn("remote map dispatch failed", zap.String("node", string(node)), zap.Error(err))
			failed.Store(true)
		}
	}
	for _, node := range nodes {
		node := node
		if node == a.local && !runLocalInParallel {
			wg.Add(1)
			deliver(node)
			continue
		}
		wg.Add(1)
		if err := a.pool.Submit(func() { deliver(node) }); err != nil {
			// Pool saturated/closed: fall back to running inline rather
			// than silently dropping the delivery.
			deliver(node)
		}
	}
	wg.Wait()
	return !failed.Load()
}

// OnMessage dispatches one inbound message by kind. Messages naming a
// run the sink no longer tracks are dropped without error; the source
// node itself is not checked, so a message from a departed node that
// names a tracked run is still dispatched.
func (a *Adapter) OnMessage(source rqproto.NodeID, msg any) {
	a.busy.RLock()
	defer a.busy.RUnlock()
	if a.closed.Load() {
		return
	}
	switch m := msg.(type) {
	case *rqproto.NextPageResponse:
		if !a.sink.KnowsRequest(m.RequestID) {
			return
		}
		a.sink.OnNextPage(source, m)
	case *rqproto.FailResponse:
		if !a.sink.KnowsRequest(m.RequestID) {
			return
		}
		a.sink.OnFail(source, m)
	case *rqproto.DmlResponse:
		if !a.sink.KnowsRequest(m.RequestID) {
			return
		}
		a.sink.OnDml(source, m)
	default:
		rqlog.L().Warn("dropping message of unrecognized kind from node", zap.String("node", string(source)))
	}
}

// Shutdown blocks new dispatch from starting and waits for in-flight
// dispatch to drain, then releases the underlying pool.
func (a *Adapter) Shutdown() {
	a.closed.Store(true)
	a.busy.Lock()
	defer a.busy.Unlock()
	a.pool.Release()
}
