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

	"go.uber.org/zap"

	"github.com/latticedb/reduceql/pkg/queryrun"
	"github.com/latticedb/reduceql/pkg/rqerr"
	"github.com/latticedb/reduceql/pkg/rqlog"
	"github.com/latticedb/reduceql/pkg/rqproto"
	"github.com/latticedb/reduceql/pkg/transport"
	"github.com/latticedb/reduceql/pkg/updaterun"
)

// Sink demultiplexes inbound messages from the transport adapter into
// the reduce-run and DML-run registries, implementing
// transport.MessageSink.
type Sink struct {
	ReduceRuns *queryrun.Registry
	DmlRuns    *updaterun.Registry
	Transport  *transport.Adapter
	PageSize   int
}

// KnowsRequest reports whether requestID names a run either registry
// still tracks.
func (s *Sink) KnowsRequest(requestID rqproto.QueryRequestID) bool {
	if _, ok := s.ReduceRuns.Get(requestID); ok {
		return true
	}
	_, ok := s.DmlRuns.Get(requestID)
	return ok
}

// OnNextPage attributes one page to its run's merge index. A page
// numbered 0 also decrements the run's completion latch, per the
// first-page-only counting rule.
func (s *Sink) OnNextPage(source rqproto.NodeID, resp *rqproto.NextPageResponse) {
	run, ok := s.ReduceRuns.Get(resp.RequestID)
	if !ok {
		return
	}
	if run.Status() != queryrun.StatusRunning {
		return
	}
	if resp.Retry {
		cause := resp.RetryCause
		if cause == nil {
			cause = rqerr.NewNodeLeftRetry(string(source), 0)
		}
		run.TransitionRetry(queryrun.RetryInfo{Node: source, Cause: cause})
		return
	}
	if resp.HasSFURowCount && run.SFU != nil {
		run.SFU.OnResult(source, resp.AllRowsForSFU)
	}
	if resp.MapQueryIndex < 0 || resp.MapQueryIndex >= len(run.Indexes) {
		rqlog.L().Warn("page names an unknown map query index", zap.Int("mapQueryIndex", resp.MapQueryIndex))
		return
	}
	idx := run.Indexes[resp.MapQueryIndex]
	page := resp
	page.FetchNextPage = s.fetchNextPageFunc(run, source, resp)
	if err := idx.AddPage(page); err != nil {
		if _, ok := err.(*rqerr.Error); !ok {
			err = rqerr.NewMapFailure(string(source), err.Error())
		}
		run.TransitionFailed(err)
		return
	}
	if resp.PageNumber == 0 {
		run.Latch.CountDown()
	}
}

// fetchNextPageFunc closes over the run and page identity so a merge
// index iterator can pull the successor page without holding a
// reference back into the orchestrator; it resolves the run through the
// registry each time, no-ops once the run is gone, and returns a
// cancellation error once the run is no longer running.
func (s *Sink) fetchNextPageFunc(run *queryrun.Run, source rqproto.NodeID, resp *rqproto.NextPageResponse) func() error {
	return func() error {
		if _, ok := s.ReduceRuns.Get(run.RequestID); !ok {
			return nil
		}
		if run.Status() != queryrun.StatusRunning {
			return rqerr.NewCancelled(nil)
		}
		req := &rqproto.NextPageRequest{
			RequestID:     resp.RequestID,
			MapQueryIndex: resp.MapQueryIndex,
			SegmentID:     resp.SegmentID,
			PageSize:      s.PageSize,
		}
		ok := s.Transport.Send(context.Background(), []rqproto.NodeID{source}, req, nil, false)
		if !ok {
			return rqerr.NewMapFailure(string(source), "next-page request failed")
		}
		return nil
	}
}

// OnFail transitions a run to Failed, with a cancelled-by-originator
// error if the failure is an echo of the reducer's own cancellation and a
// map-failure error otherwise.
func (s *Sink) OnFail(source rqproto.NodeID, resp *rqproto.FailResponse) {
	run, ok := s.ReduceRuns.Get(resp.RequestID)
	if !ok {
		return
	}
	var err error
	if resp.FailCode == rqproto.FailCancelledByOriginator {
		err = rqerr.NewCancelledByOriginator()
	} else {
		err = rqerr.NewMapFailure(string(source), resp.ErrorMessage)
	}
	run.TransitionFailed(err)
}

// OnDml attributes one node's DML contribution to its run.
func (s *Sink) OnDml(source rqproto.NodeID, resp *rqproto.DmlResponse) {
	run, ok := s.DmlRuns.Get(resp.RequestID)
	if !ok {
		return
	}
	run.OnResponse(resp)
}
