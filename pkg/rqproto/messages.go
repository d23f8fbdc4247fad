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

// Package rqproto holds the semantic contract of the messages exchanged
// between the reduce-side coordinator and the map-side executors. Wire
// marshalling of these types is out of scope of this module; a transport
// implementation is free to encode them however it likes.
package rqproto

import "time"

// NodeID identifies a cluster node. Cluster membership itself is an
// external collaborator; this module only ever compares NodeIDs for
// equality and uses them as map keys.
type NodeID string

// QueryRequestID is a monotonically increasing 64-bit integer, unique
// within the reducer process, identifying a run across every message it
// exchanges with map-side executors.
type QueryRequestID uint64

// FailCode distinguishes an ordinary map-side failure from a failure that
// is really an echo of a cancellation the reducer itself originated.
type FailCode int

const (
	FailGeneral FailCode = iota
	FailCancelledByOriginator
)

// SortColumn names one column of a declared ORDER BY used by a sorted
// merge index to perform its k-way merge.
type SortColumn struct {
	Name       string
	Descending bool
	NullsFirst bool
}

// ColumnMeta describes one column of a map query's result set, enough for
// a merge table to expose a schema to the local SQL engine.
type ColumnMeta struct {
	Name string
	Type string
}

// MapQuery is one fragment of the split dispatched to every mapped node.
type MapQuery struct {
	SQL              string
	Columns          []ColumnMeta
	SortColumns      []SortColumn
	Partitioned      bool
	TableIndex       int
}

// SplitQuery is the originating logical query split into its map
// fragments and its local reduce fragment, plus the flags that steer
// planning.
type SplitQuery struct {
	Schema             string
	MapQueries         []MapQuery
	ReduceQuery        string
	CacheIDs           []int32
	Tables             []string
	Local              bool
	ReplicatedOnly     bool
	Explain            bool
	DistributedJoins    bool
	SkipMergeTable     bool
	ForUpdate          bool
	Lazy               bool
	KeepBinary         bool
	EnforceJoinOrder   bool
	DataPageScanBits   int32
	HasDataPageScanOverride bool
}

// SFUDetails carries the per-recipient SELECT FOR UPDATE transaction
// metadata attached to a QueryRequest when SplitQuery.ForUpdate is set.
type SFUDetails struct {
	ThreadID     int64
	UUID         [16]byte
	Counter      int64
	SubjectID    [16]byte
	XID          [16]byte
	TaskNameHash int64
	ClientFirst  bool
	TimeLeftMs   int64
}

// QueryRequest is dispatched to every node selected by partition mapping.
type QueryRequest struct {
	RequestID        QueryRequestID
	TopologyVersion  uint64
	PageSize         int
	CacheIDs         []int32
	Tables           []string
	Partitions       map[NodeID][]int32
	MapQueries       []MapQuery
	Params           []any
	Schema           string
	TimeoutMs        int64
	Local            bool
	Replicated       bool
	Explain          bool
	DistributedJoins bool
	Lazy             bool
	EnforceJoinOrder bool
	MvccSnapshot     []byte
	SFU              *SFUDetails
}

// DmlRequest mirrors QueryRequest for a distributed DML fan-out; it never
// carries merge-table information because DML results are aggregated, not
// merged row-by-row.
type DmlRequest struct {
	RequestID       QueryRequestID
	TopologyVersion uint64
	CacheIDs        []int32
	Tables          []string
	Partitions      map[NodeID][]int32
	SQL             string
	Params          []any
	Schema          string
	TimeoutMs       int64
	Replicated      bool
	MvccSnapshot    []byte
}

// NextPageRequest asks a source for the next page of a stream already
// under way.
type NextPageRequest struct {
	RequestID        QueryRequestID
	MapQueryIndex    int
	SegmentID        int32
	PageSize         int
	DataPageScanBits int32
}

// QueryCancelRequest asks every mapped node to abandon a run.
type QueryCancelRequest struct {
	RequestID QueryRequestID
}

// NextPageResponse is one page of one (node, mapQueryIndex, segment)
// stream. FetchNextPage, when set, issues the follow-up request unless
// the owning run has moved to a terminal or retry state.
type NextPageResponse struct {
	RequestID       QueryRequestID
	SourceNodeID    NodeID
	MapQueryIndex   int
	SegmentID       int32
	PageNumber      int64
	Rows            []Row
	LastPage        bool
	Retry           bool
	RetryCause      error
	AllRowsForSFU   int64
	HasSFURowCount  bool
	RemoveMapping   bool
	FetchNextPage   func() error
}

// Row is an opaque tuple; the reduce SQL engine interprets its contents.
type Row []any

// FailResponse reports that a mapped node could not execute its map
// query, or is echoing back the reducer's own cancellation.
type FailResponse struct {
	RequestID    QueryRequestID
	SourceNodeID NodeID
	ErrorMessage string
	FailCode     FailCode
}

// DmlResponse reports one node's contribution to a distributed update.
type DmlResponse struct {
	RequestID    QueryRequestID
	SourceNodeID NodeID
	AffectedRows int64
	ErrorMessage string
}

// Deadline computes an absolute deadline from a request's timeout,
// treating a non-positive timeout as "no deadline".
func Deadline(now time.Time, timeoutMs int64) (time.Time, bool) {
	if timeoutMs <= 0 {
		return time.Time{}, false
	}
	return now.Add(time.Duration(timeoutMs) * time.Millisecond), true
}
