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

// Package rqerr is the error taxonomy of the reduce-side coordinator.
// The coordinator's own failure conditions are reported as *rqerr.Error
// values built through the New* constructors below. Errors from
// collaborators (config decoding, the worker pool, the SQL engine,
// context cancellation) and mergeindex's out-of-order page error are
// passed through unwrapped.
package rqerr

import (
	"errors"
	"fmt"
)

// Code groups errors by the stage of the run that raised them.
type Code uint16

const (
	// Group 1 (100s): topology / retry-loop exhaustion.
	ErrMappingExhausted              Code = 101
	ErrTransactionalTopologyChanged  Code = 102

	// Group 2 (200s): cancellation.
	ErrCancelled             Code = 201
	ErrCancelledByOriginator Code = 202

	// Group 3 (300s): remote execution.
	ErrMapFailure    Code = 301
	ErrNodeLeftRetry Code = 302

	// Group 4 (400s): client lifecycle.
	ErrClientDisconnected Code = 401

	// Group 5 (500s): planning misuse.
	ErrReplicatedWithPartitions  Code = 501
	ErrSkipMergeTableWithExplain Code = 502

	// Group 6 (600s): DML.
	ErrUnsupportedMapNodeVersion Code = 601
)

// Error is the single error type this module raises. It carries a code,
// a human message and an optional cause, and satisfies errors.Is/As via
// Unwrap.
type Error struct {
	code    Code
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the error's group/code, for callers that branch on it.
func (e *Error) Code() Code { return e.code }

func newError(code Code, cause error, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...), cause: cause}
}

// Is matches any *Error with the same code, so
// errors.Is(err, rqerr.CodeSentinel(rqerr.ErrCancelled)) tests a code.
func (e *Error) Is(target error) bool {
	var o *Error
	if errors.As(target, &o) {
		return o.code == e.code
	}
	return false
}

// CodeSentinel produces a value usable with errors.Is to test whether an
// error carries a given code, without needing the original message.
func CodeSentinel(code Code) error { return &Error{code: code} }

func NewMappingExhausted(lastNode string, cause error) *Error {
	return newError(ErrMappingExhausted, cause,
		"failed to map SQL query to topology, last retry node=%s", lastNode)
}

func NewTransactionalTopologyChanged(lockedVersion, currentVersion uint64) *Error {
	return newError(ErrTransactionalTopologyChanged, nil,
		"cluster topology changed while transaction holds version %d (now %d), transaction must be rolled back",
		lockedVersion, currentVersion)
}

func NewCancelled(cause error) *Error {
	return newError(ErrCancelled, cause, "query was cancelled")
}

func NewCancelledByOriginator() *Error {
	return newError(ErrCancelledByOriginator, nil, "query was cancelled by originator")
}

func NewMapFailure(node string, remoteMessage string) *Error {
	return newError(ErrMapFailure, nil, "failed to execute map query on node %s: %s", node, remoteMessage)
}

func NewNodeLeftRetry(node string, topologyVersion uint64) *Error {
	return newError(ErrNodeLeftRetry, nil,
		"node %s left the topology at version %d, retrying", node, topologyVersion)
}

func NewClientDisconnected() *Error {
	return newError(ErrClientDisconnected, nil, "client connection was closed")
}

func NewReplicatedWithPartitions() *Error {
	return newError(ErrReplicatedWithPartitions, nil, "partitions are not supported for replicated caches")
}

func NewSkipMergeTableWithExplain() *Error {
	return newError(ErrSkipMergeTableWithExplain, nil,
		"skip-merge-table combined with explain is not supported")
}

func NewUnsupportedMapNodeVersion(node string, version string, minVersion string) *Error {
	return newError(ErrUnsupportedMapNodeVersion, nil,
		"node %s reports version %s below minimum %s for server-side DML", node, version, minVersion)
}

// IsRetriable reports whether the retry loop should absorb this cause
// and retry, rather than fail the run outright.
func IsRetriable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.code == ErrNodeLeftRetry
}
