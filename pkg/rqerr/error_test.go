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

package rqerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessageWithAndWithoutCause(t *testing.T) {
	bare := NewClientDisconnected()
	require.Equal(t, "client connection was closed", bare.Error())

	wrapped := NewCancelled(errors.New("boom"))
	require.Equal(t, "query was cancelled: boom", wrapped.Error())
	require.Equal(t, "boom", errors.Unwrap(wrapped).Error())
}

func TestCodeSentinelMatchesByCodeOnly(t *testing.T) {
	err := NewNodeLeftRetry("n1", 4)
	require.True(t, errors.Is(err, CodeSentinel(ErrNodeLeftRetry)))
	require.False(t, errors.Is(err, CodeSentinel(ErrMapFailure)))
}

func TestIsRetriableOnlyForNodeLeftRetry(t *testing.T) {
	require.True(t, IsRetriable(NewNodeLeftRetry("n1", 1)))
	require.False(t, IsRetriable(NewMapFailure("n1", "bad plan")))
	require.False(t, IsRetriable(errors.New("not an rqerr.Error at all")))
}

func TestNewMappingExhaustedFormatsLastNode(t *testing.T) {
	err := NewMappingExhausted("n2", errors.New("topology unstable"))
	require.Contains(t, err.Error(), "n2")
	require.Equal(t, ErrMappingExhausted, err.Code())
}
