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

package queryrun

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/reduceql/pkg/rqproto"
)

func TestSFUFutureResolvesOnceEveryNodeReports(t *testing.T) {
	f := NewSFUFuture([]rqproto.NodeID{"n1", "n2"})

	doneCh := make(chan struct{})
	var total int64
	var err error
	go func() {
		total, err = f.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		t.Fatal("future resolved before every node reported")
	case <-time.After(20 * time.Millisecond):
	}

	f.OnResult("n1", 3)
	f.OnResult("n2", 4)

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("future never resolved")
	}
	require.NoError(t, err)
	require.Equal(t, int64(7), total)
}

func TestSFUFutureIgnoresUnexpectedAndDuplicateNodes(t *testing.T) {
	f := NewSFUFuture([]rqproto.NodeID{"n1"})
	f.OnResult("n2", 100) // unexpected node, dropped
	f.OnResult("n1", 5)
	f.OnResult("n1", 5) // already reported, dropped

	total, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, int64(5), total)
}

func TestSFUFutureWithNoNodesResolvesImmediately(t *testing.T) {
	f := NewSFUFuture(nil)
	total, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, int64(0), total)
}

func TestSFUFutureCancelUnblocksWaiterWithError(t *testing.T) {
	f := NewSFUFuture([]rqproto.NodeID{"n1"})
	cause := errors.New("run failed")

	doneCh := make(chan error, 1)
	go func() {
		_, err := f.Wait()
		doneCh <- err
	}()

	f.Cancel(cause)
	select {
	case err := <-doneCh:
		require.Equal(t, cause, err)
	case <-time.After(time.Second):
		t.Fatal("cancel never unblocked the waiter")
	}

	// A report arriving after cancellation must not resurrect the future.
	f.OnResult("n1", 9)
	total, err := f.Wait()
	require.Equal(t, cause, err)
	require.Equal(t, int64(0), total)
}
