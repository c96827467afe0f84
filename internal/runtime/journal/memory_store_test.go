// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package journal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecution(t *testing.T, s Store) string {
	t.Helper()
	id := "exec-" + uuid.NewString()
	started := MustEntry(KindExecutionStarted, ExecutionStarted{WorkflowID: "wf"})
	require.NoError(t, s.Create(context.Background(), id, "wf", started))
	return id
}

// runStoreContract 内存与 Postgres 实现共用的契约测试
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := newExecution(t, s)

		err := s.Create(ctx, id, "wf", MustEntry(KindExecutionStarted, nil))
		assert.ErrorIs(t, err, ErrExists)

		st, err := s.GetState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCreated, st.Status)
		assert.Equal(t, 1, st.Version)
		require.Len(t, st.Entries, 1)
		assert.Equal(t, KindExecutionStarted, st.Entries[0].Kind)
		assert.Equal(t, 1, st.Entries[0].Seq)
		assert.Equal(t, id, st.Entries[0].ExecutionID)

		_, err = s.GetState(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent transitions with the same expectation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := newExecution(t, s)

		const writers = 16
		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e := MustEntry(KindExecutionRunning, nil)
				_, err := s.Transition(ctx, id, StatusCreated, StatusRunning, &e)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(writers-1), conflicts.Load())

		st, err := s.GetState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, st.Status)
		assert.Equal(t, 2, st.Version, "losers must not append")
	})

	t.Run("transition conflict leaves state untouched", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := newExecution(t, s)
		e := MustEntry(KindExecutionCompleted, nil)
		_, err := s.Transition(ctx, id, StatusRunning, StatusCompleted, &e)
		assert.ErrorIs(t, err, ErrConflict)

		st, err := s.GetState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCreated, st.Status)
		assert.Equal(t, 1, st.Version)

		_, err = s.Transition(ctx, "missing", StatusCreated, StatusRunning, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("append version cas and terminal guard", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := newExecution(t, s)

		v, err := s.Append(ctx, id, 1, MustEntry(KindNodeStarted, NodeStarted{NodeID: "a", Attempt: 1}))
		require.NoError(t, err)
		assert.Equal(t, 2, v)

		_, err = s.Append(ctx, id, 1, MustEntry(KindNodeStarted, NodeStarted{NodeID: "b", Attempt: 1}))
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.Transition(ctx, id, StatusCreated, StatusFailed, nil)
		require.NoError(t, err)
		_, err = s.Append(ctx, id, 2, MustEntry(KindNodeAttempt, NodeAttempt{NodeID: "a"}))
		assert.ErrorIs(t, err, ErrTerminal)

		_, err = s.Append(ctx, "missing", 0, MustEntry(KindNodeStarted, nil))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list by status", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := newExecution(t, s)
		b := newExecution(t, s)
		_, err := s.Transition(ctx, b, StatusCreated, StatusRunning, nil)
		require.NoError(t, err)

		running, err := s.ListByStatus(ctx, StatusRunning)
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, sum := range running {
			ids[sum.ExecutionID] = true
		}
		assert.True(t, ids[b])
		assert.False(t, ids[a])
	})

	t.Run("leases", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := newExecution(t, s)

		l, err := s.AcquireLease(ctx, id, "w1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "w1", l.Owner)

		_, err = s.AcquireLease(ctx, id, "w1", time.Minute)
		assert.NoError(t, err, "same owner may re-acquire")

		_, err = s.AcquireLease(ctx, id, "w2", time.Minute)
		assert.ErrorIs(t, err, ErrLeaseHeld)
		assert.ErrorIs(t, s.RenewLease(ctx, id, "w2", time.Minute), ErrLeaseLost)
		assert.NoError(t, s.RenewLease(ctx, id, "w1", time.Minute))

		require.NoError(t, s.ReleaseLease(ctx, id, "w1"))
		_, err = s.AcquireLease(ctx, id, "w2", -time.Minute)
		require.NoError(t, err)

		stale, err := s.FindStaleLeases(ctx, 30*time.Second)
		require.NoError(t, err)
		found := false
		for _, sl := range stale {
			if sl.ExecutionID == id {
				found = true
				assert.Equal(t, "w2", sl.Owner)
			}
		}
		assert.True(t, found)

		// 过期租约可被他人接管
		_, err = s.AcquireLease(ctx, id, "w3", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("watch delivers appended entries", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		id := newExecution(t, s)

		ch, err := s.Watch(ctx, id)
		require.NoError(t, err)
		e := MustEntry(KindCancellationRequested, CancellationRequested{Reason: "user"})
		_, err = s.Transition(ctx, id, StatusCreated, StatusCancelling, &e)
		require.NoError(t, err)

		select {
		case got := <-ch:
			assert.Equal(t, KindCancellationRequested, got.Kind)
			assert.Equal(t, 2, got.Seq)
		case <-time.After(3 * time.Second):
			t.Fatal("watch did not deliver entry")
		}
		cancel()
		for range ch {
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestUpdate_RetriesOnConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := newExecution(t, s)

	calls := 0
	before, appended, err := Update(ctx, s, id, 0, func(st *State) (*Entry, error) {
		calls++
		if calls == 1 {
			// 模拟并发写者在读与写之间插入
			_, err := s.Append(ctx, id, st.Version, MustEntry(KindNodeStarted, NodeStarted{NodeID: "other"}))
			require.NoError(t, err)
		}
		e := MustEntry(KindNodeStarted, NodeStarted{NodeID: "mine"})
		return &e, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, before.Version)
	require.NotNil(t, appended)
	assert.Equal(t, 3, appended.Seq)

	_, appended, err = Update(ctx, s, id, 0, func(*State) (*Entry, error) { return nil, nil })
	require.NoError(t, err)
	assert.Nil(t, appended)
}

func TestTransitionWithRetry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := newExecution(t, s)

	first := true
	st, ok, err := TransitionWithRetry(ctx, s, id, func(st *State) (Status, *Entry, bool) {
		if first {
			first = false
			_, err := s.Transition(ctx, id, StatusCreated, StatusRunning, nil)
			require.NoError(t, err)
		}
		if st.Status.Terminal() {
			return "", nil, false
		}
		e := MustEntry(KindCancellationRequested, CancellationRequested{})
		return StatusCancelling, &e, true
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusCancelling, st.Status)
	assert.Equal(t, KindCancellationRequested, st.Entries[len(st.Entries)-1].Kind)

	_, err = s.Transition(ctx, id, StatusCancelling, StatusCancelled, nil)
	require.NoError(t, err)
	_, ok, err = TransitionWithRetry(ctx, s, id, func(st *State) (Status, *Entry, bool) {
		return "", nil, !st.Status.Terminal()
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEntry_Decode(t *testing.T) {
	e := MustEntry(KindExecutionFailed, ExecutionFailed{NodeID: "a", Attempts: 3})
	var p ExecutionFailed
	require.NoError(t, e.Decode(&p))
	assert.Equal(t, "a", p.NodeID)
	assert.Equal(t, 3, p.Attempts)
	assert.Error(t, Entry{Kind: KindExecutionRunning}.Decode(&p))
}
