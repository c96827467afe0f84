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

package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrun/internal/runtime/journal"
)

func TestLeaseKeeper_RefcountAndExclusion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("a"), time.Now().Add(time.Hour))

	k1 := NewLeaseKeeper(f.store, "w1", LeaseConfig{TTL: time.Minute}, nil)
	k2 := NewLeaseKeeper(f.store, "w2", LeaseConfig{TTL: time.Minute}, nil)
	defer k1.Close()
	defer k2.Close()

	l1, err := k1.Acquire(ctx, "e1", 2)
	require.NoError(t, err)
	l2, err := k1.Acquire(ctx, "e1", 2)
	require.NoError(t, err)
	assert.True(t, k1.Holds("e1"))

	_, err = k2.Acquire(ctx, "e1", 2)
	assert.ErrorIs(t, err, journal.ErrLeaseHeld)

	l1.Release()
	l1.Release()
	assert.True(t, k1.Holds("e1"))
	l2.Release()
	assert.False(t, k1.Holds("e1"))

	l3, err := k2.Acquire(ctx, "e1", 2)
	require.NoError(t, err)
	l3.Release()
}

func TestLeaseKeeper_Slots(t *testing.T) {
	f := newFixture(t)
	f.create("e1", linearPlan("a"), time.Now().Add(time.Hour))
	k := NewLeaseKeeper(f.store, "w1", LeaseConfig{TTL: time.Minute}, nil)
	defer k.Close()

	l, err := k.Acquire(context.Background(), "e1", 2)
	require.NoError(t, err)
	defer l.Release()
	assert.True(t, l.TryAcquireSlot())
	assert.True(t, l.TryAcquireSlot())
	assert.False(t, l.TryAcquireSlot())
	l.ReleaseSlot()
	assert.True(t, l.TryAcquireSlot())
}

func TestLeaseKeeper_CancellationCancelsContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("a"), time.Now().Add(time.Hour))
	_, err := f.adv.Start(ctx, "e1")
	require.NoError(t, err)
	f.record("e1", journal.NodeStarted{NodeID: "a", Attempt: 1}, journal.KindNodeStarted)

	k := NewLeaseKeeper(f.store, "w1", LeaseConfig{TTL: time.Minute}, nil)
	defer k.Close()
	l, err := k.Acquire(ctx, "e1", 1)
	require.NoError(t, err)
	defer l.Release()

	_, err = f.adv.RequestCancel(ctx, "e1", "user")
	require.NoError(t, err)

	select {
	case <-l.Context().Done():
		assert.True(t, errors.Is(context.Cause(l.Context()), ErrExecutionCancelled))
	case <-time.After(2 * time.Second):
		t.Fatal("lease context not cancelled")
	}
}

func TestLeaseKeeper_HeartbeatKeepsLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("a"), time.Now().Add(time.Hour))
	k := NewLeaseKeeper(f.store, "w1", LeaseConfig{TTL: 90 * time.Millisecond, HeartbeatInterval: 20 * time.Millisecond}, nil)
	defer k.Close()
	l, err := k.Acquire(ctx, "e1", 1)
	require.NoError(t, err)
	defer l.Release()

	time.Sleep(200 * time.Millisecond)
	other := NewLeaseKeeper(f.store, "w2", LeaseConfig{TTL: time.Minute}, nil)
	defer other.Close()
	_, err = other.Acquire(ctx, "e1", 1)
	assert.ErrorIs(t, err, journal.ErrLeaseHeld)
}

func TestReclaimer_RecoversStaleLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("a"), time.Now().Add(time.Hour))
	_, err := f.adv.Start(ctx, "e1")
	require.NoError(t, err)
	f.drain()

	_, err = f.store.AcquireLease(ctx, "e1", "dead", time.Millisecond)
	require.NoError(t, err)
	f.record("e1", journal.NodeStarted{NodeID: "a", Attempt: 1, WorkerID: "dead"}, journal.KindNodeStarted)
	time.Sleep(10 * time.Millisecond)

	k := NewLeaseKeeper(f.store, "w2", LeaseConfig{TTL: time.Minute}, nil)
	defer k.Close()
	r := NewReclaimer(f.store, f.adv, k, nil)
	n, err := r.ReclaimStaleLeases(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, k.Holds("e1"))

	tasks := f.dequeueAll()
	require.Len(t, tasks, 1)
	assert.Equal(t, "e1/a/1", tasks[0].ID)

	leases, err := f.store.FindStaleLeases(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestReclaimer_SkipsLiveLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("a"), time.Now().Add(time.Hour))
	_, err := f.adv.Start(ctx, "e1")
	require.NoError(t, err)
	_, err = f.store.AcquireLease(ctx, "e1", "alive", time.Minute)
	require.NoError(t, err)

	k := NewLeaseKeeper(f.store, "w2", LeaseConfig{TTL: time.Minute}, nil)
	defer k.Close()
	n, err := NewReclaimer(f.store, f.adv, k, nil).RecoverAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// silentWatchStore 订阅成功但从不投递条目，模拟通知全部丢失
type silentWatchStore struct {
	journal.Store
}

func (silentWatchStore) Watch(ctx context.Context, _ string) (<-chan journal.Entry, error) {
	ch := make(chan journal.Entry)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func TestLeaseKeeper_StatusPollCatchesMissedCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("a"), time.Now().Add(time.Hour))
	_, err := f.adv.Start(ctx, "e1")
	require.NoError(t, err)
	f.record("e1", journal.NodeStarted{NodeID: "a", Attempt: 1}, journal.KindNodeStarted)

	k := NewLeaseKeeper(silentWatchStore{f.store}, "w1", LeaseConfig{TTL: time.Minute, HeartbeatInterval: 10 * time.Millisecond}, nil)
	defer k.Close()
	l, err := k.Acquire(ctx, "e1", 1)
	require.NoError(t, err)
	defer l.Release()

	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, l.Context().Err())

	_, err = f.adv.RequestCancel(ctx, "e1", "user")
	require.NoError(t, err)

	select {
	case <-l.Context().Done():
		assert.ErrorIs(t, context.Cause(l.Context()), ErrExecutionCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("lease context not cancelled by status poll")
	}
}

func TestLeaseKeeper_StatusPollTimedOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("a"), time.Now().Add(-time.Second))
	_, err := f.adv.Start(ctx, "e1")
	require.NoError(t, err)

	k := NewLeaseKeeper(silentWatchStore{f.store}, "w1", LeaseConfig{TTL: time.Minute, HeartbeatInterval: 10 * time.Millisecond}, nil)
	defer k.Close()
	l, err := k.Acquire(ctx, "e1", 1)
	require.NoError(t, err)
	defer l.Release()

	ok, err := f.adv.TimeOut(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-l.Context().Done():
		assert.ErrorIs(t, context.Cause(l.Context()), ErrExecutionTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("lease context not cancelled by status poll")
	}
}
