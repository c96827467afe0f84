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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrun/internal/action"
	"flowrun/internal/planner"
	"flowrun/internal/runtime/journal"
	"flowrun/internal/runtime/taskqueue"
)

type fixture struct {
	t     *testing.T
	store journal.Store
	queue *taskqueue.MemoryQueue
	adv   *Advancer
}

func newFixture(t *testing.T) *fixture {
	store := journal.NewMemoryStore()
	queue := taskqueue.NewMemoryQueue()
	return &fixture{t: t, store: store, queue: queue, adv: NewAdvancer(store, queue, nil)}
}

func linearPlan(ids ...string) *planner.ExecutionPlan {
	p := &planner.ExecutionPlan{WorkflowID: "wf", Order: ids, Budget: planner.DefaultBudget()}
	for i, id := range ids {
		p.Nodes = append(p.Nodes, planner.PlannedNode{Node: planner.Node{ID: id, Type: "noop"}})
		if i > 0 {
			p.Edges = append(p.Edges, planner.Edge{From: ids[i-1], To: id})
		}
	}
	return p
}

func (f *fixture) create(id string, plan *planner.ExecutionPlan, deadline time.Time) {
	started := journal.MustEntry(journal.KindExecutionStarted, journal.ExecutionStarted{
		WorkflowID: plan.WorkflowID, Input: json.RawMessage(`{}`), Plan: plan, Deadline: deadline,
	})
	require.NoError(f.t, f.store.Create(context.Background(), id, plan.WorkflowID, started))
}

func (f *fixture) record(id string, payload any, kind journal.Kind) journal.Status {
	_, status, err := f.adv.Record(context.Background(), id, func(*journal.State) (*journal.Entry, error) {
		e, err := journal.NewEntry(kind, payload)
		return &e, err
	})
	require.NoError(f.t, err)
	return status
}

func (f *fixture) succeed(id, node string, attempt int, data string) journal.Status {
	r := action.Success(json.RawMessage(data))
	return f.record(id, journal.NodeAttempt{NodeID: node, Attempt: attempt, Output: &r, Disposition: journal.DispositionAdvance}, journal.KindNodeAttempt)
}

func (f *fixture) dequeueAll() []taskqueue.Task {
	var out []taskqueue.Task
	for {
		task, err := f.queue.Dequeue(context.Background(), time.Minute)
		require.NoError(f.t, err)
		if task == nil {
			return out
		}
		out = append(out, *task)
	}
}

// drain 取出并确认全部任务，模拟已被消费
func (f *fixture) drain() {
	for _, task := range f.dequeueAll() {
		require.NoError(f.t, f.queue.Ack(context.Background(), task.ID))
	}
}

func (f *fixture) status(id string) journal.Status {
	st, err := f.store.GetState(context.Background(), id)
	require.NoError(f.t, err)
	return st.Status
}

func TestAdvancer_LinearToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("a", "b"), time.Now().Add(time.Hour))

	status, err := f.adv.Start(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, journal.StatusRunning, status)
	tasks := f.dequeueAll()
	require.Len(t, tasks, 1)
	assert.Equal(t, "e1/a/1", tasks[0].ID)
	assert.Equal(t, action.IdempotencyKey("e1", "a", 1), tasks[0].IdempotencyKey)
	assert.Equal(t, int64(1<<20), tasks[0].Budget.MaxPayloadBytes)

	assert.Equal(t, journal.StatusRunning, f.succeed("e1", "a", 1, `"A"`))
	tasks = f.dequeueAll()
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].NodeID)
	assert.JSONEq(t, `"A"`, string(tasks[0].Inputs.Upstream["a"]))

	assert.Equal(t, journal.StatusCompleted, f.succeed("e1", "b", 1, `"B"`))
	st, err := f.store.GetState(ctx, "e1")
	require.NoError(t, err)
	last := st.Entries[len(st.Entries)-1]
	assert.Equal(t, journal.KindExecutionCompleted, last.Kind)
	var done journal.ExecutionCompleted
	require.NoError(t, last.Decode(&done))
	assert.JSONEq(t, `"B"`, string(done.Outputs["b"]))

	// 终态后再次收敛不产生新条目
	status, err = f.adv.Reconcile(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, status)
	st2, _ := f.store.GetState(ctx, "e1")
	assert.Equal(t, st.Version, st2.Version)
}

func TestAdvancer_FailureFinalizes(t *testing.T) {
	f := newFixture(t)
	f.create("e1", linearPlan("a", "b"), time.Now().Add(time.Hour))
	_, err := f.adv.Start(context.Background(), "e1")
	require.NoError(t, err)

	status := f.record("e1", journal.NodeAttempt{
		NodeID: "a", Attempt: 1, Error: action.FatalError("boom"), Disposition: journal.DispositionFail,
	}, journal.KindNodeAttempt)
	assert.Equal(t, journal.StatusFailed, status)

	st, err := f.store.GetState(context.Background(), "e1")
	require.NoError(t, err)
	var failed journal.ExecutionFailed
	require.NoError(t, st.Entries[len(st.Entries)-1].Decode(&failed))
	assert.Equal(t, "a", failed.NodeID)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "boom", failed.Error.Message)
}

func TestAdvancer_CancelWaitingExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("gate", "after"), time.Now().Add(time.Hour))
	_, err := f.adv.Start(ctx, "e1")
	require.NoError(t, err)
	f.dequeueAll()

	w := action.Wait(action.WaitSpec{Kind: action.WaitApproval})
	f.record("e1", journal.NodeAttempt{NodeID: "gate", Attempt: 1, Output: &w, Disposition: journal.DispositionPark}, journal.KindNodeAttempt)
	assert.Empty(t, f.dequeueAll())

	status, err := f.adv.RequestCancel(ctx, "e1", "user")
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCancelled, status)
	assert.Empty(t, f.dequeueAll())
}

func TestAdvancer_CancelWithNodeInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("a"), time.Now().Add(time.Hour))
	_, err := f.adv.Start(ctx, "e1")
	require.NoError(t, err)
	f.record("e1", journal.NodeStarted{NodeID: "a", Attempt: 1}, journal.KindNodeStarted)

	status, err := f.adv.RequestCancel(ctx, "e1", "user")
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCancelling, status)

	status = f.record("e1", journal.NodeAttempt{
		NodeID: "a", Attempt: 1, Error: action.CancelledError("stop"), Disposition: journal.DispositionCancelled,
	}, journal.KindNodeAttempt)
	assert.Equal(t, journal.StatusCancelled, status)
}

func TestAdvancer_UnrequestedCancelFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("a", "b"), time.Now().Add(time.Hour))
	_, err := f.adv.Start(ctx, "e1")
	require.NoError(t, err)
	f.drain()
	f.record("e1", journal.NodeStarted{NodeID: "a", Attempt: 1}, journal.KindNodeStarted)

	status := f.record("e1", journal.NodeAttempt{
		NodeID: "a", Attempt: 1, Error: action.CancelledError("gave up"), Disposition: journal.DispositionCancelled,
	}, journal.KindNodeAttempt)
	assert.Equal(t, journal.StatusFailed, status)
	assert.Empty(t, f.dequeueAll(), "b is never scheduled")
}

func TestAdvancer_TimeOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("late", linearPlan("a"), time.Now().Add(-time.Second))
	f.create("fresh", linearPlan("a"), time.Now().Add(time.Hour))
	for _, id := range []string{"late", "fresh"} {
		_, err := f.adv.Start(ctx, id)
		require.NoError(t, err)
	}

	ok, err := f.adv.TimeOut(ctx, "late")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, journal.StatusTimedOut, f.status("late"))

	ok, err = f.adv.TimeOut(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, journal.StatusRunning, f.status("fresh"))
}

func TestAdvancer_ResolveWait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("gate", "after"), time.Now().Add(time.Hour))
	_, err := f.adv.Start(ctx, "e1")
	require.NoError(t, err)
	f.dequeueAll()

	_, err = f.adv.ResolveWait(ctx, "e1", journal.WaitResolved{NodeID: "gate", Reason: journal.WaitReasonSignal})
	assert.ErrorIs(t, err, ErrNotWaiting)

	w := action.Wait(action.WaitSpec{Kind: action.WaitCallback, CorrelationKey: "k"})
	f.record("e1", journal.NodeAttempt{NodeID: "gate", Attempt: 1, Output: &w, Disposition: journal.DispositionPark}, journal.KindNodeAttempt)

	_, err = f.adv.ResolveWait(ctx, "e1", journal.WaitResolved{
		NodeID: "gate", Reason: journal.WaitReasonSignal, Payload: json.RawMessage(`{"approved":true}`),
	})
	require.NoError(t, err)
	tasks := f.dequeueAll()
	require.Len(t, tasks, 1)
	assert.Equal(t, "after", tasks[0].NodeID)
	assert.JSONEq(t, `{"approved":true}`, string(tasks[0].Inputs.Upstream["gate"]))
}

func TestAdvancer_RescheduleInterruptedNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("a"), time.Now().Add(time.Hour))
	_, err := f.adv.Start(ctx, "e1")
	require.NoError(t, err)
	f.drain()
	f.record("e1", journal.NodeStarted{NodeID: "a", Attempt: 1, WorkerID: "dead"}, journal.KindNodeStarted)
	assert.Empty(t, f.dequeueAll())

	_, err = f.adv.Reschedule(ctx, "e1", "w2", "dead")
	require.NoError(t, err)
	tasks := f.dequeueAll()
	require.Len(t, tasks, 1)
	assert.Equal(t, "e1/a/1", tasks[0].ID)

	st, err := f.store.GetState(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, journal.KindRecoveryStarted, st.Entries[len(st.Entries)-1].Kind)
}

func TestAdvancer_RetryPendingOnlyOnRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create("e1", linearPlan("a"), time.Now().Add(time.Hour))
	_, err := f.adv.Start(ctx, "e1")
	require.NoError(t, err)
	f.drain()

	f.record("e1", journal.NodeAttempt{
		NodeID: "a", Attempt: 1, Error: action.RetryableError("flaky", 0), Disposition: journal.DispositionRetry,
	}, journal.KindNodeAttempt)
	assert.Empty(t, f.dequeueAll())

	_, err = f.adv.Reschedule(ctx, "e1", "w2", "")
	require.NoError(t, err)
	tasks := f.dequeueAll()
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].Attempt)
	assert.Equal(t, planner.DefaultBudget().MaxTotalRetries-1, tasks[0].Budget.RetriesRemaining)
}
