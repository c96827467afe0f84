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

package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrun/internal/action"
	"flowrun/internal/action/builtin"
	"flowrun/internal/executor"
	"flowrun/internal/frontier"
	"flowrun/internal/planner"
	"flowrun/internal/runtime/journal"
	"flowrun/internal/runtime/taskqueue"
	"flowrun/internal/sandbox"
	"flowrun/internal/scheduler"
	"flowrun/internal/storage/object"
	"flowrun/internal/worker"
	errs "flowrun/pkg/errors"
)

type calls struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *calls) inc(node string) {
	c.mu.Lock()
	c.n[node]++
	c.mu.Unlock()
}

func (c *calls) of(node string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[node]
}

type stack struct {
	t         *testing.T
	eng       *Engine
	store     journal.Store
	queue     *taskqueue.MemoryQueue
	calls     *calls
	objects   *object.MemoryStore
	cancelled atomic.Bool
}

type stackOptions struct {
	policy executor.PayloadPolicy
}

func newStack(t *testing.T, so stackOptions) *stack {
	t.Helper()
	s := &stack{t: t, calls: &calls{n: make(map[string]int)}, objects: object.NewMemoryStore()}

	reg := action.NewRegistry()
	require.NoError(t, builtin.Register(reg))
	reg.MustRegister(action.Descriptor{Type: "track", FirstParty: true}, action.Func(func(ctx action.Context) (action.Result, error) {
		s.calls.inc(ctx.Invocation().NodeID)
		return action.Success(ctx.Invocation().Input.Single()), nil
	}))
	reg.MustRegister(action.Descriptor{Type: "big", FirstParty: true}, action.Func(func(ctx action.Context) (action.Result, error) {
		s.calls.inc(ctx.Invocation().NodeID)
		b, _ := json.Marshal(strings.Repeat("x", 4096))
		return action.Success(b), nil
	}))
	reg.MustRegister(action.Descriptor{Type: "block", FirstParty: true}, action.Func(func(ctx action.Context) (action.Result, error) {
		s.calls.inc(ctx.Invocation().NodeID)
		<-ctx.Done()
		s.cancelled.Store(true)
		return action.Result{}, ctx.Err()
	}))

	store := journal.NewMemoryStore()
	queue := taskqueue.NewMemoryQueue()
	adv := scheduler.NewAdvancer(store, queue, nil)
	keeper := scheduler.NewLeaseKeeper(store, "node-1", scheduler.LeaseConfig{TTL: time.Minute}, nil)
	reclaimer := scheduler.NewReclaimer(store, adv, keeper, nil)
	rt := executor.NewRuntime(reg, sandbox.NewInProcessRunner(reg, sandbox.Env{}),
		executor.Config{Policy: so.policy}, executor.WithObjectStore(s.objects))
	events := make(chan worker.Event, 256)

	w := worker.New(worker.Config{ID: "node-1", Concurrency: 4, PollInterval: 2 * time.Millisecond, RetryFloor: time.Millisecond}, worker.Deps{
		Store: store, Queue: queue, Advancer: adv, Keeper: keeper, Reclaimer: reclaimer, Runtime: rt, Events: events,
	})
	s.eng = New(Config{WatchdogInterval: 10 * time.Millisecond, SweepInterval: 10 * time.Millisecond, PollInterval: 10 * time.Millisecond}, Deps{
		Store: store, Registry: reg, Advancer: adv, Reclaimer: reclaimer, Events: events, Objects: s.objects,
	})
	s.store, s.queue = store, queue

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	require.NoError(t, s.eng.Start(ctx))
	t.Cleanup(func() {
		cancel()
		s.eng.Stop()
		<-done
	})
	return s
}

func (s *stack) register(wf *planner.Workflow) {
	require.NoError(s.t, s.eng.RegisterWorkflow(context.Background(), wf))
}

func (s *stack) run(workflowID, input string, opts ...ExecuteOption) *Result {
	h, err := s.eng.ExecuteWorkflow(context.Background(), workflowID, json.RawMessage(input), opts...)
	require.NoError(s.t, err)
	return s.await(h)
}

func (s *stack) await(h *Handle) *Result {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.AwaitResult(ctx)
	require.NoError(s.t, err)
	return res
}

func (s *stack) attempts(id string) []journal.NodeAttempt {
	st, err := s.store.GetState(context.Background(), id)
	require.NoError(s.t, err)
	var out []journal.NodeAttempt
	for _, e := range st.Entries {
		if e.Kind != journal.KindNodeAttempt {
			continue
		}
		var p journal.NodeAttempt
		require.NoError(s.t, e.Decode(&p))
		out = append(out, p)
	}
	return out
}

func (s *stack) waitForPhase(id, node string, phase frontier.Phase) {
	require.Eventually(s.t, func() bool {
		st, err := s.eng.Status(context.Background(), id)
		if err != nil {
			return false
		}
		for _, n := range st.Nodes {
			if n.ID == node {
				return n.Phase == phase
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

func chain(id string, nodes ...planner.Node) *planner.Workflow {
	wf := &planner.Workflow{ID: id, Nodes: nodes}
	for i := 1; i < len(nodes); i++ {
		wf.Edges = append(wf.Edges, planner.Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}
	return wf
}

func params(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		panic(err)
	}
	return m
}

func TestEngine_LinearCompletes(t *testing.T) {
	s := newStack(t, stackOptions{})
	s.register(chain("linear", planner.Node{ID: "a", Type: "track"}, planner.Node{ID: "b", Type: "track"}))

	res := s.run("linear", `{"order":42}`)
	assert.Equal(t, journal.StatusCompleted, res.Status)
	assert.JSONEq(t, `{"order":42}`, string(res.Outputs["b"]))
	assert.Len(t, s.attempts(res.ExecutionID), 2)
	assert.Equal(t, 1, s.calls.of("a"))
	assert.Equal(t, 1, s.calls.of("b"))
}

func TestEngine_BranchRunsSelectedPathOnly(t *testing.T) {
	s := newStack(t, stackOptions{})
	s.register(&planner.Workflow{
		ID: "router",
		Nodes: []planner.Node{
			{ID: "a", Type: "set", Params: params(`{"value":{"priority":"high"}}`)},
			{ID: "route", Type: "branch", Params: params(`{"field":"priority"}`)},
			{ID: "b", Type: "track"},
			{ID: "c", Type: "track"},
		},
		Edges: []planner.Edge{
			{From: "a", To: "route"},
			{From: "route", To: "b", Port: "high"},
			{From: "route", To: "c", Port: "low"},
		},
	})

	res := s.run("router", `{}`)
	assert.Equal(t, journal.StatusCompleted, res.Status)
	assert.Equal(t, 1, s.calls.of("b"))
	assert.Equal(t, 0, s.calls.of("c"))

	st, err := s.eng.Status(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	for _, n := range st.Nodes {
		if n.ID == "c" {
			assert.Equal(t, frontier.PhaseDead, n.Phase)
		}
	}
}

func TestEngine_LoopContinueThenBreak(t *testing.T) {
	s := newStack(t, stackOptions{})
	s.register(chain("loop",
		planner.Node{ID: "count", Type: "counter", Params: params(`{"to":4}`)},
		planner.Node{ID: "after", Type: "track"},
	))

	res := s.run("loop", `{}`)
	require.Equal(t, journal.StatusCompleted, res.Status)
	var countAttempts int
	for _, a := range s.attempts(res.ExecutionID) {
		if a.NodeID == "count" {
			countAttempts++
		}
	}
	assert.Equal(t, 4, countAttempts)
	assert.Equal(t, 1, s.calls.of("after"))
	assert.JSONEq(t, `{"count":4}`, string(res.Outputs["after"]))
}

func TestEngine_DataLimitRejected(t *testing.T) {
	s := newStack(t, stackOptions{policy: executor.PolicyReject})
	s.register(chain("big", planner.Node{ID: "a", Type: "big"}, planner.Node{ID: "b", Type: "track"}))

	res := s.run("big", `{}`, WithBudget(planner.WithMaxPayloadBytes(1024)))
	assert.Equal(t, journal.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, action.ErrDataLimitExceeded, res.Error.Kind)
	assert.Equal(t, "a", res.FailedNode)
	assert.Equal(t, 0, s.calls.of("b"))

	attempts := s.attempts(res.ExecutionID)
	require.Len(t, attempts, 1)
	assert.Nil(t, attempts[0].Output)
}

func TestEngine_SpilledOutputIsHydrated(t *testing.T) {
	s := newStack(t, stackOptions{policy: executor.PolicySpill})
	s.register(chain("spill", planner.Node{ID: "a", Type: "big"}, planner.Node{ID: "b", Type: "track"}))

	res := s.run("spill", `{}`, WithBudget(planner.WithMaxPayloadBytes(1024)))
	require.Equal(t, journal.StatusCompleted, res.Status)
	var out string
	require.NoError(t, json.Unmarshal(res.Outputs["b"], &out))
	assert.Len(t, out, 4096)

	attempts := s.attempts(res.ExecutionID)
	_, spilled := executor.ParseSpillRef(attempts[0].Output.Data)
	assert.True(t, spilled)
}

func TestEngine_CancelWhileWaiting(t *testing.T) {
	s := newStack(t, stackOptions{})
	s.register(chain("approval",
		planner.Node{ID: "wait", Type: "wait", Params: params(`{"kind":"approval"}`)},
		planner.Node{ID: "after", Type: "track"},
	))
	h, err := s.eng.ExecuteWorkflow(context.Background(), "approval", nil)
	require.NoError(t, err)
	s.waitForPhase(h.ID, "wait", frontier.PhaseWaiting)

	status, err := h.Cancel(context.Background(), "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCancelled, status)

	res := s.await(h)
	assert.Equal(t, journal.StatusCancelled, res.Status)
	assert.Equal(t, "no longer needed", res.Reason)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, s.calls.of("after"))

	_, err = s.eng.Signal(context.Background(), h.ID, Signal{NodeID: "wait"})
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestEngine_SignalResumesWait(t *testing.T) {
	s := newStack(t, stackOptions{})
	s.register(chain("callback",
		planner.Node{ID: "wait", Type: "wait", Params: params(`{"correlation_key":"order-7"}`)},
		planner.Node{ID: "after", Type: "track"},
	))
	h, err := s.eng.ExecuteWorkflow(context.Background(), "callback", nil)
	require.NoError(t, err)
	s.waitForPhase(h.ID, "wait", frontier.PhaseWaiting)

	_, err = s.eng.Signal(context.Background(), h.ID, Signal{CorrelationKey: "unknown"})
	assert.ErrorIs(t, err, errs.ErrConflict)
	_, err = s.eng.Signal(context.Background(), h.ID, Signal{CorrelationKey: "order-7", Payload: json.RawMessage(`{"approved":true}`)})
	require.NoError(t, err)

	res := s.await(h)
	assert.Equal(t, journal.StatusCompleted, res.Status)
	assert.JSONEq(t, `{"approved":true}`, string(res.Outputs["after"]))
}

func TestEngine_TimerWaitContinuesAfterTimeout(t *testing.T) {
	s := newStack(t, stackOptions{})
	s.register(chain("timer",
		planner.Node{ID: "sleep", Type: "wait", Params: params(`{"kind":"timer","timeout":"30ms"}`)},
		planner.Node{ID: "after", Type: "track"},
	))
	res := s.run("timer", `{}`)
	assert.Equal(t, journal.StatusCompleted, res.Status)
	assert.Equal(t, 1, s.calls.of("after"))
}

func TestEngine_CallbackWaitTimeoutFails(t *testing.T) {
	s := newStack(t, stackOptions{})
	s.register(chain("expire",
		planner.Node{ID: "wait", Type: "wait", Params: params(`{"kind":"callback","timeout":"30ms"}`)},
		planner.Node{ID: "after", Type: "track"},
	))
	res := s.run("expire", `{}`)
	assert.Equal(t, journal.StatusFailed, res.Status)
	assert.Equal(t, "wait", res.FailedNode)
	assert.Equal(t, 0, s.calls.of("after"))
}

func TestEngine_ExecutionWait(t *testing.T) {
	s := newStack(t, stackOptions{})
	s.register(chain("child", planner.Node{ID: "approve", Type: "wait", Params: params(`{"kind":"approval"}`)}))
	child, err := s.eng.ExecuteWorkflow(context.Background(), "child", nil)
	require.NoError(t, err)

	s.register(chain("parent",
		planner.Node{ID: "join", Type: "wait", Params: params(`{"kind":"execution","execution_id":"` + child.ID + `"}`)},
		planner.Node{ID: "after", Type: "track"},
	))
	parent, err := s.eng.ExecuteWorkflow(context.Background(), "parent", nil)
	require.NoError(t, err)
	s.waitForPhase(parent.ID, "join", frontier.PhaseWaiting)

	_, err = s.eng.Signal(context.Background(), child.ID, Signal{NodeID: "approve", Payload: json.RawMessage(`"yes"`)})
	require.NoError(t, err)

	res := s.await(parent)
	require.Equal(t, journal.StatusCompleted, res.Status)
	var out struct {
		ExecutionID string                     `json:"execution_id"`
		Outputs     map[string]json.RawMessage `json:"outputs"`
	}
	require.NoError(t, json.Unmarshal(res.Outputs["after"], &out))
	assert.Equal(t, child.ID, out.ExecutionID)
	assert.JSONEq(t, `"yes"`, string(out.Outputs["approve"]))
}

func TestEngine_WallClockTimeout(t *testing.T) {
	s := newStack(t, stackOptions{})
	s.register(chain("slow", planner.Node{ID: "a", Type: "block"}, planner.Node{ID: "b", Type: "track"}))

	res := s.run("slow", `{}`, WithBudget(planner.WithMaxWallClock(100*time.Millisecond)))
	assert.Equal(t, journal.StatusTimedOut, res.Status)
	assert.NotEmpty(t, res.Reason)
	require.Eventually(t, s.cancelled.Load, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.calls.of("b"))
}

func TestEngine_RedeliveryAfterCompletion(t *testing.T) {
	s := newStack(t, stackOptions{})
	s.register(chain("once", planner.Node{ID: "a", Type: "track"}))
	res := s.run("once", `{}`)
	require.Equal(t, journal.StatusCompleted, res.Status)

	dup := taskqueue.Task{
		ID: taskqueue.TaskID(res.ExecutionID, "a", 1), ExecutionID: res.ExecutionID, NodeID: "a", Attempt: 1,
		IdempotencyKey: action.IdempotencyKey(res.ExecutionID, "a", 1),
	}
	require.NoError(t, s.queue.Enqueue(context.Background(), dup))
	require.Eventually(t, func() bool {
		n, err := s.queue.Len(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.calls.of("a"))
	assert.Len(t, s.attempts(res.ExecutionID), 1)
}

func TestEngine_Errors(t *testing.T) {
	s := newStack(t, stackOptions{})
	ctx := context.Background()

	_, err := s.eng.ExecuteWorkflow(ctx, "missing", nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	err = s.eng.RegisterWorkflow(ctx, chain("bad", planner.Node{ID: "a", Type: "does_not_exist"}))
	assert.ErrorIs(t, err, errs.ErrInvalidArg)

	s.register(chain("ok", planner.Node{ID: "a", Type: "track"}))
	_, err = s.eng.ExecuteWorkflow(ctx, "ok", json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, errs.ErrInvalidArg)

	h, err := s.eng.ExecuteWorkflow(ctx, "ok", nil, WithExecutionID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", h.ID)
	_, err = s.eng.ExecuteWorkflow(ctx, "ok", nil, WithExecutionID("fixed"))
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, err = s.eng.Status(ctx, "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = s.eng.CancelExecution(ctx, "nope", "")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.Len(t, s.eng.Workflows(), 1)
	assert.Equal(t, "ok", s.eng.Workflows()[0].ID)
}

func TestEngine_CancelFinishedIsNoop(t *testing.T) {
	s := newStack(t, stackOptions{})
	s.register(chain("done", planner.Node{ID: "a", Type: "track"}))
	res := s.run("done", `{}`)

	status, err := s.eng.CancelExecution(context.Background(), res.ExecutionID, "")
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, status)
}

type brokenQueue struct {
	*taskqueue.MemoryQueue
}

func (brokenQueue) Enqueue(context.Context, taskqueue.Task) error {
	return errs.ErrUnavailable
}

func TestEngine_StartFailureMarksExecutionFailed(t *testing.T) {
	reg := action.NewRegistry()
	require.NoError(t, builtin.Register(reg))
	store := journal.NewMemoryStore()
	adv := scheduler.NewAdvancer(store, brokenQueue{taskqueue.NewMemoryQueue()}, nil)
	eng := New(Config{}, Deps{Store: store, Registry: reg, Advancer: adv})
	ctx := context.Background()
	require.NoError(t, eng.RegisterWorkflow(ctx, chain("wf", planner.Node{ID: "a", Type: "noop"})))

	_, err := eng.ExecuteWorkflow(ctx, "wf", nil, WithExecutionID("stranded"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrUnavailable)

	st, err := store.GetState(ctx, "stranded")
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, st.Status)
	last := st.Entries[len(st.Entries)-1]
	require.Equal(t, journal.KindExecutionFailed, last.Kind)
	var p journal.ExecutionFailed
	require.NoError(t, last.Decode(&p))
	require.NotNil(t, p.Error)
	assert.Equal(t, action.ErrFatal, p.Error.Kind)

	// 已失败的执行不会被再次中止
	aborted, err := adv.Abort(ctx, "stranded", errs.ErrUnavailable)
	require.NoError(t, err)
	assert.False(t, aborted)
}
