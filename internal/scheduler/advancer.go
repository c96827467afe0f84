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

// Package scheduler 把日志与队列连接起来：记录尝试结果后推进前沿、调度新任务、收敛执行终态，
// 并管理执行租约（心跳、取消监听）与失联租约的回收。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowrun/internal/action"
	"flowrun/internal/frontier"
	"flowrun/internal/runtime/journal"
	"flowrun/internal/runtime/taskqueue"
	"flowrun/pkg/log"
	"flowrun/pkg/metrics"
)

// ErrNotWaiting 节点不处于等待阶段，等待解除被忽略
var ErrNotWaiting = errors.New("scheduler: node is not waiting")

// Advancer 所有执行推进的唯一入口。日志写入总是先于任务入队
type Advancer struct {
	store journal.Store
	queue taskqueue.Queue
	log   *log.Logger
	now   func() time.Time
}

func NewAdvancer(store journal.Store, queue taskqueue.Queue, logger *log.Logger) *Advancer {
	return &Advancer{store: store, queue: queue, log: log.OrDiscard(logger), now: time.Now}
}

// Start created → running，然后调度根节点
func (a *Advancer) Start(ctx context.Context, executionID string) (journal.Status, error) {
	_, _, err := journal.TransitionWithRetry(ctx, a.store, executionID, func(st *journal.State) (journal.Status, *journal.Entry, bool) {
		if st.Status != journal.StatusCreated {
			return "", nil, false
		}
		e := journal.MustEntry(journal.KindExecutionRunning, nil)
		return journal.StatusRunning, &e, true
	})
	if err != nil {
		return "", fmt.Errorf("start %s: %w", executionID, err)
	}
	return a.Reconcile(ctx, executionID)
}

// Record 以 CAS 重试追加 build 构造的条目，随后收敛。build 返回 nil 表示无需追加
func (a *Advancer) Record(ctx context.Context, executionID string, build journal.BuildFunc) (*journal.Entry, journal.Status, error) {
	_, appended, err := journal.Update(ctx, a.store, executionID, 0, build)
	if err != nil {
		return nil, "", err
	}
	status, err := a.Reconcile(ctx, executionID)
	return appended, status, err
}

// Reconcile 依据最新日志收敛状态：失败、完成、取消完成时做终态转换，否则调度就绪节点
func (a *Advancer) Reconcile(ctx context.Context, executionID string) (journal.Status, error) {
	return a.reconcile(ctx, executionID, false)
}

// Reschedule 恢复路径：调度所有没有存活尝试的可运行节点，包括等待重试的节点。
// 调用方须持有该执行的租约；仍标记为运行中的节点视为已中断
func (a *Advancer) Reschedule(ctx context.Context, executionID, owner, previous string) (journal.Status, error) {
	_, _, err := journal.Update(ctx, a.store, executionID, 0, func(st *journal.State) (*journal.Entry, error) {
		if st.Status.Terminal() {
			return nil, nil
		}
		fr, err := frontier.FromState(st)
		if err != nil {
			return nil, err
		}
		if len(fr.InFlight()) == 0 {
			return nil, nil
		}
		e, err := journal.NewEntry(journal.KindRecoveryStarted, journal.RecoveryStarted{Owner: owner, Previous: previous})
		return &e, err
	})
	if err != nil && !errors.Is(err, journal.ErrTerminal) {
		return "", fmt.Errorf("recover %s: %w", executionID, err)
	}
	return a.reconcile(ctx, executionID, true)
}

func (a *Advancer) reconcile(ctx context.Context, executionID string, withRetries bool) (journal.Status, error) {
	st, finalized, err := journal.TransitionWithRetry(ctx, a.store, executionID, a.decideFinal)
	if err != nil {
		return "", fmt.Errorf("reconcile %s: %w", executionID, err)
	}
	if finalized {
		a.observeFinal(st)
		return st.Status, nil
	}
	if st.Status != journal.StatusRunning {
		return st.Status, nil
	}
	fr, err := frontier.FromState(st)
	if err != nil {
		return st.Status, err
	}
	return st.Status, a.schedule(ctx, executionID, fr, withRetries)
}

// decideFinal 终态判定；冲突重试时基于重新读取的状态重新判定
func (a *Advancer) decideFinal(st *journal.State) (journal.Status, *journal.Entry, bool) {
	if st.Status.Terminal() || st.Status == journal.StatusCreated {
		return "", nil, false
	}
	fr, err := frontier.FromState(st)
	if err != nil {
		a.log.Error("replay failed", "execution_id", st.ExecutionID, "error", err)
		return "", nil, false
	}
	switch st.Status {
	case journal.StatusRunning:
		if f := fr.Failure(); f != nil {
			e := journal.MustEntry(journal.KindExecutionFailed, journal.ExecutionFailed{
				Error: f.Error, NodeID: f.NodeID, Attempts: f.Attempts, RetryCount: fr.RetriesUsed(),
			})
			return journal.StatusFailed, &e, true
		}
		if fr.Done() {
			e := journal.MustEntry(journal.KindExecutionCompleted, journal.ExecutionCompleted{Outputs: fr.Outputs()})
			return journal.StatusCompleted, &e, true
		}
	case journal.StatusCancelling:
		if len(fr.InFlight()) == 0 {
			e := journal.MustEntry(journal.KindExecutionCancelled, journal.ExecutionCancelled{Reason: cancelReason(st)})
			return journal.StatusCancelled, &e, true
		}
	}
	return "", nil, false
}

func cancelReason(st *journal.State) string {
	for i := len(st.Entries) - 1; i >= 0; i-- {
		if st.Entries[i].Kind != journal.KindCancellationRequested {
			continue
		}
		var p journal.CancellationRequested
		if err := st.Entries[i].Decode(&p); err == nil {
			return p.Reason
		}
	}
	return ""
}

func (a *Advancer) observeFinal(st *journal.State) {
	metrics.ExecutionTotal.WithLabelValues(string(st.Status)).Inc()
	metrics.ExecutionDuration.WithLabelValues(st.WorkflowID).Observe(a.now().Sub(st.CreatedAt).Seconds())
	a.log.Info("execution finished", "execution_id", st.ExecutionID, "status", st.Status)
}

func (a *Advancer) schedule(ctx context.Context, executionID string, fr *frontier.Frontier, withRetries bool) error {
	for _, id := range fr.Ready() {
		n, _ := fr.Node(id)
		// 等待重试的节点由原任务 nack 后重新投递，只有恢复路径才补发
		if n.Phase == frontier.PhaseRetryPending && !withRetries {
			continue
		}
		task, err := BuildTask(executionID, fr, id)
		if err != nil {
			return err
		}
		if err := a.queue.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("enqueue %s: %w", task.ID, err)
		}
		a.log.Debug("task scheduled", "execution_id", executionID, "node_id", id, "task_id", task.ID)
	}
	return nil
}

// BuildTask 为节点的下一次尝试构造任务；任务 id 与幂等键由 (执行, 节点, 尝试编号) 确定
func BuildTask(executionID string, fr *frontier.Frontier, nodeID string) (taskqueue.Task, error) {
	plan := fr.Plan()
	pn, ok := plan.Node(nodeID)
	if !ok {
		return taskqueue.Task{}, fmt.Errorf("unknown node %q", nodeID)
	}
	n, _ := fr.Node(nodeID)
	attempt := n.NextAttempt()
	in, err := fr.InputsFor(nodeID)
	if err != nil {
		return taskqueue.Task{}, err
	}
	remaining := plan.Budget.MaxTotalRetries - fr.RetriesUsed()
	if remaining < 0 {
		remaining = 0
	}
	return taskqueue.Task{
		ID:             taskqueue.TaskID(executionID, nodeID, attempt),
		ExecutionID:    executionID,
		NodeID:         nodeID,
		ActionRef:      pn.Type,
		Attempt:        attempt,
		IdempotencyKey: action.IdempotencyKey(executionID, nodeID, attempt),
		Inputs:         in,
		State:          n.State,
		Iteration:      n.Iteration,
		Budget: taskqueue.Budget{
			Timeout:          pn.Timeout,
			MaxPayloadBytes:  plan.Budget.MaxPayloadBytes,
			RetriesRemaining: remaining,
			Deadline:         fr.Deadline(),
		},
		NotBefore: n.NotBefore,
	}, nil
}

// RequestCancel running/created → cancelling 并记录原因；没有运行中的节点时立即收敛为 cancelled
func (a *Advancer) RequestCancel(ctx context.Context, executionID, reason string) (journal.Status, error) {
	st, _, err := journal.TransitionWithRetry(ctx, a.store, executionID, func(st *journal.State) (journal.Status, *journal.Entry, bool) {
		if st.Status != journal.StatusRunning && st.Status != journal.StatusCreated {
			return "", nil, false
		}
		e := journal.MustEntry(journal.KindCancellationRequested, journal.CancellationRequested{Reason: reason})
		return journal.StatusCancelling, &e, true
	})
	if err != nil {
		return "", fmt.Errorf("cancel %s: %w", executionID, err)
	}
	if st.Status.Terminal() {
		return st.Status, nil
	}
	return a.Reconcile(ctx, executionID)
}

// TimeOut 执行超过墙钟截止时间时强制转为 timed_out；返回是否发生转换
func (a *Advancer) TimeOut(ctx context.Context, executionID string) (bool, error) {
	now := a.now()
	st, ok, err := journal.TransitionWithRetry(ctx, a.store, executionID, func(st *journal.State) (journal.Status, *journal.Entry, bool) {
		if st.Status != journal.StatusRunning && st.Status != journal.StatusCancelling {
			return "", nil, false
		}
		fr, err := frontier.FromState(st)
		if err != nil || fr.Deadline().IsZero() || now.Before(fr.Deadline()) {
			return "", nil, false
		}
		e := journal.MustEntry(journal.KindExecutionTimedOut, journal.ExecutionTimedOut{Deadline: fr.Deadline()})
		return journal.StatusTimedOut, &e, true
	})
	if err != nil {
		return false, fmt.Errorf("timeout %s: %w", executionID, err)
	}
	if ok {
		a.observeFinal(st)
	}
	return ok, nil
}

// Abort 把未结束的执行直接置为失败，用于启动后调度失败、执行无人推进的情形
func (a *Advancer) Abort(ctx context.Context, executionID string, cause error) (bool, error) {
	st, ok, err := journal.TransitionWithRetry(ctx, a.store, executionID, func(st *journal.State) (journal.Status, *journal.Entry, bool) {
		if st.Status.Terminal() {
			return "", nil, false
		}
		e := journal.MustEntry(journal.KindExecutionFailed, journal.ExecutionFailed{
			Error: action.FatalError(fmt.Sprintf("execution aborted: %v", cause)),
		})
		return journal.StatusFailed, &e, true
	})
	if err != nil {
		return false, fmt.Errorf("abort %s: %w", executionID, err)
	}
	if ok {
		a.observeFinal(st)
	}
	return ok, nil
}

// ResolveWait 解除等待节点并推进；节点不在等待时返回 ErrNotWaiting
func (a *Advancer) ResolveWait(ctx context.Context, executionID string, resolved journal.WaitResolved) (journal.Status, error) {
	entry, status, err := a.Record(ctx, executionID, func(st *journal.State) (*journal.Entry, error) {
		if st.Status.Terminal() {
			return nil, journal.ErrTerminal
		}
		fr, err := frontier.FromState(st)
		if err != nil {
			return nil, err
		}
		n, ok := fr.Node(resolved.NodeID)
		if !ok || n.Phase != frontier.PhaseWaiting {
			return nil, nil
		}
		resolved.Attempt = n.Attempt
		e, err := journal.NewEntry(journal.KindWaitResolved, resolved)
		return &e, err
	})
	if err != nil {
		return status, err
	}
	if entry == nil {
		return status, ErrNotWaiting
	}
	return status, nil
}
