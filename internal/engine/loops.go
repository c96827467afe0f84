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
	"errors"
	"fmt"

	"flowrun/internal/action"
	"flowrun/internal/frontier"
	"flowrun/internal/runtime/journal"
	"flowrun/internal/scheduler"
	errs "flowrun/pkg/errors"
)

// EnforceDeadlines 看门狗：运行中或取消中的执行超过墙钟截止时间后转为 timed_out。
// 运行中的动作经租约监听观察到取消。返回本轮超时的执行数
func (e *Engine) EnforceDeadlines(ctx context.Context) int {
	list, err := e.store.ListByStatus(ctx, journal.StatusRunning, journal.StatusCancelling)
	if err != nil {
		e.log.Warn("watchdog list failed", "error", err)
		return 0
	}
	var n int
	for _, s := range list {
		ok, err := e.advancer.TimeOut(ctx, s.ExecutionID)
		if err != nil {
			e.log.Warn("watchdog timeout failed", "execution_id", s.ExecutionID, "error", err)
			continue
		}
		if ok {
			n++
			e.log.Info("execution timed out", "execution_id", s.ExecutionID)
			e.finished(s.ExecutionID, journal.StatusTimedOut)
		}
	}
	return n
}

// SweepWaits 解除到期的等待：超时的等待节点按 on_timeout 继续或失败；
// execution 类等待在目标执行结束后解除。返回本轮解除的节点数
func (e *Engine) SweepWaits(ctx context.Context) int {
	list, err := e.store.ListByStatus(ctx, journal.StatusRunning)
	if err != nil {
		e.log.Warn("wait sweep list failed", "error", err)
		return 0
	}
	var resolved int
	for _, s := range list {
		st, err := e.store.GetState(ctx, s.ExecutionID)
		if err != nil {
			continue
		}
		fr, err := frontier.FromState(st)
		if err != nil {
			e.log.Warn("wait sweep replay failed", "execution_id", s.ExecutionID, "error", err)
			continue
		}
		for _, id := range fr.Waiting() {
			n, _ := fr.Node(id)
			res, ok := e.checkWait(ctx, n)
			if !ok {
				continue
			}
			status, err := e.advancer.ResolveWait(ctx, s.ExecutionID, res)
			if errs.IsAny(err, scheduler.ErrNotWaiting, journal.ErrTerminal) {
				continue
			}
			if err != nil {
				e.log.Warn("resolve wait failed", "execution_id", s.ExecutionID, "node_id", id, "error", err)
				continue
			}
			resolved++
			e.log.Info("wait resolved", "execution_id", s.ExecutionID, "node_id", id, "reason", res.Reason)
			e.notify(s.ExecutionID)
			if status.Terminal() {
				e.finished(s.ExecutionID, status)
			}
		}
	}
	return resolved
}

// checkWait 判断等待节点是否可以解除，并给出解除条目
func (e *Engine) checkWait(ctx context.Context, n frontier.NodeState) (journal.WaitResolved, bool) {
	if n.Wait == nil {
		return journal.WaitResolved{}, false
	}
	if n.Wait.Kind == action.WaitExecution {
		if res, ok := e.checkExecutionWait(ctx, n); ok {
			return res, true
		}
	}
	if n.WaitDeadline.IsZero() || e.now().Before(n.WaitDeadline) {
		return journal.WaitResolved{}, false
	}
	res := journal.WaitResolved{NodeID: n.ID, Reason: journal.WaitReasonTimeout}
	if !n.Wait.TimeoutContinues() {
		res.Error = action.FatalError(fmt.Sprintf("%s wait timed out", n.Wait.Kind))
	}
	return res, true
}

// checkExecutionWait 目标执行完成时以其输出解除；以其他终态结束时节点失败
func (e *Engine) checkExecutionWait(ctx context.Context, n frontier.NodeState) (journal.WaitResolved, bool) {
	target, err := e.store.GetState(ctx, n.Wait.ExecutionID)
	if errors.Is(err, journal.ErrNotFound) {
		return journal.WaitResolved{
			NodeID: n.ID, Reason: journal.WaitReasonExecution,
			Error: action.FatalError("awaited execution " + n.Wait.ExecutionID + " does not exist"),
		}, true
	}
	if err != nil || !target.Status.Terminal() {
		return journal.WaitResolved{}, false
	}
	res := journal.WaitResolved{NodeID: n.ID, Reason: journal.WaitReasonExecution}
	if target.Status != journal.StatusCompleted {
		res.Error = action.Fatalf("awaited execution %s ended %s", target.ExecutionID, target.Status)
		return res, true
	}
	result, err := e.result(ctx, target)
	if err != nil {
		e.log.Warn("load awaited result failed", "execution_id", target.ExecutionID, "error", err)
		return journal.WaitResolved{}, false
	}
	payload, err := json.Marshal(map[string]any{
		"execution_id": target.ExecutionID,
		"status":       target.Status,
		"outputs":      result.Outputs,
	})
	if err != nil {
		return journal.WaitResolved{}, false
	}
	res.Payload = payload
	return res, true
}
