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
	"fmt"
	"time"

	"flowrun/internal/action"
	"flowrun/internal/executor"
	"flowrun/internal/frontier"
	"flowrun/internal/runtime/journal"
	"flowrun/internal/storage/object"
)

// Handle 一个执行的句柄
type Handle struct {
	ID         string
	WorkflowID string
	engine     *Engine
}

// Result 执行终态结果
type Result struct {
	ExecutionID string                     `json:"execution_id"`
	WorkflowID  string                     `json:"workflow_id"`
	Status      journal.Status             `json:"status"`
	Outputs     map[string]json.RawMessage `json:"outputs,omitempty"`
	Error       *action.Error              `json:"error,omitempty"`
	FailedNode  string                     `json:"failed_node,omitempty"`
	Attempts    int                        `json:"attempts,omitempty"`
	RetryCount  int                        `json:"retry_count,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
}

// AwaitResult 阻塞直到执行进入终态或 ctx 结束。同进程 Worker 的事件用于及时唤醒，
// 没有事件时按 PollInterval 轮询日志
func (h *Handle) AwaitResult(ctx context.Context) (*Result, error) {
	e := h.engine
	ch := e.subscribe(h.ID)
	defer e.unsubscribe(h.ID, ch)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		st, err := e.state(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if st.Status.Terminal() {
			return e.result(ctx, st)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}

// Status 当前状态与节点明细
func (h *Handle) Status(ctx context.Context) (*ExecutionStatus, error) {
	return h.engine.Status(ctx, h.ID)
}

// Cancel 请求取消
func (h *Handle) Cancel(ctx context.Context, reason string) (journal.Status, error) {
	return h.engine.CancelExecution(ctx, h.ID, reason)
}

// result 从终态条目构造结果；外溢到对象存储的输出被取回
func (e *Engine) result(ctx context.Context, st *journal.State) (*Result, error) {
	r := &Result{ExecutionID: st.ExecutionID, WorkflowID: st.WorkflowID, Status: st.Status}
	for i := len(st.Entries) - 1; i >= 0; i-- {
		entry := st.Entries[i]
		var err error
		switch entry.Kind {
		case journal.KindExecutionCompleted:
			var p journal.ExecutionCompleted
			if err = entry.Decode(&p); err == nil {
				r.Outputs, err = e.hydrateOutputs(ctx, p.Outputs)
			}
		case journal.KindExecutionFailed:
			var p journal.ExecutionFailed
			if err = entry.Decode(&p); err == nil {
				r.Error, r.FailedNode, r.Attempts, r.RetryCount = p.Error, p.NodeID, p.Attempts, p.RetryCount
			}
		case journal.KindExecutionCancelled:
			var p journal.ExecutionCancelled
			if err = entry.Decode(&p); err == nil {
				r.Reason = p.Reason
			}
		case journal.KindExecutionTimedOut:
			var p journal.ExecutionTimedOut
			if err = entry.Decode(&p); err == nil {
				r.Reason = fmt.Sprintf("deadline %s exceeded", p.Deadline.Format(time.RFC3339))
			}
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("execution %s: %w", st.ExecutionID, err)
		}
		break
	}
	return r, nil
}

func (e *Engine) hydrateOutputs(ctx context.Context, outputs map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	if e.objects == nil {
		return outputs, nil
	}
	for node, data := range outputs {
		ref, ok := executor.ParseSpillRef(data)
		if !ok {
			continue
		}
		b, err := object.ReadAll(ctx, e.objects, ref.Ref)
		if err != nil {
			return nil, fmt.Errorf("load output of %s: %w", node, err)
		}
		outputs[node] = b
	}
	return outputs, nil
}

// NodeStatus 单个节点的重放视图
type NodeStatus struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Phase        frontier.Phase   `json:"phase"`
	Attempt      int              `json:"attempt,omitempty"`
	Iteration    int              `json:"iteration,omitempty"`
	Error        *action.Error    `json:"error,omitempty"`
	Wait         *action.WaitSpec `json:"wait,omitempty"`
	WaitDeadline *time.Time       `json:"wait_deadline,omitempty"`
}

// ExecutionStatus 执行状态快照
type ExecutionStatus struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Status      journal.Status `json:"status"`
	Version     int            `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	RetriesUsed int            `json:"retries_used"`
	Nodes       []NodeStatus   `json:"nodes"`
	Result      *Result        `json:"result,omitempty"`
}

// Status 查询执行状态；节点明细来自日志重放
func (e *Engine) Status(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	st, err := e.state(ctx, executionID)
	if err != nil {
		return nil, err
	}
	fr, err := frontier.FromState(st)
	if err != nil {
		return nil, err
	}
	out := &ExecutionStatus{
		ExecutionID: st.ExecutionID,
		WorkflowID:  st.WorkflowID,
		Status:      st.Status,
		Version:     st.Version,
		CreatedAt:   st.CreatedAt,
		UpdatedAt:   st.UpdatedAt,
		RetriesUsed: fr.RetriesUsed(),
	}
	if d := fr.Deadline(); !d.IsZero() {
		out.Deadline = &d
	}
	for _, id := range fr.Plan().Order {
		n, _ := fr.Node(id)
		pn, _ := fr.Plan().Node(id)
		ns := NodeStatus{ID: id, Type: pn.Type, Phase: n.Phase, Attempt: n.Attempt, Iteration: n.Iteration, Error: n.Error, Wait: n.Wait}
		if !n.WaitDeadline.IsZero() {
			d := n.WaitDeadline
			ns.WaitDeadline = &d
		}
		out.Nodes = append(out.Nodes, ns)
	}
	if st.Status.Terminal() {
		if out.Result, err = e.result(ctx, st); err != nil {
			return nil, err
		}
	}
	return out, nil
}
