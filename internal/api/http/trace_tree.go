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

package http

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"flowrun/internal/action"
	"flowrun/internal/runtime/journal"
)

// TraceSpan 执行追踪树中的一个区间
type TraceSpan struct {
	SpanID      string              `json:"span_id"`
	ParentID    *string             `json:"parent_id,omitempty"`
	Type        string              `json:"type"` // execution | node | attempt | wait
	NodeID      string              `json:"node_id,omitempty"`
	Attempt     int                 `json:"attempt,omitempty"`
	Iteration   int                 `json:"iteration,omitempty"`
	WorkerID    string              `json:"worker_id,omitempty"`
	StartTime   *time.Time          `json:"start_time,omitempty"`
	EndTime     *time.Time          `json:"end_time,omitempty"`
	Status      string              `json:"status,omitempty"`
	Disposition journal.Disposition `json:"disposition,omitempty"`
	Error       *action.Error       `json:"error,omitempty"`
	BytesIn     int64               `json:"bytes_in,omitempty"`
	BytesOut    int64               `json:"bytes_out,omitempty"`
	Seq         []int               `json:"seq,omitempty"`
	Children    []*TraceSpan        `json:"children,omitempty"`
}

func (s *TraceSpan) add(child *TraceSpan) {
	id := s.SpanID
	child.ParentID = &id
	s.Children = append(s.Children, child)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// BuildExecutionTrace 从日志条目推导执行树：执行 -> 节点 -> 尝试/等待。
// 无法解码的条目跳过，树只用于展示
func BuildExecutionTrace(entries []journal.Entry) *TraceSpan {
	root := &TraceSpan{SpanID: "execution", Type: "execution"}
	nodes := map[string]*TraceSpan{}
	// 未闭合的尝试，按 node/attempt/iteration 配对
	open := map[string]*TraceSpan{}

	nodeSpan := func(id string) *TraceSpan {
		if n, ok := nodes[id]; ok {
			return n
		}
		n := &TraceSpan{SpanID: "node:" + id, Type: "node", NodeID: id}
		nodes[id] = n
		root.add(n)
		return n
	}
	attemptKey := func(node string, attempt, iteration int) string {
		return fmt.Sprintf("%s/%d/%d", node, attempt, iteration)
	}

	for _, e := range entries {
		switch e.Kind {
		case journal.KindExecutionStarted:
			root.StartTime = timePtr(e.Timestamp)
			root.Status = string(journal.StatusCreated)
		case journal.KindExecutionRunning:
			root.Status = string(journal.StatusRunning)
		case journal.KindCancellationRequested:
			root.Status = string(journal.StatusCancelling)
		case journal.KindNodeStarted:
			var p journal.NodeStarted
			if e.Decode(&p) != nil {
				continue
			}
			n := nodeSpan(p.NodeID)
			key := attemptKey(p.NodeID, p.Attempt, p.Iteration)
			if _, dup := open[key]; dup {
				continue
			}
			a := &TraceSpan{
				SpanID: "attempt:" + key, Type: "attempt", NodeID: p.NodeID, Attempt: p.Attempt,
				Iteration: p.Iteration, WorkerID: p.WorkerID, StartTime: timePtr(p.StartedAt),
				BytesIn: p.BytesIn, Seq: []int{e.Seq},
			}
			if n.StartTime == nil {
				n.StartTime = a.StartTime
			}
			open[key] = a
			n.add(a)
		case journal.KindNodeAttempt:
			var p journal.NodeAttempt
			if e.Decode(&p) != nil {
				continue
			}
			n := nodeSpan(p.NodeID)
			key := attemptKey(p.NodeID, p.Attempt, p.Iteration)
			a, ok := open[key]
			if !ok {
				a = &TraceSpan{
					SpanID: "attempt:" + key, Type: "attempt", NodeID: p.NodeID, Attempt: p.Attempt,
					Iteration: p.Iteration, StartTime: timePtr(p.StartedAt), BytesIn: p.BytesIn,
				}
				n.add(a)
			}
			delete(open, key)
			a.EndTime = timePtr(p.CompletedAt)
			a.Disposition, a.Error, a.BytesOut = p.Disposition, p.Error, p.BytesOut
			if p.WorkerID != "" {
				a.WorkerID = p.WorkerID
			}
			a.Seq = append(a.Seq, e.Seq)
			n.Attempt, n.Iteration, n.Disposition, n.Error = p.Attempt, p.Iteration, p.Disposition, p.Error
			n.EndTime = a.EndTime
		case journal.KindWaitResolved:
			var p journal.WaitResolved
			if e.Decode(&p) != nil {
				continue
			}
			n := nodeSpan(p.NodeID)
			w := &TraceSpan{
				SpanID: fmt.Sprintf("wait:%s/%d", p.NodeID, e.Seq), Type: "wait", NodeID: p.NodeID,
				Status: p.Reason, Error: p.Error, EndTime: timePtr(e.Timestamp), Seq: []int{e.Seq},
			}
			n.add(w)
			n.EndTime, n.Error = w.EndTime, p.Error
		case journal.KindExecutionCompleted, journal.KindExecutionFailed, journal.KindExecutionCancelled, journal.KindExecutionTimedOut:
			root.EndTime = timePtr(e.Timestamp)
			root.Status = string(terminalStatus(e.Kind))
			if e.Kind == journal.KindExecutionFailed {
				var p journal.ExecutionFailed
				if e.Decode(&p) == nil {
					root.Error = p.Error
				}
			}
		}
	}
	return root
}

func terminalStatus(k journal.Kind) journal.Status {
	switch k {
	case journal.KindExecutionCompleted:
		return journal.StatusCompleted
	case journal.KindExecutionFailed:
		return journal.StatusFailed
	case journal.KindExecutionCancelled:
		return journal.StatusCancelled
	default:
		return journal.StatusTimedOut
	}
}

// GetExecutionTrace 执行追踪树；raw=1 时附带原始条目
// GET /api/executions/:id/trace
func (h *Handler) GetExecutionTrace(c context.Context, ctx *app.RequestContext) {
	entries, err := h.engine.History(c, ctx.Param("id"))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	out := map[string]any{"execution_id": ctx.Param("id"), "trace": BuildExecutionTrace(entries)}
	if string(ctx.Query("raw")) == "1" {
		if out["entries"], err = h.redactEntries(entries); err != nil {
			writeError(c, ctx, err)
			return
		}
	}
	ctx.JSON(consts.StatusOK, out)
}

// redactEntries 返回脱敏后的条目副本
func (h *Handler) redactEntries(entries []journal.Entry) ([]journal.Entry, error) {
	if !h.redactor.Enabled() {
		return entries, nil
	}
	out := make([]journal.Entry, len(entries))
	for i, e := range entries {
		payload, err := h.redactor.Redact(string(e.Kind), e.Payload)
		if err != nil {
			return nil, err
		}
		e.Payload = payload
		out[i] = e
	}
	return out, nil
}
