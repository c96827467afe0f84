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

package frontier

import (
	"fmt"
	"time"

	"flowrun/internal/action"
	"flowrun/internal/runtime/journal"
)

// Outcome 一次尝试的产出：结果与错误恰好一个非空
type Outcome struct {
	Result *action.Result
	Err    *action.Error
}

// Decision 结果处理器对一次尝试的裁决，原样写入 node_attempt 条目
type Decision struct {
	Disposition  journal.Disposition
	Output       *action.Result
	Err          *action.Error
	Delay        time.Duration
	WaitDeadline *time.Time
}

// Handler 结果处理器
type Handler struct {
	// RetryFloor 没有退避提示和节点退避配置时的最小重试间隔
	RetryFloor time.Duration
}

// Interpret 依据节点重试策略、执行预算与墙钟截止时间裁决 out。f 为本次尝试开始前的前沿
func (h Handler) Interpret(f *Frontier, nodeID string, attempt int, out Outcome, now time.Time) Decision {
	if out.Err == nil && out.Result == nil {
		out.Err = action.FatalError("action returned neither result nor error")
	}
	if out.Err == nil {
		if err := out.Result.Validate(); err != nil {
			out.Err = action.AsError(err)
		}
	}
	if out.Err != nil {
		return h.onError(f, nodeID, attempt, out.Err, now)
	}

	r := *out.Result
	switch r.Kind {
	case action.ResultContinue:
		n, _ := f.Node(nodeID)
		if limit := f.plan.Budget.MaxLoopIterations; limit > 0 && n.Iteration+1 >= limit {
			return h.terminal(f, nodeID, action.Fatalf("loop exceeded %d iterations", limit))
		}
		return Decision{Disposition: journal.DispositionLoop, Output: &r, Delay: r.Delay}
	case action.ResultWait:
		d := Decision{Disposition: journal.DispositionPark, Output: &r}
		if dl := r.Wait.Deadline(now); !dl.IsZero() {
			d.WaitDeadline = &dl
		}
		return d
	default:
		return Decision{Disposition: journal.DispositionAdvance, Output: &r}
	}
}

func (h Handler) onError(f *Frontier, nodeID string, attempt int, e *action.Error, now time.Time) Decision {
	switch e.Kind {
	case action.ErrCancelled:
		return Decision{Disposition: journal.DispositionCancelled, Err: e}
	case action.ErrRetryable:
		delay := h.retryDelay(f, nodeID, attempt, e)
		if reason := h.retryBlocked(f, nodeID, attempt, delay, now); reason != "" {
			// 保留 retryable 分类，不能再重试的原因写入消息
			exhausted := *e
			exhausted.Message = fmt.Sprintf("%s: %s", e.Message, reason)
			return h.terminal(f, nodeID, &exhausted)
		}
		return Decision{Disposition: journal.DispositionRetry, Err: e, Delay: delay}
	default:
		return h.terminal(f, nodeID, e)
	}
}

func (h Handler) retryDelay(f *Frontier, nodeID string, attempt int, e *action.Error) time.Duration {
	pn, _ := f.plan.Node(nodeID)
	delay := pn.Retry.BackoffFor(attempt)
	if e.RetryAfter > delay {
		delay = e.RetryAfter
	}
	if h.RetryFloor > delay {
		delay = h.RetryFloor
	}
	return delay
}

// retryBlocked 返回不能重试的原因；空串表示可以重试
func (h Handler) retryBlocked(f *Frontier, nodeID string, attempt int, delay time.Duration, now time.Time) string {
	pn, _ := f.plan.Node(nodeID)
	if limit := pn.Retry.MaxAttempts; limit > 0 && attempt >= limit {
		return fmt.Sprintf("node retry limit reached after %d attempts", attempt)
	}
	if f.RetriesUsed() >= f.plan.Budget.MaxTotalRetries {
		return fmt.Sprintf("execution retry budget of %d exhausted", f.plan.Budget.MaxTotalRetries)
	}
	if dl := f.Deadline(); !dl.IsZero() && !now.Add(delay).Before(dl) {
		return "wall-clock budget exhausted"
	}
	return ""
}

// terminal 节点以错误结束；ContinueOnFail 的节点按 skip 推进，能力违规除外
func (h Handler) terminal(f *Frontier, nodeID string, e *action.Error) Decision {
	pn, _ := f.plan.Node(nodeID)
	if pn.ContinueOnFail && e.Kind != action.ErrSandboxViolation {
		skip := action.Skip()
		return Decision{Disposition: journal.DispositionAdvance, Output: &skip, Err: e}
	}
	return Decision{Disposition: journal.DispositionFail, Err: e}
}
