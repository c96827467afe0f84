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

package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// MainPort 未命名端口的规范名
const MainPort = "main"

// NormalizePort 空端口视为 main
func NormalizePort(p string) string {
	if p == "" {
		return MainPort
	}
	return p
}

// ResultKind 动作结果变体
type ResultKind string

const (
	ResultSuccess     ResultKind = "success"
	ResultSkip        ResultKind = "skip"
	ResultContinue    ResultKind = "continue"
	ResultBreak       ResultKind = "break"
	ResultBranch      ResultKind = "branch"
	ResultRoute       ResultKind = "route"
	ResultMultiOutput ResultKind = "multi_output"
	ResultWait        ResultKind = "wait"
)

// Result 动作成功返回的带标签联合体；Kind 决定哪些字段有效
type Result struct {
	Kind ResultKind `json:"kind"`
	// Data success / break / branch / route 的输出
	Data json.RawMessage `json:"data,omitempty"`
	// State continue 时保存的循环状态，下一次 Step 原样带回
	State    json.RawMessage `json:"state,omitempty"`
	Delay    time.Duration   `json:"delay,omitempty"`
	Progress json.RawMessage `json:"progress,omitempty"`
	// Selected branch 选中的分支键；Alternatives 为未选中的候选（仅用于审计）
	Selected     string                     `json:"selected,omitempty"`
	Alternatives []string                   `json:"alternatives,omitempty"`
	Port         string                     `json:"port,omitempty"`
	Outputs      map[string]json.RawMessage `json:"outputs,omitempty"`
	Wait         *WaitSpec                  `json:"wait,omitempty"`
}

func Success(data json.RawMessage) Result {
	return Result{Kind: ResultSuccess, Data: data}
}

// Skip 节点视为完成但不向下游提供数据
func Skip() Result {
	return Result{Kind: ResultSkip}
}

// Continue 保存 state，在 delay 后重新调度同一节点；不推进下游
func Continue(state json.RawMessage, delay time.Duration) Result {
	return Result{Kind: ResultContinue, State: state, Delay: delay}
}

func ContinueWithProgress(state json.RawMessage, delay time.Duration, progress json.RawMessage) Result {
	r := Continue(state, delay)
	r.Progress = progress
	return r
}

// Break 结束循环并以 data 推进
func Break(data json.RawMessage) Result {
	return Result{Kind: ResultBreak, Data: data}
}

func Branch(selected string, data json.RawMessage, alternatives ...string) Result {
	return Result{Kind: ResultBranch, Selected: selected, Data: data, Alternatives: alternatives}
}

func Route(port string, data json.RawMessage) Result {
	return Result{Kind: ResultRoute, Port: NormalizePort(port), Data: data}
}

func MultiOutput(outputs map[string]json.RawMessage) Result {
	norm := make(map[string]json.RawMessage, len(outputs))
	for p, d := range outputs {
		norm[NormalizePort(p)] = d
	}
	return Result{Kind: ResultMultiOutput, Outputs: norm}
}

func Wait(spec WaitSpec) Result {
	return Result{Kind: ResultWait, Wait: &spec}
}

// Validate 检查变体必需字段
func (r Result) Validate() error {
	switch r.Kind {
	case ResultSuccess, ResultSkip, ResultBreak, ResultContinue:
		return nil
	case ResultBranch:
		if r.Selected == "" {
			return ValidationError("branch result without selected key")
		}
	case ResultRoute:
		return nil
	case ResultMultiOutput:
		if len(r.Outputs) == 0 {
			return ValidationError("multi_output result without outputs")
		}
	case ResultWait:
		if r.Wait == nil {
			return ValidationError("wait result without wait spec")
		}
		return r.Wait.Validate()
	default:
		return ValidationError(fmt.Sprintf("unknown result kind %q", r.Kind))
	}
	return nil
}

// Advances 是否在本次尝试后推进下游（continue 与 wait 不推进）
func (r Result) Advances() bool {
	return r.Kind != ResultContinue && r.Kind != ResultWait
}

// OutputFor 返回沿 port 出边传递的数据；ok=false 表示该出边不激活
func (r Result) OutputFor(port string) (data json.RawMessage, ok bool) {
	port = NormalizePort(port)
	switch r.Kind {
	case ResultSuccess, ResultBreak:
		return r.Data, true
	case ResultSkip:
		return nil, true
	case ResultBranch:
		if port == r.Selected {
			return r.Data, true
		}
	case ResultRoute:
		if port == NormalizePort(r.Port) {
			return r.Data, true
		}
	case ResultMultiOutput:
		d, ok := r.Outputs[port]
		return d, ok
	}
	return nil, false
}

// Size 输出数据的字节数，用于负载上限检查
func (r Result) Size() int64 {
	n := int64(len(r.Data) + len(r.State) + len(r.Progress))
	for _, d := range r.Outputs {
		n += int64(len(d))
	}
	return n
}

// WaitKind 等待类型
type WaitKind string

const (
	WaitCallback  WaitKind = "callback"
	WaitTimer     WaitKind = "timer"
	WaitApproval  WaitKind = "approval"
	WaitExecution WaitKind = "execution"
)

// OnTimeout 等待超时后的行为
const (
	OnTimeoutFail     = "fail"
	OnTimeoutContinue = "continue"
)

// WaitSpec 挂起节点直到外部信号、定时器或另一个执行结束
type WaitSpec struct {
	Kind           WaitKind      `json:"kind"`
	CorrelationKey string        `json:"correlation_key,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	Until          *time.Time    `json:"until,omitempty"`
	ExecutionID    string        `json:"execution_id,omitempty"`
	OnTimeout      string        `json:"on_timeout,omitempty"`
}

func (w WaitSpec) Validate() error {
	switch w.Kind {
	case WaitCallback, WaitApproval:
	case WaitTimer:
		if w.Until == nil && w.Timeout <= 0 {
			return ValidationError("timer wait needs until or timeout")
		}
	case WaitExecution:
		if w.ExecutionID == "" {
			return ValidationError("execution wait needs execution_id")
		}
	default:
		return ValidationError(fmt.Sprintf("unknown wait kind %q", w.Kind))
	}
	switch w.OnTimeout {
	case "", OnTimeoutFail, OnTimeoutContinue:
		return nil
	default:
		return ValidationError(fmt.Sprintf("unknown on_timeout %q", w.OnTimeout))
	}
}

// Deadline 计算等待截止时间；零值表示无截止
func (w WaitSpec) Deadline(now time.Time) time.Time {
	if w.Kind == WaitTimer && w.Until != nil {
		return *w.Until
	}
	if w.Timeout > 0 {
		return now.Add(w.Timeout)
	}
	return time.Time{}
}

// TimeoutContinues 超时后是否以空数据继续
func (w WaitSpec) TimeoutContinues() bool {
	if w.Kind == WaitTimer {
		return w.OnTimeout != OnTimeoutFail
	}
	return w.OnTimeout == OnTimeoutContinue
}
