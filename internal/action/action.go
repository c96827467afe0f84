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

// Package action 定义工作流节点背后的动作：结果与错误的带标签联合体、能力与隔离级别、
// 两种动作形态（一次性与迭代）以及显式注入的注册表。
package action

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"flowrun/pkg/log"
)

// Kind 动作形态，注册时确定，调用时做封闭分派
type Kind int

const (
	KindOneShot Kind = iota
	KindIterative
)

func (k Kind) String() string {
	if k == KindIterative {
		return "iterative"
	}
	return "one_shot"
}

// OneShot 一次调用产出一个结果
type OneShot interface {
	Execute(ctx Context) (Result, error)
}

// Iterative 每次调用推进一步；state 为上一步 Continue 保存的状态，首次为空
type Iterative interface {
	Step(ctx Context, state json.RawMessage) (Result, error)
}

// Func 将普通函数适配为 OneShot
type Func func(ctx Context) (Result, error)

func (f Func) Execute(ctx Context) (Result, error) { return f(ctx) }

// StepFunc 将普通函数适配为 Iterative
type StepFunc func(ctx Context, state json.RawMessage) (Result, error)

func (f StepFunc) Step(ctx Context, state json.RawMessage) (Result, error) { return f(ctx, state) }

// Input 节点的解析后输入
type Input struct {
	Params    json.RawMessage            `json:"params,omitempty"`
	Execution json.RawMessage            `json:"execution,omitempty"`
	Upstream  map[string]json.RawMessage `json:"upstream,omitempty"`
}

// Size 输入总字节数
func (in Input) Size() int64 {
	n := int64(len(in.Params) + len(in.Execution))
	for _, d := range in.Upstream {
		n += int64(len(d))
	}
	return n
}

// DecodeParams 将节点参数解码到 v；参数为空时不修改 v
func (in Input) DecodeParams(v any) error {
	if len(in.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(in.Params, v); err != nil {
		return ValidationError("invalid params: " + err.Error())
	}
	return nil
}

// Single 返回唯一上游的数据；没有上游时返回执行输入
func (in Input) Single() json.RawMessage {
	if len(in.Upstream) == 1 {
		for _, d := range in.Upstream {
			return d
		}
	}
	if len(in.Upstream) == 0 {
		return in.Execution
	}
	return nil
}

// Invocation 一次节点尝试的标识与输入，跨沙箱边界序列化传输
type Invocation struct {
	ExecutionID    string          `json:"execution_id"`
	NodeID         string          `json:"node_id"`
	ActionType     string          `json:"action_type"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotency_key"`
	Input          Input           `json:"input"`
	State          json.RawMessage `json:"state,omitempty"`
	Iteration      int             `json:"iteration,omitempty"`
}

// Context 动作可见的执行上下文。特权操作（资源、凭据、网络、文件）全部经由此接口，
// 在 CapabilityGated 级别下每次调用都会校验授权
type Context interface {
	context.Context

	Invocation() Invocation
	Resource(name string) (any, error)
	Credential(name string) (string, error)
	CheckHost(host string) error
	OpenFile(path string, writable bool) (*os.File, error)
	HTTPClient() *http.Client
	Logger() *log.Logger
	// Cancelled 供长时间运行的动作在安全点轮询
	Cancelled() bool
}

// Descriptor 动作类型的静态描述
type Descriptor struct {
	Type        string
	Description string
	Isolation   IsolationLevel
	// FirstParty 为 false 的动作一律在 Isolated 边界内执行
	FirstParty   bool
	Capabilities []Capability
	Resources    []string
	Credentials  []string
	Timeout      time.Duration
}

// EffectiveIsolation 实际执行边界：不低于 minimum；非一方动作一律 Isolated，配置无法降低
func (d Descriptor) EffectiveIsolation(minimum IsolationLevel) IsolationLevel {
	if !d.FirstParty {
		return IsolationIsolated
	}
	if d.Isolation < minimum {
		return minimum
	}
	return d.Isolation
}
