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

package sandbox

import (
	"context"
	"fmt"

	"flowrun/internal/action"
)

// Limits 单次调用的资源上限，0 表示不限制
type Limits struct {
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	CPUMillis   int64 `json:"cpu_millis,omitempty"`
}

// Request 一次沙箱调用；跨进程/网络边界时以 JSON 传输
type Request struct {
	Level      action.IsolationLevel `json:"level"`
	Grants     action.Grants         `json:"grants,omitempty"`
	Invocation action.Invocation     `json:"invocation"`
	// Credentials 仅包含已授权并由宿主预先解析的凭据（Isolated 边界内无法回调宿主）
	Credentials map[string]string `json:"credentials,omitempty"`
	Limits      Limits            `json:"limits,omitempty"`
}

// Response 沙箱返回：Result 与 Error 二选一
type Response struct {
	Result *action.Result `json:"result,omitempty"`
	Error  *action.Error  `json:"error,omitempty"`
}

// Outcome 将 Response 还原为 (Result, error)
func (r Response) Outcome() (action.Result, error) {
	if r.Error != nil {
		return action.Result{}, r.Error
	}
	if r.Result == nil {
		return action.Result{}, action.FatalError("sandbox returned neither result nor error")
	}
	return *r.Result, nil
}

func responseFor(res action.Result, err error) Response {
	if err != nil {
		return Response{Error: action.AsError(err)}
	}
	return Response{Result: &res}
}

// Runner 执行边界端口
type Runner interface {
	Run(ctx context.Context, req Request) (action.Result, error)
}

// ResolveIsolation 动作的实际隔离级别：不低于 minimum，非一方动作一律 Isolated
func ResolveIsolation(desc action.Descriptor, minimum action.IsolationLevel) action.IsolationLevel {
	return desc.EffectiveIsolation(minimum)
}

// InProcessRunner 在当前进程内执行 None 与 CapabilityGated 级别的调用
type InProcessRunner struct {
	registry *action.Registry
	env      Env
}

func NewInProcessRunner(registry *action.Registry, env Env) *InProcessRunner {
	return &InProcessRunner{registry: registry, env: env}
}

func (r *InProcessRunner) Run(ctx context.Context, req Request) (action.Result, error) {
	if req.Level >= action.IsolationIsolated {
		return action.Result{}, action.FatalError("isolated invocation requires an out-of-process runner")
	}
	return invoke(ctx, r.registry, r.env, req)
}

// invoke 查找动作并在相应级别的上下文中调用；panic 被恢复为 Fatal
func invoke(ctx context.Context, registry *action.Registry, env Env, req Request) (res action.Result, err error) {
	reg, ok := registry.Lookup(req.Invocation.ActionType)
	if !ok {
		return action.Result{}, action.Fatalf("unknown action type %q", req.Invocation.ActionType)
	}

	var actx action.Context
	var gated *gatedContext
	if req.Level == action.IsolationNone {
		actx = newDirectContext(ctx, req.Invocation, env)
	} else {
		gated = newGatedContext(ctx, req.Invocation, req.Grants, env)
		actx = gated
	}

	defer func() {
		if p := recover(); p != nil {
			res, err = action.Result{}, action.Fatalf("action panicked: %v", p)
		}
		if gated != nil {
			if v := gated.Violation(); v != nil {
				res, err = action.Result{}, v
			}
		}
	}()
	return reg.Invoke(actx)
}

// Handle 在沙箱宿主内执行一个请求；级别至少为 CapabilityGated，凭据只取请求中携带的部分，
// 宿主的共享资源不可见
func Handle(ctx context.Context, registry *action.Registry, env Env, req Request) Response {
	if req.Level < action.IsolationCapabilityGated {
		req.Level = action.IsolationCapabilityGated
	}
	env.Resources = nil
	env.Credentials = StaticCredentials(req.Credentials)
	res, err := invoke(ctx, registry, env, req)
	if err == nil {
		if verr := res.Validate(); verr != nil {
			err = action.ValidationError(fmt.Sprintf("invalid result: %v", verr))
		}
	}
	return responseFor(res, err)
}

// Dispatcher 按隔离级别选择执行边界；Isolated 未配置边界时调用失败
type Dispatcher struct {
	InProcess Runner
	Isolated  Runner
}

func (d *Dispatcher) Run(ctx context.Context, req Request) (action.Result, error) {
	if req.Level >= action.IsolationIsolated {
		if d.Isolated == nil {
			return action.Result{}, action.FatalError("no isolated sandbox configured")
		}
		return d.Isolated.Run(ctx, req)
	}
	return d.InProcess.Run(ctx, req)
}
