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

// Package executor 动作运行时：解析隔离级别、限流、按节点超时调用沙箱、
// 归类错误并执行输出负载上限（拒绝或外溢）
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowrun/internal/action"
	"flowrun/internal/frontier"
	"flowrun/internal/sandbox"
	"flowrun/internal/storage/object"
	"flowrun/pkg/log"
	"flowrun/pkg/metrics"
	"flowrun/pkg/tracing"
)

// Config 运行时配置
type Config struct {
	// MinIsolation 一方动作的最低隔离级别
	MinIsolation action.IsolationLevel
	Policy       PayloadPolicy
	// DefaultTimeout 节点与动作都未声明超时时使用；0 表示不限制
	DefaultTimeout time.Duration
}

// Call 一次节点尝试的调用参数
type Call struct {
	Invocation action.Invocation
	// Isolation 计划中记录的级别，运行时只会提高
	Isolation       action.IsolationLevel
	Grants          action.Grants
	Timeout         time.Duration
	MaxPayloadBytes int64
}

// Report 调用结果与计量
type Report struct {
	Outcome   frontier.Outcome
	Isolation action.IsolationLevel
	BytesIn   int64
	BytesOut  int64
	Spilled   bool
	Duration  time.Duration
}

// Runtime 动作运行时
type Runtime struct {
	registry    *action.Registry
	runner      sandbox.Runner
	objects     object.Store
	limiter     *RateLimiter
	credentials sandbox.Credentials
	cfg         Config
	log         *log.Logger
}

// Option 运行时可选项
type Option func(*Runtime)

// WithObjectStore 外溢目标与外溢输入来源
func WithObjectStore(s object.Store) Option { return func(r *Runtime) { r.objects = s } }

func WithRateLimiter(l *RateLimiter) Option { return func(r *Runtime) { r.limiter = l } }

// WithCredentials Isolated 调用前预先解析已授权凭据的来源
func WithCredentials(c sandbox.Credentials) Option { return func(r *Runtime) { r.credentials = c } }

func WithLogger(l *log.Logger) Option { return func(r *Runtime) { r.log = log.OrDiscard(l) } }

func NewRuntime(registry *action.Registry, runner sandbox.Runner, cfg Config, opts ...Option) *Runtime {
	if cfg.Policy == "" {
		cfg.Policy = PolicyReject
	}
	r := &Runtime{registry: registry, runner: runner, cfg: cfg, log: log.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute 执行一次节点尝试；所有失败都归类为 *action.Error 放入 Outcome，不返回 Go error
func (r *Runtime) Execute(ctx context.Context, call Call) Report {
	start := time.Now()
	inv := call.Invocation
	report := Report{Isolation: call.Isolation}

	reg, ok := r.registry.Lookup(inv.ActionType)
	if !ok {
		report.Outcome.Err = action.Fatalf("unknown action type %q", inv.ActionType)
		return report
	}
	level := sandbox.ResolveIsolation(reg.Descriptor, r.cfg.MinIsolation)
	if call.Isolation > level {
		level = call.Isolation
	}
	report.Isolation = level

	ctx, span := tracing.StartActionSpan(ctx, inv.ActionType, level.String(), inv.IdempotencyKey)
	defer func() {
		report.Duration = time.Since(start)
		metrics.ActionDuration.WithLabelValues(inv.ActionType, level.String()).Observe(report.Duration.Seconds())
		var spanErr error
		if report.Outcome.Err != nil {
			spanErr = report.Outcome.Err
		}
		tracing.EndSpan(span, spanErr)
	}()

	in, err := hydrate(ctx, r.objects, inv.Input)
	if err != nil {
		report.Outcome.Err = action.AsError(err)
		return report
	}
	inv.Input = in
	report.BytesIn = in.Size()

	release, err := r.limiter.Acquire(ctx, inv.ActionType)
	if err != nil {
		report.Outcome.Err = r.classify(ctx, ctx, err, 0)
		return report
	}
	defer release()

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = reg.Descriptor.Timeout
	}
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := sandbox.Request{Level: level, Grants: call.Grants, Invocation: inv}
	if level >= action.IsolationIsolated {
		req.Credentials = r.resolveCredentials(ctx, call.Grants)
		mem, cpu := call.Grants.Limits()
		req.Limits = sandbox.Limits{MemoryBytes: mem, CPUMillis: cpu}
	}

	res, err := r.runner.Run(runCtx, req)
	if err != nil {
		report.Outcome.Err = r.classify(ctx, runCtx, err, timeout)
		return report
	}
	if verr := res.Validate(); verr != nil {
		report.Outcome.Err = action.AsError(verr)
		return report
	}
	report.BytesOut = res.Size()

	limit := call.MaxPayloadBytes
	res, spilled, err := applyCeiling(ctx, r.objects, r.cfg.Policy, limit, inv, res)
	if err != nil {
		report.Outcome.Err = action.AsError(err)
		r.log.Warn("output rejected", "execution_id", inv.ExecutionID, "node_id", inv.NodeID,
			"attempt", inv.Attempt, "bytes", report.BytesOut, "limit", limit, "error", err)
		return report
	}
	report.Spilled = spilled
	report.Outcome.Result = &res
	return report
}

// classify 父上下文取消（执行取消、租约丢失）→ cancelled；仅节点超时 → retryable
func (r *Runtime) classify(parent, runCtx context.Context, err error, timeout time.Duration) *action.Error {
	if parent.Err() != nil {
		cause := context.Cause(parent)
		if cause == nil {
			cause = parent.Err()
		}
		return action.CancelledError(cause.Error())
	}
	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		var ae *action.Error
		if errors.As(err, &ae) && ae.Terminal() {
			return ae
		}
		return action.RetryableError(fmt.Sprintf("action timed out after %s", timeout), 0)
	}
	return action.AsError(err)
}

func (r *Runtime) resolveCredentials(ctx context.Context, grants action.Grants) map[string]string {
	if r.credentials == nil {
		return nil
	}
	var out map[string]string
	for _, c := range grants {
		if c.Kind != action.CapCredential {
			continue
		}
		v, err := r.credentials.Credential(ctx, c.Name)
		if err != nil {
			r.log.Warn("credential unavailable", "credential", c.Name, "error", err)
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[c.Name] = v
	}
	return out
}
