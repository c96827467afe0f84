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

// Package builtin 一方内置动作：数据传递、分支路由、等待、计数循环与故障注入
package builtin

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"flowrun/internal/action"
)

// Register 注册全部内置动作
func Register(r *action.Registry) error {
	for _, b := range []struct {
		desc action.Descriptor
		impl any
	}{
		{action.Descriptor{Type: "noop", Description: "pass the single upstream output (or execution input) through"}, action.Func(noop)},
		{action.Descriptor{Type: "set", Description: "emit params.value"}, action.Func(set)},
		{action.Descriptor{Type: "branch", Description: "select a branch key from a field of the input"}, action.Func(branch)},
		{action.Descriptor{Type: "route", Description: "emit the input on a named output port"}, action.Func(route)},
		{action.Descriptor{Type: "wait", Description: "park until a signal, timer or another execution"}, action.Func(wait)},
		{action.Descriptor{Type: "counter", Description: "loop until params.to iterations"}, action.StepFunc(counter)},
		{action.Descriptor{Type: "fail", Description: "fail with a configurable error kind"}, action.Func(fail)},
		{action.Descriptor{Type: "http_request", Description: "perform an HTTP request through the gated client", Isolation: action.IsolationCapabilityGated}, action.Func(httpRequest)},
	} {
		b.desc.FirstParty = true
		if err := r.Register(b.desc, b.impl); err != nil {
			return err
		}
	}
	return nil
}

// Duration JSON 中既可写 "1m30s" 也可写纳秒整数
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

func noop(ctx action.Context) (action.Result, error) {
	return action.Success(ctx.Invocation().Input.Single()), nil
}

func set(ctx action.Context) (action.Result, error) {
	var p struct {
		Value json.RawMessage `json:"value"`
	}
	if err := ctx.Invocation().Input.DecodeParams(&p); err != nil {
		return action.Result{}, err
	}
	if len(p.Value) == 0 {
		p.Value = json.RawMessage("null")
	}
	return action.Success(p.Value), nil
}

// lookup 按点分路径取 JSON 对象中的字段
func lookup(data json.RawMessage, path string) (json.RawMessage, bool) {
	cur := data
	for _, part := range strings.Split(path, ".") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, false
		}
		next, ok := obj[part]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// scalar 字符串去引号，其他 JSON 值原样
func scalar(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

func branch(ctx action.Context) (action.Result, error) {
	var p struct {
		Field   string            `json:"field"`
		Cases   map[string]string `json:"cases"`
		Default string            `json:"default"`
	}
	in := ctx.Invocation().Input
	if err := in.DecodeParams(&p); err != nil {
		return action.Result{}, err
	}
	if p.Field == "" {
		return action.Result{}, action.ValidationError("branch: params.field is required")
	}
	data := in.Single()
	selected := p.Default
	if v, ok := lookup(data, p.Field); ok {
		key := scalar(v)
		selected = key
		if len(p.Cases) > 0 {
			selected = p.Default
			if c, ok := p.Cases[key]; ok {
				selected = c
			}
		}
	}
	if selected == "" {
		return action.Result{}, action.Fatalf("branch: no branch for field %q", p.Field)
	}
	seen := map[string]bool{selected: true}
	var alternatives []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			alternatives = append(alternatives, c)
		}
	}
	for _, c := range p.Cases {
		add(c)
	}
	add(p.Default)
	sort.Strings(alternatives)
	return action.Branch(selected, data, alternatives...), nil
}

func route(ctx action.Context) (action.Result, error) {
	var p struct {
		Port  string `json:"port"`
		Field string `json:"field"`
	}
	in := ctx.Invocation().Input
	if err := in.DecodeParams(&p); err != nil {
		return action.Result{}, err
	}
	data := in.Single()
	port := p.Port
	if p.Field != "" {
		if v, ok := lookup(data, p.Field); ok {
			port = scalar(v)
		}
	}
	return action.Route(port, data), nil
}

func wait(ctx action.Context) (action.Result, error) {
	var p struct {
		Kind           action.WaitKind `json:"kind"`
		CorrelationKey string          `json:"correlation_key"`
		Timeout        Duration        `json:"timeout"`
		Until          *time.Time      `json:"until"`
		ExecutionID    string          `json:"execution_id"`
		OnTimeout      string          `json:"on_timeout"`
	}
	if err := ctx.Invocation().Input.DecodeParams(&p); err != nil {
		return action.Result{}, err
	}
	if p.Kind == "" {
		p.Kind = action.WaitCallback
	}
	spec := action.WaitSpec{
		Kind:           p.Kind,
		CorrelationKey: p.CorrelationKey,
		Timeout:        time.Duration(p.Timeout),
		Until:          p.Until,
		ExecutionID:    p.ExecutionID,
		OnTimeout:      p.OnTimeout,
	}
	if err := spec.Validate(); err != nil {
		return action.Result{}, err
	}
	return action.Wait(spec), nil
}

func counter(ctx action.Context, state json.RawMessage) (action.Result, error) {
	var p struct {
		To    int      `json:"to"`
		Delay Duration `json:"delay"`
	}
	if err := ctx.Invocation().Input.DecodeParams(&p); err != nil {
		return action.Result{}, err
	}
	if p.To <= 0 {
		p.To = 1
	}
	n := 0
	if len(state) > 0 {
		if err := json.Unmarshal(state, &n); err != nil {
			return action.Result{}, action.Fatalf("counter: corrupt state %s", state)
		}
	}
	n++
	if n >= p.To {
		return action.Break(json.RawMessage(fmt.Sprintf(`{"count":%d}`, n))), nil
	}
	next := []byte(strconv.Itoa(n))
	progress := json.RawMessage(fmt.Sprintf(`{"count":%d,"to":%d}`, n, p.To))
	return action.ContinueWithProgress(next, time.Duration(p.Delay), progress), nil
}

func fail(ctx action.Context) (action.Result, error) {
	var p struct {
		Message    string   `json:"message"`
		Kind       string   `json:"kind"`
		RetryAfter Duration `json:"retry_after"`
		// SucceedAfter 第 N 次尝试起成功，用于演示重试
		SucceedAfter int `json:"succeed_after"`
	}
	inv := ctx.Invocation()
	if err := inv.Input.DecodeParams(&p); err != nil {
		return action.Result{}, err
	}
	if p.SucceedAfter > 0 && inv.Attempt >= p.SucceedAfter {
		return action.Success(inv.Input.Single()), nil
	}
	if p.Message == "" {
		p.Message = "injected failure"
	}
	switch action.ErrorKind(p.Kind) {
	case action.ErrRetryable:
		return action.Result{}, action.RetryableError(p.Message, time.Duration(p.RetryAfter))
	case action.ErrValidation:
		return action.Result{}, action.ValidationError(p.Message)
	default:
		return action.Result{}, action.FatalError(p.Message)
	}
}
