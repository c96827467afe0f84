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
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicate   = errors.New("action type already registered")
	ErrUnknownType = errors.New("unknown action type")
	ErrNotAnAction = errors.New("value implements neither OneShot nor Iterative")
	ErrEmptyType   = errors.New("action type is empty")
)

// Registered 已注册的动作；Kind 在注册时确定
type Registered struct {
	Descriptor Descriptor
	Kind       Kind

	oneShot   OneShot
	iterative Iterative
}

// Invoke 按 Kind 分派；迭代动作从 Invocation().State 取回上一步状态
func (r *Registered) Invoke(ctx Context) (Result, error) {
	switch r.Kind {
	case KindIterative:
		return r.iterative.Step(ctx, ctx.Invocation().State)
	default:
		return r.oneShot.Execute(ctx)
	}
}

// Registry 动作类型注册表。显式构造并注入到 Planner、Runtime 与沙箱宿主，不存在全局实例
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Registered
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*Registered)}
}

// Register 注册动作；impl 实现 Iterative 时按迭代动作处理，否则须实现 OneShot
func (r *Registry) Register(desc Descriptor, impl any) error {
	if desc.Type == "" {
		return ErrEmptyType
	}
	reg := &Registered{Descriptor: desc}
	switch v := impl.(type) {
	case Iterative:
		reg.Kind = KindIterative
		reg.iterative = v
	case OneShot:
		reg.Kind = KindOneShot
		reg.oneShot = v
	default:
		return fmt.Errorf("%s: %w", desc.Type, ErrNotAnAction)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[desc.Type]; ok {
		return fmt.Errorf("%s: %w", desc.Type, ErrDuplicate)
	}
	r.actions[desc.Type] = reg
	return nil
}

// MustRegister 注册失败时 panic，用于启动期装配
func (r *Registry) MustRegister(desc Descriptor, impl any) {
	if err := r.Register(desc, impl); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(actionType string) (*Registered, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	v, ok := r.actions[actionType]
	r.mu.RUnlock()
	return v, ok
}

// Descriptor 实现 planner 的类型查询
func (r *Registry) Descriptor(actionType string) (Descriptor, bool) {
	reg, ok := r.Lookup(actionType)
	if !ok {
		return Descriptor{}, false
	}
	return reg.Descriptor, true
}

// Types 已注册的类型（按字典序）
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.actions))
	for k := range r.actions {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
