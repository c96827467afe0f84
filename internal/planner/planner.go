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

// Package planner 将工作流定义与输入构建为执行计划：校验节点类型、环与能力需求，
// 计算拓扑并行层与资源预算。构建同步完成，发生在任何 journal 写入之前。
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"flowrun/internal/action"
)

var (
	ErrInvalidWorkflow       = errors.New("invalid workflow")
	ErrInvalidInput          = errors.New("invalid execution input")
	ErrUnknownNodeType       = errors.New("unknown node type")
	ErrCycle                 = errors.New("dependency cycle")
	ErrUnresolvedRequirement = errors.New("unresolved requirement")
)

// CycleError 携带一条确定性的环路见证，如 [a b c a]
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Is(target error) bool { return target == ErrCycle }

// TypeCatalog 节点类型到动作描述的查询，由 action.Registry 实现
type TypeCatalog interface {
	Descriptor(actionType string) (action.Descriptor, bool)
}

// Resolver 判断命名资源与凭据在当前部署中是否可用
type Resolver interface {
	HasResource(name string) bool
	HasCredential(ctx context.Context, name string) bool
}

// Planner 计划构建器
type Planner struct {
	catalog  TypeCatalog
	resolver Resolver
	defaults Budget
}

// New resolver 为 nil 时不校验资源与凭据的可用性
func New(catalog TypeCatalog, resolver Resolver, defaults Budget) *Planner {
	if defaults == (Budget{}) {
		defaults = DefaultBudget()
	}
	return &Planner{catalog: catalog, resolver: resolver, defaults: defaults}
}

// Build 构建执行计划；任一校验失败返回错误且不产生部分计划。
// 预算优先级：默认值 < 工作流 settings < 调用方选项
func (p *Planner) Build(ctx context.Context, wf *Workflow, input []byte, opts ...Option) (*ExecutionPlan, error) {
	if wf == nil {
		return nil, fmt.Errorf("%w: nil workflow", ErrInvalidWorkflow)
	}
	if len(input) > 0 && !json.Valid(input) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidInput)
	}
	index, err := validateStructure(wf)
	if err != nil {
		return nil, err
	}

	nodes := make([]PlannedNode, len(wf.Nodes))
	req := newRequirementSet()
	for i, n := range wf.Nodes {
		desc, ok := p.catalog.Descriptor(n.Type)
		if !ok {
			return nil, fmt.Errorf("%w: node %s has type %q", ErrUnknownNodeType, n.ID, n.Type)
		}
		if err := p.checkRequirements(ctx, n, desc, req); err != nil {
			return nil, err
		}
		nodes[i] = PlannedNode{Node: n, Isolation: desc.EffectiveIsolation(action.IsolationNone), FirstParty: desc.FirstParty}
		if nodes[i].Timeout == 0 {
			nodes[i].Timeout = desc.Timeout
		}
	}

	layers, err := topoLayers(wf, index)
	if err != nil {
		return nil, err
	}

	plan := &ExecutionPlan{
		WorkflowID:   wf.ID,
		Version:      wf.Version,
		Edges:        append([]Edge(nil), wf.Edges...),
		Layers:       layers,
		Requirements: req.sorted(),
	}
	layerOf := make(map[string]int, len(wf.Nodes))
	for li, layer := range layers {
		plan.Order = append(plan.Order, layer...)
		for _, id := range layer {
			layerOf[id] = li
		}
	}
	if len(layers) > 0 {
		plan.Roots = append([]string(nil), layers[0]...)
	}
	for i := range nodes {
		nodes[i].Layer = layerOf[nodes[i].ID]
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Layer != nodes[j].Layer {
			return nodes[i].Layer < nodes[j].Layer
		}
		return nodes[i].ID < nodes[j].ID
	})
	plan.Nodes = nodes

	budget := p.defaults.merge(wf.Settings)
	for _, opt := range opts {
		opt(&budget)
	}
	plan.Budget = budget
	return plan, nil
}

// checkRequirements 动作声明的能力必须被节点授权覆盖；资源与凭据必须可解析
func (p *Planner) checkRequirements(ctx context.Context, n Node, desc action.Descriptor, req *requirementSet) error {
	grants := n.Grants()
	if missing, ok := grants.Covers(desc.Capabilities); !ok {
		return fmt.Errorf("%w: node %s requires %s which is not granted", ErrUnresolvedRequirement, n.ID, missing)
	}
	for _, c := range n.Capabilities {
		req.caps[c.String()] = struct{}{}
	}
	resources := append(append([]string(nil), desc.Resources...), n.Resources...)
	for _, r := range resources {
		if !grants.AllowsResource(r) {
			return fmt.Errorf("%w: node %s requires resource %s which is not granted", ErrUnresolvedRequirement, n.ID, r)
		}
		if p.resolver != nil && !p.resolver.HasResource(r) {
			return fmt.Errorf("%w: resource %s for node %s is not available", ErrUnresolvedRequirement, r, n.ID)
		}
		req.resources[r] = struct{}{}
	}
	creds := append(append([]string(nil), desc.Credentials...), n.Credentials...)
	for _, c := range creds {
		if !grants.AllowsCredential(c) {
			return fmt.Errorf("%w: node %s requires credential %s which is not granted", ErrUnresolvedRequirement, n.ID, c)
		}
		if p.resolver != nil && !p.resolver.HasCredential(ctx, c) {
			return fmt.Errorf("%w: credential %s for node %s is not available", ErrUnresolvedRequirement, c, n.ID)
		}
		req.credentials[c] = struct{}{}
	}
	return nil
}

// validateStructure 节点 id 非空且唯一，边端点存在且无自环；返回 id -> 定义下标
func validateStructure(wf *Workflow) (map[string]int, error) {
	if len(wf.Nodes) == 0 {
		return nil, fmt.Errorf("%w: workflow %s has no nodes", ErrInvalidWorkflow, wf.ID)
	}
	index := make(map[string]int, len(wf.Nodes))
	for i, n := range wf.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node #%d has empty id", ErrInvalidWorkflow, i)
		}
		if _, dup := index[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %s", ErrInvalidWorkflow, n.ID)
		}
		index[n.ID] = i
	}
	seen := make(map[Edge]struct{}, len(wf.Edges))
	for _, e := range wf.Edges {
		if _, ok := index[e.From]; !ok {
			return nil, fmt.Errorf("%w: edge from unknown node %s", ErrInvalidWorkflow, e.From)
		}
		if _, ok := index[e.To]; !ok {
			return nil, fmt.Errorf("%w: edge to unknown node %s", ErrInvalidWorkflow, e.To)
		}
		if e.From == e.To {
			return nil, &CycleError{Path: []string{e.From, e.To}}
		}
		key := Edge{From: e.From, To: e.To, Port: action.NormalizePort(e.Port)}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate edge %s -> %s (%s)", ErrInvalidWorkflow, e.From, e.To, key.Port)
		}
		seen[key] = struct{}{}
	}
	return index, nil
}

type requirementSet struct {
	caps, resources, credentials map[string]struct{}
}

func newRequirementSet() *requirementSet {
	return &requirementSet{
		caps:        map[string]struct{}{},
		resources:   map[string]struct{}{},
		credentials: map[string]struct{}{},
	}
}

func (s *requirementSet) sorted() Requirements {
	keys := func(m map[string]struct{}) []string {
		if len(m) == 0 {
			return nil
		}
		out := make([]string, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}
	return Requirements{Capabilities: keys(s.caps), Resources: keys(s.resources), Credentials: keys(s.credentials)}
}
