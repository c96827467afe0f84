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

package planner

import (
	"sort"

	"flowrun/internal/action"
)

// ExecutionPlan 一次执行的不可变计划，完整写入 execution_started 条目
type ExecutionPlan struct {
	WorkflowID   string        `json:"workflow_id"`
	Version      int           `json:"version,omitempty"`
	Nodes        []PlannedNode `json:"nodes"`
	Edges        []Edge        `json:"edges,omitempty"`
	Order        []string      `json:"order"`
	Layers       [][]string    `json:"layers"`
	Roots        []string      `json:"roots"`
	Requirements Requirements  `json:"requirements"`
	Budget       Budget        `json:"budget"`
}

// PlannedNode 节点及其解析后的动作描述
type PlannedNode struct {
	Node
	Isolation  action.IsolationLevel `json:"isolation"`
	FirstParty bool                  `json:"first_party"`
	Layer      int                   `json:"layer"`
}

// Requirements 计划所需能力与外部资源的并集
type Requirements struct {
	Capabilities []string `json:"capabilities,omitempty"`
	Resources    []string `json:"resources,omitempty"`
	Credentials  []string `json:"credentials,omitempty"`
}

// Node 按 id 查找节点
func (p *ExecutionPlan) Node(id string) (PlannedNode, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return PlannedNode{}, false
}

// Incoming 指向 id 的边（按定义顺序）
func (p *ExecutionPlan) Incoming(id string) []Edge {
	var out []Edge
	for _, e := range p.Edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// Outgoing 从 id 出发的边（按定义顺序）
func (p *ExecutionPlan) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range p.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// LayerOf 节点所在层；不存在返回 -1
func (p *ExecutionPlan) LayerOf(id string) int {
	for i, layer := range p.Layers {
		idx := sort.SearchStrings(layer, id)
		if idx < len(layer) && layer[idx] == id {
			return i
		}
	}
	return -1
}
