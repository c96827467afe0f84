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

import "sort"

// topoLayers Kahn 分层：第 k 层是所有前驱都位于 < k 层的节点，层内按 id 排序。
// 存在环时返回带确定性见证的 *CycleError
func topoLayers(wf *Workflow, index map[string]int) ([][]string, error) {
	n := len(wf.Nodes)
	ids := make([]string, n)
	for id, i := range index {
		ids[i] = id
	}
	outgoing := make([][]int, n)
	indeg := make([]int, n)
	for _, e := range wf.Edges {
		from, to := index[e.From], index[e.To]
		outgoing[from] = append(outgoing[from], to)
		indeg[to]++
	}
	for i := range outgoing {
		sort.Slice(outgoing[i], func(a, b int) bool { return ids[outgoing[i][a]] < ids[outgoing[i][b]] })
	}

	remaining := append([]int(nil), indeg...)
	var current []int
	for i := 0; i < n; i++ {
		if remaining[i] == 0 {
			current = append(current, i)
		}
	}
	var layers [][]string
	visited := 0
	for len(current) > 0 {
		layer := make([]string, len(current))
		for i, idx := range current {
			layer[i] = ids[idx]
		}
		sort.Strings(layer)
		layers = append(layers, layer)
		visited += len(current)

		var next []int
		for _, u := range current {
			for _, v := range outgoing[u] {
				remaining[v]--
				if remaining[v] == 0 {
					next = append(next, v)
				}
			}
		}
		current = next
	}
	if visited != n {
		return nil, &CycleError{Path: findCycle(ids, outgoing)}
	}
	return layers, nil
}

// findCycle 按 id 字典序做 DFS，返回第一条回边构成的环
func findCycle(ids []string, outgoing [][]int) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return ids[order[a]] < ids[order[b]] })

	color := make([]int, len(ids))
	parent := make([]int, len(ids))
	for i := range parent {
		parent[i] = -1
	}
	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// 回边 u -> v：沿 parent 回溯得到 v ... u
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for _, i := range order {
		if color[i] == white && dfs(i) {
			break
		}
	}
	out := make([]string, len(cycle))
	for i := range cycle {
		out[i] = ids[cycle[len(cycle)-1-i]]
	}
	return out
}
