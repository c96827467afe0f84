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
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"flowrun/internal/action"
)

// randomDAG 由上三角邻接位生成无环图；节点 id 逆序命名，拓扑序与字典序相反
func randomDAG(n int, bits []bool) *Workflow {
	wf := &Workflow{ID: "prop"}
	name := func(i int) string { return fmt.Sprintf("n%02d", n-1-i) }
	for i := 0; i < n; i++ {
		wf.Nodes = append(wf.Nodes, Node{ID: name(i), Type: "noop"})
	}
	k := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if k < len(bits) && bits[k] {
				wf.Edges = append(wf.Edges, Edge{From: name(i), To: name(j)})
			}
			k++
		}
	}
	return wf
}

func TestProperty_LayersRespectDependencies(t *testing.T) {
	reg := action.NewRegistry()
	reg.MustRegister(action.Descriptor{Type: "noop", FirstParty: true},
		action.Func(func(action.Context) (action.Result, error) { return action.Skip(), nil }))
	p := New(reg, nil, Budget{})

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every edge goes from an earlier layer to a later one", prop.ForAll(
		func(n int, bits []bool) bool {
			wf := randomDAG(n, bits)
			plan, err := p.Build(context.Background(), wf, nil)
			if err != nil {
				t.Logf("build: %v", err)
				return false
			}
			seen := 0
			for _, layer := range plan.Layers {
				seen += len(layer)
			}
			if seen != n || len(plan.Order) != n {
				return false
			}
			for _, e := range wf.Edges {
				if plan.LayerOf(e.From) >= plan.LayerOf(e.To) {
					t.Logf("edge %s -> %s violates layering %v", e.From, e.To, plan.Layers)
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.SliceOfN(66, gen.Bool()),
	))

	properties.TestingRun(t)
}
