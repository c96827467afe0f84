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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrun/internal/action"
)

type stubResolver struct {
	resources   map[string]bool
	credentials map[string]bool
}

func (s stubResolver) HasResource(name string) bool { return s.resources[name] }

func (s stubResolver) HasCredential(_ context.Context, name string) bool {
	return s.credentials[name]
}

func testCatalog(t *testing.T) *action.Registry {
	t.Helper()
	r := action.NewRegistry()
	noop := action.Func(func(action.Context) (action.Result, error) { return action.Success(nil), nil })
	r.MustRegister(action.Descriptor{Type: "noop", FirstParty: true}, noop)
	r.MustRegister(action.Descriptor{
		Type:         "http",
		FirstParty:   true,
		Isolation:    action.IsolationCapabilityGated,
		Capabilities: []action.Capability{action.NetworkCapability("api.example.com")},
		Credentials:  []string{"api_token"},
		Timeout:      5 * time.Second,
	}, noop)
	return r
}

func chain(ids ...string) *Workflow {
	wf := &Workflow{ID: "wf"}
	for i, id := range ids {
		wf.Nodes = append(wf.Nodes, Node{ID: id, Type: "noop"})
		if i > 0 {
			wf.Edges = append(wf.Edges, Edge{From: ids[i-1], To: id})
		}
	}
	return wf
}

func TestBuild_Layers(t *testing.T) {
	p := New(testCatalog(t), nil, Budget{})
	wf := &Workflow{
		ID: "diamond",
		Nodes: []Node{
			{ID: "d", Type: "noop"}, {ID: "b", Type: "noop"},
			{ID: "c", Type: "noop"}, {ID: "a", Type: "noop"}, {ID: "e", Type: "noop"},
		},
		Edges: []Edge{{From: "a", To: "b"}, {From: "a", To: "c"}, {From: "b", To: "d"}, {From: "c", To: "d"}},
	}
	plan, err := p.Build(context.Background(), wf, []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "e"}, {"b", "c"}, {"d"}}, plan.Layers)
	assert.Equal(t, []string{"a", "e", "b", "c", "d"}, plan.Order)
	assert.Equal(t, []string{"a", "e"}, plan.Roots)
	assert.Equal(t, 2, plan.LayerOf("d"))
	assert.Equal(t, DefaultBudget(), plan.Budget)

	n, ok := plan.Node("d")
	require.True(t, ok)
	assert.Equal(t, 2, n.Layer)
	assert.Len(t, plan.Incoming("d"), 2)
	assert.Len(t, plan.Outgoing("a"), 2)
}

func TestBuild_Failures(t *testing.T) {
	p := New(testCatalog(t), nil, Budget{})
	ctx := context.Background()

	cyc := chain("a", "b", "c")
	cyc.Edges = append(cyc.Edges, Edge{From: "c", To: "a"})
	_, err := p.Build(ctx, cyc, nil)
	require.ErrorIs(t, err, ErrCycle)
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b", "c", "a"}, ce.Path)

	unknown := chain("a")
	unknown.Nodes[0].Type = "teleport"
	_, err = p.Build(ctx, unknown, nil)
	assert.ErrorIs(t, err, ErrUnknownNodeType)

	dup := chain("a", "a")
	_, err = p.Build(ctx, dup, nil)
	assert.ErrorIs(t, err, ErrInvalidWorkflow)

	dangling := chain("a")
	dangling.Edges = []Edge{{From: "a", To: "ghost"}}
	_, err = p.Build(ctx, dangling, nil)
	assert.ErrorIs(t, err, ErrInvalidWorkflow)

	_, err = p.Build(ctx, &Workflow{ID: "empty"}, nil)
	assert.ErrorIs(t, err, ErrInvalidWorkflow)

	_, err = p.Build(ctx, chain("a"), []byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	self := chain("a")
	self.Edges = []Edge{{From: "a", To: "a"}}
	_, err = p.Build(ctx, self, nil)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestBuild_Requirements(t *testing.T) {
	ctx := context.Background()
	resolver := stubResolver{
		resources:   map[string]bool{"cache": true},
		credentials: map[string]bool{"api_token": true},
	}
	p := New(testCatalog(t), resolver, Budget{})

	granted := &Workflow{ID: "wf", Nodes: []Node{{
		ID:           "call",
		Type:         "http",
		Capabilities: []action.Capability{action.NetworkCapability("*.example.com")},
		Resources:    []string{"cache"},
		Credentials:  []string{"api_token"},
	}}}
	plan, err := p.Build(ctx, granted, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache"}, plan.Requirements.Resources)
	assert.Equal(t, []string{"api_token"}, plan.Requirements.Credentials)
	assert.Equal(t, []string{"network:*.example.com"}, plan.Requirements.Capabilities)
	n, _ := plan.Node("call")
	assert.Equal(t, action.IsolationCapabilityGated, n.Isolation)
	assert.Equal(t, 5*time.Second, n.Timeout)

	noNetwork := &Workflow{ID: "wf", Nodes: []Node{{ID: "call", Type: "http", Credentials: []string{"api_token"}}}}
	_, err = p.Build(ctx, noNetwork, nil)
	assert.ErrorIs(t, err, ErrUnresolvedRequirement)

	noCred := &Workflow{ID: "wf", Nodes: []Node{{
		ID:           "call",
		Type:         "http",
		Capabilities: []action.Capability{action.NetworkCapability("api.example.com")},
	}}}
	_, err = p.Build(ctx, noCred, nil)
	assert.ErrorIs(t, err, ErrUnresolvedRequirement)

	missingResource := chain("a")
	missingResource.Nodes[0].Resources = []string{"warehouse"}
	_, err = p.Build(ctx, missingResource, nil)
	assert.ErrorIs(t, err, ErrUnresolvedRequirement)
}

func TestBuild_BudgetPrecedence(t *testing.T) {
	p := New(testCatalog(t), nil, Budget{
		MaxConcurrentNodes: 2, MaxTotalRetries: 5, MaxWallClock: time.Minute,
		MaxPayloadBytes: 1024, MaxLoopIterations: 10,
	})
	wf := chain("a")
	wf.Settings = Settings{MaxConcurrentNodes: 8, MaxWallClock: time.Hour}

	plan, err := p.Build(context.Background(), wf, nil,
		WithMaxWallClock(2*time.Second), WithMaxTotalRetries(0))
	require.NoError(t, err)
	assert.Equal(t, 8, plan.Budget.MaxConcurrentNodes)
	assert.Equal(t, 0, plan.Budget.MaxTotalRetries)
	assert.Equal(t, 2*time.Second, plan.Budget.MaxWallClock)
	assert.Equal(t, int64(1024), plan.Budget.MaxPayloadBytes)
	assert.Equal(t, 10, plan.Budget.MaxLoopIterations)
}

func TestRetryPolicy_BackoffFor(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Backoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.BackoffFor(1))
	assert.Equal(t, 200*time.Millisecond, p.BackoffFor(2))
	assert.Equal(t, 300*time.Millisecond, p.BackoffFor(3))
	assert.Equal(t, 300*time.Millisecond, p.BackoffFor(10))
	assert.Zero(t, RetryPolicy{}.BackoffFor(3))
}

func TestLoadWorkflowDir(t *testing.T) {
	dir := t.TempDir()
	yamlDef := `
id: orders
version: 2
nodes:
  - id: fetch
    type: http
    timeout: 3s
    retry:
      max_attempts: 3
      backoff: 200ms
    capabilities:
      - kind: network
        hosts: ["api.example.com"]
    credentials: [api_token]
    params:
      url: https://api.example.com/orders
  - id: route
    type: noop
edges:
  - from: fetch
    to: route
    port: high
settings:
  max_wall_clock: 10m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(yamlDef), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"id":"ping","nodes":[{"id":"p","type":"noop"}]}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	wfs, err := LoadWorkflowDir(dir)
	require.NoError(t, err)
	require.Len(t, wfs, 2)
	assert.Equal(t, "ping", wfs[0].ID)

	orders := wfs[1]
	assert.Equal(t, 2, orders.Version)
	assert.Equal(t, 3*time.Second, orders.Nodes[0].Timeout)
	assert.Equal(t, 200*time.Millisecond, orders.Nodes[0].Retry.Backoff)
	assert.Equal(t, "high", orders.Edges[0].Port)
	assert.Equal(t, 10*time.Minute, orders.Settings.MaxWallClock)
	assert.True(t, orders.Nodes[0].Grants().AllowsHost("api.example.com"))
	assert.True(t, orders.Nodes[0].Grants().AllowsCredential("api_token"))

	params, err := orders.Nodes[0].ParamsJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://api.example.com/orders"}`, string(params))

	_, err = ParseWorkflow([]byte("nodes: []"))
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
}
