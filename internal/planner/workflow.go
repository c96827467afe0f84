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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"flowrun/internal/action"
)

// Workflow 工作流定义：节点为带类型的动作，边携带可选端口（分支键或输出端口）
type Workflow struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Version  int      `json:"version,omitempty" yaml:"version,omitempty"`
	Nodes    []Node   `json:"nodes" yaml:"nodes"`
	Edges    []Edge   `json:"edges,omitempty" yaml:"edges,omitempty"`
	Settings Settings `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Node 工作流节点
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	// Capabilities 授予该节点的能力；Resources/Credentials 的声明同时视为授权
	Capabilities   []action.Capability `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Resources      []string            `json:"resources,omitempty" yaml:"resources,omitempty"`
	Credentials    []string            `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Retry          RetryPolicy         `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout        time.Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ContinueOnFail bool                `json:"continue_on_fail,omitempty" yaml:"continue_on_fail,omitempty"`
}

// Grants 节点获得的全部授权
func (n Node) Grants() action.Grants {
	g := make(action.Grants, 0, len(n.Capabilities)+len(n.Resources)+len(n.Credentials))
	g = append(g, n.Capabilities...)
	for _, r := range n.Resources {
		g = append(g, action.ResourceCapability(r))
	}
	for _, c := range n.Credentials {
		g = append(g, action.CredentialCapability(c))
	}
	return g
}

// ParamsJSON 节点参数的 JSON 编码
func (n Node) ParamsJSON() (json.RawMessage, error) {
	if len(n.Params) == 0 {
		return nil, nil
	}
	return json.Marshal(n.Params)
}

// RetryPolicy 节点重试策略；MaxAttempts 含首次，<=1 表示不重试
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Backoff     time.Duration `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	MaxBackoff  time.Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
}

// BackoffFor 第 attempt 次失败后的等待时间：指数退避，上限 MaxBackoff
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Edge 依赖边；Port 为空表示 main
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
	Port string `json:"port,omitempty" yaml:"port,omitempty"`
}

// Settings 工作流级预算覆盖；零值字段不覆盖
type Settings struct {
	MaxConcurrentNodes int           `json:"max_concurrent_nodes,omitempty" yaml:"max_concurrent_nodes,omitempty"`
	MaxTotalRetries    int           `json:"max_total_retries,omitempty" yaml:"max_total_retries,omitempty"`
	MaxWallClock       time.Duration `json:"max_wall_clock,omitempty" yaml:"max_wall_clock,omitempty"`
	MaxPayloadBytes    int64         `json:"max_payload_bytes,omitempty" yaml:"max_payload_bytes,omitempty"`
	MaxLoopIterations  int           `json:"max_loop_iterations,omitempty" yaml:"max_loop_iterations,omitempty"`
}

// ParseWorkflow 解析 YAML 或 JSON 定义（YAML 是 JSON 的超集）
func ParseWorkflow(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if wf.ID == "" {
		return nil, fmt.Errorf("parse workflow: %w: missing id", ErrInvalidWorkflow)
	}
	return &wf, nil
}

// LoadWorkflowFile 从文件加载工作流定义
func LoadWorkflowFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	wf, err := ParseWorkflow(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// LoadWorkflowDir 加载目录下所有 .yaml/.yml/.json 定义（按文件名排序）
func LoadWorkflowDir(dir string) ([]*Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflow dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]*Workflow, 0, len(names))
	for _, name := range names {
		wf, err := LoadWorkflowFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}
