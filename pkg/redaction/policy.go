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

package redaction

import "strings"

// Mode 脱敏方式
type Mode string

const (
	ModeRedact Mode = "redact" // 替换为 "***REDACTED***"
	ModeHash   Mode = "hash"   // 替换为 SHA256 hash，便于比对而不泄露原值
	ModeRemove Mode = "remove" // 完全移除字段
)

// Placeholder ModeRedact 的替换值
const Placeholder = "***REDACTED***"

// DefaultKeys 未配置 keys 时按字段名匹配的敏感键
var DefaultKeys = []string{"password", "secret", "token", "authorization", "api_key", "idempotency-key"}

// FieldMask 按点分路径定位的字段
type FieldMask struct {
	Path string
	Mode Mode
	Salt string
}

// Policy 脱敏策略。Kinds 按日志条目类型生效，Global 作用于所有条目；
// Keys 在任意深度按字段名（不区分大小写）匹配，对象与数组都会递归
type Policy struct {
	Kinds   map[string][]FieldMask
	Global  []FieldMask
	Keys    []string
	KeyMode Mode
}

// PolicyConfig 配置文件中的脱敏策略（api.redaction）
type PolicyConfig struct {
	Enable bool          `mapstructure:"enable"`
	Keys   []string      `mapstructure:"keys"`
	Mode   string        `mapstructure:"mode"`
	Fields []FieldConfig `mapstructure:"fields"`
}

// FieldConfig 单条路径规则；Kind 为空时作用于所有条目
type FieldConfig struct {
	Kind string `mapstructure:"kind"`
	Path string `mapstructure:"path"`
	Mode string `mapstructure:"mode"`
	Salt string `mapstructure:"salt"`
}

// LoadPolicyFromConfig 未启用时返回 nil
func LoadPolicyFromConfig(cfg PolicyConfig) *Policy {
	if !cfg.Enable {
		return nil
	}
	p := &Policy{
		Kinds:   make(map[string][]FieldMask),
		Keys:    cfg.Keys,
		KeyMode: parseMode(cfg.Mode),
	}
	if len(p.Keys) == 0 {
		p.Keys = DefaultKeys
	}
	for _, f := range cfg.Fields {
		m := FieldMask{Path: f.Path, Mode: parseMode(f.Mode), Salt: f.Salt}
		if f.Kind == "" {
			p.Global = append(p.Global, m)
			continue
		}
		p.Kinds[f.Kind] = append(p.Kinds[f.Kind], m)
	}
	return p
}

func parseMode(s string) Mode {
	switch Mode(strings.ToLower(s)) {
	case ModeHash:
		return ModeHash
	case ModeRemove:
		return ModeRemove
	default:
		return ModeRedact
	}
}
