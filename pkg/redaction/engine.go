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

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Engine 脱敏引擎；nil Engine 或 nil Policy 原样返回数据
type Engine struct {
	policy *Policy
	keys   map[string]bool
}

// NewEngine 创建脱敏引擎
func NewEngine(policy *Policy) *Engine {
	e := &Engine{policy: policy, keys: make(map[string]bool)}
	if policy != nil {
		for _, k := range policy.Keys {
			e.keys[strings.ToLower(k)] = true
		}
	}
	return e
}

// Enabled 是否有可用策略
func (e *Engine) Enabled() bool {
	return e != nil && e.policy != nil
}

// Redact 对 JSON 数据应用脱敏策略；路径规则只作用于顶层为对象的数据
func (e *Engine) Redact(kind string, data []byte) ([]byte, error) {
	if !e.Enabled() || len(data) == 0 {
		return data, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return data, fmt.Errorf("redact %s: %w", kind, err)
	}
	if obj, ok := v.(map[string]any); ok {
		rules := append(append([]FieldMask(nil), e.policy.Kinds[kind]...), e.policy.Global...)
		for _, rule := range rules {
			e.applyFieldMask(obj, rule)
		}
	}
	if len(e.keys) > 0 {
		v = e.walk(v)
	}
	return json.Marshal(v)
}

// walk 递归按键名脱敏
func (e *Engine) walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if e.keys[strings.ToLower(k)] {
				e.mask(t, k, child, e.policy.KeyMode, "")
				continue
			}
			t[k] = e.walk(child)
		}
	case []any:
		for i, child := range t {
			t[i] = e.walk(child)
		}
	}
	return v
}

// applyFieldMask 应用字段掩码
func (e *Engine) applyFieldMask(obj map[string]any, mask FieldMask) {
	parts := strings.Split(mask.Path, ".")
	current := obj
	for i := 0; i < len(parts)-1; i++ {
		next, ok := current[parts[i]].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	last := parts[len(parts)-1]
	if value, exists := current[last]; exists {
		e.mask(current, last, value, mask.Mode, mask.Salt)
	}
}

func (e *Engine) mask(obj map[string]any, key string, value any, mode Mode, salt string) {
	switch mode {
	case ModeHash:
		obj[key] = hashValue(value, salt)
	case ModeRemove:
		delete(obj, key)
	default:
		obj[key] = Placeholder
	}
}

// hashValue 计算字段的 SHA256 hash
func hashValue(value any, salt string) string {
	raw, err := json.Marshal(value)
	if err != nil {
		raw = []byte(fmt.Sprint(value))
	}
	h := sha256.New()
	h.Write(raw)
	if salt != "" {
		h.Write([]byte(salt))
	}
	return "hash:" + hex.EncodeToString(h.Sum(nil))
}
