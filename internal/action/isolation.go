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
	"path/filepath"
	"strings"
)

// IsolationLevel 动作执行边界强度；数值越大隔离越强
type IsolationLevel int

const (
	// IsolationNone 受信任的一方代码，直接调用，不做任何中介
	IsolationNone IsolationLevel = iota
	// IsolationCapabilityGated 进程内执行，每个特权调用都按授权列表检查
	IsolationCapabilityGated
	// IsolationIsolated 完整沙箱边界（进程级或远程），非一方动作强制使用
	IsolationIsolated
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationNone:
		return "none"
	case IsolationCapabilityGated:
		return "capability_gated"
	case IsolationIsolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// ParseIsolationLevel 解析配置/定义中的隔离级别字符串；空串为 none
func ParseIsolationLevel(s string) (IsolationLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return IsolationNone, true
	case "capability_gated", "gated":
		return IsolationCapabilityGated, true
	case "isolated":
		return IsolationIsolated, true
	default:
		return IsolationNone, false
	}
}

func (l IsolationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *IsolationLevel) UnmarshalText(b []byte) error {
	v, ok := ParseIsolationLevel(string(b))
	if !ok {
		return &Error{Kind: ErrValidation, Message: "unknown isolation level " + string(b)}
	}
	*l = v
	return nil
}

// CapabilityKind 能力类型
type CapabilityKind string

const (
	CapNetwork    CapabilityKind = "network"
	CapFilesystem CapabilityKind = "filesystem"
	CapResource   CapabilityKind = "resource"
	CapCredential CapabilityKind = "credential"
	CapLimits     CapabilityKind = "limits"
)

// Capability 细粒度授权：网络主机白名单、文件路径（可只读）、命名资源、命名凭据、内存/CPU 上限
type Capability struct {
	Kind        CapabilityKind `json:"kind" yaml:"kind"`
	Hosts       []string       `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	Path        string         `json:"path,omitempty" yaml:"path,omitempty"`
	ReadOnly    bool           `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	MemoryBytes int64          `json:"memory_bytes,omitempty" yaml:"memory_bytes,omitempty"`
	CPUMillis   int64          `json:"cpu_millis,omitempty" yaml:"cpu_millis,omitempty"`
}

// String 用于 SandboxViolation 报错与日志
func (c Capability) String() string {
	switch c.Kind {
	case CapNetwork:
		return "network:" + strings.Join(c.Hosts, ",")
	case CapFilesystem:
		if c.ReadOnly {
			return "filesystem:" + c.Path + ":ro"
		}
		return "filesystem:" + c.Path
	case CapResource, CapCredential:
		return string(c.Kind) + ":" + c.Name
	default:
		return string(c.Kind)
	}
}

func NetworkCapability(hosts ...string) Capability {
	return Capability{Kind: CapNetwork, Hosts: hosts}
}

func FilesystemCapability(path string, readOnly bool) Capability {
	return Capability{Kind: CapFilesystem, Path: path, ReadOnly: readOnly}
}

func ResourceCapability(name string) Capability {
	return Capability{Kind: CapResource, Name: name}
}

func CredentialCapability(name string) Capability {
	return Capability{Kind: CapCredential, Name: name}
}

// Grants 一次调用获得的授权集合
type Grants []Capability

// AllowsHost host 可带端口；白名单项支持精确匹配与 "*.example.com" 后缀匹配，"*" 放行全部
func (g Grants) AllowsHost(host string) bool {
	h := strings.ToLower(host)
	if i := strings.LastIndex(h, ":"); i > 0 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	for _, c := range g {
		if c.Kind != CapNetwork {
			continue
		}
		for _, allowed := range c.Hosts {
			allowed = strings.ToLower(allowed)
			switch {
			case allowed == "*":
				return true
			case allowed == h:
				return true
			case strings.HasPrefix(allowed, "*.") && strings.HasSuffix(h, allowed[1:]):
				return true
			}
		}
	}
	return false
}

// AllowsPath 路径须位于某个授权目录之内；writable 时要求该授权非只读
func (g Grants) AllowsPath(path string, writable bool) bool {
	clean := filepath.Clean(path)
	for _, c := range g {
		if c.Kind != CapFilesystem || c.Path == "" {
			continue
		}
		root := filepath.Clean(c.Path)
		rel, err := filepath.Rel(root, clean)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if writable && c.ReadOnly {
			continue
		}
		return true
	}
	return false
}

func (g Grants) AllowsResource(name string) bool {
	return g.hasNamed(CapResource, name)
}

func (g Grants) AllowsCredential(name string) bool {
	return g.hasNamed(CapCredential, name)
}

func (g Grants) hasNamed(kind CapabilityKind, name string) bool {
	for _, c := range g {
		if c.Kind == kind && c.Name == name {
			return true
		}
	}
	return false
}

// Limits 返回授权中最严格的内存/CPU 上限；0 表示未限制
func (g Grants) Limits() (memoryBytes, cpuMillis int64) {
	for _, c := range g {
		if c.Kind != CapLimits {
			continue
		}
		if c.MemoryBytes > 0 && (memoryBytes == 0 || c.MemoryBytes < memoryBytes) {
			memoryBytes = c.MemoryBytes
		}
		if c.CPUMillis > 0 && (cpuMillis == 0 || c.CPUMillis < cpuMillis) {
			cpuMillis = c.CPUMillis
		}
	}
	return memoryBytes, cpuMillis
}

// Covers 判断 required 中每一项是否都被 g 覆盖；返回第一个未覆盖项
func (g Grants) Covers(required []Capability) (Capability, bool) {
	for _, r := range required {
		switch r.Kind {
		case CapNetwork:
			for _, h := range r.Hosts {
				if !g.AllowsHost(h) {
					return r, false
				}
			}
		case CapFilesystem:
			if !g.AllowsPath(r.Path, !r.ReadOnly) {
				return r, false
			}
		case CapResource:
			if !g.AllowsResource(r.Name) {
				return r, false
			}
		case CapCredential:
			if !g.AllowsCredential(r.Name) {
				return r, false
			}
		}
	}
	return Capability{}, true
}
