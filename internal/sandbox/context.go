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

// Package sandbox 动作执行边界：None 直接调用，CapabilityGated 经授权代理调用，
// Isolated 在独立进程或远程沙箱服务中调用
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"flowrun/internal/action"
	"flowrun/pkg/log"
	"flowrun/pkg/metrics"
)

// ErrUnavailable 宿主未提供所请求的资源或凭据
var ErrUnavailable = errors.New("not available in this sandbox")

// Resources 命名共享资源来源（连接池等）
type Resources interface {
	Resource(ctx context.Context, name string) (any, error)
}

// Credentials 命名凭据来源
type Credentials interface {
	Credential(ctx context.Context, name string) (string, error)
}

// StaticCredentials 预先解析好的凭据，Isolated 宿主使用
type StaticCredentials map[string]string

func (s StaticCredentials) Credential(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("credential %q: %w", name, ErrUnavailable)
	}
	return v, nil
}

// Env 宿主提供给动作的特权能力
type Env struct {
	Resources   Resources
	Credentials Credentials
	HTTPClient  *http.Client
	Logger      *log.Logger
}

func (e Env) httpClient() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}

// directContext None 级别：不做授权校验
type directContext struct {
	context.Context
	inv    action.Invocation
	env    Env
	logger *log.Logger
}

func newDirectContext(ctx context.Context, inv action.Invocation, env Env) *directContext {
	return &directContext{
		Context: ctx,
		inv:     inv,
		env:     env,
		logger: log.OrDiscard(env.Logger).With(
			"execution_id", inv.ExecutionID, "node_id", inv.NodeID, "attempt", inv.Attempt,
		),
	}
}

func (c *directContext) Invocation() action.Invocation { return c.inv }

func (c *directContext) Resource(name string) (any, error) {
	if c.env.Resources == nil {
		return nil, fmt.Errorf("resource %q: %w", name, ErrUnavailable)
	}
	return c.env.Resources.Resource(c, name)
}

func (c *directContext) Credential(name string) (string, error) {
	if c.env.Credentials == nil {
		return "", fmt.Errorf("credential %q: %w", name, ErrUnavailable)
	}
	return c.env.Credentials.Credential(c, name)
}

func (c *directContext) CheckHost(string) error { return nil }

func (c *directContext) OpenFile(path string, writable bool) (*os.File, error) {
	if writable {
		return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	}
	return os.Open(path)
}

func (c *directContext) HTTPClient() *http.Client { return c.env.httpClient() }

func (c *directContext) Logger() *log.Logger { return c.logger }

func (c *directContext) Cancelled() bool { return c.Err() != nil }

// gatedContext CapabilityGated 级别：每次特权调用校验授权，未授权即记录违规并拒绝。
// 首次违规会被保留，动作吞掉错误后返回的结果也会被覆盖为 SandboxViolation
type gatedContext struct {
	*directContext
	grants action.Grants

	mu        sync.Mutex
	violation *action.Error
}

func newGatedContext(ctx context.Context, inv action.Invocation, grants action.Grants, env Env) *gatedContext {
	return &gatedContext{directContext: newDirectContext(ctx, inv, env), grants: grants}
}

func (c *gatedContext) violate(capability action.Capability) *action.Error {
	err := action.ViolationError(capability)
	c.mu.Lock()
	if c.violation == nil {
		c.violation = err
	}
	c.mu.Unlock()
	metrics.SandboxViolationTotal.WithLabelValues(c.inv.ActionType).Inc()
	c.logger.Warn("sandbox violation", "action", c.inv.ActionType, "capability", capability.String())
	return err
}

// Violation 首次违规；无违规时为 nil
func (c *gatedContext) Violation() *action.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violation
}

func (c *gatedContext) Resource(name string) (any, error) {
	if !c.grants.AllowsResource(name) {
		return nil, c.violate(action.ResourceCapability(name))
	}
	return c.directContext.Resource(name)
}

func (c *gatedContext) Credential(name string) (string, error) {
	if !c.grants.AllowsCredential(name) {
		return "", c.violate(action.CredentialCapability(name))
	}
	return c.directContext.Credential(name)
}

func (c *gatedContext) CheckHost(host string) error {
	if !c.grants.AllowsHost(host) {
		return c.violate(action.NetworkCapability(host))
	}
	return nil
}

// OpenFile 字面路径与解析符号链接后的真实路径都须在授权目录内，打开的是真实路径
func (c *gatedContext) OpenFile(path string, writable bool) (*os.File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if !c.grants.AllowsPath(abs, writable) {
		return nil, c.violate(action.FilesystemCapability(abs, !writable))
	}
	resolved, err := realPath(abs)
	if err != nil {
		return nil, c.violate(action.FilesystemCapability(abs, !writable))
	}
	if !c.grants.AllowsPath(resolved, writable) && !realGrants(c.grants).AllowsPath(resolved, writable) {
		return nil, c.violate(action.FilesystemCapability(resolved, !writable))
	}
	return c.directContext.OpenFile(resolved, writable)
}

// realPath 解析符号链接；目标不存在时解析父目录再拼回文件名，悬空链接视为失败
func realPath(abs string) (string, error) {
	if _, err := os.Lstat(abs); err == nil {
		return filepath.EvalSymlinks(abs)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

// realGrants 授权目录本身经符号链接时（如 /tmp）改用其真实路径
func realGrants(g action.Grants) action.Grants {
	out := make(action.Grants, 0, len(g))
	for _, c := range g {
		if c.Kind == action.CapFilesystem && c.Path != "" {
			if p, err := filepath.EvalSymlinks(c.Path); err == nil {
				c.Path = p
			}
		}
		out = append(out, c)
	}
	return out
}

// HTTPClient 返回的客户端在每次请求（含重定向）前校验目标主机
func (c *gatedContext) HTTPClient() *http.Client {
	base := c.env.httpClient()
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	client := *base
	client.Transport = &hostCheckTransport{next: rt, check: c.CheckHost}
	return &client
}

type hostCheckTransport struct {
	next  http.RoundTripper
	check func(host string) error
}

func (t *hostCheckTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.check(req.URL.Host); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}
