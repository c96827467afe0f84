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

// Package resource 命名共享资源（连接池、HTTP 客户端）与凭据的宿主侧注册表，
// 动作只能经 CapabilityGated 上下文按名取用
package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"flowrun/pkg/config"
	"flowrun/pkg/secrets"
)

// ErrUnknownResource 未注册的资源名
var ErrUnknownResource = errors.New("unknown resource")

// Factory 首次取用时创建资源；close 在 Registry.Close 时调用，可为 nil
type Factory func(ctx context.Context) (value any, close func(), err error)

// Registry 懒创建、进程内共享的命名资源
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]any
	closers   []func()
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory), instances: make(map[string]any)}
}

// Register 注册资源工厂；同名覆盖
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.instances, name)
}

// Provide 注册已创建好的资源
func (r *Registry) Provide(name string, value any) {
	r.Register(name, func(context.Context) (any, func(), error) { return value, nil, nil })
}

func (r *Registry) HasResource(name string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[name]
	return ok
}

// Names 已注册资源名（字典序）
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resource 取用资源，首次取用时创建
func (r *Registry) Resource(ctx context.Context, name string) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownResource)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.instances[name]; ok {
		return v, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownResource)
	}
	v, closeFn, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("open resource %s: %w", name, err)
	}
	r.instances[name] = v
	if closeFn != nil {
		r.closers = append(r.closers, closeFn)
	}
	return v, nil
}

// Close 关闭已创建的资源
func (r *Registry) Close() {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.instances = make(map[string]any)
	r.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// FromConfig 按配置注册资源：redis → *redis.Client，postgres → *pgxpool.Pool，http → *resty.Client
func FromConfig(cfgs map[string]config.ResourceConfig) (*Registry, error) {
	r := NewRegistry()
	for name, rc := range cfgs {
		f, err := factoryFor(rc)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", name, err)
		}
		r.Register(name, f)
	}
	return r, nil
}

func factoryFor(rc config.ResourceConfig) (Factory, error) {
	timeout := config.Duration(rc.Timeout, 10*time.Second)
	switch rc.Type {
	case "redis":
		if rc.Addr == "" {
			return nil, errors.New("redis resource requires addr")
		}
		return func(ctx context.Context) (any, func(), error) {
			client := redis.NewClient(&redis.Options{
				Addr:        rc.Addr,
				PoolSize:    rc.PoolSize,
				DialTimeout: timeout,
			})
			if err := client.Ping(ctx).Err(); err != nil {
				client.Close()
				return nil, nil, err
			}
			return client, func() { client.Close() }, nil
		}, nil
	case "postgres":
		if rc.DSN == "" {
			return nil, errors.New("postgres resource requires dsn")
		}
		return func(ctx context.Context) (any, func(), error) {
			pc, err := pgxpool.ParseConfig(rc.DSN)
			if err != nil {
				return nil, nil, err
			}
			if rc.PoolSize > 0 {
				pc.MaxConns = int32(rc.PoolSize)
			}
			pool, err := pgxpool.NewWithConfig(ctx, pc)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}, nil
	case "http":
		return func(context.Context) (any, func(), error) {
			client := resty.New().SetTimeout(timeout)
			if rc.BaseURL != "" {
				client.SetBaseURL(rc.BaseURL)
			}
			return client, nil, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported resource type %q", rc.Type)
	}
}

// SecretCredentials 以 secrets.Store 作为凭据来源
type SecretCredentials struct {
	Store secrets.Store
}

func (c SecretCredentials) Credential(ctx context.Context, name string) (string, error) {
	if c.Store == nil {
		return "", fmt.Errorf("credential %s: %w", name, secrets.ErrNotFound)
	}
	return c.Store.Get(ctx, name)
}

// HasCredential 凭据存在且可读
func (c SecretCredentials) HasCredential(ctx context.Context, name string) bool {
	_, err := c.Credential(ctx, name)
	return err == nil
}

// Resolver 供计划构建时校验资源与凭据的可用性
type Resolver struct {
	*Registry
	SecretCredentials
}

func NewResolver(resources *Registry, store secrets.Store) *Resolver {
	return &Resolver{Registry: resources, SecretCredentials: SecretCredentials{Store: store}}
}
