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

// Package secrets 凭据读取：动作在授权后按名取用，值从不写入 journal
package secrets

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound 凭据不存在
var ErrNotFound = errors.New("secret not found")

// Store Secret 存储接口
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值
	Set(ctx context.Context, key string, value string) error

	// Delete 删除 secret
	Delete(ctx context.Context, key string) error

	// List 列出前缀匹配的 secret keys
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config Secret Store 配置
type Config struct {
	Provider  string            // memory | env | dir | vault
	EnvPrefix string            // env：key "api_token" 读取 <PREFIX>API_TOKEN
	Dir       string            // dir：每个 key 一个文件
	Static    map[string]string // memory：初始内容
	Vault     VaultConfig
}

// NewStore 创建 Secret Store
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "", "memory":
		return NewMemoryStore(config.Static), nil
	case "env":
		return NewEnvStore(config.EnvPrefix), nil
	case "dir":
		return NewDirStore(config.Dir)
	case "vault":
		return NewVaultStore(config.Vault)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Provider)
	}
}
