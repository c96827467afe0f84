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

// Package journal 执行日志：追加式条目流、状态 CAS 与执行租约。崩溃后的恢复只依赖这里的记录
package journal

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound 执行不存在
	ErrNotFound = errors.New("journal: execution not found")
	// ErrExists Create 时执行已存在
	ErrExists = errors.New("journal: execution already exists")
	// ErrConflict 乐观并发冲突：状态或 version 与期望不一致，存储未被修改
	ErrConflict = errors.New("journal: optimistic conflict")
	// ErrTerminal 执行已处于终态，拒绝追加
	ErrTerminal = errors.New("journal: execution is terminal")
	// ErrLeaseHeld 租约被其他 owner 持有且未过期
	ErrLeaseHeld = errors.New("journal: lease held by another owner")
	// ErrLeaseLost 续租失败：租约不存在、已过期被接管或 owner 不符
	ErrLeaseLost = errors.New("journal: lease lost")
)

// State 执行当前状态及完整条目历史
type State struct {
	ExecutionID string
	WorkflowID  string
	Status      Status
	Version     int
	Entries     []Entry
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Summary 列表查询用的执行概要
type Summary struct {
	ExecutionID string
	WorkflowID  string
	Status      Status
	Version     int
	UpdatedAt   time.Time
}

// Lease 执行租约
type Lease struct {
	ExecutionID string
	Owner       string
	ExpiresAt   time.Time
}

// Store 执行日志存储
type Store interface {
	// Create 以 execution_started 条目创建执行，状态为 created
	Create(ctx context.Context, executionID, workflowID string, started Entry) error
	// Transition 仅当当前状态等于 expected 时改为 next，并原子追加 entry（可为 nil）；否则返回 ErrConflict
	Transition(ctx context.Context, executionID string, expected, next Status, entry *Entry) (newVersion int, err error)
	// Append 仅当 version 等于 expectedVersion 且执行非终态时追加，返回新 version
	Append(ctx context.Context, executionID string, expectedVersion int, entry Entry) (newVersion int, err error)
	// GetState 返回状态与条目历史
	GetState(ctx context.Context, executionID string) (*State, error)
	// ListByStatus 列出处于任一给定状态的执行
	ListByStatus(ctx context.Context, statuses ...Status) ([]Summary, error)
	// AcquireLease 获取租约；同一 owner 可重复获取（相当于续租），他人持有未过期时返回 ErrLeaseHeld
	AcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (Lease, error)
	// RenewLease 仅当 owner 仍持有租约时延长
	RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error
	// ReleaseLease 释放 owner 持有的租约；不持有时为 no-op
	ReleaseLease(ctx context.Context, executionID, owner string) error
	// FindStaleLeases 返回过期时间早于 now-threshold 的租约
	FindStaleLeases(ctx context.Context, threshold time.Duration) ([]Lease, error)
	// Watch 订阅该执行的新条目；ctx 结束时关闭 channel。投递为尽力而为，消费过慢时可能丢条目
	Watch(ctx context.Context, executionID string) (<-chan Entry, error)
}
