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

// Package taskqueue 至少一次投递的任务队列：出队后进入可见性窗口，未确认的任务在窗口到期后重新出现
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowrun/internal/action"
)

// ErrNotFound 任务不在队列中（已确认或从未入队）
var ErrNotFound = errors.New("taskqueue: task not found")

// Budget 任务携带的执行预算切片
type Budget struct {
	Timeout          time.Duration `json:"timeout,omitempty"`
	MaxPayloadBytes  int64         `json:"max_payload_bytes,omitempty"`
	RetriesRemaining int           `json:"retries_remaining"`
	Deadline         time.Time     `json:"deadline"`
}

// Task 一个节点尝试的投递单元；取消信号不随任务序列化，由 Worker 按 ExecutionID 关联
type Task struct {
	ID             string          `json:"id"`
	ExecutionID    string          `json:"execution_id"`
	NodeID         string          `json:"node_id"`
	ActionRef      string          `json:"action_ref"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotency_key"`
	Inputs         action.Input    `json:"inputs"`
	State          json.RawMessage `json:"state,omitempty"`
	Iteration      int             `json:"iteration,omitempty"`
	Budget         Budget          `json:"budget"`
	NotBefore      time.Time       `json:"not_before,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	// Deliveries 出队次数，由队列维护
	Deliveries int `json:"deliveries"`
}

// TaskID 确定性任务 id：同一节点尝试重复入队时被去重
func TaskID(executionID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", executionID, nodeID, attempt)
}

// Queue 任务队列
type Queue interface {
	// Enqueue 入队；同 id 任务仍在队列（就绪或在途）时为 no-op
	Enqueue(ctx context.Context, task Task) error
	// Dequeue 取出一个就绪任务并设置可见性超时；无任务时返回 nil, nil
	Dequeue(ctx context.Context, visibility time.Duration) (*Task, error)
	// Ack 确认并删除在途任务
	Ack(ctx context.Context, id string) error
	// Nack 将在途任务放回，delay 后可再次出队
	Nack(ctx context.Context, id string, delay time.Duration) error
	// ClaimStale 将可见性已过期超过 threshold 的在途任务放回就绪并返回
	ClaimStale(ctx context.Context, threshold time.Duration) ([]Task, error)
	// Len 就绪与在途任务总数
	Len(ctx context.Context) (int, error)
}

func encodeTask(t Task) ([]byte, error) {
	return json.Marshal(t)
}

func decodeTask(b []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}
