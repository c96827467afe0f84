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

package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowrun/internal/action"
	"flowrun/internal/planner"
)

// Status 执行状态；只能经由 Store.Transition 的 CAS 改变
type Status string

const (
	StatusCreated    Status = "created"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
)

// Terminal 终态之后不再接受节点条目
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Kind 条目类型（事件流语义，用于重放与审计）
type Kind string

const (
	KindExecutionStarted      Kind = "execution_started"
	KindExecutionRunning      Kind = "execution_running"
	KindNodeStarted           Kind = "node_started"
	KindNodeAttempt           Kind = "node_attempt"
	KindWaitResolved          Kind = "wait_resolved"
	KindCancellationRequested Kind = "cancellation_requested"
	KindExecutionCompleted    Kind = "execution_completed"
	KindExecutionFailed       Kind = "execution_failed"
	KindExecutionCancelled    Kind = "execution_cancelled"
	KindExecutionTimedOut     Kind = "execution_timed_out"
	KindRecoveryStarted       Kind = "recovery_started"
)

// Entry 单条不可变条目；执行的真实形态是条目流
type Entry struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Seq         int             `json:"seq"` // 从 1 开始，等于追加后的 version
	Kind        Kind            `json:"kind"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEntry 以 payload 的 JSON 编码构造条目；ExecutionID 与 Seq 由 Store 填充
func NewEntry(kind Kind, payload any) (Entry, error) {
	e := Entry{ID: uuid.NewString(), Kind: kind, Timestamp: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Entry{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		e.Payload = b
	}
	return e, nil
}

// MustEntry 仅用于 payload 必然可编码的场景
func MustEntry(kind Kind, payload any) Entry {
	e, err := NewEntry(kind, payload)
	if err != nil {
		panic(err)
	}
	return e
}

// Decode 解码 payload
func (e Entry) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s entry %d has no payload", e.Kind, e.Seq)
	}
	return json.Unmarshal(e.Payload, v)
}

// ExecutionStarted 初始条目：输入与完整计划
type ExecutionStarted struct {
	WorkflowID string                 `json:"workflow_id"`
	Input      json.RawMessage        `json:"input,omitempty"`
	Plan       *planner.ExecutionPlan `json:"plan"`
	Deadline   time.Time              `json:"deadline"`
}

// NodeStarted 节点尝试开始标记
type NodeStarted struct {
	NodeID         string       `json:"node_id"`
	Attempt        int          `json:"attempt"`
	IdempotencyKey string       `json:"idempotency_key"`
	ResolvedInputs action.Input `json:"resolved_inputs"`
	StartedAt      time.Time    `json:"started_at"`
	BytesIn        int64        `json:"bytes_in"`
	WorkerID       string       `json:"worker_id,omitempty"`
	Iteration      int          `json:"iteration,omitempty"`
}

// Disposition 结果处理器对一次尝试的裁决
type Disposition string

const (
	DispositionAdvance   Disposition = "advance"
	DispositionLoop      Disposition = "loop"
	DispositionPark      Disposition = "park"
	DispositionRetry     Disposition = "retry"
	DispositionFail      Disposition = "fail"
	DispositionCancelled Disposition = "cancelled"
)

// NodeAttempt 节点尝试完成记录（成功结果或错误二选一）
type NodeAttempt struct {
	NodeID         string         `json:"node_id"`
	Attempt        int            `json:"attempt_number"`
	IdempotencyKey string         `json:"idempotency_key"`
	ResolvedInputs action.Input   `json:"resolved_inputs"`
	Output         *action.Result `json:"output,omitempty"`
	Error          *action.Error  `json:"error,omitempty"`
	Disposition    Disposition    `json:"disposition"`
	Delay          time.Duration  `json:"delay,omitempty"`
	WaitDeadline   *time.Time     `json:"wait_deadline,omitempty"`
	Iteration      int            `json:"iteration,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	BytesIn        int64          `json:"bytes_in"`
	BytesOut       int64          `json:"bytes_out"`
	WorkerID       string         `json:"worker_id,omitempty"`
}

// Wait 解除原因
const (
	WaitReasonSignal    = "signal"
	WaitReasonTimeout   = "timeout"
	WaitReasonExecution = "execution"
)

// WaitResolved 挂起节点被信号、超时或目标执行结束唤醒
type WaitResolved struct {
	NodeID  string          `json:"node_id"`
	Attempt int             `json:"attempt"`
	Reason  string          `json:"reason"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Error 非空表示节点以失败结束（on_timeout=fail）
	Error *action.Error `json:"error,omitempty"`
}

type CancellationRequested struct {
	Reason string `json:"reason,omitempty"`
}

type ExecutionCompleted struct {
	Outputs map[string]json.RawMessage `json:"outputs,omitempty"`
}

// ExecutionFailed 失败终态携带最后错误、失败节点与尝试次数
type ExecutionFailed struct {
	Error      *action.Error `json:"error"`
	NodeID     string        `json:"node_id,omitempty"`
	Attempts   int           `json:"attempts"`
	RetryCount int           `json:"retry_count"`
}

type ExecutionCancelled struct {
	Reason string `json:"reason,omitempty"`
}

type ExecutionTimedOut struct {
	Deadline time.Time `json:"deadline"`
}

type RecoveryStarted struct {
	Owner    string `json:"owner"`
	Previous string `json:"previous_owner,omitempty"`
}
