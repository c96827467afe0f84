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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrorKind 动作错误变体
type ErrorKind string

const (
	ErrRetryable         ErrorKind = "retryable"
	ErrFatal             ErrorKind = "fatal"
	ErrValidation        ErrorKind = "validation"
	ErrSandboxViolation  ErrorKind = "sandbox_violation"
	ErrCancelled         ErrorKind = "cancelled"
	ErrDataLimitExceeded ErrorKind = "data_limit_exceeded"
)

// Error 动作失败的带标签联合体，可 JSON 传输（跨沙箱边界、写入 journal）
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// RetryAfter retryable 的重试提示，0 表示按节点重试策略退避
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// Partial retryable 时已产生的部分输出，保留在 journal 中
	Partial    json.RawMessage `json:"partial,omitempty"`
	Capability string          `json:"capability,omitempty"`
	Size       int64           `json:"size,omitempty"`
	Limit      int64           `json:"limit,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// IsRetryable 仅 retryable 可重试
func (e *Error) IsRetryable() bool {
	return e != nil && e.Kind == ErrRetryable
}

// Terminal 不可重试的失败（cancelled 单独处理，不计为节点失败）
func (e *Error) Terminal() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case ErrFatal, ErrValidation, ErrSandboxViolation, ErrDataLimitExceeded:
		return true
	}
	return false
}

func RetryableError(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: ErrRetryable, Message: msg, RetryAfter: retryAfter}
}

// RetryableWithPartial 带部分输出的可重试错误
func RetryableWithPartial(msg string, partial json.RawMessage) *Error {
	return &Error{Kind: ErrRetryable, Message: msg, Partial: partial}
}

func FatalError(msg string) *Error {
	return &Error{Kind: ErrFatal, Message: msg}
}

func Fatalf(format string, args ...any) *Error {
	return &Error{Kind: ErrFatal, Message: fmt.Sprintf(format, args...)}
}

func ValidationError(msg string) *Error {
	return &Error{Kind: ErrValidation, Message: msg}
}

// ViolationError 访问了未授权的能力
func ViolationError(c Capability) *Error {
	return &Error{Kind: ErrSandboxViolation, Message: "capability not granted: " + c.String(), Capability: c.String()}
}

func CancelledError(reason string) *Error {
	return &Error{Kind: ErrCancelled, Message: reason}
}

func DataLimitError(size, limit int64) *Error {
	return &Error{
		Kind:    ErrDataLimitExceeded,
		Message: fmt.Sprintf("output of %d bytes exceeds limit of %d bytes", size, limit),
		Size:    size,
		Limit:   limit,
	}
}

// Wrap 以指定变体包装任意错误，保留 cause 供 errors.Is/As
func Wrap(kind ErrorKind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), cause: err}
}

// AsError 将任意错误归类：*Error 原样返回；context.Canceled 为 cancelled；
// 超时与其他未知错误按瞬时故障处理为 retryable
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(ErrCancelled, err)
	}
	return Wrap(ErrRetryable, err)
}
