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

package planner

import "time"

// Budget 执行资源预算
type Budget struct {
	MaxConcurrentNodes int           `json:"max_concurrent_nodes"`
	MaxTotalRetries    int           `json:"max_total_retries"`
	MaxWallClock       time.Duration `json:"max_wall_clock"`
	MaxPayloadBytes    int64         `json:"max_payload_bytes"`
	MaxLoopIterations  int           `json:"max_loop_iterations"`
}

// DefaultBudget 内置默认预算
func DefaultBudget() Budget {
	return Budget{
		MaxConcurrentNodes: 4,
		MaxTotalRetries:    10,
		MaxWallClock:       time.Hour,
		MaxPayloadBytes:    1 << 20,
		MaxLoopIterations:  10000,
	}
}

// merge 以 o 中的非零字段覆盖 b
func (b Budget) merge(o Settings) Budget {
	if o.MaxConcurrentNodes > 0 {
		b.MaxConcurrentNodes = o.MaxConcurrentNodes
	}
	if o.MaxTotalRetries > 0 {
		b.MaxTotalRetries = o.MaxTotalRetries
	}
	if o.MaxWallClock > 0 {
		b.MaxWallClock = o.MaxWallClock
	}
	if o.MaxPayloadBytes > 0 {
		b.MaxPayloadBytes = o.MaxPayloadBytes
	}
	if o.MaxLoopIterations > 0 {
		b.MaxLoopIterations = o.MaxLoopIterations
	}
	return b
}

// Option 调用方对单次执行的覆盖
type Option func(*Budget)

func WithMaxConcurrentNodes(n int) Option {
	return func(b *Budget) {
		if n > 0 {
			b.MaxConcurrentNodes = n
		}
	}
}

// WithMaxTotalRetries 0 表示整个执行不允许重试
func WithMaxTotalRetries(n int) Option {
	return func(b *Budget) {
		if n >= 0 {
			b.MaxTotalRetries = n
		}
	}
}

func WithMaxWallClock(d time.Duration) Option {
	return func(b *Budget) {
		if d > 0 {
			b.MaxWallClock = d
		}
	}
}

func WithMaxPayloadBytes(n int64) Option {
	return func(b *Budget) {
		if n > 0 {
			b.MaxPayloadBytes = n
		}
	}
}

func WithMaxLoopIterations(n int) Option {
	return func(b *Budget) {
		if n > 0 {
			b.MaxLoopIterations = n
		}
	}
}
