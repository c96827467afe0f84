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

package executor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// LimitConfig 单个动作类型的限流配置；零值字段不限制
type LimitConfig struct {
	QPS           float64 `mapstructure:"qps"`
	Burst         int     `mapstructure:"burst"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
}

// RateLimiter 按动作类型的 QPS + 并发限流；未配置的类型不限流
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*typeLimiter
}

type typeLimiter struct {
	qps       *rate.Limiter
	semaphore chan struct{}
}

func NewRateLimiter(configs map[string]LimitConfig) *RateLimiter {
	l := &RateLimiter{limiters: make(map[string]*typeLimiter)}
	for actionType, cfg := range configs {
		l.Set(actionType, cfg)
	}
	return l
}

// Set 设置（或替换）动作类型的限流
func (l *RateLimiter) Set(actionType string, cfg LimitConfig) {
	tl := &typeLimiter{}
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		tl.qps = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	if cfg.MaxConcurrent > 0 {
		tl.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	l.mu.Lock()
	l.limiters[actionType] = tl
	l.mu.Unlock()
}

// Acquire 阻塞直到获得执行许可；返回的 release 必须调用一次
func (l *RateLimiter) Acquire(ctx context.Context, actionType string) (release func(), err error) {
	noop := func() {}
	if l == nil {
		return noop, nil
	}
	l.mu.RLock()
	tl, ok := l.limiters[actionType]
	l.mu.RUnlock()
	if !ok {
		return noop, nil
	}

	if tl.qps != nil {
		if err := tl.qps.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait for %s: %w", actionType, err)
		}
	}
	if tl.semaphore == nil {
		return noop, nil
	}
	select {
	case tl.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-tl.semaphore })
	}, nil
}
