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
	"context"
	"errors"
	"time"

	"flowrun/pkg/metrics"
)

// DefaultMaxRetries CAS 冲突时的默认重试次数
const DefaultMaxRetries = 16

// BuildFunc 基于最新状态构造要追加的条目；返回 nil 表示无需追加
type BuildFunc func(st *State) (*Entry, error)

// Update 读取-构造-追加，冲突时重新读取并重建，最多 maxRetries 次。
// 返回追加前的状态与追加后的条目（Seq 已填充）；build 返回 nil 时 appended 为 nil
func Update(ctx context.Context, s Store, executionID string, maxRetries int, build BuildFunc) (before *State, appended *Entry, err error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	for i := 0; i < maxRetries; i++ {
		st, err := s.GetState(ctx, executionID)
		if err != nil {
			return nil, nil, err
		}
		entry, err := build(st)
		if err != nil || entry == nil {
			return st, nil, err
		}
		ver, err := s.Append(ctx, executionID, st.Version, *entry)
		if errors.Is(err, ErrConflict) {
			metrics.CASConflictTotal.WithLabelValues("append").Inc()
			if err := backoff(ctx, i); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err != nil {
			return st, nil, err
		}
		e := *entry
		e.ExecutionID = executionID
		e.Seq = ver
		return st, &e, nil
	}
	return nil, nil, ErrConflict
}

// DecideFunc 基于最新状态决定目标状态与随附条目；ok=false 表示放弃转换
type DecideFunc func(st *State) (next Status, entry *Entry, ok bool)

// TransitionWithRetry 冲突时重新读取状态并重新决策；返回最终状态（放弃时为读取到的状态）
func TransitionWithRetry(ctx context.Context, s Store, executionID string, decide DecideFunc) (*State, bool, error) {
	for i := 0; i < DefaultMaxRetries; i++ {
		st, err := s.GetState(ctx, executionID)
		if err != nil {
			return nil, false, err
		}
		next, entry, ok := decide(st)
		if !ok {
			return st, false, nil
		}
		ver, err := s.Transition(ctx, executionID, st.Status, next, entry)
		if errors.Is(err, ErrConflict) {
			metrics.CASConflictTotal.WithLabelValues("transition").Inc()
			if err := backoff(ctx, i); err != nil {
				return nil, false, err
			}
			continue
		}
		if err != nil {
			return nil, false, err
		}
		st.Status = next
		st.Version = ver
		if entry != nil {
			e := *entry
			e.ExecutionID = executionID
			e.Seq = ver
			st.Entries = append(st.Entries, e)
		}
		return st, true, nil
	}
	return nil, false, ErrConflict
}

func backoff(ctx context.Context, attempt int) error {
	if attempt == 0 {
		return ctx.Err()
	}
	d := time.Duration(attempt) * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
