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

package taskqueue

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	task     Task
	inflight bool
	readyAt  time.Time
	// visibleAt 在途任务重新可见的时间
	visibleAt time.Time
	seq       uint64
}

// MemoryQueue 进程内队列，用于单进程部署与测试
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	seq     uint64
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]*memEntry), now: time.Now}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[task.ID]; ok {
		return nil
	}
	now := q.now()
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = now
	}
	readyAt := now
	if task.NotBefore.After(now) {
		readyAt = task.NotBefore
	}
	q.seq++
	q.entries[task.ID] = &memEntry{task: task, readyAt: readyAt, seq: q.seq}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, visibility time.Duration) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var best *memEntry
	var bestAt time.Time
	for _, e := range q.entries {
		at := e.readyAt
		if e.inflight {
			at = e.visibleAt
		}
		if at.After(now) {
			continue
		}
		if best == nil || at.Before(bestAt) || (at.Equal(bestAt) && e.seq < best.seq) {
			best, bestAt = e, at
		}
	}
	if best == nil {
		return nil, nil
	}
	best.inflight = true
	best.visibleAt = now.Add(visibility)
	best.task.Deliveries++
	t := best.task
	return &t, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || !e.inflight {
		return ErrNotFound
	}
	delete(q.entries, id)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, id string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || !e.inflight {
		return ErrNotFound
	}
	e.inflight = false
	e.readyAt = q.now().Add(delay)
	return nil
}

func (q *MemoryQueue) ClaimStale(ctx context.Context, threshold time.Duration) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	cutoff := now.Add(-threshold)
	var out []Task
	for _, e := range q.entries {
		if e.inflight && e.visibleAt.Before(cutoff) {
			e.inflight = false
			e.readyAt = now
			out = append(out, e.task)
		}
	}
	return out, nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
