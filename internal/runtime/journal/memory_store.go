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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const watchChanBuffer = 64

type execRecord struct {
	workflowID string
	status     Status
	entries    []Entry
	createdAt  time.Time
	updatedAt  time.Time
}

// memoryStore 内存实现：条目流 + 状态 + 租约 + Watch
type memoryStore struct {
	mu       sync.RWMutex
	execs    map[string]*execRecord
	leases   map[string]Lease
	watchers map[string][]chan Entry
	now      func() time.Time
}

// NewMemoryStore 创建内存版执行日志
func NewMemoryStore() Store {
	return &memoryStore{
		execs:    make(map[string]*execRecord),
		leases:   make(map[string]Lease),
		watchers: make(map[string][]chan Entry),
		now:      time.Now,
	}
}

func (s *memoryStore) Create(ctx context.Context, executionID, workflowID string, started Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[executionID]; ok {
		return ErrExists
	}
	now := s.now()
	rec := &execRecord{workflowID: workflowID, status: StatusCreated, createdAt: now, updatedAt: now}
	s.execs[executionID] = rec
	s.appendLocked(executionID, rec, started)
	return nil
}

func (s *memoryStore) Transition(ctx context.Context, executionID string, expected, next Status, entry *Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[executionID]
	if !ok {
		return 0, ErrNotFound
	}
	if rec.status != expected {
		return 0, ErrConflict
	}
	rec.status = next
	rec.updatedAt = s.now()
	if entry != nil {
		s.appendLocked(executionID, rec, *entry)
	}
	return len(rec.entries), nil
}

func (s *memoryStore) Append(ctx context.Context, executionID string, expectedVersion int, entry Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[executionID]
	if !ok {
		return 0, ErrNotFound
	}
	if rec.status.Terminal() {
		return 0, ErrTerminal
	}
	if len(rec.entries) != expectedVersion {
		return 0, ErrConflict
	}
	rec.updatedAt = s.now()
	s.appendLocked(executionID, rec, entry)
	return len(rec.entries), nil
}

// appendLocked 调用方持有写锁
func (s *memoryStore) appendLocked(executionID string, rec *execRecord, e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	e.ExecutionID = executionID
	e.Seq = len(rec.entries) + 1
	e.Payload = cloneBytes(e.Payload)
	rec.entries = append(rec.entries, e)
	for _, ch := range s.watchers[executionID] {
		select {
		case ch <- e:
		default:
			// 订阅方消费过慢时丢弃；订阅方需以 GetState 兜底
		}
	}
}

func (s *memoryStore) GetState(ctx context.Context, executionID string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.execs[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	entries := make([]Entry, len(rec.entries))
	for i, e := range rec.entries {
		e.Payload = cloneBytes(e.Payload)
		entries[i] = e
	}
	return &State{
		ExecutionID: executionID,
		WorkflowID:  rec.workflowID,
		Status:      rec.status,
		Version:     len(rec.entries),
		Entries:     entries,
		CreatedAt:   rec.createdAt,
		UpdatedAt:   rec.updatedAt,
	}, nil
}

func (s *memoryStore) ListByStatus(ctx context.Context, statuses ...Status) ([]Summary, error) {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Summary
	for id, rec := range s.execs {
		if len(want) > 0 && !want[rec.status] {
			continue
		}
		out = append(out, Summary{
			ExecutionID: id,
			WorkflowID:  rec.workflowID,
			Status:      rec.status,
			Version:     len(rec.entries),
			UpdatedAt:   rec.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out, nil
}

func (s *memoryStore) AcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[executionID]; !ok {
		return Lease{}, ErrNotFound
	}
	now := s.now()
	if cur, ok := s.leases[executionID]; ok && cur.Owner != owner && cur.ExpiresAt.After(now) {
		return Lease{}, ErrLeaseHeld
	}
	l := Lease{ExecutionID: executionID, Owner: owner, ExpiresAt: now.Add(ttl)}
	s.leases[executionID] = l
	return l, nil
}

func (s *memoryStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[executionID]
	if !ok || cur.Owner != owner {
		return ErrLeaseLost
	}
	cur.ExpiresAt = s.now().Add(ttl)
	s.leases[executionID] = cur
	return nil
}

func (s *memoryStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[executionID]; ok && cur.Owner == owner {
		delete(s.leases, executionID)
	}
	return nil
}

func (s *memoryStore) FindStaleLeases(ctx context.Context, threshold time.Duration) ([]Lease, error) {
	cutoff := s.now().Add(-threshold)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Lease
	for _, l := range s.leases {
		if l.ExpiresAt.Before(cutoff) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out, nil
}

func (s *memoryStore) Watch(ctx context.Context, executionID string) (<-chan Entry, error) {
	ch := make(chan Entry, watchChanBuffer)
	s.mu.Lock()
	s.watchers[executionID] = append(s.watchers[executionID], ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.watchers[executionID]
		for i, c := range list {
			if c == ch {
				s.watchers[executionID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.watchers[executionID]) == 0 {
			delete(s.watchers, executionID)
		}
		close(ch)
	}()
	return ch, nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
