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

package object

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"
)

// MemoryStore 进程内对象存储，用于单机模式与测试；重启后溢出数据丢失
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	data []byte
	info ObjectInfo
}

// NewMemoryStore 创建内存对象存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

// Put 写入对象；size 非负时校验实际长度
func (s *MemoryStore) Put(ctx context.Context, key string, data io.Reader, size int64, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("read object %s: %w", key, err)
	}
	if size >= 0 && int64(len(b)) != size {
		return fmt.Errorf("object %s: size %d, declared %d", key, len(b), size)
	}
	s.mu.Lock()
	s.entries[key] = memEntry{
		data: b,
		info: ObjectInfo{Key: key, Size: int64(len(b)), Metadata: maps.Clone(metadata), CreatedAt: time.Now().Unix()},
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) lookup(key string) (memEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return e, nil
}

// Get 读取对象
func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	e, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(e.data)), nil
}

// Delete 删除对象；不存在时不报错
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.lookup(key)
	return err == nil, nil
}

func (s *MemoryStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	e, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	info := e.info
	info.Metadata = maps.Clone(e.info.Metadata)
	return &info, nil
}

func (s *MemoryStore) Close() error { return nil }
