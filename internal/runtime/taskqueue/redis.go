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
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	errs "flowrun/pkg/errors"
)

// 键布局：<prefix>ready（ZSET，分数为可出队时间 ms）、<prefix>inflight（ZSET，分数为可见性截止 ms）、
// <prefix>tasks（HASH id→任务 JSON）、<prefix>deliveries（HASH id→出队次数）

var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'WITHSCORES')
for i = 1, #expired, 2 do
  redis.call('ZREM', KEYS[2], expired[i])
  redis.call('ZADD', KEYS[1], expired[i + 1], expired[i])
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local raw = redis.call('HGET', KEYS[3], id)
if not raw then
  redis.call('HDEL', KEYS[4], id)
  return false
end
redis.call('ZADD', KEYS[2], now + tonumber(ARGV[2]), id)
local n = redis.call('HINCRBY', KEYS[4], id, 1)
return {raw, n}
`)

var ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

var nackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

var claimStaleScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[2], id)
  local raw = redis.call('HGET', KEYS[3], id)
  if raw then
    table.insert(out, raw)
  end
end
return out
`)

// RedisQueue 基于 Redis 有序集合的队列；所有状态迁移在 Lua 脚本内原子完成
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisQueue 创建 Redis 队列；prefix 为空时使用 "flowrun:queue:"
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "flowrun:queue:"
	}
	return &RedisQueue{client: client, prefix: prefix, now: time.Now}
}

// DialRedisQueue 按地址建立连接并校验可用性
func DialRedisQueue(ctx context.Context, addr, password string, db int, prefix string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return NewRedisQueue(client, prefix), nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// opErr 包装 Redis 错误；客户端已关闭时同时匹配 errs.ErrClosed
func opErr(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%s: %w: %w", op, errs.ErrClosed, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (q *RedisQueue) readyKey() string      { return q.prefix + "ready" }
func (q *RedisQueue) inflightKey() string   { return q.prefix + "inflight" }
func (q *RedisQueue) tasksKey() string      { return q.prefix + "tasks" }
func (q *RedisQueue) deliveriesKey() string { return q.prefix + "deliveries" }

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	now := q.now()
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = now
	}
	readyAt := now
	if task.NotBefore.After(now) {
		readyAt = task.NotBefore
	}
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}
	keys := []string{q.readyKey(), q.tasksKey()}
	if err := enqueueScript.Run(ctx, q.client, keys, task.ID, raw, millis(readyAt)).Err(); err != nil {
		return opErr("enqueue "+task.ID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, visibility time.Duration) (*Task, error) {
	keys := []string{q.readyKey(), q.inflightKey(), q.tasksKey(), q.deliveriesKey()}
	res, err := dequeueScript.Run(ctx, q.client, keys, millis(q.now()), visibility.Milliseconds()).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, opErr("dequeue", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply %v", res)
	}
	raw, _ := res[0].(string)
	task, err := decodeTask([]byte(raw))
	if err != nil {
		return nil, err
	}
	if n, ok := res[1].(int64); ok {
		task.Deliveries = int(n)
	}
	return task, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	keys := []string{q.inflightKey(), q.tasksKey(), q.deliveriesKey()}
	n, err := ackScript.Run(ctx, q.client, keys, id).Int()
	if err != nil {
		return opErr("ack "+id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, id string, delay time.Duration) error {
	keys := []string{q.inflightKey(), q.readyKey()}
	n, err := nackScript.Run(ctx, q.client, keys, id, millis(q.now().Add(delay))).Int()
	if err != nil {
		return opErr("nack "+id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *RedisQueue) ClaimStale(ctx context.Context, threshold time.Duration) ([]Task, error) {
	now := q.now()
	keys := []string{q.inflightKey(), q.readyKey(), q.tasksKey()}
	raws, err := claimStaleScript.Run(ctx, q.client, keys, millis(now.Add(-threshold)), millis(now)).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, opErr("claim stale", err)
	}
	out := make([]Task, 0, len(raws))
	for _, raw := range raws {
		t, err := decodeTask([]byte(raw))
		if err != nil {
			return out, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.HLen(ctx, q.tasksKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
