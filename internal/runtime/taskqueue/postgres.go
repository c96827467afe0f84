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
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema task_queue 表；与 journal 共用数据库时可放在同一 DSN
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS task_queue (
  id          TEXT PRIMARY KEY,
  payload     JSONB NOT NULL,
  state       TEXT NOT NULL DEFAULT 'ready',
  ready_at    TIMESTAMPTZ NOT NULL,
  visible_at  TIMESTAMPTZ,
  deliveries  INT NOT NULL DEFAULT 0,
  enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_task_queue_ready ON task_queue (state, ready_at);
`

// PostgresQueue 以 FOR UPDATE SKIP LOCKED 认领的队列实现
type PostgresQueue struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresQueue 创建队列并确保表存在
func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool) (*PostgresQueue, error) {
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		return nil, fmt.Errorf("task_queue schema: %w", err)
	}
	return &PostgresQueue{pool: pool, now: time.Now}, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, task Task) error {
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
	_, err = q.pool.Exec(ctx,
		`INSERT INTO task_queue (id, payload, state, ready_at, enqueued_at) VALUES ($1, $2, 'ready', $3, $4)
ON CONFLICT (id) DO NOTHING`,
		task.ID, raw, readyAt, task.EnqueuedAt,
	)
	return err
}

// Dequeue 原子认领一条就绪或可见性已过期的任务
func (q *PostgresQueue) Dequeue(ctx context.Context, visibility time.Duration) (*Task, error) {
	now := q.now()
	var raw []byte
	var deliveries int
	err := q.pool.QueryRow(ctx,
		`WITH sel AS (
  SELECT id FROM task_queue
  WHERE (state = 'ready' AND ready_at <= $1) OR (state = 'inflight' AND visible_at <= $1)
  ORDER BY ready_at, id LIMIT 1 FOR UPDATE SKIP LOCKED
)
UPDATE task_queue SET state = 'inflight', visible_at = $2, deliveries = task_queue.deliveries + 1
FROM sel WHERE task_queue.id = sel.id
RETURNING task_queue.payload, task_queue.deliveries`,
		now, now.Add(visibility),
	).Scan(&raw, &deliveries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	task, err := decodeTask(raw)
	if err != nil {
		return nil, err
	}
	task.Deliveries = deliveries
	return task, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, id string) error {
	tag, err := q.pool.Exec(ctx, `DELETE FROM task_queue WHERE id = $1 AND state = 'inflight'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresQueue) Nack(ctx context.Context, id string, delay time.Duration) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE task_queue SET state = 'ready', ready_at = $2, visible_at = NULL WHERE id = $1 AND state = 'inflight'`,
		id, q.now().Add(delay),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresQueue) ClaimStale(ctx context.Context, threshold time.Duration) ([]Task, error) {
	now := q.now()
	rows, err := q.pool.Query(ctx,
		`UPDATE task_queue SET state = 'ready', ready_at = $2, visible_at = NULL
WHERE state = 'inflight' AND visible_at < $1
RETURNING payload`,
		now.Add(-threshold), now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return out, err
		}
		t, err := decodeTask(raw)
		if err != nil {
			return out, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (q *PostgresQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM task_queue`).Scan(&n)
	return n, err
}
