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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const watchPollInterval = 500 * time.Millisecond

// Schema Postgres 表结构；NewPostgresStore 启动时执行
const Schema = `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	version     INT  NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_status_idx ON executions (status);
CREATE TABLE IF NOT EXISTS journal_entries (
	execution_id TEXT NOT NULL REFERENCES executions (id) ON DELETE CASCADE,
	seq          INT  NOT NULL,
	id           TEXT NOT NULL,
	kind         TEXT NOT NULL,
	payload      JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (execution_id, seq)
);
CREATE TABLE IF NOT EXISTS execution_leases (
	execution_id TEXT PRIMARY KEY REFERENCES executions (id) ON DELETE CASCADE,
	owner        TEXT NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL
);
`

// PostgresStore PostgreSQL 实现：执行表 + 条目表 + 租约表
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建基于 PostgreSQL 的 Store 并确保表结构存在；maxConns<=0 使用 pgxpool 默认值
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool 底层连接池，供同库的任务队列复用
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// Close 关闭连接池（可选，用于优雅退出）
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Create(ctx context.Context, executionID, workflowID string, started Entry) error {
	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	_, err = tx.Exec(ctx,
		`INSERT INTO executions (id, workflow_id, status, version, created_at, updated_at) VALUES ($1, $2, $3, 0, $4, $4)`,
		executionID, workflowID, string(StatusCreated), now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return err
	}
	if _, err := s.appendTx(ctx, tx, executionID, started); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Transition(ctx context.Context, executionID string, expected, next Status, entry *Entry) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var version int
	err = tx.QueryRow(ctx,
		`UPDATE executions SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2 RETURNING version`,
		executionID, string(expected), string(next), time.Now().UTC()).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, s.missOrConflict(ctx, tx, executionID)
	}
	if err != nil {
		return 0, err
	}
	if entry != nil {
		if version, err = s.appendTx(ctx, tx, executionID, *entry); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *PostgresStore) Append(ctx context.Context, executionID string, expectedVersion int, entry Entry) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var status string
	var version int
	err = tx.QueryRow(ctx, `SELECT status, version FROM executions WHERE id = $1 FOR UPDATE`, executionID).Scan(&status, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if Status(status).Terminal() {
		return 0, ErrTerminal
	}
	if version != expectedVersion {
		return 0, ErrConflict
	}
	newVersion, err := s.appendTx(ctx, tx, executionID, entry)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// appendTx 在事务内递增 version 并插入条目；主键冲突视为 CAS 冲突
func (s *PostgresStore) appendTx(ctx context.Context, tx pgx.Tx, executionID string, e Entry) (int, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var version int
	err := tx.QueryRow(ctx,
		`UPDATE executions SET version = version + 1, updated_at = $2 WHERE id = $1 RETURNING version`,
		executionID, e.Timestamp).Scan(&version)
	if err != nil {
		return 0, err
	}
	var payload []byte
	if len(e.Payload) > 0 {
		payload = e.Payload
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO journal_entries (execution_id, seq, id, kind, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		executionID, version, e.ID, string(e.Kind), payload, e.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, err
	}
	return version, nil
}

func (s *PostgresStore) missOrConflict(ctx context.Context, tx pgx.Tx, executionID string) error {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM executions WHERE id = $1`, executionID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (s *PostgresStore) GetState(ctx context.Context, executionID string) (*State, error) {
	st := &State{ExecutionID: executionID}
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT workflow_id, status, version, created_at, updated_at FROM executions WHERE id = $1`,
		executionID).Scan(&st.WorkflowID, &status, &st.Version, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Status = Status(status)
	st.Entries, err = s.listEntries(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	// 两次查询之间可能有新条目，以条目数为准
	st.Version = len(st.Entries)
	return st, nil
}

func (s *PostgresStore) listEntries(ctx context.Context, executionID string, afterSeq int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, kind, payload, created_at FROM journal_entries WHERE execution_id = $1 AND seq > $2 ORDER BY seq`,
		executionID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e := Entry{ExecutionID: executionID}
		var kind string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Seq, &kind, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.Payload = cloneBytes(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListByStatus(ctx context.Context, statuses ...Status) ([]Summary, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	query := `SELECT id, workflow_id, status, version, updated_at FROM executions`
	args := []any{}
	if len(names) > 0 {
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var sum Summary
		var status string
		if err := rows.Scan(&sum.ExecutionID, &sum.WorkflowID, &status, &sum.Version, &sum.UpdatedAt); err != nil {
			return nil, err
		}
		sum.Status = Status(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (Lease, error) {
	now := time.Now().UTC()
	l := Lease{ExecutionID: executionID, Owner: owner}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO execution_leases (execution_id, owner, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (execution_id) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE execution_leases.owner = EXCLUDED.owner OR execution_leases.expires_at <= $4
		RETURNING expires_at`,
		executionID, owner, now.Add(ttl), now).Scan(&l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, ErrLeaseHeld
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return Lease{}, ErrNotFound
		}
		return Lease{}, err
	}
	return l, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE execution_leases SET expires_at = $1 WHERE execution_id = $2 AND owner = $3`,
		time.Now().UTC().Add(ttl), executionID, owner)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM execution_leases WHERE execution_id = $1 AND owner = $2`, executionID, owner)
	return err
}

func (s *PostgresStore) FindStaleLeases(ctx context.Context, threshold time.Duration) ([]Lease, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT execution_id, owner, expires_at FROM execution_leases WHERE expires_at < $1 ORDER BY execution_id`,
		time.Now().UTC().Add(-threshold))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Lease
	for rows.Next() {
		var l Lease
		if err := rows.Scan(&l.ExecutionID, &l.Owner, &l.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Watch 轮询新条目；Postgres 无进程内通知，间隔为 watchPollInterval
func (s *PostgresStore) Watch(ctx context.Context, executionID string) (<-chan Entry, error) {
	st, err := s.GetState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ch := make(chan Entry, watchChanBuffer)
	last := st.Version
	go func() {
		defer close(ch)
		ticker := time.NewTicker(watchPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				entries, err := s.listEntries(ctx, executionID, last)
				if err != nil {
					continue
				}
				for _, e := range entries {
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
					last = e.Seq
				}
			}
		}
	}()
	return ch, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
