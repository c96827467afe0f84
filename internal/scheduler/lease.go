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

package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"flowrun/internal/runtime/journal"
	"flowrun/pkg/log"
)

var (
	// ErrExecutionCancelled 执行收到取消请求或已进入终态
	ErrExecutionCancelled = errors.New("scheduler: execution cancelled")
	// ErrExecutionTimedOut 执行超过墙钟预算
	ErrExecutionTimedOut = errors.New("scheduler: execution timed out")
)

// LeaseConfig 租约与心跳配置
type LeaseConfig struct {
	// TTL 租约有效期；超过未续租即可被其他 owner 接管
	TTL time.Duration
	// HeartbeatInterval 续租间隔，应明显小于 TTL，默认 TTL/3
	HeartbeatInterval time.Duration
}

// LeaseKeeper 以进程为 owner 持有执行租约。同一执行的多个任务共享一份租约（引用计数），
// 租约存续期间后台续租，并监听日志把取消与终态转化为执行级 context 的取消
type LeaseKeeper struct {
	store journal.Store
	owner string
	cfg   LeaseConfig
	log   *log.Logger

	mu    sync.Mutex
	held  map[string]*heldLease
	group sync.WaitGroup
}

type heldLease struct {
	refs   int
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   context.CancelFunc
	slots  *semaphore.Weighted
}

func NewLeaseKeeper(store journal.Store, owner string, cfg LeaseConfig, logger *log.Logger) *LeaseKeeper {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.TTL {
		cfg.HeartbeatInterval = cfg.TTL / 3
	}
	return &LeaseKeeper{
		store: store,
		owner: owner,
		cfg:   cfg,
		log:   log.OrDiscard(logger),
		held:  make(map[string]*heldLease),
	}
}

func (k *LeaseKeeper) Owner() string { return k.owner }

// Holds 本进程当前是否持有该执行的租约
func (k *LeaseKeeper) Holds(executionID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.held[executionID]
	return ok
}

// Lease 一次对执行租约的引用；Release 必须调用且只调用一次
type Lease struct {
	keeper      *LeaseKeeper
	executionID string
	h           *heldLease
	once        sync.Once
}

// Acquire 获取（或复用）执行租约。maxConcurrent 为该执行的节点并发上限，仅在首次获取时生效；
// 他人持有未过期租约时返回 journal.ErrLeaseHeld
func (k *LeaseKeeper) Acquire(ctx context.Context, executionID string, maxConcurrent int) (*Lease, error) {
	if l := k.reuse(executionID); l != nil {
		return l, nil
	}
	if _, err := k.store.AcquireLease(ctx, executionID, k.owner, k.cfg.TTL); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if h, ok := k.held[executionID]; ok {
		h.refs++
		return &Lease{keeper: k, executionID: executionID, h: h}, nil
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	execCtx, cancel := context.WithCancelCause(context.Background())
	loopCtx, stop := context.WithCancel(context.Background())
	h := &heldLease{
		refs:   1,
		ctx:    execCtx,
		cancel: cancel,
		stop:   stop,
		slots:  semaphore.NewWeighted(int64(maxConcurrent)),
	}
	// 同步订阅，保证获取租约之后的取消条目都能被观察到
	ch, err := k.store.Watch(loopCtx, executionID)
	if err != nil {
		stop()
		cancel(err)
		_ = k.store.ReleaseLease(ctx, executionID, k.owner)
		return nil, err
	}
	k.held[executionID] = h
	k.group.Add(2)
	go k.heartbeat(loopCtx, executionID, h)
	go k.watch(ch, h)
	return &Lease{keeper: k, executionID: executionID, h: h}, nil
}

func (k *LeaseKeeper) reuse(executionID string) *Lease {
	k.mu.Lock()
	defer k.mu.Unlock()
	h, ok := k.held[executionID]
	if !ok {
		return nil
	}
	h.refs++
	return &Lease{keeper: k, executionID: executionID, h: h}
}

func (k *LeaseKeeper) heartbeat(ctx context.Context, executionID string, h *heldLease) {
	defer k.group.Done()
	ticker := time.NewTicker(k.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := k.store.RenewLease(ctx, executionID, k.owner, k.cfg.TTL)
			if ctx.Err() != nil {
				continue
			}
			if err != nil {
				k.log.Warn("lease renewal failed", "execution_id", executionID, "error", err)
				if errors.Is(err, journal.ErrLeaseLost) {
					h.cancel(journal.ErrLeaseLost)
					return
				}
				continue
			}
			// Watch 尽力投递，可能丢条目；每次心跳按状态补查一次
			if k.pollStatus(ctx, executionID, h) {
				return
			}
		}
	}
}

// pollStatus 执行已请求取消或进入终态时取消执行 context，返回是否已取消
func (k *LeaseKeeper) pollStatus(ctx context.Context, executionID string, h *heldLease) bool {
	st, err := k.store.GetState(ctx, executionID)
	if err != nil {
		if ctx.Err() == nil {
			k.log.Warn("status poll failed", "execution_id", executionID, "error", err)
		}
		return false
	}
	switch st.Status {
	case journal.StatusCancelling, journal.StatusCancelled, journal.StatusFailed, journal.StatusCompleted:
		h.cancel(ErrExecutionCancelled)
	case journal.StatusTimedOut:
		h.cancel(ErrExecutionTimedOut)
	default:
		return false
	}
	k.log.Debug("execution stopped, observed by status poll", "execution_id", executionID, "status", st.Status)
	return true
}

// watch 把 cancellation_requested 与终态条目转化为执行 context 的取消
func (k *LeaseKeeper) watch(ch <-chan journal.Entry, h *heldLease) {
	defer k.group.Done()
	for e := range ch {
		switch e.Kind {
		case journal.KindCancellationRequested, journal.KindExecutionCancelled,
			journal.KindExecutionFailed, journal.KindExecutionCompleted:
			h.cancel(ErrExecutionCancelled)
		case journal.KindExecutionTimedOut:
			h.cancel(ErrExecutionTimedOut)
		}
	}
}

// Context 执行级 context：执行被取消、超时或租约丢失时结束，context.Cause 给出原因
func (l *Lease) Context() context.Context { return l.h.ctx }

// TryAcquireSlot 占用执行内的一个并发名额
func (l *Lease) TryAcquireSlot() bool { return l.h.slots.TryAcquire(1) }

func (l *Lease) ReleaseSlot() { l.h.slots.Release(1) }

// Cancel 以 cause 取消执行级 context（例如本地已观察到取消状态）
func (l *Lease) Cancel(cause error) { l.h.cancel(cause) }

// Release 归还引用；最后一个引用归还时停止续租与监听并释放存储中的租约
func (l *Lease) Release() {
	l.once.Do(func() { l.keeper.release(l.executionID, l.h) })
}

func (k *LeaseKeeper) release(executionID string, h *heldLease) {
	k.mu.Lock()
	defer k.mu.Unlock()
	h.refs--
	if h.refs > 0 {
		return
	}
	if cur, ok := k.held[executionID]; !ok || cur != h {
		return
	}
	delete(k.held, executionID)
	h.stop()
	h.cancel(context.Canceled)
	// 在锁内释放，避免与随后的 Acquire 交错导致新租约被删除
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.store.ReleaseLease(ctx, executionID, k.owner); err != nil {
		k.log.Warn("lease release failed", "execution_id", executionID, "error", err)
	}
}

// Close 停止全部后台循环并释放仍持有的租约
func (k *LeaseKeeper) Close() {
	k.mu.Lock()
	held := k.held
	k.held = make(map[string]*heldLease)
	k.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for id, h := range held {
		h.stop()
		h.cancel(context.Canceled)
		_ = k.store.ReleaseLease(ctx, id, k.owner)
	}
	k.group.Wait()
}
