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
	"fmt"
	"time"

	"flowrun/internal/frontier"
	"flowrun/internal/runtime/journal"
	"flowrun/pkg/log"
)

// Reclaimer 回收失联 owner 留下的执行：接管租约后按日志重新调度。恢复只读取日志
type Reclaimer struct {
	store    journal.Store
	advancer *Advancer
	keeper   *LeaseKeeper
	log      *log.Logger
}

func NewReclaimer(store journal.Store, advancer *Advancer, keeper *LeaseKeeper, logger *log.Logger) *Reclaimer {
	return &Reclaimer{store: store, advancer: advancer, keeper: keeper, log: log.OrDiscard(logger)}
}

// ReclaimStaleLeases 处理过期超过 threshold 的租约，返回被恢复的执行数
func (r *Reclaimer) ReclaimStaleLeases(ctx context.Context, threshold time.Duration) (int, error) {
	leases, err := r.store.FindStaleLeases(ctx, threshold)
	if err != nil || len(leases) == 0 {
		return 0, err
	}
	var recovered int
	for _, l := range leases {
		ok, err := r.Recover(ctx, l.ExecutionID, l.Owner)
		if err != nil {
			r.log.Warn("recovery failed", "execution_id", l.ExecutionID, "previous_owner", l.Owner, "error", err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

// RecoverAll 启动时扫描所有未结束的执行并尝试恢复；他人持有存活租约的执行被跳过
func (r *Reclaimer) RecoverAll(ctx context.Context) (int, error) {
	list, err := r.store.ListByStatus(ctx, journal.StatusRunning, journal.StatusCancelling)
	if err != nil {
		return 0, err
	}
	var recovered int
	for _, s := range list {
		ok, err := r.Recover(ctx, s.ExecutionID, "")
		if err != nil {
			r.log.Warn("recovery failed", "execution_id", s.ExecutionID, "error", err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

// Recover 接管单个执行并重新调度；本进程已持有租约或他人持有存活租约时返回 false
func (r *Reclaimer) Recover(ctx context.Context, executionID, previous string) (bool, error) {
	if r.keeper.Holds(executionID) {
		return false, nil
	}
	st, err := r.store.GetState(ctx, executionID)
	if err != nil {
		return false, err
	}
	if st.Status.Terminal() {
		if previous != "" {
			_ = r.store.ReleaseLease(ctx, executionID, previous)
		}
		return false, nil
	}
	fr, err := frontier.FromState(st)
	if err != nil {
		return false, err
	}
	lease, err := r.keeper.Acquire(ctx, executionID, fr.Plan().Budget.MaxConcurrentNodes)
	if errors.Is(err, journal.ErrLeaseHeld) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	defer lease.Release()

	r.log.Info("recovering execution", "execution_id", executionID, "previous_owner", previous, "status", st.Status)
	if _, err := r.advancer.Reschedule(ctx, executionID, r.keeper.Owner(), previous); err != nil {
		return false, err
	}
	return true, nil
}
