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

// Package worker 从任务队列取任务并执行节点尝试：全局许可 → 出队 → 去重 → 租约 →
// 执行内并发名额 → node_started → 动作运行时 → 结果处理 → node_attempt → ack/nack。
// 日志写入总是先于队列确认
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"flowrun/internal/action"
	"flowrun/internal/executor"
	"flowrun/internal/frontier"
	"flowrun/internal/runtime/journal"
	"flowrun/internal/runtime/taskqueue"
	"flowrun/internal/scheduler"
	"flowrun/internal/telemetry"
	errs "flowrun/pkg/errors"
	"flowrun/pkg/log"
	"flowrun/pkg/metrics"
	"flowrun/pkg/tracing"
)

// ErrShuttingDown 关停超时后强制取消仍在运行的动作
var ErrShuttingDown = errors.New("worker: shutting down")

// Config Worker 配置
type Config struct {
	ID          string
	Concurrency int
	// PollInterval 队列为空或出错时的等待间隔
	PollInterval time.Duration
	// Visibility 出队后的可见性超时；应大于节点超时
	Visibility     time.Duration
	ReaperInterval time.Duration
	// StaleThreshold 在途任务与租约多久未更新视为失效
	StaleThreshold  time.Duration
	ShutdownTimeout time.Duration
	// BusyRetryDelay 执行内并发名额已满或租约被他人持有时的重投延迟
	BusyRetryDelay time.Duration
	// RetryFloor 重试的最小间隔
	RetryFloor time.Duration
	// RecoverOnStart 启动时接管未结束的执行
	RecoverOnStart bool
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = "worker-" + uuid.NewString()[:8]
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 15 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 45 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.BusyRetryDelay <= 0 {
		c.BusyRetryDelay = 50 * time.Millisecond
	}
}

// Deps Worker 依赖
type Deps struct {
	Store     journal.Store
	Queue     taskqueue.Queue
	Advancer  *scheduler.Advancer
	Keeper    *scheduler.LeaseKeeper
	Reclaimer *scheduler.Reclaimer
	Runtime   *executor.Runtime
	Sink      telemetry.Sink
	// Events 单向通知引擎；可为 nil。发送不阻塞，通道满时丢弃
	Events chan<- Event
	Logger *log.Logger
}

// Worker 节点执行者
type Worker struct {
	cfg       Config
	store     journal.Store
	queue     taskqueue.Queue
	advancer  *scheduler.Advancer
	keeper    *scheduler.LeaseKeeper
	reclaimer *scheduler.Reclaimer
	runtime   *executor.Runtime
	handler   frontier.Handler
	sink      telemetry.Sink
	events    chan<- Event
	log       *log.Logger
	now       func() time.Time

	permits  *semaphore.Weighted
	running  sync.WaitGroup
	hardStop context.Context
	stopAll  context.CancelCauseFunc

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(cfg Config, deps Deps) *Worker {
	cfg.applyDefaults()
	sink := deps.Sink
	if sink == nil {
		sink = telemetry.Nop{}
	}
	hardStop, stopAll := context.WithCancelCause(context.Background())
	logger := log.OrDiscard(deps.Logger).With("worker_id", cfg.ID)
	return &Worker{
		cfg:       cfg,
		store:     deps.Store,
		queue:     deps.Queue,
		advancer:  deps.Advancer,
		keeper:    deps.Keeper,
		reclaimer: deps.Reclaimer,
		runtime:   deps.Runtime,
		handler:   frontier.Handler{RetryFloor: cfg.RetryFloor},
		sink:      sink,
		events:    deps.Events,
		log:       logger,
		now:       time.Now,
		permits:   semaphore.NewWeighted(int64(cfg.Concurrency)),
		hardStop:  hardStop,
		stopAll:   stopAll,
		inFlight:  make(map[string]struct{}),
	}
}

func (w *Worker) ID() string { return w.cfg.ID }

// Run 运行出队循环与回收循环直到 ctx 结束，然后优雅关停：停止出队，在 ShutdownTimeout 内等待
// 运行中的任务；超时则取消剩余动作并把任务放回队列，最后释放全部租约
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "concurrency", w.cfg.Concurrency)
	if w.cfg.RecoverOnStart && w.reclaimer != nil {
		if n, err := w.reclaimer.RecoverAll(ctx); err != nil {
			w.log.Warn("startup recovery failed", "error", err)
		} else if n > 0 {
			w.log.Info("recovered executions", "count", n)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.dequeueLoop(gctx) })
	g.Go(func() error { return w.reaperLoop(gctx) })
	err := g.Wait()

	w.shutdown()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (w *Worker) shutdown() {
	done := make(chan struct{})
	go func() {
		w.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownTimeout):
		w.log.Warn("shutdown timeout, cancelling running tasks")
		w.stopAll(ErrShuttingDown)
		<-done
	}
	w.stopAll(context.Canceled)
	if w.keeper != nil {
		w.keeper.Close()
	}
	w.log.Info("worker stopped")
}

func (w *Worker) dequeueLoop(ctx context.Context) error {
	for {
		if err := w.permits.Acquire(ctx, 1); err != nil {
			return nil
		}
		task, err := w.queue.Dequeue(ctx, w.cfg.Visibility)
		if err != nil || task == nil {
			w.permits.Release(1)
			if errors.Is(err, errs.ErrClosed) {
				w.log.Error("task queue closed, dequeue loop exiting", "error", err)
				return nil
			}
			if err != nil && ctx.Err() == nil {
				w.log.Warn("dequeue failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		w.running.Add(1)
		go func(t *taskqueue.Task) {
			defer w.running.Done()
			defer w.permits.Release(1)
			metrics.WorkerBusy.WithLabelValues(w.cfg.ID).Inc()
			defer metrics.WorkerBusy.WithLabelValues(w.cfg.ID).Dec()
			w.Process(context.Background(), t)
		}(task)
	}
}

func (w *Worker) reaperLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Reap(ctx)
		}
	}
}

// Reap 放回失效的在途任务并接管租约过期的执行
func (w *Worker) Reap(ctx context.Context) {
	tasks, err := w.queue.ClaimStale(ctx, w.cfg.StaleThreshold)
	if err != nil {
		w.log.Warn("claim stale tasks failed", "error", err)
	}
	for _, t := range tasks {
		w.log.Info("stale task released", "task_id", t.ID, "execution_id", t.ExecutionID, "deliveries", t.Deliveries)
	}
	if w.reclaimer == nil {
		return
	}
	if n, err := w.reclaimer.ReclaimStaleLeases(ctx, w.cfg.StaleThreshold); err != nil {
		w.log.Warn("reclaim stale leases failed", "error", err)
	} else if n > 0 {
		w.log.Info("reclaimed executions", "count", n)
	}
}

func (w *Worker) markInFlight(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inFlight[key]; ok {
		return false
	}
	w.inFlight[key] = struct{}{}
	return true
}

func (w *Worker) clearInFlight(key string) {
	w.mu.Lock()
	delete(w.inFlight, key)
	w.mu.Unlock()
}

func (w *Worker) isInFlight(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.inFlight[key]
	return ok
}

func (w *Worker) ack(ctx context.Context, t *taskqueue.Task) {
	if err := w.queue.Ack(ctx, t.ID); err != nil && !errors.Is(err, taskqueue.ErrNotFound) {
		w.log.Warn("ack failed", "task_id", t.ID, "error", err)
	}
}

func (w *Worker) nack(ctx context.Context, t *taskqueue.Task, delay time.Duration) {
	if err := w.queue.Nack(ctx, t.ID, delay); err != nil && !errors.Is(err, taskqueue.ErrNotFound) {
		w.log.Warn("nack failed", "task_id", t.ID, "error", err)
	}
}

// retry 放回任务等待下一次尝试；条目已不在队列中时重新入队，否则重试无人执行
func (w *Worker) retry(ctx context.Context, t *taskqueue.Task, delay time.Duration) {
	err := w.queue.Nack(ctx, t.ID, delay)
	if err == nil {
		return
	}
	if !errors.Is(err, taskqueue.ErrNotFound) {
		w.log.Warn("nack failed", "task_id", t.ID, "error", err)
		return
	}
	again := *t
	again.NotBefore = w.now().Add(delay)
	again.EnqueuedAt = time.Time{}
	if err := w.queue.Enqueue(ctx, again); err != nil {
		w.log.Warn("requeue for retry failed", "task_id", t.ID, "error", err)
	}
}

func (w *Worker) notify(e Event) {
	if w.events == nil {
		return
	}
	select {
	case w.events <- e:
	default:
	}
}

// effectiveAttempt 本次投递要执行的尝试编号；ok=false 表示任务已过时或重复
func effectiveAttempt(n frontier.NodeState, t *taskqueue.Task) (int, bool) {
	next := n.NextAttempt()
	switch n.Phase {
	case frontier.PhaseRetryPending:
		// 重试沿用原任务重投，编号以日志为准
		return next, t.Attempt <= next
	case frontier.PhaseReady, frontier.PhaseLooping, frontier.PhaseRunning:
		return next, t.Attempt == next
	}
	return 0, false
}

// Process 处理一个已出队的任务
func (w *Worker) Process(ctx context.Context, t *taskqueue.Task) {
	logger := w.log.With("task_id", t.ID, "execution_id", t.ExecutionID, "node_id", t.NodeID)

	st, err := w.store.GetState(ctx, t.ExecutionID)
	if errors.Is(err, journal.ErrNotFound) {
		logger.Warn("task for unknown execution dropped")
		w.ack(ctx, t)
		return
	}
	if err != nil {
		logger.Warn("load execution failed", "error", err)
		w.nack(ctx, t, w.cfg.PollInterval)
		return
	}
	if st.Status != journal.StatusRunning {
		if st.Status == journal.StatusCreated {
			w.nack(ctx, t, w.cfg.PollInterval)
			return
		}
		w.ack(ctx, t)
		return
	}
	fr, err := frontier.FromState(st)
	if err != nil {
		logger.Error("replay failed", "error", err)
		w.nack(ctx, t, w.cfg.StaleThreshold)
		return
	}
	n, ok := fr.Node(t.NodeID)
	if !ok {
		w.ack(ctx, t)
		return
	}
	attempt, ok := effectiveAttempt(n, t)
	key := action.IdempotencyKey(t.ExecutionID, t.NodeID, attempt)
	if !ok {
		w.redelivered(ctx, t, n)
		return
	}
	if n.Phase == frontier.PhaseRunning && w.isInFlight(key) {
		w.stillRunning(ctx, t)
		return
	}
	if wait := n.NotBefore.Sub(w.now()); wait > 0 {
		w.nack(ctx, t, wait)
		return
	}
	if !w.markInFlight(key) {
		w.stillRunning(ctx, t)
		return
	}
	defer w.clearInFlight(key)
	logger = logger.With("attempt", attempt)

	plan := fr.Plan()
	lease, err := w.keeper.Acquire(ctx, t.ExecutionID, plan.Budget.MaxConcurrentNodes)
	if err != nil {
		if !errors.Is(err, journal.ErrLeaseHeld) {
			logger.Warn("acquire lease failed", "error", err)
		}
		w.nack(ctx, t, w.cfg.BusyRetryDelay)
		return
	}
	defer lease.Release()
	if !lease.TryAcquireSlot() {
		w.nack(ctx, t, w.cfg.BusyRetryDelay)
		return
	}
	defer lease.ReleaseSlot()

	w.execute(ctx, logger, t, fr, attempt, key, lease)
}

// stillRunning 可见性超时后同进程内重投，原尝试仍在运行：放回队列而不确认，
// 确认会删除队列条目，原尝试之后的重试 nack 将无处可落
func (w *Worker) stillRunning(ctx context.Context, t *taskqueue.Task) {
	w.log.Debug("attempt still running, task returned", "task_id", t.ID, "deliveries", t.Deliveries)
	w.nack(ctx, t, w.cfg.BusyRetryDelay)
}

func (w *Worker) redelivered(ctx context.Context, t *taskqueue.Task, n frontier.NodeState) {
	w.sink.Emit(telemetry.Event{
		Kind: telemetry.KindTaskRedelivered, ExecutionID: t.ExecutionID, NodeID: t.NodeID,
		Attempt: t.Attempt, WorkerID: w.cfg.ID,
	})
	w.log.Debug("duplicate task acknowledged", "task_id", t.ID, "phase", n.Phase, "deliveries", t.Deliveries)
	if n.Phase != frontier.PhaseRunning {
		// 结果已记录但收敛可能未完成：补一次收敛，后继节点入队由队列去重
		if _, err := w.advancer.Reconcile(ctx, t.ExecutionID); err != nil {
			w.log.Warn("reconcile failed", "execution_id", t.ExecutionID, "error", err)
			w.nack(ctx, t, w.cfg.PollInterval)
			return
		}
	}
	w.ack(ctx, t)
}

func (w *Worker) execute(ctx context.Context, logger *log.Logger, t *taskqueue.Task, fr *frontier.Frontier, attempt int, key string, lease *scheduler.Lease) {
	pn, _ := fr.Plan().Node(t.NodeID)
	inputs := t.Inputs
	startedAt := w.now().UTC()

	started, err := w.recordStarted(ctx, t, attempt, key, inputs, startedAt)
	if err != nil {
		if errors.Is(err, journal.ErrTerminal) {
			w.ack(ctx, t)
			return
		}
		logger.Warn("record node_started failed", "error", err)
		w.nack(ctx, t, w.cfg.PollInterval)
		return
	}
	if !started {
		w.redelivered(ctx, t, frontier.NodeState{Phase: frontier.PhaseDone})
		return
	}
	w.sink.Emit(telemetry.Event{
		Kind: telemetry.KindNodeStarted, ExecutionID: t.ExecutionID, NodeID: t.NodeID,
		Attempt: attempt, ActionType: pn.Type, BytesIn: inputs.Size(), WorkerID: w.cfg.ID,
	})

	// 动作 context：执行取消/超时/租约丢失（经租约）或强制关停时结束
	actx, cancel := context.WithCancelCause(lease.Context())
	defer cancel(nil)
	stop := context.AfterFunc(w.hardStop, func() { cancel(context.Cause(w.hardStop)) })
	defer stop()

	actx, span := tracing.StartNodeSpan(actx, t.ExecutionID, t.NodeID, attempt)
	report := w.runtime.Execute(actx, executor.Call{
		Invocation: action.Invocation{
			ExecutionID:    t.ExecutionID,
			NodeID:         t.NodeID,
			ActionType:     pn.Type,
			Attempt:        attempt,
			IdempotencyKey: key,
			Input:          inputs,
			State:          t.State,
			Iteration:      t.Iteration,
		},
		Isolation:       pn.Isolation,
		Grants:          pn.Grants(),
		Timeout:         pn.Timeout,
		MaxPayloadBytes: fr.Plan().Budget.MaxPayloadBytes,
	})

	switch cause := context.Cause(actx); {
	case errors.Is(cause, ErrShuttingDown), errors.Is(cause, journal.ErrLeaseLost):
		// 不记录结果：任务放回后由下一个租约持有者以同一幂等键重跑
		tracing.EndSpan(span, cause)
		logger.Warn("attempt abandoned", "cause", cause)
		w.nack(ctx, t, 0)
		return
	}

	now := w.now().UTC()
	decision := w.handler.Interpret(fr, t.NodeID, attempt, report.Outcome, now)
	var spanErr error
	if decision.Err != nil {
		spanErr = decision.Err
	}
	tracing.EndSpan(span, spanErr)

	record := journal.NodeAttempt{
		NodeID:         t.NodeID,
		Attempt:        attempt,
		IdempotencyKey: key,
		ResolvedInputs: inputs,
		Output:         decision.Output,
		Error:          decision.Err,
		Disposition:    decision.Disposition,
		Delay:          decision.Delay,
		WaitDeadline:   decision.WaitDeadline,
		Iteration:      t.Iteration,
		StartedAt:      startedAt,
		CompletedAt:    now,
		BytesIn:        report.BytesIn,
		BytesOut:       report.BytesOut,
		WorkerID:       w.cfg.ID,
	}
	entry, status, err := w.advancer.Record(ctx, t.ExecutionID, func(st *journal.State) (*journal.Entry, error) {
		if st.Status.Terminal() {
			return nil, journal.ErrTerminal
		}
		cur, err := frontier.FromState(st)
		if err != nil {
			return nil, err
		}
		n, _ := cur.Node(t.NodeID)
		if n.Attempt != attempt || (n.Phase != frontier.PhaseRunning && !n.Interrupted) {
			return nil, nil
		}
		e, err := journal.NewEntry(journal.KindNodeAttempt, record)
		return &e, err
	})
	switch {
	case errors.Is(err, journal.ErrTerminal):
		w.ack(ctx, t)
		w.notify(Event{ExecutionID: t.ExecutionID, NodeID: t.NodeID, Attempt: attempt, Status: status})
		return
	case err != nil:
		// 已追加但收敛失败时，重投会走重复路径补做收敛
		logger.Warn("record node_attempt failed", "error", err, "appended", entry != nil)
		w.nack(ctx, t, w.cfg.PollInterval)
		return
	}

	errMsg := ""
	if decision.Err != nil {
		errMsg = decision.Err.Error()
	}
	w.sink.Emit(telemetry.Event{
		Kind: telemetry.KindNodeAttempt, ExecutionID: t.ExecutionID, NodeID: t.NodeID, Attempt: attempt,
		ActionType: pn.Type, Isolation: report.Isolation.String(), Disposition: string(decision.Disposition),
		Status: string(status), Error: errMsg, Duration: report.Duration,
		BytesIn: report.BytesIn, BytesOut: report.BytesOut, WorkerID: w.cfg.ID,
	})
	if entry != nil {
		logger.Debug("attempt recorded", "disposition", decision.Disposition, "status", status)
	}

	if decision.Disposition == journal.DispositionRetry && entry != nil && status == journal.StatusRunning {
		w.retry(ctx, t, decision.Delay)
	} else {
		w.ack(ctx, t)
	}
	w.notify(Event{
		ExecutionID: t.ExecutionID, NodeID: t.NodeID, Attempt: attempt,
		Disposition: decision.Disposition, Status: status,
	})
}

// recordStarted 追加 node_started；节点已不处于可运行状态时返回 false
func (w *Worker) recordStarted(ctx context.Context, t *taskqueue.Task, attempt int, key string, inputs action.Input, at time.Time) (bool, error) {
	_, appended, err := journal.Update(ctx, w.store, t.ExecutionID, 0, func(st *journal.State) (*journal.Entry, error) {
		if st.Status != journal.StatusRunning {
			return nil, journal.ErrTerminal
		}
		fr, err := frontier.FromState(st)
		if err != nil {
			return nil, err
		}
		n, _ := fr.Node(t.NodeID)
		if got, ok := effectiveAttempt(n, t); !ok || got != attempt {
			return nil, nil
		}
		e, err := journal.NewEntry(journal.KindNodeStarted, journal.NodeStarted{
			NodeID:         t.NodeID,
			Attempt:        attempt,
			IdempotencyKey: key,
			ResolvedInputs: inputs,
			StartedAt:      at,
			BytesIn:        inputs.Size(),
			WorkerID:       w.cfg.ID,
			Iteration:      t.Iteration,
		})
		return &e, err
	})
	if err != nil {
		return false, fmt.Errorf("node_started %s: %w", key, err)
	}
	return appended != nil, nil
}
