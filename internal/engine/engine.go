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

// Package engine 对外门面：注册工作流、启动与查询执行、取消、信号、恢复，
// 以及墙钟看门狗与等待清扫两个后台循环
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"flowrun/internal/action"
	"flowrun/internal/frontier"
	"flowrun/internal/planner"
	"flowrun/internal/runtime/journal"
	"flowrun/internal/scheduler"
	"flowrun/internal/storage/object"
	"flowrun/internal/telemetry"
	"flowrun/internal/worker"
	errs "flowrun/pkg/errors"
	"flowrun/pkg/log"
	"flowrun/pkg/tracing"
)

// abortTimeout 启动失败后置为失败的时限
const abortTimeout = 5 * time.Second

// Config 引擎后台循环配置
type Config struct {
	// WatchdogInterval 墙钟截止检查间隔
	WatchdogInterval time.Duration
	// SweepInterval 等待节点（定时器超时、子执行结束）扫描间隔
	SweepInterval time.Duration
	// PollInterval AwaitResult 在没有事件时轮询日志的间隔
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
}

// Deps 引擎依赖；Events、Objects、Reclaimer、Sink 可为空
type Deps struct {
	Store     journal.Store
	Registry  *action.Registry
	Resolver  planner.Resolver
	Defaults  planner.Budget
	Advancer  *scheduler.Advancer
	Reclaimer *scheduler.Reclaimer
	// Events 来自同进程 Worker 的通知，用于及时唤醒 AwaitResult
	Events  <-chan worker.Event
	Objects object.Store
	Sink    telemetry.Sink
	Logger  *log.Logger
}

type Engine struct {
	cfg       Config
	store     journal.Store
	planner   *planner.Planner
	advancer  *scheduler.Advancer
	reclaimer *scheduler.Reclaimer
	events    <-chan worker.Event
	objects   object.Store
	sink      telemetry.Sink
	log       *log.Logger
	now       func() time.Time

	mu        sync.RWMutex
	workflows map[string]*planner.Workflow

	waitMu  sync.Mutex
	waiters map[string][]chan struct{}

	stop  context.CancelFunc
	group *errgroup.Group
}

func New(cfg Config, deps Deps) *Engine {
	cfg.applyDefaults()
	sink := deps.Sink
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		planner:   planner.New(deps.Registry, deps.Resolver, deps.Defaults),
		advancer:  deps.Advancer,
		reclaimer: deps.Reclaimer,
		events:    deps.Events,
		objects:   deps.Objects,
		sink:      sink,
		log:       log.OrDiscard(deps.Logger),
		now:       time.Now,
		workflows: make(map[string]*planner.Workflow),
		waiters:   make(map[string][]chan struct{}),
	}
}

// RegisterWorkflow 校验并注册（或替换）工作流定义。校验与构建计划相同，但不需要输入
func (e *Engine) RegisterWorkflow(ctx context.Context, wf *planner.Workflow) error {
	if wf == nil || wf.ID == "" {
		return errs.Wrap(errs.ErrInvalidArg, "workflow id is required")
	}
	if _, err := e.planner.Build(ctx, wf, nil); err != nil {
		return fmt.Errorf("%w: workflow %s: %v", errs.ErrInvalidArg, wf.ID, err)
	}
	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()
	e.log.Info("workflow registered", "workflow_id", wf.ID, "nodes", len(wf.Nodes))
	return nil
}

// Workflows 已注册的工作流，按 id 排序
func (e *Engine) Workflows() []*planner.Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*planner.Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) workflow(id string) (*planner.Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	if !ok {
		return nil, errs.Wrapf(errs.ErrNotFound, "workflow %s", id)
	}
	return wf, nil
}

type executeOptions struct {
	executionID string
	budget      []planner.Option
}

// ExecuteOption ExecuteWorkflow 选项
type ExecuteOption func(*executeOptions)

// WithExecutionID 使用调用方给定的执行 id；同 id 重复提交返回冲突
func WithExecutionID(id string) ExecuteOption {
	return func(o *executeOptions) { o.executionID = id }
}

// WithBudget 覆盖本次执行的预算
func WithBudget(opts ...planner.Option) ExecuteOption {
	return func(o *executeOptions) { o.budget = append(o.budget, opts...) }
}

// ExecuteWorkflow 构建计划、持久化 execution_started 并调度根节点
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, input json.RawMessage, opts ...ExecuteOption) (_ *Handle, err error) {
	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.executionID == "" {
		o.executionID = uuid.NewString()
	}
	ctx, span := tracing.StartExecutionSpan(ctx, o.executionID, workflowID)
	defer func() { tracing.EndSpan(span, err) }()

	wf, err := e.workflow(workflowID)
	if err != nil {
		return nil, err
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	plan, err := e.planner.Build(ctx, wf, input, o.budget...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArg, err)
	}

	now := e.now().UTC()
	var deadline time.Time
	if plan.Budget.MaxWallClock > 0 {
		deadline = now.Add(plan.Budget.MaxWallClock)
	}
	started, err := journal.NewEntry(journal.KindExecutionStarted, journal.ExecutionStarted{
		WorkflowID: wf.ID, Input: input, Plan: plan, Deadline: deadline,
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, o.executionID, wf.ID, started); err != nil {
		if errors.Is(err, journal.ErrExists) {
			return nil, errs.Wrapf(errs.ErrConflict, "execution %s", o.executionID)
		}
		return nil, err
	}
	status, err := e.advancer.Start(ctx, o.executionID)
	if err != nil {
		// 已写入日志但根节点未能入队：置为失败，否则执行停在 created/running 直到看门狗超时
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancel()
		if aborted, aerr := e.advancer.Abort(actx, o.executionID, err); aerr != nil {
			e.log.Error("abort after failed start", "execution_id", o.executionID, "error", aerr)
		} else if aborted {
			e.finished(o.executionID, journal.StatusFailed)
		}
		return nil, errs.Wrapf(errs.ErrUnavailable, "start execution %s: %v", o.executionID, err)
	}
	e.log.Info("execution started", "execution_id", o.executionID, "workflow_id", wf.ID, "status", status)
	return &Handle{ID: o.executionID, WorkflowID: wf.ID, engine: e}, nil
}

// Handle 返回已存在执行的句柄
func (e *Engine) Handle(ctx context.Context, executionID string) (*Handle, error) {
	st, err := e.state(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &Handle{ID: executionID, WorkflowID: st.WorkflowID, engine: e}, nil
}

func (e *Engine) state(ctx context.Context, executionID string) (*journal.State, error) {
	st, err := e.store.GetState(ctx, executionID)
	if errors.Is(err, journal.ErrNotFound) {
		return nil, errs.Wrapf(errs.ErrNotFound, "execution %s", executionID)
	}
	return st, err
}

// CancelExecution 请求取消；已结束的执行原样返回其终态
func (e *Engine) CancelExecution(ctx context.Context, executionID, reason string) (journal.Status, error) {
	if _, err := e.state(ctx, executionID); err != nil {
		return "", err
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	status, err := e.advancer.RequestCancel(ctx, executionID, reason)
	if err != nil {
		return "", err
	}
	if status.Terminal() {
		e.finished(executionID, status)
	}
	return status, nil
}

// Signal 外部信号：按节点 id 或等待关联键解除一个等待节点
type Signal struct {
	NodeID         string          `json:"node_id,omitempty"`
	CorrelationKey string          `json:"correlation_key,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Signal 投递信号；节点不在等待时返回冲突
func (e *Engine) Signal(ctx context.Context, executionID string, sig Signal) (journal.Status, error) {
	st, err := e.state(ctx, executionID)
	if err != nil {
		return "", err
	}
	if st.Status.Terminal() {
		return st.Status, errs.Wrapf(errs.ErrConflict, "execution %s is %s", executionID, st.Status)
	}
	nodeID := sig.NodeID
	if nodeID == "" {
		if sig.CorrelationKey == "" {
			return "", errs.Wrap(errs.ErrInvalidArg, "signal needs node_id or correlation_key")
		}
		fr, err := frontier.FromState(st)
		if err != nil {
			return "", err
		}
		for _, id := range fr.Waiting() {
			n, _ := fr.Node(id)
			if n.Wait != nil && n.Wait.CorrelationKey == sig.CorrelationKey {
				nodeID = id
				break
			}
		}
		if nodeID == "" {
			return st.Status, errs.Wrapf(errs.ErrConflict, "no node waits for %q", sig.CorrelationKey)
		}
	}
	status, err := e.advancer.ResolveWait(ctx, executionID, journal.WaitResolved{
		NodeID: nodeID, Reason: journal.WaitReasonSignal, Payload: sig.Payload,
	})
	switch {
	case errors.Is(err, scheduler.ErrNotWaiting):
		return status, errs.Wrapf(errs.ErrConflict, "node %s is not waiting", nodeID)
	case errors.Is(err, journal.ErrTerminal):
		return status, errs.Wrapf(errs.ErrConflict, "execution %s already finished", executionID)
	case err != nil:
		return status, err
	}
	if status.Terminal() {
		e.finished(executionID, status)
	}
	return status, nil
}

// Recover 接管一个执行并重新调度；他人持有存活租约时返回 false
func (e *Engine) Recover(ctx context.Context, executionID string) (bool, error) {
	if e.reclaimer == nil {
		return false, errs.Wrap(errs.ErrUnavailable, "recovery requires a lease keeper")
	}
	if _, err := e.state(ctx, executionID); err != nil {
		return false, err
	}
	return e.reclaimer.Recover(ctx, executionID, "")
}

// History 执行的完整日志条目
func (e *Engine) History(ctx context.Context, executionID string) ([]journal.Entry, error) {
	st, err := e.state(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return st.Entries, nil
}

// List 列出处于给定状态的执行；不给状态时列出全部未结束的执行
func (e *Engine) List(ctx context.Context, statuses ...journal.Status) ([]journal.Summary, error) {
	if len(statuses) == 0 {
		statuses = []journal.Status{journal.StatusCreated, journal.StatusRunning, journal.StatusCancelling}
	}
	return e.store.ListByStatus(ctx, statuses...)
}

// Start 启动后台循环，直到 Stop 或 ctx 结束
func (e *Engine) Start(ctx context.Context) error {
	if e.stop != nil {
		return errs.Wrap(errs.ErrConflict, "engine already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	e.stop = cancel
	e.group = g
	if e.events != nil {
		g.Go(func() error { return e.pumpEvents(gctx) })
	}
	g.Go(func() error { return e.every(gctx, e.cfg.WatchdogInterval, e.EnforceDeadlines) })
	g.Go(func() error { return e.every(gctx, e.cfg.SweepInterval, e.SweepWaits) })
	e.log.Info("engine started")
	return nil
}

// Stop 停止后台循环并等待其退出
func (e *Engine) Stop() {
	if e.stop == nil {
		return
	}
	e.stop()
	_ = e.group.Wait()
	e.stop = nil
	e.log.Info("engine stopped")
}

func (e *Engine) every(ctx context.Context, interval time.Duration, fn func(context.Context) int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (e *Engine) pumpEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-e.events:
			if !ok {
				return nil
			}
			e.notify(ev.ExecutionID)
			if ev.Status.Terminal() {
				e.sink.Emit(telemetry.Event{
					Kind: telemetry.KindExecutionFinished, Time: e.now(), ExecutionID: ev.ExecutionID, Status: string(ev.Status),
				})
			}
		}
	}
}

// finished 引擎自身促成终态时（取消、超时、信号）唤醒等待方并上报
func (e *Engine) finished(executionID string, status journal.Status) {
	e.notify(executionID)
	e.sink.Emit(telemetry.Event{
		Kind: telemetry.KindExecutionFinished, Time: e.now(), ExecutionID: executionID, Status: string(status),
	})
}

func (e *Engine) subscribe(executionID string) chan struct{} {
	ch := make(chan struct{}, 1)
	e.waitMu.Lock()
	e.waiters[executionID] = append(e.waiters[executionID], ch)
	e.waitMu.Unlock()
	return ch
}

func (e *Engine) unsubscribe(executionID string, ch chan struct{}) {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	list := e.waiters[executionID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(e.waiters, executionID)
	} else {
		e.waiters[executionID] = list
	}
}

func (e *Engine) notify(executionID string) {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	for _, ch := range e.waiters[executionID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
