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

package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"flowrun/internal/action"
	"flowrun/internal/action/builtin"
	"flowrun/internal/engine"
	"flowrun/internal/executor"
	"flowrun/internal/planner"
	"flowrun/internal/resource"
	"flowrun/internal/runtime/journal"
	"flowrun/internal/runtime/taskqueue"
	"flowrun/internal/sandbox"
	"flowrun/internal/scheduler"
	"flowrun/internal/storage/object"
	"flowrun/internal/telemetry"
	"flowrun/internal/worker"
	"flowrun/pkg/config"
	"flowrun/pkg/log"
	"flowrun/pkg/secrets"
)

// telemetryBuffer 异步遥测缓冲条数，满时丢弃
const telemetryBuffer = 4096

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内组装存储与运行时
type Bootstrap struct {
	Config    *config.Config
	Logger    *log.Logger
	OwnerID   string
	Store     journal.Store
	Queue     taskqueue.Queue
	Objects   object.Store
	Secrets   secrets.Store
	Resources *resource.Registry
	Registry  *action.Registry
	Runtime   *executor.Runtime
	Advancer  *scheduler.Advancer
	Keeper    *scheduler.LeaseKeeper
	Reclaimer *scheduler.Reclaimer
	Sink      telemetry.Sink
	Engine    *engine.Engine
	// Events 同进程 Worker -> Engine 的完成通知
	Events chan worker.Event

	closers []func()
}

// NewBootstrap 根据配置创建 Bootstrap；registry 为空时只注册内置动作
func NewBootstrap(ctx context.Context, cfg *config.Config, registry *action.Registry) (b *Bootstrap, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	boot := &Bootstrap{Config: cfg, Logger: logger, OwnerID: ownerID(cfg.Worker.ID), Events: make(chan worker.Event, 1024)}
	b = boot
	// 出错返回时 b 已被置为 nil，释放经 boot 进行
	defer func() {
		if err != nil {
			boot.Close()
		}
	}()

	if registry == nil {
		registry = action.NewRegistry()
		if err := builtin.Register(registry); err != nil {
			return nil, err
		}
	}
	b.Registry = registry

	if err := b.openJournal(ctx); err != nil {
		return nil, err
	}
	if err := b.openQueue(ctx); err != nil {
		return nil, err
	}
	if b.Objects, err = object.NewStore(ctx, cfg.ObjectStore); err != nil {
		return nil, fmt.Errorf("初始化对象存储失败: %w", err)
	}
	b.closers = append(b.closers, func() { _ = b.Objects.Close() })

	if b.Secrets, err = secrets.NewStore(secrets.Config{
		Provider:  cfg.Secrets.Type,
		EnvPrefix: cfg.Secrets.EnvPrefix,
		Static:    cfg.Secrets.Static,
		Vault: secrets.VaultConfig{
			Address:   cfg.Secrets.Vault.Address,
			Token:     cfg.Secrets.Vault.Token,
			MountPath: cfg.Secrets.Vault.MountPath,
			Namespace: cfg.Secrets.Vault.Namespace,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化凭据存储失败: %w", err)
	}
	if b.Resources, err = resource.FromConfig(cfg.Resources); err != nil {
		return nil, fmt.Errorf("初始化共享资源失败: %w", err)
	}
	b.closers = append(b.closers, b.Resources.Close)

	async := telemetry.NewAsyncSink(telemetry.Multi{telemetry.NewLogSink(logger), telemetry.MetricsSink{}}, telemetryBuffer)
	b.Sink = async
	b.closers = append(b.closers, async.Close)

	if b.Runtime, err = b.newRuntime(); err != nil {
		return nil, err
	}

	b.Advancer = scheduler.NewAdvancer(b.Store, b.Queue, logger)
	b.Keeper = scheduler.NewLeaseKeeper(b.Store, b.OwnerID, scheduler.LeaseConfig{
		TTL:               config.Duration(cfg.Journal.LeaseTTL, 30*time.Second),
		HeartbeatInterval: config.Duration(cfg.Worker.HeartbeatInterval, 0),
	}, logger)
	b.Reclaimer = scheduler.NewReclaimer(b.Store, b.Advancer, b.Keeper, logger)

	b.Engine = engine.New(engine.Config{
		WatchdogInterval: config.Duration(cfg.Engine.WatchdogInterval, time.Second),
		SweepInterval:    config.Duration(cfg.Engine.WaitSweepInterval, time.Second),
		PollInterval:     config.Duration(cfg.Engine.AwaitPollInterval, 200*time.Millisecond),
	}, engine.Deps{
		Store:     b.Store,
		Registry:  registry,
		Resolver:  resource.NewResolver(b.Resources, b.Secrets),
		Defaults:  budgetFromConfig(cfg.Engine.Budget),
		Advancer:  b.Advancer,
		Reclaimer: b.Reclaimer,
		Events:    b.Events,
		Objects:   b.Objects,
		Sink:      b.Sink,
		Logger:    logger,
	})
	return b, nil
}

func ownerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "flowrun"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (b *Bootstrap) openJournal(ctx context.Context) error {
	switch b.Config.Journal.Type {
	case "", "memory":
		b.Store = journal.NewMemoryStore()
	case "postgres":
		if b.Config.Journal.DSN == "" {
			return fmt.Errorf("journal.type=postgres 需要配置 journal.dsn")
		}
		pg, err := journal.NewPostgresStore(ctx, b.Config.Journal.DSN, b.Config.Journal.MaxConns)
		if err != nil {
			return fmt.Errorf("初始化执行日志(postgres)失败: %w", err)
		}
		b.Store = pg
		b.closers = append(b.closers, pg.Close)
	default:
		return fmt.Errorf("不支持的 journal 类型: %s", b.Config.Journal.Type)
	}
	return nil
}

func (b *Bootstrap) openQueue(ctx context.Context) error {
	qc := b.Config.Queue
	switch qc.Type {
	case "", "memory":
		b.Queue = taskqueue.NewMemoryQueue()
	case "redis":
		q, err := taskqueue.DialRedisQueue(ctx, qc.Addr, qc.Password, qc.DB, redisPrefix(qc.Prefix))
		if err != nil {
			return fmt.Errorf("初始化任务队列(redis)失败: %w", err)
		}
		b.Queue = q
		b.closers = append(b.closers, func() { _ = q.Close() })
	case "postgres":
		pg, ok := b.Store.(*journal.PostgresStore)
		if !ok {
			return fmt.Errorf("queue.type=postgres 需要 journal.type=postgres")
		}
		q, err := taskqueue.NewPostgresQueue(ctx, pg.Pool())
		if err != nil {
			return fmt.Errorf("初始化任务队列(postgres)失败: %w", err)
		}
		b.Queue = q
	default:
		return fmt.Errorf("不支持的队列类型: %s", qc.Type)
	}
	return nil
}

func redisPrefix(p string) string {
	if p == "" || p[len(p)-1] == ':' {
		return p
	}
	return p + ":"
}

func (b *Bootstrap) newRuntime() (*executor.Runtime, error) {
	cfg := b.Config
	minIso, ok := action.ParseIsolationLevel(cfg.Engine.MinIsolation)
	if !ok {
		return nil, fmt.Errorf("未知的隔离级别: %s", cfg.Engine.MinIsolation)
	}
	creds := resource.SecretCredentials{Store: b.Secrets}
	dispatcher := &sandbox.Dispatcher{
		InProcess: sandbox.NewInProcessRunner(b.Registry, sandbox.Env{
			Resources:   b.Resources,
			Credentials: creds,
			HTTPClient:  &http.Client{Timeout: 30 * time.Second},
			Logger:      b.Logger,
		}),
	}
	switch cfg.Sandbox.Isolated {
	case "":
	case "process":
		if cfg.Sandbox.ProcessPath == "" {
			return nil, fmt.Errorf("sandbox.isolated=process 需要配置 sandbox.process_path")
		}
		dispatcher.Isolated = sandbox.NewProcessRunner(cfg.Sandbox.ProcessPath, cfg.Sandbox.ProcessArgs...)
	case "remote":
		if cfg.Sandbox.RemoteURL == "" {
			return nil, fmt.Errorf("sandbox.isolated=remote 需要配置 sandbox.remote_url")
		}
		dispatcher.Isolated = sandbox.NewRemoteRunner(cfg.Sandbox.RemoteURL, config.Duration(cfg.Sandbox.RemoteTimeout, 30*time.Second))
	default:
		return nil, fmt.Errorf("不支持的沙箱类型: %s", cfg.Sandbox.Isolated)
	}

	limits := make(map[string]executor.LimitConfig, len(cfg.RateLimits.Actions))
	for typ, l := range cfg.RateLimits.Actions {
		limits[typ] = executor.LimitConfig{QPS: l.QPS, Burst: l.Burst, MaxConcurrent: l.MaxConcurrent}
	}
	return executor.NewRuntime(b.Registry, dispatcher, executor.Config{
		MinIsolation: minIso,
		Policy:       executor.ParsePayloadPolicy(cfg.Payload.Policy),
	},
		executor.WithObjectStore(b.Objects),
		executor.WithRateLimiter(executor.NewRateLimiter(limits)),
		executor.WithCredentials(creds),
		executor.WithLogger(b.Logger),
	), nil
}

func budgetFromConfig(c config.BudgetConfig) planner.Budget {
	b := planner.DefaultBudget()
	if c.MaxConcurrentNodes > 0 {
		b.MaxConcurrentNodes = c.MaxConcurrentNodes
	}
	if c.MaxTotalRetries > 0 {
		b.MaxTotalRetries = c.MaxTotalRetries
	}
	b.MaxWallClock = config.Duration(c.MaxWallClock, b.MaxWallClock)
	if c.MaxPayloadBytes > 0 {
		b.MaxPayloadBytes = c.MaxPayloadBytes
	}
	if c.MaxLoopIterations > 0 {
		b.MaxLoopIterations = c.MaxLoopIterations
	}
	return b
}

// NewWorker 以本进程的租约 owner 创建 Worker
func (b *Bootstrap) NewWorker() *worker.Worker {
	wc := b.Config.Worker
	return worker.New(worker.Config{
		ID:              b.OwnerID,
		Concurrency:     wc.Concurrency,
		PollInterval:    config.Duration(wc.PollInterval, 0),
		Visibility:      config.Duration(b.Config.Queue.Visibility, 0),
		ReaperInterval:  config.Duration(wc.ReaperInterval, 0),
		StaleThreshold:  config.Duration(wc.StaleThreshold, 0),
		ShutdownTimeout: config.Duration(wc.ShutdownTimeout, 0),
		RecoverOnStart:  true,
	}, worker.Deps{
		Store:     b.Store,
		Queue:     b.Queue,
		Advancer:  b.Advancer,
		Keeper:    b.Keeper,
		Reclaimer: b.Reclaimer,
		Runtime:   b.Runtime,
		Sink:      b.Sink,
		Events:    b.Events,
		Logger:    b.Logger,
	})
}

// LoadWorkflows 注册 workflows.dir 与 workflows.files 中的定义，返回注册数量
func (b *Bootstrap) LoadWorkflows(ctx context.Context) (int, error) {
	var wfs []*planner.Workflow
	if dir := b.Config.Workflows.Dir; dir != "" {
		loaded, err := planner.LoadWorkflowDir(dir)
		if err != nil {
			return 0, err
		}
		wfs = append(wfs, loaded...)
	}
	for _, f := range b.Config.Workflows.Files {
		wf, err := planner.LoadWorkflowFile(f)
		if err != nil {
			return 0, err
		}
		wfs = append(wfs, wf)
	}
	for _, wf := range wfs {
		if err := b.Engine.RegisterWorkflow(ctx, wf); err != nil {
			return 0, fmt.Errorf("register workflow %s: %w", wf.ID, err)
		}
		b.Logger.Info("工作流已注册", "workflow_id", wf.ID, "nodes", len(wf.Nodes))
	}
	return len(wfs), nil
}

// Close 逆序释放全部资源
func (b *Bootstrap) Close() {
	if b == nil {
		return
	}
	if b.Keeper != nil {
		b.Keeper.Close()
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
