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

package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	apihttp "flowrun/internal/api/http"
	"flowrun/internal/api/http/middleware"
	"flowrun/internal/app"
	"flowrun/internal/worker"
	"flowrun/pkg/log"
	"flowrun/pkg/redaction"
	"flowrun/pkg/utils"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用：控制面（hertz）+ 引擎后台循环，可选同进程 Worker
type App struct {
	bootstrap    *app.Bootstrap
	router       *apihttp.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	worker       *worker.Worker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp 创建 API 应用；api.embedded_worker=true 时同时创建 Worker
func NewApp(b *app.Bootstrap) (*App, error) {
	a := &App{
		bootstrap: b,
		router: apihttp.NewRouter(
			apihttp.NewHandler(b.Engine, apihttp.WithRedactor(redaction.NewEngine(redaction.LoadPolicyFromConfig(b.Config.API.Redaction)))),
			middleware.NewMiddleware(),
		),
	}
	if b.Config.API.EmbeddedWorker {
		a.worker = b.NewWorker()
	}
	return a, nil
}

// Addr 监听地址
func (a *App) Addr() string {
	return fmt.Sprintf("%s:%d", a.bootstrap.Config.API.Host, a.bootstrap.Config.API.Port)
}

// Run 启动服务并阻塞直到 hertz 退出
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config
	logger := a.bootstrap.Logger
	logger.Info("API 服务启动", "addr", addr, "embedded_worker", a.worker != nil)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry）
	tracing := cfg.Monitoring.Tracing
	exportEndpoint := utils.CoalesceString(tracing.ExportEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if tracing.Enable && exportEndpoint != "" {
		serviceName := utils.CoalesceString(tracing.ServiceName, "flowrun-api")
		opts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(exportEndpoint),
		}
		if tracing.Insecure {
			opts = append(opts, provider.WithInsecure())
		}
		a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
		tracerOpt, tcfg := hertztracing.NewServerTracer()
		a.hertz = a.router.Build(addr, tracerOpt)
		a.hertz.Use(hertztracing.ServerMiddleware(tcfg))
		logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
	} else {
		a.hertz = a.router.Build(addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if n, err := a.bootstrap.LoadWorkflows(ctx); err != nil {
		cancel()
		return err
	} else if n > 0 {
		logger.Info("工作流加载完成", "count", n)
	}
	if err := a.bootstrap.Engine.Start(ctx); err != nil {
		cancel()
		return err
	}
	if a.worker != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.worker.Run(ctx); err != nil {
				logger.Error("内嵌 Worker 异常退出", "error", err)
			}
		}()
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.bootstrap.Engine.Stop()
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	a.bootstrap.Close()
	return firstErr
}
