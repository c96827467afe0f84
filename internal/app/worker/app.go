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

package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/hertz/pkg/app/server"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	apihttp "flowrun/internal/api/http"
	"flowrun/internal/app"
	"flowrun/internal/worker"
	"flowrun/pkg/log"
	"flowrun/pkg/tracing"
	"flowrun/pkg/utils"
)

// App Worker 应用：数据面。消费任务队列执行节点尝试，并运行引擎的看门狗与等待扫描
type App struct {
	bootstrap *app.Bootstrap
	logger    *log.Logger
	worker    *worker.Worker
	tracer    *sdktrace.TracerProvider
	metrics   *server.Hertz

	cancel context.CancelFunc
	wg     sync.WaitGroup
	err    error
}

// NewApp 创建新的 Worker 应用
func NewApp(b *app.Bootstrap) (*App, error) {
	a := &App{bootstrap: b, logger: b.Logger, worker: b.NewWorker()}
	tc := b.Config.Monitoring.Tracing
	if tc.Enable && tc.ExportEndpoint != "" {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    utils.CoalesceString(tc.ServiceName, "flowrun-worker"),
			ExportEndpoint: tc.ExportEndpoint,
			Insecure:       tc.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化链路追踪失败: %w", err)
		}
		a.tracer = tp
	}
	if pc := b.Config.Monitoring.Prometheus; pc.Enable && pc.Port > 0 {
		h := server.Default(server.WithHostPorts(fmt.Sprintf(":%d", pc.Port)))
		h.GET("/metrics", apihttp.NewHandler(b.Engine).Metrics)
		a.metrics = h
	}
	return a, nil
}

// ID Worker 标识（同时是租约 owner）
func (a *App) ID() string { return a.worker.ID() }

// Start 启动应用：加载工作流、引擎循环与 Worker 主循环
func (a *App) Start() error {
	a.logger.Info("启动 worker 应用", "worker_id", a.worker.ID())
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if _, err := a.bootstrap.LoadWorkflows(ctx); err != nil {
		cancel()
		return err
	}
	if err := a.bootstrap.Engine.Start(ctx); err != nil {
		cancel()
		return err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.worker.Run(ctx); err != nil {
			a.logger.Error("worker 异常退出", "error", err)
			a.err = err
		}
	}()
	if a.metrics != nil {
		go func() {
			if err := a.metrics.Run(); err != nil {
				a.logger.Error("metrics 服务异常退出", "error", err)
			}
		}()
	}
	a.logger.Info("worker 应用启动成功")
	return nil
}

// Shutdown 关闭应用：停止拉取，等待在途尝试结束（超时后中断并交还任务），再释放资源
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 worker 应用")
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
		err = a.err
	case <-ctx.Done():
		a.logger.Warn("等待 worker 退出超时")
		err = ctx.Err()
	}
	a.bootstrap.Engine.Stop()
	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	a.bootstrap.Close()
	a.logger.Info("worker 应用关闭成功")
	return err
}
