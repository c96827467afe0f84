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

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"flowrun/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
}

// NewRouter 创建新的 HTTP 路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// Build 创建 Hertz 实例并注册全部路由；opts 追加在监听地址之后（如链路追踪）
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	h := server.Default(append([]config.Option{server.WithHostPorts(addr)}, opts...)...)
	h.Use(r.middleware.AccessLog(), r.middleware.CORS())
	r.SetupRoutes(h)
	return h
}

// SetupRoutes 设置路由
func (r *Router) SetupRoutes(h *server.Hertz) {
	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)

	workflows := api.Group("/workflows")
	workflows.GET("", r.handler.ListWorkflows)
	workflows.POST("", r.handler.RegisterWorkflow)

	executions := api.Group("/executions")
	executions.POST("", r.handler.ExecuteWorkflow)
	executions.GET("", r.handler.ListExecutions)
	executions.GET("/:id", r.handler.GetExecution)
	executions.GET("/:id/result", r.handler.GetResult)
	executions.POST("/:id/cancel", r.handler.CancelExecution)
	executions.POST("/:id/signal", r.handler.SignalExecution)
	executions.POST("/:id/recover", r.handler.RecoverExecution)
	executions.GET("/:id/trace", r.handler.GetExecutionTrace)
}
