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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"flowrun/internal/engine"
	"flowrun/internal/planner"
	"flowrun/internal/runtime/journal"
	errs "flowrun/pkg/errors"
	"flowrun/pkg/metrics"
	"flowrun/pkg/redaction"
)

// maxResultWait GET result 的 wait 参数上限
const maxResultWait = 60 * time.Second

// Handler HTTP 处理器
type Handler struct {
	engine   *engine.Engine
	redactor *redaction.Engine
}

// HandlerOption 处理器可选项
type HandlerOption func(*Handler)

// WithRedactor 原始日志条目对外返回前脱敏
func WithRedactor(r *redaction.Engine) HandlerOption {
	return func(h *Handler) { h.redactor = r }
}

// NewHandler 创建新的 HTTP 处理器
func NewHandler(eng *engine.Engine, opts ...HandlerOption) *Handler {
	h := &Handler{engine: eng}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError 按错误类别映射状态码
func writeError(c context.Context, ctx *app.RequestContext, err error) {
	status := consts.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		status = consts.StatusNotFound
	case errors.Is(err, errs.ErrInvalidArg):
		status = consts.StatusBadRequest
	case errors.Is(err, errs.ErrConflict):
		status = consts.StatusConflict
	case errs.IsAny(err, errs.ErrUnavailable, errs.ErrClosed):
		status = consts.StatusServiceUnavailable
	case errs.IsAny(err, context.DeadlineExceeded, context.Canceled):
		status = consts.StatusGatewayTimeout
	default:
		hlog.CtxErrorf(c, "request %s failed: %v", ctx.Request.URI().Path(), err)
	}
	ctx.JSON(status, errorBody{Error: err.Error()})
}

func bindJSON(ctx *app.RequestContext, v any) error {
	body := ctx.Request.Body()
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errs.Wrap(errs.ErrInvalidArg, "invalid JSON body: "+err.Error())
	}
	return nil
}

// HealthCheck 健康检查
// GET /api/health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "flowrun",
	})
}

// Metrics Prometheus 文本格式
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

type workflowSummary struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Version int      `json:"version,omitempty"`
	Nodes   []string `json:"nodes"`
}

// ListWorkflows 已注册的工作流
// GET /api/workflows
func (h *Handler) ListWorkflows(c context.Context, ctx *app.RequestContext) {
	wfs := h.engine.Workflows()
	out := make([]workflowSummary, 0, len(wfs))
	for _, wf := range wfs {
		s := workflowSummary{ID: wf.ID, Name: wf.Name, Version: wf.Version}
		for _, n := range wf.Nodes {
			s.Nodes = append(s.Nodes, n.ID)
		}
		out = append(out, s)
	}
	ctx.JSON(consts.StatusOK, map[string]any{"workflows": out, "total": len(out)})
}

// RegisterWorkflow 注册工作流定义（JSON 或 YAML）
// POST /api/workflows
func (h *Handler) RegisterWorkflow(c context.Context, ctx *app.RequestContext) {
	wf, err := planner.ParseWorkflow(ctx.Request.Body())
	if err != nil {
		writeError(c, ctx, errs.Wrap(errs.ErrInvalidArg, err.Error()))
		return
	}
	if err := h.engine.RegisterWorkflow(c, wf); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, map[string]any{"id": wf.ID})
}

type budgetRequest struct {
	MaxConcurrentNodes int    `json:"max_concurrent_nodes,omitempty"`
	MaxTotalRetries    int    `json:"max_total_retries,omitempty"`
	MaxWallClock       string `json:"max_wall_clock,omitempty"`
	MaxPayloadBytes    int64  `json:"max_payload_bytes,omitempty"`
	MaxLoopIterations  int    `json:"max_loop_iterations,omitempty"`
}

func (b budgetRequest) options() ([]planner.Option, error) {
	var opts []planner.Option
	if b.MaxConcurrentNodes > 0 {
		opts = append(opts, planner.WithMaxConcurrentNodes(b.MaxConcurrentNodes))
	}
	if b.MaxTotalRetries > 0 {
		opts = append(opts, planner.WithMaxTotalRetries(b.MaxTotalRetries))
	}
	if b.MaxWallClock != "" {
		d, err := time.ParseDuration(b.MaxWallClock)
		if err != nil || d <= 0 {
			return nil, errs.Wrapf(errs.ErrInvalidArg, "max_wall_clock %q", b.MaxWallClock)
		}
		opts = append(opts, planner.WithMaxWallClock(d))
	}
	if b.MaxPayloadBytes > 0 {
		opts = append(opts, planner.WithMaxPayloadBytes(b.MaxPayloadBytes))
	}
	if b.MaxLoopIterations > 0 {
		opts = append(opts, planner.WithMaxLoopIterations(b.MaxLoopIterations))
	}
	return opts, nil
}

type executeRequest struct {
	WorkflowID  string          `json:"workflow_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Budget      budgetRequest   `json:"budget,omitempty"`
}

// ExecuteWorkflow 启动执行，立即返回执行 id
// POST /api/executions
func (h *Handler) ExecuteWorkflow(c context.Context, ctx *app.RequestContext) {
	var req executeRequest
	if err := bindJSON(ctx, &req); err != nil {
		writeError(c, ctx, err)
		return
	}
	if req.WorkflowID == "" {
		writeError(c, ctx, errs.Wrap(errs.ErrInvalidArg, "workflow_id is required"))
		return
	}
	budget, err := req.Budget.options()
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	opts := []engine.ExecuteOption{engine.WithBudget(budget...)}
	if req.ExecutionID != "" {
		opts = append(opts, engine.WithExecutionID(req.ExecutionID))
	}
	handle, err := h.engine.ExecuteWorkflow(c, req.WorkflowID, req.Input, opts...)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusAccepted, map[string]any{
		"execution_id": handle.ID,
		"workflow_id":  handle.WorkflowID,
	})
}

// ListExecutions 按状态列出执行，status 可逗号分隔
// GET /api/executions
func (h *Handler) ListExecutions(c context.Context, ctx *app.RequestContext) {
	var statuses []journal.Status
	if q := string(ctx.Query("status")); q != "" {
		for _, s := range strings.Split(q, ",") {
			statuses = append(statuses, journal.Status(strings.TrimSpace(s)))
		}
	}
	list, err := h.engine.List(c, statuses...)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	type item struct {
		ExecutionID string         `json:"execution_id"`
		WorkflowID  string         `json:"workflow_id"`
		Status      journal.Status `json:"status"`
		UpdatedAt   time.Time      `json:"updated_at"`
	}
	out := make([]item, 0, len(list))
	for _, s := range list {
		out = append(out, item{ExecutionID: s.ExecutionID, WorkflowID: s.WorkflowID, Status: s.Status, UpdatedAt: s.UpdatedAt})
	}
	ctx.JSON(consts.StatusOK, map[string]any{"executions": out, "total": len(out)})
}

// GetExecution 执行状态与节点明细
// GET /api/executions/:id
func (h *Handler) GetExecution(c context.Context, ctx *app.RequestContext) {
	st, err := h.engine.Status(c, ctx.Param("id"))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, st)
}

// GetResult 终态结果；wait 指定最长等待时间，未结束时返回 202
// GET /api/executions/:id/result?wait=10s
func (h *Handler) GetResult(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	var wait time.Duration
	if q := string(ctx.Query("wait")); q != "" {
		var err error
		if wait, err = time.ParseDuration(q); err != nil || wait < 0 {
			writeError(c, ctx, errs.Wrapf(errs.ErrInvalidArg, "wait %q", q))
			return
		}
		wait = min(wait, maxResultWait)
	}
	if wait == 0 {
		st, err := h.engine.Status(c, id)
		if err != nil {
			writeError(c, ctx, err)
			return
		}
		if st.Result == nil {
			ctx.JSON(consts.StatusAccepted, map[string]any{"execution_id": id, "status": st.Status, "finished": false})
			return
		}
		ctx.JSON(consts.StatusOK, st.Result)
		return
	}

	handle, err := h.engine.Handle(c, id)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	waitCtx, cancel := context.WithTimeout(c, wait)
	defer cancel()
	res, err := handle.AwaitResult(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) && c.Err() == nil {
		ctx.JSON(consts.StatusAccepted, map[string]any{"execution_id": id, "finished": false})
		return
	}
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, res)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelExecution 请求取消
// POST /api/executions/:id/cancel
func (h *Handler) CancelExecution(c context.Context, ctx *app.RequestContext) {
	var req cancelRequest
	if err := bindJSON(ctx, &req); err != nil {
		writeError(c, ctx, err)
		return
	}
	status, err := h.engine.CancelExecution(c, ctx.Param("id"), req.Reason)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"execution_id": ctx.Param("id"), "status": status})
}

// SignalExecution 向等待节点投递信号
// POST /api/executions/:id/signal
func (h *Handler) SignalExecution(c context.Context, ctx *app.RequestContext) {
	var sig engine.Signal
	if err := bindJSON(ctx, &sig); err != nil {
		writeError(c, ctx, err)
		return
	}
	status, err := h.engine.Signal(c, ctx.Param("id"), sig)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"execution_id": ctx.Param("id"), "status": status})
}

// RecoverExecution 手动接管并重新调度
// POST /api/executions/:id/recover
func (h *Handler) RecoverExecution(c context.Context, ctx *app.RequestContext) {
	ok, err := h.engine.Recover(c, ctx.Param("id"))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"execution_id": ctx.Param("id"), "recovered": ok})
}
