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

package main

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"flowrun/internal/action"
	"flowrun/internal/sandbox"
)

// newServer 远程沙箱服务：每个请求在 Isolated 语义下执行（无宿主资源，只用请求携带的凭据）
func newServer(addr string, registry *action.Registry, env sandbox.Env) *server.Hertz {
	h := server.Default(server.WithHostPorts(addr))
	h.GET("/healthz", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
	})
	h.POST(sandbox.RunPath, func(c context.Context, ctx *app.RequestContext) {
		var req sandbox.Request
		if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "decode sandbox request: " + err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, sandbox.Handle(c, registry, env, req))
	})
	return h
}
