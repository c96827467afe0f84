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
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowrun/internal/action"
	"flowrun/internal/action/builtin"
	"flowrun/internal/sandbox"
	"flowrun/pkg/log"
)

// 沙箱宿主：默认从 stdin 读取一个请求并把响应写到 stdout（process 模式）；
// 指定 -listen 时作为远程沙箱服务（remote 模式）
func main() {
	listen := flag.String("listen", "", "serve "+sandbox.RunPath+" over HTTP on this address")
	timeout := flag.Duration("http-timeout", 30*time.Second, "timeout of the HTTP client handed to actions")
	flag.Parse()

	registry := action.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	env := sandbox.Env{HTTPClient: &http.Client{Timeout: *timeout}, Logger: log.Discard()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *listen == "" {
		if err := sandbox.Serve(ctx, registry, env, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	logger, err := log.NewLogger(&log.Config{Level: os.Getenv("LOG_LEVEL")})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	env.Logger = logger
	h := newServer(*listen, registry, env)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.Shutdown(shutdownCtx)
	}()
	logger.Info("沙箱服务启动", "addr", *listen)
	if err := h.Run(); err != nil {
		logger.Error("沙箱服务异常退出", "error", err)
		os.Exit(1)
	}
}
