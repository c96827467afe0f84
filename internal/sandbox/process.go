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

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"flowrun/internal/action"
)

// ProcessRunner 每次调用启动一个沙箱宿主进程，JSON 信封经 stdin/stdout 传递；
// 上下文取消时进程被杀死
type ProcessRunner struct {
	Path string
	Args []string
	// Env 额外环境变量（KEY=VALUE）；宿主进程不继承父进程环境
	Env []string
	// WaitDelay 取消后等待进程退出的时间
	WaitDelay time.Duration
}

// maxStderr 保留在错误信息中的 stderr 尾部字节数
const maxStderr = 4096

func NewProcessRunner(path string, args ...string) *ProcessRunner {
	return &ProcessRunner{Path: path, Args: args, WaitDelay: 2 * time.Second}
}

func (p *ProcessRunner) Run(ctx context.Context, req Request) (action.Result, error) {
	if p.Path == "" {
		return action.Result{}, action.FatalError("process sandbox: host path is not configured")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return action.Result{}, action.Fatalf("encode sandbox request: %v", err)
	}

	cmd := exec.CommandContext(ctx, p.Path, p.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append([]string{"PATH=" + os.Getenv("PATH")}, p.Env...)
	cmd.WaitDelay = p.WaitDelay

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return action.Result{}, ctx.Err()
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return action.Result{}, action.Fatalf("start sandbox host: %v", runErr)
	}

	var resp Response
	if decErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); decErr != nil {
		if runErr != nil {
			return action.Result{}, action.Fatalf("sandbox host exited: %v: %s", runErr, tail(stderr.String()))
		}
		return action.Result{}, action.Fatalf("sandbox host returned invalid response: %v", decErr)
	}
	return resp.Outcome()
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return s[len(s)-maxStderr:]
	}
	return s
}
