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
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"flowrun/internal/action"
)

// RunPath 远程沙箱服务的调用路径
const RunPath = "/v1/run"

// RemoteRunner 把 Isolated 调用发送到远程沙箱服务
type RemoteRunner struct {
	client *resty.Client
}

// NewRemoteRunner baseURL 形如 http://sandbox:9090
func NewRemoteRunner(baseURL string, timeout time.Duration) *RemoteRunner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &RemoteRunner{client: client}
}

// Run 传输失败与 5xx 视为瞬时故障（retryable），其余非 200 响应为 fatal
func (r *RemoteRunner) Run(ctx context.Context, req Request) (action.Result, error) {
	var out Response
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(RunPath)
	if err != nil {
		if ctx.Err() != nil {
			return action.Result{}, ctx.Err()
		}
		return action.Result{}, action.RetryableError(fmt.Sprintf("call sandbox service: %v", err), 0)
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		return out.Outcome()
	case resp.StatusCode() >= 500:
		return action.Result{}, action.RetryableError(fmt.Sprintf("sandbox service returned %d: %s", resp.StatusCode(), resp.String()), 0)
	default:
		return action.Result{}, action.Fatalf("sandbox service returned %d: %s", resp.StatusCode(), resp.String())
	}
}
