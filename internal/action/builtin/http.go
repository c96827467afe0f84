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

package builtin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"flowrun/internal/action"
)

// maxResponseBytes 响应体读取上限；超出部分截断
const maxResponseBytes = 4 << 20

type httpParams struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	// Credential 以 Bearer token 方式附加的凭据名
	Credential string `json:"credential"`
}

type httpResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body"`
}

// httpRequest 5xx 与 429 视为可重试，其余非 2xx 为致命错误
func httpRequest(ctx action.Context) (action.Result, error) {
	var p httpParams
	inv := ctx.Invocation()
	if err := inv.Input.DecodeParams(&p); err != nil {
		return action.Result{}, err
	}
	if p.URL == "" {
		return action.Result{}, action.ValidationError("http_request: params.url is required")
	}
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		return action.Result{}, action.ValidationError("http_request: " + err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Idempotency-Key", inv.IdempotencyKey)
	if p.Credential != "" {
		token, err := ctx.Credential(p.Credential)
		if err != nil {
			return action.Result{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ctx.HTTPClient().Do(req)
	if err != nil {
		var ae *action.Error
		if errors.As(err, &ae) {
			return action.Result{}, ae
		}
		return action.Result{}, action.Wrap(action.ErrRetryable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return action.Result{}, action.Wrap(action.ErrRetryable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return action.Result{}, action.RetryableError(fmt.Sprintf("http_request: %s returned %d", p.URL, resp.StatusCode), 0)
	case resp.StatusCode >= 300:
		return action.Result{}, action.Fatalf("http_request: %s returned %d", p.URL, resp.StatusCode)
	}

	out := httpResponse{Status: resp.StatusCode, Headers: map[string]string{}}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	if json.Valid(raw) {
		out.Body = raw
	} else {
		out.Body, _ = json.Marshal(string(raw))
	}
	data, err := json.Marshal(out)
	if err != nil {
		return action.Result{}, action.FatalError(err.Error())
	}
	return action.Success(data), nil
}
