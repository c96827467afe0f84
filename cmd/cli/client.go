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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("FLOWRUN_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

type client struct {
	http *resty.Client
}

func newClient(baseURL string) *client {
	return &client{http: resty.New().
		SetBaseURL(baseURL).
		SetTimeout(90*time.Second).
		SetHeader("Content-Type", "application/json")}
}

// apiError 非 2xx 响应
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// do 发送请求；2xx 以外的状态码返回 *apiError
func (c *client) do(method, path string, body any) (map[string]any, int, error) {
	var out map[string]any
	req := c.http.R().SetResult(&out)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, resp.StatusCode(), &apiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return out, resp.StatusCode(), nil
}

func (c *client) health() (map[string]any, error) {
	out, _, err := c.do(http.MethodGet, "/api/health", nil)
	return out, err
}

func (c *client) workflows() (map[string]any, error) {
	out, _, err := c.do(http.MethodGet, "/api/workflows", nil)
	return out, err
}

func (c *client) registerWorkflow(definition []byte) (map[string]any, error) {
	out, _, err := c.do(http.MethodPost, "/api/workflows", definition)
	return out, err
}

func (c *client) execute(workflowID string, input json.RawMessage) (map[string]any, error) {
	body := map[string]any{"workflow_id": workflowID}
	if len(input) > 0 {
		body["input"] = input
	}
	out, _, err := c.do(http.MethodPost, "/api/executions", body)
	return out, err
}

func (c *client) status(id string) (map[string]any, error) {
	out, _, err := c.do(http.MethodGet, "/api/executions/"+url.PathEscape(id), nil)
	return out, err
}

// result finished=false 表示等待时间内未结束
func (c *client) result(id string, wait time.Duration) (map[string]any, bool, error) {
	path := "/api/executions/" + url.PathEscape(id) + "/result"
	if wait > 0 {
		path += "?wait=" + wait.String()
	}
	out, code, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return nil, false, err
	}
	return out, code == http.StatusOK, nil
}

func (c *client) list(status string) (map[string]any, error) {
	path := "/api/executions"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	out, _, err := c.do(http.MethodGet, path, nil)
	return out, err
}

func (c *client) cancel(id, reason string) (map[string]any, error) {
	out, _, err := c.do(http.MethodPost, "/api/executions/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason})
	return out, err
}

func (c *client) signal(id string, sig map[string]any) (map[string]any, error) {
	out, _, err := c.do(http.MethodPost, "/api/executions/"+url.PathEscape(id)+"/signal", sig)
	return out, err
}

func (c *client) trace(id string) (map[string]any, error) {
	out, _, err := c.do(http.MethodGet, "/api/executions/"+url.PathEscape(id)+"/trace", nil)
	return out, err
}
