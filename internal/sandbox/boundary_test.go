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
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrun/internal/action"
)

func TestServe(t *testing.T) {
	req := request(action.IsolationNone, "secret", action.CredentialCapability("api_token"))
	req.Credentials = map[string]string{"api_token": "s3cr3t"}
	in, _ := json.Marshal(req)

	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), testRegistry(t), Env{}, bytes.NewReader(in), &out))

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	res, err := resp.Outcome()
	require.NoError(t, err)
	assert.Equal(t, `"s3cr3t"`, string(res.Data))
}

func TestServe_ForcesGatedLevel(t *testing.T) {
	// 请求声明 None，宿主内仍按授权校验；未授权的凭据不可见
	in, _ := json.Marshal(request(action.IsolationNone, "secret"))
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), testRegistry(t), Env{}, bytes.NewReader(in), &out))

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, action.ErrSandboxViolation, resp.Error.Kind)
}

func TestServe_BadRequest(t *testing.T) {
	var out bytes.Buffer
	err := Serve(context.Background(), testRegistry(t), Env{}, bytes.NewReader([]byte("{")), &out)
	assert.Error(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, action.ErrFatal, resp.Error.Kind)
}

func TestRemoteRunner(t *testing.T) {
	reg := testRegistry(t)
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RunPath, r.URL.Path)
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"message":"nope"}`)
			return
		}
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Handle(r.Context(), reg, Env{}, req))
	}))
	defer srv.Close()

	runner := NewRemoteRunner(srv.URL, 5*time.Second)
	res, err := runner.Run(context.Background(), request(action.IsolationIsolated, "echo"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(res.Data))

	_, err = runner.Run(context.Background(), request(action.IsolationIsolated, "use_db", action.ResourceCapability("db")))
	assert.Equal(t, action.ErrRetryable, kindOf(t, err), "host resources are not reachable from the isolated host")

	status = http.StatusServiceUnavailable
	_, err = runner.Run(context.Background(), request(action.IsolationIsolated, "echo"))
	assert.Equal(t, action.ErrRetryable, kindOf(t, err))

	status = http.StatusBadRequest
	_, err = runner.Run(context.Background(), request(action.IsolationIsolated, "echo"))
	assert.Equal(t, action.ErrFatal, kindOf(t, err))
}

// TestHelperProcess 作为 ProcessRunner 的沙箱宿主被重新执行
func TestHelperProcess(t *testing.T) {
	if os.Getenv("FLOWRUN_SANDBOX_HELPER") != "1" {
		return
	}
	reg := action.NewRegistry()
	reg.MustRegister(action.Descriptor{Type: "echo", FirstParty: true}, action.Func(func(ctx action.Context) (action.Result, error) {
		return action.Success(ctx.Invocation().Input.Single()), nil
	}))
	reg.MustRegister(action.Descriptor{Type: "sleep", FirstParty: true}, action.Func(func(ctx action.Context) (action.Result, error) {
		time.Sleep(time.Minute)
		return action.Skip(), nil
	}))
	reg.MustRegister(action.Descriptor{Type: "crash", FirstParty: true}, action.Func(func(action.Context) (action.Result, error) {
		fmt.Fprintln(os.Stderr, "fatal: out of cheese")
		os.Exit(3)
		return action.Result{}, nil
	}))
	err := Serve(context.Background(), reg, Env{}, os.Stdin, os.Stdout)
	if err != nil {
		os.Exit(2)
	}
	os.Exit(0)
}

func helperRunner() *ProcessRunner {
	r := NewProcessRunner(os.Args[0], "-test.run=TestHelperProcess")
	r.Env = []string{"FLOWRUN_SANDBOX_HELPER=1"}
	r.WaitDelay = 100 * time.Millisecond
	return r
}

func TestProcessRunner(t *testing.T) {
	res, err := helperRunner().Run(context.Background(), request(action.IsolationIsolated, "echo"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(res.Data))
}

func TestProcessRunner_Crash(t *testing.T) {
	_, err := helperRunner().Run(context.Background(), request(action.IsolationIsolated, "crash"))
	assert.Equal(t, action.ErrFatal, kindOf(t, err))
	assert.Contains(t, err.Error(), "out of cheese")
}

func TestProcessRunner_KilledOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := helperRunner().Run(ctx, request(action.IsolationIsolated, "sleep"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessRunner_NotConfigured(t *testing.T) {
	_, err := (&ProcessRunner{}).Run(context.Background(), request(action.IsolationIsolated, "echo"))
	assert.Equal(t, action.ErrFatal, kindOf(t, err))
}
