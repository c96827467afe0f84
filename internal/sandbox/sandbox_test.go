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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrun/internal/action"
)

type mapResources map[string]any

func (m mapResources) Resource(_ context.Context, name string) (any, error) {
	v, ok := m[name]
	if !ok {
		return nil, ErrUnavailable
	}
	return v, nil
}

func testRegistry(t *testing.T) *action.Registry {
	t.Helper()
	reg := action.NewRegistry()
	reg.MustRegister(action.Descriptor{Type: "echo", FirstParty: true}, action.Func(func(ctx action.Context) (action.Result, error) {
		return action.Success(ctx.Invocation().Input.Single()), nil
	}))
	reg.MustRegister(action.Descriptor{Type: "use_db", FirstParty: true}, action.Func(func(ctx action.Context) (action.Result, error) {
		if _, err := ctx.Resource("db"); err != nil {
			return action.Result{}, err
		}
		return action.Success(json.RawMessage(`"ok"`)), nil
	}))
	reg.MustRegister(action.Descriptor{Type: "swallow", FirstParty: true}, action.Func(func(ctx action.Context) (action.Result, error) {
		_, _ = ctx.Credential("root_token")
		return action.Success(json.RawMessage(`"pretend"`)), nil
	}))
	reg.MustRegister(action.Descriptor{Type: "secret", FirstParty: true}, action.Func(func(ctx action.Context) (action.Result, error) {
		v, err := ctx.Credential("api_token")
		if err != nil {
			return action.Result{}, err
		}
		b, _ := json.Marshal(v)
		return action.Success(b), nil
	}))
	reg.MustRegister(action.Descriptor{Type: "panic", FirstParty: true}, action.Func(func(action.Context) (action.Result, error) {
		panic("boom")
	}))
	reg.MustRegister(action.Descriptor{Type: "fetch", FirstParty: true}, action.Func(func(ctx action.Context) (action.Result, error) {
		var p struct {
			URL string `json:"url"`
		}
		if err := ctx.Invocation().Input.DecodeParams(&p); err != nil {
			return action.Result{}, err
		}
		resp, err := ctx.HTTPClient().Get(p.URL)
		if err != nil {
			return action.Result{}, action.RetryableError(err.Error(), 0)
		}
		resp.Body.Close()
		return action.Success(json.RawMessage(`"fetched"`)), nil
	}))
	reg.MustRegister(action.Descriptor{Type: "read_file", FirstParty: true}, action.Func(func(ctx action.Context) (action.Result, error) {
		var p struct {
			Path string `json:"path"`
		}
		_ = ctx.Invocation().Input.DecodeParams(&p)
		f, err := ctx.OpenFile(p.Path, false)
		if err != nil {
			return action.Result{}, err
		}
		defer f.Close()
		b, err := io.ReadAll(f)
		if err != nil {
			return action.Result{}, err
		}
		out, _ := json.Marshal(string(b))
		return action.Success(out), nil
	}))
	reg.MustRegister(action.Descriptor{Type: "write_file", FirstParty: true}, action.Func(func(ctx action.Context) (action.Result, error) {
		var p struct {
			Path string `json:"path"`
		}
		_ = ctx.Invocation().Input.DecodeParams(&p)
		f, err := ctx.OpenFile(p.Path, true)
		if err != nil {
			return action.Result{}, err
		}
		defer f.Close()
		if _, err := f.WriteString("written"); err != nil {
			return action.Result{}, err
		}
		return action.Success(nil), nil
	}))
	return reg
}

func request(level action.IsolationLevel, actionType string, grants ...action.Capability) Request {
	return Request{
		Level:  level,
		Grants: grants,
		Invocation: action.Invocation{
			ExecutionID:    "exec-1",
			NodeID:         "n1",
			ActionType:     actionType,
			Attempt:        1,
			IdempotencyKey: action.IdempotencyKey("exec-1", "n1", 1),
			Input:          action.Input{Execution: json.RawMessage(`{"x":1}`)},
		},
	}
}

func kindOf(t *testing.T, err error) action.ErrorKind {
	t.Helper()
	var ae *action.Error
	require.True(t, errors.As(err, &ae), "expected *action.Error, got %v", err)
	return ae.Kind
}

func TestInProcessRunner_None(t *testing.T) {
	r := NewInProcessRunner(testRegistry(t), Env{Resources: mapResources{"db": 1}})

	res, err := r.Run(context.Background(), request(action.IsolationNone, "echo"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(res.Data))

	// None 级别不校验授权
	_, err = r.Run(context.Background(), request(action.IsolationNone, "use_db"))
	assert.NoError(t, err)
}

func TestInProcessRunner_GatedResource(t *testing.T) {
	r := NewInProcessRunner(testRegistry(t), Env{Resources: mapResources{"db": 1}})

	_, err := r.Run(context.Background(), request(action.IsolationCapabilityGated, "use_db"))
	assert.Equal(t, action.ErrSandboxViolation, kindOf(t, err))

	res, err := r.Run(context.Background(), request(action.IsolationCapabilityGated, "use_db", action.ResourceCapability("db")))
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(res.Data))
}

func TestInProcessRunner_ViolationOverridesSwallowedError(t *testing.T) {
	r := NewInProcessRunner(testRegistry(t), Env{})
	_, err := r.Run(context.Background(), request(action.IsolationCapabilityGated, "swallow"))
	assert.Equal(t, action.ErrSandboxViolation, kindOf(t, err))
}

func TestInProcessRunner_PanicIsFatal(t *testing.T) {
	r := NewInProcessRunner(testRegistry(t), Env{})
	_, err := r.Run(context.Background(), request(action.IsolationNone, "panic"))
	assert.Equal(t, action.ErrFatal, kindOf(t, err))
}

func TestInProcessRunner_RefusesIsolated(t *testing.T) {
	r := NewInProcessRunner(testRegistry(t), Env{})
	_, err := r.Run(context.Background(), request(action.IsolationIsolated, "echo"))
	assert.Equal(t, action.ErrFatal, kindOf(t, err))

	_, err = r.Run(context.Background(), request(action.IsolationNone, "missing"))
	assert.Equal(t, action.ErrFatal, kindOf(t, err))
}

func TestGatedHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	r := NewInProcessRunner(testRegistry(t), Env{})
	req := request(action.IsolationCapabilityGated, "fetch")
	req.Invocation.Input.Params = json.RawMessage(`{"url":"` + srv.URL + `"}`)

	_, err := r.Run(context.Background(), req)
	assert.Equal(t, action.ErrSandboxViolation, kindOf(t, err))

	req.Grants = action.Grants{action.NetworkCapability(u.Hostname())}
	res, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `"fetched"`, string(res.Data))
}

func TestGatedOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	r := NewInProcessRunner(testRegistry(t), Env{})
	req := request(action.IsolationCapabilityGated, "read_file")
	req.Invocation.Input.Params = json.RawMessage(`{"path":"` + path + `"}`)

	_, err := r.Run(context.Background(), req)
	assert.Equal(t, action.ErrSandboxViolation, kindOf(t, err))

	req.Grants = action.Grants{action.FilesystemCapability(dir, true)}
	_, err = r.Run(context.Background(), req)
	assert.NoError(t, err)
}

func TestGatedOpenFile_SymlinkOutsideGrant(t *testing.T) {
	root := t.TempDir()
	granted := filepath.Join(root, "granted")
	secret := filepath.Join(root, "secret")
	require.NoError(t, os.MkdirAll(granted, 0o755))
	require.NoError(t, os.MkdirAll(secret, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(secret, "key"), []byte("TOPSECRET"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(granted, "ok.txt"), []byte("fine"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(secret, "key"), filepath.Join(granted, "link")))
	require.NoError(t, os.Symlink(secret, filepath.Join(granted, "dir")))

	r := NewInProcessRunner(testRegistry(t), Env{})
	run := func(actionType, path string, grant action.Capability) (action.Result, error) {
		req := request(action.IsolationCapabilityGated, actionType, grant)
		req.Invocation.Input.Params = json.RawMessage(`{"path":"` + path + `"}`)
		return r.Run(context.Background(), req)
	}

	res, err := run("read_file", filepath.Join(granted, "ok.txt"), action.FilesystemCapability(granted, true))
	require.NoError(t, err)
	assert.JSONEq(t, `"fine"`, string(res.Data))

	_, err = run("read_file", filepath.Join(granted, "link"), action.FilesystemCapability(granted, true))
	assert.Equal(t, action.ErrSandboxViolation, kindOf(t, err))

	_, err = run("write_file", filepath.Join(granted, "dir", "new.txt"), action.FilesystemCapability(granted, false))
	assert.Equal(t, action.ErrSandboxViolation, kindOf(t, err))
	_, statErr := os.Stat(filepath.Join(secret, "new.txt"))
	assert.True(t, os.IsNotExist(statErr), "nothing is created outside the grant")

	_, err = run("write_file", filepath.Join(granted, "created.txt"), action.FilesystemCapability(granted, false))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(granted, "created.txt"))
	require.NoError(t, err)
	assert.Equal(t, "written", string(b))
}

func TestResolveIsolation(t *testing.T) {
	assert.Equal(t, action.IsolationIsolated, ResolveIsolation(action.Descriptor{Type: "x"}, action.IsolationNone))
	assert.Equal(t, action.IsolationCapabilityGated,
		ResolveIsolation(action.Descriptor{Type: "y", FirstParty: true}, action.IsolationCapabilityGated))
}

func TestDispatcher(t *testing.T) {
	d := &Dispatcher{InProcess: NewInProcessRunner(testRegistry(t), Env{})}
	_, err := d.Run(context.Background(), request(action.IsolationIsolated, "echo"))
	assert.Equal(t, action.ErrFatal, kindOf(t, err))

	res, err := d.Run(context.Background(), request(action.IsolationNone, "echo"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(res.Data))
}
