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

package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{name: "memory", config: Config{Provider: "memory"}},
		{name: "default", config: Config{}},
		{name: "env", config: Config{Provider: "env"}},
		{name: "dir", config: Config{Provider: "dir", Dir: os.TempDir()}},
		{name: "dir missing", config: Config{Provider: "dir", Dir: filepath.Join(os.TempDir(), "flowrun-absent-secrets")}, wantErr: "secrets dir"},
		{name: "unknown provider", config: Config{Provider: "k8s"}, wantErr: "unsupported secret provider"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewStore(tc.config)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				assert.Nil(t, store)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, store)
		})
	}
}

func TestStoreBasicContract(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"env":    NewEnvStore("FLOWRUN_SECRET_TEST_"),
		"dir":    dir,
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "api_token", "value"))
			got, err := s.Get(ctx, "api_token")
			require.NoError(t, err)
			assert.Equal(t, "value", got)

			keys, err := s.List(ctx, "api")
			require.NoError(t, err)
			assert.Contains(t, keys, "api_token")

			require.NoError(t, s.Delete(ctx, "api_token"))
			_, err = s.Get(ctx, "api_token")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryStoreStatic(t *testing.T) {
	s, err := NewStore(Config{Static: map[string]string{"db_password": "pw"}})
	require.NoError(t, err)
	got, err := s.Get(context.Background(), "db_password")
	require.NoError(t, err)
	assert.Equal(t, "pw", got)
}

func TestDirStoreRejectsTraversal(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "../etc/passwd")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestVaultStoreGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/kv/data/api_token":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"data":     map[string]any{"value": "from-vault"},
					"metadata": map[string]any{"version": 1},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	defer srv.Close()

	s, err := NewVaultStore(VaultConfig{Address: srv.URL, Token: "t", MountPath: "kv"})
	require.NoError(t, err)

	got, err := s.Get(context.Background(), "api_token")
	require.NoError(t, err)
	assert.Equal(t, "from-vault", got)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
