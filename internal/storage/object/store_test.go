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

package object

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrun/pkg/config"
)

func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "exec-1/node/1", bytes.NewReader([]byte(`{"big":true}`)), 12, map[string]string{"execution_id": "exec-1"}))

	ok, err := s.Exists(ctx, "exec-1/node/1")
	require.NoError(t, err)
	assert.True(t, ok)

	b, err := ReadAll(ctx, s, "exec-1/node/1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"big":true}`, string(b))

	info, err := s.Stat(ctx, "exec-1/node/1")
	require.NoError(t, err)
	assert.EqualValues(t, 12, info.Size)
	assert.Equal(t, "exec-1", info.Metadata["execution_id"])

	require.NoError(t, s.Put(ctx, "exec-1/node/1", bytes.NewReader([]byte(`2`)), 1, nil))
	b, err = ReadAll(ctx, s, "exec-1/node/1")
	require.NoError(t, err)
	assert.Equal(t, "2", string(b))

	require.NoError(t, s.Delete(ctx, "exec-1/node/1"))
	require.NoError(t, s.Delete(ctx, "exec-1/node/1"))
	_, err = s.Get(ctx, "exec-1/node/1")
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err = s.Exists(ctx, "exec-1/node/1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Stat(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	runStoreContract(t, s)
}

func TestFileStore_RejectsEscapingKeys(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "../../escape", bytes.NewReader([]byte("x")), 1, nil))
	ok, err := s.Exists(ctx, "escape")
	require.NoError(t, err)
	assert.True(t, ok, "key is confined to the root directory")

	err = s.Put(ctx, "a"+metaSuffix, bytes.NewReader([]byte("x")), 1, nil)
	assert.Error(t, err)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(context.Background(), config.ObjectStoreConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(context.Background(), config.ObjectStoreConfig{Type: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = NewStore(context.Background(), config.ObjectStoreConfig{Type: "s3"})
	assert.Error(t, err)

	_, err = NewStore(context.Background(), config.ObjectStoreConfig{Type: "gcs"})
	assert.Error(t, err)
}
