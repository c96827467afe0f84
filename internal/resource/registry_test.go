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

package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrun/pkg/config"
	"flowrun/pkg/secrets"
)

func TestRegistry_LazyAndShared(t *testing.T) {
	r := NewRegistry()
	calls, closed := 0, 0
	r.Register("counter", func(context.Context) (any, func(), error) {
		calls++
		return calls, func() { closed++ }, nil
	})
	assert.True(t, r.HasResource("counter"))
	assert.False(t, r.HasResource("other"))
	assert.Equal(t, 0, calls)

	v1, err := r.Resource(context.Background(), "counter")
	require.NoError(t, err)
	v2, err := r.Resource(context.Background(), "counter")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, calls)

	r.Close()
	assert.Equal(t, 1, closed)

	_, err = r.Resource(context.Background(), "other")
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry()
	r.Register("bad", func(context.Context) (any, func(), error) { return nil, nil, errors.New("down") })
	_, err := r.Resource(context.Background(), "bad")
	assert.ErrorContains(t, err, "down")
}

func TestFromConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := FromConfig(map[string]config.ResourceConfig{
		"cache": {Type: "redis", Addr: mr.Addr(), PoolSize: 2},
		"api":   {Type: "http", BaseURL: "http://example.invalid", Timeout: "2s"},
	})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []string{"api", "cache"}, r.Names())

	v, err := r.Resource(context.Background(), "cache")
	require.NoError(t, err)
	client, ok := v.(*redis.Client)
	require.True(t, ok)
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	v, err = r.Resource(context.Background(), "api")
	require.NoError(t, err)
	rc, ok := v.(*resty.Client)
	require.True(t, ok)
	assert.Equal(t, "http://example.invalid", rc.BaseURL)
}

func TestFromConfig_Invalid(t *testing.T) {
	_, err := FromConfig(map[string]config.ResourceConfig{"x": {Type: "mongo"}})
	assert.Error(t, err)
	_, err = FromConfig(map[string]config.ResourceConfig{"x": {Type: "redis"}})
	assert.Error(t, err)
	_, err = FromConfig(map[string]config.ResourceConfig{"x": {Type: "postgres"}})
	assert.Error(t, err)
}

func TestResolver(t *testing.T) {
	store := secrets.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "api_token", "t"))
	resources := NewRegistry()
	resources.Provide("cache", struct{}{})

	r := NewResolver(resources, store)
	assert.True(t, r.HasResource("cache"))
	assert.False(t, r.HasResource("db"))
	assert.True(t, r.HasCredential(context.Background(), "api_token"))
	assert.False(t, r.HasCredential(context.Background(), "other"))

	v, err := r.Credential(context.Background(), "api_token")
	require.NoError(t, err)
	assert.Equal(t, "t", v)

	_, err = SecretCredentials{}.Credential(context.Background(), "x")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}
