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

package action

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGrants_AllowsHost(t *testing.T) {
	g := Grants{NetworkCapability("api.example.com", "*.internal.local")}
	assert.True(t, g.AllowsHost("api.example.com"))
	assert.True(t, g.AllowsHost("API.example.com:443"))
	assert.True(t, g.AllowsHost("db.internal.local"))
	assert.False(t, g.AllowsHost("internal.local"))
	assert.False(t, g.AllowsHost("evil.example.com"))
	assert.False(t, Grants{}.AllowsHost("api.example.com"))
	assert.True(t, Grants{NetworkCapability("*")}.AllowsHost("anything"))
}

func TestGrants_AllowsPath(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "data")
	g := Grants{FilesystemCapability(root, true)}
	assert.True(t, g.AllowsPath(filepath.Join(root, "in", "a.txt"), false))
	assert.False(t, g.AllowsPath(filepath.Join(root, "in", "a.txt"), true))
	assert.False(t, g.AllowsPath(filepath.Join(root, "..", "etc", "passwd"), false))
	assert.False(t, g.AllowsPath(root+"x", false))

	rw := Grants{FilesystemCapability(root, false)}
	assert.True(t, rw.AllowsPath(filepath.Join(root, "out"), true))
}

func TestGrants_Covers(t *testing.T) {
	g := Grants{
		NetworkCapability("*.example.com"),
		ResourceCapability("cache"),
		CredentialCapability("token"),
	}
	_, ok := g.Covers([]Capability{NetworkCapability("a.example.com"), ResourceCapability("cache")})
	assert.True(t, ok)

	missing, ok := g.Covers([]Capability{CredentialCapability("other")})
	assert.False(t, ok)
	assert.Equal(t, "credential:other", missing.String())
}

func TestGrants_Limits(t *testing.T) {
	g := Grants{
		{Kind: CapLimits, MemoryBytes: 256 << 20},
		{Kind: CapLimits, MemoryBytes: 128 << 20, CPUMillis: 500},
	}
	mem, cpu := g.Limits()
	assert.Equal(t, int64(128<<20), mem)
	assert.Equal(t, int64(500), cpu)
}

func TestParseIsolationLevel(t *testing.T) {
	l, ok := ParseIsolationLevel("Isolated")
	assert.True(t, ok)
	assert.Equal(t, IsolationIsolated, l)
	l, ok = ParseIsolationLevel("")
	assert.True(t, ok)
	assert.Equal(t, IsolationNone, l)
	_, ok = ParseIsolationLevel("maximum")
	assert.False(t, ok)
	assert.True(t, IsolationIsolated > IsolationCapabilityGated)
}

func TestDescriptor_EffectiveIsolation(t *testing.T) {
	trusted := Descriptor{Type: "t", FirstParty: true}
	assert.Equal(t, IsolationNone, trusted.EffectiveIsolation(IsolationNone))
	assert.Equal(t, IsolationCapabilityGated, trusted.EffectiveIsolation(IsolationCapabilityGated))

	gated := Descriptor{Type: "g", FirstParty: true, Isolation: IsolationCapabilityGated}
	assert.Equal(t, IsolationCapabilityGated, gated.EffectiveIsolation(IsolationNone))

	thirdParty := Descriptor{Type: "x", Isolation: IsolationNone}
	assert.Equal(t, IsolationIsolated, thirdParty.EffectiveIsolation(IsolationNone))
}
