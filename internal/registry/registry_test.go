package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"helmsman/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFile() File {
	return File{
		Services: []ServiceSpec{
			{ID: "vectordb", HealthURL: "http://localhost:8080/ready", IdleSleepEligible: true},
			{ID: "cache", IdleSleepEligible: false},
			{ID: "inference", DependsOn: []string{"vectordb", "cache"}, IdleSleepEligible: true},
		},
		Models: []ModelSpec{
			{ID: "llama3:8b", Provider: "ollama"},
		},
		Apps: []AppPolicy{
			{Name: "chat", Allow: []string{"vectordb", "cache", "inference", "llama3:8b"}},
		},
	}
}

func TestServiceSnapshotDefaults(t *testing.T) {
	r := New(testFile())

	v, err := r.Service("vectordb")
	require.NoError(t, err)
	assert.Equal(t, api.StateStopped, v.Actual)
	assert.True(t, v.IdleSleepEligible)
	assert.True(t, v.LastUsedAt.IsZero())

	_, err = r.Service("nope")
	assert.True(t, api.IsUnknownResource(err))
}

func TestServicesPreserveInsertionOrder(t *testing.T) {
	r := New(testFile())

	var ids []string
	for _, v := range r.Services() {
		ids = append(ids, v.ID)
	}
	assert.Equal(t, []string{"vectordb", "cache", "inference"}, ids)
}

func TestUpdateServiceIsAtomic(t *testing.T) {
	r := New(testFile())
	now := time.Now()

	err := r.UpdateService("vectordb", func(rec *ServiceRecord) {
		rec.Actual = api.StateRunning
		rec.LastUsedAt = now
	})
	require.NoError(t, err)

	v, err := r.Service("vectordb")
	require.NoError(t, err)
	assert.Equal(t, api.StateRunning, v.Actual)
	assert.Equal(t, now, v.LastUsedAt)
}

func TestSetDesired(t *testing.T) {
	r := New(testFile())

	require.NoError(t, r.SetDesired("cache", api.DesiredOn))
	v, err := r.Service("cache")
	require.NoError(t, err)
	assert.Equal(t, api.DesiredOn, v.Desired)
}

func TestModelKeepAlive(t *testing.T) {
	r := New(testFile())
	now := time.Now()

	err := r.UpdateModel("llama3:8b", func(rec *ModelRecord) {
		rec.LastUsedAt = now
		rec.KeepAliveUntil = now.Add(2 * time.Minute)
	})
	require.NoError(t, err)

	m, err := r.Model("llama3:8b")
	require.NoError(t, err)
	assert.True(t, m.Loaded(now))
	assert.False(t, m.Loaded(now.Add(3*time.Minute)))
}

func TestAllowed(t *testing.T) {
	r := New(testFile())

	allowed, ok := r.Allowed("chat")
	require.True(t, ok)
	assert.True(t, allowed["vectordb"])
	assert.False(t, allowed["gpu-runtime"])

	_, ok = r.Allowed("unknown-app")
	assert.False(t, ok)
}

func TestReloadPreservesRuntimeState(t *testing.T) {
	r := New(testFile())
	now := time.Now()
	require.NoError(t, r.UpdateService("vectordb", func(rec *ServiceRecord) {
		rec.Actual = api.StateRunning
		rec.LastUsedAt = now
	}))

	// Reload with one service dropped and one added.
	next := testFile()
	next.Services = append(next.Services[:2], ServiceSpec{ID: "reranker", IdleSleepEligible: true})
	r.apply(next)

	v, err := r.Service("vectordb")
	require.NoError(t, err)
	assert.Equal(t, api.StateRunning, v.Actual, "surviving entry keeps runtime state")
	assert.Equal(t, now, v.LastUsedAt)

	_, err = r.Service("inference")
	assert.Error(t, err, "dropped entry is gone")

	v, err = r.Service("reranker")
	require.NoError(t, err)
	assert.Equal(t, api.StateStopped, v.Actual, "new entry starts stopped")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	content := `
services:
  - id: vectordb
    healthUrl: http://localhost:8080/ready
    idleSleepEligible: true
  - id: inference
    dependsOn: [vectordb]
    idleSleepEligible: true
models:
  - id: llama3:8b
    provider: ollama
apps:
  - name: chat
    allow: [vectordb, inference, "llama3:8b"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r, err := Load(path)
	require.NoError(t, err)

	spec, err := r.ServiceSpec("inference")
	require.NoError(t, err)
	assert.Equal(t, []string{"vectordb"}, spec.DependsOn)
	assert.True(t, r.HasPolicies())
}

func TestLoadRejectsBadCatalog(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "duplicate service id",
			content: `
services:
  - id: a
  - id: a
`,
		},
		{
			name: "undeclared dependency",
			content: `
services:
  - id: a
    dependsOn: [ghost]
`,
		},
		{
			name:    "malformed yaml",
			content: "services: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "registry.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
