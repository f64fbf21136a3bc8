package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"helmsman/internal/api"
	"helmsman/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	starts   []string
	counts   map[string]int
	failures map[string]error
	delay    time.Duration
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		counts:   make(map[string]int),
		failures: make(map[string]error),
	}
}

func (f *fakeSupervisor) Start(ctx context.Context, serviceID string) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.starts = append(f.starts, serviceID)
	f.counts[serviceID]++
	err := f.failures[serviceID]
	f.mu.Unlock()
	return err
}

func (f *fakeSupervisor) Stop(ctx context.Context, serviceID string) error { return nil }

func (f *fakeSupervisor) Status(ctx context.Context, serviceID string) (api.ProcessStatus, error) {
	return api.ProcessUnknown, nil
}

func (f *fakeSupervisor) startCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[id]
}

func (f *fakeSupervisor) startOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.starts...)
}

type fakeProvider struct {
	mu      sync.Mutex
	loads   map[string]int
	unloads map[string]int
	fail    map[string]error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		loads:   make(map[string]int),
		unloads: make(map[string]int),
		fail:    make(map[string]error),
	}
}

func (f *fakeProvider) Load(ctx context.Context, modelID string, keepAlive time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads[modelID]++
	return f.fail[modelID]
}

func (f *fakeProvider) Unload(ctx context.Context, modelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads[modelID]++
	return nil
}

type fakeProber struct {
	mu   sync.Mutex
	fail map[string]error
}

func newFakeProber() *fakeProber {
	return &fakeProber{fail: make(map[string]error)}
}

func (f *fakeProber) WaitReady(ctx context.Context, serviceID, healthURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[serviceID]
}

func gatewayFile() registry.File {
	return registry.File{
		Services: []registry.ServiceSpec{
			{ID: "cache", IdleSleepEligible: true},
			{ID: "vectordb", DependsOn: []string{"cache"}, IdleSleepEligible: true},
			{ID: "inference", DependsOn: []string{"vectordb"}, IdleSleepEligible: true},
		},
		Models: []registry.ModelSpec{
			{ID: "llama3:8b", Provider: "ollama"},
		},
	}
}

type fixture struct {
	registry   *registry.Registry
	supervisor *fakeSupervisor
	provider   *fakeProvider
	prober     *fakeProber
	orch       *Orchestrator
}

func newFixture(t *testing.T, file registry.File, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		registry:   registry.New(file),
		supervisor: newFakeSupervisor(),
		provider:   newFakeProvider(),
		prober:     newFakeProber(),
	}
	f.orch = New(f.registry, f.supervisor, f.provider, f.prober, opts...)
	return f
}

func TestEnsureReadyStartsDependenciesFirst(t *testing.T) {
	f := newFixture(t, gatewayFile())

	res, err := f.orch.EnsureReady(context.Background(), Request{App: "chat", Services: []string{"inference"}})
	require.NoError(t, err)
	assert.False(t, res.PartialFailure())
	assert.ElementsMatch(t, []string{"cache", "vectordb", "inference"}, res.Ready)
	assert.Equal(t, []string{"cache", "vectordb", "inference"}, f.supervisor.startOrder())

	for _, id := range []string{"cache", "vectordb", "inference"} {
		v, err := f.registry.Service(id)
		require.NoError(t, err)
		assert.Equal(t, api.StateRunning, v.Actual)
		assert.False(t, v.LastUsedAt.IsZero())
	}
}

func TestEnsureReadyIsIdempotent(t *testing.T) {
	f := newFixture(t, gatewayFile())
	ctx := context.Background()

	_, err := f.orch.EnsureReady(ctx, Request{Services: []string{"inference"}})
	require.NoError(t, err)

	before, err := f.registry.Service("inference")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	res, err := f.orch.EnsureReady(ctx, Request{Services: []string{"inference"}})
	require.NoError(t, err)

	assert.Equal(t, 1, f.supervisor.startCount("inference"), "running service must not be restarted")
	assert.ElementsMatch(t, []string{"cache", "vectordb", "inference"}, res.Ready)

	after, err := f.registry.Service("inference")
	require.NoError(t, err)
	assert.True(t, after.LastUsedAt.After(before.LastUsedAt), "repeat wake refreshes lastUsedAt")
}

func TestEnsureReadyRestartsServiceBeingStopped(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, gatewayFile(), WithClock(func() time.Time { return now }))
	require.NoError(t, f.registry.UpdateService("cache", func(rec *registry.ServiceRecord) {
		rec.Actual = api.StateStopping
		rec.LastUsedAt = now.Add(-time.Hour)
	}))

	res, err := f.orch.EnsureReady(context.Background(), Request{Services: []string{"cache"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"cache"}, res.Ready)
	assert.Equal(t, 1, f.supervisor.startCount("cache"))

	v, err := f.registry.Service("cache")
	require.NoError(t, err)
	assert.Equal(t, api.StateRunning, v.Actual)
	assert.Equal(t, now, v.LastUsedAt, "wake stamps fresh usage so an in-flight stop backs off")
}

func TestEnsureReadyCoalescesConcurrentWakes(t *testing.T) {
	f := newFixture(t, gatewayFile())
	f.supervisor.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.EnsureReady(context.Background(), Request{Services: []string{"inference"}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, id := range []string{"cache", "vectordb", "inference"} {
		assert.Equal(t, 1, f.supervisor.startCount(id), "service %s started more than once", id)
	}
}

func TestEnsureReadySkipsDependentsOfFailedService(t *testing.T) {
	f := newFixture(t, gatewayFile())
	f.prober.fail["vectordb"] = &api.ReadinessTimeoutError{ServiceID: "vectordb", Timeout: time.Second}

	res, err := f.orch.EnsureReady(context.Background(), Request{Services: []string{"inference"}})
	require.NoError(t, err, "execution failures are reported in the result, not as an error")
	require.True(t, res.PartialFailure())

	assert.Equal(t, []string{"cache"}, res.Ready, "independent dependency still comes up")
	assert.Equal(t, 0, f.supervisor.startCount("inference"), "dependent of a failed service is never started")

	byID := make(map[string]Failure)
	for _, fail := range res.Failed {
		byID[fail.ID] = fail
	}
	require.Contains(t, byID, "vectordb")
	require.Contains(t, byID, "inference")
	assert.Contains(t, byID["inference"].Reason, "vectordb")

	v, err := f.registry.Service("vectordb")
	require.NoError(t, err)
	assert.Equal(t, api.StateError, v.Actual)
}

func TestEnsureReadyUnknownService(t *testing.T) {
	f := newFixture(t, gatewayFile())

	_, err := f.orch.EnsureReady(context.Background(), Request{Services: []string{"ghost"}})
	assert.True(t, api.IsUnknownResource(err))
	assert.Empty(t, f.supervisor.startOrder(), "nothing is touched on a pre-flight failure")
}

func TestEnsureReadyUnknownModel(t *testing.T) {
	f := newFixture(t, gatewayFile())

	_, err := f.orch.EnsureReady(context.Background(), Request{Models: []string{"ghost:7b"}})
	assert.True(t, api.IsUnknownResource(err))
}

func TestEnsureReadyCycle(t *testing.T) {
	file := registry.File{Services: []registry.ServiceSpec{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}}
	f := newFixture(t, file)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.EnsureReady(context.Background(), Request{Services: []string{"a"}})
		done <- err
	}()

	select {
	case err := <-done:
		assert.True(t, api.IsCyclicDependency(err))
	case <-time.After(2 * time.Second):
		t.Fatal("cycle resolution hung")
	}
	assert.Empty(t, f.supervisor.startOrder())
}

func TestEnsureReadyPolicyDenied(t *testing.T) {
	file := gatewayFile()
	file.Apps = []registry.AppPolicy{
		{Name: "chat", Allow: []string{"cache", "vectordb", "inference", "llama3:8b"}},
		{Name: "batch", Allow: []string{"cache"}},
	}
	f := newFixture(t, file)
	ctx := context.Background()

	_, err := f.orch.EnsureReady(ctx, Request{App: "batch", Services: []string{"inference"}})
	require.True(t, api.IsPolicyDenied(err))
	var denied *api.PolicyDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, []string{"inference"}, denied.Denied)

	// An app with no policy entry at all may use nothing.
	_, err = f.orch.EnsureReady(ctx, Request{App: "rogue", Services: []string{"cache"}})
	assert.True(t, api.IsPolicyDenied(err))

	// The allowed app passes.
	_, err = f.orch.EnsureReady(ctx, Request{App: "chat", Services: []string{"inference"}})
	assert.NoError(t, err)
}

func TestEnsureReadyLoadsModelAndSetsKeepAlive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, gatewayFile(),
		WithModelKeepAlive(2*time.Minute),
		WithClock(func() time.Time { return now }),
	)

	res, err := f.orch.EnsureReady(context.Background(), Request{Models: []string{"llama3:8b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3:8b"}, res.Loaded)

	m, err := f.registry.Model("llama3:8b")
	require.NoError(t, err)
	assert.Equal(t, now.Add(2*time.Minute), m.KeepAliveUntil)
	assert.Equal(t, now, m.LastUsedAt)

	// A later wake refreshes the window from the new now.
	now = now.Add(90 * time.Second)
	_, err = f.orch.EnsureReady(context.Background(), Request{Models: []string{"llama3:8b"}})
	require.NoError(t, err)

	m, err = f.registry.Model("llama3:8b")
	require.NoError(t, err)
	assert.Equal(t, now.Add(2*time.Minute), m.KeepAliveUntil)
}

func TestEnsureReadyModelLoadFailure(t *testing.T) {
	f := newFixture(t, gatewayFile())
	f.provider.fail["llama3:8b"] = &api.ProviderLoadError{ModelID: "llama3:8b", Err: errors.New("out of memory")}

	res, err := f.orch.EnsureReady(context.Background(), Request{
		Services: []string{"cache"},
		Models:   []string{"llama3:8b"},
	})
	require.NoError(t, err)
	require.True(t, res.PartialFailure())

	assert.Equal(t, []string{"cache"}, res.Ready, "service wake is unaffected by the model failure")
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "model", res.Failed[0].Kind)
	assert.Equal(t, "llama3:8b", res.Failed[0].ID)

	m, err := f.registry.Model("llama3:8b")
	require.NoError(t, err)
	assert.True(t, m.KeepAliveUntil.IsZero(), "failed load must not extend the keep-alive window")
}

func TestEnsureReadyIndependentChainsInParallel(t *testing.T) {
	file := registry.File{Services: []registry.ServiceSpec{
		{ID: "a"},
		{ID: "b"},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b"}},
	}}
	f := newFixture(t, file)
	f.prober.fail["a"] = fmt.Errorf("probe refused")

	res, err := f.orch.EnsureReady(context.Background(), Request{Services: []string{"c", "d"}})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"b", "d"}, res.Ready, "failure in one chain does not block the other")
	assert.Equal(t, 0, f.supervisor.startCount("c"))
}
