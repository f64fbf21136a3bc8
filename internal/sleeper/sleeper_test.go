package sleeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"helmsman/internal/api"
	"helmsman/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSupervisor struct {
	mu    sync.Mutex
	stops map[string]int
	fail  map[string]error

	// When set, Stop announces itself on stopEntered and then blocks until
	// stopRelease closes, so a test can act while a stop is in flight.
	stopEntered chan string
	stopRelease chan struct{}
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{stops: make(map[string]int), fail: make(map[string]error)}
}

func (f *fakeSupervisor) Start(ctx context.Context, serviceID string) error { return nil }

func (f *fakeSupervisor) Stop(ctx context.Context, serviceID string) error {
	f.mu.Lock()
	f.stops[serviceID]++
	err := f.fail[serviceID]
	entered, release := f.stopEntered, f.stopRelease
	f.mu.Unlock()
	if entered != nil {
		entered <- serviceID
		<-release
	}
	return err
}

func (f *fakeSupervisor) Status(ctx context.Context, serviceID string) (api.ProcessStatus, error) {
	return api.ProcessUnknown, nil
}

func (f *fakeSupervisor) stopCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops[id]
}

type fakeProvider struct {
	mu      sync.Mutex
	unloads map[string]int
	fail    map[string]error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{unloads: make(map[string]int), fail: make(map[string]error)}
}

func (f *fakeProvider) Load(ctx context.Context, modelID string, keepAlive time.Duration) error {
	return nil
}

func (f *fakeProvider) Unload(ctx context.Context, modelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads[modelID]++
	return f.fail[modelID]
}

func (f *fakeProvider) unloadCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unloads[id]
}

type fixture struct {
	registry   *registry.Registry
	supervisor *fakeSupervisor
	provider   *fakeProvider
	monitor    *Monitor
	now        time.Time
}

func newFixture(t *testing.T, file registry.File, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		registry:   registry.New(file),
		supervisor: newFakeSupervisor(),
		provider:   newFakeProvider(),
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	opts = append([]Option{
		WithIdleTimeout(5 * time.Minute),
		WithClock(func() time.Time { return f.now }),
	}, opts...)
	f.monitor = New(f.registry, f.supervisor, f.provider, opts...)
	return f
}

func (f *fixture) running(t *testing.T, id string, lastUsed time.Time) {
	t.Helper()
	require.NoError(t, f.registry.UpdateService(id, func(rec *registry.ServiceRecord) {
		rec.Actual = api.StateRunning
		rec.LastUsedAt = lastUsed
	}))
}

func (f *fixture) state(t *testing.T, id string) api.ServiceState {
	t.Helper()
	v, err := f.registry.Service(id)
	require.NoError(t, err)
	return v.Actual
}

func TestTickStopsIdleService(t *testing.T) {
	f := newFixture(t, registry.File{Services: []registry.ServiceSpec{
		{ID: "vectordb", IdleSleepEligible: true},
	}})
	f.running(t, "vectordb", f.now.Add(-10*time.Minute))

	f.monitor.Tick(context.Background())

	assert.Equal(t, 1, f.supervisor.stopCount("vectordb"))
	assert.Equal(t, api.StateStopped, f.state(t, "vectordb"))
}

func TestTickKeepsRecentlyUsedService(t *testing.T) {
	f := newFixture(t, registry.File{Services: []registry.ServiceSpec{
		{ID: "vectordb", IdleSleepEligible: true},
	}})
	f.running(t, "vectordb", f.now.Add(-time.Minute))

	f.monitor.Tick(context.Background())

	assert.Equal(t, 0, f.supervisor.stopCount("vectordb"))
	assert.Equal(t, api.StateRunning, f.state(t, "vectordb"))
}

func TestTickNeverStopsIneligibleService(t *testing.T) {
	f := newFixture(t, registry.File{Services: []registry.ServiceSpec{
		{ID: "cache", IdleSleepEligible: false},
	}})
	f.running(t, "cache", f.now.Add(-24*time.Hour))

	for i := 0; i < 5; i++ {
		f.monitor.Tick(context.Background())
		f.now = f.now.Add(time.Hour)
	}

	assert.Equal(t, 0, f.supervisor.stopCount("cache"), "ineligible service must never be stopped")
	assert.Equal(t, api.StateRunning, f.state(t, "cache"))
}

func TestTickHonorsDesiredOn(t *testing.T) {
	f := newFixture(t, registry.File{Services: []registry.ServiceSpec{
		{ID: "vectordb", IdleSleepEligible: true},
	}})
	f.running(t, "vectordb", f.now.Add(-time.Hour))
	require.NoError(t, f.registry.SetDesired("vectordb", api.DesiredOn))

	f.monitor.Tick(context.Background())
	assert.Equal(t, api.StateRunning, f.state(t, "vectordb"), "desired=on pins the service")

	// Clearing the pin makes the service fair game on the next pass.
	require.NoError(t, f.registry.SetDesired("vectordb", api.DesiredOff))
	f.monitor.Tick(context.Background())
	assert.Equal(t, api.StateStopped, f.state(t, "vectordb"))
}

func TestTickKeepsDependencyOfRunningService(t *testing.T) {
	f := newFixture(t, registry.File{Services: []registry.ServiceSpec{
		{ID: "vectordb", IdleSleepEligible: true},
		{ID: "inference", DependsOn: []string{"vectordb"}, IdleSleepEligible: true},
	}})
	// vectordb is long idle, but inference still runs and needs it.
	f.running(t, "vectordb", f.now.Add(-time.Hour))
	f.running(t, "inference", f.now.Add(-time.Minute))

	f.monitor.Tick(context.Background())
	assert.Equal(t, api.StateRunning, f.state(t, "vectordb"), "dependency of a running service stays up")

	// Once inference goes idle and stops, vectordb follows.
	f.now = f.now.Add(10 * time.Minute)
	f.monitor.Tick(context.Background())
	assert.Equal(t, api.StateStopped, f.state(t, "inference"))

	f.monitor.Tick(context.Background())
	assert.Equal(t, api.StateStopped, f.state(t, "vectordb"))
}

func TestTickAbandonsStaleStop(t *testing.T) {
	f := newFixture(t, registry.File{Services: []registry.ServiceSpec{
		{ID: "vectordb", IdleSleepEligible: true},
	}})
	f.running(t, "vectordb", f.now.Add(-time.Hour))

	// A wake lands between candidate selection and the stop: simulate by
	// touching the service from the stop path's perspective.
	require.NoError(t, f.registry.TouchService("vectordb", f.now))
	f.monitor.stopService(context.Background(), "vectordb", f.now)

	assert.Equal(t, 0, f.supervisor.stopCount("vectordb"), "fresh usage must abort the stop")
	assert.Equal(t, api.StateRunning, f.state(t, "vectordb"))
}

func TestTickStopFailureIsolation(t *testing.T) {
	f := newFixture(t, registry.File{Services: []registry.ServiceSpec{
		{ID: "vectordb", IdleSleepEligible: true},
		{ID: "reranker", IdleSleepEligible: true},
	}})
	f.running(t, "vectordb", f.now.Add(-time.Hour))
	f.running(t, "reranker", f.now.Add(-time.Hour))
	f.supervisor.fail["vectordb"] = errors.New("stop refused")

	f.monitor.Tick(context.Background())

	assert.Equal(t, api.StateRunning, f.state(t, "vectordb"), "failed stop leaves the service running")
	assert.Equal(t, api.StateStopped, f.state(t, "reranker"), "one failed stop does not block the others")

	// The next tick retries the failed stop.
	delete(f.supervisor.fail, "vectordb")
	f.monitor.Tick(context.Background())
	assert.Equal(t, api.StateStopped, f.state(t, "vectordb"))
	assert.Equal(t, 2, f.supervisor.stopCount("vectordb"))
}

func TestWakeDuringStopOwnsFinalState(t *testing.T) {
	f := newFixture(t, registry.File{Services: []registry.ServiceSpec{
		{ID: "vectordb", IdleSleepEligible: true},
	}})
	f.running(t, "vectordb", f.now.Add(-time.Hour))
	f.supervisor.stopEntered = make(chan string)
	f.supervisor.stopRelease = make(chan struct{})

	done := make(chan struct{})
	go func() {
		f.monitor.Tick(context.Background())
		close(done)
	}()

	// With the supervisor stop in flight, a wake brings the service back to
	// running with fresh usage.
	<-f.supervisor.stopEntered
	require.NoError(t, f.registry.UpdateService("vectordb", func(rec *registry.ServiceRecord) {
		rec.Actual = api.StateRunning
		rec.LastUsedAt = f.now.Add(time.Second)
	}))
	close(f.supervisor.stopRelease)
	<-done

	assert.Equal(t, api.StateRunning, f.state(t, "vectordb"),
		"the stop finishing late must not overwrite the wake's state")
}

func TestTickUnloadsExpiredModel(t *testing.T) {
	f := newFixture(t, registry.File{
		Models: []registry.ModelSpec{{ID: "llama3:8b", Provider: "ollama"}},
	})
	loadedAt := f.now
	require.NoError(t, f.registry.UpdateModel("llama3:8b", func(rec *registry.ModelRecord) {
		rec.LastUsedAt = loadedAt
		rec.KeepAliveUntil = loadedAt.Add(2 * time.Minute)
	}))

	// Inside the window nothing happens.
	f.now = loadedAt.Add(90 * time.Second)
	f.monitor.Tick(context.Background())
	assert.Equal(t, 0, f.provider.unloadCount("llama3:8b"))

	// At expiry the model goes.
	f.now = loadedAt.Add(2 * time.Minute)
	f.monitor.Tick(context.Background())
	assert.Equal(t, 1, f.provider.unloadCount("llama3:8b"))

	m, err := f.registry.Model("llama3:8b")
	require.NoError(t, err)
	assert.False(t, m.Loaded(f.now))

	// Further passes do not unload again.
	f.now = f.now.Add(time.Minute)
	f.monitor.Tick(context.Background())
	assert.Equal(t, 1, f.provider.unloadCount("llama3:8b"))
}

func TestTickRetriesFailedUnload(t *testing.T) {
	f := newFixture(t, registry.File{
		Models: []registry.ModelSpec{{ID: "llama3:8b", Provider: "ollama"}},
	})
	require.NoError(t, f.registry.UpdateModel("llama3:8b", func(rec *registry.ModelRecord) {
		rec.LastUsedAt = f.now
		rec.KeepAliveUntil = f.now.Add(2 * time.Minute)
	}))
	f.provider.fail["llama3:8b"] = errors.New("provider busy")

	f.now = f.now.Add(2 * time.Minute)
	f.monitor.Tick(context.Background())
	assert.Equal(t, 1, f.provider.unloadCount("llama3:8b"))

	m, err := f.registry.Model("llama3:8b")
	require.NoError(t, err)
	assert.False(t, m.KeepAliveUntil.IsZero(), "failed unload must keep the window for the next pass")

	// Still failing: the next pass tries again.
	f.now = f.now.Add(time.Minute)
	f.monitor.Tick(context.Background())
	assert.Equal(t, 2, f.provider.unloadCount("llama3:8b"))

	// Once the provider recovers, the window clears and retries end.
	delete(f.provider.fail, "llama3:8b")
	f.monitor.Tick(context.Background())
	assert.Equal(t, 3, f.provider.unloadCount("llama3:8b"))

	m, err = f.registry.Model("llama3:8b")
	require.NoError(t, err)
	assert.True(t, m.KeepAliveUntil.IsZero())

	f.now = f.now.Add(time.Minute)
	f.monitor.Tick(context.Background())
	assert.Equal(t, 3, f.provider.unloadCount("llama3:8b"))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, registry.File{}, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.monitor.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
