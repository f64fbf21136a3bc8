// Package sleeper is the reverse of auto-wake: a periodic reconciler that
// stops services nobody has used for a while and unloads models whose
// keep-alive window has lapsed, so an idle deployment converges to near-zero
// resource use.
package sleeper

import (
	"context"
	"sync"
	"time"

	"helmsman/internal/api"
	"helmsman/internal/dependency"
	"helmsman/internal/registry"
	"helmsman/pkg/logging"
)

const (
	// DefaultInterval is the pause between reconciliation passes.
	DefaultInterval = 30 * time.Second

	// DefaultIdleTimeout is how long a service must go unused before it is
	// considered idle.
	DefaultIdleTimeout = 5 * time.Minute
)

// Monitor runs the idle-sleep reconciliation loop.
type Monitor struct {
	registry   *registry.Registry
	supervisor api.ProcessSupervisor
	provider   api.ModelProvider

	interval    time.Duration
	idleTimeout time.Duration
	now         func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the reconciliation interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithIdleTimeout overrides the idle threshold.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Monitor.
func New(reg *registry.Registry, sup api.ProcessSupervisor, prov api.ModelProvider, opts ...Option) *Monitor {
	m := &Monitor{
		registry:    reg,
		supervisor:  sup,
		provider:    prov,
		interval:    DefaultInterval,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes reconciliation passes at the configured interval until ctx is
// cancelled. Pass failures are logged and never stop the loop.
func (m *Monitor) Run(ctx context.Context) {
	logging.Info("Sleeper", "Idle monitor running, interval %s, idle timeout %s", m.interval, m.idleTimeout)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info("Sleeper", "Idle monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one reconciliation pass: stop idle services, unload expired
// models. Exposed so callers (and tests) can force a pass.
func (m *Monitor) Tick(ctx context.Context) {
	now := m.now()

	candidates := m.idleServices(now)
	var wg sync.WaitGroup
	for _, id := range candidates {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.stopService(ctx, id, now)
		}(id)
	}
	wg.Wait()

	for _, model := range m.registry.Models() {
		if model.KeepAliveUntil.IsZero() || now.Before(model.KeepAliveUntil) {
			continue
		}
		m.unloadModel(ctx, model.ID)
	}

	ticksTotal.Inc()
}

// idleServices selects the stop candidates from a registry snapshot. A
// service survives when it is not running, is ineligible, is pinned by
// desired=on, was used recently, or has a running dependent that still
// needs it.
func (m *Monitor) idleServices(now time.Time) []string {
	graph := dependency.FromSpecs(m.registry.ServiceSpecs())

	var candidates []string
	for _, v := range m.registry.Services() {
		if v.Actual != api.StateRunning {
			continue
		}
		if !v.IdleSleepEligible {
			continue
		}
		if v.Desired == api.DesiredOn {
			continue
		}
		if !m.expired(v.LastUsedAt, now) {
			continue
		}
		if dep, ok := m.runningDependent(graph, v.ID); ok {
			logging.Debug("Sleeper", "Service %s idle but dependent %s is running, keeping", v.ID, dep)
			continue
		}
		candidates = append(candidates, v.ID)
	}
	return candidates
}

func (m *Monitor) expired(lastUsed, now time.Time) bool {
	// A service that was never used counts its idle time from zero, so it
	// always qualifies once running.
	return lastUsed.IsZero() || !now.Before(lastUsed.Add(m.idleTimeout))
}

func (m *Monitor) runningDependent(graph *dependency.Graph, id string) (string, bool) {
	for _, dep := range graph.TransitiveDependents(id) {
		v, err := m.registry.Service(dep)
		if err != nil {
			continue
		}
		if v.Actual == api.StateRunning || v.Actual == api.StateStarting {
			return dep, true
		}
	}
	return "", false
}

// stopService stops one idle service. The eligibility decision is re-checked
// under the entity lock right before committing to the stop: a wake that
// landed after the snapshot wins and the stop is abandoned.
func (m *Monitor) stopService(ctx context.Context, id string, now time.Time) {
	stale := false
	err := m.registry.UpdateService(id, func(rec *registry.ServiceRecord) {
		if rec.Actual != api.StateRunning || rec.Desired == api.DesiredOn || !m.expired(rec.LastUsedAt, now) {
			stale = true
			return
		}
		rec.Actual = api.StateStopping
	})
	if err != nil {
		logging.Warn("Sleeper", "Service %s vanished before stop: %v", id, err)
		return
	}
	if stale {
		logging.Debug("Sleeper", "Stop of %s abandoned, state changed since snapshot", id)
		return
	}

	logging.Info("Sleeper", "Stopping idle service %s", id)
	if err := m.supervisor.Stop(ctx, id); err != nil {
		logging.Error("Sleeper", err, "Stopping idle service %s failed", id)
		serviceStopFailuresTotal.WithLabelValues(id).Inc()
		// Leave it running unless a wake took over; the next tick retries.
		m.release(id, api.StateRunning, now)
		return
	}

	if !m.release(id, api.StateStopped, now) {
		logging.Debug("Sleeper", "Stop of %s finished after a wake took over, leaving its state alone", id)
		return
	}
	serviceStopsTotal.WithLabelValues(id).Inc()
}

// release commits the outcome of a stop attempt under the entity lock. It
// only applies while the entry is still in the stopping state this pass set
// and no fresh use arrived since the pass began; otherwise a concurrent wake
// owns the entry and its state is left alone.
func (m *Monitor) release(id string, state api.ServiceState, since time.Time) bool {
	applied := false
	err := m.registry.UpdateService(id, func(rec *registry.ServiceRecord) {
		if rec.Actual != api.StateStopping || rec.LastUsedAt.After(since) {
			return
		}
		rec.Actual = state
		applied = true
	})
	if err != nil {
		logging.Warn("Sleeper", "Marking %s %s: %v", id, state, err)
		return false
	}
	return applied
}

// unloadModel releases one expired model. The expiry is re-checked under the
// entity lock so a load that raced the snapshot keeps its window, and the
// window is only cleared once the provider confirmed the unload: a failed
// unload leaves it in place for the next tick to retry.
func (m *Monitor) unloadModel(ctx context.Context, id string) {
	stale := false
	err := m.registry.UpdateModel(id, func(rec *registry.ModelRecord) {
		if rec.KeepAliveUntil.IsZero() || m.now().Before(rec.KeepAliveUntil) {
			stale = true
		}
	})
	if err != nil {
		logging.Warn("Sleeper", "Model %s vanished before unload: %v", id, err)
		return
	}
	if stale {
		return
	}

	logging.Info("Sleeper", "Unloading expired model %s", id)
	if err := m.provider.Unload(ctx, id); err != nil {
		logging.Warn("Sleeper", "Unloading model %s failed, retrying next tick: %v", id, err)
		modelUnloadFailuresTotal.WithLabelValues(id).Inc()
		return
	}

	err = m.registry.UpdateModel(id, func(rec *registry.ModelRecord) {
		// A load that raced the unload owns the window now.
		if !m.now().Before(rec.KeepAliveUntil) {
			rec.KeepAliveUntil = time.Time{}
		}
	})
	if err != nil {
		logging.Warn("Sleeper", "Clearing window for model %s: %v", id, err)
		return
	}
	modelUnloadsTotal.WithLabelValues(id).Inc()
}
