// Package orchestrator implements auto-wake: given the resources a request
// is about to use, it brings every one of them (and their dependencies) to a
// usable state, or reports precisely which could not be woken.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"helmsman/internal/api"
	"helmsman/internal/dependency"
	"helmsman/internal/registry"
	"helmsman/pkg/logging"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultModelKeepAlive is the keep-alive window granted to a model on load
// when the orchestrator is not configured with another value.
const DefaultModelKeepAlive = 2 * time.Minute

// readinessWaiter is the readiness-gate contract; satisfied by probe.Prober.
type readinessWaiter interface {
	WaitReady(ctx context.Context, serviceID, healthURL string) error
}

// Request names the resources a caller is about to use.
type Request struct {
	// App identifies the calling application for the policy check.
	App string `json:"app"`

	Services []string `json:"services,omitempty"`
	Models   []string `json:"models,omitempty"`
}

// Failure describes one resource that could not be brought to readiness.
type Failure struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"` // "service" or "model"
	Reason string `json:"reason"`
}

// Result reports the outcome of an EnsureReady call. Pre-flight failures
// (unknown resource, policy denial, dependency cycle) are returned as errors
// instead; a Result always describes an attempted wake.
type Result struct {
	Ready  []string  `json:"ready,omitempty"`
	Loaded []string  `json:"loaded,omitempty"`
	Failed []Failure `json:"failed,omitempty"`
}

// PartialFailure reports whether some, but not necessarily all, resources
// failed to wake. Callers that can degrade check the Failed entries.
func (r Result) PartialFailure() bool {
	return len(r.Failed) > 0
}

// Orchestrator coordinates waking services and loading models. Safe for
// concurrent use; concurrent wakes of the same service are coalesced so the
// service is started at most once.
type Orchestrator struct {
	registry   *registry.Registry
	supervisor api.ProcessSupervisor
	provider   api.ModelProvider
	prober     readinessWaiter

	keepAlive time.Duration
	now       func() time.Time

	wakes singleflight.Group
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithModelKeepAlive overrides the keep-alive window granted on model load.
func WithModelKeepAlive(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.keepAlive = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Orchestrator.
func New(reg *registry.Registry, sup api.ProcessSupervisor, prov api.ModelProvider, prober readinessWaiter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:   reg,
		supervisor: sup,
		provider:   prov,
		prober:     prober,
		keepAlive:  DefaultModelKeepAlive,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// EnsureReady brings every requested service (with its transitive
// dependencies, in dependency order) and every requested model to a usable
// state. Policy denials, unknown ids and dependency cycles abort before
// anything is touched. Execution failures never abort the whole wake:
// independent resources still come up and the Result names what failed.
func (o *Orchestrator) EnsureReady(ctx context.Context, req Request) (Result, error) {
	if err := o.checkPolicy(req); err != nil {
		return Result{}, err
	}
	for _, id := range req.Models {
		if _, err := o.registry.Model(id); err != nil {
			return Result{}, err
		}
	}

	graph := dependency.FromSpecs(o.registry.ServiceSpecs())

	var levels [][]string
	if len(req.Services) > 0 {
		var err error
		levels, err = graph.ResolveLevels(req.Services)
		if err != nil {
			return Result{}, err
		}
	}

	var res Result
	failed := make(map[string]string)

	for _, level := range levels {
		// Services within a level never depend on each other, so the skip
		// decision only needs the failures of earlier levels.
		var toStart []string
		for _, id := range level {
			if reason, ok := o.dependencyFailed(graph, id, failed); ok {
				failed[id] = reason
				res.Failed = append(res.Failed, Failure{ID: id, Kind: "service", Reason: reason})
				continue
			}
			toStart = append(toStart, id)
		}

		var mu sync.Mutex
		levelFailed := make(map[string]string)
		var g errgroup.Group
		for _, id := range toStart {
			g.Go(func() error {
				// Per-service failures (including a lapsed deadline) are
				// collected, never returned: the wake degrades instead of
				// aborting.
				if err := o.ensureService(ctx, id); err != nil {
					mu.Lock()
					levelFailed[id] = err.Error()
					mu.Unlock()
					return nil
				}
				mu.Lock()
				res.Ready = append(res.Ready, id)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		for _, id := range toStart {
			if reason, ok := levelFailed[id]; ok {
				failed[id] = reason
				res.Failed = append(res.Failed, Failure{ID: id, Kind: "service", Reason: reason})
			}
		}
	}

	now := o.now()
	for _, id := range res.Ready {
		if err := o.registry.TouchService(id, now); err != nil {
			logging.Warn("Orchestrator", "Touching %s after wake: %v", id, err)
		}
	}

	for _, id := range req.Models {
		if err := o.loadModel(ctx, id); err != nil {
			res.Failed = append(res.Failed, Failure{ID: id, Kind: "model", Reason: err.Error()})
			continue
		}
		res.Loaded = append(res.Loaded, id)
	}

	if res.PartialFailure() {
		logging.Warn("Orchestrator", "Wake for app %s completed with %d failures", req.App, len(res.Failed))
	}
	return res, nil
}

// checkPolicy enforces the per-app allow-list. With no policies configured
// at all, every request is permitted. With policies configured, an app
// without an entry may use nothing.
func (o *Orchestrator) checkPolicy(req Request) error {
	if !o.registry.HasPolicies() {
		return nil
	}

	allowed, ok := o.registry.Allowed(req.App)
	var denied []string
	for _, id := range append(append([]string(nil), req.Services...), req.Models...) {
		if !ok || !allowed[id] {
			denied = append(denied, id)
		}
	}
	if len(denied) > 0 {
		return &api.PolicyDeniedError{App: req.App, Denied: denied}
	}
	return nil
}

// dependencyFailed reports whether any dependency of id already failed in
// this wake, which makes starting id pointless.
func (o *Orchestrator) dependencyFailed(graph *dependency.Graph, id string, failed map[string]string) (string, bool) {
	for _, dep := range graph.Dependencies(id) {
		if _, ok := failed[dep]; ok {
			return fmt.Sprintf("dependency %s failed to start", dep), true
		}
	}
	return "", false
}

// ensureService brings one service to running. Concurrent calls for the same
// service share a single start attempt through the singleflight group.
func (o *Orchestrator) ensureService(ctx context.Context, id string) error {
	view, err := o.registry.Service(id)
	if err != nil {
		return err
	}
	if view.Actual == api.StateRunning {
		// Stamp use right away so an idle-stop deciding on older data
		// backs off.
		return o.registry.TouchService(id, o.now())
	}

	_, err, _ = o.wakes.Do(id, func() (interface{}, error) {
		return nil, o.startService(ctx, id)
	})
	return err
}

func (o *Orchestrator) startService(ctx context.Context, id string) error {
	// Re-check under the flight: a concurrent wake may have finished between
	// the caller's snapshot and this flight winning the group.
	view, err := o.registry.Service(id)
	if err != nil {
		return err
	}
	if view.Actual == api.StateRunning {
		return o.registry.TouchService(id, o.now())
	}

	// The fresh lastUsedAt also tells an in-flight idle-stop that the
	// service is wanted again.
	if err := o.registry.UpdateService(id, func(rec *registry.ServiceRecord) {
		rec.Actual = api.StateStarting
		rec.LastUsedAt = o.now()
	}); err != nil {
		return err
	}

	logging.Info("Orchestrator", "Starting service %s", id)
	if err := o.supervisor.Start(ctx, id); err != nil {
		o.markError(id)
		return fmt.Errorf("starting %s: %w", id, err)
	}

	if err := o.prober.WaitReady(ctx, id, view.HealthURL); err != nil {
		o.markError(id)
		return err
	}

	return o.registry.UpdateService(id, func(rec *registry.ServiceRecord) {
		rec.Actual = api.StateRunning
		rec.LastUsedAt = o.now()
	})
}

func (o *Orchestrator) markError(id string) {
	if err := o.registry.UpdateService(id, func(rec *registry.ServiceRecord) {
		rec.Actual = api.StateError
	}); err != nil {
		logging.Warn("Orchestrator", "Marking %s errored: %v", id, err)
	}
}

// loadModel loads (or refreshes) a model and extends its keep-alive window.
func (o *Orchestrator) loadModel(ctx context.Context, id string) error {
	if err := o.provider.Load(ctx, id, o.keepAlive); err != nil {
		return err
	}
	now := o.now()
	return o.registry.UpdateModel(id, func(rec *registry.ModelRecord) {
		rec.LastUsedAt = now
		rec.KeepAliveUntil = now.Add(o.keepAlive)
	})
}
