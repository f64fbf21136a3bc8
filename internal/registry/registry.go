// Package registry holds the file-backed catalog of service descriptors,
// model descriptors and per-app policy. It is the single source of truth
// shared by the orchestrator and the idle monitor; all reads and writes of
// a given entry's mutable fields are serialized per entity.
package registry

import (
	"sync"
	"time"

	"helmsman/internal/api"
)

// ServiceSpec is the declared (file-sourced) part of a service descriptor.
type ServiceSpec struct {
	ID                string           `yaml:"id"`
	DependsOn         []string         `yaml:"dependsOn,omitempty"`
	HealthURL         string           `yaml:"healthUrl,omitempty"`
	IdleSleepEligible bool             `yaml:"idleSleepEligible"`
	Desired           api.DesiredState `yaml:"desired,omitempty"`
	StartCmd          []string         `yaml:"start,omitempty"`
	StopCmd           []string         `yaml:"stop,omitempty"`
	StatusCmd         []string         `yaml:"status,omitempty"`
}

// ModelSpec is the declared part of a model descriptor.
type ModelSpec struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
}

// AppPolicy is a per-app allow-list of service and model ids.
type AppPolicy struct {
	Name  string   `yaml:"name"`
	Allow []string `yaml:"allow"`
}

// File is the on-disk shape of the registry catalog.
type File struct {
	Services []ServiceSpec `yaml:"services"`
	Models   []ModelSpec   `yaml:"models,omitempty"`
	Apps     []AppPolicy   `yaml:"apps,omitempty"`
}

// ServiceRecord is the mutable runtime state of a service, exposed to
// UpdateService callbacks under the entity lock.
type ServiceRecord struct {
	Actual     api.ServiceState
	Desired    api.DesiredState
	LastUsedAt time.Time
}

// ModelRecord is the mutable runtime state of a model, exposed to
// UpdateModel callbacks under the entity lock.
type ModelRecord struct {
	KeepAliveUntil time.Time
	LastUsedAt     time.Time
}

type serviceEntry struct {
	mu   sync.Mutex
	spec ServiceSpec
	rec  ServiceRecord
}

type modelEntry struct {
	mu   sync.Mutex
	spec ModelSpec
	rec  ModelRecord
}

// Registry is the in-memory catalog. The outer lock guards the maps and
// insertion order; each entry carries its own lock for runtime fields.
type Registry struct {
	mu           sync.RWMutex
	services     map[string]*serviceEntry
	serviceOrder []string
	models       map[string]*modelEntry
	modelOrder   []string
	policies     map[string][]string
}

// New creates a registry from an in-memory catalog. Runtime fields start at
// their zero values: actual=stopped, lastUsedAt unset.
func New(file File) *Registry {
	r := &Registry{
		services: make(map[string]*serviceEntry),
		models:   make(map[string]*modelEntry),
		policies: make(map[string][]string),
	}
	r.apply(file)
	return r
}

// apply installs the catalog, preserving runtime state for entries that
// survive a reload. Callers must not hold r.mu.
func (r *Registry) apply(file File) {
	r.mu.Lock()
	defer r.mu.Unlock()

	services := make(map[string]*serviceEntry, len(file.Services))
	serviceOrder := make([]string, 0, len(file.Services))
	for _, spec := range file.Services {
		entry := &serviceEntry{
			spec: spec,
			rec: ServiceRecord{
				Actual:  api.StateStopped,
				Desired: spec.Desired,
			},
		}
		if prev, ok := r.services[spec.ID]; ok {
			prev.mu.Lock()
			entry.rec = prev.rec
			// A reload may change the declared desired state; the file wins
			// only when it says something explicit.
			if spec.Desired != "" {
				entry.rec.Desired = spec.Desired
			}
			prev.mu.Unlock()
		}
		services[spec.ID] = entry
		serviceOrder = append(serviceOrder, spec.ID)
	}

	models := make(map[string]*modelEntry, len(file.Models))
	modelOrder := make([]string, 0, len(file.Models))
	for _, spec := range file.Models {
		entry := &modelEntry{spec: spec}
		if prev, ok := r.models[spec.ID]; ok {
			prev.mu.Lock()
			entry.rec = prev.rec
			prev.mu.Unlock()
		}
		models[spec.ID] = entry
		modelOrder = append(modelOrder, spec.ID)
	}

	policies := make(map[string][]string, len(file.Apps))
	for _, app := range file.Apps {
		policies[app.Name] = append([]string(nil), app.Allow...)
	}

	r.services = services
	r.serviceOrder = serviceOrder
	r.models = models
	r.modelOrder = modelOrder
	r.policies = policies
}

func (r *Registry) serviceEntry(id string) (*serviceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.services[id]
	return e, ok
}

func (r *Registry) modelEntry(id string) (*modelEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[id]
	return e, ok
}

// Service returns a snapshot of a service's descriptor and runtime state.
func (r *Registry) Service(id string) (api.ServiceView, error) {
	e, ok := r.serviceEntry(id)
	if !ok {
		return api.ServiceView{}, api.NewUnknownServiceError(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return viewLocked(e), nil
}

func viewLocked(e *serviceEntry) api.ServiceView {
	return api.ServiceView{
		ID:                e.spec.ID,
		DependsOn:         append([]string(nil), e.spec.DependsOn...),
		HealthURL:         e.spec.HealthURL,
		IdleSleepEligible: e.spec.IdleSleepEligible,
		Desired:           e.rec.Desired,
		Actual:            e.rec.Actual,
		LastUsedAt:        e.rec.LastUsedAt,
	}
}

// Services returns snapshots of all services in file insertion order.
func (r *Registry) Services() []api.ServiceView {
	r.mu.RLock()
	order := append([]string(nil), r.serviceOrder...)
	r.mu.RUnlock()

	views := make([]api.ServiceView, 0, len(order))
	for _, id := range order {
		if v, err := r.Service(id); err == nil {
			views = append(views, v)
		}
	}
	return views
}

// ServiceSpec returns the declared descriptor for a service.
func (r *Registry) ServiceSpec(id string) (ServiceSpec, error) {
	e, ok := r.serviceEntry(id)
	if !ok {
		return ServiceSpec{}, api.NewUnknownServiceError(id)
	}
	return e.spec, nil
}

// ServiceSpecs returns all declared service descriptors in insertion order.
func (r *Registry) ServiceSpecs() []ServiceSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ServiceSpec, 0, len(r.serviceOrder))
	for _, id := range r.serviceOrder {
		specs = append(specs, r.services[id].spec)
	}
	return specs
}

// UpdateService runs fn on the service's runtime record under the entity
// lock. The read-modify-write is atomic with respect to every other access
// to the same entry, which is what lets a stale idle-stop notice a wake
// that got there first.
func (r *Registry) UpdateService(id string, fn func(*ServiceRecord)) error {
	e, ok := r.serviceEntry(id)
	if !ok {
		return api.NewUnknownServiceError(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.rec)
	return nil
}

// TouchService stamps lastUsedAt for a service.
func (r *Registry) TouchService(id string, now time.Time) error {
	return r.UpdateService(id, func(rec *ServiceRecord) {
		rec.LastUsedAt = now
	})
}

// SetDesired sets the declarative target state for a service.
func (r *Registry) SetDesired(id string, desired api.DesiredState) error {
	return r.UpdateService(id, func(rec *ServiceRecord) {
		rec.Desired = desired
	})
}

// Model returns a snapshot of a model's descriptor and runtime state.
func (r *Registry) Model(id string) (api.ModelView, error) {
	e, ok := r.modelEntry(id)
	if !ok {
		return api.ModelView{}, api.NewUnknownModelError(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return api.ModelView{
		ID:             e.spec.ID,
		Provider:       e.spec.Provider,
		KeepAliveUntil: e.rec.KeepAliveUntil,
		LastUsedAt:     e.rec.LastUsedAt,
	}, nil
}

// Models returns snapshots of all models in file insertion order.
func (r *Registry) Models() []api.ModelView {
	r.mu.RLock()
	order := append([]string(nil), r.modelOrder...)
	r.mu.RUnlock()

	views := make([]api.ModelView, 0, len(order))
	for _, id := range order {
		if v, err := r.Model(id); err == nil {
			views = append(views, v)
		}
	}
	return views
}

// UpdateModel runs fn on the model's runtime record under the entity lock.
func (r *Registry) UpdateModel(id string, fn func(*ModelRecord)) error {
	e, ok := r.modelEntry(id)
	if !ok {
		return api.NewUnknownModelError(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.rec)
	return nil
}

// Allowed returns the allow-list for an app. ok is false when the app has
// no policy entry at all, which callers treat as "deny everything".
func (r *Registry) Allowed(app string) (map[string]bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list, ok := r.policies[app]
	if !ok {
		return nil, false
	}
	allowed := make(map[string]bool, len(list))
	for _, id := range list {
		allowed[id] = true
	}
	return allowed, true
}

// HasPolicies reports whether any app policies are configured. When none
// are, policy checking is disabled and every request is permitted.
func (r *Registry) HasPolicies() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.policies) > 0
}
