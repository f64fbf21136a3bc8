package api

import (
	"context"
	"time"
)

// ServiceState represents the observed lifecycle state of a service.
// Transitions are driven only by the orchestrator and the idle monitor;
// callers never set it directly.
type ServiceState string

const (
	StateStopped  ServiceState = "stopped"
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateStopping ServiceState = "stopping"
	StateError    ServiceState = "error"
)

// DesiredState is the declarative target for a service, set by policy or
// admin action, independent of the observed ServiceState. An empty value
// behaves like DesiredOff for the idle monitor.
type DesiredState string

const (
	DesiredOn  DesiredState = "on"
	DesiredOff DesiredState = "off"
)

// ServiceView is a point-in-time snapshot of a service's registry entry.
type ServiceView struct {
	ID                string       `json:"id"`
	DependsOn         []string     `json:"dependsOn,omitempty"`
	HealthURL         string       `json:"healthUrl,omitempty"`
	IdleSleepEligible bool         `json:"idleSleepEligible"`
	Desired           DesiredState `json:"desired,omitempty"`
	Actual            ServiceState `json:"actual"`
	LastUsedAt        time.Time    `json:"lastUsedAt"`
}

// ModelView is a point-in-time snapshot of a model's registry entry.
// A model is logically loaded between a successful load action and
// KeepAliveUntil expiry.
type ModelView struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	KeepAliveUntil time.Time `json:"keepAliveUntil"`
	LastUsedAt     time.Time `json:"lastUsedAt"`
}

// Loaded reports whether the model is logically loaded at the given time.
func (m ModelView) Loaded(now time.Time) bool {
	return now.Before(m.KeepAliveUntil)
}

// ProcessStatus is the status reported by the process-supervision collaborator.
type ProcessStatus string

const (
	ProcessRunning ProcessStatus = "running"
	ProcessStopped ProcessStatus = "stopped"
	ProcessUnknown ProcessStatus = "unknown"
)

// ProcessSupervisor is the contract for whatever manages the underlying
// runtime processes. Failures are treated as retryable by the core.
type ProcessSupervisor interface {
	Start(ctx context.Context, serviceID string) error
	Stop(ctx context.Context, serviceID string) error
	Status(ctx context.Context, serviceID string) (ProcessStatus, error)
}

// ModelProvider is the contract for the backing runtime that loads and
// unloads models.
type ModelProvider interface {
	Load(ctx context.Context, modelID string, keepAlive time.Duration) error
	Unload(ctx context.Context, modelID string) error
}

// StoreKind identifies one of the three record stores.
type StoreKind string

const (
	StoreVector     StoreKind = "vector"
	StoreCache      StoreKind = "cache"
	StoreRelational StoreKind = "relational"
)

// FetchResult is a single store's answer for a logical record key.
type FetchResult struct {
	Found     bool
	Payload   map[string]interface{}
	UpdatedAt time.Time
}

// StoreFetcher fetches a logical record's representation from one store.
// A missing record is reported via FetchResult.Found, not via error;
// errors signal that the store could not be consulted at all.
type StoreFetcher interface {
	Kind() StoreKind
	Fetch(ctx context.Context, key string) (FetchResult, error)
}
