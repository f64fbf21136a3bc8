package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// UnknownResourceError reports a request for a service, model or app that is
// not present in the registry. It is fatal for the request that carried the
// unknown id; the caller must change the request.
type UnknownResourceError struct {
	// ResourceType categorizes the resource ("service", "model", "app").
	ResourceType string

	// ResourceName is the identifier that was not found.
	ResourceName string
}

func (e *UnknownResourceError) Error() string {
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// IsUnknownResource checks if an error is or wraps an UnknownResourceError.
func IsUnknownResource(err error) bool {
	var unknownErr *UnknownResourceError
	return errors.As(err, &unknownErr)
}

// NewUnknownServiceError creates an unknown-service error.
func NewUnknownServiceError(id string) *UnknownResourceError {
	return &UnknownResourceError{ResourceType: "service", ResourceName: id}
}

// NewUnknownModelError creates an unknown-model error.
func NewUnknownModelError(id string) *UnknownResourceError {
	return &UnknownResourceError{ResourceType: "model", ResourceName: id}
}

// CyclicDependencyError reports that the dependency relation over the
// requested services contains a cycle. Members lists the services on the
// cycle. The wake attempt is aborted, never retried.
type CyclicDependencyError struct {
	Members []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle among services: %s", strings.Join(e.Members, " -> "))
}

// IsCyclicDependency checks if an error is or wraps a CyclicDependencyError.
func IsCyclicDependency(err error) bool {
	var cycleErr *CyclicDependencyError
	return errors.As(err, &cycleErr)
}

// PolicyDeniedError reports that the calling app is not permitted to use one
// or more of the requested services or models. Fatal, not retried.
type PolicyDeniedError struct {
	App    string
	Denied []string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("app %s is not permitted to use: %s", e.App, strings.Join(e.Denied, ", "))
}

// IsPolicyDenied checks if an error is or wraps a PolicyDeniedError.
func IsPolicyDenied(err error) bool {
	var deniedErr *PolicyDeniedError
	return errors.As(err, &deniedErr)
}

// ReadinessTimeoutError reports that a service did not become healthy within
// its readiness deadline. Retryable by the caller.
type ReadinessTimeoutError struct {
	ServiceID string
	Timeout   time.Duration
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("service %s did not become ready within %s", e.ServiceID, e.Timeout)
}

// IsReadinessTimeout checks if an error is or wraps a ReadinessTimeoutError.
func IsReadinessTimeout(err error) bool {
	var timeoutErr *ReadinessTimeoutError
	return errors.As(err, &timeoutErr)
}

// ProviderLoadError reports that the backing provider failed to load or
// unload a model. Retryable by the caller.
type ProviderLoadError struct {
	ModelID string
	Err     error
}

func (e *ProviderLoadError) Error() string {
	return fmt.Sprintf("provider failed for model %s: %v", e.ModelID, e.Err)
}

func (e *ProviderLoadError) Unwrap() error {
	return e.Err
}

// IsProviderLoad checks if an error is or wraps a ProviderLoadError.
func IsProviderLoad(err error) bool {
	var loadErr *ProviderLoadError
	return errors.As(err, &loadErr)
}

// StoreFetchError reports that a single store could not be consulted during
// a consistency inspection. It degrades that store's entry in the report;
// it never aborts the inspection.
type StoreFetchError struct {
	Store StoreKind
	Key   string
	Err   error
}

func (e *StoreFetchError) Error() string {
	return fmt.Sprintf("fetch from %s store failed for key %s: %v", e.Store, e.Key, e.Err)
}

func (e *StoreFetchError) Unwrap() error {
	return e.Err
}

// IsStoreFetch checks if an error is or wraps a StoreFetchError.
func IsStoreFetch(err error) bool {
	var fetchErr *StoreFetchError
	return errors.As(err, &fetchErr)
}
