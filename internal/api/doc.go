// Package api defines the shared vocabulary of the lifecycle core: service
// and model states, the public views of registry entries, the collaborator
// contracts (process supervision, model provider, store fetch), and the
// error taxonomy used across components.
//
// Components depend on this package instead of on each other, which keeps
// the orchestrator, the idle monitor and the consistency inspector
// independently testable behind small interfaces.
package api
