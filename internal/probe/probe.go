// Package probe polls service health endpoints until they answer healthy or
// a deadline passes. It is the readiness gate between "process started" and
// "service usable" during a wake.
package probe

import (
	"context"
	"net/http"
	"time"

	"helmsman/internal/api"
	"helmsman/pkg/logging"
)

const (
	// DefaultInterval is the pause between consecutive health polls.
	DefaultInterval = 500 * time.Millisecond

	// DefaultTimeout bounds how long a single wake waits for one service.
	DefaultTimeout = 30 * time.Second
)

// Prober polls HTTP health endpoints. The zero value is not usable; use New.
type Prober struct {
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
}

// Option configures a Prober.
type Option func(*Prober)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithTimeout overrides the readiness deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithClient overrides the HTTP client, mostly for tests.
func WithClient(c *http.Client) Option {
	return func(p *Prober) {
		if c != nil {
			p.client = c
		}
	}
}

// New creates a Prober with the default interval and timeout.
func New(opts ...Option) *Prober {
	p := &Prober{
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WaitReady polls healthURL until it answers with a 2xx status, the deadline
// passes, or ctx is cancelled. A service with no health endpoint is
// considered ready as soon as its process is up, so an empty healthURL
// returns nil immediately. Transport errors and non-2xx answers are expected
// while the service boots and are only logged at debug level.
func (p *Prober) WaitReady(ctx context.Context, serviceID, healthURL string) error {
	if healthURL == "" {
		return nil
	}

	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// First poll happens immediately; a service that is already up should
	// not cost one interval.
	for {
		if p.healthy(ctx, healthURL) {
			logging.Debug("Probe", "Service %s is ready", serviceID)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &api.ReadinessTimeoutError{ServiceID: serviceID, Timeout: p.timeout}
		case <-ticker.C:
		}
	}
}

func (p *Prober) healthy(ctx context.Context, healthURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		logging.Debug("Probe", "Bad health URL %s: %v", healthURL, err)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		logging.Debug("Probe", "Health poll %s failed: %v", healthURL, err)
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
