// Package consistency inspects whether the three record stores of the
// gateway (vector, cache, relational) agree on a logical record, and reports
// where and how they drifted apart.
package consistency

import (
	"context"
	"sort"
	"sync"
	"time"

	"helmsman/internal/api"
	"helmsman/pkg/logging"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Status grades a report. The worst finding wins.
type Status string

const (
	// StatusOK means every store holds the record and the checksums match.
	StatusOK Status = "OK"

	// StatusWarning means the record is missing somewhere, a non-critical
	// field differs, or a store could not be consulted.
	StatusWarning Status = "WARNING"

	// StatusError means a critical field differs between stores that hold
	// the record.
	StatusError Status = "ERROR"
)

// criticalFields are the fields whose disagreement makes the record
// unusable rather than merely stale.
var criticalFields = map[string]bool{
	"id":           true,
	"content_hash": true,
}

// StoreResult is one store's contribution to a report.
type StoreResult struct {
	Store     api.StoreKind `json:"store"`
	Found     bool          `json:"found"`
	Checksum  string        `json:"checksum,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// FieldDiff describes one field whose value differs between stores that hold
// the record. Values maps each store that has the field to its value.
type FieldDiff struct {
	Field    string                        `json:"field"`
	Critical bool                          `json:"critical"`
	Values   map[api.StoreKind]interface{} `json:"values"`
}

// Report is the outcome of inspecting one logical record key.
type Report struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	Status    Status        `json:"status"`
	Stores    []StoreResult `json:"stores"`
	Diffs     []FieldDiff   `json:"diffs,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// Inspector fetches a record from every configured store and grades the
// agreement. Safe for concurrent use.
type Inspector struct {
	fetchers     []api.StoreFetcher
	fetchTimeout time.Duration
	now          func() time.Time
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithFetchTimeout bounds each store's fetch during an inspection.
func WithFetchTimeout(d time.Duration) Option {
	return func(i *Inspector) {
		if d > 0 {
			i.fetchTimeout = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Inspector) {
		if now != nil {
			i.now = now
		}
	}
}

// New creates an Inspector over the given store fetchers.
func New(fetchers []api.StoreFetcher, opts ...Option) *Inspector {
	i := &Inspector{
		fetchers:     fetchers,
		fetchTimeout: 10 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Inspect fetches the record from every store in parallel and grades the
// result. A store that cannot be consulted degrades the report to WARNING at
// worst; it never fails the inspection.
func (i *Inspector) Inspect(ctx context.Context, key string) Report {
	results := make([]StoreResult, len(i.fetchers))
	payloads := make([]map[string]interface{}, len(i.fetchers))

	var wg sync.WaitGroup
	for idx, fetcher := range i.fetchers {
		wg.Add(1)
		go func(idx int, fetcher api.StoreFetcher) {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, i.fetchTimeout)
			defer cancel()

			res := StoreResult{Store: fetcher.Kind()}
			fetched, err := fetcher.Fetch(fctx, key)
			if err != nil {
				ferr := &api.StoreFetchError{Store: fetcher.Kind(), Key: key, Err: err}
				logging.Warn("Consistency", "%v", ferr)
				res.Error = err.Error()
				results[idx] = res
				return
			}
			res.Found = fetched.Found
			res.UpdatedAt = fetched.UpdatedAt
			if fetched.Found {
				sum, err := Checksum(fetched.Payload)
				if err != nil {
					res.Error = err.Error()
					results[idx] = res
					return
				}
				res.Checksum = sum
				payloads[idx] = fetched.Payload
			}
			results[idx] = res
		}(idx, fetcher)
	}
	wg.Wait()

	report := Report{
		ID:        uuid.NewString(),
		Key:       key,
		Stores:    results,
		CheckedAt: i.now(),
	}
	report.Diffs = diffPayloads(results, payloads)
	report.Status = grade(results, report.Diffs)
	return report
}

// InspectBatch inspects many keys, a few at a time. Each key's report is
// independent; one key's findings never affect another's.
func (i *Inspector) InspectBatch(ctx context.Context, keys []string) []Report {
	reports := make([]Report, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for idx, key := range keys {
		idx, key := idx, key
		g.Go(func() error {
			reports[idx] = i.Inspect(gctx, key)
			return nil
		})
	}
	// Inspect never returns an error, so Wait cannot fail.
	_ = g.Wait()
	return reports
}

// diffPayloads compares field values across the stores that hold the record.
// A store that holds the record but lacks the field appears in the diff with
// an explicit nil value.
func diffPayloads(results []StoreResult, payloads []map[string]interface{}) []FieldDiff {
	fields := make(map[string]bool)
	for _, p := range payloads {
		for f := range p {
			fields[f] = true
		}
	}

	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	var diffs []FieldDiff
	for _, field := range names {
		values := make(map[api.StoreKind]interface{})
		differs := false
		var first interface{}
		seen := false
		for idx, p := range payloads {
			if p == nil {
				continue
			}
			v, ok := p[field]
			values[results[idx].Store] = v
			if !ok {
				differs = true
				continue
			}
			if !seen {
				first, seen = v, true
				continue
			}
			if !sameValue(first, v) {
				differs = true
			}
		}
		if differs {
			diffs = append(diffs, FieldDiff{
				Field:    field,
				Critical: criticalFields[field],
				Values:   values,
			})
		}
	}
	return diffs
}

// grade computes the report status. Critical drift is an error; anything
// short of full three-way agreement is a warning.
func grade(results []StoreResult, diffs []FieldDiff) Status {
	for _, d := range diffs {
		if d.Critical {
			return StatusError
		}
	}

	for _, r := range results {
		if r.Error != "" || !r.Found {
			return StatusWarning
		}
	}
	if len(diffs) > 0 {
		return StatusWarning
	}
	return StatusOK
}
