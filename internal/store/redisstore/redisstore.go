// Package redisstore fetches record payloads from the Redis cache tier for
// consistency inspection. Records are stored as JSON strings under a
// prefixed key.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"helmsman/internal/api"

	"github.com/redis/go-redis/v9"
)

// Store implements api.StoreFetcher against a Redis instance.
type Store struct {
	client *redis.Client
	prefix string
}

// New creates a Store over an address like "localhost:6379". The prefix is
// prepended to every logical key; pass "" for none.
func New(addr, password string, db int, prefix string) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix: prefix,
	}
}

// NewWithClient wraps an existing client, mostly for tests.
func NewWithClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Kind identifies this store in consistency reports.
func (s *Store) Kind() api.StoreKind { return api.StoreCache }

// Fetch retrieves and decodes the cached record. A missing key is a clean
// miss; a value that is not valid JSON is an error, since the cache tier
// only ever holds encoded records.
func (s *Store) Fetch(ctx context.Context, key string) (api.FetchResult, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return api.FetchResult{}, nil
	}
	if err != nil {
		return api.FetchResult{}, fmt.Errorf("redis get %s: %w", key, err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return api.FetchResult{}, fmt.Errorf("decoding cached record %s: %w", key, err)
	}
	return api.FetchResult{Found: true, Payload: payload}, nil
}

// Ping verifies connectivity, used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
