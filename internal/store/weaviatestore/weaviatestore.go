// Package weaviatestore fetches record payloads from the Weaviate vector
// store for consistency inspection.
package weaviatestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"helmsman/internal/api"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// recordNamespace seeds the deterministic object ids. Writers derive the
// Weaviate object id from the logical record key the same way, so a fetch
// never needs a search.
var recordNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Store implements api.StoreFetcher against a Weaviate class.
type Store struct {
	client *weaviate.Client
	class  string
}

// New connects to Weaviate at host (e.g. "localhost:8080") and reads objects
// of the given class.
func New(host, scheme, class string) (*Store, error) {
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   host,
		Scheme: scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("creating weaviate client: %w", err)
	}
	return &Store{client: client, class: class}, nil
}

// Kind identifies this store in consistency reports.
func (s *Store) Kind() api.StoreKind { return api.StoreVector }

// ObjectID derives the deterministic Weaviate object id for a logical key.
func ObjectID(key string) string {
	return uuid.NewSHA1(recordNamespace, []byte(key)).String()
}

// Fetch retrieves the record payload by its derived object id. A missing
// object is a clean miss, not an error.
func (s *Store) Fetch(ctx context.Context, key string) (api.FetchResult, error) {
	objects, err := s.client.Data().ObjectsGetter().
		WithClassName(s.class).
		WithID(ObjectID(key)).
		Do(ctx)
	if err != nil {
		// The client reports a missing object as a 404 status error rather
		// than an empty result.
		if strings.Contains(err.Error(), "404") {
			return api.FetchResult{}, nil
		}
		return api.FetchResult{}, fmt.Errorf("weaviate get %s: %w", key, err)
	}
	if len(objects) == 0 {
		return api.FetchResult{}, nil
	}

	return resultFromObject(key, objects[0])
}

func resultFromObject(key string, obj *models.Object) (api.FetchResult, error) {
	payload, ok := obj.Properties.(map[string]interface{})
	if !ok {
		return api.FetchResult{}, fmt.Errorf("weaviate object %s has unexpected properties shape", key)
	}

	res := api.FetchResult{Found: true, Payload: payload}
	if obj.LastUpdateTimeUnix > 0 {
		res.UpdatedAt = time.UnixMilli(obj.LastUpdateTimeUnix)
	}
	return res, nil
}
