// Package kvstore implements the minimal backend storage contract the
// crawl engine depends on (spec §6): a key-value store for checkpoints and
// a request-queue backend with per-entry locking. A conforming in-memory /
// on-disk implementation lives here; remote implementations (Redis,
// DynamoDB, a hosted API) are equivalent as long as they honor the same
// semantics.
package kvstore

import "context"

// KVStore is the minimal key-value contract used for request-list
// checkpoints, session-pool snapshots, and crawl statistics.
type KVStore interface {
	// Get retrieves the blob stored under key. Returns ok=false if absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. A no-op if the key does not exist.
	Delete(ctx context.Context, key string) error

	// ListByPrefix returns all keys currently stored under the given
	// prefix, in no particular order.
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)
}

// Persisted key names/prefixes the core owns (spec §6).
const (
	KeyRequestListState = "SDK_REQUEST_LIST_STATE"
	KeySessionPoolState = "SDK_SESSION_POOL_STATE"
	StatisticsKeyPrefix = "SDK_CRAWLER_STATISTICS_"
)
