// Package kvstore provides the small TTL key/value contract used for
// debounce suppression keys and per-rule evaluation locks. The in-memory
// store suits single-process deployments; the redis store is required when
// multiple processes share the rule catalogue.
package kvstore

import (
	"context"
	"time"
)

// Store is the pluggable KV contract.
type Store interface {
	// SetIfAbsent stores value under key with ttl only when the key does
	// not already exist. Returns true when the key was set.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// SetWithTTL stores value under key, replacing any existing value.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Delete removes the key if present.
	Delete(ctx context.Context, key string) error
}
