// Package coord defines the shared key-value operations used for locks,
// caches, counters and delivery queues. Every method is atomic on its own.
package coord

import (
	"context"
	"time"
)

// Store is the coordination store contract
type Store interface {
	// SetNX sets key only when absent. ttl <= 0 means no expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	// CompareAndDelete removes key only when it still holds value
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// IncrBy adds delta and, when the key was created by this call, applies
	// ttl. Repeated increments therefore count within one rolling window.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// TTL returns the remaining lifetime, 0 when the key is absent or has none
	TTL(ctx context.Context, key string) (time.Duration, error)

	ListPush(ctx context.Context, key string, values ...string) error
	ListPop(ctx context.Context, key string) (string, bool, error)
	ListHead(ctx context.Context, key string) (string, bool, error)
	ListLen(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZMoveDue moves up to limit members with score <= max from the sorted
	// set to the tail of the list in one step and returns how many moved
	ZMoveDue(ctx context.Context, key, listKey string, max float64, limit int64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZMinScore returns the lowest score in the set
	ZMinScore(ctx context.Context, key string) (float64, bool, error)
}
