package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any failure to reach the backing store. Callers
// surface it as a service failure and never retry on their own.
var ErrUnavailable = errors.New("session store unavailable")

// Store is the TTL key-value service that keeps session bindings alive
// across relay restarts. Keys are session ids, values are owner ids.
type Store interface {
	// SetWithTTL writes key=value, replacing any existing value, expiring after ttl.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value for key. ok is false when the key was never set or has expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
}
