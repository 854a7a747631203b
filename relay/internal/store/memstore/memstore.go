package memstore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// MemStore keeps bindings in process memory. It loses everything on restart
// and is meant for local development and tests.
type MemStore struct {
	cache *expirable.LRU[string, entry]
	now   func() time.Time
}

// New returns an unbounded store; expiry is the only way a key leaves it.
// maxTTL bounds how long the cache keeps an entry and should be at least the
// longest ttl written. Each entry also honours the ttl it was written with.
func New(maxTTL time.Duration) *MemStore {
	return &MemStore{
		// size 0 disables LRU eviction
		cache: expirable.NewLRU[string, entry](0, nil, maxTTL),
		now:   time.Now,
	}
}

func (s *MemStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.cache.Add(key, entry{value: value, expiresAt: s.now().Add(ttl)})
	return nil
}

func (s *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	e, ok := s.cache.Get(key)
	if !ok {
		return "", false, nil
	}
	if !s.now().Before(e.expiresAt) {
		s.cache.Remove(key)
		return "", false, nil
	}
	return e.value, true, nil
}

// SetClock replaces the time source. Used in tests only.
func (s *MemStore) SetClock(now func() time.Time) {
	s.now = now
}
