// Package redistest provides an in-memory stand-in for the Redis helpers so
// services can be tested without a server.
package redistest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Store implements redis.IdempotencyStore, redis.RateLimiter and the cron
// lock surface. Set Err to make every call fail.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time

	Err error
}

func New() *Store {
	return &Store{entries: map[string]entry{}, now: time.Now}
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	e, ok := s.live(key)
	if !ok {
		return "", redis.Nil
	}
	return e.value, nil
}

func (s *Store) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.put(key, value, ttl)
	return nil
}

func (s *Store) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *Store) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	e, ok := s.live(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *Store) FixedWindowAllow(_ context.Context, scope string, limit int64, window time.Duration) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, 0, s.Err
	}
	key := s.RateLimitKey(scope)
	var count int64
	if e, ok := s.live(key); ok {
		fmt.Sscanf(e.value, "%d", &count)
		count++
		s.entries[key] = entry{value: fmt.Sprint(count), expiresAt: e.expiresAt}
	} else {
		count = 1
		s.put(key, count, window)
	}
	return count <= limit, count, nil
}

func (s *Store) IdempotencyKey(scope, id string) string {
	return strings.Join([]string{"bz", "idempotency", scope, id}, ":")
}

func (s *Store) RateLimitKey(scope string) string {
	return "bz:rate_limit:" + scope
}

func (s *Store) LockKey(name string) string {
	return "bz:lock:" + name
}

func (s *Store) Ping(context.Context) error {
	return s.Err
}

// Keys returns the live keys, for assertions.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		if _, ok := s.live(key); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// Advance moves the store clock forward so TTLs can be exercised.
func (s *Store) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.now()
	s.now = func() time.Time { return base.Add(d) }
}

func (s *Store) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) put(key string, value any, ttl time.Duration) {
	e := entry{value: fmt.Sprint(value)}
	if b, ok := value.([]byte); ok {
		e.value = string(b)
	}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
}
