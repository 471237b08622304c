package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bazaar-backend/pkg/instance"
)

const defaultLockTTL = 10 * time.Minute

// Lock coordinates exclusive cron runs across worker instances.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// RedisLock implements Lock with SETNX and a TTL, so a crashed owner
// releases the lock when the key expires.
type RedisLock struct {
	client redisStore
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	owner string
}

// NewRedisLock constructs a Redis-backed lock.
func NewRedisLock(client redisStore, key string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{client: client, key: key, ttl: ttl}, nil
}

// Acquire tries to own the lock for the configured TTL.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	owner := instance.GetID() + ":" + uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if ok {
		l.mu.Lock()
		l.owner = owner
		l.mu.Unlock()
	}
	return ok, nil
}

// Release frees the lock only if this process still owns it. A lock that
// expired and was taken by another worker is left alone.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == "" {
		return nil
	}
	owner := l.owner
	l.owner = ""
	if _, err := l.client.CompareAndDelete(ctx, l.key, owner); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Gate spaces out runs of jobs registered with a cadence. Claim reports
// whether job is due and, if so, reserves the slot for every. Reset hands a
// claimed slot back after a failed run.
type Gate interface {
	Claim(ctx context.Context, job string, every time.Duration) (bool, error)
	Reset(ctx context.Context, job string) error
}

// RedisGate shares cadence across workers: the slot is a key that expires
// after every.
type RedisGate struct {
	client redisStore
	prefix string

	mu     sync.Mutex
	owners map[string]string
}

func NewRedisGate(client redisStore, prefix string) (*RedisGate, error) {
	if client == nil {
		return nil, errors.New("redis client required for gate")
	}
	return &RedisGate{client: client, prefix: prefix, owners: map[string]string{}}, nil
}

func (g *RedisGate) Claim(ctx context.Context, job string, every time.Duration) (bool, error) {
	owner := instance.GetID() + ":" + uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.prefix+job, owner, every)
	if err != nil || !ok {
		return false, err
	}
	g.mu.Lock()
	g.owners[job] = owner
	g.mu.Unlock()
	return true, nil
}

func (g *RedisGate) Reset(ctx context.Context, job string) error {
	g.mu.Lock()
	owner, ok := g.owners[job]
	delete(g.owners, job)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := g.client.CompareAndDelete(ctx, g.prefix+job, owner)
	return err
}

// memoryGate is the single-process fallback.
type memoryGate struct {
	mu   sync.Mutex
	next map[string]time.Time
	now  func() time.Time
}

func newMemoryGate() *memoryGate {
	return &memoryGate{next: map[string]time.Time{}, now: time.Now}
}

func (g *memoryGate) Claim(_ context.Context, job string, every time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if now.Before(g.next[job]) {
		return false, nil
	}
	g.next[job] = now.Add(every)
	return true, nil
}

func (g *memoryGate) Reset(_ context.Context, job string) error {
	g.mu.Lock()
	delete(g.next, job)
	g.mu.Unlock()
	return nil
}
