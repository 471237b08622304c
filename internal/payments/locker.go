package payments

import (
	"context"
	"errors"
	"sync"

	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
)

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// Locker serializes work on a single payment intent. Callers in this process
// queue on a per-intent mutex; callers in other processes queue on the
// intent's row lock. Distinct intents never contend.
type Locker struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[string]*keyedLock
}

func NewLocker(db *gorm.DB) *Locker {
	return &Locker{db: db, locks: map[string]*keyedLock{}}
}

// ExclusiveFunc runs with the intent row locked. Every query must go through
// tx.
type ExclusiveFunc func(tx *gorm.DB, intent *models.PaymentIntent) error

// Exclusive runs fn inside a transaction holding both lock layers for
// intentID. fn's error rolls the transaction back.
func (l *Locker) Exclusive(ctx context.Context, intentID string, fn ExclusiveFunc) error {
	if intentID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "intent id is required")
	}
	release, err := l.acquire(ctx, intentID)
	if err != nil {
		return err
	}
	defer release()

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		intent, err := NewRepository(tx).FindForUpdate(ctx, intentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "payment intent not found").
					WithDetails(map[string]any{"intent_id": intentID})
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock payment intent")
		}
		return fn(tx, intent)
	})
}

func (l *Locker) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &keyedLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, lock)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, ctx.Err(), "waiting for payment intent lock")
	}

	return func() {
		<-lock.sem
		l.unref(key, lock)
	}, nil
}

func (l *Locker) unref(key string, lock *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}

// held reports how many callers hold or wait on key. Tests use it to check
// entries are reclaimed.
func (l *Locker) held(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lock, ok := l.locks[key]; ok {
		return lock.refs
	}
	return 0
}
