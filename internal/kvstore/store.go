package kvstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key has no record
	ErrNotFound = errors.New("record not found")
	// ErrLockUnavailable is returned by WithLock when the lock was not acquired in time
	ErrLockUnavailable = errors.New("lock unavailable")
)

// Record is a stored value and the time it was last written
type Record struct {
	Value    []byte
	Modified time.Time
}

// Store defines the small key-value seam shared by the rate limiter, the
// document cache and the locking writer.
type Store interface {
	// Get returns the record for key or ErrNotFound
	Get(ctx context.Context, key string) (Record, error)

	// Put stores value under key, replacing any previous record
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes the record; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// WithLock runs fn while holding an exclusive lock named key. The lock is
	// independent of the record stored under the same key. Store calls made
	// inside fn must use the context fn receives.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error

	// Sweep deletes records under prefix not modified for olderThan and
	// returns how many were removed
	Sweep(ctx context.Context, prefix string, olderThan time.Duration) (int, error)

	// Close releases the backend
	Close() error
}

// lockDeadline bounds a lock wait by both the store timeout and the context
func lockDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// keyedMutex is an in-process lock per key with a bounded wait. A slot lives
// only while someone holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockSlot)}
}

func (k *keyedMutex) slot(key string) *lockSlot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.locks[key]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		k.locks[key] = s
	}
	s.refs++
	return s
}

func (k *keyedMutex) drop(key string, s *lockSlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *keyedMutex) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	s := k.slot(key)
	timer := time.NewTimer(time.Until(lockDeadline(ctx, timeout)))
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			k.drop(key, s)
		}, nil
	case <-timer.C:
		k.drop(key, s)
		return nil, ErrLockUnavailable
	case <-ctx.Done():
		k.drop(key, s)
		return nil, ctx.Err()
	}
}
