package coord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Locks is a registry of named mutual-exclusion locks. A lock is identified
// by a name, typically the path of the file it guards. Besides the in-process
// mutex, a lock takes an advisory file lock on name+".lock" so that separate
// processes sharing a metadata file serialize too (disable with
// WithFileLocks(false)).
type Locks struct {
	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	fileLocks bool
	retry     time.Duration
}

// LocksOption configures Locks.
type LocksOption func(*Locks)

// WithFileLocks enables or disables the cross-process file lock.
func WithFileLocks(enabled bool) LocksOption {
	return func(l *Locks) { l.fileLocks = enabled }
}

// WithRetryDelay sets how often a blocked file lock is retried.
func WithRetryDelay(d time.Duration) LocksOption {
	return func(l *Locks) { l.retry = d }
}

// NewLocks returns an empty registry with file locks enabled.
func NewLocks(opts ...LocksOption) *Locks {
	l := &Locks{locks: make(map[string]*sync.Mutex), fileLocks: true, retry: 20 * time.Millisecond}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Locks) get(name string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	return m
}

// Lock acquires the lock called name and returns the function releasing it.
// Waiting for the file lock stops when ctx is done.
func (l *Locks) Lock(ctx context.Context, name string) (func(), error) {
	m := l.get(name)
	m.Lock()
	if !l.fileLocks {
		return m.Unlock, nil
	}
	fl := flock.New(name + ".lock")
	ok, err := fl.TryLockContext(ctx, l.retry)
	if err != nil || !ok {
		m.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	return func() {
		_ = fl.Unlock()
		m.Unlock()
	}, nil
}

// With runs fn while holding the lock called name.
func (l *Locks) With(ctx context.Context, name string, fn func() error) error {
	unlock, err := l.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}
