package coord

import (
	"context"
	"sync"
)

// Claims is an in-progress set. The first caller to Acquire a key owns it
// and computes the shared result; later callers block until the owner
// Releases the key, then re-check and take it over (typically finding the
// result already on disk). A claim is only released by its owner: if the
// owner never returns, waiters block until their context is done.
type Claims struct {
	mu      sync.Mutex
	pending map[string]chan struct{}
}

// NewClaims returns an empty claim set.
func NewClaims() *Claims {
	return &Claims{pending: make(map[string]chan struct{})}
}

// Acquire claims key, waiting while another caller holds it.
func (c *Claims) Acquire(ctx context.Context, key string) error {
	for {
		c.mu.Lock()
		done, busy := c.pending[key]
		if !busy {
			c.pending[key] = make(chan struct{})
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release removes key and wakes every waiter. Releasing an unclaimed key is
// a no-op.
func (c *Claims) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if done, ok := c.pending[key]; ok {
		delete(c.pending, key)
		close(done)
	}
}

// InProgress reports whether key is currently claimed.
func (c *Claims) InProgress(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}

// Do runs fn while holding the claim on key. The claim is released when fn
// returns or panics.
func (c *Claims) Do(ctx context.Context, key string, fn func() error) error {
	if err := c.Acquire(ctx, key); err != nil {
		return err
	}
	defer c.Release(key)
	return fn()
}
