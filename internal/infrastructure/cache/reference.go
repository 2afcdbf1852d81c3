package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Options configures one reference cache. IdleTimeout evicts entries by
// last access, TTL by creation time; either may be zero to disable that
// sweep. The two policies are independent and may run together.
type Options struct {
	IdleTimeout   time.Duration
	TTL           time.Duration
	SweepInterval time.Duration
}

type entry[V any] struct {
	value      V
	createdAt  time.Time
	lastAccess atomic.Int64
}

func (e *entry[V]) touch(now time.Time) {
	e.lastAccess.Store(now.UnixNano())
}

// Reference is a process-wide keyed cache with atomic get-or-create
// semantics: concurrent callers for the same key await a single
// in-flight computation.
type Reference[V any] struct {
	opts Options

	mu      sync.RWMutex
	entries map[string]*entry[V]
	group   singleflight.Group

	stop     chan struct{}
	stopOnce sync.Once
}

func NewReference[V any](opts Options) *Reference[V] {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	c := &Reference[V]{
		opts:    opts,
		entries: make(map[string]*entry[V]),
		stop:    make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		go c.sweepLoop(c.sweepIdle)
	}
	if opts.TTL > 0 {
		go c.sweepLoop(c.sweepExpired)
	}
	return c
}

func (c *Reference[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Reference[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	e.touch(time.Now())
	return e.value, true
}

func (c *Reference[V]) Put(key string, value V) {
	now := time.Now()
	e := &entry[V]{value: value, createdAt: now}
	e.touch(now)
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *Reference[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Reference[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetOrCreate returns the cached value for key or computes it once.
// The computation runs under the first caller's context; concurrent
// callers for the same key share its outcome. Errors are not cached.
func (c *Reference[V]) GetOrCreate(ctx context.Context, key string, create func(context.Context) (V, error)) (V, error) {
	value, _, err := c.GetOrCreateIf(ctx, key, func(ctx context.Context) (V, bool, error) {
		v, err := create(ctx)
		return v, err == nil, err
	})
	return value, err
}

type flightResult[V any] struct {
	value  V
	stored bool
}

// GetOrCreateIf is GetOrCreate for values that are only conditionally
// cacheable: create additionally reports whether its result should be
// stored. Concurrent callers for the same key still share one in-flight
// computation and observe the same stored flag; a value already in the
// cache reports stored.
func (c *Reference[V]) GetOrCreateIf(ctx context.Context, key string, create func(context.Context) (V, bool, error)) (V, bool, error) {
	if value, ok := c.Get(key); ok {
		return value, true, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		if value, ok := c.Get(key); ok {
			return flightResult[V]{value: value, stored: true}, nil
		}
		value, store, err := create(ctx)
		if err != nil {
			return nil, err
		}
		if store {
			c.Put(key, value)
		}
		return flightResult[V]{value: value, stored: store}, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	flight := result.(flightResult[V])
	return flight.value, flight.stored, nil
}

func (c *Reference[V]) sweepLoop(sweep func(now time.Time)) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			sweep(now)
		}
	}
}

func (c *Reference[V]) sweepIdle(now time.Time) {
	cutoff := now.Add(-c.opts.IdleTimeout).UnixNano()
	c.mu.Lock()
	for key, e := range c.entries {
		if e.lastAccess.Load() < cutoff {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func (c *Reference[V]) sweepExpired(now time.Time) {
	cutoff := now.Add(-c.opts.TTL)
	c.mu.Lock()
	for key, e := range c.entries {
		if e.createdAt.Before(cutoff) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
