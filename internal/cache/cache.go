// Package cache implements the bounded, TTL-expiring, single-flight
// fingerprint cache the mediation pipeline consults before dispatching a
// tool call to Loki.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Artifact is what the cache stores per fingerprint: a shaped response
// body, the mode actually used to produce it, its byte size, and the
// backend latency observed while computing it.
type Artifact struct {
	Body           any
	Mode           string
	Bytes          int
	CreatedAt      time.Time
	BackendLatency time.Duration
}

type entry struct {
	fingerprint string
	artifact    Artifact
	expiresAt   time.Time
}

// Cache is a bounded LRU with absolute TTL and single-flight coalescing of
// concurrent misses for the same fingerprint.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List // front = most recently used

	flight singleflight.Group

	invalidateOnBackendError bool
}

// Config configures a Cache.
type Config struct {
	Capacity                 int
	TTL                      time.Duration
	InvalidateOnBackendError bool
}

// New builds a Cache. A non-positive capacity or TTL disables caching
// (Get always misses, Compute always recomputes).
func New(cfg Config) *Cache {
	return &Cache{
		capacity:                 cfg.Capacity,
		ttl:                      cfg.TTL,
		items:                    make(map[string]*list.Element),
		order:                    list.New(),
		invalidateOnBackendError: cfg.InvalidateOnBackendError,
	}
}

// Enabled reports whether the cache is configured to store anything.
func (c *Cache) Enabled() bool {
	return c.capacity > 0 && c.ttl > 0
}

// Get returns the cached artifact for fingerprint if present and unexpired.
// A cache hit never refreshes the entry's TTL or moves its expiry, but it
// does mark the entry most-recently-used for LRU eviction purposes.
func (c *Cache) Get(fingerprint string) (Artifact, bool) {
	if !c.Enabled() {
		return Artifact{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fingerprint]
	if !ok {
		return Artifact{}, false
	}

	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.order.Remove(el)
		delete(c.items, fingerprint)
		return Artifact{}, false
	}

	c.order.MoveToFront(el)
	return e.artifact, true
}

// Put inserts or replaces the artifact for fingerprint, evicting the least
// recently used entry if the cache is at capacity.
func (c *Cache) Put(fingerprint string, artifact Artifact) {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[fingerprint]; ok {
		el.Value.(*entry).artifact = artifact
		el.Value.(*entry).expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	e := &entry{fingerprint: fingerprint, artifact: artifact, expiresAt: time.Now().Add(c.ttl)}
	el := c.order.PushFront(e)
	c.items[fingerprint] = el

	for c.order.Len() > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.order.Remove(back)
		delete(c.items, back.Value.(*entry).fingerprint)
	}
}

// InvalidateAll clears every cached entry. Called after a backend-error
// outcome when the cache is configured with invalidate_on_backend_error.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order = list.New()
}

// NotifyBackendError applies the configured backend-outage cache policy.
func (c *Cache) NotifyBackendError() {
	if c.invalidateOnBackendError {
		c.InvalidateAll()
	}
}

// Compute returns the cached artifact for fingerprint, or invokes fn to
// produce one. Concurrent Compute calls for the same fingerprint are
// coalesced onto a single fn invocation (single-flight): the leader runs
// fn and publishes its result or error to every waiting follower.
func (c *Cache) Compute(ctx context.Context, fingerprint string, fn func(ctx context.Context) (Artifact, error)) (Artifact, error) {
	if artifact, ok := c.Get(fingerprint); ok {
		return artifact, nil
	}

	// DoChan (rather than Do) lets a follower stop waiting on its own
	// context deadline without affecting the leader's in-flight call.
	ch := c.flight.DoChan(fingerprint, func() (any, error) {
		artifact, err := fn(ctx)
		if err != nil {
			return Artifact{}, err
		}
		c.Put(fingerprint, artifact)
		return artifact, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Artifact{}, res.Err
		}
		return res.Val.(Artifact), nil
	case <-ctx.Done():
		return Artifact{}, ctx.Err()
	}
}
