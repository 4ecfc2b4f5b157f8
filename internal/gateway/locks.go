package gateway

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// keyedMutex serializes work per key. Entries are dropped once nobody holds
// or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns its unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// idempotencyCache shares one in-flight call per key and replays successful
// results until they expire. Failures are not cached so the caller can retry.
type idempotencyCache struct {
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time

	mu      sync.Mutex
	results map[string]cachedResult
}

type cachedResult struct {
	value     any
	expiresAt time.Time
}

func newIdempotencyCache(ttl time.Duration) *idempotencyCache {
	return &idempotencyCache{
		ttl:     ttl,
		now:     time.Now,
		results: make(map[string]cachedResult),
	}
}

// Do returns the cached result for key or runs fn once for all concurrent callers
func (c *idempotencyCache) Do(key string, fn func() (any, error)) (any, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := fn()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.results[key] = cachedResult{value: v, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

func (c *idempotencyCache) lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(r.expiresAt) {
		delete(c.results, key)
		return nil, false
	}
	return r.value, true
}

// Sweep drops expired results and returns how many were removed
func (c *idempotencyCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, r := range c.results {
		if !now.Before(r.expiresAt) {
			delete(c.results, key)
			removed++
		}
	}
	return removed
}
