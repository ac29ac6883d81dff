package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sharedcode/odm"
)

// DefaultCapacity is the number of documents kept by NewInMemoryCache.
const DefaultCapacity = 10000

func init() {
	odm.RegisterCache(odm.InMemoryCache, func(odm.Options) (odm.Cache, error) {
		return NewInMemoryCache(DefaultCapacity), nil
	})
}

type item struct {
	data       []byte
	expiration time.Time
}

// InMemoryCache is a process local odm.Cache with per entry expiration.
type InMemoryCache struct {
	mu  sync.Mutex
	mru *MRU[string, item]
	// Now can be replaced in tests.
	Now func() time.Time
}

var _ odm.Cache = (*InMemoryCache)(nil)

// NewInMemoryCache returns a cache holding at most capacity documents.
func NewInMemoryCache(capacity int) *InMemoryCache {
	return &InMemoryCache{
		mru: NewMRU[string, item](capacity),
		Now: time.Now,
	}
}

// Set stores a copy of value. Nothing is cached when expiration < 0; zero never expires.
func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if expiration < 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if expiration > 0 {
		exp = c.Now().Add(expiration)
	}
	c.mru.Set(KeyValuePair[string, item]{
		Key:   key,
		Value: item{data: append([]byte(nil), value...), expiration: exp},
	})
	return nil
}

// Get returns a copy of the value of key unless it expired.
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.mru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !it.expiration.IsZero() && c.Now().After(it.expiration) {
		c.mru.Delete(key)
		return nil, false, nil
	}
	return append([]byte(nil), it.data...), true, nil
}

// Delete removes keys.
func (c *InMemoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mru.Delete(keys...)
	return nil
}

// Count returns the number of cached entries, expired ones included.
func (c *InMemoryCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mru.Count()
}

// Clear empties the cache.
func (c *InMemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mru.Clear()
}
