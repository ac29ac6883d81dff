package odm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DriverFactory opens a storage driver from options.
type DriverFactory func(ctx context.Context, opts Options) (StorageDriver, error)

var driverRegistry = make(map[StorageType]DriverFactory)
var driverLock sync.RWMutex

// RegisterDriverFactory registers the factory of a storage type. Driver packages call it from init.
func RegisterDriverFactory(t StorageType, f DriverFactory) {
	driverLock.Lock()
	defer driverLock.Unlock()
	driverRegistry[t] = f
}

// OpenDriver opens the driver selected by opts.StorageType. The driver package must be imported.
func OpenDriver(ctx context.Context, opts Options) (StorageDriver, error) {
	driverLock.RLock()
	f, ok := driverRegistry[opts.StorageType]
	driverLock.RUnlock()
	if !ok {
		return nil, Configurationf("no driver registered for storage type %s", opts.StorageType)
	}
	d, err := f(ctx, opts.Normalize())
	if err != nil {
		return nil, fmt.Errorf("can't open %s driver: %w", opts.StorageType, err)
	}
	return d, nil
}

// CacheType defines the type of document cache to use.
type CacheType int

const (
	// NoCache disables document caching.
	NoCache CacheType = iota
	// InMemoryCache caches documents in process.
	InMemoryCache
	// RedisCache caches documents in Redis.
	RedisCache
)

// Cache is the byte level cache used to keep documents close to the mapper.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CacheFactory defines the function signature for creating a cache client.
type CacheFactory func(opts Options) (Cache, error)

var cacheRegistry = make(map[CacheType]CacheFactory)

// RegisterCache registers a cache factory for a given type.
func RegisterCache(t CacheType, f CacheFactory) {
	driverLock.Lock()
	defer driverLock.Unlock()
	cacheRegistry[t] = f
}

// NewCache creates the cache selected by opts.CacheType. It returns nil for NoCache.
func NewCache(opts Options) (Cache, error) {
	if opts.CacheType == NoCache {
		return nil, nil
	}
	driverLock.RLock()
	f, ok := cacheRegistry[opts.CacheType]
	driverLock.RUnlock()
	if !ok {
		return nil, Configurationf("no cache registered for cache type %d", opts.CacheType)
	}
	return f(opts)
}
