package cache

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sharedcode/odm"
	"github.com/sharedcode/odm/encoding"
)

// CachedDriver reads documents through a cache and invalidates cached documents on every
// write. Cache failures are logged and tolerated; the wrapped driver stays the source of truth.
type CachedDriver struct {
	driver odm.StorageDriver
	cache  odm.Cache
	ttl    time.Duration
}

var _ odm.StorageDriver = (*CachedDriver)(nil)
var _ odm.ReferenceFinder = (*CachedDriver)(nil)

// NewCachedDriver wraps driver with cache. Documents are kept for ttl, zero meaning no expiry.
func NewCachedDriver(driver odm.StorageDriver, cache odm.Cache, ttl time.Duration) *CachedDriver {
	return &CachedDriver{
		driver: driver,
		cache:  cache,
		ttl:    ttl,
	}
}

// OpenDriver opens the driver selected by opts and wraps it with the cache selected by
// opts.CacheType, if any.
func OpenDriver(ctx context.Context, opts odm.Options) (odm.StorageDriver, error) {
	opts = opts.Normalize()
	d, err := odm.OpenDriver(ctx, opts)
	if err != nil {
		return nil, err
	}
	c, err := odm.NewCache(opts)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return d, nil
	}
	return NewCachedDriver(d, c, opts.CacheTTL()), nil
}

// Unwrap returns the wrapped driver.
func (d *CachedDriver) Unwrap() odm.StorageDriver {
	return d.driver
}

func (d *CachedDriver) formatKey(collection string, id any) string {
	return fmt.Sprintf("odm:%s:%s", collection, odm.IDString(id))
}

func (d *CachedDriver) invalidate(ctx context.Context, collection string, ids ...any) {
	if len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i := range ids {
		keys[i] = d.formatKey(collection, ids[i])
	}
	if err := d.cache.Delete(ctx, keys...); err != nil {
		log.Warn(fmt.Sprintf("cache delete of %d %s keys failed, details: %v", len(keys), collection, err))
	}
}

// InsertMany forwards to the wrapped driver and drops stale entries of the inserted ids.
func (d *CachedDriver) InsertMany(ctx context.Context, meta *odm.ClassMetadata, docs []odm.Document) ([]any, error) {
	ids, err := d.driver.InsertMany(ctx, meta, docs)
	if err != nil {
		return nil, err
	}
	d.invalidate(ctx, meta.Collection, ids...)
	return ids, nil
}

// UpdateOne invalidates the document whether or not the update applied, so a conflict is
// followed by a fresh read.
func (d *CachedDriver) UpdateOne(ctx context.Context, meta *odm.ClassMetadata, id any, update odm.Update, check *odm.VersionCheck) error {
	err := d.driver.UpdateOne(ctx, meta, id, update, check)
	d.invalidate(ctx, meta.Collection, id)
	return err
}

func (d *CachedDriver) DeleteMany(ctx context.Context, meta *odm.ClassMetadata, ids []any) error {
	err := d.driver.DeleteMany(ctx, meta, ids)
	d.invalidate(ctx, meta.Collection, ids...)
	return err
}

// Find returns the cached document or reads and caches it.
func (d *CachedDriver) Find(ctx context.Context, meta *odm.ClassMetadata, id any) (odm.Document, error) {
	key := d.formatKey(meta.Collection, id)
	ba, ok, err := d.cache.Get(ctx, key)
	if err != nil {
		log.Warn(fmt.Sprintf("cache get for key %s failed, details: %v", key, err))
	}
	if ok && err == nil {
		doc, err := encoding.DecodeDocument(encoding.DefaultMarshaler, ba)
		if err == nil {
			return doc, nil
		}
		log.Warn(fmt.Sprintf("cached document %s is unreadable, details: %v", key, err))
	}

	doc, err := d.driver.Find(ctx, meta, id)
	if err != nil {
		return nil, err
	}
	if ba, err := encoding.DefaultMarshaler.Marshal(doc); err != nil {
		log.Warn(fmt.Sprintf("can't encode document %s for caching, details: %v", key, err))
	} else if err := d.cache.Set(ctx, key, ba, d.ttl); err != nil {
		log.Warn(fmt.Sprintf("cache set for key %s failed, details: %v", key, err))
	}
	return doc, nil
}

// FindReferencing forwards to the wrapped driver. Scans are not cached.
func (d *CachedDriver) FindReferencing(ctx context.Context, meta *odm.ClassMetadata, key string, id any) ([]odm.Document, error) {
	rf, ok := d.driver.(odm.ReferenceFinder)
	if !ok {
		return nil, odm.NewError(odm.ConfigurationError, errors.New("storage driver can't load inverse relations"), meta.Name)
	}
	return rf.FindReferencing(ctx, meta, key, id)
}
