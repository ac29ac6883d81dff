// Package redis contains a Redis backed odm.StorageDriver and the Redis document cache.
//
// Documents are stored as encoded values under "<prefix>doc:<collection>:<id>". A sorted set
// per collection keeps the identifiers in insertion order so inverse relations can be scanned.
// Updates are optimistic WATCH/MULTI round trips retried when another client touched the key.
package redis

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/odm"
	"github.com/sharedcode/odm/encoding"
)

func init() {
	odm.RegisterDriverFactory(odm.RedisStorage, func(ctx context.Context, opts odm.Options) (odm.StorageDriver, error) {
		o, err := OptionsFrom(opts.Redis)
		if err != nil {
			return nil, err
		}
		conn, err := OpenConnection(o)
		if err != nil {
			return nil, err
		}
		prefix := ""
		if opts.Redis != nil {
			prefix = opts.Redis.KeyPrefix
		}
		return NewDriver(conn, prefix, encoding.DocumentMarshaler), nil
	})
}

// Driver is the Redis storage driver.
type Driver struct {
	conn      *Connection
	prefix    string
	marshaler encoding.Marshaler
}

var _ odm.StorageDriver = (*Driver)(nil)
var _ odm.ReferenceFinder = (*Driver)(nil)

// NewDriver returns a driver storing documents through conn. Keys are prefixed with keyPrefix.
func NewDriver(conn *Connection, keyPrefix string, m encoding.Marshaler) *Driver {
	if m == nil {
		m = encoding.DocumentMarshaler
	}
	return &Driver{
		conn:      conn,
		prefix:    keyPrefix,
		marshaler: m,
	}
}

func (d *Driver) client() (*redis.Client, error) {
	if d.conn == nil || d.conn.Client == nil {
		return nil, fmt.Errorf("redis connection is not open")
	}
	return d.conn.Client, nil
}

func (d *Driver) documentKey(collection string, id any) string {
	return fmt.Sprintf("%sdoc:%s:%s", d.prefix, collection, odm.IDString(id))
}

func (d *Driver) indexKey(collection string) string {
	return fmt.Sprintf("%sidx:%s", d.prefix, collection)
}

func (d *Driver) sequenceKey(collection string) string {
	return fmt.Sprintf("%sseq:%s", d.prefix, collection)
}

// InsertMany stores docs in one MULTI block. The batch fails as a whole with
// odm.ErrDuplicateKey when any identifier is already stored.
func (d *Driver) InsertMany(ctx context.Context, meta *odm.ClassMetadata, docs []odm.Document) ([]any, error) {
	c, err := d.client()
	if err != nil {
		return nil, err
	}
	ids := make([]any, len(docs))
	keys := make([]string, len(docs))
	values := make([][]byte, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for i, doc := range docs {
		doc, id := odm.WithID(doc)
		keys[i] = d.documentKey(meta.Collection, id)
		if _, ok := seen[keys[i]]; ok {
			return nil, fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrDuplicateKey)
		}
		seen[keys[i]] = struct{}{}
		ids[i] = id
		if values[i], err = d.marshaler.Marshal(doc); err != nil {
			return nil, err
		}
	}

	insert := func(ctx context.Context) error {
		err := c.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, keys...).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%s: %d of %d documents exist: %w", meta.Collection, n, len(keys), odm.ErrDuplicateKey)
			}
			last, err := tx.IncrBy(ctx, d.sequenceKey(meta.Collection), int64(len(keys))).Result()
			if err != nil {
				return err
			}
			first := last - int64(len(keys)) + 1
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for i := range keys {
					pipe.Set(ctx, keys[i], values[i], 0)
					pipe.ZAdd(ctx, d.indexKey(meta.Collection), redis.Z{Score: float64(first + int64(i)), Member: odm.IDString(ids[i])})
				}
				return nil
			})
			return err
		}, keys...)
		return retryableTx(err)
	}
	if err := odm.Retry(ctx, insert, nil); err != nil {
		return nil, err
	}
	log.Debug("redis insert", "collection", meta.Collection, "count", len(ids))
	return ids, nil
}

// UpdateOne applies update in a WATCH/MULTI round trip. The version check runs against the
// document read under WATCH so a concurrent writer either fails the check or the transaction.
func (d *Driver) UpdateOne(ctx context.Context, meta *odm.ClassMetadata, id any, update odm.Update, check *odm.VersionCheck) error {
	c, err := d.client()
	if err != nil {
		return err
	}
	key := d.documentKey(meta.Collection, id)
	task := func(ctx context.Context) error {
		err := c.Watch(ctx, func(tx *redis.Tx) error {
			ba, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrNotFound)
			}
			if err != nil {
				return err
			}
			_, out, err := encoding.ApplyUpdate(d.marshaler, ba, update, check)
			if err != nil {
				return fmt.Errorf("%s %v: %w", meta.Collection, id, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			return err
		}, key)
		return retryableTx(err)
	}
	return odm.Retry(ctx, task, nil)
}

// DeleteMany removes the documents with ids and their index entries.
func (d *Driver) DeleteMany(ctx context.Context, meta *odm.ClassMetadata, ids []any) error {
	if len(ids) == 0 {
		return nil
	}
	c, err := d.client()
	if err != nil {
		return err
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = d.documentKey(meta.Collection, id)
		members[i] = odm.IDString(id)
	}
	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, d.indexKey(meta.Collection), members...)
		return nil
	})
	return err
}

// Find returns the decoded document with id.
func (d *Driver) Find(ctx context.Context, meta *odm.ClassMetadata, id any) (odm.Document, error) {
	c, err := d.client()
	if err != nil {
		return nil, err
	}
	ba, err := c.Get(ctx, d.documentKey(meta.Collection, id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return encoding.DecodeDocument(d.marshaler, ba)
}

// FindReferencing scans the collection in insertion order for documents whose key references id.
func (d *Driver) FindReferencing(ctx context.Context, meta *odm.ClassMetadata, key string, id any) ([]odm.Document, error) {
	c, err := d.client()
	if err != nil {
		return nil, err
	}
	members, err := c.ZRange(ctx, d.indexKey(meta.Collection), 0, -1).Result()
	if err != nil || len(members) == 0 {
		return nil, err
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = d.documentKey(meta.Collection, m)
	}
	values, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	return d.filterReferencing(values, key, id)
}

func (d *Driver) filterReferencing(values []any, key string, id any) ([]odm.Document, error) {
	var docs []odm.Document
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		doc, err := encoding.DecodeDocument(d.marshaler, []byte(s))
		if err != nil {
			return nil, err
		}
		if odm.References(doc[key], id) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// retryableTx marks lost WATCH races retryable.
func retryableTx(err error) error {
	if errors.Is(err, redis.TxFailedErr) {
		return odm.Retryable(err)
	}
	return err
}
