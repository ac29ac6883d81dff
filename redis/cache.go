package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/odm"
)

func init() {
	odm.RegisterCache(odm.RedisCache, func(opts odm.Options) (odm.Cache, error) {
		o, err := OptionsFrom(opts.Redis)
		if err != nil {
			return nil, err
		}
		conn, err := OpenConnection(o)
		if err != nil {
			return nil, err
		}
		return NewCache(conn), nil
	})
}

// Cache is the Redis document cache.
type Cache struct {
	conn    *Connection
	isOwner bool
}

var _ odm.Cache = (*Cache)(nil)

// NewCache returns a document cache using conn.
func NewCache(conn *Connection) *Cache {
	return &Cache{
		conn: conn,
	}
}

// NewConnectionCache opens a new Redis connection then returns a cache wrapper for it.
// Close releases the connection; use it for a cache on another Redis than the document store.
func NewConnectionCache(options Options) *Cache {
	return &Cache{
		conn:    openConnection(options),
		isOwner: true,
	}
}

// Close this client's connection.
func (c *Cache) Close() error {
	if !c.isOwner || c.conn == nil {
		return nil
	}
	err := closeConnection(c.conn)
	c.conn = nil
	return err
}

func (c *Cache) ready() error {
	if c.conn == nil || c.conn.Client == nil {
		return fmt.Errorf("redis connection is not open")
	}
	return nil
}

// Ping tests connectivity for redis.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.conn.Client.Ping(ctx).Err()
}

// Set executes the redis Set command. Nothing is cached when expiration < 0.
func (c *Cache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if err := c.ready(); err != nil {
		return err
	}
	if expiration < 0 {
		return nil
	}
	return c.conn.Client.Set(ctx, key, value, expiration).Err()
}

// Get executes the redis Get command. A missing key returns false and a nil error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := c.ready(); err != nil {
		return nil, false, err
	}
	ba, err := c.conn.Client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ba, true, nil
}

// Delete executes the redis Del command.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.ready(); err != nil {
		return err
	}
	return c.conn.Client.Del(ctx, keys...).Err()
}
