package redis

import (
	"crypto/tls"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/odm"
)

// Options are the Redis connection options.
type Options struct {
	// Redis server(cluster) address.
	Address string
	// Password required when connecting to the Redis server.
	Password string
	// DB to connect to.
	DB int
	// TLS config.
	TLSConfig *tls.Config
}

// Connection contains the Redis client and the Options used to connect.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// DefaultOptions.
func DefaultOptions() Options {
	return Options{
		Address: "localhost:6379",
	}
}

// OptionsFrom converts the mapper's Redis configuration. A URL takes precedence over the
// individual fields.
func OptionsFrom(config *odm.RedisConfig) (Options, error) {
	if config == nil {
		return DefaultOptions(), nil
	}
	if config.URL != "" {
		ro, err := redis.ParseURL(config.URL)
		if err != nil {
			return Options{}, odm.Configurationf("invalid redis url: %w", err)
		}
		return Options{Address: ro.Addr, Password: ro.Password, DB: ro.DB, TLSConfig: ro.TLSConfig}, nil
	}
	o := Options{Address: config.Address, Password: config.Password, DB: config.DB}
	if o.Address == "" {
		o.Address = DefaultOptions().Address
	}
	return o, nil
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated returns true if the shared connection is open.
func IsConnectionInstantiated() bool {
	mux.Lock()
	defer mux.Unlock()
	return connection != nil
}

// OpenConnection creates the shared connection on first call and returns it for every call.
func OpenConnection(options Options) (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()
	if connection != nil {
		return connection, nil
	}
	connection = openConnection(options)
	return connection, nil
}

// CloseConnection closes the shared connection if open.
func CloseConnection() error {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := closeConnection(connection)
	connection = nil
	return err
}

func openConnection(options Options) *Connection {
	client := redis.NewClient(&redis.Options{
		TLSConfig: options.TLSConfig,
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB})

	return &Connection{
		Client:  client,
		Options: options,
	}
}

func closeConnection(c *Connection) error {
	if c == nil || c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}
