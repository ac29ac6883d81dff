package cassandra

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"github.com/sharedcode/odm"
)

// Config contains configuration for connecting to a Cassandra cluster and the document keyspace.
type Config struct {
	// ClusterHosts lists contact points for the Cassandra cluster.
	ClusterHosts []string
	// Keyspace holds one table per collection.
	Keyspace string
	// Consistency is the default consistency level for queries.
	Consistency gocql.Consistency
	// ConnectionTimeout is the session connection timeout.
	ConnectionTimeout time.Duration
	// Authenticator is used when the cluster requires authentication.
	Authenticator gocql.Authenticator
	// ReplicationClause defines the keyspace replication (e.g., SimpleStrategy).
	ReplicationClause string

	// ConsistencyBook allows overriding per-API consistency levels.
	ConsistencyBook ConsistencyBook
}

// ConsistencyBook enumerates per-API consistency levels used by this package.
// Lightweight transactions always use SERIAL for their Paxos phase.
type ConsistencyBook struct {
	Insert gocql.Consistency
	Update gocql.Consistency
	Get    gocql.Consistency
	Remove gocql.Consistency
}

// ConfigFrom converts the mapper's Cassandra configuration.
func ConfigFrom(config *odm.CassandraConfig) (Config, error) {
	if config == nil || len(config.ClusterHosts) == 0 {
		return Config{}, odm.Configurationf("cassandra cluster hosts are required")
	}
	c := Config{
		ClusterHosts:      config.ClusterHosts,
		Keyspace:          config.Keyspace,
		ReplicationClause: config.ReplicationClause,
		ConnectionTimeout: time.Duration(config.ConnectionTimeout) * time.Second,
	}
	if config.Consistency != "" {
		cl, err := gocql.ParseConsistencyWrapper(strings.ToUpper(config.Consistency))
		if err != nil {
			return Config{}, odm.Configurationf("invalid cassandra consistency %q: %w", config.Consistency, err)
		}
		c.Consistency = cl
	}
	if config.Username != "" {
		c.Authenticator = gocql.PasswordAuthenticator{Username: config.Username, Password: config.Password}
	}
	return c, nil
}

// Connection wraps a Cassandra session and its configuration.
type Connection struct {
	Session *gocql.Session
	Config
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated reports whether a global Connection has been created.
func IsConnectionInstantiated() bool {
	mux.Lock()
	defer mux.Unlock()
	return connection != nil
}

// OpenConnection returns the existing global Connection or opens a new one using the provided config.
// The keyspace is created when missing.
func OpenConnection(config Config) (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}
	config = withDefaults(config)
	cluster := gocql.NewCluster(config.ClusterHosts...)
	cluster.Consistency = config.Consistency
	if config.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = config.ConnectionTimeout
	}
	if config.Authenticator != nil {
		cluster.Authenticator = config.Authenticator
		config.Authenticator = nil
	}
	s, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}
	if err := s.Query(fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", config.Keyspace, config.ReplicationClause)).Exec(); err != nil {
		s.Close()
		return nil, err
	}
	connection = &Connection{
		Session: s,
		Config:  config,
	}
	return connection, nil
}

func withDefaults(config Config) Config {
	if config.Keyspace == "" {
		config.Keyspace = "odm"
	}
	if config.Consistency == gocql.Any {
		// Defaults to LocalQuorum consistency. You should set it to an appropriate level.
		config.Consistency = gocql.LocalQuorum
	}
	if config.ReplicationClause == "" {
		config.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}
	return config
}

// CloseConnection closes and clears the global connection, if it exists.
func CloseConnection() {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return
	}
	connection.Session.Close()
	connection = nil
}
