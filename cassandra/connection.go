// Package cassandra persists segment descriptors in a Cassandra table via gocql.
package cassandra

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
)

// Config contains configuration for connecting to a Cassandra cluster and the descriptor keyspace.
type Config struct {
	// ClusterHosts lists contact points for the Cassandra cluster.
	ClusterHosts []string
	// Keyspace is the keyspace holding the descriptor table.
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
type ConsistencyBook struct {
	DescriptorSave   gocql.Consistency
	DescriptorLoad   gocql.Consistency
	DescriptorRemove gocql.Consistency
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
	return connection != nil
}

// OpenConnection returns the existing global Connection or opens a new one using the provided config.
func OpenConnection(config Config) (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()
	if connection != nil {
		return connection, nil
	}
	c, err := NewConnection(config)
	if err != nil {
		return nil, err
	}
	connection = c
	return connection, nil
}

// NewConnection opens a session owned by the caller and creates the keyspace and the
// descriptor table when missing.
func NewConnection(config Config) (*Connection, error) {
	if config.Keyspace == "" {
		// default keyspace
		config.Keyspace = "segstore"
	}
	if config.Consistency == gocql.Any {
		// Defaults to LocalQuorum consistency. You should set it to an appropriate level.
		config.Consistency = gocql.LocalQuorum
	}
	cluster := gocql.NewCluster(config.ClusterHosts...)
	cluster.Consistency = config.Consistency
	if config.ReplicationClause == "" {
		// Specify an appropriate replication feature.
		config.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}
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
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (id UUID PRIMARY KEY, kind text, body blob, ts bigint);", config.Keyspace, descriptorTable)).Exec(); err != nil {
		s.Close()
		return nil, err
	}
	return &Connection{Session: s, Config: config}, nil
}

// Close ends the session.
func (c *Connection) Close() {
	if c != nil && c.Session != nil {
		c.Session.Close()
	}
}

// CloseConnection closes and clears the global connection, if it exists.
func CloseConnection() {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return
	}
	connection.Close()
	connection = nil
}
