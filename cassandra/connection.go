// Package cassandra implements the durable sync storage backend on a
// Cassandra cluster. Item rows partition on (userid, collection) so one
// user's collection is a single partition; collection versions live in
// their own table and advance through lightweight-transaction CAS.
package cassandra

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
)

// Config contains configuration for connecting to a Cassandra cluster
// and the sync keyspace.
type Config struct {
	// ClusterHosts lists contact points for the Cassandra cluster.
	ClusterHosts []string
	// Keyspace is the keyspace used for sync tables.
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
	ItemGet         gocql.Consistency
	ItemWrite       gocql.Consistency
	CollectionGet   gocql.Consistency
	CollectionWrite gocql.Consistency
	BatchWrite      gocql.Consistency
	Purge           gocql.Consistency
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

// OpenConnection returns the existing global Connection or opens a new
// one using the provided config, creating the keyspace and tables when
// missing.
func OpenConnection(config Config) (*Connection, error) {
	if connection != nil {
		return connection, nil
	}
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}
	if config.Keyspace == "" {
		// default keyspace
		config.Keyspace = "sync"
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
		// Clear the authenticator just to be safer, we don't need to keep it hanging around.
		config.Authenticator = nil
	}
	c := Connection{
		Config: config,
	}
	s, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	if err := s.Query(fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", config.Keyspace, config.ReplicationClause)).Exec(); err != nil {
		return nil, err
	}
	// Item rows. ttl is the absolute expiry in unix seconds, 0 = never;
	// expired rows stay until the reaper removes them.
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.bso (userid bigint, collection text, id text, modified bigint, sortindex int, has_sortindex boolean, payload text, ttl bigint, PRIMARY KEY ((userid, collection), id));", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}
	// Per-collection version rows. The row with collection '' is the
	// user's storage-level high-water mark.
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.user_collections (userid bigint, collection text, last_modified bigint, emptied boolean, PRIMARY KEY (userid, collection));", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.batches (userid bigint, batch_id bigint, collection text, created bigint, PRIMARY KEY (userid, batch_id));", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.batch_items (userid bigint, batch_id bigint, ord timeuuid, body text, PRIMARY KEY ((userid, batch_id), ord));", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}

	c.Session = s
	connection = &c
	return connection, nil
}

// CloseConnection closes and clears the global connection, if it exists.
func CloseConnection() {
	if connection != nil {
		mux.Lock()
		defer mux.Unlock()
		if connection == nil {
			return
		}
		connection.Session.Close()
		connection = nil
	}
}
