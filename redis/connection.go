// Package redis provides the cache backend used by the collection cache
// coordinator, the cache-lock manager and the health monitor. It wraps a
// shared go-redis client behind the syncstore.Cache contract, adding the
// add-if-absent and compare-and-swap primitives the coordinator's
// dirty-marker protocol needs.
package redis

import (
	"crypto/tls"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis configurable options.
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

// Connection contains the Redis client connection and the Options used
// to connect.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// DefaultOptions targets a local unauthenticated Redis.
func DefaultOptions() Options {
	return Options{
		Address:  "localhost:6379",
		Password: "", // no password set
		DB:       0,  // use default DB
	}
}

// OptionsFromURL parses a redis:// or rediss:// connection URL.
func OptionsFromURL(url string) (Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Address:   opts.Addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}, nil
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated returns true if the connection instance is valid.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// OpenConnection creates a singleton connection and returns it for every call.
func OpenConnection(options Options) (*Connection, error) {
	if connection != nil {
		return connection, nil
	}
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}

	connection = openConnection(options)
	return connection, nil
}

// CloseConnection closes the singleton connection if open.
func CloseConnection() error {
	if connection == nil {
		return nil
	}
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
