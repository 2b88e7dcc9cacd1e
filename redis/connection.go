// Package redis implements the block store, descriptor store and remap notifier on Redis,
// via github.com/redis/go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
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
	// KeyPrefix is prepended to every key and channel the package uses.
	KeyPrefix string
}

// Connection contains Redis client connection object and the Options used to connect.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// DefaultOptions.
func DefaultOptions() Options {
	return Options{
		Address:   "localhost:6379",
		Password:  "", // no password set
		DB:        0,  // use default DB
		KeyPrefix: "segstore:",
	}
}

var connection *Connection
var mux sync.Mutex

// Returns true if connection instance is valid.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// Creates a singleton connection and returns it for every call.
func OpenConnection(options Options) (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()
	if connection != nil {
		return connection, nil
	}
	connection = NewConnection(options)
	return connection, nil
}

// Close the singleton connection if open.
func CloseConnection() error {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := connection.Close()
	connection = nil
	return err
}

// NewConnection opens a connection owned by the caller, separate from the singleton.
func NewConnection(options Options) *Connection {
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

// Ping tests connectivity for redis (PONG should be returned).
func (c *Connection) Ping(ctx context.Context) error {
	if c == nil || c.Client == nil {
		return fmt.Errorf("Redis connection is not open")
	}
	return c.Client.Ping(ctx).Err()
}

// Close the connection if open.
func (c *Connection) Close() error {
	if c == nil || c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}

func (c *Connection) key(parts ...string) string {
	k := c.Options.KeyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}
