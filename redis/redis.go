package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mozservices/syncstore"
)

type client struct {
	conn    *Connection
	isOwner bool
}

var errNotOpen = fmt.Errorf("redis connection is not open")

// NewClient wraps the singleton connection. OpenConnection must have
// been called first.
func NewClient() syncstore.Cache {
	return &client{
		conn: connection,
	}
}

// NewConnectionClient opens a dedicated Redis connection and returns a
// closeable client wrapper for it, for deployments that split the data
// cache from the coordination cache.
func NewConnectionClient(options Options) syncstore.CloseableCache {
	c := openConnection(options)
	return &client{
		conn:    c,
		isOwner: true,
	}
}

// Close this client's connection.
func (c *client) Close() error {
	if !c.isOwner || c.conn == nil {
		return nil
	}
	err := closeConnection(c.conn)
	c.conn = nil
	return err
}

// keyNotFound will detect whether the error signifies key not found.
func (c *client) keyNotFound(err error) bool {
	return err == redis.Nil
}

// Ping tests connectivity (PONG should be returned).
func (c *client) Ping(ctx context.Context) error {
	if c.conn == nil {
		return errNotOpen
	}
	return c.conn.Client.Ping(ctx).Err()
}

// Clear flushes the cache DB. Test and admin use only.
func (c *client) Clear(ctx context.Context) error {
	if c.conn == nil {
		return errNotOpen
	}
	return c.conn.Client.FlushDB(ctx).Err()
}

// Set executes the redis Set command.
func (c *client) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if c.conn == nil {
		return errNotOpen
	}
	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}
	return c.conn.Client.Set(ctx, key, value, expiration).Err()
}

// Get executes the redis Get command.
func (c *client) Get(ctx context.Context, key string) (bool, string, error) {
	if c.conn == nil {
		return false, "", errNotOpen
	}
	s, err := c.conn.Client.Get(ctx, key).Result()
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, s, err
}

// GetEx executes the redis GetEx command.
func (c *client) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	if c.conn == nil {
		return false, "", errNotOpen
	}
	s, err := c.conn.Client.GetEx(ctx, key, expiration).Result()
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, s, err
}

// SetStruct stores the value serialized as JSON.
func (c *client) SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error {
	if c.conn == nil {
		return errNotOpen
	}
	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}
	ba, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.conn.Client.Set(ctx, key, ba, expiration).Err()
}

// GetStruct reads the key and deserializes it into target.
func (c *client) GetStruct(ctx context.Context, key string, target any) (bool, error) {
	if c.conn == nil {
		return false, errNotOpen
	}
	if target == nil {
		return false, fmt.Errorf("target can't be nil")
	}
	ba, err := c.conn.Client.Get(ctx, key).Bytes()
	if err == nil {
		err = json.Unmarshal(ba, target)
	}

	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, err
}

// Add stores the value only if the key does not exist (SETNX), so a
// cache repopulation never clobbers a concurrent writer's marker.
func (c *client) Add(ctx context.Context, key string, value any, expiration time.Duration) (bool, error) {
	if c.conn == nil {
		return false, errNotOpen
	}
	ba, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.conn.Client.SetNX(ctx, key, ba, expiration).Result()
}

// casScript swaps the key's value only while it still holds the exact
// bytes the caller read earlier. ARGV[3] is the expiry in milliseconds,
// zero for no expiry.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur ~= ARGV[1] then
	return 0
end
if ARGV[3] == '0' then
	redis.call('SET', KEYS[1], ARGV[2])
else
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
end
return 1
`)

// GetWithToken reads the value plus the swap token for CompareAndSwap.
// The token is the raw stored bytes, so any concurrent rewrite, even to
// an equal-looking value via Set, invalidates in-flight swaps only when
// the bytes actually differ; the coordinator's markers are constructed
// so that concurrent writes always differ.
func (c *client) GetWithToken(ctx context.Context, key string, target any) (bool, string, error) {
	if c.conn == nil {
		return false, "", errNotOpen
	}
	ba, err := c.conn.Client.Get(ctx, key).Bytes()
	if err != nil {
		if c.keyNotFound(err) {
			return false, "", nil
		}
		return false, "", err
	}
	if target != nil {
		if err := json.Unmarshal(ba, target); err != nil {
			return false, "", err
		}
	}
	return true, string(ba), nil
}

// CompareAndSwap writes the value only if the key still holds the token
// bytes, returning whether the swap happened.
func (c *client) CompareAndSwap(ctx context.Context, key string, token string, value any, expiration time.Duration) (bool, error) {
	if c.conn == nil {
		return false, errNotOpen
	}
	ba, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	px := int64(0)
	if expiration > 0 {
		px = expiration.Milliseconds()
	}
	n, err := casScript.Run(ctx, c.conn.Client, []string{key}, token, string(ba), px).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Delete executes the redis Del command.
func (c *client) Delete(ctx context.Context, keys []string) (bool, error) {
	if c.conn == nil {
		return false, errNotOpen
	}
	rs := c.conn.Client.Del(ctx, keys...)

	err := rs.Err()
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, err
}
