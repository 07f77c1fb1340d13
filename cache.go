package syncstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LockKey pairs a namespaced cache key with the owner id used to prove
// lock ownership on unlock.
type LockKey struct {
	// Key is the formatted cache key, e.g. "lock:12345:tabs".
	Key string
	// LockID identifies the owner attempting the lock.
	LockID uuid.UUID
	// IsLockOwner is set once the lock is confirmed won.
	IsLockOwner bool
}

// Cache is the external key/value cache contract used by the cache
// coordinator, the lock manager and the health monitor. Get-style calls
// return a found flag instead of a not-found error.
type Cache interface {
	// Ping tests connectivity to the cache backend.
	Ping(ctx context.Context) error

	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (bool, string, error)
	// GetEx reads the key and extends its TTL in one round trip.
	GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error)

	// SetStruct and GetStruct (de)serialize the value as JSON.
	SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error
	GetStruct(ctx context.Context, key string, target any) (bool, error)

	// Add stores the value only if the key does not exist, returning
	// whether it was stored. Cache repopulation uses Add (never Set) so
	// a concurrent writer is not clobbered.
	Add(ctx context.Context, key string, value any, expiration time.Duration) (bool, error)

	// GetWithToken reads the value along with an opaque swap token for a
	// later CompareAndSwap. The token is only valid while the key holds
	// the exact value that was read.
	GetWithToken(ctx context.Context, key string, target any) (bool, string, error)
	// CompareAndSwap writes the value only if the key still matches the
	// token from GetWithToken, returning whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, token string, value any, expiration time.Duration) (bool, error)

	Delete(ctx context.Context, keys []string) (bool, error)
	// Clear flushes the entire cache. Test and admin use only.
	Clear(ctx context.Context) error

	// Lock acquires all given keys atomically enough for collection
	// locking: each key is added with the owner's LockID and verified
	// with a second read. On failure the caller must Unlock to release
	// any keys it did win.
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, error)
	// IsLocked reports whether all keys are still owned by this process.
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	// Unlock releases the keys owned by this process.
	Unlock(ctx context.Context, lockKeys []*LockKey) error

	// CreateLockKeys builds lock keys with fresh owner ids.
	CreateLockKeys(keys []string) []*LockKey
	// FormatLockKey applies the lock namespace prefix.
	FormatLockKey(k string) string
}

// CloseableCache is a Cache owning its own connection.
type CloseableCache interface {
	Cache
	Close() error
}
