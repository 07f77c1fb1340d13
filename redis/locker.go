package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mozservices/syncstore"
)

// Lock attempts to acquire locks for all provided keys using the given
// TTL duration. On a partial failure the caller must Unlock to release
// the keys it did win.
func (c *client) Lock(ctx context.Context, duration time.Duration, lockKeys []*syncstore.LockKey) (bool, error) {
	for _, lk := range lockKeys {
		found, readItem, err := c.Get(ctx, lk.Key)
		if err != nil {
			return false, err
		}
		if found {
			// Key exists, check if it is ours. Most likely not, but check anyway.
			if readItem != lk.LockID.String() {
				return false, nil
			}
			continue
		}

		// Key does not exist, upsert it.
		if err := c.Set(ctx, lk.Key, lk.LockID.String(), duration); err != nil {
			return false, err
		}
		// Use a 2nd "get" to ensure we "won" the lock attempt & fail if not.
		if found, readItem2, err := c.Get(ctx, lk.Key); !found || err != nil {
			return false, err
		} else if readItem2 != lk.LockID.String() {
			// Another owner beat us to it, lock attempt failed.
			return false, nil
		}
		// We got the key locked, ensure we can unlock it.
		lk.IsLockOwner = true
	}
	// Successfully locked.
	return true, nil
}

// IsLocked reports whether all provided lock keys are currently owned
// by this process.
func (c *client) IsLocked(ctx context.Context, lockKeys []*syncstore.LockKey) (bool, error) {
	r := true
	var lastErr error
	for _, lk := range lockKeys {
		found, readItem, err := c.Get(ctx, lk.Key)
		if !found || err != nil {
			lk.IsLockOwner = false
			r = false
			if err != nil {
				lastErr = err
			}
			continue
		}
		// Key holds a different value, another owner locked it.
		if readItem != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, lastErr
}

// Unlock releases the provided lock keys, deleting only those owned by
// this process.
func (c *client) Unlock(ctx context.Context, lockKeys []*syncstore.LockKey) error {
	var lastErr error
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		// Delete lock key if we own it.
		if found, err := c.Delete(ctx, []string{lk.Key}); !found || err != nil {
			// Ignore if key not in cache, not an issue.
			if err == nil {
				continue
			}
			lastErr = err
		}
	}
	return lastErr
}

// CreateLockKeys creates lock keys using newly generated lock IDs for
// each provided key name.
func (c *client) CreateLockKeys(keys []string) []*syncstore.LockKey {
	lockKeys := make([]*syncstore.LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &syncstore.LockKey{
			// Prefix key with "L" to increase uniqueness.
			Key:    c.FormatLockKey(keys[i]),
			LockID: uuid.New(),
		}
	}
	return lockKeys
}

// FormatLockKey prefixes the key with 'L' to form the namespaced Redis
// key used for locking.
func (c *client) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}
