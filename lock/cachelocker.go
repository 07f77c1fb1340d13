package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mozservices/syncstore"
)

// Defaults for cache-held collection locks. The TTL bounds how long a
// crashed holder can wedge a collection.
const (
	DefaultLockTTL        = 5 * time.Minute
	DefaultAcquireTimeout = 5 * time.Second
)

// CacheLocker coordinates collection access across processes through
// cache lock keys. The cache grants only exclusive keys, so reads and
// writes exclude each other equally; read reentrancy within a request
// still comes from the session.
type CacheLocker struct {
	cache          syncstore.Cache
	lockTTL        time.Duration
	acquireTimeout time.Duration
}

var _ syncstore.Locker = (*CacheLocker)(nil)

// NewCacheLocker creates a locker over the given cache. Zero durations
// select the defaults.
func NewCacheLocker(cache syncstore.Cache, lockTTL, acquireTimeout time.Duration) *CacheLocker {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &CacheLocker{cache: cache, lockTTL: lockTTL, acquireTimeout: acquireTimeout}
}

func (l *CacheLocker) LockForRead(ctx context.Context, userID int64, collection string) (syncstore.UnlockFunc, error) {
	return l.lockExclusive(ctx, userID, collection, Read)
}

func (l *CacheLocker) LockForWrite(ctx context.Context, userID int64, collection string) (syncstore.UnlockFunc, error) {
	return l.lockExclusive(ctx, userID, collection, Write)
}

func (l *CacheLocker) lockExclusive(ctx context.Context, userID int64, collection string, mode Mode) (syncstore.UnlockFunc, error) {
	k := Key{UserID: userID, Collection: collection}
	sess := FromContext(ctx)
	if sess != nil {
		if held, ok := sess.Holds(k); ok {
			if held == Read && mode == Write {
				return nil, ErrEscalation
			}
			return func() {}, nil
		}
	}

	lockKeys := l.cache.CreateLockKeys([]string{fmt.Sprintf("%d:%s", userID, collection)})
	acquireCtx, cancel := context.WithTimeout(ctx, l.acquireTimeout)
	defer cancel()
	err := syncstore.Retry(acquireCtx, func(ctx context.Context) error {
		ok, err := l.cache.Lock(ctx, l.lockTTL, lockKeys)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// Release any partially won keys before backing off.
		if err := l.cache.Unlock(ctx, lockKeys); err != nil {
			return err
		}
		return retry.RetryableError(syncstore.ErrConflict)
	}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, syncstore.ErrConflict) || errors.Is(err, context.DeadlineExceeded) {
			// The holder did not let go within the acquire budget.
			return nil, syncstore.ErrConflict
		}
		return nil, syncstore.NewBackendError(err)
	}

	if sess != nil {
		if err := sess.Acquire(k, mode); err != nil {
			l.cache.Unlock(ctx, lockKeys)
			return nil, err
		}
	}
	return func() {
		if sess != nil {
			sess.Release(k)
		}
		// Unlock on a background-ish context: the request context may
		// already be canceled and the key must still be released.
		l.cache.Unlock(context.WithoutCancel(ctx), lockKeys)
	}, nil
}
