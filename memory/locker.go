package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/lock"
)

// lockAcquireTimeout bounds how long a lock acquisition spins before
// reporting a conflict to the client.
const lockAcquireTimeout = 5 * time.Second

const lockPollInterval = 5 * time.Millisecond

func (s *Store) rowLock(k lock.Key) *sync.RWMutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	m, ok := s.locks[k]
	if !ok {
		m = &sync.RWMutex{}
		s.locks[k] = m
	}
	return m
}

// LockForRead takes a shared lock on the user's collection. Re-acquiring
// under the same request session is a no-op.
func (s *Store) LockForRead(ctx context.Context, userID int64, collection string) (syncstore.UnlockFunc, error) {
	k := lock.Key{UserID: userID, Collection: collection}
	sess := lock.FromContext(ctx)
	if sess != nil {
		if _, held := sess.Holds(k); held {
			return func() {}, nil
		}
	}
	m := s.rowLock(k)
	if err := acquire(ctx, m.TryRLock); err != nil {
		return nil, err
	}
	if sess != nil {
		if err := sess.Acquire(k, lock.Read); err != nil {
			m.RUnlock()
			return nil, err
		}
	}
	return func() {
		if sess != nil {
			sess.Release(k)
		}
		m.RUnlock()
	}, nil
}

// LockForWrite takes an exclusive lock on the user's collection. A
// session already holding a read lock cannot upgrade in place.
func (s *Store) LockForWrite(ctx context.Context, userID int64, collection string) (syncstore.UnlockFunc, error) {
	k := lock.Key{UserID: userID, Collection: collection}
	sess := lock.FromContext(ctx)
	if sess != nil {
		if mode, held := sess.Holds(k); held {
			if mode == lock.Read {
				return nil, lock.ErrEscalation
			}
			return func() {}, nil
		}
	}
	m := s.rowLock(k)
	if err := acquire(ctx, m.TryLock); err != nil {
		return nil, err
	}
	if sess != nil {
		if err := sess.Acquire(k, lock.Write); err != nil {
			m.Unlock()
			return nil, err
		}
	}
	return func() {
		if sess != nil {
			sess.Release(k)
		}
		m.Unlock()
	}, nil
}

// acquire polls the try-lock until it succeeds, the context ends, or the
// acquisition timeout turns into a conflict.
func acquire(ctx context.Context, try func() bool) error {
	deadline := time.Now().Add(lockAcquireTimeout)
	for {
		if try() {
			return nil
		}
		if time.Now().After(deadline) {
			return syncstore.ErrConflict
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
