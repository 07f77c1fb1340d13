package lock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/lock"
	"github.com/mozservices/syncstore/redis"
)

func TestCacheLockExcludesSecondSession(t *testing.T) {
	cache := redis.NewMockClient()
	l := lock.NewCacheLocker(cache, time.Minute, 50*time.Millisecond)

	ctx1 := lock.WithSession(context.Background())
	unlock, err := l.LockForWrite(ctx1, 1, "bookmarks")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}

	ctx2 := lock.WithSession(context.Background())
	if _, err := l.LockForWrite(ctx2, 1, "bookmarks"); !errors.Is(err, syncstore.ErrConflict) {
		t.Fatalf("second lock err = %v, want ErrConflict", err)
	}

	unlock()
	unlock2, err := l.LockForWrite(ctx2, 1, "bookmarks")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	unlock2()
}

func TestCacheLockReentrantWithinSession(t *testing.T) {
	cache := redis.NewMockClient()
	l := lock.NewCacheLocker(cache, time.Minute, 50*time.Millisecond)

	ctx := lock.WithSession(context.Background())
	unlock1, err := l.LockForRead(ctx, 1, "history")
	if err != nil {
		t.Fatalf("first read lock: %v", err)
	}
	// The same session re-locks without touching the cache key again.
	unlock2, err := l.LockForRead(ctx, 1, "history")
	if err != nil {
		t.Fatalf("reentrant read lock: %v", err)
	}
	unlock2()
	unlock1()

	if sess := lock.FromContext(ctx); sess.Len() != 0 {
		t.Errorf("session still holds %d locks after unlock", sess.Len())
	}
}

func TestCacheLockEscalationRefused(t *testing.T) {
	cache := redis.NewMockClient()
	l := lock.NewCacheLocker(cache, time.Minute, 50*time.Millisecond)

	ctx := lock.WithSession(context.Background())
	unlock, err := l.LockForRead(ctx, 1, "tabs")
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	defer unlock()

	if _, err := l.LockForWrite(ctx, 1, "tabs"); !errors.Is(err, lock.ErrEscalation) {
		t.Errorf("escalation err = %v, want ErrEscalation", err)
	}
}

func TestCacheLockDistinctCollectionsDoNotContend(t *testing.T) {
	cache := redis.NewMockClient()
	l := lock.NewCacheLocker(cache, time.Minute, 50*time.Millisecond)

	ctx1 := lock.WithSession(context.Background())
	unlock1, err := l.LockForWrite(ctx1, 1, "bookmarks")
	if err != nil {
		t.Fatalf("lock bookmarks: %v", err)
	}
	defer unlock1()

	ctx2 := lock.WithSession(context.Background())
	unlock2, err := l.LockForWrite(ctx2, 1, "history")
	if err != nil {
		t.Fatalf("lock history: %v", err)
	}
	unlock2()

	ctx3 := lock.WithSession(context.Background())
	unlock3, err := l.LockForWrite(ctx3, 2, "bookmarks")
	if err != nil {
		t.Fatalf("lock other user: %v", err)
	}
	unlock3()
}

func TestCacheLockCanceledContext(t *testing.T) {
	cache := redis.NewMockClient()
	l := lock.NewCacheLocker(cache, time.Minute, time.Minute)

	ctx1 := lock.WithSession(context.Background())
	unlock, err := l.LockForWrite(ctx1, 1, "meta")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer unlock()

	ctx2, cancel := context.WithCancel(lock.WithSession(context.Background()))
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	if _, err := l.LockForWrite(ctx2, 1, "meta"); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled acquire err = %v, want context.Canceled", err)
	}
}
