package lock

import (
	"context"
	"errors"
	"testing"
)

func TestSessionReentrantRead(t *testing.T) {
	s := NewSession()
	k := Key{UserID: 1, Collection: "bookmarks"}

	if err := s.Acquire(k, Read); err != nil {
		t.Fatalf("first read acquire: %v", err)
	}
	if err := s.Acquire(k, Read); err != nil {
		t.Fatalf("reentrant read acquire: %v", err)
	}
	if m, ok := s.Holds(k); !ok || m != Read {
		t.Errorf("Holds = %v, %v", m, ok)
	}
}

func TestSessionEscalationRefused(t *testing.T) {
	s := NewSession()
	k := Key{UserID: 1, Collection: "bookmarks"}

	s.Acquire(k, Read)
	if err := s.Acquire(k, Write); !errors.Is(err, ErrEscalation) {
		t.Errorf("escalation err = %v, want ErrEscalation", err)
	}

	// After release, a write acquire is allowed.
	s.Release(k)
	if err := s.Acquire(k, Write); err != nil {
		t.Errorf("write after release: %v", err)
	}
}

func TestSessionWriteCoversRead(t *testing.T) {
	s := NewSession()
	k := Key{UserID: 1, Collection: "tabs"}

	s.Acquire(k, Write)
	if err := s.Acquire(k, Read); err != nil {
		t.Errorf("read under write lock: %v", err)
	}
	if m, _ := s.Holds(k); m != Write {
		t.Errorf("write lock downgraded to %v", m)
	}
}

func TestSessionKeysAreIndependent(t *testing.T) {
	s := NewSession()
	s.Acquire(Key{UserID: 1, Collection: "a"}, Read)
	if err := s.Acquire(Key{UserID: 1, Collection: "b"}, Write); err != nil {
		t.Errorf("write on sibling collection: %v", err)
	}
	if err := s.Acquire(Key{UserID: 2, Collection: "a"}, Write); err != nil {
		t.Errorf("write on sibling user: %v", err)
	}
	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
}

func TestContextRoundTrip(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Error("session on bare context")
	}
	ctx := WithSession(context.Background())
	s := FromContext(ctx)
	if s == nil {
		t.Fatal("no session on prepared context")
	}
	if s.Len() != 0 {
		t.Errorf("fresh session holds %d locks", s.Len())
	}
}
