// Package lock implements per-(user, collection) locking for the sync
// storage backends. A Session carried on the request context makes read
// locks reentrant and forbids read-to-write escalation; the concrete
// lock acquisition is backend-specific (in-process row locks for the
// memory store, cache-key locks for cache-only collections).
package lock

import (
	"context"
	"errors"
	"fmt"
)

// ErrEscalation is returned when a session holding a read lock attempts
// to take a write lock on the same collection without releasing first.
var ErrEscalation = errors.New("cannot escalate read-lock to write-lock")

// Mode distinguishes the strength of a held lock.
type Mode int

const (
	// Read is a shared lock.
	Read Mode = iota
	// Write is an exclusive lock.
	Write
)

// Key identifies one lockable (user, collection) pair.
type Key struct {
	UserID     int64
	Collection string
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s", k.UserID, k.Collection)
}

// Session tracks the locks held over the lifetime of one request, making
// the read-lock API reentrant. Sessions are not safe for concurrent use;
// each request owns exactly one.
type Session struct {
	held map[Key]Mode
}

// NewSession creates an empty lock session.
func NewSession() *Session {
	return &Session{held: make(map[Key]Mode)}
}

// Holds reports whether the session already holds a lock on the key,
// and at which strength.
func (s *Session) Holds(k Key) (Mode, bool) {
	m, ok := s.held[k]
	return m, ok
}

// Acquire records a held lock. It fails with ErrEscalation when a read
// lock on the same key would be upgraded in place. A write lock already
// held covers subsequent read acquisitions and is never weakened.
func (s *Session) Acquire(k Key, m Mode) error {
	if cur, ok := s.held[k]; ok {
		if cur == Read && m == Write {
			return ErrEscalation
		}
		if cur == Write {
			return nil
		}
	}
	s.held[k] = m
	return nil
}

// Release forgets a held lock.
func (s *Session) Release(k Key) {
	delete(s.held, k)
}

// Len returns the number of held locks, used to verify that sessions
// end clean.
func (s *Session) Len() int {
	return len(s.held)
}

type ctxKey struct{}

// WithSession attaches a fresh lock session to the context. Middleware
// calls this once per request.
func WithSession(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, NewSession())
}

// FromContext returns the request's lock session, or nil when the
// caller did not set one up (locks then degrade to non-reentrant).
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
