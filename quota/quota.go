// Package quota enforces the per-user storage ceiling. Admission is
// checked before a write is attempted, against the (possibly cached)
// usage figure; the underlying store recomputes that figure whenever it
// gets close to the ceiling, so rejections are based on fresh numbers.
package quota

import (
	"context"

	"github.com/mozservices/syncstore"
)

// Accountant answers admission and headroom questions for one deployment.
type Accountant struct {
	store syncstore.SyncStore
	limit int64
}

// New creates an accountant with the given ceiling in bytes; zero or
// negative disables quota enforcement.
func New(store syncstore.SyncStore, limit int64) *Accountant {
	return &Accountant{store: store, limit: limit}
}

// Enabled reports whether a ceiling is configured.
func (a *Accountant) Enabled() bool {
	return a.limit > 0
}

// Limit returns the configured ceiling in bytes, zero when disabled.
func (a *Accountant) Limit() int64 {
	return a.limit
}

// Check admits or rejects a write of incomingBytes, returning the
// headroom that would remain after it. A write leaving no headroom is
// rejected with ErrOverQuota.
func (a *Accountant) Check(ctx context.Context, userID int64, incomingBytes int64) (int64, error) {
	if !a.Enabled() {
		return 0, nil
	}
	used, err := a.store.GetTotalSize(ctx, userID, false)
	if err != nil {
		return 0, err
	}
	left := a.limit - used - incomingBytes
	if left <= 0 {
		return 0, syncstore.ErrOverQuota
	}
	return left, nil
}

// Remaining returns the user's current headroom in bytes.
func (a *Accountant) Remaining(ctx context.Context, userID int64) (int64, error) {
	if !a.Enabled() {
		return 0, nil
	}
	used, err := a.store.GetTotalSize(ctx, userID, false)
	if err != nil {
		return 0, err
	}
	left := a.limit - used
	if left < 0 {
		left = 0
	}
	return left, nil
}
