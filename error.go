package syncstore

import (
	"errors"
	"fmt"
)

// Error kinds raised by the storage kernel. The REST adapter maps each
// kind to its wire disposition exactly once; call sites test them with
// errors.Is and never catch arbitrary errors.
var (
	// ErrCollectionNotFound is returned when a collection has never been
	// written to (or has been deleted and queried by id).
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrItemNotFound is returned when an item is absent or has expired.
	ErrItemNotFound = errors.New("item not found")
	// ErrConflict covers write-write conflicts, timestamp regressions,
	// held locks and CAS misses. Clients may retry after a short wait.
	ErrConflict = errors.New("conflict")
	// ErrOverQuota is returned by the pre-admission quota check.
	ErrOverQuota = errors.New("quota exceeded")
	// ErrInvalidBatch is returned for an unknown, closed or expired batch id.
	ErrInvalidBatch = errors.New("invalid batch")
)

// InvalidOffsetError reports a malformed or inconsistent pagination token.
// Offset tokens are opaque to callers, so they can only be validated by
// the store that minted them.
type InvalidOffsetError struct {
	Offset string
}

func (e *InvalidOffsetError) Error() string {
	return fmt.Sprintf("invalid offset token: %q", e.Offset)
}

// BackendError wraps operational failures of a durable store or cache
// (connection loss, query failure, timeout). It is retryable by clients
// but carries no Retry-After hint.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error: %v", e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError normalizes an operational error, passing through errors
// that already carry a storage kind.
func NewBackendError(err error) error {
	if err == nil {
		return nil
	}
	if IsStorageError(err) {
		return err
	}
	return &BackendError{Err: err}
}

// IsStorageError reports whether err is one of the structured storage
// error kinds (as opposed to a programming error or a context error).
func IsStorageError(err error) bool {
	if errors.Is(err, ErrCollectionNotFound) || errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrOverQuota) ||
		errors.Is(err, ErrInvalidBatch) {
		return true
	}
	var offsetErr *InvalidOffsetError
	if errors.As(err, &offsetErr) {
		return true
	}
	var backendErr *BackendError
	return errors.As(err, &backendErr)
}
