package syncstore

import (
	"context"
)

// SortOrder selects the ordering of collection queries. Ties are broken
// by item id so every order is total.
type SortOrder int

const (
	// SortNewest orders by descending modified time (the default).
	SortNewest SortOrder = iota
	// SortOldest orders by ascending modified time.
	SortOldest
	// SortIndex orders by descending sortindex.
	SortIndex
)

// ParseSortOrder maps the wire values "newest", "oldest" and "index".
func ParseSortOrder(s string) (SortOrder, bool) {
	switch s {
	case "", "newest":
		return SortNewest, true
	case "oldest":
		return SortOldest, true
	case "index":
		return SortIndex, true
	}
	return SortNewest, false
}

// Params carries the filter set for collection queries and multi-item
// deletes. Nil pointer fields mean "not specified".
type Params struct {
	// IDs restricts results to an exact id list (at most MaxRequestIDs).
	IDs []string
	// Newer excludes items with modified <= the given timestamp.
	Newer *Timestamp
	// Older excludes items with modified >= the given timestamp.
	Older *Timestamp
	// Limit caps the number of returned items.
	Limit *int
	// Offset resumes a prior query; it is an opaque token produced by
	// the store and must not be parsed by callers.
	Offset string
	// Sort selects the result ordering.
	Sort SortOrder
}

// MaxRequestIDs bounds the ids filter of a single request.
const MaxRequestIDs = 100

// ItemsResult is a page of BSOs plus the token to fetch the next page,
// empty when the query is exhausted.
type ItemsResult struct {
	Items      []*BSO
	NextOffset string
}

// IDsResult is a page of item ids plus the next-page token.
type IDsResult struct {
	IDs        []string
	NextOffset string
}

// SetResult reports the outcome of a single-item write.
type SetResult struct {
	Created  bool
	Modified Timestamp
}

// PurgeResult reports one purge iteration of the TTL reaper.
type PurgeResult struct {
	NumPurged     int
	BatchesPurged int
	IsComplete    bool
}

// UnlockFunc releases a held collection lock and finalizes the session's
// transaction. It must be called exactly once.
type UnlockFunc func()

// Locker is the per-(user, collection) lock manager contract. Read locks
// taken by the same session are reentrant; a read lock can never be
// upgraded to a write lock; acquisitions fail with ErrConflict rather
// than blocking unbounded.
type Locker interface {
	LockForRead(ctx context.Context, userID int64, collection string) (UnlockFunc, error)
	LockForWrite(ctx context.Context, userID int64, collection string) (UnlockFunc, error)
}

// SyncStore is the capability set shared by the durable backends and the
// cache coordinator. All operations are scoped to a single user; a
// user's data is disjoint from every other user's.
type SyncStore interface {
	Locker

	// GetStorageTimestamp returns the max last-modified across the
	// user's collections, zero for an empty storage.
	GetStorageTimestamp(ctx context.Context, userID int64) (Timestamp, error)
	// GetCollectionTimestamp fails with ErrCollectionNotFound when the
	// collection has never been written.
	GetCollectionTimestamp(ctx context.Context, userID int64, collection string) (Timestamp, error)
	GetCollectionTimestamps(ctx context.Context, userID int64) (map[string]Timestamp, error)
	GetCollectionCounts(ctx context.Context, userID int64) (map[string]int, error)
	GetCollectionSizes(ctx context.Context, userID int64) (map[string]int64, error)
	// GetTotalSize returns the user's total stored bytes. Passing
	// recalculate forces any cached figure to be recomputed.
	GetTotalSize(ctx context.Context, userID int64, recalculate bool) (int64, error)

	GetItems(ctx context.Context, userID int64, collection string, params *Params) (*ItemsResult, error)
	GetItemIDs(ctx context.Context, userID int64, collection string, params *Params) (*IDsResult, error)
	// GetItem fails with ErrItemNotFound when the item is absent or expired.
	GetItem(ctx context.Context, userID int64, collection string, itemID string) (*BSO, error)
	GetItemTimestamp(ctx context.Context, userID int64, collection string, itemID string) (Timestamp, error)

	SetItem(ctx context.Context, userID int64, collection string, itemID string, bso *BSO) (*SetResult, error)
	// SetItems writes a group of items under one timestamp and returns
	// the collection's new last-modified value.
	SetItems(ctx context.Context, userID int64, collection string, items []*BSO) (Timestamp, error)

	DeleteItem(ctx context.Context, userID int64, collection string, itemID string) (Timestamp, error)
	DeleteItems(ctx context.Context, userID int64, collection string, itemIDs []string) (Timestamp, error)
	DeleteCollection(ctx context.Context, userID int64, collection string) (Timestamp, error)
	DeleteStorage(ctx context.Context, userID int64) error

	// Batch uploads: an append-only buffer applied atomically under the
	// collection write lock. Batch ids are millisecond timestamps.
	CreateBatch(ctx context.Context, userID int64, collection string) (int64, error)
	ValidBatch(ctx context.Context, userID int64, collection string, batchID int64) (bool, error)
	AppendItemsToBatch(ctx context.Context, userID int64, collection string, batchID int64, items []*BSO) (Timestamp, error)
	ApplyBatch(ctx context.Context, userID int64, collection string, batchID int64) (Timestamp, error)
	CloseBatch(ctx context.Context, userID int64, collection string, batchID int64) error

	// PurgeExpiredItems deletes expired rows in bounded chunks; callers
	// loop until IsComplete.
	PurgeExpiredItems(ctx context.Context, gracePeriod int64, maxPerLoop int) (*PurgeResult, error)

	// Ping verifies the backend is reachable and serving.
	Ping(ctx context.Context) error
}
