package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/lock"
)

type fakeClock struct {
	now syncstore.Timestamp
}

func (c *fakeClock) Now() syncstore.Timestamp {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now += syncstore.Timestamp(d.Milliseconds())
}

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: syncstore.TimestampFromSeconds(1600000000)}
	return NewStoreWithClock(clock.Now), clock
}

func str(s string) *string { return &s }
func num(n int) *int       { return &n }

func putItem(t *testing.T, s *Store, uid int64, coll, id, payload string) syncstore.Timestamp {
	t.Helper()
	res, err := s.SetItem(context.Background(), uid, coll, id, &syncstore.BSO{ID: id, Payload: str(payload)})
	if err != nil {
		t.Fatalf("SetItem(%s/%s): %v", coll, id, err)
	}
	return res.Modified
}

func TestSetGetItem(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	res, err := s.SetItem(ctx, 1, "bookmarks", "b1", &syncstore.BSO{ID: "b1", Payload: str("hello"), SortIndex: num(12)})
	if err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if !res.Created {
		t.Error("expected Created on first write")
	}

	got, err := s.GetItem(ctx, 1, "bookmarks", "b1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Payload == nil || *got.Payload != "hello" {
		t.Errorf("payload = %v, want hello", got.Payload)
	}
	if got.SortIndex == nil || *got.SortIndex != 12 {
		t.Errorf("sortindex = %v, want 12", got.SortIndex)
	}
	if got.Modified != res.Modified {
		t.Errorf("modified = %v, want %v", got.Modified, res.Modified)
	}

	res2, err := s.SetItem(ctx, 1, "bookmarks", "b1", &syncstore.BSO{ID: "b1", Payload: str("bye")})
	if err != nil {
		t.Fatalf("SetItem update: %v", err)
	}
	if res2.Created {
		t.Error("expected update, not create")
	}
	if res2.Modified <= res.Modified {
		t.Errorf("version did not advance: %v <= %v", res2.Modified, res.Modified)
	}
}

func TestPartialUpdatePreservesFields(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	s.SetItem(ctx, 1, "tabs", "t1", &syncstore.BSO{ID: "t1", Payload: str("data"), SortIndex: num(5)})
	// Payload-less write bumps the version only.
	res, err := s.SetItem(ctx, 1, "tabs", "t1", &syncstore.BSO{ID: "t1", SortIndex: num(9)})
	if err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	got, _ := s.GetItem(ctx, 1, "tabs", "t1")
	if *got.Payload != "data" {
		t.Errorf("payload = %q, want preserved %q", *got.Payload, "data")
	}
	if *got.SortIndex != 9 {
		t.Errorf("sortindex = %d, want 9", *got.SortIndex)
	}
	if got.Modified != res.Modified {
		t.Errorf("modified = %v, want %v", got.Modified, res.Modified)
	}
}

func TestVersionMonotonicWithFrozenClock(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	// The clock never advances; versions still must.
	var last syncstore.Timestamp
	for i := 0; i < 5; i++ {
		res, err := s.SetItem(ctx, 1, "history", "h1", &syncstore.BSO{ID: "h1", Payload: str("x")})
		if err != nil {
			t.Fatalf("SetItem: %v", err)
		}
		if res.Modified <= last {
			t.Fatalf("version %v did not advance past %v", res.Modified, last)
		}
		last = res.Modified
	}

	storageTS, _ := s.GetStorageTimestamp(ctx, 1)
	if storageTS != last {
		t.Errorf("storage timestamp %v != last write %v", storageTS, last)
	}
}

func TestCollectionNotFound(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if _, err := s.GetCollectionTimestamp(ctx, 1, "nope"); !errors.Is(err, syncstore.ErrCollectionNotFound) {
		t.Errorf("GetCollectionTimestamp err = %v", err)
	}
	if _, err := s.GetItems(ctx, 1, "nope", nil); !errors.Is(err, syncstore.ErrCollectionNotFound) {
		t.Errorf("GetItems err = %v", err)
	}
	if _, err := s.DeleteCollection(ctx, 1, "nope"); !errors.Is(err, syncstore.ErrCollectionNotFound) {
		t.Errorf("DeleteCollection err = %v", err)
	}
}

func TestDeleteCollectionKeepsVersion(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	wrote := putItem(t, s, 1, "forms", "f1", "x")
	delTS, err := s.DeleteCollection(ctx, 1, "forms")
	if err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
	if delTS <= wrote {
		t.Errorf("delete version %v did not advance past %v", delTS, wrote)
	}

	// The version survives the delete for precondition checks.
	ts, err := s.GetCollectionTimestamp(ctx, 1, "forms")
	if err != nil {
		t.Fatalf("GetCollectionTimestamp after delete: %v", err)
	}
	if ts != delTS {
		t.Errorf("timestamp after delete = %v, want %v", ts, delTS)
	}

	// But the emptied collection drops out of the listing.
	all, _ := s.GetCollectionTimestamps(ctx, 1)
	if _, ok := all["forms"]; ok {
		t.Error("emptied collection still listed")
	}

	res, err := s.GetItems(ctx, 1, "forms", nil)
	if err != nil {
		t.Fatalf("GetItems after delete: %v", err)
	}
	if len(res.Items) != 0 {
		t.Errorf("got %d items after delete", len(res.Items))
	}
}

func TestDeleteStorageAdvancesVersion(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	putItem(t, s, 1, "prefs", "p1", "x")
	before, _ := s.GetStorageTimestamp(ctx, 1)
	if err := s.DeleteStorage(ctx, 1); err != nil {
		t.Fatalf("DeleteStorage: %v", err)
	}
	after, _ := s.GetStorageTimestamp(ctx, 1)
	if after <= before {
		t.Errorf("storage version %v did not advance past %v", after, before)
	}
	if _, err := s.GetCollectionTimestamp(ctx, 1, "prefs"); !errors.Is(err, syncstore.ErrCollectionNotFound) {
		t.Errorf("collection survived storage delete: %v", err)
	}
}

func TestUsersAreDisjoint(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	putItem(t, s, 1, "tabs", "t1", "user one")
	putItem(t, s, 2, "tabs", "t1", "user two")
	s.DeleteStorage(ctx, 1)

	got, err := s.GetItem(ctx, 2, "tabs", "t1")
	if err != nil {
		t.Fatalf("GetItem user 2: %v", err)
	}
	if *got.Payload != "user two" {
		t.Errorf("payload = %q", *got.Payload)
	}
}

func TestTTLExpiry(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	ttl := 10
	s.SetItem(ctx, 1, "tabs", "short", &syncstore.BSO{ID: "short", Payload: str("x"), TTL: &ttl})
	s.SetItem(ctx, 1, "tabs", "forever", &syncstore.BSO{ID: "forever", Payload: str("y")})

	if _, err := s.GetItem(ctx, 1, "tabs", "short"); err != nil {
		t.Fatalf("item expired early: %v", err)
	}

	clock.Advance(11 * time.Second)
	if _, err := s.GetItem(ctx, 1, "tabs", "short"); !errors.Is(err, syncstore.ErrItemNotFound) {
		t.Errorf("expired item err = %v, want ErrItemNotFound", err)
	}
	if _, err := s.GetItem(ctx, 1, "tabs", "forever"); err != nil {
		t.Errorf("no-ttl item expired: %v", err)
	}

	counts, _ := s.GetCollectionCounts(ctx, 1)
	if counts["tabs"] != 1 {
		t.Errorf("count = %d, want 1", counts["tabs"])
	}
}

func TestQueryFilterSortPaginate(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	var versions []syncstore.Timestamp
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("b%d", i)
		idx := i * 10
		res, err := s.SetItem(ctx, 1, "bookmarks", id, &syncstore.BSO{ID: id, Payload: str("p"), SortIndex: &idx})
		if err != nil {
			t.Fatalf("SetItem: %v", err)
		}
		versions = append(versions, res.Modified)
		clock.Advance(time.Second)
	}

	// newest first by default
	res, err := s.GetItems(ctx, 1, "bookmarks", nil)
	if err != nil {
		t.Fatalf("GetItems: %v", err)
	}
	if len(res.Items) != 5 || res.Items[0].ID != "b4" || res.Items[4].ID != "b0" {
		t.Fatalf("unexpected newest ordering: %v", ids(res.Items))
	}

	// oldest
	res, _ = s.GetItems(ctx, 1, "bookmarks", &syncstore.Params{Sort: syncstore.SortOldest})
	if res.Items[0].ID != "b0" {
		t.Errorf("oldest ordering starts with %s", res.Items[0].ID)
	}

	// index sorts descending
	res, _ = s.GetItems(ctx, 1, "bookmarks", &syncstore.Params{Sort: syncstore.SortIndex})
	if res.Items[0].ID != "b4" || res.Items[4].ID != "b0" {
		t.Errorf("unexpected index ordering: %v", ids(res.Items))
	}

	// newer filter is exclusive
	res, _ = s.GetItems(ctx, 1, "bookmarks", &syncstore.Params{Newer: &versions[2]})
	if len(res.Items) != 2 {
		t.Errorf("newer filter returned %v", ids(res.Items))
	}

	// older filter is exclusive
	res, _ = s.GetItems(ctx, 1, "bookmarks", &syncstore.Params{Older: &versions[2]})
	if len(res.Items) != 2 {
		t.Errorf("older filter returned %v", ids(res.Items))
	}

	// ids filter
	res, _ = s.GetItems(ctx, 1, "bookmarks", &syncstore.Params{IDs: []string{"b1", "b3", "missing"}})
	if len(res.Items) != 2 {
		t.Errorf("ids filter returned %v", ids(res.Items))
	}

	// pagination walks the whole set without overlap
	limit := 2
	seen := map[string]bool{}
	params := &syncstore.Params{Limit: &limit, Sort: syncstore.SortOldest}
	for {
		page, err := s.GetItems(ctx, 1, "bookmarks", params)
		if err != nil {
			t.Fatalf("GetItems page: %v", err)
		}
		for _, b := range page.Items {
			if seen[b.ID] {
				t.Fatalf("item %s returned twice", b.ID)
			}
			seen[b.ID] = true
		}
		if page.NextOffset == "" {
			break
		}
		params.Offset = page.NextOffset
	}
	if len(seen) != 5 {
		t.Errorf("pagination saw %d items, want 5", len(seen))
	}
}

func TestPaginationIgnoresLaterWrites(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		putItem(t, s, 1, "history", fmt.Sprintf("h%d", i), "x")
		clock.Advance(time.Second)
	}

	limit := 2
	page1, err := s.GetItems(ctx, 1, "history", &syncstore.Params{Limit: &limit, Sort: syncstore.SortNewest})
	if err != nil {
		t.Fatalf("GetItems page 1: %v", err)
	}
	if len(page1.Items) != 2 || page1.Items[0].ID != "h3" {
		t.Fatalf("page 1 = %v", ids(page1.Items))
	}

	// An item written between pages sorts newest but must not shift the
	// remaining pages.
	putItem(t, s, 1, "history", "late", "x")

	page2, err := s.GetItems(ctx, 1, "history", &syncstore.Params{Limit: &limit, Sort: syncstore.SortNewest, Offset: page1.NextOffset})
	if err != nil {
		t.Fatalf("GetItems page 2: %v", err)
	}
	if len(page2.Items) != 2 || page2.Items[0].ID != "h1" || page2.Items[1].ID != "h0" {
		t.Errorf("page 2 = %v", ids(page2.Items))
	}
	if page2.NextOffset != "" {
		t.Errorf("NextOffset = %q on final page", page2.NextOffset)
	}
}

func TestInvalidOffset(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	putItem(t, s, 1, "tabs", "t1", "x")

	_, err := s.GetItems(ctx, 1, "tabs", &syncstore.Params{Offset: "not-a-token"})
	var offsetErr *syncstore.InvalidOffsetError
	if !errors.As(err, &offsetErr) {
		t.Errorf("err = %v, want InvalidOffsetError", err)
	}
}

func TestDeleteItems(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	putItem(t, s, 1, "tabs", "t1", "x")
	before := putItem(t, s, 1, "tabs", "t2", "y")

	if _, err := s.DeleteItem(ctx, 1, "tabs", "missing"); !errors.Is(err, syncstore.ErrItemNotFound) {
		t.Errorf("delete missing item err = %v", err)
	}

	ts, err := s.DeleteItems(ctx, 1, "tabs", []string{"t1", "missing"})
	if err != nil {
		t.Fatalf("DeleteItems: %v", err)
	}
	if ts <= before {
		t.Errorf("delete version %v did not advance past %v", ts, before)
	}
	if _, err := s.GetItem(ctx, 1, "tabs", "t1"); !errors.Is(err, syncstore.ErrItemNotFound) {
		t.Errorf("t1 survived delete: %v", err)
	}
	if _, err := s.GetItem(ctx, 1, "tabs", "t2"); err != nil {
		t.Errorf("t2 deleted: %v", err)
	}
}

func TestBatchLifecycle(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	batchID, err := s.CreateBatch(ctx, 1, "history")
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	ok, err := s.ValidBatch(ctx, 1, "history", batchID)
	if err != nil || !ok {
		t.Fatalf("ValidBatch = %v, %v", ok, err)
	}
	// Batches are scoped to their collection.
	if ok, _ := s.ValidBatch(ctx, 1, "tabs", batchID); ok {
		t.Error("batch valid for wrong collection")
	}

	if _, err := s.AppendItemsToBatch(ctx, 1, "history", batchID, []*syncstore.BSO{
		{ID: "h1", Payload: str("one")},
	}); err != nil {
		t.Fatalf("AppendItemsToBatch: %v", err)
	}
	if _, err := s.AppendItemsToBatch(ctx, 1, "history", batchID, []*syncstore.BSO{
		{ID: "h2", Payload: str("two")},
	}); err != nil {
		t.Fatalf("AppendItemsToBatch: %v", err)
	}

	// Nothing visible before commit.
	if _, err := s.GetItems(ctx, 1, "history", nil); !errors.Is(err, syncstore.ErrCollectionNotFound) {
		t.Errorf("items visible before apply: %v", err)
	}

	ts, err := s.ApplyBatch(ctx, 1, "history", batchID)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if err := s.CloseBatch(ctx, 1, "history", batchID); err != nil {
		t.Fatalf("CloseBatch: %v", err)
	}

	res, err := s.GetItems(ctx, 1, "history", nil)
	if err != nil {
		t.Fatalf("GetItems: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(res.Items))
	}
	for _, b := range res.Items {
		if b.Modified != ts {
			t.Errorf("item %s modified %v, want the single commit version %v", b.ID, b.Modified, ts)
		}
	}

	if _, err := s.ApplyBatch(ctx, 1, "history", batchID); !errors.Is(err, syncstore.ErrInvalidBatch) {
		t.Errorf("apply after close err = %v", err)
	}

	// Expired batches stop validating.
	expiredID, _ := s.CreateBatch(ctx, 1, "history")
	clock.Advance(time.Duration(syncstore.BatchLifetime+1) * time.Second)
	if ok, _ := s.ValidBatch(ctx, 1, "history", expiredID); ok {
		t.Error("expired batch still valid")
	}
}

func TestPurgeExpiredItems(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	ttl := 1
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("e%d", i)
		s.SetItem(ctx, 1, "tabs", id, &syncstore.BSO{ID: id, Payload: str("x"), TTL: &ttl})
	}
	putItem(t, s, 1, "tabs", "keep", "y")
	if _, err := s.CreateBatch(ctx, 1, "tabs"); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	clock.Advance(2 * time.Second)
	// Inside the grace period nothing is purged.
	res, err := s.PurgeExpiredItems(ctx, 3600, 0)
	if err != nil {
		t.Fatalf("PurgeExpiredItems: %v", err)
	}
	if res.NumPurged != 0 {
		t.Errorf("purged %d inside grace period", res.NumPurged)
	}

	clock.Advance(time.Duration(syncstore.BatchLifetime+3600) * time.Second)
	res, err = s.PurgeExpiredItems(ctx, 3600, 3)
	if err != nil {
		t.Fatalf("PurgeExpiredItems: %v", err)
	}
	if res.NumPurged != 3 || res.IsComplete {
		t.Errorf("bounded purge = %+v, want 3 purged, incomplete", res)
	}
	res, err = s.PurgeExpiredItems(ctx, 3600, 100)
	if err != nil {
		t.Fatalf("PurgeExpiredItems: %v", err)
	}
	if res.NumPurged != 2 || !res.IsComplete {
		t.Errorf("final purge = %+v, want 2 purged, complete", res)
	}
	if res.BatchesPurged != 1 {
		t.Errorf("batches purged = %d, want 1", res.BatchesPurged)
	}
	if _, err := s.GetItem(ctx, 1, "tabs", "keep"); err != nil {
		t.Errorf("live item purged: %v", err)
	}
}

func TestReadLockReentrantWithinSession(t *testing.T) {
	s, _ := newTestStore()
	ctx := lock.WithSession(context.Background())

	unlock1, err := s.LockForRead(ctx, 1, "tabs")
	if err != nil {
		t.Fatalf("LockForRead: %v", err)
	}
	unlock2, err := s.LockForRead(ctx, 1, "tabs")
	if err != nil {
		t.Fatalf("reentrant LockForRead: %v", err)
	}
	unlock2()
	unlock1()

	// After release a write lock succeeds.
	unlock3, err := s.LockForWrite(ctx, 1, "tabs")
	if err != nil {
		t.Fatalf("LockForWrite after release: %v", err)
	}
	unlock3()
}

func TestNoReadToWriteEscalation(t *testing.T) {
	s, _ := newTestStore()
	ctx := lock.WithSession(context.Background())

	unlock, err := s.LockForRead(ctx, 1, "tabs")
	if err != nil {
		t.Fatalf("LockForRead: %v", err)
	}
	defer unlock()

	if _, err := s.LockForWrite(ctx, 1, "tabs"); !errors.Is(err, lock.ErrEscalation) {
		t.Errorf("escalation err = %v, want ErrEscalation", err)
	}
}

func TestWriteLockExcludesOtherSessions(t *testing.T) {
	s, _ := newTestStore()

	ctx1 := lock.WithSession(context.Background())
	unlock, err := s.LockForWrite(ctx1, 1, "tabs")
	if err != nil {
		t.Fatalf("LockForWrite: %v", err)
	}

	ctx2, cancel := context.WithTimeout(lock.WithSession(context.Background()), 50*time.Millisecond)
	defer cancel()
	if _, err := s.LockForWrite(ctx2, 1, "tabs"); err == nil {
		t.Fatal("second writer acquired a held lock")
	}

	// A different collection is independent.
	ctx3 := lock.WithSession(context.Background())
	unlockOther, err := s.LockForWrite(ctx3, 1, "bookmarks")
	if err != nil {
		t.Fatalf("independent collection lock: %v", err)
	}
	unlockOther()
	unlock()
}

func ids(items []*syncstore.BSO) []string {
	out := make([]string, len(items))
	for i, b := range items {
		out[i] = b.ID
	}
	return out
}
