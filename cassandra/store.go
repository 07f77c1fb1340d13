package cassandra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/internal/query"
)

// casRetries bounds the lightweight-transaction loop that claims a new
// collection version.
const casRetries = 5

// watermarkRow is the reserved user_collections clustering key holding
// the user's storage-level version.
const watermarkRow = ""

// Store is the Cassandra-backed syncstore.SyncStore. Cross-process
// collection locking is delegated to the injected Locker (cache lock
// keys in clustered deployments).
type Store struct {
	conn   *Connection
	locker syncstore.Locker
	now    func() syncstore.Timestamp
}

var _ syncstore.SyncStore = (*Store)(nil)

// NewStore wraps the global connection. OpenConnection must have been
// called first.
func NewStore(locker syncstore.Locker) (*Store, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is not open")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	return &Store{conn: connection, locker: locker, now: syncstore.NowTimestamp}, nil
}

func (s *Store) LockForRead(ctx context.Context, userID int64, collection string) (syncstore.UnlockFunc, error) {
	return s.locker.LockForRead(ctx, userID, collection)
}

func (s *Store) LockForWrite(ctx context.Context, userID int64, collection string) (syncstore.UnlockFunc, error) {
	return s.locker.LockForWrite(ctx, userID, collection)
}

func (s *Store) cons(c gocql.Consistency) gocql.Consistency {
	if c == gocql.Any {
		return s.conn.Consistency
	}
	return c
}

func (s *Store) keyspace() string {
	return s.conn.Keyspace
}

// collectionVersion reads the user_collections row. found is false when
// the collection was never written.
func (s *Store) collectionVersion(ctx context.Context, userID int64, collection string) (ts syncstore.Timestamp, emptied bool, found bool, err error) {
	var lm int64
	q := s.conn.Session.Query(
		fmt.Sprintf("SELECT last_modified, emptied FROM %s.user_collections WHERE userid = ? AND collection = ?;", s.keyspace()),
		userID, collection).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.CollectionGet))
	if err := q.Scan(&lm, &emptied); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return 0, false, false, nil
		}
		return 0, false, false, syncstore.NewBackendError(err)
	}
	return syncstore.Timestamp(lm), emptied, true, nil
}

// claimVersion advances the collection's version with a CAS on the
// current value, so concurrent writers that slipped past locking cannot
// move the version backwards. The claimed version is strictly greater
// than the previous one even when the clock has not ticked.
func (s *Store) claimVersion(ctx context.Context, userID int64, collection string, emptied bool) (syncstore.Timestamp, error) {
	cw := s.cons(s.conn.ConsistencyBook.CollectionWrite)
	for attempt := 0; attempt < casRetries; attempt++ {
		prev, _, found, err := s.collectionVersion(ctx, userID, collection)
		if err != nil {
			return 0, err
		}
		ts := s.now()
		if ts <= prev {
			ts = prev + 10
		}

		var applied bool
		if found {
			applied, err = s.conn.Session.Query(
				fmt.Sprintf("UPDATE %s.user_collections SET last_modified = ?, emptied = ? WHERE userid = ? AND collection = ? IF last_modified = ?;", s.keyspace()),
				ts.Milliseconds(), emptied, userID, collection, prev.Milliseconds()).
				WithContext(ctx).Consistency(cw).ScanCAS()
		} else {
			applied, err = s.conn.Session.Query(
				fmt.Sprintf("INSERT INTO %s.user_collections (userid, collection, last_modified, emptied) VALUES (?, ?, ?, ?) IF NOT EXISTS;", s.keyspace()),
				userID, collection, ts.Milliseconds(), emptied).
				WithContext(ctx).Consistency(cw).ScanCAS()
		}
		if err != nil {
			return 0, syncstore.NewBackendError(err)
		}
		if applied {
			return ts, nil
		}
		// Lost the race, reread and try again.
	}
	return 0, syncstore.ErrConflict
}

func (s *Store) GetStorageTimestamp(ctx context.Context, userID int64) (syncstore.Timestamp, error) {
	var lm int64
	q := s.conn.Session.Query(
		fmt.Sprintf("SELECT MAX(last_modified) FROM %s.user_collections WHERE userid = ?;", s.keyspace()),
		userID).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.CollectionGet))
	if err := q.Scan(&lm); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return 0, nil
		}
		return 0, syncstore.NewBackendError(err)
	}
	return syncstore.Timestamp(lm), nil
}

func (s *Store) GetCollectionTimestamp(ctx context.Context, userID int64, collection string) (syncstore.Timestamp, error) {
	ts, _, found, err := s.collectionVersion(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, syncstore.ErrCollectionNotFound
	}
	return ts, nil
}

// listCollections returns the user's non-emptied collections and their
// versions, skipping the storage watermark row.
func (s *Store) listCollections(ctx context.Context, userID int64) (map[string]syncstore.Timestamp, error) {
	iter := s.conn.Session.Query(
		fmt.Sprintf("SELECT collection, last_modified, emptied FROM %s.user_collections WHERE userid = ?;", s.keyspace()),
		userID).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.CollectionGet)).Iter()
	out := make(map[string]syncstore.Timestamp)
	var name string
	var lm int64
	var emptied bool
	for iter.Scan(&name, &lm, &emptied) {
		if name == watermarkRow || emptied {
			continue
		}
		out[name] = syncstore.Timestamp(lm)
	}
	if err := iter.Close(); err != nil {
		return nil, syncstore.NewBackendError(err)
	}
	return out, nil
}

func (s *Store) GetCollectionTimestamps(ctx context.Context, userID int64) (map[string]syncstore.Timestamp, error) {
	return s.listCollections(ctx, userID)
}

func (s *Store) GetCollectionCounts(ctx context.Context, userID int64) (map[string]int, error) {
	colls, err := s.listCollections(ctx, userID)
	if err != nil {
		return nil, err
	}
	nowUnix := s.now().Unix()
	out := make(map[string]int, len(colls))
	for name := range colls {
		rows, err := s.fetchRows(ctx, userID, name)
		if err != nil {
			return nil, err
		}
		n := 0
		for i := range rows {
			if rows[i].Alive(nowUnix) {
				n++
			}
		}
		if n > 0 {
			out[name] = n
		}
	}
	return out, nil
}

func (s *Store) GetCollectionSizes(ctx context.Context, userID int64) (map[string]int64, error) {
	colls, err := s.listCollections(ctx, userID)
	if err != nil {
		return nil, err
	}
	nowUnix := s.now().Unix()
	out := make(map[string]int64, len(colls))
	for name := range colls {
		rows, err := s.fetchRows(ctx, userID, name)
		if err != nil {
			return nil, err
		}
		var size int64
		alive := false
		for i := range rows {
			if rows[i].Alive(nowUnix) {
				alive = true
				size += int64(len(rows[i].Payload))
			}
		}
		if alive {
			out[name] = size
		}
	}
	return out, nil
}

func (s *Store) GetTotalSize(ctx context.Context, userID int64, recalculate bool) (int64, error) {
	sizes, err := s.GetCollectionSizes(ctx, userID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range sizes {
		total += n
	}
	return total, nil
}

// fetchRows reads the user's whole collection partition. Filtering and
// ordering happen in process; a collection partition is bounded by the
// per-user quota so this stays reasonable.
func (s *Store) fetchRows(ctx context.Context, userID int64, collection string) ([]query.Row, error) {
	iter := s.conn.Session.Query(
		fmt.Sprintf("SELECT id, modified, sortindex, has_sortindex, payload, ttl FROM %s.bso WHERE userid = ? AND collection = ?;", s.keyspace()),
		userID, collection).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.ItemGet)).Iter()

	var rows []query.Row
	var (
		id       string
		modified int64
		sortIdx  int
		hasIdx   bool
		payload  string
		expiry   int64
	)
	for iter.Scan(&id, &modified, &sortIdx, &hasIdx, &payload, &expiry) {
		rows = append(rows, query.Row{
			ID:        id,
			Payload:   payload,
			SortIndex: sortIdx,
			HasIndex:  hasIdx,
			Modified:  syncstore.Timestamp(modified),
			Expiry:    expiry,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, syncstore.NewBackendError(err)
	}
	return rows, nil
}

func (s *Store) requireCollection(ctx context.Context, userID int64, collection string) error {
	_, _, found, err := s.collectionVersion(ctx, userID, collection)
	if err != nil {
		return err
	}
	if !found {
		return syncstore.ErrCollectionNotFound
	}
	return nil
}

func (s *Store) GetItems(ctx context.Context, userID int64, collection string, params *syncstore.Params) (*syncstore.ItemsResult, error) {
	if err := s.requireCollection(ctx, userID, collection); err != nil {
		return nil, err
	}
	rows, err := s.fetchRows(ctx, userID, collection)
	if err != nil {
		return nil, err
	}
	page, next, err := query.Apply(rows, params, s.now().Unix())
	if err != nil {
		return nil, err
	}
	res := &syncstore.ItemsResult{NextOffset: next, Items: make([]*syncstore.BSO, 0, len(page))}
	for i := range page {
		res.Items = append(res.Items, page[i].BSO())
	}
	return res, nil
}

func (s *Store) GetItemIDs(ctx context.Context, userID int64, collection string, params *syncstore.Params) (*syncstore.IDsResult, error) {
	if err := s.requireCollection(ctx, userID, collection); err != nil {
		return nil, err
	}
	rows, err := s.fetchRows(ctx, userID, collection)
	if err != nil {
		return nil, err
	}
	page, next, err := query.Apply(rows, params, s.now().Unix())
	if err != nil {
		return nil, err
	}
	res := &syncstore.IDsResult{NextOffset: next, IDs: make([]string, 0, len(page))}
	for i := range page {
		res.IDs = append(res.IDs, page[i].ID)
	}
	return res, nil
}

// readRow fetches one item row, found=false when absent.
func (s *Store) readRow(ctx context.Context, userID int64, collection, itemID string) (query.Row, bool, error) {
	var (
		modified int64
		sortIdx  int
		hasIdx   bool
		payload  string
		expiry   int64
	)
	q := s.conn.Session.Query(
		fmt.Sprintf("SELECT modified, sortindex, has_sortindex, payload, ttl FROM %s.bso WHERE userid = ? AND collection = ? AND id = ?;", s.keyspace()),
		userID, collection, itemID).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.ItemGet))
	if err := q.Scan(&modified, &sortIdx, &hasIdx, &payload, &expiry); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return query.Row{}, false, nil
		}
		return query.Row{}, false, syncstore.NewBackendError(err)
	}
	return query.Row{
		ID:        itemID,
		Payload:   payload,
		SortIndex: sortIdx,
		HasIndex:  hasIdx,
		Modified:  syncstore.Timestamp(modified),
		Expiry:    expiry,
	}, true, nil
}

func (s *Store) GetItem(ctx context.Context, userID int64, collection string, itemID string) (*syncstore.BSO, error) {
	row, found, err := s.readRow(ctx, userID, collection, itemID)
	if err != nil {
		return nil, err
	}
	if !found {
		if err := s.requireCollection(ctx, userID, collection); err != nil {
			return nil, err
		}
		return nil, syncstore.ErrItemNotFound
	}
	if !row.Alive(s.now().Unix()) {
		return nil, syncstore.ErrItemNotFound
	}
	return row.BSO(), nil
}

func (s *Store) GetItemTimestamp(ctx context.Context, userID int64, collection string, itemID string) (syncstore.Timestamp, error) {
	bso, err := s.GetItem(ctx, userID, collection, itemID)
	if err != nil {
		return 0, err
	}
	return bso.Modified, nil
}

// mergeRow folds a write into the existing row, preserving fields the
// write leaves absent.
func mergeRow(existing query.Row, alive bool, bso *syncstore.BSO, ts syncstore.Timestamp) query.Row {
	row := query.Row{ID: bso.ID}
	if alive {
		row = existing
	}
	if bso.Payload != nil {
		row.Payload = *bso.Payload
	}
	if bso.SortIndex != nil {
		row.SortIndex = *bso.SortIndex
		row.HasIndex = true
	}
	if bso.TTL != nil {
		row.Expiry = ts.Unix() + int64(*bso.TTL)
	}
	row.Modified = ts
	return row
}

func (s *Store) writeRow(ctx context.Context, userID int64, collection string, row query.Row) error {
	err := s.conn.Session.Query(
		fmt.Sprintf("INSERT INTO %s.bso (userid, collection, id, modified, sortindex, has_sortindex, payload, ttl) VALUES (?, ?, ?, ?, ?, ?, ?, ?);", s.keyspace()),
		userID, collection, row.ID, row.Modified.Milliseconds(), row.SortIndex, row.HasIndex, row.Payload, row.Expiry).
		WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.ItemWrite)).Exec()
	return syncstore.NewBackendError(err)
}

func (s *Store) SetItem(ctx context.Context, userID int64, collection string, itemID string, bso *syncstore.BSO) (*syncstore.SetResult, error) {
	existing, found, err := s.readRow(ctx, userID, collection, itemID)
	if err != nil {
		return nil, err
	}
	ts, err := s.claimVersion(ctx, userID, collection, false)
	if err != nil {
		return nil, err
	}
	alive := found && existing.Alive(ts.Unix())
	row := mergeRow(existing, alive, bso, ts)
	row.ID = itemID
	if err := s.writeRow(ctx, userID, collection, row); err != nil {
		return nil, err
	}
	return &syncstore.SetResult{Created: !alive, Modified: ts}, nil
}

func (s *Store) SetItems(ctx context.Context, userID int64, collection string, items []*syncstore.BSO) (syncstore.Timestamp, error) {
	// Snapshot the partition once for the merge semantics of partial
	// updates, then claim a single version for the group.
	rows, err := s.fetchRows(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	existing := make(map[string]query.Row, len(rows))
	for i := range rows {
		existing[rows[i].ID] = rows[i]
	}

	ts, err := s.claimVersion(ctx, userID, collection, false)
	if err != nil {
		return 0, err
	}
	nowUnix := ts.Unix()
	for _, bso := range items {
		prev, found := existing[bso.ID]
		alive := found && prev.Alive(nowUnix)
		row := mergeRow(prev, alive, bso, ts)
		if err := s.writeRow(ctx, userID, collection, row); err != nil {
			return 0, err
		}
	}
	return ts, nil
}

func (s *Store) DeleteItem(ctx context.Context, userID int64, collection string, itemID string) (syncstore.Timestamp, error) {
	if err := s.requireCollection(ctx, userID, collection); err != nil {
		return 0, err
	}
	row, found, err := s.readRow(ctx, userID, collection, itemID)
	if err != nil {
		return 0, err
	}
	if !found || !row.Alive(s.now().Unix()) {
		return 0, syncstore.ErrItemNotFound
	}
	if err := s.conn.Session.Query(
		fmt.Sprintf("DELETE FROM %s.bso WHERE userid = ? AND collection = ? AND id = ?;", s.keyspace()),
		userID, collection, itemID).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.ItemWrite)).Exec(); err != nil {
		return 0, syncstore.NewBackendError(err)
	}
	return s.claimVersion(ctx, userID, collection, false)
}

func (s *Store) DeleteItems(ctx context.Context, userID int64, collection string, itemIDs []string) (syncstore.Timestamp, error) {
	if err := s.requireCollection(ctx, userID, collection); err != nil {
		return 0, err
	}
	for _, id := range itemIDs {
		if err := s.conn.Session.Query(
			fmt.Sprintf("DELETE FROM %s.bso WHERE userid = ? AND collection = ? AND id = ?;", s.keyspace()),
			userID, collection, id).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.ItemWrite)).Exec(); err != nil {
			return 0, syncstore.NewBackendError(err)
		}
	}
	return s.claimVersion(ctx, userID, collection, false)
}

// DeleteCollection drops the item partition but keeps the version row,
// marked emptied, so precondition checks observe a version at or above
// the delete.
func (s *Store) DeleteCollection(ctx context.Context, userID int64, collection string) (syncstore.Timestamp, error) {
	if err := s.requireCollection(ctx, userID, collection); err != nil {
		return 0, err
	}
	if err := s.conn.Session.Query(
		fmt.Sprintf("DELETE FROM %s.bso WHERE userid = ? AND collection = ?;", s.keyspace()),
		userID, collection).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.ItemWrite)).Exec(); err != nil {
		return 0, syncstore.NewBackendError(err)
	}
	return s.claimVersion(ctx, userID, collection, true)
}

// DeleteStorage drops all of the user's data, leaving only the storage
// watermark row so the storage version still advances across the wipe.
func (s *Store) DeleteStorage(ctx context.Context, userID int64) error {
	prior, err := s.GetStorageTimestamp(ctx, userID)
	if err != nil {
		return err
	}

	iter := s.conn.Session.Query(
		fmt.Sprintf("SELECT collection FROM %s.user_collections WHERE userid = ?;", s.keyspace()),
		userID).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.CollectionGet)).Iter()
	var name string
	var names []string
	for iter.Scan(&name) {
		if name != watermarkRow {
			names = append(names, name)
		}
	}
	if err := iter.Close(); err != nil {
		return syncstore.NewBackendError(err)
	}
	for _, n := range names {
		if err := s.conn.Session.Query(
			fmt.Sprintf("DELETE FROM %s.bso WHERE userid = ? AND collection = ?;", s.keyspace()),
			userID, n).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.ItemWrite)).Exec(); err != nil {
			return syncstore.NewBackendError(err)
		}
	}

	// Drop open batches.
	bIter := s.conn.Session.Query(
		fmt.Sprintf("SELECT batch_id FROM %s.batches WHERE userid = ?;", s.keyspace()),
		userID).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.CollectionGet)).Iter()
	var batchID int64
	var batchIDs []int64
	for bIter.Scan(&batchID) {
		batchIDs = append(batchIDs, batchID)
	}
	if err := bIter.Close(); err != nil {
		return syncstore.NewBackendError(err)
	}
	for _, id := range batchIDs {
		if err := s.dropBatch(ctx, userID, id); err != nil {
			return err
		}
	}

	if err := s.conn.Session.Query(
		fmt.Sprintf("DELETE FROM %s.user_collections WHERE userid = ?;", s.keyspace()),
		userID).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.CollectionWrite)).Exec(); err != nil {
		return syncstore.NewBackendError(err)
	}

	ts := s.now()
	if ts <= prior {
		ts = prior + 10
	}
	if err := s.conn.Session.Query(
		fmt.Sprintf("INSERT INTO %s.user_collections (userid, collection, last_modified, emptied) VALUES (?, ?, ?, true);", s.keyspace()),
		userID, watermarkRow, ts.Milliseconds()).
		WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.CollectionWrite)).Exec(); err != nil {
		return syncstore.NewBackendError(err)
	}
	return nil
}

// batchItem is the persisted form of a buffered upload; unlike the wire
// form it keeps the relative ttl.
type batchItem struct {
	ID        string  `json:"id"`
	Payload   *string `json:"payload,omitempty"`
	SortIndex *int    `json:"sortindex,omitempty"`
	TTL       *int    `json:"ttl,omitempty"`
}

func encodeBatchItem(b *syncstore.BSO) (string, error) {
	ba, err := json.Marshal(batchItem{ID: b.ID, Payload: b.Payload, SortIndex: b.SortIndex, TTL: b.TTL})
	if err != nil {
		return "", err
	}
	return string(ba), nil
}

func decodeBatchItem(body string) (*syncstore.BSO, error) {
	var it batchItem
	if err := json.Unmarshal([]byte(body), &it); err != nil {
		return nil, err
	}
	return &syncstore.BSO{ID: it.ID, Payload: it.Payload, SortIndex: it.SortIndex, TTL: it.TTL}, nil
}

func (s *Store) CreateBatch(ctx context.Context, userID int64, collection string) (int64, error) {
	cw := s.cons(s.conn.ConsistencyBook.BatchWrite)
	id := s.now().Milliseconds()
	for attempt := 0; attempt < casRetries; attempt++ {
		applied, err := s.conn.Session.Query(
			fmt.Sprintf("INSERT INTO %s.batches (userid, batch_id, collection, created) VALUES (?, ?, ?, ?) IF NOT EXISTS;", s.keyspace()),
			userID, id, collection, s.now().Unix()).WithContext(ctx).Consistency(cw).ScanCAS()
		if err != nil {
			return 0, syncstore.NewBackendError(err)
		}
		if applied {
			return id, nil
		}
		id += 10
	}
	return 0, syncstore.ErrConflict
}

// lookupBatch returns the batch row, ok=false for unknown, foreign or
// expired batches.
func (s *Store) lookupBatch(ctx context.Context, userID int64, collection string, batchID int64) (bool, error) {
	var coll string
	var created int64
	q := s.conn.Session.Query(
		fmt.Sprintf("SELECT collection, created FROM %s.batches WHERE userid = ? AND batch_id = ?;", s.keyspace()),
		userID, batchID).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.CollectionGet))
	if err := q.Scan(&coll, &created); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return false, nil
		}
		return false, syncstore.NewBackendError(err)
	}
	if coll != collection {
		return false, nil
	}
	return s.now().Unix()-created < syncstore.BatchLifetime, nil
}

func (s *Store) ValidBatch(ctx context.Context, userID int64, collection string, batchID int64) (bool, error) {
	return s.lookupBatch(ctx, userID, collection, batchID)
}

func (s *Store) AppendItemsToBatch(ctx context.Context, userID int64, collection string, batchID int64, items []*syncstore.BSO) (syncstore.Timestamp, error) {
	ok, err := s.lookupBatch(ctx, userID, collection, batchID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, syncstore.ErrInvalidBatch
	}
	cw := s.cons(s.conn.ConsistencyBook.BatchWrite)
	for _, it := range items {
		body, err := encodeBatchItem(it)
		if err != nil {
			return 0, err
		}
		if err := s.conn.Session.Query(
			fmt.Sprintf("INSERT INTO %s.batch_items (userid, batch_id, ord, body) VALUES (?, ?, now(), ?);", s.keyspace()),
			userID, batchID, body).WithContext(ctx).Consistency(cw).Exec(); err != nil {
			return 0, syncstore.NewBackendError(err)
		}
	}
	ts, _, _, err := s.collectionVersion(ctx, userID, collection)
	return ts, err
}

func (s *Store) ApplyBatch(ctx context.Context, userID int64, collection string, batchID int64) (syncstore.Timestamp, error) {
	ok, err := s.lookupBatch(ctx, userID, collection, batchID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, syncstore.ErrInvalidBatch
	}
	iter := s.conn.Session.Query(
		fmt.Sprintf("SELECT body FROM %s.batch_items WHERE userid = ? AND batch_id = ?;", s.keyspace()),
		userID, batchID).WithContext(ctx).Consistency(s.cons(s.conn.ConsistencyBook.CollectionGet)).Iter()
	var body string
	var items []*syncstore.BSO
	for iter.Scan(&body) {
		it, err := decodeBatchItem(body)
		if err != nil {
			iter.Close()
			return 0, err
		}
		items = append(items, it)
	}
	if err := iter.Close(); err != nil {
		return 0, syncstore.NewBackendError(err)
	}
	return s.SetItems(ctx, userID, collection, items)
}

func (s *Store) dropBatch(ctx context.Context, userID int64, batchID int64) error {
	cw := s.cons(s.conn.ConsistencyBook.BatchWrite)
	if err := s.conn.Session.Query(
		fmt.Sprintf("DELETE FROM %s.batch_items WHERE userid = ? AND batch_id = ?;", s.keyspace()),
		userID, batchID).WithContext(ctx).Consistency(cw).Exec(); err != nil {
		return syncstore.NewBackendError(err)
	}
	if err := s.conn.Session.Query(
		fmt.Sprintf("DELETE FROM %s.batches WHERE userid = ? AND batch_id = ?;", s.keyspace()),
		userID, batchID).WithContext(ctx).Consistency(cw).Exec(); err != nil {
		return syncstore.NewBackendError(err)
	}
	return nil
}

func (s *Store) CloseBatch(ctx context.Context, userID int64, collection string, batchID int64) error {
	return s.dropBatch(ctx, userID, batchID)
}

// PurgeExpiredItems scans the item table and deletes rows whose expiry
// passed more than gracePeriod seconds ago, plus stale batch uploads.
// The scan is resumable: callers loop until IsComplete.
func (s *Store) PurgeExpiredItems(ctx context.Context, gracePeriod int64, maxPerLoop int) (*syncstore.PurgeResult, error) {
	res := &syncstore.PurgeResult{IsComplete: true}
	nowUnix := s.now().Unix()
	cutoff := nowUnix - gracePeriod
	pc := s.cons(s.conn.ConsistencyBook.Purge)

	iter := s.conn.Session.Query(
		fmt.Sprintf("SELECT userid, collection, id, ttl FROM %s.bso;", s.keyspace())).
		WithContext(ctx).Consistency(pc).Iter()
	var (
		userID     int64
		collection string
		id         string
		expiry     int64
	)
	for iter.Scan(&userID, &collection, &id, &expiry) {
		if expiry == 0 || expiry > cutoff {
			continue
		}
		if err := s.conn.Session.Query(
			fmt.Sprintf("DELETE FROM %s.bso WHERE userid = ? AND collection = ? AND id = ?;", s.keyspace()),
			userID, collection, id).WithContext(ctx).Consistency(pc).Exec(); err != nil {
			iter.Close()
			return nil, syncstore.NewBackendError(err)
		}
		res.NumPurged++
		if maxPerLoop > 0 && res.NumPurged >= maxPerLoop {
			res.IsComplete = false
			break
		}
	}
	if err := iter.Close(); err != nil {
		return nil, syncstore.NewBackendError(err)
	}
	if !res.IsComplete {
		return res, nil
	}

	bIter := s.conn.Session.Query(
		fmt.Sprintf("SELECT userid, batch_id, created FROM %s.batches;", s.keyspace())).
		WithContext(ctx).Consistency(pc).Iter()
	var batchID, created int64
	type staleBatch struct{ userID, batchID int64 }
	var stale []staleBatch
	for bIter.Scan(&userID, &batchID, &created) {
		if nowUnix-created >= syncstore.BatchLifetime+gracePeriod {
			stale = append(stale, staleBatch{userID, batchID})
		}
	}
	if err := bIter.Close(); err != nil {
		return nil, syncstore.NewBackendError(err)
	}
	for _, b := range stale {
		if err := s.dropBatch(ctx, b.userID, b.batchID); err != nil {
			return nil, err
		}
		res.BatchesPurged++
	}
	return res, nil
}

// Ping verifies the session can serve a trivial read.
func (s *Store) Ping(ctx context.Context) error {
	if s.conn == nil || s.conn.Session == nil {
		return fmt.Errorf("cassandra connection is not open")
	}
	var v string
	if err := s.conn.Session.Query("SELECT release_version FROM system.local;").WithContext(ctx).Scan(&v); err != nil {
		return syncstore.NewBackendError(err)
	}
	return nil
}
