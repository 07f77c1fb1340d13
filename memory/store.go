// Package memory implements the sync storage contract entirely in
// process memory. It backs standalone deployments and is the reference
// backend for the coordinator and REST tests: no external services, but
// the full semantics (version monotonicity, TTL visibility, batches,
// purging, row locking).
package memory

import (
	"context"
	"sync"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/internal/query"
	"github.com/mozservices/syncstore/lock"
)

type item struct {
	payload   string
	sortIndex int
	hasIndex  bool
	modified  syncstore.Timestamp
	// expiry is absolute unix seconds, zero for "never expires".
	expiry int64
}

func (it *item) alive(nowUnix int64) bool {
	return it.expiry == 0 || it.expiry > nowUnix
}

type collection struct {
	items map[string]*item
	// lastModified persists after the collection is emptied so version
	// tokens never move backwards.
	lastModified syncstore.Timestamp
}

func (c *collection) aliveCount(nowUnix int64) int {
	n := 0
	for _, it := range c.items {
		if it.alive(nowUnix) {
			n++
		}
	}
	return n
}

type batchUpload struct {
	collection string
	created    syncstore.Timestamp
	items      []*syncstore.BSO
}

type userData struct {
	collections map[string]*collection
	batches     map[int64]*batchUpload
	// storageTS is the high-water version across all collections,
	// including full-storage deletes.
	storageTS syncstore.Timestamp
}

// Store is an in-memory syncstore.SyncStore. The zero value is not
// usable; construct with NewStore.
type Store struct {
	mu    sync.Mutex
	users map[int64]*userData

	lockMu sync.Mutex
	locks  map[lock.Key]*sync.RWMutex

	clock func() syncstore.Timestamp
}

var _ syncstore.SyncStore = (*Store)(nil)

// NewStore creates an empty store using the wall clock for versions.
func NewStore() *Store {
	return NewStoreWithClock(syncstore.NowTimestamp)
}

// NewStoreWithClock creates a store with an injected clock, so tests
// can drive version assignment deterministically.
func NewStoreWithClock(clock func() syncstore.Timestamp) *Store {
	return &Store{
		users: make(map[int64]*userData),
		locks: make(map[lock.Key]*sync.RWMutex),
		clock: clock,
	}
}

func (s *Store) user(userID int64) *userData {
	u, ok := s.users[userID]
	if !ok {
		u = &userData{
			collections: make(map[string]*collection),
			batches:     make(map[int64]*batchUpload),
		}
		s.users[userID] = u
	}
	return u
}

// stamp allocates the version for a new write. When the clock has not
// advanced past the collection's last write, the version is bumped one
// tick instead of failing, keeping per-collection versions strictly
// increasing.
func (s *Store) stamp(u *userData, c *collection) syncstore.Timestamp {
	ts := s.clock()
	if c != nil && ts <= c.lastModified {
		ts = c.lastModified + 10
	}
	if ts <= u.storageTS {
		ts = u.storageTS + 10
	}
	return ts
}

func (s *Store) commit(u *userData, c *collection, ts syncstore.Timestamp) {
	if c != nil {
		c.lastModified = ts
	}
	if ts > u.storageTS {
		u.storageTS = ts
	}
}

// GetStorageTimestamp returns the user's high-water version, zero when
// nothing was ever written.
func (s *Store) GetStorageTimestamp(ctx context.Context, userID int64) (syncstore.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, nil
	}
	return u.storageTS, nil
}

func (s *Store) GetCollectionTimestamp(ctx context.Context, userID int64, name string) (syncstore.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lookup(userID, name)
	if c == nil {
		return 0, syncstore.ErrCollectionNotFound
	}
	return c.lastModified, nil
}

// GetCollectionTimestamps lists the versions of the user's non-empty
// collections. Emptied collections drop out of the listing while their
// version stays reachable through GetCollectionTimestamp.
func (s *Store) GetCollectionTimestamps(ctx context.Context, userID int64) (map[string]syncstore.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowUnix := s.clock().Unix()
	out := make(map[string]syncstore.Timestamp)
	if u, ok := s.users[userID]; ok {
		for name, c := range u.collections {
			if c.aliveCount(nowUnix) > 0 {
				out[name] = c.lastModified
			}
		}
	}
	return out, nil
}

func (s *Store) GetCollectionCounts(ctx context.Context, userID int64) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowUnix := s.clock().Unix()
	out := make(map[string]int)
	if u, ok := s.users[userID]; ok {
		for name, c := range u.collections {
			if n := c.aliveCount(nowUnix); n > 0 {
				out[name] = n
			}
		}
	}
	return out, nil
}

func (s *Store) GetCollectionSizes(ctx context.Context, userID int64) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowUnix := s.clock().Unix()
	out := make(map[string]int64)
	if u, ok := s.users[userID]; ok {
		for name, c := range u.collections {
			var size int64
			alive := false
			for _, it := range c.items {
				if it.alive(nowUnix) {
					alive = true
					size += int64(len(it.payload))
				}
			}
			if alive {
				out[name] = size
			}
		}
	}
	return out, nil
}

// GetTotalSize sums the user's live payload bytes. The figure is always
// exact here, so recalculate is a no-op.
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

// lookup returns the collection record, nil when never written. Callers
// hold s.mu.
func (s *Store) lookup(userID int64, name string) *collection {
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	return u.collections[name]
}

// rows snapshots the collection's items as query candidates. Callers
// hold s.mu.
func (c *collection) rows() []query.Row {
	out := make([]query.Row, 0, len(c.items))
	for id, it := range c.items {
		out = append(out, query.Row{
			ID:        id,
			Payload:   it.payload,
			SortIndex: it.sortIndex,
			HasIndex:  it.hasIndex,
			Modified:  it.modified,
			Expiry:    it.expiry,
		})
	}
	return out
}

func (s *Store) GetItems(ctx context.Context, userID int64, name string, params *syncstore.Params) (*syncstore.ItemsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lookup(userID, name)
	if c == nil {
		return nil, syncstore.ErrCollectionNotFound
	}
	rows, next, err := query.Apply(c.rows(), params, s.clock().Unix())
	if err != nil {
		return nil, err
	}
	res := &syncstore.ItemsResult{NextOffset: next, Items: make([]*syncstore.BSO, 0, len(rows))}
	for i := range rows {
		res.Items = append(res.Items, rows[i].BSO())
	}
	return res, nil
}

func (s *Store) GetItemIDs(ctx context.Context, userID int64, name string, params *syncstore.Params) (*syncstore.IDsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lookup(userID, name)
	if c == nil {
		return nil, syncstore.ErrCollectionNotFound
	}
	rows, next, err := query.Apply(c.rows(), params, s.clock().Unix())
	if err != nil {
		return nil, err
	}
	res := &syncstore.IDsResult{NextOffset: next, IDs: make([]string, 0, len(rows))}
	for i := range rows {
		res.IDs = append(res.IDs, rows[i].ID)
	}
	return res, nil
}

func (s *Store) GetItem(ctx context.Context, userID int64, name string, itemID string) (*syncstore.BSO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lookup(userID, name)
	if c == nil {
		return nil, syncstore.ErrCollectionNotFound
	}
	it, ok := c.items[itemID]
	if !ok || !it.alive(s.clock().Unix()) {
		return nil, syncstore.ErrItemNotFound
	}
	r := query.Row{
		ID:        itemID,
		Payload:   it.payload,
		SortIndex: it.sortIndex,
		HasIndex:  it.hasIndex,
		Modified:  it.modified,
		Expiry:    it.expiry,
	}
	return r.BSO(), nil
}

func (s *Store) GetItemTimestamp(ctx context.Context, userID int64, name string, itemID string) (syncstore.Timestamp, error) {
	bso, err := s.GetItem(ctx, userID, name, itemID)
	if err != nil {
		return 0, err
	}
	return bso.Modified, nil
}

func (s *Store) SetItem(ctx context.Context, userID int64, name string, itemID string, bso *syncstore.BSO) (*syncstore.SetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	c, ok := u.collections[name]
	if !ok {
		c = &collection{items: make(map[string]*item)}
		u.collections[name] = c
	}
	ts := s.stamp(u, c)
	nowUnix := ts.Unix()

	existing, had := c.items[itemID]
	created := !had || !existing.alive(nowUnix)
	if created {
		existing = &item{}
		c.items[itemID] = existing
	}
	applyFields(existing, bso, ts)
	s.commit(u, c, ts)
	return &syncstore.SetResult{Created: created, Modified: ts}, nil
}

// SetItems writes a group of items under one version and returns the
// collection's new last-modified value.
func (s *Store) SetItems(ctx context.Context, userID int64, name string, items []*syncstore.BSO) (syncstore.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setItemsLocked(userID, name, items)
}

func (s *Store) setItemsLocked(userID int64, name string, items []*syncstore.BSO) (syncstore.Timestamp, error) {
	u := s.user(userID)
	c, ok := u.collections[name]
	if !ok {
		c = &collection{items: make(map[string]*item)}
		u.collections[name] = c
	}
	ts := s.stamp(u, c)
	nowUnix := ts.Unix()
	for _, bso := range items {
		it, had := c.items[bso.ID]
		if !had || !it.alive(nowUnix) {
			it = &item{}
			c.items[bso.ID] = it
		}
		applyFields(it, bso, ts)
	}
	s.commit(u, c, ts)
	return ts, nil
}

// applyFields merges the write into the stored item. Absent optional
// fields keep their stored values, so a payload-less update bumps the
// version without touching data.
func applyFields(it *item, bso *syncstore.BSO, ts syncstore.Timestamp) {
	if bso.Payload != nil {
		it.payload = *bso.Payload
	}
	if bso.SortIndex != nil {
		it.sortIndex = *bso.SortIndex
		it.hasIndex = true
	}
	if bso.TTL != nil {
		it.expiry = ts.Unix() + int64(*bso.TTL)
	}
	it.modified = ts
}

func (s *Store) DeleteItem(ctx context.Context, userID int64, name string, itemID string) (syncstore.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lookup(userID, name)
	if c == nil {
		return 0, syncstore.ErrCollectionNotFound
	}
	it, ok := c.items[itemID]
	if !ok || !it.alive(s.clock().Unix()) {
		return 0, syncstore.ErrItemNotFound
	}
	delete(c.items, itemID)
	u := s.users[userID]
	ts := s.stamp(u, c)
	s.commit(u, c, ts)
	return ts, nil
}

// DeleteItems removes the named items. The collection version advances
// even when none of the ids existed, matching the idempotent semantics
// of a bulk delete.
func (s *Store) DeleteItems(ctx context.Context, userID int64, name string, itemIDs []string) (syncstore.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lookup(userID, name)
	if c == nil {
		return 0, syncstore.ErrCollectionNotFound
	}
	for _, id := range itemIDs {
		delete(c.items, id)
	}
	u := s.users[userID]
	ts := s.stamp(u, c)
	s.commit(u, c, ts)
	return ts, nil
}

// DeleteCollection empties the collection but keeps its version record,
// so later reads and precondition checks observe a version at or above
// the delete.
func (s *Store) DeleteCollection(ctx context.Context, userID int64, name string) (syncstore.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lookup(userID, name)
	if c == nil {
		return 0, syncstore.ErrCollectionNotFound
	}
	c.items = make(map[string]*item)
	u := s.users[userID]
	ts := s.stamp(u, c)
	s.commit(u, c, ts)
	return ts, nil
}

// DeleteStorage drops all of the user's data. The storage version still
// advances so clients polling /info/collections observe the wipe.
func (s *Store) DeleteStorage(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	prior := u.storageTS
	fresh := &userData{
		collections: make(map[string]*collection),
		batches:     make(map[int64]*batchUpload),
		storageTS:   prior,
	}
	ts := s.clock()
	if ts <= prior {
		ts = prior + 10
	}
	fresh.storageTS = ts
	s.users[userID] = fresh
	return nil
}

// CreateBatch opens a batch upload and returns its id, a millisecond
// timestamp bumped past any colliding id.
func (s *Store) CreateBatch(ctx context.Context, userID int64, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	id := s.clock().Milliseconds()
	for {
		if _, exists := u.batches[id]; !exists {
			break
		}
		id += 10
	}
	u.batches[id] = &batchUpload{collection: name, created: s.clock()}
	return id, nil
}

func (s *Store) ValidBatch(ctx context.Context, userID int64, name string, batchID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	b, ok := u.batches[batchID]
	if !ok || b.collection != name {
		return false, nil
	}
	age := s.clock().Unix() - b.created.Unix()
	return age < syncstore.BatchLifetime, nil
}

func (s *Store) AppendItemsToBatch(ctx context.Context, userID int64, name string, batchID int64, items []*syncstore.BSO) (syncstore.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, syncstore.ErrInvalidBatch
	}
	b, ok := u.batches[batchID]
	if !ok || b.collection != name {
		return 0, syncstore.ErrInvalidBatch
	}
	b.items = append(b.items, items...)
	if c := u.collections[name]; c != nil {
		return c.lastModified, nil
	}
	return 0, nil
}

// ApplyBatch commits the buffered items under one version. The batch
// stays open until CloseBatch so a failed commit can be retried.
func (s *Store) ApplyBatch(ctx context.Context, userID int64, name string, batchID int64) (syncstore.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, syncstore.ErrInvalidBatch
	}
	b, ok := u.batches[batchID]
	if !ok || b.collection != name {
		return 0, syncstore.ErrInvalidBatch
	}
	return s.setItemsLocked(userID, name, b.items)
}

func (s *Store) CloseBatch(ctx context.Context, userID int64, name string, batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		delete(u.batches, batchID)
	}
	return nil
}

// PurgeExpiredItems deletes items whose expiry passed more than
// gracePeriod seconds ago, plus stale batch uploads, in chunks of at
// most maxPerLoop. Purging bypasses version assignment: removing dead
// rows is not a write.
func (s *Store) PurgeExpiredItems(ctx context.Context, gracePeriod int64, maxPerLoop int) (*syncstore.PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := &syncstore.PurgeResult{IsComplete: true}
	nowUnix := s.clock().Unix()
	cutoff := nowUnix - gracePeriod
	for _, u := range s.users {
		for _, c := range u.collections {
			for id, it := range c.items {
				if it.expiry != 0 && it.expiry <= cutoff {
					delete(c.items, id)
					res.NumPurged++
					if maxPerLoop > 0 && res.NumPurged >= maxPerLoop {
						res.IsComplete = false
						return res, nil
					}
				}
			}
		}
		for id, b := range u.batches {
			if nowUnix-b.created.Unix() >= syncstore.BatchLifetime+gracePeriod {
				delete(u.batches, id)
				res.BatchesPurged++
			}
		}
	}
	return res, nil
}

// Ping always succeeds; the process holding the data is the backend.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}
