// Package cachestore layers a cache tier over a durable SyncStore. The
// cache holds per-user metadata (storage size plus the version of every
// collection) so the hot polling endpoints never touch the durable
// store, duplicates configured collections for fast reads, and hosts
// configured cache-only collections entirely, with no durable writes.
//
// Coherence relies on a dirty-marker compare-and-swap protocol: before a
// durable write the collection's cached version is swapped to the dirty
// sentinel, and only a successful write swaps the real version back in.
// Readers treat the sentinel as a cache miss and fall through to the
// durable store, so a crash mid-write degrades to slower reads, never to
// stale data.
package cachestore

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/lock"
)

const (
	// sizeRecalcPeriod bounds how stale the cached total-size figure may
	// get before a read recomputes it from the durable store.
	sizeRecalcPeriod = 3600 // seconds

	// sizeRecalcHeadroom forces a recompute when the cached figure is
	// within this many bytes of the quota, so over-quota rejections are
	// based on fresh numbers.
	sizeRecalcHeadroom = 1024 * 1024

	// casAttempts bounds every metadata compare-and-swap loop; losing
	// every round means pathological contention and the entry is
	// invalidated instead.
	casAttempts = 10
)

// userMetadata is the per-user cache entry behind /info responses.
type userMetadata struct {
	Size           int64                          `json:"size"`
	LastSizeRecalc int64                          `json:"last_size_recalc"`
	Modified       syncstore.Timestamp            `json:"modified"`
	Collections    map[string]syncstore.Timestamp `json:"collections"`
}

func (m *userMetadata) dirty() bool {
	if m.Modified == syncstore.TimestampDirty {
		return true
	}
	for _, ts := range m.Collections {
		if ts == syncstore.TimestampDirty {
			return true
		}
	}
	return false
}

// Store is the cache coordinator. It implements syncstore.SyncStore and
// is what the REST tier talks to.
type Store struct {
	store  syncstore.SyncStore
	cache  syncstore.Cache
	locker *lock.CacheLocker

	prefix    string
	quota     int64
	cached    map[string]bool
	cacheOnly map[string]bool
	lockAll   bool

	now func() syncstore.Timestamp
}

var _ syncstore.SyncStore = (*Store)(nil)

// NewStore builds the coordinator from the durable store, the cache and
// the storage config.
func NewStore(store syncstore.SyncStore, cache syncstore.Cache, cfg syncstore.StorageConfig) *Store {
	s := &Store{
		store:     store,
		cache:     cache,
		locker:    lock.NewCacheLocker(cache, cfg.CacheLockTTLOrDefault(), 0),
		prefix:    cfg.CacheKeyPrefix,
		quota:     cfg.QuotaSize,
		cached:    make(map[string]bool, len(cfg.CachedCollections)),
		cacheOnly: make(map[string]bool, len(cfg.CacheOnlyCollections)),
		lockAll:   cfg.CacheLock,
		now:       syncstore.NowTimestamp,
	}
	for _, c := range cfg.CachedCollections {
		s.cached[c] = true
	}
	for _, c := range cfg.CacheOnlyCollections {
		s.cacheOnly[c] = true
	}
	return s
}

func (s *Store) metaKey(userID int64) string {
	return fmt.Sprintf("%s%d:metadata", s.prefix, userID)
}

func (s *Store) collKey(userID int64, collection string) string {
	return fmt.Sprintf("%s%d:c:%s", s.prefix, userID, collection)
}

func (s *Store) batchKey(userID int64, batchID int64) string {
	return fmt.Sprintf("%s%d:b:%d", s.prefix, userID, batchID)
}

func (s *Store) manager(collection string) manager {
	switch {
	case s.cacheOnly[collection]:
		return &cacheOnlyManager{s}
	case s.cached[collection]:
		return &cachedManager{uncachedManager{s}}
	default:
		return &uncachedManager{s}
	}
}

// Locking: cache-only collections have no durable rows, so their locks
// live in the cache too. Everything else uses the durable store's lock
// manager unless cache locking is forced for the deployment.

func (s *Store) LockForRead(ctx context.Context, userID int64, collection string) (syncstore.UnlockFunc, error) {
	if s.lockAll || s.cacheOnly[collection] {
		return s.locker.LockForRead(ctx, userID, collection)
	}
	return s.store.LockForRead(ctx, userID, collection)
}

func (s *Store) LockForWrite(ctx context.Context, userID int64, collection string) (syncstore.UnlockFunc, error) {
	if s.lockAll || s.cacheOnly[collection] {
		return s.locker.LockForWrite(ctx, userID, collection)
	}
	return s.store.LockForWrite(ctx, userID, collection)
}

// getMetadata reads the cached metadata entry plus its swap token.
func (s *Store) getMetadata(ctx context.Context, userID int64) (*userMetadata, string, bool, error) {
	var meta userMetadata
	found, token, err := s.cache.GetWithToken(ctx, s.metaKey(userID), &meta)
	if err != nil {
		return nil, "", false, syncstore.NewBackendError(err)
	}
	if !found {
		return nil, "", false, nil
	}
	return &meta, token, true, nil
}

// loadMetadata builds the metadata entry from the durable store and the
// cache-only collections and publishes it with an add-if-absent, so a
// concurrent writer's marker is never clobbered. It returns the entry
// that ended up in the cache.
func (s *Store) loadMetadata(ctx context.Context, userID int64) (*userMetadata, string, error) {
	collections, err := s.store.GetCollectionTimestamps(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	size, err := s.store.GetTotalSize(ctx, userID, false)
	if err != nil {
		return nil, "", err
	}
	meta := &userMetadata{
		Size:           size,
		LastSizeRecalc: s.now().Unix(),
		Collections:    make(map[string]syncstore.Timestamp, len(collections)),
	}
	for name, ts := range collections {
		meta.Collections[name] = ts
		if ts > meta.Modified {
			meta.Modified = ts
		}
	}
	for name := range s.cacheOnly {
		doc, _, found, err := s.getDoc(ctx, userID, name)
		if err != nil {
			return nil, "", err
		}
		if !found || len(doc.Items) == 0 {
			continue
		}
		meta.Collections[name] = doc.Modified
		meta.Size += doc.size()
		if doc.Modified > meta.Modified {
			meta.Modified = doc.Modified
		}
	}

	if _, err := s.cache.Add(ctx, s.metaKey(userID), meta, 0); err != nil {
		return nil, "", syncstore.NewBackendError(err)
	}
	// Reread: if the Add lost, the resident entry wins.
	fresh, token, found, err := s.getMetadata(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if !found {
		// Evicted already; serve what we computed.
		return meta, "", nil
	}
	return fresh, token, nil
}

// invalidate drops the metadata entry. Readers will rebuild it from the
// durable store.
func (s *Store) invalidate(ctx context.Context, userID int64) {
	if _, err := s.cache.Delete(ctx, []string{s.metaKey(userID)}); err != nil {
		log.Warn("failed to invalidate metadata entry", "userid", userID, "error", err)
	}
}

// markDirty swaps the collection's cached version to the dirty sentinel
// ahead of a durable write. A missing entry needs no marker.
func (s *Store) markDirty(ctx context.Context, userID int64, collection string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		meta, token, found, err := s.getMetadata(ctx, userID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if meta.Collections == nil {
			meta.Collections = make(map[string]syncstore.Timestamp)
		}
		meta.Collections[collection] = syncstore.TimestampDirty
		meta.Modified = syncstore.TimestampDirty
		swapped, err := s.cache.CompareAndSwap(ctx, s.metaKey(userID), token, meta, 0)
		if err != nil {
			return syncstore.NewBackendError(err)
		}
		if swapped {
			return nil
		}
	}
	// Contended beyond reason; drop the entry instead of spinning.
	s.invalidate(ctx, userID)
	return nil
}

// commitWrite publishes the write's version and size delta into the
// metadata entry, replacing the dirty marker. A lost swap race ends in
// invalidation, never in a stale version.
func (s *Store) commitWrite(ctx context.Context, userID int64, collection string, ts syncstore.Timestamp, sizeDelta int64) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		meta, token, found, err := s.getMetadata(ctx, userID)
		if err != nil || !found {
			return
		}
		if meta.Collections == nil {
			meta.Collections = make(map[string]syncstore.Timestamp)
		}
		meta.Collections[collection] = ts
		if meta.Modified == syncstore.TimestampDirty || ts > meta.Modified {
			meta.Modified = ts
		}
		meta.Size += sizeDelta
		if meta.Size < 0 {
			meta.Size = 0
		}
		swapped, err := s.cache.CompareAndSwap(ctx, s.metaKey(userID), token, meta, 0)
		if err != nil {
			log.Warn("metadata commit failed", "userid", userID, "collection", collection, "error", err)
			break
		}
		if swapped {
			return
		}
	}
	s.invalidate(ctx, userID)
}

// dropCollection removes the collection from the metadata entry after a
// collection delete, recording the delete's version as the new storage
// high-water mark.
func (s *Store) dropCollection(ctx context.Context, userID int64, collection string, ts syncstore.Timestamp, sizeDelta int64) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		meta, token, found, err := s.getMetadata(ctx, userID)
		if err != nil || !found {
			return
		}
		delete(meta.Collections, collection)
		if meta.Modified == syncstore.TimestampDirty || ts > meta.Modified {
			meta.Modified = ts
		}
		meta.Size += sizeDelta
		if meta.Size < 0 {
			meta.Size = 0
		}
		swapped, err := s.cache.CompareAndSwap(ctx, s.metaKey(userID), token, meta, 0)
		if err != nil {
			break
		}
		if swapped {
			return
		}
	}
	s.invalidate(ctx, userID)
}

// metadata returns a usable entry, rebuilding it on miss.
func (s *Store) metadata(ctx context.Context, userID int64) (*userMetadata, string, error) {
	meta, token, found, err := s.getMetadata(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if found {
		return meta, token, nil
	}
	return s.loadMetadata(ctx, userID)
}

func (s *Store) GetStorageTimestamp(ctx context.Context, userID int64) (syncstore.Timestamp, error) {
	meta, _, err := s.metadata(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !meta.dirty() {
		return meta.Modified, nil
	}
	// A write is in flight; compute from authoritative sources.
	all, err := s.collectionTimestamps(ctx, userID)
	if err != nil {
		return 0, err
	}
	var max syncstore.Timestamp
	for _, ts := range all {
		if ts > max {
			max = ts
		}
	}
	storeTS, err := s.store.GetStorageTimestamp(ctx, userID)
	if err != nil {
		return 0, err
	}
	if storeTS > max {
		max = storeTS
	}
	return max, nil
}

// collectionTimestamps merges the durable store's listing with the
// cache-only collections.
func (s *Store) collectionTimestamps(ctx context.Context, userID int64) (map[string]syncstore.Timestamp, error) {
	out, err := s.store.GetCollectionTimestamps(ctx, userID)
	if err != nil {
		return nil, err
	}
	for name := range s.cacheOnly {
		doc, _, found, err := s.getDoc(ctx, userID, name)
		if err != nil {
			return nil, err
		}
		if found && len(doc.Items) > 0 {
			out[name] = doc.Modified
		}
	}
	return out, nil
}

func (s *Store) GetCollectionTimestamps(ctx context.Context, userID int64) (map[string]syncstore.Timestamp, error) {
	meta, _, err := s.metadata(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !meta.dirty() {
		out := make(map[string]syncstore.Timestamp, len(meta.Collections))
		for name, ts := range meta.Collections {
			out[name] = ts
		}
		return out, nil
	}
	return s.collectionTimestamps(ctx, userID)
}

func (s *Store) GetCollectionTimestamp(ctx context.Context, userID int64, collection string) (syncstore.Timestamp, error) {
	meta, _, found, err := s.getMetadata(ctx, userID)
	if err != nil {
		return 0, err
	}
	if found {
		if ts, ok := meta.Collections[collection]; ok && ts != syncstore.TimestampDirty {
			return ts, nil
		}
	}
	return s.manager(collection).collectionTimestamp(ctx, userID, collection)
}

func (s *Store) GetCollectionCounts(ctx context.Context, userID int64) (map[string]int, error) {
	out, err := s.store.GetCollectionCounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	nowUnix := s.now().Unix()
	for name := range s.cacheOnly {
		doc, _, found, err := s.getDoc(ctx, userID, name)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if n := doc.aliveCount(nowUnix); n > 0 {
			out[name] = n
		}
	}
	return out, nil
}

func (s *Store) GetCollectionSizes(ctx context.Context, userID int64) (map[string]int64, error) {
	out, err := s.store.GetCollectionSizes(ctx, userID)
	if err != nil {
		return nil, err
	}
	nowUnix := s.now().Unix()
	for name := range s.cacheOnly {
		doc, _, found, err := s.getDoc(ctx, userID, name)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var size int64
		alive := false
		for _, it := range doc.Items {
			if it.alive(nowUnix) {
				alive = true
				size += int64(len(it.Payload))
			}
		}
		if alive {
			out[name] = size
		}
	}
	return out, nil
}

// GetTotalSize serves the cached size figure while it is fresh enough,
// recomputing it when it is stale, forced, or close enough to the quota
// that admission decisions need exact numbers.
func (s *Store) GetTotalSize(ctx context.Context, userID int64, recalculate bool) (int64, error) {
	meta, token, err := s.metadata(ctx, userID)
	if err != nil {
		return 0, err
	}
	nowUnix := s.now().Unix()
	stale := nowUnix-meta.LastSizeRecalc >= sizeRecalcPeriod
	nearQuota := s.quota > 0 && s.quota-meta.Size < sizeRecalcHeadroom
	if !recalculate && !stale && !nearQuota {
		return meta.Size, nil
	}

	size, err := s.store.GetTotalSize(ctx, userID, true)
	if err != nil {
		return 0, err
	}
	for name := range s.cacheOnly {
		doc, _, found, err := s.getDoc(ctx, userID, name)
		if err != nil {
			return 0, err
		}
		if found {
			size += doc.size()
		}
	}

	if token != "" {
		meta.Size = size
		meta.LastSizeRecalc = nowUnix
		if swapped, err := s.cache.CompareAndSwap(ctx, s.metaKey(userID), token, meta, 0); err != nil || !swapped {
			// A concurrent write moved the entry; its own accounting stands.
			if err != nil {
				log.Warn("size recalc publish failed", "userid", userID, "error", err)
			}
		}
	}
	return size, nil
}

func (s *Store) GetItems(ctx context.Context, userID int64, collection string, params *syncstore.Params) (*syncstore.ItemsResult, error) {
	return s.manager(collection).getItems(ctx, userID, collection, params)
}

func (s *Store) GetItemIDs(ctx context.Context, userID int64, collection string, params *syncstore.Params) (*syncstore.IDsResult, error) {
	return s.manager(collection).getItemIDs(ctx, userID, collection, params)
}

func (s *Store) GetItem(ctx context.Context, userID int64, collection string, itemID string) (*syncstore.BSO, error) {
	return s.manager(collection).getItem(ctx, userID, collection, itemID)
}

func (s *Store) GetItemTimestamp(ctx context.Context, userID int64, collection string, itemID string) (syncstore.Timestamp, error) {
	bso, err := s.GetItem(ctx, userID, collection, itemID)
	if err != nil {
		return 0, err
	}
	return bso.Modified, nil
}

func (s *Store) SetItem(ctx context.Context, userID int64, collection string, itemID string, bso *syncstore.BSO) (*syncstore.SetResult, error) {
	return s.manager(collection).setItem(ctx, userID, collection, itemID, bso)
}

func (s *Store) SetItems(ctx context.Context, userID int64, collection string, items []*syncstore.BSO) (syncstore.Timestamp, error) {
	return s.manager(collection).setItems(ctx, userID, collection, items)
}

func (s *Store) DeleteItem(ctx context.Context, userID int64, collection string, itemID string) (syncstore.Timestamp, error) {
	return s.manager(collection).deleteItem(ctx, userID, collection, itemID)
}

func (s *Store) DeleteItems(ctx context.Context, userID int64, collection string, itemIDs []string) (syncstore.Timestamp, error) {
	return s.manager(collection).deleteItems(ctx, userID, collection, itemIDs)
}

func (s *Store) DeleteCollection(ctx context.Context, userID int64, collection string) (syncstore.Timestamp, error) {
	return s.manager(collection).deleteCollection(ctx, userID, collection)
}

// DeleteStorage wipes the durable store and every cache entry belonging
// to the user.
func (s *Store) DeleteStorage(ctx context.Context, userID int64) error {
	if err := s.store.DeleteStorage(ctx, userID); err != nil {
		return err
	}
	keys := []string{s.metaKey(userID)}
	for name := range s.cacheOnly {
		keys = append(keys, s.collKey(userID, name))
	}
	for name := range s.cached {
		keys = append(keys, s.collKey(userID, name))
	}
	if _, err := s.cache.Delete(ctx, keys); err != nil {
		return syncstore.NewBackendError(err)
	}
	return nil
}

func (s *Store) CreateBatch(ctx context.Context, userID int64, collection string) (int64, error) {
	return s.manager(collection).createBatch(ctx, userID, collection)
}

func (s *Store) ValidBatch(ctx context.Context, userID int64, collection string, batchID int64) (bool, error) {
	return s.manager(collection).validBatch(ctx, userID, collection, batchID)
}

func (s *Store) AppendItemsToBatch(ctx context.Context, userID int64, collection string, batchID int64, items []*syncstore.BSO) (syncstore.Timestamp, error) {
	return s.manager(collection).appendItemsToBatch(ctx, userID, collection, batchID, items)
}

func (s *Store) ApplyBatch(ctx context.Context, userID int64, collection string, batchID int64) (syncstore.Timestamp, error) {
	return s.manager(collection).applyBatch(ctx, userID, collection, batchID)
}

func (s *Store) CloseBatch(ctx context.Context, userID int64, collection string, batchID int64) error {
	return s.manager(collection).closeBatch(ctx, userID, collection, batchID)
}

// PurgeExpiredItems delegates to the durable store; cache-only data and
// batch buffers carry cache TTLs and expire on their own.
func (s *Store) PurgeExpiredItems(ctx context.Context, gracePeriod int64, maxPerLoop int) (*syncstore.PurgeResult, error) {
	return s.store.PurgeExpiredItems(ctx, gracePeriod, maxPerLoop)
}

// Ping requires both tiers to be serving.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	if err := s.cache.Ping(ctx); err != nil {
		return syncstore.NewBackendError(err)
	}
	return nil
}

// payloadBytes totals the incoming payload sizes of a write, the delta
// applied to the cached size figure. Replaced bytes are not subtracted;
// the periodic recalc corrects the drift.
func payloadBytes(items []*syncstore.BSO) int64 {
	var n int64
	for _, it := range items {
		n += it.PayloadSize()
	}
	return n
}

// docTTL is the cache TTL for cache-only collection documents. Zero
// means they live until evicted.
const docTTL time.Duration = 0
