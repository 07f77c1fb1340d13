package cachestore

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/internal/query"
)

// manager is the per-collection strategy behind the coordinator: plain
// write-through, cached duplicate, or cache-resident.
type manager interface {
	collectionTimestamp(ctx context.Context, userID int64, collection string) (syncstore.Timestamp, error)
	getItems(ctx context.Context, userID int64, collection string, params *syncstore.Params) (*syncstore.ItemsResult, error)
	getItemIDs(ctx context.Context, userID int64, collection string, params *syncstore.Params) (*syncstore.IDsResult, error)
	getItem(ctx context.Context, userID int64, collection string, itemID string) (*syncstore.BSO, error)
	setItem(ctx context.Context, userID int64, collection string, itemID string, bso *syncstore.BSO) (*syncstore.SetResult, error)
	setItems(ctx context.Context, userID int64, collection string, items []*syncstore.BSO) (syncstore.Timestamp, error)
	deleteItem(ctx context.Context, userID int64, collection string, itemID string) (syncstore.Timestamp, error)
	deleteItems(ctx context.Context, userID int64, collection string, itemIDs []string) (syncstore.Timestamp, error)
	deleteCollection(ctx context.Context, userID int64, collection string) (syncstore.Timestamp, error)
	createBatch(ctx context.Context, userID int64, collection string) (int64, error)
	validBatch(ctx context.Context, userID int64, collection string, batchID int64) (bool, error)
	appendItemsToBatch(ctx context.Context, userID int64, collection string, batchID int64, items []*syncstore.BSO) (syncstore.Timestamp, error)
	applyBatch(ctx context.Context, userID int64, collection string, batchID int64) (syncstore.Timestamp, error)
	closeBatch(ctx context.Context, userID int64, collection string, batchID int64) error
}

// collectionDoc is a whole collection serialized as one cache value,
// used both for cached duplicates and cache-only collections.
type collectionDoc struct {
	Items    map[string]docItem  `json:"items"`
	Modified syncstore.Timestamp `json:"modified"`
}

type docItem struct {
	Payload   string              `json:"payload"`
	SortIndex int                 `json:"sortindex,omitempty"`
	HasIndex  bool                `json:"has_sortindex,omitempty"`
	Modified  syncstore.Timestamp `json:"modified"`
	Expiry    int64               `json:"expiry,omitempty"`
}

func (it docItem) alive(nowUnix int64) bool {
	return it.Expiry == 0 || it.Expiry > nowUnix
}

func (d *collectionDoc) size() int64 {
	var n int64
	for _, it := range d.Items {
		n += int64(len(it.Payload))
	}
	return n
}

func (d *collectionDoc) aliveCount(nowUnix int64) int {
	n := 0
	for _, it := range d.Items {
		if it.alive(nowUnix) {
			n++
		}
	}
	return n
}

func (d *collectionDoc) rows() []query.Row {
	out := make([]query.Row, 0, len(d.Items))
	for id, it := range d.Items {
		out = append(out, query.Row{
			ID:        id,
			Payload:   it.Payload,
			SortIndex: it.SortIndex,
			HasIndex:  it.HasIndex,
			Modified:  it.Modified,
			Expiry:    it.Expiry,
		})
	}
	return out
}

// merge folds a write into the doc under one version, with the same
// preserve-absent-fields semantics as the durable stores.
func (d *collectionDoc) merge(items []*syncstore.BSO, ts syncstore.Timestamp) {
	if d.Items == nil {
		d.Items = make(map[string]docItem)
	}
	nowUnix := ts.Unix()
	for _, bso := range items {
		it, had := d.Items[bso.ID]
		if !had || !it.alive(nowUnix) {
			it = docItem{}
		}
		if bso.Payload != nil {
			it.Payload = *bso.Payload
		}
		if bso.SortIndex != nil {
			it.SortIndex = *bso.SortIndex
			it.HasIndex = true
		}
		if bso.TTL != nil {
			it.Expiry = nowUnix + int64(*bso.TTL)
		}
		it.Modified = ts
		d.Items[bso.ID] = it
	}
	d.Modified = ts
}

// getDoc reads a collection document plus its swap token.
func (s *Store) getDoc(ctx context.Context, userID int64, collection string) (*collectionDoc, string, bool, error) {
	var doc collectionDoc
	found, token, err := s.cache.GetWithToken(ctx, s.collKey(userID, collection), &doc)
	if err != nil {
		return nil, "", false, syncstore.NewBackendError(err)
	}
	if !found {
		return nil, "", false, nil
	}
	return &doc, token, true, nil
}

// uncachedManager is the default strategy: reads and writes go straight
// to the durable store, with the dirty-marker protocol keeping the
// metadata entry coherent.
type uncachedManager struct {
	s *Store
}

func (m *uncachedManager) collectionTimestamp(ctx context.Context, userID int64, collection string) (syncstore.Timestamp, error) {
	return m.s.store.GetCollectionTimestamp(ctx, userID, collection)
}

func (m *uncachedManager) getItems(ctx context.Context, userID int64, collection string, params *syncstore.Params) (*syncstore.ItemsResult, error) {
	return m.s.store.GetItems(ctx, userID, collection, params)
}

func (m *uncachedManager) getItemIDs(ctx context.Context, userID int64, collection string, params *syncstore.Params) (*syncstore.IDsResult, error) {
	return m.s.store.GetItemIDs(ctx, userID, collection, params)
}

func (m *uncachedManager) getItem(ctx context.Context, userID int64, collection string, itemID string) (*syncstore.BSO, error) {
	return m.s.store.GetItem(ctx, userID, collection, itemID)
}

func (m *uncachedManager) setItem(ctx context.Context, userID int64, collection string, itemID string, bso *syncstore.BSO) (*syncstore.SetResult, error) {
	if err := m.s.markDirty(ctx, userID, collection); err != nil {
		return nil, err
	}
	res, err := m.s.store.SetItem(ctx, userID, collection, itemID, bso)
	if err != nil {
		m.s.invalidate(ctx, userID)
		return nil, err
	}
	m.s.commitWrite(ctx, userID, collection, res.Modified, bso.PayloadSize())
	return res, nil
}

func (m *uncachedManager) setItems(ctx context.Context, userID int64, collection string, items []*syncstore.BSO) (syncstore.Timestamp, error) {
	if err := m.s.markDirty(ctx, userID, collection); err != nil {
		return 0, err
	}
	ts, err := m.s.store.SetItems(ctx, userID, collection, items)
	if err != nil {
		m.s.invalidate(ctx, userID)
		return 0, err
	}
	m.s.commitWrite(ctx, userID, collection, ts, payloadBytes(items))
	return ts, nil
}

func (m *uncachedManager) deleteItem(ctx context.Context, userID int64, collection string, itemID string) (syncstore.Timestamp, error) {
	if err := m.s.markDirty(ctx, userID, collection); err != nil {
		return 0, err
	}
	ts, err := m.s.store.DeleteItem(ctx, userID, collection, itemID)
	if err != nil {
		m.s.invalidate(ctx, userID)
		return 0, err
	}
	m.s.commitWrite(ctx, userID, collection, ts, 0)
	return ts, nil
}

func (m *uncachedManager) deleteItems(ctx context.Context, userID int64, collection string, itemIDs []string) (syncstore.Timestamp, error) {
	if err := m.s.markDirty(ctx, userID, collection); err != nil {
		return 0, err
	}
	ts, err := m.s.store.DeleteItems(ctx, userID, collection, itemIDs)
	if err != nil {
		m.s.invalidate(ctx, userID)
		return 0, err
	}
	m.s.commitWrite(ctx, userID, collection, ts, 0)
	return ts, nil
}

func (m *uncachedManager) deleteCollection(ctx context.Context, userID int64, collection string) (syncstore.Timestamp, error) {
	if err := m.s.markDirty(ctx, userID, collection); err != nil {
		return 0, err
	}
	ts, err := m.s.store.DeleteCollection(ctx, userID, collection)
	if err != nil {
		m.s.invalidate(ctx, userID)
		return 0, err
	}
	// Size drift from the dropped payloads is corrected by the periodic
	// recalc.
	m.s.dropCollection(ctx, userID, collection, ts, 0)
	return ts, nil
}

func (m *uncachedManager) createBatch(ctx context.Context, userID int64, collection string) (int64, error) {
	return m.s.store.CreateBatch(ctx, userID, collection)
}

func (m *uncachedManager) validBatch(ctx context.Context, userID int64, collection string, batchID int64) (bool, error) {
	return m.s.store.ValidBatch(ctx, userID, collection, batchID)
}

func (m *uncachedManager) appendItemsToBatch(ctx context.Context, userID int64, collection string, batchID int64, items []*syncstore.BSO) (syncstore.Timestamp, error) {
	// Buffered items are invisible until commit; no marker needed.
	return m.s.store.AppendItemsToBatch(ctx, userID, collection, batchID, items)
}

func (m *uncachedManager) applyBatch(ctx context.Context, userID int64, collection string, batchID int64) (syncstore.Timestamp, error) {
	if err := m.s.markDirty(ctx, userID, collection); err != nil {
		return 0, err
	}
	ts, err := m.s.store.ApplyBatch(ctx, userID, collection, batchID)
	if err != nil {
		m.s.invalidate(ctx, userID)
		return 0, err
	}
	m.s.commitWrite(ctx, userID, collection, ts, 0)
	return ts, nil
}

func (m *uncachedManager) closeBatch(ctx context.Context, userID int64, collection string, batchID int64) error {
	return m.s.store.CloseBatch(ctx, userID, collection, batchID)
}

// cachedManager duplicates the collection into a cache document for
// fast reads; the durable store stays authoritative through the
// uncached write path, and the duplicate is updated (or dropped) after
// every successful write.
type cachedManager struct {
	uncachedManager
}

// doc returns the collection document, building it from the durable
// store on miss. found is false when the collection does not exist.
func (m *cachedManager) doc(ctx context.Context, userID int64, collection string) (*collectionDoc, bool, error) {
	doc, _, found, err := m.s.getDoc(ctx, userID, collection)
	if err != nil {
		return nil, false, err
	}
	if found {
		return doc, true, nil
	}

	res, err := m.s.store.GetItems(ctx, userID, collection, nil)
	if err != nil {
		if errors.Is(err, syncstore.ErrCollectionNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	ts, err := m.s.store.GetCollectionTimestamp(ctx, userID, collection)
	if err != nil {
		return nil, false, err
	}
	doc = &collectionDoc{Items: make(map[string]docItem, len(res.Items)), Modified: ts}
	for _, bso := range res.Items {
		it := docItem{Modified: bso.Modified}
		if bso.Payload != nil {
			it.Payload = *bso.Payload
		}
		if bso.SortIndex != nil {
			it.SortIndex = *bso.SortIndex
			it.HasIndex = true
		}
		doc.Items[bso.ID] = it
	}
	if _, err := m.s.cache.Add(ctx, m.s.collKey(userID, collection), doc, docTTL); err != nil {
		log.Warn("failed to publish collection document", "userid", userID, "collection", collection, "error", err)
	}
	return doc, true, nil
}

// updateDoc folds a committed write into the cached duplicate with a
// compare-and-swap; a lost race drops the duplicate so the next read
// rebuilds it from the durable store.
func (m *cachedManager) updateDoc(ctx context.Context, userID int64, collection string, apply func(*collectionDoc)) {
	key := m.s.collKey(userID, collection)
	for attempt := 0; attempt < casAttempts; attempt++ {
		doc, token, found, err := m.s.getDoc(ctx, userID, collection)
		if err != nil || !found {
			return
		}
		apply(doc)
		swapped, err := m.s.cache.CompareAndSwap(ctx, key, token, doc, docTTL)
		if err != nil {
			break
		}
		if swapped {
			return
		}
	}
	if _, err := m.s.cache.Delete(ctx, []string{key}); err != nil {
		log.Warn("failed to drop stale collection document", "userid", userID, "collection", collection, "error", err)
	}
}

func (m *cachedManager) collectionTimestamp(ctx context.Context, userID int64, collection string) (syncstore.Timestamp, error) {
	doc, _, found, err := m.s.getDoc(ctx, userID, collection)
	if err == nil && found {
		return doc.Modified, nil
	}
	return m.s.store.GetCollectionTimestamp(ctx, userID, collection)
}

func (m *cachedManager) getItems(ctx context.Context, userID int64, collection string, params *syncstore.Params) (*syncstore.ItemsResult, error) {
	doc, found, err := m.doc(ctx, userID, collection)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, syncstore.ErrCollectionNotFound
	}
	rows, next, err := query.Apply(doc.rows(), params, m.s.now().Unix())
	if err != nil {
		return nil, err
	}
	res := &syncstore.ItemsResult{NextOffset: next, Items: make([]*syncstore.BSO, 0, len(rows))}
	for i := range rows {
		res.Items = append(res.Items, rows[i].BSO())
	}
	return res, nil
}

func (m *cachedManager) getItemIDs(ctx context.Context, userID int64, collection string, params *syncstore.Params) (*syncstore.IDsResult, error) {
	doc, found, err := m.doc(ctx, userID, collection)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, syncstore.ErrCollectionNotFound
	}
	rows, next, err := query.Apply(doc.rows(), params, m.s.now().Unix())
	if err != nil {
		return nil, err
	}
	res := &syncstore.IDsResult{NextOffset: next, IDs: make([]string, 0, len(rows))}
	for i := range rows {
		res.IDs = append(res.IDs, rows[i].ID)
	}
	return res, nil
}

func (m *cachedManager) getItem(ctx context.Context, userID int64, collection string, itemID string) (*syncstore.BSO, error) {
	doc, found, err := m.doc(ctx, userID, collection)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, syncstore.ErrCollectionNotFound
	}
	it, ok := doc.Items[itemID]
	if !ok || !it.alive(m.s.now().Unix()) {
		return nil, syncstore.ErrItemNotFound
	}
	row := query.Row{
		ID:        itemID,
		Payload:   it.Payload,
		SortIndex: it.SortIndex,
		HasIndex:  it.HasIndex,
		Modified:  it.Modified,
		Expiry:    it.Expiry,
	}
	return row.BSO(), nil
}

func (m *cachedManager) setItem(ctx context.Context, userID int64, collection string, itemID string, bso *syncstore.BSO) (*syncstore.SetResult, error) {
	res, err := m.uncachedManager.setItem(ctx, userID, collection, itemID, bso)
	if err != nil {
		return nil, err
	}
	clone := *bso
	clone.ID = itemID
	m.updateDoc(ctx, userID, collection, func(d *collectionDoc) {
		d.merge([]*syncstore.BSO{&clone}, res.Modified)
	})
	return res, nil
}

func (m *cachedManager) setItems(ctx context.Context, userID int64, collection string, items []*syncstore.BSO) (syncstore.Timestamp, error) {
	ts, err := m.uncachedManager.setItems(ctx, userID, collection, items)
	if err != nil {
		return 0, err
	}
	m.updateDoc(ctx, userID, collection, func(d *collectionDoc) {
		d.merge(items, ts)
	})
	return ts, nil
}

func (m *cachedManager) deleteItem(ctx context.Context, userID int64, collection string, itemID string) (syncstore.Timestamp, error) {
	ts, err := m.uncachedManager.deleteItem(ctx, userID, collection, itemID)
	if err != nil {
		return 0, err
	}
	m.updateDoc(ctx, userID, collection, func(d *collectionDoc) {
		delete(d.Items, itemID)
		d.Modified = ts
	})
	return ts, nil
}

func (m *cachedManager) deleteItems(ctx context.Context, userID int64, collection string, itemIDs []string) (syncstore.Timestamp, error) {
	ts, err := m.uncachedManager.deleteItems(ctx, userID, collection, itemIDs)
	if err != nil {
		return 0, err
	}
	m.updateDoc(ctx, userID, collection, func(d *collectionDoc) {
		for _, id := range itemIDs {
			delete(d.Items, id)
		}
		d.Modified = ts
	})
	return ts, nil
}

func (m *cachedManager) deleteCollection(ctx context.Context, userID int64, collection string) (syncstore.Timestamp, error) {
	ts, err := m.uncachedManager.deleteCollection(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	if _, err := m.s.cache.Delete(ctx, []string{m.s.collKey(userID, collection)}); err != nil {
		log.Warn("failed to drop collection document", "userid", userID, "collection", collection, "error", err)
	}
	return ts, nil
}

func (m *cachedManager) applyBatch(ctx context.Context, userID int64, collection string, batchID int64) (syncstore.Timestamp, error) {
	ts, err := m.uncachedManager.applyBatch(ctx, userID, collection, batchID)
	if err != nil {
		return 0, err
	}
	// The committed items are not at hand here; drop the duplicate and
	// let the next read rebuild it.
	if _, err := m.s.cache.Delete(ctx, []string{m.s.collKey(userID, collection)}); err != nil {
		log.Warn("failed to drop collection document", "userid", userID, "collection", collection, "error", err)
	}
	return ts, nil
}

// cacheOnlyManager hosts the collection entirely in the cache; nothing
// ever reaches the durable store. Loss of the cache loses the data,
// which is the contract for collections configured this way.
type cacheOnlyManager struct {
	s *Store
}

// batchDoc buffers a cache-only batch upload; it carries its own cache
// TTL so abandoned batches evaporate.
type batchDoc struct {
	Collection string         `json:"collection"`
	Created    int64          `json:"created"`
	Items      []batchDocItem `json:"items"`
}

type batchDocItem struct {
	ID        string  `json:"id"`
	Payload   *string `json:"payload,omitempty"`
	SortIndex *int    `json:"sortindex,omitempty"`
	TTL       *int    `json:"ttl,omitempty"`
}

func toBatchDocItems(items []*syncstore.BSO) []batchDocItem {
	out := make([]batchDocItem, 0, len(items))
	for _, b := range items {
		out = append(out, batchDocItem{ID: b.ID, Payload: b.Payload, SortIndex: b.SortIndex, TTL: b.TTL})
	}
	return out
}

func fromBatchDocItems(items []batchDocItem) []*syncstore.BSO {
	out := make([]*syncstore.BSO, 0, len(items))
	for i := range items {
		it := items[i]
		out = append(out, &syncstore.BSO{ID: it.ID, Payload: it.Payload, SortIndex: it.SortIndex, TTL: it.TTL})
	}
	return out
}

func (m *cacheOnlyManager) collectionTimestamp(ctx context.Context, userID int64, collection string) (syncstore.Timestamp, error) {
	doc, _, found, err := m.s.getDoc(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, syncstore.ErrCollectionNotFound
	}
	return doc.Modified, nil
}

func (m *cacheOnlyManager) getItems(ctx context.Context, userID int64, collection string, params *syncstore.Params) (*syncstore.ItemsResult, error) {
	doc, _, found, err := m.s.getDoc(ctx, userID, collection)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, syncstore.ErrCollectionNotFound
	}
	rows, next, err := query.Apply(doc.rows(), params, m.s.now().Unix())
	if err != nil {
		return nil, err
	}
	res := &syncstore.ItemsResult{NextOffset: next, Items: make([]*syncstore.BSO, 0, len(rows))}
	for i := range rows {
		res.Items = append(res.Items, rows[i].BSO())
	}
	return res, nil
}

func (m *cacheOnlyManager) getItemIDs(ctx context.Context, userID int64, collection string, params *syncstore.Params) (*syncstore.IDsResult, error) {
	doc, _, found, err := m.s.getDoc(ctx, userID, collection)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, syncstore.ErrCollectionNotFound
	}
	rows, next, err := query.Apply(doc.rows(), params, m.s.now().Unix())
	if err != nil {
		return nil, err
	}
	res := &syncstore.IDsResult{NextOffset: next, IDs: make([]string, 0, len(rows))}
	for i := range rows {
		res.IDs = append(res.IDs, rows[i].ID)
	}
	return res, nil
}

func (m *cacheOnlyManager) getItem(ctx context.Context, userID int64, collection string, itemID string) (*syncstore.BSO, error) {
	doc, _, found, err := m.s.getDoc(ctx, userID, collection)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, syncstore.ErrCollectionNotFound
	}
	it, ok := doc.Items[itemID]
	if !ok || !it.alive(m.s.now().Unix()) {
		return nil, syncstore.ErrItemNotFound
	}
	row := query.Row{
		ID:        itemID,
		Payload:   it.Payload,
		SortIndex: it.SortIndex,
		HasIndex:  it.HasIndex,
		Modified:  it.Modified,
		Expiry:    it.Expiry,
	}
	return row.BSO(), nil
}

// mutateDoc runs a read-modify-write cycle on the collection document,
// creating it when absent. mutate returns the delta applied to the
// cached size figure, or an error to abort.
func (m *cacheOnlyManager) mutateDoc(ctx context.Context, userID int64, collection string, requireDoc bool, mutate func(*collectionDoc, syncstore.Timestamp) (int64, error)) (syncstore.Timestamp, error) {
	key := m.s.collKey(userID, collection)
	for attempt := 0; attempt < casAttempts; attempt++ {
		doc, token, found, err := m.s.getDoc(ctx, userID, collection)
		if err != nil {
			return 0, err
		}
		if !found {
			if requireDoc {
				return 0, syncstore.ErrCollectionNotFound
			}
			doc = &collectionDoc{Items: make(map[string]docItem)}
		}
		ts := m.s.now()
		if ts <= doc.Modified {
			ts = doc.Modified + 10
		}
		delta, err := mutate(doc, ts)
		if err != nil {
			return 0, err
		}
		doc.Modified = ts

		var stored bool
		if found {
			stored, err = m.s.cache.CompareAndSwap(ctx, key, token, doc, docTTL)
		} else {
			stored, err = m.s.cache.Add(ctx, key, doc, docTTL)
		}
		if err != nil {
			return 0, syncstore.NewBackendError(err)
		}
		if stored {
			m.s.commitWrite(ctx, userID, collection, ts, delta)
			return ts, nil
		}
		// Lost the race; reread and retry.
	}
	return 0, syncstore.ErrConflict
}

func (m *cacheOnlyManager) setItem(ctx context.Context, userID int64, collection string, itemID string, bso *syncstore.BSO) (*syncstore.SetResult, error) {
	created := false
	clone := *bso
	clone.ID = itemID
	ts, err := m.mutateDoc(ctx, userID, collection, false, func(d *collectionDoc, ts syncstore.Timestamp) (int64, error) {
		it, had := d.Items[itemID]
		created = !had || !it.alive(ts.Unix())
		d.merge([]*syncstore.BSO{&clone}, ts)
		return clone.PayloadSize(), nil
	})
	if err != nil {
		return nil, err
	}
	return &syncstore.SetResult{Created: created, Modified: ts}, nil
}

func (m *cacheOnlyManager) setItems(ctx context.Context, userID int64, collection string, items []*syncstore.BSO) (syncstore.Timestamp, error) {
	return m.mutateDoc(ctx, userID, collection, false, func(d *collectionDoc, ts syncstore.Timestamp) (int64, error) {
		d.merge(items, ts)
		return payloadBytes(items), nil
	})
}

func (m *cacheOnlyManager) deleteItem(ctx context.Context, userID int64, collection string, itemID string) (syncstore.Timestamp, error) {
	return m.mutateDoc(ctx, userID, collection, true, func(d *collectionDoc, ts syncstore.Timestamp) (int64, error) {
		it, ok := d.Items[itemID]
		if !ok || !it.alive(ts.Unix()) {
			return 0, syncstore.ErrItemNotFound
		}
		delete(d.Items, itemID)
		return -int64(len(it.Payload)), nil
	})
}

func (m *cacheOnlyManager) deleteItems(ctx context.Context, userID int64, collection string, itemIDs []string) (syncstore.Timestamp, error) {
	return m.mutateDoc(ctx, userID, collection, true, func(d *collectionDoc, ts syncstore.Timestamp) (int64, error) {
		var delta int64
		for _, id := range itemIDs {
			if it, ok := d.Items[id]; ok {
				delta -= int64(len(it.Payload))
				delete(d.Items, id)
			}
		}
		return delta, nil
	})
}

// deleteCollection empties the document but keeps it resident, so the
// collection's version persists the way durable collections' do.
func (m *cacheOnlyManager) deleteCollection(ctx context.Context, userID int64, collection string) (syncstore.Timestamp, error) {
	ts, err := m.mutateDoc(ctx, userID, collection, true, func(d *collectionDoc, ts syncstore.Timestamp) (int64, error) {
		delta := -d.size()
		d.Items = make(map[string]docItem)
		return delta, nil
	})
	if err != nil {
		return 0, err
	}
	m.s.dropCollection(ctx, userID, collection, ts, 0)
	return ts, nil
}

func (m *cacheOnlyManager) createBatch(ctx context.Context, userID int64, collection string) (int64, error) {
	doc := &batchDoc{Collection: collection, Created: m.s.now().Unix()}
	id := m.s.now().Milliseconds()
	for attempt := 0; attempt < casAttempts; attempt++ {
		stored, err := m.s.cache.Add(ctx, m.s.batchKey(userID, id), doc, time.Duration(syncstore.BatchLifetime)*time.Second)
		if err != nil {
			return 0, syncstore.NewBackendError(err)
		}
		if stored {
			return id, nil
		}
		id += 10
	}
	return 0, syncstore.ErrConflict
}

func (m *cacheOnlyManager) validBatch(ctx context.Context, userID int64, collection string, batchID int64) (bool, error) {
	var doc batchDoc
	found, _, err := m.s.cache.GetWithToken(ctx, m.s.batchKey(userID, batchID), &doc)
	if err != nil {
		return false, syncstore.NewBackendError(err)
	}
	if !found || doc.Collection != collection {
		return false, nil
	}
	return m.s.now().Unix()-doc.Created < syncstore.BatchLifetime, nil
}

func (m *cacheOnlyManager) appendItemsToBatch(ctx context.Context, userID int64, collection string, batchID int64, items []*syncstore.BSO) (syncstore.Timestamp, error) {
	key := m.s.batchKey(userID, batchID)
	for attempt := 0; attempt < casAttempts; attempt++ {
		var doc batchDoc
		found, token, err := m.s.cache.GetWithToken(ctx, key, &doc)
		if err != nil {
			return 0, syncstore.NewBackendError(err)
		}
		if !found || doc.Collection != collection {
			return 0, syncstore.ErrInvalidBatch
		}
		doc.Items = append(doc.Items, toBatchDocItems(items)...)
		swapped, err := m.s.cache.CompareAndSwap(ctx, key, token, &doc, time.Duration(syncstore.BatchLifetime)*time.Second)
		if err != nil {
			return 0, syncstore.NewBackendError(err)
		}
		if swapped {
			ts, err := m.collectionTimestamp(ctx, userID, collection)
			if errors.Is(err, syncstore.ErrCollectionNotFound) {
				return 0, nil
			}
			return ts, err
		}
	}
	return 0, syncstore.ErrConflict
}

func (m *cacheOnlyManager) applyBatch(ctx context.Context, userID int64, collection string, batchID int64) (syncstore.Timestamp, error) {
	var doc batchDoc
	found, _, err := m.s.cache.GetWithToken(ctx, m.s.batchKey(userID, batchID), &doc)
	if err != nil {
		return 0, syncstore.NewBackendError(err)
	}
	if !found || doc.Collection != collection {
		return 0, syncstore.ErrInvalidBatch
	}
	return m.setItems(ctx, userID, collection, fromBatchDocItems(doc.Items))
}

func (m *cacheOnlyManager) closeBatch(ctx context.Context, userID int64, collection string, batchID int64) error {
	if _, err := m.s.cache.Delete(ctx, []string{m.s.batchKey(userID, batchID)}); err != nil {
		return syncstore.NewBackendError(err)
	}
	return nil
}
