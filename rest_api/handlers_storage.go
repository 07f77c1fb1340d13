package rest_api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/batch"
)

// postResult is the body of a bulk-upload response.
type postResult struct {
	Modified syncstore.Timestamp `json:"modified"`
	Success  []string            `json:"success"`
	Failed   map[string][]string `json:"failed"`
	Batch    string              `json:"batch,omitempty"`
}

func (s *Server) getCollection(c *gin.Context) {
	coll, ok := collectionName(c)
	if !ok {
		return
	}
	params, ok := queryParams(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	uid := userID(c)

	var ts syncstore.Timestamp
	var items *syncstore.ItemsResult
	var ids *syncstore.IDsResult
	full := fullRequested(c)
	err := s.withReadLock(c, coll, func() error {
		var err error
		ts, err = s.collectionTimestampOrZero(c, coll)
		if err != nil {
			return err
		}
		if !checkPreconditions(c, ts) {
			return errHandled
		}
		if full {
			items, err = s.store.GetItems(ctx, uid, coll, params)
		} else {
			ids, err = s.store.GetItemIDs(ctx, uid, coll, params)
		}
		if isNotFound(err) {
			// A never-written collection reads as empty, not 404.
			err = nil
		}
		return err
	})
	if !s.finish(c, err) {
		return
	}
	setLastModified(c, ts)
	if full {
		var page []*syncstore.BSO
		var next string
		if items != nil {
			page, next = items.Items, items.NextOffset
		}
		renderList(c, page, next)
		return
	}
	var page []string
	var next string
	if ids != nil {
		page, next = ids.IDs, ids.NextOffset
	}
	renderList(c, page, next)
}

func (s *Server) getItem(c *gin.Context) {
	coll, ok := collectionName(c)
	if !ok {
		return
	}
	id, ok := itemID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	uid := userID(c)

	var bso *syncstore.BSO
	err := s.withReadLock(c, coll, func() error {
		var err error
		bso, err = s.store.GetItem(ctx, uid, coll, id)
		if err != nil {
			return err
		}
		if !checkPreconditions(c, bso.Modified) {
			return errHandled
		}
		return nil
	})
	if !s.finish(c, err) {
		return
	}
	setLastModified(c, bso.Modified)
	c.JSON(http.StatusOK, bso)
}

func (s *Server) putItem(c *gin.Context) {
	coll, ok := collectionName(c)
	if !ok {
		return
	}
	id, ok := itemID(c)
	if !ok {
		return
	}
	body, ok := s.readBody(c, int64(s.maxPostBytes))
	if !ok {
		return
	}
	bso, err := batch.ParseSingleBSO(c.ContentType(), body)
	if err != nil {
		if errors.Is(err, batch.ErrUnsupportedContentType) {
			respondReason(c, http.StatusUnsupportedMediaType, reasonUnsupportedType)
			return
		}
		respondReason(c, http.StatusBadRequest, reasonInvalidObject)
		return
	}
	// The body may omit the id; when present it must match the URL.
	if bso.ID == "" {
		bso.ID = id
	} else if bso.ID != id {
		respondReason(c, http.StatusBadRequest, reasonInvalidObject)
		return
	}

	ctx := c.Request.Context()
	uid := userID(c)
	var res *syncstore.SetResult
	err = s.withWriteLock(c, coll, func() error {
		ts, err := s.itemTimestampOrZero(c, coll, id)
		if err != nil {
			return err
		}
		if !checkPreconditions(c, ts) {
			return errHandled
		}
		if err := s.admit(c, bso.PayloadSize()); err != nil {
			return err
		}
		res, err = s.store.SetItem(ctx, uid, coll, id, bso)
		return err
	})
	if !s.finish(c, err) {
		return
	}
	setLastModified(c, res.Modified)
	if res.Created {
		c.Status(http.StatusCreated)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) postCollection(c *gin.Context) {
	coll, ok := collectionName(c)
	if !ok {
		return
	}
	if !s.checkIntentHeaders(c) {
		return
	}
	body, ok := s.readBody(c, MaxTotalBytes)
	if !ok {
		return
	}
	res, err := batch.ParseBSOs(c.ContentType(), body, s.maxPostRecords, s.maxPostBytes)
	if err != nil {
		var dup *batch.DuplicateIDError
		switch {
		case errors.Is(err, batch.ErrUnsupportedContentType):
			respondReason(c, http.StatusUnsupportedMediaType, reasonUnsupportedType)
		case errors.As(err, &dup):
			respondReason(c, http.StatusBadRequest, reasonInvalidObject)
		default:
			respondReason(c, http.StatusBadRequest, reasonInvalidObject)
		}
		return
	}

	batchArg, hasBatch := c.GetQuery("batch")
	if hasBatch {
		s.postToBatch(c, coll, res, batchArg)
		return
	}
	if truthy(c.Query("commit")) {
		// commit without a batch id commits nothing.
		fieldError(c, "querystring", "commit")
		return
	}

	ctx := c.Request.Context()
	uid := userID(c)
	var modified syncstore.Timestamp
	err = s.withWriteLock(c, coll, func() error {
		ts, err := s.collectionTimestampOrZero(c, coll)
		if err != nil {
			return err
		}
		if !checkPreconditions(c, ts) {
			return errHandled
		}
		if err := s.admit(c, payloadBytes(res.Items)); err != nil {
			return err
		}
		modified = ts
		if len(res.Items) > 0 {
			modified, err = s.store.SetItems(ctx, uid, coll, res.Items)
		}
		return err
	})
	if errors.Is(err, syncstore.ErrConflict) {
		// A conflicted bulk write degrades to per-item failures so the
		// client's sync loop keeps moving.
		s.respondConflictedPost(c, coll, res)
		return
	}
	if !s.finish(c, err) {
		return
	}
	setLastModified(c, modified)
	c.JSON(http.StatusOK, postResult{
		Modified: modified,
		Success:  itemIDs(res.Items),
		Failed:   res.Failed,
	})
}

// postToBatch routes a POST carrying ?batch: appending to a pending
// batch and, with ?commit, applying it atomically.
func (s *Server) postToBatch(c *gin.Context, coll string, res *batch.Result, batchArg string) {
	createNew := batchArg == "true"
	var batchID int64
	if !createNew {
		var err error
		batchID, err = strconv.ParseInt(batchArg, 10, 64)
		if err != nil || batchID <= 0 {
			fieldError(c, "querystring", "batch")
			return
		}
	}
	commit := truthy(c.Query("commit"))

	ctx := c.Request.Context()
	uid := userID(c)
	var modified syncstore.Timestamp
	err := s.withWriteLock(c, coll, func() error {
		ts, err := s.collectionTimestampOrZero(c, coll)
		if err != nil {
			return err
		}
		if !checkPreconditions(c, ts) {
			return errHandled
		}
		if err := s.admit(c, payloadBytes(res.Items)); err != nil {
			return err
		}
		if createNew {
			batchID, err = s.store.CreateBatch(ctx, uid, coll)
			if err != nil {
				return err
			}
		} else {
			valid, err := s.store.ValidBatch(ctx, uid, coll, batchID)
			if err != nil {
				return err
			}
			if !valid {
				return syncstore.ErrInvalidBatch
			}
		}
		if len(res.Items) > 0 {
			if _, err := s.store.AppendItemsToBatch(ctx, uid, coll, batchID, res.Items); err != nil {
				return err
			}
		}
		modified = ts
		if commit {
			modified, err = s.store.ApplyBatch(ctx, uid, coll, batchID)
			if err != nil {
				return err
			}
			return s.store.CloseBatch(ctx, uid, coll, batchID)
		}
		return nil
	})
	if !s.finish(c, err) {
		return
	}
	if commit {
		setLastModified(c, modified)
		c.JSON(http.StatusOK, postResult{
			Modified: modified,
			Success:  itemIDs(res.Items),
			Failed:   res.Failed,
		})
		return
	}
	c.JSON(http.StatusAccepted, postResult{
		Modified: modified,
		Success:  itemIDs(res.Items),
		Failed:   res.Failed,
		Batch:    strconv.FormatInt(batchID, 10),
	})
}

// respondConflictedPost reports a still-conflicted bulk write as
// per-item failures rather than a 503.
func (s *Server) respondConflictedPost(c *gin.Context, coll string, res *batch.Result) {
	ts, err := s.collectionTimestampOrZero(c, coll)
	if err != nil {
		s.abortErr(c, err)
		return
	}
	failed := res.Failed
	if failed == nil {
		failed = make(map[string][]string)
	}
	for _, it := range res.Items {
		failed[it.ID] = append(failed[it.ID], "conflict")
	}
	setLastModified(c, ts)
	c.JSON(http.StatusOK, postResult{Modified: ts, Success: []string{}, Failed: failed})
}

func (s *Server) deleteItem(c *gin.Context) {
	coll, ok := collectionName(c)
	if !ok {
		return
	}
	id, ok := itemID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	uid := userID(c)

	var ts syncstore.Timestamp
	err := s.withWriteLock(c, coll, func() error {
		cur, err := s.itemTimestampOrZero(c, coll, id)
		if err != nil {
			return err
		}
		if !checkPreconditions(c, cur) {
			return errHandled
		}
		ts, err = s.store.DeleteItem(ctx, uid, coll, id)
		return err
	})
	if !s.finish(c, err) {
		return
	}
	setLastModified(c, ts)
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteCollection(c *gin.Context) {
	coll, ok := collectionName(c)
	if !ok {
		return
	}
	params, ok := queryParams(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	uid := userID(c)

	var ts syncstore.Timestamp
	err := s.withWriteLock(c, coll, func() error {
		cur, err := s.collectionTimestampOrZero(c, coll)
		if err != nil {
			return err
		}
		if !checkPreconditions(c, cur) {
			return errHandled
		}
		if len(params.IDs) > 0 {
			ts, err = s.store.DeleteItems(ctx, uid, coll, params.IDs)
		} else {
			ts, err = s.store.DeleteCollection(ctx, uid, coll)
		}
		return err
	})
	if errors.Is(err, syncstore.ErrCollectionNotFound) {
		// Deleting a collection that never existed is a success; report
		// the storage-level timestamp so the client's bookkeeping stays
		// consistent.
		sts, terr := s.store.GetStorageTimestamp(ctx, uid)
		if terr != nil {
			s.abortErr(c, terr)
			return
		}
		setLastModified(c, sts)
		c.JSON(http.StatusOK, gin.H{"modified": sts})
		return
	}
	if !s.finish(c, err) {
		return
	}
	setLastModified(c, ts)
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteStorage(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	ts, err := s.store.GetStorageTimestamp(ctx, uid)
	if err != nil {
		s.abortErr(c, err)
		return
	}
	if !checkPreconditions(c, ts) {
		return
	}
	err = retryConflict(ctx, time.Now(), func() error {
		return s.store.DeleteStorage(ctx, uid)
	})
	if err != nil {
		s.abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// admit runs the quota check, advertising the remaining headroom once
// the user is close enough to the ceiling to need warning.
func (s *Server) admit(c *gin.Context, incoming int64) error {
	if s.quota == nil || !s.quota.Enabled() {
		return nil
	}
	left, err := s.quota.Check(c.Request.Context(), userID(c), incoming)
	if err != nil {
		return err
	}
	if left < quotaAdvertiseHeadroom {
		quotaRemainingHeader(c, left)
	}
	return nil
}

// readBody reads the request body up to limit, rejecting larger ones.
func (s *Server) readBody(c *gin.Context, limit int64) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	if err != nil {
		respondReason(c, http.StatusBadRequest, reasonInvalidObject)
		return nil, false
	}
	if int64(len(body)) > limit {
		respondReason(c, http.StatusRequestEntityTooLarge, reasonSizeLimit)
		return nil, false
	}
	return body, true
}

func truthy(v string) bool {
	switch v {
	case "", "0", "false":
		return false
	}
	return true
}

func itemIDs(items []*syncstore.BSO) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

func payloadBytes(items []*syncstore.BSO) int64 {
	var total int64
	for _, it := range items {
		total += it.PayloadSize()
	}
	return total
}
