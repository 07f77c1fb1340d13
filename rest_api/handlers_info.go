package rest_api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mozservices/syncstore"
)

// The info endpoints are unlocked snapshots: clients poll them between
// syncs, and a torn read is no worse than polling a moment earlier.

func (s *Server) infoCollections(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	storageTS, err := s.store.GetStorageTimestamp(ctx, uid)
	if err != nil {
		s.abortErr(c, err)
		return
	}
	if !checkPreconditions(c, storageTS) {
		return
	}
	stamps, err := s.store.GetCollectionTimestamps(ctx, uid)
	if err != nil {
		s.abortErr(c, err)
		return
	}
	if stamps == nil {
		stamps = map[string]syncstore.Timestamp{}
	}
	setLastModified(c, storageTS)
	c.JSON(http.StatusOK, stamps)
}

func (s *Server) infoCollectionCounts(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	storageTS, err := s.store.GetStorageTimestamp(ctx, uid)
	if err != nil {
		s.abortErr(c, err)
		return
	}
	if !checkPreconditions(c, storageTS) {
		return
	}
	counts, err := s.store.GetCollectionCounts(ctx, uid)
	if err != nil {
		s.abortErr(c, err)
		return
	}
	if counts == nil {
		counts = map[string]int{}
	}
	setLastModified(c, storageTS)
	c.JSON(http.StatusOK, counts)
}

func (s *Server) infoCollectionUsage(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	storageTS, err := s.store.GetStorageTimestamp(ctx, uid)
	if err != nil {
		s.abortErr(c, err)
		return
	}
	if !checkPreconditions(c, storageTS) {
		return
	}
	sizes, err := s.store.GetCollectionSizes(ctx, uid)
	if err != nil {
		s.abortErr(c, err)
		return
	}
	// Usage is reported in KiB.
	usage := make(map[string]float64, len(sizes))
	for name, bytes := range sizes {
		usage[name] = float64(bytes) / 1024
	}
	setLastModified(c, storageTS)
	c.JSON(http.StatusOK, usage)
}

func (s *Server) infoQuota(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	storageTS, err := s.store.GetStorageTimestamp(ctx, uid)
	if err != nil {
		s.abortErr(c, err)
		return
	}
	if !checkPreconditions(c, storageTS) {
		return
	}
	used, err := s.store.GetTotalSize(ctx, uid, false)
	if err != nil {
		s.abortErr(c, err)
		return
	}
	// [used_kib, quota_kib]; quota is null when enforcement is off.
	resp := []any{float64(used) / 1024, nil}
	if s.quota != nil && s.quota.Enabled() {
		resp[1] = float64(s.quota.Limit()) / 1024
	}
	setLastModified(c, storageTS)
	c.JSON(http.StatusOK, resp)
}
