// Package rest_api surfaces the sync storage kernel over HTTP. Routes
// follow the storage protocol: /{version}/{userid}/info/... for the
// polling endpoints and /{version}/{userid}/storage/... for data.
package rest_api

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/health"
	"github.com/mozservices/syncstore/lock"
	"github.com/mozservices/syncstore/quota"
)

// apiVersion is the storage protocol version served.
const apiVersion = "1.5"

const (
	// retryAfterSeconds is advertised with 503s and conflicts.
	retryAfterSeconds = "5"

	// backoffSeconds is advertised when a backend turns unhealthy.
	backoffSeconds = "1800"

	// conflictRetryBudget bounds the transparent retry of a conflicted
	// request; past it the conflict surfaces to the client.
	conflictRetryBudget = 200 * time.Millisecond

	// conflictRetryPause is the wait before the single retry.
	conflictRetryPause = 100 * time.Millisecond

	// quotaAdvertiseHeadroom is the remaining-quota threshold below
	// which writes start carrying the X-Weave-Quota-Remaining header.
	quotaAdvertiseHeadroom = 1024 * 1024
)

// Caps on the totals a client may advertise for a whole batch upload,
// summed across its POSTs.
const (
	MaxTotalRecords = 10000
	MaxTotalBytes   = 100 * 1024 * 1024
)

// Error reasons carried as JSON string bodies.
const (
	reasonOverQuota       = "quota-exceeded"
	reasonSizeLimit       = "size-limit-exceeded"
	reasonInvalidObject   = "invalid-object"
	reasonUnsupportedType = "unsupported-content-type"
	reasonServerIssue     = "server issue: database is not healthy"
)

// Config tunes the HTTP tier.
type Config struct {
	// HealthTargets are the backend names whose published status gates
	// this node's responses. Empty disables health gating.
	HealthTargets []string
	// HealthKeyPrefix namespaces the status keys.
	HealthKeyPrefix string
}

// Server binds the storage kernel to the protocol routes.
type Server struct {
	store syncstore.SyncStore
	quota *quota.Accountant
	cache syncstore.Cache
	cfg   Config

	maxPostRecords int
	maxPostBytes   int
}

// NewServer wires the handler set. cache may be nil when no health
// gating is wanted (standalone mode).
func NewServer(store syncstore.SyncStore, accountant *quota.Accountant, cache syncstore.Cache, storageCfg syncstore.StorageConfig, cfg Config) *Server {
	return &Server{
		store:          store,
		quota:          accountant,
		cache:          cache,
		cfg:            cfg,
		maxPostRecords: storageCfg.BatchMaxCountOrDefault(),
		maxPostBytes:   storageCfg.BatchMaxBytesOrDefault(),
	}
}

// Router builds the gin engine with all protocol routes mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog, s.healthGate)

	router.GET("/__heartbeat__", s.heartbeat)

	u := router.Group("/:apiVersion/:userid", s.validatePath)
	{
		u.GET("/info/collections", s.infoCollections)
		u.GET("/info/collection_counts", s.infoCollectionCounts)
		u.GET("/info/collection_usage", s.infoCollectionUsage)
		u.GET("/info/quota", s.infoQuota)

		u.DELETE("/storage", s.deleteStorage)
		u.GET("/storage/:collection", s.getCollection)
		u.POST("/storage/:collection", s.postCollection)
		u.DELETE("/storage/:collection", s.deleteCollection)
		u.GET("/storage/:collection/:item", s.getItem)
		u.PUT("/storage/:collection/:item", s.putItem)
		u.DELETE("/storage/:collection/:item", s.deleteItem)
	}
	return router
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	return s.Router().Run(addr)
}

// requestLog emits one structured line per request.
func (s *Server) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	log.Info("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"elapsed", time.Since(start),
	)
}

// healthGate applies the monitor's published verdicts: unhealthy adds a
// backoff hint, down fails fast before touching the backend.
func (s *Server) healthGate(c *gin.Context) {
	if s.cache == nil || len(s.cfg.HealthTargets) == 0 {
		c.Next()
		return
	}
	statuses := make([]string, 0, len(s.cfg.HealthTargets))
	for _, name := range s.cfg.HealthTargets {
		status, err := health.Status(c.Request.Context(), s.cache, s.cfg.HealthKeyPrefix, name)
		if err != nil {
			// The cache being unreadable is itself a bad sign, but the
			// backends may be fine; let the request try.
			log.Warn("health status read failed", "backend", name, "error", err)
			continue
		}
		statuses = append(statuses, status)
	}
	switch health.Worst(statuses...) {
	case health.StatusDown:
		c.Header("Retry-After", retryAfterSeconds)
		c.JSON(http.StatusServiceUnavailable, reasonServerIssue)
		c.Abort()
		return
	case health.StatusUnhealthy:
		c.Header("X-Weave-Backoff", backoffSeconds)
	}
	c.Next()
}

// validatePath checks the version and userid path segments shared by
// every protocol route, and seeds the request's lock session.
func (s *Server) validatePath(c *gin.Context) {
	if c.Param("apiVersion") != apiVersion {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	uid, err := strconv.ParseInt(c.Param("userid"), 10, 64)
	if err != nil || uid <= 0 {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	c.Set("userid", uid)
	c.Request = c.Request.WithContext(lock.WithSession(c.Request.Context()))
	c.Next()
}

func userID(c *gin.Context) int64 {
	return c.GetInt64("userid")
}

// collectionName validates the :collection path segment.
func collectionName(c *gin.Context) (string, bool) {
	name := c.Param("collection")
	if !syncstore.ValidCollectionName(name) {
		fieldError(c, "path", "collection")
		return "", false
	}
	return name, true
}

// itemID validates the :item path segment.
func itemID(c *gin.Context) (string, bool) {
	id := c.Param("item")
	if !syncstore.ValidBSOID(id) {
		fieldError(c, "path", "item")
		return "", false
	}
	return id, true
}

// respondReason writes one of the JSON string error bodies.
func respondReason(c *gin.Context, status int, reason string) {
	c.JSON(status, reason)
	c.Abort()
}

// fieldError reports a malformed request field in the structured form
// clients introspect: {"status":"error","errors":[{...}]}.
func fieldError(c *gin.Context, location, name string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"status": "error",
		"errors": []gin.H{{"location": location, "name": name}},
	})
	c.Abort()
}

// abortErr maps a storage error to its wire disposition.
func (s *Server) abortErr(c *gin.Context, err error) {
	var offsetErr *syncstore.InvalidOffsetError
	var backendErr *syncstore.BackendError
	switch {
	case errors.Is(err, syncstore.ErrCollectionNotFound), errors.Is(err, syncstore.ErrItemNotFound):
		c.AbortWithStatus(http.StatusNotFound)
	case errors.Is(err, syncstore.ErrConflict):
		c.Header("Retry-After", retryAfterSeconds)
		c.AbortWithStatus(http.StatusServiceUnavailable)
	case errors.Is(err, syncstore.ErrOverQuota):
		respondReason(c, http.StatusForbidden, reasonOverQuota)
	case errors.Is(err, syncstore.ErrInvalidBatch):
		fieldError(c, "querystring", "batch")
	case errors.As(err, &offsetErr):
		fieldError(c, "querystring", "offset")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.Abort()
	case errors.As(err, &backendErr):
		log.Error("backend failure", "path", c.Request.URL.Path, "error", err)
		c.AbortWithStatus(http.StatusServiceUnavailable)
	default:
		log.Error("request failed", "path", c.Request.URL.Path, "error", err)
		c.AbortWithStatus(http.StatusServiceUnavailable)
	}
}

// setLastModified stamps the response with the resource version.
func setLastModified(c *gin.Context, ts syncstore.Timestamp) {
	c.Header("X-Last-Modified", ts.String())
}

// retryConflict runs op, transparently retrying a conflicted attempt
// once while the request is young enough that the retry is cheaper than
// bouncing the client.
func retryConflict(ctx context.Context, start time.Time, op func() error) error {
	err := op()
	if errors.Is(err, syncstore.ErrConflict) && time.Since(start) < conflictRetryBudget {
		if serr := syncstore.Sleep(ctx, conflictRetryPause); serr != nil {
			return err
		}
		err = op()
	}
	return err
}

// withReadLock runs fn under the collection read lock.
func (s *Server) withReadLock(c *gin.Context, collection string, fn func() error) error {
	ctx := c.Request.Context()
	return retryConflict(ctx, time.Now(), func() error {
		unlock, err := s.store.LockForRead(ctx, userID(c), collection)
		if err != nil {
			return err
		}
		defer unlock()
		return fn()
	})
}

// withWriteLock runs fn under the collection write lock.
func (s *Server) withWriteLock(c *gin.Context, collection string, fn func() error) error {
	ctx := c.Request.Context()
	return retryConflict(ctx, time.Now(), func() error {
		unlock, err := s.store.LockForWrite(ctx, userID(c), collection)
		if err != nil {
			return err
		}
		defer unlock()
		return fn()
	})
}

// heartbeat answers liveness probes with the backend's reachability.
func (s *Server) heartbeat(c *gin.Context) {
	c.Header("X-Sync-Version", syncstore.Version)
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.String(http.StatusServiceUnavailable, "DOWN")
		return
	}
	c.String(http.StatusOK, "OK")
}

// quotaRemainingHeader advertises the post-write headroom in KiB.
func quotaRemainingHeader(c *gin.Context, remaining int64) {
	c.Header("X-Weave-Quota-Remaining", fmt.Sprintf("%.2f", float64(remaining)/1024))
}

// errHandled signals that a handler closure already wrote the response
// (precondition failures); the error path must not write again.
var errHandled = errors.New("response already written")

func isNotFound(err error) bool {
	return errors.Is(err, syncstore.ErrCollectionNotFound) || errors.Is(err, syncstore.ErrItemNotFound)
}

// finish routes a handler-closure error to abortErr unless the closure
// already responded.
func (s *Server) finish(c *gin.Context, err error) bool {
	if err == nil {
		return true
	}
	if !errors.Is(err, errHandled) {
		s.abortErr(c, err)
	}
	return false
}
