package rest_api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mozservices/syncstore"
)

// queryParams parses the shared collection-query parameters (ids,
// newer, older, limit, offset, sort). A malformed value reports the
// offending field and aborts.
func queryParams(c *gin.Context) (*syncstore.Params, bool) {
	p := &syncstore.Params{}

	if ids, ok := c.GetQuery("ids"); ok {
		list := strings.Split(ids, ",")
		if len(list) > syncstore.MaxRequestIDs {
			fieldError(c, "querystring", "ids")
			return nil, false
		}
		for i, id := range list {
			list[i] = strings.TrimSpace(id)
			if !syncstore.ValidBSOID(list[i]) {
				fieldError(c, "querystring", "ids")
				return nil, false
			}
		}
		p.IDs = list
	}
	if v, ok := c.GetQuery("newer"); ok {
		ts, err := syncstore.ParseTimestamp(v)
		if err != nil {
			fieldError(c, "querystring", "newer")
			return nil, false
		}
		p.Newer = &ts
	}
	if v, ok := c.GetQuery("older"); ok {
		ts, err := syncstore.ParseTimestamp(v)
		if err != nil {
			fieldError(c, "querystring", "older")
			return nil, false
		}
		p.Older = &ts
	}
	if v, ok := c.GetQuery("limit"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fieldError(c, "querystring", "limit")
			return nil, false
		}
		p.Limit = &n
	}
	p.Offset = c.Query("offset")

	sort, ok := syncstore.ParseSortOrder(c.Query("sort"))
	if !ok {
		fieldError(c, "querystring", "sort")
		return nil, false
	}
	p.Sort = sort
	return p, true
}

// fullRequested reports whether ?full selects whole BSOs over bare ids.
func fullRequested(c *gin.Context) bool {
	v, ok := c.GetQuery("full")
	return ok && v != "0" && !strings.EqualFold(v, "false")
}

// checkPreconditions applies X-If-Modified-Since and
// X-If-Unmodified-Since against the resource's current timestamp.
// It writes the 304/412 response itself and returns false when the
// request must not proceed.
func checkPreconditions(c *gin.Context, ts syncstore.Timestamp) bool {
	if v := c.GetHeader("X-If-Modified-Since"); v != "" {
		since, err := syncstore.ParseTimestamp(v)
		if err != nil {
			fieldError(c, "header", "X-If-Modified-Since")
			return false
		}
		if ts <= since {
			setLastModified(c, ts)
			c.AbortWithStatus(http.StatusNotModified)
			return false
		}
	}
	if v := c.GetHeader("X-If-Unmodified-Since"); v != "" {
		since, err := syncstore.ParseTimestamp(v)
		if err != nil {
			fieldError(c, "header", "X-If-Unmodified-Since")
			return false
		}
		if ts > since {
			setLastModified(c, ts)
			c.AbortWithStatus(http.StatusPreconditionFailed)
			return false
		}
	}
	return true
}

// checkIntentHeaders validates the X-Weave-* size-intent headers a
// client sends ahead of a batch upload, rejecting plans that can never
// fit the configured limits.
func (s *Server) checkIntentHeaders(c *gin.Context) bool {
	checks := []struct {
		header string
		limit  int
	}{
		{"X-Weave-Records", s.maxPostRecords},
		{"X-Weave-Bytes", s.maxPostBytes},
		{"X-Weave-Total-Records", MaxTotalRecords},
		{"X-Weave-Total-Bytes", MaxTotalBytes},
	}
	for _, chk := range checks {
		v := c.GetHeader(chk.header)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fieldError(c, "header", chk.header)
			return false
		}
		if n > chk.limit {
			respondReason(c, http.StatusBadRequest, reasonSizeLimit)
			return false
		}
	}
	return true
}

// collectionTimestampOrZero resolves a collection's version for
// precondition checks, treating never-written as zero.
func (s *Server) collectionTimestampOrZero(c *gin.Context, collection string) (syncstore.Timestamp, error) {
	ts, err := s.store.GetCollectionTimestamp(c.Request.Context(), userID(c), collection)
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return ts, nil
}

// itemTimestampOrZero resolves an item's version for precondition
// checks, treating absent as zero.
func (s *Server) itemTimestampOrZero(c *gin.Context, collection, item string) (syncstore.Timestamp, error) {
	ts, err := s.store.GetItemTimestamp(c.Request.Context(), userID(c), collection, item)
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return ts, nil
}
