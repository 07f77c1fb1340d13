// Package query implements the collection query pipeline shared by the
// storage backends: TTL visibility, filter predicates, total ordering
// and offset/limit pagination. Backends fetch candidate rows however
// their engine allows and let Apply produce the page.
package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mozservices/syncstore"
)

// Row is one candidate item, already scoped to a user and collection.
type Row struct {
	ID        string
	Payload   string
	SortIndex int
	HasIndex  bool
	Modified  syncstore.Timestamp
	// Expiry is absolute unix seconds, zero for "never expires".
	Expiry int64
}

// Alive reports TTL visibility at the given instant.
func (r *Row) Alive(nowUnix int64) bool {
	return r.Expiry == 0 || r.Expiry > nowUnix
}

// BSO converts the row to its wire object.
func (r *Row) BSO() *syncstore.BSO {
	payload := r.Payload
	b := &syncstore.BSO{
		ID:       r.ID,
		Payload:  &payload,
		Modified: r.Modified,
	}
	if r.HasIndex {
		idx := r.SortIndex
		b.SortIndex = &idx
	}
	return b
}

// Apply filters, sorts and paginates the candidate rows, returning the
// page and the token for the next one ("" when exhausted).
//
// Offset tokens are opaque to callers. For timestamp sorts the token is
// "bound:skip": the boundary version of the previous page plus the
// number of rows at that version already served, so rows written after
// the first page cannot shift later pages. sort=index uses a plain row
// index. A malformed token fails with InvalidOffsetError.
func Apply(rows []Row, params *syncstore.Params, nowUnix int64) ([]Row, string, error) {
	if params == nil {
		params = &syncstore.Params{}
	}
	var idFilter map[string]bool
	if params.IDs != nil {
		idFilter = make(map[string]bool, len(params.IDs))
		for _, id := range params.IDs {
			idFilter[id] = true
		}
	}

	kept := rows[:0]
	for _, r := range rows {
		if !r.Alive(nowUnix) {
			continue
		}
		if idFilter != nil && !idFilter[r.ID] {
			continue
		}
		if params.Newer != nil && r.Modified <= *params.Newer {
			continue
		}
		if params.Older != nil && r.Modified >= *params.Older {
			continue
		}
		kept = append(kept, r)
	}

	// Ties break on id so pagination is stable.
	switch params.Sort {
	case syncstore.SortOldest:
		sort.Slice(kept, func(i, j int) bool {
			if kept[i].Modified != kept[j].Modified {
				return kept[i].Modified < kept[j].Modified
			}
			return kept[i].ID < kept[j].ID
		})
	case syncstore.SortIndex:
		sort.Slice(kept, func(i, j int) bool {
			if kept[i].SortIndex != kept[j].SortIndex {
				return kept[i].SortIndex > kept[j].SortIndex
			}
			return kept[i].ID < kept[j].ID
		})
	default:
		sort.Slice(kept, func(i, j int) bool {
			if kept[i].Modified != kept[j].Modified {
				return kept[i].Modified > kept[j].Modified
			}
			return kept[i].ID < kept[j].ID
		})
	}

	if params.Sort == syncstore.SortIndex {
		offset := 0
		if params.Offset != "" {
			n, err := strconv.Atoi(params.Offset)
			if err != nil || n < 0 {
				return nil, "", &syncstore.InvalidOffsetError{Offset: params.Offset}
			}
			offset = n
		}
		if offset >= len(kept) {
			return nil, "", nil
		}
		kept = kept[offset:]
		nextOffset := ""
		if params.Limit != nil && *params.Limit >= 0 && len(kept) > *params.Limit {
			kept = kept[:*params.Limit]
			nextOffset = strconv.Itoa(offset + *params.Limit)
		}
		return kept, nextOffset, nil
	}

	var prevBound syncstore.Timestamp
	prevSkip := 0
	if params.Offset != "" {
		bound, skip, err := parseBoundOffset(params.Offset)
		if err != nil {
			return nil, "", &syncstore.InvalidOffsetError{Offset: params.Offset}
		}
		prevBound, prevSkip = bound, skip
		// Drop rows beyond the boundary (late arrivals belong to earlier
		// pages), then the rows at the boundary already served.
		idx := 0
		if params.Sort == syncstore.SortOldest {
			for idx < len(kept) && kept[idx].Modified < bound {
				idx++
			}
		} else {
			for idx < len(kept) && kept[idx].Modified > bound {
				idx++
			}
		}
		idx += skip
		if idx >= len(kept) {
			return nil, "", nil
		}
		kept = kept[idx:]
	}

	nextOffset := ""
	if params.Limit != nil && *params.Limit >= 0 && len(kept) > *params.Limit {
		kept = kept[:*params.Limit]
		bound := kept[len(kept)-1].Modified
		skip := 0
		for i := len(kept) - 1; i >= 0 && kept[i].Modified == bound; i-- {
			skip++
		}
		if bound == prevBound {
			skip += prevSkip
		}
		nextOffset = fmt.Sprintf("%d:%d", bound.Milliseconds(), skip)
	}
	return kept, nextOffset, nil
}

// parseBoundOffset splits a "bound:skip" token.
func parseBoundOffset(token string) (syncstore.Timestamp, int, error) {
	b, o, ok := strings.Cut(token, ":")
	if !ok {
		return 0, 0, fmt.Errorf("offset %q lacks a boundary", token)
	}
	bound, err := strconv.ParseInt(b, 10, 64)
	if err != nil || bound < 0 {
		return 0, 0, fmt.Errorf("offset boundary %q is not a version", b)
	}
	skip, err := strconv.Atoi(o)
	if err != nil || skip < 0 {
		return 0, 0, fmt.Errorf("offset skip %q is not a count", o)
	}
	return syncstore.Timestamp(bound), skip, nil
}
