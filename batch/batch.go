// Package batch implements the write-pipeline admission step: decoding
// a multi-item upload body, validating each record independently, and
// enforcing the per-request caps. Invalid records never fail the
// request; they are reported per item so clients can retry selectively.
package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"

	"github.com/mozservices/syncstore"
)

// Media types accepted for upload bodies.
const (
	MediaTypeJSON     = "application/json"
	MediaTypeNewlines = "application/newlines"
)

// Cap-exceeded markers reported per item. Clients resubmit the marked
// items in a follow-up request.
const (
	ReasonRetryItem  = "retry bso"
	ReasonRetryBytes = "retry bytes"
)

// ErrUnsupportedContentType rejects bodies in a media type the pipeline
// does not decode.
var ErrUnsupportedContentType = errors.New("unsupported content type")

// DuplicateIDError fails the whole request: a body naming the same item
// twice has no well-defined outcome.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate item id %q in request body", e.ID)
}

// Result is the admission outcome: the records that passed, in body
// order, and the per-item failure reasons for the rest.
type Result struct {
	Items  []*syncstore.BSO
	Failed map[string][]string
}

// ParseBSOs decodes and validates an upload body. Request-level
// problems (undecodable body, unsupported media type, duplicate ids)
// return an error; per-record problems land in Result.Failed keyed by
// the record's id ("" when the id itself is unusable).
func ParseBSOs(contentType string, body []byte, maxCount, maxBytes int) (*Result, error) {
	raws, err := decodeBody(contentType, body)
	if err != nil {
		return nil, err
	}

	res := &Result{Failed: make(map[string][]string)}
	seen := make(map[string]bool, len(raws))
	accepted := 0
	var totalBytes int64
	for _, raw := range raws {
		bso, reason := buildBSO(raw)
		if reason != "" {
			res.Failed[rawID(raw)] = append(res.Failed[rawID(raw)], reason)
			continue
		}
		if seen[bso.ID] {
			return nil, &DuplicateIDError{ID: bso.ID}
		}
		seen[bso.ID] = true

		if accepted >= maxCount {
			res.Failed[bso.ID] = append(res.Failed[bso.ID], ReasonRetryItem)
			continue
		}
		// Bytes accumulate even for rejected items, so once the cap is
		// reached every remaining item is marked for retry.
		totalBytes += bso.PayloadSize()
		if totalBytes >= int64(maxBytes) {
			res.Failed[bso.ID] = append(res.Failed[bso.ID], ReasonRetryBytes)
			continue
		}
		accepted++
		res.Items = append(res.Items, bso)
	}
	return res, nil
}

// ParseSingleBSO decodes the body of a single-item write. Any problem
// is a request-level error.
func ParseSingleBSO(contentType string, body []byte) (*syncstore.BSO, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil && contentType != "" {
		return nil, ErrUnsupportedContentType
	}
	if mt != "" && mt != MediaTypeJSON && mt != MediaTypeNewlines {
		return nil, ErrUnsupportedContentType
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("undecodable body: %w", err)
	}
	// Unlike the bulk path, the id may be absent: item writes carry it
	// in the URL.
	bso, err := syncstore.NewBSO(raw)
	if err != nil {
		return nil, err
	}
	if ok, reason := bso.Validate(); !ok {
		return nil, errors.New(reason)
	}
	return bso, nil
}

// decodeBody splits the body into raw record maps according to the
// declared media type.
func decodeBody(contentType string, body []byte) ([]map[string]any, error) {
	mt := MediaTypeJSON
	if contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, ErrUnsupportedContentType
		}
		mt = parsed
	}
	switch mt {
	case MediaTypeJSON:
		var raws []map[string]any
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("undecodable body: %w", err)
		}
		return raws, nil
	case MediaTypeNewlines:
		var raws []map[string]any
		for _, line := range bytes.Split(body, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var raw map[string]any
			if err := json.Unmarshal(line, &raw); err != nil {
				return nil, fmt.Errorf("undecodable body line: %w", err)
			}
			raws = append(raws, raw)
		}
		return raws, nil
	}
	return nil, ErrUnsupportedContentType
}

// buildBSO constructs and validates one record, returning the failure
// reason instead of an error so siblings keep flowing.
func buildBSO(raw map[string]any) (*syncstore.BSO, string) {
	bso, err := syncstore.NewBSO(raw)
	if err != nil {
		return nil, err.Error()
	}
	if ok, reason := bso.Validate(); !ok {
		return nil, reason
	}
	if bso.ID == "" {
		return nil, "invalid id"
	}
	return bso, ""
}

// rawID extracts a usable failure key from an undecodable record.
func rawID(raw map[string]any) string {
	if s, ok := raw["id"].(string); ok && syncstore.ValidBSOID(s) {
		return s
	}
	return ""
}
