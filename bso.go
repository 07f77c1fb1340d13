package syncstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Limits on BSO field values, per the storage protocol.
const (
	MaxTTL            = 31536000 // one year, in seconds
	MaxPayloadSize    = 256 * 1024
	MaxSortIndexValue = 999999999
	MinSortIndexValue = -999999999
)

// validIDRegex matches 1-64 printable-ASCII characters.
var validIDRegex = regexp.MustCompile(`^[\x20-\x7e]{1,64}$`)

// ValidBSOID reports whether s is a well-formed BSO id.
func ValidBSOID(s string) bool {
	return validIDRegex.MatchString(s)
}

// BSO is the Basic Storage Object, the unit of stored data. Optional
// fields use pointers so that "absent" and "zero" stay distinct: fields
// not provided on update are preserved by the stores.
type BSO struct {
	ID        string
	Payload   *string
	SortIndex *int
	TTL       *int
	Modified  Timestamp

	// raw holds the untyped field values from a decoded request body,
	// so Validate can report coercion failures per field.
	raw map[string]any
}

// NewBSO builds a BSO from decoded JSON data. It only rejects structural
// problems (non-scalar field values); field-level validation is deferred
// to Validate so the batch pipeline can report per-item failures.
func NewBSO(data map[string]any) (*BSO, error) {
	for name, value := range data {
		switch value.(type) {
		case nil, string, float64, bool, json.Number:
		default:
			return nil, fmt.Errorf("BSO field %q must be a scalar value", name)
		}
	}
	b := &BSO{raw: make(map[string]any, len(data))}
	for name, value := range data {
		if value == nil {
			continue
		}
		b.raw[name] = value
	}
	return b, nil
}

// Validate checks and coerces the field values, returning false and a
// reason on the first failure. It never returns an error value, so the
// batch pipeline can continue with sibling items.
func (b *BSO) Validate() (bool, string) {
	if b.raw == nil {
		return b.validateTyped()
	}
	for name := range b.raw {
		switch name {
		case "id", "payload", "sortindex", "ttl", "modified":
		default:
			return false, fmt.Sprintf("unknown field %q", name)
		}
	}
	if v, ok := b.raw["id"]; ok {
		s, ok := v.(string)
		if !ok || !validIDRegex.MatchString(s) {
			return false, "invalid id"
		}
		b.ID = s
	}
	if v, ok := b.raw["ttl"]; ok {
		ttl, ok := coerceInt(v)
		if !ok || ttl < 0 || ttl > MaxTTL {
			return false, "invalid ttl"
		}
		b.TTL = &ttl
	}
	if v, ok := b.raw["sortindex"]; ok {
		idx, ok := coerceInt(v)
		if !ok || idx > MaxSortIndexValue || idx < MinSortIndexValue {
			return false, "invalid sortindex"
		}
		b.SortIndex = &idx
	}
	if v, ok := b.raw["payload"]; ok {
		s, ok := v.(string)
		if !ok {
			return false, "payload not a string"
		}
		if len(s) > MaxPayloadSize {
			return false, "payload too large"
		}
		b.Payload = &s
	}
	// The client may echo a modified value; the server always replaces it.
	return true, ""
}

func (b *BSO) validateTyped() (bool, string) {
	if b.ID != "" && !validIDRegex.MatchString(b.ID) {
		return false, "invalid id"
	}
	if b.TTL != nil && (*b.TTL < 0 || *b.TTL > MaxTTL) {
		return false, "invalid ttl"
	}
	if b.SortIndex != nil && (*b.SortIndex > MaxSortIndexValue || *b.SortIndex < MinSortIndexValue) {
		return false, "invalid sortindex"
	}
	if b.Payload != nil && len(*b.Payload) > MaxPayloadSize {
		return false, "payload too large"
	}
	return true, ""
}

// PayloadSize returns the payload length in bytes, zero when absent.
func (b *BSO) PayloadSize() int64 {
	if b.Payload == nil {
		return 0
	}
	return int64(len(*b.Payload))
}

// coerceInt applies loose numeric coercion: integral floats truncate,
// numeric strings parse, everything else fails.
func coerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	}
	return 0, false
}

// MarshalJSON renders the wire form of a BSO. Absent optional fields are
// omitted, and ttl is never echoed back to clients.
func (b *BSO) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"id":`)
	id, err := json.Marshal(b.ID)
	if err != nil {
		return nil, err
	}
	buf.Write(id)
	if b.Modified > 0 {
		buf.WriteString(`,"modified":`)
		buf.WriteString(b.Modified.String())
	}
	if b.SortIndex != nil {
		buf.WriteString(`,"sortindex":`)
		buf.WriteString(strconv.Itoa(*b.SortIndex))
	}
	if b.Payload != nil {
		buf.WriteString(`,"payload":`)
		payload, err := json.Marshal(*b.Payload)
		if err != nil {
			return nil, err
		}
		buf.Write(payload)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a BSO from its wire form without validation;
// call Validate before trusting the result.
func (b *BSO) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewBSO(raw)
	if err != nil {
		return err
	}
	*b = *parsed
	return nil
}

// String implements fmt.Stringer for debug logging.
func (b *BSO) String() string {
	out, err := b.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("BSO(%s)", b.ID)
	}
	return string(out)
}
