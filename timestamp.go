package syncstore

import (
	"fmt"
	"strconv"
	"time"
)

// Timestamp is a server-assigned version number with two-decimal-place
// precision (hundredths of a second). Internally it counts milliseconds
// since the Unix epoch, truncated to 10ms, which matches the bigint
// representation used by the durable stores.
type Timestamp int64

// TimestampDirty is the sentinel written into cached metadata to mark a
// collection dirty during a write. It is never a valid version and
// round-trips through JSON as "-1.00".
const TimestampDirty Timestamp = -1000

// NowTimestamp returns the current wall-clock time truncated to
// hundredth-of-a-second precision.
func NowTimestamp() Timestamp {
	ms := time.Now().UnixMilli()
	return Timestamp(ms - ms%10)
}

// TimestampFromSeconds converts a float seconds value (as carried in
// protocol headers) to a Timestamp, truncating to two decimal places.
func TimestampFromSeconds(secs float64) Timestamp {
	cs := int64(secs * 100)
	return Timestamp(cs * 10)
}

// ParseTimestamp parses a decimal seconds string such as "1343052941.50".
func ParseTimestamp(s string) (Timestamp, error) {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid timestamp value: %q", s)
	}
	return TimestampFromSeconds(secs), nil
}

// Seconds returns the timestamp as float seconds since the epoch.
func (t Timestamp) Seconds() float64 {
	return float64(t) / 1000
}

// Unix returns the whole-second part, used when computing absolute
// expiry times from relative TTLs.
func (t Timestamp) Unix() int64 {
	return int64(t) / 1000
}

// Milliseconds returns the raw millisecond count stored by the backends.
func (t Timestamp) Milliseconds() int64 {
	return int64(t)
}

// String renders the two-decimal wire form, e.g. "1343052941.50".
func (t Timestamp) String() string {
	return strconv.FormatFloat(t.Seconds(), 'f', 2, 64)
}

// MarshalJSON emits the timestamp as a bare two-decimal number.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalJSON accepts either a number or a numeric string. Negative
// values decode to the dirty sentinel.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp value: %q", s)
	}
	if secs < 0 {
		*t = TimestampDirty
		return nil
	}
	*t = TimestampFromSeconds(secs)
	return nil
}
