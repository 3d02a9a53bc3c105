package timespec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// millisThreshold separates unix seconds from unix milliseconds. Any value
// above it is read as milliseconds (it corresponds to early 2001 in ms and
// to the year 33658 in seconds).
const millisThreshold = 1e12

// Parse parses an event timestamp into a UTC time.
// Supports the formats emitted by the workshop backend:
//   - RFC3339 / RFC3339Nano: "2025-10-29T13:00:00Z", "2025-10-29T13:00:00.123456+00:00"
//   - Naive ISO-8601 without zone (treated as UTC): "2025-10-29T13:00:00.123456"
//   - Unix seconds or milliseconds, optionally fractional: "1730206800", "1730206800123", "1730206800.5"
func Parse(spec string) (time.Time, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if t, err := time.Parse(time.RFC3339Nano, spec); err == nil {
		return t.UTC(), nil
	}

	if t, err := time.Parse("2006-01-02T15:04:05.999999999", spec); err == nil {
		return t.UTC(), nil
	}

	if f, err := strconv.ParseFloat(spec, 64); err == nil {
		if f >= millisThreshold {
			return time.UnixMilli(int64(f)).UTC(), nil
		}
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("invalid timestamp: %s (use RFC3339 like '2025-10-29T13:00:00Z' or unix seconds/milliseconds)", spec)
}

// ParseOr parses spec and falls back to def when it is empty or malformed.
func ParseOr(spec string, def time.Time) time.Time {
	t, err := Parse(spec)
	if err != nil {
		return def
	}
	return t
}
