package gflake

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultEpoch is Sun, 15 Apr 2019 04:12:00 UTC in milliseconds.
const DefaultEpoch int64 = 1555301520000

var epochLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// EpochFromTime converts t to milliseconds since the Unix epoch.
func EpochFromTime(t time.Time) int64 {
	return t.UnixMilli()
}

// ParseEpoch parses an epoch given as integer milliseconds ("1555301520000"),
// fractional Unix seconds ("1555301520.5"), or a date in RFC 3339 or
// "2006-01-02[T15:04:05]" form. Dates without a zone are UTC. Thousands
// separators are ignored in numeric forms.
func ParseEpoch(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty epoch", ErrInvalidFormat)
	}

	for _, layout := range epochLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}

	n := strings.ReplaceAll(s, ",", "")
	if strings.Contains(n, ".") {
		secs, err := strconv.ParseFloat(n, 64)
		if err != nil || math.IsInf(secs, 0) || math.IsNaN(secs) {
			return 0, fmt.Errorf("%w: epoch %q", ErrInvalidFormat, s)
		}
		return int64(math.Round(secs * 1000)), nil
	}

	ms, err := strconv.ParseInt(n, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: epoch %q", ErrInvalidFormat, s)
	}
	return ms, nil
}
