package gflake

import "time"

// Clock reports wall-clock time in milliseconds since the Unix epoch.
// It must not be a monotonic-only clock: the timestamp field has to map
// back to a calendar date.
type Clock interface {
	NowMillis() int64
}

// ClockFunc adapts an ordinary function to the Clock interface.
type ClockFunc func() int64

// NowMillis calls f.
func (f ClockFunc) NowMillis() int64 { return f() }

// SystemClock reads time.Now.
var SystemClock Clock = ClockFunc(func() int64 { return time.Now().UnixMilli() })
