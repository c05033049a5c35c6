package gflake

import (
	"fmt"
	"time"
)

// Unit selects the resolution returned by ToTimestamp.
type Unit string

const (
	Milliseconds Unit = "ms"
	Seconds      Unit = "s"
)

// ParseUnit validates a unit string. The empty string means Milliseconds.
func ParseUnit(s string) (Unit, error) {
	switch Unit(s) {
	case "", Milliseconds:
		return Milliseconds, nil
	case Seconds:
		return Seconds, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidUnit, s)
	}
}

// ToTimestamp returns the Unix time at which id was issued, in milliseconds
// or (truncated) seconds.
//
// The 64-bit format carries no epoch tag: epoch must be the value the ID was
// generated with. A different epoch yields a plausible but wrong result and
// cannot be detected.
func ToTimestamp(epoch int64, id ID, unit Unit) (int64, error) {
	u, err := ParseUnit(string(unit))
	if err != nil {
		return 0, err
	}
	ms := Decode(id).Timestamp + epoch
	if u == Seconds {
		return ms / 1000, nil
	}
	return ms, nil
}

// ToTime is ToTimestamp as a time.Time in UTC. The same epoch caveat applies.
func ToTime(epoch int64, id ID) time.Time {
	return time.UnixMilli(Decode(id).Timestamp + epoch).UTC()
}
