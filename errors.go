package gflake

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOutOfRange indicates that a value does not fit its allotted bit width
	ErrOutOfRange = errors.New("gflake: value out of range")

	// ErrClockRegression indicates that the clock reported a time earlier than the last issued ID
	ErrClockRegression = errors.New("gflake: clock moved backwards")

	// ErrInvalidUnit indicates an unrecognized timestamp unit
	ErrInvalidUnit = errors.New("gflake: invalid timestamp unit (expected \"ms\" or \"s\")")

	// ErrNoGenerator indicates that a Client has no live generator
	ErrNoGenerator = errors.New("gflake: no live generator")

	// ErrInvalidFormat indicates that the ID string format is invalid
	ErrInvalidFormat = errors.New("gflake: invalid ID format")

	// ErrInvalidLength indicates that the ID byte slice has incorrect length
	ErrInvalidLength = errors.New("gflake: invalid ID length (expected 8 bytes)")
)

// RangeError reports a field that does not fit its bit width.
// It matches ErrOutOfRange with errors.Is.
type RangeError struct {
	Field string
	Value int64
	Max   int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("gflake: %s %d out of range [0, %d]", e.Field, e.Value, e.Max)
}

func (e *RangeError) Unwrap() error { return ErrOutOfRange }

// ClockRegressionError reports the clock moving behind the last issued
// timestamp. Both values are offsets from the generator's epoch.
type ClockRegressionError struct {
	Last int64
	Now  int64
}

func (e *ClockRegressionError) Error() string {
	return fmt.Sprintf("gflake: clock moved backwards by %dms (last %d, now %d)", e.Last-e.Now, e.Last, e.Now)
}

func (e *ClockRegressionError) Unwrap() error { return ErrClockRegression }

// Magnitude returns how far the clock moved backwards.
func (e *ClockRegressionError) Magnitude() time.Duration {
	return time.Duration(e.Last-e.Now) * time.Millisecond
}
