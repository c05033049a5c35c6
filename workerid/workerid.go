// Package workerid assigns snowflake discriminators to running instances.
//
// The process ID and worker seed together form one of 1024 slots. An
// Allocator leases a slot to an owner, records when the owner last
// heartbeated, and refuses to hand a slot back to an owner whose clock is
// behind that record. Leases are best effort: they only help when every
// instance of a service goes through the same allocator.
package workerid

import (
	"context"
	"errors"
	"fmt"

	"github.com/Lzww0608/gflake"
	"github.com/google/uuid"
)

// Slots is the number of distinct (process ID, worker seed) pairs.
const Slots = int((gflake.MaxProcessID + 1) * (gflake.MaxWorkerSeed + 1))

var (
	// ErrNoFreeSlot indicates that every slot is leased and none has expired
	ErrNoFreeSlot = errors.New("workerid: no free slot")

	// ErrClockBehindLease indicates that the local clock is behind the slot's recorded lease time
	ErrClockBehindLease = errors.New("workerid: clock is behind the recorded lease time")

	// ErrNotOwner indicates that the slot is no longer leased to this owner
	ErrNotOwner = errors.New("workerid: slot is not owned by this instance")

	// ErrInvalidSlot indicates a slot number outside 0..Slots-1
	ErrInvalidSlot = errors.New("workerid: invalid slot")
)

// Assignment is a leased slot.
type Assignment struct {
	Slot       int
	ProcessID  int64
	WorkerSeed int64
	Owner      string
	// LastTimestamp is the lease time in Unix milliseconds recorded at acquisition.
	LastTimestamp int64
}

// String returns a short description of the assignment
func (a Assignment) String() string {
	return fmt.Sprintf("slot %d (process %d, worker %d) owned by %s", a.Slot, a.ProcessID, a.WorkerSeed, a.Owner)
}

// Allocator leases slots.
type Allocator interface {
	// Acquire leases a slot for the allocator's owner, recovering the
	// owner's previous slot when there is one.
	Acquire(ctx context.Context) (Assignment, error)

	// Heartbeat records nowMillis as the lease time of a.
	Heartbeat(ctx context.Context, a Assignment, nowMillis int64) error

	// Release gives the slot back.
	Release(ctx context.Context, a Assignment) error
}

// SlotOf returns the slot of a discriminator pair.
func SlotOf(processID, workerSeed int64) (int, error) {
	if processID < 0 || processID > gflake.MaxProcessID || workerSeed < 0 || workerSeed > gflake.MaxWorkerSeed {
		return 0, fmt.Errorf("%w: process %d, worker %d", ErrInvalidSlot, processID, workerSeed)
	}
	return int(processID<<gflake.WorkerSeedBits | workerSeed), nil
}

// FromSlot returns the discriminator pair of a slot.
func FromSlot(slot int) (processID, workerSeed int64, err error) {
	if slot < 0 || slot >= Slots {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	return int64(slot) >> gflake.WorkerSeedBits, int64(slot) & gflake.MaxWorkerSeed, nil
}

// NewAssignment builds the Assignment for slot.
func NewAssignment(slot int, owner string, lastTimestamp int64) (Assignment, error) {
	p, w, err := FromSlot(slot)
	if err != nil {
		return Assignment{}, err
	}
	return Assignment{
		Slot:          slot,
		ProcessID:     p,
		WorkerSeed:    w,
		Owner:         owner,
		LastTimestamp: lastTimestamp,
	}, nil
}

// NewOwner returns a random owner identity for instances that have none configured.
func NewOwner() string {
	return uuid.NewString()
}

// NewGenerator acquires a slot and creates a generator for it.
func NewGenerator(ctx context.Context, alloc Allocator, epoch int64, opts ...gflake.Option) (*gflake.Generator, Assignment, error) {
	a, err := alloc.Acquire(ctx)
	if err != nil {
		return nil, Assignment{}, err
	}
	gen, err := gflake.New(epoch, a.ProcessID, a.WorkerSeed, opts...)
	if err != nil {
		return nil, Assignment{}, err
	}
	return gen, a, nil
}

// Static always hands out the same pair. It is what a service uses when
// the operator assigns discriminators by hand.
type Static struct {
	ProcessID  int64
	WorkerSeed int64
	Owner      string
}

// Acquire returns the configured pair.
func (s *Static) Acquire(ctx context.Context) (Assignment, error) {
	slot, err := SlotOf(s.ProcessID, s.WorkerSeed)
	if err != nil {
		return Assignment{}, err
	}
	return NewAssignment(slot, s.Owner, 0)
}

// Heartbeat does nothing.
func (s *Static) Heartbeat(context.Context, Assignment, int64) error { return nil }

// Release does nothing.
func (s *Static) Release(context.Context, Assignment) error { return nil }
