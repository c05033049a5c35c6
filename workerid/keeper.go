package workerid

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Lzww0608/gflake"
)

// DefaultHeartbeatInterval is how often a Keeper refreshes its lease.
const DefaultHeartbeatInterval = 3 * time.Second

// Keeper refreshes a lease until its context is cancelled, then releases it.
type Keeper struct {
	alloc    Allocator
	interval time.Duration
	clock    gflake.Clock
	logger   *slog.Logger
	onBeat   func(error)
}

// KeeperOption configures a Keeper.
type KeeperOption func(*Keeper)

// WithInterval sets the heartbeat interval.
func WithInterval(d time.Duration) KeeperOption {
	return func(k *Keeper) {
		if d > 0 {
			k.interval = d
		}
	}
}

// WithKeeperClock sets the clock used for lease times.
func WithKeeperClock(c gflake.Clock) KeeperOption {
	return func(k *Keeper) { k.clock = c }
}

// WithKeeperLogger sets the logger.
func WithKeeperLogger(l *slog.Logger) KeeperOption {
	return func(k *Keeper) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithHeartbeatHook registers a function called after every heartbeat
// attempt with its result.
func WithHeartbeatHook(fn func(error)) KeeperOption {
	return func(k *Keeper) { k.onBeat = fn }
}

// NewKeeper creates a Keeper for alloc.
func NewKeeper(alloc Allocator, opts ...KeeperOption) *Keeper {
	k := &Keeper{
		alloc:    alloc,
		interval: DefaultHeartbeatInterval,
		clock:    gflake.SystemClock,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Run heartbeats a until ctx is done and then releases it. Heartbeat
// failures are logged and retried on the next tick; a clock that moved
// behind the last heartbeat skips the tick. If the slot now belongs to
// another owner, Run returns ErrNotOwner without releasing, and the
// caller must stop issuing IDs from a.
func (k *Keeper) Run(ctx context.Context, a Assignment) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	logger := k.logger.With(slog.Int("slot", a.Slot), slog.String("owner", a.Owner))
	last := a.LastTimestamp

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := k.alloc.Release(releaseCtx, a); err != nil {
				logger.Warn("failed to release slot", slog.Any("error", err))
				return err
			}
			logger.Info("released slot")
			return nil
		case <-ticker.C:
			now := k.clock.NowMillis()
			if now < last {
				logger.Warn("clock rollback detected during heartbeat",
					slog.Int64("now", now), slog.Int64("last", last))
				k.beat(ErrClockBehindLease)
				continue
			}
			err := k.alloc.Heartbeat(ctx, a, now)
			switch {
			case errors.Is(err, ErrNotOwner):
				logger.Error("lost slot lease", slog.Any("error", err))
				k.beat(err)
				return err
			case err != nil:
				logger.Warn("heartbeat failed", slog.Any("error", err))
			default:
				last = now
			}
			k.beat(err)
		}
	}
}

func (k *Keeper) beat(err error) {
	if k.onBeat != nil {
		k.onBeat(err)
	}
}
