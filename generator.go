package gflake

import (
	"iter"
	"log/slog"
	"sync"
	"time"
)

// DefaultWaitInterval is how long Next sleeps between clock reads while a
// millisecond's sequence space is exhausted.
const DefaultWaitInterval = 100 * time.Microsecond

// Observer receives generator events. Methods are called while the
// generator's lock is held and must not block.
type Observer interface {
	Issued(c Components)
	OverflowWait(d time.Duration)
	ClockRegression(magnitude time.Duration)
}

// State is a snapshot of a generator's sequence state.
type State struct {
	// LastTimestamp is the offset of the last issued ID, or -1 before the first.
	LastTimestamp int64
	Sequence      int64
}

type sequenceState struct {
	lastTimestamp int64
	sequence      int64
}

// Generator is a thread-safe snowflake generator. IDs from one Generator are
// unique and strictly increasing in issuance order.
//
// Two generators must never share the same epoch and discriminator pair;
// the Generator cannot detect that.
type Generator struct {
	mu    sync.Mutex
	state sequenceState

	epoch      int64
	processID  int64
	workerSeed int64

	clock        Clock
	sleep        func(time.Duration)
	waitInterval time.Duration
	logger       *slog.Logger
	observer     Observer
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock sets the time source. Mostly useful for tests.
func WithClock(c Clock) Option {
	return func(g *Generator) { g.clock = c }
}

// WithSleep replaces time.Sleep in the overflow wait.
func WithSleep(sleep func(time.Duration)) Option {
	return func(g *Generator) { g.sleep = sleep }
}

// WithWaitInterval sets the overflow wait step, capped at one millisecond.
func WithWaitInterval(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 && d <= time.Millisecond {
			g.waitInterval = d
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithObserver registers an Observer, e.g. a metrics collector.
func WithObserver(o Observer) Option {
	return func(g *Generator) { g.observer = o }
}

// New creates a generator for the given epoch (milliseconds since the Unix
// epoch) and discriminators. Both discriminators must be within 0..31.
func New(epoch, processID, workerSeed int64, opts ...Option) (*Generator, error) {
	if err := checkRange("process ID", processID, MaxProcessID); err != nil {
		return nil, err
	}
	if err := checkRange("worker seed", workerSeed, MaxWorkerSeed); err != nil {
		return nil, err
	}

	g := &Generator{
		state:        sequenceState{lastTimestamp: -1},
		epoch:        epoch,
		processID:    processID,
		workerSeed:   workerSeed,
		clock:        SystemClock,
		sleep:        time.Sleep,
		waitInterval: DefaultWaitInterval,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(
		slog.Int64("process_id", processID),
		slog.Int64("worker_seed", workerSeed),
	)
	return g, nil
}

// Next returns the next ID.
//
// If the clock is behind the last issued timestamp Next fails with a
// *ClockRegressionError and leaves the state untouched. If 4096 IDs were
// already issued in the current millisecond, Next sleeps until the clock
// advances; the lock is held meanwhile so no other caller can slip in.
func (g *Generator) Next() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next()
}

func (g *Generator) next() (ID, error) {
	last := g.state.lastTimestamp
	now := g.clock.NowMillis() - g.epoch

	// clock before the epoch
	if now < 0 {
		return 0, &RangeError{Field: "timestamp", Value: now, Max: MaxTimestamp}
	}
	if now < last {
		return 0, g.regressed(last, now)
	}

	seq := int64(0)
	if now == last {
		if g.state.sequence < MaxSequence {
			seq = g.state.sequence + 1
		} else {
			var err error
			if now, err = g.waitNextMillis(last); err != nil {
				return 0, err
			}
		}
	}

	id, err := Encode(now, g.processID, g.workerSeed, seq)
	if err != nil {
		return 0, err
	}

	g.state.lastTimestamp = now
	g.state.sequence = seq
	if g.observer != nil {
		g.observer.Issued(Components{Timestamp: now, ProcessID: g.processID, WorkerSeed: g.workerSeed, Sequence: seq})
	}
	return id, nil
}

// waitNextMillis blocks until the clock passes last and returns the new offset.
func (g *Generator) waitNextMillis(last int64) (int64, error) {
	start := time.Now()
	g.logger.Debug("sequence exhausted, waiting for next millisecond", slog.Int64("timestamp", last))

	now := last
	for now == last {
		g.sleep(g.waitInterval)
		now = g.clock.NowMillis() - g.epoch
	}
	if now < last {
		return 0, g.regressed(last, now)
	}

	if g.observer != nil {
		g.observer.OverflowWait(time.Since(start))
	}
	return now, nil
}

func (g *Generator) regressed(last, now int64) error {
	err := &ClockRegressionError{Last: last, Now: now}
	g.logger.Warn("clock moved backwards, refusing to issue ID",
		slog.Int64("last_timestamp", last),
		slog.Int64("now", now),
		slog.Duration("magnitude", err.Magnitude()),
	)
	if g.observer != nil {
		g.observer.ClockRegression(err.Magnitude())
	}
	return err
}

// NextN returns n IDs issued back to back under a single lock acquisition.
// On error the IDs issued so far are returned with it.
func (g *Generator) NextN(n int) ([]ID, error) {
	ids := make([]ID, 0, min(max(n, 0), int(SequenceCapacity)))

	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < n; i++ {
		id, err := g.next()
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// IDs returns an endless sequence of IDs. Iteration stops after the first
// error is yielded.
func (g *Generator) IDs() iter.Seq2[ID, error] {
	return func(yield func(ID, error) bool) {
		for {
			id, err := g.Next()
			if !yield(id, err) || err != nil {
				return
			}
		}
	}
}

// Epoch returns the generator's epoch in milliseconds since the Unix epoch.
func (g *Generator) Epoch() int64 { return g.epoch }

// ProcessID returns the generator's process discriminator.
func (g *Generator) ProcessID() int64 { return g.processID }

// WorkerSeed returns the generator's worker discriminator.
func (g *Generator) WorkerSeed() int64 { return g.workerSeed }

// State returns a snapshot of the sequence state.
func (g *Generator) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{LastTimestamp: g.state.lastTimestamp, Sequence: g.state.sequence}
}

// ToTimestamp converts an ID issued by this generator back to a timestamp.
func (g *Generator) ToTimestamp(id ID, unit Unit) (int64, error) {
	return ToTimestamp(g.epoch, id, unit)
}
