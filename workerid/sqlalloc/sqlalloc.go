// Package sqlalloc leases worker slots from a relational database.
//
// Leases live in one table with a row per registered slot. Acquisition runs
// in a transaction and every write is conditional, so concurrent instances
// never end up on the same slot. The mysql, postgres and sqlite3 drivers are
// supported; the caller registers the driver it needs.
package sqlalloc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Lzww0608/gflake"
	"github.com/Lzww0608/gflake/workerid"
)

// DefaultTable is the lease table name.
const DefaultTable = "gflake_worker_slot"

// DefaultLeaseTTL is how long a slot stays leased without heartbeats.
const DefaultLeaseTTL = 30 * time.Second

// Supported driver names.
const (
	MySQL    = "mysql"
	Postgres = "postgres"
	SQLite   = "sqlite3"
)

// maxAttempts bounds retries when a concurrent instance wins a slot first.
const maxAttempts = 3

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var errSlotTaken = errors.New("sqlalloc: slot taken concurrently")

// Allocator implements workerid.Allocator on top of database/sql.
type Allocator struct {
	db       *sql.DB
	driver   string
	table    string
	owner    string
	leaseTTL time.Duration
	clock    gflake.Clock
	logger   *slog.Logger
}

var _ workerid.Allocator = (*Allocator)(nil)

// Option configures an Allocator.
type Option func(*Allocator)

// WithTable sets the lease table name.
func WithTable(name string) Option {
	return func(a *Allocator) { a.table = name }
}

// WithLeaseTTL sets how long a silent owner keeps its slot.
func WithLeaseTTL(d time.Duration) Option {
	return func(a *Allocator) {
		if d > 0 {
			a.leaseTTL = d
		}
	}
}

// WithClock sets the clock used for lease times.
func WithClock(c gflake.Clock) Option {
	return func(a *Allocator) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l
		}
	}
}

// Open opens a connection pool with the settings the allocator expects.
func Open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlalloc: open %s: %w", driver, err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	if driver == SQLite {
		// sqlite serializes writers; one connection also keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// New creates an allocator over db. driver selects the placeholder syntax.
// An empty owner gets a random identity.
func New(db *sql.DB, driver, owner string, opts ...Option) (*Allocator, error) {
	switch driver {
	case MySQL, Postgres, SQLite:
	default:
		return nil, fmt.Errorf("sqlalloc: unsupported driver %q", driver)
	}
	if owner == "" {
		owner = workerid.NewOwner()
	}
	a := &Allocator{
		db:       db,
		driver:   driver,
		table:    DefaultTable,
		owner:    owner,
		leaseTTL: DefaultLeaseTTL,
		clock:    gflake.SystemClock,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	if !tableName.MatchString(a.table) {
		return nil, fmt.Errorf("sqlalloc: invalid table name %q", a.table)
	}
	a.logger = a.logger.With(slog.String("owner", owner), slog.String("driver", driver))
	return a, nil
}

// Owner returns the owner identity written into lease rows.
func (a *Allocator) Owner() string { return a.owner }

// EnsureSchema creates the lease table if it does not exist.
func (a *Allocator) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+a.table+` (
	slot INTEGER NOT NULL PRIMARY KEY,
	owner VARCHAR(64) NOT NULL,
	last_time BIGINT NOT NULL,
	created_at BIGINT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("sqlalloc: create table %s: %w", a.table, err)
	}
	return nil
}

type leaseRow struct {
	slot     int
	owner    string
	lastTime int64
}

// Acquire leases a slot: the owner's previous slot, else the lowest slot
// without a row, else a slot whose lease expired.
func (a *Allocator) Acquire(ctx context.Context) (workerid.Assignment, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		as, err := a.acquire(ctx)
		if !errors.Is(err, errSlotTaken) {
			return as, err
		}
		lastErr = err
		a.logger.Debug("lost slot race, retrying", slog.Int("attempt", attempt+1))
	}
	return workerid.Assignment{}, lastErr
}

func (a *Allocator) acquire(ctx context.Context) (workerid.Assignment, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return workerid.Assignment{}, fmt.Errorf("sqlalloc: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := a.leases(ctx, tx)
	if err != nil {
		return workerid.Assignment{}, err
	}
	now := a.clock.NowMillis()

	as, err := a.pick(ctx, tx, rows, now)
	if err != nil {
		return workerid.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return workerid.Assignment{}, fmt.Errorf("sqlalloc: commit: %w", err)
	}
	return as, nil
}

func (a *Allocator) pick(ctx context.Context, tx *sql.Tx, rows []leaseRow, now int64) (workerid.Assignment, error) {
	for _, r := range rows {
		if r.owner != a.owner {
			continue
		}
		if now < r.lastTime {
			a.logger.Warn("clock is behind the recorded lease time",
				slog.Int("slot", r.slot), slog.Int64("now", now), slog.Int64("last_time", r.lastTime))
			return workerid.Assignment{}, fmt.Errorf("%w: slot %d: %d < %d", workerid.ErrClockBehindLease, r.slot, now, r.lastTime)
		}
		if _, err := tx.ExecContext(ctx, a.rebind(`UPDATE `+a.table+` SET last_time = ? WHERE slot = ? AND owner = ?`),
			now, r.slot, a.owner); err != nil {
			return workerid.Assignment{}, fmt.Errorf("sqlalloc: recover slot %d: %w", r.slot, err)
		}
		a.logger.Info("recovered slot", slog.Int("slot", r.slot))
		return workerid.NewAssignment(r.slot, a.owner, now)
	}

	taken := make(map[int]bool, len(rows))
	for _, r := range rows {
		taken[r.slot] = true
	}
	for slot := 0; slot < workerid.Slots; slot++ {
		if taken[slot] {
			continue
		}
		_, err := tx.ExecContext(ctx, a.rebind(`INSERT INTO `+a.table+` (slot, owner, last_time, created_at) VALUES (?, ?, ?, ?)`),
			slot, a.owner, now, now)
		if err != nil {
			// Most likely a concurrent insert of the same key. Some databases
			// abort the transaction on any error, so start over.
			return workerid.Assignment{}, fmt.Errorf("%w: slot %d: %v", errSlotTaken, slot, err)
		}
		a.logger.Info("registered new slot", slog.Int("slot", slot))
		return workerid.NewAssignment(slot, a.owner, now)
	}

	expiry := now - a.leaseTTL.Milliseconds()
	for _, r := range rows {
		if r.lastTime >= expiry {
			continue
		}
		res, err := tx.ExecContext(ctx, a.rebind(`UPDATE `+a.table+` SET owner = ?, last_time = ? WHERE slot = ? AND owner = ? AND last_time = ?`),
			a.owner, now, r.slot, r.owner, r.lastTime)
		if err != nil {
			return workerid.Assignment{}, fmt.Errorf("sqlalloc: take over slot %d: %w", r.slot, err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			continue
		}
		a.logger.Info("took over expired slot", slog.Int("slot", r.slot), slog.String("previous_owner", r.owner))
		return workerid.NewAssignment(r.slot, a.owner, now)
	}
	return workerid.Assignment{}, workerid.ErrNoFreeSlot
}

func (a *Allocator) leases(ctx context.Context, tx *sql.Tx) ([]leaseRow, error) {
	rows, err := tx.QueryContext(ctx, `SELECT slot, owner, last_time FROM `+a.table+` ORDER BY slot`)
	if err != nil {
		return nil, fmt.Errorf("sqlalloc: list slots: %w", err)
	}
	defer rows.Close()

	var out []leaseRow
	for rows.Next() {
		var r leaseRow
		if err := rows.Scan(&r.slot, &r.owner, &r.lastTime); err != nil {
			return nil, fmt.Errorf("sqlalloc: scan slot: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlalloc: list slots: %w", err)
	}
	return out, nil
}

// Heartbeat records nowMillis as the lease time of as. The recorded time
// never moves backwards.
func (a *Allocator) Heartbeat(ctx context.Context, as workerid.Assignment, nowMillis int64) error {
	res, err := a.db.ExecContext(ctx, a.rebind(`UPDATE `+a.table+` SET last_time = ? WHERE slot = ? AND owner = ? AND last_time <= ?`),
		nowMillis, as.Slot, as.Owner, nowMillis)
	if err != nil {
		return fmt.Errorf("sqlalloc: heartbeat slot %d: %w", as.Slot, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	// Nothing changed: find out why. MySQL also lands here when last_time
	// already equals nowMillis.
	var owner string
	var lastTime int64
	err = a.db.QueryRowContext(ctx, a.rebind(`SELECT owner, last_time FROM `+a.table+` WHERE slot = ?`), as.Slot).
		Scan(&owner, &lastTime)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: slot %d was released", workerid.ErrNotOwner, as.Slot)
	case err != nil:
		return fmt.Errorf("sqlalloc: heartbeat slot %d: %w", as.Slot, err)
	case owner != as.Owner:
		return fmt.Errorf("%w: slot %d is held by %s", workerid.ErrNotOwner, as.Slot, owner)
	case nowMillis < lastTime:
		return fmt.Errorf("%w: slot %d: %d < %d", workerid.ErrClockBehindLease, as.Slot, nowMillis, lastTime)
	}
	return nil
}

// Release deletes the lease row if it is still owned by as.Owner.
func (a *Allocator) Release(ctx context.Context, as workerid.Assignment) error {
	res, err := a.db.ExecContext(ctx, a.rebind(`DELETE FROM `+a.table+` WHERE slot = ? AND owner = ?`), as.Slot, as.Owner)
	if err != nil {
		return fmt.Errorf("sqlalloc: release slot %d: %w", as.Slot, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var owner string
		err := a.db.QueryRowContext(ctx, a.rebind(`SELECT owner FROM `+a.table+` WHERE slot = ?`), as.Slot).Scan(&owner)
		if err == nil && owner != as.Owner {
			return fmt.Errorf("%w: slot %d is held by %s", workerid.ErrNotOwner, as.Slot, owner)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for drivers that number them.
func (a *Allocator) rebind(query string) string {
	if a.driver != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
