package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lzww0608/gflake"
	"github.com/Lzww0608/gflake/internal/config"
	"github.com/Lzww0608/gflake/workerid"
	"github.com/Lzww0608/gflake/workerid/sqlalloc"
	"github.com/Lzww0608/gflake/workerid/zkalloc"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	zkSessionTimeout = 5 * time.Second
	releaseTimeout   = 5 * time.Second
)

// newAllocator returns the configured discriminator source and a function
// closing its connections.
func newAllocator(ctx context.Context, cfg config.Config, logger *slog.Logger) (workerid.Allocator, func(), error) {
	noop := func() {}
	switch cfg.Allocator {
	case config.AllocatorStatic:
		return &workerid.Static{ProcessID: cfg.ProcessID, WorkerSeed: cfg.WorkerSeed, Owner: cfg.Owner}, noop, nil

	case config.AllocatorRandom:
		p, w, err := gflake.RandomDiscriminators(nil)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("picked random discriminators", slog.Int64("process_id", p), slog.Int64("worker_seed", w))
		return &workerid.Static{ProcessID: p, WorkerSeed: w, Owner: cfg.Owner}, noop, nil

	case config.AllocatorZooKeeper:
		conn, err := zkalloc.Dial(cfg.ZKServers, zkSessionTimeout, logger)
		if err != nil {
			return nil, nil, err
		}
		alloc, err := zkalloc.New(conn, cfg.Service, cfg.Owner,
			zkalloc.WithLeaseTTL(cfg.LeaseTTL),
			zkalloc.WithLogger(logger),
		)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return alloc, conn.Close, nil

	case config.AllocatorMySQL, config.AllocatorPostgres, config.AllocatorSQLite:
		db, err := sqlalloc.Open(cfg.Allocator, cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() { db.Close() }
		alloc, err := sqlalloc.New(db, cfg.Allocator, cfg.Owner,
			sqlalloc.WithTable(sqlalloc.DefaultTable+"_"+sanitizeTableSuffix(cfg.Service)),
			sqlalloc.WithLeaseTTL(cfg.LeaseTTL),
			sqlalloc.WithLogger(logger),
		)
		if err != nil {
			closeDB()
			return nil, nil, err
		}
		if err := alloc.EnsureSchema(ctx); err != nil {
			closeDB()
			return nil, nil, err
		}
		return alloc, closeDB, nil
	}
	return nil, nil, fmt.Errorf("unknown allocator %q", cfg.Allocator)
}

// sanitizeTableSuffix maps a service name onto identifier characters.
func sanitizeTableSuffix(service string) string {
	b := []byte(service)
	for i, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			b[i] = '_'
		}
	}
	return string(b)
}

// newClient acquires discriminators and creates a Client over them.
func (a *app) newClient(ctx context.Context, opts ...gflake.Option) (*gflake.Client, workerid.Allocator, workerid.Assignment, func(), error) {
	if err := a.cfg.ValidateAllocator(); err != nil {
		return nil, nil, workerid.Assignment{}, nil, err
	}
	alloc, closeAlloc, err := newAllocator(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, nil, workerid.Assignment{}, nil, err
	}
	as, err := alloc.Acquire(ctx)
	if err != nil {
		closeAlloc()
		return nil, nil, workerid.Assignment{}, nil, fmt.Errorf("acquire discriminators: %w", err)
	}

	opts = append([]gflake.Option{gflake.WithLogger(a.logger)}, opts...)
	client, err := gflake.NewClient(a.cfg.Epoch, as.ProcessID, as.WorkerSeed,
		gflake.WithCacheSize(a.cfg.CacheSize),
		gflake.WithGeneratorOptions(opts...),
	)
	if err != nil {
		_ = release(alloc, as)
		closeAlloc()
		return nil, nil, workerid.Assignment{}, nil, err
	}
	a.logger.Debug("generator ready", slog.String("assignment", as.String()))
	return client, alloc, as, closeAlloc, nil
}

// release gives the slot back on a fresh context, so that it still happens
// after the command's context was cancelled by a signal.
func release(alloc workerid.Allocator, as workerid.Assignment) error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	return alloc.Release(ctx, as)
}
