// Package config holds the settings of the gflake command.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Lzww0608/gflake"
	"github.com/joho/godotenv"
)

// Allocator kinds.
const (
	AllocatorStatic    = "static"
	AllocatorRandom    = "random"
	AllocatorZooKeeper = "zookeeper"
	AllocatorMySQL     = "mysql"
	AllocatorPostgres  = "postgres"
	AllocatorSQLite    = "sqlite3"
)

// Config is the full command configuration.
type Config struct {
	Epoch      int64
	ProcessID  int64
	WorkerSeed int64

	// Allocator decides where the discriminators come from.
	Allocator string
	// Service namespaces leases of one logical ID domain.
	Service   string
	Owner     string
	ZKServers []string
	DBDSN     string
	LeaseTTL  time.Duration
	Heartbeat time.Duration

	Addr      string
	RateLimit int
	CacheSize int

	LogLevel  string
	LogFormat string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Epoch:      gflake.DefaultEpoch,
		ProcessID:  1,
		WorkerSeed: 1,
		Allocator:  AllocatorStatic,
		Service:    "default",
		LeaseTTL:   30 * time.Second,
		Heartbeat:  3 * time.Second,
		Addr:       ":8080",
		CacheSize:  gflake.DefaultCacheSize,
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// Load returns the defaults overlaid with GFLAKE_* variables. Variables
// from the given .env files (or ./.env when none are given) are loaded
// first; a missing file is not an error and never overrides the real
// environment. The result is not validated so that callers can apply
// their own overrides first.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && len(files) > 0 {
		return Config{}, fmt.Errorf("config: load env files: %w", err)
	}
	cfg := Default()
	if err := FromEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings every command depends on. Allocator
// settings are checked separately by ValidateAllocator.
func (c Config) Validate() error {
	var errs []error
	if c.Epoch < 0 {
		errs = append(errs, fmt.Errorf("negative epoch %d", c.Epoch))
	}
	if c.Service == "" || strings.Contains(c.Service, "/") {
		errs = append(errs, fmt.Errorf("invalid service %q", c.Service))
	}
	if c.Heartbeat <= 0 || c.LeaseTTL <= c.Heartbeat {
		errs = append(errs, fmt.Errorf("lease ttl %s must exceed heartbeat %s", c.LeaseTTL, c.Heartbeat))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("negative rate limit %d", c.RateLimit))
	}
	if c.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("negative cache size %d", c.CacheSize))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ValidateAllocator checks that the configured allocator can hand out
// discriminators.
func (c Config) ValidateAllocator() error {
	var errs []error
	switch c.Allocator {
	case AllocatorStatic:
		if c.ProcessID < 0 || c.ProcessID > gflake.MaxProcessID {
			errs = append(errs, fmt.Errorf("process id %d outside 0..%d", c.ProcessID, gflake.MaxProcessID))
		}
		if c.WorkerSeed < 0 || c.WorkerSeed > gflake.MaxWorkerSeed {
			errs = append(errs, fmt.Errorf("worker seed %d outside 0..%d", c.WorkerSeed, gflake.MaxWorkerSeed))
		}
	case AllocatorRandom:
	case AllocatorZooKeeper:
		if len(c.ZKServers) == 0 {
			errs = append(errs, errors.New("zookeeper allocator needs GFLAKE_ZK_SERVERS"))
		}
	case AllocatorMySQL, AllocatorPostgres, AllocatorSQLite:
		if c.DBDSN == "" {
			errs = append(errs, fmt.Errorf("%s allocator needs GFLAKE_DB_DSN", c.Allocator))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown allocator %q", c.Allocator))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}
