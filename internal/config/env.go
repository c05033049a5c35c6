package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Lzww0608/gflake"
)

// FromEnv overlays GFLAKE_* environment variables onto cfg. Malformed
// values are reported rather than ignored.
func FromEnv(cfg *Config) error {
	if v := os.Getenv("GFLAKE_EPOCH"); v != "" {
		epoch, err := gflake.ParseEpoch(v)
		if err != nil {
			return fmt.Errorf("config: GFLAKE_EPOCH: %w", err)
		}
		cfg.Epoch = epoch
	}
	if err := envInt64("GFLAKE_PROCESS_ID", &cfg.ProcessID); err != nil {
		return err
	}
	if err := envInt64("GFLAKE_WORKER_SEED", &cfg.WorkerSeed); err != nil {
		return err
	}
	if v := os.Getenv("GFLAKE_ALLOCATOR"); v != "" {
		cfg.Allocator = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("GFLAKE_SERVICE"); v != "" {
		cfg.Service = v
	}
	if v := os.Getenv("GFLAKE_OWNER"); v != "" {
		cfg.Owner = v
	}
	if v := os.Getenv("GFLAKE_ZK_SERVERS"); v != "" {
		cfg.ZKServers = nil
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.ZKServers = append(cfg.ZKServers, p)
			}
		}
	}
	if v := os.Getenv("GFLAKE_DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if err := envDuration("GFLAKE_LEASE_TTL", &cfg.LeaseTTL); err != nil {
		return err
	}
	if err := envDuration("GFLAKE_HEARTBEAT", &cfg.Heartbeat); err != nil {
		return err
	}
	if v := os.Getenv("GFLAKE_ADDR"); v != "" {
		cfg.Addr = v
	}
	if err := envInt("GFLAKE_RATE_LIMIT", &cfg.RateLimit); err != nil {
		return err
	}
	if err := envInt("GFLAKE_CACHE_SIZE", &cfg.CacheSize); err != nil {
		return err
	}
	if v := os.Getenv("GFLAKE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("GFLAKE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
