// Package cmd provides the command-line interface for gflake.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Lzww0608/gflake"
	"github.com/Lzww0608/gflake/internal/config"
	"github.com/spf13/cobra"
)

// app carries the state shared by all commands.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	envFiles []string
	epoch    string
	random   bool
}

// NewRoot builds the command tree. Output goes to the command's out writer.
func NewRoot() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "gflake",
		Short: "Generate and inspect 64-bit snowflake IDs",
		Long: `gflake issues 64-bit, time-ordered IDs made of a 42-bit millisecond ` +
			`timestamp, a 5-bit process ID, a 5-bit worker seed and a 12-bit ` +
			`sequence, and decodes them back. Settings come from GFLAKE_* ` +
			`environment variables, an optional .env file and flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringSliceVar(&a.envFiles, "env-file", nil, "env files to load (default ./.env if present)")
	pf.StringVar(&a.epoch, "epoch", "", "epoch as Unix milliseconds, fractional seconds or a date (default 2019-04-15T04:12:00Z)")
	pf.Int64("process-id", 0, "process ID (0-31)")
	pf.Int64("worker-seed", 0, "worker seed (0-31)")
	pf.BoolVar(&a.random, "random", false, "pick random discriminators in 1..31")
	pf.String("allocator", "", "discriminator source: static, random, zookeeper, mysql, postgres or sqlite3")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("log-format", "", "log format: text or json")

	root.AddCommand(a.nextCommand(), a.decodeCommand(), a.timestampCommand(), a.serveCommand())
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signalContext()
	defer stop()

	if err := NewRoot().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.envFiles...)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if a.epoch != "" {
		if cfg.Epoch, err = gflake.ParseEpoch(a.epoch); err != nil {
			return err
		}
	}
	if flags.Changed("process-id") {
		cfg.ProcessID, _ = flags.GetInt64("process-id")
	}
	if flags.Changed("worker-seed") {
		cfg.WorkerSeed, _ = flags.GetInt64("worker-seed")
	}
	if flags.Changed("allocator") {
		cfg.Allocator, _ = flags.GetString("allocator")
	}
	if a.random {
		cfg.Allocator = config.AllocatorRandom
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.logger, err = newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	return err
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	l, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: l}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// parseID accepts the decimal form and, with a 0x prefix, the hex form.
func parseID(s string) (gflake.ID, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return gflake.DecodeFromHex(s[2:])
	}
	return gflake.ParseID(s)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
