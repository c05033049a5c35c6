package cmd

import (
	"log/slog"

	"github.com/Lzww0608/gflake"
	"github.com/Lzww0608/gflake/internal/metrics"
	"github.com/Lzww0608/gflake/internal/server"
	"github.com/Lzww0608/gflake/workerid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (a *app) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve IDs over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("addr"); cmd.Flags().Changed("addr") {
				a.cfg.Addr = addr
			}
			if limit, _ := cmd.Flags().GetInt("rate-limit"); cmd.Flags().Changed("rate-limit") {
				a.cfg.RateLimit = limit
			}
			return a.serve(cmd)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :8080)")
	cmd.Flags().Int("rate-limit", 0, "requests per second per client IP, 0 for unlimited")
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	m := metrics.New(nil)

	client, alloc, as, closeAlloc, err := a.newClient(ctx, gflake.WithObserver(m))
	if err != nil {
		return err
	}
	defer closeAlloc()
	m.Generations.Set(float64(client.Generations()))

	a.logger.Info("serving IDs",
		slog.Int64("epoch", a.cfg.Epoch),
		slog.Int64("process_id", as.ProcessID),
		slog.Int64("worker_seed", as.WorkerSeed),
		slog.String("allocator", a.cfg.Allocator),
	)

	keeper := workerid.NewKeeper(alloc,
		workerid.WithInterval(a.cfg.Heartbeat),
		workerid.WithKeeperLogger(a.logger),
		workerid.WithHeartbeatHook(m.HeartbeatResult),
	)
	srv := server.New(client, server.Options{
		Logger:    a.logger,
		Metrics:   m,
		RateLimit: a.cfg.RateLimit,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return keeper.Run(gctx, as) })
	g.Go(func() error { return srv.ListenAndServe(gctx, a.cfg.Addr) })
	return g.Wait()
}
