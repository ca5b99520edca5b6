package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/inbox-ai-pipeline/internal/observability"
)

func newWorkerCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the reply worker pool without the HTTP server",
		Long: "Run the reply worker pool. Realtime events reach dashboards through the broker only, " +
			"so RABBITMQ_URL should be set when the server runs with --no-worker.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, "worker")
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownOTel(sctx)
			}()

			a, err := newApp(ctx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if once {
				n, err := a.pool().Drain(ctx)
				logger.Info().Int("jobs", n).Msg("queue drained")
				a.jobStats(ctx)
				return err
			}

			a.jobStats(ctx)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.pool().Run(gctx) })
			g.Go(func() error {
				a.purgeDedup(gctx, cfg.Dedup.TTL)
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "process every due job and exit")
	return cmd
}
