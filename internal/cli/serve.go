package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/tbourn/inbox-ai-pipeline/internal/http"
	"github.com/tbourn/inbox-ai-pipeline/internal/observability"
)

const shutdownGrace = 15 * time.Second

func newServeCmd() *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and dashboard HTTP server",
		Long:  "Run the HTTP server. Unless --no-worker is set the reply worker pool runs in the same process.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			role := "serve"
			if noWorker {
				role = "http"
			}
			shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, role)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownOTel(sctx)
			}()

			a, err := newApp(ctx, cfg, logger, appOptions{hub: true})
			if err != nil {
				return err
			}
			defer a.close()

			if cfg.Search.Backend == "memory" {
				// The in-memory index starts empty on every boot.
				n, err := a.reindex(ctx, cfg.Search.ReindexPageSz)
				if err != nil {
					logger.Warn().Err(err).Msg("search warm-up failed")
				} else {
					logger.Info().Int("documents", n).Msg("search index warmed")
				}
			}

			srv := newServer(a)
			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				logger.Info().Msg("shutting down http server")
				return srv.Shutdown(sctx)
			})
			if !noWorker {
				g.Go(func() error { return a.pool().Run(gctx) })
			}
			g.Go(func() error {
				a.purgeDedup(gctx, cfg.Dedup.TTL)
				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not run the reply worker pool in this process")
	return cmd
}

// newServer builds the gin engine and the http.Server around it.
func newServer(a *app) *http.Server {
	gin.SetMode(a.cfg.GinMode)
	r := gin.New()

	deps := httpapi.Deps{
		DB:       a.db,
		Webhooks: a.ingest,
		Messages: a.messages,
	}
	if a.hub != nil {
		deps.Realtime = a.hub
	}
	httpapi.RegisterRoutes(r, deps, a.cfg)

	return &http.Server{
		Addr:              net.JoinHostPort("", a.cfg.Port),
		Handler:           r,
		ReadTimeout:       a.cfg.ReadTimeout,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}
}
