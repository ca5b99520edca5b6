package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
	"github.com/tbourn/inbox-ai-pipeline/internal/repo"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := repo.Open(cfg.DB.Driver, cfg.DB.DSN())
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := repo.AutoMigrate(db); err != nil {
				return err
			}
			logger.Info().Str("driver", cfg.DB.Driver).Msg("migrations applied")
			return nil
		},
	}
}

func newReindexCmd() *cobra.Command {
	var pageSize int

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Push every stored message to the search index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Search.Backend != "typesense" {
				return fmt.Errorf("reindex needs a shared index; SEARCH_BACKEND is %q", cfg.Search.Backend)
			}
			a, err := newApp(cmd.Context(), cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if pageSize <= 0 {
				pageSize = cfg.Search.ReindexPageSz
			}
			n, err := a.reindex(cmd.Context(), pageSize)
			logger.Info().Int("documents", n).Msg("reindex finished")
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d messages\n", n)
			return err
		},
	}

	cmd.Flags().IntVar(&pageSize, "page-size", 0, "messages per bulk request (default REINDEX_PAGE_SIZE)")
	return cmd
}

func newReprocessCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Re-enqueue reply jobs for inbound messages stuck at a status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.MessageStatus(strings.ToLower(strings.TrimSpace(status)))
			if st != domain.StatusPending && st != domain.StatusFailed {
				return fmt.Errorf("--status must be pending or failed, got %q", status)
			}
			a, err := newApp(cmd.Context(), cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.messages.ReprocessByStatus(cmd.Context(), st)
			logger.Info().Int("jobs", n).Str("status", string(st)).Msg("reprocess finished")
			fmt.Fprintf(cmd.OutOrStdout(), "re-enqueued %d messages\n", n)
			return err
		},
	}

	cmd.Flags().StringVar(&status, "status", string(domain.StatusPending), "message status to pick up (pending or failed)")
	return cmd
}
