// Package cli implements the inboxd command tree: the HTTP server, the reply
// worker and a few operator commands over the shared message store.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/inbox-ai-pipeline/internal/config"
	"github.com/tbourn/inbox-ai-pipeline/internal/sysutil"
)

// version is overridden at build time with -ldflags "-X ...cli.version=...".
var version = "dev"

var (
	envFile  string
	logLevel string

	// loaded by the root PersistentPreRunE
	cfg    config.Config
	logger zerolog.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inboxd",
		Short: "Multi-channel inbox with AI replies",
		Long:  "inboxd receives WhatsApp, Instagram and Facebook webhooks, stores the messages and answers them with an AI generated reply.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			if err := loadEnv(envFile); err != nil {
				return err
			}
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			logger = newLogger(cfg)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment (default .env if present)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newReindexCmd())
	cmd.AddCommand(newReprocessCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "inboxd:", err)
	}
	return err
}

// loadEnv loads path, or .env when path is empty and the file exists.
// Variables already present in the environment win.
func loadEnv(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// newLogger applies the configured level and output format, and installs
// the result as the global logger.
func newLogger(c config.Config) zerolog.Logger {
	sysutil.SetLogLevel(c.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var l zerolog.Logger
	if c.LogPretty {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		l = zerolog.New(os.Stderr)
	}
	l = l.With().Timestamp().Str("service", c.OTEL.ServiceName).Logger()
	log.Logger = l
	return l
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of inboxd",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
