// Command candlevault runs the market-data warehouse: the API server
// with its scheduler, plus one-shot operational subcommands.
package main

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "candlevault"
	version = "v1.2.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "OHLCV market-data warehouse",
		Version: version,
		Long: `candlevault ingests OHLCV candles from market-data vendors, scores
them for quality, stores them in PostgreSQL, and serves them over a
JSON API. 'candlevault serve' starts the API server with the hourly
backfill scheduler; the other subcommands are one-shot operations.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"optional YAML overrides file (env always wins)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(revalidateCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keysCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// applyLogLevel maps the configured level onto the global logger.
func applyLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
