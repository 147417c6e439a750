package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/candlevault/candlevault/internal/config"
	"github.com/candlevault/candlevault/internal/persistence/postgres"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyLogLevel(cfg.LogLevel)

			if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	}
}
