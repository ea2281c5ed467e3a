package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/akave-ai/hookbuffer/internal/database"
	"github.com/akave-ai/hookbuffer/internal/logger"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate needs the postgres driver, got %q", cfg.Database.Driver)
			}
			log := logger.New(cfg.Observability)
			return database.RunMigrations(cmd.Context(), cfg.Database.URL, log)
		},
	}
}
