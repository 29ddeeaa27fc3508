package cmd

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/booker-api/internal/config"
	"github.com/example/booker-api/internal/db"
	"github.com/example/booker-api/internal/logger"
	"github.com/example/booker-api/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			log := logger.NewLogger(cfg.Log, nil)
			slog.SetDefault(log)

			ctx := cmd.Context()
			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()
			return migrate.Up(ctx, d, log)
		},
	}
}
