package cmd

import (
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/internal/logger"
	"github.com/sovads/ledger/pkg/postgres"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runDatabaseCmd = &cobra.Command{
	Use:   "database",
	Short: "Create the database if needed and apply all migrations",
	Run: func(cmd *cobra.Command, args []string) {
		initCommandFlags(cmd)
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		db, _, err := postgres.OpenDatabase(cfg, l, true)
		if err != nil {
			l.Sugar().Fatalw("Failed to migrate database", zap.Error(err))
		}
		defer db.Close()

		l.Sugar().Infow("Database is up to date",
			zap.String("driver", string(cfg.DatabaseConfig.Driver)),
			zap.String("database", cfg.DatabaseConfig.DbName),
		)
	},
}
