package tests

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/internal/logger"
	"github.com/sovads/ledger/internal/sqlite"
	"github.com/sovads/ledger/pkg/postgres"
	"github.com/sovads/ledger/pkg/postgres/migrations"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const TestTrackingSecret = "test-tracking-secret"

// GetConfig returns a config suited to unit tests: sqlite storage and the vault treasury backend.
func GetConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Debug = os.Getenv(config.ENV_PREFIX+"_DEBUG") == "true"
	cfg.DatabaseConfig.Driver = config.DatabaseDriver_Sqlite
	cfg.IngestionConfig.TrackingTokenSecret = TestTrackingSecret
	cfg.TreasuryConfig.Backend = config.TreasuryBackend_Vault
	cfg.TreasuryConfig.Token = "G$"
	cfg.VaultConfig.FeeBps = 0
	cfg.VaultConfig.ImpressionRate = decimal.NewFromInt(1)
	cfg.VaultConfig.ClickRate = decimal.NewFromInt(5)
	return cfg
}

func GetLogger(cfg *config.Config) *zap.Logger {
	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})
	return l
}

// GetSqliteDatabaseConnection opens a fresh, fully migrated in-memory database.
// Each call gets its own database so tests can run in parallel.
func GetSqliteDatabaseConnection(cfg *config.Config, l *zap.Logger) (*sql.DB, *gorm.DB, error) {
	grm, err := sqlite.NewGormSqliteFromSqlite(sqlite.NewInMemorySqliteWithName(uuid.NewString(), l))
	if err != nil {
		return nil, nil, err
	}
	db, err := grm.DB()
	if err != nil {
		return nil, nil, err
	}

	migrator := migrations.NewMigrator(db, grm, l, cfg)
	if err := migrator.MigrateAll(); err != nil {
		return nil, nil, err
	}
	return db, grm, nil
}

const postgresTestEnvPrefix = config.ENV_PREFIX + "_TEST_POSTGRES_"

// PostgresConfigured reports whether a test postgres server is available
// through SOVADS_TEST_POSTGRES_HOST.
func PostgresConfigured() bool {
	return os.Getenv(postgresTestEnvPrefix+"HOST") != ""
}

// GetPostgresDatabaseConnection creates a throwaway, fully migrated database on the
// test postgres server. The returned cleanup closes and drops it.
func GetPostgresDatabaseConnection(cfg *config.Config, l *zap.Logger) (*gorm.DB, func(), error) {
	port, err := strconv.Atoi(os.Getenv(postgresTestEnvPrefix + "PORT"))
	if err != nil {
		port = 5432
	}
	cfg.DatabaseConfig.Driver = config.DatabaseDriver_Postgres
	cfg.DatabaseConfig.Host = os.Getenv(postgresTestEnvPrefix + "HOST")
	cfg.DatabaseConfig.Port = port
	cfg.DatabaseConfig.User = os.Getenv(postgresTestEnvPrefix + "USER")
	cfg.DatabaseConfig.Password = os.Getenv(postgresTestEnvPrefix + "PASSWORD")
	cfg.DatabaseConfig.DbName = fmt.Sprintf("sovads_test_%s", strings.ReplaceAll(uuid.NewString(), "-", ""))

	db, grm, err := postgres.OpenDatabase(cfg, l, true)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = db.Close()
		if err := postgres.DropDatabase(postgres.PostgresConfigFromDbConfig(&cfg.DatabaseConfig)); err != nil {
			l.Sugar().Warnw("Failed to drop test database", "dbName", cfg.DatabaseConfig.DbName, "error", err)
		}
	}
	return grm, cleanup, nil
}

func ReplaceEnv(newValues map[string]string, previousValues *map[string]string) {
	for k, v := range newValues {
		(*previousValues)[k] = os.Getenv(k)
		os.Setenv(k, v)
	}
}

func RestoreEnv(previousValues map[string]string) {
	for k, v := range previousValues {
		os.Setenv(k, v)
	}
}
