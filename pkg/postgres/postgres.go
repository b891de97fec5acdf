package postgres

import (
	"database/sql"
	"fmt"
	"slices"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/internal/sqlite"
	"github.com/sovads/ledger/pkg/postgres/migrations"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultSSLMode = "disable"

var validSSLModes = []string{"disable", "require", "verify-ca", "verify-full"}

// PostgresConfig carries everything needed to open a connection to the ledger database.
type PostgresConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	DbName   string
	// CreateDbIfNotExists connects to the "postgres" database first and creates DbName when missing.
	CreateDbIfNotExists bool
	SchemaName          string
	SSLMode             string
	SSLCert             string
	SSLKey              string
	SSLRootCert         string
}

// Postgres wraps the raw connection pool.
type Postgres struct {
	Db *sql.DB
}

// PostgresConfigFromDbConfig maps the database section of the config.
func PostgresConfigFromDbConfig(dbCfg *config.DatabaseConfig) *PostgresConfig {
	return &PostgresConfig{
		Host:        dbCfg.Host,
		Port:        dbCfg.Port,
		Username:    dbCfg.User,
		Password:    dbCfg.Password,
		DbName:      dbCfg.DbName,
		SchemaName:  dbCfg.SchemaName,
		SSLMode:     dbCfg.SSLMode,
		SSLCert:     dbCfg.SSLCert,
		SSLKey:      dbCfg.SSLKey,
		SSLRootCert: dbCfg.SSLRootCert,
	}
}

func connectionString(cfg *PostgresConfig) (string, error) {
	sslMode := defaultSSLMode
	if cfg.SSLMode != "" {
		if !slices.Contains(validSSLModes, cfg.SSLMode) {
			return "", fmt.Errorf("invalid ssl mode: %s. Must be one of: %s", cfg.SSLMode, strings.Join(validSSLModes, ", "))
		}
		sslMode = cfg.SSLMode
	}

	parts := []string{
		fmt.Sprintf("host=%s", cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		fmt.Sprintf("dbname=%s", cfg.DbName),
		fmt.Sprintf("sslmode=%s", sslMode),
		"TimeZone=UTC",
	}
	if cfg.Username != "" {
		parts = append(parts, fmt.Sprintf("user=%s", cfg.Username))
	}
	if cfg.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", cfg.Password))
	}
	if cfg.SchemaName != "" {
		parts = append(parts, fmt.Sprintf("search_path=%s", cfg.SchemaName))
	}
	if sslMode != defaultSSLMode {
		for key, value := range map[string]string{"sslcert": cfg.SSLCert, "sslkey": cfg.SSLKey, "sslrootcert": cfg.SSLRootCert} {
			if value != "" {
				parts = append(parts, fmt.Sprintf("%s=%s", key, value))
			}
		}
	}
	return strings.Join(parts, " "), nil
}

// CreateDatabaseIfNotExists connects to the server's "postgres" database and creates cfg.DbName if needed.
func CreateDatabaseIfNotExists(cfg *PostgresConfig) error {
	root := *cfg
	root.DbName = "postgres"
	connStr, err := connectionString(&root)
	if err != nil {
		return err
	}
	rootDb, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("error connecting to postgres database: %w", err)
	}
	defer rootDb.Close()

	var exists bool
	if err := rootDb.QueryRow(`select exists(select datname from pg_catalog.pg_database where datname = $1)`, cfg.DbName).Scan(&exists); err != nil {
		return fmt.Errorf("error checking if database exists: %w", err)
	}
	if exists {
		return nil
	}
	if _, err := rootDb.Exec(fmt.Sprintf("create database %s", cfg.DbName)); err != nil {
		return fmt.Errorf("error creating database: %w", err)
	}
	return nil
}

// DropDatabase removes cfg.DbName from the server. Open connections to it must be closed first.
func DropDatabase(cfg *PostgresConfig) error {
	root := *cfg
	root.DbName = "postgres"
	connStr, err := connectionString(&root)
	if err != nil {
		return err
	}
	rootDb, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("error connecting to postgres database: %w", err)
	}
	defer rootDb.Close()

	if _, err := rootDb.Exec(fmt.Sprintf("drop database if exists %s", cfg.DbName)); err != nil {
		return fmt.Errorf("error dropping database: %w", err)
	}
	return nil
}

func NewPostgres(cfg *PostgresConfig) (*Postgres, error) {
	if cfg.CreateDbIfNotExists {
		if err := CreateDatabaseIfNotExists(cfg); err != nil {
			return nil, err
		}
	}
	connStr, err := connectionString(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres connection string: %w", err)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to setup database: %w", err)
	}
	return &Postgres{Db: db}, nil
}

// NewGormFromPostgresConnection wraps an open pool in gorm with logging silenced.
func NewGormFromPostgresConnection(pgDb *sql.DB) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn: pgDb,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup gorm: %w", err)
	}
	return db, nil
}

// OpenDatabase connects to the configured driver and returns both the raw
// and the gorm handle. Migrations are applied when migrate is true.
func OpenDatabase(cfg *config.Config, l *zap.Logger, migrate bool) (*sql.DB, *gorm.DB, error) {
	var (
		db  *sql.DB
		grm *gorm.DB
		err error
	)

	switch cfg.DatabaseConfig.Driver {
	case config.DatabaseDriver_Sqlite:
		grm, err = sqlite.NewGormSqliteFromSqlite(sqlite.NewSqlite(sqlite.PathOrInMemory(cfg.DatabaseConfig.SqlitePath), l))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		if db, err = grm.DB(); err != nil {
			return nil, nil, err
		}
	default:
		pgCfg := PostgresConfigFromDbConfig(&cfg.DatabaseConfig)
		pgCfg.CreateDbIfNotExists = true
		pg, pgErr := NewPostgres(pgCfg)
		if pgErr != nil {
			return nil, nil, pgErr
		}
		db = pg.Db
		if grm, err = NewGormFromPostgresConnection(db); err != nil {
			return nil, nil, err
		}
	}

	if migrate {
		migrator := migrations.NewMigrator(db, grm, l, cfg)
		if err := migrator.MigrateAll(); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return db, grm, nil
}
