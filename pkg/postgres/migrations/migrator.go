package migrations

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sovads/ledger/internal/config"
	_202610010900_bootstrapLedger "github.com/sovads/ledger/pkg/postgres/migrations/202610010900_bootstrapLedger"
	_202610021100_settlementTables "github.com/sovads/ledger/pkg/postgres/migrations/202610021100_settlementTables"
	_202610031400_treasuryTables "github.com/sovads/ledger/pkg/postgres/migrations/202610031400_treasuryTables"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migration is one schema change. GetName must be unique and sortable.
type Migration interface {
	Up(db *sql.DB, grm *gorm.DB, cfg *config.Config) error
	GetName() string
}

// Migrator applies migrations once each, tracked in the migrations table.
type Migrator struct {
	Db           *sql.DB
	GDb          *gorm.DB
	Logger       *zap.Logger
	globalConfig *config.Config
}

// NewMigrator returns a Migrator over both handles of the same database.
func NewMigrator(db *sql.DB, gDb *gorm.DB, l *zap.Logger, cfg *config.Config) *Migrator {
	return &Migrator{
		Db:           db,
		GDb:          gDb,
		Logger:       l,
		globalConfig: cfg,
	}
}

// MigrateAll runs every migration not yet recorded, oldest first.
func (m *Migrator) MigrateAll() error {
	if err := m.CreateMigrationTablesIfNotExist(); err != nil {
		return err
	}

	migrations := []Migration{
		&_202610010900_bootstrapLedger.Migration{},
		&_202610021100_settlementTables.Migration{},
		&_202610031400_treasuryTables.Migration{},
	}

	for _, migration := range migrations {
		if err := m.Migrate(migration); err != nil {
			return err
		}
	}
	m.Logger.Sugar().Infow("Migrations complete", zap.Int("count", len(migrations)))
	return nil
}

func (m *Migrator) CreateMigrationTablesIfNotExist() error {
	res := m.GDb.Exec(`
		create table if not exists migrations (
			name       text primary key,
			created_at timestamp default current_timestamp,
			updated_at timestamp default null
		)`)
	return res.Error
}

// Migrate runs migration unless it is already recorded.
func (m *Migrator) Migrate(migration Migration) error {
	name := migration.GetName()

	var existing struct{ Name string }
	res := m.GDb.Raw(`select name from migrations where name = ?`, name).Scan(&existing)
	if res.Error != nil {
		return fmt.Errorf("failed to check migration '%s': %w", name, res.Error)
	}
	if existing.Name != "" {
		m.Logger.Sugar().Debugw("Migration already run", zap.String("name", name))
		return nil
	}

	m.Logger.Sugar().Infow("Running migration", zap.String("name", name))
	if err := migration.Up(m.Db, m.GDb, m.globalConfig); err != nil {
		m.Logger.Sugar().Errorw("Failed to run migration", zap.String("name", name), zap.Error(err))
		return fmt.Errorf("failed to run migration '%s': %w", name, err)
	}

	res = m.GDb.Exec(`insert into migrations (name, created_at) values (?, ?)`, name, time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("failed to record migration '%s': %w", name, res.Error)
	}
	return nil
}
