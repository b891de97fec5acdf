package sqlite

import (
	"database/sql"
	"fmt"
	"sync"

	goSqlite "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	SqliteInMemoryPath = "file::memory:?cache=shared"

	driverName = "sqlite3_sovads"
)

// SumAmount is a sqlite aggregate over amount columns, which sqlite stores as text.
type SumAmount struct {
	total decimal.Decimal
}

func NewSumAmount() *SumAmount {
	return &SumAmount{total: decimal.Zero}
}

func (s *SumAmount) Step(value any) {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case int64:
		s.total = s.total.Add(decimal.NewFromInt(v))
		return
	case float64:
		s.total = s.total.Add(decimal.NewFromFloat(v))
		return
	default:
		return
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return
	}
	s.total = s.total.Add(d)
}

func (s *SumAmount) Done() (string, error) {
	return s.total.String(), nil
}

var registerDriver sync.Once

func PathOrInMemory(path string) string {
	if path == "" {
		return SqliteInMemoryPath
	}
	return path
}

func NewInMemorySqliteWithName(name string, l *zap.Logger) gorm.Dialector {
	return NewSqlite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), l)
}

func NewSqlite(path string, l *zap.Logger) gorm.Dialector {
	registerDriver.Do(func() {
		sql.Register(driverName, &goSqlite.SQLiteDriver{
			ConnectHook: func(conn *goSqlite.SQLiteConn) error {
				if err := conn.RegisterAggregator("sum_amount", NewSumAmount, true); err != nil {
					l.Sugar().Errorw("Failed to register aggregator sum_amount", "error", err)
					return err
				}
				return nil
			},
		})
	})

	return &sqlite.Dialector{
		DriverName: driverName,
		DSN:        path,
	}
}

// NewGormSqliteFromSqlite opens the dialector and pins the pool to a single
// connection; sqlite serializes writers and a shared in-memory database
// disappears once its last connection closes.
func NewGormSqliteFromSqlite(dialector gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	rawDb, err := db.DB()
	if err != nil {
		return nil, err
	}
	rawDb.SetMaxOpenConns(1)
	rawDb.SetMaxIdleConns(1)
	rawDb.SetConnMaxLifetime(0)

	pragmas := []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = normal;`,
		`PRAGMA busy_timeout = 5000;`,
	}
	for _, pragma := range pragmas {
		if res := db.Exec(pragma); res.Error != nil {
			return nil, res.Error
		}
	}
	return db, nil
}
