package helpers

import (
	"errors"
	"regexp"
	"strings"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// WrapTxAndCommit executes a database function within a transaction and handles
// transaction commit or rollback based on the function's result.
//
// If a transaction (tx) is provided, it uses that transaction and leaves commit
// to the owner. Otherwise, it creates a new transaction, executes the function,
// and commits or rolls back based on whether an error occurred.
func WrapTxAndCommit[T any](fn func(*gorm.DB) (T, error), db *gorm.DB, tx *gorm.DB) (T, error) {
	exists := tx != nil

	if !exists {
		tx = db.Begin()
		if tx.Error != nil {
			var zero T
			return zero, tx.Error
		}
	}

	res, err := fn(tx)

	if err != nil && !exists {
		tx.Rollback()
	}
	if err == nil && !exists {
		if cerr := tx.Commit().Error; cerr != nil {
			return res, cerr
		}
	}
	return res, err
}

var duplicateKeyPatterns = regexp.MustCompile(`duplicate key value violates unique constraint|UNIQUE constraint failed`)

// IsDuplicateKeyError checks for a unique violation from either postgres or sqlite.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return duplicateKeyPatterns.MatchString(err.Error())
}

// ColumnTypes holds the dialect specific spelling of the few column types
// that differ between postgres and sqlite.
type ColumnTypes struct {
	// Amount stores token quantities. Postgres keeps them as numeric; sqlite
	// stores text so values beyond int64 survive a round trip.
	Amount string
	// Timestamp must be spelled exactly "timestamp" for the sqlite driver to
	// parse values back into time.Time.
	Timestamp string
}

func ColumnTypesFor(grm *gorm.DB) ColumnTypes {
	if IsSqlite(grm) {
		return ColumnTypes{Amount: "text", Timestamp: "timestamp"}
	}
	return ColumnTypes{Amount: "numeric", Timestamp: "timestamp with time zone"}
}

func IsSqlite(grm *gorm.DB) bool {
	return grm.Dialector.Name() == "sqlite"
}

// RenderQuery substitutes {{amount}} and {{timestamp}} placeholders.
func RenderQuery(query string, types ColumnTypes) string {
	return strings.NewReplacer(
		"{{amount}}", types.Amount,
		"{{timestamp}}", types.Timestamp,
	).Replace(query)
}
