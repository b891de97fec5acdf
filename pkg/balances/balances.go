// Package balances maintains the aggregates derived from the event ledger:
// campaign spend, viewer points and publisher earnings.
package balances

import (
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/eventLedger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxCasAttempts = 5

// Aggregator keeps campaign spend, publisher balances and viewer points in step with the event ledger.
type Aggregator struct {
	db           *gorm.DB
	ledger       *eventLedger.EventLedger
	logger       *zap.Logger
	globalConfig *config.Config
}

func NewAggregator(db *gorm.DB, ledger *eventLedger.EventLedger, l *zap.Logger, cfg *config.Config) *Aggregator {
	return &Aggregator{
		db:           db,
		ledger:       ledger,
		logger:       l,
		globalConfig: cfg,
	}
}
