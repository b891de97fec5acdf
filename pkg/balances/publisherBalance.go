package balances

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/postgres/helpers"
	"github.com/sovads/ledger/pkg/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SupportedTopupTokens are the stablecoins a publisher may exchange for G$.
var SupportedTopupTokens = []string{"cUSD", "USDC"}

// PublisherBalance is the withdrawable position of a publisher.
type PublisherBalance struct {
	PublisherId    string          `json:"publisherId"`
	Wallet         string          `json:"wallet"`
	Earnings       decimal.Decimal `json:"earnings"`
	TotalTopup     decimal.Decimal `json:"totalTopup"`
	TotalWithdrawn decimal.Decimal `json:"totalWithdrawn"`
	// Reserved is the sum of withdrawals submitted but not yet confirmed or failed.
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
}

func loadPublisherByWallet(tx *gorm.DB, wallet string) (*storage.Publisher, error) {
	rows := make([]*storage.Publisher, 0, 1)
	if res := tx.Where("wallet = ?", strings.ToLower(wallet)).Limit(1).Find(&rows); res.Error != nil {
		return nil, fmt.Errorf("failed to load publisher: %w", res.Error)
	}
	if len(rows) == 0 {
		return nil, errs.New(errs.Kind_NotFound, "publisher not found")
	}
	return rows[0], nil
}

func (a *Aggregator) PublisherByWallet(tx *gorm.DB, wallet string) (*storage.Publisher, error) {
	return loadPublisherByWallet(tx, wallet)
}

func (a *Aggregator) reservedWithdrawals(tx *gorm.DB, publisherId string) (decimal.Decimal, error) {
	payouts := make([]*storage.Payout, 0)
	res := tx.Where("kind = ? and subject_id = ? and status in ?",
		storage.PayoutKind_PublisherWithdrawal, publisherId,
		[]storage.PayoutStatus{storage.PayoutStatus_Pending, storage.PayoutStatus_Submitted},
	).Find(&payouts)
	if res.Error != nil {
		return decimal.Zero, fmt.Errorf("failed to load open withdrawals: %w", res.Error)
	}
	total := decimal.Zero
	for _, p := range payouts {
		total = total.Add(p.Amount)
	}
	return total, nil
}

// PublisherBalanceTx derives the balance inside tx:
// earnings over the trailing window + topups - withdrawn - open withdrawals, floored at zero.
func (a *Aggregator) PublisherBalanceTx(tx *gorm.DB, publisher *storage.Publisher, now time.Time) (*PublisherBalance, error) {
	since := now.Add(-a.globalConfig.PublisherConfig.EarningsWindow)
	earnings, err := a.ledger.SumClickEarningsTx(tx, publisher.Id, since)
	if err != nil {
		return nil, err
	}
	reserved, err := a.reservedWithdrawals(tx, publisher.Id)
	if err != nil {
		return nil, err
	}

	available := earnings.Add(publisher.TotalTopup).Sub(publisher.TotalWithdrawn).Sub(reserved)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return &PublisherBalance{
		PublisherId:    publisher.Id,
		Wallet:         publisher.Wallet,
		Earnings:       earnings,
		TotalTopup:     publisher.TotalTopup,
		TotalWithdrawn: publisher.TotalWithdrawn,
		Reserved:       reserved,
		Available:      available,
	}, nil
}

func (a *Aggregator) GetPublisherBalance(ctx context.Context, wallet string, now time.Time) (*PublisherBalance, error) {
	db := a.db.WithContext(ctx)
	publisher, err := loadPublisherByWallet(db, wallet)
	if err != nil {
		return nil, err
	}
	return a.PublisherBalanceTx(db, publisher, now)
}

// adjustPublisher applies fn to the publisher's counters under its version stamp.
func adjustPublisher(tx *gorm.DB, publisherId string, now time.Time, fn func(p *storage.Publisher) map[string]any) error {
	for attempt := 1; attempt <= maxCasAttempts; attempt++ {
		p := &storage.Publisher{}
		if res := tx.Where("id = ?", publisherId).First(p); res.Error != nil {
			return fmt.Errorf("failed to load publisher '%s': %w", publisherId, res.Error)
		}
		updates := fn(p)
		updates["version"] = p.Version + 1
		updates["updated_at"] = now

		res := tx.Model(&storage.Publisher{}).Where("id = ? and version = ?", p.Id, p.Version).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update publisher '%s': %w", publisherId, res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return fmt.Errorf("failed to update publisher '%s' after %d attempts", publisherId, maxCasAttempts)
}

// ApplyWithdrawal adds a confirmed withdrawal to totalWithdrawn inside tx.
func (a *Aggregator) ApplyWithdrawal(tx *gorm.DB, publisherId string, amount decimal.Decimal, now time.Time) error {
	return adjustPublisher(tx, publisherId, now, func(p *storage.Publisher) map[string]any {
		return map[string]any{"total_withdrawn": p.TotalWithdrawn.Add(amount)}
	})
}

// RecordTopup credits tokenAmount * exchangeRate G$ to the publisher. The
// transaction hash is the idempotency key: recording the same hash twice
// returns the first record and credits nothing.
func (a *Aggregator) RecordTopup(ctx context.Context, wallet string, tokenAmount decimal.Decimal, token string, txHash string, now time.Time) (*storage.PublisherTopup, bool, error) {
	if !tokenAmount.IsPositive() {
		return nil, false, errs.New(errs.Kind_Malformed, "amount must be positive")
	}
	if !slices.Contains(SupportedTopupTokens, token) {
		return nil, false, errs.Newf(errs.Kind_Malformed, "unsupported token. Use: %s", strings.Join(SupportedTopupTokens, ", "))
	}
	if txHash == "" {
		return nil, false, errs.New(errs.Kind_Malformed, "txHash required")
	}
	txHash = strings.ToLower(txHash)
	db := a.db.WithContext(ctx)

	if existing, err := a.topupByTxHash(db, txHash); err != nil || existing != nil {
		return existing, false, err
	}

	topup, err := helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.PublisherTopup, error) {
		publisher, err := loadPublisherByWallet(tx, wallet)
		if err != nil {
			return nil, err
		}
		t := &storage.PublisherTopup{
			Id:             uuid.NewString(),
			PublisherId:    publisher.Id,
			Wallet:         publisher.Wallet,
			Token:          token,
			TokenAmount:    tokenAmount,
			CreditedAmount: tokenAmount.Mul(a.globalConfig.TreasuryConfig.ExchangeRate),
			TxHash:         txHash,
			CreatedAt:      now,
		}
		if res := tx.Create(t); res.Error != nil {
			return nil, res.Error
		}
		err = adjustPublisher(tx, publisher.Id, now, func(p *storage.Publisher) map[string]any {
			return map[string]any{"total_topup": p.TotalTopup.Add(t.CreditedAmount)}
		})
		return t, err
	}, db, nil)
	if err != nil {
		if helpers.IsDuplicateKeyError(err) {
			existing, lookupErr := a.topupByTxHash(db, txHash)
			if lookupErr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	a.logger.Sugar().Infow("Recorded publisher topup",
		zap.String("publisherId", topup.PublisherId),
		zap.String("token", token),
		zap.String("credited", topup.CreditedAmount.String()),
	)
	return topup, true, nil
}

func (a *Aggregator) topupByTxHash(db *gorm.DB, txHash string) (*storage.PublisherTopup, error) {
	rows := make([]*storage.PublisherTopup, 0, 1)
	if res := db.Where("tx_hash = ?", txHash).Limit(1).Find(&rows); res.Error != nil {
		return nil, res.Error
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
