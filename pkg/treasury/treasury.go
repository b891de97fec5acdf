// Package treasury is the gateway between off-chain balances and the treasury
// that pays them out. Viewer point claims and publisher withdrawals run in two
// phases: the amount is reserved and a payout row written before the backend
// is called, and the reservation is settled or released once the outcome is
// known. Payouts whose outcome is unknown stay submitted until reconciled.
package treasury

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/balances"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/eventBus/eventBusTypes"
	"github.com/sovads/ledger/pkg/locker"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/metrics/metricsTypes"
	"github.com/sovads/ledger/pkg/postgres/helpers"
	"github.com/sovads/ledger/pkg/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Authenticator verifies a publisher's signed wallet message.
type Authenticator interface {
	Verify(wallet string, signature string, timestampMs int64, now time.Time) error
}

// WalletAuth is the signed message a publisher presents to withdraw.
type WalletAuth struct {
	Signature   string
	TimestampMs int64
}

// Gateway pays viewers and publishers out of the treasury, one payout per wallet at a time.
type Gateway struct {
	db            *gorm.DB
	backend       Backend
	aggregator    *balances.Aggregator
	authenticator Authenticator
	locker        locker.Locker
	eventBus      eventBusTypes.IEventBus
	metricsSink   *metrics.MetricsSink
	logger        *zap.Logger
	globalConfig  *config.Config
	clock         func() time.Time
}

func NewGateway(
	db *gorm.DB,
	backend Backend,
	aggregator *balances.Aggregator,
	auth Authenticator,
	lk locker.Locker,
	eb eventBusTypes.IEventBus,
	ms *metrics.MetricsSink,
	l *zap.Logger,
	cfg *config.Config,
) *Gateway {
	return &Gateway{
		db:            db,
		backend:       backend,
		aggregator:    aggregator,
		authenticator: auth,
		locker:        lk,
		eventBus:      eb,
		metricsSink:   ms,
		logger:        l,
		globalConfig:  cfg,
		clock:         time.Now,
	}
}

// WithClock replaces the gateway's time source. Used by tests.
func (g *Gateway) WithClock(clock func() time.Time) *Gateway {
	g.clock = clock
	return g
}

func (g *Gateway) now() time.Time {
	return g.clock().UTC()
}

func (g *Gateway) BackendName() string {
	return g.backend.Name()
}

// ToRaw converts an off-chain amount to the token's minor units.
func (g *Gateway) ToRaw(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(g.globalConfig.TreasuryConfig.PointDecimals)
}

// validateAmount rejects amounts that are not positive or that are finer
// than one minor unit of the payout token.
func (g *Gateway) validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errs.New(errs.Kind_Malformed, "amount must be positive")
	}
	if !g.ToRaw(amount).IsInteger() {
		return errs.Newf(errs.Kind_Malformed, "amount %s has more than %d decimals", amount.String(), g.globalConfig.TreasuryConfig.PointDecimals)
	}
	return nil
}

// FromRaw converts minor units back to an off-chain amount.
func (g *Gateway) FromRaw(raw decimal.Decimal) decimal.Decimal {
	return raw.Shift(-g.globalConfig.TreasuryConfig.PointDecimals)
}

func (g *Gateway) timeCall(operation string, start time.Time, err error) {
	g.metricsSink.Timing(metricsTypes.Metric_Timing_TreasuryCall, time.Since(start), []metricsTypes.MetricsLabel{
		{Name: "operation", Value: operation},
		{Name: "backend", Value: g.backend.Name()},
		{Name: "hasError", Value: fmt.Sprintf("%v", err != nil)},
	})
}

// TreasuryBalance returns what the treasury can still pay, in off-chain units.
func (g *Gateway) TreasuryBalance(ctx context.Context) (decimal.Decimal, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.globalConfig.TreasuryConfig.CallTimeout)
	defer cancel()

	start := time.Now()
	raw, err := g.backend.Balance(callCtx)
	g.timeCall("balance", start, err)
	if err != nil {
		return decimal.Zero, errs.Wrap(errs.Kind_OnChainCallFailed, err, "failed to read treasury balance")
	}
	balance := g.FromRaw(raw)
	g.metricsSink.Gauge(metricsTypes.Metric_Gauge_TreasuryBalance, balance.InexactFloat64(), nil)
	return balance, nil
}

func (g *Gateway) requireFunds(ctx context.Context, amount decimal.Decimal) error {
	balance, err := g.TreasuryBalance(ctx)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return errs.Newf(errs.Kind_TreasuryInsufficient, "treasury holds %s, %s requested", balance, amount)
	}
	return nil
}

func (g *Gateway) insertPayout(tx *gorm.DB, id string, kind storage.PayoutKind, subjectId string, recipient string, amount decimal.Decimal) (*storage.Payout, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := g.now()
	p := &storage.Payout{
		Id:        id,
		Kind:      kind,
		SubjectId: subjectId,
		Recipient: strings.ToLower(recipient),
		Amount:    amount,
		RawAmount: g.ToRaw(amount),
		Status:    storage.PayoutStatus_Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if res := tx.Create(p); res.Error != nil {
		return nil, fmt.Errorf("failed to record payout: %w", res.Error)
	}
	return p, nil
}

// Payout sends an off-chain amount to recipient straight from the treasury.
func (g *Gateway) Payout(ctx context.Context, recipient string, amount decimal.Decimal) (*storage.Payout, error) {
	wallet, err := balances.NormalizeWallet(recipient)
	if err != nil {
		return nil, err
	}
	if err := g.validateAmount(amount); err != nil {
		return nil, err
	}
	if err := g.requireFunds(ctx, amount); err != nil {
		return nil, err
	}
	p, err := g.insertPayout(g.db.WithContext(ctx), "", storage.PayoutKind_Direct, wallet, wallet, amount)
	if err != nil {
		return nil, err
	}
	return g.submit(ctx, p)
}

// TopUp adds an off-chain amount to the treasury.
func (g *Gateway) TopUp(ctx context.Context, amount decimal.Decimal) (*storage.Payout, error) {
	if err := g.validateAmount(amount); err != nil {
		return nil, err
	}
	p, err := g.insertPayout(g.db.WithContext(ctx), "", storage.PayoutKind_TreasuryTopup, "treasury", "treasury", amount)
	if err != nil {
		return nil, err
	}
	return g.submit(ctx, p)
}

// ClaimViewerPoints pays the wallet's unclaimed points. Whole rewards are
// reserved oldest first up to maxPoints; maxPoints <= 0 claims everything.
func (g *Gateway) ClaimViewerPoints(ctx context.Context, wallet string, maxPoints int64) (*storage.Payout, error) {
	wallet, err := balances.NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}
	unlock, err := g.locker.Lock(ctx, locker.PayoutKey("viewer:"+wallet))
	if err != nil {
		return nil, err
	}
	defer unlock()

	viewer, err := g.aggregator.ViewerForClaim(g.db.WithContext(ctx), wallet)
	if err != nil {
		return nil, err
	}
	claimable := viewer.Claimable()
	if maxPoints > 0 && maxPoints < claimable {
		claimable = maxPoints
	}
	if claimable <= 0 {
		return nil, errs.New(errs.Kind_InsufficientAccrual, "no points to claim")
	}
	if err := g.requireFunds(ctx, decimal.NewFromInt(claimable)); err != nil {
		return nil, err
	}

	p, err := helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.Payout, error) {
		viewer, err := g.aggregator.ViewerForClaim(tx, wallet)
		if err != nil {
			return nil, err
		}
		payoutId := uuid.NewString()
		reserved, err := g.aggregator.ReserveRewards(tx, viewer, payoutId, maxPoints)
		if err != nil {
			return nil, err
		}
		return g.insertPayout(tx, payoutId, storage.PayoutKind_ViewerPoints, viewer.Id, wallet, decimal.NewFromInt(reserved))
	}, g.db.WithContext(ctx), nil)
	if err != nil {
		return nil, err
	}
	return g.submit(ctx, p)
}

// WithdrawPublisher pays amount of the publisher's available balance to its wallet.
func (g *Gateway) WithdrawPublisher(ctx context.Context, wallet string, amount decimal.Decimal, auth WalletAuth) (*storage.Payout, error) {
	wallet, err := balances.NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}
	if err := g.validateAmount(amount); err != nil {
		return nil, err
	}
	if err := g.authenticator.Verify(wallet, auth.Signature, auth.TimestampMs, g.now()); err != nil {
		return nil, err
	}

	unlock, err := g.locker.Lock(ctx, locker.PayoutKey("publisher:"+wallet))
	if err != nil {
		return nil, err
	}
	defer unlock()

	balance, err := g.aggregator.GetPublisherBalance(ctx, wallet, g.now())
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(balance.Available) {
		return nil, errs.Newf(errs.Kind_InsufficientAccrual, "publisher has %s available, %s requested", balance.Available, amount)
	}
	if err := g.requireFunds(ctx, amount); err != nil {
		return nil, err
	}

	p, err := helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.Payout, error) {
		publisher, err := g.aggregator.PublisherByWallet(tx, wallet)
		if err != nil {
			return nil, err
		}
		balance, err := g.aggregator.PublisherBalanceTx(tx, publisher, g.now())
		if err != nil {
			return nil, err
		}
		if amount.GreaterThan(balance.Available) {
			return nil, errs.Newf(errs.Kind_InsufficientAccrual, "publisher has %s available, %s requested", balance.Available, amount)
		}
		return g.insertPayout(tx, "", storage.PayoutKind_PublisherWithdrawal, publisher.Id, wallet, amount)
	}, g.db.WithContext(ctx), nil)
	if err != nil {
		return nil, err
	}
	return g.submit(ctx, p)
}

// GetPayout returns nil when the payout does not exist.
func (g *Gateway) GetPayout(ctx context.Context, id string) (*storage.Payout, error) {
	return findPayout(g.db.WithContext(ctx), "id = ?", id)
}

func findPayout(db *gorm.DB, query string, args ...any) (*storage.Payout, error) {
	rows := make([]*storage.Payout, 0, 1)
	if res := db.Where(query, args...).Limit(1).Find(&rows); res.Error != nil {
		return nil, fmt.Errorf("failed to load payout: %w", res.Error)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

type PayoutFilters struct {
	Kind      storage.PayoutKind
	Status    storage.PayoutStatus
	SubjectId string
	Recipient string
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

func (g *Gateway) ListPayouts(ctx context.Context, filters PayoutFilters) ([]*storage.Payout, error) {
	query := g.db.WithContext(ctx).Model(&storage.Payout{})
	if filters.Kind != "" {
		query = query.Where("kind = ?", filters.Kind)
	}
	if filters.Status != "" {
		query = query.Where("status = ?", filters.Status)
	}
	if filters.SubjectId != "" {
		query = query.Where("subject_id = ?", filters.SubjectId)
	}
	if filters.Recipient != "" {
		query = query.Where("recipient = ?", strings.ToLower(filters.Recipient))
	}
	if filters.Since != nil {
		query = query.Where("created_at >= ?", *filters.Since)
	}
	if filters.Until != nil {
		query = query.Where("created_at < ?", *filters.Until)
	}
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	payouts := make([]*storage.Payout, 0)
	if res := query.Order("created_at asc, id asc").Find(&payouts); res.Error != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", res.Error)
	}
	return payouts, nil
}
