// Package vault mirrors the SovAds campaign vaults: escrowed campaign funds,
// per claimant accruals and the claim settlement state machine.
//
// Every mutation of a campaign vault holds that campaign's lock and writes the
// row with its version stamp, so locked + claimed never exceeds totalFunded.
package vault

import (
	"context"
	"errors"
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
	"github.com/sovads/ledger/pkg/postgres/helpers"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/sovads/ledger/pkg/tokens"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxCasAttempts    = 5
	defaultFeeAccount = "treasury:fees"
	referencePrefix   = "vault"
)

// Vault holds campaign escrows and the claims paid out of them.
type Vault struct {
	db           *gorm.DB
	tokens       *tokens.TokenLedger
	payer        Payer
	locker       locker.Locker
	eventBus     eventBusTypes.IEventBus
	metricsSink  *metrics.MetricsSink
	logger       *zap.Logger
	globalConfig *config.Config
	clock        func() time.Time
}

// NewVault creates a Vault that settles claims through payer.
func NewVault(
	db *gorm.DB,
	tl *tokens.TokenLedger,
	payer Payer,
	lk locker.Locker,
	eb eventBusTypes.IEventBus,
	ms *metrics.MetricsSink,
	l *zap.Logger,
	cfg *config.Config,
) *Vault {
	return &Vault{
		db:           db,
		tokens:       tl,
		payer:        payer,
		locker:       lk,
		eventBus:     eb,
		metricsSink:  ms,
		logger:       l,
		globalConfig: cfg,
		clock:        time.Now,
	}
}

// WithClock replaces the vault's time source. Used by tests.
func (v *Vault) WithClock(clock func() time.Time) *Vault {
	v.clock = clock
	return v
}

func (v *Vault) now() time.Time {
	return v.clock().UTC()
}

func loadVault(tx *gorm.DB, campaignId string) (*storage.CampaignVault, error) {
	rows := make([]*storage.CampaignVault, 0, 1)
	if res := tx.Where("campaign_id = ?", campaignId).Limit(1).Find(&rows); res.Error != nil {
		return nil, fmt.Errorf("failed to load vault '%s': %w", campaignId, res.Error)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func requireVault(tx *gorm.DB, campaignId string) (*storage.CampaignVault, error) {
	cv, err := loadVault(tx, campaignId)
	if err != nil {
		return nil, err
	}
	if cv == nil {
		return nil, errs.Newf(errs.Kind_NotFound, "no vault for campaign '%s'", campaignId)
	}
	return cv, nil
}

// adjustVault applies fn to the current row and writes the result guarded by
// the version stamp. fn may refuse the change by returning an error.
func (v *Vault) adjustVault(tx *gorm.DB, campaignId string, fn func(cv *storage.CampaignVault) error) (*storage.CampaignVault, error) {
	for attempt := 1; attempt <= maxCasAttempts; attempt++ {
		cv, err := requireVault(tx, campaignId)
		if err != nil {
			return nil, err
		}
		version := cv.Version
		if err := fn(cv); err != nil {
			return nil, err
		}
		if cv.Locked.IsNegative() || cv.Locked.Add(cv.Claimed).GreaterThan(cv.TotalFunded) {
			return nil, fmt.Errorf("vault '%s' would break conservation: funded=%s locked=%s claimed=%s",
				campaignId, cv.TotalFunded, cv.Locked, cv.Claimed)
		}

		res := tx.Model(&storage.CampaignVault{}).
			Where("campaign_id = ? and version = ?", campaignId, version).
			Updates(map[string]any{
				"total_funded": cv.TotalFunded,
				"locked":       cv.Locked,
				"claimed":      cv.Claimed,
				"version":      version + 1,
				"updated_at":   v.now(),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to update vault '%s': %w", campaignId, res.Error)
		}
		if res.RowsAffected == 1 {
			cv.Version = version + 1
			return cv, nil
		}
		v.logger.Sugar().Debugw("Vault version moved, retrying",
			zap.String("campaignId", campaignId),
			zap.Int("attempt", attempt),
		)
	}
	return nil, fmt.Errorf("failed to update vault '%s' after %d attempts", campaignId, maxCasAttempts)
}

func topUpReference(reference string) string {
	return fmt.Sprintf("%s:topup:%s", referencePrefix, reference)
}

func disburseReference(reference string) string {
	return fmt.Sprintf("%s:disburse:%s", referencePrefix, reference)
}

// TopUpTxHash is the hash reported for a top up made with reference.
func TopUpTxHash(reference string) string {
	return tokens.TxHashFor(topUpReference(reference))
}

// TopUpApplied reports whether a top up with reference reached the escrow.
func (v *Vault) TopUpApplied(ctx context.Context, reference string) (bool, error) {
	transfers, err := v.tokens.Transfers(ctx, topUpReference(reference))
	if err != nil {
		return false, err
	}
	return len(transfers) > 0, nil
}

func mapTransferError(err error, message string) error {
	if errors.Is(err, tokens.ErrInsufficientBalance) {
		return errs.Wrap(errs.Kind_TreasuryInsufficient, err, message)
	}
	return err
}

// CreateVault opens the escrow for a campaign and, when initialFunding is
// positive, moves it from funder into the escrow in the same transaction.
func (v *Vault) CreateVault(ctx context.Context, campaignId string, token string, initialFunding decimal.Decimal, funder string) (*storage.CampaignVault, error) {
	if campaignId == "" || token == "" {
		return nil, errs.New(errs.Kind_Malformed, "campaignId and token are required")
	}
	if initialFunding.IsNegative() {
		return nil, errs.New(errs.Kind_Malformed, "initial funding must not be negative")
	}
	if !initialFunding.IsZero() {
		if err := ValidateUnits(initialFunding, "initial funding"); err != nil {
			return nil, err
		}
	}
	if initialFunding.IsPositive() && funder == "" {
		return nil, errs.New(errs.Kind_Malformed, "funder is required for initial funding")
	}

	unlock, err := v.locker.Lock(ctx, locker.VaultKey(campaignId))
	if err != nil {
		return nil, err
	}
	defer unlock()

	return helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.CampaignVault, error) {
		existing, err := loadVault(tx, campaignId)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, errs.Newf(errs.Kind_Duplicate, "vault for campaign '%s' already exists", campaignId)
		}

		if initialFunding.IsPositive() {
			reference := fmt.Sprintf("%s:create:%s", referencePrefix, campaignId)
			if _, _, err := v.tokens.Transfer(tx, token, funder, tokens.EscrowAccount(campaignId), initialFunding, reference, "fund"); err != nil {
				return nil, mapTransferError(err, "funder balance too low")
			}
		}

		now := v.now()
		cv := &storage.CampaignVault{
			CampaignId:  campaignId,
			Token:       token,
			TotalFunded: initialFunding,
			Locked:      decimal.Zero,
			Claimed:     decimal.Zero,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if res := tx.Create(cv); res.Error != nil {
			return nil, fmt.Errorf("failed to create vault: %w", res.Error)
		}
		v.logger.Sugar().Infow("Created vault",
			zap.String("campaignId", campaignId),
			zap.String("token", token),
			zap.String("initialFunding", initialFunding.String()),
		)
		return cv, nil
	}, v.db.WithContext(ctx), nil)
}

// TopUp moves amount from funder into the campaign escrow and raises
// totalFunded. A reference that was already applied changes nothing.
func (v *Vault) TopUp(ctx context.Context, campaignId string, funder string, amount decimal.Decimal, reference string) (*storage.CampaignVault, error) {
	if err := ValidateUnits(amount, "top up amount"); err != nil {
		return nil, err
	}
	if funder == "" {
		return nil, errs.New(errs.Kind_Malformed, "funder is required")
	}
	if reference == "" {
		reference = uuid.NewString()
	}

	unlock, err := v.locker.Lock(ctx, locker.VaultKey(campaignId))
	if err != nil {
		return nil, err
	}
	defer unlock()

	return helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.CampaignVault, error) {
		cv, err := requireVault(tx, campaignId)
		if err != nil {
			return nil, err
		}
		ref := topUpReference(reference)
		_, created, err := v.tokens.Transfer(tx, cv.Token, funder, tokens.EscrowAccount(campaignId), amount, ref, "topup")
		if err != nil {
			return nil, mapTransferError(err, "funder balance too low")
		}
		if !created {
			return cv, nil
		}
		return v.adjustVault(tx, campaignId, func(cv *storage.CampaignVault) error {
			cv.TotalFunded = cv.TotalFunded.Add(amount)
			return nil
		})
	}, v.db.WithContext(ctx), nil)
}

func (v *Vault) rateFor(t storage.EventType) (decimal.Decimal, error) {
	switch t {
	case storage.EventType_Impression:
		return v.globalConfig.VaultConfig.ImpressionRate, nil
	case storage.EventType_Click:
		return v.globalConfig.VaultConfig.ClickRate, nil
	}
	return decimal.Zero, errs.Newf(errs.Kind_Malformed, "unknown interaction type '%s'", t)
}

func loadAccrual(tx *gorm.DB, campaignId string, claimant string) (*storage.VaultAccrual, error) {
	rows := make([]*storage.VaultAccrual, 0, 1)
	res := tx.Where("campaign_id = ? and claimant = ?", campaignId, claimant).Limit(1).Find(&rows)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to load accrual: %w", res.Error)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// RecordInteraction credits claimant with count interactions of type t at the configured rate.
func (v *Vault) RecordInteraction(ctx context.Context, campaignId string, claimant string, count int64, t storage.EventType) (*storage.VaultAccrual, error) {
	if count <= 0 {
		return nil, errs.New(errs.Kind_Malformed, "count must be positive")
	}
	rate, err := v.rateFor(t)
	if err != nil {
		return nil, err
	}
	claimant, err = balances.NormalizeWallet(claimant)
	if err != nil {
		return nil, err
	}

	unlock, err := v.locker.Lock(ctx, locker.VaultKey(campaignId))
	if err != nil {
		return nil, err
	}
	defer unlock()

	return helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.VaultAccrual, error) {
		if _, err := requireVault(tx, campaignId); err != nil {
			return nil, err
		}
		credit := rate.Mul(decimal.NewFromInt(count))
		now := v.now()

		accrual, err := loadAccrual(tx, campaignId, claimant)
		if err != nil {
			return nil, err
		}
		if accrual == nil {
			accrual = &storage.VaultAccrual{CampaignId: campaignId, Claimant: claimant, Accrued: credit, UpdatedAt: now}
			if res := tx.Create(accrual); res.Error != nil {
				return nil, fmt.Errorf("failed to create accrual: %w", res.Error)
			}
			return accrual, nil
		}

		accrual.Accrued = accrual.Accrued.Add(credit)
		accrual.UpdatedAt = now
		res := tx.Model(&storage.VaultAccrual{}).
			Where("campaign_id = ? and claimant = ?", campaignId, claimant).
			Updates(map[string]any{"accrued": accrual.Accrued, "updated_at": now})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to update accrual: %w", res.Error)
		}
		return accrual, nil
	}, v.db.WithContext(ctx), nil)
}

func disbursementByReference(tx *gorm.DB, reference string) (*storage.VaultDisbursement, error) {
	rows := make([]*storage.VaultDisbursement, 0, 1)
	if res := tx.Where("reference = ?", reference).Limit(1).Find(&rows); res.Error != nil {
		return nil, fmt.Errorf("failed to load disbursement: %w", res.Error)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Disburse pays recipient straight out of the campaign escrow. The reference
// makes it idempotent: replaying it returns the original disbursement.
func (v *Vault) Disburse(ctx context.Context, campaignId string, recipient string, amount decimal.Decimal, reference string) (*storage.VaultDisbursement, error) {
	if err := ValidateUnits(amount, "disbursement amount"); err != nil {
		return nil, err
	}
	if reference == "" || recipient == "" {
		return nil, errs.New(errs.Kind_Malformed, "recipient and reference are required")
	}

	unlock, err := v.locker.Lock(ctx, locker.VaultKey(campaignId))
	if err != nil {
		return nil, err
	}
	defer unlock()

	return helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.VaultDisbursement, error) {
		existing, err := disbursementByReference(tx, reference)
		if err != nil || existing != nil {
			return existing, err
		}

		cv, err := v.adjustVault(tx, campaignId, func(cv *storage.CampaignVault) error {
			if cv.Available().LessThan(amount) {
				return errs.Newf(errs.Kind_TreasuryInsufficient, "vault '%s' has %s available, %s requested", campaignId, cv.Available(), amount)
			}
			cv.Claimed = cv.Claimed.Add(amount)
			return nil
		})
		if err != nil {
			return nil, err
		}

		ref := disburseReference(reference)
		if _, _, err := v.tokens.Transfer(tx, cv.Token, tokens.EscrowAccount(campaignId), recipient, amount, ref, "disburse"); err != nil {
			return nil, mapTransferError(err, "escrow balance too low")
		}

		d := &storage.VaultDisbursement{
			Reference:  reference,
			CampaignId: campaignId,
			Recipient:  strings.ToLower(recipient),
			Amount:     amount,
			TxHash:     tokens.TxHashFor(ref),
			CreatedAt:  v.now(),
		}
		if res := tx.Create(d); res.Error != nil {
			return nil, fmt.Errorf("failed to record disbursement: %w", res.Error)
		}
		return d, nil
	}, v.db.WithContext(ctx), nil)
}

// DisbursementByTxHash returns nil when no disbursement carries txHash.
func (v *Vault) DisbursementByTxHash(ctx context.Context, txHash string) (*storage.VaultDisbursement, error) {
	rows := make([]*storage.VaultDisbursement, 0, 1)
	if res := v.db.WithContext(ctx).Where("tx_hash = ?", txHash).Limit(1).Find(&rows); res.Error != nil {
		return nil, res.Error
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// DisbursementByReference returns nil when the reference was never disbursed.
func (v *Vault) DisbursementByReference(ctx context.Context, reference string) (*storage.VaultDisbursement, error) {
	return disbursementByReference(v.db.WithContext(ctx), reference)
}

// GetVaultState returns nil when the campaign has no vault.
func (v *Vault) GetVaultState(ctx context.Context, campaignId string) (*storage.CampaignVault, error) {
	return loadVault(v.db.WithContext(ctx), campaignId)
}

// Accrual summarizes what a claimant may still claim from a campaign.
type Accrual struct {
	CampaignId string
	Claimant   string
	Accrued    decimal.Decimal
	Committed  decimal.Decimal
	Available  decimal.Decimal
}

func committedClaims(tx *gorm.DB, campaignId string, claimant string) (decimal.Decimal, error) {
	claims := make([]*storage.VaultClaim, 0)
	res := tx.Where("campaign_id = ? and claimant = ? and status <> ?", campaignId, claimant, storage.ClaimStatus_Rejected).Find(&claims)
	if res.Error != nil {
		return decimal.Zero, fmt.Errorf("failed to load claims: %w", res.Error)
	}
	total := decimal.Zero
	for _, c := range claims {
		total = total.Add(c.Amount)
	}
	return total, nil
}

func accrualTx(tx *gorm.DB, campaignId string, claimant string) (*Accrual, error) {
	a := &Accrual{CampaignId: campaignId, Claimant: claimant}
	row, err := loadAccrual(tx, campaignId, claimant)
	if err != nil {
		return nil, err
	}
	if row != nil {
		a.Accrued = row.Accrued
	}
	if a.Committed, err = committedClaims(tx, campaignId, claimant); err != nil {
		return nil, err
	}
	a.Available = a.Accrued.Sub(a.Committed)
	return a, nil
}

func (v *Vault) GetAccrual(ctx context.Context, campaignId string, claimant string) (*Accrual, error) {
	claimant, err := balances.NormalizeWallet(claimant)
	if err != nil {
		return nil, err
	}
	return accrualTx(v.db.WithContext(ctx), campaignId, claimant)
}
