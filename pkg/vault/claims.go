package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/pkg/balances"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/eventBus/eventBusTypes"
	"github.com/sovads/ledger/pkg/locker"
	"github.com/sovads/ledger/pkg/metrics/metricsTypes"
	"github.com/sovads/ledger/pkg/postgres/helpers"
	"github.com/sovads/ledger/pkg/storage"
	"github.com/sovads/ledger/pkg/tokens"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Observable claim states. A settling claim is reported as open with Pending set.
const (
	ClaimState_Open     = "open"
	ClaimState_Approved = "approved"
	ClaimState_Rejected = "rejected"
)

// ClaimView is a claim as returned to callers.
type ClaimView struct {
	Id          string          `json:"id"`
	CampaignId  string          `json:"campaignId"`
	Claimant    string          `json:"claimant"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	Status      string          `json:"status"`
	Pending     bool            `json:"pending"`
	Processed   bool            `json:"processed"`
	Rejected    bool            `json:"rejected"`
	TxHash      *string         `json:"txHash,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

func ViewOf(c *storage.VaultClaim) *ClaimView {
	view := &ClaimView{
		Id:          c.Id,
		CampaignId:  c.CampaignId,
		Claimant:    c.Claimant,
		Amount:      c.Amount,
		Fee:         c.Fee,
		Processed:   c.Processed,
		Rejected:    c.Rejected,
		TxHash:      c.TxHash,
		CreatedAt:   c.CreatedAt,
		ProcessedAt: c.ProcessedAt,
	}
	switch c.Status {
	case storage.ClaimStatus_Settled:
		view.Status = ClaimState_Approved
	case storage.ClaimStatus_Rejected:
		view.Status = ClaimState_Rejected
	case storage.ClaimStatus_Settling:
		view.Status = ClaimState_Open
		view.Pending = true
	default:
		view.Status = ClaimState_Open
	}
	return view
}

func loadClaim(tx *gorm.DB, claimId string) (*storage.VaultClaim, error) {
	rows := make([]*storage.VaultClaim, 0, 1)
	if res := tx.Where("id = ?", claimId).Limit(1).Find(&rows); res.Error != nil {
		return nil, fmt.Errorf("failed to load claim '%s': %w", claimId, res.Error)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func requireClaim(tx *gorm.DB, claimId string) (*storage.VaultClaim, error) {
	c, err := loadClaim(tx, claimId)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errs.Newf(errs.Kind_NotFound, "claim '%s' not found", claimId)
	}
	return c, nil
}

// GetClaim returns nil when the claim does not exist.
func (v *Vault) GetClaim(ctx context.Context, claimId string) (*storage.VaultClaim, error) {
	return loadClaim(v.db.WithContext(ctx), claimId)
}

type ClaimFilters struct {
	CampaignId string
	Claimant   string
	Status     storage.ClaimStatus
	Limit      int
}

func (v *Vault) ListClaims(ctx context.Context, filters ClaimFilters) ([]*storage.VaultClaim, error) {
	query := v.db.WithContext(ctx).Model(&storage.VaultClaim{})
	if filters.CampaignId != "" {
		query = query.Where("campaign_id = ?", filters.CampaignId)
	}
	if filters.Claimant != "" {
		claimant, err := balances.NormalizeWallet(filters.Claimant)
		if err != nil {
			return nil, err
		}
		query = query.Where("claimant = ?", claimant)
	}
	if filters.Status != "" {
		query = query.Where("status = ?", filters.Status)
	}
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	claims := make([]*storage.VaultClaim, 0)
	if res := query.Order("created_at asc, id asc").Find(&claims); res.Error != nil {
		return nil, fmt.Errorf("failed to list claims: %w", res.Error)
	}
	return claims, nil
}

// CreateClaim opens a claim for amount. The amount must fit in what the
// claimant accrued minus every claim not rejected.
func (v *Vault) CreateClaim(ctx context.Context, campaignId string, claimant string, amount decimal.Decimal) (*storage.VaultClaim, error) {
	if err := ValidateUnits(amount, "claim amount"); err != nil {
		return nil, err
	}
	claimant, err := balances.NormalizeWallet(claimant)
	if err != nil {
		return nil, err
	}

	unlock, err := v.locker.Lock(ctx, locker.VaultKey(campaignId))
	if err != nil {
		return nil, err
	}
	defer unlock()

	return helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.VaultClaim, error) {
		if _, err := requireVault(tx, campaignId); err != nil {
			return nil, err
		}
		accrual, err := accrualTx(tx, campaignId, claimant)
		if err != nil {
			return nil, err
		}
		if amount.GreaterThan(accrual.Available) {
			return nil, errs.Newf(errs.Kind_InsufficientAccrual, "claimant has %s available, %s requested", accrual.Available, amount)
		}

		claim := &storage.VaultClaim{
			Id:         uuid.NewString(),
			CampaignId: campaignId,
			Claimant:   claimant,
			Amount:     amount,
			Fee:        decimal.Zero,
			Status:     storage.ClaimStatus_Open,
			CreatedAt:  v.now(),
		}
		if res := tx.Create(claim); res.Error != nil {
			return nil, fmt.Errorf("failed to create claim: %w", res.Error)
		}
		return claim, nil
	}, v.db.WithContext(ctx), nil)
}

func (v *Vault) lockClaim(ctx context.Context, claimId string) (*storage.VaultClaim, func(), error) {
	claim, err := requireClaim(v.db.WithContext(ctx), claimId)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := locker.LockAll(ctx, v.locker, locker.ClaimKey(claimId), locker.VaultKey(claim.CampaignId))
	if err != nil {
		return nil, nil, err
	}
	return claim, unlock, nil
}

func (v *Vault) feeAccount() string {
	if v.globalConfig.VaultConfig.FeeRecipient != "" {
		return v.globalConfig.VaultConfig.FeeRecipient
	}
	return defaultFeeAccount
}

func (v *Vault) recordOutcome(outcome string) {
	v.metricsSink.Incr(metricsTypes.Metric_Incr_ClaimSettlement, []metricsTypes.MetricsLabel{
		{Name: "outcome", Value: outcome},
	}, 1)
}

// SettleClaim approves and pays an open claim.
//
// The amount is first locked in the vault and the claim marked settling under
// a fresh settlement reference. The payer then moves amount-fee to the
// claimant and fee to the fee recipient. A confirmed payment settles the
// claim, a definite failure unlocks the amount and reopens the claim, and an
// undecided one leaves it settling for ResolveSettlement.
func (v *Vault) SettleClaim(ctx context.Context, claimId string) (*storage.VaultClaim, error) {
	_, unlock, err := v.lockClaim(ctx, claimId)
	if err != nil {
		return nil, err
	}
	defer unlock()

	claim, err := requireClaim(v.db.WithContext(ctx), claimId)
	if err != nil {
		return nil, err
	}
	switch claim.Status {
	case storage.ClaimStatus_Settled:
		return claim, nil
	case storage.ClaimStatus_Rejected:
		return nil, errs.Newf(errs.Kind_Malformed, "claim '%s' was rejected", claimId)
	case storage.ClaimStatus_Settling:
		return v.resolveLocked(ctx, claim)
	}

	claim, cv, err := v.beginSettlement(ctx, claimId)
	if err != nil {
		return nil, err
	}

	legs := []tokens.Leg{{Name: "net", To: claim.Claimant, Amount: claim.Amount.Sub(claim.Fee)}}
	if claim.Fee.IsPositive() {
		legs = append(legs, tokens.Leg{Name: "fee", To: v.feeAccount(), Amount: claim.Fee})
	}

	payCtx, cancel := context.WithTimeout(ctx, v.globalConfig.VaultConfig.PayTimeout)
	txHash, payErr := v.payer.Pay(payCtx, cv.Token, tokens.EscrowAccount(claim.CampaignId), legs, *claim.SettlementRef)
	cancel()

	// the payment is out of our hands now; record its outcome even if ctx is done
	persistCtx := context.WithoutCancel(ctx)
	switch {
	case payErr == nil:
		return v.completeSettlement(persistCtx, claim, txHash)
	case IsUnknownOutcome(payErr):
		v.recordOutcome("pending")
		v.logger.Sugar().Warnw("Claim settlement outcome unknown",
			zap.String("claimId", claim.Id),
			zap.String("settlementRef", *claim.SettlementRef),
			zap.Error(payErr),
		)
		return claim, errs.PendingTx(txHash, "settlement submitted, awaiting reconciliation")
	default:
		if _, err := v.abortSettlement(persistCtx, claim, payErr.Error()); err != nil {
			return nil, err
		}
		return nil, errs.Wrap(errs.Kind_OnChainCallFailed, payErr, "settlement payment failed")
	}
}

func (v *Vault) beginSettlement(ctx context.Context, claimId string) (*storage.VaultClaim, *storage.CampaignVault, error) {
	type started struct {
		claim *storage.VaultClaim
		vault *storage.CampaignVault
	}
	res, err := helpers.WrapTxAndCommit(func(tx *gorm.DB) (*started, error) {
		claim, err := requireClaim(tx, claimId)
		if err != nil {
			return nil, err
		}
		cv, err := v.adjustVault(tx, claim.CampaignId, func(cv *storage.CampaignVault) error {
			if cv.Available().LessThan(claim.Amount) {
				return errs.Newf(errs.Kind_TreasuryInsufficient, "vault '%s' has %s available, claim needs %s", cv.CampaignId, cv.Available(), claim.Amount)
			}
			cv.Locked = cv.Locked.Add(claim.Amount)
			return nil
		})
		if err != nil {
			return nil, err
		}

		fee, _ := SplitFee(claim.Amount, v.globalConfig.VaultConfig.FeeBps)
		ref := uuid.NewString()
		upd := tx.Model(&storage.VaultClaim{}).
			Where("id = ? and status = ?", claim.Id, storage.ClaimStatus_Open).
			Updates(map[string]any{
				"status":         storage.ClaimStatus_Settling,
				"settlement_ref": ref,
				"fee":            fee,
				"failure":        "",
			})
		if upd.Error != nil {
			return nil, fmt.Errorf("failed to mark claim settling: %w", upd.Error)
		}
		if upd.RowsAffected != 1 {
			return nil, fmt.Errorf("claim '%s' left the open state", claim.Id)
		}
		claim.Status = storage.ClaimStatus_Settling
		claim.SettlementRef = &ref
		claim.Fee = fee
		return &started{claim: claim, vault: cv}, nil
	}, v.db.WithContext(ctx), nil)
	if err != nil {
		if errs.Is(err, errs.Kind_TreasuryInsufficient) {
			v.recordOutcome("insufficient")
		}
		return nil, nil, err
	}
	return res.claim, res.vault, nil
}

func (v *Vault) completeSettlement(ctx context.Context, claim *storage.VaultClaim, txHash string) (*storage.VaultClaim, error) {
	settled, err := helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.VaultClaim, error) {
		if _, err := v.adjustVault(tx, claim.CampaignId, func(cv *storage.CampaignVault) error {
			cv.Locked = cv.Locked.Sub(claim.Amount)
			cv.Claimed = cv.Claimed.Add(claim.Amount)
			return nil
		}); err != nil {
			return nil, err
		}
		now := v.now()
		res := tx.Model(&storage.VaultClaim{}).
			Where("id = ? and status = ?", claim.Id, storage.ClaimStatus_Settling).
			Updates(map[string]any{
				"status":       storage.ClaimStatus_Settled,
				"processed":    true,
				"rejected":     false,
				"tx_hash":      txHash,
				"processed_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to mark claim settled: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return nil, fmt.Errorf("claim '%s' left the settling state", claim.Id)
		}
		return requireClaim(tx, claim.Id)
	}, v.db.WithContext(ctx), nil)
	if err != nil {
		return nil, err
	}

	v.recordOutcome("settled")
	v.logger.Sugar().Infow("Settled claim",
		zap.String("claimId", settled.Id),
		zap.String("campaignId", settled.CampaignId),
		zap.String("amount", settled.Amount.String()),
		zap.String("fee", settled.Fee.String()),
		zap.String("txHash", txHash),
	)
	v.eventBus.Publish(&eventBusTypes.Event{
		Name: eventBusTypes.Event_ClaimSettled,
		Data: &eventBusTypes.ClaimSettledData{Claim: settled},
	})
	return settled, nil
}

func (v *Vault) abortSettlement(ctx context.Context, claim *storage.VaultClaim, failure string) (*storage.VaultClaim, error) {
	reopened, err := helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.VaultClaim, error) {
		if _, err := v.adjustVault(tx, claim.CampaignId, func(cv *storage.CampaignVault) error {
			cv.Locked = cv.Locked.Sub(claim.Amount)
			return nil
		}); err != nil {
			return nil, err
		}
		res := tx.Model(&storage.VaultClaim{}).
			Where("id = ? and status = ?", claim.Id, storage.ClaimStatus_Settling).
			Updates(map[string]any{
				"status":         storage.ClaimStatus_Open,
				"settlement_ref": nil,
				"fee":            decimal.Zero,
				"failure":        failure,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to reopen claim: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return nil, fmt.Errorf("claim '%s' left the settling state", claim.Id)
		}
		return requireClaim(tx, claim.Id)
	}, v.db.WithContext(ctx), nil)
	if err != nil {
		return nil, err
	}
	v.recordOutcome("failed")
	v.logger.Sugar().Warnw("Claim settlement failed, claim reopened",
		zap.String("claimId", claim.Id),
		zap.String("failure", failure),
	)
	return reopened, nil
}

// ResolveSettlement asks the payer what became of a settling claim and
// finishes it. Claims in any other state are returned unchanged.
func (v *Vault) ResolveSettlement(ctx context.Context, claimId string) (*storage.VaultClaim, error) {
	_, unlock, err := v.lockClaim(ctx, claimId)
	if err != nil {
		return nil, err
	}
	defer unlock()

	claim, err := requireClaim(v.db.WithContext(ctx), claimId)
	if err != nil {
		return nil, err
	}
	if claim.Status != storage.ClaimStatus_Settling {
		return claim, nil
	}
	return v.resolveLocked(ctx, claim)
}

func (v *Vault) resolveLocked(ctx context.Context, claim *storage.VaultClaim) (*storage.VaultClaim, error) {
	if claim.SettlementRef == nil {
		return nil, fmt.Errorf("settling claim '%s' has no settlement reference", claim.Id)
	}
	status, txHash, err := v.payer.Status(ctx, *claim.SettlementRef)
	if err != nil {
		return nil, errs.Wrap(errs.Kind_ReconciliationPending, err, "failed to query settlement status")
	}
	switch status {
	case PayStatus_Confirmed:
		return v.completeSettlement(ctx, claim, txHash)
	case PayStatus_Failed:
		return v.abortSettlement(ctx, claim, "payment not found during reconciliation")
	}
	return claim, errs.PendingTx(txHash, "settlement still pending")
}

// RejectClaim closes an open claim without moving funds. The amount returns
// to the claimant's available accrual.
func (v *Vault) RejectClaim(ctx context.Context, claimId string) (*storage.VaultClaim, error) {
	_, unlock, err := v.lockClaim(ctx, claimId)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.VaultClaim, error) {
		claim, err := requireClaim(tx, claimId)
		if err != nil {
			return nil, err
		}
		switch claim.Status {
		case storage.ClaimStatus_Rejected:
			return claim, nil
		case storage.ClaimStatus_Settled:
			return nil, errs.Newf(errs.Kind_Malformed, "claim '%s' is already settled", claimId)
		case storage.ClaimStatus_Settling:
			return nil, errs.PendingTx("", "claim settlement in progress")
		}

		now := v.now()
		res := tx.Model(&storage.VaultClaim{}).
			Where("id = ? and status = ?", claimId, storage.ClaimStatus_Open).
			Updates(map[string]any{
				"status":       storage.ClaimStatus_Rejected,
				"processed":    true,
				"rejected":     true,
				"processed_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to reject claim: %w", res.Error)
		}
		v.recordOutcome("rejected")
		return requireClaim(tx, claimId)
	}, v.db.WithContext(ctx), nil)
}
