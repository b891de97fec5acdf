package treasury

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/pkg/vault"
)

// Backend moves treasury funds. Amounts are in the token's minor units.
//
// A call returns a tx hash on confirmation, a definite error on failure, or
// an error for which vault.IsUnknownOutcome holds when the transaction may
// still land; Status is asked again later for the same reference.
type Backend interface {
	Name() string
	Payout(ctx context.Context, recipient string, rawAmount decimal.Decimal, reference string) (string, error)
	TopUp(ctx context.Context, rawAmount decimal.Decimal, reference string) (string, error)
	Balance(ctx context.Context) (decimal.Decimal, error)
	Status(ctx context.Context, reference string) (vault.PayStatus, string, error)
}

// VaultBackend pays from a designated campaign vault on the off-chain ledger.
type VaultBackend struct {
	vault      *vault.Vault
	campaignId string
	funder     string
}

// NewVaultBackend pays treasury payouts out of the configured campaign vault.
func NewVaultBackend(v *vault.Vault, cfg *config.Config) *VaultBackend {
	return &VaultBackend{
		vault:      v,
		campaignId: cfg.TreasuryConfig.CampaignId,
		funder:     cfg.TreasuryConfig.Funder,
	}
}

func (vb *VaultBackend) Name() string {
	return string(config.TreasuryBackend_Vault)
}

func (vb *VaultBackend) Payout(ctx context.Context, recipient string, rawAmount decimal.Decimal, reference string) (string, error) {
	d, err := vb.vault.Disburse(ctx, vb.campaignId, recipient, rawAmount, reference)
	if err != nil {
		return "", err
	}
	return d.TxHash, nil
}

func (vb *VaultBackend) TopUp(ctx context.Context, rawAmount decimal.Decimal, reference string) (string, error) {
	if _, err := vb.vault.TopUp(ctx, vb.campaignId, vb.funder, rawAmount, reference); err != nil {
		return "", err
	}
	return vault.TopUpTxHash(reference), nil
}

func (vb *VaultBackend) Balance(ctx context.Context) (decimal.Decimal, error) {
	cv, err := vb.vault.GetVaultState(ctx, vb.campaignId)
	if err != nil {
		return decimal.Zero, err
	}
	if cv == nil {
		return decimal.Zero, nil
	}
	return cv.Available(), nil
}

func (vb *VaultBackend) Status(ctx context.Context, reference string) (vault.PayStatus, string, error) {
	d, err := vb.vault.DisbursementByReference(ctx, reference)
	if err != nil {
		return vault.PayStatus_Pending, "", err
	}
	if d != nil {
		return vault.PayStatus_Confirmed, d.TxHash, nil
	}
	applied, err := vb.vault.TopUpApplied(ctx, reference)
	if err != nil {
		return vault.PayStatus_Pending, "", err
	}
	if applied {
		return vault.PayStatus_Confirmed, vault.TopUpTxHash(reference), nil
	}
	return vault.PayStatus_Failed, "", nil
}

// EnsureVault creates the treasury vault when it does not exist yet.
func (vb *VaultBackend) EnsureVault(ctx context.Context, token string) error {
	cv, err := vb.vault.GetVaultState(ctx, vb.campaignId)
	if err != nil || cv != nil {
		return err
	}
	_, err = vb.vault.CreateVault(ctx, vb.campaignId, token, decimal.Zero, "")
	return err
}
