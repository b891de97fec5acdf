// Package tokens is the off-chain token ledger behind campaign vaults. Every
// movement is a transfer row keyed by (reference, leg), so replaying the same
// logical transfer never moves funds twice.
package tokens

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/postgres/helpers"
	"github.com/sovads/ledger/pkg/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MintAccount is the source of newly issued supply.
const MintAccount = "mint"

var ErrInsufficientBalance = errors.New("insufficient token balance")

// TokenLedger is a double-entry ledger of token balances.
type TokenLedger struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewTokenLedger(db *gorm.DB, l *zap.Logger) *TokenLedger {
	return &TokenLedger{db: db, logger: l}
}

// EscrowAccount names the account that holds a campaign vault's funds.
func EscrowAccount(campaignId string) string {
	return fmt.Sprintf("vault:%s", campaignId)
}

// TxHashFor derives the settlement hash reported for a ledger reference.
func TxHashFor(reference string) string {
	return crypto.Keccak256Hash([]byte(reference)).Hex()
}

func (tl *TokenLedger) BalanceOf(ctx context.Context, token string, account string) (decimal.Decimal, error) {
	return balanceOf(tl.db.WithContext(ctx), token, account)
}

func balanceOf(tx *gorm.DB, token string, account string) (decimal.Decimal, error) {
	rows := make([]*storage.TokenBalance, 0, 1)
	if res := tx.Where("token = ? and account = ?", token, account).Limit(1).Find(&rows); res.Error != nil {
		return decimal.Zero, fmt.Errorf("failed to load balance: %w", res.Error)
	}
	if len(rows) == 0 {
		return decimal.Zero, nil
	}
	return rows[0].Balance, nil
}

func credit(tx *gorm.DB, token string, account string, amount decimal.Decimal) error {
	current, err := balanceOf(tx, token, account)
	if err != nil {
		return err
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}, {Name: "account"}},
		DoUpdates: clause.Assignments(map[string]any{"balance": current.Add(amount)}),
	}).Create(&storage.TokenBalance{Token: token, Account: account, Balance: current.Add(amount)})
	if res.Error != nil {
		return fmt.Errorf("failed to credit '%s': %w", account, res.Error)
	}
	return nil
}

func debit(tx *gorm.DB, token string, account string, amount decimal.Decimal) error {
	current, err := balanceOf(tx, token, account)
	if err != nil {
		return err
	}
	if current.LessThan(amount) {
		return ErrInsufficientBalance
	}
	res := tx.Model(&storage.TokenBalance{}).
		Where("token = ? and account = ? and balance = ?", token, account, current).
		Update("balance", current.Sub(amount))
	if res.Error != nil {
		return fmt.Errorf("failed to debit '%s': %w", account, res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("balance of '%s' changed during debit", account)
	}
	return nil
}

func transferByLeg(tx *gorm.DB, reference string, leg string) (*storage.TokenTransfer, error) {
	rows := make([]*storage.TokenTransfer, 0, 1)
	if res := tx.Where("reference = ? and leg = ?", reference, leg).Limit(1).Find(&rows); res.Error != nil {
		return nil, res.Error
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Transfer moves amount from one account to another inside tx. A transfer
// already recorded for (reference, leg) is returned with created=false and
// nothing moves. Mint is the only account allowed to go below zero.
func (tl *TokenLedger) Transfer(tx *gorm.DB, token string, from string, to string, amount decimal.Decimal, reference string, leg string) (*storage.TokenTransfer, bool, error) {
	if !amount.IsPositive() {
		return nil, false, errs.New(errs.Kind_Malformed, "transfer amount must be positive")
	}
	if !amount.IsInteger() {
		return nil, false, errs.Newf(errs.Kind_Malformed, "transfer amount must be a whole number of minor units, got %s", amount.String())
	}
	if reference == "" || leg == "" {
		return nil, false, fmt.Errorf("transfer requires a reference and a leg")
	}
	if existing, err := transferByLeg(tx, reference, leg); err != nil || existing != nil {
		return existing, false, err
	}

	if from != MintAccount {
		if err := debit(tx, token, from, amount); err != nil {
			return nil, false, err
		}
	}
	if err := credit(tx, token, to, amount); err != nil {
		return nil, false, err
	}

	t := &storage.TokenTransfer{
		Id:          uuid.NewString(),
		Reference:   reference,
		Leg:         leg,
		Token:       token,
		FromAccount: from,
		ToAccount:   to,
		Amount:      amount,
	}
	if res := tx.Create(t); res.Error != nil {
		return nil, false, fmt.Errorf("failed to record transfer: %w", res.Error)
	}
	return t, true, nil
}

// Mint issues new supply to account. Used to fund advertisers and the treasury in dev and tests.
func (tl *TokenLedger) Mint(ctx context.Context, token string, account string, amount decimal.Decimal, reference string) (*storage.TokenTransfer, error) {
	return helpers.WrapTxAndCommit(func(tx *gorm.DB) (*storage.TokenTransfer, error) {
		t, _, err := tl.Transfer(tx, token, MintAccount, account, amount, reference, "mint")
		return t, err
	}, tl.db.WithContext(ctx), nil)
}

// Leg is one recipient of a multi-leg payment.
type Leg struct {
	Name   string
	To     string
	Amount decimal.Decimal
}

// PayTx moves every leg from one account inside tx. All legs commit or none do.
func (tl *TokenLedger) PayTx(tx *gorm.DB, token string, from string, legs []Leg, reference string) error {
	for _, l := range legs {
		if l.Amount.IsZero() {
			continue
		}
		if _, _, err := tl.Transfer(tx, token, from, l.To, l.Amount, reference, l.Name); err != nil {
			return err
		}
	}
	return nil
}

// Transfers lists the legs recorded for a reference.
func (tl *TokenLedger) Transfers(ctx context.Context, reference string) ([]*storage.TokenTransfer, error) {
	rows := make([]*storage.TokenTransfer, 0)
	if res := tl.db.WithContext(ctx).Where("reference = ?", reference).Order("leg asc").Find(&rows); res.Error != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", res.Error)
	}
	return rows, nil
}
