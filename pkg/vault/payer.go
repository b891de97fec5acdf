package vault

import (
	"context"
	"errors"

	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/postgres/helpers"
	"github.com/sovads/ledger/pkg/tokens"
	"gorm.io/gorm"
)

type PayStatus string

const (
	PayStatus_Confirmed PayStatus = "confirmed"
	PayStatus_Failed    PayStatus = "failed"
	PayStatus_Pending   PayStatus = "pending"
)

// Payer executes the token movement of a settlement. Pay either confirms
// every leg, fails definitely, or returns an error for which IsUnknownOutcome
// holds; in the last case Status is asked again later for the same reference.
type Payer interface {
	Pay(ctx context.Context, token string, from string, legs []tokens.Leg, reference string) (txHash string, err error)
	Status(ctx context.Context, reference string) (PayStatus, string, error)
}

// IsUnknownOutcome reports whether a payment error leaves its result undecided.
func IsUnknownOutcome(err error) bool {
	if err == nil {
		return false
	}
	return errs.Is(err, errs.Kind_ReconciliationPending) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// LedgerPayer settles against the off-chain token ledger. All legs commit in
// one transaction, so a reference either has every transfer or none.
type LedgerPayer struct {
	db     *gorm.DB
	tokens *tokens.TokenLedger
}

func NewLedgerPayer(db *gorm.DB, tl *tokens.TokenLedger) *LedgerPayer {
	return &LedgerPayer{db: db, tokens: tl}
}

// Pay moves every leg out of the escrow account in a single ledger transaction.
func (lp *LedgerPayer) Pay(ctx context.Context, token string, from string, legs []tokens.Leg, reference string) (string, error) {
	_, err := helpers.WrapTxAndCommit(func(tx *gorm.DB) (any, error) {
		return nil, lp.tokens.PayTx(tx, token, from, legs, reference)
	}, lp.db.WithContext(ctx), nil)
	if err != nil {
		if errors.Is(err, tokens.ErrInsufficientBalance) {
			return "", errs.Wrap(errs.Kind_OnChainCallFailed, err, "escrow balance too low")
		}
		return "", err
	}
	return tokens.TxHashFor(reference), nil
}

func (lp *LedgerPayer) Status(ctx context.Context, reference string) (PayStatus, string, error) {
	transfers, err := lp.tokens.Transfers(ctx, reference)
	if err != nil {
		return PayStatus_Pending, "", err
	}
	if len(transfers) == 0 {
		return PayStatus_Failed, "", nil
	}
	return PayStatus_Confirmed, tokens.TxHashFor(reference), nil
}
