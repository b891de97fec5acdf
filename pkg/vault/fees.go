package vault

import (
	"github.com/shopspring/decimal"
	"github.com/sovads/ledger/pkg/errs"
)

const bpsDenominator = 10000

// ValidateUnits rejects amounts that are not a positive whole number of minor units.
func ValidateUnits(amount decimal.Decimal, what string) error {
	if !amount.IsPositive() {
		return errs.Newf(errs.Kind_Malformed, "%s must be positive", what)
	}
	if !amount.IsInteger() {
		return errs.Newf(errs.Kind_Malformed, "%s must be a whole number of minor units, got %s", what, amount.String())
	}
	return nil
}

// SplitFee returns the fee and net parts of amount at feeBps basis points.
// The fee is floored to a whole unit; the remainder stays with the claimant.
func SplitFee(amount decimal.Decimal, feeBps int64) (fee decimal.Decimal, net decimal.Decimal) {
	if feeBps <= 0 {
		return decimal.Zero, amount
	}
	fee = amount.Mul(decimal.NewFromInt(feeBps)).Div(decimal.NewFromInt(bpsDenominator)).Floor()
	return fee, amount.Sub(fee)
}
