package services

import "github.com/shopspring/decimal"

var (
	feeTierLowCeiling  = decimal.NewFromInt(50)
	feeTierHighFloor   = decimal.NewFromInt(500)
	feeRateSmall       = decimal.RequireFromString("0.15")
	feeRateStandard    = decimal.RequireFromString("0.12")
	feeRateLarge       = decimal.RequireFromString("0.10")
	moneyDecimalPlaces = int32(2)
)

// FeeRate returns the platform fee rate for amount:
// below 50 pays 15%, 50 to 500 inclusive pays 12%, above 500 pays 10%.
func FeeRate(amount decimal.Decimal) decimal.Decimal {
	switch {
	case amount.LessThan(feeTierLowCeiling):
		return feeRateSmall
	case amount.LessThanOrEqual(feeTierHighFloor):
		return feeRateStandard
	default:
		return feeRateLarge
	}
}

// SplitFee returns the platform fee and freelancer earnings for amount.
// Earnings are derived by subtraction so the two always sum to the rounded amount.
func SplitFee(amount decimal.Decimal) (fee, earnings decimal.Decimal) {
	amount = amount.Round(moneyDecimalPlaces)
	fee = amount.Mul(FeeRate(amount)).Round(moneyDecimalPlaces)
	earnings = amount.Sub(fee)
	return fee, earnings
}
