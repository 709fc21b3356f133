package payment

import "github.com/shopspring/decimal"

// ApplicationFee is the platform's cut of amount (minor units), rounded down.
func ApplicationFee(amount int64, rate decimal.Decimal) int64 {
	if amount <= 0 || !rate.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(rate).Floor().IntPart()
}

// FeePercent converts a fee rate into the percentage form subscriptions are billed with.
func FeePercent(rate decimal.Decimal) float64 {
	if !rate.IsPositive() {
		return 0
	}
	return rate.Shift(2).Round(2).InexactFloat64()
}
