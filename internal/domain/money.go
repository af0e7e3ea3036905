package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

var paisePerRupee = decimal.NewFromInt(100)

// RupeesToPaise converts a rupee amount to integer paise. It rejects
// non-positive amounts, more than two decimal places, and values that
// overflow int64.
func RupeesToPaise(rupees decimal.Decimal) (int64, error) {
	if !rupees.IsPositive() {
		return 0, &ErrValidation{Field: "amount", Message: "Amount must be greater than zero"}
	}
	paise := rupees.Mul(paisePerRupee)
	if !paise.Equal(paise.Truncate(0)) {
		return 0, &ErrValidation{Field: "amount", Message: "Amount cannot have more than 2 decimal places"}
	}
	if paise.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, &ErrValidation{Field: "amount", Message: "Amount is too large"}
	}
	return paise.IntPart(), nil
}

// PaiseToRupees formats paise as a rupee string with two decimals.
func PaiseToRupees(paise int64) string {
	return decimal.New(paise, -2).StringFixed(2)
}
