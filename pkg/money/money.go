// Package money holds minor-unit arithmetic shared by pricing and settlement.
// All rounding is half away from zero on exact decimals.
package money

import "github.com/shopspring/decimal"

// LedgerScale is the number of fractional digits in ledger amount strings.
const LedgerScale = 6

// LedgerAmount renders minor units (cents) in the ledger's human denomination,
// e.g. 150 -> "1.500000".
func LedgerAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(LedgerScale)
}

// ParseLedgerAmount converts a ledger amount string back into minor units.
func ParseLedgerAmount(value string) (int64, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, err
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

// Prorate returns round(total * part / whole). part is capped at whole, and a
// non-positive whole yields zero.
func Prorate(total, part, whole int64) int64 {
	if whole <= 0 || part <= 0 || total <= 0 {
		return 0
	}
	if part > whole {
		part = whole
	}
	return decimal.NewFromInt(total).
		Mul(decimal.NewFromInt(part)).
		Div(decimal.NewFromInt(whole)).
		Round(0).
		IntPart()
}

// Round converts a decimal amount to whole minor units.
func Round(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// PerUnit returns total / units rounded to the given number of places.
func PerUnit(total, units int64, places int32) float64 {
	if units <= 0 {
		return 0
	}
	f, _ := decimal.NewFromInt(total).Div(decimal.NewFromInt(units)).Round(places).Float64()
	return f
}
