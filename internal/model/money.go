package model

import "github.com/shopspring/decimal"

// CentsToDecimal converts integer cents to a two-digit fixed-point
// dollar amount for the store boundary and the wire.
func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// DecimalToCents converts a fixed-point dollar amount back to integer
// cents. Fractions beyond two digits are truncated; the schema never
// stores them.
func DecimalToCents(d decimal.Decimal) int64 {
	return d.Shift(2).IntPart()
}

// Dollars formats integer cents as a decimal string with two
// fractional digits, e.g. 1234 → "12.34".
func Dollars(cents int64) string {
	return CentsToDecimal(cents).StringFixed(2)
}
