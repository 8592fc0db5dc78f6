package models

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// DefaultCurrencyDecimals is the number of smallest units per major unit exponent (USDC-style).
const DefaultCurrencyDecimals int32 = 6

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// ToSmallestUnit converts a decimal string in major units into smallest units.
// The value is shifted by decimals and rounded half away from zero; this is
// the only unit conversion the service performs.
func ToSmallestUnit(s string, decimals int32) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q is negative", s)
	}
	scaled := d.Shift(decimals).Round(0)
	if scaled.GreaterThan(maxAmount) {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	return scaled.IntPart(), nil
}

// OrderTotal sums quantity x unit price over items, rejecting overflow.
func OrderTotal(items []LineItem) (int64, error) {
	var total int64
	for _, it := range items {
		if it.Quantity <= 0 {
			return 0, errors.New("quantity must be > 0")
		}
		if it.UnitPrice > 0 && int64(it.Quantity) > math.MaxInt64/it.UnitPrice {
			return 0, errors.New("line total overflows")
		}
		line := int64(it.Quantity) * it.UnitPrice
		if total > math.MaxInt64-line {
			return 0, errors.New("order total overflows")
		}
		total += line
	}
	return total, nil
}
