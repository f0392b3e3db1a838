package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	decMax = decimal.NewFromInt(maxInt64)
	decMin = decimal.NewFromInt(-maxInt64 - 1)
)

// ParseScaled parses a decimal string such as "2500.125" into a fixed-point
// integer with the given scale (PriceScale, RateScale). Digits below the
// scale are truncated toward zero.
func ParseScaled(s string, scale int64) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return FromDecimal(d, scale)
}

// FromDecimal converts d to a fixed-point integer with the given scale.
func FromDecimal(d decimal.Decimal, scale int64) (int64, error) {
	v := d.Mul(decimal.NewFromInt(scale)).Truncate(0)
	if v.GreaterThan(decMax) || v.LessThan(decMin) {
		return 0, fmt.Errorf("%s overflows int64 at scale %d", d, scale)
	}
	return v.IntPart(), nil
}

// ToDecimal renders a fixed-point integer as a decimal.
func ToDecimal(v, scale int64) decimal.Decimal {
	return decimal.NewFromInt(v).Div(decimal.NewFromInt(scale))
}
