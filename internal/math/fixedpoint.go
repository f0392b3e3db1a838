package math

import (
	"math/big"
	"sync"
)

const (
	// RateScale covers costs, fee rates, hurdle and leverage (5x = 500_000_000).
	RateScale  int64 = 100_000_000
	// PriceScale covers oracle prices quoted in base units per product unit.
	PriceScale int64 = 100_000_000

	SecondsPerYear int64 = 365 * 24 * 60 * 60

	maxInt64 = int64(1<<63 - 1)
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b without overflow. Return the result with putInt128.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding.
// Operands are expected to be non-negative and denominator > 0; a zero
// denominator yields 0. Quotients that do not fit int64 saturate.
func DivideInt128(numerator *big.Int, denominator *big.Int, roundingMode RoundingMode) int64 {
	if denominator.Sign() <= 0 {
		return 0
	}

	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	quotient.QuoRem(numerator, denominator, remainder)

	switch roundingMode {
	case RoundUp:
		if remainder.Sign() != 0 {
			quotient.Add(quotient, big.NewInt(1))
		}
	case RoundHalfEven:
		twice := getInt128()
		twice.Lsh(remainder, 1)
		cmp := twice.Cmp(denominator)
		putInt128(twice)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(1))
		}
	}

	if !quotient.IsInt64() {
		if quotient.Sign() < 0 {
			return 0
		}
		return maxInt64
	}
	return quotient.Int64()
}

// MulDiv computes a * b / denom with the given rounding.
func MulDiv(a, b, denom int64, mode RoundingMode) int64 {
	if denom <= 0 {
		return 0
	}
	num := MultiplyInt128(a, b)
	d := big.NewInt(denom)
	result := DivideInt128(num, d, mode)
	putInt128(num)
	return result
}

// MulDiv2 computes a * b / (c * d) with the given rounding. Used where the
// denominator is itself a product of two scaled values.
func MulDiv2(a, b, c, d int64, mode RoundingMode) int64 {
	if c <= 0 || d <= 0 {
		return 0
	}
	num := MultiplyInt128(a, b)
	den := MultiplyInt128(c, d)
	result := DivideInt128(num, den, mode)
	putInt128(num)
	putInt128(den)
	return result
}

// SatSub returns a - b, floored at zero.
func SatSub(a, b int64) int64 {
	if b >= a {
		return 0
	}
	return a - b
}

func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi]. hi <= 0 means no upper bound.
func Clamp(v, lo, hi int64) int64 {
	if v < lo {
		v = lo
	}
	if hi > 0 && v > hi {
		v = hi
	}
	return v
}
