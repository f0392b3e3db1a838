package math

import "math/big"

// ManagementFeeShares computes the time-proportional management fee in shares:
// supply * rate * elapsed / (RateScale * year), floor-rounded.
func ManagementFeeShares(supply, annualRate, elapsedSeconds int64) int64 {
	if supply <= 0 || annualRate <= 0 || elapsedSeconds <= 0 {
		return 0
	}
	rateTime := MultiplyInt128(annualRate, elapsedSeconds)
	defer putInt128(rateTime)

	num := getInt128()
	defer putInt128(num)
	num.Mul(rateTime, big.NewInt(supply))

	den := MultiplyInt128(RateScale, SecondsPerYear)
	defer putInt128(den)

	return DivideInt128(num, den, RoundDown)
}

// NavPerUnit returns (totalAssets+1) / (supply+1) scaled by RateScale.
func NavPerUnit(totalAssets, supply int64) int64 {
	return MulDiv(totalAssets+1, RateScale, supply+1, RoundDown)
}

// PerformanceFee is the outcome of evaluating one harvest window.
type PerformanceFee struct {
	Profit         int64 // NAV-per-unit gain over the high-water mark
	AnnualizedRate int64 // RateScale
	HurdleProfit   int64 // per-unit gain the hurdle rate absorbs over the window
	FeePerUnit     int64
	FeeAssets      int64
	FeeShares      int64
	NewHighWater   int64
}

// ComputePerformanceFee evaluates the fee owed for a window of elapsedSeconds
// in which NAV per unit moved from highWater to nav. Only profit above the
// hurdle is fee-eligible and only when the annualized rate beats the hurdle.
func ComputePerformanceFee(
	nav, highWater, elapsedSeconds int64,
	hurdleRate, performanceRate int64,
	totalAssets, supply int64,
) PerformanceFee {
	out := PerformanceFee{NewHighWater: Max(highWater, nav)}
	if highWater <= 0 || nav <= highWater || elapsedSeconds <= 0 {
		return out
	}

	out.Profit = nav - highWater
	out.AnnualizedRate = MulDiv2(out.Profit, RateScale*SecondsPerYear, highWater, elapsedSeconds, RoundDown)
	if out.AnnualizedRate <= hurdleRate {
		return out
	}

	out.HurdleProfit = MulDiv2(highWater, hurdleRate*elapsedSeconds, RateScale, SecondsPerYear, RoundDown)
	excess := SatSub(out.Profit, out.HurdleProfit)
	out.FeePerUnit = MulDiv(excess, performanceRate, RateScale, RoundDown)
	out.FeeAssets = MulDiv(out.FeePerUnit, supply, RateScale, RoundDown)

	if out.FeeAssets > 0 {
		out.FeeShares = MulDiv(out.FeeAssets, supply+1, SatSub(totalAssets+1, out.FeeAssets), RoundDown)
	}
	out.NewHighWater = Max(highWater, nav-out.FeePerUnit)
	return out
}
