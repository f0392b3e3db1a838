package math

// CostOnRaw returns the cost owed on top of a raw amount: ceil(amount * cost / RateScale).
func CostOnRaw(amount, cost int64) int64 {
	if amount <= 0 || cost <= 0 {
		return 0
	}
	return MulDiv(amount, cost, RateScale, RoundUp)
}

// CostOnTotal returns the cost portion already contained in a gross amount:
// ceil(amount * cost / (RateScale + cost)).
func CostOnTotal(amount, cost int64) int64 {
	if amount <= 0 || cost <= 0 {
		return 0
	}
	return MulDiv(amount, cost, RateScale+cost, RoundUp)
}

// ConvertToShares prices assets in shares with one virtual share and one
// virtual asset, so an empty vault mints 1:1 and donations cannot be used to
// round a depositor down to zero for free.
func ConvertToShares(assets, totalSupply, totalAssets int64, mode RoundingMode) int64 {
	return MulDiv(assets, totalSupply+1, totalAssets+1, mode)
}

// ConvertToAssets is the inverse of ConvertToShares.
func ConvertToAssets(shares, totalSupply, totalAssets int64, mode RoundingMode) int64 {
	return MulDiv(shares, totalAssets+1, totalSupply+1, mode)
}

// ConvertByPrice converts amount of an asset priced at fromPrice into an asset
// priced at toPrice. Both prices share the same quote and scale.
func ConvertByPrice(amount, fromPrice, toPrice int64, mode RoundingMode) int64 {
	if amount <= 0 {
		return 0
	}
	return MulDiv(amount, fromPrice, toPrice, mode)
}

// Notional returns size * markPrice in base units.
func Notional(size, markPrice int64) int64 {
	return MulDiv(size, markPrice, PriceScale, RoundDown)
}

// Leverage returns notional / netBalance scaled by RateScale. A non-positive
// balance against a live position reports the maximum representable leverage.
func Leverage(notional, netBalance int64) int64 {
	if notional <= 0 {
		return 0
	}
	if netBalance <= 0 {
		return maxInt64
	}
	return MulDiv(notional, RateScale, netBalance, RoundDown)
}
