package allocation

import (
	"fmt"

	fpmath "HedgeVault/internal/math"
	"HedgeVault/internal/venue"
)

// ClampPolicy decides what an emergency decrease does when the computed size
// falls below the venue's minimum decrease size.
type ClampPolicy string

const (
	// ClampToZero drops the decrease entirely and only flags it.
	ClampToZero ClampPolicy = "clamp_to_zero"
	// RoundUpToMin decreases by the venue minimum (or the whole position if smaller).
	RoundUpToMin ClampPolicy = "round_up_to_min"
)

func ParseClampPolicy(s string) (ClampPolicy, error) {
	switch ClampPolicy(s) {
	case ClampToZero, RoundUpToMin:
		return ClampPolicy(s), nil
	case "":
		return RoundUpToMin, nil
	}
	return "", fmt.Errorf("unknown emergency clamp policy %q", s)
}

// LeverageParams bound the hedge leverage. All values are scaled by RateScale.
type LeverageParams struct {
	MinLeverage        int64       `json:"min_leverage"`
	TargetLeverage     int64       `json:"target_leverage"`
	MaxLeverage        int64       `json:"max_leverage"`
	SafeMarginLeverage int64       `json:"safe_margin_leverage"`
	ClampPolicy        ClampPolicy `json:"emergency_clamp_policy"`
}

// ValidateLeverageParams requires 0 < min <= target <= max < safe.
func ValidateLeverageParams(p LeverageParams) error {
	if p.MinLeverage <= 0 {
		return fmt.Errorf("min leverage must be positive: %d", p.MinLeverage)
	}
	if p.MinLeverage > p.TargetLeverage {
		return fmt.Errorf("min leverage %d exceeds target %d", p.MinLeverage, p.TargetLeverage)
	}
	if p.TargetLeverage > p.MaxLeverage {
		return fmt.Errorf("target leverage %d exceeds max %d", p.TargetLeverage, p.MaxLeverage)
	}
	if p.MaxLeverage >= p.SafeMarginLeverage {
		return fmt.Errorf("max leverage %d must be below safe margin leverage %d", p.MaxLeverage, p.SafeMarginLeverage)
	}
	if _, err := ParseClampPolicy(string(p.ClampPolicy)); err != nil {
		return err
	}
	return nil
}

// Action is what the rebalancer wants the controller to do.
type Action int32

const (
	ActionNone Action = iota
	ActionEmergencyDecrease
	ActionIncreaseCollateral
	ActionDeleverage
	ActionDecreaseCollateral
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionEmergencyDecrease:
		return "emergency_decrease"
	case ActionIncreaseCollateral:
		return "increase_collateral"
	case ActionDeleverage:
		return "deleverage"
	case ActionDecreaseCollateral:
		return "decrease_collateral"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one leverage check.
type Decision struct {
	Action          Action `json:"action"`
	SizeDelta       int64  `json:"size_delta"`
	CollateralDelta int64  `json:"collateral_delta"`
	Leverage        int64  `json:"leverage"`
	ClampedToZero   bool   `json:"clamped_to_zero"`
}

// CheckNeedsRebalance compares the position's leverage against params.
// idle is the capital available to fund a collateral increase.
func CheckNeedsRebalance(pos venue.PositionSnapshot, p LeverageParams, b venue.AdjustBounds, idle int64) Decision {
	if pos.SizeInUnderlying <= 0 {
		return Decision{}
	}

	notional := pos.Notional()
	lev := fpmath.Leverage(notional, pos.NetCollateralBalance)
	d := Decision{Leverage: lev}

	switch {
	case lev > p.SafeMarginLeverage:
		size := fpmath.MulDiv(pos.SizeInUnderlying, lev-p.MaxLeverage, lev, fpmath.RoundDown)
		size = capSize(size, b.MaxDecreaseSize, pos.SizeInUnderlying)
		if size < b.MinDecreaseSize {
			if p.ClampPolicy == ClampToZero {
				d.ClampedToZero = true
				return d
			}
			size = fpmath.Min(b.MinDecreaseSize, pos.SizeInUnderlying)
		}
		if size <= 0 {
			return d
		}
		d.Action = ActionEmergencyDecrease
		d.SizeDelta = size

	case lev > p.MaxLeverage:
		needed := fpmath.MulDiv(notional, fpmath.RateScale, p.TargetLeverage, fpmath.RoundUp)
		delta := fpmath.SatSub(needed, fpmath.Max(pos.NetCollateralBalance, 0))
		delta = fpmath.Max(delta, b.MinIncreaseCollateral)
		if b.MaxIncreaseCollateral > 0 {
			delta = fpmath.Min(delta, b.MaxIncreaseCollateral)
		}
		if idle >= delta {
			d.Action = ActionIncreaseCollateral
			d.CollateralDelta = delta
			return d
		}
		size := fpmath.MulDiv(pos.SizeInUnderlying, lev-p.TargetLeverage, lev, fpmath.RoundUp)
		size = fpmath.Max(size, b.MinDecreaseSize)
		size = capSize(size, b.MaxDecreaseSize, pos.SizeInUnderlying)
		if size <= 0 {
			return d
		}
		d.Action = ActionDeleverage
		d.SizeDelta = size

	case lev < p.MinLeverage:
		needed := fpmath.MulDiv(notional, fpmath.RateScale, p.TargetLeverage, fpmath.RoundUp)
		delta := fpmath.SatSub(pos.NetCollateralBalance, needed)
		if b.MaxDecreaseCollateral > 0 {
			delta = fpmath.Min(delta, b.MaxDecreaseCollateral)
		}
		if delta <= 0 || delta < b.MinDecreaseCollateral {
			return d
		}
		d.Action = ActionDecreaseCollateral
		d.CollateralDelta = delta
	}

	return d
}

func capSize(size, max, position int64) int64 {
	if max > 0 {
		size = fpmath.Min(size, max)
	}
	return fpmath.Min(size, position)
}
