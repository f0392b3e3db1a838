package fees

import (
	"fmt"

	fpmath "HedgeVault/internal/math"

	"github.com/google/uuid"
)

const microsPerSecond = 1_000_000

// Params are the fee schedule. Rates are annual, scaled by RateScale.
type Params struct {
	ManagementRate  int64     `json:"management_rate"`
	PerformanceRate int64     `json:"performance_rate"`
	HurdleRate      int64     `json:"hurdle_rate"`
	Recipient       uuid.UUID `json:"recipient"`
}

func (p Params) Validate() error {
	if p.ManagementRate < 0 || p.ManagementRate > fpmath.RateScale {
		return fmt.Errorf("management rate out of range: %d", p.ManagementRate)
	}
	if p.PerformanceRate < 0 || p.PerformanceRate > fpmath.RateScale {
		return fmt.Errorf("performance rate out of range: %d", p.PerformanceRate)
	}
	if p.HurdleRate < 0 {
		return fmt.Errorf("hurdle rate must be non-negative: %d", p.HurdleRate)
	}
	if (p.ManagementRate > 0 || p.PerformanceRate > 0) && p.Recipient == uuid.Nil {
		return fmt.Errorf("fee recipient required when fees are enabled")
	}
	return nil
}

// State is persisted with the vault. Timestamps are epoch micros.
type State struct {
	LastAccruedTimestamp   int64 `json:"last_accrued_timestamp"`
	LastHarvestedTimestamp int64 `json:"last_harvested_timestamp"`
	HighWaterMark          int64 `json:"high_water_mark"` // NAV per unit, RateScale
}

// Accrual applies the fee schedule against the vault's share supply.
type Accrual struct {
	Params Params
	State  State
}

func NewAccrual(params Params) *Accrual {
	return &Accrual{Params: params}
}

// AccrueManagement returns the management fee in shares for the time since
// the last accrual and advances the accrual clock. Must run before any
// supply change; the minted fee shares do not accrue on themselves.
func (a *Accrual) AccrueManagement(now, supply int64) int64 {
	last := a.State.LastAccruedTimestamp
	if last == 0 {
		a.State.LastAccruedTimestamp = now
		return 0
	}
	if now < last {
		return 0
	}
	elapsed := (now - last) / microsPerSecond
	// sub-second remainder carries into the next accrual
	a.State.LastAccruedTimestamp = last + elapsed*microsPerSecond
	return fpmath.ManagementFeeShares(supply, a.Params.ManagementRate, elapsed)
}

// HarvestPerformance charges the performance fee for the window since the
// last harvest. The first harvest only records the high-water mark. A vault
// with no supply drops its mark so the next depositor starts a fresh one.
func (a *Accrual) HarvestPerformance(now, totalAssets, supply int64) fpmath.PerformanceFee {
	last := a.State.LastHarvestedTimestamp
	if now > last {
		a.State.LastHarvestedTimestamp = now
	}

	if supply == 0 {
		a.State.HighWaterMark = 0
		return fpmath.PerformanceFee{}
	}

	nav := fpmath.NavPerUnit(totalAssets, supply)
	if a.State.HighWaterMark == 0 || last == 0 {
		a.State.HighWaterMark = nav
		return fpmath.PerformanceFee{NewHighWater: nav}
	}
	if nav <= a.State.HighWaterMark || now <= last || a.Params.PerformanceRate == 0 {
		a.State.HighWaterMark = fpmath.Max(a.State.HighWaterMark, nav)
		return fpmath.PerformanceFee{NewHighWater: a.State.HighWaterMark}
	}

	elapsed := fpmath.Max((now-last)/microsPerSecond, 1)
	out := fpmath.ComputePerformanceFee(
		nav, a.State.HighWaterMark, elapsed,
		a.Params.HurdleRate, a.Params.PerformanceRate,
		totalAssets, supply,
	)
	a.State.HighWaterMark = out.NewHighWater
	return out
}
