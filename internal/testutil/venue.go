package testutil

import (
	"context"
	"fmt"
	"sync"

	"HedgeVault/internal/ledger"
	fpmath "HedgeVault/internal/math"
	"HedgeVault/internal/venue"
)

// FakeOracle is a settable price source. It satisfies both venue.Oracle and
// venue.PriceSource.
type FakeOracle struct {
	mu     sync.Mutex
	prices map[ledger.AssetID]int64
	Err    error
}

// NewFakeOracle prices the product at price (PriceScale).
func NewFakeOracle(price int64) *FakeOracle {
	return &FakeOracle{prices: map[ledger.AssetID]int64{ledger.AssetProduct: price}}
}

func (o *FakeOracle) SetPrice(asset ledger.AssetID, price int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = price
}

func (o *FakeOracle) PriceOf(asset ledger.AssetID) (int64, error) {
	if asset == ledger.AssetBase {
		return fpmath.PriceScale, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return 0, o.Err
	}
	p, ok := o.prices[asset]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("%w: asset %d", venue.ErrOracleInvalidPrice, asset)
	}
	return p, nil
}

func (o *FakeOracle) PriceAt(asset ledger.AssetID, _ int64) (int64, error) {
	return o.PriceOf(asset)
}

// SwapCall records one swap executed by FakeSwapper.
type SwapCall struct {
	AmountIn  int64
	AssetIn   ledger.AssetID
	AssetOut  ledger.AssetID
	AmountOut int64
}

// FakeSwapper fills swaps at the oracle price minus a fee in rate units.
type FakeSwapper struct {
	Oracle  venue.Oracle
	FeeRate int64

	// FailNext makes the next N swaps fail.
	FailNext int

	Calls []SwapCall
}

func NewFakeSwapper(oracle venue.Oracle) *FakeSwapper {
	return &FakeSwapper{Oracle: oracle}
}

func (s *FakeSwapper) Swap(_ context.Context, amountIn int64, assetIn, assetOut ledger.AssetID) (int64, error) {
	if s.FailNext > 0 {
		s.FailNext--
		return 0, fmt.Errorf("%w: injected failure", venue.ErrSwapFailed)
	}
	out, err := venue.Convert(s.Oracle, assetIn, assetOut, amountIn, fpmath.RoundDown)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", venue.ErrSwapFailed, err)
	}
	out -= fpmath.CostOnRaw(out, s.FeeRate)
	s.Calls = append(s.Calls, SwapCall{AmountIn: amountIn, AssetIn: assetIn, AssetOut: assetOut, AmountOut: out})
	return out, nil
}

// FakeHedge is an in-memory perpetual venue. Requests are recorded and only
// change the position once confirmed through Result.
type FakeHedge struct {
	Oracle       venue.Oracle
	AdjustBounds venue.AdjustBounds

	// FailRequests makes RequestAdjust return an error.
	FailRequests bool

	Requests []venue.AdjustRequest
	Position venue.PositionSnapshot
}

func NewFakeHedge(oracle venue.Oracle) *FakeHedge {
	return &FakeHedge{Oracle: oracle}
}

func (h *FakeHedge) RequestAdjust(_ context.Context, req venue.AdjustRequest) error {
	if h.FailRequests {
		return fmt.Errorf("%w: venue unavailable", venue.ErrHedgeRequestFailed)
	}
	h.Requests = append(h.Requests, req)
	return nil
}

func (h *FakeHedge) Snapshot() venue.PositionSnapshot {
	return h.Position
}

func (h *FakeHedge) Bounds() venue.AdjustBounds {
	return h.AdjustBounds
}

// Last returns the most recent request.
func (h *FakeHedge) Last() venue.AdjustRequest {
	if len(h.Requests) == 0 {
		return venue.AdjustRequest{}
	}
	return h.Requests[len(h.Requests)-1]
}

// Result builds the venue's answer to the most recent request. A successful
// result applies the deltas to the fake's position and reports it.
func (h *FakeHedge) Result(success bool, cost, now int64) venue.AdjustResult {
	req := h.Last()
	res := venue.AdjustResult{
		Round:                  req.Round,
		SizeDelta:              req.SizeDelta,
		CollateralDelta:        req.CollateralDelta,
		IsIncrease:             req.IsIncrease,
		Success:                success,
		ExecutionCostRecovered: cost,
	}
	if !success {
		res.Reason = "rejected"
		return res
	}

	pos := h.Position
	if req.IsIncrease {
		pos.SizeInUnderlying += req.SizeDelta
		pos.NetCollateralBalance += req.CollateralDelta
	} else {
		pos.SizeInUnderlying = fpmath.SatSub(pos.SizeInUnderlying, req.SizeDelta)
		pos.NetCollateralBalance = fpmath.SatSub(pos.NetCollateralBalance, req.CollateralDelta)
	}
	if h.Oracle != nil {
		if price, err := h.Oracle.PriceOf(ledger.AssetProduct); err == nil {
			pos.MarkPrice = price
		}
	}
	pos.AsOf = now
	h.Position = pos
	res.Position = &pos
	return res
}
