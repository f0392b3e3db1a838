package core

import (
	"context"
	"fmt"
	"sync"

	"HedgeVault/internal/ledger"
	"HedgeVault/internal/venue"
)

// Tape holds what the venues answered while one command ran. It is stored
// next to the command in the log so that replay reproduces the command
// without calling out again.
type Tape struct {
	Prices    map[string]int64         `json:"prices,omitempty"`
	Swaps     []SwapRecord             `json:"swaps,omitempty"`
	Adjusts   []string                 `json:"adjusts,omitempty"` // error text, "" on success
	Positions []venue.PositionSnapshot `json:"positions,omitempty"`
}

type SwapRecord struct {
	AmountOut int64  `json:"amount_out"`
	Err       string `json:"err,omitempty"`
}

// Empty reports whether nothing was recorded.
func (t *Tape) Empty() bool {
	return t == nil || (len(t.Prices) == 0 && len(t.Swaps) == 0 && len(t.Adjusts) == 0 && len(t.Positions) == 0)
}

// Recorder sits between the vault and the live venues. While a command runs
// it records swap, adjust and position answers; while a tape is loaded for
// replay it answers from the tape and never touches the live venues.
//
// Prices are not recorded here: the vault pins every price a command reads
// and returns them on the receipt.
type Recorder struct {
	prices  venue.PriceSource
	swapper venue.Swapper
	hedge   venue.HedgeVenue

	mu        sync.Mutex
	recording *Tape
	replaying *Tape
	swapIdx   int
	adjIdx    int
	posIdx    int
}

func NewRecorder(prices venue.PriceSource, swapper venue.Swapper, hedge venue.HedgeVenue) *Recorder {
	return &Recorder{prices: prices, swapper: swapper, hedge: hedge}
}

// record starts a fresh tape for a live command.
func (r *Recorder) record() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = &Tape{}
	r.replaying = nil
}

// replay loads a tape; the venues answer from it until stop.
func (r *Recorder) replay(t *Tape) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t == nil {
		t = &Tape{}
	}
	r.recording = nil
	r.replaying = t
	r.swapIdx, r.adjIdx, r.posIdx = 0, 0, 0
}

// stop ends recording or replay and returns the recorded tape, if any.
func (r *Recorder) stop() *Tape {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.recording
	r.recording = nil
	r.replaying = nil
	return t
}

func (r *Recorder) PriceAt(asset ledger.AssetID, now int64) (int64, error) {
	r.mu.Lock()
	tape := r.replaying
	r.mu.Unlock()

	if tape == nil {
		return r.prices.PriceAt(asset, now)
	}
	if asset == ledger.AssetBase {
		return r.prices.PriceAt(asset, now)
	}
	name, _ := ledger.GetAssetName(asset)
	price, ok := tape.Prices[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s not on tape", venue.ErrPriceStale, name)
	}
	return price, nil
}

func (r *Recorder) Swap(ctx context.Context, amountIn int64, assetIn, assetOut ledger.AssetID) (int64, error) {
	r.mu.Lock()
	if tape := r.replaying; tape != nil {
		defer r.mu.Unlock()
		if r.swapIdx >= len(tape.Swaps) {
			return 0, fmt.Errorf("%w: swap %d not on tape", venue.ErrSwapFailed, r.swapIdx)
		}
		rec := tape.Swaps[r.swapIdx]
		r.swapIdx++
		if rec.Err != "" {
			return 0, fmt.Errorf("%w: %s", venue.ErrSwapFailed, rec.Err)
		}
		return rec.AmountOut, nil
	}
	r.mu.Unlock()

	out, err := r.swapper.Swap(ctx, amountIn, assetIn, assetOut)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording != nil {
		rec := SwapRecord{AmountOut: out}
		if err != nil {
			rec.Err = err.Error()
		}
		r.recording.Swaps = append(r.recording.Swaps, rec)
	}
	return out, err
}

func (r *Recorder) RequestAdjust(ctx context.Context, req venue.AdjustRequest) error {
	r.mu.Lock()
	if tape := r.replaying; tape != nil {
		defer r.mu.Unlock()
		if r.adjIdx >= len(tape.Adjusts) {
			return fmt.Errorf("%w: adjust %d not on tape", venue.ErrHedgeRequestFailed, r.adjIdx)
		}
		msg := tape.Adjusts[r.adjIdx]
		r.adjIdx++
		if msg != "" {
			return fmt.Errorf("%w: %s", venue.ErrHedgeRequestFailed, msg)
		}
		return nil
	}
	r.mu.Unlock()

	err := r.hedge.RequestAdjust(ctx, req)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording != nil {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		r.recording.Adjusts = append(r.recording.Adjusts, msg)
	}
	return err
}

func (r *Recorder) Snapshot() venue.PositionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tape := r.replaying; tape != nil {
		if r.posIdx >= len(tape.Positions) {
			return venue.PositionSnapshot{}
		}
		p := tape.Positions[r.posIdx]
		r.posIdx++
		return p
	}

	p := r.hedge.Snapshot()
	if r.recording != nil {
		r.recording.Positions = append(r.recording.Positions, p)
	}
	return p
}

// Bounds are configuration, identical live and on replay.
func (r *Recorder) Bounds() venue.AdjustBounds {
	return r.hedge.Bounds()
}
