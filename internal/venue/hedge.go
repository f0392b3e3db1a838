package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	fpmath "HedgeVault/internal/math"

	"github.com/nats-io/nats.go/jetstream"
)

var ErrHedgeRequestFailed = errors.New("hedge adjust request failed")

// PositionSnapshot is the venue's view of the short hedge.
type PositionSnapshot struct {
	SizeInUnderlying     int64 `json:"size_in_underlying"`     // product units
	NetCollateralBalance int64 `json:"net_collateral_balance"` // base units, marked to market
	MarkPrice            int64 `json:"mark_price"`             // PriceScale
	AsOf                 int64 `json:"as_of"`                  // epoch micros
}

func (p PositionSnapshot) Notional() int64 {
	return fpmath.Notional(p.SizeInUnderlying, p.MarkPrice)
}

// Leverage is notional over net collateral, scaled by RateScale.
func (p PositionSnapshot) Leverage() int64 {
	return fpmath.Leverage(p.Notional(), p.NetCollateralBalance)
}

// AdjustBounds are the venue's per-request limits. Zero max means unbounded.
type AdjustBounds struct {
	MinIncreaseSize       int64 `json:"min_increase_size" yaml:"min_increase_size"`
	MaxIncreaseSize       int64 `json:"max_increase_size" yaml:"max_increase_size"`
	MinDecreaseSize       int64 `json:"min_decrease_size" yaml:"min_decrease_size"`
	MaxDecreaseSize       int64 `json:"max_decrease_size" yaml:"max_decrease_size"`
	MinIncreaseCollateral int64 `json:"min_increase_collateral" yaml:"min_increase_collateral"`
	MaxIncreaseCollateral int64 `json:"max_increase_collateral" yaml:"max_increase_collateral"`
	MinDecreaseCollateral int64 `json:"min_decrease_collateral" yaml:"min_decrease_collateral"`
	MaxDecreaseCollateral int64 `json:"max_decrease_collateral" yaml:"max_decrease_collateral"`
}

func (b AdjustBounds) Validate() error {
	pairs := []struct {
		name     string
		min, max int64
	}{
		{"increase_size", b.MinIncreaseSize, b.MaxIncreaseSize},
		{"decrease_size", b.MinDecreaseSize, b.MaxDecreaseSize},
		{"increase_collateral", b.MinIncreaseCollateral, b.MaxIncreaseCollateral},
		{"decrease_collateral", b.MinDecreaseCollateral, b.MaxDecreaseCollateral},
	}
	for _, p := range pairs {
		if p.min < 0 || p.max < 0 {
			return fmt.Errorf("%s bounds must be non-negative", p.name)
		}
		if p.max > 0 && p.min > p.max {
			return fmt.Errorf("%s min %d exceeds max %d", p.name, p.min, p.max)
		}
	}
	return nil
}

// AdjustRequest asks the venue to change the hedge. Deltas are magnitudes;
// IsIncrease gives the direction for both.
type AdjustRequest struct {
	Round           uint64 `json:"round"`
	Kind            string `json:"kind"`
	SizeDelta       int64  `json:"size_delta"`
	CollateralDelta int64  `json:"collateral_delta"`
	IsIncrease      bool   `json:"is_increase"`
}

// AdjustResult is the asynchronous confirmation of an AdjustRequest.
type AdjustResult struct {
	Round                  uint64            `json:"round"`
	SizeDelta              int64             `json:"size_delta"`
	CollateralDelta        int64             `json:"collateral_delta"`
	IsIncrease             bool              `json:"is_increase"`
	Success                bool              `json:"success"`
	ExecutionCostRecovered int64             `json:"execution_cost_recovered"`
	Position               *PositionSnapshot `json:"position,omitempty"`
	Reason                 string            `json:"reason,omitempty"`
}

// HedgeVenue is the external perpetual venue holding the short hedge.
type HedgeVenue interface {
	RequestAdjust(ctx context.Context, req AdjustRequest) error
	Snapshot() PositionSnapshot
	Bounds() AdjustBounds
}

// NATSHedgeVenue publishes adjust requests to JetStream and tracks the
// position from reports the venue agent publishes.
type NATSHedgeVenue struct {
	js     jetstream.JetStream
	prefix string
	bounds AdjustBounds

	mu       sync.RWMutex
	position PositionSnapshot
}

func NewNATSHedgeVenue(js jetstream.JetStream, prefix string, bounds AdjustBounds) *NATSHedgeVenue {
	return &NATSHedgeVenue{js: js, prefix: prefix, bounds: bounds}
}

// RequestAdjust publishes to <prefix>.hedge.requests.<round>. The round is
// also the JetStream message id so retries are deduplicated by the stream.
func (h *NATSHedgeVenue) RequestAdjust(ctx context.Context, req AdjustRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrHedgeRequestFailed, err)
	}
	subject := fmt.Sprintf("%s.hedge.requests.%d", h.prefix, req.Round)
	msgID := fmt.Sprintf("hedge-round-%d-%s", req.Round, req.Kind)
	if _, err := h.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrHedgeRequestFailed, err)
	}
	return nil
}

func (h *NATSHedgeVenue) Snapshot() PositionSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.position
}

func (h *NATSHedgeVenue) Bounds() AdjustBounds {
	return h.bounds
}

// UpdatePosition applies a position report. Older reports are ignored.
func (h *NATSHedgeVenue) UpdatePosition(p PositionSnapshot) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.AsOf < h.position.AsOf {
		return false
	}
	h.position = p
	return true
}
