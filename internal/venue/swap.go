package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"HedgeVault/internal/ledger"

	"github.com/nats-io/nats.go"
)

var ErrSwapFailed = errors.New("swap failed")

// Swapper exchanges one vault asset for the other.
type Swapper interface {
	Swap(ctx context.Context, amountIn int64, assetIn, assetOut ledger.AssetID) (int64, error)
}

// SwapRequest is the wire format sent to the swap agent.
type SwapRequest struct {
	RequestID string `json:"request_id"`
	AmountIn  int64  `json:"amount_in"`
	AssetIn   string `json:"asset_in"`
	AssetOut  string `json:"asset_out"`
}

// SwapReply is the swap agent's answer.
type SwapReply struct {
	RequestID string `json:"request_id"`
	AmountOut int64  `json:"amount_out"`
	Error     string `json:"error,omitempty"`
}

// NATSSwapper routes swaps to an external aggregator agent over NATS
// request/reply on <prefix>.swap.execute.
type NATSSwapper struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	nextID  func() string
}

func NewNATSSwapper(nc *nats.Conn, prefix string, timeout time.Duration, nextID func() string) *NATSSwapper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSSwapper{
		nc:      nc,
		subject: fmt.Sprintf("%s.swap.execute", prefix),
		timeout: timeout,
		nextID:  nextID,
	}
}

func (s *NATSSwapper) Swap(ctx context.Context, amountIn int64, assetIn, assetOut ledger.AssetID) (int64, error) {
	if amountIn <= 0 {
		return 0, fmt.Errorf("%w: non-positive amount %d", ErrSwapFailed, amountIn)
	}
	in, ok := ledger.GetAssetName(assetIn)
	if !ok {
		return 0, fmt.Errorf("%w: unknown asset %d", ErrSwapFailed, assetIn)
	}
	out, ok := ledger.GetAssetName(assetOut)
	if !ok {
		return 0, fmt.Errorf("%w: unknown asset %d", ErrSwapFailed, assetOut)
	}

	req := SwapRequest{RequestID: s.nextID(), AmountIn: amountIn, AssetIn: in, AssetOut: out}
	data, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshal swap request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.nc.RequestWithContext(ctx, s.subject, data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}

	var reply SwapReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return 0, fmt.Errorf("%w: bad reply: %v", ErrSwapFailed, err)
	}
	if reply.Error != "" {
		return 0, fmt.Errorf("%w: %s", ErrSwapFailed, reply.Error)
	}
	if reply.RequestID != req.RequestID {
		return 0, fmt.Errorf("%w: reply for %s, expected %s", ErrSwapFailed, reply.RequestID, req.RequestID)
	}
	if reply.AmountOut <= 0 {
		return 0, fmt.Errorf("%w: zero output", ErrSwapFailed)
	}
	return reply.AmountOut, nil
}
