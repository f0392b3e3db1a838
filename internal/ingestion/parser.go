package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	"HedgeVault/internal/event"
	"HedgeVault/internal/ledger"
	fpmath "HedgeVault/internal/math"
	"HedgeVault/internal/venue"

	"github.com/google/uuid"
)

// ErrMalformed marks a message that can never be processed.
var ErrMalformed = errors.New("malformed message")

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Amounts are
// integers in base units; prices are decimal strings.

type userCommandJSON struct {
	RequestID   string `json:"request_id"`
	Caller      string `json:"caller"`
	Owner       string `json:"owner"`
	Receiver    string `json:"receiver"`
	TicketID    string `json:"ticket_id"`
	Assets      int64  `json:"assets"`
	Shares      int64  `json:"shares"`
	Amount      int64  `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

type positionJSON struct {
	Size          int64  `json:"size"`
	NetCollateral int64  `json:"net_collateral"`
	MarkPrice     string `json:"mark_price"`
	AsOfUs        int64  `json:"as_of_us"`
}

type confirmationJSON struct {
	Round           uint64        `json:"round"`
	SizeDelta       int64         `json:"size_delta"`
	CollateralDelta int64         `json:"collateral_delta"`
	IsIncrease      bool          `json:"is_increase"`
	Success         bool          `json:"success"`
	CostRecovered   int64         `json:"execution_cost_recovered"`
	Position        *positionJSON `json:"position,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	TimestampUs     int64         `json:"timestamp_us"`
}

type priceJSON struct {
	Asset       string `json:"asset"`
	Price       string `json:"price"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseCommand decodes a user command message.
func ParseCommand(kind string, data []byte) (event.Command, error) {
	var j userCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformed, kind, err)
	}
	if j.RequestID == "" {
		return nil, fmt.Errorf("%w: %s without request_id", ErrMalformed, kind)
	}
	if j.TimestampUs <= 0 {
		return nil, fmt.Errorf("%w: %s without timestamp_us", ErrMalformed, kind)
	}

	switch kind {
	case KindDeposit, KindMint:
		caller, err := parseID("caller", j.Caller)
		if err != nil {
			return nil, err
		}
		receiver, err := parseReceiver(j.Receiver, caller)
		if err != nil {
			return nil, err
		}
		if kind == KindDeposit {
			return &event.Deposit{RequestID: j.RequestID, Caller: caller, Receiver: receiver, Assets: j.Assets, At: j.TimestampUs}, nil
		}
		return &event.Mint{RequestID: j.RequestID, Caller: caller, Receiver: receiver, Shares: j.Shares, At: j.TimestampUs}, nil

	case KindWithdraw, KindRedeem:
		owner, err := parseID("owner", j.Owner)
		if err != nil {
			return nil, err
		}
		receiver, err := parseReceiver(j.Receiver, owner)
		if err != nil {
			return nil, err
		}
		if kind == KindWithdraw {
			return &event.Withdraw{RequestID: j.RequestID, Owner: owner, Receiver: receiver, Assets: j.Assets, At: j.TimestampUs}, nil
		}
		return &event.Redeem{RequestID: j.RequestID, Owner: owner, Receiver: receiver, Shares: j.Shares, At: j.TimestampUs}, nil

	case KindClaim:
		ticket, err := parseID("ticket_id", j.TicketID)
		if err != nil {
			return nil, err
		}
		caller, err := parseID("caller", j.Caller)
		if err != nil {
			return nil, err
		}
		return &event.Claim{RequestID: j.RequestID, TicketID: ticket, Caller: caller, At: j.TimestampUs}, nil

	case KindDonate:
		return &event.Donate{RequestID: j.RequestID, Amount: j.Amount, At: j.TimestampUs}, nil
	}
	return nil, fmt.Errorf("%w: unknown command kind %q", ErrMalformed, kind)
}

// ParseConfirmation decodes the hedge venue's answer to an adjust request.
func ParseConfirmation(data []byte) (*event.ConfirmAdjust, error) {
	var j confirmationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse confirmation: %v", ErrMalformed, err)
	}
	if j.Round == 0 {
		return nil, fmt.Errorf("%w: confirmation without round", ErrMalformed)
	}

	res := venue.AdjustResult{
		Round:                  j.Round,
		SizeDelta:              j.SizeDelta,
		CollateralDelta:        j.CollateralDelta,
		IsIncrease:             j.IsIncrease,
		Success:                j.Success,
		ExecutionCostRecovered: j.CostRecovered,
		Reason:                 j.Reason,
	}
	if j.Position != nil {
		p, err := j.Position.snapshot()
		if err != nil {
			return nil, err
		}
		res.Position = &p
	}
	return &event.ConfirmAdjust{Result: res, At: j.TimestampUs}, nil
}

// ParsePosition decodes a position report.
func ParsePosition(data []byte) (venue.PositionSnapshot, error) {
	var j positionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return venue.PositionSnapshot{}, fmt.Errorf("%w: parse position: %v", ErrMalformed, err)
	}
	return j.snapshot()
}

func (j positionJSON) snapshot() (venue.PositionSnapshot, error) {
	if j.AsOfUs <= 0 {
		return venue.PositionSnapshot{}, fmt.Errorf("%w: position without as_of_us", ErrMalformed)
	}
	mark, err := fpmath.ParseScaled(j.MarkPrice, fpmath.PriceScale)
	if err != nil {
		return venue.PositionSnapshot{}, fmt.Errorf("%w: mark_price: %v", ErrMalformed, err)
	}
	return venue.PositionSnapshot{
		SizeInUnderlying:     j.Size,
		NetCollateralBalance: j.NetCollateral,
		MarkPrice:            mark,
		AsOf:                 j.AsOfUs,
	}, nil
}

// ParsePrice decodes a price feed update.
func ParsePrice(data []byte) (venue.PriceUpdate, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return venue.PriceUpdate{}, fmt.Errorf("%w: parse price: %v", ErrMalformed, err)
	}
	asset, ok := ledger.GetAssetID(j.Asset)
	if !ok {
		return venue.PriceUpdate{}, fmt.Errorf("%w: unknown asset %q", ErrMalformed, j.Asset)
	}
	price, err := fpmath.ParseScaled(j.Price, fpmath.PriceScale)
	if err != nil {
		return venue.PriceUpdate{}, fmt.Errorf("%w: price: %v", ErrMalformed, err)
	}
	return venue.PriceUpdate{Asset: asset, Price: price, Sequence: j.Sequence, Timestamp: j.TimestampUs}, nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: parse %s: %v", ErrMalformed, field, err)
	}
	return id, nil
}

// parseReceiver defaults an empty receiver to fallback.
func parseReceiver(s string, fallback uuid.UUID) (uuid.UUID, error) {
	if s == "" {
		return fallback, nil
	}
	return parseID("receiver", s)
}
