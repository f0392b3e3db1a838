package event

import (
	"fmt"

	"HedgeVault/internal/venue"
)

// ConfirmAdjust carries the hedge venue's answer to an adjust request.
type ConfirmAdjust struct {
	Result venue.AdjustResult `json:"result"`
	At     int64              `json:"at"`
}

func (c *ConfirmAdjust) IdempotencyKey() string {
	return fmt.Sprintf("hedge-confirm:%d:%t", c.Result.Round, c.Result.Success)
}

func (c *ConfirmAdjust) CommandType() CommandType {
	return CommandTypeConfirmAdjust
}

func (c *ConfirmAdjust) CommandTime() int64 {
	return c.At
}

// PositionReport is an unsolicited position update from the hedge venue.
type PositionReport struct {
	Position venue.PositionSnapshot `json:"position"`
}

func (p *PositionReport) IdempotencyKey() string {
	return fmt.Sprintf("hedge-position:%d", p.Position.AsOf)
}

func (p *PositionReport) CommandType() CommandType {
	return CommandTypePositionReport
}

func (p *PositionReport) CommandTime() int64 {
	return p.Position.AsOf
}
