package queue

import (
	"fmt"

	fpmath "HedgeVault/internal/math"

	"github.com/google/uuid"
)

// Lane selects which watermark pair a ticket is queued behind.
type Lane int32

const (
	LanePriority Lane = iota
	LaneNormal
)

// Lanes lists lanes in drain order.
var Lanes = [...]Lane{LanePriority, LaneNormal}

func (l Lane) String() string {
	switch l {
	case LanePriority:
		return "priority"
	case LaneNormal:
		return "normal"
	default:
		return fmt.Sprintf("lane_%d", int32(l))
	}
}

// Ticket is a queued withdrawal claim. The ticket covers the lane range
// (CumulativeRequestedAtIssuance-QueuedAmount, CumulativeRequestedAtIssuance].
type Ticket struct {
	ID       uuid.UUID `json:"id"`
	Lane     Lane      `json:"lane"`
	Owner    uuid.UUID `json:"owner"`
	Receiver uuid.UUID `json:"receiver"`

	RequestedAmount               int64 `json:"requested_amount"`
	QueuedAmount                  int64 `json:"queued_amount"`
	CumulativeRequestedAtIssuance int64 `json:"cumulative_requested_at_issuance"`

	ExecutedFromSpot  int64 `json:"executed_from_spot"`
	ExecutedFromIdle  int64 `json:"executed_from_idle"`
	ExecutedFromHedge int64 `json:"executed_from_hedge"`
	ExecutionCost     int64 `json:"execution_cost"`

	IsExecuted bool `json:"is_executed"`
	IsClaimed  bool `json:"is_claimed"`

	CreatedAt  int64 `json:"created_at"` // epoch micros
	ExecutedAt int64 `json:"executed_at,omitempty"`
	ClaimedAt  int64 `json:"claimed_at,omitempty"`
}

// ExecutedTotal is the sum of all executed components, including the idle
// portion earmarked at issuance.
func (t *Ticket) ExecutedTotal() int64 {
	return t.ExecutedFromSpot + t.ExecutedFromIdle + t.ExecutedFromHedge + t.ExecutionCost
}

// rangeStart is the lane watermark at which this ticket starts filling.
func (t *Ticket) rangeStart() int64 {
	return t.CumulativeRequestedAtIssuance - t.QueuedAmount
}

// filled is how much of the queued portion has been credited to components.
func (t *Ticket) filled() int64 {
	return fpmath.SatSub(t.ExecutedTotal(), t.RequestedAmount-t.QueuedAmount)
}

// coveredBy returns how much of the queued portion the lane watermark covers.
func (t *Ticket) coveredBy(processed int64) int64 {
	return fpmath.Clamp(processed-t.rangeStart(), 0, t.QueuedAmount)
}

// Remaining returns the queued amount not yet covered by processed.
func (t *Ticket) Remaining(processed int64) int64 {
	return fpmath.SatSub(t.QueuedAmount, t.coveredBy(processed))
}

func (t *Ticket) add(c Components) {
	t.ExecutedFromSpot += c.Spot
	t.ExecutedFromIdle += c.Idle
	t.ExecutedFromHedge += c.Hedge
	t.ExecutionCost += c.Cost
}
