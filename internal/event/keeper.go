package event

import (
	"github.com/google/uuid"
)

// Settle drains idle capital into the queue watermarks.
type Settle struct {
	RequestID string `json:"request_id"`
	At        int64  `json:"at"`
}

func (s *Settle) IdempotencyKey() string   { return s.RequestID }
func (s *Settle) CommandType() CommandType { return CommandTypeSettle }
func (s *Settle) CommandTime() int64       { return s.At }

// Utilize deploys up to Amount of idle capital.
type Utilize struct {
	RequestID string `json:"request_id"`
	Amount    int64  `json:"amount"`
	At        int64  `json:"at"`
}

func (u *Utilize) IdempotencyKey() string   { return u.RequestID }
func (u *Utilize) CommandType() CommandType { return CommandTypeUtilize }
func (u *Utilize) CommandTime() int64       { return u.At }

// Deutilize unwinds up to Amount of spot toward pending withdrawals.
type Deutilize struct {
	RequestID string `json:"request_id"`
	Amount    int64  `json:"amount"`
	At        int64  `json:"at"`
}

func (d *Deutilize) IdempotencyKey() string   { return d.RequestID }
func (d *Deutilize) CommandType() CommandType { return CommandTypeDeutilize }
func (d *Deutilize) CommandTime() int64       { return d.At }

// DecreaseCollateral pulls collateral back once no spot is left to sell.
type DecreaseCollateral struct {
	RequestID string `json:"request_id"`
	At        int64  `json:"at"`
}

func (d *DecreaseCollateral) IdempotencyKey() string   { return d.RequestID }
func (d *DecreaseCollateral) CommandType() CommandType { return CommandTypeDecreaseCollateral }
func (d *DecreaseCollateral) CommandTime() int64       { return d.At }

// Upkeep is the keeper tick: stale-request handling, settlement, leverage
// rebalancing and, when enabled, automatic allocation.
type Upkeep struct {
	RequestID string `json:"request_id"`
	At        int64  `json:"at"`
}

func (u *Upkeep) IdempotencyKey() string   { return u.RequestID }
func (u *Upkeep) CommandType() CommandType { return CommandTypeUpkeep }
func (u *Upkeep) CommandTime() int64       { return u.At }

// HarvestFees accrues the management fee and harvests the performance fee.
type HarvestFees struct {
	RequestID string `json:"request_id"`
	At        int64  `json:"at"`
}

func (h *HarvestFees) IdempotencyKey() string   { return h.RequestID }
func (h *HarvestFees) CommandType() CommandType { return CommandTypeHarvestFees }
func (h *HarvestFees) CommandTime() int64       { return h.At }

// ForceReset abandons the in-flight hedge request. Operator only.
type ForceReset struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
	At        int64  `json:"at"`
}

func (f *ForceReset) IdempotencyKey() string   { return f.RequestID }
func (f *ForceReset) CommandType() CommandType { return CommandTypeForceReset }
func (f *ForceReset) CommandTime() int64       { return f.At }

// SetPriorityAccount routes an owner's future tickets to the priority lane.
type SetPriorityAccount struct {
	RequestID string    `json:"request_id"`
	Account   uuid.UUID `json:"account"`
	Enabled   bool      `json:"enabled"`
	At        int64     `json:"at"`
}

func (s *SetPriorityAccount) IdempotencyKey() string   { return s.RequestID }
func (s *SetPriorityAccount) CommandType() CommandType { return CommandTypeSetPriorityAccount }
func (s *SetPriorityAccount) CommandTime() int64       { return s.At }
