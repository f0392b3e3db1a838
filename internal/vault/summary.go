package vault

import (
	"HedgeVault/internal/allocation"
	"HedgeVault/internal/ledger"
	fpmath "HedgeVault/internal/math"
	"HedgeVault/internal/queue"
	"HedgeVault/internal/venue"

	"github.com/google/uuid"
)

// Summary is the vault's headline numbers after a command.
type Summary struct {
	Sequence    int64 `json:"sequence"`
	TotalAssets int64 `json:"total_assets"`
	TotalSupply int64 `json:"total_supply"`

	Idle            int64 `json:"idle"`
	Claimable       int64 `json:"claimable"`
	InTransit       int64 `json:"in_transit"`
	Spot            int64 `json:"spot"`
	SpotValue       int64 `json:"spot_value"`
	HedgeCollateral int64 `json:"hedge_collateral"`

	Priority     queue.LaneState `json:"priority"`
	Normal       queue.LaneState `json:"normal"`
	TotalPending int64           `json:"total_pending"`

	Status                    allocation.Status      `json:"status"`
	Round                     uint64                 `json:"round"`
	PendingUtilization        int64                  `json:"pending_utilization"`
	PendingDeutilization      int64                  `json:"pending_deutilization"`
	PendingIncreaseCollateral int64                  `json:"pending_increase_collateral"`
	PendingDecreaseCollateral int64                  `json:"pending_decrease_collateral"`
	Position                  venue.PositionSnapshot `json:"position"`
	Leverage                  int64                  `json:"leverage"`

	HighWaterMark int64 `json:"high_water_mark"`

	// PricesStale is set when the oracle could not price the spot holding;
	// TotalAssets and SpotValue then leave the spot out.
	PricesStale bool `json:"prices_stale"`
}

func summarize(b *book, env *allocation.Env) Summary {
	s := Summary{
		Sequence:        b.sequence,
		TotalSupply:     b.shares.TotalSupply(),
		Idle:            b.balances.GetBalance(ledger.IdleAccount),
		Claimable:       b.balances.GetBalance(ledger.ClaimableAccount),
		InTransit:       b.balances.GetBalance(ledger.InTransitAccount),
		Spot:            b.balances.GetBalance(ledger.SpotAccount),
		HedgeCollateral: b.balances.GetBalance(ledger.HedgeCollateralAccount),
		Priority:        b.queue.Lane(queue.LanePriority),
		Normal:          b.queue.Lane(queue.LaneNormal),
		TotalPending:    b.queue.TotalPending(),

		Status:                    b.alloc.State.Status,
		Round:                     b.alloc.State.Round,
		PendingUtilization:        b.alloc.State.PendingUtilization,
		PendingDeutilization:      b.alloc.State.PendingDeutilization,
		PendingIncreaseCollateral: b.alloc.State.PendingIncreaseCollateral,
		PendingDecreaseCollateral: b.alloc.State.PendingDecreaseCollateral,
		Position:                  b.alloc.State.Position,
		Leverage:                  b.alloc.State.Position.Leverage(),
		HighWaterMark:             b.fees.State.HighWaterMark,
	}
	// ticket ids are noise in a summary
	s.Priority.Tickets = nil
	s.Normal.Tickets = nil

	spotValue, err := allocation.SpotValue(env)
	if err != nil {
		s.PricesStale = true
		spotValue = 0
	}
	s.SpotValue = spotValue
	s.TotalAssets = fpmath.SatSub(s.Idle+spotValue+s.HedgeCollateral+s.InTransit, s.TotalPending)
	return s
}

func (v *Vault) pin(now int64) *venue.Pinned {
	return venue.Pin(v.deps.Prices, now)
}

// Summary reports the live state priced at now.
func (v *Vault) Summary(now int64) Summary {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return summarize(v.book, newEnv(Call{Now: now}, v.book, nil, v.pin(now), v.deps))
}

// Ticket returns a copy of a withdraw ticket synced as of now.
func (v *Vault) Ticket(id uuid.UUID, now int64) (queue.Ticket, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	q := v.book.queue.Clone()
	t, ok := q.Ticket(id)
	if !ok {
		return queue.Ticket{}, false
	}
	q.Sync(t, now)
	return *t, true
}

// Tickets returns synced copies of the tickets owned by or payable to owner.
func (v *Vault) Tickets(owner uuid.UUID, includeClaimed bool, now int64) []queue.Ticket {
	v.mu.RLock()
	defer v.mu.RUnlock()

	q := v.book.queue.Clone()
	out := q.List(&owner, includeClaimed)
	for i := range out {
		t, _ := q.Ticket(out[i].ID)
		q.Sync(t, now)
		out[i] = *t
	}
	return out
}

// SharesOf returns owner's share balance.
func (v *Vault) SharesOf(owner uuid.UUID) int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.book.shares.BalanceOf(owner)
}

// Balances returns every non-zero pool and boundary balance.
func (v *Vault) Balances() []ledger.BalanceEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.book.balances.Entries()
}

// Allocation returns a copy of the allocation controller's state.
func (v *Vault) Allocation() allocation.State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.book.alloc.Clone().State
}
