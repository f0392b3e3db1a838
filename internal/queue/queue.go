package queue

import (
	"errors"
	"fmt"
	"sort"

	fpmath "HedgeVault/internal/math"

	"github.com/google/uuid"
)

var (
	ErrUnknownTicket       = errors.New("unknown withdraw ticket")
	ErrUnauthorizedClaimer = errors.New("caller is not the ticket receiver")
	ErrAlreadyClaimed      = errors.New("ticket already claimed")
	ErrNotExecuted         = errors.New("withdraw request not executed")
)

// compactThreshold bounds how many retired ids a lane keeps before its
// ticket list is trimmed.
const compactThreshold = 1024

// LaneState is one watermark pair plus the FIFO of ticket ids behind it.
type LaneState struct {
	CumulativeRequested int64       `json:"cumulative_requested"`
	CumulativeProcessed int64       `json:"cumulative_processed"`
	Tickets             []uuid.UUID `json:"tickets"`
	Head                int         `json:"head"`
}

// Unmet is requested minus processed.
func (l *LaneState) Unmet() int64 {
	return fpmath.SatSub(l.CumulativeRequested, l.CumulativeProcessed)
}

// Queue holds both withdrawal lanes and every ticket not yet pruned.
type Queue struct {
	lanes   [2]LaneState
	tickets map[uuid.UUID]*Ticket
}

func New() *Queue {
	return &Queue{tickets: make(map[uuid.UUID]*Ticket)}
}

func (q *Queue) Lane(l Lane) LaneState {
	return q.lanes[l]
}

// TotalPending sums unmet requests across lanes.
func (q *Queue) TotalPending() int64 {
	var total int64
	for i := range q.lanes {
		total += q.lanes[i].Unmet()
	}
	return total
}

// Enqueue mints a ticket for requested, of which idleUsed was already
// earmarked as claimable. The lane watermark advances by the unmet portion.
func (q *Queue) Enqueue(id uuid.UUID, lane Lane, owner, receiver uuid.UUID, requested, idleUsed, now int64) (*Ticket, error) {
	if _, exists := q.tickets[id]; exists {
		return nil, fmt.Errorf("ticket %s already exists", id)
	}
	if requested <= 0 || idleUsed < 0 || idleUsed >= requested {
		return nil, fmt.Errorf("invalid ticket amounts: requested=%d idle_used=%d", requested, idleUsed)
	}

	ls := &q.lanes[lane]
	unmet := requested - idleUsed
	ls.CumulativeRequested += unmet

	t := &Ticket{
		ID:                            id,
		Lane:                          lane,
		Owner:                         owner,
		Receiver:                      receiver,
		RequestedAmount:               requested,
		QueuedAmount:                  unmet,
		CumulativeRequestedAtIssuance: ls.CumulativeRequested,
		ExecutedFromIdle:              idleUsed,
		CreatedAt:                     now,
	}
	q.tickets[id] = t
	ls.Tickets = append(ls.Tickets, id)
	return t, nil
}

// Settle advances each lane's processed watermark by min(idle, unmet),
// priority first, and returns how much idle it consumed per lane. It does
// not walk tickets; they are synced lazily.
func (q *Queue) Settle(idle int64) [2]int64 {
	var used [2]int64
	for _, l := range Lanes {
		ls := &q.lanes[l]
		amt := fpmath.Min(idle, ls.Unmet())
		if amt <= 0 {
			continue
		}
		ls.CumulativeProcessed += amt
		idle -= amt
		used[l] = amt
	}
	return used
}

// Ticket returns the ticket with the given id.
func (q *Queue) Ticket(id uuid.UUID) (*Ticket, bool) {
	t, ok := q.tickets[id]
	return t, ok
}

// Sync credits watermark coverage not yet attributed to a component to
// ExecutedFromIdle and marks the ticket executed once fully covered.
func (q *Queue) Sync(t *Ticket, now int64) {
	processed := q.lanes[t.Lane].CumulativeProcessed
	covered := t.coveredBy(processed)
	if filled := t.filled(); covered > filled {
		t.ExecutedFromIdle += covered - filled
	}
	if !t.IsExecuted && processed >= t.CumulativeRequestedAtIssuance {
		t.IsExecuted = true
		t.ExecutedAt = now
	}
}

// IsExecutable reports whether the lane watermark covers the whole ticket.
func (q *Queue) IsExecutable(t *Ticket) bool {
	return q.lanes[t.Lane].CumulativeProcessed >= t.CumulativeRequestedAtIssuance
}

// CheckClaim validates a claim without the last-claimant exception.
func (q *Queue) CheckClaim(id, caller uuid.UUID) (*Ticket, error) {
	t, ok := q.tickets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTicket, id)
	}
	if t.Receiver != caller {
		return t, fmt.Errorf("%w: %s", ErrUnauthorizedClaimer, caller)
	}
	if t.IsClaimed {
		return t, fmt.Errorf("%w: %s", ErrAlreadyClaimed, id)
	}
	if !q.IsExecutable(t) {
		ls := q.lanes[t.Lane]
		return t, fmt.Errorf("%w: processed=%d needs=%d", ErrNotExecuted, ls.CumulativeProcessed, t.CumulativeRequestedAtIssuance)
	}
	return t, nil
}

// ForceComplete closes a ticket that is paid out by the last-claimant rule.
// Both lanes are drained so processed catches up with requested.
func (q *Queue) ForceComplete(t *Ticket, payout, now int64) {
	q.Sync(t, now)
	if extra := payout - t.ExecutedTotal(); extra > 0 {
		t.ExecutedFromIdle += extra
	}
	for i := range q.lanes {
		q.lanes[i].CumulativeProcessed = q.lanes[i].CumulativeRequested
	}
	if !t.IsExecuted {
		t.IsExecuted = true
		t.ExecutedAt = now
	}
}

// MarkClaimed retires a ticket. Must be called before the payout transfer.
func (q *Queue) MarkClaimed(t *Ticket, now int64) {
	t.IsClaimed = true
	t.ClaimedAt = now
	q.compact(t.Lane)
}

// UnclaimedCount returns how many tickets are still waiting for a claim.
func (q *Queue) UnclaimedCount() int {
	n := 0
	for _, t := range q.tickets {
		if !t.IsClaimed {
			n++
		}
	}
	return n
}

// List returns tickets ordered by lane then issuance watermark. A nil owner
// returns every ticket.
func (q *Queue) List(owner *uuid.UUID, includeClaimed bool) []Ticket {
	out := make([]Ticket, 0)
	for _, t := range q.tickets {
		if owner != nil && t.Owner != *owner && t.Receiver != *owner {
			continue
		}
		if t.IsClaimed && !includeClaimed {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Lane != out[j].Lane {
			return out[i].Lane < out[j].Lane
		}
		return out[i].CumulativeRequestedAtIssuance < out[j].CumulativeRequestedAtIssuance
	})
	return out
}

// compact drops retired ids from the front of a lane once enough pile up.
func (q *Queue) compact(l Lane) {
	ls := &q.lanes[l]
	if ls.Head < compactThreshold || ls.Head*2 < len(ls.Tickets) {
		return
	}
	ls.Tickets = append([]uuid.UUID(nil), ls.Tickets[ls.Head:]...)
	ls.Head = 0
}

// ValidateWatermarks checks processed <= requested on every lane.
func (q *Queue) ValidateWatermarks() error {
	for _, l := range Lanes {
		ls := q.lanes[l]
		if ls.CumulativeProcessed > ls.CumulativeRequested {
			return fmt.Errorf("lane %s processed %d exceeds requested %d", l, ls.CumulativeProcessed, ls.CumulativeRequested)
		}
		if ls.Head > len(ls.Tickets) {
			return fmt.Errorf("lane %s head %d beyond %d tickets", l, ls.Head, len(ls.Tickets))
		}
	}
	return nil
}

// Clone returns a deep copy.
func (q *Queue) Clone() *Queue {
	out := &Queue{tickets: make(map[uuid.UUID]*Ticket, len(q.tickets))}
	for i := range q.lanes {
		out.lanes[i] = q.lanes[i]
		out.lanes[i].Tickets = append([]uuid.UUID(nil), q.lanes[i].Tickets...)
	}
	for id, t := range q.tickets {
		cp := *t
		out.tickets[id] = &cp
	}
	return out
}

// State is the serialized form of the queue.
type State struct {
	Priority LaneState `json:"priority"`
	Normal   LaneState `json:"normal"`
	Tickets  []Ticket  `json:"tickets"`
}

func (q *Queue) State() State {
	c := q.Clone()
	return State{
		Priority: c.lanes[LanePriority],
		Normal:   c.lanes[LaneNormal],
		Tickets:  q.List(nil, true),
	}
}

// Restore rebuilds a queue from serialized state.
func Restore(s State) (*Queue, error) {
	q := New()
	q.lanes[LanePriority] = s.Priority
	q.lanes[LaneNormal] = s.Normal
	for i := range s.Tickets {
		t := s.Tickets[i]
		q.tickets[t.ID] = &t
	}
	for _, l := range Lanes {
		for _, id := range q.lanes[l].Tickets {
			if _, ok := q.tickets[id]; !ok {
				return nil, fmt.Errorf("lane %s references missing ticket %s", l, id)
			}
		}
	}
	if err := q.ValidateWatermarks(); err != nil {
		return nil, err
	}
	return q, nil
}
