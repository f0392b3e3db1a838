package queue

import (
	fpmath "HedgeVault/internal/math"

	"github.com/google/uuid"
)

// Components are the capital sources released in one settlement round.
type Components struct {
	Spot  int64 `json:"spot"`  // spot sale proceeds
	Idle  int64 `json:"idle"`  // in-transit capital carried from earlier rounds
	Hedge int64 `json:"hedge"` // collateral released by the hedge venue
	Cost  int64 `json:"cost"`  // execution cost recovered from the venue
}

func (c Components) Total() int64 {
	return c.Spot + c.Idle + c.Hedge + c.Cost
}

func (c Components) Add(o Components) Components {
	return Components{
		Spot:  c.Spot + o.Spot,
		Idle:  c.Idle + o.Idle,
		Hedge: c.Hedge + o.Hedge,
		Cost:  c.Cost + o.Cost,
	}
}

func (c Components) Sub(o Components) Components {
	return Components{
		Spot:  c.Spot - o.Spot,
		Idle:  c.Idle - o.Idle,
		Hedge: c.Hedge - o.Hedge,
		Cost:  c.Cost - o.Cost,
	}
}

// Allocation records what one ticket received in a round.
type Allocation struct {
	TicketID   uuid.UUID  `json:"ticket_id"`
	Lane       Lane       `json:"lane"`
	Components Components `json:"components"`
	Dust       int64      `json:"dust"`
	Closed     bool       `json:"closed"`
}

// WaterfallResult summarizes a round. Allocated.Total()+Leftover.Total()
// always equals Input.Total().
type WaterfallResult struct {
	Input       Components   `json:"input"`
	Allocations []Allocation `json:"allocations"`
	Allocated   Components   `json:"allocated"`
	Leftover    Components   `json:"leftover"`
	Dust        int64        `json:"dust"`
}

// RunWaterfall distributes released capital across queued tickets, priority
// lane first, strictly FIFO within a lane. A ticket that can be fully served
// takes each component in proportion remaining/available, floor-rounded, with
// rounding dust charged to cost. The first ticket that cannot be fully served
// absorbs everything left and the round ends.
func (q *Queue) RunWaterfall(available Components, now int64) WaterfallResult {
	res := WaterfallResult{Input: available}
	pool := available

	for _, l := range Lanes {
		ls := &q.lanes[l]
		for ls.Head < len(ls.Tickets) {
			t := q.tickets[ls.Tickets[ls.Head]]
			q.Sync(t, now)
			if t.IsExecuted {
				ls.Head++
				continue
			}

			total := pool.Total()
			if total <= 0 {
				break
			}

			remaining := t.Remaining(ls.CumulativeProcessed)
			if total < remaining {
				// partial top-up
				t.add(pool)
				ls.CumulativeProcessed += total
				res.Allocations = append(res.Allocations, Allocation{TicketID: t.ID, Lane: l, Components: pool})
				res.Allocated = res.Allocated.Add(pool)
				pool = Components{}
				break
			}

			alloc, dust := split(pool, remaining, total)
			t.add(alloc)
			ls.CumulativeProcessed += remaining
			pool = pool.Sub(alloc)
			q.Sync(t, now)
			ls.Head++

			res.Allocations = append(res.Allocations, Allocation{TicketID: t.ID, Lane: l, Components: alloc, Dust: dust, Closed: true})
			res.Allocated = res.Allocated.Add(alloc)
			res.Dust += dust
		}
		q.compact(l)
	}

	res.Leftover = pool
	return res
}

// split takes remaining out of pool proportionally. Requires
// pool.Total() == total >= remaining. Dust goes to cost while the cost pool
// has room, then spills to hedge, idle and spot.
func split(pool Components, remaining, total int64) (Components, int64) {
	alloc := Components{
		Spot:  fpmath.MulDiv(pool.Spot, remaining, total, fpmath.RoundDown),
		Idle:  fpmath.MulDiv(pool.Idle, remaining, total, fpmath.RoundDown),
		Hedge: fpmath.MulDiv(pool.Hedge, remaining, total, fpmath.RoundDown),
		Cost:  fpmath.MulDiv(pool.Cost, remaining, total, fpmath.RoundDown),
	}
	dust := remaining - alloc.Total()
	left := dust

	take := func(have *int64, limit int64) {
		room := fpmath.SatSub(limit, *have)
		d := fpmath.Min(left, room)
		*have += d
		left -= d
	}
	take(&alloc.Cost, pool.Cost)
	take(&alloc.Hedge, pool.Hedge)
	take(&alloc.Idle, pool.Idle)
	take(&alloc.Spot, pool.Spot)

	return alloc, dust
}
