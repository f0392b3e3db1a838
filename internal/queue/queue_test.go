package queue_test

import (
	"errors"
	"math/rand"
	"testing"

	"HedgeVault/internal/queue"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueue(t *testing.T, q *queue.Queue, lane queue.Lane, requested, idleUsed int64) *queue.Ticket {
	t.Helper()
	owner := uuid.New()
	tk, err := q.Enqueue(uuid.New(), lane, owner, owner, requested, idleUsed, 1)
	require.NoError(t, err)
	return tk
}

func TestEnqueue_AdvancesWatermarkByUnmet(t *testing.T) {
	q := queue.New()
	a := enqueue(t, q, queue.LaneNormal, 100, 30)
	b := enqueue(t, q, queue.LaneNormal, 50, 0)

	assert.Equal(t, int64(70), a.QueuedAmount)
	assert.Equal(t, int64(70), a.CumulativeRequestedAtIssuance)
	assert.Equal(t, int64(30), a.ExecutedFromIdle)
	assert.Equal(t, int64(120), b.CumulativeRequestedAtIssuance)
	assert.Equal(t, int64(120), q.TotalPending())
}

func TestEnqueue_RejectsFullyFundedRequest(t *testing.T) {
	q := queue.New()
	owner := uuid.New()
	_, err := q.Enqueue(uuid.New(), queue.LaneNormal, owner, owner, 10, 10, 0)
	assert.Error(t, err)
}

func TestSettle_PriorityFirst(t *testing.T) {
	q := queue.New()
	enqueue(t, q, queue.LaneNormal, 100, 0)
	enqueue(t, q, queue.LanePriority, 40, 0)

	used := q.Settle(60)
	assert.Equal(t, int64(40), used[queue.LanePriority])
	assert.Equal(t, int64(20), used[queue.LaneNormal])
	assert.Equal(t, int64(80), q.TotalPending())

	// idempotent once nothing is unmet
	enqueue(t, q, queue.LanePriority, 1, 0)
	used = q.Settle(0)
	assert.Equal(t, [2]int64{}, used)
}

func TestSync_CreditsSettledCoverageToIdle(t *testing.T) {
	q := queue.New()
	tk := enqueue(t, q, queue.LaneNormal, 100, 25)
	q.Settle(75)
	q.Sync(tk, 9)

	assert.True(t, tk.IsExecuted)
	assert.Equal(t, int64(100), tk.ExecutedFromIdle)
	assert.Equal(t, int64(100), tk.ExecutedTotal())
	assert.Equal(t, int64(9), tk.ExecutedAt)
}

func TestCheckClaim_Errors(t *testing.T) {
	q := queue.New()
	owner := uuid.New()
	tk, err := q.Enqueue(uuid.New(), queue.LaneNormal, owner, owner, 100, 0, 0)
	require.NoError(t, err)

	_, err = q.CheckClaim(uuid.New(), owner)
	assert.True(t, errors.Is(err, queue.ErrUnknownTicket))

	_, err = q.CheckClaim(tk.ID, uuid.New())
	assert.True(t, errors.Is(err, queue.ErrUnauthorizedClaimer))

	_, err = q.CheckClaim(tk.ID, owner)
	assert.True(t, errors.Is(err, queue.ErrNotExecuted))

	q.Settle(100)
	got, err := q.CheckClaim(tk.ID, owner)
	require.NoError(t, err)
	q.MarkClaimed(got, 5)

	_, err = q.CheckClaim(tk.ID, owner)
	assert.True(t, errors.Is(err, queue.ErrAlreadyClaimed))
}

func TestWaterfall_ProportionalSplitWithDustToCost(t *testing.T) {
	q := queue.New()
	tk := enqueue(t, q, queue.LaneNormal, 100, 0)

	res := q.RunWaterfall(queue.Components{Spot: 101, Idle: 0, Hedge: 101, Cost: 1}, 2)

	require.Len(t, res.Allocations, 1)
	a := res.Allocations[0]
	assert.True(t, a.Closed)
	// 101*100/203 floors to 49 for spot and hedge, 0 for cost: dust is 2
	assert.Equal(t, int64(2), a.Dust)
	assert.Equal(t, int64(100), a.Components.Total())
	// only one unit of cost exists, the other dust unit spills to hedge
	assert.Equal(t, int64(1), a.Components.Cost)
	assert.Equal(t, int64(50), a.Components.Hedge)
	assert.Equal(t, int64(49), a.Components.Spot)

	assert.True(t, tk.IsExecuted)
	assert.Equal(t, int64(100), tk.ExecutedTotal())
	assert.Equal(t, res.Input.Total(), res.Allocated.Total()+res.Leftover.Total())
	assert.Equal(t, int64(0), q.TotalPending())
}

func TestWaterfall_PartialTopUpStopsRound(t *testing.T) {
	q := queue.New()
	first := enqueue(t, q, queue.LaneNormal, 100, 0)
	second := enqueue(t, q, queue.LaneNormal, 10, 0)

	res := q.RunWaterfall(queue.Components{Spot: 60, Hedge: 5}, 3)

	require.Len(t, res.Allocations, 1)
	assert.False(t, res.Allocations[0].Closed)
	assert.Equal(t, int64(65), first.ExecutedTotal())
	assert.False(t, first.IsExecuted)
	assert.Equal(t, int64(0), second.ExecutedTotal(), "later tickets never jump the head")
	assert.Equal(t, int64(0), res.Leftover.Total())
	assert.Equal(t, int64(45), q.TotalPending())

	// the next round completes the head then the follower
	res = q.RunWaterfall(queue.Components{Idle: 50}, 4)
	assert.True(t, first.IsExecuted)
	assert.True(t, second.IsExecuted)
	assert.Equal(t, int64(5), res.Leftover.Idle)
}

func TestWaterfall_PriorityLaneDrainsFirst(t *testing.T) {
	q := queue.New()
	normal := enqueue(t, q, queue.LaneNormal, 50, 0)
	prio := enqueue(t, q, queue.LanePriority, 50, 0)

	q.RunWaterfall(queue.Components{Spot: 60}, 1)
	assert.True(t, prio.IsExecuted)
	assert.False(t, normal.IsExecuted)
	assert.Equal(t, int64(10), normal.ExecutedFromSpot)
}

func TestWaterfall_SkipsTicketsCoveredBySettle(t *testing.T) {
	q := queue.New()
	a := enqueue(t, q, queue.LaneNormal, 30, 0)
	b := enqueue(t, q, queue.LaneNormal, 30, 0)
	q.Settle(40) // covers a fully and b by 10

	res := q.RunWaterfall(queue.Components{Hedge: 20}, 1)
	assert.True(t, a.IsExecuted)
	assert.Equal(t, int64(30), a.ExecutedFromIdle)
	assert.True(t, b.IsExecuted)
	assert.Equal(t, int64(10), b.ExecutedFromIdle)
	assert.Equal(t, int64(20), b.ExecutedFromHedge)
	assert.Equal(t, int64(0), res.Leftover.Total())
}

func TestWaterfall_ConservationRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 500; round++ {
		q := queue.New()
		var outstanding int64
		for i := 0; i < 1+rng.Intn(8); i++ {
			lane := queue.Lanes[rng.Intn(2)]
			amt := 1 + rng.Int63n(1_000_000)
			enqueue(t, q, lane, amt, 0)
			outstanding += amt
		}
		in := queue.Components{
			Spot:  rng.Int63n(2_000_000),
			Idle:  rng.Int63n(50_000),
			Hedge: rng.Int63n(500_000),
			Cost:  rng.Int63n(10),
		}
		res := q.RunWaterfall(in, 1)

		require.Equal(t, in.Total(), res.Allocated.Total()+res.Leftover.Total(), "round %d", round)
		require.Equal(t, in, res.Allocated.Add(res.Leftover), "round %d", round)
		for _, c := range []int64{res.Leftover.Spot, res.Leftover.Idle, res.Leftover.Hedge, res.Leftover.Cost} {
			require.GreaterOrEqual(t, c, int64(0), "round %d", round)
		}
		require.NoError(t, q.ValidateWatermarks())
		require.Equal(t, outstanding-res.Allocated.Total(), q.TotalPending(), "round %d", round)
	}
}

func TestClone_IsIndependent(t *testing.T) {
	q := queue.New()
	tk := enqueue(t, q, queue.LaneNormal, 100, 0)

	c := q.Clone()
	c.Settle(100)
	ct, _ := c.Ticket(tk.ID)
	c.Sync(ct, 1)

	assert.Equal(t, int64(100), q.TotalPending())
	assert.False(t, tk.IsExecuted)
}

func TestStateRestore(t *testing.T) {
	q := queue.New()
	tk := enqueue(t, q, queue.LanePriority, 100, 10)
	q.Settle(30)

	r, err := queue.Restore(q.State())
	require.NoError(t, err)
	assert.Equal(t, q.TotalPending(), r.TotalPending())
	got, ok := r.Ticket(tk.ID)
	require.True(t, ok)
	assert.Equal(t, tk.CumulativeRequestedAtIssuance, got.CumulativeRequestedAtIssuance)
}
