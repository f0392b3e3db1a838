package query_test

import (
	"context"
	"testing"
	"time"

	"HedgeVault/internal/core"
	"HedgeVault/internal/projection"
	"HedgeVault/internal/query"
	"HedgeVault/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryService_LiveReads(t *testing.T) {
	rig := testutil.NewRig(t)
	alice := uuid.New()
	rig.Scenario(alice)

	qs := query.NewQueryService(nil, rig.Engine).WithClock(func() int64 { return rig.Now })
	ctx := context.Background()

	summary, err := qs.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, rig.Now, summary.AsOf)
	assert.Positive(t, summary.TotalSupply)

	acct, err := qs.GetAccount(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, rig.Engine.Vault().SharesOf(alice), acct.Shares)
	require.Len(t, acct.Tickets, 1, "the queued redeem left a ticket")

	ticket, err := qs.GetTicket(ctx, acct.Tickets[0].ID)
	require.NoError(t, err)
	assert.Equal(t, alice, ticket.Owner)

	_, err = qs.GetTicket(ctx, uuid.New())
	assert.ErrorIs(t, err, query.ErrNotFound)

	_, err = qs.Preview(ctx, -1)
	assert.ErrorIs(t, err, query.ErrInvalidArgument)

	p, err := qs.Preview(ctx, 1_000)
	require.NoError(t, err)
	assert.Positive(t, p.Deposit)
}

func TestQueryService_HistoryFromProjections(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	rig := testutil.NewRig(t)
	alice := uuid.New()
	rig.Scenario(alice)
	outs := rig.DrainProjection()
	require.Len(t, outs, 5)

	in := make(chan core.CoreOutput, len(outs))
	for _, o := range outs {
		in <- o
	}
	close(in)

	worker := projection.NewProjectionWorker(db, in, nil, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, worker.Run(ctx))
	assert.Equal(t, int64(5), worker.LastSequence())

	qs := query.NewQueryService(db, rig.Engine)

	tickets, err := qs.GetTicketHistory(ctx, alice, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), tickets.AsOfSequence)
	require.Len(t, tickets.Items, 1)
	assert.False(t, tickets.Items[0].Claimed)

	summaries, err := qs.GetSummaryHistory(ctx, 2, nil)
	require.NoError(t, err)
	require.Len(t, summaries.Items, 2)
	assert.Equal(t, int64(5), summaries.Items[0].Sequence)

	before := int64(5)
	older, err := qs.GetSummaryHistory(ctx, 10, &before)
	require.NoError(t, err)
	assert.Len(t, older.Items, 4)

	rounds, err := qs.GetHedgeRounds(ctx, 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, rounds.Items)
	assert.Equal(t, "success", rounds.Items[len(rounds.Items)-1].Outcome)
}
