package persistence_test

import (
	"context"
	"testing"
	"time"

	"HedgeVault/internal/core"
	"HedgeVault/internal/persistence"
	"HedgeVault/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowsFromOutput_CarriesEnvelopeAndJournals(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Deposit(uuid.New(), 1_000)
	outs := rig.Drain()
	require.Len(t, outs, 1)

	row, journals, err := persistence.RowsFromOutput(outs[0])
	require.NoError(t, err)

	env := outs[0].Envelope
	assert.Equal(t, env.Sequence, row.Sequence)
	assert.Equal(t, "Deposit", row.CommandType)
	assert.Equal(t, env.StateHash[:], row.StateHash)
	assert.Nil(t, row.Error)
	require.NotEmpty(t, journals)
	for _, j := range journals {
		assert.Equal(t, env.Sequence, j.Sequence)
		assert.Positive(t, j.Amount)
	}
}

func TestRowsFromOutput_EncodesTape(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Scenario(uuid.New())
	outs := rig.Drain()
	require.Len(t, outs, 5)

	utilize, _, err := persistence.RowsFromOutput(outs[1])
	require.NoError(t, err)
	assert.Contains(t, string(utilize.Tape), `"adjusts":[""]`)
}

func TestSnapshot_EncodeDecodeResumesEngine(t *testing.T) {
	rig := testutil.NewRig(t)
	rig.Scenario(uuid.New())
	snap := rig.Engine.CreateSnapshotState()

	data, err := persistence.EncodeSnapshot(snap, time.Unix(0, 0).UTC())
	require.NoError(t, err)
	decoded, err := persistence.DecodeSnapshot(data)
	require.NoError(t, err)

	assert.Equal(t, snap.Sequence, decoded.Sequence)
	assert.Equal(t, snap.StateHash, decoded.StateHash)
	assert.Equal(t, snap.IdempotencyKeys, decoded.IdempotencyKeys)

	restored := testutil.NewRig(t)
	require.NoError(t, restored.Engine.RestoreFromSnapshot(decoded))
	assert.Equal(t, rig.Engine.GetStateHash(), restored.Engine.GetStateHash())
	assert.Equal(t, rig.Engine.Vault().Balances(), restored.Engine.Vault().Balances())
}

func TestSnapshot_DecodeRejectsShortHash(t *testing.T) {
	_, err := persistence.DecodeSnapshot([]byte(`{"sequence":3,"state_hash":"AAEC","vault":{}}`))
	require.Error(t, err)
}

// --- Postgres ---

func TestWorker_PersistsAndReplays(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	rig := testutil.NewRig(t)
	rig.Scenario(uuid.New())
	close(rig.Persist)

	committed := make(chan core.CoreOutput, 16)
	worker := persistence.NewPersistenceWorker(db, rig.Persist, committed, 2, 50*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, worker.Run(context.Background()))
	assert.Len(t, committed, 5, "every output is published after commit")

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest)

	logged, err := sm.LoadCommandsFrom(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Len(t, logged, 5)

	replica := testutil.NewRig(t)
	replica.Hedge.FailRequests = true
	for _, lc := range logged {
		require.NoError(t, replica.Engine.Replay(context.Background(), lc.Envelope, lc.Tape))
	}
	assert.Equal(t, rig.Engine.GetStateHash(), replica.Engine.GetStateHash())
	assert.Empty(t, replica.Hedge.Requests)

	dup := persistence.NewPostgresIdempotencyChecker(db)
	isDup, err := dup.IsDuplicate("Deposit", logged[0].Envelope.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, isDup)
	isDup, err = dup.IsDuplicate("Redeem", logged[0].Envelope.IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, isDup)
}

func TestSnapshotManager_OnlyVerifiedSnapshotsLoad(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	rig := testutil.NewRig(t)
	rig.Scenario(uuid.New())
	close(rig.Persist)
	worker := persistence.NewPersistenceWorker(db, rig.Persist, nil, 10, 50*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	sm := persistence.NewSnapshotManager(db)
	snap := rig.Engine.CreateSnapshotState()
	size, err := sm.SaveSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Positive(t, size)

	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "unverified snapshots are not loaded")

	require.NoError(t, sm.VerifyAgainstLog(ctx, snap))
	require.NoError(t, sm.MarkVerified(ctx, snap.Sequence))

	loaded, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.StateHash, loaded.StateHash)

	bad := *snap
	bad.StateHash[0] ^= 0xff
	assert.ErrorIs(t, sm.VerifyAgainstLog(ctx, &bad), core.ErrStateHashMismatch)
}
