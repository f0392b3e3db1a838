package core_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"testing"

	"HedgeVault/internal/allocation"
	"HedgeVault/internal/core"
	"HedgeVault/internal/event"
	fpmath "HedgeVault/internal/math"
	"HedgeVault/internal/testutil"
	"HedgeVault/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const second = int64(1_000_000)

type harness struct {
	t          *testing.T
	oracle     *testutil.FakeOracle
	swapper    *testutil.FakeSwapper
	hedge      *testutil.FakeHedge
	engine     *core.Engine
	persist    chan core.CoreOutput
	projection chan core.CoreOutput
	now        int64
	keys       int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	oracle := testutil.NewFakeOracle(100 * fpmath.PriceScale)
	h := &harness{
		t:          t,
		oracle:     oracle,
		swapper:    testutil.NewFakeSwapper(oracle),
		hedge:      testutil.NewFakeHedge(oracle),
		persist:    make(chan core.CoreOutput, 1024),
		projection: make(chan core.CoreOutput, 1024),
		now:        1_700_000_000 * second,
	}

	recorder := core.NewRecorder(oracle, h.swapper, h.hedge)
	cfg := vault.Config{
		Allocation: allocation.Params{
			Leverage: allocation.LeverageParams{
				MinLeverage:        2 * fpmath.RateScale,
				TargetLeverage:     3 * fpmath.RateScale,
				MaxLeverage:        5 * fpmath.RateScale,
				SafeMarginLeverage: 20 * fpmath.RateScale,
				ClampPolicy:        allocation.RoundUpToMin,
			},
			RequestTimeout: 60 * second,
		},
	}
	v, err := vault.New(cfg, vault.Deps{
		Prices:  recorder,
		Swapper: recorder,
		Hedge:   recorder,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	h.engine = core.NewEngine(1, v, recorder, h.persist, h.projection, nil, nil, zerolog.Nop())
	return h
}

func (h *harness) key() string {
	h.keys++
	return fmt.Sprintf("req-%d", h.keys)
}

func (h *harness) tick() int64 {
	h.now += second
	return h.now
}

func (h *harness) process(cmd event.Command) *vault.Receipt {
	h.t.Helper()
	rec, err := h.engine.ProcessCommand(context.Background(), cmd)
	require.NoError(h.t, err)
	require.NotNil(h.t, rec)
	return rec
}

func (h *harness) deposit(owner uuid.UUID, assets int64) *vault.Receipt {
	h.t.Helper()
	return h.process(&event.Deposit{RequestID: h.key(), Caller: owner, Receiver: owner, Assets: assets, At: h.tick()})
}

// drain returns everything the engine sent to persistence so far.
func (h *harness) drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

func TestEngine_AssignsSequenceAndChainsHash(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.deposit(alice, 1_000)
	h.deposit(alice, 2_000)

	outs := h.drain()
	require.Len(t, outs, 2)

	genesis := sha256.Sum256([]byte(core.GenesisHashSeed))
	assert.Equal(t, int64(1), outs[0].Envelope.Sequence)
	assert.Equal(t, genesis, outs[0].Envelope.PrevHash)
	assert.Equal(t, int64(2), outs[1].Envelope.Sequence)
	assert.Equal(t, outs[0].Envelope.StateHash, outs[1].Envelope.PrevHash)
	assert.NotEqual(t, outs[0].Envelope.StateHash, outs[1].Envelope.StateHash)

	assert.Equal(t, event.CommandTypeDeposit, outs[0].Envelope.CommandType)
	assert.Equal(t, "req-1", outs[0].Envelope.IdempotencyKey)
	assert.Equal(t, h.now, outs[1].Envelope.Timestamp.UnixMicro())
	assert.Empty(t, outs[0].Envelope.Error)
	require.NotNil(t, outs[0].Batch)
	assert.NotEmpty(t, outs[0].Batch.Journals)

	assert.Equal(t, int64(2), h.engine.GetSequence())
	assert.Equal(t, outs[1].Envelope.StateHash, h.engine.GetStateHash())
	assert.Len(t, h.projection, 2)
}

func TestEngine_PayloadDecodesBackToCommand(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 5_000)

	outs := h.drain()
	require.Len(t, outs, 1)

	cmd, err := event.Decode(outs[0].Envelope.CommandType, outs[0].Envelope.Payload)
	require.NoError(t, err)
	dep, ok := cmd.(*event.Deposit)
	require.True(t, ok)
	assert.Equal(t, int64(5_000), dep.Assets)
	assert.Equal(t, alice, dep.Receiver)
}

func TestEngine_DuplicateRejected(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	cmd := &event.Deposit{RequestID: "dup", Caller: alice, Receiver: alice, Assets: 1_000, At: h.tick()}
	h.process(cmd)

	rec, err := h.engine.ProcessCommand(context.Background(), cmd)
	assert.ErrorIs(t, err, core.ErrDuplicateCommand)
	assert.Nil(t, rec)

	assert.Len(t, h.drain(), 1)
	assert.Equal(t, int64(1_000), h.engine.Vault().SharesOf(alice))
}

func TestEngine_MissingKeyRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ProcessCommand(context.Background(), &event.Settle{At: h.tick()})
	assert.ErrorIs(t, err, core.ErrMissingKey)
	assert.Empty(t, h.drain())
}

func TestEngine_RejectedCommandConsumesNoSequence(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	_, err := h.engine.ProcessCommand(context.Background(), &event.Redeem{
		RequestID: h.key(), Owner: alice, Receiver: alice, Shares: 10, At: h.tick(),
	})
	assert.ErrorIs(t, err, vault.ErrInsufficientShares)
	assert.Empty(t, h.drain())

	h.deposit(alice, 1_000)
	outs := h.drain()
	require.Len(t, outs, 1)
	assert.Equal(t, int64(1), outs[0].Envelope.Sequence)
}

func TestEngine_RejectedKeyMayBeRetried(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	redeem := &event.Redeem{RequestID: "retry-me", Owner: alice, Receiver: alice, Shares: 100, At: h.tick()}
	_, err := h.engine.ProcessCommand(context.Background(), redeem)
	require.ErrorIs(t, err, vault.ErrInsufficientShares)

	h.deposit(alice, 1_000)
	redeem.At = h.tick()
	h.process(redeem)
	assert.Equal(t, int64(900), h.engine.Vault().SharesOf(alice))
}

func TestEngine_CommitsWithErrorAfterExternalLeg(t *testing.T) {
	h := newHarness(t)
	h.deposit(uuid.New(), 400_000)
	h.drain()

	h.hedge.FailRequests = true
	rec, err := h.engine.ProcessCommand(context.Background(), &event.Utilize{RequestID: h.key(), Amount: 1 << 62, At: h.tick()})
	assert.ErrorIs(t, err, vault.ErrHedgeRequestFailed)
	require.NotNil(t, rec, "the swap executed, so the command commits")

	outs := h.drain()
	require.Len(t, outs, 1)
	assert.NotEmpty(t, outs[0].Envelope.Error)

	tape := outs[0].Tape
	require.NotNil(t, tape)
	require.Len(t, tape.Swaps, 1)
	assert.Empty(t, tape.Swaps[0].Err)
	require.Len(t, tape.Adjusts, 1)
	assert.NotEmpty(t, tape.Adjusts[0])
}

func TestEngine_TapeRecordsVenueAnswers(t *testing.T) {
	h := newHarness(t)
	h.deposit(uuid.New(), 400_000)
	h.process(&event.Utilize{RequestID: h.key(), Amount: 1 << 62, At: h.tick()})

	outs := h.drain()
	require.Len(t, outs, 2)

	tape := outs[1].Tape
	require.NotNil(t, tape)
	require.Len(t, tape.Swaps, 1)
	assert.Equal(t, int64(3_000), tape.Swaps[0].AmountOut)
	assert.Equal(t, []string{""}, tape.Adjusts)
	assert.Equal(t, 100*fpmath.PriceScale, tape.Prices["PRODUCT"])
}

// runScenario drives a deposit, a hedged utilization, a queued redeem and
// an upkeep tick, returning the persisted outputs.
func runScenario(t *testing.T, h *harness) []core.CoreOutput {
	t.Helper()
	alice := uuid.New()

	h.deposit(alice, 400_000)
	h.process(&event.Utilize{RequestID: h.key(), Amount: 1 << 62, At: h.tick()})
	now := h.tick()
	h.process(&event.ConfirmAdjust{Result: h.hedge.Result(true, 0, now), At: now})
	h.process(&event.Redeem{RequestID: h.key(), Owner: alice, Receiver: alice, Shares: 100_000, At: h.tick()})
	h.process(&event.Upkeep{RequestID: h.key(), At: h.tick()})
	return h.drain()
}

func TestEngine_ReplayReproducesStateWithoutVenues(t *testing.T) {
	live := newHarness(t)
	outs := runScenario(t, live)
	require.Len(t, outs, 5)

	replica := newHarness(t)
	replica.hedge.FailRequests = true
	replica.swapper.FailNext = 100
	replica.oracle.Err = errors.New("feed down")

	for _, o := range outs {
		require.NoError(t, replica.engine.Replay(context.Background(), o.Envelope, o.Tape))
	}

	assert.Equal(t, live.engine.GetStateHash(), replica.engine.GetStateHash())
	assert.Equal(t, live.engine.GetSequence(), replica.engine.GetSequence())
	assert.Equal(t, live.engine.Vault().Balances(), replica.engine.Vault().Balances())
	assert.Empty(t, replica.hedge.Requests, "replay never calls the venue")
	assert.Empty(t, replica.drain(), "replay emits nothing")
}

func TestEngine_ReplayDetectsDivergence(t *testing.T) {
	live := newHarness(t)
	outs := runScenario(t, live)

	replica := newHarness(t)
	tampered := *outs[0].Envelope
	tampered.StateHash[0] ^= 0xff

	err := replica.engine.Replay(context.Background(), &tampered, outs[0].Tape)
	assert.ErrorIs(t, err, core.ErrStateHashMismatch)
}

func TestEngine_ReplayRejectsGap(t *testing.T) {
	live := newHarness(t)
	outs := runScenario(t, live)

	replica := newHarness(t)
	err := replica.engine.Replay(context.Background(), outs[1].Envelope, outs[1].Tape)
	assert.ErrorIs(t, err, core.ErrSequenceGap)
}

func TestEngine_SnapshotRestoreResumesChain(t *testing.T) {
	a := newHarness(t)
	alice := uuid.New()
	first := &event.Deposit{RequestID: "first", Caller: alice, Receiver: alice, Assets: 10_000, At: a.tick()}
	a.process(first)
	a.deposit(alice, 5_000)

	snap := a.engine.CreateSnapshotState()
	assert.Equal(t, int64(2), snap.Sequence)
	assert.Contains(t, snap.IdempotencyKeys, "Deposit:first")

	b := newHarness(t)
	require.NoError(t, b.engine.RestoreFromSnapshot(snap))
	assert.Equal(t, a.engine.GetStateHash(), b.engine.GetStateHash())
	assert.Equal(t, a.engine.GetSequence(), b.engine.GetSequence())

	b.now = a.now
	next := &event.Deposit{RequestID: "next", Caller: alice, Receiver: alice, Assets: 1_000, At: a.tick()}
	a.process(next)
	b.process(next)
	assert.Equal(t, a.engine.GetStateHash(), b.engine.GetStateHash())

	_, err := b.engine.ProcessCommand(context.Background(), first)
	assert.ErrorIs(t, err, core.ErrDuplicateCommand, "restored LRU remembers old keys")
}

func TestEngine_FullProjectionChannelDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	h.projection = make(chan core.CoreOutput) // never read
	recorder := core.NewRecorder(h.oracle, h.swapper, h.hedge)
	v, err := vault.New(vault.Config{
		Allocation: allocation.Params{
			Leverage: allocation.LeverageParams{
				MinLeverage:        2 * fpmath.RateScale,
				TargetLeverage:     3 * fpmath.RateScale,
				MaxLeverage:        5 * fpmath.RateScale,
				SafeMarginLeverage: 20 * fpmath.RateScale,
			},
			RequestTimeout: 60 * second,
		},
	}, vault.Deps{Prices: recorder, Swapper: recorder, Hedge: recorder, Logger: zerolog.Nop()})
	require.NoError(t, err)
	h.engine = core.NewEngine(1, v, recorder, h.persist, h.projection, nil, nil, zerolog.Nop())

	h.deposit(uuid.New(), 1_000)
	assert.Len(t, h.drain(), 1)
}

// renderStream writes one line per committed command: sequence, command
// type, notice types and journals.
func renderStream(outs []core.CoreOutput) []byte {
	var b strings.Builder
	for _, o := range outs {
		notices := make([]string, 0, len(o.Notices))
		for _, n := range o.Notices {
			notices = append(notices, n.Type.String())
		}
		var journals []string
		if o.Batch != nil {
			for _, j := range o.Batch.Journals {
				journals = append(journals, fmt.Sprintf("%s:%d", j.JournalType, j.Amount))
			}
		}
		fmt.Fprintf(&b, "%d %s notices=%s journals=%s\n",
			o.Envelope.Sequence, o.Envelope.CommandType,
			strings.Join(notices, ","), strings.Join(journals, ","))
	}
	return []byte(b.String())
}

func TestEngine_CommandStreamGolden(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()

	h.deposit(alice, 1_000)
	h.deposit(bob, 2_000)
	h.process(&event.Withdraw{RequestID: h.key(), Owner: alice, Receiver: alice, Assets: 500, At: h.tick()})
	h.process(&event.Donate{RequestID: h.key(), Amount: 250, At: h.tick()})

	testutil.AssertGolden(t, "command_stream.golden", renderStream(h.drain()))
}
