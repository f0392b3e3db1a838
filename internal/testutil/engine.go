package testutil

import (
	"context"
	"fmt"
	"testing"

	"HedgeVault/internal/allocation"
	"HedgeVault/internal/core"
	"HedgeVault/internal/event"
	fpmath "HedgeVault/internal/math"
	"HedgeVault/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Second is one second in command-time micros.
const Second = int64(1_000_000)

// VaultConfig is a 2x/3x/5x vault with a 60s hedge request timeout.
func VaultConfig() vault.Config {
	return vault.Config{
		Allocation: allocation.Params{
			Leverage: allocation.LeverageParams{
				MinLeverage:        2 * fpmath.RateScale,
				TargetLeverage:     3 * fpmath.RateScale,
				MaxLeverage:        5 * fpmath.RateScale,
				SafeMarginLeverage: 20 * fpmath.RateScale,
				ClampPolicy:        allocation.RoundUpToMin,
			},
			RequestTimeout: 60 * Second,
		},
	}
}

// Rig is an engine wired to fake venues at a product price of 100.
type Rig struct {
	T          *testing.T
	Oracle     *FakeOracle
	Swapper    *FakeSwapper
	Hedge      *FakeHedge
	Engine     *core.Engine
	Persist    chan core.CoreOutput
	Projection chan core.CoreOutput
	Now        int64
	keys       int
}

func NewRig(t *testing.T) *Rig {
	t.Helper()
	oracle := NewFakeOracle(100 * fpmath.PriceScale)
	r := &Rig{
		T:          t,
		Oracle:     oracle,
		Swapper:    NewFakeSwapper(oracle),
		Hedge:      NewFakeHedge(oracle),
		Persist:    make(chan core.CoreOutput, 1024),
		Projection: make(chan core.CoreOutput, 1024),
		Now:        1_700_000_000 * Second,
	}
	recorder := core.NewRecorder(oracle, r.Swapper, r.Hedge)
	v, err := vault.New(VaultConfig(), vault.Deps{
		Prices:  recorder,
		Swapper: recorder,
		Hedge:   recorder,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	r.Engine = core.NewEngine(1, v, recorder, r.Persist, r.Projection, nil, nil, zerolog.Nop())
	return r
}

func (r *Rig) Key() string {
	r.keys++
	return fmt.Sprintf("rig-%d", r.keys)
}

func (r *Rig) Tick() int64 {
	r.Now += Second
	return r.Now
}

// Process runs cmd and requires it to commit cleanly.
func (r *Rig) Process(cmd event.Command) *vault.Receipt {
	r.T.Helper()
	rec, err := r.Engine.ProcessCommand(context.Background(), cmd)
	require.NoError(r.T, err)
	require.NotNil(r.T, rec)
	return rec
}

func (r *Rig) Deposit(owner uuid.UUID, assets int64) *vault.Receipt {
	return r.Process(&event.Deposit{RequestID: r.Key(), Caller: owner, Receiver: owner, Assets: assets, At: r.Tick()})
}

func (r *Rig) Redeem(owner uuid.UUID, shares int64) *vault.Receipt {
	return r.Process(&event.Redeem{RequestID: r.Key(), Owner: owner, Receiver: owner, Shares: shares, At: r.Tick()})
}

// Scenario deposits, opens a hedge, confirms it, and queues a redemption
// that the idle balance cannot cover.
func (r *Rig) Scenario(owner uuid.UUID) {
	r.Deposit(owner, 400_000)
	r.Process(&event.Utilize{RequestID: r.Key(), Amount: 1 << 62, At: r.Tick()})
	now := r.Tick()
	r.Process(&event.ConfirmAdjust{Result: r.Hedge.Result(true, 0, now), At: now})
	r.Redeem(owner, 100_000)
	r.Process(&event.Upkeep{RequestID: r.Key(), At: r.Tick()})
}

// Drain returns everything the engine sent to persistence so far.
func (r *Rig) Drain() []core.CoreOutput {
	return drain(r.Persist)
}

// DrainProjection returns everything sent to the projection channel.
func (r *Rig) DrainProjection() []core.CoreOutput {
	return drain(r.Projection)
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}
