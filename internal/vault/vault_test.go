package vault_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"HedgeVault/internal/allocation"
	"HedgeVault/internal/event"
	"HedgeVault/internal/ledger"
	fpmath "HedgeVault/internal/math"
	"HedgeVault/internal/queue"
	"HedgeVault/internal/testutil"
	"HedgeVault/internal/vault"
	"HedgeVault/internal/venue"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const second = int64(1_000_000)

type fixture struct {
	t       *testing.T
	cfg     vault.Config
	deps    vault.Deps
	v       *vault.Vault
	oracle  *testutil.FakeOracle
	swapper *testutil.FakeSwapper
	hedge   *testutil.FakeHedge
	seq     int64
	now     int64
}

func newFixture(t *testing.T, opts ...func(*vault.Config)) *fixture {
	t.Helper()
	oracle := testutil.NewFakeOracle(100 * fpmath.PriceScale)
	f := &fixture{
		t:       t,
		oracle:  oracle,
		swapper: testutil.NewFakeSwapper(oracle),
		hedge:   testutil.NewFakeHedge(oracle),
		now:     1_700_000_000 * second,
	}
	f.cfg = vault.Config{
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
	for _, opt := range opts {
		opt(&f.cfg)
	}
	f.deps = vault.Deps{Prices: oracle, Swapper: f.swapper, Hedge: f.hedge, Logger: zerolog.Nop()}

	v, err := vault.New(f.cfg, f.deps)
	require.NoError(t, err)
	f.v = v
	return f
}

func (f *fixture) call() vault.Call {
	f.seq++
	f.now += second
	return vault.Call{Key: fmt.Sprintf("cmd-%d", f.seq), Sequence: f.seq, Now: f.now}
}

func (f *fixture) deposit(owner uuid.UUID, assets int64) *vault.Receipt {
	f.t.Helper()
	rec, err := f.v.Deposit(f.call(), owner, owner, assets)
	require.NoError(f.t, err)
	return rec
}

// utilize deploys all idle capital and confirms. At the default price of 100
// and 3x target, 400,000 becomes 3,000 spot and 100,000 collateral.
func (f *fixture) utilize() {
	f.t.Helper()
	_, err := f.v.Utilize(f.call(), 1<<62)
	require.NoError(f.t, err)
	f.confirm(true, 0)
}

func (f *fixture) confirm(success bool, cost int64) *vault.Receipt {
	f.t.Helper()
	rec, err := f.v.ConfirmAdjust(f.call(), f.hedge.Result(success, cost, f.now))
	require.NoError(f.t, err)
	return rec
}

func notices(rec *vault.Receipt, typ event.NoticeType) []event.Notice {
	var out []event.Notice
	for _, n := range rec.Notices {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func onlyTicket(t *testing.T, rec *vault.Receipt) queue.Ticket {
	t.Helper()
	issued := notices(rec, event.NoticeTicketIssued)
	require.Len(t, issued, 1)
	return issued[0].Data.(event.TicketIssued).Ticket
}

func TestDeposit_EmptyVaultMintsOneToOne(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()

	rec := f.deposit(alice, 1_000_000)

	assert.Equal(t, int64(1_000_000), f.v.SharesOf(alice))
	assert.Equal(t, int64(1_000_000), rec.Summary.TotalAssets)
	assert.Equal(t, int64(1_000_000), rec.Summary.Idle)
	assert.Equal(t, int64(750_000), rec.Summary.PendingUtilization)
	require.Len(t, rec.Batch.Journals, 1)
	require.Len(t, notices(rec, event.NoticeSharesMinted), 1)
}

func TestDeposit_ZeroAmountLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)

	rec, err := f.v.Deposit(f.call(), uuid.New(), uuid.New(), 0)
	require.ErrorIs(t, err, vault.ErrZeroAmount)
	assert.Nil(t, rec)
	assert.Equal(t, int64(0), f.v.Sequence())
	assert.Equal(t, vault.ClassPrecondition, vault.Classify(err))
}

func TestMint_ChargesEntryCostOnTop(t *testing.T) {
	f := newFixture(t, func(c *vault.Config) { c.EntryCost = fpmath.RateScale / 100 })
	alice := uuid.New()

	_, err := f.v.Mint(f.call(), alice, alice, 1_000)
	require.NoError(t, err)

	assert.Equal(t, int64(1_000), f.v.SharesOf(alice))
	assert.Equal(t, int64(1_010), f.v.Summary(f.now).Idle)
}

func TestDeposit_EntryCostStaysInVault(t *testing.T) {
	f := newFixture(t, func(c *vault.Config) { c.EntryCost = fpmath.RateScale / 100 })
	alice := uuid.New()

	p, err := f.v.Preview(1_010, f.now)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), p.Deposit)

	f.deposit(alice, 1_010)
	assert.Equal(t, int64(1_000), f.v.SharesOf(alice))
}

// A donated vault floors the depositor's shares, and a stray unit of idle
// after full utilization must not be instantly redeemable.
func TestDeposit_DonatedVaultThenStrayTransfer(t *testing.T) {
	f := newFixture(t)
	f.oracle.SetPrice(ledger.AssetProduct, fpmath.PriceScale)
	alice := uuid.New()

	_, err := f.v.Donate(f.call(), 100_000)
	require.NoError(t, err)

	f.deposit(alice, 199_999_999)
	require.Equal(t, int64(1_999), f.v.SharesOf(alice))

	f.utilize()
	s := f.v.Summary(f.now)
	require.Zero(t, s.Idle)
	require.Equal(t, int64(200_099_999), s.TotalAssets)

	_, err = f.v.Donate(f.call(), 1)
	require.NoError(t, err)

	lim, err := f.v.Limits(alice, f.now)
	require.NoError(t, err)
	assert.Zero(t, lim.MaxInstantRedeem)
	assert.LessOrEqual(t, lim.MaxInstantWithdraw, int64(1))
	assert.Equal(t, int64(1_999), lim.MaxRedeem)
	assert.LessOrEqual(t, lim.MaxWithdraw, f.v.Summary(f.now).TotalAssets)

	rec, err := f.v.Redeem(f.call(), alice, alice, 1_999)
	require.NoError(t, err)
	ticket := onlyTicket(t, rec)
	assert.Equal(t, int64(1), ticket.ExecutedFromIdle)
	assert.Equal(t, ticket.RequestedAmount-1, ticket.QueuedAmount)
	assert.Equal(t, int64(1), rec.Summary.Claimable)
}

func TestWithdraw_PaidInstantlyFromIdle(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()
	f.deposit(alice, 1_000)

	rec, err := f.v.Withdraw(f.call(), alice, bob, 400)
	require.NoError(t, err)

	paid := notices(rec, event.NoticeWithdrawalPaid)
	require.Len(t, paid, 1)
	assert.Equal(t, event.WithdrawalPaid{Owner: alice, Receiver: bob, Assets: 400, Shares: 400}, paid[0].Data)
	assert.Equal(t, int64(600), f.v.SharesOf(alice))
	assert.Equal(t, int64(600), rec.Summary.Idle)
	assert.Empty(t, notices(rec, event.NoticeTicketIssued))
}

func TestWithdraw_ExitCostOnQueuedPortion(t *testing.T) {
	f := newFixture(t, func(c *vault.Config) { c.ExitCost = fpmath.RateScale / 100 })
	alice := uuid.New()
	f.deposit(alice, 400_000)
	f.utilize()

	rec, err := f.v.Withdraw(f.call(), alice, alice, 1_000)
	require.NoError(t, err)

	ticket := onlyTicket(t, rec)
	assert.Equal(t, int64(1_000), ticket.RequestedAmount)
	assert.Equal(t, int64(1_010), notices(rec, event.NoticeTicketIssued)[0].Data.(event.TicketIssued).Shares)
	assert.Equal(t, int64(398_990), f.v.SharesOf(alice))
}

func TestWithdraw_InsufficientShares(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	f.deposit(alice, 1_000)

	_, err := f.v.Redeem(f.call(), alice, alice, 1_001)
	require.ErrorIs(t, err, vault.ErrInsufficientShares)
	assert.Equal(t, int64(1_000), f.v.SharesOf(alice))
}

func TestRedeem_QueuedTicketClaimableOnlyAfterDeutilization(t *testing.T) {
	f := newFixture(t, func(c *vault.Config) { c.AutoAllocate = true })
	alice := uuid.New()
	f.deposit(alice, 400_000)
	f.utilize()

	rec, err := f.v.Redeem(f.call(), alice, alice, 100_000)
	require.NoError(t, err)
	ticket := onlyTicket(t, rec)
	assert.Equal(t, int64(100_000), ticket.RequestedAmount)
	assert.Equal(t, int64(100_000), rec.Summary.TotalPending)
	assert.Equal(t, int64(750), rec.Summary.PendingDeutilization)
	assert.Zero(t, rec.Summary.PendingUtilization)

	_, err = f.v.Claim(f.call(), ticket.ID, alice)
	require.ErrorIs(t, err, vault.ErrNotExecuted)
	assert.Equal(t, vault.ClassDoubleAction, vault.Classify(err))

	rec, err = f.v.Upkeep(f.call())
	require.NoError(t, err)
	require.Len(t, notices(rec, event.NoticeHedgeRequested), 1)
	assert.Equal(t, venue.AdjustRequest{Round: 2, Kind: "decrease_size", SizeDelta: 750, CollateralDelta: 25_000}, f.hedge.Last())
	assert.Equal(t, int64(75_000), rec.Summary.InTransit)

	rec = f.confirm(true, 0)
	assert.Equal(t, int64(100_000), rec.Summary.Claimable)
	assert.Zero(t, rec.Summary.TotalPending)

	synced, ok := f.v.Ticket(ticket.ID, f.now)
	require.True(t, ok)
	assert.True(t, synced.IsExecuted)
	assert.Equal(t, int64(75_000), synced.ExecutedFromSpot)
	assert.Equal(t, int64(25_000), synced.ExecutedFromHedge)

	rec, err = f.v.Claim(f.call(), ticket.ID, alice)
	require.NoError(t, err)
	claimed := notices(rec, event.NoticeClaimed)
	require.Len(t, claimed, 1)
	assert.Equal(t, event.Claimed{TicketID: ticket.ID, Receiver: alice, Amount: 100_000}, claimed[0].Data)
	assert.Zero(t, rec.Summary.Claimable)

	_, err = f.v.Claim(f.call(), ticket.ID, alice)
	require.ErrorIs(t, err, vault.ErrAlreadyClaimed)
}

func TestClaim_WrongReceiver(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()
	f.deposit(alice, 400_000)
	f.utilize()

	rec, err := f.v.Redeem(f.call(), alice, alice, 1_000)
	require.NoError(t, err)

	_, err = f.v.Claim(f.call(), onlyTicket(t, rec).ID, bob)
	require.ErrorIs(t, err, vault.ErrUnauthorizedClaimer)
	assert.Equal(t, vault.ClassPermission, vault.Classify(err))

	_, err = f.v.Claim(f.call(), uuid.New(), bob)
	assert.Equal(t, vault.ClassNotFound, vault.Classify(err))
}

func TestSettle_PriorityLaneServedFirst(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()

	rec, err := f.v.SetPriorityAccount(f.call(), bob, true)
	require.NoError(t, err)
	require.Len(t, notices(rec, event.NoticePriorityAccountSet), 1)

	f.deposit(alice, 200_000)
	f.deposit(bob, 200_000)
	f.utilize()

	rec, err = f.v.Redeem(f.call(), alice, alice, 50_000)
	require.NoError(t, err)
	aliceTicket := onlyTicket(t, rec)
	assert.Equal(t, queue.LaneNormal, aliceTicket.Lane)

	rec, err = f.v.Redeem(f.call(), bob, bob, 50_000)
	require.NoError(t, err)
	bobTicket := onlyTicket(t, rec)
	assert.Equal(t, queue.LanePriority, bobTicket.Lane)
	assert.Equal(t, int64(50_000), bobTicket.RequestedAmount)

	_, err = f.v.Donate(f.call(), 50_000)
	require.NoError(t, err)
	rec, err = f.v.Settle(f.call())
	require.NoError(t, err)
	settled := notices(rec, event.NoticeSettled)
	require.Len(t, settled, 1)
	assert.Equal(t, event.Settled{Priority: 50_000, Normal: 0}, settled[0].Data)

	_, err = f.v.Claim(f.call(), bobTicket.ID, bob)
	require.NoError(t, err)
	_, err = f.v.Claim(f.call(), aliceTicket.ID, alice)
	require.ErrorIs(t, err, vault.ErrNotExecuted)
}

func TestClaim_LastClaimantTakesEverything(t *testing.T) {
	f := newFixture(t, func(c *vault.Config) { c.AutoAllocate = true })
	alice := uuid.New()
	f.deposit(alice, 400_000)
	f.utilize()

	rec, err := f.v.Redeem(f.call(), alice, alice, 400_000)
	require.NoError(t, err)
	ticket := onlyTicket(t, rec)
	require.Zero(t, rec.Summary.TotalSupply)

	_, err = f.v.Upkeep(f.call())
	require.NoError(t, err)
	assert.Equal(t, int64(3_000), f.hedge.Last().SizeDelta)
	assert.Equal(t, int64(100_000), f.hedge.Last().CollateralDelta)

	// venue hands back 7 of execution cost on top
	rec = f.confirm(true, 7)
	require.Zero(t, rec.Summary.Spot)
	require.Zero(t, rec.Summary.HedgeCollateral)

	rec, err = f.v.Claim(f.call(), ticket.ID, alice)
	require.NoError(t, err)
	claimed := notices(rec, event.NoticeClaimed)
	require.Len(t, claimed, 1)
	data := claimed[0].Data.(event.Claimed)
	assert.True(t, data.LastClaimant)
	assert.Equal(t, int64(400_007), data.Amount)

	s := rec.Summary
	assert.Zero(t, s.Idle)
	assert.Zero(t, s.Claimable)
	assert.Zero(t, s.InTransit)
	assert.Zero(t, s.TotalAssets)
	assert.Zero(t, s.TotalPending)
}

func TestClaim_LastClaimantWithExitCostDrainsEveryPool(t *testing.T) {
	f := newFixture(t, func(c *vault.Config) {
		c.AutoAllocate = true
		c.ExitCost = fpmath.RateScale / 500
	})
	alice := uuid.New()
	f.deposit(alice, 400_000)
	f.utilize()

	rec, err := f.v.Redeem(f.call(), alice, alice, 400_000)
	require.NoError(t, err)
	ticket := onlyTicket(t, rec)
	require.Less(t, ticket.RequestedAmount, int64(400_000))
	require.Zero(t, rec.Summary.TotalSupply)

	for i := 0; i < 10 && (rec.Summary.Spot > 0 || rec.Summary.HedgeCollateral > 0); i++ {
		rec, err = f.v.Upkeep(f.call())
		require.NoError(t, err)
		if rec.Summary.Status != allocation.StatusIdle {
			rec = f.confirm(true, 0)
		}
	}
	require.Zero(t, rec.Summary.Spot)
	require.Zero(t, rec.Summary.HedgeCollateral)

	rec, err = f.v.Claim(f.call(), ticket.ID, alice)
	require.NoError(t, err)
	claimed := notices(rec, event.NoticeClaimed)
	require.Len(t, claimed, 1)
	data := claimed[0].Data.(event.Claimed)
	assert.True(t, data.LastClaimant)
	assert.Equal(t, int64(400_000), data.Amount)

	s := rec.Summary
	assert.Zero(t, s.Idle)
	assert.Zero(t, s.Claimable)
	assert.Zero(t, s.InTransit)
	assert.Zero(t, s.Spot)
	assert.Zero(t, s.HedgeCollateral)
	assert.Zero(t, s.TotalAssets)
}

func TestUpkeep_AutoAllocateRespectsMinimum(t *testing.T) {
	f := newFixture(t, func(c *vault.Config) {
		c.AutoAllocate = true
		c.MinUtilization = 500_000
	})
	alice := uuid.New()
	f.deposit(alice, 400_000)

	rec, err := f.v.Upkeep(f.call())
	require.NoError(t, err)
	assert.Empty(t, notices(rec, event.NoticeHedgeRequested))
	assert.Equal(t, allocation.StatusIdle, rec.Summary.Status)

	f.deposit(alice, 400_000)
	rec, err = f.v.Upkeep(f.call())
	require.NoError(t, err)
	require.Len(t, notices(rec, event.NoticeHedgeRequested), 1)
	assert.Equal(t, allocation.StatusDepositing, rec.Summary.Status)
	assert.Equal(t, int64(6_000), rec.Summary.Spot)
}

func TestUpkeep_ResetsStaleRequest(t *testing.T) {
	f := newFixture(t, func(c *vault.Config) { c.AutoResetStale = true })
	f.deposit(uuid.New(), 400_000)

	_, err := f.v.Utilize(f.call(), 1<<62)
	require.NoError(t, err)

	rec, err := f.v.Upkeep(f.call())
	require.NoError(t, err)
	assert.Empty(t, notices(rec, event.NoticeRequestReset), "not stale yet")

	f.now += 120 * second
	rec, err = f.v.Upkeep(f.call())
	require.NoError(t, err)
	reset := notices(rec, event.NoticeRequestReset)
	require.Len(t, reset, 1)
	assert.True(t, reset[0].Data.(*allocation.Confirmation).ForcedReset)

	s := rec.Summary
	assert.Equal(t, allocation.StatusIdle, s.Status)
	assert.Equal(t, uint64(2), s.Round)
	assert.Equal(t, int64(400_000), s.Idle)
	assert.Zero(t, s.Spot)
	assert.Zero(t, s.HedgeCollateral)

	// the abandoned round can no longer be confirmed
	_, err = f.v.ConfirmAdjust(f.call(), venue.AdjustResult{Round: 1, Success: true, IsIncrease: true})
	require.ErrorIs(t, err, vault.ErrNoActiveRequest)
}

func TestForceReset_ByOperator(t *testing.T) {
	f := newFixture(t)
	f.deposit(uuid.New(), 400_000)

	_, err := f.v.ForceReset(f.call(), "nothing in flight")
	require.ErrorIs(t, err, vault.ErrNoActiveRequest)

	_, err = f.v.Utilize(f.call(), 1<<62)
	require.NoError(t, err)
	rec, err := f.v.ForceReset(f.call(), "venue lost the request")
	require.NoError(t, err)
	assert.Equal(t, int64(400_000), rec.Summary.Idle)
}

func TestCommand_CommitsAfterExternalLeg(t *testing.T) {
	f := newFixture(t)
	f.deposit(uuid.New(), 400_000)
	f.hedge.FailRequests = true

	rec, err := f.v.Utilize(f.call(), 1<<62)
	require.ErrorIs(t, err, vault.ErrHedgeRequestFailed)
	require.NotNil(t, rec, "swaps already executed must be committed")

	assert.Equal(t, f.seq, f.v.Sequence())
	assert.Equal(t, allocation.StatusIdle, rec.Summary.Status)
	assert.Equal(t, uint64(1), rec.Summary.Round)
	assert.Equal(t, int64(400_000), rec.Summary.Idle)
	assert.Zero(t, rec.Summary.Spot)
	assert.Len(t, f.swapper.Calls, 2)
	assert.NotEmpty(t, rec.Batch.Journals)
}

func TestCommand_SwapFailureCommitsNothing(t *testing.T) {
	f := newFixture(t)
	f.deposit(uuid.New(), 400_000)
	before := f.v.Sequence()
	f.swapper.FailNext = 1

	rec, err := f.v.Utilize(f.call(), 1<<62)
	require.ErrorIs(t, err, vault.ErrSwapFailed)
	assert.Nil(t, rec)
	assert.Equal(t, before, f.v.Sequence())
	assert.Equal(t, int64(400_000), f.v.Summary(f.now).Idle)
	assert.Equal(t, vault.ClassExternal, vault.Classify(err))
}

func TestConfirmAdjust_RoundMismatch(t *testing.T) {
	f := newFixture(t)
	f.deposit(uuid.New(), 400_000)
	_, err := f.v.Utilize(f.call(), 1<<62)
	require.NoError(t, err)

	res := f.hedge.Result(true, 0, f.now)
	res.Round = 7
	rec, err := f.v.ConfirmAdjust(f.call(), res)
	require.ErrorIs(t, err, vault.ErrInvalidRound)
	assert.Nil(t, rec)
	assert.Equal(t, vault.ClassStale, vault.Classify(err))
	assert.Equal(t, allocation.StatusDepositing, f.v.Allocation().Status)
}

func TestPositionReport_BooksHedgePnL(t *testing.T) {
	f := newFixture(t)
	f.deposit(uuid.New(), 400_000)
	f.utilize()

	snap := venue.PositionSnapshot{
		SizeInUnderlying:     3_000,
		NetCollateralBalance: 90_000,
		MarkPrice:            100 * fpmath.PriceScale,
		AsOf:                 f.now + 10,
	}
	rec, err := f.v.PositionReport(f.call(), snap)
	require.NoError(t, err)
	synced := notices(rec, event.NoticePositionSynced)
	require.Len(t, synced, 1)
	assert.Equal(t, int64(-10_000), synced[0].Data.(event.PositionSynced).HedgePnL)
	assert.Equal(t, int64(90_000), rec.Summary.HedgeCollateral)
	assert.Equal(t, int64(390_000), rec.Summary.TotalAssets)

	snap.AsOf--
	snap.NetCollateralBalance = 1
	rec, err = f.v.PositionReport(f.call(), snap)
	require.NoError(t, err)
	assert.Empty(t, rec.Notices, "older reports are ignored")
	assert.Equal(t, int64(90_000), rec.Summary.HedgeCollateral)
}

func TestFees_ManagementFeeMintsToRecipient(t *testing.T) {
	recipient := uuid.New()
	f := newFixture(t, func(c *vault.Config) {
		c.Fees.ManagementRate = 2_000_000
		c.Fees.Recipient = recipient
	})
	f.deposit(uuid.New(), 1_000_000)

	f.now += fpmath.SecondsPerYear*second - second
	rec, err := f.v.HarvestFees(f.call())
	require.NoError(t, err)

	assert.Equal(t, int64(20_000), f.v.SharesOf(recipient))
	accrued := notices(rec, event.NoticeFeesAccrued)
	require.Len(t, accrued, 1)
	assert.Equal(t, int64(20_000), accrued[0].Data.(event.FeesAccrued).ManagementShares)
}

func TestFees_PerformanceFeeOnlyAboveHighWaterMark(t *testing.T) {
	recipient := uuid.New()
	f := newFixture(t, func(c *vault.Config) {
		c.Fees.PerformanceRate = 20_000_000
		c.Fees.Recipient = recipient
	})
	f.deposit(uuid.New(), 1_000_000)

	_, err := f.v.HarvestFees(f.call())
	require.NoError(t, err)
	hwm := f.v.Summary(f.now).HighWaterMark
	require.Equal(t, fpmath.RateScale, hwm)

	f.now += 30 * 24 * 3600 * second
	_, err = f.v.HarvestFees(f.call())
	require.NoError(t, err)
	assert.Zero(t, f.v.SharesOf(recipient), "no profit, no fee")

	_, err = f.v.Donate(f.call(), 100_000)
	require.NoError(t, err)
	f.now += 30 * 24 * 3600 * second
	rec, err := f.v.HarvestFees(f.call())
	require.NoError(t, err)

	assert.Greater(t, f.v.SharesOf(recipient), int64(0))
	assert.Greater(t, rec.Summary.HighWaterMark, hwm)
	require.Len(t, notices(rec, event.NoticeFeesAccrued), 1)
}

func TestVault_PropertiesHoldAcrossOperations(t *testing.T) {
	f := newFixture(t, func(c *vault.Config) { c.AutoAllocate = true })
	alice, bob := uuid.New(), uuid.New()
	_, err := f.v.SetPriorityAccount(f.call(), bob, true)
	require.NoError(t, err)

	var prev [2]queue.LaneState
	for i := 0; i < 60; i++ {
		var err error
		switch i % 6 {
		case 0:
			_, err = f.v.Deposit(f.call(), alice, alice, 100_000+int64(i)*1_001)
		case 1:
			_, err = f.v.Deposit(f.call(), bob, bob, 50_000+int64(i)*7)
		case 2, 5:
			if f.v.Allocation().Active != nil {
				_, err = f.v.ConfirmAdjust(f.call(), f.hedge.Result(true, int64(i), f.now))
			} else {
				_, err = f.v.Upkeep(f.call())
			}
		case 3:
			if shares := f.v.SharesOf(alice) / 3; shares > 0 {
				_, err = f.v.Redeem(f.call(), alice, alice, shares)
			}
		case 4:
			if shares := f.v.SharesOf(bob) / 2; shares > 0 {
				_, err = f.v.Redeem(f.call(), bob, bob, shares)
			}
		}
		require.NotErrorIs(t, err, vault.ErrInvariantViolation, "step %d", i)

		s := f.v.Summary(f.now)
		assert.False(t, s.PendingUtilization > 0 && s.PendingDeutilization > 0, "step %d: utilization and deutilization both pending", i)
		for l, ls := range []queue.LaneState{s.Priority, s.Normal} {
			assert.LessOrEqual(t, ls.CumulativeProcessed, ls.CumulativeRequested, "step %d", i)
			assert.GreaterOrEqual(t, ls.CumulativeProcessed, prev[l].CumulativeProcessed, "step %d", i)
			assert.GreaterOrEqual(t, ls.CumulativeRequested, prev[l].CumulativeRequested, "step %d", i)
			prev[l] = ls
		}
	}
}

func TestState_SnapshotRestore(t *testing.T) {
	f := newFixture(t, func(c *vault.Config) { c.AutoAllocate = true })
	alice := uuid.New()
	f.deposit(alice, 400_000)
	f.utilize()
	rec, err := f.v.Redeem(f.call(), alice, alice, 100_000)
	require.NoError(t, err)
	ticket := onlyTicket(t, rec)
	_, err = f.v.Upkeep(f.call())
	require.NoError(t, err)

	raw, err := json.Marshal(f.v.Snapshot())
	require.NoError(t, err)
	st, err := vault.Migrate(raw)
	require.NoError(t, err)

	restored, err := vault.New(f.cfg, f.deps)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(st))

	assert.Equal(t, f.v.Summary(f.now), restored.Summary(f.now))
	assert.Equal(t, f.v.Tickets(alice, true, f.now), restored.Tickets(alice, true, f.now))
	assert.Equal(t, f.v.Balances(), restored.Balances())

	// the in-flight request survives the restore
	_, err = restored.ConfirmAdjust(f.call(), f.hedge.Result(true, 0, f.now))
	require.NoError(t, err)
	_, err = restored.Claim(f.call(), ticket.ID, alice)
	require.NoError(t, err)
}

func TestMigrate_UpgradesVersionOne(t *testing.T) {
	raw := []byte(`{"version":1,"sequence":3,"fees":{"last_accrued_timestamp":5000000,"high_water_mark":100000000},"priority_accounts":["` + uuid.New().String() + `"]}`)

	st, err := vault.Migrate(raw)
	require.NoError(t, err)
	assert.Equal(t, vault.StateVersion, st.Version)
	assert.Equal(t, int64(5_000_000), st.Fees.LastHarvestedTimestamp)
	assert.Nil(t, st.PriorityAccounts)

	f := newFixture(t)
	require.NoError(t, f.v.Restore(st))
	assert.Equal(t, int64(3), f.v.Sequence())

	_, err = vault.Migrate([]byte(`{"version":9}`))
	require.Error(t, err)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	f := newFixture(t)
	cfg := f.cfg
	cfg.ExitCost = fpmath.RateScale
	_, err := vault.New(cfg, f.deps)
	require.Error(t, err)

	cfg = f.cfg
	cfg.Fees.ManagementRate = 1
	_, err = vault.New(cfg, f.deps)
	require.Error(t, err, "fees need a recipient")
}
