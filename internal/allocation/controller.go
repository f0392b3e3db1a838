package allocation

import (
	"context"
	"errors"
	"fmt"

	"HedgeVault/internal/ledger"
	fpmath "HedgeVault/internal/math"
	"HedgeVault/internal/queue"
	"HedgeVault/internal/venue"
)

var (
	ErrStatusNotIdle     = errors.New("allocation status not idle")
	ErrZeroPendingAmount = errors.New("zero pending amount")
	ErrZeroAmount        = errors.New("zero amount")
	ErrInvalidRound      = errors.New("adjust result round mismatch")
	ErrNoActiveRequest   = errors.New("no active hedge request")
	ErrInvalidCallback   = errors.New("adjust result does not match active request")
)

var (
	swapAccountBase    = ledger.NewExternalAccountKey(ledger.SubTypeExternalSwap, ledger.AssetBase)
	swapAccountProduct = ledger.NewExternalAccountKey(ledger.SubTypeExternalSwap, ledger.AssetProduct)
	hedgePnLAccount    = ledger.NewExternalAccountKey(ledger.SubTypeExternalHedgePnL, ledger.AssetBase)
	execCostAccount    = ledger.NewExternalAccountKey(ledger.SubTypeExternalExecutionCost, ledger.AssetBase)
)

// ActiveRequest is the one hedge request in flight. Amounts record the
// speculative legs already executed so a failure can be reversed.
type ActiveRequest struct {
	Round           uint64 `json:"round"`
	Kind            Kind   `json:"kind"`
	SizeDelta       int64  `json:"size_delta"`
	CollateralDelta int64  `json:"collateral_delta"`
	IsIncrease      bool   `json:"is_increase"`

	SpotAmount       int64 `json:"spot_amount"`       // product bought or sold
	SpotProceeds     int64 `json:"spot_proceeds"`     // base spent on or received from the swap
	CollateralPosted int64 `json:"collateral_posted"` // base moved into hedge_collateral ahead of confirmation

	RequestedAt int64 `json:"requested_at"`
}

// State is the controller's persisted state.
type State struct {
	Status                    Status                 `json:"status"`
	PendingUtilization        int64                  `json:"pending_utilization"`
	PendingDeutilization      int64                  `json:"pending_deutilization"`
	PendingIncreaseCollateral int64                  `json:"pending_increase_collateral"`
	PendingDecreaseCollateral int64                  `json:"pending_decrease_collateral"`
	Round                     uint64                 `json:"round"`
	Active                    *ActiveRequest         `json:"active,omitempty"`
	Position                  venue.PositionSnapshot `json:"position"`
}

// Params configure the controller.
type Params struct {
	Leverage       LeverageParams `json:"leverage"`
	RequestTimeout int64          `json:"request_timeout"` // micros, 0 disables
}

// Env is everything one command needs to touch. It is rebuilt per command.
type Env struct {
	Ctx      context.Context
	Now      int64
	Balances *ledger.BalanceTracker
	Poster   *ledger.JournalPoster
	Shares   *ledger.ShareLedger
	Queue    *queue.Queue
	Oracle   venue.Oracle
	Swapper  venue.Swapper
	Hedge    venue.HedgeVenue

	// SideEffects is set once an external leg has executed. State touched
	// after that point must be kept even if the command returns an error.
	SideEffects bool
}

func (e *Env) bal(k ledger.AccountKey) int64 {
	return e.Balances.GetBalance(k)
}

func (e *Env) transfer(from, to ledger.AccountKey, amount int64, jt ledger.JournalType) error {
	return e.Poster.Transfer(from, to, amount, jt)
}

// SpotValue prices the spot holding in base units.
func SpotValue(env *Env) (int64, error) {
	spot := env.bal(ledger.SpotAccount)
	if spot == 0 {
		return 0, nil
	}
	return venue.Convert(env.Oracle, ledger.AssetProduct, ledger.AssetBase, spot, fpmath.RoundDown)
}

// UtilizedAssets is spot value plus hedge collateral plus capital in transit.
func UtilizedAssets(env *Env) (int64, error) {
	spot, err := SpotValue(env)
	if err != nil {
		return 0, err
	}
	return spot + env.bal(ledger.HedgeCollateralAccount) + env.bal(ledger.InTransitAccount), nil
}

// Controller is the allocation state machine.
type Controller struct {
	Params Params
	State  State
}

func NewController(params Params) *Controller {
	return &Controller{Params: params}
}

func (c *Controller) Clone() *Controller {
	cp := *c
	if c.State.Active != nil {
		a := *c.State.Active
		cp.State.Active = &a
	}
	return &cp
}

// Refresh recomputes the pending amounts from live balances. Utilization and
// deutilization are exclusive: any pending withdrawal zeroes utilization.
// Once supply reaches zero the whole position is unwound, since everything
// left belongs to the outstanding tickets.
func (c *Controller) Refresh(env *Env) error {
	idle := env.bal(ledger.IdleAccount)
	pending := env.Queue.TotalPending()

	if env.Shares.TotalSupply() == 0 {
		c.State.PendingUtilization = 0
		c.State.PendingIncreaseCollateral = 0
		c.State.PendingDeutilization = 0
		c.State.PendingDecreaseCollateral = 0
		if spot := env.bal(ledger.SpotAccount); spot > 0 {
			c.State.PendingDeutilization = spot
		} else {
			c.State.PendingDecreaseCollateral = env.bal(ledger.HedgeCollateralAccount)
		}
		return nil
	}

	if pending == 0 {
		l := c.Params.Leverage.TargetLeverage
		pu := fpmath.MulDiv(idle, l, l+fpmath.RateScale, fpmath.RoundDown)
		c.State.PendingUtilization = pu
		c.State.PendingIncreaseCollateral = idle - pu
		c.State.PendingDeutilization = 0
		c.State.PendingDecreaseCollateral = 0
		return nil
	}

	c.State.PendingUtilization = 0
	c.State.PendingIncreaseCollateral = 0
	c.State.PendingDeutilization = 0
	c.State.PendingDecreaseCollateral = 0

	unmet := fpmath.SatSub(pending, idle+env.bal(ledger.InTransitAccount))
	if unmet == 0 {
		return nil
	}

	spot := env.bal(ledger.SpotAccount)
	if spot == 0 {
		c.State.PendingDecreaseCollateral = fpmath.Min(unmet, env.bal(ledger.HedgeCollateralAccount))
		return nil
	}

	utilized, err := UtilizedAssets(env)
	if err != nil {
		return fmt.Errorf("refresh pending deutilization: %w", err)
	}
	if unmet >= utilized {
		c.State.PendingDeutilization = spot
	} else {
		c.State.PendingDeutilization = fpmath.MulDiv(spot, unmet, utilized, fpmath.RoundUp)
	}
	return nil
}

// Utilize deploys up to amount of idle capital into spot plus hedge
// collateral and asks the venue to grow the short by the spot bought.
func (c *Controller) Utilize(env *Env, amount int64) (*venue.AdjustRequest, error) {
	if c.State.Status != StatusIdle {
		return nil, fmt.Errorf("%w: %s", ErrStatusNotIdle, c.State.Status)
	}
	if c.State.PendingUtilization <= 0 {
		return nil, ErrZeroPendingAmount
	}

	pu := c.State.PendingUtilization
	amt := fpmath.Min(fpmath.Min(amount, env.bal(ledger.IdleAccount)), pu)
	if maxSize := env.Hedge.Bounds().MaxIncreaseSize; maxSize > 0 {
		capBase, err := venue.Convert(env.Oracle, ledger.AssetProduct, ledger.AssetBase, maxSize, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		amt = fpmath.Min(amt, capBase)
	}
	if amt <= 0 {
		return nil, ErrZeroAmount
	}
	collateral := fpmath.MulDiv(c.State.PendingIncreaseCollateral, amt, pu, fpmath.RoundDown)

	bought, err := env.Swapper.Swap(env.Ctx, amt, ledger.AssetBase, ledger.AssetProduct)
	if err != nil {
		return nil, swapErr("utilize", err)
	}
	env.SideEffects = true

	if err := c.postBuy(env, ledger.IdleAccount, amt, bought); err != nil {
		return nil, err
	}
	if err := env.transfer(ledger.IdleAccount, ledger.HedgeCollateralAccount, collateral, ledger.JournalTypeCollateralPost); err != nil {
		return nil, err
	}

	active := &ActiveRequest{
		Kind:             KindIncreaseSize,
		SizeDelta:        bought,
		CollateralDelta:  collateral,
		IsIncrease:       true,
		SpotAmount:       bought,
		SpotProceeds:     amt,
		CollateralPosted: collateral,
	}
	return c.begin(env, active)
}

// Deutilize sells up to amount of spot toward pending withdrawals and asks
// the venue to shrink the short by the same size, releasing collateral
// pro rata. Proceeds wait in transit until the venue confirms.
func (c *Controller) Deutilize(env *Env, amount int64) (*venue.AdjustRequest, error) {
	if c.State.Status != StatusIdle {
		return nil, fmt.Errorf("%w: %s", ErrStatusNotIdle, c.State.Status)
	}
	if c.State.PendingDeutilization <= 0 {
		return nil, ErrZeroPendingAmount
	}

	spot := env.bal(ledger.SpotAccount)
	amt := fpmath.Min(fpmath.Min(amount, spot), c.State.PendingDeutilization)
	if maxSize := env.Hedge.Bounds().MaxDecreaseSize; maxSize > 0 {
		amt = fpmath.Min(amt, maxSize)
	}
	if amt <= 0 {
		return nil, ErrZeroAmount
	}

	positionSize := c.State.Position.SizeInUnderlying
	hedgeNet := env.bal(ledger.HedgeCollateralAccount)

	sizeDelta := fpmath.Min(amt, positionSize)
	var collateralDelta int64
	if amt >= spot {
		sizeDelta = positionSize
		collateralDelta = hedgeNet
	} else if positionSize > 0 {
		collateralDelta = fpmath.MulDiv(hedgeNet, amt, positionSize, fpmath.RoundDown)
	}

	proceeds, err := c.sell(env, amt)
	if err != nil {
		return nil, err
	}

	active := &ActiveRequest{
		Kind:            KindDecreaseSize,
		SizeDelta:       sizeDelta,
		CollateralDelta: collateralDelta,
		SpotAmount:      amt,
		SpotProceeds:    proceeds,
	}
	return c.begin(env, active)
}

// DecreaseCollateral requests a collateral-only release when withdrawals
// are still unmet and no spot is left to sell.
func (c *Controller) DecreaseCollateral(env *Env) (*venue.AdjustRequest, error) {
	if c.State.Status != StatusIdle {
		return nil, fmt.Errorf("%w: %s", ErrStatusNotIdle, c.State.Status)
	}
	if c.State.PendingDecreaseCollateral <= 0 {
		return nil, ErrZeroPendingAmount
	}

	amt := c.State.PendingDecreaseCollateral
	if maxDec := env.Hedge.Bounds().MaxDecreaseCollateral; maxDec > 0 {
		amt = fpmath.Min(amt, maxDec)
	}
	active := &ActiveRequest{
		Kind:            KindDecreaseCollateral,
		CollateralDelta: amt,
	}
	return c.begin(env, active)
}

// CheckRebalance evaluates leverage against the hedge position as booked.
func (c *Controller) CheckRebalance(env *Env) (Decision, error) {
	pos := c.State.Position
	pos.NetCollateralBalance = env.bal(ledger.HedgeCollateralAccount)
	if pos.MarkPrice == 0 && pos.SizeInUnderlying > 0 {
		price, err := env.Oracle.PriceOf(ledger.AssetProduct)
		if err != nil {
			return Decision{}, err
		}
		pos.MarkPrice = price
	}
	return CheckNeedsRebalance(pos, c.Params.Leverage, env.Hedge.Bounds(), env.bal(ledger.IdleAccount)), nil
}

// Rebalance acts on a leverage decision. Returns a nil request when no
// action is needed.
func (c *Controller) Rebalance(env *Env, d Decision) (*venue.AdjustRequest, error) {
	if c.State.Status != StatusIdle {
		return nil, fmt.Errorf("%w: %s", ErrStatusNotIdle, c.State.Status)
	}

	switch d.Action {
	case ActionEmergencyDecrease, ActionDeleverage:
		kind := KindEmergencyDecrease
		if d.Action == ActionDeleverage {
			kind = KindDeleverage
		}
		sold := fpmath.Min(d.SizeDelta, env.bal(ledger.SpotAccount))
		var proceeds int64
		if sold > 0 {
			var err error
			if proceeds, err = c.sell(env, sold); err != nil {
				return nil, err
			}
		}
		return c.begin(env, &ActiveRequest{
			Kind:         kind,
			SizeDelta:    d.SizeDelta,
			SpotAmount:   sold,
			SpotProceeds: proceeds,
		})

	case ActionIncreaseCollateral:
		if err := env.transfer(ledger.IdleAccount, ledger.HedgeCollateralAccount, d.CollateralDelta, ledger.JournalTypeCollateralPost); err != nil {
			return nil, err
		}
		return c.begin(env, &ActiveRequest{
			Kind:             KindIncreaseCollateral,
			CollateralDelta:  d.CollateralDelta,
			IsIncrease:       true,
			CollateralPosted: d.CollateralDelta,
		})

	case ActionDecreaseCollateral:
		return c.begin(env, &ActiveRequest{
			Kind:            KindDecreaseCollateral,
			CollateralDelta: d.CollateralDelta,
		})
	}
	return nil, nil
}

// begin assigns the next round, publishes the request and moves the FSM out
// of Idle. A failed publish reverses the legs already executed.
func (c *Controller) begin(env *Env, a *ActiveRequest) (*venue.AdjustRequest, error) {
	next := a.Kind.Status()
	if !c.State.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrStatusNotIdle, c.State.Status, next)
	}

	c.State.Round++
	a.Round = c.State.Round
	a.RequestedAt = env.Now

	req := venue.AdjustRequest{
		Round:           a.Round,
		Kind:            a.Kind.String(),
		SizeDelta:       a.SizeDelta,
		CollateralDelta: a.CollateralDelta,
		IsIncrease:      a.IsIncrease,
	}
	if err := env.Hedge.RequestAdjust(env.Ctx, req); err != nil {
		if _, revErr := c.revert(env, a); revErr != nil {
			return nil, errors.Join(hedgeErr(err), revErr)
		}
		return nil, hedgeErr(err)
	}
	env.SideEffects = true

	c.State.Status = next
	c.State.Active = a
	return &req, nil
}

// Confirmation describes how an adjust result was applied.
type Confirmation struct {
	Round         uint64                 `json:"round"`
	Kind          Kind                   `json:"kind"`
	Success       bool                   `json:"success"`
	Released      int64                  `json:"released"`
	CostRecovered int64                  `json:"cost_recovered"`
	Waterfall     *queue.WaterfallResult `json:"waterfall,omitempty"`
	Reversal      *Reversal              `json:"reversal,omitempty"`
	HedgePnL      int64                  `json:"hedge_pnl"`
	ForcedReset   bool                   `json:"forced_reset,omitempty"`
	PositionAfter venue.PositionSnapshot `json:"position_after"`
}

// OnAdjustPositionConfirmed applies the venue's answer to the active request.
// On success released capital and recovered cost run through the waterfall.
// On failure the speculative legs are reversed and the pending counters are
// left for the next refresh, so the action can simply be retried.
func (c *Controller) OnAdjustPositionConfirmed(env *Env, res venue.AdjustResult) (*Confirmation, error) {
	a := c.State.Active
	if c.State.Status == StatusIdle || a == nil {
		return nil, ErrNoActiveRequest
	}
	if res.Round != a.Round {
		return nil, fmt.Errorf("%w: got %d, active %d", ErrInvalidRound, res.Round, a.Round)
	}
	if res.Success && res.IsIncrease != a.IsIncrease {
		return nil, fmt.Errorf("%w: direction mismatch for %s", ErrInvalidCallback, a.Kind)
	}
	if res.CollateralDelta < 0 || res.SizeDelta < 0 || res.ExecutionCostRecovered < 0 {
		return nil, fmt.Errorf("%w: negative deltas", ErrInvalidCallback)
	}

	out := &Confirmation{Round: a.Round, Kind: a.Kind, Success: res.Success}

	if !res.Success {
		rev, err := c.revert(env, a)
		if err != nil {
			return nil, err
		}
		out.Reversal = rev
		if err := env.transfer(execCostAccount, ledger.IdleAccount, res.ExecutionCostRecovered, ledger.JournalTypeExecutionCostRecovered); err != nil {
			return nil, err
		}
		out.CostRecovered = res.ExecutionCostRecovered
		if res.Position != nil {
			pnl, err := c.markToMarket(env, *res.Position)
			if err != nil {
				return nil, err
			}
			out.HedgePnL = pnl
		}
		c.finish()
		out.PositionAfter = c.State.Position
		return out, nil
	}

	var spotProceeds int64
	if a.Kind.releasesCapital() {
		released := res.CollateralDelta
		if shortfall := released - env.bal(ledger.HedgeCollateralAccount); shortfall > 0 {
			// venue released more than booked: unrealized gain realized now
			if err := env.transfer(hedgePnLAccount, ledger.HedgeCollateralAccount, shortfall, ledger.JournalTypeHedgePnL); err != nil {
				return nil, err
			}
			out.HedgePnL += shortfall
		}
		if err := env.transfer(ledger.HedgeCollateralAccount, ledger.InTransitAccount, released, ledger.JournalTypeCollateralRelease); err != nil {
			return nil, err
		}
		out.Released = released
		spotProceeds = a.SpotProceeds
	}
	if err := env.transfer(execCostAccount, ledger.InTransitAccount, res.ExecutionCostRecovered, ledger.JournalTypeExecutionCostRecovered); err != nil {
		return nil, err
	}
	out.CostRecovered = res.ExecutionCostRecovered

	if res.Position != nil {
		pnl, err := c.markToMarket(env, *res.Position)
		if err != nil {
			return nil, err
		}
		out.HedgePnL += pnl
	} else {
		c.applyLocally(env, a, res)
	}

	inTransit := env.bal(ledger.InTransitAccount)
	if inTransit > 0 {
		comps := queue.Components{
			Spot:  fpmath.Min(spotProceeds, inTransit),
			Hedge: out.Released,
			Cost:  out.CostRecovered,
		}
		comps.Idle = fpmath.SatSub(inTransit, comps.Spot+comps.Hedge+comps.Cost)
		wf, err := c.RunWaterfall(env, comps)
		if err != nil {
			return nil, err
		}
		out.Waterfall = wf
	}

	c.finish()
	out.PositionAfter = c.State.Position
	return out, nil
}

// RunWaterfall settles in-transit capital against the queue: allocations
// become claimable, the leftover returns to idle.
func (c *Controller) RunWaterfall(env *Env, comps queue.Components) (*queue.WaterfallResult, error) {
	if comps.Total() != env.bal(ledger.InTransitAccount) {
		return nil, fmt.Errorf("waterfall input %d does not match in-transit balance %d", comps.Total(), env.bal(ledger.InTransitAccount))
	}
	wf := env.Queue.RunWaterfall(comps, env.Now)
	if err := env.transfer(ledger.InTransitAccount, ledger.ClaimableAccount, wf.Allocated.Total(), ledger.JournalTypeWaterfallAllocate); err != nil {
		return nil, err
	}
	if err := env.transfer(ledger.InTransitAccount, ledger.IdleAccount, wf.Leftover.Total(), ledger.JournalTypeTransitRelease); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ForceReset abandons the active request. Speculative legs are reversed as
// on failure and the round advances so a late confirmation cannot match.
func (c *Controller) ForceReset(env *Env) (*Confirmation, error) {
	a := c.State.Active
	if a == nil {
		return nil, ErrNoActiveRequest
	}
	rev, err := c.revert(env, a)
	if err != nil {
		return nil, err
	}
	c.finish()
	c.State.Round++
	return &Confirmation{Round: a.Round, Kind: a.Kind, Reversal: rev, ForcedReset: true, PositionAfter: c.State.Position}, nil
}

// IsStale reports whether the active request has waited past the timeout.
func (c *Controller) IsStale(now int64) bool {
	a := c.State.Active
	return a != nil && c.Params.RequestTimeout > 0 && now-a.RequestedAt > c.Params.RequestTimeout
}

// SyncPosition applies a venue position report while no request is in
// flight. Returns the hedge PnL booked.
func (c *Controller) SyncPosition(env *Env, snap venue.PositionSnapshot) (int64, bool, error) {
	if c.State.Status != StatusIdle || snap.AsOf <= c.State.Position.AsOf {
		return 0, false, nil
	}
	pnl, err := c.markToMarket(env, snap)
	if err != nil {
		return 0, false, err
	}
	return pnl, true, nil
}

// markToMarket books the difference between the venue's net collateral and
// hedge_collateral as hedge PnL and stores the snapshot.
func (c *Controller) markToMarket(env *Env, snap venue.PositionSnapshot) (int64, error) {
	net := fpmath.Max(snap.NetCollateralBalance, 0)
	booked := env.bal(ledger.HedgeCollateralAccount)
	diff := net - booked
	switch {
	case diff > 0:
		if err := env.transfer(hedgePnLAccount, ledger.HedgeCollateralAccount, diff, ledger.JournalTypeHedgePnL); err != nil {
			return 0, err
		}
	case diff < 0:
		if err := env.transfer(ledger.HedgeCollateralAccount, hedgePnLAccount, -diff, ledger.JournalTypeHedgePnL); err != nil {
			return 0, err
		}
	}
	if snap.AsOf == 0 {
		snap.AsOf = env.Now
	}
	c.State.Position = snap
	return diff, nil
}

func (c *Controller) applyLocally(env *Env, a *ActiveRequest, res venue.AdjustResult) {
	pos := c.State.Position
	if a.IsIncrease {
		pos.SizeInUnderlying += res.SizeDelta
	} else {
		pos.SizeInUnderlying = fpmath.SatSub(pos.SizeInUnderlying, res.SizeDelta)
	}
	pos.NetCollateralBalance = env.bal(ledger.HedgeCollateralAccount)
	pos.AsOf = env.Now
	c.State.Position = pos
}

func (c *Controller) finish() {
	c.State.Status = StatusIdle
	c.State.Active = nil
}

// Reversal reports what undoing a request's speculative legs did.
type Reversal struct {
	SpotSoldBack       int64 `json:"spot_sold_back"`
	BaseRecovered      int64 `json:"base_recovered"`
	SpotRebought       int64 `json:"spot_rebought"`
	CollateralReturned int64 `json:"collateral_returned"`
	ProceedsToIdle     int64 `json:"proceeds_to_idle"`
	SwapFailed         bool  `json:"swap_failed"`
}

func (c *Controller) revert(env *Env, a *ActiveRequest) (*Reversal, error) {
	rev := &Reversal{}

	switch a.Kind {
	case KindIncreaseSize:
		if amt := fpmath.Min(a.SpotAmount, env.bal(ledger.SpotAccount)); amt > 0 {
			back, err := env.Swapper.Swap(env.Ctx, amt, ledger.AssetProduct, ledger.AssetBase)
			if err != nil {
				// spot stays on the books; the next refresh sees it
				rev.SwapFailed = true
			} else {
				env.SideEffects = true
				if err := c.postSell(env, ledger.IdleAccount, amt, back); err != nil {
					return nil, err
				}
				rev.SpotSoldBack = amt
				rev.BaseRecovered = back
			}
		}
		if err := c.returnCollateral(env, a, rev); err != nil {
			return nil, err
		}

	case KindDecreaseSize, KindEmergencyDecrease, KindDeleverage:
		amt := fpmath.Min(a.SpotProceeds, env.bal(ledger.InTransitAccount))
		if amt > 0 {
			bought, err := env.Swapper.Swap(env.Ctx, amt, ledger.AssetBase, ledger.AssetProduct)
			if err != nil {
				rev.SwapFailed = true
				if err := env.transfer(ledger.InTransitAccount, ledger.IdleAccount, amt, ledger.JournalTypeReversal); err != nil {
					return nil, err
				}
				rev.ProceedsToIdle = amt
			} else {
				env.SideEffects = true
				if err := c.postBuy(env, ledger.InTransitAccount, amt, bought); err != nil {
					return nil, err
				}
				rev.SpotRebought = bought
			}
		}

	case KindIncreaseCollateral:
		if err := c.returnCollateral(env, a, rev); err != nil {
			return nil, err
		}
	}

	// anything else parked in transit goes back to idle
	if rest := env.bal(ledger.InTransitAccount); rest > 0 {
		if err := env.transfer(ledger.InTransitAccount, ledger.IdleAccount, rest, ledger.JournalTypeReversal); err != nil {
			return nil, err
		}
		rev.ProceedsToIdle += rest
	}
	return rev, nil
}

func (c *Controller) returnCollateral(env *Env, a *ActiveRequest, rev *Reversal) error {
	amt := fpmath.Min(a.CollateralPosted, env.bal(ledger.HedgeCollateralAccount))
	if err := env.transfer(ledger.HedgeCollateralAccount, ledger.IdleAccount, amt, ledger.JournalTypeReversal); err != nil {
		return err
	}
	rev.CollateralReturned = amt
	return nil
}

// sell swaps spot for base; proceeds wait in transit.
func (c *Controller) sell(env *Env, amt int64) (int64, error) {
	proceeds, err := env.Swapper.Swap(env.Ctx, amt, ledger.AssetProduct, ledger.AssetBase)
	if err != nil {
		return 0, swapErr("sell spot", err)
	}
	env.SideEffects = true
	if err := c.postSell(env, ledger.InTransitAccount, amt, proceeds); err != nil {
		return 0, err
	}
	return proceeds, nil
}

// postBuy books base leaving from into the swap and product arriving in spot.
func (c *Controller) postBuy(env *Env, from ledger.AccountKey, baseIn, productOut int64) error {
	if err := env.transfer(from, swapAccountBase, baseIn, ledger.JournalTypeSwapOut); err != nil {
		return err
	}
	return env.transfer(swapAccountProduct, ledger.SpotAccount, productOut, ledger.JournalTypeSwapIn)
}

// postSell books product leaving spot and base arriving in to.
func (c *Controller) postSell(env *Env, to ledger.AccountKey, productIn, baseOut int64) error {
	if err := env.transfer(ledger.SpotAccount, swapAccountProduct, productIn, ledger.JournalTypeSwapOut); err != nil {
		return err
	}
	return env.transfer(swapAccountBase, to, baseOut, ledger.JournalTypeSwapIn)
}

func swapErr(op string, err error) error {
	if errors.Is(err, venue.ErrSwapFailed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, venue.ErrSwapFailed, err)
}

func hedgeErr(err error) error {
	if errors.Is(err, venue.ErrHedgeRequestFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", venue.ErrHedgeRequestFailed, err)
}
