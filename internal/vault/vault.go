package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"HedgeVault/internal/allocation"
	"HedgeVault/internal/event"
	"HedgeVault/internal/fees"
	"HedgeVault/internal/ledger"
	fpmath "HedgeVault/internal/math"
	"HedgeVault/internal/queue"
	"HedgeVault/internal/venue"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	depositsAccount    = ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetBase)
	withdrawalsAccount = ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, ledger.AssetBase)
	donationsAccount   = ledger.NewExternalAccountKey(ledger.SubTypeExternalDonations, ledger.AssetBase)
)

var ticketNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("hedgevault:tickets"))

// Deps are the vault's external collaborators.
type Deps struct {
	Prices  venue.PriceSource
	Swapper venue.Swapper
	Hedge   venue.HedgeVenue
	Logger  zerolog.Logger
}

// Call carries what every command needs besides its own arguments.
type Call struct {
	Ctx      context.Context
	Key      string // idempotency key; ticket and journal ids derive from it
	Sequence int64
	Now      int64 // epoch micros, from the command
}

// Receipt is what a committed command produced.
type Receipt struct {
	Batch   *ledger.Batch
	Notices []event.Notice
	Prices  map[string]int64
	Summary Summary
}

// Vault is the settlement core. Every mutating method runs as one command
// against a clone of the state; the clone replaces the live state only when
// the command succeeds or an external leg already executed.
type Vault struct {
	mu   sync.RWMutex
	cfg  Config
	deps Deps
	book *book
	log  zerolog.Logger
}

// book is everything a command may mutate.
type book struct {
	balances *ledger.BalanceTracker
	shares   *ledger.ShareLedger
	queue    *queue.Queue
	alloc    *allocation.Controller
	fees     *fees.Accrual
	priority map[uuid.UUID]bool
	sequence int64
}

func (b *book) clone() *book {
	priority := make(map[uuid.UUID]bool, len(b.priority))
	for k, v := range b.priority {
		priority[k] = v
	}
	feesCopy := *b.fees
	return &book{
		balances: b.balances.Clone(),
		shares:   b.shares.Clone(),
		queue:    b.queue.Clone(),
		alloc:    b.alloc.Clone(),
		fees:     &feesCopy,
		priority: priority,
		sequence: b.sequence,
	}
}

func (b *book) validate() error {
	if err := ledger.NewInvariantValidator(b.balances).ValidateAll(); err != nil {
		return err
	}
	return b.queue.ValidateWatermarks()
}

func New(cfg Config, deps Deps) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vault config: %w", err)
	}
	if deps.Prices == nil || deps.Swapper == nil || deps.Hedge == nil {
		return nil, errors.New("vault requires a price source, a swapper and a hedge venue")
	}

	priority := make(map[uuid.UUID]bool, len(cfg.PriorityAccounts))
	for _, id := range cfg.PriorityAccounts {
		priority[id] = true
	}

	return &Vault{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger,
		book: &book{
			balances: ledger.NewBalanceTracker(),
			shares:   ledger.NewShareLedger(),
			queue:    queue.New(),
			alloc:    allocation.NewController(cfg.Allocation),
			fees:     fees.NewAccrual(cfg.Fees),
			priority: priority,
		},
	}, nil
}

// txn is one command in progress.
type txn struct {
	call    Call
	cfg     *Config
	deps    Deps
	b       *book
	env     *allocation.Env
	oracle  *venue.Pinned
	notices []event.Notice
}

func (tx *txn) notify(t event.NoticeType, data any) {
	tx.notices = append(tx.notices, event.Notice{
		Type:      t,
		Sequence:  tx.call.Sequence,
		Timestamp: tx.call.Now,
		Data:      data,
	})
}

func (tx *txn) bal(k ledger.AccountKey) int64 {
	return tx.b.balances.GetBalance(k)
}

func (tx *txn) transfer(from, to ledger.AccountKey, amount int64, jt ledger.JournalType) error {
	return tx.env.Poster.Transfer(from, to, amount, jt)
}

func newEnv(call Call, b *book, poster *ledger.JournalPoster, oracle venue.Oracle, deps Deps) *allocation.Env {
	return &allocation.Env{
		Ctx:      call.Ctx,
		Now:      call.Now,
		Balances: b.balances,
		Poster:   poster,
		Shares:   b.shares,
		Queue:    b.queue,
		Oracle:   oracle,
		Swapper:  deps.Swapper,
		Hedge:    deps.Hedge,
	}
}

// run executes fn against a clone of the state and commits it per the rule
// above. The returned receipt is non-nil whenever state was committed, even
// if an error is returned alongside it.
func (v *Vault) run(call Call, fn func(tx *txn) error) (*Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if call.Ctx == nil {
		call.Ctx = context.Background()
	}

	b := v.book.clone()
	poster := ledger.NewJournalPoster(b.balances)
	poster.Begin(call.Key, call.Sequence, call.Now)
	oracle := venue.Pin(v.deps.Prices, call.Now)

	tx := &txn{
		call:   call,
		cfg:    &v.cfg,
		deps:   v.deps,
		b:      b,
		env:    newEnv(call, b, poster, oracle, v.deps),
		oracle: oracle,
	}

	err := fn(tx)

	if rerr := b.alloc.Refresh(tx.env); rerr != nil {
		v.log.Warn().Err(rerr).Int64("sequence", call.Sequence).Msg("pending amounts not refreshed")
	}

	if err != nil && !tx.env.SideEffects {
		return nil, err
	}
	if verr := b.validate(); verr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, verr)
	}
	if err != nil {
		v.log.Warn().Err(err).Int64("sequence", call.Sequence).Msg("command failed after external leg, committing")
	}

	b.sequence = call.Sequence
	v.book = b

	summary := summarize(b, newEnv(call, b, nil, oracle, v.deps))
	return &Receipt{
		Batch:   poster.Flush(),
		Notices: tx.notices,
		Prices:  oracle.Prices(),
		Summary: summary,
	}, err
}

// ---------------------------------------------------------------------------
// User commands
// ---------------------------------------------------------------------------

// Deposit adds assets and mints shares to receiver.
func (v *Vault) Deposit(call Call, caller, receiver uuid.UUID, assets int64) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		if assets <= 0 {
			return ErrZeroAmount
		}
		if err := tx.accrueFees(); err != nil {
			return err
		}
		p, err := tx.pricer()
		if err != nil {
			return err
		}
		shares := p.previewDeposit(assets)
		if shares <= 0 {
			return ErrZeroShares
		}
		return tx.deposit(caller, receiver, assets, shares)
	})
}

// Mint mints exactly shares to receiver and takes what they cost.
func (v *Vault) Mint(call Call, caller, receiver uuid.UUID, shares int64) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		if shares <= 0 {
			return ErrZeroShares
		}
		if err := tx.accrueFees(); err != nil {
			return err
		}
		p, err := tx.pricer()
		if err != nil {
			return err
		}
		assets := p.previewMint(shares)
		if assets <= 0 {
			return ErrZeroAmount
		}
		return tx.deposit(caller, receiver, assets, shares)
	})
}

func (tx *txn) deposit(caller, receiver uuid.UUID, assets, shares int64) error {
	if err := tx.b.shares.Mint(receiver, shares); err != nil {
		return err
	}
	if err := tx.transfer(depositsAccount, ledger.IdleAccount, assets, ledger.JournalTypeDeposit); err != nil {
		return err
	}
	tx.notify(event.NoticeSharesMinted, event.SharesMinted{Caller: caller, Receiver: receiver, Assets: assets, Shares: shares})
	// new idle serves queued withdrawals before anything else
	return tx.settle()
}

// Withdraw burns the shares worth assets plus exit cost. Paid at once when
// idle covers it, otherwise a ticket is issued.
func (v *Vault) Withdraw(call Call, owner, receiver uuid.UUID, assets int64) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		if assets <= 0 {
			return ErrZeroAmount
		}
		if err := tx.accrueFees(); err != nil {
			return err
		}
		if err := tx.settle(); err != nil {
			return err
		}
		p, err := tx.pricer()
		if err != nil {
			return err
		}
		shares := p.previewWithdraw(assets)
		if shares <= 0 {
			return ErrZeroShares
		}
		return tx.withdraw(owner, receiver, assets, shares)
	})
}

// Redeem burns exactly shares for their value net of exit cost.
func (v *Vault) Redeem(call Call, owner, receiver uuid.UUID, shares int64) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		if shares <= 0 {
			return ErrZeroShares
		}
		if err := tx.accrueFees(); err != nil {
			return err
		}
		if err := tx.settle(); err != nil {
			return err
		}
		p, err := tx.pricer()
		if err != nil {
			return err
		}
		assets := p.previewRedeem(shares)
		if assets <= 0 {
			return ErrZeroAmount
		}
		return tx.withdraw(owner, receiver, assets, shares)
	})
}

func (tx *txn) withdraw(owner, receiver uuid.UUID, assets, shares int64) error {
	// shares burn before any capital moves
	if err := tx.b.shares.Burn(owner, shares); err != nil {
		return err
	}

	idle := tx.bal(ledger.IdleAccount)
	if idle >= assets {
		if err := tx.transfer(ledger.IdleAccount, withdrawalsAccount, assets, ledger.JournalTypeInstantWithdrawal); err != nil {
			return err
		}
		tx.notify(event.NoticeWithdrawalPaid, event.WithdrawalPaid{Owner: owner, Receiver: receiver, Assets: assets, Shares: shares})
		return nil
	}

	if err := tx.transfer(ledger.IdleAccount, ledger.ClaimableAccount, idle, ledger.JournalTypeEarmark); err != nil {
		return err
	}
	lane := queue.LaneNormal
	if tx.b.priority[owner] {
		lane = queue.LanePriority
	}
	id := uuid.NewSHA1(ticketNamespace, []byte(tx.call.Key))
	t, err := tx.b.queue.Enqueue(id, lane, owner, receiver, assets, idle, tx.call.Now)
	if err != nil {
		return err
	}
	tx.notify(event.NoticeTicketIssued, event.TicketIssued{Ticket: *t, Shares: shares})
	return nil
}

// Claim pays out an executed ticket to its receiver. The last outstanding
// claimant of an emptied vault takes everything left, executed or not.
func (v *Vault) Claim(call Call, ticketID, caller uuid.UUID) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		q := tx.b.queue
		t, err := q.CheckClaim(ticketID, caller)
		if err != nil && !(errors.Is(err, queue.ErrNotExecuted) && tx.isLastClaimant()) {
			return err
		}

		if tx.isLastClaimant() {
			idle := tx.bal(ledger.IdleAccount)
			claimable := tx.bal(ledger.ClaimableAccount)
			inTransit := tx.bal(ledger.InTransitAccount)
			payout := idle + claimable + inTransit

			q.ForceComplete(t, payout, tx.call.Now)
			q.MarkClaimed(t, tx.call.Now)
			for _, pay := range []struct {
				from   ledger.AccountKey
				amount int64
			}{
				{ledger.ClaimableAccount, claimable},
				{ledger.IdleAccount, idle},
				{ledger.InTransitAccount, inTransit},
			} {
				if err := tx.transfer(pay.from, withdrawalsAccount, pay.amount, ledger.JournalTypeClaim); err != nil {
					return err
				}
			}
			tx.notify(event.NoticeClaimed, event.Claimed{TicketID: t.ID, Receiver: t.Receiver, Amount: payout, LastClaimant: true})
			return nil
		}

		q.Sync(t, tx.call.Now)
		q.MarkClaimed(t, tx.call.Now)
		if err := tx.transfer(ledger.ClaimableAccount, withdrawalsAccount, t.RequestedAmount, ledger.JournalTypeClaim); err != nil {
			return err
		}
		tx.notify(event.NoticeClaimed, event.Claimed{TicketID: t.ID, Receiver: t.Receiver, Amount: t.RequestedAmount})
		return nil
	})
}

func (tx *txn) isLastClaimant() bool {
	return tx.b.shares.TotalSupply() == 0 &&
		tx.bal(ledger.SpotAccount) == 0 &&
		tx.bal(ledger.HedgeCollateralAccount) == 0 &&
		tx.b.alloc.State.Active == nil &&
		tx.b.queue.UnclaimedCount() == 1
}

// Donate records capital that arrived without minting shares.
func (v *Vault) Donate(call Call, amount int64) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		if amount <= 0 {
			return ErrZeroAmount
		}
		if err := tx.transfer(donationsAccount, ledger.IdleAccount, amount, ledger.JournalTypeDonation); err != nil {
			return err
		}
		tx.notify(event.NoticeDonated, event.Donated{Amount: amount})
		return nil
	})
}

// ---------------------------------------------------------------------------
// Keeper and operator commands
// ---------------------------------------------------------------------------

// Settle moves idle capital into claimable against queued tickets.
func (v *Vault) Settle(call Call) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		return tx.settle()
	})
}

func (tx *txn) settle() error {
	used := tx.b.queue.Settle(tx.bal(ledger.IdleAccount))
	total := used[queue.LanePriority] + used[queue.LaneNormal]
	if total == 0 {
		return nil
	}
	if err := tx.transfer(ledger.IdleAccount, ledger.ClaimableAccount, total, ledger.JournalTypeEarmark); err != nil {
		return err
	}
	tx.notify(event.NoticeSettled, event.Settled{Priority: used[queue.LanePriority], Normal: used[queue.LaneNormal]})
	return nil
}

func (v *Vault) Utilize(call Call, amount int64) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		if err := tx.b.alloc.Refresh(tx.env); err != nil {
			return err
		}
		return tx.requested(tx.b.alloc.Utilize(tx.env, amount))
	})
}

func (v *Vault) Deutilize(call Call, amount int64) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		if err := tx.b.alloc.Refresh(tx.env); err != nil {
			return err
		}
		return tx.requested(tx.b.alloc.Deutilize(tx.env, amount))
	})
}

func (v *Vault) DecreaseCollateral(call Call) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		if err := tx.b.alloc.Refresh(tx.env); err != nil {
			return err
		}
		return tx.requested(tx.b.alloc.DecreaseCollateral(tx.env))
	})
}

func (tx *txn) requested(req *venue.AdjustRequest, err error) error {
	if req != nil {
		tx.notify(event.NoticeHedgeRequested, event.HedgeRequested{Request: *req})
	}
	return err
}

// Upkeep is the keeper tick. It resets a stale request when allowed, then,
// with no request in flight, settles, syncs the hedge position, acts on the
// leverage check and, with AutoAllocate, drives pending allocation.
func (v *Vault) Upkeep(call Call) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		c := tx.b.alloc

		if c.IsStale(tx.call.Now) && tx.cfg.AutoResetStale {
			conf, err := c.ForceReset(tx.env)
			if err != nil {
				return err
			}
			tx.notify(event.NoticeRequestReset, conf)
		}
		if c.State.Status != allocation.StatusIdle {
			return nil
		}

		if err := tx.settle(); err != nil {
			return err
		}
		if err := tx.syncVenuePosition(tx.deps.Hedge.Snapshot()); err != nil {
			return err
		}
		if err := c.Refresh(tx.env); err != nil {
			return err
		}

		d, err := c.CheckRebalance(tx.env)
		if err != nil {
			return err
		}
		if d.ClampedToZero {
			tx.notify(event.NoticeRebalanceClamped, event.RebalanceClamped{Decision: d})
		}
		if d.Action != allocation.ActionNone {
			return tx.requested(c.Rebalance(tx.env, d))
		}

		if !tx.cfg.AutoAllocate {
			return nil
		}
		return tx.autoAllocate()
	})
}

func (tx *txn) autoAllocate() error {
	c := tx.b.alloc
	var err error
	switch {
	case c.State.PendingDeutilization > 0:
		err = tx.requested(c.Deutilize(tx.env, c.State.PendingDeutilization))
	case c.State.PendingDecreaseCollateral > 0:
		err = tx.requested(c.DecreaseCollateral(tx.env))
	case c.State.PendingUtilization > 0 && c.State.PendingUtilization >= tx.cfg.MinUtilization:
		err = tx.requested(c.Utilize(tx.env, c.State.PendingUtilization))
	}
	if errors.Is(err, ErrZeroAmount) {
		return nil
	}
	return err
}

// ConfirmAdjust applies the hedge venue's answer to the active request.
func (v *Vault) ConfirmAdjust(call Call, res venue.AdjustResult) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		conf, err := tx.b.alloc.OnAdjustPositionConfirmed(tx.env, res)
		if conf != nil {
			tx.notify(event.NoticeAdjustConfirmed, conf)
		}
		return err
	})
}

// PositionReport applies a venue position update while nothing is in flight.
func (v *Vault) PositionReport(call Call, snap venue.PositionSnapshot) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		return tx.syncVenuePosition(snap)
	})
}

func (tx *txn) syncVenuePosition(snap venue.PositionSnapshot) error {
	pnl, applied, err := tx.b.alloc.SyncPosition(tx.env, snap)
	if err != nil {
		return err
	}
	if applied {
		tx.notify(event.NoticePositionSynced, event.PositionSynced{Position: snap, HedgePnL: pnl})
	}
	return nil
}

// HarvestFees accrues and harvests fees outside of a user action.
func (v *Vault) HarvestFees(call Call) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		return tx.accrueFees()
	})
}

// ForceReset abandons the in-flight hedge request.
func (v *Vault) ForceReset(call Call, reason string) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		conf, err := tx.b.alloc.ForceReset(tx.env)
		if err != nil {
			return err
		}
		v.log.Warn().Str("reason", reason).Uint64("round", conf.Round).Str("kind", conf.Kind.String()).Msg("hedge request force reset")
		tx.notify(event.NoticeRequestReset, conf)
		return nil
	})
}

// SetPriorityAccount moves an owner's future tickets to the priority lane.
func (v *Vault) SetPriorityAccount(call Call, account uuid.UUID, enabled bool) (*Receipt, error) {
	return v.run(call, func(tx *txn) error {
		if enabled {
			tx.b.priority[account] = true
		} else {
			delete(tx.b.priority, account)
		}
		tx.notify(event.NoticePriorityAccountSet, event.PriorityAccountSet{Account: account, Enabled: enabled})
		return nil
	})
}

// accrueFees mints the management fee, then harvests the performance fee.
func (tx *txn) accrueFees() error {
	recipient := tx.cfg.Fees.Recipient
	now := tx.call.Now

	mgmt := tx.b.fees.AccrueManagement(now, tx.b.shares.TotalSupply())
	if mgmt > 0 {
		if err := tx.b.shares.Mint(recipient, mgmt); err != nil {
			return err
		}
	}

	ta, err := totalAssets(tx.env)
	if err != nil {
		return err
	}
	perf := tx.b.fees.HarvestPerformance(now, ta, tx.b.shares.TotalSupply())
	if perf.FeeShares > 0 {
		if err := tx.b.shares.Mint(recipient, perf.FeeShares); err != nil {
			return err
		}
	}

	if mgmt > 0 || perf.FeeShares > 0 {
		tx.notify(event.NoticeFeesAccrued, event.FeesAccrued{
			Recipient:         recipient,
			ManagementShares:  mgmt,
			PerformanceShares: perf.FeeShares,
			PerformanceAssets: perf.FeeAssets,
			HighWaterMark:     tx.b.fees.State.HighWaterMark,
		})
	}
	return nil
}

// totalAssets is idle plus utilized capital less what the queue still owes.
func totalAssets(env *allocation.Env) (int64, error) {
	utilized, err := allocation.UtilizedAssets(env)
	if err != nil {
		return 0, err
	}
	idle := env.Balances.GetBalance(ledger.IdleAccount)
	return fpmath.SatSub(idle+utilized, env.Queue.TotalPending()), nil
}
