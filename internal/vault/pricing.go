package vault

import (
	"HedgeVault/internal/allocation"
	"HedgeVault/internal/ledger"
	fpmath "HedgeVault/internal/math"

	"github.com/google/uuid"
)

// pricer is a frozen view of the numbers every preview needs.
type pricer struct {
	supply    int64
	assets    int64 // total assets net of pending withdrawals
	idle      int64
	pending   int64
	entryCost int64
	exitCost  int64
}

func newPricer(env *allocation.Env, b *book, cfg *Config) (pricer, error) {
	ta, err := totalAssets(env)
	if err != nil {
		return pricer{}, err
	}
	return pricer{
		supply:    b.shares.TotalSupply(),
		assets:    ta,
		idle:      env.Balances.GetBalance(ledger.IdleAccount),
		pending:   env.Queue.TotalPending(),
		entryCost: cfg.EntryCost,
		exitCost:  cfg.ExitCost,
	}, nil
}

func (tx *txn) pricer() (pricer, error) {
	return newPricer(tx.env, tx.b, tx.cfg)
}

func (p pricer) toShares(assets int64, mode fpmath.RoundingMode) int64 {
	return fpmath.ConvertToShares(assets, p.supply, p.assets, mode)
}

func (p pricer) toAssets(shares int64, mode fpmath.RoundingMode) int64 {
	return fpmath.ConvertToAssets(shares, p.supply, p.assets, mode)
}

// Entry cost is charged only on the part of a deposit that will have to be
// deployed; the part that fills pending withdrawals stays idle.
func (p pricer) previewDeposit(assets int64) int64 {
	cost := fpmath.CostOnTotal(fpmath.SatSub(assets, p.pending), p.entryCost)
	return p.toShares(assets-cost, fpmath.RoundDown)
}

func (p pricer) previewMint(shares int64) int64 {
	assets := p.toAssets(shares, fpmath.RoundUp)
	return assets + fpmath.CostOnRaw(fpmath.SatSub(assets, p.pending), p.entryCost)
}

// Exit cost is charged only on the part of a withdrawal idle cannot cover.
func (p pricer) previewWithdraw(assets int64) int64 {
	cost := fpmath.CostOnRaw(fpmath.SatSub(assets, p.idle), p.exitCost)
	return p.toShares(assets+cost, fpmath.RoundUp)
}

func (p pricer) previewRedeem(shares int64) int64 {
	assets := p.toAssets(shares, fpmath.RoundDown)
	return assets - fpmath.CostOnTotal(fpmath.SatSub(assets, p.idle), p.exitCost)
}

func (p pricer) maxInstantRedeem(balance int64) int64 {
	return fpmath.Min(balance, p.toShares(p.idle, fpmath.RoundDown))
}

// Previews answers what each entry point would do right now.
type Previews struct {
	Deposit  int64 `json:"deposit"`  // shares for the asset amount
	Mint     int64 `json:"mint"`     // assets for the share amount
	Withdraw int64 `json:"withdraw"` // shares for the asset amount
	Redeem   int64 `json:"redeem"`   // assets for the share amount
}

// Limits are the per-owner maximums.
type Limits struct {
	MaxDeposit         int64 `json:"max_deposit"`
	MaxMint            int64 `json:"max_mint"`
	MaxWithdraw        int64 `json:"max_withdraw"`
	MaxRedeem          int64 `json:"max_redeem"`
	MaxInstantWithdraw int64 `json:"max_instant_withdraw"`
	MaxInstantRedeem   int64 `json:"max_instant_redeem"`
}

// view builds a read-only env over the live state. Callers hold v.mu.
func (v *Vault) view(now int64) (*allocation.Env, pricer, error) {
	env := newEnv(Call{Now: now}, v.book, nil, v.pin(now), v.deps)
	p, err := newPricer(env, v.book, &v.cfg)
	return env, p, err
}

// Preview prices amount through all four entry points. Fees that would
// accrue before the command are not included.
func (v *Vault) Preview(amount, now int64) (Previews, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	_, p, err := v.view(now)
	if err != nil {
		return Previews{}, err
	}
	return Previews{
		Deposit:  p.previewDeposit(amount),
		Mint:     p.previewMint(amount),
		Withdraw: p.previewWithdraw(amount),
		Redeem:   p.previewRedeem(amount),
	}, nil
}

func (v *Vault) Limits(owner uuid.UUID, now int64) (Limits, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	_, p, err := v.view(now)
	if err != nil {
		return Limits{}, err
	}
	balance := v.book.shares.BalanceOf(owner)
	instant := p.maxInstantRedeem(balance)
	return Limits{
		MaxDeposit:         1<<63 - 1,
		MaxMint:            1<<63 - 1,
		MaxWithdraw:        p.previewRedeem(balance),
		MaxRedeem:          balance,
		MaxInstantWithdraw: p.previewRedeem(instant),
		MaxInstantRedeem:   instant,
	}, nil
}
