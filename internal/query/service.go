package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"HedgeVault/internal/projection"
	"HedgeVault/internal/queue"
	"HedgeVault/internal/vault"

	"github.com/google/uuid"
)

// DefaultLimit caps history pages when the caller gives no limit.
const DefaultLimit = 100

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Live is the running engine as seen by queries.
type Live interface {
	Vault() *vault.Vault
	GetSequence() int64
}

// QueryService serves live reads from the engine's vault and history reads
// from the projection tables. History responses carry the projection
// watermark as as_of_sequence.
type QueryService struct {
	db   *sql.DB
	live Live
	now  func() int64
}

func NewQueryService(db *sql.DB, live Live) *QueryService {
	return &QueryService{
		db:   db,
		live: live,
		now:  func() int64 { return time.Now().UnixMicro() },
	}
}

// WithClock replaces the wall clock used to price live reads.
func (qs *QueryService) WithClock(now func() int64) *QueryService {
	qs.now = now
	return qs
}

// --- live ---

func (qs *QueryService) GetSummary(ctx context.Context) (*SummaryResponse, error) {
	now := qs.now()
	return &SummaryResponse{Summary: qs.live.Vault().Summary(now), AsOf: now}, nil
}

func (qs *QueryService) GetAccount(ctx context.Context, owner uuid.UUID) (*AccountResponse, error) {
	now := qs.now()
	v := qs.live.Vault()
	limits, err := v.Limits(owner, now)
	if err != nil {
		return nil, err
	}
	return &AccountResponse{
		Owner:   owner,
		Shares:  v.SharesOf(owner),
		Assets:  limits.MaxWithdraw,
		Limits:  limits,
		Tickets: v.Tickets(owner, false, now),
		AsOf:    now,
	}, nil
}

func (qs *QueryService) Preview(ctx context.Context, amount int64) (*PreviewResponse, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidArgument)
	}
	now := qs.now()
	p, err := qs.live.Vault().Preview(amount, now)
	if err != nil {
		return nil, err
	}
	return &PreviewResponse{Amount: amount, Previews: p, AsOf: now}, nil
}

// GetTicket returns a live ticket synced to now.
func (qs *QueryService) GetTicket(ctx context.Context, id uuid.UUID) (*TicketResponse, error) {
	now := qs.now()
	t, ok := qs.live.Vault().Ticket(id, now)
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	return &TicketResponse{Ticket: t, AsOf: now}, nil
}

// ListTickets returns an owner's live tickets synced to now.
func (qs *QueryService) ListTickets(ctx context.Context, owner uuid.UUID, includeClaimed bool) (*Page[queue.Ticket], error) {
	now := qs.now()
	v := qs.live.Vault()
	return &Page[queue.Ticket]{Items: v.Tickets(owner, includeClaimed, now), AsOfSequence: v.Sequence()}, nil
}

// --- history ---

// GetTicketHistory pages an owner's tickets, newest first, below
// beforeSequence when it is set.
func (qs *QueryService) GetTicketHistory(ctx context.Context, owner uuid.UUID, limit int, beforeSequence *int64) (*Page[TicketRecord], error) {
	asOf, err := projection.LoadWatermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	q := `
		SELECT ticket_id, owner, receiver, lane, requested_amount, queued_amount,
		       cumulative_at_issuance, executed_from_idle, shares, claimed, claimed_amount,
		       issued_sequence, claimed_sequence, issued_at, claimed_at
		FROM projections.tickets
		WHERE (owner = $1 OR receiver = $1)
	`
	q, args := paginate(q, "issued_sequence", []any{owner}, limit, beforeSequence)

	rows, err := qs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &Page[TicketRecord]{AsOfSequence: asOf}
	for rows.Next() {
		var (
			r               TicketRecord
			claimedAmount   sql.NullInt64
			claimedSequence sql.NullInt64
			claimedAt       sql.NullTime
		)
		if err := rows.Scan(
			&r.TicketID, &r.Owner, &r.Receiver, &r.Lane, &r.RequestedAmount, &r.QueuedAmount,
			&r.CumulativeAtIssuance, &r.ExecutedFromIdle, &r.Shares, &r.Claimed, &claimedAmount,
			&r.IssuedSequence, &claimedSequence, &r.IssuedAt, &claimedAt,
		); err != nil {
			return nil, err
		}
		r.ClaimedAmount = nullInt(claimedAmount)
		r.ClaimedSequence = nullInt(claimedSequence)
		r.ClaimedAt = nullTime(claimedAt)
		page.Items = append(page.Items, r)
	}
	return page, rows.Err()
}

// GetSummaryHistory pages recorded summaries, newest first.
func (qs *QueryService) GetSummaryHistory(ctx context.Context, limit int, beforeSequence *int64) (*Page[SummaryRecord], error) {
	asOf, err := projection.LoadWatermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	q := `
		SELECT sequence, total_assets, total_supply, idle, total_pending, leverage, status, recorded_at
		FROM projections.vault_summary
		WHERE TRUE
	`
	q, args := paginate(q, "sequence", nil, limit, beforeSequence)

	rows, err := qs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &Page[SummaryRecord]{AsOfSequence: asOf}
	for rows.Next() {
		var r SummaryRecord
		if err := rows.Scan(
			&r.Sequence, &r.TotalAssets, &r.TotalSupply, &r.Idle, &r.TotalPending,
			&r.Leverage, &r.Status, &r.RecordedAt,
		); err != nil {
			return nil, err
		}
		page.Items = append(page.Items, r)
	}
	return page, rows.Err()
}

// GetFeeHistory pages fee accruals, newest first.
func (qs *QueryService) GetFeeHistory(ctx context.Context, limit int, beforeSequence *int64) (*Page[FeeRecord], error) {
	asOf, err := projection.LoadWatermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	q := `
		SELECT sequence, recipient, management_shares, performance_shares,
		       performance_assets, high_water_mark, accrued_at
		FROM projections.fee_history
		WHERE TRUE
	`
	q, args := paginate(q, "sequence", nil, limit, beforeSequence)

	rows, err := qs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &Page[FeeRecord]{AsOfSequence: asOf}
	for rows.Next() {
		var r FeeRecord
		if err := rows.Scan(
			&r.Sequence, &r.Recipient, &r.ManagementShares, &r.PerformanceShares,
			&r.PerformanceAssets, &r.HighWaterMark, &r.AccruedAt,
		); err != nil {
			return nil, err
		}
		page.Items = append(page.Items, r)
	}
	return page, rows.Err()
}

// GetHedgeRounds pages hedge adjustment rounds, newest first.
func (qs *QueryService) GetHedgeRounds(ctx context.Context, limit int, beforeRound *int64) (*Page[HedgeRound], error) {
	asOf, err := projection.LoadWatermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	q := `
		SELECT round, kind, size_delta, collateral_delta, is_increase, outcome,
		       cost_recovered, hedge_pnl, requested_sequence, resolved_sequence,
		       requested_at, resolved_at
		FROM projections.hedge_rounds
		WHERE TRUE
	`
	q, args := paginate(q, "round", nil, limit, beforeRound)

	rows, err := qs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &Page[HedgeRound]{AsOfSequence: asOf}
	for rows.Next() {
		var (
			r                 HedgeRound
			cost, pnl, resSeq sql.NullInt64
			resolvedAt        sql.NullTime
		)
		if err := rows.Scan(
			&r.Round, &r.Kind, &r.SizeDelta, &r.CollateralDelta, &r.IsIncrease, &r.Outcome,
			&cost, &pnl, &r.RequestedSequence, &resSeq,
			&r.RequestedAt, &resolvedAt,
		); err != nil {
			return nil, err
		}
		r.CostRecovered = nullInt(cost)
		r.HedgePnL = nullInt(pnl)
		r.ResolvedSequence = nullInt(resSeq)
		r.ResolvedAt = nullTime(resolvedAt)
		page.Items = append(page.Items, r)
	}
	return page, rows.Err()
}

// GetJournalHistory returns journal entries touching account, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, account string, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	q := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	q, args := paginate(q, "sequence", []any{account}, limit, beforeSequence)

	rows, err := qs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the logged hash chain and, when persistence has
// caught up with the engine, that journaled balances match the live ledger.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM event_log.commands c1
		JOIN event_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash != c2.state_hash
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var persisted sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.commands`).Scan(&persisted); err != nil {
		return nil, err
	}
	report.CheckedSequence = persisted.Int64

	watermark, err := projection.LoadWatermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report.ProjectionWatermark = watermark
	report.ProjectionLag = projectionLag(persisted.Int64, watermark)

	if persisted.Int64 == qs.live.GetSequence() {
		drift, err := qs.balanceDrift(ctx)
		if err != nil {
			return nil, err
		}
		report.BalanceDrift = drift
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.BalanceDrift) == 0
	return report, nil
}

func (qs *QueryService) balanceDrift(ctx context.Context) ([]BalanceMismatch, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account, SUM(delta) FROM (
			SELECT debit_account AS account, amount AS delta FROM event_log.journal
			UNION ALL
			SELECT credit_account, -amount FROM event_log.journal
		) t
		GROUP BY account
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	journaled := make(map[string]int64)
	for rows.Next() {
		var account string
		var total int64
		if err := rows.Scan(&account, &total); err != nil {
			return nil, err
		}
		journaled[account] = total
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	live := make(map[string]int64)
	for _, e := range qs.live.Vault().Balances() {
		live[e.Account] = e.Balance
	}
	return compareBalances(journaled, live), nil
}

// --- helpers ---

// paginate appends a keyset condition on col, newest first, and a limit.
func paginate(q, col string, args []any, limit int, before *int64) (string, []any) {
	if limit <= 0 || limit > 10*DefaultLimit {
		limit = DefaultLimit
	}
	if before != nil {
		args = append(args, *before)
		q += fmt.Sprintf(" AND %s < $%d", col, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY %s DESC LIMIT $%d", col, len(args))
	return q, args
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return &n.Int64
}

func nullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}
