package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"HedgeVault/internal/allocation"
	"HedgeVault/internal/event"
	"HedgeVault/internal/vault"
)

func micros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// applyNotice writes one notice into its table. Notices without a table are
// ignored.
func applyNotice(ctx context.Context, tx *sql.Tx, seq int64, n event.Notice) error {
	at := micros(n.Timestamp)

	switch d := n.Data.(type) {
	case event.TicketIssued:
		t := d.Ticket
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.tickets
				(ticket_id, owner, receiver, lane, requested_amount, queued_amount,
				 cumulative_at_issuance, executed_from_idle, shares, issued_sequence, issued_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (ticket_id) DO NOTHING
		`, t.ID, t.Owner, t.Receiver, t.Lane.String(), t.RequestedAmount, t.QueuedAmount,
			t.CumulativeRequestedAtIssuance, t.ExecutedFromIdle, d.Shares, seq, at)
		return err

	case event.Claimed:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.tickets
			SET claimed = TRUE, claimed_amount = $2, claimed_sequence = $3, claimed_at = $4
			WHERE ticket_id = $1
		`, d.TicketID, d.Amount, seq, at)
		return err

	case event.FeesAccrued:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.fee_history
				(sequence, recipient, management_shares, performance_shares,
				 performance_assets, high_water_mark, accrued_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (sequence) DO NOTHING
		`, seq, d.Recipient, d.ManagementShares, d.PerformanceShares,
			d.PerformanceAssets, d.HighWaterMark, at)
		return err

	case event.HedgeRequested:
		r := d.Request
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.hedge_rounds
				(round, kind, size_delta, collateral_delta, is_increase, requested_sequence, requested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (round) DO NOTHING
		`, int64(r.Round), r.Kind, r.SizeDelta, r.CollateralDelta, r.IsIncrease, seq, at)
		return err

	case *allocation.Confirmation:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.hedge_rounds
			SET outcome = $2, cost_recovered = $3, hedge_pnl = $4, resolved_sequence = $5, resolved_at = $6
			WHERE round = $1
		`, int64(d.Round), roundOutcome(n.Type, d), d.CostRecovered, d.HedgePnL, seq, at)
		return err
	}
	return nil
}

func roundOutcome(t event.NoticeType, c *allocation.Confirmation) string {
	switch {
	case t == event.NoticeRequestReset || c.ForcedReset:
		return "reset"
	case c.Success:
		return "success"
	default:
		return "failure"
	}
}

func writeSummary(ctx context.Context, tx *sql.Tx, seq int64, s vault.Summary, at time.Time) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.vault_summary
			(sequence, total_assets, total_supply, idle, total_pending, leverage, status, summary, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, s.TotalAssets, s.TotalSupply, s.Idle, s.TotalPending, s.Leverage, s.Status.String(), string(raw), at)
	return err
}
