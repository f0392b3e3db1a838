package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"HedgeVault/internal/core"
	"HedgeVault/internal/observability"

	"github.com/rs/zerolog"
)

// Name is the watermark key of the vault projection.
const Name = "vault"

// ProjectionWorker updates projection tables from committed commands.
// The projection channel is non-blocking with drop, so projections are
// eventually consistent; a dropped output is noticed as a watermark gap.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log.With().Str("component", "projection").Logger(),
	}
}

// Run loads the watermark and applies outputs until ctx is cancelled or the
// input closes. Outputs at or below the watermark are skipped.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := LoadWatermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq = seq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if seq <= pw.lastSeq {
				continue
			}
			if pw.lastSeq > 0 && seq != pw.lastSeq+1 {
				pw.log.Warn().Int64("from", pw.lastSeq+1).Int64("to", seq-1).Msg("projection gap, outputs were dropped")
			}

			start := time.Now()
			if err := pw.apply(ctx, output); err != nil {
				pw.log.Warn().Err(err).Int64("seq", seq).Msg("projection update failed")
				// eventually consistent; keep going
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(Name).Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = seq
		}
	}
}

// LastSequence returns the last applied sequence.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) apply(ctx context.Context, out core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := out.Envelope.Sequence
	for _, n := range out.Notices {
		if err := applyNotice(ctx, tx, seq, n); err != nil {
			return fmt.Errorf("%s: %w", n.Type, err)
		}
	}
	if err := writeSummary(ctx, tx, seq, out.Summary, out.Envelope.Timestamp); err != nil {
		return fmt.Errorf("summary: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, Name, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// LoadWatermark returns the last sequence applied to the projections.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = $1
	`, Name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// Reset clears every projection table and the watermark.
func Reset(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`TRUNCATE projections.tickets`,
		`TRUNCATE projections.vault_summary`,
		`TRUNCATE projections.fee_history`,
		`TRUNCATE projections.hedge_rounds`,
		`DELETE FROM projections.watermark WHERE projection_name = 'vault'`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset projections: %w", err)
		}
	}
	return nil
}
