package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"HedgeVault/internal/core"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/persistence"

	"github.com/rs/zerolog"
)

const (
	replayBatch       = 1000
	verifyAttempts    = 40
	verifyPollBackoff = 50 * time.Millisecond
)

// restore loads the latest verified snapshot into the engine and replays the
// command log tail against the stored tapes. It returns the last applied
// sequence.
func restore(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (int64, error) {
	start := time.Now()
	from := int64(1)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := snapMgr.VerifyAgainstLog(ctx, snap); err != nil {
			return 0, fmt.Errorf("verify snapshot: %w", err)
		}
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return 0, err
		}
		engine.WarmLRU(snap.IdempotencyKeys)
		from = snap.Sequence + 1
		log.Info().
			Int64("sequence", snap.Sequence).
			Int("idempotency_keys", len(snap.IdempotencyKeys)).
			Msg("snapshot restored")
	} else {
		log.Info().Msg("no snapshot found, cold start")
	}

	replayed := 0
	for {
		batch, err := snapMgr.LoadCommandsFrom(ctx, from, replayBatch)
		if err != nil {
			return 0, fmt.Errorf("load command log from %d: %w", from, err)
		}
		for _, lc := range batch {
			if err := engine.Replay(ctx, lc.Envelope, lc.Tape); err != nil {
				return 0, err
			}
		}
		replayed += len(batch)
		if len(batch) < replayBatch {
			break
		}
		from = batch[len(batch)-1].Envelope.Sequence + 1
	}

	seq := engine.GetSequence()
	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
		metrics.CoreSequence.Set(float64(seq))
	}
	log.Info().
		Int("replayed", replayed).
		Int64("sequence", seq).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return seq, nil
}

// snapshotter captures the engine, stores the snapshot and marks it verified
// once the command log has caught up to the same sequence.
func snapshotter(
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	log zerolog.Logger,
) func(ctx context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		start := time.Now()
		snap := engine.CreateSnapshotState()
		if snap.Sequence == 0 {
			return 0, nil
		}

		size, err := snapMgr.SaveSnapshot(ctx, snap)
		if err != nil {
			return 0, fmt.Errorf("save snapshot: %w", err)
		}

		// the persistence worker may still be flushing the tail
		for attempt := 0; ; attempt++ {
			err = snapMgr.VerifyAgainstLog(ctx, snap)
			if err == nil || errors.Is(err, core.ErrStateHashMismatch) || attempt == verifyAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(verifyPollBackoff):
			}
		}
		if err != nil {
			return 0, fmt.Errorf("snapshot %d not verified: %w", snap.Sequence, err)
		}
		if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
			return 0, fmt.Errorf("mark snapshot verified: %w", err)
		}

		if metrics != nil {
			metrics.SnapshotTaken.Inc()
			metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
			metrics.SnapshotSizeBytes.Set(float64(size))
			metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
		}
		log.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
		return snap.Sequence, nil
	}
}

// sampleChannels reports channel depth until ctx is cancelled.
func sampleChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, probe := range chans {
				n, c := probe()
				metrics.ChannelSize.WithLabelValues(name).Set(float64(n))
				metrics.ChannelCapacity.WithLabelValues(name).Set(float64(c))
				if c > 0 {
					metrics.ChannelUtilization.WithLabelValues(name).Set(float64(n) / float64(c))
				}
			}
		}
	}
}
