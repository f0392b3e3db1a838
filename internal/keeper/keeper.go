// Package keeper drives the vault's periodic commands: upkeep, settlement,
// fee harvests and snapshots. Jobs run on cron schedules and submit through
// the command loop like any other caller.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"HedgeVault/internal/core"
	"HedgeVault/internal/event"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/vault"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	JobUpkeep   = "upkeep"
	JobSettle   = "settle"
	JobHarvest  = "harvest"
	JobSnapshot = "snapshot"
)

var ErrUnknownJob = errors.New("unknown keeper job")

// Schedules are six-field cron specs (with seconds). An empty spec disables
// the job.
type Schedules struct {
	Upkeep   string `yaml:"upkeep"`
	Settle   string `yaml:"settle"`
	Harvest  string `yaml:"harvest"`
	Snapshot string `yaml:"snapshot"`
}

type Config struct {
	Schedules Schedules
	// SnapshotEvery skips a scheduled snapshot until this many commands were
	// applied since the last one. Zero snapshots on every tick.
	SnapshotEvery int64
	// RatePerSecond and Burst throttle keeper submissions so a backlog of
	// ticks cannot crowd out user commands.
	RatePerSecond float64
	Burst         int
	// Timeout bounds one job.
	Timeout time.Duration
}

// Snapshotter persists the engine state.
type Snapshotter func(ctx context.Context) (int64, error)

// Keeper owns the cron scheduler.
type Keeper struct {
	cfg       Config
	cron      *cron.Cron
	submitter core.Submitter
	sequence  func() int64
	snapshot  Snapshotter
	limiter   *rate.Limiter
	now       func() int64
	metrics   *observability.Metrics
	log       zerolog.Logger

	mu           sync.Mutex
	lastSnapshot int64
	runs         map[string]int64
}

func New(
	cfg Config,
	submitter core.Submitter,
	sequence func() int64,
	snapshot Snapshotter,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Keeper {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log = log.With().Str("component", "keeper").Logger()
	return &Keeper{
		cfg:       cfg,
		cron:      cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cronLogger{log}))),
		submitter: submitter,
		sequence:  sequence,
		snapshot:  snapshot,
		limiter:   rate.NewLimiter(limit, burst),
		now:       func() int64 { return time.Now().UnixMicro() },
		metrics:   metrics,
		log:       log,
		runs:      make(map[string]int64),
	}
}

// WithClock replaces the clock that stamps keeper commands.
func (k *Keeper) WithClock(now func() int64) *Keeper {
	k.now = now
	return k
}

// Register adds every job with a schedule. ctx bounds the jobs' lifetime.
func (k *Keeper) Register(ctx context.Context) error {
	jobs := []struct {
		name, spec string
	}{
		{JobUpkeep, k.cfg.Schedules.Upkeep},
		{JobSettle, k.cfg.Schedules.Settle},
		{JobHarvest, k.cfg.Schedules.Harvest},
		{JobSnapshot, k.cfg.Schedules.Snapshot},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		name := j.name
		if _, err := k.cron.AddFunc(j.spec, func() {
			if err := k.Run(ctx, name); err != nil {
				k.log.Warn().Err(err).Str("job", name).Msg("keeper job failed")
			}
		}); err != nil {
			return fmt.Errorf("register %s job: %w", name, err)
		}
		k.log.Info().Str("job", name).Str("spec", j.spec).Msg("keeper job registered")
	}
	return nil
}

func (k *Keeper) Start() {
	k.cron.Start()
	k.log.Info().Msg("keeper started")
}

// Stop waits for running jobs to finish.
func (k *Keeper) Stop() {
	<-k.cron.Stop().Done()
	k.log.Info().Msg("keeper stopped")
}

// Run executes one job now.
func (k *Keeper) Run(ctx context.Context, job string) error {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.Timeout)
	defer cancel()

	if k.metrics != nil {
		k.metrics.KeeperRuns.WithLabelValues(job).Inc()
	}
	err := k.run(ctx, job)
	if err != nil && k.metrics != nil {
		k.metrics.KeeperErrors.WithLabelValues(job).Inc()
	}
	return err
}

func (k *Keeper) run(ctx context.Context, job string) error {
	if job == JobSnapshot {
		return k.runSnapshot(ctx)
	}

	if err := k.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: throttled: %w", job, err)
	}

	now := k.now()
	id := k.requestID(job, now)
	var cmd event.Command
	switch job {
	case JobUpkeep:
		cmd = &event.Upkeep{RequestID: id, At: now}
	case JobSettle:
		cmd = &event.Settle{RequestID: id, At: now}
	case JobHarvest:
		cmd = &event.HarvestFees{RequestID: id, At: now}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJob, job)
	}

	_, err := k.submitter.Submit(ctx, cmd)
	if err == nil {
		k.log.Debug().Str("job", job).Str("key", id).Msg("keeper command applied")
		return nil
	}
	// nothing to do this tick
	if expected(err) {
		k.log.Debug().Err(err).Str("job", job).Msg("keeper command skipped")
		return nil
	}
	return fmt.Errorf("%s: %w", job, err)
}

// requestID is unique per job and tick. Two ticks in the same microsecond
// get a counter suffix.
func (k *Keeper) requestID(job string, now int64) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.runs[job]++
	return fmt.Sprintf("keeper:%s:%d:%d", job, now, k.runs[job])
}

func (k *Keeper) runSnapshot(ctx context.Context) error {
	if k.snapshot == nil {
		return nil
	}
	seq := k.sequence()

	k.mu.Lock()
	due := seq > k.lastSnapshot && seq-k.lastSnapshot >= k.cfg.SnapshotEvery
	k.mu.Unlock()
	if !due {
		return nil
	}

	taken, err := k.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	k.mu.Lock()
	k.lastSnapshot = taken
	k.mu.Unlock()
	k.log.Info().Int64("sequence", taken).Msg("keeper snapshot")
	return nil
}

// MarkSnapshot records a snapshot taken outside the keeper.
func (k *Keeper) MarkSnapshot(seq int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if seq > k.lastSnapshot {
		k.lastSnapshot = seq
	}
}

func expected(err error) bool {
	switch vault.Classify(err) {
	case vault.ClassPrecondition, vault.ClassStale:
		return true
	}
	return errors.Is(err, core.ErrDuplicateCommand)
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
