package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"HedgeVault/internal/allocation"
	"HedgeVault/internal/event"
	"HedgeVault/internal/ledger"
	fpmath "HedgeVault/internal/math"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/vault"

	"github.com/rs/zerolog"
)

var (
	ErrDuplicateCommand  = errors.New("duplicate command")
	ErrMissingKey        = errors.New("command has no idempotency key")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrSequenceGap       = errors.New("command log sequence gap")
	ErrStateHashMismatch = errors.New("state hash mismatch")
)

// snapshotKeyLimit caps how many dedup keys a snapshot carries.
const snapshotKeyLimit = 100_000

// Engine is the single-threaded command processor in front of the vault.
// It assigns sequences, deduplicates, chains state hashes and hands every
// committed command to persistence and projections.
type Engine struct {
	mu sync.Mutex

	sequence    int64 // next sequence to assign
	chain       *HashChain
	vault       *vault.Vault
	recorder    *Recorder
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	log         zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one committed command.
type CoreOutput struct {
	Envelope    *event.CommandEnvelope
	Batch       *ledger.Batch
	Notices     []event.Notice
	Summary     vault.Summary
	Tape        *Tape
	StateDigest []byte
}

// NewEngine wires an engine around v. recorder may be nil when the vault
// talks to its venues directly; replay then is not available.
func NewEngine(
	startSequence int64,
	v *vault.Vault,
	recorder *Recorder,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	if startSequence < 1 {
		startSequence = 1
	}
	return &Engine{
		sequence:       startSequence,
		chain:          NewHashChain(),
		vault:          v,
		recorder:       recorder,
		idempotency:    NewIdempotencyChecker(DefaultLRUCapacity, dbChecker, metrics, log),
		metrics:        metrics,
		log:            log.With().Str("component", "engine").Logger(),
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// ProcessCommand is the main processing pipeline. The receipt is non-nil
// whenever the command was committed, including commands that failed after
// an external leg had executed; the error is returned alongside it then.
func (e *Engine) ProcessCommand(ctx context.Context, cmd event.Command) (*vault.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	commandType := cmd.CommandType().String()
	key := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if key == "" {
		e.reject(commandType, "invalid")
		return nil, ErrMissingKey
	}
	if e.idempotency.IsDuplicate(commandType, key) {
		e.reject(commandType, "duplicate")
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateCommand, commandType, key)
	}

	payload, err := event.Encode(cmd)
	if err != nil {
		e.reject(commandType, "invalid")
		return nil, fmt.Errorf("encode %s: %w", commandType, err)
	}

	// Step 2: Dispatch against a clone of vault state
	if e.recorder != nil {
		e.recorder.record()
	}
	rec, cmdErr := e.dispatch(e.call(ctx, cmd), cmd)
	var tape *Tape
	if e.recorder != nil {
		tape = e.recorder.stop()
	}

	if rec == nil {
		if errors.Is(cmdErr, vault.ErrInvariantViolation) {
			panic(fmt.Sprintf("FATAL: invariant violated at sequence %d: %v", e.sequence, cmdErr))
		}
		e.reject(commandType, rejectReason(cmdErr))
		return nil, cmdErr
	}
	if tape != nil {
		tape.Prices = rec.Prices
	}

	// Step 3: Hash chain
	hashStart := time.Now()
	digest := e.computeStateDigest(rec.Summary)
	prevHash := e.chain.Tip()
	stateHash := e.chain.Append(e.sequence, digest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.CommandEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: key,
		CommandType:    cmd.CommandType(),
		Timestamp:      time.UnixMicro(cmd.CommandTime()),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	if cmdErr != nil {
		envelope.Error = cmdErr.Error()
	}

	output := CoreOutput{
		Envelope:    envelope,
		Batch:       rec.Batch,
		Notices:     rec.Notices,
		Summary:     rec.Summary,
		Tape:        tape,
		StateDigest: digest,
	}

	// Step 4: Emit. Persistence blocks so nothing committed is lost;
	// projections drop on a full channel. A drop is counted in
	// ProjectionDrops and never backfilled.
	e.persistChan <- output
	select {
	case e.projectionChan <- output:
	default:
		if e.metrics != nil {
			e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}

	e.sequence++
	e.idempotency.MarkProcessed(commandType, key)
	e.observe(commandType, rec, start)

	if cmdErr != nil {
		e.log.Warn().Err(cmdErr).
			Int64("sequence", envelope.Sequence).
			Str("command_type", commandType).
			Str("key", key).
			Msg("command committed with error")
	}
	return rec, cmdErr
}

// Replay re-applies a logged command during recovery. The venues answer
// from tape, the resulting hash must match the logged one, and nothing is
// emitted downstream.
func (e *Engine) Replay(ctx context.Context, env *event.CommandEnvelope, tape *Tape) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.recorder == nil {
		return errors.New("replay needs a recorder")
	}
	if env.Sequence != e.sequence {
		return fmt.Errorf("%w: log has %d, engine expects %d", ErrSequenceGap, env.Sequence, e.sequence)
	}

	cmd, err := event.Decode(env.CommandType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}

	e.recorder.replay(tape)
	rec, cmdErr := e.dispatch(e.call(ctx, cmd), cmd)
	e.recorder.stop()

	if rec == nil {
		return fmt.Errorf("replay seq %d: command did not commit: %v", env.Sequence, cmdErr)
	}

	stateHash, ok := e.chain.Verify(e.sequence, e.computeStateDigest(rec.Summary), env.StateHash)
	if !ok {
		return fmt.Errorf("%w at sequence %d: logged %x, replayed %x", ErrStateHashMismatch, env.Sequence, env.StateHash, stateHash)
	}

	e.sequence++
	e.idempotency.MarkProcessed(cmd.CommandType().String(), cmd.IdempotencyKey())
	if e.metrics != nil {
		e.metrics.ReplayCommandsTotal.Inc()
		e.metrics.CoreSequence.Set(float64(e.sequence - 1))
	}
	return nil
}

func (e *Engine) call(ctx context.Context, cmd event.Command) vault.Call {
	return vault.Call{
		Ctx:      ctx,
		Key:      cmd.IdempotencyKey(),
		Sequence: e.sequence,
		Now:      cmd.CommandTime(),
	}
}

func (e *Engine) dispatch(call vault.Call, cmd event.Command) (*vault.Receipt, error) {
	v := e.vault
	switch c := cmd.(type) {
	case *event.Deposit:
		return v.Deposit(call, c.Caller, c.Receiver, c.Assets)
	case *event.Mint:
		return v.Mint(call, c.Caller, c.Receiver, c.Shares)
	case *event.Withdraw:
		return v.Withdraw(call, c.Owner, c.Receiver, c.Assets)
	case *event.Redeem:
		return v.Redeem(call, c.Owner, c.Receiver, c.Shares)
	case *event.Claim:
		return v.Claim(call, c.TicketID, c.Caller)
	case *event.Settle:
		return v.Settle(call)
	case *event.Donate:
		return v.Donate(call, c.Amount)
	case *event.Utilize:
		return v.Utilize(call, c.Amount)
	case *event.Deutilize:
		return v.Deutilize(call, c.Amount)
	case *event.DecreaseCollateral:
		return v.DecreaseCollateral(call)
	case *event.Upkeep:
		return v.Upkeep(call)
	case *event.ConfirmAdjust:
		return v.ConfirmAdjust(call, c.Result)
	case *event.PositionReport:
		return v.PositionReport(call, c.Position)
	case *event.HarvestFees:
		return v.HarvestFees(call)
	case *event.ForceReset:
		return v.ForceReset(call, c.Reason)
	case *event.SetPriorityAccount:
		return v.SetPriorityAccount(call, c.Account, c.Enabled)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
}

// computeStateDigest creates canonical bytes for the state hash: every
// balance in account-path order, then share supply, lane watermarks and
// the allocation round.
func (e *Engine) computeStateDigest(s vault.Summary) []byte {
	entries := e.vault.Balances()
	digest := make([]byte, 0, len(entries)*48+64)

	for _, be := range entries {
		digest = append(digest, byte(len(be.Account)))
		digest = append(digest, be.Account...)
		digest = appendInt64LE(digest, be.Balance)
	}

	digest = appendInt64LE(digest, s.TotalSupply)
	digest = appendInt64LE(digest, s.Priority.CumulativeRequested)
	digest = appendInt64LE(digest, s.Priority.CumulativeProcessed)
	digest = appendInt64LE(digest, s.Normal.CumulativeRequested)
	digest = appendInt64LE(digest, s.Normal.CumulativeProcessed)
	digest = appendInt64LE(digest, int64(s.Round))
	digest = appendInt64LE(digest, int64(s.Status))
	digest = appendInt64LE(digest, s.HighWaterMark)
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func rejectReason(err error) string {
	switch vault.Classify(err) {
	case vault.ClassPrecondition:
		return "precondition"
	case vault.ClassExternal:
		return "external"
	case vault.ClassDoubleAction:
		return "double_action"
	case vault.ClassStale:
		return "stale"
	case vault.ClassNotFound:
		return "not_found"
	case vault.ClassPermission:
		return "permission"
	}
	if errors.Is(err, ErrUnknownCommand) {
		return "unknown"
	}
	return "internal"
}

func (e *Engine) reject(commandType, reason string) {
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(commandType, reason).Inc()
	}
}

func (e *Engine) observe(commandType string, rec *vault.Receipt, start time.Time) {
	m := e.metrics
	if m == nil {
		return
	}

	m.CoreCommandsApplied.WithLabelValues(commandType).Inc()
	m.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(e.sequence - 1))

	if rec.Batch != nil {
		for _, j := range rec.Batch.Journals {
			m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	for _, n := range rec.Notices {
		m.CoreNotices.WithLabelValues(n.Type.String()).Inc()

		switch d := n.Data.(type) {
		case event.TicketIssued:
			m.TicketsIssued.WithLabelValues(d.Ticket.Lane.String()).Inc()
		case event.Claimed:
			path := "executed"
			if d.LastClaimant {
				path = "last_claimant"
			}
			m.TicketsClaimed.WithLabelValues(path).Inc()
		case event.HedgeRequested:
			m.HedgeRequests.WithLabelValues(d.Request.Kind).Inc()
		case *allocation.Confirmation:
			if n.Type == event.NoticeRequestReset {
				m.RequestResets.Inc()
				continue
			}
			outcome := "failure"
			if d.Success {
				outcome = "success"
			}
			m.HedgeConfirmations.WithLabelValues(d.Kind.String(), outcome).Inc()
		case event.RebalanceClamped:
			m.RebalanceClamped.Inc()
		case event.PositionSynced:
			m.HedgePnL.Set(float64(d.HedgePnL))
		case event.FeesAccrued:
			m.FeeSharesMinted.WithLabelValues("management").Add(float64(d.ManagementShares))
			m.FeeSharesMinted.WithLabelValues("performance").Add(float64(d.PerformanceShares))
		}
	}

	s := rec.Summary
	m.VaultTotalAssets.Set(float64(s.TotalAssets))
	m.VaultTotalSupply.Set(float64(s.TotalSupply))
	m.VaultPool.WithLabelValues("idle").Set(float64(s.Idle))
	m.VaultPool.WithLabelValues("claimable").Set(float64(s.Claimable))
	m.VaultPool.WithLabelValues("in_transit").Set(float64(s.InTransit))
	m.VaultPool.WithLabelValues("spot").Set(float64(s.Spot))
	m.VaultPool.WithLabelValues("hedge_collateral").Set(float64(s.HedgeCollateral))
	m.VaultLanePending.WithLabelValues("priority").Set(float64(s.Priority.Unmet()))
	m.VaultLanePending.WithLabelValues("normal").Set(float64(s.Normal.Unmet()))
	m.VaultLeverage.Set(float64(s.Leverage) / float64(fpmath.RateScale))
	m.VaultHighWaterMark.Set(float64(s.HighWaterMark))
	m.VaultStatus.Set(float64(s.Status))
	stale := 0.0
	if s.PricesStale {
		stale = 1
	}
	m.VaultPricesStale.Set(stale)
}

// --- Snapshot & recovery ---

// SnapshotState is everything needed to resume the engine.
type SnapshotState struct {
	Sequence        int64 // last applied
	StateHash       [32]byte
	Vault           vault.State
	IdempotencyKeys []string
}

// RestoreFromSnapshot loads vault state and resumes the hash chain.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.vault.Restore(snap.Vault); err != nil {
		return fmt.Errorf("restore vault: %w", err)
	}
	e.sequence = snap.Sequence + 1
	e.chain.Reset(snap.StateHash)
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the last applied sequence.
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence - 1
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chain.Tip()
}

// CreateSnapshotState captures the engine between two commands.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.chain.Tip(),
		Vault:           e.vault.Snapshot(),
		IdempotencyKeys: e.idempotency.lru.Keys(snapshotKeyLimit),
	}
}

// Vault exposes the vault for read-only queries.
func (e *Engine) Vault() *vault.Vault {
	return e.vault
}
