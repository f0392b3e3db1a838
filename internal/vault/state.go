package vault

import (
	"encoding/json"
	"fmt"
	"sort"

	"HedgeVault/internal/allocation"
	"HedgeVault/internal/fees"
	"HedgeVault/internal/ledger"
	"HedgeVault/internal/queue"

	"github.com/google/uuid"
)

// StateVersion is the version written by Snapshot. Version 1 predates the
// separate performance-fee harvest clock and the priority account list.
const StateVersion = 2

// State is the complete serialized vault.
type State struct {
	Version          int                   `json:"version"`
	Sequence         int64                 `json:"sequence"`
	Balances         []ledger.BalanceEntry `json:"balances"`
	Shares           []ledger.ShareEntry   `json:"shares"`
	Queue            queue.State           `json:"queue"`
	Allocation       allocation.State      `json:"allocation"`
	Fees             fees.State            `json:"fees"`
	PriorityAccounts []uuid.UUID           `json:"priority_accounts,omitempty"`
}

// Migrate decodes a serialized state of any known version and upgrades it
// to StateVersion.
func Migrate(raw []byte) (State, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return State{}, fmt.Errorf("decode state version: %w", err)
	}

	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("decode state v%d: %w", head.Version, err)
	}

	switch head.Version {
	case 1:
		// v1 harvested performance fees on the management clock
		s.Fees.LastHarvestedTimestamp = s.Fees.LastAccruedTimestamp
		s.PriorityAccounts = nil
		s.Version = StateVersion
	case StateVersion:
	default:
		return State{}, fmt.Errorf("unsupported state version %d", head.Version)
	}
	return s, nil
}

// Snapshot serializes the live state.
func (v *Vault) Snapshot() State {
	v.mu.RLock()
	defer v.mu.RUnlock()

	b := v.book
	priority := make([]uuid.UUID, 0, len(b.priority))
	for id := range b.priority {
		priority = append(priority, id)
	}
	sort.Slice(priority, func(i, j int) bool { return priority[i].String() < priority[j].String() })

	return State{
		Version:          StateVersion,
		Sequence:         b.sequence,
		Balances:         b.balances.Entries(),
		Shares:           b.shares.Entries(),
		Queue:            b.queue.State(),
		Allocation:       b.alloc.Clone().State,
		Fees:             b.fees.State,
		PriorityAccounts: priority,
	}
}

// Restore replaces the live state. Configured priority accounts are merged
// with the restored ones.
func (v *Vault) Restore(s State) error {
	if s.Version != StateVersion {
		return fmt.Errorf("restore expects state v%d, got v%d", StateVersion, s.Version)
	}

	balances := ledger.NewBalanceTracker()
	if err := balances.Restore(s.Balances); err != nil {
		return err
	}
	shares := ledger.NewShareLedger()
	if err := shares.Restore(s.Shares); err != nil {
		return err
	}
	q, err := queue.Restore(s.Queue)
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	alloc := allocation.NewController(v.cfg.Allocation)
	alloc.State = s.Allocation
	if alloc.State.Active != nil {
		a := *alloc.State.Active
		alloc.State.Active = &a
	}
	accrual := fees.NewAccrual(v.cfg.Fees)
	accrual.State = s.Fees

	priority := make(map[uuid.UUID]bool, len(s.PriorityAccounts)+len(v.cfg.PriorityAccounts))
	for _, id := range v.cfg.PriorityAccounts {
		priority[id] = true
	}
	for _, id := range s.PriorityAccounts {
		priority[id] = true
	}

	b := &book{
		balances: balances,
		shares:   shares,
		queue:    q,
		alloc:    alloc,
		fees:     accrual,
		priority: priority,
		sequence: s.Sequence,
	}
	if err := b.validate(); err != nil {
		return fmt.Errorf("%w: restored state: %v", ErrInvariantViolation, err)
	}
	v.book = b
	return nil
}

// Sequence returns the sequence of the last committed command.
func (v *Vault) Sequence() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.book.sequence
}
