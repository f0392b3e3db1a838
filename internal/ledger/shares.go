package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

var ErrInsufficientShares = errors.New("insufficient shares")

// ShareLedger tracks vault share balances per owner.
type ShareLedger struct {
	balances    map[uuid.UUID]int64
	totalSupply int64
}

func NewShareLedger() *ShareLedger {
	return &ShareLedger{balances: make(map[uuid.UUID]int64)}
}

func (s *ShareLedger) BalanceOf(owner uuid.UUID) int64 {
	return s.balances[owner]
}

func (s *ShareLedger) TotalSupply() int64 {
	return s.totalSupply
}

func (s *ShareLedger) Mint(owner uuid.UUID, shares int64) error {
	if shares < 0 {
		return fmt.Errorf("mint negative shares: %d", shares)
	}
	if shares == 0 {
		return nil
	}
	s.balances[owner] += shares
	s.totalSupply += shares
	return nil
}

func (s *ShareLedger) Burn(owner uuid.UUID, shares int64) error {
	if shares < 0 {
		return fmt.Errorf("burn negative shares: %d", shares)
	}
	bal := s.balances[owner]
	if bal < shares {
		return fmt.Errorf("%w: owner %s has %d, burning %d", ErrInsufficientShares, owner, bal, shares)
	}
	if bal == shares {
		delete(s.balances, owner)
	} else {
		s.balances[owner] = bal - shares
	}
	s.totalSupply -= shares
	return nil
}

func (s *ShareLedger) Clone() *ShareLedger {
	out := &ShareLedger{
		balances:    make(map[uuid.UUID]int64, len(s.balances)),
		totalSupply: s.totalSupply,
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	return out
}

// ShareEntry is the serialized form of one holder's balance.
type ShareEntry struct {
	Owner  uuid.UUID `json:"owner"`
	Shares int64     `json:"shares"`
}

// Entries returns holders ordered by owner id.
func (s *ShareLedger) Entries() []ShareEntry {
	out := make([]ShareEntry, 0, len(s.balances))
	for k, v := range s.balances {
		out = append(out, ShareEntry{Owner: k, Shares: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner.String() < out[j].Owner.String() })
	return out
}

// Restore rebuilds the ledger from entries; supply is recomputed.
func (s *ShareLedger) Restore(entries []ShareEntry) error {
	balances := make(map[uuid.UUID]int64, len(entries))
	var supply int64
	for _, e := range entries {
		if e.Shares < 0 {
			return fmt.Errorf("restore shares: negative balance for %s", e.Owner)
		}
		balances[e.Owner] += e.Shares
		supply += e.Shares
	}
	s.balances = balances
	s.totalSupply = supply
	return nil
}
