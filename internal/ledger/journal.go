package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeDonation
	JournalTypeInstantWithdrawal
	JournalTypeEarmark // idle -> claimable
	JournalTypeClaim
	JournalTypeSwapOut
	JournalTypeSwapIn
	JournalTypeCollateralPost
	JournalTypeCollateralRelease
	JournalTypeHedgePnL
	JournalTypeExecutionCostRecovered
	JournalTypeWaterfallAllocate // in_transit -> claimable
	JournalTypeTransitRelease    // in_transit -> idle
	JournalTypeReversal
)

var journalTypeNames = map[JournalType]string{
	JournalTypeDeposit:                "deposit",
	JournalTypeDonation:               "donation",
	JournalTypeInstantWithdrawal:      "instant_withdrawal",
	JournalTypeEarmark:                "earmark",
	JournalTypeClaim:                  "claim",
	JournalTypeSwapOut:                "swap_out",
	JournalTypeSwapIn:                 "swap_in",
	JournalTypeCollateralPost:         "collateral_post",
	JournalTypeCollateralRelease:      "collateral_release",
	JournalTypeHedgePnL:               "hedge_pnl",
	JournalTypeExecutionCostRecovered: "execution_cost_recovered",
	JournalTypeWaterfallAllocate:      "waterfall_allocate",
	JournalTypeTransitRelease:         "transit_release",
	JournalTypeReversal:               "reversal",
}

func (t JournalType) String() string {
	if name, ok := journalTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("journal_type_%d", int32(t))
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries posted by one command
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global command sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Command timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from credit to debit, so every entry is balanced on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s moves asset %d between accounts of another asset", j.JournalID, j.AssetID)
		}
	}

	return nil
}
