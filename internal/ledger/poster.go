package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalPoster generates balanced journals for one command and applies them
// to the tracker as they are posted, so later steps of the same command see
// the updated pools.
type JournalPoster struct {
	tracker *BalanceTracker

	batchID   uuid.UUID
	eventRef  string
	sequence  int64
	timestamp int64
	journals  []Journal
}

func NewJournalPoster(tracker *BalanceTracker) *JournalPoster {
	return &JournalPoster{tracker: tracker}
}

// Begin starts a new batch. Journal IDs are derived from the event reference
// so that the same command always produces the same identifiers.
func (p *JournalPoster) Begin(eventRef string, sequence, timestamp int64) {
	p.eventRef = eventRef
	p.sequence = sequence
	p.timestamp = timestamp
	p.batchID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("batch:%s:%d", eventRef, sequence)))
	p.journals = p.journals[:0]
}

// Transfer moves amount from one account to another. Zero amounts are
// skipped. Vault pools may not be overdrawn.
func (p *JournalPoster) Transfer(from, to AccountKey, amount int64, jt JournalType) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("%s: negative transfer %d from %s", jt, amount, from.AccountPath())
	}
	if from.AssetID != to.AssetID {
		return fmt.Errorf("%s: asset mismatch %s -> %s", jt, from.AccountPath(), to.AccountPath())
	}
	if from.Scope == AccountScopeVault {
		if err := p.tracker.ValidateSufficient(from, amount); err != nil {
			return fmt.Errorf("%s: %w", jt, err)
		}
	}

	j := Journal{
		JournalID:     uuid.NewSHA1(p.batchID, []byte(fmt.Sprintf("%d", len(p.journals)))),
		BatchID:       p.batchID,
		EventRef:      p.eventRef,
		Sequence:      p.sequence,
		DebitAccount:  to,
		CreditAccount: from,
		AssetID:       from.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     p.timestamp,
	}
	p.tracker.ApplyJournal(j)
	p.journals = append(p.journals, j)
	return nil
}

// Pending returns the journals posted since Begin.
func (p *JournalPoster) Pending() []Journal {
	return p.journals
}

// Flush closes the current batch. Returns an empty batch when nothing was posted.
func (p *JournalPoster) Flush() *Batch {
	batch := &Batch{
		BatchID:   p.batchID,
		EventRef:  p.eventRef,
		Sequence:  p.sequence,
		Timestamp: p.timestamp,
		Journals:  make([]Journal, len(p.journals)),
	}
	copy(batch.Journals, p.journals)
	p.journals = p.journals[:0]
	return batch
}
