package query

import (
	"time"

	"HedgeVault/internal/queue"
	"HedgeVault/internal/vault"

	"github.com/google/uuid"
)

// SummaryResponse is the live vault summary.
type SummaryResponse struct {
	vault.Summary
	AsOf int64 `json:"as_of"` // epoch micros the prices were read at
}

// AccountResponse is one owner's position in the vault.
type AccountResponse struct {
	Owner   uuid.UUID      `json:"owner"`
	Shares  int64          `json:"shares"`
	Assets  int64          `json:"assets"` // shares priced at the redeem rate
	Limits  vault.Limits   `json:"limits"`
	Tickets []queue.Ticket `json:"tickets"`
	AsOf    int64          `json:"as_of"`
}

// PreviewResponse prices one amount through every entry point.
type PreviewResponse struct {
	Amount int64 `json:"amount"`
	vault.Previews
	AsOf int64 `json:"as_of"`
}

// TicketResponse is a live ticket synced to AsOf.
type TicketResponse struct {
	queue.Ticket
	AsOf int64 `json:"as_of"`
}

// TicketRecord is a projected withdraw ticket.
type TicketRecord struct {
	TicketID             uuid.UUID  `json:"ticket_id"`
	Owner                uuid.UUID  `json:"owner"`
	Receiver             uuid.UUID  `json:"receiver"`
	Lane                 string     `json:"lane"`
	RequestedAmount      int64      `json:"requested_amount"`
	QueuedAmount         int64      `json:"queued_amount"`
	CumulativeAtIssuance int64      `json:"cumulative_at_issuance"`
	ExecutedFromIdle     int64      `json:"executed_from_idle"`
	Shares               int64      `json:"shares"`
	Claimed              bool       `json:"claimed"`
	ClaimedAmount        *int64     `json:"claimed_amount,omitempty"`
	IssuedSequence       int64      `json:"issued_sequence"`
	ClaimedSequence      *int64     `json:"claimed_sequence,omitempty"`
	IssuedAt             time.Time  `json:"issued_at"`
	ClaimedAt            *time.Time `json:"claimed_at,omitempty"`
}

// SummaryRecord is one row of summary history.
type SummaryRecord struct {
	Sequence     int64     `json:"sequence"`
	TotalAssets  int64     `json:"total_assets"`
	TotalSupply  int64     `json:"total_supply"`
	Idle         int64     `json:"idle"`
	TotalPending int64     `json:"total_pending"`
	Leverage     int64     `json:"leverage"`
	Status       string    `json:"status"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// FeeRecord is one fee accrual.
type FeeRecord struct {
	Sequence          int64     `json:"sequence"`
	Recipient         uuid.UUID `json:"recipient"`
	ManagementShares  int64     `json:"management_shares"`
	PerformanceShares int64     `json:"performance_shares"`
	PerformanceAssets int64     `json:"performance_assets"`
	HighWaterMark     int64     `json:"high_water_mark"`
	AccruedAt         time.Time `json:"accrued_at"`
}

// HedgeRound is one hedge adjustment request and its outcome.
type HedgeRound struct {
	Round             int64      `json:"round"`
	Kind              string     `json:"kind"`
	SizeDelta         int64      `json:"size_delta"`
	CollateralDelta   int64      `json:"collateral_delta"`
	IsIncrease        bool       `json:"is_increase"`
	Outcome           string     `json:"outcome"`
	CostRecovered     *int64     `json:"cost_recovered,omitempty"`
	HedgePnL          *int64     `json:"hedge_pnl,omitempty"`
	RequestedSequence int64      `json:"requested_sequence"`
	ResolvedSequence  *int64     `json:"resolved_sequence,omitempty"`
	RequestedAt       time.Time  `json:"requested_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// Page is a list with the projection watermark it was read at.
type Page[T any] struct {
	Items        []T   `json:"items"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy           bool              `json:"is_healthy"`
	CheckedSequence     int64             `json:"checked_sequence"`
	ProjectionWatermark int64             `json:"projection_watermark"`
	ProjectionLag       int64             `json:"projection_lag"` // persisted commands not yet projected
	HashChainBreaks     []int64           `json:"hash_chain_breaks,omitempty"`
	BalanceDrift        []BalanceMismatch `json:"balance_drift,omitempty"`
}

// BalanceMismatch is an account whose journaled balance differs from the
// live ledger.
type BalanceMismatch struct {
	Account   string `json:"account"`
	Journaled int64  `json:"journaled"`
	Live      int64  `json:"live"`
}
