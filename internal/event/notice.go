package event

import (
	"encoding/json"
	"fmt"

	"HedgeVault/internal/allocation"
	"HedgeVault/internal/queue"
	"HedgeVault/internal/venue"

	"github.com/google/uuid"
)

// NoticeType discriminates outbound vault events.
type NoticeType int32

const (
	NoticeSharesMinted NoticeType = iota + 1
	NoticeWithdrawalPaid
	NoticeTicketIssued
	NoticeSettled
	NoticeClaimed
	NoticeDonated
	NoticeHedgeRequested
	NoticeAdjustConfirmed
	NoticeFeesAccrued
	NoticeRebalanceClamped
	NoticeRequestReset
	NoticePositionSynced
	NoticePriorityAccountSet
)

var noticeNames = map[NoticeType]string{
	NoticeSharesMinted:       "shares_minted",
	NoticeWithdrawalPaid:     "withdrawal_paid",
	NoticeTicketIssued:       "ticket_issued",
	NoticeSettled:            "settled",
	NoticeClaimed:            "claimed",
	NoticeDonated:            "donated",
	NoticeHedgeRequested:     "hedge_requested",
	NoticeAdjustConfirmed:    "adjust_confirmed",
	NoticeFeesAccrued:        "fees_accrued",
	NoticeRebalanceClamped:   "rebalance_clamped",
	NoticeRequestReset:       "request_reset",
	NoticePositionSynced:     "position_synced",
	NoticePriorityAccountSet: "priority_account_set",
}

func (t NoticeType) String() string {
	if name, ok := noticeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("notice_%d", int32(t))
}

func (t NoticeType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *NoticeType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for nt, name := range noticeNames {
		if name == s {
			*t = nt
			return nil
		}
	}
	return fmt.Errorf("unknown notice type %q", s)
}

// Notice is an outbound event produced by a command. Data holds one of the
// payload types below.
type Notice struct {
	Type      NoticeType `json:"type"`
	Sequence  int64      `json:"sequence"`
	Timestamp int64      `json:"timestamp"`
	Data      any        `json:"data"`
}

type SharesMinted struct {
	Caller   uuid.UUID `json:"caller"`
	Receiver uuid.UUID `json:"receiver"`
	Assets   int64     `json:"assets"`
	Shares   int64     `json:"shares"`
}

type WithdrawalPaid struct {
	Owner    uuid.UUID `json:"owner"`
	Receiver uuid.UUID `json:"receiver"`
	Assets   int64     `json:"assets"`
	Shares   int64     `json:"shares"`
}

type TicketIssued struct {
	Ticket queue.Ticket `json:"ticket"`
	Shares int64        `json:"shares"`
}

type Settled struct {
	Priority int64 `json:"priority"`
	Normal   int64 `json:"normal"`
}

type Claimed struct {
	TicketID     uuid.UUID `json:"ticket_id"`
	Receiver     uuid.UUID `json:"receiver"`
	Amount       int64     `json:"amount"`
	LastClaimant bool      `json:"last_claimant"`
}

type Donated struct {
	Amount int64 `json:"amount"`
}

type HedgeRequested struct {
	Request venue.AdjustRequest `json:"request"`
}

type FeesAccrued struct {
	Recipient         uuid.UUID `json:"recipient"`
	ManagementShares  int64     `json:"management_shares"`
	PerformanceShares int64     `json:"performance_shares"`
	PerformanceAssets int64     `json:"performance_assets"`
	HighWaterMark     int64     `json:"high_water_mark"`
}

type RebalanceClamped struct {
	Decision allocation.Decision `json:"decision"`
}

type PositionSynced struct {
	Position venue.PositionSnapshot `json:"position"`
	HedgePnL int64                  `json:"hedge_pnl"`
}

type PriorityAccountSet struct {
	Account uuid.UUID `json:"account"`
	Enabled bool      `json:"enabled"`
}
