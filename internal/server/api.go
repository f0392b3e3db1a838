package server

import (
	"HedgeVault/internal/event"
	"HedgeVault/internal/vault"
)

// Messages of hedgevault.v1.VaultService. They travel as JSON on both the
// gRPC and HTTP surfaces. Amounts are integers in base units; At is epoch
// micros and is stamped by the server when zero.

type DepositRequest struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Receiver  string `json:"receiver,omitempty"`
	Assets    int64  `json:"assets"`
	At        int64  `json:"at,omitempty"`
}

type MintRequest struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Receiver  string `json:"receiver,omitempty"`
	Shares    int64  `json:"shares"`
	At        int64  `json:"at,omitempty"`
}

type WithdrawRequest struct {
	RequestID string `json:"request_id"`
	Owner     string `json:"owner"`
	Receiver  string `json:"receiver,omitempty"`
	Assets    int64  `json:"assets"`
	At        int64  `json:"at,omitempty"`
}

type RedeemRequest struct {
	RequestID string `json:"request_id"`
	Owner     string `json:"owner"`
	Receiver  string `json:"receiver,omitempty"`
	Shares    int64  `json:"shares"`
	At        int64  `json:"at,omitempty"`
}

type ClaimRequest struct {
	RequestID string `json:"request_id"`
	TicketID  string `json:"ticket_id"`
	Caller    string `json:"caller"`
	At        int64  `json:"at,omitempty"`
}

// KeeperRequest drives Settle and DecreaseCollateral.
type KeeperRequest struct {
	RequestID string `json:"request_id"`
	At        int64  `json:"at,omitempty"`
}

// AmountRequest drives Utilize and Deutilize.
type AmountRequest struct {
	RequestID string `json:"request_id"`
	Amount    int64  `json:"amount"`
	At        int64  `json:"at,omitempty"`
}

type ForceResetRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
	At        int64  `json:"at,omitempty"`
}

// PriorityAccountRequest moves an owner's future tickets in or out of the
// priority lane.
type PriorityAccountRequest struct {
	RequestID string `json:"request_id"`
	Account   string `json:"account"`
	Enabled   bool   `json:"enabled"`
	At        int64  `json:"at,omitempty"`
}

// CommandResponse reports a committed command.
type CommandResponse struct {
	Sequence int64          `json:"sequence"`
	Notices  []event.Notice `json:"notices"`
	Summary  vault.Summary  `json:"summary"`
}

type GetSummaryRequest struct{}

type GetTicketRequest struct {
	TicketID string `json:"ticket_id"`
}

type ListTicketsRequest struct {
	Owner          string `json:"owner"`
	IncludeClaimed bool   `json:"include_claimed"`
}

type GetAccountRequest struct {
	Owner string `json:"owner"`
}

type PreviewRequest struct {
	Amount int64 `json:"amount"`
}

func newCommandResponse(rec *vault.Receipt) *CommandResponse {
	resp := &CommandResponse{Notices: rec.Notices, Summary: rec.Summary}
	resp.Sequence = rec.Summary.Sequence
	if resp.Notices == nil {
		resp.Notices = []event.Notice{}
	}
	return resp
}
