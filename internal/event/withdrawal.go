package event

import (
	"github.com/google/uuid"
)

// Withdraw requests an exact amount of the base asset for Receiver.
type Withdraw struct {
	RequestID string    `json:"request_id"`
	Owner     uuid.UUID `json:"owner"`
	Receiver  uuid.UUID `json:"receiver"`
	Assets    int64     `json:"assets"`
	At        int64     `json:"at"`
}

func (w *Withdraw) IdempotencyKey() string {
	return w.RequestID
}

func (w *Withdraw) CommandType() CommandType {
	return CommandTypeWithdraw
}

func (w *Withdraw) CommandTime() int64 {
	return w.At
}

// Redeem burns an exact number of shares.
type Redeem struct {
	RequestID string    `json:"request_id"`
	Owner     uuid.UUID `json:"owner"`
	Receiver  uuid.UUID `json:"receiver"`
	Shares    int64     `json:"shares"`
	At        int64     `json:"at"`
}

func (r *Redeem) IdempotencyKey() string {
	return r.RequestID
}

func (r *Redeem) CommandType() CommandType {
	return CommandTypeRedeem
}

func (r *Redeem) CommandTime() int64 {
	return r.At
}

// Claim pays out an executed withdraw ticket.
type Claim struct {
	RequestID string    `json:"request_id"`
	TicketID  uuid.UUID `json:"ticket_id"`
	Caller    uuid.UUID `json:"caller"`
	At        int64     `json:"at"`
}

func (c *Claim) IdempotencyKey() string {
	return c.RequestID
}

func (c *Claim) CommandType() CommandType {
	return CommandTypeClaim
}

func (c *Claim) CommandTime() int64 {
	return c.At
}
