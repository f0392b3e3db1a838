package event

import "github.com/google/uuid"

// Deposit adds Assets of the base asset and mints shares to Receiver.
type Deposit struct {
	RequestID string    `json:"request_id"`
	Caller    uuid.UUID `json:"caller"`
	Receiver  uuid.UUID `json:"receiver"`
	Assets    int64     `json:"assets"`
	At        int64     `json:"at"` // epoch micros
}

func (d *Deposit) IdempotencyKey() string {
	return d.RequestID
}

func (d *Deposit) CommandType() CommandType {
	return CommandTypeDeposit
}

func (d *Deposit) CommandTime() int64 {
	return d.At
}

// Mint asks for an exact number of shares and pays whatever they cost.
type Mint struct {
	RequestID string    `json:"request_id"`
	Caller    uuid.UUID `json:"caller"`
	Receiver  uuid.UUID `json:"receiver"`
	Shares    int64     `json:"shares"`
	At        int64     `json:"at"`
}

func (m *Mint) IdempotencyKey() string {
	return m.RequestID
}

func (m *Mint) CommandType() CommandType {
	return CommandTypeMint
}

func (m *Mint) CommandTime() int64 {
	return m.At
}

// Donate records capital that arrived without minting shares.
type Donate struct {
	RequestID string `json:"request_id"`
	Amount    int64  `json:"amount"`
	At        int64  `json:"at"`
}

func (d *Donate) IdempotencyKey() string {
	return d.RequestID
}

func (d *Donate) CommandType() CommandType {
	return CommandTypeDonate
}

func (d *Donate) CommandTime() int64 {
	return d.At
}
