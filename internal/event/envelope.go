package event

import (
	"fmt"
	"time"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeDeposit
	CommandTypeMint
	CommandTypeWithdraw
	CommandTypeRedeem
	CommandTypeClaim
	CommandTypeSettle
	CommandTypeDonate
	CommandTypeUtilize
	CommandTypeDeutilize
	CommandTypeDecreaseCollateral
	CommandTypeUpkeep
	CommandTypeConfirmAdjust
	CommandTypePositionReport
	CommandTypeHarvestFees
	CommandTypeForceReset
	CommandTypeSetPriorityAccount
)

var commandTypeNames = map[CommandType]string{
	CommandTypeDeposit:            "Deposit",
	CommandTypeMint:               "Mint",
	CommandTypeWithdraw:           "Withdraw",
	CommandTypeRedeem:             "Redeem",
	CommandTypeClaim:              "Claim",
	CommandTypeSettle:             "Settle",
	CommandTypeDonate:             "Donate",
	CommandTypeUtilize:            "Utilize",
	CommandTypeDeutilize:          "Deutilize",
	CommandTypeDecreaseCollateral: "DecreaseCollateral",
	CommandTypeUpkeep:             "Upkeep",
	CommandTypeConfirmAdjust:      "ConfirmAdjust",
	CommandTypePositionReport:     "PositionReport",
	CommandTypeHarvestFees:        "HarvestFees",
	CommandTypeForceReset:         "ForceReset",
	CommandTypeSetPriorityAccount: "SetPriorityAccount",
}

func (ct CommandType) String() string {
	if name, ok := commandTypeNames[ct]; ok {
		return name
	}
	return "Unknown"
}

// ParseCommandType is the inverse of String.
func ParseCommandType(s string) (CommandType, error) {
	for ct, name := range commandTypeNames {
		if name == s {
			return ct, nil
		}
	}
	return CommandTypeUnknown, fmt.Errorf("unknown command type %q", s)
}

// CommandEnvelope wraps every command in the log
type CommandEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// Set when the command failed after an external leg had executed
	Error string

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// CommandTime returns the command's own timestamp in epoch micros.
	// The core never reads the wall clock.
	CommandTime() int64
}
