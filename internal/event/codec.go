package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty command of the given type, ready to be decoded into.
func New(ct CommandType) (Command, error) {
	switch ct {
	case CommandTypeDeposit:
		return &Deposit{}, nil
	case CommandTypeMint:
		return &Mint{}, nil
	case CommandTypeWithdraw:
		return &Withdraw{}, nil
	case CommandTypeRedeem:
		return &Redeem{}, nil
	case CommandTypeClaim:
		return &Claim{}, nil
	case CommandTypeSettle:
		return &Settle{}, nil
	case CommandTypeDonate:
		return &Donate{}, nil
	case CommandTypeUtilize:
		return &Utilize{}, nil
	case CommandTypeDeutilize:
		return &Deutilize{}, nil
	case CommandTypeDecreaseCollateral:
		return &DecreaseCollateral{}, nil
	case CommandTypeUpkeep:
		return &Upkeep{}, nil
	case CommandTypeConfirmAdjust:
		return &ConfirmAdjust{}, nil
	case CommandTypePositionReport:
		return &PositionReport{}, nil
	case CommandTypeHarvestFees:
		return &HarvestFees{}, nil
	case CommandTypeForceReset:
		return &ForceReset{}, nil
	case CommandTypeSetPriorityAccount:
		return &SetPriorityAccount{}, nil
	}
	return nil, fmt.Errorf("unknown command type %d", ct)
}

// Decode parses a JSON payload into a command of the given type.
func Decode(ct CommandType, data []byte) (Command, error) {
	cmd, err := New(ct)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}
	return cmd, nil
}

// Encode serializes a command for the command log.
func Encode(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}
