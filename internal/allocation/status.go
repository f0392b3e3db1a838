package allocation

import (
	"encoding/json"
	"fmt"
)

// Status is the allocation controller's lifecycle state. At most one
// request to the hedge venue is outstanding at any time.
type Status int32

const (
	StatusIdle Status = iota
	StatusDepositing
	StatusWithdrawing
	StatusRebalancingUp
	StatusRebalancingDown
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusDepositing:
		return "Depositing"
	case StatusWithdrawing:
		return "Withdrawing"
	case StatusRebalancingUp:
		return "RebalancingUp"
	case StatusRebalancingDown:
		return "RebalancingDown"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusIdle: {
			StatusDepositing,
			StatusWithdrawing,
			StatusRebalancingUp,
			StatusRebalancingDown,
		},
		StatusDepositing:      {StatusIdle},
		StatusWithdrawing:     {StatusIdle},
		StatusRebalancingUp:   {StatusIdle},
		StatusRebalancingDown: {StatusIdle},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Kind identifies what an in-flight hedge request is doing.
type Kind int32

const (
	KindIncreaseSize Kind = iota
	KindDecreaseSize
	KindEmergencyDecrease
	KindDeleverage
	KindIncreaseCollateral
	KindDecreaseCollateral
)

var kindNames = map[Kind]string{
	KindIncreaseSize:       "increase_size",
	KindDecreaseSize:       "decrease_size",
	KindEmergencyDecrease:  "emergency_decrease",
	KindDeleverage:         "deleverage",
	KindIncreaseCollateral: "increase_collateral",
	KindDecreaseCollateral: "decrease_collateral",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind_%d", int32(k))
}

// Status returns the controller status a request of this kind holds.
func (k Kind) Status() Status {
	switch k {
	case KindIncreaseSize:
		return StatusDepositing
	case KindDecreaseSize, KindEmergencyDecrease, KindDeleverage:
		return StatusWithdrawing
	case KindIncreaseCollateral:
		return StatusRebalancingUp
	case KindDecreaseCollateral:
		return StatusRebalancingDown
	}
	return StatusIdle
}

// releasesCapital reports whether a confirmed request hands capital back to
// the vault through the waterfall.
func (k Kind) releasesCapital() bool {
	switch k {
	case KindDecreaseSize, KindEmergencyDecrease, KindDeleverage, KindDecreaseCollateral:
		return true
	}
	return false
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for kind, name := range kindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown request kind %q", s)
}
