package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidatePoolsNonNegative checks every vault pool is >= 0. External
// boundary accounts are allowed to go negative.
func (v *InvariantValidator) ValidatePoolsNonNegative() error {
	for _, key := range []AccountKey{
		IdleAccount,
		ClaimableAccount,
		InTransitAccount,
		SpotAccount,
		HedgeCollateralAccount,
	} {
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// ValidateAll runs every ledger invariant.
func (v *InvariantValidator) ValidateAll() error {
	if err := v.ValidateGlobalBalance(); err != nil {
		return err
	}
	return v.ValidatePoolsNonNegative()
}
