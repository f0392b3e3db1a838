package vault

import (
	"fmt"

	"HedgeVault/internal/allocation"
	"HedgeVault/internal/fees"
	fpmath "HedgeVault/internal/math"

	"github.com/google/uuid"
)

// Config holds the vault's economic parameters. Costs and rates are scaled
// by RateScale.
type Config struct {
	EntryCost        int64             `json:"entry_cost"`
	ExitCost         int64             `json:"exit_cost"`
	Allocation       allocation.Params `json:"allocation"`
	Fees             fees.Params       `json:"fees"`
	PriorityAccounts []uuid.UUID       `json:"priority_accounts"`

	// AutoResetStale lets Upkeep force-reset a request older than
	// Allocation.RequestTimeout.
	AutoResetStale bool `json:"auto_reset_stale"`

	// AutoAllocate lets Upkeep drive utilization and deutilization itself.
	AutoAllocate   bool  `json:"auto_allocate"`
	MinUtilization int64 `json:"min_utilization"`
}

func (c Config) Validate() error {
	if c.EntryCost < 0 || c.EntryCost >= fpmath.RateScale {
		return fmt.Errorf("entry cost out of range: %d", c.EntryCost)
	}
	if c.ExitCost < 0 || c.ExitCost >= fpmath.RateScale {
		return fmt.Errorf("exit cost out of range: %d", c.ExitCost)
	}
	if err := allocation.ValidateLeverageParams(c.Allocation.Leverage); err != nil {
		return fmt.Errorf("allocation: %w", err)
	}
	if c.Allocation.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must be non-negative")
	}
	if err := c.Fees.Validate(); err != nil {
		return fmt.Errorf("fees: %w", err)
	}
	if c.MinUtilization < 0 {
		return fmt.Errorf("min utilization must be non-negative")
	}
	return nil
}
