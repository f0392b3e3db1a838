package ledger

import (
	"fmt"
	"strings"
	"sync"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeVault AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Vault sub-types
	SubTypeIdle AccountSubType = iota
	SubTypeClaimable
	SubTypeInTransit
	SubTypeSpot
	SubTypeHedgeCollateral

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalSwap
	SubTypeExternalDonations
	SubTypeExternalHedgePnL
	SubTypeExternalExecutionCost
)

var subTypeNames = map[AccountSubType]string{
	SubTypeIdle:                  "idle",
	SubTypeClaimable:             "claimable",
	SubTypeInTransit:             "in_transit",
	SubTypeSpot:                  "spot",
	SubTypeHedgeCollateral:       "hedge_collateral",
	SubTypeExternalDeposits:      "deposits",
	SubTypeExternalWithdrawals:   "withdrawals",
	SubTypeExternalSwap:          "swap",
	SubTypeExternalDonations:     "donations",
	SubTypeExternalHedgePnL:      "hedge_pnl",
	SubTypeExternalExecutionCost: "execution_cost",
}

// AssetID maps asset strings to numeric IDs
type AssetID uint16

const (
	AssetBase    AssetID = 1 // deposit asset, the vault's unit of account
	AssetProduct AssetID = 2 // spot asset held against the short hedge
)

var (
	assetMu   sync.RWMutex
	assetToID = map[string]AssetID{
		"BASE":    AssetBase,
		"PRODUCT": AssetProduct,
	}
	idToAsset = map[AssetID]string{
		AssetBase:    "BASE",
		AssetProduct: "PRODUCT",
	}
)

// SetAssetNames binds the configured symbols to the two vault assets.
// Called once at startup before any account path is rendered.
func SetAssetNames(base, product string) error {
	base = strings.ToUpper(strings.TrimSpace(base))
	product = strings.ToUpper(strings.TrimSpace(product))
	if base == "" || product == "" {
		return fmt.Errorf("asset symbols must be non-empty")
	}
	if base == product {
		return fmt.Errorf("base and product asset must differ: %s", base)
	}

	assetMu.Lock()
	defer assetMu.Unlock()
	assetToID = map[string]AssetID{base: AssetBase, product: AssetProduct}
	idToAsset = map[AssetID]string{AssetBase: base, AssetProduct: product}
	return nil
}

func GetAssetID(asset string) (AssetID, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	id, ok := assetToID[strings.ToUpper(asset)]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	SubType AccountSubType
	AssetID AssetID
}

// NewVaultAccountKey creates a key for one of the vault's capital pools
func NewVaultAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeVault,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// Pool accounts used throughout the vault.
var (
	IdleAccount            = NewVaultAccountKey(SubTypeIdle, AssetBase)
	ClaimableAccount       = NewVaultAccountKey(SubTypeClaimable, AssetBase)
	InTransitAccount       = NewVaultAccountKey(SubTypeInTransit, AssetBase)
	SpotAccount            = NewVaultAccountKey(SubTypeSpot, AssetProduct)
	HedgeCollateralAccount = NewVaultAccountKey(SubTypeHedgeCollateral, AssetBase)
)

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeVault:
		return fmt.Sprintf("vault:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) != 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	var key AccountKey
	switch parts[0] {
	case "vault":
		key.Scope = AccountScopeVault
	case "external":
		key.Scope = AccountScopeExternal
	default:
		return AccountKey{}, fmt.Errorf("unknown account scope %q", parts[0])
	}

	found := false
	for st, name := range subTypeNames {
		if name == parts[1] {
			key.SubType = st
			found = true
			break
		}
	}
	if !found {
		return AccountKey{}, fmt.Errorf("unknown account sub-type %q", parts[1])
	}

	assetID, ok := GetAssetID(parts[2])
	if !ok {
		return AccountKey{}, fmt.Errorf("unknown asset %q", parts[2])
	}
	key.AssetID = assetID
	return key, nil
}
