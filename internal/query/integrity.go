package query

import (
	"sort"

	fpmath "HedgeVault/internal/math"
)

// compareBalances lists accounts whose journaled and live balances differ.
// Accounts missing on one side count as zero there.
func compareBalances(journaled, live map[string]int64) []BalanceMismatch {
	seen := make(map[string]struct{}, len(journaled)+len(live))
	for a := range journaled {
		seen[a] = struct{}{}
	}
	for a := range live {
		seen[a] = struct{}{}
	}

	var out []BalanceMismatch
	for a := range seen {
		if journaled[a] != live[a] {
			out = append(out, BalanceMismatch{Account: a, Journaled: journaled[a], Live: live[a]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// projectionLag is how far the projections trail the command log. A
// watermark ahead of the log reads as zero; startup resets that case.
func projectionLag(persisted, watermark int64) int64 {
	return fpmath.SatSub(persisted, watermark)
}
