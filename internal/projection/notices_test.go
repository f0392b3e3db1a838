package projection

import (
	"testing"
	"time"

	"HedgeVault/internal/allocation"
	"HedgeVault/internal/event"

	"github.com/stretchr/testify/assert"
)

func TestRoundOutcome(t *testing.T) {
	assert.Equal(t, "success", roundOutcome(event.NoticeAdjustConfirmed, &allocation.Confirmation{Success: true}))
	assert.Equal(t, "failure", roundOutcome(event.NoticeAdjustConfirmed, &allocation.Confirmation{}))
	assert.Equal(t, "reset", roundOutcome(event.NoticeRequestReset, &allocation.Confirmation{}))
	assert.Equal(t, "reset", roundOutcome(event.NoticeAdjustConfirmed, &allocation.Confirmation{ForcedReset: true}))
}

func TestMicros(t *testing.T) {
	at := micros(1_700_000_000_000_001)
	assert.Equal(t, time.UTC, at.Location())
	assert.Equal(t, int64(1_700_000_000), at.Unix())
	assert.Equal(t, 1_000, at.Nanosecond())
}
