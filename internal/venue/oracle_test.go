package venue_test

import (
	"errors"
	"testing"

	"HedgeVault/internal/ledger"
	fpmath "HedgeVault/internal/math"
	"HedgeVault/internal/venue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceCache_BaseIsUnit(t *testing.T) {
	c := venue.NewPriceCache(0)
	p, err := c.PriceAt(ledger.AssetBase, 0)
	require.NoError(t, err)
	assert.Equal(t, fpmath.PriceScale, p)
}

func TestPriceCache_IgnoresStaleSequence(t *testing.T) {
	c := venue.NewPriceCache(0)
	ok, err := c.Update(venue.PriceUpdate{Asset: ledger.AssetProduct, Price: 100, Sequence: 5, Timestamp: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Update(venue.PriceUpdate{Asset: ledger.AssetProduct, Price: 200, Sequence: 5, Timestamp: 2})
	require.NoError(t, err)
	assert.False(t, ok)

	p, _ := c.PriceAt(ledger.AssetProduct, 2)
	assert.Equal(t, int64(100), p)
}

func TestPriceCache_ToleratesGaps(t *testing.T) {
	c := venue.NewPriceCache(0)
	var gotExpected, gotSeq int64
	c.OnGap(func(_ ledger.AssetID, expected, got int64) { gotExpected, gotSeq = expected, got })

	_, _ = c.Update(venue.PriceUpdate{Asset: ledger.AssetProduct, Price: 100, Sequence: 1})
	ok, err := c.Update(venue.PriceUpdate{Asset: ledger.AssetProduct, Price: 101, Sequence: 4})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.GapCount(ledger.AssetProduct))
	assert.Equal(t, int64(2), gotExpected)
	assert.Equal(t, int64(4), gotSeq)
	assert.Equal(t, int64(4), c.LastSequence(ledger.AssetProduct))
}

func TestPriceCache_RejectsInvalidAndStale(t *testing.T) {
	c := venue.NewPriceCache(1_000)
	_, err := c.Update(venue.PriceUpdate{Asset: ledger.AssetProduct, Price: 0, Sequence: 1})
	assert.True(t, errors.Is(err, venue.ErrOracleInvalidPrice))

	_, err = c.PriceAt(ledger.AssetProduct, 0)
	assert.True(t, errors.Is(err, venue.ErrOracleInvalidPrice))

	_, _ = c.Update(venue.PriceUpdate{Asset: ledger.AssetProduct, Price: 100, Sequence: 1, Timestamp: 10})
	_, err = c.PriceAt(ledger.AssetProduct, 2_000)
	assert.True(t, errors.Is(err, venue.ErrPriceStale))
}

func TestPinned_ReusesFirstRead(t *testing.T) {
	c := venue.NewPriceCache(0)
	_, _ = c.Update(venue.PriceUpdate{Asset: ledger.AssetProduct, Price: 100 * fpmath.PriceScale, Sequence: 1})

	pin := venue.Pin(c, 0)
	first, err := pin.PriceOf(ledger.AssetProduct)
	require.NoError(t, err)

	_, _ = c.Update(venue.PriceUpdate{Asset: ledger.AssetProduct, Price: 200 * fpmath.PriceScale, Sequence: 2})
	second, _ := pin.PriceOf(ledger.AssetProduct)
	assert.Equal(t, first, second)
	assert.Equal(t, map[string]int64{"PRODUCT": 100 * fpmath.PriceScale}, pin.Prices())
}

func TestConvert(t *testing.T) {
	c := venue.NewPriceCache(0)
	_, _ = c.Update(venue.PriceUpdate{Asset: ledger.AssetProduct, Price: 250 * fpmath.PriceScale, Sequence: 1})
	pin := venue.Pin(c, 0)

	base, err := venue.Convert(pin, ledger.AssetProduct, ledger.AssetBase, 4, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), base)

	product, err := venue.Convert(pin, ledger.AssetBase, ledger.AssetProduct, 999, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, int64(3), product)
}

func TestPositionSnapshot_Leverage(t *testing.T) {
	p := venue.PositionSnapshot{SizeInUnderlying: 6_000, NetCollateralBalance: 100_000, MarkPrice: 100 * fpmath.PriceScale}
	assert.Equal(t, int64(600_000), p.Notional())
	assert.Equal(t, 6*fpmath.RateScale, p.Leverage())
}

func TestAdjustBounds_Validate(t *testing.T) {
	assert.NoError(t, venue.AdjustBounds{MinDecreaseSize: 1, MaxDecreaseSize: 0}.Validate())
	assert.Error(t, venue.AdjustBounds{MinDecreaseSize: 5, MaxDecreaseSize: 1}.Validate())
	assert.Error(t, venue.AdjustBounds{MinIncreaseCollateral: -1}.Validate())
}
