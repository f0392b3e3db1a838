package fees_test

import (
	"testing"

	"HedgeVault/internal/fees"
	fpmath "HedgeVault/internal/math"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const second = int64(1_000_000)

func params() fees.Params {
	return fees.Params{
		ManagementRate:  2_000_000,  // 2%
		PerformanceRate: 20_000_000, // 20%
		HurdleRate:      5_000_000,  // 5%
		Recipient:       uuid.New(),
	}
}

func TestParams_Validate(t *testing.T) {
	require.NoError(t, params().Validate())

	p := params()
	p.Recipient = uuid.Nil
	assert.Error(t, p.Validate())

	p = params()
	p.PerformanceRate = 2 * fpmath.RateScale
	assert.Error(t, p.Validate())
}

func TestAccrueManagement_FirstCallOnlyStartsClock(t *testing.T) {
	a := fees.NewAccrual(params())
	assert.Equal(t, int64(0), a.AccrueManagement(10*second, 1_000_000))
	assert.Equal(t, 10*second, a.State.LastAccruedTimestamp)
}

func TestAccrueManagement_FullYear(t *testing.T) {
	a := fees.NewAccrual(params())
	a.AccrueManagement(second, 1_000_000)
	got := a.AccrueManagement(second+fpmath.SecondsPerYear*second, 1_000_000)
	assert.Equal(t, int64(20_000), got)
}

func TestAccrueManagement_CarriesSubSecondRemainder(t *testing.T) {
	a := fees.NewAccrual(params())
	a.AccrueManagement(second, 1)
	a.AccrueManagement(second+second/2, 1)
	assert.Equal(t, second, a.State.LastAccruedTimestamp)
	a.AccrueManagement(2*second+second/2, 1)
	assert.Equal(t, 2*second, a.State.LastAccruedTimestamp)
}

func TestAccrueManagement_EarlierTimestampKeepsClock(t *testing.T) {
	a := fees.NewAccrual(params())
	year := fpmath.SecondsPerYear * second
	a.AccrueManagement(second, 1_000_000)
	require.Equal(t, int64(20_000), a.AccrueManagement(second+year, 1_000_000))

	assert.Zero(t, a.AccrueManagement(second+year/2, 1_000_000))
	assert.Equal(t, second+year, a.State.LastAccruedTimestamp)
	assert.Zero(t, a.AccrueManagement(second+year, 1_000_000), "interval already charged")
}

func TestHarvest_FirstHarvestSetsMark(t *testing.T) {
	a := fees.NewAccrual(params())
	out := a.HarvestPerformance(second, 1_000_000, 1_000_000)
	assert.Equal(t, int64(0), out.FeeShares)
	assert.Equal(t, fpmath.NavPerUnit(1_000_000, 1_000_000), a.State.HighWaterMark)
	assert.Equal(t, second, a.State.LastHarvestedTimestamp)
}

func TestHarvest_LossResetsWindowWithoutFee(t *testing.T) {
	a := fees.NewAccrual(params())
	a.HarvestPerformance(second, 1_000_000, 1_000_000)
	mark := a.State.HighWaterMark

	out := a.HarvestPerformance(100*second, 900_000, 1_000_000)
	assert.Equal(t, int64(0), out.FeeShares)
	assert.Equal(t, mark, a.State.HighWaterMark)
	assert.Equal(t, 100*second, a.State.LastHarvestedTimestamp)
}

func TestHarvest_ProfitAboveHurdleMintsFee(t *testing.T) {
	a := fees.NewAccrual(params())
	a.HarvestPerformance(second, 1_000_000, 1_000_000)
	mark := a.State.HighWaterMark

	out := a.HarvestPerformance(second+fpmath.SecondsPerYear*second, 1_100_000, 1_000_000)
	assert.Greater(t, out.FeeShares, int64(0))
	assert.Greater(t, a.State.HighWaterMark, mark)
	assert.Less(t, a.State.HighWaterMark, fpmath.NavPerUnit(1_100_000, 1_000_000), "mark moves to post-fee nav")
}

func TestHarvest_EmptyVaultDropsMark(t *testing.T) {
	a := fees.NewAccrual(params())
	a.HarvestPerformance(second, 1_000_000, 1_000_000)
	a.HarvestPerformance(2*second, 100_000, 0)
	assert.Equal(t, int64(0), a.State.HighWaterMark)
}
