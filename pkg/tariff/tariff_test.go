package tariff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strompilot/strompilot/pkg/types"
)

func hourlyRates(start time.Time, values []float64) []Rate {
	rates := make([]Rate, len(values))
	for i, v := range values {
		rates[i] = Rate{
			Start: start.Add(time.Duration(i) * time.Hour),
			End:   start.Add(time.Duration(i+1) * time.Hour),
			Value: v,
		}
	}
	return rates
}

func TestExpandPricesFullDay(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	values := make([]float64, 24)
	for i := range values {
		values[i] = 0.20 + float64(i)*0.01
	}

	h, ok := ExpandPrices(hourlyRates(start, values), start)
	require.True(t, ok)
	assert.Len(t, h.Prices, types.HorizonSlots)
	assert.Zero(t, h.Padded)

	// each hourly rate covers four quarter-hour slots
	assert.Equal(t, 0.20, h.Prices[0])
	assert.Equal(t, 0.20, h.Prices[3])
	assert.Equal(t, 0.21, h.Prices[4])
	assert.Equal(t, 0.43, h.Prices[95])
}

func TestExpandPricesPadsShortHorizon(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	values := make([]float64, 10) // 40 slots covered
	for i := range values {
		values[i] = 0.25
	}
	values[9] = 0.31

	h, ok := ExpandPrices(hourlyRates(start, values), start)
	require.True(t, ok)
	assert.Equal(t, 96-40, h.Padded)
	assert.Equal(t, 0.31, h.Prices[40])
	assert.Equal(t, 0.31, h.Prices[95])
}

func TestExpandPricesRejectsBelowMinimum(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	// 7 hours of data is 28 slots, one short of a full 8-hour window
	_, ok := ExpandPrices(hourlyRates(start, make([]float64, 7)), start)
	assert.False(t, ok)
}

func TestExpandPricesExactMinimum(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	values := make([]float64, 8)
	for i := range values {
		values[i] = 0.22
	}

	h, ok := ExpandPrices(hourlyRates(start, values), start)
	require.True(t, ok)
	assert.Equal(t, 96-MinSlots, h.Padded)
}

func TestExpandPricesTruncatesStart(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	h, ok := ExpandPrices(hourlyRates(base, make([]float64, 24)), base.Add(7*time.Minute))
	require.True(t, ok)
	assert.Equal(t, base, h.Start)
}

func TestPercentiles(t *testing.T) {
	prices := []float64{0.10, 0.20, 0.30, 0.40, 0.50}
	pct := Percentiles(prices, 0, 30, 50, 100)
	assert.Equal(t, 0.10, pct[0])
	assert.Equal(t, 0.50, pct[100])
	assert.Equal(t, 0.30, pct[50])
	// rank 0.3*4 = 1.2 interpolates between 0.20 and 0.30
	assert.InDelta(t, 0.22, pct[30], 1e-9)
}

func TestPercentilesEmpty(t *testing.T) {
	assert.Nil(t, Percentiles(nil, 30))
}

func TestSpread(t *testing.T) {
	flat := make([]float64, 96)
	for i := range flat {
		flat[i] = 0.30
	}
	assert.Zero(t, Spread(flat))

	varied := []float64{0.10, 0.20, 0.30, 0.40, 0.50}
	assert.InDelta(t, 0.42-0.18, Spread(varied), 1e-9)
}

func TestCheapHoursLeft(t *testing.T) {
	start := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	values := make([]float64, 24)
	for i := range values {
		values[i] = 0.40
	}
	// three cheap hours before midnight, five more after; eight cheap hours
	// out of 24 pin the P30 at the cheap price
	values[2], values[4], values[5] = 0.10, 0.10, 0.10
	values[8], values[9], values[10] = 0.10, 0.10, 0.10
	values[11], values[12] = 0.10, 0.10

	h, ok := ExpandPrices(hourlyRates(start, values), start)
	require.True(t, ok)

	// only the hours starting before midnight count
	assert.Equal(t, 3, CheapHoursLeft(h, start))
}

func TestSolarUnit(t *testing.T) {
	start := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

	t.Run("watt scale", func(t *testing.T) {
		rates := hourlyRates(start, []float64{0, 500, 2500, 4000, 1200, 0})
		assert.Equal(t, 1.0/1000, SolarUnit(rates))
	})
	t.Run("kilowatt scale", func(t *testing.T) {
		rates := hourlyRates(start, []float64{0, 0.5, 2.5, 4.0, 1.2, 0})
		assert.Equal(t, 1.0, SolarUnit(rates))
	})
	t.Run("no data", func(t *testing.T) {
		assert.Equal(t, 1.0, SolarUnit(nil))
	})
}

func TestExpandSolarNormalises(t *testing.T) {
	start := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	rates := hourlyRates(start, []float64{0, 500, 2500, 4000, 1200, 0})

	pv := ExpandSolar(rates, start)
	require.Len(t, pv, types.HorizonSlots)
	assert.InDelta(t, 0.5, pv[4], 1e-9)
	assert.InDelta(t, 4.0, pv[12], 1e-9)
	// beyond the rates the forecast is zero
	assert.Zero(t, pv[95])
}
