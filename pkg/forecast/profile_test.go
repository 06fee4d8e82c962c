package forecast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strompilot/strompilot/pkg/tariff"
	"github.com/strompilot/strompilot/pkg/types"
)

func TestConsumptionForecastDefaultsToBaseLoad(t *testing.T) {
	c := NewConsumption("")
	out := c.Forecast(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	require.Len(t, out, types.HorizonSlots)
	for _, w := range out {
		assert.Equal(t, defaultBaseLoadW, w)
	}
}

func TestConsumptionProfileEWMA(t *testing.T) {
	c := NewConsumption("")
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	// first sample seeds the slot, the second moves it by alpha
	c.Observe(at, 1000)
	c.Observe(at.AddDate(0, 0, 1), 2000)

	out := c.Forecast(at)
	assert.InDelta(t, 1000+profileAlpha*(2000-1000), out[0], 1e-9)
	// neighbouring slots are untouched
	assert.Equal(t, defaultBaseLoadW, out[1])
}

func TestConsumptionDataDays(t *testing.T) {
	c := NewConsumption("")
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		c.Observe(at.Add(time.Duration(i)*15*time.Minute), 800)
	}
	assert.Equal(t, 1, c.DataDays())

	c.Observe(at.AddDate(0, 0, 1), 800)
	assert.Equal(t, 2, c.DataDays())
}

func TestPVForecastTariffWins(t *testing.T) {
	p := NewPV("", 0, 0)
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	p.Observe(at, 2.0)

	rates := []tariff.Rate{{Start: at, End: at.Add(time.Hour), Value: 3.5}}
	out := p.Forecast(at, rates)
	// the tariff covers the first four slots, the learned profile fills later
	assert.InDelta(t, 3.5, out[0], 1e-9)
	assert.InDelta(t, 3.5, out[3], 1e-9)
}

func TestPVForecastUsesProfileWithoutTariff(t *testing.T) {
	p := NewPV("", 0, 0)
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	p.Observe(at, 2.0)

	out := p.Forecast(at, nil)
	assert.InDelta(t, 2.0, out[0], 1e-9)
	assert.Zero(t, out[1])
}

func TestPVForecastZeroAtNightWithCoordinates(t *testing.T) {
	// Berlin
	p := NewPV("", 52.52, 13.405)
	noon := time.Date(2026, 6, 21, 12, 0, 0, 0, time.UTC)
	midnight := time.Date(2026, 6, 21, 0, 0, 0, 0, time.UTC)

	// poison the midnight slot with a bogus daytime reading
	p.Observe(midnight, 3.0)

	out := p.Forecast(midnight, nil)
	assert.Zero(t, out[0], "night slots must forecast zero production")

	p.Observe(noon, 3.0)
	out = p.Forecast(noon, nil)
	assert.Greater(t, out[0], 0.0)
}

func TestExpectedEnergyKWH(t *testing.T) {
	slots := []float64{4, 4, 4, 4, 2, 2} // one hour at 4 kW, half an hour at 2 kW
	assert.InDelta(t, 5.0, ExpectedEnergyKWH(slots), 1e-9)
}
