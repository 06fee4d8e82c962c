package planner

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strompilot/strompilot/pkg/tariff"
	"github.com/strompilot/strompilot/pkg/types"
)

func testConfig() Config {
	return Config{
		BatteryCapacityKWH:  10,
		BatteryMaxPowerKW:   5,
		BatteryMinSOC:       20,
		BatteryMaxSOC:       95,
		ChargeEfficiency:    0.95,
		DischargeEfficiency: 0.95,
		FeedInTariffEUR:     0.08,
	}
}

func flatHorizon(start time.Time, price float64) tariff.Horizon {
	prices := make([]float64, types.HorizonSlots)
	for i := range prices {
		prices[i] = price
	}
	return tariff.Horizon{Start: start, Prices: prices}
}

func baseRequest(start time.Time, h tariff.Horizon) Request {
	load := make([]float64, types.HorizonSlots)
	pv := make([]float64, types.HorizonSlots)
	for i := range load {
		load[i] = 500
	}
	return Request{
		Now:            start,
		Horizon:        h,
		LoadW:          load,
		PVKW:           pv,
		BatterySOC:     50,
		BatMaxPriceEUR: 0.25,
		EVMaxPriceEUR:  0.30,
	}
}

func TestPlanFlatPricesNoEV(t *testing.T) {
	start := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	p := New(testConfig(), SimplexSolver{})

	req := baseRequest(start, flatHorizon(start, 0.30))
	plan, err := p.Plan(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, plan.Slots, types.HorizonSlots)
	assert.Equal(t, types.SolverStatusOptimal, plan.Status)

	// flat prices above the threshold: charging never pays off
	total := 0.0
	for _, s := range plan.Slots {
		total += s.BatChargeKW
	}
	assert.Less(t, total, 0.5)
}

func TestPlanPriceValley(t *testing.T) {
	start := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	h := flatHorizon(start, 0.40)
	for i := 48; i < 96; i++ {
		h.Prices[i] = 0.10
	}

	p := New(testConfig(), SimplexSolver{})
	req := baseRequest(start, h)
	req.BatterySOC = 30

	plan, err := p.Plan(context.Background(), req)
	require.NoError(t, err)

	early, late := 0.0, 0.0
	for i, s := range plan.Slots {
		if i < 48 {
			early += s.BatChargeKW
		} else {
			late += s.BatChargeKW
		}
	}
	assert.Greater(t, late, early, "charging should move into the cheap half")
}

func TestPlanUrgentEV(t *testing.T) {
	start := time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)
	p := New(testConfig(), SimplexSolver{})

	req := baseRequest(start, flatHorizon(start, 0.25))
	req.EV = &EVRequest{
		Name:          "ioniq",
		SOC:           30,
		CapacityKWH:   30,
		ChargePowerKW: 11,
		Connected:     true,
		TargetSOC:     80,
		Departure:     start.Add(3 * time.Hour),
	}

	plan, err := p.Plan(context.Background(), req)
	require.NoError(t, err)

	early, late := 0.0, 0.0
	for i, s := range plan.Slots {
		if i < 12 {
			early += s.EVChargeKW
		} else {
			late += s.EVChargeKW
		}
	}
	assert.Greater(t, early, late, "the departure deadline pulls charging forward")
	// the EV reaches its target by the departure slot
	assert.GreaterOrEqual(t, plan.Slots[11].EVSOC, 79.5)
}

func TestPlanSOCBounds(t *testing.T) {
	start := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	h := flatHorizon(start, 0.40)
	for i := 48; i < 96; i++ {
		h.Prices[i] = 0.05
	}

	p := New(testConfig(), SimplexSolver{})
	req := baseRequest(start, h)
	req.BatterySOC = 30

	plan, err := p.Plan(context.Background(), req)
	require.NoError(t, err)

	for _, s := range plan.Slots {
		assert.GreaterOrEqual(t, s.BatSOC, 20.0-0.5)
		assert.LessOrEqual(t, s.BatSOC, 95.0+0.5)
	}
}

func TestPlanMutualExclusion(t *testing.T) {
	start := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	h := flatHorizon(start, 0.40)
	for i := 24; i < 72; i++ {
		h.Prices[i] = 0.08
	}

	p := New(testConfig(), SimplexSolver{})
	req := baseRequest(start, h)

	plan, err := p.Plan(context.Background(), req)
	require.NoError(t, err)

	for _, s := range plan.Slots {
		assert.Less(t, s.BatChargeKW*s.BatDischargeKW, 1e-6)
	}
}

func TestPlanStartAtMaxNoCharge(t *testing.T) {
	start := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	p := New(testConfig(), SimplexSolver{})

	req := baseRequest(start, flatHorizon(start, 0.10))
	req.BatterySOC = 95

	plan, err := p.Plan(context.Background(), req)
	require.NoError(t, err)

	// charging above the configured maximum SoC is impossible and the round
	// trip never pays for itself at a flat price
	total := 0.0
	for _, s := range plan.Slots {
		total += s.BatChargeKW
		assert.LessOrEqual(t, s.BatSOC, 95.0+0.5)
	}
	assert.Less(t, total, 0.5)
}

func TestPlanShortHorizons(t *testing.T) {
	start := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	p := New(testConfig(), SimplexSolver{})

	t.Run("incomplete price vector", func(t *testing.T) {
		req := baseRequest(start, tariff.Horizon{Start: start, Prices: make([]float64, 31)})
		_, err := p.Plan(context.Background(), req)
		require.ErrorIs(t, err, ErrNoPlan)
	})

	t.Run("padded horizon is surfaced", func(t *testing.T) {
		h := flatHorizon(start, 0.20)
		h.Padded = 64
		plan, err := p.Plan(context.Background(), baseRequest(start, h))
		require.NoError(t, err)
		assert.Equal(t, 64, plan.PaddedSlots)
	})
}

func TestPlanInfeasibleBounds(t *testing.T) {
	start := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.BatteryMinSOC = 80
	cfg.BatteryMaxSOC = 40
	p := New(cfg, SimplexSolver{})

	_, err := p.Plan(context.Background(), baseRequest(start, flatHorizon(start, 0.20)))
	require.ErrorIs(t, err, ErrNoPlan)
}

func TestPlanPriceLimit(t *testing.T) {
	start := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	p := New(testConfig(), SimplexSolver{})

	t.Run("no ev uses battery threshold", func(t *testing.T) {
		plan, err := p.Plan(context.Background(), baseRequest(start, flatHorizon(start, 0.20)))
		require.NoError(t, err)
		assert.InDelta(t, 0.25, plan.PriceLimit, 1e-9)
	})

	t.Run("connected ev uses ev threshold", func(t *testing.T) {
		req := baseRequest(start, flatHorizon(start, 0.20))
		req.EV = &EVRequest{Name: "zoe", SOC: 50, CapacityKWH: 40, ChargePowerKW: 11, Connected: true, TargetSOC: 80}
		plan, err := p.Plan(context.Background(), req)
		require.NoError(t, err)
		assert.InDelta(t, 0.30, plan.PriceLimit, 1e-9)
	})

	t.Run("seasonal correction tightens thresholds", func(t *testing.T) {
		req := baseRequest(start, flatHorizon(start, 0.20))
		req.SeasonalCorrectionEUR = 0.02
		plan, err := p.Plan(context.Background(), req)
		require.NoError(t, err)
		assert.InDelta(t, 0.23, plan.PriceLimit, 1e-9)
	})
}

func TestPlanDisconnectedEVIgnored(t *testing.T) {
	start := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	p := New(testConfig(), SimplexSolver{})

	// a known but unplugged vehicle must not constrain the plan
	req := baseRequest(start, flatHorizon(start, 0.20))
	req.EV = &EVRequest{
		Name:          "zoe",
		SOC:           50,
		CapacityKWH:   40,
		ChargePowerKW: 11,
		Connected:     false,
		TargetSOC:     80,
		Departure:     start.Add(2 * time.Hour),
	}

	plan, err := p.Plan(context.Background(), req)
	require.NoError(t, err)
	for _, s := range plan.Slots {
		assert.Zero(t, s.EVChargeKW)
	}
	assert.InDelta(t, 0.25, plan.PriceLimit, 1e-9, "battery threshold applies without a connected EV")
}

func TestBatteryProblemShape(t *testing.T) {
	start := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	p := New(testConfig(), SimplexSolver{})
	req := baseRequest(start, flatHorizon(start, 0.20))

	prob := p.batteryProblem(req, 0.25)
	// two variables per hourly block, one inverter row per block and two
	// boundary energy rows per block; nothing carries a finite upper bound,
	// so the standard-form conversion stays this size
	assert.Len(t, prob.C, 2*numBlocks)
	assert.Len(t, prob.Aub, 3*numBlocks)
	assert.Empty(t, prob.Aeq)
	for i, u := range prob.Upper {
		assert.True(t, math.IsInf(u, 1), "variable %d has a finite upper bound", i)
	}
}

func TestDepartureSlotClamping(t *testing.T) {
	start := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 1, departureSlot(start, start))
	assert.Equal(t, 1, departureSlot(start, start.Add(-time.Hour)))
	assert.Equal(t, 12, departureSlot(start, start.Add(3*time.Hour)))
	assert.Equal(t, 95, departureSlot(start, start.Add(48*time.Hour)))
}
