// Package arbitrage decides whether the house battery may discharge into the
// EV right now. Seven gates are checked in order every cycle; the first
// failing gate deactivates discharge and its reason is published verbatim on
// the dashboard.
package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/strompilot/strompilot/pkg/evcc"
	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/types"
)

const (
	// minNeedKWH is the smallest EV energy need worth discharging for.
	minNeedKWH = 1.0
	// minAvailableKWH is the smallest battery surplus worth discharging.
	minAvailableKWH = 0.5
	// lookaheadSlots is how far gate 5 scans for cheaper prices.
	lookaheadSlots = 24
	// lookaheadRatio: a future price below this fraction of the current price
	// means waiting beats discharging.
	lookaheadRatio = 0.8
	// maxRefillPct caps the expected refill used by the adaptive limits.
	maxRefillPct = 80.0
)

// Config is the arbitrage side of the settings.
type Config struct {
	BatteryCapacityKWH  float64
	ChargeEfficiency    float64
	DischargeEfficiency float64
	BatteryMaxPriceEUR  float64
	MinProfitCt         float64
	FloorSOC            int // configured floor for discharge-to-EV, percent
	ChargePowerKW       float64
}

// Limits are the downstream battery parameters the evaluator manages while
// active.
type Limits struct {
	BufferSOC      int `json:"buffer_soc"`
	BufferStartSOC int `json:"buffer_start_soc"`
	PrioritySOC    int `json:"priority_soc"`
}

// Status is published through the state store every cycle.
type Status struct {
	Active         bool    `json:"active"`
	Reason         string  `json:"reason,omitempty"`
	SavingsCt      float64 `json:"savings_ct_per_kwh"`
	UsableKWH      float64 `json:"usable_kwh"`
	EffectiveFloor int     `json:"effective_floor"`
	DynamicBuffer  int     `json:"dynamic_buffer"`
}

// Input is everything one evaluation needs.
type Input struct {
	Now          time.Time
	EVName       string
	EVNeedKWH    float64 // energy to reach target, 0 when no EV attached
	Plan         *types.PlanHorizon
	Mode         types.ChargeMode
	GridPriceEUR float64
	BatterySOC   float64 // percent
	ReserveFloor int     // dynamic reserve from the buffer calculator, percent

	// adaptive-limit inputs
	PVSurplusKWH float64 // expected surplus over the horizon
	CheapHours   float64 // cheap hours left today
}

// Evaluator runs the seven gates and manages the downstream limits.
type Evaluator struct {
	cfg      Config
	api      evcc.API
	defaults Limits

	mu        sync.Mutex
	active    bool
	pushed    *Limits
	lastState Status
}

// New returns an evaluator that restores the given defaults on deactivation.
func New(cfg Config, api evcc.API, defaults Limits) *Evaluator {
	return &Evaluator{cfg: cfg, api: api, defaults: defaults}
}

// Evaluate runs all gates in order and applies or restores the downstream
// limits as needed. It always returns a status.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) Status {
	st := e.evaluate(in)

	e.mu.Lock()
	wasActive := e.active
	e.active = st.Active
	e.lastState = st
	e.mu.Unlock()

	if st.Active {
		e.applyLimits(ctx, in, st)
	} else if wasActive {
		e.restoreDefaults(ctx)
	}
	return st
}

func (e *Evaluator) evaluate(in Input) Status {
	st := Status{EffectiveFloor: e.effectiveFloor(in)}

	// gate 1: an EV with a real energy need
	if in.EVName == "" || in.EVNeedKWH <= minNeedKWH {
		st.Reason = "Kein Fahrzeug mit ausreichendem Ladebedarf"
		return st
	}
	// gate 2: the planner authorises battery discharge this slot
	if in.Plan == nil || !in.Plan.BatDischarge {
		st.Reason = "Plan sieht keine Batterieentladung vor"
		return st
	}
	// gate 3: the EV is in fast-charge mode
	if in.Mode != types.ChargeModeNow {
		st.Reason = "Fahrzeug nicht im Schnelllademodus"
		return st
	}
	// gate 4: economic profit over the battery's round-trip cost
	batteryCostCt := e.cfg.BatteryMaxPriceEUR * 100 / (e.cfg.ChargeEfficiency * e.cfg.DischargeEfficiency)
	savingsCt := in.GridPriceEUR*100 - batteryCostCt
	st.SavingsCt = savingsCt
	if savingsCt < e.cfg.MinProfitCt {
		st.Reason = fmt.Sprintf("Gewinn zu gering (%.1f ct/kWh, Minimum %.1f ct/kWh)", savingsCt, e.cfg.MinProfitCt)
		return st
	}
	// gate 5: no cheaper slot coming up soon
	if slot, price, ok := cheaperSlotAhead(in.Plan, in.GridPriceEUR); ok {
		st.Reason = fmt.Sprintf("Strom wird in Kürze günstiger (%.2f EUR/kWh in Slot %d)", price, slot)
		return st
	}
	// gate 6: enough battery above the effective floor
	available := e.availableKWH(in.BatterySOC, st.EffectiveFloor)
	if available < minAvailableKWH {
		st.Reason = fmt.Sprintf("Batteriestand zu niedrig (Reserve %d %%)", st.EffectiveFloor)
		return st
	}
	// gate 7: the plan must not discharge to grid while the EV sits idle
	cur := in.Plan.CurrentSlot()
	if cur.BatDischargeKW > types.ChargeThresholdKW && cur.EVChargeKW < types.ChargeThresholdKW {
		st.Reason = "Mutual Exclusion: Plan entlädt Batterie ohne Fahrzeugladung"
		return st
	}

	st.Active = true
	st.UsableKWH = math.Min(available, in.EVNeedKWH)
	st.DynamicBuffer = e.dynamicFloor(in, st.EffectiveFloor)
	return st
}

func (e *Evaluator) effectiveFloor(in Input) int {
	floor := e.cfg.FloorSOC
	if in.ReserveFloor > floor {
		floor = in.ReserveFloor
	}
	return floor
}

func (e *Evaluator) availableKWH(socPct float64, floorPct int) float64 {
	above := (socPct - float64(floorPct)) / 100 * e.cfg.BatteryCapacityKWH
	if above < 0 {
		return 0
	}
	return above * e.cfg.DischargeEfficiency
}

func cheaperSlotAhead(plan *types.PlanHorizon, currentPrice float64) (int, float64, bool) {
	limit := lookaheadRatio * currentPrice
	for i := 1; i <= lookaheadSlots && i < len(plan.Slots); i++ {
		if plan.Slots[i].PriceEUR < limit {
			return i, plan.Slots[i].PriceEUR, true
		}
	}
	return 0, 0, false
}

// dynamicFloor computes how far the battery may be drawn down given the
// refill expected from solar surplus and the remaining cheap grid hours.
func (e *Evaluator) dynamicFloor(in Input, baseFloor int) int {
	cap := e.cfg.BatteryCapacityKWH
	solarRefill := in.PVSurplusKWH / cap * 100
	gridRefill := in.CheapHours * e.cfg.ChargePowerKW * e.cfg.ChargeEfficiency / cap * 100
	totalRefill := math.Min(solarRefill+gridRefill, maxRefillPct)
	safeDischarge := totalRefill * 0.8

	floor := math.Max(float64(baseFloor), in.BatterySOC-safeDischarge)
	return int(math.Round(floor))
}

func (e *Evaluator) targetSOC(in Input, dynamicFloor int) int {
	rt := e.cfg.ChargeEfficiency * e.cfg.DischargeEfficiency
	target := in.BatterySOC - in.EVNeedKWH/(e.cfg.BatteryCapacityKWH*rt)*100
	return int(math.Round(math.Max(float64(dynamicFloor), target)))
}

func (e *Evaluator) applyLimits(ctx context.Context, in Input, st Status) {
	limits := Limits{
		BufferSOC:      st.DynamicBuffer,
		BufferStartSOC: int(in.BatterySOC),
		PrioritySOC:    e.targetSOC(in, st.DynamicBuffer),
	}

	e.mu.Lock()
	unchanged := e.pushed != nil && *e.pushed == limits
	e.mu.Unlock()
	if unchanged {
		return
	}

	if err := e.push(ctx, limits, false); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to push arbitrage limits", slog.Any("error", err))
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "arbitrage limits applied",
		slog.Int("bufferSOC", limits.BufferSOC),
		slog.Int("bufferStartSOC", limits.BufferStartSOC),
		slog.Int("prioritySOC", limits.PrioritySOC),
	)
	e.mu.Lock()
	e.pushed = &limits
	e.mu.Unlock()
}

func (e *Evaluator) restoreDefaults(ctx context.Context) {
	e.mu.Lock()
	pushed := e.pushed
	e.pushed = nil
	e.mu.Unlock()
	if pushed == nil {
		return
	}
	if err := e.push(ctx, e.defaults, true); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore battery limits", slog.Any("error", err))
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "battery limits restored",
		slog.Int("bufferSOC", e.defaults.BufferSOC),
	)
}

// push writes the battery limits downstream. holdback controls evcc's
// discharge control: while arbitrage is active it must be off, otherwise
// evcc blocks exactly the battery-to-EV discharge we just enabled.
func (e *Evaluator) push(ctx context.Context, l Limits, holdback bool) error {
	if err := e.api.SetBufferSOC(ctx, l.BufferSOC); err != nil {
		return err
	}
	if err := e.api.SetBufferStartSOC(ctx, l.BufferStartSOC); err != nil {
		return err
	}
	if err := e.api.SetPrioritySOC(ctx, l.PrioritySOC); err != nil {
		return err
	}
	return e.api.SetBatteryDischargeControl(ctx, holdback)
}

// Active reports whether discharge-to-EV is currently enabled.
func (e *Evaluator) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Last returns the most recent status.
func (e *Evaluator) Last() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastState
}
