// Package loop runs the 15-minute decision cycle: snapshot, forecast, plan,
// dispatch, publish, learn. Precedence is centralised here: boost override
// beats the mode controller, which beats arbitrage, which beats the plain
// planner fallback.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/strompilot/strompilot/pkg/arbitrage"
	"github.com/strompilot/strompilot/pkg/evcc"
	"github.com/strompilot/strompilot/pkg/forecast"
	"github.com/strompilot/strompilot/pkg/learner"
	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/modectl"
	"github.com/strompilot/strompilot/pkg/planner"
	"github.com/strompilot/strompilot/pkg/reaction"
	"github.com/strompilot/strompilot/pkg/reserve"
	"github.com/strompilot/strompilot/pkg/statestore"
	"github.com/strompilot/strompilot/pkg/tariff"
	"github.com/strompilot/strompilot/pkg/types"
	"github.com/strompilot/strompilot/pkg/vehicle"
)

// errRetry is how long the loop waits after a failed cycle.
const errRetry = time.Minute

// urgentDepartureWindow marks a departure as urgent for the mode decision.
const urgentDepartureWindow = 3 * time.Hour

var errNoState = errors.New("no site state available")

// Notifier asks the driver for missing information; the web UI and any chat
// integration implement it. A nil notifier drops the question.
type Notifier interface {
	AskDeparture(ctx context.Context, vehicleName string)
}

// Deps wires every collaborator into the loop. All fields are required
// except Notify.
type Deps struct {
	Settings    types.Settings
	API         evcc.API
	Store       *statestore.Store
	Collector   *Collector
	Registry    *vehicle.Registry
	Boost       *BoostManager
	Reliability *forecast.Reliability
	Seasonal    *forecast.Seasonal
	PV          *forecast.PV
	Consumption *forecast.Consumption
	Reaction    *reaction.Tracker
	Reserve     *reserve.Calculator
	Planner     *planner.Planner
	Arbitrage   *arbitrage.Evaluator
	Mode        *modectl.Controller
	Agent       *learner.Agent
	Notify      Notifier
}

// Loop is the decision loop. Run is the only goroutine touching its
// unexported cycle state.
type Loop struct {
	Deps

	prevEVConnected bool
	asked           map[string]bool
	lastPlan        *types.PlanHorizon

	pushedGridLimit  *float64
	pushedSmartLimit *float64
}

// New returns a loop ready to Run.
func New(deps Deps) *Loop {
	return &Loop{Deps: deps, asked: make(map[string]bool)}
}

// Run executes cycles until ctx is cancelled. A failed cycle is logged and
// retried after a minute; it never stops the loop.
func (l *Loop) Run(ctx context.Context) {
	cycle := time.Duration(l.Settings.CycleMinutes) * time.Minute
	for {
		if err := l.Cycle(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "cycle failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(errRetry):
			}
			continue
		}
		// sleep to the next cycle boundary so plans line up with tariff slots
		now := time.Now()
		wait := now.Truncate(cycle).Add(cycle).Sub(now)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Cycle runs one pass of the decision sequence.
func (l *Loop) Cycle(ctx context.Context) error {
	now := time.Now().UTC()

	// 1: site snapshot
	site, at, ok := l.Collector.Latest()
	if !ok || now.Sub(at) > 2*collectInterval {
		l.Collector.Refresh(ctx)
		site, _, ok = l.Collector.Latest()
		if !ok {
			return errNoState
		}
	}

	// 2: tariffs, forecasts, derived figures
	start := now.Truncate(tariff.SlotDuration)
	gridRates, err := l.API.GridTariff(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "grid tariff fetch failed", slog.Any("error", err))
	}
	solarRates, err := l.API.SolarTariff(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "solar tariff fetch failed", slog.Any("error", err))
	}
	horizon, horizonOK := tariff.ExpandPrices(gridRates, start)
	pvKW := l.PV.Forecast(start, solarRates)
	loadW := l.Consumption.Forecast(start)

	state := l.buildState(now, site, horizon, horizonOK, pvKW)
	ev, evConnected := l.Registry.Connected()

	// 3: plug-in event triggers the one-time departure inquiry
	if evConnected && !l.prevEVConnected && ev.Name != "" && !l.asked[ev.Name] {
		l.asked[ev.Name] = true
		if l.Notify != nil {
			l.Notify.AskDeparture(ctx, ev.Name)
		}
		log.Ctx(ctx).InfoContext(ctx, "plug-in detected", slog.String("vehicle", ev.Name))
	}
	if !evConnected {
		l.asked = make(map[string]bool)
	}
	l.prevEVConnected = evConnected

	// 4: forecast reliability against what the previous plan predicted for now
	l.PV.Observe(now, site.PVPower/1000)
	l.Consumption.Observe(now, site.HomePower)
	if prev := l.planSlotAt(now); prev != nil {
		_ = l.Reliability.Update(forecast.SourcePV, site.PVPower/1000, prev.PVKW)
		_ = l.Reliability.Update(forecast.SourceConsumption, site.HomePower, prev.LoadW)
		if horizonOK {
			_ = l.Reliability.Update(forecast.SourcePrice, state.CurrentPriceEUR, prev.PriceEUR)
		}
	}
	pvConf := l.Reliability.Confidence(forecast.SourcePV)

	// 5: seasonal price-threshold correction
	seasonalCorr, _ := l.Seasonal.Correction(now, forecast.DefaultSeasonalMinSamples)

	boost, boostActive := l.activeBoost(ctx, now, ev, evConnected)

	// 6+7: learner advice feeds the planner thresholds in advisory mode; a
	// boost bypasses the agent entirely, no shadow entry either
	var advice learner.Advice
	if !boostActive && l.Agent.Mode() != learner.ModeDisabled {
		advice = l.Agent.Advise(ctx, learner.Observation{
			BatterySOC:    state.BatterySOC,
			PriceEUR:      state.CurrentPriceEUR,
			P30:           state.PricePercentiles[30],
			P60:           state.PricePercentiles[60],
			P80:           state.PricePercentiles[80],
			Hour:          now.Hour(),
			PercentilesOK: len(state.PricePercentiles) > 0,
		})
	}
	batMax := l.Settings.BatteryMaxPriceEUR
	evMax := l.Settings.EVMaxPriceEUR
	if advice.Applied {
		batMax += advice.Action.BatDeltaCt / 100
		evMax += advice.Action.EVDeltaCt / 100
	}

	var plan *types.PlanHorizon
	if horizonOK {
		plan, err = l.Planner.Plan(ctx, planner.Request{
			Now:                   now,
			Horizon:               horizon,
			LoadW:                 loadW,
			PVKW:                  pvKW,
			BatterySOC:            state.BatterySOC,
			EV:                    l.evRequest(ev, evConnected),
			PVConfidence:          pvConf,
			SeasonalCorrectionEUR: seasonalCorr,
			BatMaxPriceEUR:        batMax,
			EVMaxPriceEUR:         evMax,
		})
		if err != nil {
			if !errors.Is(err, planner.ErrNoPlan) {
				return err
			}
			log.Ctx(ctx).InfoContext(ctx, "no plan this cycle", slog.Any("error", err))
			plan = nil
		}
	} else {
		log.Ctx(ctx).InfoContext(ctx, "price horizon too short, no plan")
	}

	// 8: dispatch plan-level limits downstream
	l.dispatch(ctx, plan)

	// 9: mode control; a boost forces fast charge and bypasses the controller
	var modeStatus modectl.Status
	if boostActive {
		l.forceFastCharge(ctx, site)
		modeStatus = modectl.Status{State: modectl.StateNormal, LastSetMode: types.ChargeModeNow}
	} else {
		modeStatus = l.Mode.Step(ctx, l.modeInput(now, site, state, plan, ev, evConnected))
	}

	// 10: arbitrage
	arbStatus := l.Arbitrage.Evaluate(ctx, l.arbitrageInput(now, state, plan, modeStatus, ev, evConnected))

	// 11: reserve floor, suspended while arbitrage manages the buffer
	reservePct := l.Reserve.Current()
	if !arbStatus.Active {
		reservePct = l.Reserve.Step(ctx, pvConf, state.PriceSpreadEUR, now)
	}

	// 12: publish
	snap := statestore.Snapshot{
		SystemState:     state,
		LastUpdate:      now,
		Plan:            plan,
		Arbitrage:       arbStatus,
		Mode:            modeStatus,
		Reserve:         statestore.ReserveStatus{CurrentPct: reservePct, Live: l.Reserve.Live(now)},
		Vehicles:        l.Registry.List(now),
		LPAction:        planAction(plan),
		RLAction:        l.adviceAction(advice, plan, state),
		EffectiveAction: l.effectiveAction(site, boostActive),
	}
	if boostActive {
		snap.Boost = &boost
	}
	l.Store.Update(snap)

	// 13: shared slot-0 cost comparison feeds the slow learners
	plannedEUR, actualEUR := l.slotCosts(plan, site, state)
	l.Seasonal.Update(now, actualEUR-plannedEUR)
	l.Reaction.Observe(now, planAction(plan), snap.EffectiveAction)
	if l.Reaction.ShouldReplanImmediately() {
		log.Ctx(ctx).InfoContext(ctx, "plan deviations are not self-correcting",
			slog.Float64("selfCorrectionRate", l.Reaction.SelfCorrectionRate()),
		)
	}
	if !boostActive {
		l.Agent.Reward(advice, plannedEUR, actualEUR)
	}

	// 14: shadow-to-advisory promotion check
	l.Agent.PromoteIfReady(ctx, now)

	l.lastPlan = plan
	return nil
}

func (l *Loop) buildState(now time.Time, site evcc.State, h tariff.Horizon, ok bool, pvKW []float64) types.SystemState {
	st := types.SystemState{
		Timestamp:    now,
		BatterySOC:   site.BatterySOC,
		BatteryPower: site.BatteryPower,
		GridPower:    site.GridPower,
		PVPower:      site.PVPower,
		HomePower:    site.HomePower,
	}
	for _, lp := range site.Loadpoints {
		if !lp.Connected {
			continue
		}
		st.EVConnected = true
		st.EVName = lp.VehicleName
		st.EVSOC = lp.VehicleSOC
		st.EVChargePowerKW = lp.ChargePowerW / 1000
		if v, found := l.Registry.Get(lp.VehicleName); found {
			st.EVCapacityKWH = v.CapacityKWH
			st.EVSOC = v.EffectiveSOC()
		}
		break
	}
	if ok {
		st.CurrentPriceEUR = h.Prices[0]
		st.PricePercentiles = tariff.Percentiles(h.Prices, 20, 30, 60, 80)
		st.PriceSpreadEUR = tariff.Spread(h.Prices)
		st.CheapHoursLeft = tariff.CheapHoursLeft(h, now)
	}
	st.PVEnergyNext24h = forecast.ExpectedEnergyKWH(pvKW)
	return st
}

func (l *Loop) evRequest(ev types.Vehicle, connected bool) *planner.EVRequest {
	if !connected {
		return nil
	}
	req := &planner.EVRequest{
		Name:          ev.Name,
		SOC:           ev.EffectiveSOC(),
		CapacityKWH:   ev.CapacityKWH,
		ChargePowerKW: ev.ChargePowerKW,
		Connected:     true,
		TargetSOC:     l.Registry.TargetSOC(ev.Name),
	}
	if dep, ok := l.Registry.Departure(ev.Name); ok {
		req.Departure = dep.At
	}
	return req
}

func (l *Loop) activeBoost(ctx context.Context, now time.Time, ev types.Vehicle, connected bool) (types.Boost, bool) {
	boost, active := l.Boost.Active(now)
	if !active {
		return types.Boost{}, false
	}
	// end conditions beyond expiry: disconnect and reached target
	if !connected || boost.Vehicle != ev.Name {
		l.Boost.Deactivate(ctx, "vehicle disconnected")
		return types.Boost{}, false
	}
	if target := l.Registry.TargetSOC(ev.Name); target > 0 && ev.EffectiveSOC() >= target {
		l.Boost.Deactivate(ctx, "target reached")
		return types.Boost{}, false
	}
	return boost, true
}

func (l *Loop) forceFastCharge(ctx context.Context, site evcc.State) {
	for i, lp := range site.Loadpoints {
		if !lp.Connected || lp.Mode == types.ChargeModeNow {
			continue
		}
		if err := l.API.SetLoadpointMode(ctx, i, types.ChargeModeNow); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to force fast charge", slog.Any("error", err))
		}
	}
}

func (l *Loop) modeInput(now time.Time, site evcc.State, state types.SystemState, plan *types.PlanHorizon, ev types.Vehicle, connected bool) modectl.StepInput {
	in := modectl.StepInput{Now: now, Reachable: len(site.Loadpoints) > 0}
	if in.Reachable {
		in.ReportedMode = site.Loadpoints[0].Mode
	}
	urgent := false
	if dep, ok := l.Registry.Departure(ev.Name); ok && connected {
		urgent = dep.At.Sub(now) <= urgentDepartureWindow &&
			ev.EffectiveSOC() < l.Registry.TargetSOC(ev.Name)
	}
	in.Decision = modectl.DecisionInput{
		EVConnected:     connected,
		EVSOC:           ev.EffectiveSOC(),
		TargetSOC:       l.Registry.TargetSOC(ev.Name),
		UrgentDeparture: urgent,
		Plan:            plan,
		PriceEUR:        state.CurrentPriceEUR,
		Percentiles:     state.PricePercentiles,
		EVMaxPriceEUR:   l.Settings.EVMaxPriceEUR,
	}
	return in
}

func (l *Loop) arbitrageInput(now time.Time, state types.SystemState, plan *types.PlanHorizon, mode modectl.Status, ev types.Vehicle, connected bool) arbitrage.Input {
	in := arbitrage.Input{
		Now:          now,
		Plan:         plan,
		Mode:         mode.LastSetMode,
		GridPriceEUR: state.CurrentPriceEUR,
		BatterySOC:   state.BatterySOC,
		ReserveFloor: l.Reserve.Current(),
		PVSurplusKWH: state.PVEnergyNext24h,
		CheapHours:   float64(state.CheapHoursLeft),
	}
	if connected {
		in.EVName = ev.Name
		in.EVNeedKWH = ev.NeedKWH(l.Registry.TargetSOC(ev.Name))
	}
	return in
}

// dispatch pushes the plan-level price limits downstream, only on change.
func (l *Loop) dispatch(ctx context.Context, plan *types.PlanHorizon) {
	if plan == nil {
		// no plan, no new commands; existing limits stay in force
		return
	}

	if plan.BatCharge {
		if l.pushedGridLimit == nil || *l.pushedGridLimit != plan.PriceLimit {
			if err := l.API.SetBatteryGridChargeLimit(ctx, plan.PriceLimit); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to set grid charge limit", slog.Any("error", err))
			} else {
				v := plan.PriceLimit
				l.pushedGridLimit = &v
			}
		}
	} else if l.pushedGridLimit != nil {
		if err := l.API.DeleteBatteryGridChargeLimit(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to clear grid charge limit", slog.Any("error", err))
		} else {
			l.pushedGridLimit = nil
		}
	}

	if l.pushedSmartLimit == nil || *l.pushedSmartLimit != plan.PriceLimit {
		if err := l.API.SetSmartCostLimit(ctx, plan.PriceLimit); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to set smart cost limit", slog.Any("error", err))
		} else {
			v := plan.PriceLimit
			l.pushedSmartLimit = &v
		}
	}
}

// planSlotAt finds the previous plan's slot covering t.
func (l *Loop) planSlotAt(t time.Time) *types.DispatchSlot {
	if l.lastPlan == nil {
		return nil
	}
	for i := range l.lastPlan.Slots {
		s := &l.lastPlan.Slots[i]
		if !t.Before(s.Start) && t.Before(s.Start.Add(tariff.SlotDuration)) {
			return s
		}
	}
	return nil
}

// slotCosts computes the planned and measured cost of the current slot, EUR.
func (l *Loop) slotCosts(plan *types.PlanHorizon, site evcc.State, state types.SystemState) (plannedEUR, actualEUR float64) {
	const dt = 0.25
	price := state.CurrentPriceEUR
	feedIn := l.Settings.FeedInTariffEUR

	if plan != nil {
		cur := plan.CurrentSlot()
		plannedEUR = (cur.BatChargeKW*cur.PriceEUR + cur.EVChargeKW*cur.PriceEUR - cur.BatDischargeKW*feedIn) * dt
	}

	batKW := site.BatteryPower / 1000 // positive = charging
	evKW := 0.0
	for _, lp := range site.Loadpoints {
		if lp.Connected {
			evKW += lp.ChargePowerW / 1000
		}
	}
	actualEUR = (math.Max(batKW, 0)*price + evKW*price - math.Max(-batKW, 0)*feedIn) * dt
	return plannedEUR, actualEUR
}

func planAction(plan *types.PlanHorizon) types.ActionLabel {
	if plan == nil {
		return types.ActionIdle
	}
	switch {
	case plan.EVCharge:
		return types.ActionEVCharge
	case plan.BatCharge:
		return types.ActionBatCharge
	case plan.BatDischarge:
		return types.ActionBatDischarge
	}
	return types.ActionIdle
}

// adviceAction is what the learner would dispatch. In advisory mode the plan
// already includes the deltas; in shadow mode a cheap counterfactual checks
// whether the adjusted thresholds would flip the current slot on price alone.
func (l *Loop) adviceAction(adv learner.Advice, plan *types.PlanHorizon, state types.SystemState) types.ActionLabel {
	act := planAction(plan)
	if plan == nil || adv == (learner.Advice{}) || adv.Applied {
		return act
	}
	price := state.CurrentPriceEUR
	evMax := l.Settings.EVMaxPriceEUR + adv.Action.EVDeltaCt/100
	batMax := l.Settings.BatteryMaxPriceEUR + adv.Action.BatDeltaCt/100
	switch act {
	case types.ActionEVCharge:
		if price > evMax {
			return types.ActionIdle
		}
	case types.ActionBatCharge:
		if price > batMax {
			return types.ActionIdle
		}
	case types.ActionIdle:
		if plan.CurrentSlot().EVChargeKW > 0 && price <= evMax {
			return types.ActionEVCharge
		}
	}
	return act
}

func (l *Loop) effectiveAction(site evcc.State, boostActive bool) types.ActionLabel {
	evKW := 0.0
	for _, lp := range site.Loadpoints {
		if lp.Connected {
			evKW += lp.ChargePowerW / 1000
		}
	}
	batKW := site.BatteryPower / 1000
	switch {
	case boostActive || evKW > types.ChargeThresholdKW:
		return types.ActionEVCharge
	case batKW > types.ChargeThresholdKW:
		return types.ActionBatCharge
	case batKW < -types.ChargeThresholdKW:
		return types.ActionBatDischarge
	}
	return types.ActionIdle
}
