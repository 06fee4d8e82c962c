// Package planner computes the rolling-horizon dispatch for the house
// battery and the EV. The 24-hour horizon is solved as two small linear
// programs (battery and EV charging are not coupled by any constraint);
// everything downstream (arbitrage, mode controller) only ever reads the
// resulting PlanHorizon.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/tariff"
	"github.com/strompilot/strompilot/pkg/types"
)

// ErrNoPlan is returned whenever no plan can be produced: short price
// horizon, infeasible constraints or a solver failure. Callers degrade the
// cycle, they never abort it.
var ErrNoPlan = errors.New("no plan")

// slotHours is the slot duration in hours.
const slotHours = 0.25

// penaltyFactor prices a slot above the configured maximum out of the
// solution without making it infeasible.
const penaltyFactor = 10

// The battery subproblem works on hourly blocks: dispatch is constant within
// a block, so the SoC is linear in between and bounds enforced at the block
// boundaries hold for every slot. Together with the cumulative energy rows
// this keeps the LP far below the size where the dense simplex degrades.
const (
	horizonT      = types.HorizonSlots
	slotsPerBlock = 4
	numBlocks     = horizonT / slotsPerBlock
	blockHours    = slotHours * slotsPerBlock
)

// Config is the battery side of the LP, taken from settings once at startup.
type Config struct {
	BatteryCapacityKWH  float64
	BatteryMaxPowerKW   float64
	BatteryMinSOC       float64 // percent
	BatteryMaxSOC       float64 // percent
	ChargeEfficiency    float64
	DischargeEfficiency float64
	FeedInTariffEUR     float64
}

// EVRequest describes the EV side of one planning request.
type EVRequest struct {
	Name          string
	SOC           float64 // percent
	CapacityKWH   float64
	ChargePowerKW float64
	Connected     bool
	TargetSOC     float64   // percent
	Departure     time.Time // zero when unknown
}

// Request is everything one solve needs.
type Request struct {
	Now     time.Time
	Horizon tariff.Horizon // 96 prices, EUR/kWh
	LoadW   []float64      // 96-slot consumption forecast
	PVKW    []float64      // 96-slot PV forecast

	BatterySOC float64 // percent

	EV *EVRequest // nil when no EV is attached

	PVConfidence          float64
	SeasonalCorrectionEUR float64

	BatMaxPriceEUR float64 // effective threshold, learner-adjusted
	EVMaxPriceEUR  float64
}

// Planner builds and solves the dispatch LPs.
type Planner struct {
	cfg    Config
	solver Solver
}

// New returns a planner using the given solver.
func New(cfg Config, solver Solver) *Planner {
	return &Planner{cfg: cfg, solver: solver}
}

// battery variable layout: bc[0:numBlocks) bd[numBlocks:2*numBlocks)
func bcIdx(h int) int { return h }
func bdIdx(h int) int { return numBlocks + h }

// Plan solves the dispatch and returns the horizon, or ErrNoPlan.
func (p *Planner) Plan(ctx context.Context, req Request) (*types.PlanHorizon, error) {
	if len(req.Horizon.Prices) != horizonT {
		return nil, fmt.Errorf("%w: price horizon has %d slots", ErrNoPlan, len(req.Horizon.Prices))
	}
	if len(req.LoadW) != horizonT || len(req.PVKW) != horizonT {
		return nil, fmt.Errorf("%w: forecast horizon incomplete", ErrNoPlan)
	}
	if p.cfg.BatteryMinSOC >= p.cfg.BatteryMaxSOC {
		return nil, fmt.Errorf("%w: battery SoC bounds inverted", ErrNoPlan)
	}

	// seasonal correction tightens the price thresholds when the plan has
	// been systematically too optimistic in this part of the year
	batMax := req.BatMaxPriceEUR - req.SeasonalCorrectionEUR
	evMax := req.EVMaxPriceEUR - req.SeasonalCorrectionEUR

	evConnected := req.EV != nil && req.EV.Connected
	if evConnected {
		p.precheckEV(ctx, req)
	}

	batRes, err := p.solver.Solve(p.batteryProblem(req, batMax))
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "solver failed", slog.Any("error", err))
		return nil, fmt.Errorf("%w: solver: %v", ErrNoPlan, err)
	}
	if !batRes.Feasible {
		log.Ctx(ctx).InfoContext(ctx, "battery plan infeasible",
			slog.Float64("batterySOC", req.BatterySOC),
		)
		return nil, fmt.Errorf("%w: infeasible", ErrNoPlan)
	}
	objective := batRes.Objective

	var evCharge []float64
	if prob, ok := p.evProblem(req, evMax); ok {
		evRes, err := p.solver.Solve(prob)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "solver failed", slog.Any("error", err))
			return nil, fmt.Errorf("%w: solver: %v", ErrNoPlan, err)
		}
		if !evRes.Feasible {
			log.Ctx(ctx).InfoContext(ctx, "ev departure target infeasible",
				slog.String("vehicle", req.EV.Name),
			)
			return nil, fmt.Errorf("%w: infeasible", ErrNoPlan)
		}
		evCharge = evRes.X
		objective += evRes.Objective
	}

	return p.assemble(req, batRes.X, evCharge, objective, batMax, evMax), nil
}

// precheckEV warns when the departure target cannot physically be met. The
// solve is still attempted; the LP will fail or deliver what it can.
func (p *Planner) precheckEV(ctx context.Context, req Request) {
	ev := req.EV
	if ev.Departure.IsZero() || ev.TargetSOC <= ev.SOC {
		return
	}
	k := departureSlot(req.Horizon.Start, ev.Departure)
	deliverable := ev.ChargePowerKW * slotHours * float64(k)
	needed := (ev.TargetSOC - ev.SOC) / 100 * ev.CapacityKWH
	if deliverable < needed {
		log.Ctx(ctx).WarnContext(ctx, "ev departure target may be unreachable",
			slog.String("vehicle", ev.Name),
			slog.Float64("neededKWH", needed),
			slog.Float64("deliverableKWH", deliverable),
			slog.Int("departureSlot", k),
		)
	}
}

func departureSlot(start, departure time.Time) int {
	k := int(departure.Sub(start) / tariff.SlotDuration)
	if k < 1 {
		k = 1
	}
	if k > horizonT-1 {
		k = horizonT - 1
	}
	return k
}

// baseCost is the PV-discounted grid price for slot t, EUR/kWh.
func (p *Planner) baseCost(req Request, t int) float64 {
	price := req.Horizon.Prices[t]
	pvSurplus := math.Max(0, req.PVKW[t]-req.LoadW[t]/1000)
	coverage := math.Min(1, pvSurplus/p.cfg.BatteryMaxPowerKW) * req.PVConfidence
	return price * (1 - coverage)
}

// dischargeCredit values one discharged kWh in slot t: the energy first
// displaces home load at grid price, the surplus exports at feed-in.
func (p *Planner) dischargeCredit(req Request, t int) float64 {
	price := req.Horizon.Prices[t]
	loadFrac := math.Min(1, req.LoadW[t]/1000/p.cfg.BatteryMaxPowerKW)
	return price*loadFrac + p.cfg.FeedInTariffEUR*(1-loadFrac)
}

// carryValue prices the energy still stored at the end of the horizon:
// the cheaper of the mean forward price and the charge threshold. Without it
// the LP would never bank cheap energy for the following day.
func (p *Planner) carryValue(req Request, batMax float64) float64 {
	sum := 0.0
	for _, price := range req.Horizon.Prices {
		sum += price
	}
	return math.Max(0, math.Min(batMax, sum/float64(len(req.Horizon.Prices))))
}

// batteryProblem builds the hourly-block battery LP in cumulative form. The
// inverter row caps both directions, the boundary energy rows replace the
// per-slot SoC chain, and no variable carries a finite upper bound, so the
// standard-form conversion adds one slack per row and nothing else.
func (p *Planner) batteryProblem(req Request, batMax float64) Problem {
	n := 2 * numBlocks
	c := make([]float64, n)
	lower := make([]float64, n)
	upper := make([]float64, n)
	for i := range upper {
		upper[i] = math.Inf(1)
	}

	etaC := p.cfg.ChargeEfficiency
	etaD := p.cfg.DischargeEfficiency
	carry := p.carryValue(req, batMax)

	for h := 0; h < numBlocks; h++ {
		for t := h * slotsPerBlock; t < (h+1)*slotsPerBlock; t++ {
			cost := p.baseCost(req, t)
			if req.Horizon.Prices[t] > batMax {
				cost = penaltyFactor * req.Horizon.Prices[t]
			}
			c[bcIdx(h)] += cost * slotHours
			c[bdIdx(h)] -= p.dischargeCredit(req, t) * slotHours
		}
		// stored energy kept past the horizon retains its carry value
		c[bcIdx(h)] -= carry * etaC * blockHours
		c[bdIdx(h)] += carry * blockHours / etaD
	}

	// the measured SoC may sit outside the configured band; widen the band
	// instead of failing the solve
	soc0 := req.BatterySOC
	minEff := math.Min(p.cfg.BatteryMinSOC, soc0)
	maxEff := math.Max(p.cfg.BatteryMaxSOC, soc0)
	capKWH := p.cfg.BatteryCapacityKWH

	var aub [][]float64
	var bub []float64

	// charge + discharge share the inverter: bc[h] + bd[h] <= Pmax
	for h := 0; h < numBlocks; h++ {
		row := make([]float64, n)
		row[bcIdx(h)] = 1
		row[bdIdx(h)] = 1
		aub = append(aub, row)
		bub = append(bub, p.cfg.BatteryMaxPowerKW)
	}

	// the stored energy after every block stays inside the SoC band
	for k := 1; k <= numBlocks; k++ {
		up := make([]float64, n)
		down := make([]float64, n)
		for h := 0; h < k; h++ {
			up[bcIdx(h)] = etaC * blockHours
			up[bdIdx(h)] = -blockHours / etaD
			down[bcIdx(h)] = -etaC * blockHours
			down[bdIdx(h)] = blockHours / etaD
		}
		aub = append(aub, up)
		bub = append(bub, (maxEff-soc0)/100*capKWH)
		aub = append(aub, down)
		bub = append(bub, (soc0-minEff)/100*capKWH)
	}

	return Problem{C: c, Aub: aub, Bub: bub, Lower: lower, Upper: upper}
}

// evProblem builds the per-slot EV charging LP. It only exists when a
// departure target demands energy; without one the optimum is trivially zero
// and the solve is skipped.
func (p *Planner) evProblem(req Request, evMax float64) (Problem, bool) {
	ev := req.EV
	if ev == nil || !ev.Connected || ev.CapacityKWH <= 0 ||
		ev.Departure.IsZero() || ev.TargetSOC <= ev.SOC {
		return Problem{}, false
	}
	k := departureSlot(req.Horizon.Start, ev.Departure)
	needKWH := (ev.TargetSOC - ev.SOC) / 100 * ev.CapacityKWH
	roomKWH := (100 - ev.SOC) / 100 * ev.CapacityKWH

	c := make([]float64, horizonT)
	lower := make([]float64, horizonT)
	upper := make([]float64, horizonT)
	for t := 0; t < horizonT; t++ {
		cost := p.baseCost(req, t)
		if req.Horizon.Prices[t] > evMax {
			cost = penaltyFactor * req.Horizon.Prices[t]
		}
		c[t] = cost * slotHours
		if t < k {
			upper[t] = ev.ChargePowerKW
		}
		// the vehicle is gone after departure; upper stays 0
	}

	target := make([]float64, horizonT)
	capRow := make([]float64, horizonT)
	for t := 0; t < horizonT; t++ {
		capRow[t] = slotHours
		if t < k {
			target[t] = -slotHours
		}
	}
	aub := [][]float64{target, capRow}
	bub := []float64{-needKWH, roomKWH}

	return Problem{C: c, Aub: aub, Bub: bub, Lower: lower, Upper: upper}, true
}

func (p *Planner) assemble(req Request, batX, evX []float64, objective, batMax, evMax float64) *types.PlanHorizon {
	plan := &types.PlanHorizon{
		ComputedAt:   req.Now,
		Status:       types.SolverStatusOptimal,
		ObjectiveEUR: objective,
		PaddedSlots:  req.Horizon.Padded,
		Slots:        make([]types.DispatchSlot, horizonT),
	}

	evName := ""
	evConnected := req.EV != nil && req.EV.Connected
	evPower := 0.0
	evSOC := 0.0
	evCap := 0.0
	if req.EV != nil {
		evPower = req.EV.ChargePowerKW
		evSOC = req.EV.SOC
		evCap = req.EV.CapacityKWH
	}
	if evConnected {
		evName = req.EV.Name
	}

	etaC := p.cfg.ChargeEfficiency
	etaD := p.cfg.DischargeEfficiency
	batSOC := req.BatterySOC

	for t := 0; t < horizonT; t++ {
		h := t / slotsPerBlock
		bc := clip(batX[bcIdx(h)], 0, p.cfg.BatteryMaxPowerKW)
		bd := clip(batX[bdIdx(h)], 0, p.cfg.BatteryMaxPowerKW)
		// remove simultaneous charge/discharge left by solver round-off
		if overlap := math.Min(bc, bd); overlap > 0 {
			bc -= overlap
			bd -= overlap
		}
		ec := 0.0
		if evX != nil {
			ec = clip(evX[t], 0, evPower)
		}

		batSOC += (etaC*bc - bd/etaD) * slotHours / p.cfg.BatteryCapacityKWH * 100
		if evCap > 0 {
			evSOC += ec * slotHours / evCap * 100
		}

		plan.Slots[t] = types.DispatchSlot{
			Index:          t,
			Start:          req.Horizon.Start.Add(time.Duration(t) * tariff.SlotDuration),
			BatChargeKW:    zeroSmall(bc),
			BatDischargeKW: zeroSmall(bd),
			EVChargeKW:     zeroSmall(ec),
			EVName:         evName,
			PriceEUR:       req.Horizon.Prices[t],
			PVKW:           req.PVKW[t],
			LoadW:          req.LoadW[t],
			BatSOC:         clip(batSOC, 0, 100),
			EVSOC:          clip(evSOC, 0, 100),
		}
	}

	cur := plan.Slots[0]
	plan.BatCharge = cur.BatChargeKW > types.ChargeThresholdKW
	plan.BatDischarge = cur.BatDischargeKW > types.ChargeThresholdKW
	plan.EVCharge = cur.EVChargeKW > types.ChargeThresholdKW
	if evConnected {
		plan.PriceLimit = evMax
	} else {
		plan.PriceLimit = batMax
	}
	return plan
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func zeroSmall(v float64) float64 {
	if v < 1e-6 {
		return 0
	}
	return v
}
