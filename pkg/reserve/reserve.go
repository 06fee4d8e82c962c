// Package reserve adapts the battery's minimum reserve each cycle. High PV
// confidence, a wide price spread or the morning hours justify lowering the
// reserve below the configured minimum, never below the practical floor.
package reserve

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/strompilot/strompilot/pkg/evcc"
	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/persist"
)

const (
	modelVersion = 1
	maxEvents    = 700

	// PracticalMinSOC is the lowest reserve the calculator ever targets.
	PracticalMinSOC = 20
	// HardFloorSOC is the absolute floor, regardless of configuration.
	HardFloorSOC = 10

	confidenceThreshold = 0.65
	spreadBonusEUR      = 0.10
)

// Event is one reserve decision, kept in the bounded event log.
type Event struct {
	At         time.Time `json:"at"`
	Target     int       `json:"target"`
	Applied    bool      `json:"applied"`
	Confidence float64   `json:"confidence"`
	SpreadEUR  float64   `json:"spread_eur"`
}

type state struct {
	DeployedAt   time.Time `json:"deployed_at"`
	LiveOverride bool      `json:"live_override"`
	CurrentPct   int       `json:"current_pct"`
	Events       []Event   `json:"events"`
}

// Calculator owns the dynamic reserve floor.
type Calculator struct {
	mu   sync.Mutex
	st   state
	path string

	api             evcc.API
	baseMinSOC      float64
	observationDays int
}

// NewCalculator loads persisted state; on first run the deployment timestamp
// starts the observation period.
func NewCalculator(path string, api evcc.API, baseMinSOC float64, observationDays int, forceLive bool) *Calculator {
	c := &Calculator{
		path:            path,
		api:             api,
		baseMinSOC:      baseMinSOC,
		observationDays: observationDays,
	}
	var st state
	if persist.LoadOrFresh(path, modelVersion, &st) {
		c.st = st
	}
	if c.st.DeployedAt.IsZero() {
		c.st.DeployedAt = time.Now().UTC()
	}
	if c.st.CurrentPct == 0 {
		c.st.CurrentPct = int(baseMinSOC)
	}
	if forceLive {
		c.st.LiveOverride = true
	}
	return c
}

// Live reports whether the calculator applies its targets downstream.
func (c *Calculator) Live(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live(now)
}

func (c *Calculator) live(now time.Time) bool {
	if c.st.LiveOverride {
		return true
	}
	return now.Sub(c.st.DeployedAt) >= time.Duration(c.observationDays)*24*time.Hour
}

// Target computes the reserve target (percent) for the given inputs.
func (c *Calculator) Target(pvConfidence, spreadEUR float64, hour int) int {
	base := c.baseMinSOC
	headroom := base - PracticalMinSOC
	if headroom < 0 {
		headroom = 0
	}
	if pvConfidence <= confidenceThreshold || headroom == 0 {
		return clampReserve(int(base))
	}

	factor := (pvConfidence - confidenceThreshold) / (1 - confidenceThreshold)
	if spreadEUR > spreadBonusEUR {
		factor += 0.1
	}
	if hour >= 5 && hour <= 10 {
		factor += 0.1
	}
	if factor > 1 {
		factor = 1
	}

	target := base - math.Round(headroom*factor)
	// hysteresis: snap to 5% steps so a jittery confidence does not produce
	// a stream of buffer commands
	target = math.Round(target/5) * 5
	return clampReserve(int(target))
}

func clampReserve(pct int) int {
	if pct < PracticalMinSOC {
		pct = PracticalMinSOC
	}
	if pct < HardFloorSOC {
		pct = HardFloorSOC
	}
	return pct
}

// Step runs one cycle: compute the target, log it, and in live mode push it
// downstream when it changed. Returns the effective reserve percent.
func (c *Calculator) Step(ctx context.Context, pvConfidence, spreadEUR float64, now time.Time) int {
	target := c.Target(pvConfidence, spreadEUR, now.Hour())

	c.mu.Lock()
	isLive := c.live(now)
	changed := target != c.st.CurrentPct
	apply := isLive && changed

	c.st.Events = append(c.st.Events, Event{
		At:         now,
		Target:     target,
		Applied:    apply,
		Confidence: pvConfidence,
		SpreadEUR:  spreadEUR,
	})
	if len(c.st.Events) > maxEvents {
		c.st.Events = c.st.Events[len(c.st.Events)-maxEvents:]
	}

	effective := c.st.CurrentPct
	if isLive {
		c.st.CurrentPct = target
		effective = target
	}
	snapshot := c.st
	snapshot.Events = append([]Event(nil), c.st.Events...)
	c.mu.Unlock()

	if apply {
		if err := c.api.SetBufferSOC(ctx, target); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to apply reserve target",
				slog.Int("target", target),
				slog.Any("error", err),
			)
		} else {
			log.Ctx(ctx).InfoContext(ctx, "reserve target applied", slog.Int("target", target))
		}
	} else if !isLive {
		log.Ctx(ctx).DebugContext(ctx, "reserve observation mode",
			slog.Int("target", target),
			slog.Float64("pvConfidence", pvConfidence),
		)
	}

	if c.path != "" {
		_ = persist.Save(c.path, modelVersion, snapshot)
	}
	return effective
}

// Current returns the reserve currently in force.
func (c *Calculator) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.CurrentPct
}

// ForceLive ends the observation period immediately.
func (c *Calculator) ForceLive() {
	c.mu.Lock()
	c.st.LiveOverride = true
	snapshot := c.st
	snapshot.Events = append([]Event(nil), c.st.Events...)
	c.mu.Unlock()
	if c.path != "" {
		_ = persist.Save(c.path, modelVersion, snapshot)
	}
}

// Events returns a copy of the bounded event log.
func (c *Calculator) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.st.Events...)
}
