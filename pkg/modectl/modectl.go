// Package modectl maps the current plan and price situation to a charger
// mode (now, minpv, pv) and keeps out of the way when the driver has taken
// over manually.
package modectl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/strompilot/strompilot/pkg/evcc"
	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/types"
)

// State is the controller's lifecycle state.
type State string

const (
	StateStartup     State = "startup"
	StateNormal      State = "normal"
	StateOverridden  State = "overridden"
	StateUnreachable State = "unreachable"
)

// unreachableWarnAfter is how long the downstream controller may be silent
// before a warning is surfaced.
const unreachableWarnAfter = 30 * time.Minute

// fallback ratios of the configured EV maximum price, used when the tariff
// gives no percentiles
const (
	fallbackNowRatio   = 0.7
	fallbackMinPVRatio = 1.0
)

// DecisionInput feeds the pure mode decision.
type DecisionInput struct {
	EVConnected     bool
	EVSOC           float64 // percent
	TargetSOC       float64 // percent
	UrgentDeparture bool
	Plan            *types.PlanHorizon
	PriceEUR        float64
	Percentiles     map[int]float64 // keys 30 and 60 when present
	EVMaxPriceEUR   float64
}

// DecideMode is pure: same inputs, same output.
func DecideMode(in DecisionInput) types.ChargeMode {
	if !in.EVConnected {
		return types.ChargeModePV
	}
	if in.TargetSOC > 0 && in.EVSOC >= in.TargetSOC {
		return types.ChargeModePV
	}
	if in.UrgentDeparture {
		return types.ChargeModeNow
	}
	if in.Plan == nil {
		return types.ChargeModePV
	}
	if !in.Plan.EVCharge {
		return types.ChargeModePV
	}

	p30, ok30 := in.Percentiles[30]
	p60, ok60 := in.Percentiles[60]
	if ok30 && ok60 {
		switch {
		case in.PriceEUR <= p30:
			return types.ChargeModeNow
		case in.PriceEUR <= p60:
			return types.ChargeModeMinPV
		default:
			return types.ChargeModePV
		}
	}

	switch {
	case in.PriceEUR <= fallbackNowRatio*in.EVMaxPriceEUR:
		return types.ChargeModeNow
	case in.PriceEUR <= fallbackMinPVRatio*in.EVMaxPriceEUR:
		return types.ChargeModeMinPV
	default:
		return types.ChargeModePV
	}
}

// Status is published through the state store every cycle.
type Status struct {
	State       State            `json:"state"`
	LastSetMode types.ChargeMode `json:"last_set_mode,omitempty"`
	ManualMode  types.ChargeMode `json:"manual_mode,omitempty"`
	Warning     string           `json:"warning,omitempty"`
}

// StepInput is one cycle's view of the loadpoint.
type StepInput struct {
	Now time.Time
	// Reachable is false when no downstream state could be fetched this
	// cycle; ReportedMode is then meaningless.
	Reachable    bool
	ReportedMode types.ChargeMode
	LoadpointID  int

	Decision DecisionInput
}

// Controller owns the mode state machine for one loadpoint.
type Controller struct {
	api evcc.API

	mu               sync.Mutex
	state            State
	lastSetMode      types.ChargeMode
	manualMode       types.ChargeMode
	unreachableSince time.Time
	warned           bool
}

// New returns a controller in startup state.
func New(api evcc.API) *Controller {
	return &Controller{api: api, state: StateStartup}
}

// Step runs one cycle and returns the resulting status.
func (c *Controller) Step(ctx context.Context, in StepInput) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !in.Reachable {
		if c.unreachableSince.IsZero() {
			c.unreachableSince = in.Now
		}
		c.state = StateUnreachable
		st := c.status()
		if in.Now.Sub(c.unreachableSince) >= unreachableWarnAfter {
			st.Warning = "Ladecontroller seit über 30 Minuten nicht erreichbar"
			if !c.warned {
				c.warned = true
				log.Ctx(ctx).WarnContext(ctx, "charge controller unreachable",
					slog.Time("since", c.unreachableSince),
				)
			}
		}
		return st
	}
	c.unreachableSince = time.Time{}
	c.warned = false

	// first contact: adopt whatever mode is set, send nothing
	if c.state == StateStartup || c.lastSetMode == "" {
		c.lastSetMode = in.ReportedMode
		c.state = StateNormal
		log.Ctx(ctx).InfoContext(ctx, "adopted current charger mode",
			slog.String("mode", string(in.ReportedMode)),
		)
		return c.status()
	}

	if c.state == StateOverridden {
		ended := !in.Decision.EVConnected ||
			(in.Decision.TargetSOC > 0 && in.Decision.EVSOC >= in.Decision.TargetSOC)
		if !ended {
			return c.status()
		}
		log.Ctx(ctx).InfoContext(ctx, "manual override ended")
		c.manualMode = ""
		c.lastSetMode = in.ReportedMode
		c.state = StateNormal
	}

	// the driver changed the mode behind our back
	if in.ReportedMode != c.lastSetMode {
		c.state = StateOverridden
		c.manualMode = in.ReportedMode
		log.Ctx(ctx).InfoContext(ctx, "manual override detected",
			slog.String("mode", string(in.ReportedMode)),
		)
		return c.status()
	}

	target := DecideMode(in.Decision)
	if target != in.ReportedMode {
		if err := c.api.SetLoadpointMode(ctx, in.LoadpointID, target); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to set charger mode",
				slog.String("mode", string(target)),
				slog.Any("error", err),
			)
			return c.status()
		}
		c.lastSetMode = target
		log.Ctx(ctx).InfoContext(ctx, "charger mode set",
			slog.String("mode", string(target)),
		)
	}
	c.state = StateNormal
	return c.status()
}

func (c *Controller) status() Status {
	return Status{
		State:       c.state,
		LastSetMode: c.lastSetMode,
		ManualMode:  c.manualMode,
	}
}

// LastSetMode returns the mode the controller believes it set last.
func (c *Controller) LastSetMode() types.ChargeMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSetMode
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
