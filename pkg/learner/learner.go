// Package learner nudges the planner's price thresholds with a small tabular
// agent. In shadow mode it only records what it would have done; advisory
// mode applies the deltas. Promotion from shadow to advisory requires a month
// of data and a passing audit.
package learner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/persist"
)

// Mode selects how the agent participates in dispatch.
type Mode string

const (
	ModeShadow   Mode = "shadow"
	ModeAdvisory Mode = "advisory"
	ModeDisabled Mode = "disabled"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeShadow, ModeAdvisory, ModeDisabled:
		return true
	}
	return false
}

const (
	modelVersion = 1
	persistEvery = 10

	epsilon      = 0.1
	learningRate = 0.1

	// shadowMinimum is how long the agent must shadow before promotion.
	shadowMinimum = 30 * 24 * time.Hour
	// auditMaxAvgDelta bounds the average absolute delta (ct/kWh).
	auditMaxAvgDelta = 1.5
	// auditMinWinRate is the fraction of rewarded cycles that must have
	// improved on the plain plan.
	auditMinWinRate = 0.55
	// auditMaxCellBias flags a cell whose value ran away.
	auditMaxCellBias = 5.0
)

// deltasCt is the discrete threshold adjustment set, ct/kWh.
var deltasCt = []float64{-2, -1, 0, 1, 2}

// Action is one pair of threshold adjustments.
type Action struct {
	BatDeltaCt float64 `json:"bat_delta_ct"`
	EVDeltaCt  float64 `json:"ev_delta_ct"`
}

func numActions() int { return len(deltasCt) * len(deltasCt) }

func actionAt(idx int) Action {
	return Action{
		BatDeltaCt: deltasCt[idx/len(deltasCt)],
		EVDeltaCt:  deltasCt[idx%len(deltasCt)],
	}
}

// Observation quantises the situation into a table key.
type Observation struct {
	BatterySOC    float64 // percent
	PriceEUR      float64
	P30, P60, P80 float64
	Hour          int
	PercentilesOK bool
}

func (o Observation) key() string {
	socBucket := int(o.BatterySOC) / 20
	if socBucket > 4 {
		socBucket = 4
	}
	priceBucket := 3
	if o.PercentilesOK {
		switch {
		case o.PriceEUR <= o.P30:
			priceBucket = 0
		case o.PriceEUR <= o.P60:
			priceBucket = 1
		case o.PriceEUR <= o.P80:
			priceBucket = 2
		}
	}
	return fmt.Sprintf("s%d-p%d-h%d", socBucket, priceBucket, o.Hour/6)
}

type state struct {
	Mode          Mode                 `json:"mode"`
	Q             map[string][]float64 `json:"q"`
	ShadowSince   time.Time            `json:"shadow_since"`
	Cycles        int                  `json:"cycles"`
	Rewarded      int                  `json:"rewarded"`
	Wins          int                  `json:"wins"`
	SumAbsDeltaCt float64              `json:"sum_abs_delta_ct"`
}

// Advice is one cycle's output.
type Advice struct {
	Action Action
	// Applied is true only in advisory mode; shadow advice must never reach
	// the planner.
	Applied bool

	key string
	idx int
}

// Agent is the residual learner.
type Agent struct {
	mu      sync.Mutex
	st      state
	rng     *rand.Rand
	updates int
	path    string
}

// New loads the persisted table; mode comes from settings and wins over the
// persisted mode except that a persisted advisory promotion sticks.
func New(path string, mode Mode) *Agent {
	a := &Agent{
		path: path,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	a.st = state{Mode: mode, Q: make(map[string][]float64)}
	var st state
	if persist.LoadOrFresh(path, modelVersion, &st) && st.Q != nil {
		promoted := st.Mode == ModeAdvisory
		a.st = st
		a.st.Mode = mode
		if promoted && mode == ModeShadow {
			a.st.Mode = ModeAdvisory
		}
	}
	if a.st.Mode == ModeShadow && a.st.ShadowSince.IsZero() {
		a.st.ShadowSince = time.Now().UTC()
	}
	return a
}

// Mode returns the current mode.
func (a *Agent) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.st.Mode
}

// Advise picks an action for the observation. Disabled mode and active boost
// overrides must be handled by the caller before this point; Advise always
// records the cycle.
func (a *Agent) Advise(ctx context.Context, obs Observation) Advice {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.st.Mode == ModeDisabled {
		return Advice{}
	}

	key := obs.key()
	q := a.st.Q[key]
	if q == nil {
		q = make([]float64, numActions())
		a.st.Q[key] = q
	}

	idx := 0
	if a.rng.Float64() < epsilon {
		idx = a.rng.Intn(numActions())
	} else {
		for i := 1; i < numActions(); i++ {
			if q[i] > q[idx] {
				idx = i
			}
		}
	}
	act := actionAt(idx)

	a.st.Cycles++
	a.st.SumAbsDeltaCt += (math.Abs(act.BatDeltaCt) + math.Abs(act.EVDeltaCt)) / 2

	applied := a.st.Mode == ModeAdvisory
	if !applied {
		log.Ctx(ctx).DebugContext(ctx, "learner shadow advice",
			slog.String("state", key),
			slog.Float64("batDeltaCt", act.BatDeltaCt),
			slog.Float64("evDeltaCt", act.EVDeltaCt),
		)
	}
	return Advice{Action: act, Applied: applied, key: key, idx: idx}
}

// Reward closes the cycle opened by Advise with the normalised cost delta.
// plannedEUR and actualEUR are slot-0 costs.
func (a *Agent) Reward(adv Advice, plannedEUR, actualEUR float64) {
	if adv.key == "" {
		return
	}
	norm := math.Max(math.Abs(plannedEUR), 0.01)
	reward := clamp(-(actualEUR-plannedEUR)/norm, -1, 1)

	a.mu.Lock()
	q := a.st.Q[adv.key]
	if q == nil || adv.idx >= len(q) {
		a.mu.Unlock()
		return
	}
	q[adv.idx] += learningRate * (reward - q[adv.idx])
	a.st.Rewarded++
	if reward > 0 {
		a.st.Wins++
	}

	a.updates++
	persistNow := a.updates%persistEvery == 0
	var snapshot state
	if persistNow {
		snapshot = a.snapshotLocked()
	}
	a.mu.Unlock()

	if persistNow && a.path != "" {
		_ = persist.Save(a.path, modelVersion, snapshot)
	}
}

// PromoteIfReady audits the shadow record and switches to advisory when the
// agent has earned it. Returns true when a promotion happened.
func (a *Agent) PromoteIfReady(ctx context.Context, now time.Time) bool {
	a.mu.Lock()
	if a.st.Mode != ModeShadow {
		a.mu.Unlock()
		return false
	}
	if now.Sub(a.st.ShadowSince) < shadowMinimum || a.st.Rewarded == 0 {
		a.mu.Unlock()
		return false
	}

	avgDelta := a.st.SumAbsDeltaCt / float64(a.st.Cycles)
	winRate := float64(a.st.Wins) / float64(a.st.Rewarded)
	biased := false
	for _, q := range a.st.Q {
		for _, v := range q {
			if math.Abs(v) > auditMaxCellBias {
				biased = true
			}
		}
	}

	if avgDelta > auditMaxAvgDelta || winRate < auditMinWinRate || biased {
		a.mu.Unlock()
		log.Ctx(ctx).InfoContext(ctx, "learner promotion audit failed",
			slog.Float64("avgDeltaCt", avgDelta),
			slog.Float64("winRate", winRate),
			slog.Bool("cellBias", biased),
		)
		return false
	}

	a.st.Mode = ModeAdvisory
	snapshot := a.snapshotLocked()
	a.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "learner promoted to advisory",
		slog.Float64("winRate", winRate),
		slog.Float64("avgDeltaCt", avgDelta),
	)
	if a.path != "" {
		_ = persist.Save(a.path, modelVersion, snapshot)
	}
	return true
}

func (a *Agent) snapshotLocked() state {
	snapshot := a.st
	snapshot.Q = make(map[string][]float64, len(a.st.Q))
	for k, v := range a.st.Q {
		snapshot.Q[k] = append([]float64(nil), v...)
	}
	return snapshot
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
