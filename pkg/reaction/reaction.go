// Package reaction tracks whether deviations between the planned and the
// actual dispatch action correct themselves by the next cycle. A low
// self-correction rate means the plan is fighting reality and an immediate
// replan is worth more than waiting out the cycle.
package reaction

import (
	"sync"
	"time"

	"github.com/strompilot/strompilot/pkg/persist"
	"github.com/strompilot/strompilot/pkg/types"
)

const (
	modelVersion = 1
	maxEpisodes  = 100
	// emaAlpha weights each finished episode into the self-correction EMA.
	emaAlpha = 0.05
	// replanThreshold: below this self-correction rate the tracker votes for
	// an immediate replan.
	replanThreshold = 0.6
	initialRate     = 0.5
)

// Episode is one observed plan/actual deviation.
type Episode struct {
	At            time.Time         `json:"at"`
	Planned       types.ActionLabel `json:"planned"`
	Actual        types.ActionLabel `json:"actual"`
	SelfCorrected bool              `json:"self_corrected"`
}

type state struct {
	EMA      float64   `json:"ema"`
	Episodes []Episode `json:"episodes"`
}

// Tracker is the reaction-timing state machine.
type Tracker struct {
	mu      sync.Mutex
	ema     float64
	pending *Episode
	log     []Episode
	updates int
	path    string
}

// NewTracker loads persisted state from path if present.
func NewTracker(path string) *Tracker {
	t := &Tracker{ema: initialRate, path: path}
	var st state
	if persist.LoadOrFresh(path, modelVersion, &st) {
		if st.EMA > 0 {
			t.ema = st.EMA
		}
		t.log = st.Episodes
		if len(t.log) > maxEpisodes {
			t.log = t.log[len(t.log)-maxEpisodes:]
		}
	}
	return t
}

// Observe is called once per cycle with this cycle's planned and actual
// action. A pending episode from the previous cycle is resolved first: if
// plan and actual now align the deviation self-corrected. Then a new episode
// is opened if the current cycle deviates.
func (t *Tracker) Observe(now time.Time, planned, actual types.ActionLabel) {
	t.mu.Lock()

	if t.pending != nil {
		ep := *t.pending
		ep.SelfCorrected = planned == actual
		t.pending = nil

		v := 0.0
		if ep.SelfCorrected {
			v = 1.0
		}
		t.ema += emaAlpha * (v - t.ema)

		t.log = append(t.log, ep)
		if len(t.log) > maxEpisodes {
			t.log = t.log[len(t.log)-maxEpisodes:]
		}
	}

	if planned != actual {
		t.pending = &Episode{At: now, Planned: planned, Actual: actual}
	}

	t.updates++
	persistNow := t.updates%10 == 0
	var snapshot state
	if persistNow {
		snapshot = state{EMA: t.ema, Episodes: append([]Episode(nil), t.log...)}
	}
	t.mu.Unlock()

	if persistNow && t.path != "" {
		// file write happens outside the lock; losing one interval is fine
		_ = persist.Save(t.path, modelVersion, snapshot)
	}
}

// SelfCorrectionRate returns the current EMA.
func (t *Tracker) SelfCorrectionRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ema
}

// ShouldReplanImmediately reports whether deviations are sticking around
// long enough that waiting for the next cycle boundary is a mistake.
func (t *Tracker) ShouldReplanImmediately() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ema < replanThreshold
}

// Episodes returns a copy of the bounded episode log.
func (t *Tracker) Episodes() []Episode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Episode(nil), t.log...)
}
