// Package forecast tracks how trustworthy the inputs to the planner are and
// learns the site's PV and consumption profiles.
package forecast

import (
	"fmt"
	"math"
	"sync"
)

// Source identifies one forecast stream.
type Source string

const (
	SourcePV          Source = "pv"          // kW
	SourceConsumption Source = "consumption" // W
	SourcePrice       Source = "price"       // EUR/kWh
)

// Per-source reference errors: an MAE at or above the reference maps to
// confidence 0.
var referenceError = map[Source]float64{
	SourcePV:          5.0,
	SourceConsumption: 2000,
	SourcePrice:       0.10,
}

const (
	reliabilityWindow  = 50
	reliabilityMinObs  = 5
	reliabilityVersion = 1
	persistEvery       = 10
)

type reliabilityState struct {
	Windows map[Source][]float64 `json:"windows"`
}

// Reliability keeps a bounded FIFO of absolute forecast errors per source and
// derives a confidence factor in [0,1] from the rolling MAE.
type Reliability struct {
	mu      sync.Mutex
	windows map[Source][]float64
	updates int
	path    string
}

// NewReliability loads the persisted windows from path if present.
func NewReliability(path string) *Reliability {
	r := &Reliability{
		windows: map[Source][]float64{
			SourcePV:          nil,
			SourceConsumption: nil,
			SourcePrice:       nil,
		},
		path: path,
	}
	var st reliabilityState
	if loadModel(path, reliabilityVersion, &st) && st.Windows != nil {
		for src := range r.windows {
			w := st.Windows[src]
			if len(w) > reliabilityWindow {
				w = w[len(w)-reliabilityWindow:]
			}
			r.windows[src] = w
		}
	}
	return r
}

// Update records |actual - forecast| for the source. Unknown sources are an
// error: a typo here would silently pin confidence at 1.0.
func (r *Reliability) Update(source Source, actual, forecast float64) error {
	r.mu.Lock()
	if _, ok := r.windows[source]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown forecast source %q", source)
	}
	w := append(r.windows[source], math.Abs(actual-forecast))
	if len(w) > reliabilityWindow {
		w = w[len(w)-reliabilityWindow:]
	}
	r.windows[source] = w
	r.updates++
	persist := r.updates%persistEvery == 0
	var snapshot reliabilityState
	if persist {
		snapshot = reliabilityState{Windows: copyWindows(r.windows)}
	}
	r.mu.Unlock()

	if persist {
		saveModel(r.path, reliabilityVersion, snapshot)
	}
	return nil
}

// Confidence returns the current confidence for the source. With fewer than
// five observations the source is assumed reliable.
func (r *Reliability) Confidence(source Source) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windows[source]
	if len(w) < reliabilityMinObs {
		return 1.0
	}
	sum := 0.0
	for _, e := range w {
		sum += e
	}
	mae := sum / float64(len(w))
	ratio := mae / referenceError[source]
	if ratio > 1 {
		ratio = 1
	}
	return math.Max(0, 1-ratio)
}

// WindowLen returns how many errors are currently recorded for the source.
func (r *Reliability) WindowLen(source Source) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows[source])
}

func copyWindows(in map[Source][]float64) map[Source][]float64 {
	out := make(map[Source][]float64, len(in))
	for k, v := range in {
		out[k] = append([]float64(nil), v...)
	}
	return out
}
