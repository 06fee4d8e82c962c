package forecast

import (
	"math"
	"sync"
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/strompilot/strompilot/pkg/tariff"
	"github.com/strompilot/strompilot/pkg/types"
)

const (
	pvModelVersion = 1
	// profileAlpha is the EWMA weight for new slot observations.
	profileAlpha = 0.2
)

type pvState struct {
	Profile    [types.HorizonSlots]float64 `json:"profile"` // kW per slot-of-day
	DataDays   int                         `json:"data_days"`
	Correction float64                     `json:"correction_factor"`
}

// PV learns the site's PV production profile per 15-minute slot of day and
// produces a 96-slot forward forecast. When site coordinates are known the
// learned profile is blended with a clear-sky solar-elevation shape so the
// forecast stays plausible on days the profile has not yet seen.
type PV struct {
	mu       sync.Mutex
	state    pvState
	lastDay  int
	updates  int
	path     string
	lat, lng float64
}

// NewPV loads the persisted PV model from path if present.
func NewPV(path string, lat, lng float64) *PV {
	p := &PV{path: path, lat: lat, lng: lng, lastDay: -1}
	p.state.Correction = 1
	var st pvState
	if loadModel(path, pvModelVersion, &st) {
		p.state = st
		if p.state.Correction <= 0 {
			p.state.Correction = 1
		}
	}
	return p
}

func slotOfDay(t time.Time) int {
	return (t.Hour()*60 + t.Minute()) / 15
}

// Observe feeds one measured PV power sample (kW) into the profile.
func (p *PV) Observe(t time.Time, actualKW float64) {
	p.mu.Lock()
	slot := slotOfDay(t)
	old := p.state.Profile[slot]
	if p.state.DataDays == 0 && old == 0 {
		p.state.Profile[slot] = actualKW
	} else {
		p.state.Profile[slot] = old + profileAlpha*(actualKW-old)
	}
	if day := t.YearDay(); day != p.lastDay {
		p.lastDay = day
		p.state.DataDays++
	}
	// correction drifts toward the ratio of observed vs profile power
	if old > 0.05 {
		ratio := actualKW / old
		ratio = math.Min(3, math.Max(0.2, ratio))
		p.state.Correction += 0.05 * (ratio - p.state.Correction)
	}
	p.updates++
	persistNow := p.updates%persistEvery == 0
	var snapshot pvState
	if persistNow {
		snapshot = p.state
	}
	p.mu.Unlock()

	if persistNow {
		saveModel(p.path, pvModelVersion, snapshot)
	}
}

// clearSkyFactor is sin(solar altitude), clamped at 0.
func (p *PV) clearSkyFactor(t time.Time) float64 {
	if p.lat == 0 && p.lng == 0 {
		return 1
	}
	pos := suncalc.GetPosition(t, p.lat, p.lng)
	f := math.Sin(pos.Altitude)
	if f < 0 {
		return 0
	}
	return f
}

// Forecast returns the expected PV power (kW) for each of the next 96 slots
// starting at start. When evcc supplies a solar tariff it wins; the learned
// profile only fills slots the tariff does not cover.
func (p *PV) Forecast(start time.Time, solarRates []tariff.Rate) []float64 {
	fromTariff := tariff.ExpandSolar(solarRates, start)

	p.mu.Lock()
	profile := p.state.Profile
	correction := p.state.Correction
	p.mu.Unlock()

	out := make([]float64, types.HorizonSlots)
	for i := range out {
		slotStart := start.Truncate(tariff.SlotDuration).Add(time.Duration(i) * tariff.SlotDuration)
		if fromTariff[i] > 0 {
			out[i] = fromTariff[i]
			continue
		}
		est := profile[slotOfDay(slotStart)] * correction
		if p.lat != 0 || p.lng != 0 {
			// zero out the profile at night, no matter what it learned
			if p.clearSkyFactor(slotStart) == 0 {
				est = 0
			}
		}
		out[i] = est
	}
	return out
}

// ExpectedEnergyKWH integrates a slot forecast into kWh.
func ExpectedEnergyKWH(slotsKW []float64) float64 {
	sum := 0.0
	for _, kw := range slotsKW {
		sum += kw * 0.25
	}
	return sum
}

// DataDays returns how many distinct days have contributed to the profile.
func (p *PV) DataDays() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.DataDays
}
