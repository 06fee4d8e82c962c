package forecast

import (
	"sync"
	"time"

	"github.com/strompilot/strompilot/pkg/tariff"
	"github.com/strompilot/strompilot/pkg/types"
)

const consumptionModelVersion = 1

// defaultBaseLoadW is assumed before any data has been collected.
const defaultBaseLoadW = 500.0

type consumptionState struct {
	Profile    [types.HorizonSlots]float64 `json:"profile"` // W per slot-of-day
	DataDays   int                         `json:"data_days"`
	Correction float64                     `json:"correction_factor"`
}

// Consumption learns the household load profile per 15-minute slot of day.
type Consumption struct {
	mu      sync.Mutex
	state   consumptionState
	lastDay int
	updates int
	path    string
}

// NewConsumption loads the persisted model from path if present.
func NewConsumption(path string) *Consumption {
	c := &Consumption{path: path, lastDay: -1}
	c.state.Correction = 1
	var st consumptionState
	if loadModel(path, consumptionModelVersion, &st) {
		c.state = st
		if c.state.Correction <= 0 {
			c.state.Correction = 1
		}
	}
	return c
}

// Observe feeds one measured home load sample (W) into the profile.
func (c *Consumption) Observe(t time.Time, actualW float64) {
	c.mu.Lock()
	slot := slotOfDay(t)
	old := c.state.Profile[slot]
	if old == 0 {
		c.state.Profile[slot] = actualW
	} else {
		c.state.Profile[slot] = old + profileAlpha*(actualW-old)
	}
	if day := t.YearDay(); day != c.lastDay {
		c.lastDay = day
		c.state.DataDays++
	}
	c.updates++
	persistNow := c.updates%persistEvery == 0
	var snapshot consumptionState
	if persistNow {
		snapshot = c.state
	}
	c.mu.Unlock()

	if persistNow {
		saveModel(c.path, consumptionModelVersion, snapshot)
	}
}

// Forecast returns the expected home load (W) for each of the next 96 slots.
// Slots the profile has never seen fall back to the base load.
func (c *Consumption) Forecast(start time.Time) []float64 {
	c.mu.Lock()
	profile := c.state.Profile
	correction := c.state.Correction
	c.mu.Unlock()

	out := make([]float64, types.HorizonSlots)
	for i := range out {
		slotStart := start.Truncate(tariff.SlotDuration).Add(time.Duration(i) * tariff.SlotDuration)
		w := profile[slotOfDay(slotStart)] * correction
		if w <= 0 {
			w = defaultBaseLoadW
		}
		out[i] = w
	}
	return out
}

// DataDays returns how many distinct days have contributed to the profile.
func (c *Consumption) DataDays() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.DataDays
}
