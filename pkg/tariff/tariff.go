// Package tariff turns the evcc tariff rates into the 96-slot price horizon
// the planner consumes and derives the forward price statistics published
// with every cycle.
package tariff

import (
	"math"
	"sort"
	"time"

	"github.com/strompilot/strompilot/pkg/types"
)

// Rate is one tariff interval as delivered by evcc: [Start, End) at Value.
type Rate struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Value float64   `json:"value"` // EUR/kWh for grid, W or kW for solar
}

// MinSlots is the minimum number of 15-minute price slots required before a
// plan may be computed (8 hours).
const MinSlots = 32

// SlotDuration is the planning resolution.
const SlotDuration = 15 * time.Minute

// Horizon is the per-slot price vector handed to the planner, along with how
// many trailing slots had to be padded with the last known price.
type Horizon struct {
	Start  time.Time
	Prices []float64 // EUR/kWh, len == types.HorizonSlots
	Padded int
}

// ExpandPrices builds a 96-slot price horizon starting at start (truncated to
// the slot boundary). Rates are hourly or quarter-hourly intervals; every
// slot takes the value of the rate covering its start instant. Returns false
// when fewer than MinSlots slots are covered; between MinSlots and 96 covered
// slots the remainder is padded with the last known price.
func ExpandPrices(rates []Rate, start time.Time) (Horizon, bool) {
	start = start.Truncate(SlotDuration)
	h := Horizon{Start: start, Prices: make([]float64, types.HorizonSlots)}

	covered := 0
	lastKnown := math.NaN()
	for i := 0; i < types.HorizonSlots; i++ {
		slotStart := start.Add(time.Duration(i) * SlotDuration)
		price, ok := priceAt(rates, slotStart)
		if !ok {
			break
		}
		h.Prices[i] = price
		lastKnown = price
		covered++
	}

	if covered < MinSlots {
		return Horizon{}, false
	}
	for i := covered; i < types.HorizonSlots; i++ {
		h.Prices[i] = lastKnown
	}
	h.Padded = types.HorizonSlots - covered
	return h, true
}

func priceAt(rates []Rate, t time.Time) (float64, bool) {
	for _, r := range rates {
		if !t.Before(r.Start) && t.Before(r.End) {
			return r.Value, true
		}
	}
	return 0, false
}

// Percentiles computes the requested percentiles over the forward price
// window using nearest-rank interpolation.
func Percentiles(prices []float64, ps ...int) map[int]float64 {
	if len(prices) == 0 {
		return nil
	}
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)
	out := make(map[int]float64, len(ps))
	for _, p := range ps {
		out[p] = quantile(sorted, float64(p)/100)
	}
	return out
}

// quantile expects sorted input and interpolates linearly between ranks.
func quantile(sorted []float64, q float64) float64 {
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Spread returns P80 - P20 of the forward window.
func Spread(prices []float64) float64 {
	pct := Percentiles(prices, 20, 80)
	if pct == nil {
		return 0
	}
	return pct[80] - pct[20]
}

// CheapHoursLeft counts how many whole hours remain today whose average slot
// price is at or below the P30 of the forward window.
func CheapHoursLeft(h Horizon, now time.Time) int {
	pct := Percentiles(h.Prices, 30)
	if pct == nil {
		return 0
	}
	limit := pct[30]

	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	count := 0
	for i := 0; i+3 < len(h.Prices); i += 4 {
		hourStart := h.Start.Add(time.Duration(i) * SlotDuration)
		if !hourStart.Before(endOfDay) {
			break
		}
		sum := 0.0
		for j := i; j < i+4; j++ {
			sum += h.Prices[j]
		}
		if sum/4 <= limit {
			count++
		}
	}
	return count
}

// SolarUnit guesses whether solar forecast values are W or kW: evcc providers
// disagree, but a median above 100 can only be W.
func SolarUnit(rates []Rate) float64 {
	if len(rates) == 0 {
		return 1
	}
	vals := make([]float64, 0, len(rates))
	for _, r := range rates {
		if r.Value > 0 {
			vals = append(vals, r.Value)
		}
	}
	if len(vals) == 0 {
		return 1
	}
	sort.Float64s(vals)
	if vals[len(vals)/2] > 100 {
		return 1.0 / 1000 // W -> kW
	}
	return 1
}

// ExpandSolar builds a 96-slot PV forecast in kW from the evcc solar tariff,
// normalising W to kW when needed. Slots beyond the provided rates are zero.
func ExpandSolar(rates []Rate, start time.Time) []float64 {
	start = start.Truncate(SlotDuration)
	unit := SolarUnit(rates)
	out := make([]float64, types.HorizonSlots)
	for i := range out {
		v, ok := priceAt(rates, start.Add(time.Duration(i)*SlotDuration))
		if ok {
			out[i] = v * unit
		}
	}
	return out
}
