package forecast

import (
	"fmt"
	"sync"
	"time"
)

// Season is one quarter of the year for bias bucketing.
type Season string

const (
	SeasonWinter Season = "winter"
	SeasonSpring Season = "spring"
	SeasonSummer Season = "summer"
	SeasonAutumn Season = "autumn"
)

// SeasonOf maps a month to its season; December belongs to winter.
func SeasonOf(m time.Month) Season {
	switch m {
	case time.December, time.January, time.February:
		return SeasonWinter
	case time.March, time.April, time.May:
		return SeasonSpring
	case time.June, time.July, time.August:
		return SeasonSummer
	default:
		return SeasonAutumn
	}
}

const seasonalVersion = 1

// DefaultSeasonalMinSamples is how many observations a cell needs before its
// mean is trusted as a correction.
const DefaultSeasonalMinSamples = 10

// seasonalCell accumulates plan error for one (season, bucket, weekend) key.
type seasonalCell struct {
	SumError float64 `json:"sum_error"`
	Count    int     `json:"count"`
}

type seasonalState struct {
	Cells map[string]seasonalCell `json:"cells"`
}

// Seasonal is the 48-cell plan-error bias table: 4 seasons x 6 four-hour
// buckets x weekday/weekend.
type Seasonal struct {
	mu      sync.Mutex
	cells   map[string]seasonalCell
	updates int
	path    string
}

// NewSeasonal loads the persisted table from path if present.
func NewSeasonal(path string) *Seasonal {
	s := &Seasonal{cells: make(map[string]seasonalCell), path: path}
	var st seasonalState
	if loadModel(path, seasonalVersion, &st) && st.Cells != nil {
		s.cells = st.Cells
	}
	return s
}

func cellKey(dt time.Time) string {
	weekend := dt.Weekday() == time.Saturday || dt.Weekday() == time.Sunday
	return fmt.Sprintf("%s-%d-%t", SeasonOf(dt.Month()), dt.Hour()/4, weekend)
}

// Update adds one plan error (EUR) to the cell covering dt.
func (s *Seasonal) Update(dt time.Time, errorEUR float64) {
	s.mu.Lock()
	c := s.cells[cellKey(dt)]
	c.SumError += errorEUR
	c.Count++
	s.cells[cellKey(dt)] = c
	s.updates++
	persist := s.updates%persistEvery == 0
	var snapshot seasonalState
	if persist {
		snapshot = seasonalState{Cells: copyCells(s.cells)}
	}
	s.mu.Unlock()

	if persist {
		saveModel(s.path, seasonalVersion, snapshot)
	}
}

// Correction returns the mean plan error for the cell covering dt, or false
// when the cell has fewer than minSamples observations.
func (s *Seasonal) Correction(dt time.Time, minSamples int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cells[cellKey(dt)]
	if !ok || c.Count < minSamples {
		return 0, false
	}
	return c.SumError / float64(c.Count), true
}

// Cell exposes the raw sum and count for one instant, for inspection.
func (s *Seasonal) Cell(dt time.Time) (sum float64, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cells[cellKey(dt)]
	return c.SumError, c.Count
}

func copyCells(in map[string]seasonalCell) map[string]seasonalCell {
	out := make(map[string]seasonalCell, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
