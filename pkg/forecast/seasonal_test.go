package forecast

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeasonOf(t *testing.T) {
	assert.Equal(t, SeasonWinter, SeasonOf(time.December))
	assert.Equal(t, SeasonWinter, SeasonOf(time.January))
	assert.Equal(t, SeasonSpring, SeasonOf(time.April))
	assert.Equal(t, SeasonSummer, SeasonOf(time.July))
	assert.Equal(t, SeasonAutumn, SeasonOf(time.October))
}

func TestSeasonalCellMean(t *testing.T) {
	s := NewSeasonal("")
	at := time.Date(2026, 7, 15, 10, 0, 0, 0, time.UTC) // summer, weekday

	values := []float64{0.02, -0.01, 0.05, 0.00, 0.03}
	sum := 0.0
	for _, v := range values {
		s.Update(at, v)
		sum += v
	}

	gotSum, count := s.Cell(at)
	assert.Equal(t, len(values), count)
	assert.InDelta(t, sum, gotSum, 1e-12)
}

func TestSeasonalCorrectionNeedsMinSamples(t *testing.T) {
	s := NewSeasonal("")
	at := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)

	for i := 0; i < DefaultSeasonalMinSamples-1; i++ {
		s.Update(at, 0.02)
	}
	_, ok := s.Correction(at, DefaultSeasonalMinSamples)
	assert.False(t, ok)

	s.Update(at, 0.02)
	corr, ok := s.Correction(at, DefaultSeasonalMinSamples)
	assert.True(t, ok)
	assert.InDelta(t, 0.02, corr, 1e-9)
}

func TestSeasonalCellsAreIndependent(t *testing.T) {
	s := NewSeasonal("")
	weekday := time.Date(2026, 7, 15, 10, 0, 0, 0, time.UTC)
	weekend := time.Date(2026, 7, 18, 10, 0, 0, 0, time.UTC)

	s.Update(weekday, 0.05)
	_, count := s.Cell(weekend)
	assert.Zero(t, count)
}

func TestSeasonalPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seasonal.json")
	at := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)

	s := NewSeasonal(path)
	for i := 0; i < 10; i++ {
		s.Update(at, 0.01)
	}

	loaded := NewSeasonal(path)
	sum, count := loaded.Cell(at)
	assert.Equal(t, 10, count)
	assert.InDelta(t, 0.1, sum, 1e-9)
}
