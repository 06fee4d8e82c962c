package forecast

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfidenceDefaultsToFullWithFewObservations(t *testing.T) {
	r := NewReliability("")
	assert.Equal(t, 1.0, r.Confidence(SourcePV))

	for i := 0; i < 4; i++ {
		require.NoError(t, r.Update(SourcePV, 3.0, 2.0))
	}
	// still below the minimum observation count
	assert.Equal(t, 1.0, r.Confidence(SourcePV))
}

func TestConfidenceNonIncreasingWithError(t *testing.T) {
	small := NewReliability("")
	large := NewReliability("")
	for i := 0; i < 10; i++ {
		require.NoError(t, small.Update(SourcePV, 2.5, 2.0))
		require.NoError(t, large.Update(SourcePV, 4.5, 2.0))
	}
	assert.Greater(t, small.Confidence(SourcePV), large.Confidence(SourcePV))
}

func TestConfidenceScaling(t *testing.T) {
	r := NewReliability("")
	// constant absolute error of 1.0 kW against reference 5.0
	for i := 0; i < 10; i++ {
		require.NoError(t, r.Update(SourcePV, 3.0, 2.0))
	}
	assert.InDelta(t, 0.8, r.Confidence(SourcePV), 1e-9)
}

func TestConfidenceFloorsAtZero(t *testing.T) {
	r := NewReliability("")
	for i := 0; i < 10; i++ {
		require.NoError(t, r.Update(SourceConsumption, 5000, 1000))
	}
	// MAE 4000 W against reference 2000 W caps at zero
	assert.Equal(t, 0.0, r.Confidence(SourceConsumption))
}

func TestWindowBounded(t *testing.T) {
	r := NewReliability("")
	for i := 0; i < 80; i++ {
		require.NoError(t, r.Update(SourcePrice, 0.30, 0.25))
	}
	assert.Equal(t, 50, r.WindowLen(SourcePrice))
}

func TestUnknownSource(t *testing.T) {
	r := NewReliability("")
	assert.Error(t, r.Update(Source("wind"), 1, 2))
}

func TestReliabilityPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reliability.json")

	r := NewReliability(path)
	for i := 0; i < 20; i++ {
		require.NoError(t, r.Update(SourcePV, 3.0, 2.0))
	}
	want := r.Confidence(SourcePV)

	loaded := NewReliability(path)
	assert.InDelta(t, want, loaded.Confidence(SourcePV), 1e-9)
	assert.Equal(t, r.WindowLen(SourcePV), loaded.WindowLen(SourcePV))
}
