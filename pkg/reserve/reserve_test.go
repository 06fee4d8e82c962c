package reserve

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/strompilot/strompilot/pkg/evcc"
)

func TestTarget(t *testing.T) {
	c := NewCalculator("", &evcc.Mock{}, 40, 14, false)

	t.Run("low confidence keeps base", func(t *testing.T) {
		assert.Equal(t, 40, c.Target(0.5, 0.05, 12))
	})
	t.Run("confidence at threshold keeps base", func(t *testing.T) {
		assert.Equal(t, 40, c.Target(0.65, 0.05, 12))
	})
	t.Run("full confidence drops to practical min", func(t *testing.T) {
		assert.Equal(t, 20, c.Target(1.0, 0.05, 12))
	})
	t.Run("spread and morning bonuses lower further", func(t *testing.T) {
		plain := c.Target(0.8, 0.05, 12)
		bonus := c.Target(0.8, 0.15, 7)
		assert.LessOrEqual(t, bonus, plain)
	})
	t.Run("rounded to five percent steps", func(t *testing.T) {
		for conf := 0.66; conf <= 1.0; conf += 0.01 {
			assert.Zero(t, c.Target(conf, 0.0, 12)%5)
		}
	})
	t.Run("never below practical min", func(t *testing.T) {
		assert.GreaterOrEqual(t, c.Target(1.0, 0.5, 7), PracticalMinSOC)
	})
}

func TestTargetBaseBelowPracticalMin(t *testing.T) {
	c := NewCalculator("", &evcc.Mock{}, 15, 14, false)
	// no headroom: the base wins, floored at the practical minimum
	assert.Equal(t, 20, c.Target(1.0, 0.2, 7))
}

func TestObservationModeDoesNotApply(t *testing.T) {
	api := &evcc.Mock{}
	path := filepath.Join(t.TempDir(), "reserve.json")
	c := NewCalculator(path, api, 40, 14, false)

	now := time.Now().UTC()
	assert.False(t, c.Live(now))

	c.Step(context.Background(), 0.95, 0.15, now)
	api.AssertNotCalled(t, "SetBufferSOC", mock.Anything, mock.Anything)

	events := c.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].Applied)
}

func TestLiveModeAppliesOnChange(t *testing.T) {
	api := &evcc.Mock{}
	api.On("SetBufferSOC", mock.Anything, mock.Anything).Return(nil)
	c := NewCalculator("", api, 40, 14, true)

	now := time.Now().UTC()
	require.True(t, c.Live(now))

	c.Step(context.Background(), 0.95, 0.15, now)
	api.AssertNumberOfCalls(t, "SetBufferSOC", 1)

	// same inputs, no change, no second command
	c.Step(context.Background(), 0.95, 0.15, now.Add(15*time.Minute))
	api.AssertNumberOfCalls(t, "SetBufferSOC", 1)
}

func TestForceLiveEndsObservation(t *testing.T) {
	c := NewCalculator("", &evcc.Mock{}, 40, 14, false)
	now := time.Now().UTC()
	require.False(t, c.Live(now))
	c.ForceLive()
	assert.True(t, c.Live(now))
}

func TestObservationEndsAfterPeriod(t *testing.T) {
	c := NewCalculator("", &evcc.Mock{}, 40, 14, false)
	assert.False(t, c.Live(time.Now().UTC()))
	assert.True(t, c.Live(time.Now().UTC().Add(15*24*time.Hour)))
}

func TestEventLogBounded(t *testing.T) {
	api := &evcc.Mock{}
	api.On("SetBufferSOC", mock.Anything, mock.Anything).Return(nil)
	c := NewCalculator("", api, 40, 14, true)

	now := time.Now().UTC()
	for i := 0; i < 800; i++ {
		c.Step(context.Background(), 0.95, 0.15, now.Add(time.Duration(i)*15*time.Minute))
	}
	assert.LessOrEqual(t, len(c.Events()), 700)
}
