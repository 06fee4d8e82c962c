package vehicle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strompilot/strompilot/pkg/types"
)

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), backoffDelay(0))
	assert.Equal(t, 2*time.Hour, backoffDelay(1))
	assert.Equal(t, 4*time.Hour, backoffDelay(2))
	assert.Equal(t, 8*time.Hour, backoffDelay(3))
	assert.Equal(t, 16*time.Hour, backoffDelay(4))
	assert.Equal(t, 24*time.Hour, backoffDelay(5))
	// capped for any longer failure streak
	assert.Equal(t, 24*time.Hour, backoffDelay(6))
	assert.Equal(t, 24*time.Hour, backoffDelay(100))
}

func TestNewProvider(t *testing.T) {
	t.Run("manual", func(t *testing.T) {
		p, err := New(types.VehicleSettings{Name: "zoe", Provider: types.ProviderManual})
		require.NoError(t, err)
		assert.False(t, p.SupportsActivePoll())
		_, err = p.Poll(context.Background())
		assert.Error(t, err)
	})
	t.Run("http needs url", func(t *testing.T) {
		_, err := New(types.VehicleSettings{Name: "zoe", Provider: types.ProviderHTTP})
		assert.Error(t, err)
	})
	t.Run("unknown", func(t *testing.T) {
		_, err := New(types.VehicleSettings{Name: "zoe", Provider: "tesla"})
		assert.Error(t, err)
	})
}

func testRegistry() *Registry {
	return NewRegistry([]types.VehicleSettings{
		{Name: "ioniq", Provider: types.ProviderKia, CapacityKWH: 58, ChargePowerKW: 11, TargetSOC: 80},
		{Name: "zoe", Provider: types.ProviderManual, CapacityKWH: 41, ChargePowerKW: 7.4, TargetSOC: 90},
	})
}

func TestRegistryApplyPoll(t *testing.T) {
	r := testRegistry()
	now := time.Now().UTC()

	r.ApplyPoll("ioniq", types.VehicleData{SOC: 54, Connected: true, Timestamp: now}, now)

	v, ok := r.Get("ioniq")
	require.True(t, ok)
	assert.Equal(t, 54.0, v.SOC)
	assert.True(t, v.Connected)
	assert.Equal(t, now, v.LastPolled)
}

func TestRegistryLoadpointWinsOnConnection(t *testing.T) {
	r := testRegistry()
	now := time.Now().UTC()

	// the wallbox says disconnected, a later cloud poll claims connected
	r.ApplyLoadpoint("ioniq", true, false, 60, now)
	r.ApplyLoadpoint("ioniq", false, false, 0, now.Add(time.Minute))
	r.ApplyPoll("ioniq", types.VehicleData{SOC: 60, Connected: true, Timestamp: now}, now.Add(2*time.Minute))

	v, _ := r.Get("ioniq")
	assert.True(t, v.Connected, "poll may set connection only while the loadpoint does not know better")

	// but after a fresh loadpoint connect the state follows the charger again
	r.ApplyLoadpoint("ioniq", false, false, 0, now.Add(3*time.Minute))
	r.ApplyPoll("ioniq", types.VehicleData{SOC: 60, Connected: false, Timestamp: now}, now.Add(4*time.Minute))
	v, _ = r.Get("ioniq")
	assert.False(t, v.Connected)
}

func TestRegistryManualSOCClearedOnDisconnect(t *testing.T) {
	r := testRegistry()
	now := time.Now().UTC()

	require.True(t, r.SetManualSOC("zoe", 45))
	v, _ := r.Get("zoe")
	assert.True(t, v.HasManual)

	r.ApplyLoadpoint("zoe", false, false, 0, now)
	v, _ = r.Get("zoe")
	assert.False(t, v.HasManual)
}

func TestRegistryDepartureClearedOnDisconnect(t *testing.T) {
	r := testRegistry()
	now := time.Now().UTC()

	require.True(t, r.SetDeparture("zoe", now.Add(8*time.Hour)))
	_, ok := r.Departure("zoe")
	assert.True(t, ok)

	r.ApplyLoadpoint("zoe", false, false, 0, now)
	_, ok = r.Departure("zoe")
	assert.False(t, ok)
}

func TestRegistryConnectedPrefersCharging(t *testing.T) {
	r := testRegistry()
	now := time.Now().UTC()

	_, ok := r.Connected()
	assert.False(t, ok)

	r.ApplyLoadpoint("zoe", true, false, 30, now)
	r.ApplyLoadpoint("ioniq", true, true, 50, now)

	v, ok := r.Connected()
	require.True(t, ok)
	assert.Equal(t, "ioniq", v.Name)
}

func TestRegistryUnknownVehicle(t *testing.T) {
	r := testRegistry()
	assert.False(t, r.SetManualSOC("ghost", 50))
	assert.False(t, r.SetDeparture("ghost", time.Now()))
	_, ok := r.Get("ghost")
	assert.False(t, ok)
}

func TestRegistryTargetSOC(t *testing.T) {
	r := testRegistry()
	assert.Equal(t, 80.0, r.TargetSOC("ioniq"))
	assert.Equal(t, 90.0, r.TargetSOC("zoe"))
}

func TestRegistryListMarksStale(t *testing.T) {
	r := testRegistry()
	now := time.Now().UTC()

	// fresh reading for one vehicle, the other never reported
	r.ApplyPoll("ioniq", types.VehicleData{SOC: 54, Timestamp: now}, now)
	r.SetManualSOC("zoe", 45)

	byName := map[string]types.Vehicle{}
	for _, v := range r.List(now) {
		byName[v.Name] = v
	}
	assert.False(t, byName["ioniq"].Stale)
	assert.False(t, byName["zoe"].Stale, "a manual override is never stale")

	// the reading ages past the staleness window
	later := now.Add(types.StaleAfter + time.Minute)
	for _, v := range r.List(later) {
		if v.Name == "ioniq" {
			assert.True(t, v.Stale)
		}
	}
}
