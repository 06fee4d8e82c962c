package vehicle

import (
	"sync"
	"time"

	"github.com/strompilot/strompilot/pkg/types"
)

// Registry keeps the last known state of every configured vehicle. The
// pollers, the state collector and the API all write through here.
type Registry struct {
	mu       sync.RWMutex
	vehicles map[string]*types.Vehicle
	targets  map[string]float64

	departures map[string]types.Departure
}

// NewRegistry seeds the registry from the configured vehicles.
func NewRegistry(cfgs []types.VehicleSettings) *Registry {
	r := &Registry{
		vehicles:   make(map[string]*types.Vehicle, len(cfgs)),
		targets:    make(map[string]float64, len(cfgs)),
		departures: make(map[string]types.Departure),
	}
	for _, c := range cfgs {
		r.vehicles[c.Name] = &types.Vehicle{
			Name:          c.Name,
			CapacityKWH:   c.CapacityKWH,
			ChargePowerKW: c.ChargePowerKW,
			Provider:      c.Provider,
		}
		r.targets[c.Name] = c.TargetSOC
	}
	return r
}

// ApplyPoll merges one provider poll result.
func (r *Registry) ApplyPoll(name string, data types.VehicleData, polledAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vehicles[name]
	if !ok {
		return
	}
	v.SOC = data.SOC
	v.Charging = data.Charging
	v.LastUpdated = data.Timestamp
	v.LastPolled = polledAt
	// connection state from the cloud is unreliable; the loadpoint wins when
	// it knows the vehicle
	if !v.Connected {
		v.Connected = data.Connected
	}
}

// ApplyLoadpoint merges the charger's view of the vehicle. A SoC reported by
// the wallbox is fresher than any cloud poll.
func (r *Registry) ApplyLoadpoint(name string, connected, charging bool, soc float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vehicles[name]
	if !ok {
		return
	}
	v.Connected = connected
	v.Charging = charging
	if soc > 0 {
		v.SOC = soc
		v.LastUpdated = at
	}
	if !connected {
		// manual SoC entries die with the charging session
		v.HasManual = false
		delete(r.departures, name)
	}
}

// SetManualSOC records a driver-entered SoC that overrides polled values
// until the vehicle disconnects.
func (r *Registry) SetManualSOC(name string, soc float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vehicles[name]
	if !ok {
		return false
	}
	v.ManualSOC = soc
	v.HasManual = true
	return true
}

// SetDeparture stores the next planned departure for a vehicle.
func (r *Registry) SetDeparture(name string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.vehicles[name]; !ok {
		return false
	}
	r.departures[name] = types.Departure{Vehicle: name, At: at.UTC()}
	return true
}

// Departure returns the stored departure for a vehicle, if any.
func (r *Registry) Departure(name string) (types.Departure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.departures[name]
	return d, ok
}

// TargetSOC returns the configured charging target for a vehicle.
func (r *Registry) TargetSOC(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.targets[name]
}

// Get returns a copy of one vehicle record.
func (r *Registry) Get(name string) (types.Vehicle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vehicles[name]
	if !ok {
		return types.Vehicle{}, false
	}
	return *v, true
}

// Connected returns the first connected vehicle, preferring one that is
// charging. The single-loadpoint model means at most one EV matters per
// cycle.
func (r *Registry) Connected() (types.Vehicle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *types.Vehicle
	for _, v := range r.vehicles {
		if !v.Connected {
			continue
		}
		if v.Charging {
			return *v, true
		}
		if found == nil {
			found = v
		}
	}
	if found == nil {
		return types.Vehicle{}, false
	}
	return *found, true
}

// List returns a copy of all vehicle records with their staleness evaluated
// against now.
func (r *Registry) List(now time.Time) []types.Vehicle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Vehicle, 0, len(r.vehicles))
	for _, v := range r.vehicles {
		rec := *v
		rec.Stale = rec.IsStale(now)
		out = append(out, rec)
	}
	return out
}
