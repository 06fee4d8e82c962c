package types

import "time"

// ProviderKind enumerates the supported vehicle data providers.
type ProviderKind string

const (
	ProviderKia     ProviderKind = "kia"
	ProviderRenault ProviderKind = "renault"
	ProviderHTTP    ProviderKind = "http"
	ProviderManual  ProviderKind = "manual"
)

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderKia, ProviderRenault, ProviderHTTP, ProviderManual:
		return true
	}
	return false
}

// StaleAfter is how old a vehicle SoC reading may be before it is
// considered stale (unless a manual override is set).
const StaleAfter = 60 * time.Minute

// Vehicle is the long-lived record for one EV.
type Vehicle struct {
	Name          string       `json:"name"`
	CapacityKWH   float64      `json:"capacity_kwh"`
	ChargePowerKW float64      `json:"charge_power_kw"`
	Provider      ProviderKind `json:"provider"`

	SOC         float64   `json:"soc"` // last known, possibly stale
	ManualSOC   float64   `json:"manual_soc"`
	HasManual   bool      `json:"has_manual"`
	Connected   bool      `json:"connected"`
	Charging    bool      `json:"charging"`
	LastUpdated time.Time `json:"last_updated"`
	LastPolled  time.Time `json:"last_polled"`

	// Stale is derived at publication time via IsStale.
	Stale bool `json:"stale"`
}

// EffectiveSOC prefers a manual override over the polled value.
func (v Vehicle) EffectiveSOC() float64 {
	if v.HasManual {
		return v.ManualSOC
	}
	return v.SOC
}

// IsStale reports whether the last reading is older than StaleAfter and no
// manual override is active.
func (v Vehicle) IsStale(now time.Time) bool {
	if v.HasManual {
		return false
	}
	return v.LastUpdated.IsZero() || now.Sub(v.LastUpdated) > StaleAfter
}

// NeedKWH is the energy required to reach targetSOC (percent), never negative.
func (v Vehicle) NeedKWH(targetSOC float64) float64 {
	need := (targetSOC - v.EffectiveSOC()) / 100 * v.CapacityKWH
	if need < 0 {
		return 0
	}
	return need
}

// VehicleData is what a provider poll returns.
type VehicleData struct {
	SOC       float64   `json:"soc"`
	Connected bool      `json:"connected"`
	Charging  bool      `json:"charging"`
	Timestamp time.Time `json:"timestamp"`
}

// BoostDuration is how long a driver boost stays active unless the EV
// disconnects or reaches its target first.
const BoostDuration = 90 * time.Minute

// Boost is a short-lived driver directive to charge immediately at full
// power, bypassing planner, learner and mode controller. At most one boost is
// active at a time; a new activation replaces the previous one.
type Boost struct {
	Vehicle     string    `json:"vehicle"`
	Source      string    `json:"source"` // "api", "telegram"
	ActivatedAt time.Time `json:"activated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Active reports whether the boost has not yet expired.
func (b Boost) Active(now time.Time) bool {
	return !b.ActivatedAt.IsZero() && now.Before(b.ExpiresAt)
}

// Departure is a scheduled departure for one vehicle.
type Departure struct {
	Vehicle string    `json:"vehicle"`
	At      time.Time `json:"at"` // UTC
}
