package types

import "time"

// ChargeMode is the evcc loadpoint charge mode.
type ChargeMode string

const (
	ChargeModeNow   ChargeMode = "now"
	ChargeModeMinPV ChargeMode = "minpv"
	ChargeModePV    ChargeMode = "pv"
)

// Valid reports whether m is one of the three modes evcc accepts.
func (m ChargeMode) Valid() bool {
	switch m {
	case ChargeModeNow, ChargeModeMinPV, ChargeModePV:
		return true
	}
	return false
}

// SystemState is the per-cycle snapshot of the site. It is rebuilt every
// cycle from the evcc /state payload plus derived tariff figures and
// discarded after publication.
type SystemState struct {
	Timestamp time.Time `json:"timestamp"`

	BatterySOC   float64 `json:"battery_soc"`   // percent, 0-100
	BatteryPower float64 `json:"battery_power"` // W, positive = charging
	GridPower    float64 `json:"grid_power"`    // W, positive = import
	PVPower      float64 `json:"pv_power"`      // W
	HomePower    float64 `json:"home_power"`    // W

	CurrentPriceEUR float64 `json:"current_price_eur"` // EUR/kWh

	EVConnected     bool    `json:"ev_connected"`
	EVName          string  `json:"ev_name,omitempty"`
	EVSOC           float64 `json:"ev_soc"`
	EVCapacityKWH   float64 `json:"ev_capacity_kwh"`
	EVChargePowerKW float64 `json:"ev_charge_power_kw"`

	// Derived tariff figures for the forward window.
	PricePercentiles map[int]float64 `json:"price_percentiles,omitempty"` // percentile -> EUR/kWh
	PriceSpreadEUR   float64         `json:"price_spread_eur"`            // P80 - P20
	CheapHoursLeft   int             `json:"cheap_hours_left"`
	PVEnergyNext24h  float64         `json:"pv_energy_next_24h_kwh"`
}

// SolverStatus is the outcome of an LP solve.
type SolverStatus string

const (
	SolverStatusOptimal    SolverStatus = "optimal"
	SolverStatusInfeasible SolverStatus = "infeasible"
	SolverStatusError      SolverStatus = "error"
)

// DispatchSlot is one 15-minute interval of the planning horizon.
type DispatchSlot struct {
	Index int       `json:"index"` // 0-95
	Start time.Time `json:"start"`

	BatChargeKW    float64 `json:"bat_charge_kw"`    // >= 0
	BatDischargeKW float64 `json:"bat_discharge_kw"` // >= 0, exclusive with charge
	EVChargeKW     float64 `json:"ev_charge_kw"`
	EVName         string  `json:"ev_name,omitempty"`

	PriceEUR float64 `json:"price_eur"` // EUR/kWh
	PVKW     float64 `json:"pv_kw"`
	LoadW    float64 `json:"load_w"`

	BatSOC float64 `json:"bat_soc"` // predicted %, slot boundary
	EVSOC  float64 `json:"ev_soc"`  // predicted %, slot boundary
}

// HorizonSlots is the fixed horizon length: 24h of 15-minute slots.
const HorizonSlots = 96

// ChargeThresholdKW is the power above which a slot counts as charging when
// deriving the current-slot booleans from the LP output.
const ChargeThresholdKW = 0.1

// PlanHorizon is the joint battery/EV dispatch for the next 24 hours.
type PlanHorizon struct {
	ComputedAt   time.Time      `json:"computed_at"`
	Slots        []DispatchSlot `json:"slots"`
	Status       SolverStatus   `json:"status"`
	ObjectiveEUR float64        `json:"objective_eur"`
	PaddedSlots  int            `json:"padded_slots"` // price slots filled with the last known price

	BatCharge    bool    `json:"bat_charge"`    // current slot
	BatDischarge bool    `json:"bat_discharge"` // current slot
	EVCharge     bool    `json:"ev_charge"`     // current slot
	PriceLimit   float64 `json:"price_limit"`   // current-slot effective price limit, EUR/kWh
}

// CurrentSlot returns slot 0 or a zero slot when the plan is empty.
func (p *PlanHorizon) CurrentSlot() DispatchSlot {
	if p == nil || len(p.Slots) == 0 {
		return DispatchSlot{}
	}
	return p.Slots[0]
}

// ActionLabel names a dispatch action for deviation tracking and publication.
type ActionLabel string

const (
	ActionIdle         ActionLabel = "idle"
	ActionBatCharge    ActionLabel = "bat_charge"
	ActionBatDischarge ActionLabel = "bat_discharge"
	ActionEVCharge     ActionLabel = "ev_charge"
)
