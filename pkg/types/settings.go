package types

import (
	"bytes"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Severity classifies a settings validation issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// ValidationIssue describes one problem found while validating settings.
type ValidationIssue struct {
	Field      string   `json:"field"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// VehicleSettings configures one EV.
type VehicleSettings struct {
	Name          string       `yaml:"name" json:"name"`
	Provider      ProviderKind `yaml:"provider" json:"provider"`
	CapacityKWH   float64      `yaml:"capacityKWH" json:"capacity_kwh"`
	ChargePowerKW float64      `yaml:"chargePowerKW" json:"charge_power_kw"`
	TargetSOC     float64      `yaml:"targetSOC" json:"target_soc"`
	// URL of the SoC endpoint for the http provider.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Cloud account credentials for the kia and renault providers.
	Username string `yaml:"username,omitempty" json:"-"`
	Password string `yaml:"password,omitempty" json:"-"`
	VIN      string `yaml:"vin,omitempty" json:"vin,omitempty"`
}

// Settings is the typed configuration record for the dispatcher. It is read
// once at startup from the YAML settings file; validation decides which
// issues block startup and which fall back to defaults.
type Settings struct {
	EvccURL      string `yaml:"evccURL" json:"evcc_url"`
	EvccPassword string `yaml:"evccPassword,omitempty" json:"-"`

	CycleMinutes int    `yaml:"cycleMinutes" json:"cycle_minutes"`
	DataDir      string `yaml:"dataDir" json:"data_dir"`

	// Site coordinates for the clear-sky PV shape.
	Latitude  float64 `yaml:"latitude" json:"latitude"`
	Longitude float64 `yaml:"longitude" json:"longitude"`

	// Battery
	BatteryCapacityKWH  float64 `yaml:"batteryCapacityKWH" json:"battery_capacity_kwh"`
	BatteryMaxPowerKW   float64 `yaml:"batteryMaxPowerKW" json:"battery_max_power_kw"`
	BatteryMinSOC       float64 `yaml:"batteryMinSOC" json:"battery_min_soc"`
	BatteryMaxSOC       float64 `yaml:"batteryMaxSOC" json:"battery_max_soc"`
	ChargeEfficiency    float64 `yaml:"chargeEfficiency" json:"charge_efficiency"`
	DischargeEfficiency float64 `yaml:"dischargeEfficiency" json:"discharge_efficiency"`

	// Price thresholds (EUR/kWh)
	BatteryMaxPriceEUR float64 `yaml:"batteryMaxPriceEUR" json:"battery_max_price_eur"`
	EVMaxPriceEUR      float64 `yaml:"evMaxPriceEUR" json:"ev_max_price_eur"`
	FeedInTariffEUR    float64 `yaml:"feedInTariffEUR" json:"feed_in_tariff_eur"`

	// Battery-to-EV arbitrage
	MinProfitCt       float64 `yaml:"minProfitCt" json:"min_profit_ct"`
	ArbitrageFloorSOC float64 `yaml:"arbitrageFloorSOC" json:"arbitrage_floor_soc"`

	// Dynamic reserve
	ReserveObservationDays int  `yaml:"reserveObservationDays" json:"reserve_observation_days"`
	ReserveForceLive       bool `yaml:"reserveForceLive" json:"reserve_force_live"`

	// Residual learner: shadow, advisory or disabled.
	LearnerMode string `yaml:"learnerMode" json:"learner_mode"`

	Vehicles []VehicleSettings `yaml:"vehicles" json:"vehicles"`
}

// DefaultSettings are the values applied for fields left at zero where a safe
// default exists.
func DefaultSettings() Settings {
	return Settings{
		EvccURL:                "http://evcc.local:7070",
		CycleMinutes:           15,
		DataDir:                "data",
		BatteryMinSOC:          20,
		BatteryMaxSOC:          95,
		ChargeEfficiency:       0.95,
		DischargeEfficiency:    0.95,
		BatteryMaxPriceEUR:     0.25,
		EVMaxPriceEUR:          0.30,
		FeedInTariffEUR:        0.08,
		MinProfitCt:            3,
		ArbitrageFloorSOC:      30,
		ReserveObservationDays: 14,
		LearnerMode:            "shadow",
	}
}

// LoadSettings reads a YAML settings file. Unknown keys are rejected so a
// typo never silently disables a feature.
func LoadSettings(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	var s Settings
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings: %w", err)
	}
	return s, nil
}

// Validate checks the settings and returns all issues found. Critical issues
// must block startup; warning issues have already been fixed up in place with
// the default value.
func (s *Settings) Validate() []ValidationIssue {
	var issues []ValidationIssue
	def := DefaultSettings()

	critical := func(field, msg, suggestion string) {
		issues = append(issues, ValidationIssue{Field: field, Severity: SeverityCritical, Message: msg, Suggestion: suggestion})
	}
	warn := func(field, msg string) {
		issues = append(issues, ValidationIssue{Field: field, Severity: SeverityWarning, Message: msg})
	}

	if u, err := url.Parse(s.EvccURL); err != nil || u.Scheme == "" || u.Host == "" {
		critical("evccURL", fmt.Sprintf("invalid URL %q", s.EvccURL), "use e.g. http://evcc.local:7070")
	}
	if s.BatteryCapacityKWH <= 0 {
		critical("batteryCapacityKWH", "battery capacity must be positive", "set the usable capacity in kWh")
	}
	if s.BatteryMaxPowerKW <= 0 {
		critical("batteryMaxPowerKW", "battery max power must be positive", "set the inverter limit in kW")
	}
	if s.BatteryMinSOC == 0 {
		s.BatteryMinSOC = def.BatteryMinSOC
		warn("batteryMinSOC", "missing, defaulting to 20")
	}
	if s.BatteryMaxSOC == 0 {
		s.BatteryMaxSOC = def.BatteryMaxSOC
		warn("batteryMaxSOC", "missing, defaulting to 95")
	}
	if s.BatteryMinSOC >= s.BatteryMaxSOC {
		critical("batteryMinSOC", fmt.Sprintf("min SoC %.0f must be below max SoC %.0f", s.BatteryMinSOC, s.BatteryMaxSOC), "")
	}
	if s.ChargeEfficiency <= 0 || s.ChargeEfficiency > 1 {
		critical("chargeEfficiency", fmt.Sprintf("efficiency %.2f outside (0,1]", s.ChargeEfficiency), "typical value 0.95")
	}
	if s.DischargeEfficiency <= 0 || s.DischargeEfficiency > 1 {
		critical("dischargeEfficiency", fmt.Sprintf("efficiency %.2f outside (0,1]", s.DischargeEfficiency), "typical value 0.95")
	}
	if s.CycleMinutes < 1 || s.CycleMinutes > 60 {
		s.CycleMinutes = def.CycleMinutes
		warn("cycleMinutes", "outside 1-60, defaulting to 15")
	}
	if s.BatteryMaxPriceEUR <= 0 {
		s.BatteryMaxPriceEUR = def.BatteryMaxPriceEUR
		warn("batteryMaxPriceEUR", "missing, defaulting to 0.25")
	}
	if s.EVMaxPriceEUR <= 0 {
		s.EVMaxPriceEUR = def.EVMaxPriceEUR
		warn("evMaxPriceEUR", "missing, defaulting to 0.30")
	}
	if s.FeedInTariffEUR < 0 {
		s.FeedInTariffEUR = def.FeedInTariffEUR
		warn("feedInTariffEUR", "negative, defaulting to 0.08")
	}
	if s.MinProfitCt <= 0 {
		s.MinProfitCt = def.MinProfitCt
		warn("minProfitCt", "missing, defaulting to 3")
	}
	if s.ArbitrageFloorSOC <= 0 {
		s.ArbitrageFloorSOC = def.ArbitrageFloorSOC
		warn("arbitrageFloorSOC", "missing, defaulting to 30")
	}
	if s.ReserveObservationDays <= 0 {
		s.ReserveObservationDays = def.ReserveObservationDays
		warn("reserveObservationDays", "missing, defaulting to 14")
	}
	switch s.LearnerMode {
	case "shadow", "advisory", "disabled":
	case "":
		s.LearnerMode = def.LearnerMode
		warn("learnerMode", "missing, defaulting to shadow")
	default:
		critical("learnerMode", fmt.Sprintf("unknown mode %q", s.LearnerMode), "use shadow, advisory or disabled")
	}
	if s.DataDir == "" {
		s.DataDir = def.DataDir
		warn("dataDir", "missing, defaulting to ./data")
	}
	if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
		critical("latitude", "coordinates out of range", "")
	}
	if s.Latitude == 0 && s.Longitude == 0 {
		warn("latitude", "no site coordinates, PV forecast uses the learned profile only")
	}
	for i, v := range s.Vehicles {
		field := fmt.Sprintf("vehicles[%d]", i)
		if v.Name == "" {
			critical(field+".name", "vehicle name is required", "")
		}
		if !v.Provider.Valid() {
			critical(field+".provider", fmt.Sprintf("unknown provider %q", v.Provider), "use kia, renault, http or manual")
		}
		if v.CapacityKWH <= 0 {
			critical(field+".capacityKWH", "vehicle capacity must be positive", "")
		}
		if v.ChargePowerKW <= 0 {
			s.Vehicles[i].ChargePowerKW = 11
			warn(field+".chargePowerKW", "missing, defaulting to 11")
		}
		if v.TargetSOC <= 0 || v.TargetSOC > 100 {
			s.Vehicles[i].TargetSOC = 80
			warn(field+".targetSOC", "outside (0,100], defaulting to 80")
		}
		if v.Provider == ProviderHTTP && v.URL == "" {
			critical(field+".url", "http provider requires a url", "")
		}
		if (v.Provider == ProviderKia || v.Provider == ProviderRenault) &&
			(v.Username == "" || v.Password == "") {
			critical(field+".username", fmt.Sprintf("%s provider requires username and password", v.Provider), "")
		}
	}
	return issues
}

// HasCritical reports whether any issue blocks startup.
func HasCritical(issues []ValidationIssue) bool {
	for _, is := range issues {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
