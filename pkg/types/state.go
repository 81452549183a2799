package types

// PowerState is the restorable state of the power estimate.
type PowerState struct {
	State             *float64 `json:"state,omitempty"`
	LastLifetimeKWh   *float64 `json:"last_lifetime_kwh,omitempty"`
	LastEnergyTS      *float64 `json:"last_energy_ts,omitempty"`
	LastSampleTS      *float64 `json:"last_sample_ts,omitempty"`
	LastPowerW        *float64 `json:"last_power_w,omitempty"`
	LastWindowSeconds *float64 `json:"last_window_seconds,omitempty"`
	Method            string   `json:"method,omitempty"`

	// written by older releases that derived power from today's energy
	BaselineKWh        *float64 `json:"baseline_kwh,omitempty"`
	LastEnergyTodayKWh *float64 `json:"last_energy_today_kwh,omitempty"`
	LastTS             *float64 `json:"last_ts,omitempty"`
}

// EnergyTodayState is the restorable state of today's energy.
type EnergyTodayState struct {
	State       *float64 `json:"state,omitempty"`
	BaselineKWh *float64 `json:"baseline_kwh,omitempty"`
	BaselineDay string   `json:"baseline_day,omitempty"`
}

// LifetimeState is the restorable state of the lifetime energy sensor.
type LifetimeState struct {
	State *float64 `json:"state,omitempty"`
}
