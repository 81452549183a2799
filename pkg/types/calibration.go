package types

import "time"

// Calibration holds the constants reverse-engineered from observed vendor
// behavior. They are not protocol documented and may differ between
// hardware revisions.
type Calibration struct {
	// WhThreshold above which energy counters are assumed to be in Wh.
	WhThreshold float64 `json:"whThreshold"`
	// PowerWindowSeconds is used when reported timestamps do not advance.
	PowerWindowSeconds float64 `json:"powerWindowSeconds"`
	// PowerMinDeltaKWh ignores counter movement below this amount.
	PowerMinDeltaKWh float64 `json:"powerMinDeltaKWh"`
	// PowerMaxWatts is the charger's maximum continuous throughput.
	PowerMaxWatts float64 `json:"powerMaxWatts"`
	// DailyJitterKWh is the downward dip tolerated by today's energy.
	DailyJitterKWh float64 `json:"dailyJitterKWh"`
	// LifetimeDropKWh is the drop tolerated by the lifetime counter.
	LifetimeDropKWh float64 `json:"lifetimeDropKWh"`
	// ChargeModeTTLSeconds caches scheduler charge modes.
	ChargeModeTTLSeconds int `json:"chargeModeTTLSeconds"`
}

// DefaultCalibration returns the calibration observed on IQ EV chargers.
func DefaultCalibration() Calibration {
	return Calibration{
		WhThreshold:          200,
		PowerWindowSeconds:   300,
		PowerMinDeltaKWh:     0.0005,
		PowerMaxWatts:        19200,
		DailyJitterKWh:       0.005,
		LifetimeDropKWh:      0.01,
		ChargeModeTTLSeconds: 300,
	}
}

// WithDefaults fills zero fields from DefaultCalibration.
func (c Calibration) WithDefaults() Calibration {
	d := DefaultCalibration()
	if c.WhThreshold <= 0 {
		c.WhThreshold = d.WhThreshold
	}
	if c.PowerWindowSeconds <= 0 {
		c.PowerWindowSeconds = d.PowerWindowSeconds
	}
	if c.PowerMinDeltaKWh <= 0 {
		c.PowerMinDeltaKWh = d.PowerMinDeltaKWh
	}
	if c.PowerMaxWatts <= 0 {
		c.PowerMaxWatts = d.PowerMaxWatts
	}
	if c.DailyJitterKWh <= 0 {
		c.DailyJitterKWh = d.DailyJitterKWh
	}
	if c.LifetimeDropKWh <= 0 {
		c.LifetimeDropKWh = d.LifetimeDropKWh
	}
	if c.ChargeModeTTLSeconds <= 0 {
		c.ChargeModeTTLSeconds = d.ChargeModeTTLSeconds
	}
	return c
}

// ChargeModeTTL returns the charge mode cache lifetime.
func (c Calibration) ChargeModeTTL() time.Duration {
	return time.Duration(c.ChargeModeTTLSeconds) * time.Second
}
