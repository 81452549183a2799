package entity

import (
	"math"
	"strings"
	"time"

	"github.com/enlightenev/enlightenev/pkg/types"
)

// Power estimate methods reported in the power sensor's attributes.
const (
	MethodSeeded         = "seeded"
	MethodIdle           = "idle"
	MethodLifetimeWindow = "lifetime_energy_window"
	MethodLegacyRestore  = "legacy_restore"
)

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func fptr(v float64) *float64 {
	return &v
}

// parseTimestamp normalizes a reported timestamp to epoch seconds. Zone-less
// ISO strings are read as UTC.
func parseTimestamp(raw string) (float64, bool) {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "[UTC]", ""))
	if s == "" {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
		if err != nil {
			return 0, false
		}
	}
	return float64(t.UnixNano()) / 1e9, true
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// PowerEstimator derives charging power from movement of the lifetime
// energy counter between samples.
type PowerEstimator struct {
	cal types.Calibration

	lastLifetimeKWh *float64
	lastEnergyTS    *float64
	lastSampleTS    *float64
	lastPowerW      int
	lastWindow      *float64
	method          string
}

// NewPowerEstimator returns an unseeded estimator.
func NewPowerEstimator(cal types.Calibration) *PowerEstimator {
	return &PowerEstimator{cal: cal.WithDefaults(), method: MethodSeeded}
}

// Sample feeds one charger record and returns the estimate in watts. The
// first sample only seeds the estimator. A sample without energy movement
// keeps the last estimate while charging and drops to 0 otherwise.
func (p *PowerEstimator) Sample(lifetimeKWh *float64, reportedAt *string, charging bool, now time.Time) int {
	sampleTS := unixSeconds(now)
	if reportedAt != nil {
		if ts, ok := parseTimestamp(*reportedAt); ok {
			sampleTS = ts
		}
	}
	p.lastSampleTS = fptr(sampleTS)

	if lifetimeKWh == nil {
		if !charging {
			p.lastPowerW = 0
			p.method = MethodIdle
		}
		return p.lastPowerW
	}
	lifetime := *lifetimeKWh

	if p.lastLifetimeKWh == nil {
		p.lastLifetimeKWh = fptr(lifetime)
		p.lastEnergyTS = fptr(sampleTS)
		p.lastPowerW = 0
		p.method = MethodSeeded
		p.lastWindow = nil
		return 0
	}

	delta := lifetime - *p.lastLifetimeKWh
	if delta <= p.cal.PowerMinDeltaKWh {
		if !charging {
			p.lastPowerW = 0
			p.method = MethodIdle
		}
		return p.lastPowerW
	}

	window := p.cal.PowerWindowSeconds
	if p.lastEnergyTS != nil && sampleTS > *p.lastEnergyTS {
		window = sampleTS - *p.lastEnergyTS
	}

	watts := delta * 3_600_000 / window
	watts = math.Max(0, math.Min(watts, p.cal.PowerMaxWatts))

	p.lastPowerW = int(math.Round(watts))
	p.method = MethodLifetimeWindow
	p.lastWindow = fptr(window)
	p.lastLifetimeKWh = fptr(lifetime)
	p.lastEnergyTS = fptr(sampleTS)
	return p.lastPowerW
}

// Attributes returns the estimator's diagnostic attributes.
func (p *PowerEstimator) Attributes(charging bool, operatingV *int) map[string]any {
	volts := 230
	if operatingV != nil && *operatingV != 0 {
		volts = *operatingV
	}
	return map[string]any{
		"last_lifetime_kwh":   p.lastLifetimeKWh,
		"last_energy_ts":      p.lastEnergyTS,
		"last_sample_ts":      p.lastSampleTS,
		"last_power_w":        p.lastPowerW,
		"last_window_seconds": p.lastWindow,
		"method":              p.method,
		"charging":            charging,
		"operating_v":         volts,
		"max_throughput_w":    p.cal.PowerMaxWatts,
	}
}

// State returns the restorable state. The sample timestamp moves every poll
// and is left out so an idle charger does not rewrite its state.
func (p *PowerEstimator) State() types.PowerState {
	return types.PowerState{
		State:             fptr(float64(p.lastPowerW)),
		LastLifetimeKWh:   p.lastLifetimeKWh,
		LastEnergyTS:      p.lastEnergyTS,
		LastPowerW:        fptr(float64(p.lastPowerW)),
		LastWindowSeconds: p.lastWindow,
		Method:            p.method,
	}
}

// Restore loads a saved state. States written by older releases carry a
// baseline and today's energy instead of the lifetime counter.
func (p *PowerEstimator) Restore(s types.PowerState) {
	p.lastLifetimeKWh = s.LastLifetimeKWh
	p.lastEnergyTS = s.LastEnergyTS
	p.lastSampleTS = s.LastSampleTS
	p.lastWindow = s.LastWindowSeconds
	switch {
	case s.State != nil:
		p.lastPowerW = int(math.Round(*s.State))
	case s.LastPowerW != nil:
		p.lastPowerW = int(math.Round(*s.LastPowerW))
	default:
		p.lastPowerW = 0
	}
	if s.Method != "" {
		p.method = s.Method
	}

	if p.lastLifetimeKWh == nil && s.BaselineKWh != nil && s.LastEnergyTodayKWh != nil {
		p.lastLifetimeKWh = fptr(*s.BaselineKWh + *s.LastEnergyTodayKWh)
		if p.lastEnergyTS == nil && s.LastTS != nil {
			p.lastEnergyTS = s.LastTS
		}
		if s.Method == "" {
			p.method = MethodLegacyRestore
		}
	}
}

// DailyEnergy reports energy used since local midnight from the lifetime
// counter.
type DailyEnergy struct {
	cal types.Calibration
	loc *time.Location

	baselineKWh *float64
	baselineDay string
	lastValue   *float64
}

// NewDailyEnergy returns a tracker for days in loc, time.Local when nil.
func NewDailyEnergy(cal types.Calibration, loc *time.Location) *DailyEnergy {
	if loc == nil {
		loc = time.Local
	}
	return &DailyEnergy{cal: cal.WithDefaults(), loc: loc}
}

func (d *DailyEnergy) day(now time.Time) string {
	return now.In(d.loc).Format(time.DateOnly)
}

// Sample returns today's energy for the lifetime reading, nil when the
// counter is unknown. The first reading of a local day becomes the
// baseline and stays fixed until the next day. A drop larger than the
// jitter tolerance reports the previous value.
func (d *DailyEnergy) Sample(lifetimeKWh *float64, now time.Time) *float64 {
	if lifetimeKWh == nil {
		return nil
	}
	total := *lifetimeKWh

	if day := d.day(now); d.baselineDay != day || d.baselineKWh == nil {
		d.baselineDay = day
		d.baselineKWh = fptr(total)
		d.lastValue = fptr(0)
	}

	val := math.Max(0, round(total-*d.baselineKWh, 3))
	if d.lastValue != nil && val+d.cal.DailyJitterKWh < *d.lastValue {
		val = *d.lastValue
	}
	d.lastValue = fptr(val)
	return fptr(val)
}

// Attributes returns the baseline attributes.
func (d *DailyEnergy) Attributes() map[string]any {
	return map[string]any{
		"baseline_kwh": d.baselineKWh,
		"baseline_day": d.baselineDay,
	}
}

// State returns the restorable state.
func (d *DailyEnergy) State() types.EnergyTodayState {
	return types.EnergyTodayState{
		State:       d.lastValue,
		BaselineKWh: d.baselineKWh,
		BaselineDay: d.baselineDay,
	}
}

// Restore loads a saved baseline when it belongs to today.
func (d *DailyEnergy) Restore(s types.EnergyTodayState, now time.Time) {
	if s.BaselineKWh == nil || s.BaselineDay != d.day(now) {
		return
	}
	d.baselineKWh = s.BaselineKWh
	d.baselineDay = s.BaselineDay
	d.lastValue = s.State
}

// LifetimeFilter passes the lifetime counter through while rejecting the
// glitches the cloud is known to report.
type LifetimeFilter struct {
	cal types.Calibration

	lastValue  *float64
	bootFilter bool
}

// NewLifetimeFilter returns a filter with the boot filter armed.
func NewLifetimeFilter(cal types.Calibration) *LifetimeFilter {
	return &LifetimeFilter{cal: cal.WithDefaults(), bootFilter: true}
}

// Sample returns the value to publish for raw. Missing and negative samples
// keep the previous value, drops beyond the tolerance are ignored and
// smaller drops are clamped. Right after startup a single zero is ignored
// when a positive value was restored.
func (l *LifetimeFilter) Sample(raw *float64) *float64 {
	if raw == nil || *raw < 0 {
		return l.lastValue
	}
	val := *raw

	if l.lastValue != nil {
		if val+l.cal.LifetimeDropKWh < *l.lastValue {
			return l.lastValue
		}
		if val < *l.lastValue {
			val = *l.lastValue
		}
	}

	if l.bootFilter {
		if val == 0 && l.lastValue != nil && *l.lastValue > 0 {
			return l.lastValue
		}
		l.bootFilter = false
	}

	l.lastValue = fptr(val)
	return l.lastValue
}

// State returns the restorable state.
func (l *LifetimeFilter) State() types.LifetimeState {
	return types.LifetimeState{State: l.lastValue}
}

// Restore loads a saved non-negative value.
func (l *LifetimeFilter) Restore(s types.LifetimeState) {
	if s.State != nil && *s.State >= 0 {
		l.lastValue = s.State
	}
}

// SessionMinutes is the elapsed session time in whole minutes: up to the
// frozen session end once charging stopped, up to now while charging and 0
// without a session.
func SessionMinutes(ch types.Charger, now time.Time) int {
	if ch.SessionStart == nil || *ch.SessionStart == 0 {
		return 0
	}
	var end int64
	switch {
	case ch.SessionEnd != nil:
		end = *ch.SessionEnd
	case ch.Charging:
		end = now.Unix()
	default:
		return 0
	}
	return max(0, int((end-*ch.SessionStart)/60))
}
