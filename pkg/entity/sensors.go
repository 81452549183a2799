package entity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/enlightenev/enlightenev/pkg/coordinator"
	"github.com/enlightenev/enlightenev/pkg/types"
)

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

var connectorIcons = map[string]string{
	"AVAILABLE":    "mdi:ev-station",
	"CHARGING":     "mdi:ev-plug-ccs2",
	"PLUGGED":      "mdi:ev-plug-type2",
	"CONNECTED":    "mdi:ev-plug-type2",
	"DISCONNECTED": "mdi:power-plug-off",
	"UNPLUGGED":    "mdi:power-plug-off",
	"FAULTED":      "mdi:alert",
	"ERROR":        "mdi:alert",
	"OCCUPIED":     "mdi:car-electric",
}

func connectorIcon(v any) string {
	s, _ := v.(string)
	if icon, ok := connectorIcons[strings.ToUpper(s)]; ok {
		return icon
	}
	return "mdi:ev-station"
}

var chargeModeIcons = map[string]string{
	types.ChargeModeManual:    "mdi:flash",
	types.ChargeModeImmediate: "mdi:flash",
	types.ChargeModeScheduled: "mdi:calendar-clock",
	types.ChargeModeGreen:     "mdi:leaf",
	types.ChargeModeIdle:      "mdi:timer-sand-paused",
}

func chargeModeIcon(v any) string {
	s, _ := v.(string)
	if icon, ok := chargeModeIcons[strings.ToUpper(s)]; ok {
		return icon
	}
	return "mdi:car-electric"
}

// phaseModeText maps the numeric phase indicator to text.
func phaseModeText(v *string) any {
	if v == nil {
		return nil
	}
	switch strings.TrimSpace(*v) {
	case "1":
		return "Single Phase"
	case "3":
		return "Three Phase"
	}
	return *v
}

// chargingAmps is the reported level, else the last requested one, else
// the default.
func chargingAmps(coord Coordinator, ch types.Charger) int {
	if ch.ChargingLevel != nil {
		return *ch.ChargingLevel
	}
	if amps, ok := coord.LastSetAmps(ch.Serial); ok && amps != 0 {
		return amps
	}
	return coordinator.DefaultChargingAmps
}

func reportedTime(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	secs, ok := parseTimestamp(*v)
	if !ok {
		return nil
	}
	return time.Unix(0, int64(secs*1e9)).UTC().Format(time.RFC3339)
}

func serialDescription(coord Coordinator, sn string, kind Kind, key, name string) Description {
	return Description{
		UniqueID: SerialUniqueID(sn, key),
		Kind:     kind,
		Key:      key,
		Name:     name,
		EntryID:  coord.EntryID(),
		SiteID:   coord.SiteID(),
		Serial:   sn,
	}
}

func siteDescription(coord Coordinator, kind Kind, key, name string) Description {
	return Description{
		UniqueID: SiteUniqueID(coord.SiteID(), key),
		Kind:     kind,
		Key:      key,
		Name:     name,
		EntryID:  coord.EntryID(),
		SiteID:   coord.SiteID(),
	}
}

// serialEntity reads one value out of a charger record. It is unavailable
// while the serial is missing from the snapshot.
type serialEntity struct {
	desc  Description
	coord Coordinator
	value func(ch types.Charger, now time.Time) any
	icon  func(v any) string
}

func (e *serialEntity) Description() Description {
	return e.desc
}

func (e *serialEntity) base(snap types.Snapshot, now time.Time) (State, types.Charger, bool) {
	st := State{Description: e.desc, UpdatedAt: now}
	ch, ok := snap.Chargers[e.desc.Serial]
	if !ok {
		return st, ch, false
	}
	st.Available = true
	st.Device = chargerDevice(e.desc.SiteID, ch)
	return st, ch, true
}

func (e *serialEntity) Update(snap types.Snapshot, now time.Time) State {
	st, ch, ok := e.base(snap, now)
	if !ok {
		return st
	}
	st.Value = e.value(ch, now)
	if e.icon != nil {
		st.Icon = e.icon(st.Value)
	}
	return st
}

type sensorOption func(*serialEntity)

func withUnit(unit, deviceClass, stateClass string) sensorOption {
	return func(e *serialEntity) {
		e.desc.Unit = unit
		e.desc.DeviceClass = deviceClass
		e.desc.StateClass = stateClass
	}
}

func diagnostic() sensorOption {
	return func(e *serialEntity) { e.desc.Diagnostic = true }
}

func withIcon(fn func(any) string) sensorOption {
	return func(e *serialEntity) { e.icon = fn }
}

func fixedIcon(icon string) sensorOption {
	return withIcon(func(any) string { return icon })
}

func newSerialEntity(coord Coordinator, sn string, kind Kind, key, name string, value func(types.Charger, time.Time) any, opts ...sensorOption) *serialEntity {
	e := &serialEntity{
		desc:  serialDescription(coord, sn, kind, key, name),
		coord: coord,
		value: value,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// chargerSensors returns the plain sensors and binary sensors of sn.
func chargerSensors(coord Coordinator, sn string) []Entity {
	sensor := func(key, name string, value func(types.Charger, time.Time) any, opts ...sensorOption) Entity {
		return newSerialEntity(coord, sn, KindSensor, key, name, value, opts...)
	}
	binary := func(key, name string, value func(types.Charger) bool, opts ...sensorOption) Entity {
		return newSerialEntity(coord, sn, KindBinarySensor, key, name, func(ch types.Charger, _ time.Time) any {
			return value(ch)
		}, opts...)
	}

	return []Entity{
		sensor("connector_status", "Connector Status", func(ch types.Charger, _ time.Time) any {
			return deref(ch.ConnectorStatus)
		}, diagnostic(), withIcon(connectorIcon)),
		sensor("charging_amps", "Set Amps", func(ch types.Charger, _ time.Time) any {
			return chargingAmps(coord, ch)
		}, withUnit("A", "current", "measurement")),
		sensor("session_duration", "Session Duration", func(ch types.Charger, now time.Time) any {
			return SessionMinutes(ch, now)
		}, withUnit("min", "duration", "measurement")),
		sensor("last_rpt", "Last Reported", func(ch types.Charger, _ time.Time) any {
			return reportedTime(ch.LastReportedAt)
		}, withUnit("", "timestamp", ""), diagnostic()),
		sensor("charge_mode", "Charge Mode", func(ch types.Charger, _ time.Time) any {
			if ch.ChargeModePref != nil && *ch.ChargeModePref != "" {
				return *ch.ChargeModePref
			}
			if ch.ChargeMode == "" {
				return nil
			}
			return ch.ChargeMode
		}, withIcon(chargeModeIcon)),
		sensor("max_current", "Max Current", func(ch types.Charger, _ time.Time) any {
			return deref(ch.MaxCurrent)
		}, withUnit("A", "current", "measurement")),
		sensor("min_amp", "Min Amp", func(ch types.Charger, _ time.Time) any {
			return deref(ch.MinAmp)
		}, withUnit("A", "current", "measurement")),
		sensor("max_amp", "Max Amp", func(ch types.Charger, _ time.Time) any {
			return deref(ch.MaxAmp)
		}, withUnit("A", "current", "measurement")),
		sensor("phase_mode", "Phase Mode", func(ch types.Charger, _ time.Time) any {
			return phaseModeText(ch.PhaseMode)
		}, fixedIcon("mdi:transmission-tower")),
		sensor("status", "Status", func(ch types.Charger, _ time.Time) any {
			return deref(ch.Status)
		}, diagnostic()),

		binary("plugged", "Plugged In", func(ch types.Charger) bool { return ch.Plugged }),
		binary("charging", "Charging", func(ch types.Charger) bool { return ch.Charging }, withIcon(func(v any) string {
			if on, _ := v.(bool); on {
				return "mdi:flash"
			}
			return "mdi:flash-off"
		})),
		binary("faulted", "Faulted", func(ch types.Charger) bool { return ch.Faulted }, withUnit("", "problem", ""), diagnostic()),
		binary("connected", "Connected", func(ch types.Charger) bool { return ch.Connected }, withUnit("", "connectivity", ""), diagnostic()),
		binary("commissioned", "Commissioned", func(ch types.Charger) bool { return ch.Commissioned }, diagnostic()),
	}
}

// siteEntity reports coordinator level diagnostics.
type siteEntity struct {
	desc  Description
	value func(now time.Time) any
}

func (e *siteEntity) Description() Description {
	return e.desc
}

func (e *siteEntity) Update(_ types.Snapshot, now time.Time) State {
	return State{
		Description: e.desc,
		Available:   true,
		Value:       e.value(now),
		Device:      siteDevice(e.desc.SiteID),
		UpdatedAt:   now,
	}
}

// CloudReachable reports whether the last success is within twice the
// poll interval, 30s when no interval is set.
func CloudReachable(coord Coordinator, now time.Time) bool {
	last, ok := coord.LastSuccess()
	if !ok {
		return false
	}
	interval := coord.Interval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return now.Sub(last) <= 2*interval
}

func siteEntities(coord Coordinator) []Entity {
	lastUpdate := &siteEntity{
		desc: siteDescription(coord, KindSensor, "last_update", "Last Successful Update"),
		value: func(time.Time) any {
			last, ok := coord.LastSuccess()
			if !ok {
				return nil
			}
			return last.UTC().Format(time.RFC3339)
		},
	}
	lastUpdate.desc.DeviceClass = "timestamp"
	lastUpdate.desc.Diagnostic = true

	latency := &siteEntity{
		desc: siteDescription(coord, KindSensor, "latency_ms", "Cloud Latency"),
		value: func(time.Time) any {
			d, ok := coord.Latency()
			if !ok {
				return nil
			}
			return d.Milliseconds()
		},
	}
	latency.desc.Unit = "ms"
	latency.desc.StateClass = "measurement"
	latency.desc.Diagnostic = true

	reachable := &siteEntity{
		desc: siteDescription(coord, KindBinarySensor, "cloud_reachable", "Cloud Reachable"),
		value: func(now time.Time) any {
			return CloudReachable(coord, now)
		},
	}
	reachable.desc.DeviceClass = "connectivity"

	return []Entity{lastUpdate, latency, reachable}
}

// powerSensor estimates charging power from the lifetime counter.
type powerSensor struct {
	serialEntity
	est *PowerEstimator
}

func newPowerSensor(coord Coordinator, sn string) *powerSensor {
	s := &powerSensor{est: NewPowerEstimator(coord.Calibration())}
	s.serialEntity = *newSerialEntity(coord, sn, KindSensor, "power", "Power", nil, withUnit("W", "power", "measurement"))
	return s
}

func (s *powerSensor) Update(snap types.Snapshot, now time.Time) State {
	st, ch, ok := s.base(snap, now)
	if !ok {
		return st
	}
	st.Value = s.est.Sample(ch.LifetimeKWh, ch.LastReportedAt, ch.Charging, now)
	st.Attributes = s.est.Attributes(ch.Charging, ch.OperatingVolts)
	return st
}

func (s *powerSensor) Save() ([]byte, error) {
	return json.Marshal(s.est.State())
}

func (s *powerSensor) Restore(data []byte, _ time.Time) error {
	var ps types.PowerState
	if err := json.Unmarshal(data, &ps); err != nil {
		return fmt.Errorf("failed to decode power state: %w", err)
	}
	s.est.Restore(ps)
	return nil
}

// energyTodaySensor reports today's energy from the lifetime counter.
type energyTodaySensor struct {
	serialEntity
	daily *DailyEnergy
}

func newEnergyTodaySensor(coord Coordinator, sn string, loc *time.Location) *energyTodaySensor {
	s := &energyTodaySensor{daily: NewDailyEnergy(coord.Calibration(), loc)}
	s.serialEntity = *newSerialEntity(coord, sn, KindSensor, "energy_today", "Energy Today", nil, withUnit("kWh", "energy", "total"))
	return s
}

func (s *energyTodaySensor) Update(snap types.Snapshot, now time.Time) State {
	st, ch, ok := s.base(snap, now)
	if !ok {
		return st
	}
	st.Value = deref(s.daily.Sample(ch.LifetimeKWh, now))
	st.Attributes = s.daily.Attributes()
	return st
}

func (s *energyTodaySensor) Save() ([]byte, error) {
	return json.Marshal(s.daily.State())
}

func (s *energyTodaySensor) Restore(data []byte, now time.Time) error {
	var es types.EnergyTodayState
	if err := json.Unmarshal(data, &es); err != nil {
		return fmt.Errorf("failed to decode energy state: %w", err)
	}
	s.daily.Restore(es, now)
	return nil
}

// lifetimeSensor publishes the filtered lifetime counter.
type lifetimeSensor struct {
	serialEntity
	filter *LifetimeFilter
}

func newLifetimeSensor(coord Coordinator, sn string) *lifetimeSensor {
	s := &lifetimeSensor{filter: NewLifetimeFilter(coord.Calibration())}
	s.serialEntity = *newSerialEntity(coord, sn, KindSensor, "lifetime_kwh", "Lifetime Energy", nil, withUnit("kWh", "energy", "total_increasing"))
	return s
}

func (s *lifetimeSensor) Update(snap types.Snapshot, now time.Time) State {
	st, ch, ok := s.base(snap, now)
	if !ok {
		return st
	}
	st.Value = deref(s.filter.Sample(ch.LifetimeKWh))
	return st
}

func (s *lifetimeSensor) Save() ([]byte, error) {
	return json.Marshal(s.filter.State())
}

func (s *lifetimeSensor) Restore(data []byte, _ time.Time) error {
	var ls types.LifetimeState
	if err := json.Unmarshal(data, &ls); err != nil {
		return fmt.Errorf("failed to decode lifetime state: %w", err)
	}
	s.filter.Restore(ls)
	return nil
}
