package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/enlightenev/enlightenev/pkg/coordinator"
	"github.com/enlightenev/enlightenev/pkg/types"
)

// Coordinator is the read side of a coordinator.
type Coordinator interface {
	Snapshot() (types.Snapshot, bool)
	Health() coordinator.Health
}

// Collector implements prometheus.Collector over the latest snapshot and
// health of every coordinator.
type Collector struct {
	list func() []Coordinator

	charging       *prometheus.Desc
	plugged        *prometheus.Desc
	connected      *prometheus.Desc
	faulted        *prometheus.Desc
	chargingLevel  *prometheus.Desc
	lifetimeEnergy *prometheus.Desc
	sessionEnergy  *prometheus.Desc
	operatingVolts *prometheus.Desc

	lastSuccess  *prometheus.Desc
	latency      *prometheus.Desc
	backoff      *prometheus.Desc
	pollInterval *prometheus.Desc
	issues       *prometheus.Desc
}

// NewCollector reports on every coordinator in m.
func NewCollector(m *coordinator.Map) *Collector {
	return newCollector(func() []Coordinator {
		all := m.All()
		out := make([]Coordinator, len(all))
		for i, c := range all {
			out[i] = c
		}
		return out
	})
}

func newCollector(list func() []Coordinator) *Collector {
	chargerLabels := []string{"entry_id", "site_id", "serial"}
	entryLabels := []string{"entry_id", "site_id"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc("enlightenev_"+name, help, labels, nil)
	}
	return &Collector{
		list: list,

		charging:       desc("charger_charging", "Whether the charger is charging", chargerLabels),
		plugged:        desc("charger_plugged", "Whether a vehicle is plugged in", chargerLabels),
		connected:      desc("charger_connected", "Whether the charger is connected to the cloud", chargerLabels),
		faulted:        desc("charger_faulted", "Whether the charger reports a fault", chargerLabels),
		chargingLevel:  desc("charger_charging_level_amps", "Charging level in amps", chargerLabels),
		lifetimeEnergy: desc("charger_lifetime_energy_kwh", "Lifetime energy delivered in kWh", chargerLabels),
		sessionEnergy:  desc("charger_session_energy_kwh", "Energy delivered in the current session in kWh", chargerLabels),
		operatingVolts: desc("charger_operating_voltage_volts", "Operating voltage reported by the site summary", chargerLabels),

		lastSuccess:  desc("last_success_timestamp_seconds", "Unix time of the last successful poll", entryLabels),
		latency:      desc("status_latency_seconds", "Latency of the last status call", entryLabels),
		backoff:      desc("backoff_active", "Whether polling is backing off", entryLabels),
		pollInterval: desc("poll_interval_seconds", "Current poll interval", entryLabels),
		issues:       desc("issues_active", "Number of open issues", entryLabels),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.charging
	ch <- c.plugged
	ch <- c.connected
	ch <- c.faulted
	ch <- c.chargingLevel
	ch <- c.lifetimeEnergy
	ch <- c.sessionEnergy
	ch <- c.operatingVolts
	ch <- c.lastSuccess
	ch <- c.latency
	ch <- c.backoff
	ch <- c.pollInterval
	ch <- c.issues
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, coord := range c.list() {
		h := coord.Health()
		labels := []string{h.EntryID, h.SiteID}

		if h.LastSuccess != nil {
			ch <- prometheus.MustNewConstMetric(c.lastSuccess, prometheus.GaugeValue, float64(h.LastSuccess.Unix()), labels...)
		}
		if h.LatencyMS != nil {
			ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, float64(*h.LatencyMS)/1000, labels...)
		}
		ch <- prometheus.MustNewConstMetric(c.backoff, prometheus.GaugeValue, boolValue(h.BackoffActive), labels...)
		ch <- prometheus.MustNewConstMetric(c.pollInterval, prometheus.GaugeValue, float64(h.IntervalSeconds), labels...)
		ch <- prometheus.MustNewConstMetric(c.issues, prometheus.GaugeValue, float64(len(h.Issues)), labels...)

		snap, ok := coord.Snapshot()
		if !ok {
			continue
		}
		for sn, charger := range snap.Chargers {
			c.collectCharger(ch, []string{h.EntryID, h.SiteID, sn}, charger)
		}
	}
}

func (c *Collector) collectCharger(ch chan<- prometheus.Metric, labels []string, charger types.Charger) {
	ch <- prometheus.MustNewConstMetric(c.charging, prometheus.GaugeValue, boolValue(charger.Charging), labels...)
	ch <- prometheus.MustNewConstMetric(c.plugged, prometheus.GaugeValue, boolValue(charger.Plugged), labels...)
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, boolValue(charger.Connected), labels...)
	ch <- prometheus.MustNewConstMetric(c.faulted, prometheus.GaugeValue, boolValue(charger.Faulted), labels...)

	// only what the cloud reported
	if charger.ChargingLevel != nil {
		ch <- prometheus.MustNewConstMetric(c.chargingLevel, prometheus.GaugeValue, float64(*charger.ChargingLevel), labels...)
	}
	if charger.LifetimeKWh != nil {
		ch <- prometheus.MustNewConstMetric(c.lifetimeEnergy, prometheus.GaugeValue, *charger.LifetimeKWh, labels...)
	}
	if charger.SessionKWh != nil {
		ch <- prometheus.MustNewConstMetric(c.sessionEnergy, prometheus.GaugeValue, *charger.SessionKWh, labels...)
	}
	if charger.OperatingVolts != nil {
		ch <- prometheus.MustNewConstMetric(c.operatingVolts, prometheus.GaugeValue, float64(*charger.OperatingVolts), labels...)
	}
}
