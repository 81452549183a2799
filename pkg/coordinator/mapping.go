package coordinator

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/enlightenev/enlightenev/pkg/enlighten"
	"github.com/enlightenev/enlightenev/pkg/types"
)

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func strPtr(v enlighten.Value) *string {
	return v.StringPtr()
}

func floatPtr(v enlighten.Value) *float64 {
	f, ok := v.Float()
	if !ok {
		return nil
	}
	return &f
}

func intPtr(v enlighten.Value) *int {
	i, ok := v.Int()
	if !ok {
		return nil
	}
	n := int(i)
	return &n
}

func secondsPtr(v enlighten.Value) *int64 {
	s, ok := v.Seconds()
	if !ok {
		return nil
	}
	return &s
}

// formatReportedAt renders the response level timestamp as RFC 3339 UTC. It
// accepts ISO strings ending in Z or Z[UTC], digit strings and numbers, in
// seconds or milliseconds.
func formatReportedAt(ts enlighten.Value) *string {
	var t time.Time
	if s, ok := ts.Raw().(string); ok {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasSuffix(s, "Z[UTC]") || strings.HasSuffix(s, "Z"):
			s = strings.TrimSuffix(strings.TrimSuffix(s, "[UTC]"), "Z")
			parsed, err := time.Parse("2006-01-02T15:04:05.999999999", s)
			if err != nil {
				return nil
			}
			t = parsed
		case isDigits(s):
			secs, ok := ts.Seconds()
			if !ok {
				return nil
			}
			t = time.Unix(secs, 0)
		default:
			return nil
		}
	} else if _, ok := ts.Float(); ok {
		secs, ok := ts.Seconds()
		if !ok {
			return nil
		}
		t = time.Unix(secs, 0)
	} else {
		return nil
	}
	out := t.UTC().Format(time.RFC3339)
	return &out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// mapChargerLocked normalizes one status object. pref is the scheduler
// mode, "" when unknown. c.mu must be held.
func (c *Coordinator) mapChargerLocked(sn string, obj, ts enlighten.Value, pref string) types.Charger {
	conn0 := obj.Get("connectors").First()
	sch := obj.Get("sch_d")
	schInfo0 := sch.Get("info").First()
	sess := obj.Get("session_d")

	var level *int
	if v := enlighten.FirstTruthy(obj.Get("chargingLevel"), obj.Get("charging_level")); v.Truthy() {
		level = intPtr(v)
	}
	if level == nil {
		if amps, ok := c.lastSetAmps[sn]; ok {
			level = &amps
		}
	} else if _, ok := c.lastSetAmps[sn]; !ok {
		// seed so controls start at the charger's current setpoint
		c.lastSetAmps[sn] = *level
	}

	var lastRpt *string
	if v := enlighten.FirstTruthy(obj.Get("lst_rpt_at"), obj.Get("lastReportedAt"), obj.Get("last_reported_at")); v.Truthy() {
		lastRpt = v.StringPtr()
	} else if !ts.IsNull() {
		lastRpt = formatReportedAt(ts)
	}

	commissioned := obj.Get("commissioned")
	if commissioned.IsNull() {
		commissioned = enlighten.FirstTruthy(obj.Get("isCommissioned"), conn0.Get("commissioned"))
	}

	charging := obj.Get("charging").Bool()

	mode := pref
	if mode == "" {
		if v := enlighten.FirstTruthy(obj.Get("chargeMode"), obj.Get("chargingMode"), sch.Get("mode")); v.Truthy() {
			mode, _ = v.Text()
		}
	}
	if mode == "" {
		schedType := enlighten.FirstTruthy(schInfo0.Get("type"), sch.Get("status"))
		switch {
		case charging:
			mode = types.ChargeModeImmediate
		case schedType.Truthy():
			t, _ := schedType.Text()
			mode = strings.ToUpper(t)
		default:
			mode = types.ChargeModeIdle
		}
	}

	if prev, ok := c.lastCharging[sn]; ok && prev && !charging {
		// freeze the end so elapsed time stops growing
		end := c.now().Unix()
		if _, isNum := ts.Raw().(float64); isNum || isDigits(textOf(ts)) {
			if secs, ok := ts.Seconds(); ok {
				end = secs
			}
		}
		c.sessionEndFix[sn] = end
	} else if charging {
		delete(c.sessionEndFix, sn)
	}
	c.lastCharging[sn] = charging

	var sessionEnd *int64
	if !charging {
		if end, ok := c.sessionEndFix[sn]; ok {
			sessionEnd = &end
		} else {
			sessionEnd = secondsPtr(sess.Get("plg_out_at"))
		}
	}

	sessionKWh := floatPtr(sess.Get("e_c"))
	if sessionKWh != nil && *sessionKWh > c.cal.WhThreshold {
		kwh := round(*sessionKWh/1000, 2)
		sessionKWh = &kwh
	}

	rec := types.Charger{
		Serial:           sn,
		Name:             strPtr(obj.Get("name")),
		DisplayName:      strPtr(enlighten.FirstTruthy(obj.Get("displayName"), obj.Get("name"))),
		Connected:        obj.Get("connected").Bool(),
		Plugged:          obj.Get("pluggedIn").Bool(),
		Charging:         charging,
		Faulted:          obj.Get("faulted").Bool(),
		Commissioned:     commissioned.Bool(),
		ConnectorStatus:  strPtr(enlighten.FirstTruthy(obj.Get("connectorStatusType"), conn0.Get("connectorStatusType"))),
		ConnectorReason:  strPtr(conn0.Get("connectorStatusReason")),
		SessionKWh:       sessionKWh,
		SessionMiles:     floatPtr(sess.Get("miles")),
		SessionStart:     secondsPtr(sess.Get("start_time")),
		SessionEnd:       sessionEnd,
		SessionPlugInAt:  secondsPtr(sess.Get("plg_in_at")),
		SessionPlugOutAt: secondsPtr(sess.Get("plg_out_at")),
		LastReportedAt:   lastRpt,
		ScheduleStatus:   strPtr(sch.Get("status")),
		ScheduleType:     strPtr(enlighten.FirstTruthy(schInfo0.Get("type"), sch.Get("status"))),
		ScheduleStart:    strPtr(schInfo0.Get("startTime")),
		ScheduleEnd:      strPtr(schInfo0.Get("endTime")),
		ChargeMode:       mode,
		ChargingLevel:    level,
	}
	if pref != "" {
		rec.ChargeModePref = &pref
	}
	if v, ok := c.operatingV[sn]; ok {
		rec.OperatingVolts = &v
	}
	return rec
}

func textOf(v enlighten.Value) string {
	s, _ := v.Raw().(string)
	return strings.TrimSpace(s)
}

type metadataKey struct {
	src string
	dst func(*types.Charger) **string
}

// earlier sources win; a field is only filled when still nil
var metadataKeys = []metadataKey{
	{"firmwareVersion", func(c *types.Charger) **string { return &c.SWVersion }},
	{"systemVersion", func(c *types.Charger) **string { return &c.SWVersion }},
	{"applicationVersion", func(c *types.Charger) **string { return &c.SWVersion }},
	{"softwareVersion", func(c *types.Charger) **string { return &c.SWVersion }},
	{"processorBoardVersion", func(c *types.Charger) **string { return &c.HWVersion }},
	{"powerBoardVersion", func(c *types.Charger) **string { return &c.HWVersion }},
	{"hwVersion", func(c *types.Charger) **string { return &c.HWVersion }},
	{"hardwareVersion", func(c *types.Charger) **string { return &c.HWVersion }},
	{"modelId", func(c *types.Charger) **string { return &c.ModelID }},
	{"sku", func(c *types.Charger) **string { return &c.ModelID }},
	{"model", func(c *types.Charger) **string { return &c.ModelName }},
	{"modelName", func(c *types.Charger) **string { return &c.ModelName }},
	{"partNumber", func(c *types.Charger) **string { return &c.PartNumber }},
	{"kernelVersion", func(c *types.Charger) **string { return &c.KernelVersion }},
	{"bootloaderVersion", func(c *types.Charger) **string { return &c.BootloaderVersion }},
}

// enrichLocked merges summary items into chargers. c.mu must be held.
func (c *Coordinator) enrichLocked(chargers map[string]types.Charger, summary []enlighten.Value) {
	for _, item := range summary {
		sn, _ := item.Get("serialNumber").Text()
		if sn == "" || !c.Allows(sn) {
			continue
		}
		cur, ok := chargers[sn]
		if !ok {
			cur = types.Charger{Serial: sn}
		}

		cur.MaxCurrent = floatPtr(item.Get("maxCurrent"))
		cld := item.Get("chargeLevelDetails")
		cur.MinAmp = intPtr(cld.Get("min"))
		cur.MaxAmp = intPtr(cld.Get("max"))
		cur.PhaseMode = strPtr(item.Get("phaseMode"))
		cur.Status = strPtr(item.Get("status"))
		if conn, ok := item.Get("activeConnection").Text(); ok && strings.TrimSpace(conn) != "" {
			conn = strings.TrimSpace(conn)
			cur.Connection = &conn
		}
		if ip := parseIPAddress(item.Get("networkConfig")); ip != "" {
			cur.IPAddress = &ip
		}
		if ri := intPtr(item.Get("reportingInterval")); ri != nil {
			cur.ReportingInterval = ri
		}
		if dlb := item.Get("dlbEnabled"); !dlb.IsNull() {
			b := dlb.Bool()
			cur.DLBEnabled = &b
		}
		if cs := item.Get("commissioningStatus"); !cs.IsNull() {
			cur.Commissioned = cs.Truthy()
		}
		if lr := item.Get("lastReportedAt"); lr.Truthy() {
			cur.LastReportedAt = lr.StringPtr()
		}
		if ov, ok := item.Get("operatingVoltage").Int(); ok {
			c.operatingV[sn] = int(ov)
		}
		if ov, ok := c.operatingV[sn]; ok {
			cur.OperatingVolts = &ov
		}
		if lt, ok := item.Get("lifeTimeConsumption").Float(); ok {
			if lt > c.cal.WhThreshold {
				lt = round(lt/1000, 3)
			}
			cur.LifetimeKWh = &lt
		}
		for _, mk := range metadataKeys {
			dst := mk.dst(&cur)
			if *dst != nil {
				continue
			}
			*dst = item.Get(mk.src).StringPtr()
		}
		if dn := item.Get("displayName"); dn.Truthy() {
			cur.DisplayName = dn.StringPtr()
		}

		chargers[sn] = cur
	}
}

func connectionActive(v string) bool {
	switch v {
	case "1", "true", "True":
		return true
	}
	return false
}

// parseIPAddress digs the charger's address out of networkConfig, which
// may be an object, a list of objects, a list of "k=v,k=v" strings, a JSON
// string or a bracketed string with one entry per line. The first entry
// with an active connection wins, else the last one with an address.
func parseIPAddress(cfg enlighten.Value) string {
	if cfg.IsObject() {
		s, _ := enlighten.FirstTruthy(cfg.Get("ipaddr"), cfg.Get("ip")).Text()
		return s
	}

	var entries []enlighten.Value
	switch {
	case cfg.IsList():
		entries = cfg.List()
	default:
		raw, ok := cfg.Raw().(string)
		if !ok {
			return ""
		}
		raw = strings.TrimSpace(raw)
		var parsed enlighten.Value
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			entries = parsed.List()
			break
		}
		body := strings.Trim(raw, "[]\n ")
		for _, line := range strings.Split(body, "\n") {
			line = strings.Trim(strings.TrimSpace(line), ",")
			if len(line) >= 2 && strings.HasPrefix(line, `"`) && strings.HasSuffix(line, `"`) {
				line = line[1 : len(line)-1]
			}
			if line != "" {
				entries = append(entries, enlighten.NewValue(line))
			}
		}
	}

	var ip string
	for _, entry := range entries {
		if entry.IsObject() {
			candidate, _ := enlighten.FirstTruthy(entry.Get("ipaddr"), entry.Get("ip")).Text()
			if candidate == "" {
				continue
			}
			ip = candidate
			if status, _ := entry.Get("connectionStatus").Text(); connectionActive(status) {
				break
			}
			continue
		}
		s, ok := entry.Raw().(string)
		if !ok {
			continue
		}
		parts := map[string]string{}
		for _, piece := range strings.Split(s, ",") {
			if k, v, ok := strings.Cut(piece, "="); ok {
				parts[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
		candidate := parts["ipaddr"]
		if candidate == "" {
			candidate = parts["ip"]
		}
		if candidate == "" {
			continue
		}
		ip = candidate
		if connectionActive(parts["connectionStatus"]) {
			break
		}
	}
	return ip
}
