package types

import "time"

const (
	// Domain prefixes every entity unique ID.
	Domain = "enphase_ev"
)

// Charge modes reported by the scheduler API or derived locally.
const (
	ChargeModeManual    = "MANUAL_CHARGING"
	ChargeModeScheduled = "SCHEDULED_CHARGING"
	ChargeModeGreen     = "GREEN_CHARGING"
	ChargeModeImmediate = "IMMEDIATE"
	ChargeModeIdle      = "IDLE"
)

// SelectableChargeModes are the modes a user may request.
var SelectableChargeModes = []string{ChargeModeManual, ChargeModeScheduled, ChargeModeGreen}

// IsSelectableChargeMode reports whether mode can be sent to the scheduler.
func IsSelectableChargeMode(mode string) bool {
	for _, m := range SelectableChargeModes {
		if m == mode {
			return true
		}
	}
	return false
}

// Charger is one serial's normalized record for a single poll cycle. Pointer
// fields are nil when the cloud did not report a usable value.
type Charger struct {
	Serial      string  `json:"sn"`
	Name        *string `json:"name"`
	DisplayName *string `json:"display_name"`

	Connected    bool `json:"connected"`
	Plugged      bool `json:"plugged"`
	Charging     bool `json:"charging"`
	Faulted      bool `json:"faulted"`
	Commissioned bool `json:"commissioned"`

	ConnectorStatus *string `json:"connector_status"`
	ConnectorReason *string `json:"connector_reason"`

	SessionKWh       *float64 `json:"session_kwh"`
	SessionMiles     *float64 `json:"session_miles"`
	SessionStart     *int64   `json:"session_start"`
	SessionEnd       *int64   `json:"session_end"`
	SessionPlugInAt  *int64   `json:"session_plug_in_at"`
	SessionPlugOutAt *int64   `json:"session_plug_out_at"`
	LastReportedAt   *string  `json:"last_reported_at"`

	ScheduleStatus *string `json:"schedule_status"`
	ScheduleType   *string `json:"schedule_type"`
	ScheduleStart  *string `json:"schedule_start"`
	ScheduleEnd    *string `json:"schedule_end"`

	ChargeMode     string  `json:"charge_mode"`
	ChargeModePref *string `json:"charge_mode_pref"`
	ChargingLevel  *int    `json:"charging_level"`
	OperatingVolts *int    `json:"operating_v"`

	MaxCurrent        *float64 `json:"max_current"`
	MinAmp            *int     `json:"min_amp"`
	MaxAmp            *int     `json:"max_amp"`
	PhaseMode         *string  `json:"phase_mode"`
	Status            *string  `json:"status"`
	Connection        *string  `json:"connection"`
	IPAddress         *string  `json:"ip_address"`
	ReportingInterval *int     `json:"reporting_interval"`
	DLBEnabled        *bool    `json:"dlb_enabled"`
	LifetimeKWh       *float64 `json:"lifetime_kwh"`

	SWVersion         *string `json:"sw_version"`
	HWVersion         *string `json:"hw_version"`
	ModelID           *string `json:"model_id"`
	ModelName         *string `json:"model_name"`
	PartNumber        *string `json:"part_number"`
	KernelVersion     *string `json:"kernel_version"`
	BootloaderVersion *string `json:"bootloader_version"`
}

// DeviceName is the user facing name of the charger.
func (c Charger) DeviceName() string {
	if c.DisplayName != nil && *c.DisplayName != "" {
		return *c.DisplayName
	}
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	return "Charger " + c.Serial
}

// Snapshot is the full per-serial state published after a successful poll.
type Snapshot struct {
	EntryID   string             `json:"entryID"`
	SiteID    string             `json:"siteID"`
	Chargers  map[string]Charger `json:"chargers"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Site is an Enlighten site reachable by an account.
type Site struct {
	ID   string `json:"siteID"`
	Name string `json:"name"`
}

// ChargerInfo identifies a charger during onboarding.
type ChargerInfo struct {
	Serial string `json:"serial"`
	Name   string `json:"name,omitempty"`
}

// IssueSeverity mirrors the severity of a user facing notice.
type IssueSeverity string

const (
	IssueSeverityWarning IssueSeverity = "warning"
	IssueSeverityError   IssueSeverity = "error"
)

const (
	IssueReauthRequired = "reauth_required"
	IssueRateLimited    = "rate_limited"
)

// Issue is a persistent notice raised by a coordinator until cleared.
type Issue struct {
	ID        string        `json:"id"`
	Severity  IssueSeverity `json:"severity"`
	EntryID   string        `json:"entryID"`
	SiteID    string        `json:"siteID"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"createdAt"`
}
