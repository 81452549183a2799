package entity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/enlightenev/enlightenev/pkg/coordinator"
	"github.com/enlightenev/enlightenev/pkg/enlighten"
	"github.com/enlightenev/enlightenev/pkg/types"
)

var (
	ErrUnknownEntity     = errors.New("unknown entity")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrUnavailable       = errors.New("entity unavailable")
)

// Kind is the platform an entity belongs to.
type Kind string

const (
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
	KindSwitch       Kind = "switch"
	KindNumber       Kind = "number"
	KindSelect       Kind = "select"
	KindButton       Kind = "button"
)

// Actions accepted by Invoke.
const (
	ActionTurnOn       = "turn_on"
	ActionTurnOff      = "turn_off"
	ActionSetValue     = "set_value"
	ActionSelectOption = "select_option"
	ActionPress        = "press"
)

// Description is the static part of an entity.
type Description struct {
	UniqueID    string `json:"uniqueID"`
	Kind        Kind   `json:"kind"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	EntryID     string `json:"entryID"`
	SiteID      string `json:"siteID"`
	Serial      string `json:"serial,omitempty"`
	Unit        string `json:"unit,omitempty"`
	DeviceClass string `json:"deviceClass,omitempty"`
	StateClass  string `json:"stateClass,omitempty"`
	Diagnostic  bool   `json:"diagnostic,omitempty"`
}

// State is an entity's computed state after a poll.
type State struct {
	Description
	Available  bool           `json:"available"`
	Value      any            `json:"value"`
	Icon       string         `json:"icon,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Options    []string       `json:"options,omitempty"`
	Min        *float64       `json:"min,omitempty"`
	Max        *float64       `json:"max,omitempty"`
	Step       *float64       `json:"step,omitempty"`
	Device     *Device        `json:"device,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Device describes the charger or site an entity belongs to.
type Device struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model,omitempty"`
	ModelID      string `json:"modelID,omitempty"`
	HWVersion    string `json:"hwVersion,omitempty"`
	SWVersion    string `json:"swVersion,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	ViaDevice    string `json:"viaDevice,omitempty"`
}

// Coordinator is what entities read from and act through.
type Coordinator interface {
	EntryID() string
	SiteID() string
	Serials() []string
	Snapshot() (types.Snapshot, bool)
	LastSetAmps(sn string) (int, bool)
	LastSuccess() (time.Time, bool)
	Latency() (time.Duration, bool)
	Interval() time.Duration
	Calibration() types.Calibration

	StartCharging(ctx context.Context, sn string, opts coordinator.StartOptions) (enlighten.ActionResult, error)
	StopCharging(ctx context.Context, sn string) (enlighten.ActionResult, error)
	SetChargeMode(ctx context.Context, sn, mode string) (enlighten.ActionResult, error)
}

var _ Coordinator = (*coordinator.Coordinator)(nil)

// Entity computes its state from the coordinator's latest snapshot.
type Entity interface {
	Description() Description
	Update(snap types.Snapshot, now time.Time) State
}

// Restorer is an entity whose state survives restarts.
type Restorer interface {
	Entity
	Restore(data []byte, now time.Time) error
	Save() ([]byte, error)
}

// Actor is an entity that accepts commands.
type Actor interface {
	Entity
	Invoke(ctx context.Context, action string, value json.RawMessage) error
}

// SerialUniqueID returns the unique ID of a per-charger entity.
func SerialUniqueID(sn, key string) string {
	return types.Domain + "_" + sn + "_" + key
}

// SiteUniqueID returns the unique ID of a site entity.
func SiteUniqueID(siteID, key string) string {
	return types.Domain + "_site_" + siteID + "_" + key
}

func siteDeviceID(siteID string) string {
	return "site:" + siteID
}

func chargerDevice(siteID string, ch types.Charger) *Device {
	d := &Device{
		ID:           ch.Serial,
		Name:         "Enphase EV Charger",
		Manufacturer: "Enphase",
		SerialNumber: ch.Serial,
		ViaDevice:    siteDeviceID(siteID),
	}
	if ch.DisplayName != nil && *ch.DisplayName != "" {
		d.Name = *ch.DisplayName
	} else if ch.Name != nil && *ch.Name != "" {
		d.Name = *ch.Name
	}
	if ch.ModelName != nil {
		d.Model = *ch.ModelName
	}
	if ch.ModelID != nil {
		d.ModelID = *ch.ModelID
	}
	if ch.HWVersion != nil {
		d.HWVersion = *ch.HWVersion
	}
	if ch.SWVersion != nil {
		d.SWVersion = *ch.SWVersion
	}
	return d
}

func siteDevice(siteID string) *Device {
	return &Device{
		ID:           siteDeviceID(siteID),
		Name:         "Enphase Site " + siteID,
		Manufacturer: "Enphase",
		Model:        "Enlighten Cloud",
	}
}
