package types

import (
	"fmt"
	"time"
)

// CurrentOptionsVersion is the current version of the options struct.
// Increment this value when adding new fields that require default values.
const CurrentOptionsVersion = 2

// Options are the per-entry polling and presentation options.
type Options struct {
	// ScanInterval is the base polling interval in seconds.
	ScanInterval int `json:"scanInterval"`
	// FastPollInterval is used while charging, streaming or after a user action.
	FastPollInterval int `json:"fastPollInterval"`
	// SlowPollInterval is used while idle. Zero falls back to ScanInterval.
	SlowPollInterval   int  `json:"slowPollInterval"`
	FastWhileStreaming bool `json:"fastWhileStreaming"`
	NominalVoltage     int  `json:"nominalVoltage"`
	// APITimeout bounds every vendor request, in seconds.
	APITimeout int `json:"apiTimeout"`

	EnableVPPDevice      bool `json:"enableVPPDevice"`
	EnableMonetaryDevice bool `json:"enableMonetaryDevice"`
}

// DefaultOptions returns options for a new entry.
func DefaultOptions() Options {
	o, _, _ := MigrateOptions(Options{}, 0)
	return o
}

// FastInterval returns the fast polling interval.
func (o Options) FastInterval() time.Duration {
	if o.FastPollInterval <= 0 {
		return 10 * time.Second
	}
	return time.Duration(o.FastPollInterval) * time.Second
}

// SlowInterval returns the idle polling interval.
func (o Options) SlowInterval() time.Duration {
	switch {
	case o.SlowPollInterval > 0:
		return time.Duration(o.SlowPollInterval) * time.Second
	case o.ScanInterval > 0:
		return time.Duration(o.ScanInterval) * time.Second
	default:
		return 30 * time.Second
	}
}

// Timeout returns the per-request timeout.
func (o Options) Timeout() time.Duration {
	if o.APITimeout <= 0 {
		return 15 * time.Second
	}
	return time.Duration(o.APITimeout) * time.Second
}

// MigrateOptions migrates the options to the current version.
// It returns the migrated options, a boolean indicating if changes were made, and an error if migration failed.
func MigrateOptions(o Options, currentVersion int) (Options, bool, error) {
	if currentVersion >= CurrentOptionsVersion {
		return o, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentOptionsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial defaults
			if o.ScanInterval == 0 {
				o.ScanInterval = 15
				migrated = true
			}
			if o.FastPollInterval == 0 {
				o.FastPollInterval = 10
				migrated = true
			}
			if o.APITimeout == 0 {
				o.APITimeout = 15
				migrated = true
			}
			if o.NominalVoltage == 0 {
				o.NominalVoltage = 240
				migrated = true
			}
			if !o.FastWhileStreaming {
				o.FastWhileStreaming = true
				migrated = true
			}
			if !o.EnableVPPDevice && !o.EnableMonetaryDevice {
				o.EnableVPPDevice = true
				o.EnableMonetaryDevice = true
				migrated = true
			}
		case 2:
			// version 2: slow polling split from the scan interval
			if o.SlowPollInterval == 0 {
				o.SlowPollInterval = o.ScanInterval
				migrated = true
			}
		default:
			return o, false, fmt.Errorf("unknown options version: %d", version)
		}
	}

	return o, migrated, nil
}
