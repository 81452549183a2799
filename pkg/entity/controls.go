package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/enlightenev/enlightenev/pkg/coordinator"
	"github.com/enlightenev/enlightenev/pkg/types"
)

// chargingSwitch starts and stops charging.
type chargingSwitch struct {
	serialEntity
}

func (s *chargingSwitch) Invoke(ctx context.Context, action string, _ json.RawMessage) error {
	sn := s.desc.Serial
	switch action {
	case ActionTurnOn:
		_, err := s.coord.StartCharging(ctx, sn, coordinator.StartOptions{})
		return err
	case ActionTurnOff:
		_, err := s.coord.StopCharging(ctx, sn)
		return err
	}
	return fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, action, s.desc.UniqueID)
}

// ampsNumber applies a charging level by starting a session with it.
type ampsNumber struct {
	serialEntity
}

func (n *ampsNumber) Update(snap types.Snapshot, now time.Time) State {
	st := n.serialEntity.Update(snap, now)
	st.Min = fptr(coordinator.MinChargingAmps)
	st.Max = fptr(coordinator.MaxChargingAmps)
	st.Step = fptr(1)
	return st
}

func (n *ampsNumber) Invoke(ctx context.Context, action string, value json.RawMessage) error {
	if action != ActionSetValue {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, action, n.desc.UniqueID)
	}
	var v float64
	if err := json.Unmarshal(value, &v); err != nil {
		return fmt.Errorf("%w: value must be a number", coordinator.ErrInvalidArgument)
	}
	amps := int(math.Trunc(v))
	_, err := n.coord.StartCharging(ctx, n.desc.Serial, coordinator.StartOptions{ChargingLevel: &amps})
	return err
}

// chargeModeSelect picks the scheduler charge mode.
type chargeModeSelect struct {
	serialEntity
}

func (s *chargeModeSelect) Update(snap types.Snapshot, now time.Time) State {
	st := s.serialEntity.Update(snap, now)
	st.Options = append([]string(nil), types.SelectableChargeModes...)
	return st
}

func (s *chargeModeSelect) Invoke(ctx context.Context, action string, value json.RawMessage) error {
	if action != ActionSelectOption {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, action, s.desc.UniqueID)
	}
	var mode string
	if err := json.Unmarshal(value, &mode); err != nil {
		return fmt.Errorf("%w: option must be a string", coordinator.ErrInvalidArgument)
	}
	_, err := s.coord.SetChargeMode(ctx, s.desc.Serial, mode)
	return err
}

// button runs press when pressed.
type button struct {
	serialEntity
	press func(ctx context.Context) error
}

func (b *button) Invoke(ctx context.Context, action string, _ json.RawMessage) error {
	if action != ActionPress {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, action, b.desc.UniqueID)
	}
	return b.press(ctx)
}

func noValue(types.Charger, time.Time) any {
	return nil
}

// chargerControls returns the switch, number, select and buttons of sn.
func chargerControls(coord Coordinator, sn string) []Entity {
	sw := &chargingSwitch{*newSerialEntity(coord, sn, KindSwitch, "charging_switch", "Charging", func(ch types.Charger, _ time.Time) any {
		return ch.Charging
	})}
	amps := &ampsNumber{*newSerialEntity(coord, sn, KindNumber, "amps", "Charging Amps", func(ch types.Charger, _ time.Time) any {
		return chargingAmps(coord, ch)
	}, withUnit("A", "current", ""))}
	mode := &chargeModeSelect{*newSerialEntity(coord, sn, KindSelect, "charge_mode_select", "Charge Mode", func(ch types.Charger, _ time.Time) any {
		if ch.ChargeMode == "" {
			return nil
		}
		return ch.ChargeMode
	})}

	level := coordinator.DefaultChargingAmps
	start := &button{
		serialEntity: *newSerialEntity(coord, sn, KindButton, "start_charging", "Start Charging", noValue),
		press: func(ctx context.Context) error {
			_, err := coord.StartCharging(ctx, sn, coordinator.StartOptions{ChargingLevel: &level})
			return err
		},
	}
	stop := &button{
		serialEntity: *newSerialEntity(coord, sn, KindButton, "stop_charging", "Stop Charging", noValue),
		press: func(ctx context.Context) error {
			_, err := coord.StopCharging(ctx, sn)
			return err
		},
	}
	return []Entity{sw, amps, mode, start, stop}
}
