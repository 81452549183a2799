package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enlightenev/enlightenev/pkg/enlighten"
	"github.com/enlightenev/enlightenev/pkg/types"
)

func intP(i int) *int { return &i }

func TestStartCharging(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		tc := newTestCoordinator(t, testEntry())
		res, err := tc.StartCharging(ctx, "EV1", StartOptions{})
		require.NoError(t, err)
		assert.Equal(t, "accepted", res.Status())
		require.Len(t, tc.client.starts, 1)
		assert.Equal(t, startCall{"EV1", DefaultChargingAmps, 1}, tc.client.starts[0])

		amps, ok := tc.LastSetAmps("EV1")
		assert.True(t, ok)
		assert.Equal(t, DefaultChargingAmps, amps)

		_, err = tc.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, tc.Interval(), "fast polling after start")
	})

	t.Run("last requested level", func(t *testing.T) {
		tc := newTestCoordinator(t, testEntry())
		tc.SetLastSetAmps("EV1", 16)
		_, err := tc.StartCharging(ctx, "EV1", StartOptions{ConnectorID: intP(2)})
		require.NoError(t, err)
		assert.Equal(t, startCall{"EV1", 16, 2}, tc.client.starts[0])
	})

	t.Run("level seeded from status", func(t *testing.T) {
		tc := newTestCoordinator(t, testEntry())
		tc.client.queue(statusJSON(t, `{"evChargerData":[{"sn":"EV1","chargingLevel":20}]}`), nil)
		_, err := tc.Refresh(ctx)
		require.NoError(t, err)
		_, err = tc.StartCharging(ctx, "EV1", StartOptions{})
		require.NoError(t, err)
		assert.Equal(t, 20, tc.client.starts[0].level)
	})

	t.Run("explicit level", func(t *testing.T) {
		tc := newTestCoordinator(t, testEntry())
		_, err := tc.StartCharging(ctx, "EV1", StartOptions{ChargingLevel: intP(40)})
		require.NoError(t, err)
		assert.Equal(t, 40, tc.client.starts[0].level)
	})

	t.Run("validation", func(t *testing.T) {
		tc := newTestCoordinator(t, testEntry())
		_, err := tc.StartCharging(ctx, "EV1", StartOptions{ChargingLevel: intP(5)})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = tc.StartCharging(ctx, "EV1", StartOptions{ChargingLevel: intP(41)})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = tc.StartCharging(ctx, "EV1", StartOptions{ConnectorID: intP(3)})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Empty(t, tc.client.starts)
		_, ok := tc.LastSetAmps("EV1")
		assert.False(t, ok)
	})

	t.Run("unauthorized", func(t *testing.T) {
		tc := newTestCoordinator(t, testEntry())
		tc.client.actionErr = enlighten.ErrUnauthorized
		_, err := tc.StartCharging(ctx, "EV1", StartOptions{})
		assert.ErrorIs(t, err, ErrAuthFailed)
		_, ok := tc.LastSetAmps("EV1")
		assert.False(t, ok)
	})

	t.Run("cloud error", func(t *testing.T) {
		tc := newTestCoordinator(t, testEntry())
		tc.client.actionErr = &enlighten.HTTPError{StatusCode: 500}
		_, err := tc.StartCharging(ctx, "EV1", StartOptions{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrAuthFailed)
		assert.Equal(t, 500, enlighten.StatusCode(err))
	})
}

func TestStopCharging(t *testing.T) {
	ctx := context.Background()
	tc := newTestCoordinator(t, testEntry())
	res, err := tc.StopCharging(ctx, "EV1")
	require.NoError(t, err)
	assert.Equal(t, enlighten.StatusNotActive, res.Status())
	assert.Equal(t, []string{"EV1"}, tc.client.stops)

	_, err = tc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, tc.Interval())

	tc.clock.Advance(61 * time.Second)
	_, err = tc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, tc.Interval())
}

func TestTriggerMessage(t *testing.T) {
	ctx := context.Background()
	tc := newTestCoordinator(t, testEntry())
	_, err := tc.TriggerMessage(ctx, "EV1", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = tc.TriggerMessage(ctx, "EV1", "MeterValues")
	require.NoError(t, err)
	assert.Equal(t, []string{"EV1:MeterValues"}, tc.client.triggers)
}

func TestSetChargeMode(t *testing.T) {
	ctx := context.Background()
	tc := newTestCoordinator(t, testEntry())

	_, err := tc.SetChargeMode(ctx, "EV1", "TURBO")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = tc.SetChargeMode(ctx, "EV1", types.ChargeModeIdle)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, tc.client.setModes)

	_, err = tc.SetChargeMode(ctx, "EV1", types.ChargeModeScheduled)
	require.NoError(t, err)
	assert.Equal(t, []string{"EV1=SCHEDULED_CHARGING"}, tc.client.setModes)

	tc.client.queue(statusJSON(t, `{"evChargerData":[{"sn":"EV1"}]}`), nil)
	snap, err := tc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ChargeModeScheduled, snap.Chargers["EV1"].ChargeMode)
	assert.Zero(t, tc.client.modeCalls["EV1"], "cached mode is used without a lookup")
}
