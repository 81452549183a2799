package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/enlightenev/enlightenev/pkg/coordinator"
	"github.com/enlightenev/enlightenev/pkg/enlighten"
	"github.com/enlightenev/enlightenev/pkg/types"
)

func TestServices(t *testing.T) {
	ts := newTestServer(t)

	t.Run("start charging defaults", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/services/start_charging", `{"serial": "EV1"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode[serviceResponse](t, w)
		assert.Equal(t, "entry-1", resp.EntryID)
		assert.Equal(t, "accepted", resp.Result.Status())
		assert.Contains(t, ts.client.Calls(), "start EV1 32 1")
	})

	t.Run("start charging explicit", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/services/start_charging", `{"serial": "EV2", "charging_level": 20, "connector_id": 2}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, ts.client.Calls(), "start EV2 20 2")
	})

	t.Run("stop charging", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/services/stop_charging", `{"serial": "EV1"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, ts.client.Calls(), "stop EV1")
	})

	t.Run("trigger message", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/services/trigger_message", `{"serial": "EV1", "requested_message": "MeterValues"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, ts.client.Calls(), "trigger EV1 MeterValues")

		w = ts.do(t, http.MethodPost, "/api/services/trigger_message", `{"serial": "EV1"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("set charge mode", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/services/set_charge_mode", `{"serial": "EV1", "mode": "SCHEDULED_CHARGING"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, ts.client.Calls(), "mode EV1 "+types.ChargeModeScheduled)

		w = ts.do(t, http.MethodPost, "/api/services/set_charge_mode", `{"serial": "EV1", "mode": "IDLE"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("live stream uses sole entry", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/services/start_live_stream", `{}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.True(t, ts.coord.Streaming())

		w = ts.do(t, http.MethodPost, "/api/services/stop_live_stream", `{"entryID": "entry-1"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, ts.coord.Streaming())
	})

	t.Run("resolution errors", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/services/stop_charging", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = ts.do(t, http.MethodPost, "/api/services/stop_charging", `{"serial": "EV9"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = ts.do(t, http.MethodPost, "/api/services/stop_charging", `{"serial": "EV1", "entryID": "nope"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = ts.do(t, http.MethodPost, "/api/services/fly", `{"serial": "EV1"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = ts.do(t, http.MethodPost, "/api/services/stop_charging", `not json`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("cloud errors", func(t *testing.T) {
		ts.client.mu.Lock()
		ts.client.actionErr = enlighten.ErrUnauthorized
		ts.client.mu.Unlock()
		defer func() {
			ts.client.mu.Lock()
			ts.client.actionErr = nil
			ts.client.mu.Unlock()
		}()

		w := ts.do(t, http.MethodPost, "/api/services/stop_charging", `{"serial": "EV1"}`)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestServiceResolveMultipleEntries(t *testing.T) {
	ts := newTestServer(t)
	second := coordinator.New(coordinator.Config{
		Entry: types.Entry{
			ID:      "entry-2",
			SiteID:  "42",
			Serials: []string{"EV3"},
			Options: types.DefaultOptions(),
		},
		Client:      &fakeClient{},
		Store:       ts.store,
		Now:         func() time.Time { return testNow },
		ActionLimit: rate.Inf,
	})
	ts.coordinators.Set(second)

	w := ts.do(t, http.MethodPost, "/api/services/start_live_stream", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/services/start_live_stream", `{"serial": "EV3"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "entry-2", decode[serviceResponse](t, w).EntryID)
	assert.True(t, second.Streaming())
	assert.False(t, ts.coord.Streaming())
}

func TestClearReauthIssue(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	w := ts.do(t, http.MethodPost, "/api/services/clear_reauth_issue", `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[serviceResponse](t, w).Cleared)

	// two rejected polls raise the issue
	unauth := &unauthorizedClient{fakeClient: ts.client}
	c := coordinator.New(coordinator.Config{
		Entry:       types.Entry{ID: "entry-3", SiteID: "7", Options: types.DefaultOptions()},
		Client:      unauth,
		Store:       ts.store,
		Now:         func() time.Time { return testNow },
		ActionLimit: rate.Inf,
	})
	ts.coordinators.Set(c)
	for range 2 {
		_, err := c.Refresh(ctx)
		require.Error(t, err)
	}
	require.Len(t, c.Issues(), 1)

	w = ts.do(t, http.MethodPost, "/api/services/clear_reauth_issue", `{"entryID": "entry-3"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[serviceResponse](t, w)
	assert.Equal(t, 1, resp.Cleared)
	assert.Equal(t, "entry-3", resp.EntryID)
	assert.Empty(t, c.Issues())
}

type unauthorizedClient struct {
	*fakeClient
}

func (c *unauthorizedClient) Status(ctx context.Context) (enlighten.StatusResponse, error) {
	return enlighten.StatusResponse{}, enlighten.ErrUnauthorized
}
