package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/enlightenev/enlightenev/pkg/coordinator"
	"github.com/enlightenev/enlightenev/pkg/enlighten"
	"github.com/enlightenev/enlightenev/pkg/entity"
	"github.com/enlightenev/enlightenev/pkg/storage"
	"github.com/enlightenev/enlightenev/pkg/types"
)

const statusFixture = `[
	{"sn": "EV1", "name": "Garage", "connected": true, "pluggedIn": true, "charging": true, "chargingLevel": 24, "connectorStatusType": "CHARGING"},
	{"sn": "EV2", "connected": true, "charging": false}
]`

type fakeClient struct {
	mu        sync.Mutex
	status    enlighten.StatusResponse
	actionErr error
	calls     []string
}

func (f *fakeClient) record(call string) (enlighten.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return nil, f.actionErr
	}
	f.calls = append(f.calls, call)
	return enlighten.ActionResult{"status": "accepted"}, nil
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) Status(ctx context.Context) (enlighten.StatusResponse, error) {
	return f.status, nil
}

func (f *fakeClient) SummaryV2(ctx context.Context) ([]enlighten.Value, error) {
	return nil, nil
}

func (f *fakeClient) ChargeMode(ctx context.Context, sn string) (string, error) {
	return "", nil
}

func (f *fakeClient) SetChargeMode(ctx context.Context, sn, mode string) (enlighten.ActionResult, error) {
	return f.record("mode " + sn + " " + mode)
}

func (f *fakeClient) StartCharging(ctx context.Context, sn string, level, connectorID int) (enlighten.ActionResult, error) {
	return f.record("start " + sn + " " + itoa(level) + " " + itoa(connectorID))
}

func (f *fakeClient) StopCharging(ctx context.Context, sn string) (enlighten.ActionResult, error) {
	return f.record("stop " + sn)
}

func (f *fakeClient) TriggerMessage(ctx context.Context, sn, message string) (enlighten.ActionResult, error) {
	return f.record("trigger " + sn + " " + message)
}

func (f *fakeClient) StartLiveStream(ctx context.Context) (enlighten.ActionResult, error) {
	return f.record("stream start")
}

func (f *fakeClient) StopLiveStream(ctx context.Context) (enlighten.ActionResult, error) {
	return f.record("stream stop")
}

func (f *fakeClient) UpdateTokens(tokens types.AuthTokens) {}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

type testServer struct {
	*Server
	store   *storage.Memory
	client  *fakeClient
	coord   *coordinator.Coordinator
	handler http.Handler
}

var testNow = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemory()
	entry := types.Entry{
		ID:             "entry-1",
		SiteID:         "3381244",
		SiteName:       "Home",
		Serials:        []string{"EV1", "EV2"},
		Email:          "owner@example.com",
		Options:        types.DefaultOptions(),
		OptionsVersion: types.CurrentOptionsVersion,
		Tokens:         types.AuthTokens{Cookie: "secret-cookie", AccessToken: "secret-token"},
	}
	require.NoError(t, store.CreateEntry(ctx, entry))

	var chargers enlighten.Value
	require.NoError(t, json.Unmarshal([]byte(statusFixture), &chargers))
	client := &fakeClient{status: enlighten.StatusResponse{Chargers: chargers.List()}}

	coord := coordinator.New(coordinator.Config{
		Entry:       entry,
		Client:      client,
		Store:       store,
		Now:         func() time.Time { return testNow },
		ActionLimit: rate.Inf,
	})
	m := coordinator.NewMap(store)
	m.Set(coord)

	reg := entity.NewRegistry(store, func() time.Time { return testNow }, time.UTC)
	require.NoError(t, reg.Setup(ctx, coord))
	m.Subscribe(reg.Listen(ctx))

	srv := New(m, reg, store)
	return &testServer{
		Server:  srv,
		store:   store,
		client:  client,
		coord:   coord,
		handler: srv.setupHandler(),
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	t.Run("headers", func(t *testing.T) {
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.Equal(t, "enlightenev", w.Header().Get("Server"))
	})
}

func TestListEntries(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/entries", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret")

	entries := decode[[]entryResponse](t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, "entry-1", entries[0].ID)
	assert.Equal(t, []string{"EV1", "EV2"}, entries[0].Serials)
	assert.True(t, entries[0].Running)
}

func TestListChargers(t *testing.T) {
	ts := newTestServer(t)

	t.Run("before first poll", func(t *testing.T) {
		out := decode[[]chargersResponse](t, ts.do(t, http.MethodGet, "/api/chargers", ""))
		require.Len(t, out, 1)
		assert.Empty(t, out[0].Chargers)
		assert.Nil(t, out[0].UpdatedAt)
	})

	_, err := ts.coord.Refresh(context.Background())
	require.NoError(t, err)

	t.Run("after poll", func(t *testing.T) {
		out := decode[[]chargersResponse](t, ts.do(t, http.MethodGet, "/api/chargers", ""))
		require.Len(t, out, 1)
		require.Len(t, out[0].Chargers, 2)
		assert.Equal(t, "EV1", out[0].Chargers[0].Serial)
		assert.True(t, out[0].Chargers[0].Charging)
		assert.Equal(t, "EV2", out[0].Chargers[1].Serial)
	})

	t.Run("filtered", func(t *testing.T) {
		out := decode[[]chargersResponse](t, ts.do(t, http.MethodGet, "/api/chargers?entryID=nope", ""))
		assert.Empty(t, out)
	})
}

func TestHealthAndIssues(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.coord.Refresh(context.Background())
	require.NoError(t, err)

	health := decode[[]coordinator.Health](t, ts.do(t, http.MethodGet, "/api/health", ""))
	require.Len(t, health, 1)
	assert.Equal(t, "3381244", health[0].SiteID)
	assert.Equal(t, 2, health[0].Chargers)
	require.NotNil(t, health[0].LastSuccess)
	assert.False(t, health[0].BackoffActive)

	issues := decode[[]types.Issue](t, ts.do(t, http.MethodGet, "/api/issues", ""))
	assert.Empty(t, issues)
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.coord.Refresh(context.Background())
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `enlightenev_charger_charging{entry_id="entry-1",serial="EV1",site_id="3381244"} 1`)
	assert.Contains(t, body, `enlightenev_charger_charging_level_amps{entry_id="entry-1",serial="EV1",site_id="3381244"} 24`)
	assert.Contains(t, body, `enlightenev_backoff_active{entry_id="entry-1",site_id="3381244"} 0`)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{coordinator.ErrInvalidArgument, http.StatusBadRequest},
		{entity.ErrUnsupportedAction, http.StatusBadRequest},
		{entity.ErrUnknownEntity, http.StatusNotFound},
		{entity.ErrUnavailable, http.StatusConflict},
		{coordinator.ErrBackoff, http.StatusServiceUnavailable},
		{coordinator.ErrAuthFailed, http.StatusBadGateway},
		{&enlighten.HTTPError{StatusCode: 500}, http.StatusBadGateway},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, errorStatus(tt.err))
		})
	}
}
