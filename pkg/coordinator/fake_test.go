package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/enlightenev/enlightenev/pkg/enlighten"
	"github.com/enlightenev/enlightenev/pkg/storage"
	"github.com/enlightenev/enlightenev/pkg/types"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type startCall struct {
	sn        string
	level     int
	connector int
}

type fakeClient struct {
	mu          sync.Mutex
	status      []enlighten.StatusResponse
	statusErrs  []error
	statusCalls int
	summary     []enlighten.Value
	summaryErr  error
	modes       map[string]string
	modeCalls   map[string]int
	actionErr   error
	starts      []startCall
	stops       []string
	triggers    []string
	setModes    []string
	streams     []string
	tokens      []types.AuthTokens
}

func newFakeClient() *fakeClient {
	return &fakeClient{modes: map[string]string{}, modeCalls: map[string]int{}}
}

// queue appends a status response; the last one repeats.
func (f *fakeClient) queue(resp enlighten.StatusResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, resp)
	f.statusErrs = append(f.statusErrs, err)
}

func (f *fakeClient) Status(ctx context.Context) (enlighten.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.status) == 0 {
		return enlighten.StatusResponse{}, nil
	}
	resp, err := f.status[0], f.statusErrs[0]
	if len(f.status) > 1 {
		f.status, f.statusErrs = f.status[1:], f.statusErrs[1:]
	}
	return resp, err
}

func (f *fakeClient) SummaryV2(ctx context.Context) ([]enlighten.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summary, f.summaryErr
}

func (f *fakeClient) ChargeMode(ctx context.Context, sn string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modeCalls[sn]++
	return f.modes[sn], nil
}

func (f *fakeClient) SetChargeMode(ctx context.Context, sn, mode string) (enlighten.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return nil, f.actionErr
	}
	f.setModes = append(f.setModes, sn+"="+mode)
	return enlighten.ActionResult{}, nil
}

func (f *fakeClient) StartCharging(ctx context.Context, sn string, level, connectorID int) (enlighten.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return nil, f.actionErr
	}
	f.starts = append(f.starts, startCall{sn, level, connectorID})
	return enlighten.ActionResult{"status": "accepted"}, nil
}

func (f *fakeClient) StopCharging(ctx context.Context, sn string) (enlighten.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return nil, f.actionErr
	}
	f.stops = append(f.stops, sn)
	return enlighten.ActionResult{"status": enlighten.StatusNotActive}, nil
}

func (f *fakeClient) TriggerMessage(ctx context.Context, sn, message string) (enlighten.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return nil, f.actionErr
	}
	f.triggers = append(f.triggers, sn+":"+message)
	return enlighten.ActionResult{}, nil
}

func (f *fakeClient) StartLiveStream(ctx context.Context) (enlighten.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, "start")
	return enlighten.ActionResult{}, nil
}

func (f *fakeClient) StopLiveStream(ctx context.Context) (enlighten.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, "stop")
	return enlighten.ActionResult{}, nil
}

func (f *fakeClient) UpdateTokens(tokens types.AuthTokens) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, tokens)
}

type fakeAuth struct {
	mu     sync.Mutex
	calls  int
	tokens types.AuthTokens
	err    error
}

func (a *fakeAuth) Authenticate(ctx context.Context, email, password string) (types.AuthTokens, []types.Site, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.tokens, nil, a.err
}

func statusJSON(t *testing.T, raw string) enlighten.StatusResponse {
	t.Helper()
	var v struct {
		Chargers []enlighten.Value `json:"evChargerData"`
		TS       enlighten.Value   `json:"ts"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return enlighten.StatusResponse{Chargers: v.Chargers, TS: v.TS}
}

func valuesJSON(t *testing.T, raw string) []enlighten.Value {
	t.Helper()
	var v []enlighten.Value
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func testEntry(serials ...string) types.Entry {
	return types.Entry{
		ID:             "entry-1",
		SiteID:         "3381244",
		Serials:        serials,
		Options:        types.DefaultOptions(),
		OptionsVersion: types.CurrentOptionsVersion,
	}
}

type testCoordinator struct {
	*Coordinator
	client *fakeClient
	clock  *testClock
}

func newTestCoordinator(t *testing.T, entry types.Entry, mutate ...func(*Config)) testCoordinator {
	t.Helper()
	client := newFakeClient()
	clock := newTestClock()
	cfg := Config{
		Entry:       entry,
		Client:      client,
		Store:       storage.NewMemory(),
		Now:         clock.Now,
		ActionLimit: rate.Inf,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return testCoordinator{Coordinator: New(cfg), client: client, clock: clock}
}
