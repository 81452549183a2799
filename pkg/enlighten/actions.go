package enlighten

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/enlightenev/enlightenev/pkg/log"
)

const (
	// StatusNotReady is returned by StartCharging when the vehicle cannot
	// accept a session yet.
	StatusNotReady = "not_ready"
	// StatusNotActive is returned by StopCharging when there is nothing to stop.
	StatusNotActive = "not_active"
)

// ActionResult is the decoded vendor response to an action, or a synthetic
// {"status": ...} for benign no-op statuses.
type ActionResult map[string]any

// Status returns the "status" member as text.
func (r ActionResult) Status() string {
	s, _ := r["status"].(string)
	return s
}

type candidate struct {
	method  string
	path    string
	payload any
}

var (
	startNoopCodes = map[int]bool{http.StatusConflict: true, http.StatusUnprocessableEntity: true}
	stopNoopCodes  = map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusNotFound:            true,
		http.StatusConflict:            true,
		http.StatusUnprocessableEntity: true,
	}
)

func (c *Client) startCandidates(sn string, level, connectorID int) []candidate {
	plural := c.controllerPath("ev_chargers", sn, "start_charging")
	singular := c.controllerPath("ev_charger", sn, "start_charging")
	camel := map[string]int{"chargingLevel": level, "connectorId": connectorID}
	return []candidate{
		{http.MethodPost, plural, camel},
		{http.MethodPut, plural, camel},
		{http.MethodPost, singular, camel},
		{http.MethodPost, plural, map[string]int{"charging_level": level, "connector_id": connectorID}},
		{http.MethodPost, plural, map[string]int{"connectorId": connectorID}},
		{http.MethodPost, plural, nil},
		{http.MethodPost, singular, nil},
		{http.MethodPost, plural, map[string]int{"chargingLevel": level}},
	}
}

func (c *Client) stopCandidates(sn string) []candidate {
	plural := c.controllerPath("ev_chargers", sn, "stop_charging")
	return []candidate{
		{http.MethodPut, plural, nil},
		{http.MethodPost, plural, nil},
		{http.MethodPost, c.controllerPath("ev_charger", sn, "stop_charging"), nil},
	}
}

// tryCandidates walks the candidates starting with the remembered index.
// A noop status ends the walk with a synthetic result. Only 4xx responses
// rotate to the next candidate; anything else is returned as is.
func (c *Client) tryCandidates(ctx context.Context, cands []candidate, idx *int, noop map[int]bool, noopStatus string) (ActionResult, error) {
	c.mu.Lock()
	first := *idx
	c.mu.Unlock()

	order := make([]int, 0, len(cands))
	if first >= 0 && first < len(cands) {
		order = append(order, first)
	}
	for i := range cands {
		if i != first {
			order = append(order, i)
		}
	}

	var lastErr error
	for _, i := range order {
		cand := cands[i]
		var resp Value
		err := c.doJSON(ctx, cand.method, cand.path, nil, cand.payload, nil, &resp)
		if err == nil {
			c.mu.Lock()
			*idx = i
			c.mu.Unlock()
			return actionResult(resp), nil
		}

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			return nil, err
		}
		if noop[httpErr.StatusCode] {
			log.Ctx(ctx).DebugContext(ctx, "action is a noop", slog.Int("status", httpErr.StatusCode), slog.String("path", cand.path))
			return ActionResult{"status": noopStatus}, nil
		}
		if httpErr.StatusCode < 400 || httpErr.StatusCode > 499 {
			return nil, err
		}
		log.Ctx(ctx).DebugContext(ctx, "action variant rejected", slog.Int("variant", i), slog.Int("status", httpErr.StatusCode))
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("enlighten: no action variants")
	}
	return nil, fmt.Errorf("all %d variants failed: %w", len(cands), lastErr)
}

func actionResult(v Value) ActionResult {
	if m, ok := v.object(); ok {
		return ActionResult(m)
	}
	if v.IsNull() {
		return ActionResult{}
	}
	return ActionResult{"result": v.Raw()}
}

// StartCharging starts a session at level amps on connectorID.
func (c *Client) StartCharging(ctx context.Context, sn string, level, connectorID int) (ActionResult, error) {
	ctx = log.WithAttrs(ctx, slog.String("serial", sn), slog.Int("level", level))
	return c.tryCandidates(ctx, c.startCandidates(sn, level, connectorID), &c.startIdx, startNoopCodes, StatusNotReady)
}

// StopCharging stops the active session.
func (c *Client) StopCharging(ctx context.Context, sn string) (ActionResult, error) {
	ctx = log.WithAttrs(ctx, slog.String("serial", sn))
	return c.tryCandidates(ctx, c.stopCandidates(sn), &c.stopIdx, stopNoopCodes, StatusNotActive)
}

// StartVariant returns the remembered start candidate index, or -1.
func (c *Client) StartVariant() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startIdx
}

// StopVariant returns the remembered stop candidate index, or -1.
func (c *Client) StopVariant() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopIdx
}

// TriggerMessage asks the charger to send an OCPP style message.
func (c *Client) TriggerMessage(ctx context.Context, sn, message string) (ActionResult, error) {
	var resp Value
	payload := map[string]string{"requestedMessage": message}
	if err := c.doJSON(ctx, http.MethodPost, c.controllerPath("ev_charger", sn, "trigger_message"), nil, payload, nil, &resp); err != nil {
		return nil, err
	}
	return actionResult(resp), nil
}

// StartLiveStream asks the cloud to push faster updates for the site.
func (c *Client) StartLiveStream(ctx context.Context) (ActionResult, error) {
	var resp Value
	if err := c.doJSON(ctx, http.MethodGet, c.controllerPath("ev_chargers", "start_live_stream"), nil, nil, nil, &resp); err != nil {
		return nil, err
	}
	return actionResult(resp), nil
}

// StopLiveStream ends a live stream.
func (c *Client) StopLiveStream(ctx context.Context) (ActionResult, error) {
	var resp Value
	if err := c.doJSON(ctx, http.MethodGet, c.controllerPath("ev_chargers", "stop_live_stream"), nil, nil, nil, &resp); err != nil {
		return nil, err
	}
	return actionResult(resp), nil
}
