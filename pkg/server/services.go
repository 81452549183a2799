package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/enlightenev/enlightenev/pkg/coordinator"
	"github.com/enlightenev/enlightenev/pkg/enlighten"
	"github.com/enlightenev/enlightenev/pkg/log"
	"github.com/enlightenev/enlightenev/pkg/types"
)

var errNoCoordinator = errors.New("no entry for request")

type serviceRequest struct {
	EntryID          string `json:"entryID"`
	Serial           string `json:"serial"`
	ChargingLevel    *int   `json:"charging_level"`
	ConnectorID      *int   `json:"connector_id"`
	RequestedMessage string `json:"requested_message"`
	Mode             string `json:"mode"`
}

type serviceResponse struct {
	EntryID string                 `json:"entryID"`
	Result  enlighten.ActionResult `json:"result,omitempty"`
	Cleared int                    `json:"cleared,omitempty"`
}

// resolve picks the coordinator for req. An explicit entry wins, then the
// entry owning the serial, then the only entry when just one exists.
func (s *Server) resolve(req serviceRequest, needSerial bool) (*coordinator.Coordinator, error) {
	if needSerial && req.Serial == "" {
		return nil, fmt.Errorf("%w: serial is required", coordinator.ErrInvalidArgument)
	}
	if req.EntryID != "" {
		c, ok := s.coordinators.Get(req.EntryID)
		if !ok {
			return nil, fmt.Errorf("%w: unknown entry %s", errNoCoordinator, req.EntryID)
		}
		return c, nil
	}
	if req.Serial != "" {
		c, ok := s.coordinators.ForSerial(req.Serial)
		if !ok {
			return nil, fmt.Errorf("%w: no entry handles serial %s", errNoCoordinator, req.Serial)
		}
		return c, nil
	}
	all := s.coordinators.All()
	if len(all) != 1 {
		return nil, fmt.Errorf("%w: entryID or serial is required", coordinator.ErrInvalidArgument)
	}
	return all[0], nil
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")
	ctx = log.WithAttrs(ctx, slog.String("service", name))
	r = r.WithContext(ctx)

	var req serviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode service request", slog.Any("error", err))
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}

	if name == "clear_reauth_issue" {
		s.clearReauthIssue(w, r, req)
		return
	}

	needSerial := name != "start_live_stream" && name != "stop_live_stream"
	c, err := s.resolve(req, needSerial)
	if errors.Is(err, errNoCoordinator) {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		writeActionError(w, r, err)
		return
	}

	var res enlighten.ActionResult
	switch name {
	case "start_charging":
		res, err = c.StartCharging(ctx, req.Serial, coordinator.StartOptions{
			ChargingLevel: req.ChargingLevel,
			ConnectorID:   req.ConnectorID,
		})
	case "stop_charging":
		res, err = c.StopCharging(ctx, req.Serial)
	case "trigger_message":
		res, err = c.TriggerMessage(ctx, req.Serial, req.RequestedMessage)
	case "set_charge_mode":
		res, err = c.SetChargeMode(ctx, req.Serial, req.Mode)
	case "start_live_stream":
		res, err = c.StartLiveStream(ctx)
	case "stop_live_stream":
		res, err = c.StopLiveStream(ctx)
	default:
		writeJSONError(w, "unknown service", http.StatusNotFound)
		return
	}
	if err != nil {
		writeActionError(w, r, err)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "service called",
		slog.String("entryID", c.EntryID()),
		slog.String("serial", req.Serial),
		slog.String("email", requestEmail(r)),
	)
	writeJSON(w, serviceResponse{EntryID: c.EntryID(), Result: res})
}

// clearReauthIssue clears the reauth issue of the requested entry, or of
// every entry when none is named.
func (s *Server) clearReauthIssue(w http.ResponseWriter, r *http.Request, req serviceRequest) {
	var targets []*coordinator.Coordinator
	if req.EntryID == "" && req.Serial == "" {
		targets = s.coordinators.All()
	} else {
		c, err := s.resolve(req, false)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		targets = []*coordinator.Coordinator{c}
	}

	var resp serviceResponse
	for _, c := range targets {
		if c.DeleteIssue(types.IssueReauthRequired) {
			resp.Cleared++
		}
	}
	if len(targets) == 1 {
		resp.EntryID = targets[0].EntryID()
	}
	writeJSON(w, resp)
}
