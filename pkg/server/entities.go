package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/enlightenev/enlightenev/pkg/entity"
	"github.com/enlightenev/enlightenev/pkg/log"
)

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	states := s.registry.States(r.URL.Query().Get("entryID"))
	if states == nil {
		states = []entity.State{}
	}
	writeJSON(w, states)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	st, ok := s.registry.State(r.PathValue("uniqueID"))
	if !ok {
		writeJSONError(w, "unknown entity", http.StatusNotFound)
		return
	}
	writeJSON(w, st)
}

// handleInvokeEntity runs an action on an entity. The optional body is
// {"value": ...}; numbers go to set_value and strings to select_option.
func (s *Server) handleInvokeEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uniqueID := r.PathValue("uniqueID")
	action := r.PathValue("action")
	ctx = log.WithAttrs(ctx, slog.String("uniqueID", uniqueID), slog.String("action", action))

	var req struct {
		Value json.RawMessage `json:"value"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode invoke request", slog.Any("error", err))
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}

	if err := s.registry.Invoke(ctx, uniqueID, action, req.Value); err != nil {
		writeActionError(w, r.WithContext(ctx), err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "entity action", slog.String("email", requestEmail(r)))

	st, _ := s.registry.State(uniqueID)
	writeJSON(w, st)
}
