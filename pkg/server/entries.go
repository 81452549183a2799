package server

import (
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/enlightenev/enlightenev/pkg/coordinator"
	"github.com/enlightenev/enlightenev/pkg/log"
	"github.com/enlightenev/enlightenev/pkg/types"
)

type entryResponse struct {
	ID               string        `json:"id"`
	SiteID           string        `json:"siteID"`
	SiteName         string        `json:"siteName,omitempty"`
	Serials          []string      `json:"serials"`
	Email            string        `json:"email"`
	RememberPassword bool          `json:"rememberPassword"`
	Options          types.Options `json:"options"`
	Running          bool          `json:"running"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// handleListEntries lists the stored entries. Tokens and credentials are
// never returned.
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.storage.ListEntries(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list entries", slog.Any("error", err))
		writeJSONError(w, "failed to list entries", http.StatusInternalServerError)
		return
	}

	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		_, running := s.coordinators.Get(e.ID)
		serials := e.Serials
		if serials == nil {
			serials = []string{}
		}
		out = append(out, entryResponse{
			ID:               e.ID,
			SiteID:           e.SiteID,
			SiteName:         e.SiteName,
			Serials:          serials,
			Email:            e.Email,
			RememberPassword: e.RememberPassword,
			Options:          e.Options,
			Running:          running,
			CreatedAt:        e.CreatedAt,
			UpdatedAt:        e.UpdatedAt,
		})
	}
	writeJSON(w, out)
}

type chargersResponse struct {
	EntryID   string          `json:"entryID"`
	SiteID    string          `json:"siteID"`
	Chargers  []types.Charger `json:"chargers"`
	UpdatedAt *time.Time      `json:"updatedAt"`
}

// handleListChargers returns the latest snapshot of every coordinator,
// optionally filtered by the entryID query parameter.
func (s *Server) handleListChargers(w http.ResponseWriter, r *http.Request) {
	entryID := r.URL.Query().Get("entryID")
	out := []chargersResponse{}
	for _, c := range s.coordinators.All() {
		if entryID != "" && c.EntryID() != entryID {
			continue
		}
		resp := chargersResponse{
			EntryID:  c.EntryID(),
			SiteID:   c.SiteID(),
			Chargers: []types.Charger{},
		}
		if snap, ok := c.Snapshot(); ok {
			for _, ch := range snap.Chargers {
				resp.Chargers = append(resp.Chargers, ch)
			}
			sort.Slice(resp.Chargers, func(i, j int) bool { return resp.Chargers[i].Serial < resp.Chargers[j].Serial })
			updated := snap.UpdatedAt
			resp.UpdatedAt = &updated
		}
		out = append(out, resp)
	}
	writeJSON(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := []coordinator.Health{}
	for _, c := range s.coordinators.All() {
		out = append(out, c.Health())
	}
	writeJSON(w, out)
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	out := []types.Issue{}
	for _, c := range s.coordinators.All() {
		out = append(out, c.Issues()...)
	}
	writeJSON(w, out)
}
