package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/enlightenev/enlightenev/pkg/log"
	"github.com/enlightenev/enlightenev/pkg/types"
)

// EventKind distinguishes published events.
type EventKind string

const (
	EventSnapshot     EventKind = "snapshot"
	EventIssueCreated EventKind = "issue_created"
	EventIssueCleared EventKind = "issue_cleared"
)

// Event is published after every successful poll and whenever an issue is
// created or cleared.
type Event struct {
	ID       string          `json:"id"`
	Kind     EventKind       `json:"kind"`
	EntryID  string          `json:"entryID"`
	Time     time.Time       `json:"time"`
	Snapshot *types.Snapshot `json:"snapshot,omitempty"`
	Issue    *types.Issue    `json:"issue,omitempty"`
}

func (c *Coordinator) createIssue(ctx context.Context, id string, severity types.IssueSeverity, message string) {
	c.mu.Lock()
	if _, ok := c.issues[id]; ok {
		c.mu.Unlock()
		return
	}
	issue := types.Issue{
		ID:        id,
		Severity:  severity,
		EntryID:   c.entry.ID,
		SiteID:    c.entry.SiteID,
		Message:   message,
		CreatedAt: c.now(),
	}
	c.issues[id] = issue
	c.mu.Unlock()

	log.Ctx(ctx).WarnContext(ctx, "issue created", slog.String("issue", id), slog.String("severity", string(severity)))
	c.publish(Event{Kind: EventIssueCreated, Issue: &issue})
}

// DeleteIssue clears an issue and reports whether it existed.
func (c *Coordinator) DeleteIssue(id string) bool {
	c.mu.Lock()
	issue, ok := c.issues[id]
	delete(c.issues, id)
	c.mu.Unlock()

	if ok {
		c.publish(Event{Kind: EventIssueCleared, Issue: &issue})
	}
	return ok
}

// Issues returns the open issues ordered by creation.
func (c *Coordinator) Issues() []types.Issue {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Issue, 0, len(c.issues))
	for _, issue := range c.issues {
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Health summarizes the coordinator for diagnostics.
type Health struct {
	EntryID         string        `json:"entryID"`
	SiteID          string        `json:"siteID"`
	SiteName        string        `json:"siteName,omitempty"`
	LastSuccess     *time.Time    `json:"lastSuccess"`
	LatencyMS       *int64        `json:"latencyMS"`
	LastError       string        `json:"lastError,omitempty"`
	BackoffActive   bool          `json:"backoffActive"`
	BackoffUntil    *time.Time    `json:"backoffUntil,omitempty"`
	IntervalSeconds int           `json:"intervalSeconds"`
	Streaming       bool          `json:"streaming"`
	Chargers        int           `json:"chargers"`
	Issues          []types.Issue `json:"issues"`
}

// Health returns the coordinator's current health.
func (c *Coordinator) Health() Health {
	issues := c.Issues()

	c.mu.Lock()
	defer c.mu.Unlock()
	h := Health{
		EntryID:         c.entry.ID,
		SiteID:          c.entry.SiteID,
		SiteName:        c.entry.SiteName,
		LastError:       c.lastError,
		IntervalSeconds: int(c.interval / time.Second),
		Streaming:       c.streaming,
		Issues:          issues,
	}
	if !c.lastSuccess.IsZero() {
		ls := c.lastSuccess
		h.LastSuccess = &ls
	}
	if c.measured {
		ms := c.latency.Milliseconds()
		h.LatencyMS = &ms
	}
	if !c.backoffUntil.IsZero() && c.now().Before(c.backoffUntil) {
		bu := c.backoffUntil
		h.BackoffActive = true
		h.BackoffUntil = &bu
	}
	if c.snapshot != nil {
		h.Chargers = len(c.snapshot.Chargers)
	}
	return h
}
