package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/enlightenev/enlightenev/pkg/enlighten"
	"github.com/enlightenev/enlightenev/pkg/log"
	"github.com/enlightenev/enlightenev/pkg/storage"
	"github.com/enlightenev/enlightenev/pkg/types"
)

var (
	// ErrBackoff is returned while a backoff window from an earlier failure
	// is still active. No request is made.
	ErrBackoff = errors.New("in backoff due to rate limiting or server errors")
	// ErrAuthFailed means the cloud rejected the session and silent
	// re-authentication did not help.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrUpdateFailed wraps HTTP and network failures of a poll cycle.
	ErrUpdateFailed = errors.New("update failed")
	// ErrInvalidArgument is returned for out of range action arguments.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Client is the subset of the Enlighten client used by the coordinator.
type Client interface {
	Status(ctx context.Context) (enlighten.StatusResponse, error)
	SummaryV2(ctx context.Context) ([]enlighten.Value, error)
	ChargeMode(ctx context.Context, sn string) (string, error)
	SetChargeMode(ctx context.Context, sn, mode string) (enlighten.ActionResult, error)
	StartCharging(ctx context.Context, sn string, level, connectorID int) (enlighten.ActionResult, error)
	StopCharging(ctx context.Context, sn string) (enlighten.ActionResult, error)
	TriggerMessage(ctx context.Context, sn, message string) (enlighten.ActionResult, error)
	StartLiveStream(ctx context.Context) (enlighten.ActionResult, error)
	StopLiveStream(ctx context.Context) (enlighten.ActionResult, error)
	UpdateTokens(tokens types.AuthTokens)
}

// Authenticator mints new session tokens from stored credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (types.AuthTokens, []types.Site, error)
}

// Config holds the collaborators of a Coordinator.
type Config struct {
	Entry types.Entry
	// Password is the decrypted stored password, empty when not remembered.
	Password    string
	Client      Client
	Auth        Authenticator
	Store       storage.Database
	Calibration types.Calibration
	// Now defaults to time.Now.
	Now func() time.Time
	// ActionLimit bounds user actions sent to the cloud. Zero uses the default.
	ActionLimit rate.Limit
}

type cachedMode struct {
	mode string
	at   time.Time
}

// Coordinator polls one Enlighten site and publishes a per-serial snapshot.
type Coordinator struct {
	client   Client
	auth     Authenticator
	store    storage.Database
	cal      types.Calibration
	now      func() time.Time
	started  time.Time
	password string
	limiter  *rate.Limiter

	sf     singleflight.Group
	authMu sync.Mutex

	refreshCh chan struct{}

	mu              sync.Mutex
	entry           types.Entry
	serials         map[string]bool
	tokenGen        int
	snapshot        *types.Snapshot
	interval        time.Duration
	lastSuccess     time.Time
	latency         time.Duration
	measured        bool
	lastError       string
	unauthErrors    int
	rateLimitHits   int
	backoffUntil    time.Time
	fastUntil       time.Time
	streaming       bool
	lastSetAmps     map[string]int
	chargeModeCache map[string]cachedMode
	lastCharging    map[string]bool
	sessionEndFix   map[string]int64
	operatingV      map[string]int
	summaryCache    []enlighten.Value
	issues          map[string]types.Issue
	listeners       []func(Event)
}

// New returns a coordinator for cfg.Entry. It does not poll until Run or
// Refresh is called.
func New(cfg Config) *Coordinator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	limit := cfg.ActionLimit
	if limit == 0 {
		limit = rate.Every(2 * time.Second)
	}
	serials := map[string]bool{}
	for _, sn := range cfg.Entry.Serials {
		serials[sn] = true
	}
	return &Coordinator{
		client:          cfg.Client,
		auth:            cfg.Auth,
		store:           cfg.Store,
		cal:             cfg.Calibration.WithDefaults(),
		now:             now,
		started:         now(),
		password:        cfg.Password,
		limiter:         rate.NewLimiter(limit, 3),
		refreshCh:       make(chan struct{}, 1),
		entry:           cfg.Entry,
		serials:         serials,
		interval:        cfg.Entry.Options.SlowInterval(),
		lastSetAmps:     map[string]int{},
		chargeModeCache: map[string]cachedMode{},
		lastCharging:    map[string]bool{},
		sessionEndFix:   map[string]int64{},
		operatingV:      map[string]int{},
		issues:          map[string]types.Issue{},
	}
}

func (c *Coordinator) logCtx(ctx context.Context) context.Context {
	return log.WithAttrs(ctx, slog.String("entryID", c.entry.ID), slog.String("siteID", c.entry.SiteID))
}

// EntryID returns the ID of the entry this coordinator polls.
func (c *Coordinator) EntryID() string {
	return c.entry.ID
}

// SiteID returns the Enlighten site ID.
func (c *Coordinator) SiteID() string {
	return c.entry.SiteID
}

// SiteName returns the configured site name.
func (c *Coordinator) SiteName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry.SiteName
}

// Options returns the entry's polling options.
func (c *Coordinator) Options() types.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry.Options
}

// Calibration returns the heuristic constants in use.
func (c *Coordinator) Calibration() types.Calibration {
	return c.cal
}

// Allows reports whether sn passes the serial allow-list.
func (c *Coordinator) Allows(sn string) bool {
	return len(c.serials) == 0 || c.serials[sn]
}

// Serials returns the allow-list in order. Empty means every serial.
func (c *Coordinator) Serials() []string {
	out := make([]string, 0, len(c.serials))
	for sn := range c.serials {
		out = append(out, sn)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the last published snapshot, if any.
func (c *Coordinator) Snapshot() (types.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return types.Snapshot{}, false
	}
	return *c.snapshot, true
}

// Charger returns sn's record from the last snapshot.
func (c *Coordinator) Charger(sn string) (types.Charger, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return types.Charger{}, false
	}
	ch, ok := c.snapshot.Chargers[sn]
	return ch, ok
}

// Interval returns the current poll interval.
func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// LastSuccess returns the time of the last successful status call.
func (c *Coordinator) LastSuccess() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess, !c.lastSuccess.IsZero()
}

// Latency returns the duration of the last status call.
func (c *Coordinator) Latency() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency, c.measured
}

// LastSetAmps returns the last requested charging level for sn.
func (c *Coordinator) LastSetAmps(sn string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.lastSetAmps[sn]
	return a, ok
}

// SetLastSetAmps records a requested charging level.
func (c *Coordinator) SetLastSetAmps(sn string, amps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSetAmps[sn] = amps
}

// SetChargeModeCache overwrites the cached scheduler mode for sn.
func (c *Coordinator) SetChargeModeCache(sn, mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chargeModeCache[sn] = cachedMode{mode: mode, at: c.now()}
}

// KickFast forces fast polling for the next seconds.
func (c *Coordinator) KickFast(seconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fastUntil = c.now().Add(time.Duration(max(1, seconds)) * time.Second)
}

// Streaming reports whether a live stream was requested.
func (c *Coordinator) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Subscribe registers fn for snapshot and issue events. fn is called
// without coordinator locks held.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Coordinator) publish(ev Event) {
	c.mu.Lock()
	listeners := append([]func(Event)(nil), c.listeners...)
	c.mu.Unlock()

	ev.ID = uuid.New().String()
	ev.EntryID = c.entry.ID
	ev.Time = c.now()
	for _, fn := range listeners {
		fn(ev)
	}
}

// RequestRefresh asks the Run loop to poll now. It never blocks.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Refresh runs one poll cycle. Concurrent callers share a single cycle.
func (c *Coordinator) Refresh(ctx context.Context) (types.Snapshot, error) {
	v, err, _ := c.sf.Do("refresh", func() (interface{}, error) {
		return c.refresh(c.logCtx(ctx))
	})
	if err != nil {
		return types.Snapshot{}, err
	}
	return v.(types.Snapshot), nil
}

func (c *Coordinator) refresh(ctx context.Context) (types.Snapshot, error) {
	start := c.now()

	c.mu.Lock()
	until := c.backoffUntil
	c.mu.Unlock()
	if !until.IsZero() && start.Before(until) {
		return types.Snapshot{}, fmt.Errorf("%w: until %s", ErrBackoff, until.Format(time.RFC3339))
	}

	status, err := c.fetchStatus(ctx, start)
	if err != nil {
		return types.Snapshot{}, err
	}

	chargers := map[string]types.Charger{}
	for _, obj := range status.Chargers {
		sn, _ := obj.Get("sn").Text()
		if sn == "" || !c.Allows(sn) {
			continue
		}
		pref := c.chargeMode(ctx, sn)

		c.mu.Lock()
		chargers[sn] = c.mapChargerLocked(sn, obj, status.TS, pref)
		c.mu.Unlock()
	}

	summary := c.fetchSummary(ctx)

	c.mu.Lock()
	c.enrichLocked(chargers, summary)
	snap := types.Snapshot{
		EntryID:   c.entry.ID,
		SiteID:    c.entry.SiteID,
		Chargers:  chargers,
		UpdatedAt: c.now(),
	}
	c.snapshot = &snap
	target := c.targetIntervalLocked(chargers)
	changed := target != c.interval
	if changed {
		c.interval = target
	}
	c.mu.Unlock()

	if changed {
		log.Ctx(ctx).DebugContext(ctx, "poll interval changed", slog.Duration("interval", target))
	}
	c.publish(Event{Kind: EventSnapshot, Snapshot: &snap})
	return snap, nil
}

// fetchStatus calls the status endpoint and classifies failures. Latency
// is recorded whatever the outcome.
func (c *Coordinator) fetchStatus(ctx context.Context, start time.Time) (status enlighten.StatusResponse, err error) {
	defer func() {
		c.mu.Lock()
		c.latency = c.now().Sub(start)
		c.measured = true
		c.mu.Unlock()
	}()

	status, err = c.client.Status(ctx)
	if errors.Is(err, enlighten.ErrUnauthorized) {
		status, err = c.handleUnauthorized(ctx, err)
	}
	if err != nil {
		return status, c.handleError(ctx, err)
	}

	c.mu.Lock()
	c.unauthErrors = 0
	c.rateLimitHits = 0
	c.backoffUntil = time.Time{}
	c.lastError = ""
	c.lastSuccess = c.now()
	c.mu.Unlock()
	c.DeleteIssue(types.IssueReauthRequired)
	c.DeleteIssue(types.IssueRateLimited)
	return status, nil
}

func (c *Coordinator) handleUnauthorized(ctx context.Context, err error) (enlighten.StatusResponse, error) {
	c.mu.Lock()
	c.unauthErrors++
	failures := c.unauthErrors
	c.mu.Unlock()

	if c.reauthenticate(ctx) {
		c.mu.Lock()
		c.unauthErrors = 0
		c.mu.Unlock()
		c.DeleteIssue(types.IssueReauthRequired)

		status, retryErr := c.client.Status(ctx)
		if errors.Is(retryErr, enlighten.ErrUnauthorized) {
			return status, fmt.Errorf("%w: %w", ErrAuthFailed, retryErr)
		}
		return status, retryErr
	}

	if failures >= 2 {
		c.createIssue(ctx, types.IssueReauthRequired, types.IssueSeverityError, "Enlighten rejected the session; reauthenticate site "+c.entry.SiteID)
	}
	return enlighten.StatusResponse{}, fmt.Errorf("%w: %w", ErrAuthFailed, err)
}

func (c *Coordinator) handleError(ctx context.Context, err error) error {
	if errors.Is(err, ErrAuthFailed) {
		c.mu.Lock()
		c.lastError = err.Error()
		c.mu.Unlock()
		return err
	}

	var httpErr *enlighten.HTTPError
	if !errors.As(err, &httpErr) {
		c.mu.Lock()
		c.lastError = err.Error()
		c.mu.Unlock()
		log.Ctx(ctx).WarnContext(ctx, "error communicating with enlighten", slog.Any("error", err))
		return fmt.Errorf("%w: error communicating with API: %w", ErrUpdateFailed, err)
	}

	base := 10.0
	if httpErr.StatusCode == 429 {
		base = 5
	}
	now := c.now()
	jitter := 1 + math.Mod(now.Sub(c.started).Seconds(), 3)
	backoff := time.Duration(base * jitter * float64(time.Second))
	if ra := httpErr.RetryAfter(); ra > backoff {
		backoff = ra
	}

	c.mu.Lock()
	c.lastError = fmt.Sprintf("HTTP %d", httpErr.StatusCode)
	c.backoffUntil = now.Add(backoff)
	hits := c.rateLimitHits
	if httpErr.StatusCode == 429 {
		c.rateLimitHits++
		hits = c.rateLimitHits
	}
	c.mu.Unlock()

	log.Ctx(ctx).WarnContext(
		ctx,
		"enlighten cloud error, backing off",
		slog.Int("status", httpErr.StatusCode),
		slog.Duration("backoff", backoff),
	)
	if httpErr.StatusCode == 429 && hits >= 2 {
		c.createIssue(ctx, types.IssueRateLimited, types.IssueSeverityWarning, "Enlighten is rate limiting site "+c.entry.SiteID)
	}
	return fmt.Errorf("%w: cloud error %d: %w", ErrUpdateFailed, httpErr.StatusCode, err)
}

// reauthenticate mints new tokens from the remembered password. Concurrent
// callers wait for one login and share its outcome.
func (c *Coordinator) reauthenticate(ctx context.Context) bool {
	c.mu.Lock()
	email, remember, gen := c.entry.Email, c.entry.RememberPassword, c.tokenGen
	c.mu.Unlock()
	if c.auth == nil || email == "" || !remember || c.password == "" {
		return false
	}

	c.authMu.Lock()
	defer c.authMu.Unlock()

	c.mu.Lock()
	refreshed := c.tokenGen != gen
	c.mu.Unlock()
	if refreshed {
		return true
	}

	tokens, _, err := c.auth.Authenticate(ctx, email, c.password)
	if err != nil {
		switch {
		case errors.Is(err, enlighten.ErrInvalidCredentials):
			log.Ctx(ctx).WarnContext(ctx, "stored enlighten credentials were rejected; reauthenticate the entry")
		case errors.Is(err, enlighten.ErrMFARequired):
			log.Ctx(ctx).WarnContext(ctx, "enlighten account requires multi-factor authentication; reauthenticate the entry")
		case errors.Is(err, enlighten.ErrAuthUnavailable):
			log.Ctx(ctx).DebugContext(ctx, "auth service unavailable while refreshing tokens", slog.Any("error", err))
		default:
			log.Ctx(ctx).DebugContext(ctx, "unexpected error refreshing enlighten auth", slog.Any("error", err))
		}
		return false
	}

	c.client.UpdateTokens(tokens)
	c.persistTokens(ctx, tokens)
	log.Ctx(ctx).InfoContext(ctx, "refreshed enlighten session")
	return true
}

func (c *Coordinator) persistTokens(ctx context.Context, tokens types.AuthTokens) {
	c.mu.Lock()
	c.tokenGen++
	c.entry.Tokens = tokens
	c.entry.UpdatedAt = c.now()
	entry := c.entry
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	if err := c.store.UpdateEntry(ctx, entry); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist refreshed tokens", slog.Any("error", err))
	}
}

// chargeMode returns the scheduler mode for sn, served from cache while
// fresh. Lookup failures yield "".
func (c *Coordinator) chargeMode(ctx context.Context, sn string) string {
	c.mu.Lock()
	cached, ok := c.chargeModeCache[sn]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.at) < c.cal.ChargeModeTTL() {
		return cached.mode
	}

	mode, err := c.client.ChargeMode(ctx, sn)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "charge mode lookup failed", slog.String("serial", sn), slog.Any("error", err))
		return ""
	}
	if mode != "" {
		c.SetChargeModeCache(sn, mode)
	}
	return mode
}

// fetchSummary returns the summary list, or the last good one when the
// call fails.
func (c *Coordinator) fetchSummary(ctx context.Context) []enlighten.Value {
	items, err := c.client.SummaryV2(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "summary enrichment failed", slog.Any("error", err))
		return c.summaryCache
	}
	if len(items) > 0 {
		c.summaryCache = items
	}
	return items
}

func (c *Coordinator) targetIntervalLocked(chargers map[string]types.Charger) time.Duration {
	fast := false
	for _, ch := range chargers {
		if ch.Charging {
			fast = true
			break
		}
	}
	if c.now().Before(c.fastUntil) {
		fast = true
	}
	if c.streaming && c.entry.Options.FastWhileStreaming {
		fast = true
	}
	if fast {
		return c.entry.Options.FastInterval()
	}
	return c.entry.Options.SlowInterval()
}

// Run polls until ctx is done, sleeping the current interval between
// cycles. RequestRefresh wakes it early.
func (c *Coordinator) Run(ctx context.Context) {
	ctx = c.logCtx(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-c.refreshCh:
			timer.Stop()
		}

		if _, err := c.Refresh(ctx); err != nil {
			if errors.Is(err, ErrBackoff) {
				log.Ctx(ctx).DebugContext(ctx, "skipping poll during backoff")
			} else if ctx.Err() == nil {
				log.Ctx(ctx).WarnContext(ctx, "poll failed", slog.Any("error", err))
			}
		}
		timer.Reset(c.Interval())
	}
}
