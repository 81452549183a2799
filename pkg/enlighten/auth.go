package enlighten

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/enlightenev/enlightenev/pkg/log"
	"github.com/enlightenev/enlightenev/pkg/types"
)

const sessionCookie = "_enlighten_4_session"

// site discovery endpoints, tried in order
var siteEndpoints = []string{
	"/app-api/search_sites.json?searchText=&favourite=false",
	"/service/evse_controller/sites",
	"/pv/settings/search_sites.json",
}

// tokens are decoded without verification so any algorithm is accepted
var jwtAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// Authenticator turns an email and password into session tokens.
type Authenticator struct {
	cfg     Config
	client  *http.Client
	timeout time.Duration
}

// NewAuthenticator returns an Authenticator against cfg.
func NewAuthenticator(cfg Config, timeout time.Duration) *Authenticator {
	cfg = cfg.withDefaults()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Authenticator{
		cfg:     cfg,
		client:  cfg.HTTPClient,
		timeout: timeout,
	}
}

// Authenticate logs in and discovers the sites the account can see. Site
// discovery failures are logged and yield an empty list.
func (a *Authenticator) Authenticate(ctx context.Context, email, password string) (types.AuthTokens, []types.Site, error) {
	ctx = log.WithAttrs(ctx, log.Secret("email", email))

	tokens, body, err := a.login(ctx, email, password)
	if err != nil {
		return types.AuthTokens{}, nil, err
	}

	if tokens.SessionID != "" {
		token, expiresAt, err := a.mintToken(ctx, tokens.SessionID, email)
		if err != nil {
			// cookie-only mode still works for most endpoints
			log.Ctx(ctx).WarnContext(ctx, "failed to mint enlighten token", slog.Any("error", err))
		} else {
			tokens.AccessToken = token
			tokens.TokenExpiresAt = expiresAt
		}
	}
	if tokens.AccessToken == "" {
		if mt, ok := body.Get("manager_token").Text(); ok && mt != "" {
			tokens.AccessToken = mt
		}
	}
	if tokens.TokenExpiresAt == nil && tokens.AccessToken != "" {
		tokens.TokenExpiresAt = TokenExpiry(tokens.AccessToken)
	}

	sites := a.discoverSites(ctx, tokens)
	log.Ctx(ctx).InfoContext(
		ctx,
		"authenticated with enlighten",
		slog.Int("sites", len(sites)),
		slog.Bool("bearer", tokens.AccessToken != ""),
	)
	return tokens, sites, nil
}

// Chargers lists the chargers of siteID using freshly minted tokens.
func (a *Authenticator) Chargers(ctx context.Context, siteID string, tokens types.AuthTokens) ([]types.ChargerInfo, error) {
	return NewClient(a.cfg, siteID, tokens, a.timeout).Chargers(ctx)
}

func (a *Authenticator) login(ctx context.Context, email, password string) (types.AuthTokens, Value, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	form := url.Values{
		"user[email]":    {email},
		"user[password]": {password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/login/login.json", strings.NewReader(form.Encode()))
	if err != nil {
		return types.AuthTokens{}, Value{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return types.AuthTokens{}, Value{}, fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.AuthTokens{}, Value{}, fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.AuthTokens{}, Value{}, ErrInvalidCredentials
	case resp.StatusCode >= 500:
		return types.AuthTokens{}, Value{}, fmt.Errorf("%w: status %d", ErrAuthUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return types.AuthTokens{}, Value{}, fmt.Errorf("enlighten: login failed with status %d", resp.StatusCode)
	}

	var body Value
	if err := json.Unmarshal(raw, &body); err != nil {
		return types.AuthTokens{}, Value{}, fmt.Errorf("%w: non-JSON login response", ErrAuthUnavailable)
	}
	if body.Get("requires_mfa").Truthy() || body.Get("mfa_required").Truthy() {
		return types.AuthTokens{}, Value{}, ErrMFARequired
	}
	if success := body.Get("success"); !success.IsNull() && !success.Bool() {
		msg, _ := body.Get("message").Text()
		return types.AuthTokens{}, Value{}, fmt.Errorf("enlighten: login failed: %s", msg)
	}

	tokens := types.AuthTokens{Cookie: joinCookies(resp.Cookies())}
	if sid, ok := body.Get("session_id").Text(); ok && sid != "" {
		tokens.SessionID = sid
	} else {
		tokens.SessionID = cookieValue(tokens.Cookie, sessionCookie)
	}
	return tokens, body, nil
}

func joinCookies(cookies []*http.Cookie) string {
	byName := map[string]string{}
	for _, c := range cookies {
		byName[c.Name] = c.Value
	}
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+byName[n])
	}
	return strings.Join(parts, "; ")
}

func (a *Authenticator) mintToken(ctx context.Context, sessionID, email string) (string, *int64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	b, err := json.Marshal(map[string]string{"session_id": sessionID, "email": email})
	if err != nil {
		return "", nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.EntrezURL, "/")+"/tokens", bytes.NewReader(b))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body Value
	if err := json.Unmarshal(raw, &body); err != nil || !body.IsObject() {
		// some deployments answer with the bare token
		token := strings.Trim(strings.TrimSpace(string(raw)), `"`)
		if token == "" {
			return "", nil, fmt.Errorf("empty token response")
		}
		return token, nil, nil
	}

	var token string
	for _, k := range []string{"token", "access_token", "auth_token"} {
		if t, ok := body.Get(k).Text(); ok && t != "" {
			token = t
			break
		}
	}
	if token == "" {
		return "", nil, fmt.Errorf("token missing from response")
	}
	var expiresAt *int64
	if exp, ok := body.Get("expires_at").Seconds(); ok {
		expiresAt = &exp
	}
	return token, expiresAt, nil
}

// TokenExpiry reads the exp claim of an unverified JWT. Tokens that are not
// JWTs or carry no exp return nil.
func TokenExpiry(raw string) *int64 {
	tok, err := jwt.ParseSigned(raw, jwtAlgorithms)
	if err != nil {
		return nil
	}
	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil || claims.Expiry == nil {
		return nil
	}
	exp := claims.Expiry.Time().Unix()
	return &exp
}

func (a *Authenticator) discoverSites(ctx context.Context, tokens types.AuthTokens) []types.Site {
	c := NewClient(a.cfg, "", tokens, a.timeout)
	for _, endpoint := range siteEndpoints {
		path, query, _ := strings.Cut(endpoint, "?")
		params, _ := url.ParseQuery(query)

		var data Value
		if err := c.doJSON(ctx, http.MethodGet, path, params, nil, nil, &data); err != nil {
			log.Ctx(ctx).DebugContext(ctx, "site discovery endpoint failed", slog.String("path", path), slog.Any("error", err))
			continue
		}
		if sites := NormalizeSites(data); len(sites) > 0 {
			return sites
		}
	}
	return nil
}

const maxSiteDepth = 6

// NormalizeSites extracts {site id, name} pairs from any nesting of lists
// and objects. Keys are matched case-insensitively and duplicates dropped.
func NormalizeSites(data Value) []types.Site {
	var out []types.Site
	seen := map[string]bool{}
	collectSites(data, 0, seen, &out)
	return out
}

func collectSites(v Value, depth int, seen map[string]bool, out *[]types.Site) {
	if depth > maxSiteDepth {
		return
	}
	if v.IsList() {
		for _, item := range v.List() {
			collectSites(item, depth+1, seen, out)
		}
		return
	}
	if !v.IsObject() {
		return
	}

	lower := map[string]Value{}
	for _, k := range v.Keys() {
		lower[strings.ToLower(k)] = v.Get(k)
	}
	var id string
	for _, k := range []string{"siteid", "site_id", "systemid", "system_id", "id"} {
		if s, ok := lower[k].Text(); ok && strings.TrimSpace(s) != "" {
			id = strings.TrimSpace(s)
			break
		}
	}
	if id != "" {
		if !seen[id] {
			seen[id] = true
			name := "Site " + id
			for _, k := range []string{"name", "sitename", "site_name", "systemname", "system_name", "title"} {
				if s, ok := lower[k].Text(); ok && strings.TrimSpace(s) != "" {
					name = strings.TrimSpace(s)
					break
				}
			}
			*out = append(*out, types.Site{ID: id, Name: name})
		}
		return
	}
	for _, k := range v.Keys() {
		child := v.Get(k)
		if child.IsList() || child.IsObject() {
			collectSites(child, depth+1, seen, out)
		}
	}
}
