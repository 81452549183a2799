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
	"strings"
	"sync"
	"time"

	"github.com/enlightenev/enlightenev/pkg/common"
	"github.com/enlightenev/enlightenev/pkg/log"
	"github.com/enlightenev/enlightenev/pkg/types"
)

const (
	DefaultBaseURL   = "https://enlighten.enphaseenergy.com"
	DefaultEntrezURL = "https://entrez.enphaseenergy.com"

	// cookie holding the JWT the scheduler API wants as a bearer token
	managerTokenCookie = "enlighten_manager_token_production"
	xsrfCookie         = "XSRF-TOKEN"
)

// Config locates the Enlighten cloud.
type Config struct {
	BaseURL    string
	EntrezURL  string
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.EntrezURL == "" {
		c.EntrezURL = DefaultEntrezURL
	}
	if c.HTTPClient == nil {
		// per-request deadlines come from the caller's timeout
		c.HTTPClient = common.HTTPClient(0)
	}
	return c
}

// Client talks to the charger endpoints of one site.
type Client struct {
	client  *http.Client
	baseURL string
	siteID  string
	timeout time.Duration

	mu     sync.Mutex
	eauth  string
	cookie string
	// index of the last start/stop variant that worked, -1 when unknown
	startIdx int
	stopIdx  int
}

// NewClient returns a client for siteID authenticated with tokens.
func NewClient(cfg Config, siteID string, tokens types.AuthTokens, timeout time.Duration) *Client {
	cfg = cfg.withDefaults()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		client:   cfg.HTTPClient,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		siteID:   siteID,
		timeout:  timeout,
		eauth:    eauthToken(tokens),
		cookie:   tokens.Cookie,
		startIdx: -1,
		stopIdx:  -1,
	}
}

// SiteID returns the site this client is bound to.
func (c *Client) SiteID() string {
	return c.siteID
}

// UpdateTokens swaps the token and cookie used by later requests.
func (c *Client) UpdateTokens(tokens types.AuthTokens) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eauth = eauthToken(tokens)
	c.cookie = tokens.Cookie
}

// the session id doubles as the e-auth-token when no bearer was minted
func eauthToken(tokens types.AuthTokens) string {
	if tokens.AccessToken != "" {
		return tokens.AccessToken
	}
	return tokens.SessionID
}

// cookieValue finds name in a "k=v; k2=v2" cookie header.
func cookieValue(cookie, name string) string {
	for _, part := range strings.Split(cookie, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, name+"="); ok {
			return v
		}
	}
	return ""
}

func (c *Client) headers() http.Header {
	c.mu.Lock()
	eauth, cookie := c.eauth, c.cookie
	c.mu.Unlock()

	h := http.Header{}
	if eauth != "" {
		h.Set("e-auth-token", eauth)
	}
	if cookie != "" {
		h.Set("Cookie", cookie)
	}
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("Referer", fmt.Sprintf("%s/pv/systems/%s/summary", c.baseURL, c.siteID))
	// some endpoints expect the CSRF header to echo the XSRF cookie
	if xsrf := cookieValue(cookie, xsrfCookie); xsrf != "" {
		h.Set("X-CSRF-Token", xsrf)
	}
	return h
}

// bearer returns the scheduler token carried in the cookie, if any.
func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cookieValue(c.cookie, managerTokenCookie)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, params url.Values, payload any) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doJSON issues one request bounded by the client timeout and decodes the
// response into dest. A 401 becomes ErrUnauthorized and any other non-2xx
// becomes *HTTPError.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, params url.Values, payload any, extra http.Header, dest *Value) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, endpoint, params, payload)
	if err != nil {
		return err
	}
	for k, vs := range c.headers() {
		req.Header[k] = vs
	}
	for k, vs := range extra {
		req.Header[k] = vs
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		log.Ctx(ctx).DebugContext(ctx, "enlighten unauthorized", slog.String("path", req.URL.Path))
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Method:     method,
			URL:        req.URL.Path,
			Header:     resp.Header.Clone(),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if dest == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode enlighten response", slog.String("path", req.URL.Path), slog.Any("error", err))
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) controllerPath(parts ...string) string {
	return "/service/evse_controller/" + c.siteID + "/" + strings.Join(parts, "/")
}
