package enlighten

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnauthorized is returned for a 401 from the Enlighten cloud.
	ErrUnauthorized = errors.New("enlighten: unauthorized")

	// ErrInvalidCredentials means the login was rejected (401/403).
	ErrInvalidCredentials = errors.New("enlighten: invalid credentials")
	// ErrMFARequired means the account must complete multi-factor auth in a browser.
	ErrMFARequired = errors.New("enlighten: multi-factor authentication required")
	// ErrAuthUnavailable means the login service failed or answered with non-JSON.
	ErrAuthUnavailable = errors.New("enlighten: authentication service unavailable")
)

// HTTPError is a non-2xx, non-401 response.
type HTTPError struct {
	StatusCode int
	Method     string
	URL        string
	Header     http.Header
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("enlighten: %s %s: status %d", e.Method, e.URL, e.StatusCode)
}

// RetryAfter returns the server requested delay, or zero when absent or
// not expressed in whole seconds.
func (e *HTTPError) RetryAfter() time.Duration {
	if e.Header == nil {
		return 0
	}
	raw := strings.TrimSpace(e.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	if errors.Is(err, ErrUnauthorized) {
		return http.StatusUnauthorized
	}
	return 0
}
