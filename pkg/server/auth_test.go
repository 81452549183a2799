package server

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://accounts.google.com"
	testAudience = "enlightenev-test"
)

type tokenSigner struct {
	key    *rsa.PrivateKey
	signer jose.Signer
}

func newTokenSigner(t *testing.T) *tokenSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)
	return &tokenSigner{key: key, signer: signer}
}

func (s *tokenSigner) verifier() tokenVerifier {
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&s.key.PublicKey}}
	return oidc.NewVerifier(testIssuer, keySet, &oidc.Config{ClientID: testAudience}).Verify
}

func (s *tokenSigner) token(t *testing.T, email string, verified bool, audience string) string {
	t.Helper()
	raw, err := jwt.Signed(s.signer).Claims(map[string]any{
		"iss":            testIssuer,
		"aud":            audience,
		"sub":            "subject-" + email,
		"email":          email,
		"email_verified": verified,
		"iat":            time.Now().Unix(),
		"exp":            time.Now().Add(time.Hour).Unix(),
	}).Serialize()
	require.NoError(t, err)
	return raw
}

func TestAuthMiddleware(t *testing.T) {
	signer := newTokenSigner(t)
	srv := &Server{
		oidcVerifier: signer.verifier(),
		adminEmails:  []string{"admin@example.com"},
	}

	var gotEmail string
	handler := srv.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEmail = requestEmail(r)
		w.WriteHeader(http.StatusOK)
	}))
	serve := func(req *http.Request) int {
		gotEmail = ""
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("no token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/chargers", nil)
		assert.Equal(t, http.StatusUnauthorized, serve(req))
	})

	t.Run("bearer token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/chargers", nil)
		req.Header.Set("Authorization", "Bearer "+signer.token(t, "admin@example.com", true, testAudience))
		assert.Equal(t, http.StatusOK, serve(req))
		assert.Equal(t, "admin@example.com", gotEmail)
	})

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		req.AddCookie(&http.Cookie{Name: authTokenCookie, Value: signer.token(t, "Admin@Example.com", true, testAudience)})
		assert.Equal(t, http.StatusOK, serve(req))
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/chargers", nil)
		req.Header.Set("Authorization", "Basic abc")
		assert.Equal(t, http.StatusBadRequest, serve(req))
	})

	t.Run("wrong audience", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/chargers", nil)
		req.Header.Set("Authorization", "Bearer "+signer.token(t, "admin@example.com", true, "someone-else"))
		assert.Equal(t, http.StatusUnauthorized, serve(req))
	})

	t.Run("unverified email", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/chargers", nil)
		req.Header.Set("Authorization", "Bearer "+signer.token(t, "admin@example.com", false, testAudience))
		assert.Equal(t, http.StatusUnauthorized, serve(req))
	})

	t.Run("not an admin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/chargers", nil)
		req.Header.Set("Authorization", "Bearer "+signer.token(t, "guest@example.com", true, testAudience))
		assert.Equal(t, http.StatusForbidden, serve(req))
		assert.Empty(t, gotEmail)
	})

	t.Run("other key", func(t *testing.T) {
		other := newTokenSigner(t)
		req := httptest.NewRequest(http.MethodGet, "/api/chargers", nil)
		req.Header.Set("Authorization", "Bearer "+other.token(t, "admin@example.com", true, testAudience))
		assert.Equal(t, http.StatusUnauthorized, serve(req))
	})
}

func TestAuthDisabled(t *testing.T) {
	srv := &Server{}
	called := false
	handler := srv.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Empty(t, requestEmail(r))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.True(t, called)
}

func TestIsAdmin(t *testing.T) {
	srv := &Server{}
	assert.True(t, srv.isAdmin("anyone@example.com"))

	srv.adminEmails = []string{"a@example.com", "b@example.com"}
	assert.True(t, srv.isAdmin("B@example.com"))
	assert.False(t, srv.isAdmin("c@example.com"))
}
