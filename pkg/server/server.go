package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/enlightenev/enlightenev/pkg/coordinator"
	"github.com/enlightenev/enlightenev/pkg/enlighten"
	"github.com/enlightenev/enlightenev/pkg/entity"
	"github.com/enlightenev/enlightenev/pkg/log"
	"github.com/enlightenev/enlightenev/pkg/metrics"
	"github.com/enlightenev/enlightenev/pkg/storage"
)

const authTokenCookie = "auth_token"

type contextKey string

const emailContextKey contextKey = "email"

// tokenVerifier validates a Google ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server exposes the coordinators and entities over a JSON API and a
// websocket event feed.
type Server struct {
	coordinators *coordinator.Map
	registry     *entity.Registry
	storage      storage.Database
	events       *eventHub
	metrics      http.Handler

	listenAddr string
	httpServer *http.Server

	adminEmails  []string
	oidcVerifier tokenVerifier
	serverName   string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(m *coordinator.Map, reg *entity.Registry, s storage.Database) *Server {
	srv := New(m, reg, s)
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to use the API")
	oidcAudience := lflag.String("oidc-audience", "", "audience of Google ID tokens accepted by the API, empty disables auth")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
	})

	return srv
}

// New returns a Server with authentication disabled. Configured is the
// flag driven constructor.
func New(m *coordinator.Map, reg *entity.Registry, s storage.Database) *Server {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		metrics.NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := &Server{
		coordinators: m,
		registry:     reg,
		storage:      s,
		events:       newEventHub(),
		metrics:      promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		serverName:   "enlightenev",
	}
	m.Subscribe(srv.events.publish)
	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/entries", s.handleListEntries)
	apiMux.HandleFunc("GET /api/chargers", s.handleListChargers)
	apiMux.HandleFunc("GET /api/health", s.handleHealth)
	apiMux.HandleFunc("GET /api/issues", s.handleListIssues)
	apiMux.HandleFunc("GET /api/entities", s.handleListEntities)
	apiMux.HandleFunc("GET /api/entities/{uniqueID}", s.handleGetEntity)
	apiMux.HandleFunc("POST /api/entities/{uniqueID}/{action}", s.handleInvokeEntity)
	apiMux.HandleFunc("POST /api/services/{name}", s.handleService)

	mux := http.NewServeMux()
	mux.Handle("/api/", gziphandler.GzipHandler(s.authMiddleware(apiMux)))
	// the event feed hijacks the connection so it can't sit behind gzip
	mux.Handle("GET /api/events", s.authMiddleware(http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /metrics", s.metrics)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(s.securityHeadersMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		s.events.close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// errorStatus maps coordinator and entity errors onto a status code.
func errorStatus(err error) int {
	var httpErr *enlighten.HTTPError
	switch {
	case errors.Is(err, coordinator.ErrInvalidArgument),
		errors.Is(err, entity.ErrUnsupportedAction):
		return http.StatusBadRequest
	case errors.Is(err, entity.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrUnavailable):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrBackoff),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrAuthFailed),
		errors.As(err, &httpErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeActionError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "action failed", slog.Any("error", err))
	} else {
		log.Ctx(r.Context()).WarnContext(r.Context(), "action rejected", slog.Any("error", err))
	}
	writeJSONError(w, err.Error(), code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
