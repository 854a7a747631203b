package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"verdict-relay/relay/internal/connections"
	"verdict-relay/relay/internal/identity"
	"verdict-relay/relay/internal/metrics"
	"verdict-relay/relay/internal/session"
)

const DefaultCookieName = "access"

type Options struct {
	CookieName        string
	AllowedOrigins    []string
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
}

type Server struct {
	registry *session.Registry
	verifier identity.Verifier
	table    *connections.Table
	metrics  *metrics.Collector
	log      *zap.Logger
	opts     Options

	// subscription handlers currently running, superseded ones included
	streams atomic.Int64
}

func New(registry *session.Registry, verifier identity.Verifier, table *connections.Table, m *metrics.Collector, log *zap.Logger, opts Options) *Server {
	if m == nil {
		m = metrics.Nop()
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	return &Server{
		registry: registry,
		verifier: verifier,
		table:    table,
		metrics:  m,
		log:      log,
		opts:     opts,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/register", s.handleRegister)   // POST
	mux.HandleFunc("/events/", s.handleEventsRoute) // GET /events/{id}, /events/{id}/hidden-tests
	mux.Handle("/metrics", s.metrics.Handler())

	return withCORS(s.opts.AllowedOrigins, mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.table.Len(),
		"streams":     s.streams.Load(),
	})
}

type registerResponse struct {
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	sess, err := s.registry.Issue(r.Context(), caller)
	if err != nil {
		s.log.Error("failed to issue session", zap.String("owner", string(caller)), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "session store unavailable")
		return
	}
	s.metrics.SessionIssued(r.Context())

	writeJSON(w, http.StatusCreated, registerResponse{
		ClientID:  sess.ID,
		ExpiresAt: sess.ExpiresAt.UTC(),
	})
}

func (s *Server) handleEventsRoute(w http.ResponseWriter, r *http.Request) {
	// expects:
	// /events/{clientId}
	// /events/{clientId}/hidden-tests
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "events" || parts[1] == "" {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	if len(parts) == 3 && parts[2] != "hidden-tests" {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	s.handleSubscribe(w, r, parts[1])
}

// authenticate resolves the caller from the access cookie, falling back to
// an Authorization bearer header. It writes the error response itself.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (identity.UserID, bool) {
	credential := credentialFromRequest(r, s.opts.CookieName)
	if credential == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing access credential")
		return "", false
	}

	caller, err := s.verifier.WhoAmI(r.Context(), credential)
	switch {
	case err == nil:
		return caller, true
	case errors.Is(err, identity.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated", "access credential rejected")
	default:
		s.log.Warn("identity lookup failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "identity service unavailable")
	}
	return "", false
}

func credentialFromRequest(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(v)
}

// withCORS echoes allowed origins back with credentials enabled, so the
// browser sends the access cookie on register and EventSource requests.
func withCORS(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (slices.Contains(allowed, origin) || slices.Contains(allowed, "*")) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
