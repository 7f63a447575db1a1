// Package server provides the gateway's HTTP surface: route guards, the chat
// WebSocket, the REST API, and the embedded login and setup pages.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gatehouse-sh/gatehouse/internal/auth"
	"github.com/gatehouse-sh/gatehouse/internal/claude"
	"github.com/gatehouse-sh/gatehouse/internal/config"
	"github.com/gatehouse-sh/gatehouse/internal/debuglog"
	"github.com/gatehouse-sh/gatehouse/internal/monitor"
	"github.com/gatehouse-sh/gatehouse/internal/session"
	"github.com/gatehouse-sh/gatehouse/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// sessionCookieTTL bounds the session cookie browser-side. The cookie value
// itself carries no expiry.
const sessionCookieTTL = 30 * 24 * time.Hour

// IdentityVerifier is the sign-in provider used by the auth endpoints.
type IdentityVerifier interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*auth.Identity, error)
}

// CredentialFlow is the slice of the PKCE client used by the setup endpoints
// and the pre-session token refresh.
type CredentialFlow interface {
	BeginFlow(ctx context.Context, ts *claude.TokenStore) (string, error)
	CompleteFlow(ctx context.Context, ts *claude.TokenStore, raw string) (*claude.Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (*claude.Tokens, error)
}

// SandboxControl brings the sandbox container up before a session launches.
type SandboxControl interface {
	EnsureRunning(ctx context.Context) error
}

// Deps carries the server's collaborators.
type Deps struct {
	Config   *config.Config
	Store    store.Store
	Cookies  *auth.CookieSigner
	Tickets  *auth.TicketIssuer
	Google   IdentityVerifier
	Sessions *session.Manager
	Tokens   *claude.TokenStore
	Flow     CredentialFlow
	Sandbox  SandboxControl
	Monitor  *monitor.Collector
	Debug    *debuglog.Buffer
	Logger   *slog.Logger
}

// Server is the gateway HTTP server.
type Server struct {
	cfg      *config.Config
	store    store.Store
	cookies  *auth.CookieSigner
	tickets  *auth.TicketIssuer
	google   IdentityVerifier
	sessions *session.Manager
	tokens   *claude.TokenStore
	flow     CredentialFlow
	sandbox  SandboxControl
	monitor  *monitor.Collector
	debug    *debuglog.Buffer
	logger   *slog.Logger
	loginRL  *rateLimiter
	mux      *chi.Mux
}

// New assembles the router. Route classes: public (login, health, identity
// sign-in, WebSocket upgrade), setup (authenticated, allowed before setup
// completes), and authenticated (everything else, gated on setup).
func New(d Deps) *Server {
	srv := &Server{
		cfg:      d.Config,
		store:    d.Store,
		cookies:  d.Cookies,
		tickets:  d.Tickets,
		google:   d.Google,
		sessions: d.Sessions,
		tokens:   d.Tokens,
		flow:     d.Flow,
		sandbox:  d.Sandbox,
		monitor:  d.Monitor,
		debug:    d.Debug,
		logger:   d.Logger.With("component", "server"),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeaders)

	// Public routes.
	mux.Get("/login", srv.handleLoginPage)
	mux.Get("/api/health", srv.handleHealth)
	srv.loginRL = newRateLimiter(5, 10)
	mux.With(loginRateLimit(srv.loginRL)).Post("/api/auth/google", srv.handleGoogleStart)
	mux.With(loginRateLimit(srv.loginRL)).Get("/api/auth/callback", srv.handleGoogleCallback)
	mux.Get("/ws", srv.handleWS)

	// Authenticated routes.
	mux.Group(func(r chi.Router) {
		r.Use(srv.requireAuth)

		// Setup routes stay reachable while setup is incomplete.
		r.Get("/setup", srv.handleSetupPage)
		r.Get("/api/setup/claude/start", srv.handleClaudeStart)
		r.Post("/api/setup/claude/exchange", srv.handleClaudeExchange)
		r.Post("/api/setup/claude/token", srv.handleClaudeToken)

		r.Group(func(r chi.Router) {
			r.Use(srv.requireSetup)

			r.Get("/api/session", srv.handleSessionState)
			r.Delete("/api/session", srv.handleSessionInterrupt)
			r.Get("/api/ws-ticket", srv.handleWSTicket)
			r.Get("/api/monitor", srv.handleMonitor)
			r.Get("/api/debug", srv.handleDebugGet)
			r.Delete("/api/debug", srv.handleDebugClear)

			ui := srv.uiHandler()
			r.Get("/", ui.ServeHTTP)
			r.Handle("/*", ui)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks launches periodic cleanup for the rate limiter
// buckets. It returns immediately; the tasks stop when ctx ends.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Session handlers ---

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.sessions.State())})
}

func (s *Server) handleSessionInterrupt(w http.ResponseWriter, r *http.Request) {
	s.sessions.Interrupt()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.tickets.Mint(time.Now())
	if err != nil {
		s.logger.Error("mint ws ticket", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to mint ticket")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ticket": ticket})
}

// --- Health handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.monitor.Health(r.Context())
	status := http.StatusOK
	if h.Degraded() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Snapshot(r.Context()))
}

// --- Setup handlers ---

func (s *Server) handleClaudeToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if !strings.HasPrefix(req.Token, "sk-ant-") {
		writeError(w, http.StatusBadRequest, "token must start with sk-ant-")
		return
	}

	// No expiry comes with a pasted token; assume a conservative one.
	now := time.Now()
	toks := &claude.Tokens{
		AccessToken: req.Token,
		ExpiresAt:   now.Add(claude.ManualTokenTTL),
		RefreshedAt: now,
	}
	if err := s.tokens.Store(r.Context(), toks); err != nil {
		s.logger.Error("store manual token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store token")
		return
	}
	if err := s.tokens.MarkSetupComplete(r.Context()); err != nil {
		s.logger.Error("mark setup complete", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to complete setup")
		return
	}
	if err := s.setSessionCookie(w); err != nil {
		s.logger.Error("issue session cookie", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue cookie")
		return
	}
	s.logger.Info("setup completed with pasted token")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClaudeStart(w http.ResponseWriter, r *http.Request) {
	url, err := s.flow.BeginFlow(r.Context(), s.tokens)
	if err != nil {
		s.logger.Error("begin claude authorization", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start authorization")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleClaudeExchange(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}

	if _, err := s.flow.CompleteFlow(r.Context(), s.tokens, req.Code); err != nil {
		if errors.Is(err, claude.ErrNoPendingFlow) {
			writeError(w, http.StatusBadRequest, "no authorization flow in progress")
			return
		}
		var xerr *claude.ExchangeError
		if errors.As(err, &xerr) {
			writeError(w, http.StatusBadGateway, xerr.Error())
			return
		}
		s.logger.Error("claude code exchange", "error", err)
		writeError(w, http.StatusInternalServerError, "code exchange failed")
		return
	}
	s.logger.Info("setup completed with authorization code")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Debug handlers ---

func (s *Server) handleDebugGet(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries := s.debug.Entries()
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDebugClear(w http.ResponseWriter, r *http.Request) {
	s.debug.Clear()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
