// Package api provides the HTTP API and middleware for the hub.
package api

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
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/config"
	"github.com/amurg-ai/relay/hub/internal/history"
	"github.com/amurg-ai/relay/hub/internal/membership"
	"github.com/amurg-ai/relay/hub/internal/presence"
	"github.com/amurg-ai/relay/hub/internal/session"
	"github.com/amurg-ai/relay/hub/internal/store"
	"github.com/amurg-ai/relay/pkg/protocol"
)

// Audit actions.
const (
	auditUserSignup        = "user.signup"
	auditLoginSuccess      = "login.success"
	auditLoginFailed       = "login.failed"
	auditGroupCreate       = "group.create"
	auditGroupMemberAdd    = "group.member_add"
	auditGroupMemberRemove = "group.member_remove"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	history       *history.Log
	resolver      *membership.Resolver
	registry      *presence.Registry
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	historyLimit  int
	signup        bool
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server. lp is nil when the auth provider has no
// password accounts. gw, when set, is mounted at /ws.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, hist *history.Log, res *membership.Resolver,
	reg *presence.Registry, gw *session.Gateway, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		history:       hist,
		resolver:      res,
		registry:      reg,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		historyLimit:  cfg.Session.HistoryLimit,
		signup:        lp != nil && cfg.Auth.SignupEnabled(),
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Password routes only exist for providers that own accounts.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		limited := mux.With(ipRateLimitMiddleware(srv.loginRL, "too many login attempts"))
		limited.Post("/api/auth/login", srv.handleLogin)
		if srv.signup {
			limited.Post("/api/auth/signup", srv.handleSignup)
		}
	}

	// WebSocket gateway (auth handled inside)
	if gw != nil {
		mux.Get("/ws", gw.HandleWS)
	}

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/presence", srv.handlePresence)
		r.Get("/api/history/{target}", srv.handleHistory)

		r.Get("/api/groups", srv.handleListGroups)
		r.Post("/api/groups", srv.handleCreateGroup)
		r.Get("/api/groups/{name}", srv.handleGetGroup)
		r.Post("/api/groups/{name}/members", srv.handleAddGroupMember)
		r.Delete("/api/groups/{name}/members/{username}", srv.handleRemoveGroupMember)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/users", srv.handleListUsers)
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	// Serve client static files if configured.
	uiDir := cfg.Server.UIStaticDir
	if uiDir != "" {
		fileServer := http.FileServer(http.Dir(uiDir))
		mux.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fall back to index.html for client-side routes.
			path := r.URL.Path
			if path != "/" && !strings.Contains(path, ".") {
				r.URL.Path = "/"
			}
			fileServer.ServeHTTP(w, r)
		}))
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// audit records an event. Failures are logged and never fail the request.
func (s *Server) audit(ctx context.Context, action, username, target string, detail any) {
	ev := &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		Username:  username,
		Target:    target,
		CreatedAt: time.Now().UTC(),
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			ev.Detail = raw
		}
	}
	if err := s.store.LogAuditEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// decodeBody reads a size-limited JSON request body into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": s.authProvider.Name(),
		"signup":   s.signup,
	})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req auth.SignupRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := auth.ValidateSignup(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A username that matches a group would be unreachable by private message.
	if g, err := s.store.GetGroup(r.Context(), req.Username); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check name")
		return
	} else if g != nil {
		writeError(w, http.StatusConflict, "name is taken")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, "user")
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "username already exists")
			return
		}
		s.logger.Error("signup failed", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	s.audit(r.Context(), auditUserSignup, user.Username, "", nil)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r.Context(), auditLoginFailed, "", req.Username, nil)
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Error("login failed", "username", req.Username, "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.audit(r.Context(), auditLoginSuccess, req.Username, "", nil)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
		"online":   s.registry.IsOnline(identity.Username),
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// --- Presence and history ---

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.Presence{Online: s.registry.Snapshot()})
}

type historyResponse struct {
	Messages   []protocol.ChatMessage `json:"messages"`
	NextBefore string                 `json:"next_before,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	target := chi.URLParam(r, "target")

	var q history.Query
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	} else {
		q.Limit = s.historyLimit
	}
	if v := r.URL.Query().Get("before"); v != "" {
		cur, err := store.ParseCursor(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		q.Before = &cur
	}

	dest, err := s.resolver.Classify(r.Context(), target)
	if err != nil {
		s.logger.Warn("history target resolution failed", "target", target, "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not resolve target")
		return
	}
	if g, ok := dest.(membership.Group); ok && !lo.Contains(g.Members, identity.Username) {
		writeError(w, http.StatusForbidden, "not a member of this group")
		return
	}

	page, err := s.history.Query(r.Context(), dest, identity.Username, q)
	if err != nil {
		s.logger.Error("history query failed", "target", target, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	resp := historyResponse{Messages: history.ToWireAll(page.Messages)}
	if page.NextBefore != nil {
		resp.NextBefore = page.NextBefore.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Admin handlers ---

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, 500)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
		"online": s.registry.Len(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
