// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/amurg-ai/relay/hub/internal/api"
	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/config"
	"github.com/amurg-ai/relay/hub/internal/history"
	"github.com/amurg-ai/relay/hub/internal/membership"
	"github.com/amurg-ai/relay/hub/internal/presence"
	"github.com/amurg-ai/relay/hub/internal/router"
	"github.com/amurg-ai/relay/hub/internal/session"
	"github.com/amurg-ai/relay/hub/internal/store"
)

// purgeInterval is how often the retention purger runs.
const purgeInterval = time.Hour

// Hub is the main hub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	historyDB    io.Closer // separate history backend, nil when history lives in store
	history      *history.Log
	authProvider auth.Provider
	registry     *presence.Registry
	sessions     *session.Manager
	router       *router.Router
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	var (
		backend   store.MessageLog = db
		historyDB io.Closer
	)
	if cfg.Storage.HistoryDriver == "badger" {
		bl, err := history.OpenBadger(cfg.Storage.HistoryPath, logger)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init history: %w", err)
		}
		backend, historyDB = bl, bl
	}
	closeAll := func() {
		if historyDB != nil {
			_ = historyDB.Close()
		}
		_ = db.Close()
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		closeAll()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	reg := presence.NewRegistry()
	resolver := membership.NewResolver(db)
	hist := history.New(backend, cfg.Session.HistoryLimit)

	// The session manager is the router's dispatcher, so it comes first.
	sessions := session.NewManager(reg, logger, session.Options{
		SendBuffer:      cfg.Session.SendBuffer,
		MaxConnsPerUser: cfg.Session.MaxConnsPerUser,
	})
	rt := router.New(reg, resolver, hist, sessions, logger, router.Options{
		MaxTextBytes: cfg.Session.MaxTextBytes,
	})
	gw := session.NewGateway(sessions, rt, authProvider, logger, session.GatewayOptions{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
	})

	apiSrv := api.NewServer(db, authProvider, loginProvider, hist, resolver, reg, gw, cfg, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		historyDB:    historyDB,
		history:      hist,
		authProvider: authProvider,
		registry:     reg,
		sessions:     sessions,
		router:       rt,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	if authProvider.Name() == "builtin" && cfg.Auth.InitialAdmin != nil &&
		cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
		logger.Warn("default admin credentials detected (admin/admin), change them before exposing the hub")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	if cfg.Server.UIStaticDir != "" {
		if _, err := os.Stat(cfg.Server.UIStaticDir); os.IsNotExist(err) {
			logger.Warn("UI static directory does not exist", "path", cfg.Server.UIStaticDir)
		}
	}

	return h, nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.api.StartBackgroundTasks(ctx)
	go h.runRetentionPurger(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr,
			"store", h.cfg.Storage.Driver, "history", h.historyBackendName())
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by http.Server.
		h.sessions.CloseAll()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.sessions.CloseAll()
		h.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close releases the storage backends.
func (h *Hub) Close() {
	if h.historyDB != nil {
		if err := h.historyDB.Close(); err != nil {
			h.logger.Warn("close history backend", "error", err)
		}
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("close store", "error", err)
	}
}

func (h *Hub) historyBackendName() string {
	if h.historyDB != nil {
		return "badger"
	}
	return h.cfg.Storage.Driver
}

func (h *Hub) runRetentionPurger(ctx context.Context) {
	if h.cfg.Storage.Retention.Duration <= 0 && h.cfg.Storage.AuditRetention.Duration <= 0 {
		h.logger.Info("retention purging disabled")
		return
	}
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purge(ctx, time.Now())
		}
	}
}

// purge deletes messages and audit events older than their retention windows
// relative to now. A non-positive window disables that half.
func (h *Hub) purge(ctx context.Context, now time.Time) {
	if retention := h.cfg.Storage.Retention.Duration; retention > 0 {
		if n, err := h.history.Purge(ctx, now.Add(-retention)); err != nil {
			h.logger.Warn("retention purge: messages failed", "error", err)
		} else if n > 0 {
			h.logger.Info("retention purge: deleted old messages", "count", n)
		}
	}
	if retention := h.cfg.Storage.AuditRetention.Duration; retention > 0 {
		if n, err := h.store.PurgeOldAuditEvents(ctx, now.Add(-retention)); err != nil {
			h.logger.Warn("retention purge: audit events failed", "error", err)
		} else if n > 0 {
			h.logger.Info("retention purge: deleted old audit events", "count", n)
		}
	}
}
