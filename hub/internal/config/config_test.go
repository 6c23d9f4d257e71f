package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"initial_admin": {
				"username": "admin",
				"password": "admin123"
			},
			"allow_signup": false
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"history_driver": "badger",
			"history_path": "/tmp/hist",
			"retention": "72h"
		},
		"session": {
			"max_message_bytes": 32768,
			"max_text_bytes": 1000,
			"send_buffer": 8,
			"history_limit": 50,
			"max_conns_per_user": 3
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Server
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v, want [http://localhost:3000]", cfg.Server.AllowedOrigins)
	}

	// Auth
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "admin" {
		t.Fatalf("Auth.InitialAdmin: got %+v", cfg.Auth.InitialAdmin)
	}
	if cfg.Auth.SignupEnabled() {
		t.Error("SignupEnabled: got true, want false")
	}

	// Storage
	if cfg.Storage.DSN != "test.db" {
		t.Errorf("Storage.DSN: got %q, want %q", cfg.Storage.DSN, "test.db")
	}
	if cfg.Storage.HistoryDriver != "badger" || cfg.Storage.HistoryPath != "/tmp/hist" {
		t.Errorf("Storage history: got %q %q", cfg.Storage.HistoryDriver, cfg.Storage.HistoryPath)
	}
	if cfg.Storage.Retention.Duration != 72*time.Hour {
		t.Errorf("Storage.Retention: got %v, want 72h", cfg.Storage.Retention.Duration)
	}
	if cfg.Storage.AuditRetention.Duration != 72*time.Hour {
		t.Errorf("Storage.AuditRetention: got %v, want 72h", cfg.Storage.AuditRetention.Duration)
	}

	// Session
	if cfg.Session.MaxMessageBytes != 32768 {
		t.Errorf("Session.MaxMessageBytes: got %d, want 32768", cfg.Session.MaxMessageBytes)
	}
	if cfg.Session.MaxTextBytes != 1000 {
		t.Errorf("Session.MaxTextBytes: got %d, want 1000", cfg.Session.MaxTextBytes)
	}
	if cfg.Session.SendBuffer != 8 {
		t.Errorf("Session.SendBuffer: got %d, want 8", cfg.Session.SendBuffer)
	}
	if cfg.Session.HistoryLimit != 50 {
		t.Errorf("Session.HistoryLimit: got %d, want 50", cfg.Session.HistoryLimit)
	}
	if cfg.Session.MaxConnsPerUser != 3 {
		t.Errorf("Session.MaxConnsPerUser: got %d, want 3", cfg.Session.MaxConnsPerUser)
	}

	// Logging
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q, want %q", cfg.Logging.Format, "text")
	}

	// Rate limit
	if cfg.RateLimit.RequestsPerSecond != 20 {
		t.Errorf("RateLimit.RequestsPerSecond: got %f, want 20", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit.Burst: got %d, want 40", cfg.RateLimit.Burst)
	}
}

func TestValidateRequired(t *testing.T) {
	// Missing server.addr
	noAddr := `{
		"server": {},
		"auth": {"jwt_secret": "some-secret-value-long-enough-for-validation"}
	}`
	path := writeTempConfig(t, noAddr)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing server.addr, got nil")
	}

	// Missing auth.jwt_secret
	noSecret := `{
		"server": {"addr": ":8080"},
		"auth": {}
	}`
	path = writeTempConfig(t, noSecret)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing auth.jwt_secret, got nil")
	}

	// Weak secret
	weak := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}
	}`
	path = writeTempConfig(t, weak)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for weak jwt_secret, got nil")
	}

	// jwks without issuer
	noIssuer := `{
		"server": {"addr": ":8080"},
		"auth": {"provider": "jwks"}
	}`
	path = writeTempConfig(t, noIssuer)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for jwks without issuer, got nil")
	}

	// Unknown driver
	badDriver := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"},
		"storage": {"driver": "mongo"}
	}`
	path = writeTempConfig(t, badDriver)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown storage driver, got nil")
	}
}

func TestLoad_ExplicitZeroRetentionKeepsHistory(t *testing.T) {
	path := writeTempConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"},
		"storage": {"retention": 0, "audit_retention": "48h"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Retention.Duration != 0 {
		t.Errorf("Storage.Retention: got %v, want 0", cfg.Storage.Retention.Duration)
	}
	if cfg.Storage.AuditRetention.Duration != 48*time.Hour {
		t.Errorf("Storage.AuditRetention: got %v, want 48h", cfg.Storage.AuditRetention.Duration)
	}
}

func TestApplyDefaults(t *testing.T) {
	// Minimal valid config -- only required fields
	minimal := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`

	path := writeTempConfig(t, minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.Provider != "builtin" {
		t.Errorf("default Auth.Provider: got %q, want builtin", cfg.Auth.Provider)
	}
	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if !cfg.Auth.SignupEnabled() {
		t.Error("default SignupEnabled: got false, want true")
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver: got %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "relay.db" {
		t.Errorf("default Storage.DSN: got %q, want %q", cfg.Storage.DSN, "relay.db")
	}
	if cfg.Storage.HistoryDriver != "" {
		t.Errorf("default Storage.HistoryDriver: got %q, want empty", cfg.Storage.HistoryDriver)
	}
	if cfg.Storage.Retention.Duration != 0 || cfg.Storage.AuditRetention.Duration != 0 {
		t.Errorf("default retention: got %v/%v, want purging disabled",
			cfg.Storage.Retention.Duration, cfg.Storage.AuditRetention.Duration)
	}
	if cfg.Session.MaxMessageBytes != 64*1024 {
		t.Errorf("default Session.MaxMessageBytes: got %d, want %d", cfg.Session.MaxMessageBytes, 64*1024)
	}
	if cfg.Session.MaxTextBytes != 4*1024 {
		t.Errorf("default Session.MaxTextBytes: got %d, want %d", cfg.Session.MaxTextBytes, 4*1024)
	}
	if cfg.Session.SendBuffer != 64 {
		t.Errorf("default Session.SendBuffer: got %d, want 64", cfg.Session.SendBuffer)
	}
	if cfg.Session.HistoryLimit != 100 {
		t.Errorf("default Session.HistoryLimit: got %d, want 100", cfg.Session.HistoryLimit)
	}
	if cfg.Session.MaxConnsPerUser != 10 {
		t.Errorf("default Session.MaxConnsPerUser: got %d, want 10", cfg.Session.MaxConnsPerUser)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("default Logging.Format: got %q, want %q", cfg.Logging.Format, "json")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("default AllowedOrigins: got %v, want [*]", cfg.Server.AllowedOrigins)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 {
		t.Errorf("default RateLimit.RequestsPerSecond: got %f, want 10", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.Burst != 20 {
		t.Errorf("default RateLimit.Burst: got %d, want 20", cfg.RateLimit.Burst)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("default Server.MaxBodyBytes: got %d, want %d", cfg.Server.MaxBodyBytes, 1024*1024)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RELAY_STORAGE_DSN", "/var/lib/relay/relay.db")
	t.Setenv("RELAY_JWT_SECRET", "env-provided-secret-that-is-long-enough")
	t.Setenv("RELAY_LOG_LEVEL", "warn")

	// No addr or secret in the file: both come from the environment.
	path := writeTempConfig(t, `{"server": {}, "auth": {}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr: got %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Storage.DSN != "/var/lib/relay/relay.db" {
		t.Errorf("Storage.DSN: got %q", cfg.Storage.DSN)
	}
	if cfg.Auth.JWTSecret != "env-provided-secret-that-is-long-enough" {
		t.Errorf("Auth.JWTSecret: got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q, want warn", cfg.Logging.Level)
	}
}
