package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	PathEnv,
	"HTTP_ADDR", "HTTP_READ_TIMEOUT_SEC", "HTTP_WRITE_TIMEOUT_SEC", "HTTP_SHUTDOWN_TIMEOUT_SEC",
	"HTTP_SECURE_COOKIES", "HTTP_TRUSTED_PROXIES", "DATABASE_URL", "REDIS_URL",
	"AUTH_BOOTSTRAP_USERNAME", "AUTH_BOOTSTRAP_PASSWORD", "AUTH_PASSWORD_PEPPER",
	"AUTH_SESSION_TTL_SEC", "AUTH_SESSION_PURGE_INTERVAL_SEC", "AUTH_USER_STATE_FILE",
	"TICKET_TTL_SEC", "TICKET_MAX_ATTEMPTS", "SERVER_STATE_FILE", "AUDIT_LOG_FILE",
	"LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("expected default HTTP addr :8080, got %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.ShutdownTimeout != 20*time.Second {
		t.Fatalf("expected default shutdown timeout 20s, got %v", cfg.HTTP.ShutdownTimeout)
	}
	if cfg.DatabaseURL != "" || cfg.RedisURL != "" {
		t.Fatalf("expected no database or redis by default, got %q %q", cfg.DatabaseURL, cfg.RedisURL)
	}
	if cfg.Auth.SessionTTL != 7200*time.Second {
		t.Fatalf("expected default session ttl 7200s, got %v", cfg.Auth.SessionTTL)
	}
	if cfg.Tickets.TTL != time.Minute || cfg.Tickets.MaxAttempts != 10 {
		t.Fatalf("unexpected ticket defaults: %+v", cfg.Tickets)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
	if cfg.ServerStateFile != "./data/servers.json" {
		t.Fatalf("expected default server state file, got %q", cfg.ServerStateFile)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "semoxy.yaml")
	content := `
http:
  addr: ":9000"
  read_timeout: 3s
redis_url: redis://localhost:6379/0
auth:
  session_ttl: 1h
tickets:
  max_attempts: 4
log:
  format: console
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HTTP_ADDR", ":9100")
	t.Setenv("TICKET_TTL_SEC", "30")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Fatalf("expected env to override file addr, got %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.ReadTimeout != 3*time.Second {
		t.Fatalf("expected file read timeout 3s, got %v", cfg.HTTP.ReadTimeout)
	}
	if cfg.HTTP.WriteTimeout != 15*time.Second {
		t.Fatalf("expected default write timeout kept, got %v", cfg.HTTP.WriteTimeout)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url %q", cfg.RedisURL)
	}
	if cfg.Auth.SessionTTL != time.Hour {
		t.Fatalf("expected session ttl 1h, got %v", cfg.Auth.SessionTTL)
	}
	if cfg.Tickets.TTL != 30*time.Second || cfg.Tickets.MaxAttempts != 4 {
		t.Fatalf("unexpected tickets: %+v", cfg.Tickets)
	}
	if cfg.Log.Format != "console" {
		t.Fatalf("expected console format, got %q", cfg.Log.Format)
	}
}

func TestTrustedProxyPrefixes(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "semoxy.yaml")
	content := `
http:
  trusted_proxies: ["10.1.2.3/8", "192.0.2.9"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	prefixes, err := cfg.HTTP.TrustedProxyPrefixes()
	if err != nil {
		t.Fatalf("TrustedProxyPrefixes() returned error: %v", err)
	}
	want := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.9/32"),
	}
	if len(prefixes) != len(want) || prefixes[0] != want[0] || prefixes[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, prefixes)
	}

	t.Setenv("HTTP_TRUSTED_PROXIES", "172.16.0.1, 172.16.0.2")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if len(cfg.HTTP.TrustedProxies) != 2 {
		t.Fatalf("expected env to replace file proxies, got %v", cfg.HTTP.TrustedProxies)
	}
}

func TestLoadUsesPathEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "semoxy.yaml")
	if err := os.WriteFile(path, []byte("audit_log_file: /tmp/audit.jsonl\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(PathEnv, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.AuditLogFile != "/tmp/audit.jsonl" {
		t.Fatalf("expected audit log from file, got %q", cfg.AuditLogFile)
	}
}

func TestLoadRejectsUnknownFileKeys(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "semoxy.yaml")
	if err := os.WriteFile(path, []byte("sesion_ttl: 10s\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		key  string
		val  string
		want string
	}{
		{"AUTH_SESSION_TTL_SEC", "0", "AUTH_SESSION_TTL_SEC must be > 0"},
		{"AUTH_SESSION_TTL_SEC", "soon", "AUTH_SESSION_TTL_SEC must be an integer"},
		{"TICKET_MAX_ATTEMPTS", "-1", "TICKET_MAX_ATTEMPTS must be > 0"},
		{"LOG_FORMAT", "xml", "LOG_FORMAT must be json or console"},
		{"HTTP_SECURE_COOKIES", "maybe", "HTTP_SECURE_COOKIES must be a boolean"},
		{"HTTP_TRUSTED_PROXIES", "10.0.0.0/33", "HTTP_TRUSTED_PROXIES: invalid prefix"},
		{"HTTP_TRUSTED_PROXIES", "proxy.local", "HTTP_TRUSTED_PROXIES: invalid address"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.val, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.val)
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
