package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PathEnv names the config file when no --config flag is given.
const PathEnv = "SEMOXY_CONFIG"

type Config struct {
	HTTP            HTTPConfig   `yaml:"http"`
	DatabaseURL     string       `yaml:"database_url"`
	RedisURL        string       `yaml:"redis_url"`
	Auth            AuthConfig   `yaml:"auth"`
	Tickets         TicketConfig `yaml:"tickets"`
	ServerStateFile string       `yaml:"server_state_file"`
	AuditLogFile    string       `yaml:"audit_log_file"`
	Log             LogConfig    `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SecureCookies   bool          `yaml:"secure_cookies"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
}

// TrustedProxyPrefixes parses TrustedProxies. Entries are CIDRs or bare
// addresses; a bare address is a single-host prefix.
func (c HTTPConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("HTTP_TRUSTED_PROXIES: invalid prefix %q", raw)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("HTTP_TRUSTED_PROXIES: invalid address %q", raw)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

type AuthConfig struct {
	BootstrapUsername string        `yaml:"bootstrap_username"`
	BootstrapPassword string        `yaml:"bootstrap_password"`
	PasswordPepper    string        `yaml:"password_pepper"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	PurgeInterval     time.Duration `yaml:"purge_interval"`
	UserStateFile     string        `yaml:"user_state_file"`
}

type TicketConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Auth: AuthConfig{
			BootstrapUsername: "admin",
			BootstrapPassword: "admin123",
			PasswordPepper:    "change-me-in-production",
			SessionTTL:        7200 * time.Second,
			PurgeInterval:     5 * time.Minute,
			UserStateFile:     "./data/auth_users.json",
		},
		Tickets: TicketConfig{
			TTL:         60 * time.Second,
			MaxAttempts: 10,
		},
		ServerStateFile: "./data/servers.json",
		AuditLogFile:    "./data/audit.log",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. Values from the YAML file at path (or
// $SEMOXY_CONFIG when path is empty) replace the defaults, and environment
// variables replace both.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTP.Addr, "HTTP_ADDR")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.Auth.BootstrapUsername, "AUTH_BOOTSTRAP_USERNAME")
	setString(&cfg.Auth.BootstrapPassword, "AUTH_BOOTSTRAP_PASSWORD")
	setString(&cfg.Auth.PasswordPepper, "AUTH_PASSWORD_PEPPER")
	setString(&cfg.Auth.UserStateFile, "AUTH_USER_STATE_FILE")
	setString(&cfg.ServerStateFile, "SERVER_STATE_FILE")
	setString(&cfg.AuditLogFile, "AUDIT_LOG_FILE")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")

	seconds := []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.HTTP.ReadTimeout, "HTTP_READ_TIMEOUT_SEC"},
		{&cfg.HTTP.WriteTimeout, "HTTP_WRITE_TIMEOUT_SEC"},
		{&cfg.HTTP.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT_SEC"},
		{&cfg.Auth.SessionTTL, "AUTH_SESSION_TTL_SEC"},
		{&cfg.Auth.PurgeInterval, "AUTH_SESSION_PURGE_INTERVAL_SEC"},
		{&cfg.Tickets.TTL, "TICKET_TTL_SEC"},
	}
	for _, s := range seconds {
		n, ok, err := getEnvInt(s.key)
		if err != nil {
			return err
		}
		if ok {
			*s.dst = time.Duration(n) * time.Second
		}
	}

	n, ok, err := getEnvInt("TICKET_MAX_ATTEMPTS")
	if err != nil {
		return err
	}
	if ok {
		cfg.Tickets.MaxAttempts = n
	}

	if val, ok := lookup("HTTP_SECURE_COOKIES"); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("HTTP_SECURE_COOKIES must be a boolean, got %q", val)
		}
		cfg.HTTP.SecureCookies = b
	}
	if val, ok := lookup("HTTP_TRUSTED_PROXIES"); ok {
		cfg.HTTP.TrustedProxies = strings.Split(val, ",")
	}
	return nil
}

func (cfg Config) validate() error {
	required := []struct {
		val  string
		name string
	}{
		{cfg.HTTP.Addr, "HTTP_ADDR"},
		{cfg.Auth.BootstrapUsername, "AUTH_BOOTSTRAP_USERNAME"},
		{cfg.Auth.BootstrapPassword, "AUTH_BOOTSTRAP_PASSWORD"},
		{cfg.Auth.PasswordPepper, "AUTH_PASSWORD_PEPPER"},
		{cfg.Auth.UserStateFile, "AUTH_USER_STATE_FILE"},
		{cfg.ServerStateFile, "SERVER_STATE_FILE"},
		{cfg.AuditLogFile, "AUDIT_LOG_FILE"},
		{cfg.Log.Level, "LOG_LEVEL"},
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("%s must not be empty", r.name)
		}
	}

	positive := []struct {
		val  time.Duration
		name string
	}{
		{cfg.HTTP.ReadTimeout, "HTTP_READ_TIMEOUT_SEC"},
		{cfg.HTTP.WriteTimeout, "HTTP_WRITE_TIMEOUT_SEC"},
		{cfg.HTTP.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT_SEC"},
		{cfg.Auth.SessionTTL, "AUTH_SESSION_TTL_SEC"},
		{cfg.Auth.PurgeInterval, "AUTH_SESSION_PURGE_INTERVAL_SEC"},
		{cfg.Tickets.TTL, "TICKET_TTL_SEC"},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%s must be > 0", p.name)
		}
	}
	if cfg.Tickets.MaxAttempts <= 0 {
		return fmt.Errorf("TICKET_MAX_ATTEMPTS must be > 0")
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", cfg.Log.Format)
	}
	if _, err := cfg.HTTP.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

func lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func setString(dst *string, key string) {
	if val, ok := lookup(key); ok {
		*dst = val
	}
}

func getEnvInt(key string) (int, bool, error) {
	val, ok := lookup(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be an integer, got %q", key, val)
	}
	return n, true, nil
}
