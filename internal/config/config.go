package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// KEYGATE_AUTH_SUPER_KEY for auth.super_key.
const EnvPrefix = "KEYGATE"

// Config represents the top-level keygate configuration.
type Config struct {
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Auth   AuthConfig   `yaml:"auth" mapstructure:"auth"`
	Keys   KeysConfig   `yaml:"keys" mapstructure:"keys"`
	MCP    MCPConfig    `yaml:"mcp" mapstructure:"mcp"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host" mapstructure:"host"`
	Port            int        `yaml:"port" mapstructure:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CORS            CORSConfig `yaml:"cors" mapstructure:"cors"`
	// IPRateLimit caps unauthenticated requests per client IP per minute on
	// the public validate and session endpoints. Zero disables it.
	IPRateLimit int `yaml:"ip_rate_limit" mapstructure:"ip_rate_limit"`
	// TrustProxy takes the client IP from X-Forwarded-For and X-Real-IP.
	// Enable only behind a proxy that sets them.
	TrustProxy bool `yaml:"trust_proxy" mapstructure:"trust_proxy"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins" mapstructure:"origins"`
}

// StoreConfig selects the credential database.
type StoreConfig struct {
	Driver       string `yaml:"driver" mapstructure:"driver"`
	DSN          string `yaml:"dsn" mapstructure:"dsn"`
	DataDir      string `yaml:"data_dir" mapstructure:"data_dir"`
	Timeout      string `yaml:"timeout" mapstructure:"timeout"`
	MaxOpenConns int    `yaml:"max_open_conns" mapstructure:"max_open_conns"`
}

// AuthConfig controls authentication settings.
type AuthConfig struct {
	// SuperKey is the reserved super-credential. Empty disables it.
	SuperKey     string `yaml:"super_key" mapstructure:"super_key"`
	JWTSecret    string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	SessionTTL   string `yaml:"session_ttl" mapstructure:"session_ttl"`
	APIKeyHeader string `yaml:"api_key_header" mapstructure:"api_key_header"`
}

// KeysConfig holds the limits applied to newly issued credentials when the
// request leaves them unset.
type KeysConfig struct {
	DefaultDailyQuota int `yaml:"default_daily_quota" mapstructure:"default_daily_quota"`
	DefaultRateLimit  int `yaml:"default_rate_limit" mapstructure:"default_rate_limit"`
}

// MCPConfig controls the MCP (Model Context Protocol) server.
type MCPConfig struct {
	Transport string `yaml:"transport" mapstructure:"transport"`
	Addr      string `yaml:"addr" mapstructure:"addr"`
	// Role is the authority MCP tool calls act with.
	Role string `yaml:"role" mapstructure:"role"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns a Config pre-filled with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORS:            CORSConfig{Origins: []string{"*"}},
			IPRateLimit:     60,
		},
		Store: StoreConfig{
			Driver:  "sqlite",
			Timeout: "5s",
		},
		Auth: AuthConfig{
			SessionTTL:   "1h",
			APIKeyHeader: "X-API-Key",
		},
		Keys: KeysConfig{
			DefaultDailyQuota: 100,
			DefaultRateLimit:  60,
		},
		MCP: MCPConfig{
			Transport: "stdio",
			Addr:      ":8090",
			Role:      "admin",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Bind registers every default with v and enables KEYGATE_* environment
// overrides. Keys must be known to viper for Unmarshal to see env values.
func Bind(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.cors.origins", d.Server.CORS.Origins)
	v.SetDefault("server.ip_rate_limit", d.Server.IPRateLimit)
	v.SetDefault("server.trust_proxy", d.Server.TrustProxy)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("store.timeout", d.Store.Timeout)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("auth.super_key", d.Auth.SuperKey)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.session_ttl", d.Auth.SessionTTL)
	v.SetDefault("auth.api_key_header", d.Auth.APIKeyHeader)
	v.SetDefault("keys.default_daily_quota", d.Keys.DefaultDailyQuota)
	v.SetDefault("keys.default_rate_limit", d.Keys.DefaultRateLimit)
	v.SetDefault("mcp.transport", d.MCP.Transport)
	v.SetDefault("mcp.addr", d.MCP.Addr)
	v.SetDefault("mcp.role", d.MCP.Role)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes the effective configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be caught by decoding alone.
func (c *Config) Validate() error {
	for name, d := range map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"store.timeout":           c.Store.Timeout,
		"auth.session_ttl":        c.Auth.SessionTTL,
	} {
		if d == "" {
			continue
		}
		if v, err := time.ParseDuration(d); err != nil || v < 0 {
			return fmt.Errorf("invalid %s %q", name, d)
		}
	}
	switch c.Store.Driver {
	case "", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("invalid store.driver %q (want sqlite, postgres or mysql)", c.Store.Driver)
	}
	if c.Keys.DefaultDailyQuota <= 0 || c.Keys.DefaultRateLimit <= 0 {
		return fmt.Errorf("keys.default_daily_quota and keys.default_rate_limit must be positive")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q (want text or json)", c.Log.Format)
	}
	return nil
}

// ShutdownTimeoutDuration returns the graceful shutdown budget.
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDuration(s.ShutdownTimeout, 30*time.Second)
}

// TimeoutDuration returns the deadline applied to each store call.
func (s StoreConfig) TimeoutDuration() time.Duration {
	return parseDuration(s.Timeout, 5*time.Second)
}

// SessionTTLDuration returns the lifetime of issued session tokens.
func (a AuthConfig) SessionTTLDuration() time.Duration {
	return parseDuration(a.SessionTTL, time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// DefaultYAML renders the default configuration as a commented YAML file.
func DefaultYAML() ([]byte, error) {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return nil, err
	}
	header := "# keygate configuration\n" +
		"# Every key can be overridden with a KEYGATE_ environment variable,\n" +
		"# e.g. KEYGATE_AUTH_SUPER_KEY or KEYGATE_STORE_DSN.\n\n"
	return append([]byte(header), data...), nil
}

// NewLogger builds the process logger from cfg. debug forces debug level.
func NewLogger(cfg LogConfig, w io.Writer, debug bool) *slog.Logger {
	level, _ := parseLevel(cfg.Level)
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log.level %q (want debug, info, warn or error)", s)
}
