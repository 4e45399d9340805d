package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	Bind(v)

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Keys.DefaultDailyQuota != 100 || cfg.Keys.DefaultRateLimit != 60 {
		t.Errorf("key defaults = %d/%d, want 100/60", cfg.Keys.DefaultDailyQuota, cfg.Keys.DefaultRateLimit)
	}
	if cfg.Auth.SuperKey != "" {
		t.Error("super key must have no default")
	}
	if cfg.Store.TimeoutDuration() != 5*time.Second {
		t.Errorf("store timeout = %v, want 5s", cfg.Store.TimeoutDuration())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KEYGATE_AUTH_SUPER_KEY", "kg_super")
	t.Setenv("KEYGATE_STORE_DRIVER", "postgres")
	t.Setenv("KEYGATE_STORE_DSN", "postgres://localhost/keygate")
	t.Setenv("KEYGATE_KEYS_DEFAULT_DAILY_QUOTA", "500")
	t.Setenv("KEYGATE_SERVER_CORS_ORIGINS", "https://a.example,https://b.example")

	v := viper.New()
	Bind(v)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.SuperKey != "kg_super" {
		t.Errorf("super key = %q", cfg.Auth.SuperKey)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://localhost/keygate" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Keys.DefaultDailyQuota != 500 {
		t.Errorf("daily quota = %d, want 500", cfg.Keys.DefaultDailyQuota)
	}
	if len(cfg.Server.CORS.Origins) != 2 {
		t.Errorf("origins = %v, want 2 entries", cfg.Server.CORS.Origins)
	}
}

func TestLoadFromYAML(t *testing.T) {
	v := viper.New()
	Bind(v)
	v.SetConfigType("yaml")
	src := `
server:
  port: 9090
store:
  timeout: 250ms
log:
  format: json
`
	if err := v.ReadConfig(strings.NewReader(src)); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Store.TimeoutDuration() != 250*time.Millisecond {
		t.Errorf("timeout = %v", cfg.Store.TimeoutDuration())
	}
	if cfg.Log.Format != "json" {
		t.Errorf("format = %q", cfg.Log.Format)
	}
	// Untouched keys keep their defaults.
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q", cfg.Server.Host)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Store.Driver = "oracle" }},
		{"bad timeout", func(c *Config) { c.Store.Timeout = "soon" }},
		{"bad ttl", func(c *Config) { c.Auth.SessionTTL = "-1h" }},
		{"zero quota", func(c *Config) { c.Keys.DefaultDailyQuota = 0 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestDefaultYAMLRoundTrip(t *testing.T) {
	data, err := DefaultYAML()
	if err != nil {
		t.Fatalf("DefaultYAML: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("# keygate configuration")) {
		t.Error("expected header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Auth.APIKeyHeader != "X-API-Key" || cfg.MCP.Transport != "stdio" {
		t.Errorf("round trip lost values: %+v", cfg)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf, false)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected JSON output, got %q", out)
	}

	buf.Reset()
	NewLogger(LogConfig{Level: "error"}, &buf, true).Debug("debug forced")
	if !strings.Contains(buf.String(), "debug forced") {
		t.Error("debug flag should force debug level")
	}
}
