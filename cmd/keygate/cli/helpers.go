package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/store"
)

// loadConfig decodes and validates the effective configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// resolveDataDir returns the configured data directory, or ~/.keygate.
func resolveDataDir(cfg *config.Config) string {
	if cfg.Store.DataDir != "" {
		return cfg.Store.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keygate"
	}
	return filepath.Join(home, ".keygate")
}

// openStore opens the credential store described by cfg.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	opts := store.Options{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	}
	if opts.DSN == "" {
		opts.DataDir = resolveDataDir(cfg)
	}
	st, err := store.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// newKeyService builds the key service over st from cfg.
func newKeyService(st *store.Store, cfg *config.Config, logger *slog.Logger) *service.KeyService {
	return service.NewKeyService(st, service.Options{
		SuperKey:          cfg.Auth.SuperKey,
		DefaultDailyQuota: cfg.Keys.DefaultDailyQuota,
		DefaultRateLimit:  cfg.Keys.DefaultRateLimit,
		Timeout:           cfg.Store.TimeoutDuration(),
		Logger:            logger,
	})
}

// quietLogger is used by one-shot commands, which report through stdout.
func quietLogger(cfg *config.Config) *slog.Logger {
	lc := cfg.Log
	if lc.Level == "" || lc.Level == "info" {
		lc.Level = "warn"
	}
	return config.NewLogger(lc, os.Stderr, false)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
