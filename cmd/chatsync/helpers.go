package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/prometheus/client_golang/prometheus"
)

// mustConfig loads the config or exits, like the other commands expect.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync init <token>' first.")
		os.Exit(1)
	}
	return cfg
}

// newLogger builds a text logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// getClient creates an HTTP client for the configured server.
func getClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Auth.Identity != "" {
		opts = append(opts, chatsync.WithIdentity(cfg.Auth.Identity))
	}
	if cfg.Sync.RateLimit > 0 {
		opts = append(opts, chatsync.WithRateLimit(cfg.Sync.RateLimit, 1))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// stateDir returns where the sync cursor lives.
func stateDir(cfg *Config) (string, error) {
	if cfg.Sync.StateDir != "" {
		return cfg.Sync.StateDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state"), nil
}

func openState(cfg *Config) (*chatsync.PebbleState, error) {
	dir, err := stateDir(cfg)
	if err != nil {
		return nil, err
	}
	st, err := chatsync.OpenPebbleState(dir)
	if err != nil {
		return nil, fmt.Errorf("open sync state: %w", err)
	}
	return st, nil
}

// libConfig maps the CLI config onto the library's.
func libConfig(cfg *Config, logger *slog.Logger) chatsync.Config {
	c := chatsync.Config{
		Identity: cfg.Auth.Identity,
		Scope:    chatsync.Scope{Drive: cfg.Sync.Drive, Collection: cfg.Sync.Collection},
		PageSize: cfg.Sync.PageSize,
		Logger:   logger,
	}
	if d, err := time.ParseDuration(cfg.Sync.SafetyBuffer); err == nil {
		c.SafetyBuffer = d
	}
	return c
}

// newEngine wires an engine against the configured server. sub may be nil.
func newEngine(cfg *Config, state chatsync.SyncState, sub chatsync.Subscriber, reg prometheus.Registerer) (*chatsync.Engine, error) {
	logger := newLogger(cfg.Default.LogLevel)
	return chatsync.NewEngine(chatsync.EngineOptions{
		Remote:      getClient(cfg),
		Subscriber:  sub,
		State:       state,
		Config:      libConfig(cfg, logger),
		Metrics:     chatsync.NewMetrics(reg),
		AutoRefresh: sub != nil,
	})
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
