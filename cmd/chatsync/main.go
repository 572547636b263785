package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Sync    ConfigSync    `toml:"sync"`
	Watch   ConfigWatch   `toml:"watch"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	LogLevel string `toml:"log_level"`
}

// ConfigAuth holds the account this device syncs as.
type ConfigAuth struct {
	Token    string `toml:"token"`
	Identity string `toml:"identity"`
}

// ConfigSync tunes catch-up.
type ConfigSync struct {
	Drive        string  `toml:"drive"`
	Collection   string  `toml:"collection"`
	StateDir     string  `toml:"state_dir"`
	SafetyBuffer string  `toml:"safety_buffer"`
	PageSize     int     `toml:"page_size"`
	RateLimit    float64 `toml:"rate_limit"`
}

// ConfigWatch configures the long-running watch command.
type ConfigWatch struct {
	Listen        string `toml:"listen"`
	Schedule      string `toml:"schedule"`
	WebhookSecret string `toml:"webhook_secret"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func readConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies CHATSYNC_* overrides from
// the environment and a local .env file.
func loadConfig() (*Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load(".env")
	applyEnv(cfg)
	return cfg, nil
}

var envOverrides = map[string]string{
	"CHATSYNC_BASE_URL":       "default.base_url",
	"CHATSYNC_LOG_LEVEL":      "default.log_level",
	"CHATSYNC_TOKEN":          "auth.token",
	"CHATSYNC_IDENTITY":       "auth.identity",
	"CHATSYNC_DRIVE":          "sync.drive",
	"CHATSYNC_STATE_DIR":      "sync.state_dir",
	"CHATSYNC_LISTEN":         "watch.listen",
	"CHATSYNC_SCHEDULE":       "watch.schedule",
	"CHATSYNC_WEBHOOK_SECRET": "watch.webhook_secret",
}

func applyEnv(cfg *Config) {
	for env, key := range envOverrides {
		if v := os.Getenv(env); v != "" {
			_ = setConfigValue(cfg, key, v)
		}
	}
}

// saveConfig writes the config struct back to disk as TOML. Environment
// overrides are never persisted.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "identity":
			cfg.Auth.Identity = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		switch field {
		case "drive":
			cfg.Sync.Drive = value
		case "collection":
			cfg.Sync.Collection = value
		case "state_dir":
			cfg.Sync.StateDir = value
		case "safety_buffer":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("sync.safety_buffer: %w", err)
			}
			cfg.Sync.SafetyBuffer = value
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("sync.page_size: %w", err)
			}
			cfg.Sync.PageSize = n
		case "rate_limit":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("sync.rate_limit: %w", err)
			}
			cfg.Sync.RateLimit = f
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "watch":
		switch field {
		case "listen":
			cfg.Watch.Listen = value
		case "schedule":
			cfg.Watch.Schedule = value
		case "webhook_secret":
			cfg.Watch.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [watch]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, sync, watch)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Conversation sync CLI",
	Long:  "Command-line interface for the chatsync engine.\nConfigure an account, run catch-up, watch for live updates and send messages.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
