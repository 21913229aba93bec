// Package config loads colony settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/colonyhq/colony/pkg/statesync"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Defaults applied when the environment leaves a setting unset.
const (
	DefaultStateDir       = ".colony/state"
	DefaultBranch         = "main"
	DefaultCommitTemplate = "Update colony state [skip ci]"
	DefaultDebounce       = 500 * time.Millisecond
)

// Config is the full runtime configuration.
type Config struct {
	LogLevel       string `validate:"omitempty,oneof=debug info warn error"`
	StateDir       string `validate:"required"`
	Branch         string `validate:"required"`
	CommitTemplate string `validate:"required"`
	Debounce       time.Duration
	AutoCommit     bool
	AutoPush       bool
	AutoPull       bool
	SyncOnStart    bool
	EventChannel   string `validate:"oneof=gochannel kafka"`
	WebhookAddr    string
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	debounce := DefaultDebounce

	if raw := os.Getenv("COLONY_DEBOUNCE_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid COLONY_DEBOUNCE_MS %q", raw)
		}

		debounce = time.Duration(ms) * time.Millisecond
	}

	cfg := &Config{
		LogLevel:       envOr("COLONY_LOG_LEVEL", "info"),
		StateDir:       envOr("COLONY_STATE_DIR", DefaultStateDir),
		Branch:         envOr("COLONY_BRANCH", DefaultBranch),
		CommitTemplate: envOr("COLONY_COMMIT_TEMPLATE", DefaultCommitTemplate),
		Debounce:       debounce,
		AutoCommit:     envBool("COLONY_AUTO_COMMIT", true),
		AutoPush:       envBool("COLONY_AUTO_PUSH", false),
		AutoPull:       envBool("COLONY_AUTO_PULL", true),
		SyncOnStart:    envBool("COLONY_SYNC_ON_START", false),
		EventChannel:   envOr("COLONY_EVENT_CHANNEL", "gochannel"),
		WebhookAddr:    envOr("COLONY_WEBHOOK_ADDR", ":8085"),
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SyncOptions maps the configuration onto the state sync layer.
func (c *Config) SyncOptions() statesync.Options {
	return statesync.Options{
		Dir:            c.StateDir,
		Branch:         c.Branch,
		CommitTemplate: c.CommitTemplate,
		Debounce:       c.Debounce,
		AutoCommit:     c.AutoCommit,
		AutoPush:       c.AutoPush,
		AutoPull:       c.AutoPull,
		SyncOnStart:    c.SyncOnStart,
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}

	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}

	return value
}
