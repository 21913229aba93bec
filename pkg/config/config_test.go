package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, DefaultStateDir, cfg.StateDir)
	assert.Equal(t, DefaultBranch, cfg.Branch)
	assert.Equal(t, DefaultCommitTemplate, cfg.CommitTemplate)
	assert.Equal(t, DefaultDebounce, cfg.Debounce)
	assert.True(t, cfg.AutoCommit)
	assert.False(t, cfg.AutoPush)
	assert.Equal(t, "gochannel", cfg.EventChannel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("COLONY_LOG_LEVEL", "debug")
	t.Setenv("COLONY_STATE_DIR", "/tmp/colony-state")
	t.Setenv("COLONY_DEBOUNCE_MS", "250")
	t.Setenv("COLONY_AUTO_PUSH", "true")
	t.Setenv("COLONY_EVENT_CHANNEL", "kafka")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/colony-state", cfg.StateDir)
	assert.Equal(t, 250*time.Millisecond, cfg.Debounce)
	assert.True(t, cfg.AutoPush)
	assert.Equal(t, "kafka", cfg.EventChannel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("COLONY_DEBOUNCE_MS", "soon")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Setenv("COLONY_LOG_LEVEL", "loud")

	_, err := Load()
	require.Error(t, err)
}

func TestSyncOptions(t *testing.T) {
	t.Setenv("COLONY_AUTO_PULL", "false")

	cfg, err := Load()
	require.NoError(t, err)

	opts := cfg.SyncOptions()
	assert.Equal(t, cfg.StateDir, opts.Dir)
	assert.Equal(t, cfg.Branch, opts.Branch)
	assert.Equal(t, cfg.Debounce, opts.Debounce)
	assert.False(t, opts.AutoPull)
}
