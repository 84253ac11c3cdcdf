package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "github", cfg.Provider)
	assert.Equal(t, 50.0, cfg.Budget.DailyLimitUSD)
	assert.Equal(t, 500.0, cfg.Budget.MonthlyLimitUSD)
	assert.Equal(t, 3, cfg.Limits.MaxConcurrentAgents)
	assert.Equal(t, 1*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.True(t, cfg.Retry.Jitter)
	assert.Equal(t, 5*time.Minute, cfg.Watchdog.AgentTimeout)
	assert.Contains(t, cfg.Verify.NonFailingConclusions, "action_required")
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Budget, cfg.Budget)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
state_dir: /tmp/agent-test
log_level: debug
budget:
  daily_limit_usd: 12.5
limits:
  max_concurrent_agents: 7
watchdog:
  agent_timeout: 90s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/agent-test", cfg.StateDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 12.5, cfg.Budget.DailyLimitUSD)
	assert.Equal(t, 7, cfg.Limits.MaxConcurrentAgents)
	assert.Equal(t, 90*time.Second, cfg.Watchdog.AgentTimeout)
	// Untouched sections keep their defaults.
	assert.Equal(t, 500.0, cfg.Budget.MonthlyLimitUSD)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_GH_TOKEN", "tok-123")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("github:\n  token: ${TEST_GH_TOKEN}\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", cfg.GitHub.Token)
}

func TestEnvFillsWebhookSettings(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("ALLOWED_REPOS", "acme/widgets, acme/gadgets")
	t.Setenv("PORT", "9999")
	t.Setenv("AUTO_ITERATE", "yes")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
	assert.Equal(t, []string{"acme/widgets", "acme/gadgets"}, cfg.Webhook.AllowedRepos)
	assert.Equal(t, 9999, cfg.Webhook.Port)
	assert.True(t, cfg.Webhook.AutoIterate)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.MaxConcurrentAgents = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Budget.DailyLimitUSD = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Retry.MaxDelay = cfg.Retry.BaseDelay / 2
	assert.Error(t, cfg.Validate())
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "/var/lib/agent"
	assert.Equal(t, "/var/lib/agent/worktrees", cfg.WorktreeDir())
	assert.Equal(t, "/var/lib/agent/mirrors", cfg.MirrorDir())
	assert.Equal(t, "/var/lib/agent/logs", cfg.LogDir())
	assert.Equal(t, "/var/lib/agent/state.db", cfg.DBPath())
}
