package config_test

import (
	"testing"
	"time"

	"github.com/forgewarden/warden/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("WARDEN_FORGE_URL", "")
	t.Setenv("WARDEN_FORGE_OWNER", "")
	t.Setenv("WARDEN_FORGE_REPO", "")
	t.Setenv("WARDEN_FORGE_TOKEN", "")
	t.Setenv("GITEA_TOKEN", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("WARDEN_REPO_ROOT", "")
	t.Setenv("WARDEN_CLAIM_TTL_SECONDS", "")
	t.Setenv("WARDEN_SLEEP_SECONDS", "")
	t.Setenv("WARDEN_AUTONOMY", "")

	cfg := config.Load()

	assert.Contains(t, cfg.ForgeAPIBase, "localhost") // Default is local
	assert.Equal(t, "warden", cfg.ForgeOwner)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, ".", cfg.RepoRoot)
	assert.Equal(t, "docs/governance.md", cfg.GovernancePath)
	assert.Equal(t, "warden-executor", cfg.ExecutorCommand)
	assert.Equal(t, 30*time.Minute, cfg.ClaimTTL)
	assert.Equal(t, time.Minute, cfg.SleepInterval)
	assert.Equal(t, "fs", cfg.ArchiveBackend)
	assert.False(t, cfg.AutonomyEnabled)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("WARDEN_FORGE_URL", "http://forge.internal:3000")
	t.Setenv("WARDEN_FORGE_OWNER", "acme")
	t.Setenv("WARDEN_FORGE_REPO", "platform")
	t.Setenv("WARDEN_FORGE_TOKEN", "tok-1")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("WARDEN_REPO_ROOT", "/srv/repo")
	t.Setenv("WARDEN_POLICY_PATH", "policy/custom.yaml")
	t.Setenv("WARDEN_CLAIM_TTL_SECONDS", "900")
	t.Setenv("WARDEN_SLEEP_SECONDS", "5")
	t.Setenv("WARDEN_GATE_CACHE", "/tmp/gate.db")
	t.Setenv("WARDEN_ARCHIVE_BACKEND", "s3")
	t.Setenv("WARDEN_AUTONOMY", "true")

	cfg := config.Load()

	assert.Equal(t, "http://forge.internal:3000", cfg.ForgeAPIBase)
	assert.Equal(t, "acme", cfg.ForgeOwner)
	assert.Equal(t, "platform", cfg.ForgeRepo)
	assert.Equal(t, "tok-1", cfg.ForgeToken)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "/srv/repo", cfg.RepoRoot)
	assert.Equal(t, "policy/custom.yaml", cfg.PolicyPath)
	assert.Equal(t, 15*time.Minute, cfg.ClaimTTL)
	assert.Equal(t, 5*time.Second, cfg.SleepInterval)
	assert.Equal(t, "/tmp/gate.db", cfg.GateCachePath)
	assert.Equal(t, "s3", cfg.ArchiveBackend)
	assert.True(t, cfg.AutonomyEnabled)
}

// TestLoad_TokenFallback verifies the GITEA_TOKEN fallback and that
// malformed durations keep their defaults.
func TestLoad_TokenFallback(t *testing.T) {
	t.Setenv("WARDEN_FORGE_TOKEN", "")
	t.Setenv("GITEA_TOKEN", "tok-2")
	t.Setenv("WARDEN_CLAIM_TTL_SECONDS", "soon")
	t.Setenv("WARDEN_SLEEP_SECONDS", "-3")

	cfg := config.Load()

	assert.Equal(t, "tok-2", cfg.ForgeToken)
	assert.Equal(t, 30*time.Minute, cfg.ClaimTTL)
	assert.Equal(t, time.Minute, cfg.SleepInterval)
}
