package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "claude", cfg.Agent.Runner)
	assert.Equal(t, 20, cfg.Agent.MaxTurns)
	assert.Equal(t, 120, cfg.Agent.RequestTimeout)
	assert.Equal(t, 1800, cfg.Session.Timeout)
	assert.Equal(t, 100, cfg.Session.MaxSessions)
	assert.Equal(t, 160000, cfg.Session.ContextThresholdTokens)
	assert.Equal(t, 60, cfg.Tools.BashTimeout)
	assert.Equal(t, 10*1024*1024, cfg.Tools.BashMaxOutput)
	assert.False(t, cfg.Discord.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AGENTLOOP_AGENT_RUNNER", "codex")
	t.Setenv("AGENTLOOP_AGENT_MAX_TURNS", "5")
	t.Setenv("AGENTLOOP_HOME", "/tmp/agent-home")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "codex", cfg.Agent.Runner)
	assert.Equal(t, 5, cfg.Agent.MaxTurns)
	assert.Equal(t, "/tmp/agent-home", cfg.Agent.Home)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("agent:\n  model: opus\n  gatewayTools: true\nsession:\n  maxSessions: 10\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, "opus", cfg.Agent.Model)
	assert.True(t, cfg.Agent.GatewayTools)
	assert.Equal(t, 10, cfg.Session.MaxSessions)
}

func TestValidateRejectsBadRunner(t *testing.T) {
	t.Setenv("AGENTLOOP_AGENT_RUNNER", "gemini")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.runner")
}

func TestValidateCronJobs(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("cron:\n  jobs:\n    - name: digest\n      schedule: \"0 9 * * *\"\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cron.jobs[0].prompt")
}

func TestAgentHomeDirExpansion(t *testing.T) {
	a := AgentConfig{Home: "~/.agentloop"}
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".agentloop"), a.HomeDir())

	a.Home = "/opt/agent"
	assert.Equal(t, "/opt/agent", a.HomeDir())
}

func TestDatabaseSQLitePath(t *testing.T) {
	d := DatabaseConfig{}
	assert.Equal(t, "/srv/home/memory.db", d.SQLitePath("/srv/home"))

	d.Path = "/var/lib/agentloop/mem.db"
	assert.Equal(t, "/var/lib/agentloop/mem.db", d.SQLitePath("/srv/home"))
}
