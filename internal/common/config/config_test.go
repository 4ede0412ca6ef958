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

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8520, cfg.Server.Port)
	assert.Equal(t, "./data", cfg.Data.Dir)
	assert.True(t, cfg.Scheduler.Autostart)
	assert.Equal(t, 60, cfg.Scheduler.MaxPollSeconds)
	assert.Equal(t, 30, cfg.Scheduler.ShutdownGraceSeconds)
	assert.Equal(t, 5, cfg.Scheduler.ExecuteNowWaitSeconds)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, "http://127.0.0.1:8521", cfg.Automation.BaseURL)
	assert.Equal(t, 600, cfg.Automation.RequestTimeoutSeconds)
	assert.Empty(t, cfg.License.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
server:
  port: 9000
scheduler:
  autostart: false
  maxPollSeconds: 30
data:
  dir: /var/lib/redpilot
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.False(t, cfg.Scheduler.Autostart)
	assert.Equal(t, 30, cfg.Scheduler.MaxPollSeconds)
	assert.Equal(t, "/var/lib/redpilot", cfg.Data.Dir)

	// Untouched sections keep their defaults
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 5, cfg.Scheduler.ExecuteNowWaitSeconds)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REDPILOT_SERVER_PORT", "8600")
	t.Setenv("REDPILOT_NATS_URL", "nats://localhost:4222")
	t.Setenv("REDPILOT_SCHEDULER_MAX_POLL_SECONDS", "15")
	t.Setenv("REDPILOT_AUTOMATION_BASE_URL", "http://127.0.0.1:9521")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8600, cfg.Server.Port)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 15, cfg.Scheduler.MaxPollSeconds)
	assert.Equal(t, "http://127.0.0.1:9521", cfg.Automation.BaseURL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
server:
  port: 99999
logging:
  level: loud
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestDataPaths(t *testing.T) {
	d := DataConfig{Dir: "/data"}
	assert.Equal(t, filepath.Join("/data", "dispatch_config.json"), d.SnapshotPath())
	assert.Equal(t, filepath.Join("/data", "meta"), d.MetaDir())
	assert.Equal(t, filepath.Join("/data", "workspaces"), d.WorkspaceDir())
	assert.Equal(t, filepath.Join("/data", "cookies.json"), d.SharedCookiePath())
}
