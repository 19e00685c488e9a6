// ABOUTME: Tests for YAML config parsing, env expansion, duration fields, and validation.
// ABOUTME: Defaults must hold for an empty document and survive partial configs.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  http_addr: "0.0.0.0:9000"
  max_connections: 500
  heartbeat_interval: "30s"

security:
  enable_auth: true
  jwt_secret: "hunter2"
  allowed_origins:
    - "https://app.example.com"

rate_limiting:
  enabled: true
  max_requests_per_minute: 90
  max_concurrent_tasks: 8

agents:
  max_agents_per_session: 25
  duplicate_agent_policy: "reject"
  task_timeout: "5m"
  collaboration_timeout: "90s"
  auto_cleanup_interval: "10m"

database:
  path: "/var/lib/args/history.db"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, 500, cfg.Server.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Server.HeartbeatInterval)
	assert.True(t, cfg.Security.EnableAuth)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, 90, cfg.RateLimit.MaxRequestsPerMinute)
	assert.Equal(t, 8, cfg.RateLimit.MaxConcurrentTasks)
	assert.Equal(t, DuplicateReject, cfg.Agents.DuplicateAgentPolicy)
	assert.Equal(t, 5*time.Minute, cfg.Agents.TaskTimeout)
	assert.Equal(t, 90*time.Second, cfg.Agents.CollaborationTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Agents.CleanupInterval)
	assert.Equal(t, "/var/lib/args/history.db", cfg.Database.Path)
	assert.Equal(t, "/metrics", cfg.Metrics.Path, "metrics path defaults")
}

func TestParseEmptyAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.HTTPAddr)
	assert.Equal(t, DefaultCleanupInterval, cfg.Agents.CleanupInterval)
	assert.Equal(t, DuplicateOverwrite, cfg.Agents.DuplicateAgentPolicy)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Security.EnableAuth)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("ARGS_TEST_SECRET", "from-env")

	cfg, err := Parse([]byte(`
security:
  enable_auth: true
  jwt_secret: "${ARGS_TEST_SECRET}"
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Security.JWTSecret)
}

func TestBadDuration(t *testing.T) {
	_, err := Parse([]byte(`
agents:
  task_timeout: "five minutes"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task_timeout")
}

func TestValidation(t *testing.T) {
	t.Run("auth without credential", func(t *testing.T) {
		_, err := Parse([]byte("security:\n  enable_auth: true\n"))
		assert.Error(t, err)
	})

	t.Run("rate limit without budget", func(t *testing.T) {
		_, err := Parse([]byte("rate_limiting:\n  enabled: true\n"))
		assert.Error(t, err)
	})

	t.Run("bad duplicate policy", func(t *testing.T) {
		_, err := Parse([]byte("agents:\n  duplicate_agent_policy: \"explode\"\n"))
		assert.Error(t, err)
	})

	t.Run("negative agent cap", func(t *testing.T) {
		_, err := Parse([]byte("agents:\n  max_agents_per_session: -1\n"))
		assert.Error(t, err)
	})
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_addr: \"localhost:7777\"\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:7777", cfg.Server.HTTPAddr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.HTTPAddr)
}
