package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: /tmp/sync-data
sync:
  tables:
    - name: orders
    - name: services
      conflict_resolution: remote-wins
  conflict_resolution: latest-wins
  max_retries: 3
network:
  probe_url: https://connectivity.example.com/generate_204
server:
  auth_token: secret
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/sync-data", cfg.Storage.Path)
	assert.Equal(t, []string{"orders", "services"}, cfg.Sync.TableNames())
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, "secret", cfg.Server.AuthToken)

	// Defaults fill in what the file leaves out.
	assert.Equal(t, time.Second, cfg.Sync.GetRetryBaseDelay())
	assert.Equal(t, 10*time.Second, cfg.Sync.GetSyncTimeout())
	assert.Equal(t, 1000, cfg.Sync.PullLimit)
	assert.Equal(t, 30*time.Second, cfg.Network.GetProbeInterval())
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestPolicyFor(t *testing.T) {
	cfg := SyncConfig{
		Tables: []TableConfig{
			{Name: "orders"},
			{Name: "services", ConflictResolution: "remote-wins"},
		},
		ConflictResolution: "latest-wins",
	}
	assert.Equal(t, "remote-wins", cfg.PolicyFor("services"))
	assert.Equal(t, "latest-wins", cfg.PolicyFor("orders"))
	assert.Equal(t, "latest-wins", cfg.PolicyFor("unknown"))
}

func TestParseDurationFallback(t *testing.T) {
	assert.Equal(t, time.Minute, parseDuration("garbage", time.Minute))
	assert.Equal(t, time.Minute, parseDuration("-5s", time.Minute))
	assert.Equal(t, 250*time.Millisecond, parseDuration("250ms", time.Minute))
}
