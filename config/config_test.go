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
	path := filepath.Join(t.TempDir(), "execmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  id: srv-1
  name: worker-a
  hardware_type: gpu
log:
  level: debug
  format: json
store:
  backend: sqlite
  dsn: /tmp/execmesh.db
runner:
  default_command: python
  default_timeout: 90s
capacity:
  max_messages: 500
recycle:
  retention: 1m
validation:
  start_rules:
    - expression: 'invocation.user_id != "blocked"'
      reason: quota exceeded
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", cfg.Server.ID)
	assert.Equal(t, "gpu", cfg.Server.HardwareType)
	assert.Equal(t, 2*time.Second, cfg.Server.PollInterval)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 90*time.Second, cfg.Runner.DefaultTimeout)
	assert.True(t, cfg.Runner.InheritEnv)
	assert.Equal(t, 500, cfg.Capacity.MaxMessages)
	assert.Equal(t, time.Minute, cfg.Recycle.Retention)
	require.Len(t, cfg.Validation.StartRules, 1)
	assert.Equal(t, "quota exceeded", cfg.Validation.StartRules[0].Reason)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  id: from-file\n")
	t.Setenv("EXECMESH_SERVER_ID", "from-env")
	t.Setenv("EXECMESH_STORE_BACKEND", "redis")
	t.Setenv("EXECMESH_REDIS_DB", "3")
	t.Setenv("EXECMESH_CAPACITY_MAX_MESSAGES", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.ID)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, 3, cfg.Store.Redis.DB)
	assert.Equal(t, 42, cfg.Capacity.MaxMessages)
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("EXECMESH_SERVER_ID", "srv")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 10000, cfg.Capacity.MaxMessages)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)

	t.Setenv("EXECMESH_RECYCLE_RETENTION", "forever")
	_, err = Load(writeConfig(t, "server:\n  id: srv\n"))
	assert.ErrorContains(t, err, "EXECMESH_RECYCLE_RETENTION")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Server.ID = "srv"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{"missing server", func(c *Config) { c.Server.ID = "" }, ErrMissingServerID},
		{"unknown backend", func(c *Config) { c.Store.Backend = "mongo" }, ErrUnknownBackend},
		{"sql without dsn", func(c *Config) { c.Store.Backend = BackendPostgres }, ErrMissingDSN},
		{"zero capacity", func(c *Config) { c.Capacity.MaxMessages = 0 }, ErrInvalidCapacity},
		{"minio without bucket", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Backend = ArchiveMinIO
			c.Archive.Endpoint = "localhost:9000"
		}, ErrIncompleteArchive},
		{"unknown archive", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Backend = "tape"
		}, ErrUnknownArchive},
		{"empty rule", func(c *Config) {
			c.Validation.StartRules = []RuleConfig{{Reason: "x"}}
		}, ErrEmptyRule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}
