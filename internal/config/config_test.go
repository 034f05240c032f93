package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_PopulatesDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.KV.Backend)
	assert.Equal(t, "rot_execution_results", cfg.ROT.ResultsQueue)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 30*time.Second, cfg.Driver.HeartbeatInterval)
	assert.Equal(t, "integration", cfg.K8sCluster.Namespace)
	assert.Equal(t, 0.5, cfg.Manager.ShapValueThreshold)
	assert.Equal(t, "ede_anomalies", cfg.Notification.Topic)
	assert.Equal(t, 9090, cfg.MetricsPort)
}

func TestLoadFromFile_MissingFileLeavesDefaultsInPlace(t *testing.T) {
	cfg := New()
	err := loadFromFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"), cfg)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadFromFile_OverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 10.0.0.5
  port: 9999
kv:
  backend: postgres
  dsn: postgres://localhost/orchestrator
`), 0o644))

	cfg := New()
	require.NoError(t, loadFromFile(path, cfg))

	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.KV.Backend)
	assert.Equal(t, "postgres://localhost/orchestrator", cfg.KV.DSN)
	// Fields absent from the file keep their default.
	assert.Equal(t, "rot_execution_results", cfg.ROT.ResultsQueue)
}

func TestLoad_EnvironmentOverridesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
`), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "7777")
	t.Setenv("KV_BACKEND", "postgres")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port, "environment wins over both file and default")
	assert.Equal(t, "postgres", cfg.KV.Backend, "environment wins when the file doesn't set the field")
}

func TestLoad_NoConfigFileOrEnvReturnsDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.KV.Backend)
}
