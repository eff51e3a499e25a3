package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TFTEST_DEFAULTS_ENGINE_STATE_DIR", dir)
	cfg, err := Load(LoadOptions{EnvFiles: []string{}, EnvPrefix: "TFTEST_DEFAULTS"})
	require.NoError(t, err)
	require.Equal(t, ModeHTTP, cfg.Mode)
	require.Equal(t, "0.0.0.0:7070", cfg.Server.Addr)
	require.Equal(t, BackendFile, cfg.Engine.Backend)
	require.Equal(t, 5, cfg.Engine.MaxConcurrent)
	require.Equal(t, 3, cfg.Engine.MaxInstances)
	require.Equal(t, 5*time.Second, cfg.Engine.ShutdownGrace)
	require.Equal(t, dir, cfg.Engine.StateDir)
	require.Equal(t, filepath.Join(dir, "scheduled_tasks.json"), cfg.TasksPath())
	require.Equal(t, time.Local, cfg.Location())
}

func TestLoadPriority(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TFTEST_LOG_LEVEL=debug\nTFTEST_ENGINE_MAX_INSTANCES=7\n"), 0o600))
	configFile := filepath.Join(dir, "taskflow.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
server:
  addr: 127.0.0.1:9000
engine:
  backend: sqlite
  max_instances: 2
  shutdown_grace: 12s
nats:
  url: nats://127.0.0.1:4222
`), 0o600))

	t.Setenv("TFTEST_ENGINE_STATE_DIR", dir)
	t.Setenv("TFTEST_ENGINE_USE_UTC", "true")
	t.Cleanup(func() {
		os.Unsetenv("TFTEST_LOG_LEVEL")
		os.Unsetenv("TFTEST_ENGINE_MAX_INSTANCES")
	})

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", configFile, "--addr", "127.0.0.1:9100"}))

	cfg, err := Load(LoadOptions{EnvPrefix: "TFTEST", EnvFiles: []string{envFile}, Flags: fs})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9100", cfg.Server.Addr)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 7, cfg.Engine.MaxInstances)
	require.Equal(t, BackendSQLite, cfg.Engine.Backend)
	require.Equal(t, 12*time.Second, cfg.Engine.ShutdownGrace)
	require.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	require.Equal(t, dir, cfg.Engine.StateDir)
	require.Equal(t, time.UTC, cfg.Location())
	require.Equal(t, filepath.Join(dir, "taskflow.db"), cfg.DatabasePath())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	cfg.Mode = "grpc"
	cfg.Engine.Backend = "postgres"
	cfg.Engine.MaxConcurrent = 0
	cfg.Notification.Bark.Enabled = true
	err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.ErrorContains(t, err, "mode must be")
	require.ErrorContains(t, err, "engine.backend")
	require.ErrorContains(t, err, "max_concurrent")
	require.ErrorContains(t, err, "bark.url")
}

func TestLoadRejectsMissingConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{EnvFiles: []string{}, ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}
