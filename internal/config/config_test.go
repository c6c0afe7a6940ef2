package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test in an empty directory with no user config
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000/api", cfg.API.BaseURL)
	assert.Equal(t, "ws://localhost:8000/ws/notifications/", cfg.API.WSURL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.Equal(t, filepath.Join(dir, ".config", "drctl", "session.env"), cfg.Store.FilePath)
	assert.Equal(t, 5*time.Minute, cfg.Session.RefreshLead)
	assert.Equal(t, 5*time.Minute, cfg.Session.CheckInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("DRCTL_API_BASE_URL", "https://api.example.com/api")
	t.Setenv("DRCTL_STORE_BACKEND", "memory")
	t.Setenv("DRCTL_SESSION_REFRESH_LEAD", "2m")
	t.Setenv("DRCTL_LOGGING_FORMAT", "json")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/api", cfg.API.BaseURL)
	assert.Equal(t, "wss://api.example.com/ws/notifications/", cfg.API.WSURL)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Session.RefreshLead)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "drctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: https://accounts.example.org
  ws_url: wss://push.example.org/ws/
store:
  backend: redis
  redis_key: team:session
session:
  check_interval: 1m
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://push.example.org/ws/", cfg.API.WSURL)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "team:session", cfg.Store.RedisKey)
	assert.Equal(t, time.Minute, cfg.Session.CheckInterval)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DRCTL_STORE_BACKEND=kubernetes\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("DRCTL_STORE_BACKEND") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendKubernetes, cfg.Store.Backend)
}

func TestLoad_SecretFile(t *testing.T) {
	dir := isolate(t)
	secret := filepath.Join(dir, "redis-url")
	require.NoError(t, os.WriteFile(secret, []byte("redis://:hunter2@cache:6379/1\n"), 0o600))
	t.Setenv("DRCTL_STORE_REDIS_URL_FILE", secret)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis://:hunter2@cache:6379/1", cfg.Store.RedisURL)
}

func TestLoad_MissingSecretFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv("DRCTL_STORE_REDIS_URL_FILE", filepath.Join(dir, "missing"))

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func validConfig() Config {
	return Config{
		API:     APIConfig{BaseURL: "http://localhost:8000", WSURL: "ws://localhost:8000/ws/", Timeout: time.Second},
		Store:   StoreConfig{Backend: BackendFile, FilePath: "/tmp/session.env"},
		Session: SessionConfig{RefreshLead: time.Minute, CheckInterval: time.Minute},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "relative base url", mutate: func(c *Config) { c.API.BaseURL = "/api" }, wantErr: true},
		{name: "http ws url", mutate: func(c *Config) { c.API.WSURL = "http://localhost/ws" }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.API.Timeout = 0 }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "sqlite" }, wantErr: true},
		{name: "redis without url", mutate: func(c *Config) { c.Store.Backend = BackendRedis }, wantErr: true},
		{name: "kubernetes without secret", mutate: func(c *Config) {
			c.Store.Backend = BackendKubernetes
			c.Store.KubernetesNamespace = "default"
		}, wantErr: true},
		{name: "memory", mutate: func(c *Config) { c.Store.Backend = BackendMemory }},
		{name: "zero refresh lead", mutate: func(c *Config) { c.Session.RefreshLead = 0 }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "trace" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "sample ratio above one", mutate: func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
