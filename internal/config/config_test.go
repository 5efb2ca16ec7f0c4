package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.Timeout)
	assert.Equal(t, 512, cfg.Snapshot.CacheSize)
	assert.Equal(t, 60*time.Second, cfg.Session.PongWait)
	assert.Equal(t, 54*time.Second, cfg.Session.PingPeriod())
	assert.False(t, cfg.Snapshot.S3.Enabled())
	assert.False(t, cfg.Auth.Required)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"PORT":                 "9090",
		"PIPELINE_TIMEOUT":     "90s",
		"PIPELINE_MAX_RETRIES": "5",
		"SNAPSHOT_S3_ENDPOINT": "minio:9000",
		"SNAPSHOT_S3_USE_SSL":  "false",
		"AUTH_REQUIRED":        "true",
		"DATABASE_URL":         "postgres://localhost/app",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, 5, cfg.Pipeline.MaxRetries)
	assert.True(t, cfg.Snapshot.S3.Enabled())
	assert.True(t, cfg.Auth.Required)
	assert.Equal(t, "postgres://localhost/app", cfg.Database.URL)
}

func TestLoad_YAMLOverlayThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: ":7000"
pipeline:
  timeout: 2m
  max_retries: 4
  dev_server_probe: "curl -sf localhost:5173"
snapshot:
  cache_size: 64
`), 0o600))

	cfg, err := load(lookupFrom(map[string]string{
		"APP_CONFIG_FILE":      path,
		"PIPELINE_MAX_RETRIES": "2",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.Timeout)
	assert.Equal(t, 2, cfg.Pipeline.MaxRetries, "environment wins over the file")
	assert.Equal(t, "curl -sf localhost:5173", cfg.Pipeline.DevServerProbe)
	assert.Equal(t, 64, cfg.Snapshot.CacheSize)
	assert.Equal(t, "conversation-snapshots", cfg.Snapshot.S3.Bucket, "unset keys keep defaults")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad duration", env: map[string]string{"PIPELINE_TIMEOUT": "soon"}},
		{name: "bad integer", env: map[string]string{"PIPELINE_MAX_RETRIES": "three"}},
		{name: "zero retries", env: map[string]string{"PIPELINE_MAX_RETRIES": "0"}},
		{name: "bad bool", env: map[string]string{"AUTH_REQUIRED": "maybe"}},
		{name: "missing file", env: map[string]string{"APP_CONFIG_FILE": "/nonexistent/config.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(lookupFrom(tt.env))
			assert.Error(t, err)
		})
	}
}
