// Package config loads orchestrator settings from .env, an optional YAML file and the environment
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the orchestrator
type Config struct {
	Port     string         `yaml:"port"`
	Env      string         `yaml:"env"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Session  SessionConfig  `yaml:"session"`
	Auth     AuthConfig     `yaml:"auth"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// PipelineConfig configures the agent runtime and execution environment collaborators
type PipelineConfig struct {
	AgentRuntimeURL string        `yaml:"agent_runtime_url"`
	SandboxURL      string        `yaml:"sandbox_url"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	DevServerProbe  string        `yaml:"dev_server_probe"`
}

// SnapshotConfig selects and configures snapshot persistence.
// Postgres is used when a database URL is set, S3 when an endpoint is set, memory otherwise.
type SnapshotConfig struct {
	CacheSize int      `yaml:"cache_size"`
	S3        S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether an S3 endpoint is configured
func (c S3Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

type SessionConfig struct {
	PongWait  time.Duration `yaml:"pong_wait"`
	WriteWait time.Duration `yaml:"write_wait"`
}

// PingPeriod is the interval between server pings; it must be shorter than PongWait
func (c SessionConfig) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

type AuthConfig struct {
	Required bool `yaml:"required"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Port: ":8080",
		Env:  "local",
		Log:  LogConfig{Level: "info"},
		Pipeline: PipelineConfig{
			AgentRuntimeURL: "http://agent-runtime:8080",
			SandboxURL:      "http://sandbox:8080",
			Timeout:         10 * time.Minute,
			MaxRetries:      3,
		},
		Snapshot: SnapshotConfig{
			CacheSize: 512,
			S3: S3Config{
				Region: "us-east-1",
				Bucket: "conversation-snapshots",
			},
		},
		Session: SessionConfig{
			PongWait:  60 * time.Second,
			WriteWait: 10 * time.Second,
		},
	}
}

// Load reads .env (if present), then the YAML file named by APP_CONFIG_FILE, then environment variables
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path, ok := lookup("APP_CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	env := envReader{lookup: lookup}
	env.str("PORT", &cfg.Port)
	env.str("APP_ENV", &cfg.Env)
	env.str("LOG_LEVEL", &cfg.Log.Level)
	env.boolean("LOG_PRETTY", &cfg.Log.Pretty)
	env.str("DATABASE_URL", &cfg.Database.URL)
	env.str("AGENT_RUNTIME_URL", &cfg.Pipeline.AgentRuntimeURL)
	env.str("SANDBOX_URL", &cfg.Pipeline.SandboxURL)
	env.duration("PIPELINE_TIMEOUT", &cfg.Pipeline.Timeout)
	env.integer("PIPELINE_MAX_RETRIES", &cfg.Pipeline.MaxRetries)
	env.str("DEV_SERVER_PROBE", &cfg.Pipeline.DevServerProbe)
	env.integer("SNAPSHOT_CACHE_SIZE", &cfg.Snapshot.CacheSize)
	env.str("SNAPSHOT_S3_ENDPOINT", &cfg.Snapshot.S3.Endpoint)
	env.str("SNAPSHOT_S3_REGION", &cfg.Snapshot.S3.Region)
	env.str("SNAPSHOT_S3_ACCESS_KEY", &cfg.Snapshot.S3.AccessKey)
	env.str("SNAPSHOT_S3_SECRET_KEY", &cfg.Snapshot.S3.SecretKey)
	env.str("SNAPSHOT_S3_BUCKET", &cfg.Snapshot.S3.Bucket)
	env.boolean("SNAPSHOT_S3_USE_SSL", &cfg.Snapshot.S3.UseSSL)
	env.duration("WS_PONG_WAIT", &cfg.Session.PongWait)
	env.duration("WS_WRITE_WAIT", &cfg.Session.WriteWait)
	env.boolean("AUTH_REQUIRED", &cfg.Auth.Required)
	if env.err != nil {
		return nil, env.err
	}

	if !strings.HasPrefix(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the orchestrator cannot run with
func (c *Config) Validate() error {
	if c.Pipeline.MaxRetries < 1 {
		return fmt.Errorf("pipeline max retries must be at least 1, got %d", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.Timeout <= 0 {
		return fmt.Errorf("pipeline timeout must be positive, got %s", c.Pipeline.Timeout)
	}
	if c.Session.PongWait <= 0 || c.Session.WriteWait <= 0 {
		return fmt.Errorf("websocket pong and write waits must be positive")
	}
	if c.Snapshot.CacheSize < 0 {
		return fmt.Errorf("snapshot cache size must not be negative, got %d", c.Snapshot.CacheSize)
	}
	return nil
}

// envReader applies environment overrides and keeps the first parse error
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) value(key string) (string, bool) {
	raw, ok := r.lookup(key)
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.value(key); ok {
		*dst = v
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = parsed
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = parsed
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = parsed
}

func (r *envReader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}
