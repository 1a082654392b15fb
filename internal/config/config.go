package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/lakesync/internal/schema"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Gateway    GatewayConfig     `yaml:"gateway"`
	Lake       LakeConfig        `yaml:"lake"`
	Auth       AuthConfig        `yaml:"auth"`
	Log        LogConfig         `yaml:"log"`
	Schemas    []schema.TableSchema `yaml:"schemas"`
	Connectors []ConnectorConfig `yaml:"connectors"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// GatewayConfig contains sync gateway settings.
type GatewayConfig struct {
	ID             string   `yaml:"id"`
	MaxBufferBytes int      `yaml:"max_buffer_bytes"`
	MaxBufferAge   Duration `yaml:"max_buffer_age"`
	FlushFormat    string   `yaml:"flush_format"`
}

// LakeConfig selects and configures the lake adapter. Type is "s3" or
// "fs"; an empty type disables flushing (the gateway reports
// NO_ADAPTER).
type LakeConfig struct {
	Type      string `yaml:"type"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	UseSSL    bool   `yaml:"use_ssl"`
	Path      string `yaml:"path"` // fs adapter root
}

// AuthConfig contains token settings.
type AuthConfig struct {
	Secret string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConnectorConfig is one source connector descriptor.
type ConnectorConfig struct {
	Type   string          `yaml:"type"` // postgres-cdc, mysql-cdc, sqlserver-cdc
	Name   string          `yaml:"name"`
	DSN    string          `yaml:"dsn"`
	Schema string          `yaml:"schema"`
	Tables []string        `yaml:"tables"`
	Ingest IngestConfig    `yaml:"ingest"`
}

// IngestConfig tunes a connector's polling behaviour.
type IngestConfig struct {
	Interval  Duration `yaml:"interval"`
	ChunkSize int      `yaml:"chunk_size"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("LAKESYNC_CONFIG_PATH", "config/lakesync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Gateway: GatewayConfig{
			ID:             "lakesync",
			MaxBufferBytes: 4 << 20,
			MaxBufferAge:   Duration(30 * time.Second),
			FlushFormat:    "parquet",
		},
		Lake: LakeConfig{
			Type: "fs",
			Path: "data/lake",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("LAKESYNC_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("LAKESYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LAKESYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Gateway
	if v := os.Getenv("LAKESYNC_GATEWAY_ID"); v != "" {
		cfg.Gateway.ID = v
	}
	if v := os.Getenv("LAKESYNC_MAX_BUFFER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.MaxBufferBytes = n
		}
	}
	if v := os.Getenv("LAKESYNC_MAX_BUFFER_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gateway.MaxBufferAge = Duration(d)
		}
	}
	if v := os.Getenv("LAKESYNC_FLUSH_FORMAT"); v != "" {
		cfg.Gateway.FlushFormat = v
	}

	// Lake
	if v := os.Getenv("LAKESYNC_LAKE_TYPE"); v != "" {
		cfg.Lake.Type = v
	}
	if v := os.Getenv("LAKESYNC_LAKE_ENDPOINT"); v != "" {
		cfg.Lake.Endpoint = v
	}
	if v := os.Getenv("LAKESYNC_LAKE_REGION"); v != "" {
		cfg.Lake.Region = v
	}
	if v := os.Getenv("LAKESYNC_LAKE_BUCKET"); v != "" {
		cfg.Lake.Bucket = v
	}
	if v := os.Getenv("LAKESYNC_LAKE_ACCESS_KEY"); v != "" {
		cfg.Lake.AccessKey = v
	}
	if v := os.Getenv("LAKESYNC_LAKE_SECRET_KEY"); v != "" {
		cfg.Lake.SecretKey = v
	}
	if v := os.Getenv("LAKESYNC_LAKE_USE_SSL"); v != "" {
		cfg.Lake.UseSSL = v == "true" || v == "1"
	}
	if v := os.Getenv("LAKESYNC_LAKE_PATH"); v != "" {
		cfg.Lake.Path = v
	}

	// Auth
	if v := os.Getenv("LAKESYNC_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}

	// Log
	if v := os.Getenv("LAKESYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LAKESYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (LAKESYNC_DEV_MODE=true), the auth secret may be empty.
func (c *Config) validate() error {
	if c.Gateway.ID == "" {
		return errors.New("gateway.id is required")
	}
	switch c.Gateway.FlushFormat {
	case "json", "parquet":
	default:
		return fmt.Errorf("gateway.flush_format must be json or parquet, got %q", c.Gateway.FlushFormat)
	}
	if c.Gateway.FlushFormat == "parquet" && len(c.Schemas) == 0 {
		return errors.New("schemas are required when gateway.flush_format is parquet")
	}
	for _, ts := range c.Schemas {
		if err := ts.Validate(); err != nil {
			return err
		}
	}
	switch c.Lake.Type {
	case "", "fs":
	case "s3":
		if c.Lake.Bucket == "" {
			return errors.New("lake.bucket is required for the s3 adapter")
		}
	default:
		return fmt.Errorf("lake.type must be s3 or fs, got %q", c.Lake.Type)
	}
	for _, conn := range c.Connectors {
		switch conn.Type {
		case "postgres-cdc", "mysql-cdc", "sqlserver-cdc":
		default:
			return fmt.Errorf("connector %q has unknown type %q", conn.Name, conn.Type)
		}
		if conn.Name == "" {
			return fmt.Errorf("connector of type %s is missing a name", conn.Type)
		}
		if conn.DSN == "" {
			return fmt.Errorf("connector %q is missing a dsn", conn.Name)
		}
	}

	if os.Getenv("LAKESYNC_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.Secret == "" {
		return errors.New("LAKESYNC_AUTH_SECRET is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
