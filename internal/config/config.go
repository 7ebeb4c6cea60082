package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AI providers.
const (
	ProviderBackend = "backend"
	ProviderOpenAI  = "openai"
)

// Connectivity checks.
const (
	CheckInterfaces = "interfaces"
	CheckHealth     = "health"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Backend      BackendConfig      `yaml:"backend"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	AI           AIConfig           `yaml:"ai"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Auth         AuthConfig         `yaml:"auth"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig contains local dashboard API settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig locates the local queue database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BackendConfig contains the REST backend settings. A zero RequestTimeout
// disables the per-request timeout.
type BackendConfig struct {
	URL            string   `yaml:"url"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// ConnectivityConfig controls how reachability is sampled.
type ConnectivityConfig struct {
	Check         string   `yaml:"check"`
	CheckInterval Duration `yaml:"check_interval"`
	CheckTimeout  Duration `yaml:"check_timeout"`
}

// AIConfig selects the pill count estimator.
type AIConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"-"` // env-only, never in YAML
}

// ArchiveConfig configures optional S3-compatible photo archiving.
// An empty Bucket disables archiving.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    *bool  `yaml:"use_ssl"`
	AccessKey string `yaml:"-"` // env-only
	SecretKey string `yaml:"-"` // env-only
}

// Enabled reports whether a bucket is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// AuthConfig contains the local API key.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

// DevMode reports whether MMS_DEV_MODE is enabled.
func DevMode() bool {
	return os.Getenv("MMS_DEV_MODE") == "true"
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("MMS_CONFIG_PATH", "config/mms.yaml")

	// Missing file is not an error
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
// Used for testing and explicit config paths.
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
			Port:            8090,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/mms.db",
		},
		Backend: BackendConfig{
			URL: "http://localhost:8000",
		},
		Connectivity: ConnectivityConfig{
			Check:         CheckInterfaces,
			CheckInterval: Duration(5 * time.Second),
			CheckTimeout:  Duration(3 * time.Second),
		},
		AI: AIConfig{
			Provider: ProviderBackend,
			Model:    "gpt-4o-mini",
		},
		Archive: ArchiveConfig{
			Prefix: "records",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
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
	if v := os.Getenv("MMS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	setDuration("MMS_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	setDuration("MMS_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	setDuration("MMS_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	if v := os.Getenv("MMS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Backend
	if v := os.Getenv("MMS_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	setDuration("MMS_BACKEND_TIMEOUT", &cfg.Backend.RequestTimeout)

	// Connectivity
	if v := os.Getenv("MMS_CHECK"); v != "" {
		cfg.Connectivity.Check = v
	}
	setDuration("MMS_CHECK_INTERVAL", &cfg.Connectivity.CheckInterval)
	setDuration("MMS_CHECK_TIMEOUT", &cfg.Connectivity.CheckTimeout)

	// AI (OPENAI_API_KEY is industry convention)
	if v := os.Getenv("MMS_AI_PROVIDER"); v != "" {
		cfg.AI.Provider = v
	}
	if v := os.Getenv("MMS_AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}

	// Archive
	if v := os.Getenv("MMS_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("MMS_ARCHIVE_PREFIX"); v != "" {
		cfg.Archive.Prefix = v
	}
	if v := os.Getenv("MMS_S3_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("MMS_S3_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv("MMS_S3_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("MMS_S3_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv("MMS_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Archive.UseSSL = &useSSL
	}

	// Auth
	if v := os.Getenv("MMS_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("MMS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MMS_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate checks structural settings. Secrets are only required outside
// dev mode (MMS_DEV_MODE=true).
func (c *Config) validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.url %q is not an absolute URL", c.Backend.URL)
	}
	if c.Backend.RequestTimeout < 0 {
		return errors.New("backend.request_timeout must not be negative")
	}

	switch c.Connectivity.Check {
	case CheckInterfaces, CheckHealth:
	default:
		return fmt.Errorf("connectivity.check must be %q or %q, got %q", CheckInterfaces, CheckHealth, c.Connectivity.Check)
	}
	if c.Connectivity.CheckInterval <= 0 {
		return errors.New("connectivity.check_interval must be positive")
	}

	switch c.AI.Provider {
	case ProviderBackend, ProviderOpenAI:
	default:
		return fmt.Errorf("ai.provider must be %q or %q, got %q", ProviderBackend, ProviderOpenAI, c.AI.Provider)
	}

	if c.Archive.Enabled() && c.Archive.Endpoint == "" {
		return errors.New("archive.endpoint is required when archive.bucket is set")
	}

	if DevMode() {
		return nil
	}

	if c.AI.Provider == ProviderOpenAI && c.AI.APIKey == "" {
		return errors.New("OPENAI_API_KEY is required when ai.provider is openai")
	}
	return nil
}

// RequireAPIKey reports an error when the local API is started without
// MMS_API_KEY outside dev mode.
func (c *Config) RequireAPIKey() error {
	if DevMode() || c.Auth.APIKey != "" {
		return nil
	}
	return errors.New("MMS_API_KEY is required")
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
