// Package config provides Viper-based configuration management for drctl
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store backends
const (
	BackendFile       = "file"
	BackendMemory     = "memory"
	BackendRedis      = "redis"
	BackendKubernetes = "kubernetes"
)

// EnvPrefix is the prefix of every environment override, e.g. DRCTL_API_BASE_URL
const EnvPrefix = "DRCTL"

// Config represents the complete drctl configuration
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Store     StoreConfig     `mapstructure:"store"`
	Session   SessionConfig   `mapstructure:"session"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Output    OutputConfig    `mapstructure:"output"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Status    StatusConfig    `mapstructure:"status"`

	// File is the config file that was read, empty when none was found
	File string `mapstructure:"-" json:"-"`
}

// APIConfig contains the account API endpoints
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	WSURL     string        `mapstructure:"ws_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	RateBurst int           `mapstructure:"rate_burst"`
}

// StoreConfig selects and configures the token store
type StoreConfig struct {
	Backend             string `mapstructure:"backend"`
	FilePath            string `mapstructure:"file_path"`
	RedisURL            string `mapstructure:"redis_url" json:"-"`
	RedisKey            string `mapstructure:"redis_key"`
	KubernetesNamespace string `mapstructure:"kubernetes_namespace"`
	KubernetesSecret    string `mapstructure:"kubernetes_secret"`
}

// SessionConfig contains the session check timings
type SessionConfig struct {
	RefreshLead   time.Duration `mapstructure:"refresh_lead"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OutputConfig contains output formatting settings
type OutputConfig struct {
	Colors bool `mapstructure:"colors"`
}

// TelemetryConfig contains OpenTelemetry export settings
type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// StatusConfig contains the local status server settings
type StatusConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// secretKeys may be supplied through <ENV>_FILE instead of the variable itself
var secretKeys = []string{"store.redis_url"}

// Load reads configuration from an optional .env file, the config file and environment variables
func Load(cfgFile string) (*Config, error) {
	// .env is optional; variables already set in the environment win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".drctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/drctl")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := applySecretFiles(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.File = v.ConfigFileUsed()

	if cfg.Store.FilePath == "" {
		cfg.Store.FilePath = defaultTokenFile()
	}
	if cfg.API.WSURL == "" {
		cfg.API.WSURL = deriveWSURL(cfg.API.BaseURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000/api")
	v.SetDefault("api.ws_url", "")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.rate_limit", 10.0)
	v.SetDefault("api.rate_burst", 5)

	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("store.file_path", "")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.redis_key", "drctl:session")
	v.SetDefault("store.kubernetes_namespace", "default")
	v.SetDefault("store.kubernetes_secret", "drctl-session")

	v.SetDefault("session.refresh_lead", 5*time.Minute)
	v.SetDefault("session.check_interval", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("output.colors", true)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "http://localhost:4318")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("status.listen_addr", "127.0.0.1:9464")
}

// applySecretFiles resolves DRCTL_<KEY>_FILE variables into their file contents
func applySecretFiles(v *viper.Viper) error {
	for _, key := range secretKeys {
		envName := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_")) + "_FILE"
		path := os.Getenv(envName)
		if path == "" {
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", envName, err)
		}
		v.Set(key, strings.TrimSpace(string(content)))
	}
	return nil
}

// defaultTokenFile returns ~/.config/drctl/session.env, or a relative path when HOME is unknown
func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "drctl-session.env"
	}
	return filepath.Join(dir, "drctl", "session.env")
}

// deriveWSURL maps http(s)://host/... onto ws(s)://host/ws/notifications/
func deriveWSURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/notifications/"
	u.RawQuery = ""
	return u.String()
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := validateURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.API.WSURL != "" {
		if err := validateURL("api.ws_url", c.API.WSURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api.rate_limit cannot be negative")
	}

	switch c.Store.Backend {
	case BackendFile:
		if c.Store.FilePath == "" {
			return fmt.Errorf("store.file_path cannot be empty")
		}
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url cannot be empty")
		}
	case BackendKubernetes:
		if c.Store.KubernetesNamespace == "" || c.Store.KubernetesSecret == "" {
			return fmt.Errorf("store.kubernetes_namespace and store.kubernetes_secret are required")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be file, memory, redis, or kubernetes)", c.Store.Backend)
	}

	if c.Session.RefreshLead <= 0 {
		return fmt.Errorf("session.refresh_lead must be positive")
	}
	if c.Session.CheckInterval <= 0 {
		return fmt.Errorf("session.check_interval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging format: %s (must be text or json)", c.Logging.Format)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}

	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL: %q", key, strings.Join(schemes, "/"), raw)
}
