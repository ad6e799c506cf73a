// Package config loads datafetch settings from a YAML file, .env files and
// environment variables, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jonesrussell/north-cloud/datafetch/internal/browser"
	"github.com/jonesrussell/north-cloud/datafetch/internal/cache"
	"github.com/jonesrussell/north-cloud/datafetch/internal/discovery"
	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/httpclient"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/ratelimit"
)

// Cache drivers.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

const (
	defaultServerAddress    = ":8060"
	defaultServerTimeout    = 120 * time.Second
	defaultSourcesFile      = "sources.yml"
	defaultExportDir        = "exports"
	defaultRobotsCacheTTL   = time.Hour
	defaultClassifierKeyEnv = "ANTHROPIC_API_KEY"
)

// Config is the full application configuration.
type Config struct {
	Logging     logger.Config                     `yaml:"logging"`
	HTTP        httpclient.Config                 `yaml:"http"`
	Browser     browser.Config                    `yaml:"browser"`
	RateLimit   RateLimitConfig                   `yaml:"rate_limit"`
	Providers   map[string]domain.RateLimitParams `yaml:"providers"`
	Discovery   discovery.Weights                 `yaml:"discovery"`
	Validation  ValidationConfig                  `yaml:"validation"`
	Compliance  ComplianceConfig                  `yaml:"compliance"`
	Cache       CacheConfig                       `yaml:"cache"`
	Classifier  ClassifierConfig                  `yaml:"classifier"`
	Export      ExportConfig                      `yaml:"export"`
	Server      ServerConfig                      `yaml:"server"`
	SourcesFile string                            `env:"SOURCES_FILE" yaml:"sources_file"`
	Profiles    ProfilesConfig                    `yaml:"profiles"`
}

// RateLimitConfig holds the limiter defaults applied to every identity
// without a provider override.
type RateLimitConfig struct {
	Window       time.Duration `env:"RATE_LIMIT_WINDOW"       yaml:"window"`
	MaxRequests  int           `env:"RATE_LIMIT_MAX_REQUESTS" yaml:"max_requests"`
	MinInterval  time.Duration `env:"RATE_LIMIT_MIN_INTERVAL" yaml:"min_interval"`
	SafetyBuffer time.Duration `yaml:"safety_buffer"`
	BackoffBase  time.Duration `env:"RATE_LIMIT_BACKOFF_BASE" yaml:"backoff_base"`
	MaxRetries   int           `env:"RATE_LIMIT_MAX_RETRIES"  yaml:"max_retries"`
}

// SetDefaults fills zero fields from the limiter defaults.
func (c *RateLimitConfig) SetDefaults() {
	d := ratelimit.DefaultConfig()
	if c.Window == 0 {
		c.Window = d.Window
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = d.MaxRequests
	}
	if c.MinInterval == 0 {
		c.MinInterval = d.MinInterval
	}
	if c.SafetyBuffer == 0 {
		c.SafetyBuffer = d.SafetyBuffer
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
}

// Limits converts c to the limiter's policy type.
func (c RateLimitConfig) Limits() ratelimit.Config {
	return ratelimit.Config{
		Window:       c.Window,
		MaxRequests:  c.MaxRequests,
		MinInterval:  c.MinInterval,
		SafetyBuffer: c.SafetyBuffer,
		BackoffBase:  c.BackoffBase,
		MaxRetries:   c.MaxRetries,
	}
}

// ValidationConfig holds validator settings.
type ValidationConfig struct {
	Strict bool `env:"VALIDATION_STRICT" yaml:"strict"`
}

// ComplianceConfig controls the robots.txt status provider.
type ComplianceConfig struct {
	Robots   bool          `env:"COMPLIANCE_ROBOTS" yaml:"robots"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// CacheConfig selects the execution-id cache backend.
type CacheConfig struct {
	Driver string            `env:"CACHE_DRIVER" yaml:"driver"`
	TTL    time.Duration     `env:"CACHE_TTL"    yaml:"ttl"`
	Redis  cache.RedisConfig `yaml:"redis"`
}

// ClassifierConfig enables the LLM-backed classifier.
type ClassifierConfig struct {
	Enabled   bool   `env:"CLASSIFIER_ENABLED" yaml:"enabled"`
	Model     string `env:"CLASSIFIER_MODEL"   yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// ExportConfig controls the Excel exporter.
type ExportConfig struct {
	Enabled bool   `env:"EXPORT_ENABLED" yaml:"enabled"`
	Dir     string `env:"EXPORT_DIR"     yaml:"dir"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address      string        `env:"SERVER_ADDRESS" yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ProfilesConfig maps source identities to validation profile names.
// Prefixes match the lower-cased identity, longest prefix first.
type ProfilesConfig struct {
	Default    string            `yaml:"default"`
	Identities map[string]string `yaml:"identities"`
	Prefixes   map[string]string `yaml:"prefixes"`
}

// Load reads path (optional when empty or missing), applies .env files,
// defaults and env overrides, then validates.
func Load(path string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load environment files: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		if err := decodeFile(path, cfg, path == DefaultPath); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.HTTP.SetDefaults()
	c.Browser.SetDefaults()
	c.RateLimit.SetDefaults()
	if c.Discovery == (discovery.Weights{}) {
		c.Discovery = discovery.DefaultWeights()
	}
	if c.Compliance.CacheTTL == 0 {
		c.Compliance.CacheTTL = defaultRobotsCacheTTL
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = CacheMemory
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = cache.DefaultTTL
	}
	if c.Classifier.APIKeyEnv == "" {
		c.Classifier.APIKeyEnv = defaultClassifierKeyEnv
	}
	if c.Export.Dir == "" {
		c.Export.Dir = defaultExportDir
	}
	if c.Server.Address == "" {
		c.Server.Address = defaultServerAddress
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = defaultServerTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = defaultServerTimeout
	}
	if c.SourcesFile == "" {
		c.SourcesFile = defaultSourcesFile
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !slices.Contains([]string{browser.EngineChrome, browser.EngineStatic}, c.Browser.Engine) {
		return fmt.Errorf("browser.engine must be %q or %q, got %q", browser.EngineChrome, browser.EngineStatic, c.Browser.Engine)
	}
	switch c.Cache.Driver {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.Redis.Address == "" {
			return errors.New("cache.redis.address is required for the redis driver")
		}
	default:
		return fmt.Errorf("cache.driver must be %q or %q, got %q", CacheMemory, CacheRedis, c.Cache.Driver)
	}
	if c.RateLimit.MaxRequests < 0 || c.RateLimit.MaxRetries < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	for identity, p := range c.Providers {
		if p.MaxRequests < 0 || p.MaxRetries < 0 {
			return fmt.Errorf("providers.%s: values must not be negative", identity)
		}
	}
	return nil
}
