// Package config provides configuration loading and management for the framesync engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the environment variable prefix for application settings
const EnvPrefix = "FRAMESYNC"

// Drift validation modes. Quality mode validates at display rate, performance
// mode at half rate.
const (
	// DriftModeQuality validates drift at the nominal display interval
	DriftModeQuality = "quality"

	// DriftModePerformance validates drift at half the display rate
	DriftModePerformance = "performance"
)

// Defaults applied by SetDefaults when a section or field is omitted.
const (
	defaultMaxInstances   = 8
	defaultMaxLatency     = 50 * time.Millisecond
	defaultSettleWindow   = 100 * time.Millisecond
	defaultCacheMaxSize   = int64(50 * 1024 * 1024)
	defaultCacheTTL       = 30 * time.Minute
	defaultCacheSweep     = 5 * time.Minute
	defaultPoolMaxPerKind = 3
	defaultPoolMaxIdle    = 5 * time.Minute
	defaultPoolReap       = 2 * time.Minute
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// ServiceName is the name/identifier for this engine instance
	// Defaults to "framesync" if not specified
	ServiceName string `yaml:"serviceName,omitempty"`

	// MaxInstances caps the number of concurrently mounted renderer instances
	MaxInstances int `yaml:"maxInstances,omitempty"`

	// Backends lists per-backend-kind retry tuning; kinds without an entry
	// use compiled-in defaults
	Backends []BackendConfig `yaml:"backends,omitempty"`

	Sync      *SyncConfig      `yaml:"sync,omitempty"`
	Cache     *CacheConfig     `yaml:"cache,omitempty"`
	Pool      *PoolConfig      `yaml:"pool,omitempty"`
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// BackendConfig tunes retry behaviour for a single backend kind
type BackendConfig struct {
	// Kind is the backend kind identifier (svg, canvas, webgl)
	Kind string `yaml:"kind"`

	// MaxAttempts is the retry budget for instance initialization
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// BaseDelay is the initial backoff delay (e.g. "500ms")
	BaseDelay string `yaml:"baseDelay,omitempty"`

	// MaxDelay caps the backoff delay (e.g. "10s")
	MaxDelay string `yaml:"maxDelay,omitempty"`

	// BackoffMultiplier grows the delay between attempts
	BackoffMultiplier float64 `yaml:"backoffMultiplier,omitempty"`

	// RetryableCategories restricts which error categories are retried
	RetryableCategories []string `yaml:"retryableCategories,omitempty"`
}

// SyncConfig defines drift validation and seek settle settings
type SyncConfig struct {
	// DriftMode selects the drift validation cadence (quality or performance)
	DriftMode string `yaml:"driftMode,omitempty"`

	// MaxLatency is the drift threshold beyond which an instance is corrected
	MaxLatency string `yaml:"maxLatency,omitempty"`

	// SettleWindow is how long a seek stays in the seeking state
	SettleWindow string `yaml:"settleWindow,omitempty"`
}

// CacheConfig defines asset cache limits
type CacheConfig struct {
	// MaxSizeBytes caps the aggregate size of cached assets
	MaxSizeBytes int64 `yaml:"maxSizeBytes,omitempty"`

	// TTL evicts entries older than this age regardless of access recency
	TTL string `yaml:"ttl,omitempty"`

	// SweepInterval is how often the TTL sweep runs
	SweepInterval string `yaml:"sweepInterval,omitempty"`
}

// PoolConfig defines instance pool limits
type PoolConfig struct {
	// MaxPerKind is the soft capacity per backend kind
	MaxPerKind int `yaml:"maxPerKind,omitempty"`

	// MaxIdle is how long a released instance may sit unused before teardown
	MaxIdle string `yaml:"maxIdle,omitempty"`

	// ReapInterval is how often the idle reaper runs
	ReapInterval string `yaml:"reapInterval,omitempty"`
}

// TelemetryConfig defines metrics settings
type TelemetryConfig struct {
	// Enabled turns metric collection on
	Enabled bool `yaml:"enabled,omitempty"`
}

// LoadConfig loads the configuration using the provided options
func LoadConfig(opts ...Option) (*Config, error) {
	lc := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(lc); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if lc.path != "" {
		data, err := os.ReadFile(lc.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills in omitted sections and fields
func (c *Config) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "framesync"
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = defaultMaxInstances
	}
	if c.Sync == nil {
		c.Sync = &SyncConfig{}
	}
	if c.Sync.DriftMode == "" {
		c.Sync.DriftMode = DriftModeQuality
	}
	if c.Cache == nil {
		c.Cache = &CacheConfig{}
	}
	if c.Cache.MaxSizeBytes <= 0 {
		c.Cache.MaxSizeBytes = defaultCacheMaxSize
	}
	if c.Pool == nil {
		c.Pool = &PoolConfig{}
	}
	if c.Pool.MaxPerKind <= 0 {
		c.Pool.MaxPerKind = defaultPoolMaxPerKind
	}
	if c.Telemetry == nil {
		c.Telemetry = &TelemetryConfig{}
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Sync != nil {
		if c.Sync.DriftMode != DriftModeQuality && c.Sync.DriftMode != DriftModePerformance {
			return fmt.Errorf("invalid drift mode %q: must be %q or %q",
				c.Sync.DriftMode, DriftModeQuality, DriftModePerformance)
		}
		if _, err := parseDuration(c.Sync.MaxLatency, defaultMaxLatency); err != nil {
			return fmt.Errorf("invalid sync.maxLatency: %w", err)
		}
		if _, err := parseDuration(c.Sync.SettleWindow, defaultSettleWindow); err != nil {
			return fmt.Errorf("invalid sync.settleWindow: %w", err)
		}
	}
	if c.Cache != nil {
		if _, err := parseDuration(c.Cache.TTL, defaultCacheTTL); err != nil {
			return fmt.Errorf("invalid cache.ttl: %w", err)
		}
		if _, err := parseDuration(c.Cache.SweepInterval, defaultCacheSweep); err != nil {
			return fmt.Errorf("invalid cache.sweepInterval: %w", err)
		}
	}
	if c.Pool != nil {
		if _, err := parseDuration(c.Pool.MaxIdle, defaultPoolMaxIdle); err != nil {
			return fmt.Errorf("invalid pool.maxIdle: %w", err)
		}
		if _, err := parseDuration(c.Pool.ReapInterval, defaultPoolReap); err != nil {
			return fmt.Errorf("invalid pool.reapInterval: %w", err)
		}
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Kind == "" {
			return fmt.Errorf("backends[%d]: kind is required", i)
		}
		if b.BackoffMultiplier < 0 {
			return fmt.Errorf("backends[%d]: backoffMultiplier must be positive", i)
		}
		if _, err := parseDuration(b.BaseDelay, 0); err != nil {
			return fmt.Errorf("backends[%d]: invalid baseDelay: %w", i, err)
		}
		if _, err := parseDuration(b.MaxDelay, 0); err != nil {
			return fmt.Errorf("backends[%d]: invalid maxDelay: %w", i, err)
		}
	}
	return nil
}

// GetMaxLatency returns the drift correction threshold
func (s *SyncConfig) GetMaxLatency() time.Duration {
	d, _ := parseDuration(s.MaxLatency, defaultMaxLatency)
	return d
}

// GetSettleWindow returns the seek settle window
func (s *SyncConfig) GetSettleWindow() time.Duration {
	d, _ := parseDuration(s.SettleWindow, defaultSettleWindow)
	return d
}

// GetTTL returns the cache entry time-to-live
func (c *CacheConfig) GetTTL() time.Duration {
	d, _ := parseDuration(c.TTL, defaultCacheTTL)
	return d
}

// GetSweepInterval returns the cache sweep interval
func (c *CacheConfig) GetSweepInterval() time.Duration {
	d, _ := parseDuration(c.SweepInterval, defaultCacheSweep)
	return d
}

// GetMaxIdle returns the pool idle timeout
func (p *PoolConfig) GetMaxIdle() time.Duration {
	d, _ := parseDuration(p.MaxIdle, defaultPoolMaxIdle)
	return d
}

// GetReapInterval returns the pool reaper interval
func (p *PoolConfig) GetReapInterval() time.Duration {
	d, _ := parseDuration(p.ReapInterval, defaultPoolReap)
	return d
}

// GetBaseDelay returns the backoff base delay for a backend entry
func (b *BackendConfig) GetBaseDelay(fallback time.Duration) time.Duration {
	d, _ := parseDuration(b.BaseDelay, fallback)
	return d
}

// GetMaxDelay returns the backoff delay cap for a backend entry
func (b *BackendConfig) GetMaxDelay(fallback time.Duration) time.Duration {
	d, _ := parseDuration(b.MaxDelay, fallback)
	return d
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", s)
	}
	return d, nil
}
