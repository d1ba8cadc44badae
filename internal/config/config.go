package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up by LoadFromDir.
const FileName = "pagecraft.yaml"

// Cache strategies.
const (
	StrategySimple               = "simple"
	StrategyStaleWhileRevalidate = "stale-while-revalidate"
)

// Config represents the pagecraft configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Model        ModelConfig        `yaml:"model"`
	Store        StoreConfig        `yaml:"store"`
	Source       SourceConfig       `yaml:"source"`
	Cache        CacheConfig        `yaml:"cache"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
	Auth         AuthConfig         `yaml:"auth"`
	API          APIConfig          `yaml:"api"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
	// Fallbacks maps page ids to the HTML shown when the page does not exist.
	Fallbacks map[string]string `yaml:"fallbacks,omitempty"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port  int    `yaml:"port" validate:"gte=0,lte=65535"`
	Host  string `yaml:"host"`
	Debug bool   `yaml:"debug"`
}

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// ModelConfig bounds the documents the engine accepts.
type ModelConfig struct {
	MaxDepth int `yaml:"max_depth" validate:"gte=0"` // 0 disables the check
}

// StoreConfig selects where pages are persisted when source.type is "store".
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=memory sqlite postgres file"`
	DSN    string `yaml:"dsn,omitempty"`  // postgres connection string or sqlite file (env vars expanded)
	Path   string `yaml:"path,omitempty"` // For file: page directory
	Watch  *bool  `yaml:"watch,omitempty"`
}

// SourceConfig selects the page backend.
type SourceConfig struct {
	Type    string            `yaml:"type" validate:"omitempty,oneof=store rest"`
	URL     string            `yaml:"url,omitempty" validate:"omitempty,url"`
	Token   string            `yaml:"token,omitempty"`   // Bearer token for the backend (env vars expanded)
	Headers map[string]string `yaml:"headers,omitempty"` // Extra request headers (env vars expanded)
	Timeout string            `yaml:"timeout,omitempty"` // Request timeout (e.g., "10s"). Default: 10s
	Retry   *RetryConfig      `yaml:"retry,omitempty"`
	// AllowPrivate lets the backend live on a private or loopback address.
	AllowPrivate bool `yaml:"allow_private,omitempty"`
}

// RetryConfig configures retry behavior for backend reads
type RetryConfig struct {
	MaxRetries int    `yaml:"max_retries,omitempty"` // Maximum retry attempts (default: 3)
	BaseDelay  string `yaml:"base_delay,omitempty"`  // Initial delay (e.g., "100ms"). Default: 100ms
	MaxDelay   string `yaml:"max_delay,omitempty"`   // Maximum delay (e.g., "5s"). Default: 5s
}

// CacheConfig configures the page cache
type CacheConfig struct {
	// TTL is the max age of a cached page (e.g., "30s"). Empty or "0" disables caching.
	TTL string `yaml:"ttl,omitempty"`
	// Strategy is "simple" (default) or "stale-while-revalidate".
	Strategy string `yaml:"strategy,omitempty" validate:"omitempty,oneof=simple stale-while-revalidate"`
}

// InvalidationConfig wires cross-instance cache invalidation through Redis.
type InvalidationConfig struct {
	RedisAddr     string `yaml:"redis_addr,omitempty" validate:"omitempty,hostname_port"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	Channel       string `yaml:"channel,omitempty"`
}

// AuthConfig holds the token settings for page writes
type AuthConfig struct {
	// JWTSecret signs editor tokens. Supports environment variable expansion
	// (e.g., "${PAGECRAFT_JWT_SECRET}"). Empty disables authentication.
	JWTSecret string `yaml:"jwt_secret,omitempty"`
	Issuer    string `yaml:"issuer,omitempty"`
}

// APIConfig holds REST API configuration
type APIConfig struct {
	CORS      *CORSConfig      `yaml:"cors,omitempty"`
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// CORSConfig holds CORS configuration for the API
type CORSConfig struct {
	Origins []string `yaml:"origins,omitempty"` // Allowed origins (e.g., ["http://localhost:3000", "*"])
}

// RateLimitConfig holds rate limiting configuration for the API
type RateLimitConfig struct {
	// RequestsPerSecond is the per-IP rate (default: 10)
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" validate:"gte=0"`
	// Burst is the bucket size (default: 20)
	Burst int `yaml:"burst,omitempty" validate:"gte=0"`
	// MaxTrackedIPs bounds the limiter table before LRU eviction (default: 10000)
	MaxTrackedIPs int `yaml:"max_tracked_ips,omitempty" validate:"gte=0"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace,omitempty"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter string `yaml:"exporter,omitempty" validate:"omitempty,oneof=none stdout"`
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Addr returns host:port for the HTTP listener.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetDriver returns the store driver (default: "memory")
func (c StoreConfig) GetDriver() string {
	if c.Driver == "" {
		return "memory"
	}
	return c.Driver
}

// GetDSN returns the DSN with environment variable expansion
func (c StoreConfig) GetDSN() string {
	return os.ExpandEnv(c.DSN)
}

// GetPath returns the page directory for the file driver (default: ./pages)
func (c StoreConfig) GetPath() string {
	if c.Path == "" {
		return "./pages"
	}
	return c.Path
}

// IsWatchEnabled returns true if the file store should be watched (default: true)
func (c StoreConfig) IsWatchEnabled() bool {
	if c.Watch == nil {
		return true
	}
	return *c.Watch
}

// GetType returns the source type (default: "store")
func (c SourceConfig) GetType() string {
	if c.Type == "" {
		return "store"
	}
	return c.Type
}

// GetToken returns the backend token with environment variable expansion
func (c SourceConfig) GetToken() string {
	return os.ExpandEnv(c.Token)
}

// GetTimeout returns the parsed timeout duration (default: 10s)
func (c SourceConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

// GetRetryMaxRetries returns the max retries (default: 3, set to 0 to disable retries)
func (c SourceConfig) GetRetryMaxRetries() int {
	if c.Retry == nil {
		return 3
	}
	if c.Retry.MaxRetries < 0 {
		return 3
	}
	return c.Retry.MaxRetries
}

// GetRetryBaseDelay returns the base delay (default: 100ms)
func (c SourceConfig) GetRetryBaseDelay() time.Duration {
	if c.Retry == nil {
		return 100 * time.Millisecond
	}
	return parseDuration(c.Retry.BaseDelay, 100*time.Millisecond)
}

// GetRetryMaxDelay returns the max delay (default: 5s)
func (c SourceConfig) GetRetryMaxDelay() time.Duration {
	if c.Retry == nil {
		return 5 * time.Second
	}
	return parseDuration(c.Retry.MaxDelay, 5*time.Second)
}

// IsEnabled returns true if page caching is enabled
func (c CacheConfig) IsEnabled() bool {
	return c.GetTTL() > 0
}

// GetTTL returns the cache TTL (0 if caching is disabled)
func (c CacheConfig) GetTTL() time.Duration {
	return parseDuration(c.TTL, 0)
}

// GetStrategy returns the cache strategy (default: "simple")
func (c CacheConfig) GetStrategy() string {
	if c.Strategy == "" {
		return StrategySimple
	}
	return c.Strategy
}

// IsStaleWhileRevalidate returns true if using stale-while-revalidate strategy
func (c CacheConfig) IsStaleWhileRevalidate() bool {
	return c.GetStrategy() == StrategyStaleWhileRevalidate
}

// IsRedisEnabled returns true if a Redis invalidation bus is configured
func (c InvalidationConfig) IsRedisEnabled() bool {
	return c.RedisAddr != ""
}

// GetRedisPassword returns the Redis password with environment variable expansion
func (c InvalidationConfig) GetRedisPassword() string {
	return os.ExpandEnv(c.RedisPassword)
}

// GetJWTSecret returns the signing secret with environment variable expansion
func (c AuthConfig) GetJWTSecret() string {
	return os.ExpandEnv(c.JWTSecret)
}

// IsEnabled returns true if page writes require a token
func (c AuthConfig) IsEnabled() bool {
	return c.GetJWTSecret() != ""
}

// GetCORSOrigins returns the configured CORS origins, or nil if not configured
func (c *APIConfig) GetCORSOrigins() []string {
	if c == nil || c.CORS == nil {
		return nil
	}
	return c.CORS.Origins
}

// GetRateLimitRPS returns the rate limit in requests per second (default: 10)
func (c *APIConfig) GetRateLimitRPS() float64 {
	if c == nil || c.RateLimit == nil || c.RateLimit.RequestsPerSecond <= 0 {
		return 10
	}
	return c.RateLimit.RequestsPerSecond
}

// GetRateLimitBurst returns the burst size (default: 20)
func (c *APIConfig) GetRateLimitBurst() int {
	if c == nil || c.RateLimit == nil || c.RateLimit.Burst <= 0 {
		return 20
	}
	return c.RateLimit.Burst
}

// GetMaxTrackedIPs returns the number of client IPs tracked by the limiter (default: 10000)
func (c *APIConfig) GetMaxTrackedIPs() int {
	if c == nil || c.RateLimit == nil || c.RateLimit.MaxTrackedIPs <= 0 {
		return 10000
	}
	return c.RateLimit.MaxTrackedIPs
}

// GetNamespace returns the metric namespace (default: "pagecraft")
func (c MetricsConfig) GetNamespace() string {
	if c.Namespace == "" {
		return "pagecraft"
	}
	return c.Namespace
}

// GetExporter returns the tracing exporter (default: "none")
func (c TracingConfig) GetExporter() string {
	if c.Exporter == "" {
		return "none"
	}
	return c.Exporter
}

// Fallback returns the fallback HTML for a missing page.
func (c *Config) Fallback(pageID string) (string, bool) {
	html, ok := c.Fallbacks[pageID]
	return html, ok
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:  8080,
			Host:  "localhost",
			Debug: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Model: ModelConfig{
			MaxDepth: 32,
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "./pages",
		},
		Source: SourceConfig{
			Type:    "store",
			Timeout: "10s",
		},
		Cache: CacheConfig{
			TTL:      "30s",
			Strategy: StrategySimple,
		},
		Invalidation: InvalidationConfig{
			Channel: "pagecraft:invalidate",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "pagecraft",
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
	}
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Source.GetType() == "rest" && c.Source.URL == "" {
		return fmt.Errorf("invalid config: source.url is required for the rest source")
	}
	if c.Store.GetDriver() == "postgres" && c.Store.GetDSN() == "" {
		return fmt.Errorf("invalid config: store.dsn is required for the postgres driver")
	}
	return nil
}

// Load loads configuration from a YAML file
// If the file doesn't exist, returns the default configuration
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig() // Start with defaults
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadFromDir looks for pagecraft.yaml in the given directory.
// If none is found, returns the default configuration
func LoadFromDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, FileName))
}

// Save writes the configuration to a YAML file
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
