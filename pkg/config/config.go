// Package config provides configuration structures and loading logic for the
// transform service, the cloaking proxy and the command line tools.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/glyphcloak/pkg/policy"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GLYPHCLOAK_"

// Config holds the global configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Service   ServiceConfig   `yaml:"service"`
	Transform TransformConfig `yaml:"transform"`
	Extract   ExtractConfig   `yaml:"extract"`
	Search    SearchConfig    `yaml:"search"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Policy    PolicyConfig    `yaml:"policy"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	ServiceAddress    string        `yaml:"service_address"`
	ProxyAddress      string        `yaml:"proxy_address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ServiceConfig configures the reference transform service.
type ServiceConfig struct {
	SecretKey   int64  `yaml:"secret_key"`
	FontBaseURL string `yaml:"font_base_url"`
	// FontDir, when set, is served under /fonts/.
	FontDir          string          `yaml:"font_dir"`
	MappingCacheSize int             `yaml:"mapping_cache_size"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is a per-client token bucket. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// TransformConfig configures the batch client.
type TransformConfig struct {
	// URL of a remote transform service. Empty runs the service in process.
	URL          string        `yaml:"url"`
	Timeout      time.Duration `yaml:"timeout"`
	SecretKey    int64         `yaml:"secret_key"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	Retries      int           `yaml:"retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	CacheSize    int           `yaml:"cache_size"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig guards the transform service. Zero failures disable it.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ExtractConfig selects the text to cloak.
type ExtractConfig struct {
	Roots          []string      `yaml:"roots"`
	Skip           []string      `yaml:"skip"`
	MinLength      int           `yaml:"min_length"`
	RescanDebounce time.Duration `yaml:"rescan_debounce"`
}

// SearchConfig tunes in-page search.
type SearchConfig struct {
	CaseInsensitive bool `yaml:"case_insensitive"`
}

// DefaultMaxSessions bounds live proxy sessions when none is configured.
const DefaultMaxSessions = 10000

// ProxyConfig configures the cloaking reverse proxy.
type ProxyConfig struct {
	Upstream        string        `yaml:"upstream"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	SessionCookie   string        `yaml:"session_cookie"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	CopyTimeout     time.Duration `yaml:"copy_timeout"`
	MaxSessions     int           `yaml:"max_sessions"`
}

// PolicyConfig selects how pages are gated.
type PolicyConfig struct {
	// Mode is the posture when evaluation fails: fail-open or fail-closed.
	Mode string `yaml:"mode"`
	// DefaultAction applies when no modules are configured.
	DefaultAction   string         `yaml:"default_action"`
	Entrypoint      string         `yaml:"entrypoint"`
	Modules         []ModuleConfig `yaml:"modules"`
	BlockedAgents   []string       `yaml:"blocked_agents"`
	CacheMaxEntries int            `yaml:"cache_max_entries"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ServiceAddress:    ":8080",
			ProxyAddress:      ":8090",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Service: ServiceConfig{
			SecretKey:        29202393,
			FontBaseURL:      "http://localhost:8080/fonts",
			MappingCacheSize: 256,
		},
		Transform: TransformConfig{
			Timeout:      10 * time.Second,
			MaxBatchSize: 100,
			Retries:      2,
			RetryDelay:   500 * time.Millisecond,
			CacheSize:    1000,
			Breaker:      BreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second},
		},
		Extract: ExtractConfig{
			Roots:          []string{"body"},
			MinLength:      1,
			RescanDebounce: 100 * time.Millisecond,
		},
		Proxy: ProxyConfig{
			MaxBodyBytes:    10 << 20,
			SessionCookie:   "gc_session",
			SessionTTL:      30 * time.Minute,
			CleanupInterval: time.Minute,
			CopyTimeout:     2 * time.Second,
			MaxSessions:     DefaultMaxSessions,
		},
		Policy: PolicyConfig{
			Mode:          string(policy.ModeFailOpen),
			DefaultAction: string(policy.ActionCloak),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "glyphcloak",
		},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	str("SERVICE_ADDR", &cfg.Server.ServiceAddress)
	str("PROXY_ADDR", &cfg.Server.ProxyAddress)
	str("FONT_BASE_URL", &cfg.Service.FontBaseURL)
	str("FONT_DIR", &cfg.Service.FontDir)
	str("TRANSFORM_URL", &cfg.Transform.URL)
	str("UPSTREAM", &cfg.Proxy.Upstream)
	str("POLICY_MODE", &cfg.Policy.Mode)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("ENVIRONMENT", &cfg.Telemetry.Environment)

	if val := os.Getenv(EnvPrefix + "SECRET_KEY"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("%sSECRET_KEY: %w", EnvPrefix, err)
		}
		cfg.Service.SecretKey = n
	}
	if val := os.Getenv(EnvPrefix + "OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv(EnvPrefix + "LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}
	if val := os.Getenv(EnvPrefix + "SKIP"); val != "" {
		cfg.Extract.Skip = splitList(val)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate performs validation of the entire configuration, filling in
// defaults for empty fields.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Service.Validate(); err != nil {
		return fmt.Errorf("service configuration: %w", err)
	}
	if err := c.Transform.Validate(); err != nil {
		return fmt.Errorf("transform configuration: %w", err)
	}
	if err := c.Extract.Validate(); err != nil {
		return fmt.Errorf("extract configuration: %w", err)
	}
	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy configuration: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.ServiceAddress) == "" {
		c.ServiceAddress = ":8080"
	}
	if strings.TrimSpace(c.ProxyAddress) == "" {
		c.ProxyAddress = ":8090"
	}
	if c.ServiceAddress == c.ProxyAddress {
		return fmt.Errorf("service_address and proxy_address are both %q", c.ServiceAddress)
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	return nil
}

// Validate performs validation of service configuration
func (c *ServiceConfig) Validate() error {
	if c.SecretKey < 0 {
		return fmt.Errorf("secret_key must not be negative, got %d", c.SecretKey)
	}
	if c.FontBaseURL != "" {
		if _, err := url.Parse(c.FontBaseURL); err != nil {
			return fmt.Errorf("font_base_url: %w", err)
		}
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	return nil
}

// Validate performs validation of transform client configuration
func (c *TransformConfig) Validate() error {
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("url %q must be absolute", c.URL)
		}
	}
	if c.SecretKey < 0 {
		return fmt.Errorf("secret_key must not be negative, got %d", c.SecretKey)
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	return nil
}

// Validate performs validation of extraction configuration
func (c *ExtractConfig) Validate() error {
	if len(c.Roots) == 0 {
		c.Roots = []string{"body"}
	}
	if c.MinLength < 1 {
		c.MinLength = 1
	}
	if c.RescanDebounce <= 0 {
		c.RescanDebounce = 100 * time.Millisecond
	}
	return nil
}

// Validate performs validation of proxy configuration. The upstream is only
// required by the proxy command, so it may be empty here.
func (c *ProxyConfig) Validate() error {
	if c.Upstream != "" {
		u, err := url.Parse(c.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("upstream %q must be an absolute url", c.Upstream)
		}
	}
	if c.SessionCookie == "" {
		c.SessionCookie = "gc_session"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	switch {
	case c.MaxSessions < 0:
		return fmt.Errorf("max_sessions must not be negative, got %d", c.MaxSessions)
	case c.MaxSessions == 0:
		c.MaxSessions = DefaultMaxSessions
	}
	return nil
}

// Validate performs validation of policy configuration
func (c *PolicyConfig) Validate() error {
	if strings.TrimSpace(c.Mode) == "" {
		c.Mode = string(policy.ModeFailOpen)
	}
	mode, err := policy.ParseMode(c.Mode)
	if err != nil {
		return err
	}
	c.Mode = string(mode)

	if strings.TrimSpace(c.DefaultAction) == "" {
		c.DefaultAction = string(policy.ActionCloak)
	}
	switch a := policy.Action(strings.ToLower(c.DefaultAction)); a {
	case policy.ActionCloak, policy.ActionPassthrough, policy.ActionBlock:
		c.DefaultAction = string(a)
	default:
		return fmt.Errorf("invalid default_action %q", c.DefaultAction)
	}

	for i, m := range c.Modules {
		if strings.TrimSpace(m.Path) == "" {
			return fmt.Errorf("module %d: path is required", i)
		}
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
