// Package config provides configuration structures and loading logic for the
// privacy request service.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-privacy/internal/governance"
	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/logging"
	"github.com/polisai/polis-privacy/pkg/policy"
	"github.com/polisai/polis-privacy/pkg/storage"
	"github.com/polisai/polis-privacy/pkg/telemetry"
	"github.com/polisai/polis-privacy/pkg/upload"
)

// Config holds the global configuration of the service.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Logging     LoggingConfig    `yaml:"logging"`
	Storage     StorageConfig    `yaml:"storage"`
	Execution   ExecutionConfig  `yaml:"execution"`
	Datasets    DatasetsConfig   `yaml:"datasets"`
	Policies    []policy.Policy  `yaml:"policies"`
	Connections []ConnectionSpec `yaml:"connections"`
	Upload      upload.Config    `yaml:"upload"`
	Rego        RegoConfig       `yaml:"rego"`
}

// ServerConfig holds configuration for the HTTP API.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string            `yaml:"service_name"`
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Environment  string            `yaml:"environment"`
	Headers      map[string]string `yaml:"headers"`
	SampleRatio  float64           `yaml:"sample_ratio"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string   `yaml:"level"`
	Pretty bool     `yaml:"pretty"`
	Redact []string `yaml:"redact"`
}

// StorageConfig selects the task, result and request store backend.
type StorageConfig struct {
	Backend    string        `yaml:"backend"` // memory | badger
	Path       string        `yaml:"path"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// RetryConfig bounds connector retries.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter"`
}

// ExecutionConfig tunes how requests run.
type ExecutionConfig struct {
	Mode              domain.ExecutionMode `yaml:"mode"`
	Workers           int                  `yaml:"workers"`
	Retry             RetryConfig          `yaml:"retry"`
	PollInterval      time.Duration        `yaml:"poll_interval"`
	MaxPollDuration   time.Duration        `yaml:"max_poll_duration"`
	EmailBatchWindow  time.Duration        `yaml:"email_batch_window"`
	ExcludeIrrelevant bool                 `yaml:"exclude_irrelevant"`
}

// DatasetsConfig points at the directory of dataset files.
type DatasetsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// RegoConfig loads Rego modules that can exclude traversal nodes.
type RegoConfig struct {
	Entrypoint string            `yaml:"entrypoint"`
	Modules    map[string]string `yaml:"modules"`
	Dir        string            `yaml:"dir"`
	CacheSize  int               `yaml:"cache_size"`
}

// Enabled reports whether any module is configured.
func (c RegoConfig) Enabled() bool {
	return len(c.Modules) > 0 || c.Dir != ""
}

// ConnectionSpec declares one connection.
type ConnectionSpec struct {
	Key          string                  `yaml:"key"`
	Kind         connector.Kind          `yaml:"kind"`
	Rows         map[string][]domain.Row `yaml:"rows"`
	PendingPolls int                     `yaml:"pending_polls"`
	Recipient    string                  `yaml:"recipient"`
	Timeout      time.Duration           `yaml:"timeout"`
	RateLimit    struct {
		RequestsPerSecond int `yaml:"requests_per_second"`
		Burst             int `yaml:"burst"`
	} `yaml:"rate_limit"`
	CircuitBreaker struct {
		MaxFailures int           `yaml:"max_failures"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"circuit_breaker"`
}

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "privacyd"},
		Logging:   LoggingConfig{Level: "info"},
		Storage:   StorageConfig{Backend: "memory", GCInterval: 10 * time.Minute},
		Execution: ExecutionConfig{
			Mode:    domain.ModeDistributed,
			Workers: 4,
			Retry: RetryConfig{
				MaxRetries:        3,
				InitialBackoff:    time.Second,
				MaxBackoff:        time.Minute,
				BackoffMultiplier: 2,
				Jitter:            true,
			},
			PollInterval:    30 * time.Second,
			MaxPollDuration: 24 * time.Hour,
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
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
	if val := os.Getenv("PRIVACY_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("PRIVACY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("PRIVACY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("PRIVACY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}

	if val := os.Getenv("PRIVACY_STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("PRIVACY_STORAGE_PATH"); val != "" {
		cfg.Storage.Path = val
	}

	if val := os.Getenv("PRIVACY_EXECUTION_MODE"); val != "" {
		cfg.Execution.Mode = domain.ExecutionMode(val)
	}
	if val := os.Getenv("PRIVACY_WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("PRIVACY_WORKERS: %w", err)
		}
		cfg.Execution.Workers = n
	}
	if val := os.Getenv("PRIVACY_MAX_RETRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("PRIVACY_MAX_RETRIES: %w", err)
		}
		cfg.Execution.Retry.MaxRetries = n
	}

	if val := os.Getenv("PRIVACY_DATASETS_DIR"); val != "" {
		cfg.Datasets.Dir = val
	}

	if val := os.Getenv("PRIVACY_UPLOAD_KIND"); val != "" {
		cfg.Upload.Kind = val
	}
	if val := os.Getenv("PRIVACY_UPLOAD_BUCKET"); val != "" {
		cfg.Upload.Bucket = val
	}
	return nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry configuration: %w: sample_ratio must be within [0, 1]", domain.ErrConfigInvalid)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	if err := c.Execution.Validate(); err != nil {
		return fmt.Errorf("execution configuration: %w", err)
	}
	if err := c.validateUpload(); err != nil {
		return fmt.Errorf("upload configuration: %w", err)
	}

	seen := make(map[string]bool, len(c.Policies))
	for i := range c.Policies {
		p := &c.Policies[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Key] {
			return fmt.Errorf("%w: duplicate policy %q", domain.ErrConfigInvalid, p.Key)
		}
		seen[p.Key] = true
	}

	keys := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		if strings.TrimSpace(conn.Key) == "" {
			return fmt.Errorf("%w: connection %d has no key", domain.ErrConfigInvalid, i)
		}
		if keys[conn.Key] {
			return fmt.Errorf("%w: duplicate connection %q", domain.ErrConfigInvalid, conn.Key)
		}
		keys[conn.Key] = true
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", domain.ErrConfigInvalid)
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

// Validate performs validation of storage configuration
func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case "", "memory":
		c.Backend = "memory"
	case "badger":
	default:
		return fmt.Errorf("%w: unknown storage backend %q", domain.ErrConfigInvalid, c.Backend)
	}
	return nil
}

// Validate performs validation of execution configuration
func (c *ExecutionConfig) Validate() error {
	switch c.Mode {
	case "":
		c.Mode = domain.ModeDistributed
	case domain.ModeDistributed, domain.ModeSinglePass:
	default:
		return fmt.Errorf("%w: unknown execution mode %q", domain.ErrConfigInvalid, c.Mode)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", domain.ErrConfigInvalid)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", domain.ErrConfigInvalid)
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.InitialBackoff > c.Retry.MaxBackoff {
		return fmt.Errorf("%w: initial_backoff exceeds max_backoff", domain.ErrConfigInvalid)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", domain.ErrConfigInvalid)
	}
	if c.EmailBatchWindow < 0 {
		return fmt.Errorf("%w: email_batch_window must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

func (c *Config) validateUpload() error {
	switch c.Upload.Kind {
	case "":
	case "local":
		if c.Upload.Dir == "" {
			return fmt.Errorf("%w: local upload needs a dir", domain.ErrConfigInvalid)
		}
	case "s3":
		if c.Upload.Bucket == "" {
			return fmt.Errorf("%w: s3 upload needs a bucket", domain.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown upload kind %q", domain.ErrConfigInvalid, c.Upload.Kind)
	}
	return nil
}

// LoggerConfig converts to the logging package configuration.
func (c LoggingConfig) LoggerConfig() logging.Config {
	return logging.Config{Level: c.Level, Pretty: c.Pretty, RedactKeys: c.Redact}
}

// ProviderConfig converts to the telemetry package configuration.
func (c TelemetryConfig) ProviderConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName: c.ServiceName,
		Endpoint:    c.OTLPEndpoint,
		Environment: c.Environment,
		Insecure:    c.Insecure,
		Headers:     c.Headers,
		SampleRatio: c.SampleRatio,
	}
}

// StoreConfig converts to the storage package configuration.
func (c Config) StoreConfig(logger *slog.Logger) storage.Config {
	return storage.Config{
		Backend:    c.Storage.Backend,
		Path:       c.Storage.Path,
		SyncWrites: c.Storage.SyncWrites,
		GCInterval: c.Storage.GCInterval,
		MaxRetries: c.Execution.Retry.MaxRetries,
		Logger:     logger,
	}
}

// Governance converts to the retry policy configuration.
func (c RetryConfig) Governance() governance.RetryConfig {
	return governance.RetryConfig{
		MaxRetries:        c.MaxRetries,
		InitialBackoff:    c.InitialBackoff,
		MaxBackoff:        c.MaxBackoff,
		BackoffMultiplier: c.BackoffMultiplier,
		Jitter:            c.Jitter,
	}
}

// ToConnector converts to the connector registry configuration.
func (s ConnectionSpec) ToConnector() connector.ConnectionConfig {
	return connector.ConnectionConfig{
		Key:          s.Key,
		Kind:         s.Kind,
		Rows:         s.Rows,
		PendingPolls: s.PendingPolls,
		Recipient:    s.Recipient,
		CallTimeout:  s.Timeout,
		RateLimit: governance.RateLimiterConfig{
			RequestsPerSecond: s.RateLimit.RequestsPerSecond,
			BurstSize:         s.RateLimit.Burst,
		},
		CircuitBreaker: governance.CircuitBreakerConfig{
			MaxFailures: s.CircuitBreaker.MaxFailures,
			Timeout:     s.CircuitBreaker.Timeout,
		},
	}
}

// ConnectionConfigs converts every connection.
func (c Config) ConnectionConfigs() []connector.ConnectionConfig {
	out := make([]connector.ConnectionConfig, 0, len(c.Connections))
	for _, spec := range c.Connections {
		out = append(out, spec.ToConnector())
	}
	return out
}

// LoadModules returns the inline modules plus every .rego file of Dir.
func (c RegoConfig) LoadModules() (map[string]string, error) {
	modules := make(map[string]string, len(c.Modules))
	for name, src := range c.Modules {
		modules[name] = src
	}
	if c.Dir == "" {
		return modules, nil
	}
	paths, err := filepath.Glob(filepath.Join(c.Dir, "*.rego"))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		// #nosec G304 -- rego dir is configured at startup
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rego module %s: %w", path, err)
		}
		modules[filepath.Base(path)] = string(data)
	}
	return modules, nil
}
