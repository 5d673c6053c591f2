package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	// API server settings
	APIPort int
	APIHost string

	// Probe server settings
	ProbePort int
	ProbeHost string

	// Metrics server settings
	MetricsPort int
	MetricsHost string

	// TLS settings
	TLSEnabled bool
	TLSCert    string
	TLSKey     string

	// Logging settings
	LogLevel  string
	LogFormat string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Health check settings
	HealthCheckTimeout       time.Duration
	HealthCheckCacheDuration time.Duration

	// Metrics settings
	MetricsNamespace string

	// Webhook settings
	WebhookSecret string

	// Build target settings
	AccountID      string
	Region         string
	BuildRoleARN   string
	ArtifactBucket string
	RepoCloneURL   string
	StackPrefix    string

	// Build service settings
	BuildServiceEndpoint string
	BuildServiceTimeout  time.Duration

	// Dispatch settings
	DispatchQueueSize int
	DispatchWorkers   int
	LaunchTimeout     time.Duration

	// Teardown settings
	TeardownOnClose bool
}

// Load reads configuration from environment variables, config file, and flags.
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("probe.port", 8081)
	viper.SetDefault("probe.host", "0.0.0.0")
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.host", "0.0.0.0")
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cert", "")
	viper.SetDefault("tls.key", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("shutdown.timeout", "30s")
	viper.SetDefault("health.check_timeout", "5s")
	viper.SetDefault("health.cache_duration", "10s")
	viper.SetDefault("webhook.secret", "")
	viper.SetDefault("build.account_id", "")
	viper.SetDefault("build.region", "eu-west-1")
	viper.SetDefault("build.role_arn", "")
	viper.SetDefault("build.artifact_bucket", "")
	viper.SetDefault("build.repo_clone_url", "")
	viper.SetDefault("build.stack_prefix", "review")
	viper.SetDefault("buildservice.endpoint", "")
	viper.SetDefault("buildservice.timeout", "30s")
	viper.SetDefault("dispatch.queue_size", 64)
	viper.SetDefault("dispatch.workers", 4)
	viper.SetDefault("dispatch.launch_timeout", "2m")
	viper.SetDefault("teardown.on_close", false)

	// Enable environment variable support with automatic replacement
	viper.SetEnvPrefix("REVIEWAPPS")
	viper.AutomaticEnv()
	// Replace . with _ in environment variable names (e.g., api.port -> REVIEWAPPS_API_PORT)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Try to read config file if it exists
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/review-apps/")

	// Reading config file is optional
	_ = viper.ReadInConfig()

	// Parse configuration
	cfg := &Config{
		APIPort:              viper.GetInt("api.port"),
		APIHost:              viper.GetString("api.host"),
		ProbePort:            viper.GetInt("probe.port"),
		ProbeHost:            viper.GetString("probe.host"),
		MetricsPort:          viper.GetInt("metrics.port"),
		MetricsHost:          viper.GetString("metrics.host"),
		TLSEnabled:           viper.GetBool("tls.enabled"),
		TLSCert:              viper.GetString("tls.cert"),
		TLSKey:               viper.GetString("tls.key"),
		LogLevel:             viper.GetString("log.level"),
		LogFormat:            viper.GetString("log.format"),
		MetricsNamespace:     "review_apps", // Fixed value, not configurable
		WebhookSecret:        viper.GetString("webhook.secret"),
		AccountID:            viper.GetString("build.account_id"),
		Region:               viper.GetString("build.region"),
		BuildRoleARN:         viper.GetString("build.role_arn"),
		ArtifactBucket:       viper.GetString("build.artifact_bucket"),
		RepoCloneURL:         viper.GetString("build.repo_clone_url"),
		StackPrefix:          viper.GetString("build.stack_prefix"),
		BuildServiceEndpoint: viper.GetString("buildservice.endpoint"),
		DispatchQueueSize:    viper.GetInt("dispatch.queue_size"),
		DispatchWorkers:      viper.GetInt("dispatch.workers"),
		TeardownOnClose:      viper.GetBool("teardown.on_close"),
	}

	// Parse shutdown timeout
	timeout, err := time.ParseDuration(viper.GetString("shutdown.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid shutdown timeout: %w", err)
	}
	cfg.ShutdownTimeout = timeout

	// Parse health check timeout
	healthTimeout, err := time.ParseDuration(viper.GetString("health.check_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid health check timeout: %w", err)
	}
	cfg.HealthCheckTimeout = healthTimeout

	// Parse health check cache duration
	cacheDuration, err := time.ParseDuration(viper.GetString("health.cache_duration"))
	if err != nil {
		return nil, fmt.Errorf("invalid health check cache duration: %w", err)
	}
	cfg.HealthCheckCacheDuration = cacheDuration

	// Parse build service timeout
	serviceTimeout, err := time.ParseDuration(viper.GetString("buildservice.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid build service timeout: %w", err)
	}
	cfg.BuildServiceTimeout = serviceTimeout

	// Parse launch timeout
	launchTimeout, err := time.ParseDuration(viper.GetString("dispatch.launch_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid launch timeout: %w", err)
	}
	cfg.LaunchTimeout = launchTimeout

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.APIPort)
	}
	if c.ProbePort < 1 || c.ProbePort > 65535 {
		return fmt.Errorf("invalid probe port: %d", c.ProbePort)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}

	if c.TLSEnabled {
		if c.TLSCert == "" {
			return fmt.Errorf("TLS enabled but no certificate path provided")
		}
		if c.TLSKey == "" {
			return fmt.Errorf("TLS enabled but no key path provided")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.LogFormat)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s (must be positive)", c.ShutdownTimeout)
	}

	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("invalid health check timeout: %s (must be positive)", c.HealthCheckTimeout)
	}

	if c.HealthCheckCacheDuration < 0 {
		return fmt.Errorf("invalid health check cache duration: %s (must be non-negative, zero disables caching)", c.HealthCheckCacheDuration)
	}

	if c.MetricsNamespace == "" {
		return fmt.Errorf("metrics namespace cannot be empty")
	}

	if c.WebhookSecret == "" {
		return fmt.Errorf("webhook secret cannot be empty")
	}

	if c.AccountID == "" {
		return fmt.Errorf("build account id cannot be empty")
	}
	if c.Region == "" {
		return fmt.Errorf("build region cannot be empty")
	}
	if c.BuildRoleARN == "" {
		return fmt.Errorf("build role ARN cannot be empty")
	}
	if c.ArtifactBucket == "" {
		return fmt.Errorf("artifact bucket cannot be empty")
	}

	if c.BuildServiceEndpoint == "" {
		return fmt.Errorf("build service endpoint cannot be empty")
	}
	if c.BuildServiceTimeout <= 0 {
		return fmt.Errorf("invalid build service timeout: %s (must be positive)", c.BuildServiceTimeout)
	}

	if c.DispatchQueueSize < 1 {
		return fmt.Errorf("invalid dispatch queue size: %d (must be at least 1)", c.DispatchQueueSize)
	}
	if c.DispatchWorkers < 1 {
		return fmt.Errorf("invalid dispatch worker count: %d (must be at least 1)", c.DispatchWorkers)
	}
	if c.LaunchTimeout <= 0 {
		return fmt.Errorf("invalid launch timeout: %s (must be positive)", c.LaunchTimeout)
	}

	return nil
}
