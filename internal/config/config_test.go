package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

// setRequired fills in the settings that have no usable defaults.
func setRequired() {
	viper.Set("webhook.secret", "test-secret")
	viper.Set("build.account_id", "123456789012")
	viper.Set("build.role_arn", "arn:aws:iam::123456789012:role/build")
	viper.Set("build.artifact_bucket", "artifacts")
	viper.Set("buildservice.endpoint", "http://builds.internal:8080")
}

func TestLoad(t *testing.T) {
	// Reset viper state before each test
	defer viper.Reset()

	tests := []struct {
		name    string
		setup   func()
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "default configuration",
			setup: func() {
				viper.Reset()
				setRequired()
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if cfg.APIPort != 8080 {
					t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
				}
				if cfg.ProbePort != 8081 {
					t.Errorf("ProbePort = %d, want 8081", cfg.ProbePort)
				}
				if cfg.MetricsPort != 9090 {
					t.Errorf("MetricsPort = %d, want 9090", cfg.MetricsPort)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
				}
				if cfg.LogFormat != "json" {
					t.Errorf("LogFormat = %s, want json", cfg.LogFormat)
				}
				if cfg.ShutdownTimeout != 30*time.Second {
					t.Errorf("ShutdownTimeout = %s, want 30s", cfg.ShutdownTimeout)
				}
				if cfg.StackPrefix != "review" {
					t.Errorf("StackPrefix = %s, want review", cfg.StackPrefix)
				}
				if cfg.DispatchQueueSize != 64 {
					t.Errorf("DispatchQueueSize = %d, want 64", cfg.DispatchQueueSize)
				}
				if cfg.DispatchWorkers != 4 {
					t.Errorf("DispatchWorkers = %d, want 4", cfg.DispatchWorkers)
				}
				if cfg.LaunchTimeout != 2*time.Minute {
					t.Errorf("LaunchTimeout = %s, want 2m", cfg.LaunchTimeout)
				}
				if cfg.TeardownOnClose {
					t.Error("TeardownOnClose = true, want false by default")
				}
			},
		},
		{
			name: "custom configuration via viper",
			setup: func() {
				viper.Reset()
				setRequired()
				viper.Set("api.port", 9000)
				viper.Set("probe.port", 9001)
				viper.Set("metrics.port", 9002)
				viper.Set("log.level", "debug")
				viper.Set("log.format", "console")
				viper.Set("shutdown.timeout", "60s")
				viper.Set("dispatch.queue_size", 128)
				viper.Set("teardown.on_close", true)
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if cfg.APIPort != 9000 {
					t.Errorf("APIPort = %d, want 9000", cfg.APIPort)
				}
				if cfg.LogLevel != "debug" {
					t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
				}
				if cfg.LogFormat != "console" {
					t.Errorf("LogFormat = %s, want console", cfg.LogFormat)
				}
				if cfg.ShutdownTimeout != 60*time.Second {
					t.Errorf("ShutdownTimeout = %s, want 60s", cfg.ShutdownTimeout)
				}
				if cfg.DispatchQueueSize != 128 {
					t.Errorf("DispatchQueueSize = %d, want 128", cfg.DispatchQueueSize)
				}
				if !cfg.TeardownOnClose {
					t.Error("TeardownOnClose = false, want true")
				}
			},
		},
		{
			name: "TLS configuration",
			setup: func() {
				viper.Reset()
				setRequired()
				viper.Set("tls.enabled", true)
				viper.Set("tls.cert", "/path/to/cert.pem")
				viper.Set("tls.key", "/path/to/key.pem")
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if !cfg.TLSEnabled {
					t.Error("TLSEnabled = false, want true")
				}
				if cfg.TLSCert != "/path/to/cert.pem" {
					t.Errorf("TLSCert = %s, want /path/to/cert.pem", cfg.TLSCert)
				}
				if cfg.TLSKey != "/path/to/key.pem" {
					t.Errorf("TLSKey = %s, want /path/to/key.pem", cfg.TLSKey)
				}
			},
		},
		{
			name: "missing webhook secret",
			setup: func() {
				viper.Reset()
				setRequired()
				viper.Set("webhook.secret", "")
			},
			wantErr: true,
			check:   nil,
		},
		{
			name: "missing build service endpoint",
			setup: func() {
				viper.Reset()
				setRequired()
				viper.Set("buildservice.endpoint", "")
			},
			wantErr: true,
			check:   nil,
		},
		{
			name: "invalid shutdown timeout",
			setup: func() {
				viper.Reset()
				setRequired()
				viper.Set("shutdown.timeout", "invalid")
			},
			wantErr: true,
			check:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if err == nil && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		APIPort:                  8080,
		ProbePort:                8081,
		MetricsPort:              9090,
		LogLevel:                 "info",
		LogFormat:                "json",
		ShutdownTimeout:          30 * time.Second,
		HealthCheckTimeout:       5 * time.Second,
		HealthCheckCacheDuration: 10 * time.Second,
		MetricsNamespace:         "review_apps",
		WebhookSecret:            "test-secret",
		AccountID:                "123456789012",
		Region:                   "eu-west-1",
		BuildRoleARN:             "arn:aws:iam::123456789012:role/build",
		ArtifactBucket:           "artifacts",
		StackPrefix:              "review",
		BuildServiceEndpoint:     "http://builds.internal:8080",
		BuildServiceTimeout:      30 * time.Second,
		DispatchQueueSize:        64,
		DispatchWorkers:          4,
		LaunchTimeout:            2 * time.Minute,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid configuration",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid API port - too low",
			mutate:  func(c *Config) { c.APIPort = 0 },
			wantErr: true,
		},
		{
			name:    "invalid API port - too high",
			mutate:  func(c *Config) { c.APIPort = 65536 },
			wantErr: true,
		},
		{
			name:    "invalid probe port",
			mutate:  func(c *Config) { c.ProbePort = -1 },
			wantErr: true,
		},
		{
			name:    "invalid metrics port",
			mutate:  func(c *Config) { c.MetricsPort = 70000 },
			wantErr: true,
		},
		{
			name: "TLS enabled but no cert",
			mutate: func(c *Config) {
				c.TLSEnabled = true
				c.TLSKey = "/path/to/key"
			},
			wantErr: true,
		},
		{
			name: "TLS enabled but no key",
			mutate: func(c *Config) {
				c.TLSEnabled = true
				c.TLSCert = "/path/to/cert"
			},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.LogFormat = "invalid" },
			wantErr: true,
		},
		{
			name:    "negative shutdown timeout",
			mutate:  func(c *Config) { c.ShutdownTimeout = -1 * time.Second },
			wantErr: true,
		},
		{
			name:    "empty webhook secret",
			mutate:  func(c *Config) { c.WebhookSecret = "" },
			wantErr: true,
		},
		{
			name:    "empty account id",
			mutate:  func(c *Config) { c.AccountID = "" },
			wantErr: true,
		},
		{
			name:    "empty region",
			mutate:  func(c *Config) { c.Region = "" },
			wantErr: true,
		},
		{
			name:    "empty build role",
			mutate:  func(c *Config) { c.BuildRoleARN = "" },
			wantErr: true,
		},
		{
			name:    "empty artifact bucket",
			mutate:  func(c *Config) { c.ArtifactBucket = "" },
			wantErr: true,
		},
		{
			name:    "empty build service endpoint",
			mutate:  func(c *Config) { c.BuildServiceEndpoint = "" },
			wantErr: true,
		},
		{
			name:    "zero build service timeout",
			mutate:  func(c *Config) { c.BuildServiceTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero dispatch queue size",
			mutate:  func(c *Config) { c.DispatchQueueSize = 0 },
			wantErr: true,
		},
		{
			name:    "zero dispatch workers",
			mutate:  func(c *Config) { c.DispatchWorkers = 0 },
			wantErr: true,
		},
		{
			name:    "zero launch timeout",
			mutate:  func(c *Config) { c.LaunchTimeout = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	// Save current environment and restore at the end
	oldEnv := make(map[string]string)
	envVars := map[string]string{
		"REVIEWAPPS_API_PORT":              "9000",
		"REVIEWAPPS_PROBE_PORT":            "9001",
		"REVIEWAPPS_METRICS_PORT":          "9002",
		"REVIEWAPPS_LOG_LEVEL":             "debug",
		"REVIEWAPPS_LOG_FORMAT":            "console",
		"REVIEWAPPS_SHUTDOWN_TIMEOUT":      "45s",
		"REVIEWAPPS_WEBHOOK_SECRET":        "env-secret",
		"REVIEWAPPS_BUILD_ACCOUNT_ID":      "123456789012",
		"REVIEWAPPS_BUILD_ROLE_ARN":        "arn:aws:iam::123456789012:role/build",
		"REVIEWAPPS_BUILD_ARTIFACT_BUCKET": "artifacts",
		"REVIEWAPPS_BUILDSERVICE_ENDPOINT": "http://builds.internal:8080",
		"REVIEWAPPS_TEARDOWN_ON_CLOSE":     "true",
	}

	for key := range envVars {
		oldEnv[key] = os.Getenv(key)
	}

	// Clean up at the end
	defer func() {
		for key, value := range oldEnv {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
		viper.Reset()
	}()

	// Set environment variables
	for key, value := range envVars {
		if err := os.Setenv(key, value); err != nil {
			t.Fatalf("Failed to set env var %s: %v", key, err)
		}
	}

	// Reset viper to pick up environment variables
	viper.Reset()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.APIPort != 9000 {
		t.Errorf("APIPort = %d, want 9000", cfg.APIPort)
	}
	if cfg.ProbePort != 9001 {
		t.Errorf("ProbePort = %d, want 9001", cfg.ProbePort)
	}
	if cfg.MetricsPort != 9002 {
		t.Errorf("MetricsPort = %d, want 9002", cfg.MetricsPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "console" {
		t.Errorf("LogFormat = %s, want console", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout != 45*time.Second {
		t.Errorf("ShutdownTimeout = %s, want 45s", cfg.ShutdownTimeout)
	}
	if cfg.WebhookSecret != "env-secret" {
		t.Errorf("WebhookSecret = %s, want env-secret", cfg.WebhookSecret)
	}
	if !cfg.TeardownOnClose {
		t.Error("TeardownOnClose = false, want true")
	}
}
