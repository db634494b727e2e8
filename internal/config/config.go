package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"qvault/internal/logging"
)

// Config represents the application configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Vault      VaultConfig      `yaml:"vault"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	CORS       CORSConfig       `yaml:"cors"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    logging.Config   `yaml:"logging"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuthConfig represents admin authentication configuration
type AuthConfig struct {
	AdminToken  string        `yaml:"admin_token"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTDuration time.Duration `yaml:"jwt_duration"`
}

// VaultConfig represents credential vault configuration
type VaultConfig struct {
	Path                   string        `yaml:"path"`
	MasterSecret           string        `yaml:"master_secret"`
	AuditLogPath           string        `yaml:"audit_log_path"`
	RotationWindow         time.Duration `yaml:"rotation_window"`
	MaxUsageBeforeRotation int64         `yaml:"max_usage_before_rotation"`
	UsageFlushInterval     int           `yaml:"usage_flush_interval"`
	MaxBackups             int           `yaml:"max_backups"`
	SweepSchedule          string        `yaml:"sweep_schedule"`
}

// ProvidersConfig represents provider client configuration
type ProvidersConfig struct {
	TestTimeout time.Duration `yaml:"test_timeout"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPath    string `yaml:"prometheus_path"`
}

// CORSConfig represents CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// RateLimitConfig represents rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerSecond int  `yaml:"requests_per_second"`
	Burst             int  `yaml:"burst"`
}

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// Load loads configuration from a YAML file, expanding ${VAR} references
// against the process environment
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	config := Default()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Default returns the configuration defaults applied before file values
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:    "qvault",
			Version: "dev",
			Env:     "development",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8081,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			JWTDuration: 12 * time.Hour,
		},
		Vault: VaultConfig{
			Path:                   "data/credentials.json",
			RotationWindow:         90 * 24 * time.Hour,
			MaxUsageBeforeRotation: 10000,
			UsageFlushInterval:     100,
			MaxBackups:             5,
			SweepSchedule:          "@hourly",
		},
		Providers: ProvidersConfig{
			TestTimeout: 10 * time.Second,
		},
		Monitoring: MonitoringConfig{
			PrometheusEnabled: true,
			PrometheusPath:    "/metrics",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Vault.Path == "" {
		return fmt.Errorf("vault path must not be empty")
	}
	if c.Vault.MaxBackups < 1 {
		return fmt.Errorf("vault max_backups must be at least 1")
	}
	if c.Vault.UsageFlushInterval < 1 {
		return fmt.Errorf("vault usage_flush_interval must be at least 1")
	}
	if c.Vault.RotationWindow <= 0 {
		return fmt.Errorf("vault rotation_window must be positive")
	}
	if c.App.Env == "production" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required in production")
	}
	return nil
}
