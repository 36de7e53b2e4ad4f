package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type RBACConfig struct {
	PolicyFile string   `mapstructure:"policy_file"` // YAML seed of roles, groups, policies and users
	Admins     []string `mapstructure:"admins"`      // E-mails created as admin users on start
}

type AuthConfig struct {
	// Lifetime of operator access tokens.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// Lifetime of e-mailed one-time login codes.
	OTPTTL time.Duration `mapstructure:"otp_ttl"`
}

type RegistryConfig struct {
	// Unresolved enrollment requests expire after this long.
	EnrollmentTTL time.Duration `mapstructure:"enrollment_ttl"`
	// A device is stale once its last liveness report is older than this.
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
}

type BrokerConfig struct {
	RequestTTL  time.Duration `mapstructure:"request_ttl"`
	PushTimeout time.Duration `mapstructure:"push_timeout"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type SignatureConfig struct {
	// Signed device requests outside now±MaxSkew are rejected.
	MaxSkew time.Duration `mapstructure:"max_skew"`
}

type NotifyConfig struct {
	Backend string `mapstructure:"backend"` // memory or redis
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EmailConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	From         string `mapstructure:"from"`
	NotifyAdmins bool   `mapstructure:"notify_admins"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type Config struct {
	// Secret key for signing tokens and deriving device credentials. Must be set in production.
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`
	Listen   string `mapstructure:"listen"`
	BaseURL  string `mapstructure:"base_url"`

	// Comma separated list of allowed CIDR networks. Empty means allow all.
	AllowedNetworks string `mapstructure:"allowed_networks"`

	NonceStore string `mapstructure:"nonce_store"`

	Auth      AuthConfig      `mapstructure:"auth"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Signature SignatureConfig `mapstructure:"signature"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RBAC      RBACConfig      `mapstructure:"rbac"`
	Email     EmailConfig     `mapstructure:"email"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`

	Storage Storage `mapstructure:"storage"`
}

// Check if running in Docker container by checking for the presence of /.dockerenv file
func runningInDocker() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

func getConfigPath() string {
	if runningInDocker() {
		return "/app/instance"
	}
	return "./instance"
}

// LoadConfig reads config.yaml (or the given file) and environment variables.
// Nested keys map to environment variables with dots replaced by underscores,
// e.g. REGISTRY_LIVENESS_TIMEOUT.
func LoadConfig(configFile ...string) (*Config, error) {
	var cfg Config

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(getConfigPath())
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, path := range configFile {
		if path != "" {
			v.SetConfigFile(path)
		}
	}

	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}

	// Load configuration from environment variables
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("unable to read config: %w", err)
		}
		slog.Debug("No config file found, using defaults and environment")
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) normalize() error {
	switch cfg.Storage.Type {
	case "", "sqlite":
		cfg.Storage.Type = "sqlite"
		if cfg.Storage.SQLite == nil {
			cfg.Storage.SQLite = &SQLLiteStorage{Path: "./data/storage.db"}
		}
		// Convert relative sqlite path to absolute instance folder
		path := cfg.Storage.SQLite.Path
		if path != ":memory:" && path != "" && !os.IsPathSeparator(path[0]) {
			cfg.Storage.SQLite.Path = fmt.Sprintf("%s/%s", getConfigPath(), strings.TrimPrefix(path, "./"))
		}
	case "postgres":
		if cfg.Storage.PostgreSQL == nil || cfg.Storage.PostgreSQL.DSN == "" {
			return errors.New("storage.postgres.dsn is required for postgres storage")
		}
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (cfg *Config) Validate() error {
	durations := map[string]time.Duration{
		"auth.token_ttl":            cfg.Auth.TokenTTL,
		"auth.otp_ttl":              cfg.Auth.OTPTTL,
		"registry.enrollment_ttl":   cfg.Registry.EnrollmentTTL,
		"registry.liveness_timeout": cfg.Registry.LivenessTimeout,
		"broker.request_ttl":        cfg.Broker.RequestTTL,
		"broker.push_timeout":       cfg.Broker.PushTimeout,
		"sweeper.interval":          cfg.Sweeper.Interval,
		"signature.max_skew":        cfg.Signature.MaxSkew,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}

	switch cfg.NonceStore {
	case "memory", "sql", "redis":
	default:
		return fmt.Errorf("unknown nonce_store %q", cfg.NonceStore)
	}

	switch cfg.Notify.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown notify.backend %q", cfg.Notify.Backend)
	}

	switch cfg.Storage.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage.type %q", cfg.Storage.Type)
	}

	// Warn if secret is missing - this is a critical security setting for production
	if cfg.Secret == "" {
		if os.Getenv("GIN_MODE") == "release" {
			return errors.New("SECRET configuration variable is required in production")
		}
		slog.Warn("Secret is not set. Do not use in production.")
	}

	return nil
}
