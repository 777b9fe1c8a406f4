package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the complete nursefi configuration.
type Config struct {
	Server         ServerConfig         `mapstructure:"server" yaml:"server"`
	Admission      AdmissionConfig      `mapstructure:"admission" yaml:"admission"`
	Auth           AuthConfig           `mapstructure:"auth" yaml:"auth"`
	RateLimitStore RateLimitStoreConfig `mapstructure:"ratelimit_store" yaml:"ratelimit_store"`
	Offline        OfflineConfig        `mapstructure:"offline" yaml:"offline"`
	Logging        LoggingConfig        `mapstructure:"logging" yaml:"logging"`
	Admin          AdminConfig          `mapstructure:"admin" yaml:"admin"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AdmissionConfig holds the admission guard limits. IPLimit, UserLimit and Window
// can be changed at runtime through a config reload.
type AdmissionConfig struct {
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	IPLimit      int           `mapstructure:"ip_limit" yaml:"ip_limit"`
	UserLimit    int           `mapstructure:"user_limit" yaml:"user_limit"`
	Window       time.Duration `mapstructure:"window" yaml:"window"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	SigningMethod string        `mapstructure:"signing_method" yaml:"signing_method"`
	JWTSecret     string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTPublicKey  string        `mapstructure:"jwt_public_key" yaml:"jwt_public_key"`
	Issuer        string        `mapstructure:"issuer" yaml:"issuer"`
	Audience      string        `mapstructure:"audience" yaml:"audience"`
	Leeway        time.Duration `mapstructure:"leeway" yaml:"leeway"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// TestToken is accepted as a valid bearer token outside production.
	TestToken   string `mapstructure:"test_token" yaml:"test_token"`
	TestSubject string `mapstructure:"test_subject" yaml:"test_subject"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// RateLimitStoreConfig selects the counter backend.
type RateLimitStoreConfig struct {
	// Driver is "memory" or "redis".
	Driver string      `mapstructure:"driver" yaml:"driver"`
	Redis  RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig holds connection settings for the redis driver.
type RedisConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// OfflineConfig configures the client-side replay agent.
type OfflineConfig struct {
	QueuePath      string        `mapstructure:"queue_path" yaml:"queue_path"`
	MaxQueueLength int           `mapstructure:"max_queue_length" yaml:"max_queue_length"`
	SyncURL        string        `mapstructure:"sync_url" yaml:"sync_url"`
	FlushInterval  time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	MaxBatchBytes  int64         `mapstructure:"max_batch_bytes" yaml:"max_batch_bytes"`
	Token          string        `mapstructure:"token" yaml:"token"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`
}

// AdminConfig protects operator endpoints.
type AdminConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Admission.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("admission.max_body_bytes must be positive"))
	}
	if c.Admission.IPLimit <= 0 || c.Admission.UserLimit <= 0 {
		errs = append(errs, errors.New("admission.ip_limit and admission.user_limit must be positive"))
	}
	if c.Admission.Window <= 0 {
		errs = append(errs, errors.New("admission.window must be positive"))
	}

	switch strings.ToUpper(c.Auth.SigningMethod) {
	case "HS256", "RS256":
	default:
		errs = append(errs, fmt.Errorf("auth.signing_method must be HS256 or RS256, got %q", c.Auth.SigningMethod))
	}

	switch c.RateLimitStore.Driver {
	case "memory":
	case "redis":
		if c.RateLimitStore.Redis.URL == "" {
			errs = append(errs, errors.New("ratelimit_store.redis.url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("ratelimit_store.driver must be memory or redis, got %q", c.RateLimitStore.Driver))
	}

	if c.Offline.MaxQueueLength <= 0 {
		errs = append(errs, errors.New("offline.max_queue_length must be positive"))
	}
	if c.Offline.MaxAttempts <= 0 {
		errs = append(errs, errors.New("offline.max_attempts must be positive"))
	}
	if c.Offline.MaxBatchBytes <= 0 {
		errs = append(errs, errors.New("offline.max_batch_bytes must be positive"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

const redacted = "[redacted]"

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&c.Auth.JWTSecret)
	mask(&c.Auth.TestToken)
	mask(&c.RateLimitStore.Redis.Password)
	mask(&c.Offline.Token)
	mask(&c.Admin.APIKey)
	return c
}
