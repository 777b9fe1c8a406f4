// Package config loads nursefi configuration from defaults, an optional YAML file and
// NURSEFI_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. NURSEFI_SERVER_PORT.
const EnvPrefix = "NURSEFI"

// Loader reads configuration through its own viper instance.
type Loader struct {
	v  *viper.Viper
	mu sync.Mutex
}

// NewLoader prepares a loader. An empty path searches for nursefi.yaml in the working
// directory and ./config; a missing file there is not an error.
func NewLoader(path string) *Loader {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("nursefi")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// Load reads, decodes and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return l.decode()
}

// ConfigFileUsed returns the file Load read, or "" when running on defaults and env.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the reloaded configuration whenever the config file is
// written. Invalid reloads go to onError and the previous configuration stays in
// effect. Watch does nothing when no config file was found.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()

		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := l.v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SetDefaults registers every key with its default value. AutomaticEnv only resolves
// keys viper already knows, so each setting needs a default here.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("admission.max_body_bytes", 1<<20)
	v.SetDefault("admission.ip_limit", 5)
	v.SetDefault("admission.user_limit", 10)
	v.SetDefault("admission.window", "60s")

	v.SetDefault("auth.signing_method", "HS256")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_public_key", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", "30s")
	v.SetDefault("auth.timeout", "5s")
	v.SetDefault("auth.test_token", "")
	v.SetDefault("auth.test_subject", "test-user")
	v.SetDefault("auth.environment", "development")

	v.SetDefault("ratelimit_store.driver", "memory")
	v.SetDefault("ratelimit_store.redis.url", "localhost:6379")
	v.SetDefault("ratelimit_store.redis.password", "")
	v.SetDefault("ratelimit_store.redis.db", 0)
	v.SetDefault("ratelimit_store.redis.prefix", "nursefi:ratelimit:")

	v.SetDefault("offline.queue_path", "nursefi-offline.db")
	v.SetDefault("offline.max_queue_length", 100)
	v.SetDefault("offline.sync_url", "http://localhost:8080/api/transactions/sync")
	v.SetDefault("offline.flush_interval", "30s")
	v.SetDefault("offline.max_attempts", 10)
	v.SetDefault("offline.max_batch_bytes", 1<<20)
	v.SetDefault("offline.token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("admin.api_key", "")
}
