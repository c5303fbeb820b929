package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	HTTPAddress         string         `mapstructure:"http_address"`
	LogLevel            string         `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	Database            DatabaseConfig `mapstructure:"database"`
	Redis               RedisConfig    `mapstructure:"redis"`
	Auth                AuthConfig     `mapstructure:"auth"`
	Hub                 HubConfig      `mapstructure:"hub"`
	QR                  QRConfig       `mapstructure:"qr"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig points at the Redis instance used for rate limiting and nonce
// tracking. An empty Addr disables Redis and in-memory fallbacks are used.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type AuthConfig struct {
	JWTSecret         string        `mapstructure:"jwt_secret"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	AttemptsPerMinute int           `mapstructure:"attempts_per_minute"`
}

// HubConfig tunes the realtime hub.
type HubConfig struct {
	MaxConnections int           `mapstructure:"max_connections"`
	RefreshDelay   time.Duration `mapstructure:"refresh_delay"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout"`
}

type QRConfig struct {
	Secret    string `mapstructure:"secret"`
	SingleUse bool   `mapstructure:"single_use"`
}

const (
	defaultHTTPAddress         = ":8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultRedisAddr           = "localhost:6379"
	defaultTokenTTL            = 24 * time.Hour
	defaultAttemptsPerMinute   = 5
	defaultMaxConnections      = 20
	defaultRefreshDelay        = 750 * time.Millisecond
	defaultStoreTimeout        = 5 * time.Second
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with CHAT_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("http_address", defaultHTTPAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addr", defaultRedisAddr)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", defaultTokenTTL.String())
	v.SetDefault("auth.attempts_per_minute", defaultAttemptsPerMinute)
	v.SetDefault("hub.max_connections", defaultMaxConnections)
	v.SetDefault("hub.refresh_delay", defaultRefreshDelay.String())
	v.SetDefault("hub.store_timeout", defaultStoreTimeout.String())
	v.SetDefault("qr.secret", "")
	v.SetDefault("qr.single_use", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Durations may arrive as strings from env or file; normalize them here.
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod},
		{"auth.token_ttl", &cfg.Auth.TokenTTL},
		{"hub.refresh_delay", &cfg.Hub.RefreshDelay},
		{"hub.store_timeout", &cfg.Hub.StoreTimeout},
	}
	for _, d := range durations {
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.HTTPAddress == "" {
		cfg.HTTPAddress = defaultHTTPAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Hub.MaxConnections <= 0 {
		cfg.Hub.MaxConnections = defaultMaxConnections
	}
	if cfg.Auth.AttemptsPerMinute <= 0 {
		cfg.Auth.AttemptsPerMinute = defaultAttemptsPerMinute
	}
	if cfg.QR.Secret == "" {
		cfg.QR.Secret = cfg.Auth.JWTSecret
	}

	return cfg, nil
}

// Validate reports missing values the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is not set"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is not set"))
	}
	if c.QR.Secret == "" {
		errs = append(errs, errors.New("qr.secret is not set"))
	}
	return errors.Join(errs...)
}
