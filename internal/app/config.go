package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the marketcache backend.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Refresh    RefreshConfig    `mapstructure:"refresh"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Auth       AuthConfig       `mapstructure:"auth"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// UpstreamConfig describes the third-party market-data provider.
type UpstreamConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinInterval  time.Duration `mapstructure:"min_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// CacheConfig tunes the read-through cache.
type CacheConfig struct {
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	FallbackTTL    time.Duration `mapstructure:"fallback_ttl"`
	SweepRetention time.Duration `mapstructure:"sweep_retention"`
}

// RefreshConfig configures the scheduled warm-up runs.
type RefreshConfig struct {
	Enabled       bool            `mapstructure:"enabled"`
	Schedule      string          `mapstructure:"schedule"`
	SweepSchedule string          `mapstructure:"sweep_schedule"`
	Targets       []RefreshTarget `mapstructure:"targets"`
}

// RefreshTarget is one cache key kept warm by the scheduler.
type RefreshTarget struct {
	Name       string            `mapstructure:"name"`
	Endpoint   string            `mapstructure:"endpoint"`
	Chain      string            `mapstructure:"chain"`
	Params     map[string]string `mapstructure:"params"`
	TTLMinutes int               `mapstructure:"ttl_minutes"`
}

// BroadcastConfig toggles the realtime fan-out.
type BroadcastConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig captures the internal-surface authentication settings.
type AuthConfig struct {
	Service ServiceTokenSettings `mapstructure:"service"`
}

// ServiceTokenSettings configures service tokens for internal callers.
type ServiceTokenSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"token_ttl"`
}

// CORSConfig lists the origins allowed to call the public API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("MARKETCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/marketcache.sqlite")

	v.SetDefault("upstream.timeout", "6s")
	v.SetDefault("upstream.min_interval", "200ms")
	v.SetDefault("upstream.max_attempts", 3)
	v.SetDefault("upstream.retry_backoff", "500ms")

	v.SetDefault("cache.default_ttl", "1h")
	v.SetDefault("cache.fallback_ttl", "5m")
	v.SetDefault("cache.sweep_retention", "168h") // 7 days

	v.SetDefault("refresh.enabled", true)
	v.SetDefault("refresh.schedule", "@every 10m")
	v.SetDefault("refresh.sweep_schedule", "@daily")

	v.SetDefault("broadcast.enabled", true)

	v.SetDefault("auth.service.issuer", "marketcache")
	v.SetDefault("auth.service.token_ttl", "1h")

	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
