// Package config provides configuration management for the application.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the application configuration, read from the environment
// with an optional .env file for local development.
type Config struct {
	Server    ServerConfig
	Providers ProvidersConfig
	Storage   StorageConfig
	Usage     UsageConfig
	Cache     CacheConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port          string
	MasterKey     string
	BodySizeLimit string
}

// ProvidersConfig holds per-provider credentials and endpoint overrides.
type ProvidersConfig struct {
	Default       string
	OpenAIKey     string
	OpenAIBaseURL string
	GeminiKey     string
	GeminiBaseURL string
}

// StorageConfig selects the usage database backend.
type StorageConfig struct {
	Type              string
	SQLitePath        string
	PostgreSQLURL     string
	PostgreSQLMaxConn int
}

// UsageConfig controls usage tracking and retention.
type UsageConfig struct {
	Enabled           bool
	RetentionDays     int
	DailyThresholdUSD float64
}

// CacheConfig selects the daily cost counter backend: none, local, or redis.
type CacheConfig struct {
	Backend  string
	RedisURL string
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool
	Endpoint string
}

// LogConfig controls log output format: auto, json, or pretty.
type LogConfig struct {
	Format string
}

// Load reads configuration from the environment, with a .env file picked up
// from the working directory when present.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // .env is optional

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("BODY_SIZE_LIMIT", "10M")
	viper.SetDefault("DEFAULT_LLM_PROVIDER", "openai")
	viper.SetDefault("STORAGE_TYPE", "sqlite")
	viper.SetDefault("SQLITE_PATH", "data/llmgate.db")
	viper.SetDefault("POSTGRESQL_MAX_CONNS", 10)
	viper.SetDefault("USAGE_ENABLED", true)
	viper.SetDefault("USAGE_RETENTION_DAYS", 0)
	viper.SetDefault("DAILY_COST_THRESHOLD", 10.0)
	viper.SetDefault("COST_CACHE", "none")
	viper.SetDefault("METRICS_ENABLED", true)
	viper.SetDefault("METRICS_ENDPOINT", "/metrics")
	viper.SetDefault("LOG_FORMAT", "auto")

	viper.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:          viper.GetString("PORT"),
			MasterKey:     viper.GetString("LLMGATE_MASTER_KEY"),
			BodySizeLimit: viper.GetString("BODY_SIZE_LIMIT"),
		},
		Providers: ProvidersConfig{
			Default:       viper.GetString("DEFAULT_LLM_PROVIDER"),
			OpenAIKey:     viper.GetString("OPENAI_API_KEY"),
			OpenAIBaseURL: viper.GetString("OPENAI_BASE_URL"),
			GeminiKey:     viper.GetString("GEMINI_API_KEY"),
			GeminiBaseURL: viper.GetString("GEMINI_BASE_URL"),
		},
		Storage: StorageConfig{
			Type:              viper.GetString("STORAGE_TYPE"),
			SQLitePath:        viper.GetString("SQLITE_PATH"),
			PostgreSQLURL:     viper.GetString("POSTGRESQL_URL"),
			PostgreSQLMaxConn: viper.GetInt("POSTGRESQL_MAX_CONNS"),
		},
		Usage: UsageConfig{
			Enabled:           viper.GetBool("USAGE_ENABLED"),
			RetentionDays:     viper.GetInt("USAGE_RETENTION_DAYS"),
			DailyThresholdUSD: viper.GetFloat64("DAILY_COST_THRESHOLD"),
		},
		Cache: CacheConfig{
			Backend:  viper.GetString("COST_CACHE"),
			RedisURL: viper.GetString("REDIS_URL"),
		},
		Metrics: MetricsConfig{
			Enabled:  viper.GetBool("METRICS_ENABLED"),
			Endpoint: viper.GetString("METRICS_ENDPOINT"),
		},
		Log: LogConfig{
			Format: viper.GetString("LOG_FORMAT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "sqlite", "postgresql":
	default:
		return fmt.Errorf("unsupported STORAGE_TYPE %q", c.Storage.Type)
	}
	if c.Storage.Type == "postgresql" && c.Storage.PostgreSQLURL == "" {
		return fmt.Errorf("POSTGRESQL_URL is required when STORAGE_TYPE is postgresql")
	}
	switch c.Cache.Backend {
	case "none", "local", "redis":
	default:
		return fmt.Errorf("unsupported COST_CACHE %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when COST_CACHE is redis")
	}
	return nil
}
