package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the analysis service
type Config struct {
	General   GeneralConfig             `mapstructure:"general"`
	Server    ServerConfig              `mapstructure:"server"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Search    SearchConfig              `mapstructure:"search"`
	Cache     CacheConfig               `mapstructure:"cache"`
	RateLimit RateLimitConfig           `mapstructure:"rate_limit"`
	Stream    StreamConfig              `mapstructure:"stream"`
	Telemetry TelemetryConfig           `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// ProviderConfig represents a single generative provider configuration
type ProviderConfig struct {
	Type              string        `mapstructure:"type"` // openai, openai-compatible
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	EmbeddingModel    string        `mapstructure:"embedding_model"`
	Temperature       float64       `mapstructure:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DailyQuota        int64         `mapstructure:"daily_quota"`
	Priority          int           `mapstructure:"priority"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

func (p ProviderConfig) Validate(name string) error {
	if p.Model == "" {
		return fmt.Errorf("providers.%s.model required", name)
	}
	if p.DailyQuota <= 0 {
		return fmt.Errorf("providers.%s.daily_quota must be > 0", name)
	}
	return nil
}

// SearchConfig contains web search collaborator settings
type SearchConfig struct {
	Provider   string `mapstructure:"provider"` // serper
	APIKey     string `mapstructure:"api_key"`
	Endpoint   string `mapstructure:"endpoint"`
	MaxResults int    `mapstructure:"max_results"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// CacheConfig contains cache store settings. The cache is optional: an
// unreachable Redis degrades reads to misses and writes to no-ops.
type CacheConfig struct {
	Redis         RedisConfig   `mapstructure:"redis"`
	QueryTTL      time.Duration `mapstructure:"query_ttl"`
	AnalysisTTL   time.Duration `mapstructure:"analysis_ttl"`
	SchemaVersion int           `mapstructure:"schema_version"`
}

// RateProfileConfig is one windowed rate limit profile.
type RateProfileConfig struct {
	Limit  int64         `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// RateLimitConfig contains the three coexisting limiter profiles.
type RateLimitConfig struct {
	Default  RateProfileConfig `mapstructure:"default"`
	Provider RateProfileConfig `mapstructure:"provider"`
	Upload   RateProfileConfig `mapstructure:"upload"`
}

// StreamConfig tunes the session event stream.
type StreamConfig struct {
	TopSources     int           `mapstructure:"top_sources"`
	FragmentDelay  time.Duration `mapstructure:"fragment_delay"`
	ReplayDelay    time.Duration `mapstructure:"replay_delay"`
	ReplayWords    int           `mapstructure:"replay_words"`
	MetricsTimeout time.Duration `mapstructure:"metrics_timeout"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PeriodicLogs bool `mapstructure:"periodic_logs"`
}

// LoadConfig loads config from file, falling back to defaults plus
// FINSIGHT_* environment overrides when no file is present.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", 30*time.Second)
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("search.provider", "serper")
	viper.SetDefault("search.max_results", 10)
	viper.SetDefault("cache.redis.host", "localhost")
	viper.SetDefault("cache.redis.port", "6379")
	viper.SetDefault("cache.redis.timeout", 5*time.Second)
	viper.SetDefault("cache.query_ttl", 1800*time.Second)
	viper.SetDefault("cache.analysis_ttl", 3600*time.Second)
	viper.SetDefault("cache.schema_version", 1)
	viper.SetDefault("rate_limit.default.limit", 100)
	viper.SetDefault("rate_limit.default.window", 15*time.Minute)
	viper.SetDefault("rate_limit.provider.limit", 5)
	viper.SetDefault("rate_limit.provider.window", time.Minute)
	viper.SetDefault("rate_limit.upload.limit", 5)
	viper.SetDefault("rate_limit.upload.window", 5*time.Minute)
	viper.SetDefault("stream.top_sources", 5)
	viper.SetDefault("stream.fragment_delay", 30*time.Millisecond)
	viper.SetDefault("stream.replay_delay", 40*time.Millisecond)
	viper.SetDefault("stream.replay_words", 12)
	viper.SetDefault("stream.metrics_timeout", 20*time.Second)
	viper.SetDefault("telemetry.enabled", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("FINSIGHT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for name, p := range config.Providers {
		if err := p.Validate(name); err != nil {
			return nil, err
		}
	}
	return &config, nil
}
