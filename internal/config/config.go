// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host string `envconfig:"SRW_HOST" yaml:"host"`
	Port int    `envconfig:"SRW_PORT" yaml:"port"`

	// Elasticsearch configuration
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`

	// COEC click model configuration
	Coec CoecConfig `yaml:"coec"`

	// Sampling configuration
	Sampling SamplingConfig `yaml:"sampling"`

	// Query set runner configuration
	Runner RunnerConfig `yaml:"runner"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Redis configuration
	Redis RedisConfig `yaml:"redis"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`
}

// ElasticsearchConfig holds search backend connection settings.
type ElasticsearchConfig struct {
	URL        string `envconfig:"SRW_ES_URL" yaml:"url"`
	Username   string `envconfig:"SRW_ES_USERNAME" yaml:"username"`
	Password   string `envconfig:"SRW_ES_PASSWORD" yaml:"password"`
	MaxRetries int    `envconfig:"SRW_ES_MAX_RETRIES" yaml:"max_retries"`
}

// CoecConfig holds click model settings.
type CoecConfig struct {
	MaxRank        int `envconfig:"SRW_COEC_MAX_RANK" yaml:"max_rank"`
	RoundingDigits int `envconfig:"SRW_COEC_ROUNDING_DIGITS" yaml:"rounding_digits"`
	ScrollPageSize int `envconfig:"SRW_COEC_SCROLL_PAGE_SIZE" yaml:"scroll_page_size"`
	QueryCacheSize int `envconfig:"SRW_COEC_QUERY_CACHE_SIZE" yaml:"query_cache_size"`
	Workers        int `envconfig:"SRW_COEC_WORKERS" yaml:"workers"`
}

// SamplingConfig holds query sampler settings.
type SamplingConfig struct {
	CorpusPageSize int `envconfig:"SRW_SAMPLING_CORPUS_PAGE_SIZE" yaml:"corpus_page_size"`
	MaxQueries     int `envconfig:"SRW_SAMPLING_MAX_QUERIES" yaml:"max_queries"`
}

// RunnerConfig holds query set runner settings.
type RunnerConfig struct {
	DefaultK          int     `envconfig:"SRW_RUNNER_DEFAULT_K" yaml:"default_k"`
	RequestsPerSecond float64 `envconfig:"SRW_RUNNER_RATE" yaml:"requests_per_second"`
	Burst             int     `envconfig:"SRW_RUNNER_BURST" yaml:"burst"`
	Concurrency       int     `envconfig:"SRW_RUNNER_CONCURRENCY" yaml:"concurrency"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"SRW_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"SRW_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"SRW_KAFKA_GROUP" yaml:"kafka_group"`
}

// RedisConfig holds run history storage settings.
type RedisConfig struct {
	URL string `envconfig:"SRW_REDIS_URL" yaml:"url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"SRW_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"SRW_LOG_FORMAT" yaml:"format"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	RateLimit int `envconfig:"SRW_RATE_LIMIT" yaml:"rate_limit"` // 0 = disabled
}

// Default returns a configuration with sensible defaults.
func Default() Config {
	return Config{
		Host: "0.0.0.0",
		Port: 8080,
		Elasticsearch: ElasticsearchConfig{
			URL:        "http://localhost:9200",
			MaxRetries: 3,
		},
		Coec: CoecConfig{
			MaxRank:        20,
			RoundingDigits: 3,
			ScrollPageSize: 1000,
			QueryCacheSize: 10000,
			Workers:        4,
		},
		Sampling: SamplingConfig{
			CorpusPageSize: 10000,
			MaxQueries:     100000,
		},
		Runner: RunnerConfig{
			DefaultK:          10,
			RequestsPerSecond: 20,
			Burst:             1,
			Concurrency:       4,
		},
		Bus: BusConfig{
			Type: "memory",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file (optional) and environment
// variables. Environment variables take precedence over the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Elasticsearch.URL == "" {
		return fmt.Errorf("elasticsearch URL is required")
	}
	if c.Coec.MaxRank <= 0 {
		return fmt.Errorf("coec max_rank must be positive, got %d", c.Coec.MaxRank)
	}
	if c.Runner.Concurrency <= 0 {
		return fmt.Errorf("runner concurrency must be positive, got %d", c.Runner.Concurrency)
	}
	if c.Runner.RequestsPerSecond <= 0 {
		return fmt.Errorf("runner requests_per_second must be positive")
	}
	switch strings.ToLower(c.Bus.Type) {
	case "", "memory", "kafka":
	default:
		return fmt.Errorf("unknown bus type: %s", c.Bus.Type)
	}
	return nil
}
