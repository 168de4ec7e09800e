// Package config loads bus.yml, applies AGENTBUS_* environment overrides and
// validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dyluth/agentbus/pkg/delivery"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. AGENTBUS_REDIS_URL.
const EnvPrefix = "AGENTBUS"

// DefaultPath is where busd looks for its config file.
const DefaultPath = "bus.yml"

// Config represents the top-level bus.yml configuration
type Config struct {
	Version    string           `yaml:"version" ignored:"true"`
	AgentID    string           `yaml:"agent_id" split_words:"true"`
	Redis      RedisConfig      `yaml:"redis"`
	Clustering ClusteringConfig `yaml:"clustering"`
	Conflicts  ConflictsConfig  `yaml:"conflicts"`
	TTL        TTLConfig        `yaml:"ttl"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Health     HealthConfig     `yaml:"health"`
	Log        LogConfig        `yaml:"log"`
	Trace      TraceConfig      `yaml:"trace"`
}

// RedisConfig locates the store.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ClusteringConfig tunes topic clustering.
type ClusteringConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" split_words:"true"`
}

// ConflictsConfig tunes conflict detection.
type ConflictsConfig struct {
	DeltaThreshold float64       `yaml:"delta_threshold" split_words:"true"`
	HistoryTTL     time.Duration `yaml:"history_ttl" split_words:"true"`
}

// TTLConfig holds entity lifetimes not carried on the entities themselves.
type TTLConfig struct {
	Packet time.Duration `yaml:"packet"`
}

// DeliveryConfig mirrors delivery.Config in file form.
type DeliveryConfig struct {
	MaxRetries      int           `yaml:"max_retries" split_words:"true"`
	RetryDelay      time.Duration `yaml:"retry_delay" split_words:"true"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay" split_words:"true"`
	PollInterval    time.Duration `yaml:"poll_interval" split_words:"true"`
	MessageTTL      time.Duration `yaml:"message_ttl" split_words:"true"`
	SubscriptionTTL time.Duration `yaml:"subscription_ttl" split_words:"true"`
	Backoff         string        `yaml:"backoff"`
}

// HealthConfig controls the /healthz listener. An empty address disables it.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Trace exporters.
const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
)

// TraceConfig selects where spans are exported. "none" keeps tracing off.
type TraceConfig struct {
	Exporter string `yaml:"exporter"`
}

// Default returns a configuration with every field at its standard value.
func Default() *Config {
	d := delivery.DefaultConfig()
	return &Config{
		Version: "1.0",
		Redis:   RedisConfig{URL: "redis://localhost:6379/0"},
		Clustering: ClusteringConfig{
			SimilarityThreshold: 0.6,
		},
		Conflicts: ConflictsConfig{
			DeltaThreshold: 0.2,
			HistoryTTL:     30 * 24 * time.Hour,
		},
		TTL: TTLConfig{
			Packet: 24 * time.Hour,
		},
		Delivery: DeliveryConfig{
			MaxRetries:      d.MaxRetries,
			RetryDelay:      d.RetryDelay,
			MaxRetryDelay:   d.MaxRetryDelay,
			PollInterval:    d.PollInterval,
			MessageTTL:      d.MessageTTL,
			SubscriptionTTL: d.SubscriptionTTL,
			Backoff:         d.Backoff,
		},
		Health: HealthConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "json"},
		Trace:  TraceConfig{Exporter: TraceExporterNone},
	}
}

// Load reads the config file at path over the defaults, applies environment
// overrides and validates. A missing file is only an error when path was
// given explicitly; an empty path means defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile exports the KEY=value pairs of a .env file into the process
// environment. Variables already set in the environment win. A missing file
// is not an error.
func LoadEnvFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read env file: %w", err)
	}
	for k, val := range v.AllSettings() {
		key := strings.ToUpper(k)
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return err
		}
	}
	return nil
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if _, err := redis.ParseURL(c.Redis.URL); err != nil {
		return fmt.Errorf("redis.url is invalid: %w", err)
	}

	if t := c.Clustering.SimilarityThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("clustering.similarity_threshold must be in (0, 1], got %g", t)
	}
	if t := c.Conflicts.DeltaThreshold; t < 0 || t >= 1 {
		return fmt.Errorf("conflicts.delta_threshold must be in [0, 1), got %g", t)
	}
	if c.Conflicts.HistoryTTL <= 0 {
		return fmt.Errorf("conflicts.history_ttl must be positive, got %s", c.Conflicts.HistoryTTL)
	}

	if c.TTL.Packet <= 0 {
		return fmt.Errorf("ttl.packet must be positive, got %s", c.TTL.Packet)
	}

	if err := c.DeliveryConfig().Validate(); err != nil {
		return fmt.Errorf("delivery: %w", err)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be 'json' or 'console', got %q", c.Log.Format)
	}

	switch c.Trace.Exporter {
	case TraceExporterNone, TraceExporterStdout:
	default:
		return fmt.Errorf("trace.exporter must be %q or %q, got %q", TraceExporterNone, TraceExporterStdout, c.Trace.Exporter)
	}
	return nil
}

// RedisOptions parses the Redis URL into client options.
func (c *Config) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return opts, nil
}

// DeliveryConfig converts the delivery section for delivery.NewManager.
func (c *Config) DeliveryConfig() delivery.Config {
	return delivery.Config{
		MaxRetries:      c.Delivery.MaxRetries,
		RetryDelay:      c.Delivery.RetryDelay,
		MaxRetryDelay:   c.Delivery.MaxRetryDelay,
		PollInterval:    c.Delivery.PollInterval,
		MessageTTL:      c.Delivery.MessageTTL,
		SubscriptionTTL: c.Delivery.SubscriptionTTL,
		Backoff:         c.Delivery.Backoff,
	}
}
