// Package config loads settings from defaults, an optional YAML file and
// INFLUENCE_* environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INFLUENCE_"

type Config struct {
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Database   DatabaseConfig   `yaml:"database" envPrefix:"DATABASE_"`
	Redis      RedisConfig      `yaml:"redis" envPrefix:"REDIS_"`
	Kafka      KafkaConfig      `yaml:"kafka" envPrefix:"KAFKA_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
	Pipeline   PipelineConfig   `yaml:"pipeline" envPrefix:"PIPELINE_"`
	Resolver   ResolverConfig   `yaml:"resolver" envPrefix:"RESOLVER_"`
	Classifier ClassifierConfig `yaml:"classifier" envPrefix:"CLASSIFIER_"`
	Quality    QualityConfig    `yaml:"quality" envPrefix:"QUALITY_"`
	Sources    SourcesConfig    `yaml:"sources" envPrefix:"SOURCES_"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// DatabaseConfig selects the repository. Driver is "postgres" or "sqlite";
// for sqlite DSN is a file path or ":memory:".
type DatabaseConfig struct {
	Driver        string `yaml:"driver" env:"DRIVER"`
	DSN           string `yaml:"dsn" env:"DSN"`
	QueryPageSize int    `yaml:"query_page_size" env:"QUERY_PAGE_SIZE"`
}

// RedisConfig enables the aggregate cache when URL is set.
type RedisConfig struct {
	URL          string        `yaml:"url" env:"URL"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	CacheTTL     time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// KafkaConfig enables batch events when Brokers is set.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic       string   `yaml:"topic" env:"TOPIC"`
	ClientID    string   `yaml:"client_id" env:"CLIENT_ID"`
	CreateTopic bool     `yaml:"create_topic" env:"CREATE_TOPIC"`
	Partitions  int32    `yaml:"partitions" env:"PARTITIONS"`
}

type MetricsConfig struct {
	// Addr serves /metrics and /healthz when set.
	Addr string `yaml:"addr" env:"ADDR"`
}

type PipelineConfig struct {
	PageSize int `yaml:"page_size" env:"PAGE_SIZE"`
	// Workers bounds concurrently fetched sources; 0 means all of them.
	Workers int `yaml:"workers" env:"WORKERS"`
}

type ResolverConfig struct {
	// VariantsPath replaces the built-in name variant table.
	VariantsPath string `yaml:"variants_path" env:"VARIANTS_PATH"`
}

type ClassifierConfig struct {
	// RulesPath replaces the built-in grant category rules.
	RulesPath string `yaml:"rules_path" env:"RULES_PATH"`
}

type QualityConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type SourcesConfig struct {
	Contributions ContributionsConfig `yaml:"contributions" envPrefix:"CONTRIBUTIONS_"`
	Lobbying      LobbyingConfig      `yaml:"lobbying" envPrefix:"LOBBYING_"`
	Grants        GrantsConfig        `yaml:"grants" envPrefix:"GRANTS_"`
	Financials    FinancialsConfig    `yaml:"financials" envPrefix:"FINANCIALS_"`
}

// SourceConfig is shared by every provider. A source without an API key
// runs from its bundled fixture. Zero tuning values keep the defaults.
type SourceConfig struct {
	BaseURL           string        `yaml:"base_url" env:"BASE_URL"`
	APIKey            string        `yaml:"api_key" env:"API_KEY"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxAttempts       int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay         time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay          time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	FailureThreshold  int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	FailureWindow     time.Duration `yaml:"failure_window" env:"FAILURE_WINDOW"`
	OpenDuration      time.Duration `yaml:"open_duration" env:"OPEN_DURATION"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int           `yaml:"burst" env:"BURST"`
}

type ContributionsConfig struct {
	SourceConfig `yaml:",inline"`
	CommitteeIDs []string `yaml:"committee_ids" env:"COMMITTEE_IDS" envSeparator:","`
}

type LobbyingConfig struct {
	SourceConfig `yaml:",inline"`
	ClientName   string `yaml:"client_name" env:"CLIENT_NAME"`
	Year         int    `yaml:"year" env:"YEAR"`
}

// FoundationConfig maps a foundation's EIN to the company behind it.
type FoundationConfig struct {
	EIN     string `yaml:"ein"`
	Company string `yaml:"company"`
}

type GrantsConfig struct {
	SourceConfig `yaml:",inline"`
	Foundations  []FoundationConfig `yaml:"foundations"`
	Year         int                `yaml:"year" env:"YEAR"`
	// MaxGrantPages caps grant requests per foundation; zero keeps the adapter default.
	MaxGrantPages int `yaml:"max_grant_pages" env:"MAX_GRANT_PAGES"`
}

type FinancialsConfig struct {
	SourceConfig `yaml:",inline"`
	CIKs         []string `yaml:"ciks" env:"CIKS" envSeparator:","`
	Year         int      `yaml:"year" env:"YEAR"`
}

// Default is a local setup: SQLite next to the binary, fixtures for every
// source, no cache and no events.
func Default() Config {
	return Config{
		Log:      LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "influence.db", QueryPageSize: 500},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 1,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			CacheTTL:     10 * time.Minute,
		},
		Kafka:    KafkaConfig{Topic: "influence.batches", ClientID: "influence", Partitions: 1},
		Pipeline: PipelineConfig{PageSize: 100},
		Quality:  QualityConfig{Timeout: 10 * time.Second},
	}
}

// Load applies path (skipped when empty) and the environment over Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeYAML rejects unknown keys so a misspelt setting is not silently ignored.
func decodeYAML(raw []byte, cfg *Config) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Validate reports every structural problem at once.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or text", c.Log.Format))
	}
	if strings.TrimSpace(c.Database.Driver) == "" {
		errs = append(errs, errors.New("database.driver is required"))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Pipeline.PageSize < 1 {
		errs = append(errs, errors.New("pipeline.page_size must be positive"))
	}
	if c.Pipeline.Workers < 0 {
		errs = append(errs, errors.New("pipeline.workers must not be negative"))
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL <= 0 {
		errs = append(errs, errors.New("redis.cache_ttl must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		errs = append(errs, errors.New("kafka.topic is required with brokers"))
	}
	for name, s := range c.Sources.all() {
		if s.MaxAttempts < 0 || s.FailureThreshold < 0 || s.Burst < 0 || s.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Errorf("sources.%s: tuning values must not be negative", name))
		}
		if s.BaseDelay < 0 || s.MaxDelay < 0 || s.OpenDuration < 0 || s.FailureWindow < 0 || s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("sources.%s: durations must not be negative", name))
		}
	}
	for i, f := range c.Sources.Grants.Foundations {
		if strings.TrimSpace(f.EIN) == "" || strings.TrimSpace(f.Company) == "" {
			errs = append(errs, fmt.Errorf("sources.grants.foundations[%d]: ein and company are required", i))
		}
	}
	return errors.Join(errs...)
}

func (s SourcesConfig) all() map[string]SourceConfig {
	return map[string]SourceConfig{
		"contributions": s.Contributions.SourceConfig,
		"lobbying":      s.Lobbying.SourceConfig,
		"grants":        s.Grants.SourceConfig,
		"financials":    s.Financials.SourceConfig,
	}
}
