// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig          `mapstructure:"server"`
	Logging     LoggingConfig         `mapstructure:"logging"`
	DB          DBConfig              `mapstructure:"db"`
	HTTP        HTTPConfig            `mapstructure:"http"`
	Guard       GuardConfig           `mapstructure:"guard"`
	Discovery   DiscoveryConfig       `mapstructure:"discovery"`
	Extraction  ExtractionConfig      `mapstructure:"extraction"`
	Headless    HeadlessConfig        `mapstructure:"headless"`
	Coordinator CoordinatorConfig     `mapstructure:"coordinator"`
	Schemas     map[string]PageSchema `mapstructure:"schemas"`
}

// ServerConfig controls the operator API server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
	LifetimeMins int    `mapstructure:"conn_lifetime_minutes"`
}

// HTTPConfig configures outbound fetch behavior and the retry policy.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// GuardConfig governs per-domain pacing and anti-ban behavior.
type GuardConfig struct {
	DefaultRPS       float64  `mapstructure:"default_rps"`
	DefaultBurst     int      `mapstructure:"default_burst"`
	UserAgents       []string `mapstructure:"user_agents"`
	RotatePerRequest bool     `mapstructure:"rotate_per_request"`
	BreakerThreshold int      `mapstructure:"breaker_threshold"`
	CooldownSeconds  int      `mapstructure:"cooldown_seconds"`
}

// DiscoveryConfig selects and orders URL discovery methods.
type DiscoveryConfig struct {
	Methods          []string `mapstructure:"methods"`
	MaxCategoryPages int      `mapstructure:"max_category_pages"`
	MaxSitemapDepth  int      `mapstructure:"max_sitemap_depth"`
}

// ExtractionConfig selects and orders extraction strategies.
type ExtractionConfig struct {
	Strategies     []string `mapstructure:"strategies"`
	AnthropicModel string   `mapstructure:"anthropic_model"`
	AnthropicKey   string   `mapstructure:"anthropic_key"`
}

// HeadlessConfig configures the chromedp renderer used for scripted
// category pagination.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	MaxScrolls    int  `mapstructure:"max_scrolls"`
}

// CoordinatorConfig governs the worker pool and checkpointing cadence.
type CoordinatorConfig struct {
	Workers         int    `mapstructure:"workers"`
	CheckpointEvery int    `mapstructure:"checkpoint_every"`
	RevisitPolicy   string `mapstructure:"revisit_policy"`
}

// PageSchema holds CSS selectors for structural extraction, keyed by
// website host in the schemas map. The "default" entry is the generic
// fallback schema.
type PageSchema struct {
	Title      string `mapstructure:"title"`
	Author     string `mapstructure:"author"`
	Date       string `mapstructure:"date"`
	Body       string `mapstructure:"body"`
	Image      string `mapstructure:"image"`
	Categories string `mapstructure:"categories"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSGATHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("http.backoff_max_ms", 30000)
	v.SetDefault("guard.default_rps", 1.0)
	v.SetDefault("guard.default_burst", 1)
	v.SetDefault("guard.rotate_per_request", false)
	v.SetDefault("guard.breaker_threshold", 5)
	v.SetDefault("guard.cooldown_seconds", 300)
	v.SetDefault("discovery.methods", []string{"sitemap", "rss", "category", "homepage"})
	v.SetDefault("discovery.max_category_pages", 10)
	v.SetDefault("discovery.max_sitemap_depth", 3)
	v.SetDefault("extraction.strategies", []string{"structural", "similarity", "generative"})
	v.SetDefault("extraction.anthropic_model", "claude-sonnet-4-5")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.max_scrolls", 5)
	v.SetDefault("coordinator.workers", 4)
	v.SetDefault("coordinator.checkpoint_every", 10)
	v.SetDefault("coordinator.revisit_policy", "always")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Coordinator.Workers <= 0 {
		return fmt.Errorf("coordinator.workers must be > 0")
	}
	if c.Coordinator.CheckpointEvery <= 0 {
		return fmt.Errorf("coordinator.checkpoint_every must be > 0")
	}
	switch c.Coordinator.RevisitPolicy {
	case "always", "conditional":
	default:
		return fmt.Errorf("coordinator.revisit_policy must be always or conditional")
	}
	for _, m := range c.Discovery.Methods {
		switch m {
		case "sitemap", "rss", "category", "homepage":
		default:
			return fmt.Errorf("unknown discovery method %q", m)
		}
	}
	for _, s := range c.Extraction.Strategies {
		switch s {
		case "structural", "similarity", "generative":
		default:
			return fmt.Errorf("unknown extraction strategy %q", s)
		}
	}
	if c.Headless.Enabled && c.Headless.NavTimeoutSec <= 0 {
		return fmt.Errorf("headless.nav_timeout_seconds must be > 0 when headless is enabled")
	}
	return nil
}

// RequestTimeout converts the HTTP timeout config into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BackoffBase returns the initial retry backoff.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry backoff ceiling.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}
