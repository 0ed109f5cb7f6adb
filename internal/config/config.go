// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	DB      DBConfig      `mapstructure:"db"`
	Scrape  ScrapeConfig  `mapstructure:"scrape"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory repositories (development mode).
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// StrategyConfig is the per-strategy knob set. Every field is optional with a
// default; Headless only applies to browser-driven strategies.
type StrategyConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RateLimitDelay float64 `mapstructure:"rate_limit_delay_seconds"`
	Headless       bool    `mapstructure:"headless"`
	MaxRetries     int     `mapstructure:"max_retries"`
	UserAgent      string  `mapstructure:"user_agent"`
	APIBase        string  `mapstructure:"api_base"`
	APIKey         string  `mapstructure:"api_key"`
	Model          string  `mapstructure:"model"`
	Locale         string  `mapstructure:"locale"`
}

// Timeout converts the configured seconds into a duration.
func (c StrategyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Delay converts the configured rate limit delay into a duration.
func (c StrategyConfig) Delay() time.Duration {
	return time.Duration(c.RateLimitDelay * float64(time.Second))
}

// ScrapeConfig governs the orchestrator and worker pool.
type ScrapeConfig struct {
	MaxWorkers    int            `mapstructure:"max_workers"`
	QueueDepth    int            `mapstructure:"queue_depth"`
	StructuredAPI StrategyConfig `mapstructure:"structured_api"`
	Browser       StrategyConfig `mapstructure:"browser"`
	DocumentOCR   StrategyConfig `mapstructure:"document_ocr"`
	Vision        StrategyConfig `mapstructure:"vision"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OFFERSCOUT")
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
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("logging.development", true)

	v.SetDefault("scrape.max_workers", 3)
	v.SetDefault("scrape.queue_depth", 64)

	for _, kind := range []string{"structured_api", "browser", "document_ocr", "vision"} {
		v.SetDefault("scrape."+kind+".timeout_seconds", 30)
		v.SetDefault("scrape."+kind+".rate_limit_delay_seconds", 0.5)
		v.SetDefault("scrape."+kind+".headless", true)
		v.SetDefault("scrape."+kind+".max_retries", 3)
	}
	v.SetDefault("scrape.structured_api.enabled", true)
	v.SetDefault("scrape.structured_api.api_base", "https://backflipp.wishabi.com/flipp")
	v.SetDefault("scrape.structured_api.locale", "en-ca")
	v.SetDefault("scrape.structured_api.user_agent", "offerscout/1.0 (+https://github.com/offerscout/offerscout)")
	v.SetDefault("scrape.browser.enabled", true)
	v.SetDefault("scrape.document_ocr.enabled", false)
	v.SetDefault("scrape.vision.enabled", false)
	v.SetDefault("scrape.vision.model", "claude-sonnet-4-20250514")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scrape.MaxWorkers <= 0 {
		return fmt.Errorf("scrape.max_workers must be > 0")
	}
	if c.Scrape.QueueDepth <= 0 {
		return fmt.Errorf("scrape.queue_depth must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	for name, sc := range map[string]StrategyConfig{
		"structured_api": c.Scrape.StructuredAPI,
		"browser":        c.Scrape.Browser,
		"document_ocr":   c.Scrape.DocumentOCR,
		"vision":         c.Scrape.Vision,
	} {
		if sc.TimeoutSeconds <= 0 {
			return fmt.Errorf("scrape.%s.timeout_seconds must be > 0", name)
		}
		if sc.RateLimitDelay < 0 {
			return fmt.Errorf("scrape.%s.rate_limit_delay_seconds must be >= 0", name)
		}
		if sc.MaxRetries < 0 {
			return fmt.Errorf("scrape.%s.max_retries must be >= 0", name)
		}
	}
	return nil
}
