// Package config loads and validates crawl configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CRAWLER_ENGINE_WORKERS.
const EnvPrefix = "CRAWLER"

// Config captures every knob of a crawl process.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Spider    SpiderConfig    `mapstructure:"spider"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Export    ExportConfig    `mapstructure:"export"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// EngineConfig selects the engine's components by registry name.
type EngineConfig struct {
	Workers    int    `mapstructure:"workers"`
	Queue      string `mapstructure:"queue"`
	DupeFilter string `mapstructure:"dupefilter"`
	Transport  string `mapstructure:"transport"`
	// Extensions run before DefaultExtensions; names present in both run once.
	Extensions        []string `mapstructure:"extensions"`
	DefaultExtensions []string `mapstructure:"default_extensions"`
	// RunID overrides the generated run identifier.
	RunID string `mapstructure:"run_id"`
}

// HTTPConfig configures the colly transport.
type HTTPConfig struct {
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	UserAgent       string `mapstructure:"user_agent"`
	VerifyTLS       bool   `mapstructure:"verify_tls"`
	Proxy           string `mapstructure:"proxy"`
	FollowRedirects bool   `mapstructure:"follow_redirects"`
	MaxBodyBytes    int    `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the chromedp transport, used directly or by the
// auto transport for pages the probe cannot render.
type HeadlessConfig struct {
	MaxParallel       int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	WaitSelector      string `mapstructure:"wait_selector"`
	SettleDelayMs     int    `mapstructure:"settle_delay_ms"`
	// PromoteBelowBytes is the auto transport's script-density threshold.
	PromoteBelowBytes int `mapstructure:"promote_below_bytes"`
}

// SpiderConfig configures the link-following spider.
type SpiderConfig struct {
	StartURLs      []string `mapstructure:"start_urls"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
	MaxDepth       int      `mapstructure:"max_depth"`
}

// RateLimitConfig feeds the ratelimit extension; rps 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// RobotsConfig feeds the robots extension.
type RobotsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
}

// RetryConfig feeds the retry extension; a negative max disables it.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

// ExportConfig selects where the export extension writes items.
type ExportConfig struct {
	Store         string `mapstructure:"store"`
	LocalDir      string `mapstructure:"local_dir"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	Prefix        string `mapstructure:"prefix"`
	PubSubProject string `mapstructure:"pubsub_project"`
	PubSubTopic   string `mapstructure:"pubsub_topic"`
}

// ProgressConfig selects progress sinks and their backing store.
type ProgressConfig struct {
	Sinks []string `mapstructure:"sinks"`
	// PostgresDSN backs the store sink when set; otherwise runs are kept in memory.
	PostgresDSN     string `mapstructure:"postgres_dsn"`
	BufferSize      int    `mapstructure:"buffer_size"`
	BatchSize       int    `mapstructure:"batch_size"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Names accepted by the registries and sink builders.
var (
	QueueNames      = []string{"fifo", "lifo", "priority"}
	DupeFilterNames = []string{"memory", "none"}
	TransportNames  = []string{"colly", "headless", "auto"}
	ExportStores    = []string{"none", "memory", "local", "gcs"}
	ProgressSinks   = []string{"log", "prometheus", "store"}
)

// FileName is the config file looked up in SearchPaths, without extension.
const FileName = "crawler"

// SearchPaths are tried in order when no config file is given.
var SearchPaths = []string{".", "$HOME/.crawlengine", "/etc/crawlengine"}

// Load builds a Config from defaults, a file and the environment. With an
// empty path the first crawler.{yaml,json,toml} in SearchPaths is used, if any.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName(FileName)
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration Load produces with no file or env.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	cfg.normalize()
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.queue", "fifo")
	v.SetDefault("engine.dupefilter", "memory")
	v.SetDefault("engine.transport", "colly")
	v.SetDefault("engine.extensions", []string{})
	v.SetDefault("engine.default_extensions", []string{"depth", "retry", "export"})
	v.SetDefault("engine.run_id", "")
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.user_agent", "crawlengine/0.1")
	v.SetDefault("http.verify_tls", true)
	v.SetDefault("http.proxy", "")
	v.SetDefault("http.follow_redirects", true)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("headless.settle_delay_ms", 0)
	v.SetDefault("headless.promote_below_bytes", 2048)
	v.SetDefault("spider.start_urls", []string{})
	v.SetDefault("spider.allowed_domains", []string{})
	v.SetDefault("spider.max_depth", 0)
	v.SetDefault("ratelimit.rps", 0.0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("robots.enabled", false)
	v.SetDefault("robots.timeout_seconds", 10)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 250)
	v.SetDefault("retry.max_delay_ms", 5000)
	v.SetDefault("export.store", "none")
	v.SetDefault("export.local_dir", "")
	v.SetDefault("export.gcs_bucket", "")
	v.SetDefault("export.prefix", "items")
	v.SetDefault("export.pubsub_project", "")
	v.SetDefault("export.pubsub_topic", "")
	v.SetDefault("progress.sinks", []string{"log"})
	v.SetDefault("progress.postgres_dsn", "")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch_size", 1000)
	v.SetDefault("progress.flush_interval_ms", 500)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

func (c *Config) normalize() {
	lower := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	c.Engine.Queue = lower(c.Engine.Queue)
	c.Engine.DupeFilter = lower(c.Engine.DupeFilter)
	c.Engine.Transport = lower(c.Engine.Transport)
	c.Export.Store = lower(c.Export.Store)
	c.Engine.Extensions = cleanList(c.Engine.Extensions)
	c.Engine.DefaultExtensions = cleanList(c.Engine.DefaultExtensions)
	c.Progress.Sinks = cleanList(c.Progress.Sinks)
	c.Spider.StartURLs = cleanList(c.Spider.StartURLs)
	c.Spider.AllowedDomains = cleanList(c.Spider.AllowedDomains)
	if c.Export.Store == "" {
		c.Export.Store = "none"
	}
}

// cleanList trims entries and splits comma-joined values from env overrides.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits. All problems are
// reported together.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	oneOf := func(key, val string, allowed []string) {
		check(slices.Contains(allowed, val), "%s must be one of %v, got %q", key, allowed, val)
	}

	check(c.Engine.Workers > 0, "engine.workers must be > 0")
	oneOf("engine.queue", c.Engine.Queue, QueueNames)
	oneOf("engine.dupefilter", c.Engine.DupeFilter, DupeFilterNames)
	oneOf("engine.transport", c.Engine.Transport, TransportNames)
	check(c.HTTP.TimeoutSeconds > 0, "http.timeout_seconds must be > 0")
	check(c.HTTP.MaxBodyBytes >= 0, "http.max_body_bytes must be >= 0")
	if c.Engine.Transport != "colly" {
		check(c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0")
		check(c.Headless.NavTimeoutSeconds > 0, "headless.nav_timeout_seconds must be > 0")
	}
	check(c.Spider.MaxDepth >= 0, "spider.max_depth must be >= 0")
	check(c.RateLimit.RPS >= 0, "ratelimit.rps must be >= 0")
	check(c.RateLimit.RPS == 0 || c.RateLimit.Burst > 0, "ratelimit.burst must be > 0 when rps is set")
	check(c.Retry.BaseDelayMs >= 0 && c.Retry.MaxDelayMs >= 0, "retry delays must be >= 0")
	check(c.Retry.MaxDelayMs == 0 || c.Retry.MaxDelayMs >= c.Retry.BaseDelayMs,
		"retry.max_delay_ms must be >= retry.base_delay_ms")

	oneOf("export.store", c.Export.Store, ExportStores)
	switch c.Export.Store {
	case "local":
		check(c.Export.LocalDir != "", "export.local_dir is required when export.store is local")
	case "gcs":
		check(c.Export.GCSBucket != "", "export.gcs_bucket is required when export.store is gcs")
	}
	check((c.Export.PubSubProject == "") == (c.Export.PubSubTopic == ""),
		"export.pubsub_project and export.pubsub_topic must be set together")
	check(c.Export.PubSubTopic == "" || c.Export.Store != "none",
		"export.pubsub_topic requires an export.store")

	for _, s := range c.Progress.Sinks {
		oneOf("progress.sinks", s, ProgressSinks)
	}
	check(c.Progress.BufferSize >= 0 && c.Progress.BatchSize >= 0 && c.Progress.FlushIntervalMs >= 0,
		"progress buffer, batch and flush settings must be >= 0")

	if c.Server.Enabled {
		check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be in 1..65535")
	}
	return errors.Join(errs...)
}

// HasProgressSink reports whether name is among the configured sinks.
func (c Config) HasProgressSink(name string) bool {
	return slices.Contains(c.Progress.Sinks, name)
}

// HTTPTimeout is the per-request transport timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Millis converts a millisecond setting to a Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
