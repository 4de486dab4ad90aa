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
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Reddit   RedditConfig   `mapstructure:"reddit"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DatabaseConfig controls access to the relational database.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// OpenAIConfig configures the language-model collaborator.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// RedditConfig configures the content-provider fetch clients.
type RedditConfig struct {
	ClientID          string `mapstructure:"client_id"`
	ClientSecret      string `mapstructure:"client_secret"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	UserAgent         string `mapstructure:"user_agent"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	MinIntervalMillis int    `mapstructure:"min_interval_ms"`
	SearchTimeFilter  string `mapstructure:"search_time_filter"`
}

// ProxyConfig governs the egress proxy pool.
type ProxyConfig struct {
	Enabled                bool                `mapstructure:"enabled"`
	ListURL                string              `mapstructure:"list_url"`
	DefaultScheme          string              `mapstructure:"default_scheme"`
	RefreshIntervalSeconds int                 `mapstructure:"refresh_interval_seconds"`
	TimeoutSeconds         int                 `mapstructure:"timeout_seconds"`
	PoolSize               int                 `mapstructure:"pool_size"`
	CachePath              string              `mapstructure:"cache_path"`
	CacheEnabled           bool                `mapstructure:"cache_enabled"`
	Provider               ProxyProviderConfig `mapstructure:"provider"`
}

// ProxyProviderConfig holds options for the paid proxy provider API.
type ProxyProviderConfig struct {
	APIKey          string `mapstructure:"api_key"`
	Protocol        string `mapstructure:"protocol"`
	Anonymity       string `mapstructure:"anonymity"`
	Country         string `mapstructure:"country"`
	HTTPSOnly       *bool  `mapstructure:"https_only"`
	MaxLatencyMs    int    `mapstructure:"max_latency_ms"`
	MaxRetries      int    `mapstructure:"max_retries"`
	BackoffSeconds  int    `mapstructure:"backoff_seconds"`
	CooldownSeconds int    `mapstructure:"cooldown_seconds"`
	MaxWaitSeconds  int    `mapstructure:"max_wait_seconds"`
}

// BrowserConfig configures the headless browser client.
type BrowserConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	Headless  bool `mapstructure:"headless"`
	TimeoutMs int  `mapstructure:"timeout_ms"`
}

// AnalysisConfig governs pipeline caps and extraction thresholds.
type AnalysisConfig struct {
	ConfidenceThreshold  float64 `mapstructure:"confidence_threshold"`
	MaxDiscoveryPages    int     `mapstructure:"max_discovery_pages"`
	MaxCommunities       int     `mapstructure:"max_communities"`
	MaxPostsPerCommunity int     `mapstructure:"max_posts_per_community"`
	MaxCommentsPerPost   int     `mapstructure:"max_comments_per_post"`
	MaxEvidenceItems     int     `mapstructure:"max_evidence_items"`
	ExtractionBatchSize  int     `mapstructure:"extraction_batch_size"`
	MaxEvidenceChars     int     `mapstructure:"max_evidence_chars"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SIE")
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
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("reddit.user_agent", "social-intel-engine/0.1")
	v.SetDefault("reddit.timeout_seconds", 30)
	v.SetDefault("reddit.min_interval_ms", 1000)
	v.SetDefault("reddit.search_time_filter", "month")
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.default_scheme", "socks5")
	v.SetDefault("proxy.refresh_interval_seconds", 300)
	v.SetDefault("proxy.timeout_seconds", 30)
	v.SetDefault("proxy.pool_size", 20)
	v.SetDefault("proxy.cache_path", "proxy_cache.json")
	v.SetDefault("proxy.cache_enabled", true)
	v.SetDefault("proxy.provider.protocol", "socks5")
	v.SetDefault("proxy.provider.max_retries", 3)
	v.SetDefault("proxy.provider.backoff_seconds", 1)
	v.SetDefault("proxy.provider.cooldown_seconds", 60)
	v.SetDefault("proxy.provider.max_wait_seconds", 5)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.timeout_ms", 30000)
	v.SetDefault("analysis.confidence_threshold", 0.7)
	v.SetDefault("analysis.max_discovery_pages", 5)
	v.SetDefault("analysis.max_communities", 50)
	v.SetDefault("analysis.max_posts_per_community", 50)
	v.SetDefault("analysis.max_comments_per_post", 10)
	v.SetDefault("analysis.max_evidence_items", 40)
	v.SetDefault("analysis.extraction_batch_size", 5)
	v.SetDefault("analysis.max_evidence_chars", 2000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Reddit.UserAgent == "" {
		return fmt.Errorf("reddit.user_agent must be set")
	}
	if c.Reddit.TimeoutSeconds <= 0 {
		return fmt.Errorf("reddit.timeout_seconds must be > 0")
	}
	if c.Proxy.Enabled && c.Proxy.PoolSize <= 0 {
		return fmt.Errorf("proxy.pool_size must be > 0 when proxies are enabled")
	}
	if c.Analysis.ConfidenceThreshold < 0 || c.Analysis.ConfidenceThreshold > 1 {
		return fmt.Errorf("analysis.confidence_threshold must be in [0,1]")
	}
	if c.Analysis.ExtractionBatchSize <= 0 {
		return fmt.Errorf("analysis.extraction_batch_size must be > 0")
	}
	return nil
}

// RedditTimeout converts the configured fetch timeout into a duration.
func (c Config) RedditTimeout() time.Duration {
	return time.Duration(c.Reddit.TimeoutSeconds) * time.Second
}

// MinRequestInterval converts the configured throttle into a duration.
func (c Config) MinRequestInterval() time.Duration {
	return time.Duration(c.Reddit.MinIntervalMillis) * time.Millisecond
}

// ProxyRefreshInterval converts the refresh cadence into a duration.
func (c Config) ProxyRefreshInterval() time.Duration {
	return time.Duration(c.Proxy.RefreshIntervalSeconds) * time.Second
}

// BrowserTimeout converts the browser navigation timeout into a duration.
func (c Config) BrowserTimeout() time.Duration {
	return time.Duration(c.Browser.TimeoutMs) * time.Millisecond
}
