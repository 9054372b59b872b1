// Package config loads and validates proxy configuration via Viper and
// holds the live-reloadable snapshot shared by long-lived components.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Wayback     WaybackConfig     `mapstructure:"wayback"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Access      AccessConfig      `mapstructure:"access"`
	Transform   TransformConfig   `mapstructure:"transform"`
	HeaderBar   HeaderBarConfig   `mapstructure:"header_bar"`
	Throttle    ThrottleConfig    `mapstructure:"throttle"`
	LandingPage LandingPageConfig `mapstructure:"landing_page"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	Logging     LoggingConfig     `mapstructure:"logging"`

	// ConfigPath is the YAML file the config was loaded from, if any.
	// Reload re-reads this path. Not part of the YAML surface.
	ConfigPath string `mapstructure:"-"`
}

// ProxyConfig controls the listener and replay target.
type ProxyConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	TargetDate        string `mapstructure:"target_date"`
	DateToleranceDays int    `mapstructure:"date_tolerance_days"`
	ErrorPagesDir     string `mapstructure:"error_pages_dir"`
}

// WaybackConfig governs the upstream archive client.
type WaybackConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	GeocitiesFix   bool   `mapstructure:"geocities_fix"`
}

// CacheConfig holds Redis connection and TTL settings.
type CacheConfig struct {
	RedisURL   string `mapstructure:"redis_url"`
	HotTTLDays int    `mapstructure:"hot_ttl_days"`
}

// AccessConfig selects open or allowlist gating.
type AccessConfig struct {
	Mode string `mapstructure:"mode"`
}

// TransformConfig toggles individual content transformations.
type TransformConfig struct {
	RemoveWaybackToolbar bool `mapstructure:"remove_wayback_toolbar"`
	RemoveWaybackScripts bool `mapstructure:"remove_wayback_scripts"`
	FixBaseTags          bool `mapstructure:"fix_base_tags"`
	FixAssetURLs         bool `mapstructure:"fix_asset_urls"`
	NormalizeLinks       bool `mapstructure:"normalize_links"`
}

// HeaderBarConfig controls the injected overlay.
type HeaderBarConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Position  string `mapstructure:"position"`
	Text      string `mapstructure:"text"`
	CustomCSS string `mapstructure:"custom_css"`
}

// ThrottleConfig controls bandwidth shaping.
type ThrottleConfig struct {
	Speed      string `mapstructure:"speed"`
	Selector   bool   `mapstructure:"selector"`
	CookieName string `mapstructure:"cookie_name"`
}

// LandingPageConfig controls the proxy's own landing page.
type LandingPageConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	TemplateDir     string `mapstructure:"template_dir"`
	MostViewedCount int    `mapstructure:"most_viewed_count"`
}

// AdminConfig controls the /_admin/ surface.
type AdminConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Password string `mapstructure:"password"`
}

// CrawlerConfig governs the prefetch crawler.
type CrawlerConfig struct {
	Concurrency    int  `mapstructure:"concurrency"`
	SameDomainOnly bool `mapstructure:"same_domain_only"`
	MaxURLs        int  `mapstructure:"max_urls"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// speedTiers maps speed profile names to bytes per second.
// 0 means unlimited.
var speedTiers = map[string]int{
	"14.4k":     1800,
	"28.8k":     3600,
	"56k":       7000,
	"isdn":      16000,
	"dsl":       128000,
	"unlimited": 0,
}

// SpeedBytesPerSec resolves a speed profile name to a byte rate.
// "none" is accepted as an alias for "unlimited".
func SpeedBytesPerSec(name string) (int, bool) {
	if name == "none" {
		return 0, true
	}
	rate, ok := speedTiers[name]
	return rate, ok
}

// SpeedTierNames lists the profile names in slow-to-fast order.
func SpeedTierNames() []string {
	return []string{"14.4k", "28.8k", "56k", "isdn", "dsl", "unlimited"}
}

// New builds a viper instance with defaults and env bindings applied.
// The documented environment variables are uppercased flag names with
// dashes replaced by underscores (REDIS_URL, TARGET_DATE, ...).
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	return v
}

// Load builds a Config from the given viper instance, optionally reading
// the YAML file at path first. Unknown YAML keys are rejected.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ConfigPath = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.host", "0.0.0.0")
	v.SetDefault("proxy.port", 8888)
	v.SetDefault("proxy.target_date", "20010101")
	v.SetDefault("proxy.date_tolerance_days", 365)
	v.SetDefault("proxy.error_pages_dir", "")
	v.SetDefault("wayback.base_url", "https://web.archive.org")
	v.SetDefault("wayback.user_agent", "WaybackCacheProxy/1.0")
	v.SetDefault("wayback.timeout_seconds", 30)
	v.SetDefault("wayback.geocities_fix", true)
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")
	v.SetDefault("cache.hot_ttl_days", 7)
	v.SetDefault("access.mode", "open")
	v.SetDefault("transform.remove_wayback_toolbar", true)
	v.SetDefault("transform.remove_wayback_scripts", true)
	v.SetDefault("transform.fix_base_tags", true)
	v.SetDefault("transform.fix_asset_urls", true)
	v.SetDefault("transform.normalize_links", true)
	v.SetDefault("header_bar.enabled", false)
	v.SetDefault("header_bar.position", "top")
	v.SetDefault("header_bar.text", "")
	v.SetDefault("header_bar.custom_css", "")
	v.SetDefault("throttle.speed", "unlimited")
	v.SetDefault("throttle.selector", false)
	v.SetDefault("throttle.cookie_name", "wayback_speed")
	v.SetDefault("landing_page.enabled", true)
	v.SetDefault("landing_page.template_dir", "")
	v.SetDefault("landing_page.most_viewed_count", 10)
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.password", "")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.same_domain_only", true)
	v.SetDefault("crawler.max_urls", 10000)
	v.SetDefault("logging.development", false)
}

func bindEnv(v *viper.Viper) {
	// Errors from BindEnv only occur with zero arguments.
	_ = v.BindEnv("proxy.host", "HOST")
	_ = v.BindEnv("proxy.port", "PORT")
	_ = v.BindEnv("proxy.target_date", "TARGET_DATE", "DATE")
	_ = v.BindEnv("proxy.date_tolerance_days", "DATE_TOLERANCE_DAYS")
	_ = v.BindEnv("proxy.error_pages_dir", "ERROR_PAGES")
	_ = v.BindEnv("cache.redis_url", "REDIS_URL", "REDIS")
	_ = v.BindEnv("cache.hot_ttl_days", "HOT_TTL_DAYS")
	_ = v.BindEnv("access.mode", "ACCESS_MODE")
	_ = v.BindEnv("header_bar.enabled", "HEADER_BAR")
	_ = v.BindEnv("header_bar.position", "HEADER_BAR_POSITION")
	_ = v.BindEnv("header_bar.text", "HEADER_BAR_TEXT")
	_ = v.BindEnv("throttle.speed", "SPEED")
	_ = v.BindEnv("throttle.selector", "SPEED_SELECTOR")
	_ = v.BindEnv("landing_page.enabled", "LANDING_PAGE")
	_ = v.BindEnv("admin.enabled", "ADMIN")
	_ = v.BindEnv("admin.password", "ADMIN_PASSWORD")
	_ = v.BindEnv("crawler.concurrency", "CRAWL_CONCURRENCY")
	_ = v.BindEnv("crawler.max_urls", "CRAWL_MAX_URLS")
}

// Validate enforces required values and reasonable limits.
func (c *Config) Validate() error {
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port must be in 1..65535")
	}
	if err := ValidateDate(c.Proxy.TargetDate); err != nil {
		return fmt.Errorf("proxy.target_date: %w", err)
	}
	if c.Proxy.DateToleranceDays < 0 {
		return fmt.Errorf("proxy.date_tolerance_days must be >= 0")
	}
	if c.Cache.RedisURL == "" {
		return fmt.Errorf("cache.redis_url must be set")
	}
	if c.Cache.HotTTLDays < 0 {
		return fmt.Errorf("cache.hot_ttl_days must be >= 0")
	}
	if c.Access.Mode != "open" && c.Access.Mode != "allowlist" {
		return fmt.Errorf("access.mode must be open or allowlist, got %q", c.Access.Mode)
	}
	if c.HeaderBar.Position != "top" && c.HeaderBar.Position != "bottom" {
		return fmt.Errorf("header_bar.position must be top or bottom, got %q", c.HeaderBar.Position)
	}
	if _, ok := SpeedBytesPerSec(c.Throttle.Speed); !ok {
		return fmt.Errorf("throttle.speed %q is not a known profile", c.Throttle.Speed)
	}
	if c.Wayback.TimeoutSeconds <= 0 {
		return fmt.Errorf("wayback.timeout_seconds must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxURLs < 0 {
		return fmt.Errorf("crawler.max_urls must be >= 0")
	}
	return nil
}

// ValidateDate checks a YYYYMMDD date string.
func ValidateDate(date string) error {
	if len(date) != 8 {
		return fmt.Errorf("want YYYYMMDD, got %q", date)
	}
	if _, err := time.Parse("20060102", date); err != nil {
		return fmt.Errorf("want YYYYMMDD, got %q", date)
	}
	return nil
}

// HotTTL returns the hot-tier TTL as a duration. Zero disables hot writes.
func (c *Config) HotTTL() time.Duration {
	return time.Duration(c.Cache.HotTTLDays) * 24 * time.Hour
}

// UpstreamTimeout returns the archive fetch timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Wayback.TimeoutSeconds) * time.Second
}
