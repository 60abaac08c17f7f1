// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Site() SiteConfig
	Browser() BrowserConfig
	Session() SessionConfig
	Refresher() RefresherConfig
	Database() DatabaseConfig

	// Flag driven setters
	SetBrowserHeadless(bool)
	SetSiteForceLogin(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	SiteCfg      SiteConfig      `mapstructure:"site" yaml:"site"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	SessionCfg   SessionConfig   `mapstructure:"session" yaml:"session"`
	RefresherCfg RefresherConfig `mapstructure:"refresher" yaml:"refresher"`
	DatabaseCfg  DatabaseConfig  `mapstructure:"database" yaml:"database"`
}

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Site() SiteConfig           { return c.SiteCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Session() SessionConfig     { return c.SessionCfg }
func (c *Config) Refresher() RefresherConfig { return c.RefresherCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetSiteForceLogin(b bool)  { c.SiteCfg.ForceLogin = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// SiteConfig describes the forum being collected from.
type SiteConfig struct {
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	LoginPath  string `mapstructure:"login_path" yaml:"login_path"`
	IndexPath  string `mapstructure:"index_path" yaml:"index_path"`
	ForceLogin bool   `mapstructure:"force_login" yaml:"force_login"`
}

// LoginURL resolves the login path against the base URL.
func (s SiteConfig) LoginURL() string { return s.resolve(s.LoginPath) }

// IndexURL resolves the index path against the base URL.
func (s SiteConfig) IndexURL() string { return s.resolve(s.IndexPath) }

func (s SiteConfig) resolve(path string) string {
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return s.BaseURL + path
	}
	if base.Path == "" {
		base.Path = "/"
	}
	ref, err := url.Parse(path)
	if err != nil {
		return s.BaseURL + path
	}
	return base.ResolveReference(ref).String()
}

// ViewportConfig is the emulated window size.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// BrowserConfig holds settings for the automated browser.
type BrowserConfig struct {
	Headless          bool              `mapstructure:"headless" yaml:"headless"`
	ExecPath          string            `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string          `mapstructure:"args" yaml:"args"`
	UserAgent         string            `mapstructure:"user_agent" yaml:"user_agent"`
	Platform          string            `mapstructure:"platform" yaml:"platform"`
	Locale            string            `mapstructure:"locale" yaml:"locale"`
	Timezone          string            `mapstructure:"timezone" yaml:"timezone"`
	Languages         []string          `mapstructure:"languages" yaml:"languages"`
	Viewport          ViewportConfig    `mapstructure:"viewport" yaml:"viewport"`
	Headers           map[string]string `mapstructure:"headers" yaml:"headers"`
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	SettleDelay       time.Duration     `mapstructure:"settle_delay" yaml:"settle_delay"`
	IgnoreTLSErrors   bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug             bool              `mapstructure:"debug" yaml:"debug"`
}

// SessionConfig tunes the session orchestrator and its credential store.
type SessionConfig struct {
	Backend               string        `mapstructure:"backend" yaml:"backend"`
	SnapshotPath          string        `mapstructure:"snapshot_path" yaml:"snapshot_path"`
	SnapshotName          string        `mapstructure:"snapshot_name" yaml:"snapshot_name"`
	ChallengePollInterval time.Duration `mapstructure:"challenge_poll_interval" yaml:"challenge_poll_interval"`
	ChallengeDeadline     time.Duration `mapstructure:"challenge_deadline" yaml:"challenge_deadline"`
	LoginPollInterval     time.Duration `mapstructure:"login_poll_interval" yaml:"login_poll_interval"`
	LoginDeadline         time.Duration `mapstructure:"login_deadline" yaml:"login_deadline"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MinRequestInterval    time.Duration `mapstructure:"min_request_interval" yaml:"min_request_interval"`
	ChallengePhrases      []string      `mapstructure:"challenge_phrases" yaml:"challenge_phrases"`
	BlockedPhrases        []string      `mapstructure:"blocked_phrases" yaml:"blocked_phrases"`
}

// RefresherConfig configures the secondary HTTP credential refresher.
type RefresherConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	RefreshURL   string        `mapstructure:"refresh_url" yaml:"refresh_url"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryCount   int           `mapstructure:"retry_count" yaml:"retry_count"`
	RetryWait    time.Duration `mapstructure:"retry_wait" yaml:"retry_wait"`
	RetryMaxWait time.Duration `mapstructure:"retry_max_wait" yaml:"retry_max_wait"`
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	ProxyURL     string        `mapstructure:"proxy_url" yaml:"proxy_url"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// Snapshot backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// DefaultUserAgent matches a current desktop Chrome on Windows.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "forumcrawl")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Site --
	v.SetDefault("site.base_url", "")
	v.SetDefault("site.login_path", "ucp.php?mode=login")
	v.SetDefault("site.index_path", "index.php")
	v.SetDefault("site.force_login", false)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.user_agent", DefaultUserAgent)
	v.SetDefault("browser.platform", "Win32")
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "America/New_York")
	v.SetDefault("browser.languages", []string{"en-US", "en"})
	v.SetDefault("browser.viewport.width", 1366)
	v.SetDefault("browser.viewport.height", 768)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.settle_delay", "2s")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)

	// -- Session --
	v.SetDefault("session.backend", BackendFile)
	v.SetDefault("session.snapshot_path", "session.json")
	v.SetDefault("session.snapshot_name", "default")
	v.SetDefault("session.challenge_poll_interval", "3s")
	v.SetDefault("session.challenge_deadline", "120s")
	v.SetDefault("session.login_poll_interval", "5s")
	v.SetDefault("session.login_deadline", "300s")
	v.SetDefault("session.request_timeout", "30s")
	v.SetDefault("session.min_request_interval", "1s")

	// -- Refresher --
	v.SetDefault("refresher.enabled", true)
	v.SetDefault("refresher.refresh_url", "")
	v.SetDefault("refresher.timeout", "30s")
	v.SetDefault("refresher.retry_count", 5)
	v.SetDefault("refresher.retry_wait", "600ms")
	v.SetDefault("refresher.retry_max_wait", "10s")
	v.SetDefault("refresher.rate_limit", 1.0)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Plain names kept so existing .env style deployments keep working.
	_ = v.BindEnv("site.base_url", "FORUMCRAWL_SITE_BASE_URL", "BASE_URL")
	_ = v.BindEnv("browser.user_agent", "FORUMCRAWL_BROWSER_USER_AGENT", "USER_AGENT")
	_ = v.BindEnv("refresher.refresh_url", "FORUMCRAWL_REFRESHER_REFRESH_URL", "SESSION_REFRESH_URL")
	_ = v.BindEnv("refresher.timeout", "FORUMCRAWL_REFRESHER_TIMEOUT", "HTTP_TIMEOUT")
	_ = v.BindEnv("database.url", "FORUMCRAWL_DATABASE_URL", "DATABASE_URL")

	// HTTP_TIMEOUT historically carried bare seconds.
	if secs, err := strconv.Atoi(v.GetString("refresher.timeout")); err == nil {
		v.Set("refresher.timeout", time.Duration(secs)*time.Second)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	p, err := homedir.Expand(c.SessionCfg.SnapshotPath)
	if err != nil {
		return fmt.Errorf("expanding session.snapshot_path: %w", err)
	}
	c.SessionCfg.SnapshotPath = p

	if c.LoggerCfg.LogFile != "" {
		p, err = homedir.Expand(c.LoggerCfg.LogFile)
		if err != nil {
			return fmt.Errorf("expanding logger.log_file: %w", err)
		}
		c.LoggerCfg.LogFile = p
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.SiteCfg.BaseURL == "" {
		return fmt.Errorf("site.base_url is a required configuration field")
	}
	if u, err := url.Parse(c.SiteCfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site.base_url must be an absolute URL, got %q", c.SiteCfg.BaseURL)
	}
	if err := c.SessionCfg.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	if c.SessionCfg.Backend == BackendPostgres && c.DatabaseCfg.URL == "" {
		return fmt.Errorf("database.url is required when session.backend is %q", BackendPostgres)
	}
	if c.RefresherCfg.Enabled && c.RefresherCfg.RetryCount < 0 {
		return fmt.Errorf("refresher.retry_count must not be negative")
	}
	if c.BrowserCfg.Viewport.Width <= 0 || c.BrowserCfg.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport must have positive width and height")
	}
	return nil
}

// Validate checks the polling windows and backend selection.
func (s *SessionConfig) Validate() error {
	switch s.Backend {
	case BackendFile:
		if s.SnapshotPath == "" {
			return fmt.Errorf("snapshot_path is required for the file backend")
		}
	case BackendPostgres:
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if s.ChallengePollInterval <= 0 || s.LoginPollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive durations")
	}
	if s.ChallengeDeadline < s.ChallengePollInterval {
		return fmt.Errorf("challenge_deadline must be at least one poll interval")
	}
	if s.LoginDeadline < s.LoginPollInterval {
		return fmt.Errorf("login_deadline must be at least one poll interval")
	}
	if s.MinRequestInterval < 0 {
		return fmt.Errorf("min_request_interval must not be negative")
	}
	return nil
}
