// File: internal/config/config.go
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for a cartographer run.
type Config struct {
	Logger      LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Browser     BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Crawl       CrawlConfig      `mapstructure:"crawl" yaml:"crawl"`
	Explore     ExploreConfig    `mapstructure:"explore" yaml:"explore"`
	Resolver    ResolverConfig   `mapstructure:"resolver" yaml:"resolver"`
	Signature   SignatureConfig  `mapstructure:"signature" yaml:"signature"`
	Journeys    JourneyConfig    `mapstructure:"journeys" yaml:"journeys"`
	Auth        AuthConfig       `mapstructure:"auth" yaml:"auth"`
	Screenshots ScreenshotConfig `mapstructure:"screenshots" yaml:"screenshots"`
	Store       StoreConfig      `mapstructure:"store" yaml:"store"`
	Synthesis   SynthesisConfig  `mapstructure:"synthesis" yaml:"synthesis"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
	Color       bool   `mapstructure:"color" yaml:"color"`
}

// BrowserConfig selects the automation backend and how sessions are launched.
type BrowserConfig struct {
	// Backend is "webdriver" (remote W3C endpoint) or "cdp" (local chromium).
	Backend       string         `mapstructure:"backend" yaml:"backend"`
	Kind          string         `mapstructure:"kind" yaml:"kind"`
	Headless      bool           `mapstructure:"headless" yaml:"headless"`
	RemoteURL     string         `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath      string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args          []string       `mapstructure:"args" yaml:"args"`
	Viewport      ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	MaxSessions   int            `mapstructure:"max_sessions" yaml:"max_sessions"`
	IdleTimeout   time.Duration  `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval time.Duration  `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	LaunchTimeout time.Duration  `mapstructure:"launch_timeout" yaml:"launch_timeout"`
}

// ViewportConfig is the browser window size.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// CrawlConfig bounds the breadth-first link crawl.
type CrawlConfig struct {
	MaxPages          int           `mapstructure:"max_pages" yaml:"max_pages"`
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	PageLoadTimeout   time.Duration `mapstructure:"page_load_timeout" yaml:"page_load_timeout"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	IncludeSubdomains bool          `mapstructure:"include_subdomains" yaml:"include_subdomains"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	SeedSitemaps      bool          `mapstructure:"seed_sitemaps" yaml:"seed_sitemaps"`
	MaxComponents     int           `mapstructure:"max_components" yaml:"max_components"`
}

// Workers returns the effective worker count.
func (c CrawlConfig) Workers() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return runtime.NumCPU()
}

// ExploreConfig bounds the depth-first interactive exploration.
type ExploreConfig struct {
	MaxDepth               int           `mapstructure:"max_depth" yaml:"max_depth"`
	MaxInteractionsPerPage int           `mapstructure:"max_interactions_per_page" yaml:"max_interactions_per_page"`
	MaxPages               int           `mapstructure:"max_pages" yaml:"max_pages"`
	IncludeForms           bool          `mapstructure:"include_forms" yaml:"include_forms"`
	ChangeTimeout          time.Duration `mapstructure:"change_timeout" yaml:"change_timeout"`
	PollInterval           time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	BacktrackTimeout       time.Duration `mapstructure:"backtrack_timeout" yaml:"backtrack_timeout"`
}

// ResolverConfig tunes fingerprint matching.
type ResolverConfig struct {
	CaptureVisual     bool          `mapstructure:"capture_visual" yaml:"capture_visual"`
	Weights           WeightConfig  `mapstructure:"weights" yaml:"weights"`
	MinScore          float64       `mapstructure:"min_score" yaml:"min_score"`
	MinAttrJaccard    float64       `mapstructure:"min_attr_jaccard" yaml:"min_attr_jaccard"`
	PositionTolerance float64       `mapstructure:"position_tolerance" yaml:"position_tolerance"`
	SizeTolerance     float64       `mapstructure:"size_tolerance" yaml:"size_tolerance"`
	MaxHamming        int           `mapstructure:"max_hamming" yaml:"max_hamming"`
	MaxTextLength     int           `mapstructure:"max_text_length" yaml:"max_text_length"`
	LookupTimeout     time.Duration `mapstructure:"lookup_timeout" yaml:"lookup_timeout"`
}

// WeightConfig is the vote weight of each fingerprint signal.
type WeightConfig struct {
	ID         float64 `mapstructure:"id" yaml:"id"`
	Name       float64 `mapstructure:"name" yaml:"name"`
	Text       float64 `mapstructure:"text" yaml:"text"`
	Attributes float64 `mapstructure:"attributes" yaml:"attributes"`
	Geometry   float64 `mapstructure:"geometry" yaml:"geometry"`
	Visual     float64 `mapstructure:"visual" yaml:"visual"`
}

// SignatureConfig is the state fingerprint policy.
type SignatureConfig struct {
	IncludeQuery      bool     `mapstructure:"include_query" yaml:"include_query"`
	IgnoreQueryParams []string `mapstructure:"ignore_query_params" yaml:"ignore_query_params"`
	ScrubDigits       bool     `mapstructure:"scrub_digits" yaml:"scrub_digits"`
	MaxTextLength     int      `mapstructure:"max_text_length" yaml:"max_text_length"`
}

// JourneyConfig bounds flow analysis.
type JourneyConfig struct {
	MaxDepth         int     `mapstructure:"max_depth" yaml:"max_depth"`
	MinLength        int     `mapstructure:"min_length" yaml:"min_length"`
	MaxCount         int     `mapstructure:"max_count" yaml:"max_count"`
	OverlapThreshold float64 `mapstructure:"overlap_threshold" yaml:"overlap_threshold"`
	MaxPaths         int     `mapstructure:"max_paths" yaml:"max_paths"`
	EntryFanout      int     `mapstructure:"entry_fanout" yaml:"entry_fanout"`
}

// AuthConfig describes an optional form login performed once per crawl.
type AuthConfig struct {
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	LoginURL         string `mapstructure:"login_url" yaml:"login_url"`
	Username         string `mapstructure:"username" yaml:"username"`
	Password         string `mapstructure:"password" yaml:"password"`
	UsernameSelector string `mapstructure:"username_selector" yaml:"username_selector"`
	PasswordSelector string `mapstructure:"password_selector" yaml:"password_selector"`
	SubmitSelector   string `mapstructure:"submit_selector" yaml:"submit_selector"`
}

// ScreenshotConfig toggles page screenshots.
type ScreenshotConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	URL  string `mapstructure:"url" yaml:"url"`
	Path string `mapstructure:"path" yaml:"path"`
}

// SynthesisConfig configures the test generator.
type SynthesisConfig struct {
	Model      string        `mapstructure:"model" yaml:"model"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	MaxTokens  int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries uint64        `mapstructure:"max_retries" yaml:"max_retries"`
	OutputDir  string        `mapstructure:"output_dir" yaml:"output_dir"`
	Framework  string        `mapstructure:"framework" yaml:"framework"`
}

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
	v.SetDefault("logger.service_name", "cartographer")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.color", true)

	// -- Browser --
	v.SetDefault("browser.backend", "webdriver")
	v.SetDefault("browser.kind", "chrome")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.remote_url", "http://localhost:9515")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.viewport.width", 1366)
	v.SetDefault("browser.viewport.height", 768)
	v.SetDefault("browser.max_sessions", 0)
	v.SetDefault("browser.idle_timeout", "2m")
	v.SetDefault("browser.sweep_interval", "30s")
	v.SetDefault("browser.launch_timeout", "60s")

	// -- Crawl --
	v.SetDefault("crawl.max_pages", 50)
	v.SetDefault("crawl.concurrency", 0)
	v.SetDefault("crawl.page_load_timeout", "30s")
	v.SetDefault("crawl.timeout", "10m")
	v.SetDefault("crawl.include_subdomains", false)
	v.SetDefault("crawl.requests_per_second", 0.0)
	v.SetDefault("crawl.seed_sitemaps", false)
	v.SetDefault("crawl.max_components", 200)

	// -- Explore --
	v.SetDefault("explore.max_depth", 3)
	v.SetDefault("explore.max_interactions_per_page", 25)
	v.SetDefault("explore.max_pages", 100)
	v.SetDefault("explore.include_forms", true)
	v.SetDefault("explore.change_timeout", "2s")
	v.SetDefault("explore.poll_interval", "200ms")
	v.SetDefault("explore.backtrack_timeout", "10s")

	// -- Resolver --
	v.SetDefault("resolver.capture_visual", true)
	v.SetDefault("resolver.weights.id", 3.0)
	v.SetDefault("resolver.weights.name", 2.0)
	v.SetDefault("resolver.weights.text", 2.0)
	v.SetDefault("resolver.weights.attributes", 2.0)
	v.SetDefault("resolver.weights.geometry", 1.0)
	v.SetDefault("resolver.weights.visual", 1.0)
	v.SetDefault("resolver.min_score", 0.6)
	v.SetDefault("resolver.min_attr_jaccard", 0.5)
	v.SetDefault("resolver.position_tolerance", 50.0)
	v.SetDefault("resolver.size_tolerance", 0.25)
	v.SetDefault("resolver.max_hamming", 10)
	v.SetDefault("resolver.max_text_length", 200)
	v.SetDefault("resolver.lookup_timeout", "5s")

	// -- Signature --
	v.SetDefault("signature.include_query", true)
	v.SetDefault("signature.ignore_query_params", []string{})
	v.SetDefault("signature.scrub_digits", false)
	v.SetDefault("signature.max_text_length", 20000)

	// -- Journeys --
	v.SetDefault("journeys.max_depth", 8)
	v.SetDefault("journeys.min_length", 2)
	v.SetDefault("journeys.max_count", 10)
	v.SetDefault("journeys.overlap_threshold", 0.7)
	v.SetDefault("journeys.max_paths", 5000)
	v.SetDefault("journeys.entry_fanout", 3)

	// -- Auth --
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.username_selector", "css:input[type=email],input[name=username],input[name=email]")
	v.SetDefault("auth.password_selector", "css:input[type=password]")

	// -- Screenshots --
	v.SetDefault("screenshots.enabled", false)
	v.SetDefault("screenshots.dir", "~/.cartographer/screenshots")

	// -- Store --
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.path", "~/.cartographer/cartographer.db")

	// -- Synthesis --
	v.SetDefault("synthesis.model", "gemini-2.5-flash")
	v.SetDefault("synthesis.max_tokens", 4096)
	v.SetDefault("synthesis.timeout", "2m")
	v.SetDefault("synthesis.max_retries", 3)
	v.SetDefault("synthesis.output_dir", "generated")
	v.SetDefault("synthesis.framework", "playwright")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment.
	_ = v.BindEnv("auth.password", "CARTOGRAPHER_AUTH_PASSWORD")
	_ = v.BindEnv("store.url", "CARTOGRAPHER_DATABASE_URL")
	_ = v.BindEnv("synthesis.api_key", "CARTOGRAPHER_GEMINI_API_KEY", "GEMINI_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Browser.Backend {
	case "webdriver":
		if c.Browser.RemoteURL == "" {
			return fmt.Errorf("browser.remote_url is required for the webdriver backend")
		}
	case "cdp":
	default:
		return fmt.Errorf("browser.backend must be one of webdriver, cdp (got %q)", c.Browser.Backend)
	}
	if c.Browser.Viewport.Width <= 0 || c.Browser.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport must have positive width and height")
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be a positive integer")
	}
	if c.Crawl.Concurrency < 0 {
		return fmt.Errorf("crawl.concurrency must not be negative")
	}
	if c.Explore.MaxDepth < 0 {
		return fmt.Errorf("explore.max_depth must not be negative")
	}
	if c.Explore.MaxInteractionsPerPage <= 0 {
		return fmt.Errorf("explore.max_interactions_per_page must be a positive integer")
	}
	if c.Resolver.MinScore <= 0 || c.Resolver.MinScore > 1 {
		return fmt.Errorf("resolver.min_score must be in (0, 1]")
	}
	if c.Journeys.OverlapThreshold <= 0 || c.Journeys.OverlapThreshold > 1 {
		return fmt.Errorf("journeys.overlap_threshold must be in (0, 1]")
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth configuration invalid: %w", err)
	}
	switch strings.ToLower(c.Store.Type) {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for the postgres store")
		}
	default:
		return fmt.Errorf("store.type must be one of memory, sqlite, postgres (got %q)", c.Store.Type)
	}
	return nil
}

// Validate checks the authentication settings.
func (a *AuthConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.LoginURL == "" {
		return fmt.Errorf("login_url is required when auth is enabled")
	}
	if a.Username == "" || a.Password == "" {
		return fmt.Errorf("username and password are required when auth is enabled")
	}
	return nil
}
