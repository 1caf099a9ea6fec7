package config

import "time"

// AppConfig holds the configuration for one mirror run. It is loaded from an
// optional YAML file and then overridden by command-line flags.
type AppConfig struct {
	Site                 string           `yaml:"site" validate:"required,httpurl"`
	BaseURL              string           `yaml:"base_url" validate:"required,httpurl"`
	OutputDir            string           `yaml:"output_dir" validate:"required"`
	EvalSitemap          string           `yaml:"eval_sitemap,omitempty"`                                      // Shell command printing the sitemap XML
	SitemapFile          string           `yaml:"sitemap_file,omitempty" validate:"excluded_with=EvalSitemap"` // Local sitemap file, "-" for stdin
	MaxConcurrentFetches int              `yaml:"max_concurrent_fetches" validate:"min=1"`
	UserAgent            string           `yaml:"user_agent,omitempty"`
	GlobalCrawlTimeout   time.Duration    `yaml:"global_crawl_timeout,omitempty"`
	ProgressInterval     time.Duration    `yaml:"progress_interval,omitempty"`
	StateDir             string           `yaml:"state_dir,omitempty"` // Empty keeps the Seen Set in memory
	MetadataFile         string           `yaml:"metadata_file,omitempty"`
	VisitedLogFile       string           `yaml:"visited_log_file,omitempty"`
	StructureFile        string           `yaml:"structure_file,omitempty"`
	LinkSelectors        []string         `yaml:"link_selectors,omitempty" validate:"dive,selector"`   // Elements whose href is followed
	SourceSelectors      []string         `yaml:"source_selectors,omitempty" validate:"dive,selector"` // Elements whose src is followed
	ExcludePatterns      []string         `yaml:"exclude_patterns,omitempty"`                          // Regexes on the resolved path
	Log                  LogConfig        `yaml:"log,omitempty"`
	HTTPClientSettings   HTTPClientConfig `yaml:"http_client_settings,omitempty"`
}

// LogConfig controls logger level and the optional rotating log file
type LogConfig struct {
	Level      string `yaml:"level,omitempty"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups,omitempty" validate:"min=0"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
	MaxRedirects          int           `yaml:"max_redirects,omitempty"`
}

const (
	DefaultOutputDir            = "dist"
	DefaultMaxConcurrentFetches = 10
	DefaultUserAgent            = "statical/1.0"
	DefaultProgressInterval     = 10 * time.Second
	DefaultLinkSelector         = "link[href]"
	DefaultSourceSelector       = "[src]"
)
