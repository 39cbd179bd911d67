package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for crawlkit.
type Config struct {
	Queue     QueueConfig     `mapstructure:"queue"     yaml:"queue"`
	List      ListConfig      `mapstructure:"list"      yaml:"list"`
	Session   SessionConfig   `mapstructure:"session"   yaml:"session"`
	Proxy     ProxyConfig     `mapstructure:"proxy"     yaml:"proxy"`
	Autoscale AutoscaleConfig `mapstructure:"autoscale" yaml:"autoscale"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"   yaml:"crawler"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"   yaml:"fetcher"`
	Storage   StorageConfig   `mapstructure:"storage"   yaml:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"   yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   yaml:"metrics"`
}

// QueueConfig controls the Request Queue backend and timing.
type QueueConfig struct {
	Backend     string        `mapstructure:"backend"      yaml:"backend"` // memory, file
	HeadSize    int           `mapstructure:"head_size"     yaml:"head_size"`
	LockSecs    int           `mapstructure:"lock_secs"     yaml:"lock_secs"`
	FinishDelay time.Duration `mapstructure:"finish_delay"  yaml:"finish_delay"`
	Path        string        `mapstructure:"path"          yaml:"path"`
}

// ListConfig controls the Request List's persistence cadence.
type ListConfig struct {
	PersistEvery time.Duration `mapstructure:"persist_every" yaml:"persist_every"`
	PersistKey   string        `mapstructure:"persist_key"   yaml:"persist_key"`
}

// SessionConfig controls the Session Pool.
type SessionConfig struct {
	Enabled             bool          `mapstructure:"enabled"                yaml:"enabled"`
	MaxPoolSize         int           `mapstructure:"max_pool_size"          yaml:"max_pool_size"`
	MaxErrorScore       float64       `mapstructure:"max_error_score"        yaml:"max_error_score"`
	ErrorScoreDecrement float64       `mapstructure:"error_score_decrement"  yaml:"error_score_decrement"`
	MaxUsageCount       int           `mapstructure:"max_usage_count"        yaml:"max_usage_count"`
	MaxAge              time.Duration `mapstructure:"max_age"                yaml:"max_age"`
	PersistEvery        time.Duration `mapstructure:"persist_every"          yaml:"persist_every"`
	RetireOnStatusCodes []int         `mapstructure:"retire_on_status_codes" yaml:"retire_on_status_codes"`
}

// ProxyConfig controls tiered proxy rotation.
type ProxyConfig struct {
	Enabled       bool          `mapstructure:"enabled"         yaml:"enabled"`
	Rotation      string        `mapstructure:"rotation"        yaml:"rotation"` // round_robin, random, session_bound
	Tiers         [][]string    `mapstructure:"tiers"           yaml:"tiers"`
	EscalateAt    float64       `mapstructure:"escalate_at"     yaml:"escalate_at"`
	DecayHalfLife time.Duration `mapstructure:"decay_half_life" yaml:"decay_half_life"`
}

// AutoscaleConfig controls the Autoscaled Pool.
type AutoscaleConfig struct {
	MinConcurrency      int           `mapstructure:"min_concurrency"        yaml:"min_concurrency"`
	MaxConcurrency      int           `mapstructure:"max_concurrency"        yaml:"max_concurrency"`
	DesiredConcurrency  int           `mapstructure:"desired_concurrency"    yaml:"desired_concurrency"`
	ScaleInterval       time.Duration `mapstructure:"scale_interval"         yaml:"scale_interval"`
	ScaleUpStep         int           `mapstructure:"scale_up_step"          yaml:"scale_up_step"`
	ScaleDownStep       int           `mapstructure:"scale_down_step"        yaml:"scale_down_step"`
	MaxTasksPerMinute   int           `mapstructure:"max_tasks_per_minute"   yaml:"max_tasks_per_minute"`
	GracefulShutdown    time.Duration `mapstructure:"graceful_shutdown"      yaml:"graceful_shutdown"`
	CPUThreshold        float64       `mapstructure:"cpu_threshold"          yaml:"cpu_threshold"`
	MemoryThreshold     float64       `mapstructure:"memory_threshold"       yaml:"memory_threshold"`
	EventLoopThreshold  float64       `mapstructure:"event_loop_threshold"   yaml:"event_loop_threshold"`
	ClientErrThreshold  float64       `mapstructure:"client_err_threshold"   yaml:"client_err_threshold"`
	ClientErrWindow     time.Duration `mapstructure:"client_err_window"      yaml:"client_err_window"`
}

// CrawlerConfig controls the Crawler Runtime's per-request lifecycle.
type CrawlerConfig struct {
	MaxRequestRetries      int           `mapstructure:"max_request_retries"       yaml:"max_request_retries"`
	RequestHandlerTimeout  time.Duration `mapstructure:"request_handler_timeout"   yaml:"request_handler_timeout"`
	NavigationTimeout      time.Duration `mapstructure:"navigation_timeout"        yaml:"navigation_timeout"`
	MaxRequestsPerCrawl    int           `mapstructure:"max_requests_per_crawl"    yaml:"max_requests_per_crawl"`
	MaxDepth               int           `mapstructure:"max_depth"                 yaml:"max_depth"`
	KeepAlive              bool          `mapstructure:"keep_alive"                yaml:"keep_alive"`
	UseSessionPool         bool          `mapstructure:"use_session_pool"          yaml:"use_session_pool"`
	PersistCookiesPerSession bool        `mapstructure:"persist_cookies_per_session" yaml:"persist_cookies_per_session"`
}

// FetcherConfig controls the request fetcher.
type FetcherConfig struct {
	Type            string        `mapstructure:"type"              yaml:"type"` // http, browser
	FollowRedirects bool          `mapstructure:"follow_redirects"  yaml:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"     yaml:"max_redirects"`
	MaxBodySize     int64         `mapstructure:"max_body_size"     yaml:"max_body_size"`
	TLSInsecure     bool          `mapstructure:"tls_insecure"      yaml:"tls_insecure"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
	UserAgents      []string      `mapstructure:"user_agents"       yaml:"user_agents"`
}

// StorageConfig controls dataset sinks and the durable state store used
// for checkpoints (request-list state, session-pool snapshots, statistics).
type StorageConfig struct {
	Type       string `mapstructure:"type"        yaml:"type"` // json, jsonl, csv, mongo
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
	MongoURI   string `mapstructure:"mongo_uri"   yaml:"mongo_uri"`
	MongoDB    string `mapstructure:"mongo_db"    yaml:"mongo_db"`
	BatchSize  int    `mapstructure:"batch_size"  yaml:"batch_size"`

	// StateDir, when set, persists checkpoints to disk so a crawl can be
	// resumed after a restart. Empty keeps state in memory only.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			Backend:     "memory",
			HeadSize:    100,
			LockSecs:    30,
			FinishDelay: 5 * time.Second,
			Path:        "./storage/queue",
		},
		List: ListConfig{
			PersistEvery: 10 * time.Second,
			PersistKey:   "request_list_state",
		},
		Session: SessionConfig{
			Enabled:             true,
			MaxPoolSize:         1000,
			MaxErrorScore:       3,
			ErrorScoreDecrement: 0.5,
			MaxUsageCount:       50,
			MaxAge:              30 * time.Minute,
			PersistEvery:        time.Minute,
			RetireOnStatusCodes: []int{401, 403, 429},
		},
		Proxy: ProxyConfig{
			Enabled:       false,
			Rotation:      "round_robin",
			EscalateAt:    3,
			DecayHalfLife: 2 * time.Minute,
		},
		Autoscale: AutoscaleConfig{
			MinConcurrency:     1,
			MaxConcurrency:     50,
			DesiredConcurrency: 5,
			ScaleInterval:      time.Second,
			ScaleUpStep:        1,
			ScaleDownStep:      1,
			GracefulShutdown:   30 * time.Second,
			CPUThreshold:       0.4,
			MemoryThreshold:    0.4,
			EventLoopThreshold: 0.5,
			ClientErrThreshold: 0,
			ClientErrWindow:    5 * time.Second,
		},
		Crawler: CrawlerConfig{
			MaxRequestRetries:        3,
			RequestHandlerTimeout:    60 * time.Second,
			NavigationTimeout:        60 * time.Second,
			UseSessionPool:           true,
			PersistCookiesPerSession: true,
		},
		Fetcher: FetcherConfig{
			Type:            "http",
			FollowRedirects: true,
			MaxRedirects:    10,
			MaxBodySize:     10 * 1024 * 1024,
			IdleConnTimeout: 90 * time.Second,
			MaxIdleConns:    100,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			},
		},
		Storage: StorageConfig{
			Type:       "jsonl",
			OutputPath: "./output",
			BatchSize:  100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
