package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment over the defaults.
// Priority (highest to lowest): env vars > config file > defaults. It binds
// no CLI flags; callers apply flag overrides to the returned Config.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("CRAWLKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("crawlkit")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".crawlkit"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("queue.backend", cfg.Queue.Backend)
	v.SetDefault("queue.head_size", cfg.Queue.HeadSize)
	v.SetDefault("queue.lock_secs", cfg.Queue.LockSecs)
	v.SetDefault("queue.finish_delay", cfg.Queue.FinishDelay)
	v.SetDefault("queue.path", cfg.Queue.Path)

	v.SetDefault("list.persist_every", cfg.List.PersistEvery)
	v.SetDefault("list.persist_key", cfg.List.PersistKey)

	v.SetDefault("session.enabled", cfg.Session.Enabled)
	v.SetDefault("session.max_pool_size", cfg.Session.MaxPoolSize)
	v.SetDefault("session.max_error_score", cfg.Session.MaxErrorScore)
	v.SetDefault("session.error_score_decrement", cfg.Session.ErrorScoreDecrement)
	v.SetDefault("session.max_usage_count", cfg.Session.MaxUsageCount)
	v.SetDefault("session.max_age", cfg.Session.MaxAge)
	v.SetDefault("session.persist_every", cfg.Session.PersistEvery)
	v.SetDefault("session.retire_on_status_codes", cfg.Session.RetireOnStatusCodes)

	v.SetDefault("proxy.enabled", cfg.Proxy.Enabled)
	v.SetDefault("proxy.rotation", cfg.Proxy.Rotation)
	v.SetDefault("proxy.escalate_at", cfg.Proxy.EscalateAt)
	v.SetDefault("proxy.decay_half_life", cfg.Proxy.DecayHalfLife)

	v.SetDefault("autoscale.min_concurrency", cfg.Autoscale.MinConcurrency)
	v.SetDefault("autoscale.max_concurrency", cfg.Autoscale.MaxConcurrency)
	v.SetDefault("autoscale.desired_concurrency", cfg.Autoscale.DesiredConcurrency)
	v.SetDefault("autoscale.scale_interval", cfg.Autoscale.ScaleInterval)
	v.SetDefault("autoscale.scale_up_step", cfg.Autoscale.ScaleUpStep)
	v.SetDefault("autoscale.scale_down_step", cfg.Autoscale.ScaleDownStep)
	v.SetDefault("autoscale.max_tasks_per_minute", cfg.Autoscale.MaxTasksPerMinute)
	v.SetDefault("autoscale.graceful_shutdown", cfg.Autoscale.GracefulShutdown)
	v.SetDefault("autoscale.cpu_threshold", cfg.Autoscale.CPUThreshold)
	v.SetDefault("autoscale.memory_threshold", cfg.Autoscale.MemoryThreshold)
	v.SetDefault("autoscale.event_loop_threshold", cfg.Autoscale.EventLoopThreshold)
	v.SetDefault("autoscale.client_err_threshold", cfg.Autoscale.ClientErrThreshold)
	v.SetDefault("autoscale.client_err_window", cfg.Autoscale.ClientErrWindow)

	v.SetDefault("crawler.max_request_retries", cfg.Crawler.MaxRequestRetries)
	v.SetDefault("crawler.request_handler_timeout", cfg.Crawler.RequestHandlerTimeout)
	v.SetDefault("crawler.navigation_timeout", cfg.Crawler.NavigationTimeout)
	v.SetDefault("crawler.max_requests_per_crawl", cfg.Crawler.MaxRequestsPerCrawl)
	v.SetDefault("crawler.max_depth", cfg.Crawler.MaxDepth)
	v.SetDefault("crawler.keep_alive", cfg.Crawler.KeepAlive)
	v.SetDefault("crawler.use_session_pool", cfg.Crawler.UseSessionPool)
	v.SetDefault("crawler.persist_cookies_per_session", cfg.Crawler.PersistCookiesPerSession)

	v.SetDefault("fetcher.type", cfg.Fetcher.Type)
	v.SetDefault("fetcher.follow_redirects", cfg.Fetcher.FollowRedirects)
	v.SetDefault("fetcher.max_redirects", cfg.Fetcher.MaxRedirects)
	v.SetDefault("fetcher.max_body_size", cfg.Fetcher.MaxBodySize)
	v.SetDefault("fetcher.idle_conn_timeout", cfg.Fetcher.IdleConnTimeout)
	v.SetDefault("fetcher.max_idle_conns", cfg.Fetcher.MaxIdleConns)
	v.SetDefault("fetcher.user_agents", cfg.Fetcher.UserAgents)

	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.output_path", cfg.Storage.OutputPath)
	v.SetDefault("storage.batch_size", cfg.Storage.BatchSize)
	v.SetDefault("storage.state_dir", cfg.Storage.StateDir)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
