package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Queue.HeadSize < 1 {
		return fmt.Errorf("queue.head_size must be >= 1, got %d", cfg.Queue.HeadSize)
	}
	if cfg.Queue.LockSecs < 1 {
		return fmt.Errorf("queue.lock_secs must be >= 1, got %d", cfg.Queue.LockSecs)
	}
	if cfg.Queue.Backend != "memory" && cfg.Queue.Backend != "file" {
		return fmt.Errorf("queue.backend must be 'memory' or 'file', got %q", cfg.Queue.Backend)
	}

	if cfg.Session.Enabled {
		if cfg.Session.MaxPoolSize < 1 {
			return fmt.Errorf("session.max_pool_size must be >= 1, got %d", cfg.Session.MaxPoolSize)
		}
		if cfg.Session.MaxErrorScore <= 0 {
			return fmt.Errorf("session.max_error_score must be > 0")
		}
	}

	if cfg.Proxy.Enabled {
		if cfg.Proxy.Rotation != "round_robin" && cfg.Proxy.Rotation != "random" && cfg.Proxy.Rotation != "session_bound" {
			return fmt.Errorf("proxy.rotation must be 'round_robin', 'random', or 'session_bound', got %q", cfg.Proxy.Rotation)
		}
		if len(cfg.Proxy.Tiers) == 0 {
			return fmt.Errorf("proxy.tiers must contain at least one tier when proxy.enabled is true")
		}
		for i, tier := range cfg.Proxy.Tiers {
			for _, proxyURL := range tier {
				if _, err := url.Parse(proxyURL); err != nil {
					return fmt.Errorf("invalid proxy URL %q in tier %d: %w", proxyURL, i, err)
				}
			}
		}
	}

	if cfg.Autoscale.MinConcurrency < 1 {
		return fmt.Errorf("autoscale.min_concurrency must be >= 1, got %d", cfg.Autoscale.MinConcurrency)
	}
	if cfg.Autoscale.MaxConcurrency < cfg.Autoscale.MinConcurrency {
		return fmt.Errorf("autoscale.max_concurrency (%d) must be >= min_concurrency (%d)",
			cfg.Autoscale.MaxConcurrency, cfg.Autoscale.MinConcurrency)
	}
	if cfg.Autoscale.DesiredConcurrency < cfg.Autoscale.MinConcurrency || cfg.Autoscale.DesiredConcurrency > cfg.Autoscale.MaxConcurrency {
		return fmt.Errorf("autoscale.desired_concurrency (%d) must be within [min, max]", cfg.Autoscale.DesiredConcurrency)
	}

	if cfg.Crawler.MaxRequestRetries < 0 {
		return fmt.Errorf("crawler.max_request_retries must be >= 0, got %d", cfg.Crawler.MaxRequestRetries)
	}
	if cfg.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0, got %d", cfg.Crawler.MaxDepth)
	}
	if cfg.Crawler.RequestHandlerTimeout <= 0 {
		return fmt.Errorf("crawler.request_handler_timeout must be > 0")
	}
	if cfg.Crawler.NavigationTimeout <= 0 {
		return fmt.Errorf("crawler.navigation_timeout must be > 0")
	}

	if cfg.Fetcher.MaxBodySize <= 0 {
		return fmt.Errorf("fetcher.max_body_size must be > 0")
	}
	if cfg.Fetcher.MaxRedirects < 0 {
		return fmt.Errorf("fetcher.max_redirects must be >= 0")
	}
	if cfg.Fetcher.Type != "http" && cfg.Fetcher.Type != "browser" {
		return fmt.Errorf("fetcher.type must be 'http' or 'browser', got %q", cfg.Fetcher.Type)
	}

	validStorageTypes := map[string]bool{
		"json": true, "jsonl": true, "csv": true, "mongo": true,
	}
	if !validStorageTypes[cfg.Storage.Type] {
		return fmt.Errorf("storage.type %q is not supported (valid: json, jsonl, csv, mongo)", cfg.Storage.Type)
	}
	if cfg.Storage.Type == "mongo" && cfg.Storage.MongoURI == "" {
		return fmt.Errorf("storage.mongo_uri is required when storage.type is 'mongo'")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}

// ValidateURL checks if a URL string is valid for crawling.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
