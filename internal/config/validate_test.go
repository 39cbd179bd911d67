package config

import (
	"strings"
	"testing"
)

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("expected the default config to validate, got %v", err)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			"zero head size",
			func(c *Config) { c.Queue.HeadSize = 0 },
			"head_size",
		},
		{
			"unknown queue backend",
			func(c *Config) { c.Queue.Backend = "redis" },
			"queue.backend",
		},
		{
			"max below min concurrency",
			func(c *Config) { c.Autoscale.MinConcurrency = 10; c.Autoscale.MaxConcurrency = 5 },
			"max_concurrency",
		},
		{
			"desired outside bounds",
			func(c *Config) { c.Autoscale.DesiredConcurrency = 500 },
			"desired_concurrency",
		},
		{
			"negative retries",
			func(c *Config) { c.Crawler.MaxRequestRetries = -1 },
			"max_request_retries",
		},
		{
			"zero handler timeout",
			func(c *Config) { c.Crawler.RequestHandlerTimeout = 0 },
			"request_handler_timeout",
		},
		{
			"unknown rotation",
			func(c *Config) {
				c.Proxy.Enabled = true
				c.Proxy.Rotation = "sticky"
				c.Proxy.Tiers = [][]string{{"http://p:8080"}}
			},
			"proxy.rotation",
		},
		{
			"proxy enabled without tiers",
			func(c *Config) { c.Proxy.Enabled = true },
			"proxy.tiers",
		},
		{
			"mongo storage without uri",
			func(c *Config) { c.Storage.Type = "mongo" },
			"mongo_uri",
		},
		{
			"unknown storage type",
			func(c *Config) { c.Storage.Type = "parquet" },
			"storage.type",
		},
		{
			"unknown log level",
			func(c *Config) { c.Logging.Level = "trace" },
			"logging.level",
		},
		{
			"metrics port out of range",
			func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 99999 },
			"metrics.port",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected a validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("expected the error to mention %q, got %v", tc.wantMsg, err)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	if err := ValidateURL("https://example.com/a"); err != nil {
		t.Fatalf("expected a plain https URL to validate, got %v", err)
	}
	if err := ValidateURL("ftp://example.com/a"); err == nil {
		t.Fatal("expected a non-http scheme to be rejected")
	}
	if err := ValidateURL("https://"); err == nil {
		t.Fatal("expected a host-less URL to be rejected")
	}
}
