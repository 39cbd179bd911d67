// Command crawlkit is the CLI front-end for the crawl engine, replacing
// the teacher's cmd/webstalk with a crawl/version/config surface wired to
// the new SDK instead of the old engine/fetcher/parser/pipeline/storage
// stack.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/riftwalk/crawlkit/internal/config"
	"github.com/riftwalk/crawlkit/internal/crawler"
	"github.com/riftwalk/crawlkit/internal/kvstore"
	"github.com/riftwalk/crawlkit/internal/observability"
	"github.com/riftwalk/crawlkit/pkg/crawlkit"
)

var (
	cfgFile string
	verbose bool

	flagConcurrency int
	flagMaxDepth    int
	flagOutput      string
	flagOutputType  string
	flagUserAgent   string
	flagProxy       string
	flagRobots      bool
	flagMaxRequests int
	flagBrowser     bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crawlkit",
		Short: "A production crawl engine: request queue, session pool, autoscaled pool",
		Long: "crawlkit drives large crawls through a deduplicating request queue, a\n" +
			"rotating session pool, tiered proxies and an autoscaled worker pool that\n" +
			"backs off under CPU, memory, event-loop and client-error pressure.",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a crawlkit config file (yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(crawlCmd(), resumeCmd(), statsCmd(), versionCmd(), configCmd())
	return root
}

func crawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [urls...]",
		Short: "Run a crawl starting from the given seed URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCrawl,
	}

	cmd.Flags().IntVarP(&flagConcurrency, "concurrency", "c", 0, "max concurrent requests (0 = use config default)")
	cmd.Flags().IntVarP(&flagMaxDepth, "max-depth", "d", 0, "maximum crawl depth (0 = unbounded)")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "dataset output path")
	cmd.Flags().StringVar(&flagOutputType, "output-type", "", "dataset sink: json, jsonl, csv, mongo")
	cmd.Flags().StringVar(&flagUserAgent, "user-agent", "", "override the fetcher's User-Agent")
	cmd.Flags().StringVar(&flagProxy, "proxy", "", "comma-separated proxy URLs for a single tier")
	cmd.Flags().BoolVar(&flagRobots, "respect-robots", false, "honor robots.txt disallow rules")
	cmd.Flags().IntVar(&flagMaxRequests, "max-requests", 0, "stop after this many requests (0 = unbounded)")
	cmd.Flags().BoolVar(&flagBrowser, "browser", false, "navigate with a headless browser instead of plain HTTP")

	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a checkpointed crawl from its persisted state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyCLIOverrides(cfg)
			if cfg.Storage.StateDir == "" {
				return fmt.Errorf("resume requires storage.state_dir to be set")
			}
			if cfg.Queue.Backend != "file" {
				return fmt.Errorf("resume requires queue.backend=file, got %q", cfg.Queue.Backend)
			}

			logger := setupLogger()
			cr, err := crawlkit.New(crawlkit.WithConfig(cfg), crawlkit.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("build crawler: %w", err)
			}

			cr.Router().Default(func(cc *crawlkit.CrawlContext) error {
				links, err := crawler.EnqueueLinksFromDocument(cc.Response, "")
				if err != nil {
					return err
				}
				return cc.EnqueueLinks(links)
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := cr.Restore(ctx); err != nil {
				return fmt.Errorf("restore checkpoint: %w", err)
			}

			defer func() {
				if err := cr.Checkpoint(context.Background()); err != nil {
					logger.Warn("final checkpoint", "err", err)
				}
				if err := cr.Close(context.Background()); err != nil {
					logger.Warn("crawler close", "err", err)
				}
			}()

			if err := cr.Run(ctx); err != nil {
				return fmt.Errorf("resume crawl: %w", err)
			}
			stats := cr.Stats()
			logger.Info("crawl finished", "handled", stats.RequestsHandled.Load(), "failed", stats.RequestsFailed.Load())
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print persisted crawl statistics from the state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Storage.StateDir == "" {
				return fmt.Errorf("stats requires storage.state_dir to be set")
			}

			kv, err := kvstore.NewFileKVStore(cfg.Storage.StateDir)
			if err != nil {
				return fmt.Errorf("open state dir: %w", err)
			}

			ctx := context.Background()
			keys, err := kv.ListByPrefix(ctx, kvstore.StatisticsKeyPrefix)
			if err != nil {
				return fmt.Errorf("list statistics: %w", err)
			}
			if len(keys) == 0 {
				fmt.Println("no persisted statistics found")
				return nil
			}
			for _, key := range keys {
				blob, ok, err := kv.Get(ctx, key)
				if err != nil || !ok {
					continue
				}
				var pretty map[string]any
				if err := json.Unmarshal(blob, &pretty); err != nil {
					continue
				}
				out, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Printf("%s:\n%s\n", key, out)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the crawlkit version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("crawlkit", config.Version)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as a Go struct dump",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", cfg)
			return nil
		},
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func applyCLIOverrides(cfg *config.Config) {
	if flagConcurrency > 0 {
		cfg.Autoscale.MaxConcurrency = flagConcurrency
		cfg.Autoscale.DesiredConcurrency = flagConcurrency
	}
	if flagOutput != "" {
		cfg.Storage.OutputPath = flagOutput
	}
	if flagOutputType != "" {
		cfg.Storage.Type = flagOutputType
	}
	if flagUserAgent != "" {
		cfg.Fetcher.UserAgents = []string{flagUserAgent}
	}
	if flagProxy != "" {
		cfg.Proxy.Enabled = true
		cfg.Proxy.Tiers = [][]string{strings.Split(flagProxy, ",")}
	}
	if flagMaxRequests > 0 {
		cfg.Crawler.MaxRequestsPerCrawl = flagMaxRequests
	}
	if flagMaxDepth > 0 {
		cfg.Crawler.MaxDepth = flagMaxDepth
	}
	if flagBrowser {
		cfg.Fetcher.Type = "browser"
	}
}

func runCrawl(cmd *cobra.Command, args []string) error {
	for _, u := range args {
		if err := config.ValidateURL(u); err != nil {
			return fmt.Errorf("seed url %q: %w", u, err)
		}
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg)

	logger := setupLogger()

	opts := []crawlkit.Option{
		crawlkit.WithConfig(cfg),
		crawlkit.WithLogger(logger),
	}
	if flagBrowser {
		opts = append(opts, crawlkit.WithBrowserFetcher(crawler.DefaultBrowserOptions()))
	}

	cr, err := crawlkit.New(opts...)
	if err != nil {
		return fmt.Errorf("build crawler: %w", err)
	}

	if flagRobots {
		cr.SetRobotsFilter(crawler.NewRobotsFilter(true, "crawlkit"))
	}

	cr.Router().Default(func(cc *crawlkit.CrawlContext) error {
		links, err := crawler.EnqueueLinksFromDocument(cc.Response, "")
		if err != nil {
			return err
		}
		return cc.EnqueueLinks(links)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cr.AddRequests(ctx, args...); err != nil {
		return fmt.Errorf("seed crawl: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics := observability.NewMetrics(cr.Stats(), logger)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
	}

	defer func() {
		if err := cr.Close(context.Background()); err != nil {
			logger.Warn("crawler close", "err", err)
		}
	}()

	if err := cr.Run(ctx); err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}

	stats := cr.Stats()
	logger.Info("crawl finished", "handled", stats.RequestsHandled.Load(), "failed", stats.RequestsFailed.Load())
	return nil
}
