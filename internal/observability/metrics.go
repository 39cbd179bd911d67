package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/riftwalk/crawlkit/internal/crawler"
)

// Metrics tracks operational counters for the crawl engine's own machinery
// (queue depth, session pool size, autoscaler concurrency) alongside the
// per-crawl Statistics a Runtime exposes.
type Metrics struct {
	QueueDepth      atomic.Int64
	SessionPoolSize atomic.Int64
	ActiveWorkers   atomic.Int32
	DesiredWorkers  atomic.Int32
	ProxyRotations  atomic.Int64
	ProxyErrors     atomic.Int64
	BytesDownloaded atomic.Int64

	stats  *crawler.Statistics
	logger *slog.Logger
}

// NewMetrics creates a Metrics instance bound to a crawl's Statistics.
func NewMetrics(stats *crawler.Statistics, logger *slog.Logger) *Metrics {
	return &Metrics{
		stats:  stats,
		logger: logger.With("component", "metrics"),
	}
}

// ServeHTTP serves metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	snap := m.stats.Snapshot()
	counters := []struct {
		name  string
		help  string
		value int64
	}{
		{"crawlkit_requests_handled_total", "Total requests successfully handled", snap["requests_handled"].(int64)},
		{"crawlkit_requests_failed_total", "Total requests that exhausted retries", snap["requests_failed"].(int64)},
		{"crawlkit_requests_retried_total", "Total retry attempts", snap["requests_retried"].(int64)},
		{"crawlkit_items_pushed_total", "Total items pushed to dataset sinks", snap["items_pushed"].(int64)},
		{"crawlkit_queue_depth", "Current request queue head size", m.QueueDepth.Load()},
		{"crawlkit_session_pool_size", "Current number of live sessions", m.SessionPoolSize.Load()},
		{"crawlkit_active_workers", "Currently in-flight request handlers", int64(m.ActiveWorkers.Load())},
		{"crawlkit_desired_workers", "Autoscaler's current desired concurrency", int64(m.DesiredWorkers.Load())},
		{"crawlkit_proxy_rotations_total", "Total proxy selections", m.ProxyRotations.Load()},
		{"crawlkit_proxy_errors_total", "Total proxy-attributed errors", m.ProxyErrors.Load()},
		{"crawlkit_bytes_downloaded_total", "Total response bytes downloaded", m.BytesDownloaded.Load()},
	}

	for _, c := range counters {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
		fmt.Fprintf(w, "%s %d\n", c.name, c.value)
	}

	writeErrorMap(w, "crawlkit_retry_errors_total", "Retry errors by fingerprint", snap["retry_errors"].(map[string]int64))
	writeErrorMap(w, "crawlkit_final_errors_total", "Final (non-retryable) errors by fingerprint", snap["final_errors"].(map[string]int64))
	writeStatusCodeMap(w, "crawlkit_responses_by_status_total", "Responses and classified errors by HTTP status code", snap["status_code_histogram"].(map[int]int64))
	writeRetryHistogram(w, "crawlkit_requests_by_attempt_count_total", "Finally-failed requests by total attempt count", snap["retry_count_histogram"].([]int64))

	gauges := []struct {
		name string
		help string
		val  float64
	}{
		{"crawlkit_latency_min_ms", "Minimum observed request latency in milliseconds", snap["latency_min_ms"].(float64)},
		{"crawlkit_latency_max_ms", "Maximum observed request latency in milliseconds", snap["latency_max_ms"].(float64)},
		{"crawlkit_latency_avg_finished_ms", "Average latency of successfully handled requests in milliseconds", snap["latency_avg_finished_ms"].(float64)},
		{"crawlkit_latency_avg_failed_ms", "Average latency of finally-failed requests in milliseconds", snap["latency_avg_failed_ms"].(float64)},
	}
	for _, g := range gauges {
		fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(w, "%s %f\n", g.name, g.val)
	}
}

func writeStatusCodeMap(w http.ResponseWriter, name, help string, counts map[int]int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)

	codes := make([]int, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "%s{status=\"%d\"} %d\n", name, code, counts[code])
	}
}

func writeRetryHistogram(w http.ResponseWriter, name, help string, hist []int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for attempt, n := range hist {
		if attempt == 0 {
			continue
		}
		fmt.Fprintf(w, "%s{attempts=\"%d\"} %d\n", name, attempt, n)
	}
}

func writeErrorMap(w http.ResponseWriter, name, help string, counts map[string]int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)

	fingerprints := make([]string, 0, len(counts))
	for fp := range counts {
		fingerprints = append(fingerprints, fp)
	}
	sort.Strings(fingerprints)
	for _, fp := range fingerprints {
		fmt.Fprintf(w, "%s{fingerprint=%q} %d\n", name, fp, counts[fp])
	}
}

// StartServer starts the metrics HTTP server.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Snapshot returns engine-level counters plus the crawl's Statistics.
func (m *Metrics) Snapshot() map[string]any {
	out := m.stats.Snapshot()
	out["queue_depth"] = m.QueueDepth.Load()
	out["session_pool_size"] = m.SessionPoolSize.Load()
	out["active_workers"] = int64(m.ActiveWorkers.Load())
	out["desired_workers"] = int64(m.DesiredWorkers.Load())
	out["proxy_rotations"] = m.ProxyRotations.Load()
	out["proxy_errors"] = m.ProxyErrors.Load()
	out["bytes_downloaded"] = m.BytesDownloaded.Load()
	return out
}
