package crawler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/riftwalk/crawlkit/internal/types"
)

// Statistics tracks one crawl's outcome counters, generalized from the
// teacher's engine.Stats to the richer error taxonomy and latency/histogram
// tracking spec §3 requires: retry vs final error trackers keyed by error
// fingerprint so repeated occurrences of the same failure collapse into one
// counter instead of growing unboundedly, plus per-attempt-count and
// per-status-code histograms and min/max/sum request latency.
type Statistics struct {
	RequestsHandled atomic.Int64
	RequestsFailed  atomic.Int64 // final failures only
	RequestsRetried atomic.Int64
	ItemsPushed     atomic.Int64
	StartTime       time.Time

	mu              sync.Mutex
	retryErrors     map[string]int64
	finalErrors     map[string]int64
	domainTiers     map[string]int
	retryCountHist  map[int]int64 // keyed by attempt number (1 = first try)
	statusCodeHist  map[int]int64
	latencyMinNanos int64
	latencyMaxNanos int64
	finishedSum     int64
	finishedCount   int64
	failedSum       int64
	failedCount     int64
}

func NewStatistics() *Statistics {
	return &Statistics{
		retryErrors:    make(map[string]int64),
		finalErrors:    make(map[string]int64),
		domainTiers:    make(map[string]int),
		retryCountHist: make(map[int]int64),
		statusCodeHist: make(map[int]int64),
	}
}

// RecordHandled records a successful completion: folds statusCode into the
// status-code histogram and latency into the finished-latency accumulators.
// It does not touch RequestsHandled; callers add to that counter themselves.
func (s *Statistics) RecordHandled(statusCode int, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if statusCode != 0 {
		s.statusCodeHist[statusCode]++
	}
	s.foldLatencyLocked(latency)
	s.finishedSum += latency.Nanoseconds()
	s.finishedCount++
}

// RecordRetryError records a non-final error that will be retried.
func (s *Statistics) RecordRetryError(err *types.CrawlError) {
	s.RequestsRetried.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryErrors[err.Fingerprint()]++
	if err.StatusCode != 0 {
		s.statusCodeHist[err.StatusCode]++
	}
}

// RecordFinalError records an error that has become final for its request.
// attempt is the 1-indexed number of tries the request took (initial
// attempt plus every retry) before failing for good, and buckets the
// per-attempt-count histogram scenario S4 exercises (maxRequestRetries=2 ->
// 3 total attempts -> histogram[3]==1).
func (s *Statistics) RecordFinalError(err *types.CrawlError, attempt int, latency time.Duration) {
	s.RequestsFailed.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalErrors[err.Fingerprint()]++
	if err.StatusCode != 0 {
		s.statusCodeHist[err.StatusCode]++
	}
	if attempt > 0 {
		s.retryCountHist[attempt]++
	}
	s.foldLatencyLocked(latency)
	s.failedSum += latency.Nanoseconds()
	s.failedCount++
}

func (s *Statistics) foldLatencyLocked(latency time.Duration) {
	n := latency.Nanoseconds()
	if s.latencyMinNanos == 0 || n < s.latencyMinNanos {
		s.latencyMinNanos = n
	}
	if n > s.latencyMaxNanos {
		s.latencyMaxNanos = n
	}
}

// RetryCountHistogram returns a dense slice indexed by attempt number
// (index 0 unused, so index i holds the count of requests that failed for
// good after exactly i attempts), sized to the largest attempt count
// observed. Only RecordFinalError feeds it; successful completions are not
// counted here.
func (s *Statistics) RetryCountHistogram() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for attempt := range s.retryCountHist {
		if attempt > max {
			max = attempt
		}
	}
	hist := make([]int64, max+1)
	for attempt, n := range s.retryCountHist {
		hist[attempt] = n
	}
	return hist
}

// StatusCodeHistogram returns a copy of the status-code -> count map.
func (s *Statistics) StatusCodeHistogram() map[int]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int64, len(s.statusCodeHist))
	for k, v := range s.statusCodeHist {
		out[k] = v
	}
	return out
}

// StatisticsSnapshot is the JSON-serializable form of Statistics persisted
// by Runtime.Checkpoint/Restore under kvstore.StatisticsKeyPrefix.
type StatisticsSnapshot struct {
	RequestsHandled int64            `json:"requests_handled"`
	RequestsFailed  int64            `json:"requests_failed"`
	RequestsRetried int64            `json:"requests_retried"`
	ItemsPushed     int64            `json:"items_pushed"`
	StartTime       time.Time        `json:"start_time"`
	RetryErrors     map[string]int64 `json:"retry_errors"`
	FinalErrors     map[string]int64 `json:"final_errors"`
	RetryCountHist  map[int]int64    `json:"retry_count_histogram"`
	StatusCodeHist  map[int]int64    `json:"status_code_histogram"`
	LatencyMinNanos int64            `json:"latency_min_nanos"`
	LatencyMaxNanos int64            `json:"latency_max_nanos"`
	FinishedSum     int64            `json:"finished_latency_sum_nanos"`
	FinishedCount   int64            `json:"finished_count"`
	FailedSum       int64            `json:"failed_latency_sum_nanos"`
	FailedCount     int64            `json:"failed_count"`
}

// ExportSnapshot captures the full persistable state of s, for writing to a
// checkpoint (spec §6's "statistics are resurrected on restart").
func (s *Statistics) ExportSnapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	retry := make(map[string]int64, len(s.retryErrors))
	for k, v := range s.retryErrors {
		retry[k] = v
	}
	final := make(map[string]int64, len(s.finalErrors))
	for k, v := range s.finalErrors {
		final[k] = v
	}
	retryHist := make(map[int]int64, len(s.retryCountHist))
	for k, v := range s.retryCountHist {
		retryHist[k] = v
	}
	statusHist := make(map[int]int64, len(s.statusCodeHist))
	for k, v := range s.statusCodeHist {
		statusHist[k] = v
	}

	return StatisticsSnapshot{
		RequestsHandled: s.RequestsHandled.Load(),
		RequestsFailed:  s.RequestsFailed.Load(),
		RequestsRetried: s.RequestsRetried.Load(),
		ItemsPushed:     s.ItemsPushed.Load(),
		StartTime:       s.StartTime,
		RetryErrors:     retry,
		FinalErrors:     final,
		RetryCountHist:  retryHist,
		StatusCodeHist:  statusHist,
		LatencyMinNanos: s.latencyMinNanos,
		LatencyMaxNanos: s.latencyMaxNanos,
		FinishedSum:     s.finishedSum,
		FinishedCount:   s.finishedCount,
		FailedSum:       s.failedSum,
		FailedCount:     s.failedCount,
	}
}

// LoadSnapshot replaces s's state with a previously exported snapshot,
// restoring counters across a restart instead of silently zeroing them.
func (s *Statistics) LoadSnapshot(snap StatisticsSnapshot) {
	s.RequestsHandled.Store(snap.RequestsHandled)
	s.RequestsFailed.Store(snap.RequestsFailed)
	s.RequestsRetried.Store(snap.RequestsRetried)
	s.ItemsPushed.Store(snap.ItemsPushed)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartTime = snap.StartTime
	s.retryErrors = copyStringCounts(snap.RetryErrors)
	s.finalErrors = copyStringCounts(snap.FinalErrors)
	s.retryCountHist = copyIntCounts(snap.RetryCountHist)
	s.statusCodeHist = copyIntCounts(snap.StatusCodeHist)
	s.latencyMinNanos = snap.LatencyMinNanos
	s.latencyMaxNanos = snap.LatencyMaxNanos
	s.finishedSum = snap.FinishedSum
	s.finishedCount = snap.FinishedCount
	s.failedSum = snap.FailedSum
	s.failedCount = snap.FailedCount
}

func copyStringCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyIntCounts(m map[int]int64) map[int]int64 {
	out := make(map[int]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Snapshot returns a point-in-time copy suitable for the metrics endpoint
// or a final crawl report.
func (s *Statistics) Snapshot() map[string]any {
	snap := s.ExportSnapshot()

	var avgFinished, avgFailed float64
	if snap.FinishedCount > 0 {
		avgFinished = float64(snap.FinishedSum) / float64(snap.FinishedCount)
	}
	if snap.FailedCount > 0 {
		avgFailed = float64(snap.FailedSum) / float64(snap.FailedCount)
	}

	return map[string]any{
		"requests_handled":       snap.RequestsHandled,
		"requests_failed":        snap.RequestsFailed,
		"requests_retried":       snap.RequestsRetried,
		"items_pushed":           snap.ItemsPushed,
		"elapsed":                time.Since(s.StartTime).String(),
		"retry_errors":           snap.RetryErrors,
		"final_errors":           snap.FinalErrors,
		"retry_count_histogram":  s.RetryCountHistogram(),
		"status_code_histogram":  snap.StatusCodeHist,
		"latency_min_ms":         float64(snap.LatencyMinNanos) / float64(time.Millisecond),
		"latency_max_ms":         float64(snap.LatencyMaxNanos) / float64(time.Millisecond),
		"latency_avg_finished_ms": avgFinished / float64(time.Millisecond),
		"latency_avg_failed_ms":   avgFailed / float64(time.Millisecond),
	}
}
