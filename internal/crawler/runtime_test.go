package crawler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/riftwalk/crawlkit/internal/kvstore"
	"github.com/riftwalk/crawlkit/internal/queue"
	"github.com/riftwalk/crawlkit/internal/session"
	"github.com/riftwalk/crawlkit/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingFetcher always returns a retryable navigation error.
type failingFetcher struct{ calls int }

func (f *failingFetcher) Fetch(ctx context.Context, req *types.Request, proxyURL string, sess *types.Session) (*types.Response, error) {
	f.calls++
	return nil, &types.CrawlError{Kind: types.KindNavigation, URL: req.URLString(), Err: errors.New("connection refused"), Retryable: true}
}
func (f *failingFetcher) Close() error { return nil }

func newTestRuntime(t *testing.T, maxRetries int, fetcher Fetcher) (*Runtime, *queue.RequestQueue) {
	t.Helper()
	logger := testLogger()

	qOpts := queue.DefaultOptions("worker-1")
	qOpts.FinishDelay = 10 * time.Millisecond
	q := queue.New(kvstore.NewMemQueueBackend(), qOpts, logger)

	sp, err := session.New(session.DefaultOptions(), kvstore.NewMemKVStore(), logger)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	if err := sp.Start(); err != nil {
		t.Fatalf("session pool start: %v", err)
	}
	t.Cleanup(func() { _ = sp.Close(context.Background()) })

	opts := RunOptions{
		MaxRequestRetries:     maxRetries,
		RequestHandlerTimeout: time.Second,
		NavigationTimeout:     time.Second,
		LockSecs:              30,
		OwnerToken:            "worker-1",
	}
	rt := New(opts, q, nil, sp, nil, fetcher, kvstore.NewMemKVStore(), logger)
	rt.SetHandler(func(cc *CrawlContext) error { return nil })
	return rt, q
}

func TestRetryEscalatesToFinalFailureAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	fetcher := &failingFetcher{}
	rt, q := newTestRuntime(t, 2, fetcher)

	var finalErrs []error
	rt.SetFailedRequestHandler(func(cc *CrawlContext, err error) error {
		finalErrs = append(finalErrs, err)
		return nil
	})

	req, err := types.NewRequest("https://example.com/flaky")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if _, err := q.Add(ctx, req, false); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Drive the request through every retry attempt plus the final one.
	for i := 0; i <= 2; i++ {
		rt.RunTask(ctx)
	}

	if fetcher.calls != 3 {
		t.Fatalf("expected 3 fetch attempts (1 + 2 retries), got %d", fetcher.calls)
	}
	if len(finalErrs) != 1 {
		t.Fatalf("expected exactly one final-failure callback invocation, got %d", len(finalErrs))
	}
	if got := rt.Stats().RequestsFailed.Load(); got != 1 {
		t.Fatalf("expected RequestsFailed=1, got %d", got)
	}
	if got := rt.Stats().RequestsRetried.Load(); got != 2 {
		t.Fatalf("expected RequestsRetried=2, got %d", got)
	}

	wantHist := []int64{0, 0, 0, 1}
	gotHist := rt.Stats().RetryCountHistogram()
	if len(gotHist) != len(wantHist) {
		t.Fatalf("expected retry-count histogram %v, got %v", wantHist, gotHist)
	}
	for i, want := range wantHist {
		if gotHist[i] != want {
			t.Fatalf("expected retry-count histogram %v, got %v", wantHist, gotHist)
		}
	}

	if _, err := q.IsFinished(ctx); err != nil {
		t.Fatalf("is finished: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	finished, err := q.IsFinished(ctx)
	if err != nil {
		t.Fatalf("is finished: %v", err)
	}
	if !finished {
		t.Fatal("expected the queue to report finished after the failed request was marked handled")
	}
}

func TestSuccessfulRequestRecordsHandledAndNoRetry(t *testing.T) {
	ctx := context.Background()
	succeeding := successFetcher{}
	rt, q := newTestRuntime(t, 3, succeeding)

	req, err := types.NewRequest("https://example.com/ok")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if _, err := q.Add(ctx, req, false); err != nil {
		t.Fatalf("add: %v", err)
	}

	rt.RunTask(ctx)

	if got := rt.Stats().RequestsHandled.Load(); got != 1 {
		t.Fatalf("expected RequestsHandled=1, got %d", got)
	}
	if got := rt.Stats().RequestsFailed.Load(); got != 0 {
		t.Fatalf("expected RequestsFailed=0, got %d", got)
	}
}

type successFetcher struct{}

func (successFetcher) Fetch(ctx context.Context, req *types.Request, proxyURL string, sess *types.Session) (*types.Response, error) {
	return types.NewBrowserResponse(req, 200, []byte("<html></html>"), req.URLString(), time.Millisecond), nil
}
func (successFetcher) Close() error { return nil }

// blockedOnceFetcher returns a 429 blocked-status error on the first call
// and succeeds afterwards, recording which session served each attempt.
type blockedOnceFetcher struct {
	calls    int
	sessions []*types.Session
}

func (f *blockedOnceFetcher) Fetch(ctx context.Context, req *types.Request, proxyURL string, sess *types.Session) (*types.Response, error) {
	f.calls++
	f.sessions = append(f.sessions, sess)
	if f.calls == 1 {
		return nil, &types.CrawlError{
			Kind:       types.KindBlockedStatus,
			URL:        req.URLString(),
			StatusCode: 429,
			Err:        errors.New("rate limited"),
			Retryable:  true,
		}
	}
	return types.NewBrowserResponse(req, 200, []byte("<html></html>"), req.URLString(), time.Millisecond), nil
}
func (f *blockedOnceFetcher) Close() error { return nil }

func TestBlockedStatusRetiresSessionAndRetriesWithAnotherOne(t *testing.T) {
	ctx := context.Background()
	fetcher := &blockedOnceFetcher{}
	rt, q := newTestRuntime(t, 3, fetcher)

	req, err := types.NewRequest("https://example.com/blocked-once")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if _, err := q.Add(ctx, req, false); err != nil {
		t.Fatalf("add: %v", err)
	}

	rt.RunTask(ctx) // 429: session retired, request reclaimed at forefront
	rt.RunTask(ctx) // succeeds on a different session

	if fetcher.calls != 2 {
		t.Fatalf("expected two fetch attempts, got %d", fetcher.calls)
	}
	if !fetcher.sessions[0].IsBlocked() {
		t.Fatal("expected the 429'd session to be retired")
	}
	if fetcher.sessions[1].ID == fetcher.sessions[0].ID {
		t.Fatal("expected the retry to use a different session than the retired one")
	}
	if got := rt.Stats().RequestsHandled.Load(); got != 1 {
		t.Fatalf("expected the request to eventually succeed, RequestsHandled=%d", got)
	}
}

func TestKeepAliveDefersFinishUntilHardCap(t *testing.T) {
	ctx := context.Background()
	rt, q := newTestRuntime(t, 0, successFetcher{})
	rt.opts.KeepAlive = true
	rt.opts.MaxRequestsPerCrawl = 1

	// An empty queue normally finishes after the double-empty-read delay;
	// keepAlive must hold the crawl open instead.
	time.Sleep(20 * time.Millisecond)
	if rt.IsFinished(ctx) {
		t.Fatal("expected keepAlive to keep an empty crawl running")
	}

	req, err := types.NewRequest("https://example.com/capped")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if _, err := q.Add(ctx, req, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	rt.RunTask(ctx)

	// maxRequestsPerCrawl stays a hard cap even with keepAlive set.
	if !rt.IsFinished(ctx) {
		t.Fatal("expected the hard request cap to override keepAlive")
	}
	if rt.IsTaskReady(ctx) {
		t.Fatal("expected no further dispatches past the hard cap")
	}
}

func TestFinalFailuresCountTowardRequestCap(t *testing.T) {
	ctx := context.Background()
	fetcher := &failingFetcher{}
	rt, q := newTestRuntime(t, 0, fetcher)
	rt.opts.MaxRequestsPerCrawl = 1

	req, err := types.NewRequest("https://example.com/always-fails")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if _, err := q.Add(ctx, req, false); err != nil {
		t.Fatalf("add: %v", err)
	}

	rt.RunTask(ctx) // zero retries allowed: fails for good immediately

	if !rt.IsFinished(ctx) {
		t.Fatal("expected a final failure to count toward maxRequestsPerCrawl")
	}
}
