// Package crawler implements the Crawler Runtime (spec §4.5): the state
// machine that drives the autoscaled pool, consumes from the queue and
// list, invokes user hooks and the request handler, classifies outcomes,
// and enforces retry/session/proxy policy. Start/stop progression is
// tracked with golly's lifecycle.SimpleComponent, whose State() gates
// IsTaskReady so a stopping runtime refuses new dispatches; abort has no
// counterpart in golly's state set, so it lives in a separate flag checked
// alongside the component state. The per-request state machine and retry
// policy are original to this runtime, grounded on the teacher's
// engine/scheduler.go worker loop and engine/engine.go's Start/Stop pair.
package crawler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/riftwalk/crawlkit/internal/autoscale"
	"github.com/riftwalk/crawlkit/internal/kvstore"
	"github.com/riftwalk/crawlkit/internal/proxy"
	"github.com/riftwalk/crawlkit/internal/queue"
	"github.com/riftwalk/crawlkit/internal/reqlist"
	"github.com/riftwalk/crawlkit/internal/session"
	"github.com/riftwalk/crawlkit/internal/types"
	"oss.nandlabs.io/golly/lifecycle"
)

// Fetcher performs the actual navigation/transport step (HTTP or browser).
type Fetcher interface {
	Fetch(ctx context.Context, req *types.Request, proxyURL string, sess *types.Session) (*types.Response, error)
	Close() error
}

// RequestHandler processes a fetched response.
type RequestHandler func(cc *CrawlContext) error

// Hook runs before/after navigation.
type Hook func(cc *CrawlContext) error

// ErrorHook runs on a non-final error, or as the final failedRequestHandler.
type ErrorHook func(cc *CrawlContext, err error) error

// RunOptions configures retry policy, timeouts, and termination.
type RunOptions struct {
	MaxRequestRetries     int
	RequestHandlerTimeout time.Duration
	NavigationTimeout     time.Duration
	MaxRequestsPerCrawl   int
	MaxDepth              int // 0 = unbounded; deeper link discoveries are dropped
	LockSecs              int
	OwnerToken            string

	// CrawlID names this crawl for persisted-state keys. Unlike OwnerToken
	// it must be stable across restarts so statistics can be resurrected.
	CrawlID string

	// KeepAlive keeps the crawl running after the queue and list report
	// finished, waiting for new inserts. MaxRequestsPerCrawl remains a
	// hard cap even when set.
	KeepAlive bool
}

func DefaultRunOptions(owner string) RunOptions {
	return RunOptions{
		MaxRequestRetries:     3,
		RequestHandlerTimeout: 60 * time.Second,
		NavigationTimeout:     60 * time.Second,
		LockSecs:              30,
		OwnerToken:            owner,
	}
}

// Runtime ties the queue, list, session pool, proxy provider, and
// autoscaled pool together into one running crawl.
type Runtime struct {
	opts   RunOptions
	logger *slog.Logger

	queue          *queue.RequestQueue
	list           *reqlist.RequestList
	sessionPool    *session.Pool
	proxies        *proxy.Provider
	fetcher        Fetcher
	browserFetcher Fetcher
	kv             kvstore.KVStore
	datasets       []kvstore.DatasetSink

	handler              RequestHandler
	preNavigationHooks   []Hook
	postNavigationHooks  []Hook
	errorHandler         ErrorHook
	failedRequestHandler ErrorHook

	stats   *Statistics
	comp    *lifecycle.SimpleComponent
	robots  *RobotsFilter
	throttle *DomainThrottle

	handledCount  int64
	handledMu     sync.Mutex
	abortRequested bool
	abortMu        sync.Mutex
}

// New creates a Runtime. queue and list may both be nil only if the other
// is supplied; at least one source of requests is required.
func New(opts RunOptions, q *queue.RequestQueue, list *reqlist.RequestList, pool *session.Pool, proxies *proxy.Provider, fetcher Fetcher, kv kvstore.KVStore, logger *slog.Logger) *Runtime {
	r := &Runtime{
		opts:        opts,
		logger:      logger.With("component", "crawler_runtime"),
		queue:       q,
		list:        list,
		sessionPool: pool,
		proxies:     proxies,
		fetcher:     fetcher,
		kv:          kv,
		stats:       NewStatistics(),
	}
	// SimpleComponent only transitions state when Start/Stop funcs are
	// present; the runtime has no setup/teardown work of its own, so they
	// exist solely to make the Running/Stopping/Stopped progression real.
	r.comp = &lifecycle.SimpleComponent{
		CompId:    "crawler_runtime",
		StartFunc: func() error { return nil },
		StopFunc:  func() error { return nil },
	}
	return r
}

// SetHandler sets the request handler. Required before Run.
func (r *Runtime) SetHandler(h RequestHandler) { r.handler = h }

// SetList installs (or replaces) the static seed source consumed ahead of
// the queue. Must be called before Run.
func (r *Runtime) SetList(list *reqlist.RequestList) { r.list = list }

// SetBrowserFetcher installs a second navigation strategy used for
// requests whose FetcherType is "browser"; all other requests keep using
// the primary fetcher.
func (r *Runtime) SetBrowserFetcher(f Fetcher) { r.browserFetcher = f }

// AddPreNavigationHook appends a hook run before fetching.
func (r *Runtime) AddPreNavigationHook(h Hook) { r.preNavigationHooks = append(r.preNavigationHooks, h) }

// AddPostNavigationHook appends a hook run after fetching.
func (r *Runtime) AddPostNavigationHook(h Hook) {
	r.postNavigationHooks = append(r.postNavigationHooks, h)
}

// SetErrorHandler sets the hook invoked on every non-final error.
func (r *Runtime) SetErrorHandler(h ErrorHook) { r.errorHandler = h }

// SetFailedRequestHandler sets the hook invoked once a request's error
// becomes final.
func (r *Runtime) SetFailedRequestHandler(h ErrorHook) { r.failedRequestHandler = h }

// AddDatasetSink registers an output sink for PushData.
func (r *Runtime) AddDatasetSink(sink kvstore.DatasetSink) { r.datasets = append(r.datasets, sink) }

// SetRobotsFilter installs an optional robots.txt collaborator; requests
// disallowed by it are failed immediately without ever reaching the
// fetcher.
func (r *Runtime) SetRobotsFilter(f *RobotsFilter) { r.robots = f }

// SetDomainThrottle installs an optional per-domain politeness delay,
// applied before each fetch alongside the autoscaled pool's rate cap.
func (r *Runtime) SetDomainThrottle(t *DomainThrottle) { r.throttle = t }

// Stats returns the live statistics object.
func (r *Runtime) Stats() *Statistics { return r.stats }

// Abort stops dispatch: no more tasks are started and IsFinished reports
// true, so the pool's Run returns once the in-flight tasks complete. It
// cancels no context and sets no deadline on those tasks; the pool's
// graceful-shutdown window applies only when Run's context is cancelled.
func (r *Runtime) Abort() {
	r.abortMu.Lock()
	r.abortRequested = true
	r.abortMu.Unlock()
}

func (r *Runtime) isAborted() bool {
	r.abortMu.Lock()
	defer r.abortMu.Unlock()
	return r.abortRequested
}

// Run drives the crawl to completion using pool as the concurrency
// controller. Blocks until termination (spec §4.5): both sources finished
// and the pool drained, maxRequestsPerCrawl reached, or Abort was called.
func (r *Runtime) Run(ctx context.Context, pool *autoscale.Pool) error {
	if r.handler == nil {
		return errors.New("crawler runtime: no request handler set")
	}
	r.stats.StartTime = time.Now()
	if err := r.comp.Start(); err != nil {
		return err
	}
	defer r.comp.Stop()

	pool.Run(ctx)
	return nil
}

// IsTaskReady implements autoscale.TaskSource. A runtime that has left the
// Running state refuses new dispatches even before the pool notices
// IsFinished.
func (r *Runtime) IsTaskReady(ctx context.Context) bool {
	if r.isAborted() {
		return false
	}
	if st := r.comp.State(); st == lifecycle.Stopping || st == lifecycle.Stopped {
		return false
	}
	if r.opts.MaxRequestsPerCrawl > 0 && r.settledCount() >= int64(r.opts.MaxRequestsPerCrawl) {
		return false
	}
	return true
}

// settledCount returns how many requests have reached a terminal state
// (handled successfully or failed for good); maxRequestsPerCrawl counts
// both.
func (r *Runtime) settledCount() int64 {
	r.handledMu.Lock()
	defer r.handledMu.Unlock()
	return r.handledCount
}

func (r *Runtime) bumpSettled() {
	r.handledMu.Lock()
	r.handledCount++
	r.handledMu.Unlock()
}

// IsFinished implements autoscale.TaskSource.
func (r *Runtime) IsFinished(ctx context.Context) bool {
	if r.isAborted() {
		return true
	}
	if r.opts.MaxRequestsPerCrawl > 0 && r.settledCount() >= int64(r.opts.MaxRequestsPerCrawl) {
		// A hard cap even when KeepAlive is set.
		return true
	}
	if r.opts.KeepAlive {
		return false
	}
	listDone := r.list == nil || r.list.IsFinished()
	queueDone := true
	if r.queue != nil {
		var err error
		queueDone, err = r.queue.IsFinished(ctx)
		if err != nil {
			return false
		}
	}
	return listDone && queueDone
}

// RunTask implements autoscale.TaskSource: fetches one request from list
// or queue and drives it through the full per-request lifecycle.
func (r *Runtime) RunTask(ctx context.Context) bool {
	req, source, err := r.fetchOne(ctx)
	if err != nil {
		r.logger.Error("fetch from source failed", "err", err)
		return false
	}
	if req == nil {
		return false
	}
	return r.processRequest(ctx, req, source)
}

type requestSource int

const (
	sourceQueue requestSource = iota
	sourceList
)

func (r *Runtime) fetchOne(ctx context.Context) (*types.Request, requestSource, error) {
	if r.list != nil {
		req, err := r.list.FetchNext(ctx)
		if err != nil {
			return nil, sourceList, err
		}
		if req != nil {
			return req, sourceList, nil
		}
	}
	if r.queue != nil {
		entry, err := r.queue.FetchNext(ctx)
		if err != nil {
			return nil, sourceQueue, err
		}
		if entry != nil {
			return entry.Request, sourceQueue, nil
		}
	}
	return nil, sourceQueue, nil
}

// processRequest runs one request through Fetched -> PreNavigate ->
// Navigate -> PostNavigate -> Handler -> Success|Classify->Retry?, per
// spec §4.5's per-request state machine. Returns true if the outcome
// should count as an "overload" signal to the autoscaled pool (a
// self-imposed timeout).
func (r *Runtime) processRequest(ctx context.Context, req *types.Request, source requestSource) bool {
	logger := r.logger.With("url", req.URLString(), "depth", req.Depth)
	started := time.Now()

	if r.robots != nil && !r.robots.IsAllowed(req.URLString()) {
		cerr := types.CrawlError{Kind: types.KindConfiguration, URL: req.URLString(), Err: types.ErrBlocked, Retryable: false}
		req.NoRetry = true
		r.stats.RecordFinalError(&cerr, req.RetryCount+1, time.Since(started))
		r.markHandled(ctx, req, source)
		r.bumpSettled()
		return false
	}

	if r.throttle != nil {
		if err := r.throttle.Wait(ctx, req.RegisteredDomain()); err != nil {
			r.reclaim(ctx, req, source, false)
			return false
		}
	}

	var sess *types.Session
	if r.sessionPool != nil {
		if req.SessionID != "" {
			if pinned, ok := r.sessionPool.SessionByID(req.SessionID); ok {
				sess = pinned
			}
		}
		if sess == nil {
			var err error
			sess, err = r.sessionPool.GetSession()
			if err != nil {
				logger.Error("session pool exhausted", "err", err)
				r.reclaimOrFail(ctx, req, source, types.CrawlError{Kind: types.KindQueueBackend, Err: err}, time.Since(started))
				return false
			}
		}
		sess.MarkUsed()
	}

	var proxyURL string
	if r.proxies != nil {
		sessionID := ""
		if sess != nil {
			sessionID = sess.ID
			proxyURL = sess.ProxyURL()
		}
		if proxyURL == "" {
			u, err := r.proxies.Select(req.RegisteredDomain(), sessionID)
			if err == nil && u != nil {
				proxyURL = u.String()
				if sess != nil {
					_ = sess.BindProxy(proxyURL)
				}
			}
		}
	}

	cc := &CrawlContext{ctx: ctx, Request: req, Session: sess, ProxyURL: proxyURL, startedAt: started, runtime: r}

	for _, hook := range r.preNavigationHooks {
		if err := hook(cc); err != nil {
			return r.handleError(ctx, cc, source, sess, classifyError(err), false)
		}
	}

	navTimeout := r.opts.NavigationTimeout
	handlerTimeout := r.opts.RequestHandlerTimeout
	if req.Timeout > 0 {
		navTimeout, handlerTimeout = req.Timeout, req.Timeout
	}
	fetcher := r.fetcher
	if req.FetcherType == "browser" && r.browserFetcher != nil {
		fetcher = r.browserFetcher
	}

	navCtx, cancel := context.WithTimeout(ctx, navTimeout)
	resp, err := fetcher.Fetch(navCtx, req, proxyURL, sess)
	cancel()
	if err != nil {
		overload := navCtx.Err() == context.DeadlineExceeded
		cerr := classifyError(err)
		if overload {
			cerr.Kind = types.KindTimeout
		}
		return r.handleError(ctx, cc, source, sess, cerr, overload)
	}
	cc.Response = resp

	if resp.StatusCode == 401 || resp.StatusCode == 403 || resp.StatusCode == 429 {
		cerr := types.CrawlError{Kind: types.KindBlockedStatus, StatusCode: resp.StatusCode, URL: req.URLString(), Retryable: true}
		return r.handleError(ctx, cc, source, sess, cerr, false)
	}

	for _, hook := range r.postNavigationHooks {
		if err := hook(cc); err != nil {
			return r.handleError(ctx, cc, source, sess, classifyError(err), false)
		}
	}

	handlerCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	cc.ctx = handlerCtx
	err = r.handler(cc)
	cancel()
	cc.ctx = ctx

	if err != nil {
		overload := handlerCtx.Err() == context.DeadlineExceeded
		cerr := classifyError(err)
		if overload {
			cerr.Kind = types.KindTimeout
		} else {
			cerr.Kind = types.KindRequestHandler
		}
		return r.handleError(ctx, cc, source, sess, cerr, overload)
	}

	if sess != nil {
		sess.MarkGood()
	}
	if r.proxies != nil {
		r.proxies.MarkSuccess(req.RegisteredDomain())
	}
	r.markHandled(ctx, req, source)
	r.bumpSettled()
	r.stats.RequestsHandled.Add(1)
	r.stats.RecordHandled(cc.Response.StatusCode, time.Since(cc.startedAt))
	return false
}

func classifyError(err error) types.CrawlError {
	if errors.Is(err, context.Canceled) {
		return types.CrawlError{Kind: types.KindCancellation, Err: err, Retryable: false}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.CrawlError{Kind: types.KindTimeout, Err: err, Retryable: true}
	}
	var cerr *types.CrawlError
	if errors.As(err, &cerr) {
		return *cerr
	}
	return types.CrawlError{Kind: types.KindNavigation, Err: err, Retryable: true}
}

// handleError applies spec §4.5's retry policy: final errors invoke
// failedRequestHandler and mark handled; non-final errors invoke
// errorHandler, bump retryCount, and reclaim (forefront on session/proxy
// class errors, tail otherwise).
func (r *Runtime) handleError(ctx context.Context, cc *CrawlContext, source requestSource, sess *types.Session, cerr types.CrawlError, overload bool) bool {
	req := cc.Request

	// Cooperative cancellation is neither retried nor counted as a
	// failure: release the lock so the request survives for a restarted
	// crawl, and propagate by returning.
	if cerr.Kind == types.KindCancellation {
		r.reclaim(ctx, req, source, false)
		return false
	}

	if sess != nil {
		if cerr.Kind == types.KindBlockedStatus {
			// Blocked statuses surface either as a response status or as a
			// transport-classified error; both must retire the session, not
			// just dent its score.
			if cerr.StatusCode > 0 && r.sessionPool != nil {
				r.sessionPool.RetireOnBlockedStatusCode(sess, cerr.StatusCode)
			} else {
				sess.Retire()
			}
		} else {
			sess.MarkBad()
		}
	}

	// Fetch-side failures count against the destination host's proxy tier;
	// handler bugs do not.
	switch cerr.Kind {
	case types.KindNavigation, types.KindTimeout, types.KindBlockedStatus:
		if r.proxies != nil {
			r.proxies.MarkError(req.RegisteredDomain())
		}
	}

	final := req.NoRetry || req.RetryCount >= r.effectiveMaxRetries(req)
	if final {
		req.AppendError(cerr.Error())
		if r.failedRequestHandler != nil {
			_ = r.failedRequestHandler(cc, &cerr)
		}
		r.stats.RecordFinalError(&cerr, req.RetryCount+1, time.Since(cc.startedAt))
		r.markHandled(ctx, req, source)
		r.bumpSettled()
		return overload
	}

	if r.errorHandler != nil {
		_ = r.errorHandler(cc, &cerr)
	}
	req.RetryCount++
	req.AppendError(cerr.Error())
	r.stats.RecordRetryError(&cerr)

	forefront := cerr.Kind == types.KindBlockedStatus || cerr.Kind == types.KindQueueBackend
	r.reclaim(ctx, req, source, forefront)
	return overload
}

func (r *Runtime) effectiveMaxRetries(req *types.Request) int {
	if req.MaxRetries >= 0 {
		return req.MaxRetries
	}
	return r.opts.MaxRequestRetries
}

func (r *Runtime) reclaimOrFail(ctx context.Context, req *types.Request, source requestSource, cerr types.CrawlError, latency time.Duration) {
	r.stats.RecordFinalError(&cerr, req.RetryCount+1, latency)
	r.markHandled(ctx, req, source)
	r.bumpSettled()
}

func (r *Runtime) reclaim(ctx context.Context, req *types.Request, source requestSource, forefront bool) {
	switch source {
	case sourceList:
		_ = r.list.Reclaim(ctx, req)
	case sourceQueue:
		_ = r.queue.Reclaim(ctx, req, forefront)
	}
}

func (r *Runtime) markHandled(ctx context.Context, req *types.Request, source requestSource) {
	switch source {
	case sourceList:
		_ = r.list.MarkHandled(ctx, req)
	case sourceQueue:
		_ = r.queue.MarkHandled(ctx, req)
	}
}

func (r *Runtime) enqueueBatch(ctx context.Context, reqs []*types.Request) error {
	if r.queue == nil || len(reqs) == 0 {
		return nil
	}
	if r.opts.MaxDepth > 0 {
		kept := reqs[:0]
		for _, req := range reqs {
			if req.Depth <= r.opts.MaxDepth {
				kept = append(kept, req)
			}
		}
		reqs = kept
		if len(reqs) == 0 {
			return nil
		}
	}
	_, err := r.queue.AddBatch(ctx, reqs, false)
	return err
}

func (r *Runtime) pushData(ctx context.Context, items []map[string]any) error {
	r.stats.ItemsPushed.Add(int64(len(items)))
	for _, sink := range r.datasets {
		if err := sink.PushData(ctx, items); err != nil {
			r.logger.Error("dataset sink push failed", "sink", sink.Name(), "err", err)
		}
	}
	return nil
}
