// Package httpclient implements the HTTP transport the Crawler Runtime
// uses to satisfy the sendRequest contract of spec §6 (proxyUrl, cookie
// jar, timeoutMillis honored from ctx, abort via ctx cancellation). It is
// adapted from the teacher's fetcher/http.go: same transport
// configuration, decompression, and retry classification, generalized
// from one client-wide cookie jar and one static proxy manager to a
// per-call session jar and a per-call proxy URL so concurrent crawls can
// use different identities on the same client.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/riftwalk/crawlkit/internal/types"
)

// Options configures the client's transport.
type Options struct {
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	TLSInsecure     bool
	FollowRedirects bool
	MaxRedirects    int
	MaxBodySize     int64
	UserAgents      []string
}

func DefaultOptions() Options {
	return Options{
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
		FollowRedirects: true,
		MaxRedirects:    10,
		MaxBodySize:     10 << 20,
		UserAgents:      []string{"crawlkit/1.0"},
	}
}

// Client implements crawler.Fetcher over net/http.
type Client struct {
	client  *http.Client
	opts    Options
	logger  *slog.Logger
	uaIndex atomic.Int64
}

// New creates an HTTP Client. The proxy used per request is supplied at
// Fetch time, not fixed at construction, so one Client instance can serve
// many sessions bound to different proxies.
func New(opts Options, logger *slog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        opts.MaxIdleConns,
		MaxIdleConnsPerHost: opts.MaxIdleConns / 2,
		IdleConnTimeout:     opts.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: opts.TLSInsecure},
		DisableCompression:  true,
		Proxy: func(req *http.Request) (*url.URL, error) {
			raw, _ := req.Context().Value(proxyCtxKey{}).(string)
			if raw == "" {
				return nil, nil
			}
			return url.Parse(raw)
		},
	}

	redirectPolicy := func(req *http.Request, via []*http.Request) error {
		if !opts.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) >= opts.MaxRedirects {
			return fmt.Errorf("max redirects (%d) reached", opts.MaxRedirects)
		}
		return nil
	}

	return &Client{
		client: &http.Client{
			Transport:     transport,
			CheckRedirect: redirectPolicy,
		},
		opts:   opts,
		logger: logger.With("component", "http_client"),
	}
}

type proxyCtxKey struct{}

// Fetch performs one HTTP request, honoring req's context deadline
// (timeoutMillis is the caller's responsibility via ctx), applying sess's
// cookies, and routing through proxyURL if set.
func (c *Client) Fetch(ctx context.Context, req *types.Request, proxyURL string, sess *types.Session) (*types.Response, error) {
	if proxyURL != "" {
		ctx = context.WithValue(ctx, proxyCtxKey{}, proxyURL)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URLString(), nil)
	if err != nil {
		return nil, &types.CrawlError{Kind: types.KindNavigation, URL: req.URLString(), Err: err, Retryable: false}
	}

	httpReq.Header.Set("User-Agent", c.nextUserAgent())
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	httpReq.Header.Set("Connection", "keep-alive")

	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Set(key, v)
		}
	}

	if sess != nil {
		for _, ck := range sess.Cookies(httpReq.URL) {
			httpReq.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
		}
	}

	if len(req.Body) > 0 {
		httpReq.Body = io.NopCloser(&bytesReader{data: req.Body})
		httpReq.ContentLength = int64(len(req.Body))
	}

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	duration := time.Since(start)

	if err != nil {
		return nil, &types.CrawlError{
			Kind:      classifyTransportKind(err),
			URL:       req.URLString(),
			Err:       err,
			Retryable: isRetryableError(err),
		}
	}
	defer httpResp.Body.Close()

	if sess != nil {
		sess.CookieJar().SetCookies(httpReq.URL, httpResp.Cookies())
	}

	if httpResp.StatusCode == 429 {
		retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, &types.CrawlError{
			Kind:       types.KindBlockedStatus,
			URL:        req.URLString(),
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("HTTP 429: rate limited: %s", strings.TrimSpace(string(body))),
			Retryable:  true,
			RetryAfter: retryAfter,
		}
	}

	if httpResp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return nil, &types.CrawlError{
			Kind:       types.KindNavigation,
			URL:        req.URLString(),
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, body),
			Retryable:  true,
		}
	}

	var reader io.Reader = httpResp.Body
	if c.opts.MaxBodySize > 0 {
		reader = io.LimitReader(reader, c.opts.MaxBodySize)
	}
	reader, err = decompressReader(httpResp, reader)
	if err != nil {
		return nil, &types.CrawlError{Kind: types.KindNavigation, URL: req.URLString(), Err: err, Retryable: false}
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &types.CrawlError{Kind: types.KindNavigation, URL: req.URLString(), Err: err, Retryable: true}
	}

	resp := types.NewResponse(req, httpResp, body, duration)
	c.logger.Debug("fetch complete", "url", req.URLString(), "status", resp.StatusCode, "size", len(body), "duration", duration)
	return resp, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Client) nextUserAgent() string {
	if len(c.opts.UserAgents) == 0 {
		return "crawlkit/1.0"
	}
	idx := c.uaIndex.Add(1) % int64(len(c.opts.UserAgents))
	return c.opts.UserAgents[idx]
}

func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

func classifyTransportKind(err error) types.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.KindTimeout
	}
	return types.KindNavigation
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) || errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return true
		}
	}
	return false
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		if secs > 120 {
			secs = 120
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			return time.Second
		}
		if d > 2*time.Minute {
			return 2 * time.Minute
		}
		return d
	}
	return 5 * time.Second
}

type bytesReader struct {
	data []byte
	pos  int
}

func (r *bytesReader) Read(p []byte) (n int, err error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n = copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
