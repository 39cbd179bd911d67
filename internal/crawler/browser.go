// BrowserFetcher satisfies the §6 Browser controller contract (newPage,
// close, kill, getCookies/setCookies) and the Fetcher interface the
// Crawler Runtime drives requests through, as an alternative to
// httpclient.Client for requests whose FetcherType is "browser". It is
// adapted from the teacher's fetcher/browser.go pooled-page design and
// automation/browser.go's stealth wiring, generalized from one
// process-wide proxy manager to the per-call proxyURL/Session the runtime
// supplies so concurrent crawls can drive the same browser with different
// identities.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/riftwalk/crawlkit/internal/types"
)

// BrowserOptions configures a BrowserFetcher.
type BrowserOptions struct {
	Headless     bool
	Stealth      bool
	MaxPages     int
	UserDataDir  string
	NavTimeout   time.Duration
	WaitStableMS time.Duration
}

func DefaultBrowserOptions() BrowserOptions {
	return BrowserOptions{
		Headless:     true,
		Stealth:      true,
		MaxPages:     8,
		NavTimeout:   60 * time.Second,
		WaitStableMS: 300 * time.Millisecond,
	}
}

// BrowserFetcher drives a headless Chromium instance through go-rod,
// pooling pages across calls the way the teacher's BrowserFetcher does.
type BrowserFetcher struct {
	browser *rod.Browser
	opts    BrowserOptions
	logger  *slog.Logger

	mu       sync.Mutex
	pagePool chan *rod.Page
}

// NewBrowserFetcher launches (or connects to) a browser and returns a
// Fetcher the Runtime can drive requests through.
func NewBrowserFetcher(opts BrowserOptions, logger *slog.Logger) (*BrowserFetcher, error) {
	l := launcher.New().
		Headless(opts.Headless).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-blink-features", "AutomationControlled")
	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	if opts.MaxPages <= 0 {
		opts.MaxPages = 8
	}
	return &BrowserFetcher{
		browser:  browser,
		opts:     opts,
		logger:   logger.With("component", "browser_fetcher"),
		pagePool: make(chan *rod.Page, opts.MaxPages),
	}, nil
}

// newPage implements the §6 Browser controller contract's newPage: it
// returns a stealth-patched page when configured, else a plain one, reused
// from the pool when available.
func (bf *BrowserFetcher) newPage() (*rod.Page, error) {
	select {
	case page := <-bf.pagePool:
		return page, nil
	default:
	}
	if bf.opts.Stealth {
		return stealth.Page(bf.browser)
	}
	return bf.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
}

func (bf *BrowserFetcher) releasePage(page *rod.Page) {
	_ = page.Navigate("about:blank")
	select {
	case bf.pagePool <- page:
	default:
		_ = page.Close()
	}
}

// getCookies implements the §6 contract, translating rod's cookie type
// into the session's transport-agnostic HTTPCookie.
func (bf *BrowserFetcher) getCookies(page *rod.Page) ([]*types.HTTPCookie, error) {
	raw, err := page.Cookies(nil)
	if err != nil {
		return nil, err
	}
	out := make([]*types.HTTPCookie, len(raw))
	for i, c := range raw {
		out[i] = &types.HTTPCookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path}
	}
	return out, nil
}

// setCookies implements the §6 contract, pushing a session's cookie jar
// contents into the page before navigation so browser and HTTP fetches
// under the same session share identity.
func (bf *BrowserFetcher) setCookies(page *rod.Page, url string, cookies []*types.HTTPCookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:  c.Name,
			Value: c.Value,
			URL:   url,
		})
	}
	return page.SetCookies(params)
}

// Fetch implements the Fetcher interface the Crawler Runtime drives
// requests through, navigating a pooled page and returning the rendered
// HTML as a Response.
func (bf *BrowserFetcher) Fetch(ctx context.Context, req *types.Request, proxyURL string, sess *types.Session) (*types.Response, error) {
	start := time.Now()

	page, err := bf.newPage()
	if err != nil {
		return nil, &types.CrawlError{Kind: types.KindNavigation, URL: req.URLString(), Err: err, Retryable: true}
	}
	defer bf.releasePage(page)

	if sess != nil {
		cookies := sess.Cookies(req.URL)
		if err := bf.setCookies(page, req.URLString(), cookies); err != nil {
			bf.logger.Warn("set cookies failed", "err", err)
		}
	}
	if ua := req.Headers.Get("User-Agent"); ua != "" {
		_ = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua})
	}

	timeout := bf.opts.NavTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}

	navErr := make(chan error, 1)
	go func() {
		navErr <- page.Timeout(timeout).Navigate(req.URLString())
	}()
	select {
	case err := <-navErr:
		if err != nil {
			return nil, &types.CrawlError{Kind: types.KindNavigation, URL: req.URLString(), Err: err, Retryable: true}
		}
	case <-ctx.Done():
		return nil, &types.CrawlError{Kind: types.KindTimeout, URL: req.URLString(), Err: ctx.Err(), Retryable: true}
	}

	if err := page.Timeout(bf.opts.WaitStableMS * 10).WaitStable(bf.opts.WaitStableMS); err != nil {
		bf.logger.Debug("page stability timeout, continuing", "url", req.URLString())
	}

	html, err := page.HTML()
	if err != nil {
		return nil, &types.CrawlError{Kind: types.KindNavigation, URL: req.URLString(), Err: err, Retryable: true}
	}

	finalURL := req.URLString()
	if info, err := page.Info(); err == nil && info != nil {
		finalURL = info.URL
	}

	if sess != nil {
		if cookies, err := bf.getCookies(page); err == nil && len(cookies) > 0 {
			httpCookies := make([]*http.Cookie, len(cookies))
			for i, c := range cookies {
				httpCookies[i] = &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path}
			}
			sess.CookieJar().SetCookies(req.URL, httpCookies)
		}
	}

	resp := types.NewBrowserResponse(req, http.StatusOK, []byte(html), finalURL, time.Since(start))
	return resp, nil
}

// Close shuts down the browser and every pooled page.
func (bf *BrowserFetcher) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	close(bf.pagePool)
	for page := range bf.pagePool {
		_ = page.Close()
	}
	if bf.browser != nil {
		return bf.browser.Close()
	}
	return nil
}

// Kill closes the browser without first closing the pooled pages. It issues
// the same browser close call as Close; it does not signal the browser
// process directly.
func (bf *BrowserFetcher) Kill() {
	if bf.browser != nil {
		bf.browser.Close()
	}
}
