package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Request is a fetch descriptor: the unit of work carried by the Request
// Queue and Request List. Two requests with equal UniqueKey are the same
// request for deduplication purposes, regardless of any other field.
type Request struct {
	// URL is the target URL to fetch.
	URL *url.URL

	// Method is the HTTP method (GET, POST, etc.). Defaults to GET.
	Method string

	// Headers are custom HTTP headers to send with the request.
	Headers http.Header

	// Body is the request payload for POST/PUT requests.
	Body []byte

	// UserData is a free-form bag owned by the Request; user handlers may
	// read and write it without synchronization since a Request is
	// exclusively owned by its current lock holder.
	UserData map[string]any

	// UniqueKey is the deduplication identity. If empty, ComputeUniqueKey
	// derives it from the normalized URL and method.
	UniqueKey string

	// Label routes the request to a named handler (router pattern).
	Label string

	// Depth is the crawl depth from the seed URL.
	Depth int

	// MaxRetries is the maximum number of retries for this request. A
	// value of -1 means "use the crawler's configured default".
	MaxRetries int

	// RetryCount tracks the current retry attempt.
	RetryCount int

	// NoRetry makes the current error final regardless of RetryCount.
	NoRetry bool

	// ErrorMessages accumulates a human-readable log of every error seen
	// across retries, oldest first.
	ErrorMessages []string

	// Timeout overrides the global request handler/navigation timeout.
	Timeout time.Duration

	// FetcherType specifies which navigation strategy to use: "http" or
	// "browser".
	FetcherType string

	// ParentURL tracks which page this request was discovered on.
	ParentURL string

	// CreatedAt is when this request was created.
	CreatedAt time.Time

	// ID is the opaque identifier assigned by a Request Queue on
	// insertion. Empty until the request has been added to a queue.
	ID string

	// SessionID, if set, pins this request to a specific session rather
	// than letting the Session Pool select one.
	SessionID string
}

// NewRequest creates a new Request with sensible defaults and a derived
// UniqueKey.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	req := &Request{
		URL:         u,
		Method:      http.MethodGet,
		Headers:     make(http.Header),
		MaxRetries:  -1,
		FetcherType: "http",
		UserData:    make(map[string]any),
		CreatedAt:   time.Now(),
	}
	req.UniqueKey = req.ComputeUniqueKey()
	return req, nil
}

// URLString returns the string representation of the request URL.
func (r *Request) URLString() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// Domain returns the hostname of the request URL.
func (r *Request) Domain() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Hostname()
}

// RegisteredDomain returns the eTLD+1 of the request URL (e.g.
// "blogspot.com" stays distinct per-tenant while "a.example.com" and
// "b.example.com" group under "example.com"). Used for per-destination
// proxy-tier and politeness-throttle scoping so sibling subdomains share
// state instead of fragmenting it. Falls back to the raw hostname when the
// suffix list can't parse it (IPs, single-label hosts).
func (r *Request) RegisteredDomain() string {
	host := r.Domain()
	if host == "" {
		return ""
	}
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return etld1
	}
	return host
}

// ComputeUniqueKey derives the default deduplication key: the normalized
// URL (lowercase scheme/host, no fragment, sorted query params, no default
// port, no trailing slash) joined with the HTTP method. Equal URLs fetched
// with different methods are intentionally not deduplicated against each
// other.
func (r *Request) ComputeUniqueKey() string {
	if r.URL == nil {
		return strings.ToUpper(r.Method)
	}
	return strings.ToUpper(r.Method) + " " + CanonicalizeURL(r.URL.String())
}

// EffectiveUniqueKey returns the caller-assigned UniqueKey if set, or
// computes the default.
func (r *Request) EffectiveUniqueKey() string {
	if r.UniqueKey != "" {
		return r.UniqueKey
	}
	return r.ComputeUniqueKey()
}

// AppendError records a fetch/handler error message for this request.
func (r *Request) AppendError(msg string) {
	r.ErrorMessages = append(r.ErrorMessages, msg)
}

// Clone creates a deep copy of the request. The clone has no ID: it is
// treated as not-yet-inserted into any queue.
func (r *Request) Clone() *Request {
	clone := *r
	clone.ID = ""
	if r.URL != nil {
		u := *r.URL
		clone.URL = &u
	}
	clone.Headers = r.Headers.Clone()
	clone.UserData = make(map[string]any, len(r.UserData))
	for k, v := range r.UserData {
		clone.UserData[k] = v
	}
	clone.Body = append([]byte(nil), r.Body...)
	clone.ErrorMessages = append([]string(nil), r.ErrorMessages...)
	return &clone
}

// CanonicalizeURL normalizes a URL string for deduplication: lowercases
// scheme and host, strips the fragment and default port, sorts query
// parameters, and trims a trailing slash (except for the root path).
func CanonicalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	host := u.Hostname()
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = host
	}

	if u.RawQuery != "" {
		params := u.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sorted []string
		for _, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for _, v := range vals {
				sorted = append(sorted, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		u.RawQuery = strings.Join(sorted, "&")
	}

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String()
}

// HashUniqueKey produces a fixed-width fingerprint of a unique key; queue
// backends use it as the entry id so the same request maps to the same id
// on every worker and across restarts.
func HashUniqueKey(uniqueKey string) string {
	h := sha256.Sum256([]byte(uniqueKey))
	return hex.EncodeToString(h[:16])
}
