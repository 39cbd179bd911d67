package crawler

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RobotsFilter is an optional collaborator that AddRequest/fetchNext paths
// can consult before a request is queued or fetched. It is not wired into
// the queue itself — politeness remains the runtime's concern, per the
// non-goal that the core stays policy-free.
type RobotsFilter struct {
	enabled bool
	agent   string
	ttl     time.Duration
	client  *http.Client

	mu    sync.Mutex
	rules map[string]*ruleSet // origin ("scheme://host") -> compiled policy
}

// ruleSet is the compiled policy for one origin.
type ruleSet struct {
	rules      []robotsRule
	crawlDelay time.Duration
	fetchedAt  time.Time
}

// robotsRule is one Allow/Disallow line. Rules are resolved by the
// longest-pattern-wins convention: among every rule whose pattern matches
// the path, the one with the longest pattern decides, and Allow wins a
// length tie.
type robotsRule struct {
	pattern string
	allow   bool
}

// NewRobotsFilter creates a RobotsFilter. agent is matched
// case-insensitively against "User-agent:" lines; "*" groups always apply.
// Fetched policies are cached per origin and refreshed after an hour.
func NewRobotsFilter(enabled bool, agent string) *RobotsFilter {
	return &RobotsFilter{
		enabled: enabled,
		agent:   strings.ToLower(agent),
		ttl:     time.Hour,
		client:  &http.Client{Timeout: 10 * time.Second},
		rules:   make(map[string]*ruleSet),
	}
}

// IsAllowed reports whether rawURL may be fetched under its origin's
// robots.txt policy.
func (f *RobotsFilter) IsAllowed(rawURL string) bool {
	if !f.enabled {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	rs := f.rulesFor(u.Scheme + "://" + u.Host)

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return rs.allows(path)
}

// CrawlDelay returns the origin's declared Crawl-delay, or zero if absent.
func (f *RobotsFilter) CrawlDelay(rawURL string) time.Duration {
	if !f.enabled {
		return 0
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	return f.rulesFor(u.Scheme + "://" + u.Host).crawlDelay
}

// rulesFor returns the cached policy for origin, fetching it on a miss or
// once the TTL has lapsed.
func (f *RobotsFilter) rulesFor(origin string) *ruleSet {
	f.mu.Lock()
	rs, ok := f.rules[origin]
	f.mu.Unlock()
	if ok && time.Since(rs.fetchedAt) < f.ttl {
		return rs
	}

	rs = f.download(origin)
	f.mu.Lock()
	f.rules[origin] = rs
	f.mu.Unlock()
	return rs
}

// download fetches and compiles origin's robots.txt. A missing file (or any
// 4xx) means no policy is published, so everything is allowed; a 5xx means
// the server could not say, so the origin is treated as closed until the
// TTL triggers a re-fetch. Network errors fall back to allow-all.
func (f *RobotsFilter) download(origin string) *ruleSet {
	req, err := http.NewRequest(http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return &ruleSet{fetchedAt: time.Now()}
	}
	if f.agent != "" {
		req.Header.Set("User-Agent", f.agent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return &ruleSet{fetchedAt: time.Now()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &ruleSet{
			rules:     []robotsRule{{pattern: "/", allow: false}},
			fetchedAt: time.Now(),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return &ruleSet{fetchedAt: time.Now()}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return &ruleSet{fetchedAt: time.Now()}
	}
	return f.compile(string(body))
}

// compile parses robots.txt content into a ruleSet. Consecutive User-agent
// lines stack into one group (each can widen whether the group applies to
// us); the first rule line after them closes the group header, and the next
// User-agent line starts a fresh group.
func (f *RobotsFilter) compile(content string) *ruleSet {
	rs := &ruleSet{fetchedAt: time.Now()}
	applies := false
	inHeader := false

	for _, raw := range strings.Split(content, "\n") {
		line := raw
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field = strings.ToLower(strings.TrimSpace(field))
		value = strings.TrimSpace(value)

		if field == "user-agent" {
			if !inHeader {
				// New group: forget the previous group's applicability.
				applies = false
				inHeader = true
			}
			ua := strings.ToLower(value)
			if ua == "*" || (f.agent != "" && strings.Contains(ua, f.agent)) {
				applies = true
			}
			continue
		}
		inHeader = false

		switch field {
		case "allow", "disallow":
			if applies && value != "" {
				rs.rules = append(rs.rules, robotsRule{pattern: value, allow: field == "allow"})
			}
		case "crawl-delay":
			if applies {
				if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
					rs.crawlDelay = time.Duration(secs * float64(time.Second))
				}
			}
		}
	}
	return rs
}

// allows resolves path against the rule list: the matching rule with the
// longest pattern decides; no match means allowed.
func (rs *ruleSet) allows(path string) bool {
	bestLen := -1
	allowed := true
	for _, r := range rs.rules {
		if !pathMatches(r.pattern, path) {
			continue
		}
		if n := len(r.pattern); n > bestLen || (n == bestLen && r.allow) {
			bestLen = n
			allowed = r.allow
		}
	}
	return allowed
}

// pathMatches reports whether path matches a robots pattern. A pattern is a
// path prefix unless it contains '*' (matches any run of characters,
// including none) or ends in '$' (anchors the match at the end of the
// path). Wildcards are resolved with single-star backtracking: on a
// mismatch, the most recent '*' absorbs one more character and matching
// resumes after it.
func pathMatches(pattern, path string) bool {
	if pattern == "" {
		return false
	}
	anchored := strings.HasSuffix(pattern, "$")
	if anchored {
		pattern = strings.TrimSuffix(pattern, "$")
	}

	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(path) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			star, mark = pi, si
			pi++
		case pi < len(pattern) && pattern[pi] == path[si]:
			pi++
			si++
		case star >= 0:
			mark++
			pi, si = star+1, mark
		default:
			// The pattern is exhausted (or dead) while path continues:
			// that is still a match under prefix semantics, unless the
			// pattern demanded the end of the path.
			return pi == len(pattern) && !anchored
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
