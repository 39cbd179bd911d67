package types

import (
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Session is an identity container bound to a subset of requests: cookies,
// an error budget, and an optional proxy binding. A Session is exclusively
// owned by the Session Pool; borrowers hold a shared, revocable reference
// and must not mutate fields outside the accessor methods below, since
// markGood/markBad on the same session must be serialized (spec §5).
type Session struct {
	ID         string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	MaxUsageCount int

	mu          sync.Mutex
	usageCount  int
	errorScore  float64
	maxErrScore float64
	errScoreDec float64
	blocked     bool
	proxyURL    string
	jar         *cookiejar.Jar
	userData    map[string]any
}

// SessionOptions configures a newly created Session.
type SessionOptions struct {
	MaxAge              time.Duration
	MaxUsageCount       int
	MaxErrorScore       float64
	ErrorScoreDecrement float64
}

// DefaultSessionOptions returns the spec's suggested defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		MaxAge:              50 * time.Minute,
		MaxUsageCount:       50,
		MaxErrorScore:       3,
		ErrorScoreDecrement: 0.5,
	}
}

// NewSession creates a Session with a fresh cookie jar.
func NewSession(id string, opts SessionOptions) *Session {
	// PublicSuffixList keeps the jar from sharing cookies across unrelated
	// hosts under the same registrable domain's suffix (e.g. two different
	// blogspot.com tenants), matching eTLD+1 grouping rather than raw host.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	now := time.Now()
	return &Session{
		ID:            id,
		CreatedAt:     now,
		ExpiresAt:     now.Add(opts.MaxAge),
		MaxUsageCount: opts.MaxUsageCount,
		maxErrScore:   opts.MaxErrorScore,
		errScoreDec:   opts.ErrorScoreDecrement,
		jar:           jar,
		userData:      make(map[string]any),
	}
}

// IsUsable reports whether the session may be selected for a new request:
// not expired, not blocked, and under its usage budget.
func (s *Session) IsUsable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isUsableLocked()
}

func (s *Session) isUsableLocked() bool {
	if s.blocked {
		return false
	}
	if time.Now().After(s.ExpiresAt) {
		return false
	}
	if s.MaxUsageCount > 0 && s.usageCount >= s.MaxUsageCount {
		return false
	}
	return true
}

// MarkUsed increments the usage counter; called once per request bound to
// this session.
func (s *Session) MarkUsed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageCount++
}

// MarkGood decreases the error score (floored at zero).
func (s *Session) MarkGood() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorScore -= s.errScoreDec
	if s.errorScore < 0 {
		s.errorScore = 0
	}
}

// MarkBad increments the error score by one and retires the session once
// it reaches the configured maximum.
func (s *Session) MarkBad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorScore++
	if s.errorScore >= s.maxErrScore {
		s.blocked = true
	}
}

// Retire unconditionally blocks the session so the pool will not reselect
// it (used on 401/403/429 and on session/proxy classified errors).
func (s *Session) Retire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = true
}

// IsBlocked reports whether the session has been retired.
func (s *Session) IsBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// ErrorScore returns the current error score.
func (s *Session) ErrorScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorScore
}

// UsageCount returns the number of requests this session has served.
func (s *Session) UsageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageCount
}

// BindProxy binds the session to a proxy URL for its remaining lifetime.
// A no-op if already bound to the same URL; returns an error if bound to a
// different one, since rebinding would violate the per-session proxy
// stickiness invariant (spec §4.3).
func (s *Session) BindProxy(proxyURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proxyURL == "" {
		s.proxyURL = proxyURL
		return nil
	}
	if s.proxyURL != proxyURL {
		return fmt.Errorf("session %s already bound to proxy %s, cannot rebind to %s", s.ID, s.proxyURL, proxyURL)
	}
	return nil
}

// ProxyURL returns the session's bound proxy URL, or "" if unbound.
func (s *Session) ProxyURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxyURL
}

// CookieJar returns the session's private cookie jar. Jars are per-session
// and must never leak across sessions.
func (s *Session) CookieJar() *cookiejar.Jar {
	return s.jar
}

// Cookies returns the cookies the jar holds for u.
func (s *Session) Cookies(u *url.URL) []*HTTPCookie {
	raw := s.jar.Cookies(u)
	out := make([]*HTTPCookie, len(raw))
	for i, c := range raw {
		out[i] = &HTTPCookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path}
	}
	return out
}

// HTTPCookie is a minimal, transport-agnostic cookie representation used
// to hand a session's cookies to fetchers such as the browser fetcher.
// SessionSnapshot carries no cookies, so a restored session starts with an
// empty jar.
type HTTPCookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// UserData returns the session's mutable metadata bag.
func (s *Session) UserData() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userData
}

// Snapshot captures the serializable state of a session for persistence.
type SessionSnapshot struct {
	ID            string         `json:"id"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	UsageCount    int            `json:"usage_count"`
	MaxUsageCount int            `json:"max_usage_count"`
	ErrorScore    float64        `json:"error_score"`
	Blocked       bool           `json:"blocked"`
	ProxyURL      string         `json:"proxy_url,omitempty"`
	UserData      map[string]any `json:"user_data,omitempty"`
}

// Snapshot returns a serializable copy of the session's current state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ud := make(map[string]any, len(s.userData))
	for k, v := range s.userData {
		ud[k] = v
	}
	return SessionSnapshot{
		ID:            s.ID,
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
		UsageCount:    s.usageCount,
		MaxUsageCount: s.MaxUsageCount,
		ErrorScore:    s.errorScore,
		Blocked:       s.blocked,
		ProxyURL:      s.proxyURL,
		UserData:      ud,
	}
}

// RestoreSession rebuilds a Session from a snapshot, dropping it (by
// returning nil) if its expiry has already passed.
func RestoreSession(snap SessionSnapshot, opts SessionOptions) *Session {
	if time.Now().After(snap.ExpiresAt) {
		return nil
	}
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	ud := snap.UserData
	if ud == nil {
		ud = make(map[string]any)
	}
	return &Session{
		ID:            snap.ID,
		CreatedAt:     snap.CreatedAt,
		ExpiresAt:     snap.ExpiresAt,
		MaxUsageCount: snap.MaxUsageCount,
		maxErrScore:   opts.MaxErrorScore,
		errScoreDec:   opts.ErrorScoreDecrement,
		usageCount:    snap.UsageCount,
		errorScore:    snap.ErrorScore,
		blocked:       snap.Blocked,
		proxyURL:      snap.ProxyURL,
		jar:           jar,
		userData:      ud,
	}
}
