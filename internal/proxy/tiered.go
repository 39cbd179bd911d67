// Package proxy implements tiered proxy selection (spec §4.5): an ordered
// list of tiers, each a set of URLs, escalated per-destination-host on an
// exponentially-decayed error counter. It is adapted from the teacher's
// fetcher/proxy.go round-robin/random ProxyManager, generalized from a flat
// pool to tiers and given host-scoped error tracking instead of a single
// global healthy/unhealthy flag.
package proxy

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Rotation selects how URLs are picked within a tier.
type Rotation string

const (
	RoundRobin   Rotation = "round_robin"
	Random       Rotation = "random"
	SessionBound Rotation = "session_bound"
)

// Tier is an ordered set of proxy URLs with equal standing.
type Tier struct {
	URLs []*url.URL
}

// hostState tracks a host's exponentially-decayed error counter and current
// tier.
type hostState struct {
	mu          sync.Mutex
	errorScore  float64
	currentTier int
	lastUpdate  time.Time
}

// Options configures the tiered provider.
type Options struct {
	Rotation     Rotation
	EscalateAt   float64       // error score threshold to move up a tier
	DecayHalfLife time.Duration // time for the error score to halve absent new errors
}

func DefaultOptions() Options {
	return Options{Rotation: RoundRobin, EscalateAt: 3, DecayHalfLife: 2 * time.Minute}
}

// Provider selects a proxy URL per (host, session) pair, escalating tiers
// on repeated errors for that host.
type Provider struct {
	tiers  []Tier
	opts   Options
	logger *slog.Logger

	indices []atomic.Int64 // per-tier round-robin cursor

	mu    sync.Mutex
	hosts map[string]*hostState

	sessionBind map[string]*url.URL // sessionID -> bound URL, for SessionBound rotation
	bindMu      sync.Mutex
}

// New creates a tiered proxy Provider. tiers[0] is the lowest (preferred)
// tier.
func New(tiers []Tier, opts Options, logger *slog.Logger) *Provider {
	return &Provider{
		tiers:       tiers,
		opts:        opts,
		logger:      logger.With("component", "proxy_provider"),
		indices:     make([]atomic.Int64, len(tiers)),
		hosts:       make(map[string]*hostState),
		sessionBind: make(map[string]*url.URL),
	}
}

func (p *Provider) getHost(host string) *hostState {
	p.mu.Lock()
	defer p.mu.Unlock()
	hs, ok := p.hosts[host]
	if !ok {
		hs = &hostState{lastUpdate: time.Now()}
		p.hosts[host] = hs
	}
	return hs
}

// decayLocked applies exponential decay to the host's error score based on
// elapsed time since its last update. Caller must hold hs.mu.
func (hs *hostState) decayLocked(halfLife time.Duration) {
	if halfLife <= 0 || hs.errorScore == 0 {
		hs.lastUpdate = time.Now()
		return
	}
	elapsed := time.Since(hs.lastUpdate)
	factor := math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds())
	hs.errorScore *= factor
	hs.lastUpdate = time.Now()
}

// currentTierFor returns the lowest tier whose error score for host is
// below the escalation threshold.
func (p *Provider) currentTierFor(host string) int {
	hs := p.getHost(host)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.decayLocked(p.opts.DecayHalfLife)

	tier := int(hs.errorScore / p.opts.EscalateAt)
	if tier >= len(p.tiers) {
		tier = len(p.tiers) - 1
	}
	if tier < 0 {
		tier = 0
	}
	hs.currentTier = tier
	return tier
}

// Select returns the proxy URL to use for a request to host, optionally
// bound to sessionID for SessionBound rotation.
func (p *Provider) Select(host, sessionID string) (*url.URL, error) {
	if len(p.tiers) == 0 {
		return nil, nil
	}
	tierIdx := p.currentTierFor(host)
	tier := p.tiers[tierIdx]
	if len(tier.URLs) == 0 {
		return nil, fmt.Errorf("proxy tier %d has no URLs", tierIdx)
	}

	switch p.opts.Rotation {
	case Random:
		return tier.URLs[rand.Intn(len(tier.URLs))], nil
	case SessionBound:
		if sessionID == "" {
			return tier.URLs[rand.Intn(len(tier.URLs))], nil
		}
		p.bindMu.Lock()
		defer p.bindMu.Unlock()
		if bound, ok := p.sessionBind[sessionID]; ok {
			for _, u := range tier.URLs {
				if u.String() == bound.String() {
					return bound, nil
				}
			}
			// Bound URL fell out of the current tier (escalation moved
			// us); rebind.
		}
		chosen := tier.URLs[rand.Intn(len(tier.URLs))]
		p.sessionBind[sessionID] = chosen
		return chosen, nil
	default: // RoundRobin
		idx := p.indices[tierIdx].Add(1) % int64(len(tier.URLs))
		return tier.URLs[idx], nil
	}
}

// MarkError records an error for host, pushing its decayed error score up
// by one (escalating tiers if the threshold is crossed).
func (p *Provider) MarkError(host string) {
	hs := p.getHost(host)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.decayLocked(p.opts.DecayHalfLife)
	hs.errorScore++
}

// MarkSuccess lets the decayed error score drift back down (no explicit
// decrement beyond the passive decay already applied by decayLocked).
func (p *Provider) MarkSuccess(host string) {
	hs := p.getHost(host)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.decayLocked(p.opts.DecayHalfLife)
}

// TierFor reports the tier index currently in effect for host (for
// observability/debugging).
func (p *Provider) TierFor(host string) int {
	return p.currentTierFor(host)
}
