// Package session implements the Session Pool (spec §4.3): a bounded set of
// identity containers selected per request and recycled once unusable.
// Session creation and capacity accounting run through golly's generic
// pool.Pool (Checkout creates under the max cap, Delete frees an evicted
// session's slot); Checkin is never called, since sessions are shared
// references sampled by many requests rather than exclusively borrowed
// objects. Selection and eviction (weighted new-vs-reuse, uniform
// sampling, oldest-unusable eviction) are this package's own logic.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/riftwalk/crawlkit/internal/kvstore"
	"github.com/riftwalk/crawlkit/internal/types"
	"oss.nandlabs.io/golly/pool"
)

// Options configures the Session Pool.
type Options struct {
	MaxPoolSize         int
	SessionOptions      types.SessionOptions
	PersistEvery        time.Duration
	RetireOnStatusCodes map[int]bool
}

func DefaultOptions() Options {
	return Options{
		MaxPoolSize:    1000,
		SessionOptions: types.DefaultSessionOptions(),
		PersistEvery:   time.Minute,
		RetireOnStatusCodes: map[int]bool{
			401: true,
			403: true,
			429: true,
		},
	}
}

// Pool selects and recycles Sessions.
type Pool struct {
	opts   Options
	store  kvstore.KVStore
	logger *slog.Logger

	backing pool.Pool[*types.Session]

	mu       sync.Mutex
	sessions map[string]*types.Session
	order    []string // creation order, oldest first, for eviction
	nextID   uint64
}

// New creates a Session Pool. The caller must call Start before use.
func New(opts Options, store kvstore.KVStore, logger *slog.Logger) (*Pool, error) {
	p := &Pool{
		opts:     opts,
		store:    store,
		logger:   logger.With("component", "session_pool"),
		sessions: make(map[string]*types.Session),
	}

	creator := func() (*types.Session, error) {
		return p.newSession(), nil
	}
	destroyer := func(s *types.Session) error {
		s.Retire()
		return nil
	}

	backing, err := pool.NewPool[*types.Session](creator, destroyer, 0, opts.MaxPoolSize, 5)
	if err != nil {
		return nil, fmt.Errorf("create session backing pool: %w", err)
	}
	p.backing = backing
	return p, nil
}

// Start initializes the backing pool.
func (p *Pool) Start() error {
	return p.backing.Start()
}

// Close persists final state and drains the backing pool.
func (p *Pool) Close(ctx context.Context) error {
	if err := p.Persist(ctx); err != nil {
		p.logger.Warn("failed to persist session pool on close", "err", err)
	}
	return p.backing.Close()
}

func (p *Pool) newSession() *types.Session {
	p.mu.Lock()
	p.nextID++
	id := fmt.Sprintf("session_%d", p.nextID)
	p.mu.Unlock()

	s := types.NewSession(id, p.opts.SessionOptions)

	p.mu.Lock()
	p.sessions[id] = s
	p.order = append(p.order, id)
	p.mu.Unlock()
	return s
}

// GetSession selects a session per spec §4.3's policy: below capacity,
// create a new one with probability proportional to available headroom;
// otherwise sample uniformly among currently-usable sessions, creating one
// (possibly evicting the oldest unusable) if none are usable.
func (p *Pool) GetSession() (*types.Session, error) {
	capacity := p.backing.Max()
	current := p.backing.Current()

	if current < capacity {
		prob := float64(capacity-current) / float64(capacity)
		if rand.Float64() < prob {
			return p.checkoutNew()
		}
	}

	if s, ok := p.sampleUsable(); ok {
		return s, nil
	}

	p.evictOldestUnusable()
	return p.checkoutNew()
}

func (p *Pool) checkoutNew() (*types.Session, error) {
	s, err := p.backing.Checkout()
	if err != nil {
		return nil, fmt.Errorf("checkout session: %w", err)
	}
	return s, nil
}

func (p *Pool) sampleUsable() (*types.Session, bool) {
	p.mu.Lock()
	candidates := make([]*types.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.IsUsable() {
			candidates = append(candidates, s)
		}
	}
	p.mu.Unlock()

	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

func (p *Pool) evictOldestUnusable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, id := range p.order {
		s, ok := p.sessions[id]
		if !ok {
			continue
		}
		if !s.IsUsable() {
			delete(p.sessions, id)
			p.order = append(p.order[:i], p.order[i+1:]...)
			p.backing.Delete(s)
			return
		}
	}
}

// SessionByID returns the live session with the given id, if present and
// still usable — used to honor a request's pinned SessionID.
func (p *Pool) SessionByID(id string) (*types.Session, bool) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	p.mu.Unlock()
	if !ok || !s.IsUsable() {
		return nil, false
	}
	return s, true
}

// RetireOnBlockedStatusCode retires s if code is one of the configured
// blocked-status codes (default 401, 403, 429).
func (p *Pool) RetireOnBlockedStatusCode(s *types.Session, code int) {
	if p.opts.RetireOnStatusCodes[code] {
		s.Retire()
	}
}

// snapshot is the persisted record for the whole pool.
type poolSnapshot struct {
	Sessions []types.SessionSnapshot `json:"sessions"`
}

// Persist serializes the full pool state.
func (p *Pool) Persist(ctx context.Context) error {
	p.mu.Lock()
	snaps := make([]types.SessionSnapshot, 0, len(p.sessions))
	for _, id := range p.order {
		if s, ok := p.sessions[id]; ok {
			snaps = append(snaps, s.Snapshot())
		}
	}
	p.mu.Unlock()

	data, err := json.Marshal(poolSnapshot{Sessions: snaps})
	if err != nil {
		return fmt.Errorf("encode session pool checkpoint: %w", err)
	}
	return p.store.Set(ctx, kvstore.KeySessionPoolState, data)
}

// Restore repopulates the pool from a persisted snapshot, dropping
// sessions whose expiry has passed.
func (p *Pool) Restore(ctx context.Context) error {
	data, ok, err := p.store.Get(ctx, kvstore.KeySessionPoolState)
	if err != nil {
		return fmt.Errorf("load session pool checkpoint: %w", err)
	}
	if !ok {
		return nil
	}
	var snap poolSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode session pool checkpoint: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	restored := 0
	for _, ss := range snap.Sessions {
		s := types.RestoreSession(ss, p.opts.SessionOptions)
		if s == nil {
			continue
		}
		p.sessions[s.ID] = s
		p.order = append(p.order, s.ID)
		restored++
	}
	p.logger.Info("restored session pool", "count", restored, "dropped", len(snap.Sessions)-restored)
	return nil
}

// PersistLoop persists on a fixed cadence until ctx is cancelled.
func (p *Pool) PersistLoop(ctx context.Context) {
	if p.opts.PersistEvery <= 0 {
		return
	}
	ticker := time.NewTicker(p.opts.PersistEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Persist(ctx); err != nil {
				p.logger.Warn("periodic session pool persist failed", "err", err)
			}
		}
	}
}

// Size returns the current live session count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
