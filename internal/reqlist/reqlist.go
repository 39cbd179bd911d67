// Package reqlist implements the Request List (spec §4.2): a fixed, ordered
// sequence of seed requests served exactly once across restarts. Unlike the
// Request Queue it has no dedup map or remote backend — just an index
// cursor and an in-progress bitmap, persisted wholesale on a configurable
// cadence, mirroring the save/restore shape of the teacher's
// engine/checkpoint.go.
package reqlist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/riftwalk/crawlkit/internal/kvstore"
	"github.com/riftwalk/crawlkit/internal/types"
)

// entryState is the per-index lifecycle: notServed -> inProgress -> handled.
type entryState int

const (
	notServed entryState = iota
	inProgress
	handled
)

// RequestList serves a static, ordered list of requests exactly once.
type RequestList struct {
	mu      sync.Mutex
	reqs    []*types.Request
	states  []entryState
	cursor  int // next index to consider for fetchNext

	store         kvstore.KVStore
	persistKey    string
	persistEvery  time.Duration
	lastPersisted time.Time
	logger        *slog.Logger
}

// snapshot is the persisted record for a Request List: the next never-served
// index plus the in-progress and handled index sets. Loaders tolerate a
// missing handled list (older checkpoints).
type snapshot struct {
	NextIndex  int   `json:"nextIndex"`
	InProgress []int `json:"inProgress"`
	Handled    []int `json:"handled,omitempty"`
}

// New creates a RequestList seeded with reqs, in order.
func New(reqs []*types.Request, store kvstore.KVStore, persistEvery time.Duration, logger *slog.Logger) *RequestList {
	return &RequestList{
		reqs:         reqs,
		states:       make([]entryState, len(reqs)),
		store:        store,
		persistKey:   kvstore.KeyRequestListState,
		persistEvery: persistEvery,
		logger:       logger.With("component", "request_list"),
	}
}

// Restore rebuilds cursor/state from a previously persisted snapshot,
// leaving entries that were in-progress at the last persist marked
// not-served so they will be re-served. This is safe because handlers must
// be idempotent over uniqueKey and the request queue downstream deduplicates.
func (l *RequestList) Restore(ctx context.Context) error {
	data, ok, err := l.store.Get(ctx, l.persistKey)
	if err != nil {
		return fmt.Errorf("load request list checkpoint: %w", err)
	}
	if !ok {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode request list checkpoint: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if snap.NextIndex > len(l.states) {
		l.logger.Warn("request list checkpoint does not fit this seed list, ignoring", "next_index", snap.NextIndex, "list_len", len(l.states))
		return nil
	}
	for _, idx := range snap.Handled {
		if idx >= 0 && idx < len(l.states) {
			l.states[idx] = handled
		}
	}
	// In-progress indices stay not-served so they are re-served: safe
	// because handlers must be idempotent over uniqueKey and the queue
	// deduplicates downstream.
	if n := len(snap.InProgress); n > 0 {
		l.logger.Info("re-serving in-progress requests from checkpoint", "count", n)
	}
	l.cursor = 0
	return nil
}

// FetchNext returns the next not-served request, marking it in-progress.
// Returns nil if none remain.
func (l *RequestList) FetchNext(ctx context.Context) (*types.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := l.cursor; i < len(l.reqs); i++ {
		if l.states[i] == notServed {
			l.states[i] = inProgress
			l.cursor = i + 1
			return l.reqs[i], nil
		}
	}
	// Nothing new past the cursor; a reclaimed index earlier in the list
	// may still be not-served.
	for i := 0; i < len(l.reqs); i++ {
		if l.states[i] == notServed {
			l.states[i] = inProgress
			return l.reqs[i], nil
		}
	}
	return nil, nil
}

// MarkHandled flips in-progress -> handled for req.
func (l *RequestList) MarkHandled(ctx context.Context, req *types.Request) error {
	l.mu.Lock()
	idx, ok := l.indexOf(req)
	if ok {
		l.states[idx] = handled
	}
	l.mu.Unlock()
	return l.maybePersist(ctx, false)
}

// Reclaim returns an in-progress request to not-served so it is served
// again.
func (l *RequestList) Reclaim(ctx context.Context, req *types.Request) error {
	l.mu.Lock()
	idx, ok := l.indexOf(req)
	if ok {
		l.states[idx] = notServed
		if idx < l.cursor {
			l.cursor = idx
		}
	}
	l.mu.Unlock()
	return l.maybePersist(ctx, false)
}

func (l *RequestList) indexOf(req *types.Request) (int, bool) {
	for i, r := range l.reqs {
		if r.EffectiveUniqueKey() == req.EffectiveUniqueKey() {
			return i, true
		}
	}
	return 0, false
}

// IsEmpty reports whether every index has been served at least once (no
// not-served entries remain).
func (l *RequestList) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.states {
		if s == notServed {
			return false
		}
	}
	return true
}

// IsFinished reports whether every index is handled (stronger than
// IsEmpty: no in-progress entries either).
func (l *RequestList) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.states {
		if s != handled {
			return false
		}
	}
	return true
}

// Len returns the total seed count.
func (l *RequestList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reqs)
}

// Persist forces an immediate checkpoint write, bypassing the cadence
// check.
func (l *RequestList) Persist(ctx context.Context) error {
	return l.maybePersist(ctx, true)
}

func (l *RequestList) maybePersist(ctx context.Context, force bool) error {
	l.mu.Lock()
	if !force && l.persistEvery > 0 && time.Since(l.lastPersisted) < l.persistEvery {
		l.mu.Unlock()
		return nil
	}
	snap := snapshot{NextIndex: l.cursor}
	for i, s := range l.states {
		switch s {
		case inProgress:
			snap.InProgress = append(snap.InProgress, i)
		case handled:
			snap.Handled = append(snap.Handled, i)
		}
	}
	l.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode request list checkpoint: %w", err)
	}
	if err := l.store.Set(ctx, l.persistKey, data); err != nil {
		return fmt.Errorf("write request list checkpoint: %w", err)
	}

	l.mu.Lock()
	l.lastPersisted = time.Now()
	l.mu.Unlock()
	return nil
}
