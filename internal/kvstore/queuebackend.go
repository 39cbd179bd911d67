package kvstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/riftwalk/crawlkit/internal/types"
)

// QueueEntry is the backend's view of a request: the Request payload plus
// the bookkeeping fields spec §3 assigns on insertion into a queue.
type QueueEntry struct {
	ID            string
	UniqueKey     string
	Request       *types.Request
	OrderNumber   int64
	Handled       bool
	LockOwner     string
	LockExpiresAt time.Time
}

// IsLocked reports whether the entry currently carries a valid (unexpired)
// lock. Expired locks are lazily treated as absent, per spec §4.1.
func (e *QueueEntry) IsLocked(now time.Time) bool {
	return e.LockOwner != "" && now.Before(e.LockExpiresAt)
}

// UpdateFields is a sparse patch applied via UpdateRequest.
type UpdateFields struct {
	Handled   *bool
	Request   *types.Request // replaces the stored payload, e.g. bumped RetryCount
}

// AddResult is the per-request outcome of AddRequest/BatchAddRequests.
type AddResult struct {
	ID                string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

// QueueBackend is the remote/local storage contract the Request Queue is
// built on (spec §6.2). Implementations must be concurrency-safe per
// entry; listHead reads must expose a modifiedAt timestamp so callers can
// detect writes that raced a consistency check.
type QueueBackend interface {
	AddRequest(ctx context.Context, req *types.Request, forefront bool) (AddResult, error)
	BatchAddRequests(ctx context.Context, reqs []*types.Request, forefront bool) ([]AddResult, error)
	ListHead(ctx context.Context, limit int) (entries []QueueEntry, modifiedAt time.Time, err error)
	ListAndLockHead(ctx context.Context, limit int, lockSecs int, owner string) ([]QueueEntry, error)
	GetRequest(ctx context.Context, id string) (QueueEntry, bool, error)
	UpdateRequest(ctx context.Context, id, owner string, fields UpdateFields) error
	ProlongRequestLock(ctx context.Context, id, owner string, lockSecs int) (time.Time, error)
	DeleteRequestLock(ctx context.Context, id, owner string, forefront bool) error
	DeleteRequest(ctx context.Context, id string) error
}

// MemQueueBackend is the conforming in-memory implementation of
// QueueBackend. It is the default backend used when no remote service is
// configured, and the one exercised by the engine's own test suite.
type MemQueueBackend struct {
	mu         sync.Mutex
	entries    map[string]*QueueEntry
	dedup      map[string]string // uniqueKey -> id
	nextTail   int64
	nextHead   int64
	modifiedAt time.Time
}

// NewMemQueueBackend creates an empty in-memory queue backend.
func NewMemQueueBackend() *MemQueueBackend {
	return &MemQueueBackend{
		entries:    make(map[string]*QueueEntry),
		dedup:      make(map[string]string),
		nextTail:   1,
		nextHead:   -1,
		modifiedAt: time.Now(),
	}
}

func (b *MemQueueBackend) touch() { b.modifiedAt = time.Now() }

// AddRequest inserts a single request, computing its UniqueKey if unset.
// Idempotent: re-adding an already-present UniqueKey returns the existing
// id with WasAlreadyPresent=true and never creates a duplicate entry.
func (b *MemQueueBackend) AddRequest(ctx context.Context, req *types.Request, forefront bool) (AddResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(req, forefront), nil
}

func (b *MemQueueBackend) addLocked(req *types.Request, forefront bool) AddResult {
	key := req.EffectiveUniqueKey()
	if id, ok := b.dedup[key]; ok {
		existing := b.entries[id]
		return AddResult{ID: id, WasAlreadyPresent: true, WasAlreadyHandled: existing.Handled}
	}

	var order int64
	if forefront {
		order = b.nextHead
		b.nextHead--
	} else {
		order = b.nextTail
		b.nextTail++
	}

	// Entry ids are derived from the unique key, so the same request gets
	// the same id on every worker and across restarts.
	id := types.HashUniqueKey(key)
	req.ID = id
	req.UniqueKey = key
	b.entries[id] = &QueueEntry{
		ID:          id,
		UniqueKey:   key,
		Request:     req,
		OrderNumber: order,
	}
	b.dedup[key] = id
	b.touch()
	return AddResult{ID: id}
}

// BatchAddRequests commits the whole slice atomically (a single critical
// section under MemQueueBackend's lock). Forefront-within-a-batch
// preserves input order at the queue head: since forefront order numbers
// are handed out in descending sequence, the first item of the batch ends
// up with the smallest (most negative) order number only if we decrement
// AFTER assigning — so we pre-walk the batch and assign head order numbers
// in reverse to keep the original order at the front.
func (b *MemQueueBackend) BatchAddRequests(ctx context.Context, reqs []*types.Request, forefront bool) ([]AddResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	results := make([]AddResult, len(reqs))
	if !forefront {
		for i, req := range reqs {
			results[i] = b.addLocked(req, false)
		}
		return results, nil
	}

	// Forefront batch: reserve one descending order slot per new request
	// up-front, then assign them in original input order so that input[0]
	// ends up closest to the head.
	seen := make([]bool, len(reqs))
	novel := 0
	for i, req := range reqs {
		if _, ok := b.dedup[req.EffectiveUniqueKey()]; !ok {
			seen[i] = true
			novel++
		}
	}
	// Slots, most-negative first, consumed in input order so reqs[0] gets
	// the smallest order number of the batch.
	slots := make([]int64, novel)
	for i := range slots {
		slots[i] = b.nextHead - int64(novel) + 1 + int64(i)
	}
	b.nextHead -= int64(novel)

	slot := 0
	for i, req := range reqs {
		if !seen[i] {
			results[i] = b.addLocked(req, false) // already present; order irrelevant
			continue
		}
		key := req.EffectiveUniqueKey()
		id := types.HashUniqueKey(key)
		req.ID = id
		req.UniqueKey = key
		b.entries[id] = &QueueEntry{ID: id, UniqueKey: key, Request: req, OrderNumber: slots[slot]}
		b.dedup[key] = id
		slot++
		results[i] = AddResult{ID: id}
	}
	b.touch()
	return results, nil
}

// ListHead returns up to limit not-handled, not-locked entries in order
// number order, plus the timestamp of the last modifying write.
func (b *MemQueueBackend) ListHead(ctx context.Context, limit int) ([]QueueEntry, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headLocked(limit, time.Now()), b.modifiedAt, nil
}

func (b *MemQueueBackend) headLocked(limit int, now time.Time) []QueueEntry {
	candidates := make([]*QueueEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.Handled || e.IsLocked(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].OrderNumber != candidates[j].OrderNumber {
			return candidates[i].OrderNumber < candidates[j].OrderNumber
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]QueueEntry, len(candidates))
	for i, e := range candidates {
		out[i] = *e
	}
	return out
}

// ListAndLockHead atomically reads the head and locks every returned entry
// for lockSecs under owner, so concurrent callers never receive the same
// entry.
func (b *MemQueueBackend) ListAndLockHead(ctx context.Context, limit int, lockSecs int, owner string) ([]QueueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	head := b.headLocked(limit, now)
	expiry := now.Add(time.Duration(lockSecs) * time.Second)
	for i := range head {
		e := b.entries[head[i].ID]
		e.LockOwner = owner
		e.LockExpiresAt = expiry
		head[i] = *e
	}
	if len(head) > 0 {
		b.touch()
	}
	return head, nil
}

// GetRequest returns the current entry for id.
func (b *MemQueueBackend) GetRequest(ctx context.Context, id string) (QueueEntry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return QueueEntry{}, false, nil
	}
	return *e, true, nil
}

// UpdateRequest applies a sparse patch to an entry. Marking Handled=true is
// the terminal transition (spec §4.1's "no lost locks" invariant) and, like
// ProlongRequestLock and DeleteRequestLock, fails unless owner currently
// holds a valid lock on id — otherwise a worker whose lock already expired
// and was handed to someone else could mark the entry handled out from
// under its new owner. Updates that don't touch Handled (sparse payload
// patches by the current lock holder) are not lock-checked.
func (b *MemQueueBackend) UpdateRequest(ctx context.Context, id, owner string, fields UpdateFields) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return types.ErrRequestNotFound
	}
	if fields.Handled != nil && *fields.Handled {
		now := time.Now()
		if e.LockOwner != owner || !e.IsLocked(now) {
			return types.ErrNotLocked
		}
	}
	if fields.Request != nil {
		e.Request = fields.Request
	}
	if fields.Handled != nil {
		e.Handled = *fields.Handled
		if e.Handled {
			e.LockOwner = ""
			e.LockExpiresAt = time.Time{}
		}
	}
	b.touch()
	return nil
}

// ProlongRequestLock extends an existing lock. Fails unless owner
// currently holds a valid lock on id.
func (b *MemQueueBackend) ProlongRequestLock(ctx context.Context, id, owner string, lockSecs int) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return time.Time{}, types.ErrRequestNotFound
	}
	now := time.Now()
	if e.LockOwner != owner || !e.IsLocked(now) {
		return time.Time{}, types.ErrNotLocked
	}
	e.LockExpiresAt = now.Add(time.Duration(lockSecs) * time.Second)
	b.touch()
	return e.LockExpiresAt, nil
}

// DeleteRequestLock releases a lock without marking the entry handled,
// returning it to Pending. If forefront, the entry's order number is
// renumbered to the front so it is retried before tail-ordered work.
func (b *MemQueueBackend) DeleteRequestLock(ctx context.Context, id, owner string, forefront bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return types.ErrRequestNotFound
	}
	now := time.Now()
	if e.LockOwner != owner || !e.IsLocked(now) {
		return types.ErrNotLocked
	}
	e.LockOwner = ""
	e.LockExpiresAt = time.Time{}
	if forefront {
		e.OrderNumber = b.nextHead
		b.nextHead--
	}
	b.touch()
	return nil
}

// DeleteRequest removes an entry entirely (used for test/checkpoint
// cleanup, not part of the steady-state crawl lifecycle).
func (b *MemQueueBackend) DeleteRequest(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return nil
	}
	delete(b.dedup, e.UniqueKey)
	delete(b.entries, id)
	b.touch()
	return nil
}

// Len returns the total number of entries (handled and pending).
func (b *MemQueueBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
