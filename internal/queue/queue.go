// Package queue implements the Request Queue (spec §4.1): a deduplicating,
// order-preserving, lock-enabled work store layered over a kvstore.QueueBackend.
// The backend owns per-entry storage and locking; RequestQueue adds the
// consistency-head cache, isFinished delay logic, and retry-with-backoff on
// transient backend errors, mirroring the split between backend and
// higher-level queue logic in the teacher's engine/frontier.go.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/riftwalk/crawlkit/internal/kvstore"
	"github.com/riftwalk/crawlkit/internal/types"
)

const (
	defaultHeadSize   = 100
	defaultLockSecs   = 30
	maxBackendRetries = 5
	finishDelay       = 3 * time.Second
)

// Options configures a RequestQueue.
type Options struct {
	HeadSize    int           // consistency-head cache size, K >= 100
	LockSecs    int           // default fetchNext lock duration
	FinishDelay time.Duration // delay before a second empty-head read counts toward isFinished
	OwnerToken  string        // this worker's lock-owner identity
}

func DefaultOptions(owner string) Options {
	return Options{HeadSize: defaultHeadSize, LockSecs: defaultLockSecs, FinishDelay: finishDelay, OwnerToken: owner}
}

// AddOutcome mirrors the spec's add() result shape.
type AddOutcome struct {
	ID                string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

// RequestQueue is the crawl-facing API over a QueueBackend.
type RequestQueue struct {
	backend kvstore.QueueBackend
	opts    Options
	logger  *slog.Logger

	mu              sync.Mutex
	head            []kvstore.QueueEntry
	headFetchedAt   time.Time
	lastModifiedAt  time.Time
	firstEmptyAt    time.Time
	haveFirstEmpty  bool
}

// New creates a RequestQueue over backend.
func New(backend kvstore.QueueBackend, opts Options, logger *slog.Logger) *RequestQueue {
	if opts.HeadSize <= 0 {
		opts.HeadSize = defaultHeadSize
	}
	if opts.LockSecs <= 0 {
		opts.LockSecs = defaultLockSecs
	}
	if opts.FinishDelay <= 0 {
		opts.FinishDelay = finishDelay
	}
	return &RequestQueue{backend: backend, opts: opts, logger: logger.With("component", "request_queue")}
}

func withBackendRetry[T any](ctx context.Context, logger *slog.Logger, op string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < maxBackendRetries; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		logger.Warn("queue backend call failed, retrying", "op", op, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return zero, &types.CrawlError{Kind: types.KindQueueBackend, Err: fmt.Errorf("%s: %w", op, lastErr), Retryable: false}
}

// Add inserts a single request. Idempotent on UniqueKey.
func (q *RequestQueue) Add(ctx context.Context, req *types.Request, forefront bool) (AddOutcome, error) {
	res, err := withBackendRetry(ctx, q.logger, "add_request", func() (kvstore.AddResult, error) {
		return q.backend.AddRequest(ctx, req, forefront)
	})
	if err != nil {
		return AddOutcome{}, err
	}
	q.resetFinishTracking()
	return AddOutcome{ID: res.ID, WasAlreadyPresent: res.WasAlreadyPresent, WasAlreadyHandled: res.WasAlreadyHandled}, nil
}

// AddBatch chunks reqs into slices of at most 1000 and commits each
// atomically, in order and synchronously; it returns only after every
// slice is committed (or one fails), with the outcomes of all slices. No
// slice is committed in the background.
func (q *RequestQueue) AddBatch(ctx context.Context, reqs []*types.Request, forefront bool) ([]AddOutcome, error) {
	const chunkSize = 1000
	out := make([]AddOutcome, 0, len(reqs))
	for start := 0; start < len(reqs); start += chunkSize {
		end := start + chunkSize
		if end > len(reqs) {
			end = len(reqs)
		}
		chunk := reqs[start:end]
		results, err := withBackendRetry(ctx, q.logger, "batch_add_requests", func() ([]kvstore.AddResult, error) {
			return q.backend.BatchAddRequests(ctx, chunk, forefront)
		})
		if err != nil {
			return out, err
		}
		for _, r := range results {
			out = append(out, AddOutcome{ID: r.ID, WasAlreadyPresent: r.WasAlreadyPresent, WasAlreadyHandled: r.WasAlreadyHandled})
		}
	}
	q.resetFinishTracking()
	return out, nil
}

// FetchNext returns the next pending, unlocked request, locked for
// lockSecs under this queue's owner token. Returns nil, nil if empty. The
// cached head (refilled from the backend when exhausted) only informs
// IsFinished bookkeeping; the actual claim is always a fresh,
// atomic ListAndLockHead call so no two workers can lock the same entry.
func (q *RequestQueue) FetchNext(ctx context.Context) (*kvstore.QueueEntry, error) {
	locked, err := withBackendRetry(ctx, q.logger, "list_and_lock_head", func() ([]kvstore.QueueEntry, error) {
		return q.backend.ListAndLockHead(ctx, 1, q.jitteredLockSecs(), q.opts.OwnerToken)
	})
	if err != nil {
		return nil, err
	}
	if len(locked) == 0 {
		if err := q.refillHead(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}
	q.resetFinishTracking()
	result := locked[0]
	return &result, nil
}

type headRead struct {
	entries    []kvstore.QueueEntry
	modifiedAt time.Time
}

func (q *RequestQueue) refillHead(ctx context.Context) error {
	read, err := withBackendRetry(ctx, q.logger, "list_head", func() (headRead, error) {
		entries, modifiedAt, err := q.backend.ListHead(ctx, q.opts.HeadSize)
		return headRead{entries: entries, modifiedAt: modifiedAt}, err
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.head = read.entries
	q.headFetchedAt = time.Now()
	if len(read.entries) == 0 {
		q.lastModifiedAt = read.modifiedAt
		if !q.haveFirstEmpty {
			q.haveFirstEmpty = true
			q.firstEmptyAt = time.Now()
		}
	} else {
		q.resetFinishTrackingLocked()
	}
	return nil
}

func (q *RequestQueue) resetFinishTracking() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetFinishTrackingLocked()
}

func (q *RequestQueue) resetFinishTrackingLocked() {
	q.haveFirstEmpty = false
}

// MarkHandled marks a previously fetched request as handled, releasing any
// lock implicitly. Fails with ErrNotLocked if this queue's owner token no
// longer holds the entry's lock (it expired and was reclaimed by another
// worker), so a straggling call from a worker that already lost its lock
// can never mark the entry handled out from under its new owner.
func (q *RequestQueue) MarkHandled(ctx context.Context, req *types.Request) error {
	handled := true
	_, err := withBackendRetry(ctx, q.logger, "update_request", func() (struct{}, error) {
		return struct{}{}, q.backend.UpdateRequest(ctx, req.ID, q.opts.OwnerToken, kvstore.UpdateFields{Handled: &handled, Request: req})
	})
	return err
}

// Reclaim releases the lock on req and re-queues it, at the front if
// forefront is set.
func (q *RequestQueue) Reclaim(ctx context.Context, req *types.Request, forefront bool) error {
	_, err := withBackendRetry(ctx, q.logger, "delete_request_lock", func() (struct{}, error) {
		return struct{}{}, q.backend.DeleteRequestLock(ctx, req.ID, q.opts.OwnerToken, forefront)
	})
	if err == nil {
		q.resetFinishTracking()
	}
	return err
}

// ProlongLock extends the lock held on id.
func (q *RequestQueue) ProlongLock(ctx context.Context, id string, lockSecs int) (time.Time, error) {
	return withBackendRetry(ctx, q.logger, "prolong_request_lock", func() (time.Time, error) {
		return q.backend.ProlongRequestLock(ctx, id, q.opts.OwnerToken, lockSecs)
	})
}

// DeleteLock releases a lock without marking the request handled.
func (q *RequestQueue) DeleteLock(ctx context.Context, id string, forefront bool) error {
	_, err := withBackendRetry(ctx, q.logger, "delete_request_lock", func() (struct{}, error) {
		return struct{}{}, q.backend.DeleteRequestLock(ctx, id, q.opts.OwnerToken, forefront)
	})
	return err
}

// IsEmpty reports whether a fresh backend read shows no pending, unlocked
// entries. The cached head is not consulted.
func (q *RequestQueue) IsEmpty(ctx context.Context) (bool, error) {
	entries, _, err := q.backend.ListHead(ctx, 1)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// IsFinished reports true only after a successful empty-head read that was
// issued later than the last modifying write, AND a second empty read
// separated by at least FinishDelay — guarding against a distributed
// backend where writes can appear after insertion.
func (q *RequestQueue) IsFinished(ctx context.Context) (bool, error) {
	readAt := time.Now()
	entries, modifiedAt, err := q.backend.ListHead(ctx, 1)
	if err != nil {
		return false, err
	}
	if len(entries) > 0 {
		q.resetFinishTracking()
		return false, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if modifiedAt.After(q.lastModifiedAt) {
		q.lastModifiedAt = modifiedAt
		q.haveFirstEmpty = false
	}
	if !readAt.After(modifiedAt) {
		return false, nil
	}
	if !q.haveFirstEmpty {
		q.haveFirstEmpty = true
		q.firstEmptyAt = time.Now()
		return false, nil
	}
	return time.Since(q.firstEmptyAt) >= q.opts.FinishDelay, nil
}

// jitteredLockSecs adds +/-10% jitter to the configured lock duration so a
// batch of workers locking simultaneously doesn't expire in lockstep.
func (q *RequestQueue) jitteredLockSecs() int {
	base := q.opts.LockSecs
	delta := int(float64(base) * 0.1 * (rand.Float64()*2 - 1))
	return base + delta
}
