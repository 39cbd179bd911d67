package queue

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/riftwalk/crawlkit/internal/kvstore"
	"github.com/riftwalk/crawlkit/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(owner string) *RequestQueue {
	opts := DefaultOptions(owner)
	opts.FinishDelay = 10 * time.Millisecond
	return New(kvstore.NewMemQueueBackend(), opts, testLogger())
}

func mustRequest(t *testing.T, rawURL string) *types.Request {
	t.Helper()
	req, err := types.NewRequest(rawURL)
	if err != nil {
		t.Fatalf("NewRequest(%q): %v", rawURL, err)
	}
	return req
}

func TestAddDeduplicatesByUniqueKey(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue("worker-1")

	first, err := q.Add(ctx, mustRequest(t, "https://example.com/a"), false)
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	if first.WasAlreadyPresent {
		t.Fatalf("expected first add to be novel")
	}

	second, err := q.Add(ctx, mustRequest(t, "https://example.com/a"), false)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if !second.WasAlreadyPresent {
		t.Fatalf("expected duplicate URL to be recognized as already present")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate add returned a different ID: %s vs %s", second.ID, first.ID)
	}
}

func TestFetchNextHonorsForefrontOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue("worker-1")

	if _, err := q.Add(ctx, mustRequest(t, "https://example.com/tail-1"), false); err != nil {
		t.Fatalf("add tail-1: %v", err)
	}
	if _, err := q.Add(ctx, mustRequest(t, "https://example.com/tail-2"), false); err != nil {
		t.Fatalf("add tail-2: %v", err)
	}
	if _, err := q.Add(ctx, mustRequest(t, "https://example.com/forefront"), true); err != nil {
		t.Fatalf("add forefront: %v", err)
	}

	entry, err := q.FetchNext(ctx)
	if err != nil {
		t.Fatalf("fetch next: %v", err)
	}
	if entry == nil {
		t.Fatal("expected a request, got nil")
	}
	if entry.Request.URLString() != "https://example.com/forefront" {
		t.Fatalf("expected forefront request first, got %s", entry.Request.URLString())
	}
}

func TestLockExpiresAndCanBeReclaimed(t *testing.T) {
	ctx := context.Background()
	backend := kvstore.NewMemQueueBackend()
	opts := Options{HeadSize: 100, LockSecs: 1, FinishDelay: 10 * time.Millisecond, OwnerToken: "worker-1"}
	q := New(backend, opts, testLogger())

	if _, err := q.Add(ctx, mustRequest(t, "https://example.com/locked"), false); err != nil {
		t.Fatalf("add: %v", err)
	}

	first, err := q.FetchNext(ctx)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first == nil {
		t.Fatal("expected to lock the request")
	}

	// New treats LockSecs <= 0 as unset, so the shortest lock is 1 second
	// (the 10% jitter rounds to zero at that size); wait past it so the
	// lazy expiry becomes observable.
	time.Sleep(1100 * time.Millisecond)

	second, err := q.FetchNext(ctx)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if second == nil {
		t.Fatal("expected the expired lock to be reclaimable by a second fetch")
	}
	if second.ID != first.ID {
		t.Fatalf("expected to reclaim the same entry, got a different ID: %s vs %s", second.ID, first.ID)
	}
}

func TestIsFinishedRequiresTwoConsecutiveEmptyHeadReads(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue("worker-1")

	finished, err := q.IsFinished(ctx)
	if err != nil {
		t.Fatalf("is finished: %v", err)
	}
	if finished {
		t.Fatal("expected a fresh queue to not report finished instantly")
	}

	time.Sleep(20 * time.Millisecond)
	finished, err = q.IsFinished(ctx)
	if err != nil {
		t.Fatalf("is finished: %v", err)
	}
	if !finished {
		t.Fatal("expected an empty queue to report finished after the delay elapses")
	}
}
