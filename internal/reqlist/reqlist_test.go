package reqlist

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/riftwalk/crawlkit/internal/kvstore"
	"github.com/riftwalk/crawlkit/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, urls ...string) []*types.Request {
	t.Helper()
	reqs := make([]*types.Request, len(urls))
	for i, u := range urls {
		req, err := types.NewRequest(u)
		if err != nil {
			t.Fatalf("NewRequest(%q): %v", u, err)
		}
		reqs[i] = req
	}
	return reqs
}

func TestFetchNextServesInOrderExactlyOnce(t *testing.T) {
	ctx := context.Background()
	reqs := seed(t, "https://example.com/1", "https://example.com/2", "https://example.com/3")
	l := New(reqs, kvstore.NewMemKVStore(), 0, testLogger())

	for i, want := range reqs {
		got, err := l.FetchNext(ctx)
		if err != nil {
			t.Fatalf("FetchNext[%d]: %v", i, err)
		}
		if got == nil || got.URLString() != want.URLString() {
			t.Fatalf("FetchNext[%d] = %v, want %s", i, got, want.URLString())
		}
	}

	extra, err := l.FetchNext(ctx)
	if err != nil {
		t.Fatalf("FetchNext beyond end: %v", err)
	}
	if extra != nil {
		t.Fatalf("expected no more requests, got %v", extra)
	}
}

func TestReclaimReservesRequestForRefetch(t *testing.T) {
	ctx := context.Background()
	reqs := seed(t, "https://example.com/1", "https://example.com/2")
	l := New(reqs, kvstore.NewMemKVStore(), 0, testLogger())

	first, err := l.FetchNext(ctx)
	if err != nil {
		t.Fatalf("FetchNext: %v", err)
	}
	if err := l.Reclaim(ctx, first); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}

	if l.IsFinished() {
		t.Fatal("expected list to not be finished after a reclaim")
	}

	again, err := l.FetchNext(ctx)
	if err != nil {
		t.Fatalf("FetchNext after reclaim: %v", err)
	}
	if again == nil || again.URLString() != first.URLString() {
		t.Fatalf("expected reclaimed request to be re-served, got %v", again)
	}
}

func TestIsFinishedRequiresEveryEntryHandled(t *testing.T) {
	ctx := context.Background()
	reqs := seed(t, "https://example.com/1", "https://example.com/2")
	l := New(reqs, kvstore.NewMemKVStore(), 0, testLogger())

	r1, _ := l.FetchNext(ctx)
	r2, _ := l.FetchNext(ctx)

	if l.IsFinished() {
		t.Fatal("expected list not finished while requests are still in progress")
	}

	if err := l.MarkHandled(ctx, r1); err != nil {
		t.Fatalf("MarkHandled r1: %v", err)
	}
	if l.IsFinished() {
		t.Fatal("expected list not finished with one request still in progress")
	}

	if err := l.MarkHandled(ctx, r2); err != nil {
		t.Fatalf("MarkHandled r2: %v", err)
	}
	if !l.IsFinished() {
		t.Fatal("expected list finished once every request is handled")
	}
}

func TestRestoreReservesInProgressEntries(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemKVStore()
	reqs := seed(t, "https://example.com/1", "https://example.com/2")

	l := New(reqs, store, 0, testLogger())
	if _, err := l.FetchNext(ctx); err != nil {
		t.Fatalf("FetchNext: %v", err)
	}
	if err := l.Persist(ctx); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	restored := New(seed(t, "https://example.com/1", "https://example.com/2"), store, 0, testLogger())
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if restored.IsFinished() {
		t.Fatal("expected restored list to still have work")
	}
	got, err := restored.FetchNext(ctx)
	if err != nil {
		t.Fatalf("FetchNext after restore: %v", err)
	}
	if got == nil || got.URLString() != "https://example.com/1" {
		t.Fatalf("expected the in-progress entry to be re-served first, got %v", got)
	}
}
