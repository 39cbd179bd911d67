package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riftwalk/crawlkit/internal/types"
)

func mustRequest(t *testing.T, rawURL string) *types.Request {
	t.Helper()
	req, err := types.NewRequest(rawURL)
	if err != nil {
		t.Fatalf("NewRequest(%q): %v", rawURL, err)
	}
	return req
}

func addOne(t *testing.T, b *MemQueueBackend, rawURL string, forefront bool) AddResult {
	t.Helper()
	res, err := b.AddRequest(context.Background(), mustRequest(t, rawURL), forefront)
	if err != nil {
		t.Fatalf("AddRequest(%q): %v", rawURL, err)
	}
	return res
}

func TestForefrontInsertsServeBeforeTailInserts(t *testing.T) {
	ctx := context.Background()
	b := NewMemQueueBackend()

	// Tail A, tail B, forefront C, forefront D: fetch order must be
	// D, C, A, B — later forefront inserts land closer to the head.
	addOne(t, b, "https://x/a", false)
	addOne(t, b, "https://x/b", false)
	addOne(t, b, "https://x/c", true)
	addOne(t, b, "https://x/d", true)

	want := []string{"https://x/d", "https://x/c", "https://x/a", "https://x/b"}
	for i, expected := range want {
		locked, err := b.ListAndLockHead(ctx, 1, 60, "worker-1")
		if err != nil {
			t.Fatalf("lock head: %v", err)
		}
		if len(locked) != 1 {
			t.Fatalf("step %d: expected one entry, got %d", i, len(locked))
		}
		if got := locked[0].Request.URLString(); got != expected {
			t.Fatalf("step %d: expected %s, got %s", i, expected, got)
		}
	}
}

func TestBatchForefrontPreservesInputOrderAtHead(t *testing.T) {
	ctx := context.Background()
	b := NewMemQueueBackend()

	addOne(t, b, "https://x/tail", false)

	batch := []*types.Request{
		mustRequest(t, "https://x/first"),
		mustRequest(t, "https://x/second"),
		mustRequest(t, "https://x/third"),
	}
	if _, err := b.BatchAddRequests(ctx, batch, true); err != nil {
		t.Fatalf("batch add: %v", err)
	}

	head, _, err := b.ListHead(ctx, 10)
	if err != nil {
		t.Fatalf("list head: %v", err)
	}
	want := []string{"https://x/first", "https://x/second", "https://x/third", "https://x/tail"}
	if len(head) != len(want) {
		t.Fatalf("expected %d head entries, got %d", len(want), len(head))
	}
	for i, expected := range want {
		if got := head[i].Request.URLString(); got != expected {
			t.Fatalf("position %d: expected %s, got %s", i, expected, got)
		}
	}
}

func TestBatchCollapsesDuplicatesWithinOneBatch(t *testing.T) {
	ctx := context.Background()
	b := NewMemQueueBackend()

	batch := []*types.Request{
		mustRequest(t, "https://x/1"),
		mustRequest(t, "https://x/1"),
		mustRequest(t, "https://x/2"),
	}
	results, err := b.BatchAddRequests(ctx, batch, false)
	if err != nil {
		t.Fatalf("batch add: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected a result per input, got %d", len(results))
	}
	if results[0].WasAlreadyPresent {
		t.Fatal("expected the first occurrence to be novel")
	}
	if !results[1].WasAlreadyPresent {
		t.Fatal("expected the duplicate to be reported as already present")
	}
	if results[1].ID != results[0].ID {
		t.Fatalf("duplicate got a different ID: %s vs %s", results[1].ID, results[0].ID)
	}
	if b.Len() != 2 {
		t.Fatalf("expected two stored entries, got %d", b.Len())
	}
}

func TestExpiredLockIsHandedToAnotherWorkerAndStaleHandledIsRejected(t *testing.T) {
	ctx := context.Background()
	b := NewMemQueueBackend()
	addOne(t, b, "https://x/contested", false)

	// Worker 1 takes a lock that expires immediately.
	w1, err := b.ListAndLockHead(ctx, 1, 0, "worker-1")
	if err != nil {
		t.Fatalf("worker-1 lock: %v", err)
	}
	if len(w1) != 1 {
		t.Fatal("expected worker-1 to lock the entry")
	}

	time.Sleep(10 * time.Millisecond)

	w2, err := b.ListAndLockHead(ctx, 1, 60, "worker-2")
	if err != nil {
		t.Fatalf("worker-2 lock: %v", err)
	}
	if len(w2) != 1 || w2[0].ID != w1[0].ID {
		t.Fatal("expected worker-2 to receive the entry after the lock expired")
	}

	// Worker 1 coming back later must not be able to mark it handled.
	handled := true
	err = b.UpdateRequest(ctx, w1[0].ID, "worker-1", UpdateFields{Handled: &handled})
	if !errors.Is(err, types.ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked for the stale owner, got %v", err)
	}

	// The current owner can.
	if err := b.UpdateRequest(ctx, w2[0].ID, "worker-2", UpdateFields{Handled: &handled}); err != nil {
		t.Fatalf("expected the valid owner's markHandled to succeed, got %v", err)
	}
}

func TestProlongAndDeleteLockRequireTheOwner(t *testing.T) {
	ctx := context.Background()
	b := NewMemQueueBackend()
	addOne(t, b, "https://x/locked", false)

	locked, err := b.ListAndLockHead(ctx, 1, 60, "worker-1")
	if err != nil || len(locked) != 1 {
		t.Fatalf("lock head: %v (%d entries)", err, len(locked))
	}
	id := locked[0].ID

	if _, err := b.ProlongRequestLock(ctx, id, "intruder", 60); !errors.Is(err, types.ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked for a non-owner prolong, got %v", err)
	}
	if err := b.DeleteRequestLock(ctx, id, "intruder", false); !errors.Is(err, types.ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked for a non-owner delete, got %v", err)
	}

	expiry, err := b.ProlongRequestLock(ctx, id, "worker-1", 120)
	if err != nil {
		t.Fatalf("owner prolong: %v", err)
	}
	if !expiry.After(time.Now().Add(60 * time.Second)) {
		t.Fatalf("expected the prolonged expiry to be well in the future, got %v", expiry)
	}

	if err := b.DeleteRequestLock(ctx, id, "worker-1", true); err != nil {
		t.Fatalf("owner delete lock: %v", err)
	}

	// Forefront reclaim renumbered the entry to the head; it must be
	// fetchable again.
	again, err := b.ListAndLockHead(ctx, 1, 60, "worker-2")
	if err != nil || len(again) != 1 {
		t.Fatalf("expected the reclaimed entry to be fetchable, got err=%v entries=%d", err, len(again))
	}
}

func TestReaddingSameBatchLeavesHeadOrderUnchanged(t *testing.T) {
	ctx := context.Background()
	b := NewMemQueueBackend()

	batch := []*types.Request{
		mustRequest(t, "https://x/1"),
		mustRequest(t, "https://x/2"),
		mustRequest(t, "https://x/3"),
	}
	if _, err := b.BatchAddRequests(ctx, batch, false); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	before, _, err := b.ListHead(ctx, 10)
	if err != nil {
		t.Fatalf("list head: %v", err)
	}

	rebatch := []*types.Request{
		mustRequest(t, "https://x/1"),
		mustRequest(t, "https://x/2"),
		mustRequest(t, "https://x/3"),
	}
	results, err := b.BatchAddRequests(ctx, rebatch, false)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	for i, r := range results {
		if !r.WasAlreadyPresent {
			t.Fatalf("re-ingested element %d was not reported as already present", i)
		}
	}

	after, _, err := b.ListHead(ctx, 10)
	if err != nil {
		t.Fatalf("list head: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("head size changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Fatalf("head order changed at %d: %s -> %s", i, before[i].ID, after[i].ID)
		}
	}
}
