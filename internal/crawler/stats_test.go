package crawler

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/riftwalk/crawlkit/internal/types"
)

func TestStatisticsAdditivity(t *testing.T) {
	s := NewStatistics()

	for i := 0; i < 5; i++ {
		s.RequestsHandled.Add(1)
		s.RecordHandled(200, 10*time.Millisecond)
	}
	navErr := &types.CrawlError{Kind: types.KindNavigation, Err: errors.New("refused")}
	for i := 0; i < 3; i++ {
		s.RecordFinalError(navErr, 4, 50*time.Millisecond)
	}
	s.RecordRetryError(navErr)

	total := s.RequestsHandled.Load() + s.RequestsFailed.Load()
	if total != 8 {
		t.Fatalf("expected handled+failed = 8 at steady state, got %d", total)
	}
	if got := s.RequestsRetried.Load(); got != 1 {
		t.Fatalf("expected one retry recorded, got %d", got)
	}
}

func TestIdenticalErrorsCollapseByFingerprint(t *testing.T) {
	s := NewStatistics()
	errA := &types.CrawlError{Kind: types.KindNavigation, Err: errors.New("connection refused")}
	errB := &types.CrawlError{Kind: types.KindNavigation, Err: errors.New("connection refused")}
	errC := &types.CrawlError{Kind: types.KindTimeout, Err: errors.New("connection refused")}

	s.RecordRetryError(errA)
	s.RecordRetryError(errB)
	s.RecordRetryError(errC)

	snap := s.ExportSnapshot()
	if len(snap.RetryErrors) != 2 {
		t.Fatalf("expected two distinct fingerprints (same kind collapses), got %d: %v",
			len(snap.RetryErrors), snap.RetryErrors)
	}
	if snap.RetryErrors[errA.Fingerprint()] != 2 {
		t.Fatalf("expected the shared fingerprint to count 2, got %d", snap.RetryErrors[errA.Fingerprint()])
	}
}

func TestSnapshotRoundTripIsStable(t *testing.T) {
	s := NewStatistics()
	s.StartTime = time.Now().Add(-time.Minute)
	s.RequestsHandled.Add(3)
	s.RecordHandled(200, 5*time.Millisecond)
	s.RecordHandled(301, 9*time.Millisecond)
	s.RecordRetryError(&types.CrawlError{Kind: types.KindTimeout, Err: errors.New("deadline")})
	s.RecordFinalError(&types.CrawlError{Kind: types.KindBlockedStatus, StatusCode: 429, Err: errors.New("rate limited")}, 3, 20*time.Millisecond)

	first := s.ExportSnapshot()

	restored := NewStatistics()
	restored.LoadSnapshot(first)
	second := restored.ExportSnapshot()

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("persist-load-persist changed the snapshot:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestStatusCodeHistogramCountsBothSuccessAndErrorStatuses(t *testing.T) {
	s := NewStatistics()
	s.RecordHandled(200, time.Millisecond)
	s.RecordHandled(200, time.Millisecond)
	s.RecordFinalError(&types.CrawlError{Kind: types.KindBlockedStatus, StatusCode: 429, Err: errors.New("blocked")}, 1, time.Millisecond)

	hist := s.StatusCodeHistogram()
	if hist[200] != 2 {
		t.Fatalf("expected two 200s, got %d", hist[200])
	}
	if hist[429] != 1 {
		t.Fatalf("expected one 429, got %d", hist[429])
	}
}
