package proxy

import (
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func twoTierProvider(t *testing.T, opts Options) *Provider {
	t.Helper()
	tiers := []Tier{
		{URLs: []*url.URL{mustURL(t, "http://cheap-1:8080"), mustURL(t, "http://cheap-2:8080")}},
		{URLs: []*url.URL{mustURL(t, "http://residential-1:8080")}},
	}
	return New(tiers, opts, testLogger())
}

func TestSelectRoundRobinCyclesWithinTier(t *testing.T) {
	p := twoTierProvider(t, DefaultOptions())

	first, err := p.Select("example.com", "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	second, err := p.Select("example.com", "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if first.String() == second.String() {
		t.Fatalf("expected round robin to alternate URLs, got %s twice", first)
	}

	third, err := p.Select("example.com", "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if third.String() != first.String() {
		t.Fatalf("expected round robin to cycle back to %s, got %s", first, third)
	}
}

func TestRepeatedErrorsEscalateTierPerHost(t *testing.T) {
	opts := DefaultOptions()
	opts.EscalateAt = 3
	p := twoTierProvider(t, opts)

	if tier := p.TierFor("example.com"); tier != 0 {
		t.Fatalf("expected a fresh host to start at tier 0, got %d", tier)
	}

	for i := 0; i < 4; i++ {
		p.MarkError("example.com")
	}

	if tier := p.TierFor("example.com"); tier != 1 {
		t.Fatalf("expected the host to escalate to tier 1 after repeated errors, got %d", tier)
	}
	if tier := p.TierFor("other.com"); tier != 0 {
		t.Fatalf("expected an unrelated host to stay at tier 0, got %d", tier)
	}
}

func TestErrorScoreDecaysBackDown(t *testing.T) {
	opts := DefaultOptions()
	opts.EscalateAt = 3
	opts.DecayHalfLife = 5 * time.Millisecond
	p := twoTierProvider(t, opts)

	for i := 0; i < 4; i++ {
		p.MarkError("example.com")
	}
	if tier := p.TierFor("example.com"); tier != 1 {
		t.Fatalf("expected escalation to tier 1, got %d", tier)
	}

	// Several half-lives with no new errors should drift the host back to
	// the preferred tier.
	time.Sleep(50 * time.Millisecond)

	if tier := p.TierFor("example.com"); tier != 0 {
		t.Fatalf("expected the decayed host to return to tier 0, got %d", tier)
	}
}

func TestSessionBoundRotationSticksToOneURL(t *testing.T) {
	opts := DefaultOptions()
	opts.Rotation = SessionBound
	p := twoTierProvider(t, opts)

	first, err := p.Select("example.com", "session_1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := p.Select("example.com", "session_1")
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if again.String() != first.String() {
			t.Fatalf("expected session_1 to stay bound to %s, got %s", first, again)
		}
	}
}

func TestSelectWithNoTiersReturnsNil(t *testing.T) {
	p := New(nil, DefaultOptions(), testLogger())
	u, err := p.Select("example.com", "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if u != nil {
		t.Fatalf("expected nil URL from an unconfigured provider, got %s", u)
	}
}
