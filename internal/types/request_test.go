package types

import (
	"net/http"
	"testing"
)

func TestCanonicalizeURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"strips fragment", "https://example.com/a#section", "https://example.com/a"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"keeps non-default port", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"sorts query params", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"trims trailing slash", "https://example.com/a/", "https://example.com/a"},
		{"keeps root slash", "https://example.com/", "https://example.com/"},
		{"adds root path", "https://example.com", "https://example.com/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanonicalizeURL(tc.in); got != tc.want {
				t.Fatalf("CanonicalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestUniqueKeyDistinguishesMethods(t *testing.T) {
	get, err := NewRequest("https://example.com/form")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	post, err := NewRequest("https://example.com/form")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	post.Method = http.MethodPost
	post.UniqueKey = post.ComputeUniqueKey()

	if get.EffectiveUniqueKey() == post.EffectiveUniqueKey() {
		t.Fatal("expected GET and POST to the same URL to have distinct unique keys")
	}
}

func TestUniqueKeyEqualForEquivalentURLs(t *testing.T) {
	a, _ := NewRequest("https://Example.com:443/a?x=1&y=2#frag")
	b, _ := NewRequest("https://example.com/a?y=2&x=1")
	if a.EffectiveUniqueKey() != b.EffectiveUniqueKey() {
		t.Fatalf("expected equivalent URLs to share a unique key: %q vs %q",
			a.EffectiveUniqueKey(), b.EffectiveUniqueKey())
	}
}

func TestCallerAssignedUniqueKeyWins(t *testing.T) {
	req, _ := NewRequest("https://example.com/a")
	req.UniqueKey = "custom-key"
	if got := req.EffectiveUniqueKey(); got != "custom-key" {
		t.Fatalf("expected the caller's unique key to take precedence, got %q", got)
	}
}

func TestCloneIsIndependentOfTheOriginal(t *testing.T) {
	req, _ := NewRequest("https://example.com/a")
	req.Headers.Set("X-Token", "original")
	req.UserData["page"] = 1
	req.AppendError("first failure")

	clone := req.Clone()
	clone.Headers.Set("X-Token", "changed")
	clone.UserData["page"] = 2
	clone.AppendError("second failure")

	if req.Headers.Get("X-Token") != "original" {
		t.Fatal("mutating the clone's headers leaked into the original")
	}
	if req.UserData["page"] != 1 {
		t.Fatal("mutating the clone's user data leaked into the original")
	}
	if len(req.ErrorMessages) != 1 {
		t.Fatalf("mutating the clone's error log leaked into the original: %v", req.ErrorMessages)
	}
}

func TestRegisteredDomainGroupsSiblingSubdomains(t *testing.T) {
	a, _ := NewRequest("https://shop.example.co.uk/x")
	b, _ := NewRequest("https://blog.example.co.uk/y")
	if a.RegisteredDomain() != b.RegisteredDomain() {
		t.Fatalf("expected sibling subdomains to share a registered domain: %q vs %q",
			a.RegisteredDomain(), b.RegisteredDomain())
	}
	if a.RegisteredDomain() != "example.co.uk" {
		t.Fatalf("expected example.co.uk, got %q", a.RegisteredDomain())
	}
}
