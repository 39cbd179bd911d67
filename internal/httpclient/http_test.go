package httpclient

import (
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/riftwalk/crawlkit/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>hi</body></html>"))
	}))
	defer srv.Close()

	c := New(DefaultOptions(), testLogger())
	defer c.Close()

	req, _ := types.NewRequest(srv.URL)
	resp, err := c.Fetch(t.Context(), req, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "<html><body>hi</body></html>" {
		t.Errorf("unexpected body: %s", resp.Body)
	}
}

func TestClientFetchGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("compressed body"))
		gz.Close()
	}))
	defer srv.Close()

	c := New(DefaultOptions(), testLogger())
	defer c.Close()

	req, _ := types.NewRequest(srv.URL)
	resp, err := c.Fetch(t.Context(), req, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "compressed body" {
		t.Errorf("expected decompressed body, got %q", resp.Body)
	}
}

func TestClientFetch429RetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(429)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	c := New(DefaultOptions(), testLogger())
	defer c.Close()

	req, _ := types.NewRequest(srv.URL)
	_, err := c.Fetch(t.Context(), req, "", nil)
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	cerr, ok := err.(*types.CrawlError)
	if !ok {
		t.Fatalf("expected *types.CrawlError, got %T", err)
	}
	if cerr.Kind != types.KindBlockedStatus {
		t.Errorf("expected KindBlockedStatus, got %v", cerr.Kind)
	}
	if cerr.RetryAfter != 2*time.Second {
		t.Errorf("expected 2s retry-after, got %v", cerr.RetryAfter)
	}
	if !cerr.IsRetryable() {
		t.Error("expected 429 to be retryable")
	}
}

func TestClientFetch500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	c := New(DefaultOptions(), testLogger())
	defer c.Close()

	req, _ := types.NewRequest(srv.URL)
	_, err := c.Fetch(t.Context(), req, "", nil)
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	cerr := err.(*types.CrawlError)
	if cerr.StatusCode != 500 {
		t.Errorf("expected status 500 recorded, got %d", cerr.StatusCode)
	}
}

func TestClientAppliesSessionCookies(t *testing.T) {
	var receivedCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie("session_id"); err == nil {
			receivedCookie = ck.Value
		}
		http.SetCookie(w, &http.Cookie{Name: "set_by_server", Value: "yes"})
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	sess := types.NewSession("sess-1", types.DefaultSessionOptions())
	u, _ := url.Parse(srv.URL)
	sess.CookieJar().SetCookies(u, []*http.Cookie{{Name: "session_id", Value: "abc123"}})

	c := New(DefaultOptions(), testLogger())
	defer c.Close()

	req, _ := types.NewRequest(srv.URL)
	_, err := c.Fetch(t.Context(), req, "", sess)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receivedCookie != "abc123" {
		t.Errorf("expected server to see session cookie, got %q", receivedCookie)
	}

	got := sess.Cookies(u)
	found := false
	for _, ck := range got {
		if ck.Name == "set_by_server" && ck.Value == "yes" {
			found = true
		}
	}
	if !found {
		t.Error("expected response Set-Cookie to be written back into session jar")
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"empty defaults to 5s", "", 5 * time.Second},
		{"seconds", "10", 10 * time.Second},
		{"capped at 120s", "99999", 120 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseRetryAfter(tt.header)
			if got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	if isRetryableError(nil) {
		t.Error("nil error should not be retryable")
	}
}
