package httpclient

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"ena/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{Interval: 1, MaxPerInterval: 1000, MaxConcurrent: 10})
}

func TestFetchJSONReturnsBody(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Backoff{Base: time.Millisecond, Factor: 2, Max: 10 * time.Millisecond}, testLogger())
	c.http = srv.Client()

	result, err := c.FetchJSON(t.Context(), srv.URL, testLimiter(), CacheKey{})
	if err != nil {
		t.Fatalf("FetchJSON() error = %v", err)
	}
	if string(result.Body) != `{"ok":true}` {
		t.Errorf("FetchJSON() body = %q, want %q", result.Body, `{"ok":true}`)
	}
	if result.Cache.ETag != `"abc"` {
		t.Errorf("FetchJSON() cache etag = %q, want %q", result.Cache.ETag, `"abc"`)
	}
}

func TestFetchJSONNotModified(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		t.Errorf("expected conditional request with If-None-Match")
	}))
	defer srv.Close()

	c := New(Backoff{Base: time.Millisecond, Factor: 2, Max: 10 * time.Millisecond}, testLogger())
	c.http = srv.Client()

	result, err := c.FetchJSON(t.Context(), srv.URL, testLimiter(), CacheKey{ETag: `"abc"`})
	if err != nil {
		t.Fatalf("FetchJSON() error = %v", err)
	}
	if !result.NotModified {
		t.Error("FetchJSON() NotModified = false, want true")
	}
}

func TestFetchJSONTerminalStatusNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Backoff{Base: time.Millisecond, Factor: 2, Max: 50 * time.Millisecond}, testLogger())
	c.http = srv.Client()

	_, err := c.FetchJSON(t.Context(), srv.URL, testLimiter(), CacheKey{})
	if err == nil {
		t.Fatal("FetchJSON() expected error for 404, got nil")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("FetchJSON() made %d attempts for a terminal status, want 1", got)
	}
}

func TestFetchJSONTransientStatusIsRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Backoff{Base: time.Millisecond, Factor: 2, Max: 100 * time.Millisecond}, testLogger())
	c.http = srv.Client()

	result, err := c.FetchJSON(t.Context(), srv.URL, testLimiter(), CacheKey{})
	if err != nil {
		t.Fatalf("FetchJSON() error = %v", err)
	}
	if string(result.Body) != "{}" {
		t.Errorf("FetchJSON() body = %q, want %q", result.Body, "{}")
	}
	if got := atomic.LoadInt32(&attempts); got < 3 {
		t.Errorf("FetchJSON() made %d attempts, want at least 3", got)
	}
}

func TestFetchJSONHonorsRetryAfter(t *testing.T) {
	var attempts int32
	var firstAttempt time.Time
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			firstAttempt = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if time.Since(firstAttempt) < 500*time.Millisecond {
			t.Errorf("retry fired after only %v, want to honor Retry-After: 1s", time.Since(firstAttempt))
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Backoff{Base: time.Millisecond, Factor: 2, Max: 5 * time.Second}, testLogger())
	c.http = srv.Client()

	if _, err := c.FetchJSON(t.Context(), srv.URL, testLimiter(), CacheKey{}); err != nil {
		t.Fatalf("FetchJSON() error = %v", err)
	}
}

func TestFetchJSONRejectsPlaintext(t *testing.T) {
	c := New(Backoff{Base: time.Millisecond, Factor: 2, Max: 10 * time.Millisecond}, testLogger())
	if _, err := c.FetchJSON(t.Context(), "http://example.com/threads.json", testLimiter(), CacheKey{}); err == nil {
		t.Error("FetchJSON() should reject a plaintext URL")
	}
}

func TestFetchMediaReturnsBytes(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("binarydata"))
	}))
	defer srv.Close()

	c := New(Backoff{Base: time.Millisecond, Factor: 2, Max: 10 * time.Millisecond}, testLogger())
	c.http = srv.Client()

	result, err := c.FetchMedia(t.Context(), srv.URL, testLimiter())
	if err != nil {
		t.Fatalf("FetchMedia() error = %v", err)
	}
	if string(result.Bytes) != "binarydata" {
		t.Errorf("FetchMedia() bytes = %q, want %q", result.Bytes, "binarydata")
	}
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, Max: 5 * time.Second}
	if got := b.delay(10); got != 5*time.Second {
		t.Errorf("delay(10) = %v, want capped at %v", got, 5*time.Second)
	}
}

func TestBackoffAttemptsRespectsMax(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, Max: 4 * time.Second}
	if got := b.attempts(); got < 2 {
		t.Errorf("attempts() = %d, want at least 2 for base=1s max=4s factor=2", got)
	}
}

func TestParseRetryAfterNumeric(t *testing.T) {
	if got := parseRetryAfter("5"); got != 5*time.Second {
		t.Errorf("parseRetryAfter(%q) = %v, want %v", "5", got, 5*time.Second)
	}
}

func TestParseRetryAfterEmpty(t *testing.T) {
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("parseRetryAfter(\"\") = %v, want 0", got)
	}
}
