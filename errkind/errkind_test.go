package errkind

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"not found", http.StatusNotFound, true},
		{"forbidden", http.StatusForbidden, true},
		{"legal reasons", http.StatusUnavailableForLegalReasons, true},
		{"ok", http.StatusOK, false},
		{"server error", http.StatusInternalServerError, false},
		{"too many requests", http.StatusTooManyRequests, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.status); got != tt.want {
				t.Errorf("IsTerminal(%d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantKind   string
	}{
		{"404 is terminal", http.StatusNotFound, "terminal"},
		{"403 is terminal", http.StatusForbidden, "terminal"},
		{"500 is transport", http.StatusInternalServerError, "transport"},
		{"503 is transport", http.StatusServiceUnavailable, "transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyStatus("op", tt.status)
			var terminal *Terminal
			isTerminal := errors.As(err, &terminal)
			if tt.wantKind == "terminal" && !isTerminal {
				t.Errorf("ClassifyStatus(%d) = %v, want *Terminal", tt.status, err)
			}
			if tt.wantKind == "transport" && isTerminal {
				t.Errorf("ClassifyStatus(%d) = %v, want *Transport", tt.status, err)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transport is retryable", &Transport{Op: "x", Err: fmt.Errorf("boom")}, true},
		{"terminal is not retryable", &Terminal{Op: "x", Status: 404}, false},
		{"wire schema is not retryable", &WireSchema{Op: "x", Err: fmt.Errorf("bad")}, false},
		{"config invariant is not retryable", &ConfigInvariant{Field: "x", Err: fmt.Errorf("missing")}, false},
		{"db error is retryable", &Db{Op: "x", Err: fmt.Errorf("conn reset")}, true},
		{"plain error is retryable", fmt.Errorf("unknown"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("inner failure")
	wrapped := &Transport{Op: "fetch", Err: inner}
	if !errors.Is(wrapped, inner) {
		t.Errorf("errors.Is(wrapped, inner) = false, want true")
	}

	var target *Transport
	if !errors.As(error(wrapped), &target) {
		t.Errorf("errors.As failed to match *Transport")
	}
}

func TestClassifyNetErr(t *testing.T) {
	err := ClassifyNetErr("fetch_json", fmt.Errorf("connection reset by peer"))
	var transport *Transport
	if !errors.As(err, &transport) {
		t.Fatalf("ClassifyNetErr did not produce *Transport, got %v", err)
	}
	if !IsRetryable(err) {
		t.Errorf("ClassifyNetErr result should be retryable")
	}
}
