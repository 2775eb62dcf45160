// Package errkind classifies the errors Ena's pipeline can hit into the
// handful of kinds the rest of the system reacts to differently:
// transient network failures get retried, terminal HTTP statuses are
// skipped without retry, malformed wire payloads are logged and
// dropped, and so on.
package errkind

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Transport wraps a retryable network or 5xx-class HTTP failure.
type Transport struct {
	Op  string
	Err error
}

func (e *Transport) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *Transport) Unwrap() error { return e.Err }

// Terminal wraps a status the remote will never change its mind about
// (404, 403, 451): retrying is pointless.
type Terminal struct {
	Op     string
	Status int
}

func (e *Terminal) Error() string {
	return fmt.Sprintf("%s: terminal status %d", e.Op, e.Status)
}

// WireSchema wraps a strict-deserialization rejection: a required field
// was missing or of the wrong shape. The caller skips the record.
type WireSchema struct {
	Op  string
	Err error
}

func (e *WireSchema) Error() string { return fmt.Sprintf("%s: wire schema: %v", e.Op, e.Err) }
func (e *WireSchema) Unwrap() error { return e.Err }

// Db wraps a failed transaction. The caller aborts the current
// thread-update and lets the next poll retry it.
type Db struct {
	Op  string
	Err error
}

func (e *Db) Error() string { return fmt.Sprintf("%s: db: %v", e.Op, e.Err) }
func (e *Db) Unwrap() error { return e.Err }

// Io wraps a media file write failure.
type Io struct {
	Op  string
	Err error
}

func (e *Io) Error() string { return fmt.Sprintf("%s: io: %v", e.Op, e.Err) }
func (e *Io) Unwrap() error { return e.Err }

// ConfigInvariant wraps a fatal startup configuration error.
type ConfigInvariant struct {
	Field string
	Err   error
}

func (e *ConfigInvariant) Error() string {
	return fmt.Sprintf("config invariant violated for %q: %v", e.Field, e.Err)
}
func (e *ConfigInvariant) Unwrap() error { return e.Err }

// terminalStatuses are the HTTP codes that must never be retried.
var terminalStatuses = map[int]bool{
	http.StatusNotFound:            true,
	http.StatusForbidden:           true,
	http.StatusUnavailableForLegalReasons: true,
}

// IsTerminal reports whether status is one the pipeline should never
// retry.
func IsTerminal(status int) bool {
	return terminalStatuses[status]
}

// ClassifyStatus wraps op with a Terminal or Transport error depending
// on the HTTP status code.
func ClassifyStatus(op string, status int) error {
	if IsTerminal(status) {
		return &Terminal{Op: op, Status: status}
	}
	return &Transport{Op: op, Err: fmt.Errorf("http %d", status)}
}

// ClassifyNetErr wraps a low-level network error (timeout, connection
// reset, EOF) as Transport: these are always retryable regardless of
// what stage they happened at.
func ClassifyNetErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Transport{Op: op, Err: err}
	}
	return &Transport{Op: op, Err: err}
}

// IsRetryable reports whether err should be handed to RetryBackoff
// rather than surfaced immediately.
func IsRetryable(err error) bool {
	var terminal *Terminal
	if errors.As(err, &terminal) {
		return false
	}
	var wireErr *WireSchema
	if errors.As(err, &wireErr) {
		return false
	}
	var cfgErr *ConfigInvariant
	if errors.As(err, &cfgErr) {
		return false
	}
	return true
}
