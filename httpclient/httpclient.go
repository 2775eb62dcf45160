// Package httpclient wraps an HTTPS client with the caching, rate
// limiting and retry semantics Ena's fetchers need: conditional GET
// against a caller-maintained ETag/Last-Modified pair, one rate-limit
// class per call, and an exponential backoff schedule that treats
// 404/403/451 as terminal rather than retryable.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"ena/errkind"
	"ena/ratelimit"
)

// Backoff configures RetryBackoff (spec §4.2): attempt k sleeps at
// least Base*Factor^k seconds; retrying stops once the next sleep
// would exceed Max, or Max is zero.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// attempts returns the number of tries (including the first) Backoff
// allows before the next delay would exceed Max.
func (b Backoff) attempts() uint {
	if b.Max <= 0 {
		return 1
	}
	n := uint(1)
	delay := b.Base
	for delay <= b.Max {
		n++
		delay = time.Duration(float64(delay) * b.Factor)
		if n > 64 { // pathological config guard, never legitimately reached
			break
		}
	}
	return n
}

func (b Backoff) delay(n uint) time.Duration {
	d := float64(b.Base) * pow(b.Factor, float64(n))
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// CacheKey is the ETag/Last-Modified pair a caller persists between
// polls of the same resource and passes back in on the next call.
type CacheKey struct {
	ETag         string
	LastModified string
}

// JSONResult is the outcome of FetchJSON.
type JSONResult struct {
	NotModified  bool
	Body         []byte
	LastModified time.Time
	Cache        CacheKey
}

// Client is Ena's HTTP surface. One Client is shared across all boards;
// rate limiting is applied per call via the *ratelimit.Limiter the
// caller passes in, so a single Client can serve every request class.
type Client struct {
	http    *http.Client
	backoff Backoff
	logger  *slog.Logger
}

// New builds a Client. HTTPS is enforced by FetchJSON and FetchMedia
// refusing any URL that does not start with https:// (requireHTTPS);
// the transport's TLS config sets TLS 1.2 as the minimum version.
func New(backoff Backoff, logger *slog.Logger) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		backoff: backoff,
		logger:  logger,
	}
}

// FetchJSON performs a conditional GET, retrying transient failures per
// the backoff schedule and returning a Terminal error uninterpreted for
// 404/403/451 so the caller can skip the record without retry.
func (c *Client) FetchJSON(ctx context.Context, url string, limiter *ratelimit.Limiter, cache CacheKey) (*JSONResult, error) {
	if err := requireHTTPS(url); err != nil {
		return nil, err
	}

	var result *JSONResult
	retryAfter := time.Duration(0)

	err := retry.Do(
		func() error {
			release, err := limiter.Acquire(ctx)
			if err != nil {
				return err
			}
			defer release()

			if retryAfter > 0 {
				select {
				case <-time.After(retryAfter):
				case <-ctx.Done():
					return ctx.Err()
				}
				retryAfter = 0
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("build request: %w", err))
			}
			if cache.ETag != "" {
				req.Header.Set("If-None-Match", cache.ETag)
			}
			if cache.LastModified != "" {
				req.Header.Set("If-Modified-Since", cache.LastModified)
			}

			resp, err := c.http.Do(req)
			if err != nil {
				c.logger.Warn("json fetch failed, will retry", "url", url, "error", err)
				return errkind.ClassifyNetErr("fetch_json", err)
			}
			defer func() {
				if cerr := resp.Body.Close(); cerr != nil {
					c.logger.Warn("failed to close response body", "url", url, "error", cerr)
				}
			}()

			if resp.StatusCode == http.StatusNotModified {
				result = &JSONResult{NotModified: true, Cache: cache}
				return nil
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
				return &errkind.Transport{Op: "fetch_json", Err: fmt.Errorf("http 429")}
			}
			if resp.StatusCode != http.StatusOK {
				return errkind.ClassifyStatus("fetch_json", resp.StatusCode)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return errkind.ClassifyNetErr("fetch_json", err)
			}

			lm := resp.Header.Get("Last-Modified")
			lastModified := time.Now().UTC()
			if lm != "" {
				if parsed, perr := http.ParseTime(lm); perr == nil {
					lastModified = parsed
				}
			}

			result = &JSONResult{
				Body:         body,
				LastModified: lastModified,
				Cache: CacheKey{
					ETag:         resp.Header.Get("ETag"),
					LastModified: lm,
				},
			}
			return nil
		},
		retry.Attempts(c.backoff.attempts()),
		retry.Context(ctx),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return c.backoff.delay(n)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("retrying json fetch", "url", url, "attempt", n, "error", err)
		}),
		retry.RetryIf(errkind.IsRetryable),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MediaResult is the outcome of FetchMedia.
type MediaResult struct {
	Bytes []byte
}

// FetchMedia downloads a media asset. There is no conditional caching:
// media files are content-addressed and immutable once uploaded.
func (c *Client) FetchMedia(ctx context.Context, url string, limiter *ratelimit.Limiter) (*MediaResult, error) {
	if err := requireHTTPS(url); err != nil {
		return nil, err
	}

	var result *MediaResult

	err := retry.Do(
		func() error {
			release, err := limiter.Acquire(ctx)
			if err != nil {
				return err
			}
			defer release()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("build request: %w", err))
			}

			resp, err := c.http.Do(req)
			if err != nil {
				c.logger.Warn("media fetch failed, will retry", "url", url, "error", err)
				return errkind.ClassifyNetErr("fetch_media", err)
			}
			defer func() {
				if cerr := resp.Body.Close(); cerr != nil {
					c.logger.Warn("failed to close response body", "url", url, "error", cerr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				return errkind.ClassifyStatus("fetch_media", resp.StatusCode)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return errkind.ClassifyNetErr("fetch_media", err)
			}
			result = &MediaResult{Bytes: body}
			return nil
		},
		retry.Attempts(c.backoff.attempts()),
		retry.Context(ctx),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return c.backoff.delay(n)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("retrying media fetch", "url", url, "attempt", n, "error", err)
		}),
		retry.RetryIf(errkind.IsRetryable),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func requireHTTPS(url string) error {
	if len(url) < 8 || url[:8] != "https://" {
		return fmt.Errorf("refusing non-HTTPS url: %s", url)
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
