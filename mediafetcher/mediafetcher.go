// Package mediafetcher downloads full images and thumbnails referenced
// by posts, deduplicating concurrent requests for the same
// (board, media_hash, kind) and writing files atomically into an
// Asagi-compatible subdirectory layout.
package mediafetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ena/board"
	"ena/errkind"
	"ena/httpclient"
	"ena/ratelimit"
)

// Store is the subset of Persistence MediaFetcher writes to once a
// download completes.
type Store interface {
	RecordMediaFile(ctx context.Context, boardTag, hash string, kind board.MediaKind, filename string) error
}

// Fetcher services the media job queue. Jobs are coalesced in-memory:
// if a (board, hash, kind) key is already queued or in flight, a
// second submission is dropped rather than triggering a duplicate
// download. This coalescing is jobs-only — it does not survive a
// process restart, which is the accepted data-loss mode spec §4.7
// documents explicitly.
type Fetcher struct {
	client    *httpclient.Client
	limiter   *ratelimit.Limiter
	store     Store
	logger    *slog.Logger
	mediaDir  string
	baseURL   string
	debounce  time.Duration

	mu      sync.Mutex
	pending map[string]bool

	jobs       chan board.MediaJob
	wg         sync.WaitGroup // worker goroutines draining jobs
	submitters sync.WaitGroup // in-flight debounce timers from Submit
}

// New builds a Fetcher. workers bounds how many goroutines drain the
// job queue concurrently; actual network concurrency is additionally
// capped by limiter's max_concurrent.
func New(client *httpclient.Client, limiter *ratelimit.Limiter, store Store, logger *slog.Logger, mediaDir, baseURL string, workers int) *Fetcher {
	f := &Fetcher{
		client:   client,
		limiter:  limiter,
		store:    store,
		logger:   logger,
		mediaDir: mediaDir,
		baseURL:  baseURL,
		debounce: 250 * time.Millisecond,
		pending:  make(map[string]bool),
		jobs:     make(chan board.MediaJob, 1024),
	}
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

// Submit enqueues job unless its key is already queued or in flight.
// The debounce delay lets duplicate submissions arriving within the
// same poll tick collapse into the single queued entry rather than
// each independently passing the "not yet in-flight" check and racing
// two downloads — the original implementation's delay-queue behavior.
func (f *Fetcher) Submit(job board.MediaJob) {
	key := job.Key()
	f.mu.Lock()
	if f.pending[key] {
		f.mu.Unlock()
		return
	}
	f.pending[key] = true
	f.mu.Unlock()

	f.submitters.Add(1)
	go func() {
		defer f.submitters.Done()
		time.Sleep(f.debounce)
		f.jobs <- job
	}()
}

// Close drains in-flight submissions and stops accepting new jobs.
// Callers must stop calling Submit before calling Close — it waits for
// debounce timers already in flight to finish sending before closing
// the job channel, so none of them can race a send against the close.
func (f *Fetcher) Close() {
	f.submitters.Wait()
	close(f.jobs)
	f.wg.Wait()
}

func (f *Fetcher) worker() {
	defer f.wg.Done()
	for job := range f.jobs {
		f.run(job)
		f.mu.Lock()
		delete(f.pending, job.Key())
		f.mu.Unlock()
	}
}

func (f *Fetcher) run(job board.MediaJob) {
	ctx := context.Background()
	url := f.sourceURL(job)

	result, err := f.client.FetchMedia(ctx, url, f.limiter)
	if err != nil {
		var terminal *errkind.Terminal
		if errors.As(err, &terminal) {
			f.logger.Info("media permanently unavailable, not requeueing", "board", job.Board, "hash", job.Hash, "kind", job.Kind, "url", url)
			return
		}
		f.logger.Warn("media download failed after retries", "board", job.Board, "hash", job.Hash, "kind", job.Kind, "error", err)
		return
	}

	filename := destFilename(job)
	path := f.destPath(job.Board, filename)
	if err := writeAtomic(path, result.Bytes); err != nil {
		f.logger.Warn("media file write failed", "board", job.Board, "hash", job.Hash, "path", path, "error", &errkind.Io{Op: "write_media", Err: err})
		return
	}

	if err := f.store.RecordMediaFile(ctx, job.Board, job.Hash, job.Kind, filename); err != nil {
		f.logger.Warn("failed to record media file", "board", job.Board, "hash", job.Hash, "error", err)
	}
}

func (f *Fetcher) sourceURL(job board.MediaJob) string {
	if job.Kind == board.MediaThumb {
		return fmt.Sprintf("%s/%s/%ss.jpg", f.baseURL, job.Board, job.TimStamp)
	}
	return fmt.Sprintf("%s/%s/%s%s", f.baseURL, job.Board, job.TimStamp, job.Ext)
}

func destFilename(job board.MediaJob) string {
	if job.Kind == board.MediaThumb {
		return job.TimStamp + "s.jpg"
	}
	return job.TimStamp + job.Ext
}

// destPath builds the Asagi-compatible {b}/{prefix}/{suffix}/{filename}
// subdirectory layout: prefix and suffix are the third- and fourth-last
// and the last two characters of the filename's numeric stem (both "0"
// when the stem is shorter than four characters), spreading files
// across a directory tree instead of one flat directory per board.
func (f *Fetcher) destPath(boardTag, filename string) string {
	stem := filename
	if idx := lastDot(stem); idx >= 0 {
		stem = stem[:idx]
	}
	prefix, suffix := "0", "0"
	if len(stem) >= 4 {
		prefix = stem[len(stem)-4 : len(stem)-2]
		suffix = stem[len(stem)-2:]
	}
	return filepath.Join(f.mediaDir, boardTag, prefix, suffix, filename)
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// writeAtomic writes data to path via a temp file plus rename, so a
// concurrent reader (or a crash mid-write) never observes a partial
// file. Since files are content-addressed by hash, a retried write is
// idempotent — this is what makes invariant 4 (write at most once,
// byte-equal on concurrent attempts) hold even without a full
// distributed lock.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil // already downloaded by a prior attempt
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
