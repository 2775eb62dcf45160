package supervisor

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ena/board"
	"ena/config"
	"ena/httpclient"
	"ena/ratelimit"
	"ena/store"
	"ena/threadfetcher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestToRatelimitConfig(t *testing.T) {
	c := config.RateLimitClass{IntervalSeconds: 2, MaxInterval: 10, MaxConcurrent: 3}
	got := toRatelimitConfig(c)
	if got.Interval != 2 || got.MaxPerInterval != 10 || got.MaxConcurrent != 3 {
		t.Errorf("toRatelimitConfig() = %+v, want fields carried over unchanged", got)
	}
}

type fakePostStore struct{}

func (fakePostStore) GetThreadPosts(ctx context.Context, boardTag string, threadNo uint64) (map[uint64]board.Post, error) {
	return map[uint64]board.Post{}, nil
}

func (fakePostStore) ApplyThreadUpdate(ctx context.Context, u store.ThreadUpdate) error {
	return nil
}

type fakeMediaQueue struct{}

func (fakeMediaQueue) Submit(job board.MediaJob) {}

type noopSticky struct{}

func (noopSticky) MarkSticky(no uint64, sticky bool) {}

// newTestFetcher builds a real *threadfetcher.Fetcher against an
// httptest server that sleeps before responding, so sequencer tests can
// observe real concurrent-vs-serialized Handle() calls end to end.
func newTestFetcher(t *testing.T, delay time.Duration, concurrent, maxConcurrent *int32, mu *sync.Mutex) *threadfetcher.Fetcher {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(concurrent, 1)
		mu.Lock()
		if n > *maxConcurrent {
			*maxConcurrent = n
		}
		mu.Unlock()
		time.Sleep(delay)
		atomic.AddInt32(concurrent, -1)
		_, _ = w.Write([]byte(`{"posts": [{"no": 1, "time": 1, "resto": 0}]}`))
	}))
	t.Cleanup(srv.Close)

	client := httpclient.New(httpclient.Backoff{Base: time.Millisecond, Factor: 2, Max: 10 * time.Millisecond}, testLogger())
	limiter := ratelimit.New(ratelimit.Config{Interval: 1, MaxPerInterval: 1000, MaxConcurrent: 10})
	return threadfetcher.New(client, limiter, fakePostStore{}, fakeMediaQueue{}, testLogger(), srv.URL)
}

// sequencer's core guarantee: two events for the same thread number are
// never handled concurrently (spec §5, §9's per-thread serialization
// design note), even though different thread numbers of the same board
// fetch in parallel.
func TestSequencerSerializesSameThreadEvents(t *testing.T) {
	var concurrent, maxConcurrent int32
	var mu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := newTestFetcher(t, 20*time.Millisecond, &concurrent, &maxConcurrent, &mu)
	seq := newSequencer(ctx, fetcher, threadfetcher.Options{}, noopSticky{}, testLogger())

	for i := 0; i < 5; i++ {
		seq.submit(board.Event{Board: "g", No: 1, Kind: board.EventModified, LastModified: time.Now()})
	}
	seq.close()

	if maxConcurrent > 1 {
		t.Errorf("sequencer allowed %d concurrent Handle() calls for thread 1, want at most 1", maxConcurrent)
	}
}

func TestSequencerAllowsConcurrencyAcrossDifferentThreads(t *testing.T) {
	var concurrent, maxConcurrent int32
	var mu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := newTestFetcher(t, 50*time.Millisecond, &concurrent, &maxConcurrent, &mu)
	seq := newSequencer(ctx, fetcher, threadfetcher.Options{}, noopSticky{}, testLogger())

	for _, no := range []uint64{1, 2, 3} {
		seq.submit(board.Event{Board: "g", No: no, Kind: board.EventModified, LastModified: time.Now()})
	}
	seq.close()

	if maxConcurrent < 2 {
		t.Errorf("sequencer serialized Handle() across distinct threads (max concurrent = %d), want parallel fetches across threads", maxConcurrent)
	}
}
