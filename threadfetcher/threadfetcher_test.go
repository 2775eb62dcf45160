package threadfetcher

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"ena/board"
	"ena/httpclient"
	"ena/ratelimit"
	"ena/store"
	"ena/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// should_update's comparison is against the stored previous value, so
// comparing a post to an identical copy of itself must always report
// no update needed — testable property 5.
func TestShouldUpdateIdempotentOnNoChange(t *testing.T) {
	op := wire.Post{No: 1, Resto: 0, Sticky: true, Closed: false, Sub: "hello"}
	old := board.Post{Sticky: true, Closed: false, Sub: "hello", CommentFP: 42}
	fp := uint64(42)
	if shouldUpdate(op, old, fp) {
		t.Error("shouldUpdate() = true for an unchanged post, want false")
	}
}

func TestShouldUpdateDetectsOPFieldChange(t *testing.T) {
	op := wire.Post{No: 1, Resto: 0, Sticky: true, Closed: false, Sub: "hello"}
	old := board.Post{Sticky: false, Closed: false, Sub: "hello", CommentFP: 42}
	if !shouldUpdate(op, old, 42) {
		t.Error("shouldUpdate() = false for a sticky-flag change on the OP, want true")
	}
}

func TestShouldUpdateIgnoresOPFieldChangeOnReply(t *testing.T) {
	reply := wire.Post{No: 2, Resto: 1, Sticky: true, Sub: "hello"}
	old := board.Post{Sticky: false, Sub: "hello", CommentFP: 42}
	if shouldUpdate(reply, old, 42) {
		t.Error("shouldUpdate() = true for a reply's irrelevant OP-only fields, want false")
	}
}

func TestShouldUpdateDetectsFingerprintChange(t *testing.T) {
	p := wire.Post{No: 2, Resto: 1}
	old := board.Post{CommentFP: 1}
	if !shouldUpdate(p, old, 2) {
		t.Error("shouldUpdate() = false for a fingerprint mismatch, want true")
	}
}

func TestShouldUpdateDetectsSpoilerFlipOnMedia(t *testing.T) {
	p := wire.Post{No: 2, Resto: 1, HasMedia: true, Spoiler: true}
	old := board.Post{CommentFP: 5, Spoiler: false}
	if !shouldUpdate(p, old, 5) {
		t.Error("shouldUpdate() = false for a spoiler flip on a media post, want true")
	}
}

func TestShouldUpdateIgnoresSpoilerFlipWithoutMedia(t *testing.T) {
	p := wire.Post{No: 2, Resto: 1, HasMedia: false, Spoiler: true}
	old := board.Post{CommentFP: 5, Spoiler: false}
	if shouldUpdate(p, old, 5) {
		t.Error("shouldUpdate() = true for a spoiler flip on a non-media post, want false")
	}
}

func TestDiffPreservesMediaFilenameOnUpdate(t *testing.T) {
	ev := board.Event{Board: "g", No: 1, LastModified: time.Unix(100, 0)}
	newPosts := []wire.Post{
		{No: 1, Resto: 0, Sticky: true}, // OP sticky flipped true
	}
	old := map[uint64]board.Post{
		1: {No: 1, ThreadNo: 1, IsOP: true, Sticky: false, MediaFilename: "existing.jpg", CommentFP: 0},
	}

	u := diff(ev, newPosts, old, 200)
	if len(u.Update) != 1 {
		t.Fatalf("diff() Update = %v, want one updated post", u.Update)
	}
	if u.Update[0].MediaFilename != "existing.jpg" {
		t.Errorf("diff() overwrote MediaFilename: got %q, want preserved %q", u.Update[0].MediaFilename, "existing.jpg")
	}
}

func TestDiffMarksOPDeletedWhenOPNumberMissing(t *testing.T) {
	ev := board.Event{Board: "g", No: 1, LastModified: time.Unix(100, 0)}
	newPosts := []wire.Post{} // OP gone entirely
	old := map[uint64]board.Post{
		1: {No: 1, ThreadNo: 1, IsOP: true},
		2: {No: 2, ThreadNo: 1},
	}

	u := diff(ev, newPosts, old, 200)
	if !u.SetOPDeleted {
		t.Error("diff() SetOPDeleted = false when OP number is among the deleted nos, want true")
	}
	if len(u.DeleteNos) != 2 {
		t.Errorf("diff() DeleteNos = %v, want both old posts removed", u.DeleteNos)
	}
}

func TestDiffInsertsNewPosts(t *testing.T) {
	ev := board.Event{Board: "g", No: 1, LastModified: time.Unix(100, 0)}
	newPosts := []wire.Post{
		{No: 1, Resto: 0},
		{No: 2, Resto: 1, Comment: "hello"},
	}
	old := map[uint64]board.Post{
		1: {No: 1, ThreadNo: 1, IsOP: true},
	}

	u := diff(ev, newPosts, old, 200)
	if len(u.Insert) != 1 || u.Insert[0].No != 2 {
		t.Errorf("diff() Insert = %v, want new reply #2", u.Insert)
	}
}

type fakePostStore struct {
	posts  map[uint64]board.Post
	update store.ThreadUpdate
}

func (f *fakePostStore) GetThreadPosts(ctx context.Context, boardTag string, threadNo uint64) (map[uint64]board.Post, error) {
	return f.posts, nil
}

func (f *fakePostStore) ApplyThreadUpdate(ctx context.Context, u store.ThreadUpdate) error {
	f.update = u
	return nil
}

type fakeMediaQueue struct {
	jobs []board.MediaJob
}

func (f *fakeMediaQueue) Submit(job board.MediaJob) {
	f.jobs = append(f.jobs, job)
}

type fakeSticky struct {
	marks map[uint64]bool
}

func (f *fakeSticky) MarkSticky(no uint64, sticky bool) {
	if f.marks == nil {
		f.marks = map[uint64]bool{}
	}
	f.marks[no] = sticky
}

func TestHandleSubmitsMediaJobsForNewPosts(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"posts": [{
			"no": 1, "time": 1, "resto": 0,
			"tim": 999, "md5": "abc==", "ext": ".png",
			"w": 1, "h": 1, "tn_w": 1, "tn_h": 1, "fsize": 1, "filename": "pic"
		}]}`))
	}))
	defer srv.Close()

	client := httpclient.New(httpclient.Backoff{Base: time.Millisecond, Factor: 2, Max: 10 * time.Millisecond}, testLogger())
	limiter := ratelimit.New(ratelimit.Config{Interval: 1, MaxPerInterval: 1000, MaxConcurrent: 10})
	postStore := &fakePostStore{posts: map[uint64]board.Post{}}
	mediaQueue := &fakeMediaQueue{}

	f := New(client, limiter, postStore, mediaQueue, testLogger(), srv.URL)

	ev := board.Event{Board: "g", No: 1, Kind: board.EventNew, LastModified: time.Now()}
	opts := Options{DownloadMedia: true, DownloadThumbs: true}

	if err := f.Handle(t.Context(), ev, opts, &fakeSticky{}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(mediaQueue.jobs) != 2 {
		t.Fatalf("Handle() submitted %d media jobs, want 2 (full + thumb)", len(mediaQueue.jobs))
	}
	if len(postStore.update.Insert) != 1 {
		t.Fatalf("Handle() inserted %d posts, want 1", len(postStore.update.Insert))
	}
}

func TestHandleSkipsMediaWhenOptionsDisabled(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"posts": [{
			"no": 1, "time": 1, "resto": 0,
			"tim": 999, "md5": "abc==", "ext": ".png",
			"w": 1, "h": 1, "tn_w": 1, "tn_h": 1, "fsize": 1, "filename": "pic"
		}]}`))
	}))
	defer srv.Close()

	client := httpclient.New(httpclient.Backoff{Base: time.Millisecond, Factor: 2, Max: 10 * time.Millisecond}, testLogger())
	limiter := ratelimit.New(ratelimit.Config{Interval: 1, MaxPerInterval: 1000, MaxConcurrent: 10})
	postStore := &fakePostStore{posts: map[uint64]board.Post{}}
	mediaQueue := &fakeMediaQueue{}

	f := New(client, limiter, postStore, mediaQueue, testLogger(), srv.URL)

	ev := board.Event{Board: "g", No: 1, Kind: board.EventNew, LastModified: time.Now()}
	if err := f.Handle(t.Context(), ev, Options{}, &fakeSticky{}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(mediaQueue.jobs) != 0 {
		t.Errorf("Handle() submitted %d media jobs with downloads disabled, want 0", len(mediaQueue.jobs))
	}
}

func TestHandleReportsOPStickyBit(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"posts": [{"no": 1, "time": 1, "resto": 0, "sticky": 1}]}`))
	}))
	defer srv.Close()

	client := httpclient.New(httpclient.Backoff{Base: time.Millisecond, Factor: 2, Max: 10 * time.Millisecond}, testLogger())
	limiter := ratelimit.New(ratelimit.Config{Interval: 1, MaxPerInterval: 1000, MaxConcurrent: 10})
	postStore := &fakePostStore{posts: map[uint64]board.Post{}}
	mediaQueue := &fakeMediaQueue{}
	sticky := &fakeSticky{}

	f := New(client, limiter, postStore, mediaQueue, testLogger(), srv.URL)
	ev := board.Event{Board: "g", No: 1, Kind: board.EventNew, LastModified: time.Now()}

	if err := f.Handle(t.Context(), ev, Options{}, sticky); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !sticky.marks[1] {
		t.Error("Handle() did not report the OP's sticky bit to the StickyReporter")
	}
}
