// Package threadfetcher fetches individual threads, diffs their post
// list against what Persistence has stored, and turns the diff into a
// single atomic ThreadUpdate plus any media jobs the new posts need.
package threadfetcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ena/board"
	"ena/htmlnorm"
	"ena/httpclient"
	"ena/ratelimit"
	"ena/store"
	"ena/wire"
)

// PostStore is the subset of Persistence ThreadFetcher reads from and
// writes to.
type PostStore interface {
	GetThreadPosts(ctx context.Context, boardTag string, threadNo uint64) (map[uint64]board.Post, error)
	ApplyThreadUpdate(ctx context.Context, u store.ThreadUpdate) error
}

// MediaQueue is the subset of MediaFetcher ThreadFetcher submits jobs
// to. Pipelines never call back into ThreadFetcher — only forward,
// message-passing submission, per the design's cyclic-reference note.
type MediaQueue interface {
	Submit(job board.MediaJob)
}

// StickyReporter lets ThreadFetcher inform the board's AnchorPoller of
// a thread's sticky bit, which threads.json itself never carries.
type StickyReporter interface {
	MarkSticky(no uint64, sticky bool)
}

// Fetcher fetches and diffs one thread at a time. Between calls it
// keeps only each thread's conditional-GET cache key in memory (guarded
// by cachesMu, since Handle runs concurrently for different threads);
// post state lives in Persistence.
type Fetcher struct {
	client        *httpclient.Client
	limiter       *ratelimit.Limiter
	store         PostStore
	media         MediaQueue
	logger        *slog.Logger
	baseURL       string
	alwaysAddArchiveTimes bool
	hasArchive    bool

	cachesMu sync.Mutex
	caches   map[cacheKey]httpclient.CacheKey
}

type cacheKey struct {
	board string
	no    uint64
}

// Options configures per-board behavior that affects how classification
// events translate into thread-row mutations.
type Options struct {
	AlwaysAddArchiveTimes bool
	HasArchive            bool
	DownloadMedia         bool
	DownloadThumbs        bool
}

// New builds a Fetcher.
func New(client *httpclient.Client, limiter *ratelimit.Limiter, store PostStore, media MediaQueue, logger *slog.Logger, baseURL string) *Fetcher {
	return &Fetcher{
		client:  client,
		limiter: limiter,
		store:   store,
		media:   media,
		logger:  logger,
		baseURL: baseURL,
		caches:  make(map[cacheKey]httpclient.CacheKey),
	}
}

// Handle processes one board.Event: conditional-fetch the thread,
// diff, persist, and submit media jobs.
func (f *Fetcher) Handle(ctx context.Context, ev board.Event, opts Options, sticky StickyReporter) error {
	key := cacheKey{board: ev.Board, no: ev.No}
	f.cachesMu.Lock()
	cache := f.caches[key]
	f.cachesMu.Unlock()

	url := fmt.Sprintf("%s/%s/thread/%d.json", f.baseURL, ev.Board, ev.No)
	result, err := f.client.FetchJSON(ctx, url, f.limiter, cache)
	if err != nil {
		return err
	}

	forceRefetch := ev.Kind == board.EventDeleted || ev.Kind == board.EventBumpedOff ||
		ev.Kind == board.EventArchived || ev.Kind == board.EventForced

	if result.NotModified {
		if !forceRefetch {
			return nil
		}
		return f.applyNoOp(ctx, ev, opts)
	}
	f.cachesMu.Lock()
	f.caches[key] = result.Cache
	f.cachesMu.Unlock()

	posts, skipped, perr := wire.ParseThread(result.Body)
	for _, serr := range skipped {
		f.logger.Warn("skipping malformed post", "board", ev.Board, "thread", ev.No, "error", serr)
	}
	if perr != nil {
		f.logger.Warn("thread fetch parse failed, skipping", "board", ev.Board, "thread", ev.No, "error", perr)
		return perr
	}
	if len(posts) == 0 {
		return nil
	}

	if op := posts[0]; op.IsOP() {
		sticky.MarkSticky(ev.No, op.Sticky)
	}

	old, err := f.store.GetThreadPosts(ctx, ev.Board, ev.No)
	if err != nil {
		return err
	}

	tsExpired := result.LastModified.Unix()

	update := diff(ev, posts, old, tsExpired)
	update.SetArchived = ev.Kind == board.EventArchived
	if ev.Kind == board.EventBumpedOff && !opts.HasArchive && opts.AlwaysAddArchiveTimes {
		update.SetArchived = false // not archived, just timestamp-expired below
		update.TimestampExpired = tsExpired
	}

	if err := f.store.ApplyThreadUpdate(ctx, update); err != nil {
		return err
	}

	for _, p := range posts {
		if !p.HasMedia {
			continue
		}
		if opts.DownloadMedia {
			f.media.Submit(board.MediaJob{Board: ev.Board, Hash: p.MD5, Kind: board.MediaFull, TimStamp: fmt.Sprintf("%d", p.Tim), Ext: p.Ext, Filename: p.Filename})
		}
		if opts.DownloadThumbs {
			f.media.Submit(board.MediaJob{Board: ev.Board, Hash: p.MD5, Kind: board.MediaThumb, TimStamp: fmt.Sprintf("%d", p.Tim), Ext: p.Ext, Filename: p.Filename})
		}
	}

	return nil
}

// applyNoOp handles a NotModified response for an event that still
// needs a thread-row transition recorded (archived/deleted/bumped-off
// arriving with no body change, or a bootstrap force-refetch that
// turns out to be unchanged).
func (f *Fetcher) applyNoOp(ctx context.Context, ev board.Event, opts Options) error {
	u := store.ThreadUpdate{
		Board:      ev.Board,
		ThreadNo:   ev.No,
		ThreadMeta: board.Thread{No: ev.No},
	}
	switch ev.Kind {
	case board.EventArchived:
		u.SetArchived = true
	case board.EventBumpedOff:
		if !opts.HasArchive && opts.AlwaysAddArchiveTimes {
			u.TimestampExpired = ev.LastModified.Unix()
		} else {
			return nil
		}
	case board.EventDeleted:
		// OP itself may be gone; the caller's diff already ran on a
		// prior successful fetch. Nothing new to persist here beyond
		// what the classifier already reported — Persistence rows are
		// touched by moveToDeleted on the fetch that observed the
		// disappearance, not by a subsequent NotModified poll.
		return nil
	default:
		return nil
	}
	return f.store.ApplyThreadUpdate(ctx, u)
}

// should_update reproduces spec §4.6: an OP whose OP-level fields
// changed, or any post whose comment fingerprint or media-bearing
// spoiler flag changed, needs its row updated. Comparing a post to
// itself always returns false (testable property 5): every branch
// compares against the stored previous value, never against a
// freshly-derived default.
func shouldUpdate(newPost wire.Post, old board.Post, fp uint64) bool {
	if newPost.IsOP() && (old.Sticky != newPost.Sticky || old.Closed != newPost.Closed || old.Sub != newPost.Sub) {
		return true
	}
	if fp != old.CommentFP {
		return true
	}
	if newPost.HasMedia && old.Spoiler != newPost.Spoiler {
		return true
	}
	return false
}

func diff(ev board.Event, newPosts []wire.Post, old map[uint64]board.Post, tsExpired int64) store.ThreadUpdate {
	u := store.ThreadUpdate{
		Board:            ev.Board,
		ThreadNo:         ev.No,
		TimestampExpired: tsExpired,
	}

	seen := make(map[uint64]bool, len(newPosts))
	var op wire.Post
	for _, p := range newPosts {
		if p.IsOP() {
			op = p
		}
	}

	for _, np := range newPosts {
		seen[np.No] = true
		fp := htmlnorm.CommentFingerprint(np.Comment)
		normalized := htmlnorm.Normalize(np.Comment)

		domainPost := toDomainPost(ev.Board, np, op, fp, normalized)

		existing, ok := old[np.No]
		if !ok {
			u.Insert = append(u.Insert, domainPost)
			if np.HasMedia {
				u.MediaUpserts = append(u.MediaUpserts, toMedia(np))
			}
			continue
		}
		if shouldUpdate(np, existing, fp) {
			domainPost.MediaFilename = existing.MediaFilename // never overwritten
			u.Update = append(u.Update, domainPost)
		}
	}

	for no := range old {
		if !seen[no] {
			u.DeleteNos = append(u.DeleteNos, no)
			if no == ev.No {
				u.SetOPDeleted = true
			}
		}
	}

	u.ThreadMeta = board.Thread{
		No:              ev.No,
		Sticky:          op.Sticky,
		Closed:          op.Closed,
		OPPostDeleted:   u.SetOPDeleted,
		LastModifiedAPI: uint64(ev.LastModified.Unix()),
	}

	return u
}

func toDomainPost(boardTag string, p wire.Post, op wire.Post, fp uint64, normalizedComment string) board.Post {
	dp := board.Post{
		No:       p.No,
		ThreadNo: op.No,
		IsOP:     p.IsOP(),
		Sticky:   op.Sticky,
		Closed:   op.Closed,
		Sub:      htmlnorm.UnescapeName(op.Sub),
		Comment:  normalizedComment,
		CommentFP: fp,
		Spoiler:  p.Spoiler,
		Country:  p.Country,
		Capcode:  p.Capcode,
		Name:     htmlnorm.UnescapeName(p.Name),
		Trip:     p.Trip,
		PosterID: p.PosterID,
		Timestamp: p.Time,
	}
	if p.HasMedia {
		dp.MediaHash = p.MD5
		dp.MediaFilename = p.Filename
	}
	return dp
}

func toMedia(p wire.Post) board.Media {
	return board.Media{
		Hash:            p.MD5,
		FullFilename:    fmt.Sprintf("%d%s", p.Tim, p.Ext),
		PreviewFilename: fmt.Sprintf("%ds.jpg", p.Tim),
		Width:           p.W,
		Height:          p.H,
		ThumbWidth:      p.TnW,
		ThumbHeight:     p.TnH,
		Size:            p.Fsize,
	}
}
