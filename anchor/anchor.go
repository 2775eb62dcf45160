// Package anchor implements the per-board polling loop against
// threads.json and archive.json, and the anchor heuristic that
// classifies threads which disappear between two polls as either
// moderator-deleted or merely bumped off the board by natural churn.
package anchor

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"ena/board"
	"ena/httpclient"
	"ena/ratelimit"
	"ena/wire"
)

// Snapshot is one poll's ordered view of the board's OPs. Stickies are
// tagged so the anchor search can skip past them, per spec's adopted
// Open Question decision (stickies break the FIFO-by-bump invariant).
type Snapshot struct {
	Threads []wire.ThreadSummary
	Sticky  map[uint64]bool
}

func (s Snapshot) noSet() map[uint64]uint64 {
	m := make(map[uint64]uint64, len(s.Threads))
	for _, t := range s.Threads {
		m[t.No] = t.LastModified
	}
	return m
}

// Classification is the result of running the anchor heuristic over
// one poll transition.
type Classification struct {
	Added     []uint64
	Modified  []uint64
	Deleted   []uint64
	BumpedOff []uint64
}

// Classify implements spec §4.5 step 4: the anchor heuristic. When
// prev or curr is empty, or no common thread bridges the two polls,
// every removed thread is conservatively classified BumpedOff — this
// is what makes invariant 1 (anchorDeleted ⊆ boardDeleted) hold: the
// classifier only ever under-reports deletions, never over-reports
// them.
func Classify(prev, curr Snapshot) Classification {
	var c Classification

	prevSet := prev.noSet()
	currSet := curr.noSet()

	for no, lm := range currSet {
		if _, ok := prevSet[no]; !ok {
			c.Added = append(c.Added, no)
		} else if prevSet[no] != lm {
			c.Modified = append(c.Modified, no)
		}
	}

	var removed []uint64
	for no := range prevSet {
		if _, ok := currSet[no]; !ok {
			removed = append(removed, no)
		}
	}

	if len(prev.Threads) == 0 || len(curr.Threads) == 0 || len(removed) == 0 {
		c.BumpedOff = removed
		return c
	}

	anchorIdx, found := findAnchor(prev, curr)
	if !found {
		c.BumpedOff = removed
		return c
	}

	prevIdx := make(map[uint64]int, len(prev.Threads))
	for i, t := range prev.Threads {
		prevIdx[t.No] = i
	}

	for _, no := range removed {
		idx, ok := prevIdx[no]
		if !ok {
			c.BumpedOff = append(c.BumpedOff, no)
			continue
		}
		if idx < anchorIdx {
			c.Deleted = append(c.Deleted, no)
		} else {
			c.BumpedOff = append(c.BumpedOff, no)
		}
	}
	return c
}

// findAnchor locates L = last(curr), the greatest prev index k with
// prev[k].no == L.no, skipping sticky threads (they're pinned and
// don't obey the board's FIFO-with-bumps ordering, so they can't serve
// as a position witness).
func findAnchor(prev, curr Snapshot) (idx int, found bool) {
	if len(curr.Threads) == 0 {
		return 0, false
	}
	last := curr.Threads[len(curr.Threads)-1]
	if curr.Sticky[last.No] {
		// Walk backward past trailing stickies to find a real anchor
		// candidate in curr, matching the "excluded from anchor
		// selection" rule.
		for i := len(curr.Threads) - 2; i >= 0; i-- {
			cand := curr.Threads[i]
			if !curr.Sticky[cand.No] {
				last = cand
				break
			}
		}
		if curr.Sticky[last.No] {
			return 0, false
		}
	}

	anchorIdx := -1
	for i, t := range prev.Threads {
		if t.No == last.No && !prev.Sticky[t.No] {
			anchorIdx = i
		}
	}
	if anchorIdx == -1 {
		return 0, false
	}
	return anchorIdx, true
}

// BoardStore is the subset of Persistence the poller consults on
// bootstrap to enqueue known-archived-but-not-yet-marked threads.
type BoardStore interface {
	GetLiveNos(ctx context.Context, boardTag string) ([]uint64, error)
	GetUnarchivedNos(ctx context.Context, boardTag string, candidates []uint64) ([]uint64, error)
}

// Poller runs one board's threads.json/archive.json polling loop.
type Poller struct {
	tag         string
	policy      board.Policy
	client      *httpclient.Client
	limiters    *ratelimit.Classes
	store       BoardStore
	logger      *slog.Logger
	baseURL     string

	prev            Snapshot
	bootstrapped    bool
	threadsCache    httpclient.CacheKey
	archiveCache    httpclient.CacheKey
	knownArchived   map[uint64]bool
	nextArchivePoll time.Time

	stickyMu sync.Mutex
	sticky   map[uint64]bool
}

// MarkSticky records a thread's sticky bit as observed from its OP
// post. threads.json itself carries no sticky flag, so ThreadFetcher
// reports it back here after fetching thread/{no}.json, and the next
// Tick's snapshot reflects it — sticky threads are excluded from
// anchor selection per spec's Open Question decision.
//
// Called concurrently from every in-flight thread fetch for this
// board, unlike the rest of Poller's state which only Tick touches, so
// it's guarded separately.
func (p *Poller) MarkSticky(no uint64, sticky bool) {
	p.stickyMu.Lock()
	defer p.stickyMu.Unlock()
	if sticky {
		p.sticky[no] = true
	} else {
		delete(p.sticky, no)
	}
}

// New builds a Poller for one board.
func New(tag string, policy board.Policy, client *httpclient.Client, limiters *ratelimit.Classes, store BoardStore, logger *slog.Logger, baseURL string) *Poller {
	jitter := boardJitter(tag, policy.ArchivePollInterval)
	return &Poller{
		tag:             tag,
		policy:          policy,
		client:          client,
		limiters:        limiters,
		store:           store,
		logger:          logger,
		baseURL:         baseURL,
		knownArchived:   make(map[uint64]bool),
		nextArchivePoll: time.Now().Add(jitter),
		sticky:          make(map[uint64]bool),
	}
}

// boardJitter derives a deterministic per-board stagger (up to 10% of
// interval) from the board tag, so many boards sharing one
// archive_poll_interval don't all poll archive.json in the same
// second. Deterministic across restarts, unlike a random offset.
func boardJitter(tag string, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(tag))
	window := int64(interval) / 10
	if window <= 0 {
		return 0
	}
	return time.Duration(int64(h.Sum32()) % window)
}

// Tick runs one poll iteration: threads.json, optionally archive.json,
// classification, and event emission. It never overlaps with itself —
// callers must serialize calls per board (the Supervisor's per-board
// pipeline goroutine does this by construction).
func (p *Poller) Tick(ctx context.Context) ([]board.Event, error) {
	result, err := p.client.FetchJSON(ctx, p.baseURL+"/"+p.tag+"/threads.json", p.limiters.ThreadList, p.threadsCache)
	if err != nil {
		p.logger.Warn("threads.json poll failed, skipping", "board", p.tag, "error", err)
		return nil, err
	}
	if result.NotModified {
		return nil, nil
	}
	p.threadsCache = result.Cache

	summaries, perr := wire.ParseThreadsPage(result.Body)
	if perr != nil {
		p.logger.Warn("threads.json parse failed, skipping", "board", p.tag, "error", perr)
		return nil, perr
	}

	curr := Snapshot{Threads: summaries, Sticky: p.stickySnapshot(summaries)}

	var events []board.Event
	lm := result.LastModified

	if !p.bootstrapped {
		events = append(events, p.bootstrapEvents(ctx, curr, lm)...)
		p.bootstrapped = true
		p.prev = curr
		return events, nil
	}

	c := Classify(p.prev, curr)
	for _, no := range c.Added {
		events = append(events, board.Event{Board: p.tag, No: no, Kind: board.EventNew, LastModified: lm})
	}
	for _, no := range c.Modified {
		events = append(events, board.Event{Board: p.tag, No: no, Kind: board.EventModified, LastModified: lm})
	}
	for _, no := range c.BumpedOff {
		events = append(events, board.Event{Board: p.tag, No: no, Kind: board.EventBumpedOff, LastModified: lm})
	}
	for _, no := range c.Deleted {
		events = append(events, board.Event{Board: p.tag, No: no, Kind: board.EventDeleted, LastModified: lm})
	}

	if p.policy.FetchArchive && time.Now().After(p.nextArchivePoll) {
		archiveEvents, aerr := p.pollArchive(ctx, lm)
		if aerr != nil {
			p.logger.Warn("archive.json poll failed", "board", p.tag, "error", aerr)
		} else {
			events = append(events, archiveEvents...)
		}
		p.nextArchivePoll = time.Now().Add(p.policy.ArchivePollInterval)
	}

	p.prev = curr
	return events, nil
}

// bootstrapEvents implements spec §4.5 step 5: on start, the first
// threads.json becomes prev_snapshot with no classification, but every
// live thread is enqueued for refetch, plus any thread archive.json
// actually lists whose stored row still says archived=false.
func (p *Poller) bootstrapEvents(ctx context.Context, curr Snapshot, lm time.Time) []board.Event {
	var events []board.Event
	for _, t := range curr.Threads {
		events = append(events, board.Event{Board: p.tag, No: t.No, Kind: board.EventForced, LastModified: lm})
	}

	liveNos, err := p.store.GetLiveNos(ctx, p.tag)
	if err != nil {
		p.logger.Warn("bootstrap: failed to load live nos", "board", p.tag, "error", err)
		return events
	}
	seen := make(map[uint64]bool, len(curr.Threads))
	for _, t := range curr.Threads {
		seen[t.No] = true
	}
	for _, no := range liveNos {
		if !seen[no] {
			events = append(events, board.Event{Board: p.tag, No: no, Kind: board.EventForced, LastModified: lm})
		}
	}

	if p.policy.FetchArchive {
		af, aerr := p.fetchArchive(ctx)
		if aerr != nil {
			p.logger.Warn("bootstrap: archive.json poll failed", "board", p.tag, "error", aerr)
			return events
		}
		if !af.NotModified {
			unarchived, uerr := p.store.GetUnarchivedNos(ctx, p.tag, af.Nos)
			if uerr != nil {
				p.logger.Warn("bootstrap: failed to check unarchived nos", "board", p.tag, "error", uerr)
			} else {
				for _, no := range unarchived {
					p.knownArchived[no] = true
					events = append(events, board.Event{Board: p.tag, No: no, Kind: board.EventArchived, LastModified: lm})
				}
			}
		}
	}
	return events
}

func (p *Poller) stickySnapshot(threads []wire.ThreadSummary) map[uint64]bool {
	p.stickyMu.Lock()
	defer p.stickyMu.Unlock()
	m := make(map[uint64]bool, len(p.sticky))
	for _, t := range threads {
		if p.sticky[t.No] {
			m[t.No] = true
		}
	}
	return m
}

// archiveFetch is the outcome of one archive.json request: either the
// conditional GET came back NotModified, or it carries the board's
// current set of archived thread numbers.
type archiveFetch struct {
	NotModified  bool
	Nos          []uint64
	LastModified time.Time
}

// fetchArchive performs the conditional GET against archive.json and
// parses it, without touching p.knownArchived — callers decide how to
// use the returned nos (pollArchive dedupes against knownArchived;
// bootstrapEvents cross-references against the DB directly).
func (p *Poller) fetchArchive(ctx context.Context) (archiveFetch, error) {
	result, err := p.client.FetchJSON(ctx, p.baseURL+"/"+p.tag+"/archive.json", p.limiters.ThreadList, p.archiveCache)
	if err != nil {
		return archiveFetch{}, err
	}
	if result.NotModified {
		return archiveFetch{NotModified: true}, nil
	}
	p.archiveCache = result.Cache

	nos, perr := wire.ParseArchive(result.Body)
	if perr != nil {
		return archiveFetch{}, perr
	}
	return archiveFetch{Nos: nos, LastModified: result.LastModified}, nil
}

func (p *Poller) pollArchive(ctx context.Context, lm time.Time) ([]board.Event, error) {
	af, err := p.fetchArchive(ctx)
	if err != nil {
		return nil, err
	}
	if af.NotModified {
		return nil, nil
	}

	var events []board.Event
	for _, no := range af.Nos {
		if !p.knownArchived[no] {
			p.knownArchived[no] = true
			events = append(events, board.Event{Board: p.tag, No: no, Kind: board.EventArchived, LastModified: af.LastModified})
		}
	}
	return events, nil
}

