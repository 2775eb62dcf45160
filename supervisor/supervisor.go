// Package supervisor spawns and owns the lifecycle of one pipeline per
// configured board: an AnchorPoller feeding a per-thread sequencer that
// runs ThreadFetcher, sharing the process-wide rate limiters and
// database pool constructed once at startup.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ena/anchor"
	"ena/board"
	"ena/config"
	"ena/httpclient"
	"ena/mediafetcher"
	"ena/ratelimit"
	"ena/store"
	"ena/threadfetcher"
)

// Supervisor owns every board's pipeline plus the shared rate limiters,
// HTTP client, media fetcher, and database pool. All of these are
// explicit fields constructed once and passed down — nothing here is
// reached via a package-level global.
type Supervisor struct {
	cfg     *config.Config
	client  *httpclient.Client
	limiters *ratelimit.Classes
	store   *store.Store
	media   *mediafetcher.Fetcher
	logger  *slog.Logger

	mu       sync.Mutex
	pollers  map[string]*anchor.Poller
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New wires up the shared collaborators. It performs no I/O itself;
// Store must already be open.
func New(cfg *config.Config, logger *slog.Logger, st *store.Store) *Supervisor {
	base, max, factor := cfg.Network.RetryBackoff.Duration()
	client := httpclient.New(httpclient.Backoff{Base: base, Factor: factor, Max: max}, logger)

	limiters := ratelimit.NewClasses(
		toRatelimitConfig(cfg.Network.RateLimiting.Media),
		toRatelimitConfig(cfg.Network.RateLimiting.Thread),
		toRatelimitConfig(cfg.Network.RateLimiting.ThreadList),
	)

	media := mediafetcher.New(client, limiters.Media, st, logger, cfg.DatabaseMedia.MediaDir, cfg.APIBaseURL, 8)

	return &Supervisor{
		cfg:      cfg,
		client:   client,
		limiters: limiters,
		store:    st,
		media:    media,
		logger:   logger,
		pollers:  make(map[string]*anchor.Poller),
	}
}

func toRatelimitConfig(c config.RateLimitClass) ratelimit.Config {
	return ratelimit.Config{
		Interval:       c.IntervalSeconds,
		MaxPerInterval: c.MaxInterval,
		MaxConcurrent:  c.MaxConcurrent,
	}
}

// Run starts one pipeline per board tag and blocks until ctx is
// cancelled, at which point every pipeline is signaled, in-flight
// HTTP is aborted by ctx propagation, and the media queue is drained
// before Run returns.
func (s *Supervisor) Run(ctx context.Context, boardTags []string) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, tag := range boardTags {
		s.wg.Add(1)
		go s.runBoard(ctx, tag)
	}

	<-ctx.Done()
	s.wg.Wait()
	s.media.Close()
}

// Shutdown cancels every pipeline. Safe to call once, after Run.
func (s *Supervisor) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Supervisor) runBoard(ctx context.Context, tag string) {
	defer s.wg.Done()

	scraping := s.cfg.ScrapingFor(tag)
	policy := board.Policy{
		Tag:                 tag,
		PollInterval:        scraping.PollInterval(),
		ArchivePollInterval: scraping.ArchivePollInterval(),
		FetchArchive:        scraping.WantsArchive(),
		DownloadMedia:       scraping.WantsMedia(),
		DownloadThumbs:      scraping.WantsThumbs(),
		HasArchive:          scraping.WantsArchive(),
	}

	poller := anchor.New(tag, policy, s.client, s.limiters, s.store, s.logger, s.cfg.APIBaseURL)
	s.mu.Lock()
	s.pollers[tag] = poller
	s.mu.Unlock()

	fetcher := threadfetcher.New(s.client, s.limiters.Thread, s.store, s.media, s.logger, s.cfg.APIBaseURL)
	seq := newSequencer(ctx, fetcher, threadfetcher.Options{
		AlwaysAddArchiveTimes: s.cfg.AsagiCompat.AlwaysAddArchiveTimes,
		HasArchive:            policy.HasArchive,
		DownloadMedia:         policy.DownloadMedia,
		DownloadThumbs:        policy.DownloadThumbs,
	}, poller, s.logger)

	ticker := time.NewTicker(policy.PollInterval)
	defer ticker.Stop()

	s.pollOnce(ctx, tag, poller, seq)

	for {
		select {
		case <-ctx.Done():
			seq.close()
			return
		case <-ticker.C:
			s.pollOnce(ctx, tag, poller, seq)
		}
	}
}

func (s *Supervisor) pollOnce(ctx context.Context, tag string, poller *anchor.Poller, seq *sequencer) {
	events, err := poller.Tick(ctx)
	if err != nil {
		s.logger.Warn("poll failed, will retry next tick", "board", tag, "error", err)
		return
	}
	for _, ev := range events {
		seq.submit(ev)
	}
}

// sequencer routes every event for one board through a single
// goroutine per thread number, guaranteeing two polls' updates to the
// same thread are never applied concurrently (spec §5's per-thread
// serialization requirement) while letting different threads of the
// same board fetch in parallel.
type sequencer struct {
	ctx     context.Context
	fetcher *threadfetcher.Fetcher
	opts    threadfetcher.Options
	sticky  threadfetcher.StickyReporter
	logger  *slog.Logger

	mu    sync.Mutex
	lanes map[uint64]chan board.Event
	wg    sync.WaitGroup
}

func newSequencer(ctx context.Context, fetcher *threadfetcher.Fetcher, opts threadfetcher.Options, sticky threadfetcher.StickyReporter, logger *slog.Logger) *sequencer {
	return &sequencer{
		ctx:     ctx,
		fetcher: fetcher,
		opts:    opts,
		sticky:  sticky,
		logger:  logger,
		lanes:   make(map[uint64]chan board.Event),
	}
}

func (s *sequencer) submit(ev board.Event) {
	s.mu.Lock()
	lane, ok := s.lanes[ev.No]
	if !ok {
		lane = make(chan board.Event, 8)
		s.lanes[ev.No] = lane
		s.wg.Add(1)
		go s.drain(ev.No, lane)
	}
	s.mu.Unlock()

	select {
	case lane <- ev:
	case <-s.ctx.Done():
	}
}

func (s *sequencer) drain(no uint64, lane chan board.Event) {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-lane:
			if !ok {
				return
			}
			if err := s.fetcher.Handle(s.ctx, ev, s.opts, s.sticky); err != nil {
				s.logger.Warn("thread fetch failed", "board", ev.Board, "thread", ev.No, "kind", ev.Kind.String(), "error", err)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *sequencer) close() {
	s.mu.Lock()
	for _, lane := range s.lanes {
		close(lane)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
