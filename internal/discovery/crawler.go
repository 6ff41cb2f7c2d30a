// internal/discovery/crawler.go
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
	"github.com/xkilldash9x/cartographer/internal/state"
)

// crawlState is shared by the workers of one link crawl.
type crawlState struct {
	run      *Run
	scope    *Scope
	maxPages int
	queue    chan string
	pending  sync.WaitGroup

	budgetHit       atomic.Bool
	acquireFailures atomic.Int32
	cookies         []schemas.Cookie
}

// enqueue claims u and a slot of the page budget. URLs claimed earlier, or
// arriving after the budget is spent, are dropped.
func (cs *crawlState) enqueue(u string) {
	if cs.run.Stopped() || !cs.run.MarkVisited(u) {
		return
	}
	if !cs.run.claimBudget(cs.maxPages) {
		cs.budgetHit.Store(true)
		return
	}
	cs.pending.Add(1)
	// Never blocks: the channel holds maxPages and at most maxPages are claimed.
	cs.queue <- u
}

// abandon discards URLs still queued once every worker has returned, so
// the pending count reaches zero.
func (cs *crawlState) abandon() {
	for {
		select {
		case <-cs.queue:
			cs.pending.Done()
		default:
			return
		}
	}
}

// Crawl visits pages reachable by links from baseURL, breadth first with a
// bounded pool of workers, until maxPages distinct URLs were claimed, the
// frontier is empty, the crawl timeout passes or run is stopped. Whatever
// was found is returned in every case.
func (e *Explorer) Crawl(ctx context.Context, run *Run, baseURL string, maxPages int) (*CrawlResult, error) {
	if run == nil {
		run = NewRun()
	}
	if maxPages <= 0 {
		maxPages = e.cfg.Crawl.MaxPages
	}
	started := e.now()
	log := e.logger.With(zap.String("run", run.ID), zap.String("base", baseURL))

	scope, err := NewScope(baseURL, e.cfg.Crawl.IncludeSubdomains)
	if err != nil {
		return nil, err
	}
	start, err := scope.Normalize(baseURL, "")
	if err != nil {
		return nil, fmt.Errorf("invalid start URL: %w", err)
	}

	cctx := ctx
	cancel := func() {}
	if t := e.cfg.Crawl.Timeout; t > 0 {
		cctx, cancel = context.WithTimeout(ctx, t)
	}
	defer cancel()

	cs := &crawlState{run: run, scope: scope, maxPages: maxPages, queue: make(chan string, maxPages)}
	if e.auth != nil {
		cs.cookies = e.login(cctx, log)
	}

	cs.enqueue(start)
	if e.cfg.Crawl.SeedSitemaps {
		startURL, _ := url.Parse(start)
		seeder := NewSitemapSeeder(e.httpClient, scope, e.cfg.Crawl.RequestsPerSecond, e.logger)
		for _, u := range seeder.Seed(cctx, startURL) {
			cs.enqueue(u)
		}
	}

	workers := min(e.cfg.Crawl.Workers(), maxPages)
	if m := e.cfg.Browser.MaxSessions; m > 0 {
		workers = min(workers, m)
	}
	log.Info("Starting crawl.", zap.Int("workers", workers), zap.Int("max_pages", maxPages))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.crawlWorker(cctx, cs, log)
		}()
	}

	drained := make(chan struct{})
	go func() {
		cs.pending.Wait()
		close(drained)
	}()
	exited := make(chan struct{})
	go func() {
		wg.Wait()
		close(exited)
	}()

	reason := StopCompleted
	select {
	case <-drained:
		cancel()
		<-exited
	case <-exited:
		// every worker failed to get a session
	case <-cctx.Done():
		reason = StopTimeout
		if ctx.Err() != nil {
			reason = StopRequested
		}
		cancel()
		<-exited
	}
	cs.abandon()
	<-drained
	switch {
	case run.Stopped():
		reason = StopRequested
	case reason == StopCompleted && cs.budgetHit.Load():
		reason = StopBudget
	}

	res := &CrawlResult{RunID: run.ID, Pages: run.Pages(), Reason: reason, Duration: e.now().Sub(started)}
	log.Info("Crawl finished.", zap.String("reason", string(reason)), zap.Int("pages", len(res.Pages)), zap.Duration("duration", res.Duration))
	if len(res.Pages) == 0 && workers > 0 && int(cs.acquireFailures.Load()) == workers {
		return res, ErrNoSessions
	}
	return res, nil
}

// login authenticates once on its own session and returns the cookies to
// replay into the crawl sessions. Failure means crawling unauthenticated.
func (e *Explorer) login(ctx context.Context, log *zap.Logger) []schemas.Cookie {
	id, err := e.pool.Acquire(ctx, e.kind, e.cfg.Browser.Headless)
	if err != nil {
		log.Warn("No session for login.", zap.Error(err))
		return nil
	}
	defer e.pool.Release(id)
	d, err := e.pool.Handle(id)
	if err != nil {
		return nil
	}
	cookies, err := e.auth.Login(ctx, d)
	if err != nil {
		log.Warn("Login failed, crawling unauthenticated.", zap.Error(err))
		return nil
	}
	return cookies
}

// crawlWorker holds one session for its lifetime and visits queued URLs
// until the crawl context ends.
func (e *Explorer) crawlWorker(ctx context.Context, cs *crawlState, log *zap.Logger) {
	id, err := e.pool.Acquire(ctx, e.kind, e.cfg.Browser.Headless)
	if err != nil {
		if ctx.Err() == nil {
			cs.acquireFailures.Add(1)
			log.Warn("Worker could not acquire a session.", zap.Error(err))
		}
		return
	}
	defer func() {
		if err := e.pool.Release(id); err != nil {
			log.Debug("Release failed.", zap.String("session_id", id), zap.Error(err))
		}
	}()
	d, err := e.pool.Handle(id)
	if err != nil {
		cs.acquireFailures.Add(1)
		return
	}
	wlog := log.With(zap.String("session_id", id))

	replayed := len(cs.cookies) == 0
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-cs.queue:
			if !cs.run.Stopped() {
				e.visit(ctx, cs, d, u, &replayed, wlog)
			}
			cs.pending.Done()
		}
	}
}

// visit loads one URL, records its page and queues its in-scope links.
func (e *Explorer) visit(ctx context.Context, cs *crawlState, d browser.Driver, u string, replayed *bool, log *zap.Logger) {
	if err := e.navigate(ctx, d, u); err != nil {
		if ctx.Err() == nil {
			log.Warn("Navigation failed.", zap.String("url", u), zap.Error(err))
		}
		return
	}
	if !*replayed {
		*replayed = true
		if err := ReplayCookies(ctx, d, cs.cookies); err != nil {
			log.Warn("Cookie replay incomplete.", zap.Error(err))
		}
		if err := e.navigate(ctx, d, u); err != nil {
			log.Debug("Reload after cookie replay failed.", zap.Error(err))
		}
	}

	page, err := e.analyzer.Analyze(ctx, d, cs.run.ID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("Page analysis failed.", zap.String("url", u), zap.Error(err))
		}
		return
	}

	// A redirect onto an already claimed URL is not a new page.
	if final, err := state.NormalizeURL(page.URL); err == nil && final != u && !cs.run.MarkVisited(final) {
		log.Debug("Redirected to a visited page.", zap.String("url", u), zap.String("final", final))
		return
	}

	registered, isNew := cs.run.AddPage(u, page)
	if !isNew {
		return
	}
	if err := e.sink.AddPage(ctx, registered); err != nil {
		log.Warn("Sink rejected page.", zap.String("url", u), zap.Error(err))
	}
	log.Debug("Page visited.", zap.String("url", u), zap.Int("links", len(page.Links)), zap.Int("components", len(page.Components)))

	for _, link := range page.Links {
		n, err := cs.scope.Normalize(link, page.URL)
		if err != nil {
			continue
		}
		cs.enqueue(n)
	}
}
