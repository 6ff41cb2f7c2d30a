// internal/discovery/explorer.go
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/fingerprint"
	"github.com/xkilldash9x/cartographer/internal/state"
)

// Explorer runs link crawls and interactive explorations over sessions from
// a pool.
type Explorer struct {
	cfg        *config.Config
	pool       *browser.Pool
	kind       schemas.BrowserKind
	states     *state.Engine
	resolver   *fingerprint.Resolver
	analyzer   *PageAnalyzer
	auth       *Authenticator
	httpClient HTTPClient
	sink       Sink
	limiter    *rate.Limiter
	logger     *zap.Logger
	now        func() time.Time
}

// Option customizes an Explorer.
type Option func(*Explorer)

// WithSink sets where pages and transitions are emitted.
func WithSink(s Sink) Option { return func(e *Explorer) { e.sink = s } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Explorer) { e.logger = l } }

// WithHTTPClient replaces the client used for sitemap seeding.
func WithHTTPClient(c HTTPClient) Option { return func(e *Explorer) { e.httpClient = c } }

// NewExplorer wires the state engine, resolver and page analyzer from cfg.
func NewExplorer(cfg *config.Config, pool *browser.Pool, opts ...Option) (*Explorer, error) {
	kind, err := schemas.ParseBrowserKind(cfg.Browser.Kind)
	if err != nil {
		return nil, err
	}
	e := &Explorer{
		cfg:    cfg,
		pool:   pool,
		kind:   kind,
		states: state.NewEngine(cfg.Signature),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("Explorer")
	if e.sink == nil {
		e.sink = MultiSink{}
	}
	e.resolver = fingerprint.NewResolver(cfg.Resolver, e.logger)
	if e.analyzer, err = NewPageAnalyzer(e.resolver, cfg.Crawl.MaxComponents, cfg.Screenshots, e.logger); err != nil {
		return nil, err
	}
	if cfg.Auth.Enabled {
		e.auth = NewAuthenticator(cfg.Auth, e.logger)
	}
	if e.httpClient == nil {
		e.httpClient = NewHTTPClient(cfg.Crawl.PageLoadTimeout, e.logger)
	}
	if rps := cfg.Crawl.RequestsPerSecond; rps > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return e, nil
}

// ExploreOptions bounds one interactive exploration.
type ExploreOptions struct {
	MaxDepth               int
	IncludeForms           bool
	MaxInteractionsPerPage int
	MaxPages               int
}

// DefaultExploreOptions reads the options from cfg.
func DefaultExploreOptions(cfg *config.Config) ExploreOptions {
	return ExploreOptions{
		MaxDepth:               cfg.Explore.MaxDepth,
		IncludeForms:           cfg.Explore.IncludeForms,
		MaxInteractionsPerPage: cfg.Explore.MaxInteractionsPerPage,
		MaxPages:               cfg.Explore.MaxPages,
	}
}

// changeKind is the first signal that fired after an interaction.
type changeKind int

const (
	changeNone changeKind = iota
	changeWindow
	changeURL
	changeState
)

// frame is one state on the exploration stack.
type frame struct {
	page   *schemas.Page
	sig    schemas.StateSignature
	url    string
	window string
	depth  int
	plan   []candidate
	next   int

	// how to get from this state back to the parent's
	via     changeKind
	trigger candidate
}

// snapshot is the browser state captured before an interaction.
type snapshot struct {
	url     string
	handles map[string]struct{}
	sig     schemas.StateSignature
	fields  []schemas.FieldState
}

// Explore performs a depth-bounded, single-session exploration of the
// states reachable from startURL by interacting with elements.
func (e *Explorer) Explore(ctx context.Context, run *Run, startURL string, opts ExploreOptions) (*ExploreResult, error) {
	if run == nil {
		run = NewRun()
	}
	started := e.now()
	log := e.logger.With(zap.String("run", run.ID), zap.String("start", startURL))

	scope, err := NewScope(startURL, e.cfg.Crawl.IncludeSubdomains)
	if err != nil {
		return nil, err
	}

	id, err := e.pool.Acquire(ctx, e.kind, e.cfg.Browser.Headless)
	if err != nil {
		return e.exploreResult(run, StopCompleted, started), fmt.Errorf("%w: %v", ErrNoSessions, err)
	}
	defer func() {
		if err := e.pool.Release(id); err != nil {
			log.Warn("Failed to release session.", zap.Error(err))
		}
	}()
	d, err := e.pool.Handle(id)
	if err != nil {
		return e.exploreResult(run, StopCompleted, started), fmt.Errorf("%w: %v", ErrNoSessions, err)
	}

	if e.auth != nil {
		if _, err := e.auth.Login(ctx, d); err != nil {
			log.Warn("Login failed, exploring unauthenticated.", zap.Error(err))
		}
	}
	if err := e.navigate(ctx, d, startURL); err != nil {
		log.Warn("Could not load start page.", zap.Error(err))
		return e.exploreResult(run, StopCompleted, started), fmt.Errorf("failed to load start page %s: %w", startURL, err)
	}

	root, known, err := e.enterState(ctx, run, d, 0, opts)
	if err != nil {
		log.Warn("Could not analyse start state.", zap.Error(err))
		return e.exploreResult(run, StopCompleted, started), nil
	}
	if root == nil {
		return e.exploreResult(run, StopBudget, started), nil
	}
	if known {
		log.Info("Start state was already explored in this run.")
		return e.exploreResult(run, StopCompleted, started), nil
	}
	root.plan = planInteractions(root.page.Components, opts.IncludeForms, opts.MaxInteractionsPerPage, e.linkFilter(scope, root.url))

	reason := e.walk(ctx, run, d, []*frame{root}, scope, opts, log)
	log.Info("Exploration finished.",
		zap.String("reason", string(reason)),
		zap.Int("states", len(run.Pages())),
		zap.Int("transitions", len(run.Transitions())))
	return e.exploreResult(run, reason, started), nil
}

func (e *Explorer) exploreResult(run *Run, reason StopReason, started time.Time) *ExploreResult {
	return &ExploreResult{
		RunID:          run.ID,
		Pages:          run.Pages(),
		Transitions:    run.Transitions(),
		InteractionLog: run.InteractionLog(),
		Reason:         reason,
		Duration:       e.now().Sub(started),
	}
}

// walk is the iterative depth-first search over frames.
func (e *Explorer) walk(ctx context.Context, run *Run, d browser.Driver, stack []*frame, scope *Scope, opts ExploreOptions, log *zap.Logger) StopReason {
	for len(stack) > 0 {
		if run.Stopped() {
			return StopRequested
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return StopTimeout
			}
			return StopRequested
		}

		top := stack[len(stack)-1]
		if top.next >= len(top.plan) {
			stack = stack[:len(stack)-1]
			if len(stack) > 0 {
				e.backtrack(ctx, d, top, stack[len(stack)-1], log)
			}
			continue
		}

		c := top.plan[top.next]
		top.next++

		child, reason := e.interact(ctx, run, d, top, c, opts, log)
		if reason != "" {
			return reason
		}
		if child == nil {
			continue
		}
		if child.depth < opts.MaxDepth {
			child.plan = planInteractions(child.page.Components, opts.IncludeForms, opts.MaxInteractionsPerPage, e.linkFilter(scope, child.url))
			stack = append(stack, child)
			continue
		}
		e.backtrack(ctx, d, child, top, log)
	}
	return StopCompleted
}

// interact performs one candidate in frame f. It returns the frame of a new
// state, if one was reached, or a stop reason when the run must end.
func (e *Explorer) interact(ctx context.Context, run *Run, d browser.Driver, f *frame, c candidate, opts ExploreOptions, log *zap.Logger) (*frame, StopReason) {
	elog := log.With(zap.String("locator", c.component.Locator.String()), zap.String("action", string(c.action)))

	fp := c.component.Fingerprint
	out, err := e.resolver.Resolve(ctx, d, &fp)
	if err != nil {
		return nil, ""
	}
	if !out.Found {
		elog.Debug("Element no longer present.")
		return nil, ""
	}
	if shown, err := d.IsDisplayed(ctx, out.Element); err != nil || !shown {
		return nil, ""
	}
	submits := c.action == ActionClick && e.insideForm(ctx, d, out.Element, c)

	before, err := e.snapshot(ctx, d)
	if err != nil {
		elog.Debug("Could not snapshot state.", zap.Error(err))
		return nil, ""
	}

	if err := perform(ctx, d, out.Element, c); err != nil {
		ierr := &InteractionError{Locator: c.component.Locator, Action: c.action, Err: err}
		elog.Debug("Interaction failed.", zap.Error(ierr))
		e.restoreIfMoved(ctx, d, f, log)
		return nil, ""
	}

	kind, handle := e.detectChange(ctx, d, before)
	record := schemas.InteractionRecord{
		PageID:     f.page.ID,
		Locator:    c.component.Locator,
		Controller: c.controllerKey(),
		Action:     string(c.action),
		URLChanged: kind == changeWindow || kind == changeURL,
		Before:     before.fields,
		At:         e.now(),
	}
	if kind == changeWindow {
		if err := d.SwitchWindow(ctx, handle); err != nil {
			elog.Debug("Could not switch to new window.", zap.Error(err))
		}
	}
	if after, err := browser.FormFields(ctx, d); err == nil {
		record.After = after
	}
	run.logInteraction(record)

	if kind == changeNone {
		return nil, ""
	}

	sig, err := e.states.Signature(ctx, d)
	if err != nil {
		elog.Debug("Could not sign new state.", zap.Error(err))
		e.backtrack(ctx, d, &frame{via: kind, trigger: c, window: handle}, f, log)
		return nil, ""
	}

	t := schemas.Transition{
		RunID:          run.ID,
		SourcePageID:   f.page.ID,
		Kind:           schemas.KindStateChange,
		Description:    c.describe(),
		Locator:        c.component.Locator,
		FormSubmission: submits && kind == changeURL,
		DiscoveredAt:   e.now(),
	}
	if kind != changeState {
		t.Kind = schemas.KindNavigation
	}
	if t.FormSubmission {
		t.Kind = schemas.KindFormSubmission
	}

	// A known state gets an edge but no second branch.
	if pageID, seen := run.StatePage(sig.Key); seen {
		t.TargetPageID = pageID
		e.recordTransition(ctx, run, t)
		e.backtrack(ctx, d, &frame{via: kind, trigger: c, window: handle, sig: sig}, f, log)
		return nil, ""
	}

	child, known, err := e.enterState(ctx, run, d, f.depth+1, opts)
	if err != nil {
		elog.Debug("Could not analyse new state.", zap.Error(err))
		e.backtrack(ctx, d, &frame{via: kind, trigger: c, window: handle, sig: sig}, f, log)
		return nil, ""
	}
	if child == nil {
		return nil, StopBudget
	}
	child.via = kind
	child.trigger = c
	t.TargetPageID = child.page.ID
	e.recordTransition(ctx, run, t)
	if known {
		// The page settled into a state explored earlier.
		e.backtrack(ctx, d, child, f, log)
		return nil, ""
	}
	return child, ""
}

// enterState analyses the current state and registers it as a page. known
// reports a state registered earlier in the run; such a frame must not be
// explored again and costs no budget. It returns a nil frame without error
// when the page budget is spent.
func (e *Explorer) enterState(ctx context.Context, run *Run, d browser.Driver, depth int, opts ExploreOptions) (*frame, bool, error) {
	sig, err := e.states.Signature(ctx, d)
	if err != nil {
		return nil, false, err
	}

	registered, known := run.Page(sig.Key)
	if !known {
		if !run.claimBudget(opts.MaxPages) {
			return nil, false, nil
		}
		page, err := e.analyzer.Analyze(ctx, d, run.ID)
		if err != nil {
			return nil, false, err
		}
		page.StateKey = sig.Key
		var isNew bool
		registered, isNew = run.AddPage(sig.Key, page)
		known = !isNew
		if isNew {
			run.SeenState(sig.Key, registered.ID)
			if err := e.sink.AddPage(ctx, registered); err != nil {
				e.logger.Warn("Sink rejected page.", zap.String("url", registered.URL), zap.Error(err))
			}
		}
	}

	current, err := d.CurrentURL(ctx)
	if err != nil {
		return nil, false, err
	}
	if n, err := state.NormalizeURL(current); err == nil {
		current = n
	}
	window, _ := d.CurrentWindow(ctx)
	return &frame{page: registered, sig: sig, url: current, window: window, depth: depth}, known, nil
}

func (e *Explorer) recordTransition(ctx context.Context, run *Run, t schemas.Transition) {
	t.ID = transitionID(t)
	run.addTransition(t)
	if err := e.sink.AddTransition(ctx, &t); err != nil {
		e.logger.Warn("Sink rejected transition.", zap.String("id", t.ID), zap.Error(err))
	}
}

func (e *Explorer) snapshot(ctx context.Context, d browser.Driver) (snapshot, error) {
	var s snapshot
	var err error
	if s.url, err = d.CurrentURL(ctx); err != nil {
		return s, err
	}
	handles, err := d.WindowHandles(ctx)
	if err != nil {
		return s, err
	}
	s.handles = make(map[string]struct{}, len(handles))
	for _, h := range handles {
		s.handles[h] = struct{}{}
	}
	if s.sig, err = e.states.Signature(ctx, d); err != nil {
		return s, err
	}
	if s.fields, err = browser.FormFields(ctx, d); err != nil {
		return s, err
	}
	return s, nil
}

// detectChange polls for a new window, then a URL change, then a
// signature change, until the change timeout passes.
func (e *Explorer) detectChange(ctx context.Context, d browser.Driver, before snapshot) (changeKind, string) {
	deadline := e.now().Add(e.cfg.Explore.ChangeTimeout)
	poll := e.cfg.Explore.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	beforeURL, _ := state.NormalizeURL(before.url)

	for {
		if handles, err := d.WindowHandles(ctx); err == nil {
			for _, h := range handles {
				if _, ok := before.handles[h]; !ok {
					return changeWindow, h
				}
			}
		}
		if current, err := d.CurrentURL(ctx); err == nil {
			if n, _ := state.NormalizeURL(current); n != beforeURL {
				return changeURL, ""
			}
		}
		if sig, err := e.states.Signature(ctx, d); err == nil && !sig.Equal(before.sig) {
			return changeState, ""
		}
		if !e.now().Before(deadline) {
			return changeNone, ""
		}
		select {
		case <-ctx.Done():
			return changeNone, ""
		case <-time.After(poll):
		}
	}
}

// backtrack undoes the transition into child so the browser shows parent's
// state again. When that cannot be verified the parent's remaining
// candidates are abandoned.
func (e *Explorer) backtrack(ctx context.Context, d browser.Driver, child, parent *frame, log *zap.Logger) {
	bctx := ctx
	if t := e.cfg.Explore.BacktrackTimeout; t > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	switch child.via {
	case changeWindow:
		if err := d.CloseWindow(bctx); err != nil {
			log.Debug("Close window failed.", zap.Error(err))
		}
		if err := d.SwitchWindow(bctx, parent.window); err != nil {
			log.Debug("Switch back failed.", zap.Error(err))
		}
	case changeURL:
		if err := d.Back(bctx); err != nil || !e.waitForURL(bctx, d, parent.url) {
			e.navigate(bctx, d, parent.url)
		}
	case changeState:
		if !e.retoggle(bctx, d, child.trigger, parent) {
			if err := d.Refresh(bctx); err != nil {
				log.Debug("Refresh failed.", zap.Error(err))
			}
		}
	}

	if e.atState(bctx, d, parent) {
		return
	}
	e.navigate(bctx, d, parent.url)
	if !e.atState(bctx, d, parent) {
		log.Warn("Could not restore state, abandoning its remaining interactions.",
			zap.String("url", parent.url), zap.Int("skipped", len(parent.plan)-parent.next))
		parent.next = len(parent.plan)
	}
}

// restoreIfMoved handles failed interactions that still changed something.
func (e *Explorer) restoreIfMoved(ctx context.Context, d browser.Driver, f *frame, log *zap.Logger) {
	if h, err := d.CurrentWindow(ctx); err != nil || h != f.window {
		_ = d.SwitchWindow(ctx, f.window)
	}
	if e.atState(ctx, d, f) {
		return
	}
	e.backtrack(ctx, d, &frame{via: changeURL}, f, log)
}

// retoggle repeats a toggling action, which undoes it for checkboxes and
// disclosure buttons.
func (e *Explorer) retoggle(ctx context.Context, d browser.Driver, c candidate, parent *frame) bool {
	if c.action != ActionClick && c.action != ActionToggle {
		return false
	}
	fp := c.component.Fingerprint
	out, err := e.resolver.Resolve(ctx, d, &fp)
	if err != nil || !out.Found {
		return false
	}
	if err := d.Click(ctx, out.Element); err != nil {
		return false
	}
	return e.atState(ctx, d, parent)
}

func (e *Explorer) atState(ctx context.Context, d browser.Driver, f *frame) bool {
	sig, err := e.states.Signature(ctx, d)
	return err == nil && sig.Equal(f.sig)
}

func (e *Explorer) waitForURL(ctx context.Context, d browser.Driver, want string) bool {
	poll := e.cfg.Explore.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	for {
		if current, err := d.CurrentURL(ctx); err == nil {
			if n, _ := state.NormalizeURL(current); n == want {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(poll):
		}
	}
}

// navigate loads u with the page load budget. Timeouts are logged and
// otherwise ignored.
func (e *Explorer) navigate(ctx context.Context, d browser.Driver, u string) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	nctx := ctx
	if t := e.cfg.Crawl.PageLoadTimeout; t > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	err := d.Navigate(nctx, u)
	if err == nil {
		return nil
	}
	if errors.Is(err, browser.ErrTimeout) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		e.logger.Warn("Page load timed out, continuing.", zap.String("url", u), zap.Error(ErrNavigationTimeout))
		return nil
	}
	return err
}

// insideForm reports whether a clickable element submits a form.
func (e *Explorer) insideForm(ctx context.Context, d browser.Driver, el browser.ElementRef, c candidate) bool {
	if c.component.Type != "button" {
		return false
	}
	if t := c.component.Fingerprint.Attributes["type"]; t != "" && t != "submit" && t != "image" {
		return false
	}
	refs, err := d.FindElementsFrom(ctx, el, schemas.XPath("ancestor::form"))
	return err == nil && len(refs) > 0
}

// linkFilter keeps exploration on the start site.
func (e *Explorer) linkFilter(scope *Scope, base string) func(string) bool {
	return func(href string) bool {
		if href == "" {
			return true
		}
		b, err := url.Parse(base)
		if err != nil {
			return false
		}
		u, err := b.Parse(href)
		if err != nil {
			return false
		}
		switch u.Scheme {
		case "http", "https":
			return scope.InScope(u)
		case "javascript":
			return true
		}
		return false
	}
}
