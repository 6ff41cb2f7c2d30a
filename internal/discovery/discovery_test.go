// internal/discovery/discovery_test.go
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
	"github.com/xkilldash9x/cartographer/internal/browser/browsertest"
	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/flows"
)

const origin = "https://shop.test"

func page(title, body string) string {
	return fmt.Sprintf(`<html><head><title>%s</title></head><body>%s</body></html>`, title, body)
}

type fixture struct {
	explorer *Explorer
	launcher *browsertest.Launcher
	pool     *browser.Pool
	cfg      *config.Config
}

func newFixture(t *testing.T, site *browsertest.Site, mutate func(*config.Config), opts ...Option) *fixture {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Crawl.Concurrency = 2
	cfg.Crawl.Timeout = 10 * time.Second
	cfg.Crawl.PageLoadTimeout = time.Second
	cfg.Explore.ChangeTimeout = 40 * time.Millisecond
	cfg.Explore.PollInterval = 5 * time.Millisecond
	cfg.Explore.BacktrackTimeout = time.Second
	cfg.Resolver.LookupTimeout = time.Second
	cfg.Resolver.CaptureVisual = false
	if mutate != nil {
		mutate(cfg)
	}

	logger := zaptest.NewLogger(t)
	launcher := browsertest.NewLauncher(site)
	pool := browser.NewPool(launcher, browser.LaunchSpec{Timeout: time.Second}, logger, browser.WithMaxSessions(4))
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	e, err := NewExplorer(cfg, pool, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return &fixture{explorer: e, launcher: launcher, pool: pool, cfg: cfg}
}

func urls(pages []schemas.Page) []string {
	out := make([]string, 0, len(pages))
	for _, p := range pages {
		out = append(out, p.URL)
	}
	return out
}

// -- Link crawl --

func TestCrawl_FollowsLinkChain(t *testing.T) {
	site := browsertest.NewSite(map[string]string{
		origin + "/":  page("A", `<a href="/b">to b</a>`),
		origin + "/b": page("B", `<a href="/c">to c</a>`),
		origin + "/c": page("C", `<a href="/">home</a><a href="https://elsewhere.test/x">away</a>`),
	})
	f := newFixture(t, site, nil)

	res, err := f.explorer.Crawl(context.Background(), nil, origin, 10)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, res.Reason)
	assert.ElementsMatch(t, []string{origin + "/", origin + "/b", origin + "/c"}, urls(res.Pages))
	assert.Zero(t, site.Visits("https://elsewhere.test/x"))
}

func TestCrawl_VisitsEachURLOnce(t *testing.T) {
	site := browsertest.NewSite(map[string]string{
		origin + "/": page("Home", `<a href="/b">b</a><a href="/b#top">b again</a><a href="/c">c</a>`),
		origin + "/b": page("B", `<a href="/">home</a><a href="/c">c</a><a href="/b">self</a>`),
		origin + "/c": page("C", `<a href="/b">b</a><a href="/">home</a>`),
	})
	f := newFixture(t, site, func(c *config.Config) { c.Crawl.Concurrency = 3 })

	res, err := f.explorer.Crawl(context.Background(), nil, origin+"/", 10)
	require.NoError(t, err)
	assert.Len(t, res.Pages, 3)
	for _, u := range []string{origin + "/", origin + "/b", origin + "/c"} {
		assert.Equal(t, 1, site.Visits(u), u)
	}
}

func TestCrawl_RespectsPageBudget(t *testing.T) {
	pages := map[string]string{}
	links := ""
	for i := 1; i <= 6; i++ {
		u := fmt.Sprintf("/p%d", i)
		links += fmt.Sprintf(`<a href="%s">page %d</a>`, u, i)
		pages[origin+u] = page(fmt.Sprintf("P%d", i), `<a href="/">home</a>`)
	}
	pages[origin+"/"] = page("Home", links)
	site := browsertest.NewSite(pages)
	f := newFixture(t, site, nil)

	res, err := f.explorer.Crawl(context.Background(), nil, origin, 3)
	require.NoError(t, err)
	assert.Equal(t, StopBudget, res.Reason)
	assert.Len(t, res.Pages, 3)

	visited := 0
	for u := range pages {
		visited += site.Visits(u)
	}
	assert.Equal(t, 3, visited)
}

func TestCrawl_SkipsFailedNavigation(t *testing.T) {
	site := browsertest.NewSite(map[string]string{
		origin + "/":   page("Home", `<a href="/ok">ok</a><a href="/bad">bad</a>`),
		origin + "/ok": page("OK", `fine`),
	}).FailNavigation(origin + "/bad")
	f := newFixture(t, site, nil)

	res, err := f.explorer.Crawl(context.Background(), nil, origin, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{origin + "/", origin + "/ok"}, urls(res.Pages))
}

// blockingSink holds workers inside AddPage until their context ends.
type blockingSink struct{}

func (blockingSink) AddPage(ctx context.Context, _ *schemas.Page) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingSink) AddTransition(context.Context, *schemas.Transition) error { return nil }

func TestCrawl_TimeoutReturnsPartialResults(t *testing.T) {
	site := browsertest.NewSite(map[string]string{
		origin + "/":  page("Home", `<a href="/b">b</a>`),
		origin + "/b": page("B", `b`),
	})
	f := newFixture(t, site, func(c *config.Config) {
		c.Crawl.Concurrency = 1
		c.Crawl.Timeout = 100 * time.Millisecond
	}, WithSink(blockingSink{}))

	started := time.Now()
	res, err := f.explorer.Crawl(context.Background(), nil, origin, 10)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, StopTimeout, res.Reason)
	assert.Equal(t, []string{origin + "/"}, urls(res.Pages))

	// No worker or waiter outlives the crawl.
	require.NoError(t, f.pool.Shutdown(context.Background()))
	goleak.VerifyNone(t)
}

func TestCrawl_StopRequested(t *testing.T) {
	site := browsertest.NewSite(map[string]string{origin + "/": page("Home", `x`)})
	f := newFixture(t, site, nil)

	run := NewRun()
	run.Stop()
	res, err := f.explorer.Crawl(context.Background(), run, origin, 10)
	require.NoError(t, err)
	assert.Equal(t, StopRequested, res.Reason)
	assert.Empty(t, res.Pages)
	assert.Zero(t, site.Visits(origin+"/"))
}

func TestCrawl_NoSessions(t *testing.T) {
	site := browsertest.NewSite(map[string]string{origin + "/": page("Home", `x`)})
	f := newFixture(t, site, nil)
	f.launcher.FailAll = true

	res, err := f.explorer.Crawl(context.Background(), nil, origin, 10)
	assert.ErrorIs(t, err, ErrNoSessions)
	require.NotNil(t, res)
	assert.Empty(t, res.Pages)
}

func TestCrawl_AuthenticatesBeforeCrawling(t *testing.T) {
	login := page("Sign in", `<form action="/session">
<input id="user" name="username"><input id="pass" name="password" type="password">
<button type="submit">Log in</button></form>`)
	site := browsertest.NewSite(map[string]string{
		origin + "/login":   login,
		origin + "/session": page("Welcome", `<a href="/">home</a>`),
		origin + "/":        page("Dashboard", `<a href="/account">account</a>`),
		origin + "/account": page("Account", `settings`),
	}).
		SetsCookie(origin+"/session", schemas.Cookie{Name: "sid", Value: "s3cret", Domain: "shop.test", Path: "/"}).
		Protect(origin+"/", "sid", origin+"/login").
		Protect(origin+"/account", "sid", origin+"/login")

	f := newFixture(t, site, func(c *config.Config) {
		c.Crawl.Concurrency = 1
		c.Auth = config.AuthConfig{
			Enabled:          true,
			LoginURL:         origin + "/login",
			Username:         "alice",
			Password:         "wonderland",
			UsernameSelector: "id:user",
			PasswordSelector: "id:pass",
		}
	})

	res, err := f.explorer.Crawl(context.Background(), nil, origin, 10)
	require.NoError(t, err)

	titles := map[string]string{}
	for _, p := range res.Pages {
		titles[p.URL] = p.Title
	}
	assert.Equal(t, "Dashboard", titles[origin+"/"])
	assert.Equal(t, "Account", titles[origin+"/account"])
}

func TestCrawl_SeedsFromSitemap(t *testing.T) {
	var base string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			fmt.Fprintf(w, "User-agent: *\nSitemap: %s/pages.xml\n", base)
		case "/pages.xml":
			fmt.Fprintf(w, `<?xml version="1.0"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"><url><loc>%s/orphan</loc></url></urlset>`, base)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	base = srv.URL

	site := browsertest.NewSite(map[string]string{
		base + "/":       page("Home", `nothing links to the orphan`),
		base + "/orphan": page("Orphan", `found via sitemap`),
	})
	f := newFixture(t, site, func(c *config.Config) { c.Crawl.SeedSitemaps = true },
		WithHTTPClient(NewHTTPClient(time.Second, zaptest.NewLogger(t))))

	res, err := f.explorer.Crawl(context.Background(), nil, base, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{base + "/", base + "/orphan"}, urls(res.Pages))
}

// -- Interactive exploration --

const panelHome = `<a href="/about">About us</a>
<button id="more" data-toggle="#panel">More</button>
<div id="panel" hidden><p>Extra details</p></div>`

type recordingSink struct {
	mu          sync.Mutex
	pages       []string
	transitions []schemas.Transition
}

func (s *recordingSink) AddPage(_ context.Context, p *schemas.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, p.ID)
	return nil
}

func (s *recordingSink) AddTransition(_ context.Context, t *schemas.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, *t)
	return nil
}

func TestExplore_DiscoversStatesAndTransitions(t *testing.T) {
	site := browsertest.NewSite(map[string]string{
		origin + "/":      page("Home", panelHome),
		origin + "/about": page("About", `<a href="/">Home</a>`),
	})
	sink := &recordingSink{}
	f := newFixture(t, site, nil, WithSink(sink))

	res, err := f.explorer.Explore(context.Background(), nil, origin+"/", DefaultExploreOptions(f.cfg))
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, res.Reason)

	// home, home with the panel open, about
	require.Len(t, res.Pages, 3)
	byID := map[string]schemas.Page{}
	keys := map[string]bool{}
	for _, p := range res.Pages {
		byID[p.ID] = p
		keys[p.StateKey] = true
	}
	assert.Len(t, keys, 3, "every page is a distinct state")
	assert.Equal(t, origin+"/", res.Pages[0].URL)

	var sawToggle, sawNav bool
	for _, tr := range res.Transitions {
		src, dst := byID[tr.SourcePageID], byID[tr.TargetPageID]
		require.NotEmpty(t, src.ID, "transition source is a known page")
		require.NotEmpty(t, dst.ID, "transition target is a known page")
		if tr.Kind == schemas.KindStateChange && src.URL == dst.URL {
			sawToggle = true
		}
		if tr.Kind == schemas.KindNavigation && dst.URL == origin+"/about" {
			sawNav = true
		}
	}
	assert.True(t, sawToggle, "panel toggle recorded as a state change")
	assert.True(t, sawNav, "link recorded as navigation")

	assert.Len(t, sink.pages, 3)
	assert.Len(t, sink.transitions, len(res.Transitions))
	assert.NotEmpty(t, res.InteractionLog)
}

func TestExplore_PageBudget(t *testing.T) {
	site := browsertest.NewSite(map[string]string{
		origin + "/":      page("Home", panelHome),
		origin + "/about": page("About", `about`),
	})
	f := newFixture(t, site, nil)

	opts := DefaultExploreOptions(f.cfg)
	opts.MaxPages = 1
	res, err := f.explorer.Explore(context.Background(), nil, origin+"/", opts)
	require.NoError(t, err)
	assert.Equal(t, StopBudget, res.Reason)
	assert.Len(t, res.Pages, 1)
}

func TestExplore_DepthLimit(t *testing.T) {
	site := browsertest.NewSite(map[string]string{
		origin + "/":  page("A", `<a href="/b">to b</a>`),
		origin + "/b": page("B", `<a href="/c">to c</a>`),
		origin + "/c": page("C", `<a href="/d">to d</a>`),
		origin + "/d": page("D", `end`),
	})
	f := newFixture(t, site, nil)

	opts := DefaultExploreOptions(f.cfg)
	opts.MaxDepth = 1
	res, err := f.explorer.Explore(context.Background(), nil, origin+"/", opts)
	require.NoError(t, err)
	// B is recorded but not explored, so C is never reached.
	assert.ElementsMatch(t, []string{origin + "/", origin + "/b"}, urls(res.Pages))
	assert.Zero(t, site.Visits(origin+"/c"))
}

func TestExplore_StopRequested(t *testing.T) {
	site := browsertest.NewSite(map[string]string{origin + "/": page("Home", panelHome)})
	f := newFixture(t, site, nil)

	run := NewRun()
	run.Stop()
	res, err := f.explorer.Explore(context.Background(), run, origin+"/", DefaultExploreOptions(f.cfg))
	require.NoError(t, err)
	assert.Equal(t, StopRequested, res.Reason)
	assert.Len(t, res.Pages, 1)
	assert.Empty(t, res.Transitions)
}

func TestExplore_NewWindowIsClosedAfterwards(t *testing.T) {
	site := browsertest.NewSite(map[string]string{
		origin + "/":     page("Home", `<a href="/help" target="_blank">Help</a>`),
		origin + "/help": page("Help", `read the manual`),
	})
	f := newFixture(t, site, nil)

	res, err := f.explorer.Explore(context.Background(), nil, origin+"/", DefaultExploreOptions(f.cfg))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{origin + "/", origin + "/help"}, urls(res.Pages))
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, schemas.KindNavigation, res.Transitions[0].Kind)

	browsers := f.launcher.Browsers()
	require.Len(t, browsers, 1)
	handles, err := browsers[0].WindowHandles(context.Background())
	require.NoError(t, err)
	assert.Len(t, handles, 1)
}

func TestExplore_FormSubmissionAndFieldLog(t *testing.T) {
	form := `<form action="/saved">
<input type="checkbox" name="other" data-toggle="#reason">
<input id="reason" name="reason" hidden>
<button type="submit">Save</button></form>`
	site := browsertest.NewSite(map[string]string{
		origin + "/":      page("Survey", form),
		origin + "/saved": page("Saved", `thank you`),
	})
	f := newFixture(t, site, nil)

	res, err := f.explorer.Explore(context.Background(), nil, origin+"/", DefaultExploreOptions(f.cfg))
	require.NoError(t, err)

	var submitted bool
	for _, tr := range res.Transitions {
		if tr.FormSubmission {
			submitted = true
			assert.Equal(t, schemas.KindFormSubmission, tr.Kind)
		}
	}
	assert.True(t, submitted, "submit button recorded as a form submission")

	field := func(states []schemas.FieldState, key string) schemas.FieldState {
		for _, s := range states {
			if s.Key == key {
				return s
			}
		}
		t.Fatalf("no field %q", key)
		return schemas.FieldState{}
	}
	var found bool
	for _, rec := range res.InteractionLog {
		if rec.Controller != "other" {
			continue
		}
		found = true
		assert.False(t, field(rec.Before, "reason").Visible)
		assert.True(t, field(rec.After, "reason").Visible)
		break
	}
	assert.True(t, found, "checkbox interaction logged")
}

func TestExplore_CheckboxRevealsDependentField(t *testing.T) {
	form := `<form action="/saved">
<input type="checkbox" name="other" data-toggle="#reason">
<input id="reason" name="reason" hidden>
<button type="submit">Save</button></form>`
	site := browsertest.NewSite(map[string]string{
		origin + "/":      page("Survey", form),
		origin + "/saved": page("Saved", `thank you`),
	})
	f := newFixture(t, site, nil)

	res, err := f.explorer.Explore(context.Background(), nil, origin+"/", DefaultExploreOptions(f.cfg))
	require.NoError(t, err)

	deps := flows.InferFieldDependencies(res.InteractionLog)
	require.Len(t, deps, 1)
	assert.Equal(t, "reason", deps[0].Controlled)
	assert.Equal(t, "other", deps[0].Controller)
	assert.Contains(t, deps[0].Effects, schemas.EffectVisibility)
}

func TestExplore_KnownStateIsNotEnteredTwice(t *testing.T) {
	site := browsertest.NewSite(map[string]string{
		origin + "/": page("Home", `<a href="/about">About</a>`),
	})
	f := newFixture(t, site, nil)
	ctx := context.Background()

	id, err := f.pool.Acquire(ctx, f.explorer.kind, f.cfg.Browser.Headless)
	require.NoError(t, err)
	defer func() { _ = f.pool.Release(id) }()
	d, err := f.pool.Handle(id)
	require.NoError(t, err)
	require.NoError(t, d.Navigate(ctx, origin+"/"))

	run := NewRun()
	opts := DefaultExploreOptions(f.cfg)
	first, known, err := f.explorer.enterState(ctx, run, d, 0, opts)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.False(t, known)

	// Same state again, as when a page settles back after a transient change.
	again, known, err := f.explorer.enterState(ctx, run, d, 1, opts)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.True(t, known)
	assert.Equal(t, first.page.ID, again.page.ID)
	assert.Equal(t, 1, run.Claimed(), "a known state costs no budget")
	assert.Len(t, run.Pages(), 1)
}

func TestExplore_StartPageUnreachable(t *testing.T) {
	site := browsertest.NewSite(map[string]string{
		origin + "/": page("Home", `x`),
	}).FailNavigation(origin + "/")
	f := newFixture(t, site, nil)

	res, err := f.explorer.Explore(context.Background(), nil, origin+"/", DefaultExploreOptions(f.cfg))
	require.ErrorIs(t, err, browsertest.ErrNavigation)
	require.NotNil(t, res)
	assert.Empty(t, res.Pages)
	assert.Empty(t, res.Transitions)
}

func TestExplore_NoSessions(t *testing.T) {
	site := browsertest.NewSite(map[string]string{origin + "/": page("Home", `x`)})
	f := newFixture(t, site, nil)
	f.launcher.FailAll = true

	_, err := f.explorer.Explore(context.Background(), nil, origin+"/", DefaultExploreOptions(f.cfg))
	assert.ErrorIs(t, err, ErrNoSessions)
}

// -- Helpers --

func TestScope(t *testing.T) {
	s, err := NewScope("https://www.example.co.uk/start", false)
	require.NoError(t, err)
	assert.Equal(t, "example.co.uk", s.RootDomain())

	for raw, want := range map[string]bool{
		"https://www.example.co.uk/a": true,
		"https://example.co.uk/a":     true,
		"https://api.example.co.uk/":  false,
		"https://other.co.uk/":        false,
	} {
		n, err := s.Normalize(raw, "")
		if want {
			assert.NoError(t, err, raw)
			assert.NotEmpty(t, n)
		} else {
			assert.Error(t, err, raw)
		}
	}

	wide, err := NewScope("https://www.example.co.uk/", true)
	require.NoError(t, err)
	_, err = wide.Normalize("https://api.example.co.uk/", "")
	assert.NoError(t, err)

	_, err = s.Normalize("/logo.png", "https://www.example.co.uk/")
	assert.Error(t, err)
	_, err = s.Normalize("mailto:someone@example.co.uk", "")
	assert.Error(t, err)
	n, err := s.Normalize("b?z=1&a=2#frag", "https://WWW.example.co.uk:443/dir/")
	require.NoError(t, err)
	assert.Equal(t, "https://www.example.co.uk/dir/b?a=2&z=1", n)
}

func TestPlanInteractions(t *testing.T) {
	comp := func(typ, text string, visible, enabled bool) schemas.UIComponent {
		return schemas.UIComponent{
			Type: typ, Text: text, Visible: visible, Enabled: enabled,
			Locator:     schemas.XPath("//" + typ + "[" + text + "]"),
			Fingerprint: schemas.ElementFingerprint{Attributes: map[string]string{"href": "/x"}},
		}
	}
	components := []schemas.UIComponent{
		comp("input", "", true, true),
		comp("link", "", true, true),
		comp("link", "Docs", true, true),
		comp("button", "Go", true, true),
		comp("button", "Hidden", false, true),
		comp("button", "Off", true, false),
		comp("interactive", "div", true, true),
	}

	plan := planInteractions(components, true, 0, nil)
	var order []string
	for _, c := range plan {
		order = append(order, c.component.Type+":"+c.component.Text)
	}
	assert.Equal(t, []string{"button:Go", "link:Docs", "link:", "input:", "interactive:div"}, order)

	assert.Len(t, planInteractions(components, false, 0, nil), 4)

	// The cap applies to the ranked list; hidden and disabled buttons
	// still take their slots.
	capped := planInteractions(components, true, 4, nil)
	order = order[:0]
	for _, c := range capped {
		order = append(order, c.component.Type+":"+c.component.Text)
	}
	assert.Equal(t, []string{"button:Go", "link:Docs"}, order)
	assert.Len(t, planInteractions(components, true, 2, nil), 1)
	noLinks := planInteractions(components, true, 0, func(string) bool { return false })
	assert.Len(t, noLinks, 3)
}

func TestInputPayload(t *testing.T) {
	assert.Equal(t, "test.user@example.com", inputPayload(schemas.UIComponent{Subtype: "email"}))
	assert.Equal(t, "42", inputPayload(schemas.UIComponent{Subtype: "number"}))
	assert.Equal(t, "555-0199", inputPayload(schemas.UIComponent{
		Subtype:     "text",
		Fingerprint: schemas.ElementFingerprint{Name: "phone"},
	}))
	assert.Equal(t, "This is a sample message.", inputPayload(schemas.UIComponent{Type: "textarea"}))
}

func TestRun_BudgetAndDedup(t *testing.T) {
	r := NewRun()
	assert.True(t, r.MarkVisited("a"))
	assert.False(t, r.MarkVisited("a"))
	assert.True(t, r.Visited("a"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.claimBudget(10) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, granted)
	assert.Equal(t, 10, r.Claimed())

	p := &schemas.Page{ID: "p1"}
	got, isNew := r.AddPage("k", p)
	assert.True(t, isNew)
	assert.Same(t, p, got)
	got, isNew = r.AddPage("k", &schemas.Page{ID: "p2"})
	assert.False(t, isNew)
	assert.Equal(t, "p1", got.ID)

	tr := schemas.Transition{RunID: "r", SourcePageID: "a", TargetPageID: "b", Kind: schemas.KindNavigation}
	assert.Equal(t, transitionID(tr), transitionID(tr))
	other := tr
	other.TargetPageID = "c"
	assert.NotEqual(t, transitionID(tr), transitionID(other))
}
