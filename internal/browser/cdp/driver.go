// internal/browser/cdp/driver.go
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	cdpcore "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
)

// Driver implements browser.Driver over the DevTools protocol. Windows are
// page targets and element refs are DOM node ids.
type Driver struct {
	logger     *zap.Logger
	shutdown   func()
	rootCtx    context.Context
	rootHandle string

	mu      sync.Mutex
	tabs    map[string]tab
	current string
	nodes   map[cdpcore.NodeID]*cdpcore.Node
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

var _ browser.Driver = (*Driver)(nil)

func newDriver(rootCtx context.Context, shutdown func(), logger *zap.Logger) *Driver {
	handle := ""
	if c := chromedp.FromContext(rootCtx); c != nil && c.Target != nil {
		handle = string(c.Target.TargetID)
	}
	return &Driver{
		logger:     logger.With(zap.String("target", handle)),
		shutdown:   shutdown,
		rootCtx:    rootCtx,
		rootHandle: handle,
		tabs:       map[string]tab{handle: {ctx: rootCtx, cancel: func() {}}},
		current:    handle,
		nodes:      make(map[cdpcore.NodeID]*cdpcore.Node),
	}
}

func (d *Driver) SessionID() string { return d.rootHandle }

func (d *Driver) currentTab() (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tabs[d.current]
	if !ok {
		return nil, browser.ErrNoSuchWindow
	}
	return t.ctx, nil
}

// run executes actions on the current tab, bounded by ctx.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	tabCtx, err := d.currentTab()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", browser.ErrTimeout, ctx.Err())
		}
		return err
	}
	return nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.forgetNodes()
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := d.run(ctx, chromedp.Location(&u))
	return u, err
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	var t string
	err := d.run(ctx, chromedp.Title(&t))
	return t, err
}

func (d *Driver) PageSource(ctx context.Context) (string, error) {
	var html string
	err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (d *Driver) Back(ctx context.Context) error {
	d.forgetNodes()
	return d.run(ctx, chromedp.NavigateBack())
}

func (d *Driver) Refresh(ctx context.Context) error {
	d.forgetNodes()
	return d.run(ctx, chromedp.Reload())
}

func (d *Driver) WindowHandles(ctx context.Context) ([]string, error) {
	infos, err := chromedp.Targets(d.rootCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	handles := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			handles = append(handles, string(info.TargetID))
		}
	}
	return handles, nil
}

func (d *Driver) CurrentWindow(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tabs[d.current]; !ok {
		return "", browser.ErrNoSuchWindow
	}
	return d.current, nil
}

func (d *Driver) SwitchWindow(ctx context.Context, handle string) error {
	d.mu.Lock()
	if _, ok := d.tabs[handle]; ok {
		d.current = handle
		d.nodes = make(map[cdpcore.NodeID]*cdpcore.Node)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(d.rootCtx, chromedp.WithTargetID(target.ID(handle)))
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return fmt.Errorf("attach to window %s: %w", handle, err)
	}

	d.mu.Lock()
	d.tabs[handle] = tab{ctx: tabCtx, cancel: cancel}
	d.current = handle
	d.nodes = make(map[cdpcore.NodeID]*cdpcore.Node)
	d.mu.Unlock()
	return nil
}

func (d *Driver) CloseWindow(ctx context.Context) error {
	d.mu.Lock()
	handle := d.current
	t, ok := d.tabs[handle]
	d.mu.Unlock()
	if !ok {
		return browser.ErrNoSuchWindow
	}

	c := chromedp.FromContext(d.rootCtx)
	if err := target.CloseTarget(target.ID(handle)).Do(cdpcore.WithExecutor(ctx, c.Browser)); err != nil {
		return fmt.Errorf("close window %s: %w", handle, err)
	}

	d.mu.Lock()
	delete(d.tabs, handle)
	d.current = ""
	d.mu.Unlock()
	if handle != d.rootHandle {
		t.cancel()
	}
	return nil
}

func (d *Driver) forgetNodes() {
	d.mu.Lock()
	d.nodes = make(map[cdpcore.NodeID]*cdpcore.Node)
	d.mu.Unlock()
}

func (d *Driver) remember(nodes []*cdpcore.Node) []browser.ElementRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	refs := make([]browser.ElementRef, 0, len(nodes))
	for _, n := range nodes {
		d.nodes[n.NodeID] = n
		refs = append(refs, browser.ElementRef(strconv.FormatInt(int64(n.NodeID), 10)))
	}
	return refs
}

func (d *Driver) node(el browser.ElementRef) (*cdpcore.Node, error) {
	id, err := strconv.ParseInt(string(el), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ref %q", browser.ErrNoSuchElement, el)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[cdpcore.NodeID(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", browser.ErrStaleElement, el)
	}
	return n, nil
}

func queryOptions(loc schemas.Locator) (string, []chromedp.QueryOption) {
	strategy, value := loc.WireForm()
	switch strategy {
	case schemas.StrategyXPath:
		return value, []chromedp.QueryOption{chromedp.BySearch, chromedp.AtLeast(0)}
	case schemas.StrategyText:
		return "//a[normalize-space(.)=" + schemas.XPathLiteral(value) + "]", []chromedp.QueryOption{chromedp.BySearch, chromedp.AtLeast(0)}
	default:
		return value, []chromedp.QueryOption{chromedp.ByQueryAll, chromedp.AtLeast(0)}
	}
}

func (d *Driver) FindElements(ctx context.Context, loc schemas.Locator) ([]browser.ElementRef, error) {
	sel, opts := queryOptions(loc)
	var nodes []*cdpcore.Node
	if err := d.run(ctx, chromedp.Nodes(sel, &nodes, opts...)); err != nil {
		return nil, fmt.Errorf("find %s: %w", loc, err)
	}
	return d.remember(nodes), nil
}

func (d *Driver) FindElementsFrom(ctx context.Context, parent browser.ElementRef, loc schemas.Locator) ([]browser.ElementRef, error) {
	p, err := d.node(parent)
	if err != nil {
		return nil, err
	}
	sel, opts := queryOptions(loc)
	opts = append(opts, chromedp.FromNode(p))
	var nodes []*cdpcore.Node
	if err := d.run(ctx, chromedp.Nodes(sel, &nodes, opts...)); err != nil {
		return nil, fmt.Errorf("find %s under %s: %w", loc, parent, err)
	}
	return d.remember(nodes), nil
}

// callOn runs fn with the element bound to this.
func (d *Driver) callOn(ctx context.Context, el browser.ElementRef, fn string, out interface{}, args ...interface{}) error {
	n, err := d.node(el)
	if err != nil {
		return err
	}
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return chromedp.CallFunctionOnNode(ctx, n, fn, out, args...)
	}))
}

func (d *Driver) TagName(ctx context.Context, el browser.ElementRef) (string, error) {
	var v string
	err := d.callOn(ctx, el, `function() { return this.tagName.toLowerCase(); }`, &v)
	return v, err
}

func (d *Driver) Text(ctx context.Context, el browser.ElementRef) (string, error) {
	var v string
	err := d.callOn(ctx, el, `function() { return (this.innerText || "").trim(); }`, &v)
	return v, err
}

func (d *Driver) Attribute(ctx context.Context, el browser.ElementRef, name string) (string, error) {
	var v string
	err := d.callOn(ctx, el, `function(n) { const v = this.getAttribute(n); return v === null ? "" : v; }`, &v, name)
	return v, err
}

func (d *Driver) CSSValue(ctx context.Context, el browser.ElementRef, property string) (string, error) {
	var v string
	err := d.callOn(ctx, el, `function(p) { return window.getComputedStyle(this).getPropertyValue(p); }`, &v, property)
	return v, err
}

func (d *Driver) Rect(ctx context.Context, el browser.ElementRef) (schemas.Rect, error) {
	var r schemas.Rect
	err := d.callOn(ctx, el, `function() {
		const r = this.getBoundingClientRect();
		return {x: r.x + window.scrollX, y: r.y + window.scrollY, width: r.width, height: r.height};
	}`, &r)
	return r, err
}

func (d *Driver) IsDisplayed(ctx context.Context, el browser.ElementRef) (bool, error) {
	var v bool
	err := d.Probe(ctx, browser.ProbeVisibility, el, &v)
	return v, err
}

func (d *Driver) IsEnabled(ctx context.Context, el browser.ElementRef) (bool, error) {
	var v bool
	err := d.callOn(ctx, el, `function() { return !this.disabled; }`, &v)
	return v, err
}

func (d *Driver) IsSelected(ctx context.Context, el browser.ElementRef) (bool, error) {
	var v bool
	err := d.callOn(ctx, el, `function() { return !!(this.checked || this.selected); }`, &v)
	return v, err
}

func (d *Driver) nodeIDs(el browser.ElementRef) ([]cdpcore.NodeID, error) {
	n, err := d.node(el)
	if err != nil {
		return nil, err
	}
	return []cdpcore.NodeID{n.NodeID}, nil
}

func (d *Driver) Click(ctx context.Context, el browser.ElementRef) error {
	ids, err := d.nodeIDs(el)
	if err != nil {
		return err
	}
	return d.run(ctx, chromedp.Click(ids, chromedp.ByNodeID))
}

func (d *Driver) Clear(ctx context.Context, el browser.ElementRef) error {
	ids, err := d.nodeIDs(el)
	if err != nil {
		return err
	}
	return d.run(ctx, chromedp.Clear(ids, chromedp.ByNodeID))
}

func (d *Driver) SendKeys(ctx context.Context, el browser.ElementRef, text string) error {
	ids, err := d.nodeIDs(el)
	if err != nil {
		return err
	}
	return d.run(ctx, chromedp.SendKeys(ids, text, chromedp.ByNodeID))
}

func (d *Driver) ElementScreenshot(ctx context.Context, el browser.ElementRef) ([]byte, error) {
	ids, err := d.nodeIDs(el)
	if err != nil {
		return nil, err
	}
	var buf []byte
	err = d.run(ctx, chromedp.Screenshot(ids, &buf, chromedp.ByNodeID))
	return buf, err
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := d.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (d *Driver) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	var out []schemas.Cookie
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, schemas.Cookie{
				Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
				Secure: c.Secure, HTTPOnly: c.HTTPOnly, Expiry: int64(c.Expires),
			})
		}
		return nil
	}))
	return out, err
}

func (d *Driver) AddCookie(ctx context.Context, c schemas.Cookie) error {
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookie(c.Name, c.Value).
			WithDomain(c.Domain).
			WithPath(c.Path).
			WithSecure(c.Secure).
			WithHTTPOnly(c.HTTPOnly).
			Do(ctx)
	}))
}

// Probe evaluates a named probe. Element probes are called with the node
// bound to this and passed on as the first argument.
func (d *Driver) Probe(ctx context.Context, name browser.ProbeName, el browser.ElementRef, out interface{}) error {
	fn, err := browser.ProbeScript(name)
	if err != nil {
		return err
	}
	var raw json.RawMessage
	if el == "" {
		err = d.run(ctx, chromedp.Evaluate("("+fn+")()", &raw))
	} else {
		err = d.callOn(ctx, el, "function() { return ("+fn+")(this); }", &raw)
	}
	if err != nil {
		return fmt.Errorf("probe %s: %w", name, err)
	}
	if out == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Quit closes every attached tab and the browser process.
func (d *Driver) Quit(ctx context.Context) error {
	d.mu.Lock()
	for h, t := range d.tabs {
		if h != d.rootHandle {
			t.cancel()
		}
	}
	d.tabs = map[string]tab{}
	d.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(d.rootCtx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	d.shutdown()
	return err
}
