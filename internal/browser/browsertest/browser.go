// internal/browser/browsertest/browser.go
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
)

// ErrClosed is returned by every call after Quit.
var ErrClosed = errors.New("browser session closed")

// Browser is a browser.Driver backed by parsed HTML. Clicks follow a small
// set of conventions:
//
//	a[href], [data-href]     navigate (target=_blank opens a window)
//	[data-open]              opens a window
//	[data-toggle="#id"]      toggles the hidden attribute of #id
//	[data-enable="#id"]      toggles the disabled attribute of #id
//	option[data-fill="#id"]  replaces the options of #id with data-values
//	checkbox, radio          toggle checked
//	submit in a form         navigates to the form action
type Browser struct {
	id   string
	site *Site

	mu      sync.Mutex
	closed  bool
	windows map[string]*window
	order   []string
	current string
	nextWin int
	refs    map[browser.ElementRef]ref
	nextRef int
	cookies []schemas.Cookie
	clicks  []string
}

type window struct {
	history []string
	pos     int
	doc     *html.Node
	gen     int
}

type ref struct {
	window string
	gen    int
	node   *html.Node
}

var _ browser.Driver = (*Browser)(nil)

// NewBrowser opens a browser with one blank window.
func NewBrowser(id string, site *Site) *Browser {
	b := &Browser{
		id:      id,
		site:    site,
		windows: make(map[string]*window),
		refs:    make(map[browser.ElementRef]ref),
	}
	b.current = b.openWindowLocked()
	return b
}

func (b *Browser) SessionID() string { return b.id }

// Clicks lists the xpath of every clicked element, in order.
func (b *Browser) Clicks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.clicks...)
}

// Closed reports whether Quit was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Browser) openWindowLocked() string {
	b.nextWin++
	h := "window-" + strconv.Itoa(b.nextWin)
	doc, _ := htmlquery.Parse(strings.NewReader("<html><head></head><body></body></html>"))
	b.windows[h] = &window{history: []string{"about:blank"}, doc: doc}
	b.order = append(b.order, h)
	return h
}

func (b *Browser) win() (*window, error) {
	if b.closed {
		return nil, ErrClosed
	}
	w, ok := b.windows[b.current]
	if !ok {
		return nil, browser.ErrNoSuchWindow
	}
	return w, nil
}

func (b *Browser) render(w *window, rawURL, page string) error {
	doc, err := htmlquery.Parse(strings.NewReader(page))
	if err != nil {
		return fmt.Errorf("parse %s: %w", rawURL, err)
	}
	w.doc = doc
	w.gen++
	return nil
}

// loadLocked fetches rawURL into w, pushing history when push is set.
func (b *Browser) loadLocked(w *window, rawURL string, push bool) error {
	final, page, set, err := b.site.load(rawURL, b.cookies)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	for _, c := range set {
		b.setCookieLocked(c)
	}
	if push {
		w.history = append(w.history[:w.pos+1], final)
		w.pos = len(w.history) - 1
	} else {
		w.history[w.pos] = final
	}
	return b.render(w, final, page)
}

func (b *Browser) Navigate(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.win()
	if err != nil {
		return err
	}
	return b.loadLocked(w, rawURL, true)
}

func (b *Browser) CurrentURL(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.win()
	if err != nil {
		return "", err
	}
	return w.history[w.pos], nil
}

func (b *Browser) Title(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.win()
	if err != nil {
		return "", err
	}
	if t := htmlquery.FindOne(w.doc, "//title"); t != nil {
		return strings.TrimSpace(htmlquery.InnerText(t)), nil
	}
	return "", nil
}

func (b *Browser) PageSource(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.win()
	if err != nil {
		return "", err
	}
	return htmlquery.OutputHTML(w.doc, true), nil
}

func (b *Browser) Back(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.win()
	if err != nil {
		return err
	}
	if w.pos == 0 {
		return nil
	}
	w.pos--
	return b.loadLocked(w, w.history[w.pos], false)
}

func (b *Browser) Refresh(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.win()
	if err != nil {
		return err
	}
	return b.loadLocked(w, w.history[w.pos], false)
}

func (b *Browser) WindowHandles(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return append([]string(nil), b.order...), nil
}

func (b *Browser) CurrentWindow(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.win(); err != nil {
		return "", err
	}
	return b.current, nil
}

func (b *Browser) SwitchWindow(ctx context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.windows[handle]; !ok {
		return browser.ErrNoSuchWindow
	}
	b.current = handle
	return nil
}

func (b *Browser) CloseWindow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.win(); err != nil {
		return err
	}
	delete(b.windows, b.current)
	for i, h := range b.order {
		if h == b.current {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.current = ""
	return nil
}

func (b *Browser) refLocked(n *html.Node) browser.ElementRef {
	b.nextRef++
	r := browser.ElementRef("el-" + strconv.Itoa(b.nextRef))
	b.refs[r] = ref{window: b.current, gen: b.windows[b.current].gen, node: n}
	return r
}

func (b *Browser) nodeLocked(el browser.ElementRef) (*html.Node, error) {
	w, err := b.win()
	if err != nil {
		return nil, err
	}
	r, ok := b.refs[el]
	if !ok {
		return nil, fmt.Errorf("%w: %s", browser.ErrNoSuchElement, el)
	}
	if r.window != b.current || r.gen != w.gen {
		return nil, fmt.Errorf("%w: %s", browser.ErrStaleElement, el)
	}
	return r.node, nil
}

func xpathFor(loc schemas.Locator) (string, error) {
	strategy, value := loc.WireForm()
	switch strategy {
	case schemas.StrategyXPath:
		return value, nil
	case schemas.StrategyText:
		return "//a[normalize-space(.)=" + schemas.XPathLiteral(value) + "]", nil
	}
	return "", fmt.Errorf("browsertest supports xpath, id and link text locators, got %q", loc)
}

func (b *Browser) query(top *html.Node, loc schemas.Locator) ([]browser.ElementRef, error) {
	expr, err := xpathFor(loc)
	if err != nil {
		return nil, err
	}
	nodes, err := htmlquery.QueryAll(top, expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", expr, err)
	}
	refs := make([]browser.ElementRef, 0, len(nodes))
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			refs = append(refs, b.refLocked(n))
		}
	}
	return refs, nil
}

func (b *Browser) FindElements(ctx context.Context, loc schemas.Locator) ([]browser.ElementRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.win()
	if err != nil {
		return nil, err
	}
	return b.query(w.doc, loc)
}

func (b *Browser) FindElementsFrom(ctx context.Context, parent browser.ElementRef, loc schemas.Locator) ([]browser.ElementRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.nodeLocked(parent)
	if err != nil {
		return nil, err
	}
	return b.query(n, loc)
}

// read resolves el and applies fn under the lock.
func read[T any](b *Browser, el browser.ElementRef, fn func(w *window, n *html.Node) T) (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	n, err := b.nodeLocked(el)
	if err != nil {
		return zero, err
	}
	return fn(b.windows[b.current], n), nil
}

func (b *Browser) TagName(ctx context.Context, el browser.ElementRef) (string, error) {
	return read(b, el, func(_ *window, n *html.Node) string { return n.Data })
}

func (b *Browser) Text(ctx context.Context, el browser.ElementRef) (string, error) {
	return read(b, el, func(_ *window, n *html.Node) string { return visibleText(n) })
}

func (b *Browser) Attribute(ctx context.Context, el browser.ElementRef, name string) (string, error) {
	return read(b, el, func(_ *window, n *html.Node) string { return attr(n, name) })
}

func (b *Browser) CSSValue(ctx context.Context, el browser.ElementRef, property string) (string, error) {
	return read(b, el, func(_ *window, n *html.Node) string { return styleValue(n, property) })
}

func (b *Browser) Rect(ctx context.Context, el browser.ElementRef) (schemas.Rect, error) {
	return read(b, el, func(w *window, n *html.Node) schemas.Rect {
		x, y, width, height := rect(w.doc, n)
		return schemas.Rect{X: x, Y: y, Width: width, Height: height}
	})
}

func (b *Browser) IsDisplayed(ctx context.Context, el browser.ElementRef) (bool, error) {
	return read(b, el, func(_ *window, n *html.Node) bool { return visible(n) })
}

func (b *Browser) IsEnabled(ctx context.Context, el browser.ElementRef) (bool, error) {
	return read(b, el, func(_ *window, n *html.Node) bool { return enabled(n) })
}

func (b *Browser) IsSelected(ctx context.Context, el browser.ElementRef) (bool, error) {
	return read(b, el, func(_ *window, n *html.Node) bool {
		return hasAttr(n, "checked") || hasAttr(n, "selected")
	})
}

func (b *Browser) Clear(ctx context.Context, el browser.ElementRef) error {
	_, err := read(b, el, func(_ *window, n *html.Node) struct{} {
		setAttr(n, "value", "")
		return struct{}{}
	})
	return err
}

func (b *Browser) SendKeys(ctx context.Context, el browser.ElementRef, text string) error {
	_, err := read(b, el, func(_ *window, n *html.Node) struct{} {
		setAttr(n, "value", attr(n, "value")+text)
		return struct{}{}
	})
	return err
}

func (b *Browser) ElementScreenshot(ctx context.Context, el browser.ElementRef) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.nodeLocked(el)
	if err != nil {
		return nil, err
	}
	return snapshot(n)
}

func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.win()
	if err != nil {
		return nil, err
	}
	if bd := body(w.doc); bd != nil {
		return snapshot(bd)
	}
	return snapshot(w.doc)
}

func (b *Browser) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return append([]schemas.Cookie(nil), b.cookies...), nil
}

func (b *Browser) AddCookie(ctx context.Context, c schemas.Cookie) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.setCookieLocked(c)
	return nil
}

func (b *Browser) setCookieLocked(c schemas.Cookie) {
	for i, existing := range b.cookies {
		if existing.Name == c.Name {
			b.cookies[i] = c
			return
		}
	}
	b.cookies = append(b.cookies, c)
}

func (b *Browser) Click(ctx context.Context, el browser.ElementRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.nodeLocked(el)
	if err != nil {
		return err
	}
	w := b.windows[b.current]
	b.clicks = append(b.clicks, xpathOf(n))
	if !enabled(n) {
		return nil
	}

	if target := attr(n, "data-toggle"); target != "" {
		b.toggle(w.doc, target, "hidden")
	}
	if target := attr(n, "data-enable"); target != "" {
		b.toggle(w.doc, target, "disabled")
	}
	if dest := attr(n, "data-open"); dest != "" {
		return b.openLocked(w, dest)
	}
	if dest := attr(n, "data-href"); dest != "" {
		return b.followLocked(w, dest)
	}

	switch n.Data {
	case "a":
		href := attr(n, "href")
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return nil
		}
		if attr(n, "target") == "_blank" {
			return b.openLocked(w, href)
		}
		return b.followLocked(w, href)
	case "option":
		b.selectOption(w.doc, n)
		return nil
	case "input":
		switch strings.ToLower(attr(n, "type")) {
		case "checkbox", "radio":
			toggleAttr(n, "checked")
			return nil
		case "submit":
			return b.submitLocked(w, n)
		}
	case "button":
		typ := strings.ToLower(attr(n, "type"))
		if typ == "submit" || (typ == "" && !hasAttr(n, "data-toggle") && !hasAttr(n, "data-enable")) {
			return b.submitLocked(w, n)
		}
	}
	return nil
}

func (b *Browser) toggle(doc *html.Node, selector, attribute string) {
	id := strings.TrimPrefix(selector, "#")
	if t := htmlquery.FindOne(doc, "//*[@id="+schemas.XPathLiteral(id)+"]"); t != nil {
		toggleAttr(t, attribute)
	}
}

func (b *Browser) selectOption(doc *html.Node, opt *html.Node) {
	sel := closest(opt, "select")
	if sel == nil {
		return
	}
	for _, o := range options(sel) {
		removeAttr(o, "selected")
	}
	setAttr(opt, "selected", "")
	if target := attr(sel, "data-toggle"); target != "" {
		b.toggle(doc, target, "hidden")
	}
	if target := attr(opt, "data-fill"); target != "" {
		id := strings.TrimPrefix(target, "#")
		dst := htmlquery.FindOne(doc, "//*[@id="+schemas.XPathLiteral(id)+"]")
		if dst == nil {
			return
		}
		for c := dst.FirstChild; c != nil; {
			next := c.NextSibling
			dst.RemoveChild(c)
			c = next
		}
		for _, v := range strings.Split(attr(opt, "data-values"), ",") {
			if v = strings.TrimSpace(v); v == "" {
				continue
			}
			o := &html.Node{Type: html.ElementNode, Data: "option", Attr: []html.Attribute{{Key: "value", Val: v}}}
			o.AppendChild(&html.Node{Type: html.TextNode, Data: v})
			dst.AppendChild(o)
		}
	}
}

func (b *Browser) resolve(w *window, ref string) string {
	base, err := url.Parse(w.history[w.pos])
	if err != nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func (b *Browser) followLocked(w *window, dest string) error {
	return b.loadLocked(w, b.resolve(w, dest), true)
}

func (b *Browser) openLocked(w *window, dest string) error {
	abs := b.resolve(w, dest)
	h := b.openWindowLocked()
	nw := b.windows[h]
	nw.history = nw.history[:0]
	nw.history = append(nw.history, "about:blank")
	return b.loadLocked(nw, abs, false)
}

func (b *Browser) submitLocked(w *window, n *html.Node) error {
	form := closest(n, "form")
	if form == nil {
		return nil
	}
	action := attr(form, "action")
	if action == "" {
		action = w.history[w.pos]
	}
	return b.followLocked(w, action)
}

func (b *Browser) Probe(ctx context.Context, name browser.ProbeName, el browser.ElementRef, out interface{}) error {
	b.mu.Lock()
	result, err := b.probeLocked(name, el)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (b *Browser) probeLocked(name browser.ProbeName, el browser.ElementRef) (interface{}, error) {
	w, err := b.win()
	if err != nil {
		return nil, err
	}
	var n *html.Node
	if el != "" {
		if n, err = b.nodeLocked(el); err != nil {
			return nil, err
		}
	}

	switch name {
	case browser.ProbeVisibleText:
		if bd := body(w.doc); bd != nil {
			return visibleText(bd), nil
		}
		return "", nil
	case browser.ProbeInteractiveCount:
		count := 0
		for _, e := range elements(w.doc) {
			if interactive(e) && visible(e) && enabled(e) {
				count++
			}
		}
		return count, nil
	case browser.ProbeInteractiveElements:
		out := []browser.ElementInfo{}
		for _, e := range elements(w.doc) {
			if interactive(e) {
				out = append(out, elementInfo(e))
			}
		}
		return out, nil
	case browser.ProbeParentDescriptor:
		return parentDescriptor(n), nil
	case browser.ProbeFormFields:
		out := []schemas.FieldState{}
		for _, e := range elements(w.doc) {
			if !isField(e) {
				continue
			}
			key := attr(e, "name")
			if key == "" {
				key = attr(e, "id")
			}
			if key == "" {
				key = xpathOf(e)
			}
			fs := schemas.FieldState{
				Key:     key,
				Tag:     e.Data,
				Type:    strings.ToLower(attr(e, "type")),
				Visible: visible(e),
				Enabled: enabled(e),
			}
			if e.Data == "select" {
				for _, o := range options(e) {
					if !hasAttr(o, "disabled") {
						fs.Options = append(fs.Options, optionValue(o))
					}
				}
			}
			out = append(out, fs)
		}
		return out, nil
	case browser.ProbeSelectOptions:
		out := []browser.SelectOption{}
		if n == nil || n.Data != "select" {
			return out, nil
		}
		for _, o := range options(n) {
			out = append(out, browser.SelectOption{
				Value:    attr(o, "value"),
				Text:     visibleTextRaw(o),
				Selected: hasAttr(o, "selected"),
				Disabled: hasAttr(o, "disabled"),
			})
		}
		return out, nil
	case browser.ProbeVisibility:
		return n != nil && visible(n), nil
	}
	return nil, fmt.Errorf("unknown probe %q", name)
}

func (b *Browser) Quit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.closed = true
	return nil
}
