// internal/browser/browsertest/dom.go
package browsertest

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"sort"
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
)

func attr(n *html.Node, name string) string {
	return htmlquery.SelectAttr(n, name)
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, name, value string) {
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func removeAttr(n *html.Node, name string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != name {
			out = append(out, a)
		}
	}
	n.Attr = out
}

func toggleAttr(n *html.Node, name string) {
	if hasAttr(n, name) {
		removeAttr(n, name)
	} else {
		setAttr(n, name, "")
	}
}

func styleValue(n *html.Node, property string) string {
	for _, decl := range strings.Split(attr(n, "style"), ";") {
		k, v, ok := strings.Cut(decl, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), property) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func selfHidden(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.Data {
	case "head", "script", "style", "template", "title", "meta":
		return true
	case "input":
		if strings.EqualFold(attr(n, "type"), "hidden") {
			return true
		}
	}
	return hasAttr(n, "hidden") ||
		styleValue(n, "display") == "none" ||
		styleValue(n, "visibility") == "hidden"
}

// visible reports whether n and all of its ancestors render.
func visible(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if selfHidden(p) {
			return false
		}
	}
	return n.Type == html.ElementNode
}

func enabled(n *html.Node) bool {
	return !hasAttr(n, "disabled") && attr(n, "aria-disabled") != "true"
}

// visibleText concatenates rendered text under n, collapsing whitespace.
func visibleText(n *html.Node) string {
	if !visible(n) {
		return ""
	}
	var parts []string
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			parts = append(parts, c.Data)
			return
		}
		if selfHidden(c) {
			return
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func body(doc *html.Node) *html.Node {
	return htmlquery.FindOne(doc, "//body")
}

// interactive mirrors the selector used by the in-page probes.
func interactive(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.Data {
	case "a":
		return hasAttr(n, "href")
	case "button", "textarea", "select", "summary":
		return true
	case "input":
		return !strings.EqualFold(attr(n, "type"), "hidden")
	}
	role := attr(n, "role")
	return hasAttr(n, "onclick") || role == "button" || role == "link"
}

func isField(n *html.Node) bool {
	switch n.Data {
	case "select", "textarea":
		return true
	case "input":
		switch strings.ToLower(attr(n, "type")) {
		case "hidden", "submit", "button":
			return false
		}
		return true
	}
	return false
}

func elements(doc *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func closest(n *html.Node, tag string) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == tag {
			return p
		}
	}
	return nil
}

// xpathOf anchors on the nearest id, otherwise indexes same-tag siblings.
func xpathOf(n *html.Node) string {
	var parts []string
	for c := n; c != nil && c.Type == html.ElementNode; c = c.Parent {
		if id := attr(c, "id"); id != "" && !strings.Contains(id, "'") {
			parts = append(parts, "//*[@id='"+id+"']")
			break
		}
		idx := 1
		for p := c.PrevSibling; p != nil; p = p.PrevSibling {
			if p.Type == html.ElementNode && p.Data == c.Data {
				idx++
			}
		}
		parts = append(parts, c.Data+"["+strconv.Itoa(idx)+"]")
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	x := strings.Join(parts, "/")
	if strings.HasPrefix(x, "//*[@id=") {
		return x
	}
	return "/" + x
}

func parentDescriptor(n *html.Node) string {
	p := n.Parent
	if p == nil || p.Type != html.ElementNode {
		return ""
	}
	d := p.Data
	if id := attr(p, "id"); id != "" {
		d += "#" + id
	}
	classes := strings.Fields(attr(p, "class"))
	sort.Strings(classes)
	if len(classes) > 0 {
		d += "." + strings.Join(classes, ".")
	}
	return d
}

func elementInfo(n *html.Node) browser.ElementInfo {
	text := visibleText(n)
	if text == "" {
		text = attr(n, "value")
	}
	if len(text) > 128 {
		text = text[:128]
	}
	return browser.ElementInfo{
		Locator:   schemas.XPath(xpathOf(n)),
		Tag:       n.Data,
		Type:      strings.ToLower(attr(n, "type")),
		ID:        attr(n, "id"),
		Name:      attr(n, "name"),
		Text:      text,
		Href:      attr(n, "href"),
		Role:      attr(n, "role"),
		AriaLabel: attr(n, "aria-label"),
		Title:     attr(n, "title"),
		Target:    attr(n, "target"),
		Visible:   visible(n),
		Enabled:   enabled(n),
		InForm:    closest(n, "form") != nil,
	}
}

func options(sel *html.Node) []*html.Node {
	var out []*html.Node
	for _, n := range elements(sel) {
		if n.Data == "option" {
			out = append(out, n)
		}
	}
	return out
}

func optionValue(o *html.Node) string {
	if v := attr(o, "value"); v != "" {
		return v
	}
	return visibleTextRaw(o)
}

// visibleTextRaw ignores visibility, for option labels.
func visibleTextRaw(n *html.Node) string {
	return strings.Join(strings.Fields(htmlquery.InnerText(n)), " ")
}

// rect reads data-rect="x,y,w,h" or lays elements out in a column by
// document order.
func rect(doc, n *html.Node) (x, y, w, h float64) {
	if !visible(n) {
		return 0, 0, 0, 0
	}
	if r := attr(n, "data-rect"); r != "" {
		var vals [4]float64
		for i, f := range strings.SplitN(r, ",", 4) {
			vals[i], _ = strconv.ParseFloat(strings.TrimSpace(f), 64)
		}
		return vals[0], vals[1], vals[2], vals[3]
	}
	for i, e := range elements(doc) {
		if e == n {
			return 0, float64(i * 20), 100, 20
		}
	}
	return 0, 0, 0, 0
}

// snapshot renders a 16x16 PNG whose 2x2 blocks encode a hash of the
// element's look: data-visual when present, otherwise tag and text.
func snapshot(n *html.Node) ([]byte, error) {
	seed := attr(n, "data-visual")
	if seed == "" {
		seed = n.Data + "|" + visibleTextRaw(n)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	bits := h.Sum64()

	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for by := 0; by < 8; by++ {
		for bx := 0; bx < 8; bx++ {
			v := uint8(30)
			if bits&(1<<uint(by*8+bx)) != 0 {
				v = 225
			}
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					img.SetGray(bx*2+dx, by*2+dy, color.Gray{Y: v})
				}
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}
