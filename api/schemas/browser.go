package schemas

import (
	"fmt"
	"strings"
)

// -- Browser Schemas --

// BrowserKind names the browser product a session drives.
type BrowserKind string

const (
	BrowserChrome  BrowserKind = "chrome"
	BrowserFirefox BrowserKind = "firefox"
	BrowserEdge    BrowserKind = "edge"
)

// ParseBrowserKind accepts a few common spellings.
func ParseBrowserKind(s string) (BrowserKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chrome", "chromium", "":
		return BrowserChrome, nil
	case "firefox", "gecko":
		return BrowserFirefox, nil
	case "edge", "msedge":
		return BrowserEdge, nil
	}
	return "", fmt.Errorf("unknown browser kind %q", s)
}

// Rect is an element's bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Cookie is the subset of cookie fields replayed between sessions.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	Expiry   int64  `json:"expiry,omitempty"`
}

// -- Locators --

// LocatorStrategy is the lookup mechanism of a Locator.
type LocatorStrategy string

const (
	StrategyCSS   LocatorStrategy = "css selector"
	StrategyXPath LocatorStrategy = "xpath"
	StrategyID    LocatorStrategy = "id"
	StrategyText  LocatorStrategy = "link text"
)

var locatorPrefixes = []struct {
	prefix   string
	strategy LocatorStrategy
}{
	{"css:", StrategyCSS},
	{"xpath:", StrategyXPath},
	{"id:", StrategyID},
	{"text:", StrategyText},
}

// Locator is a serialized element query such as "xpath://button[1]" or
// "css:#login". A bare value starting with "/" or "(" is treated as XPath,
// anything else as CSS.
type Locator string

// CSS builds a css locator.
func CSS(selector string) Locator { return Locator("css:" + selector) }

// XPath builds an xpath locator.
func XPath(expr string) Locator { return Locator("xpath:" + expr) }

// ByID builds an id locator.
func ByID(id string) Locator { return Locator("id:" + id) }

// Parse splits the locator into strategy and value.
func (l Locator) Parse() (LocatorStrategy, string) {
	s := string(l)
	for _, p := range locatorPrefixes {
		if strings.HasPrefix(s, p.prefix) {
			return p.strategy, strings.TrimPrefix(s, p.prefix)
		}
	}
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(") {
		return StrategyXPath, s
	}
	return StrategyCSS, s
}

// IsZero reports whether the locator is empty.
func (l Locator) IsZero() bool { return strings.TrimSpace(string(l)) == "" }

func (l Locator) String() string { return string(l) }

// WireForm rewrites strategies the W3C protocol lacks into ones it has.
// An id locator becomes an exact-match XPath.
func (l Locator) WireForm() (LocatorStrategy, string) {
	strategy, value := l.Parse()
	if strategy == StrategyID {
		return StrategyXPath, "//*[@id=" + XPathLiteral(value) + "]"
	}
	return strategy, value
}

// XPathLiteral quotes s for use inside an XPath expression. XPath 1.0 has no
// escape syntax, so strings holding both quote kinds are built with concat().
func XPathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	var b strings.Builder
	b.WriteString("concat(")
	for i, p := range parts {
		if i > 0 {
			b.WriteString(`, "'", `)
		}
		b.WriteString("'" + p + "'")
	}
	b.WriteString(")")
	return b.String()
}
