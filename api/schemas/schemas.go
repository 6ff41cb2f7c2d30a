package schemas

import (
	"strings"
	"time"
)

// PageKind is the coarse classification assigned to a page.
type PageKind string

const (
	PageLogin     PageKind = "login"
	PageForm      PageKind = "form"
	PageListing   PageKind = "listing"
	PageDetail    PageKind = "detail"
	PageDashboard PageKind = "dashboard"
	PageLanding   PageKind = "landing"
	PageError     PageKind = "error"
	PageOther     PageKind = "other"
)

// Page is a snapshot of one distinct application state. The link crawl
// creates one per distinct URL; the interactive explorer creates one per
// distinct state signature.
type Page struct {
	ID             string        `json:"id" yaml:"id"`
	RunID          string        `json:"run_id" yaml:"run_id"`
	URL            string        `json:"url" yaml:"url"`
	Title          string        `json:"title" yaml:"title"`
	Description    string        `json:"description,omitempty" yaml:"description,omitempty"`
	Kind           PageKind      `json:"kind" yaml:"kind"`
	StateKey       string        `json:"state_key,omitempty" yaml:"state_key,omitempty"`
	Components     []UIComponent `json:"components" yaml:"components"`
	Links          []string      `json:"links,omitempty" yaml:"links,omitempty"`
	Summary        string        `json:"summary,omitempty" yaml:"summary,omitempty"`
	ScreenshotPath string        `json:"screenshot_path,omitempty" yaml:"screenshot_path,omitempty"`
	DiscoveredAt   time.Time     `json:"discovered_at" yaml:"discovered_at"`
}

// InteractiveComponents returns the components a user can act on.
func (p *Page) InteractiveComponents() []UIComponent {
	out := make([]UIComponent, 0, len(p.Components))
	for _, c := range p.Components {
		if c.IsInteractive() {
			out = append(out, c)
		}
	}
	return out
}

// UIComponent is an element found on a page. It owns exactly one fingerprint.
type UIComponent struct {
	ID          string             `json:"id" yaml:"id"`
	Type        string             `json:"type" yaml:"type"`
	Subtype     string             `json:"subtype,omitempty" yaml:"subtype,omitempty"`
	Name        string             `json:"name,omitempty" yaml:"name,omitempty"`
	Text        string             `json:"text,omitempty" yaml:"text,omitempty"`
	Locator     Locator            `json:"locator" yaml:"locator"`
	Visible     bool               `json:"visible" yaml:"visible"`
	Enabled     bool               `json:"enabled" yaml:"enabled"`
	Fingerprint ElementFingerprint `json:"fingerprint" yaml:"fingerprint"`
}

var interactiveTypes = map[string]bool{
	"link":     true,
	"button":   true,
	"input":    true,
	"textarea": true,
	"select":   true,
	"checkbox": true,
	"radio":    true,
}

// IsInteractive reports whether the component accepts user input.
func (c UIComponent) IsInteractive() bool {
	return interactiveTypes[strings.ToLower(c.Type)]
}

// ElementFingerprint is a multi-signal description of an element used to
// find it again after the page changes.
type ElementFingerprint struct {
	Tag        string             `json:"tag" yaml:"tag"`
	ID         string             `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string             `json:"name,omitempty" yaml:"name,omitempty"`
	Text       string             `json:"text,omitempty" yaml:"text,omitempty"`
	Attributes map[string]string  `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Properties map[string]float64 `json:"properties,omitempty" yaml:"properties,omitempty"`
	Parent     string             `json:"parent,omitempty" yaml:"parent,omitempty"`
	VisualHash string             `json:"visual_hash,omitempty" yaml:"visual_hash,omitempty"`
	Locator    Locator            `json:"locator" yaml:"locator"`
	CapturedAt time.Time          `json:"captured_at" yaml:"captured_at"`
}

// Geometry keys stored in ElementFingerprint.Properties.
const (
	PropX      = "x"
	PropY      = "y"
	PropWidth  = "width"
	PropHeight = "height"
)

// StateSignature identifies an application state.
type StateSignature struct {
	URL              string `json:"url"`
	TextDigest       string `json:"text_digest"`
	InteractiveCount int    `json:"interactive_count"`
	Key              string `json:"key"`
}

// Equal compares two signatures by key.
func (s StateSignature) Equal(o StateSignature) bool { return s.Key == o.Key }
