// internal/discovery/analysis.go
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/antchfx/htmlquery"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/fingerprint"
)

const maxSummaryLength = 4000

var numericSegment = regexp.MustCompile(`/[0-9a-f-]*[0-9][0-9a-f-]*(/|$)`)

// PageAnalyzer turns the document currently loaded in a session into a Page.
type PageAnalyzer struct {
	resolver      *fingerprint.Resolver
	maxComponents int
	screenshotDir string
	sanitizer     *bluemonday.Policy
	markdown      *converter.Converter
	logger        *zap.Logger
	now           func() time.Time
}

// NewPageAnalyzer creates an analyzer. Screenshots are written only when
// shots.Enabled is set.
func NewPageAnalyzer(resolver *fingerprint.Resolver, maxComponents int, shots config.ScreenshotConfig, logger *zap.Logger) (*PageAnalyzer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &PageAnalyzer{
		resolver:      resolver,
		maxComponents: maxComponents,
		sanitizer:     bluemonday.UGCPolicy(),
		markdown: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: logger.Named("PageAnalyzer"),
		now:    time.Now,
	}
	if shots.Enabled {
		dir, err := homedir.Expand(shots.Dir)
		if err != nil {
			return nil, fmt.Errorf("expand screenshot dir: %w", err)
		}
		a.screenshotDir = dir
	}
	return a, nil
}

// Analyze builds a page from the session's current document. Links are
// resolved to absolute URLs; scope filtering is the caller's business.
func (a *PageAnalyzer) Analyze(ctx context.Context, d browser.Driver, runID string) (*schemas.Page, error) {
	current, err := d.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("read url: %w", err)
	}
	title, err := d.Title(ctx)
	if err != nil {
		return nil, fmt.Errorf("read title: %w", err)
	}
	source, err := d.PageSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	doc, err := htmlquery.Parse(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parse source: %w", err)
	}

	page := &schemas.Page{
		ID:           uuid.NewString(),
		RunID:        runID,
		URL:          current,
		Title:        strings.TrimSpace(title),
		Description:  metaDescription(doc),
		Links:        extractLinks(doc, current),
		DiscoveredAt: a.now(),
	}
	page.Components = a.components(ctx, d)
	page.Kind = classifyPage(current, page.Title, doc)
	page.Summary = a.summarize(doc, current)

	if a.screenshotDir != "" {
		if path, err := a.screenshot(ctx, d, page); err != nil {
			a.logger.Warn("Screenshot failed.", zap.String("url", current), zap.Error(err))
		} else {
			page.ScreenshotPath = path
		}
	}
	return page, nil
}

// components lists interactive elements, each with a fingerprint. A failed
// capture keeps the probe's view of the element.
func (a *PageAnalyzer) components(ctx context.Context, d browser.Driver) []schemas.UIComponent {
	infos, err := browser.InteractiveElements(ctx, d)
	if err != nil {
		a.logger.Warn("Could not enumerate interactive elements.", zap.Error(err))
		return nil
	}
	if a.maxComponents > 0 && len(infos) > a.maxComponents {
		infos = infos[:a.maxComponents]
	}

	out := make([]schemas.UIComponent, 0, len(infos))
	for _, info := range infos {
		typ, sub := componentType(info)
		c := schemas.UIComponent{
			ID:      uuid.NewString(),
			Type:    typ,
			Subtype: sub,
			Name:    firstNonEmpty(info.Name, info.ID, info.AriaLabel),
			Text:    info.Text,
			Locator: info.Locator,
			Visible: info.Visible,
			Enabled: info.Enabled,
		}
		fp, err := a.resolver.Capture(ctx, d, info.Locator)
		if err != nil {
			a.logger.Debug("Fingerprint capture failed.", zap.String("locator", info.Locator.String()), zap.Error(err))
			fp = &schemas.ElementFingerprint{
				Tag: info.Tag, ID: info.ID, Name: info.Name, Text: info.Text,
				Locator: info.Locator, CapturedAt: a.now(),
			}
		}
		c.Fingerprint = *fp
		out = append(out, c)
	}
	return out
}

func (a *PageAnalyzer) summarize(doc *html.Node, pageURL string) string {
	root := htmlquery.FindOne(doc, "//main")
	if root == nil {
		root = htmlquery.FindOne(doc, "//body")
	}
	if root == nil {
		return ""
	}
	clean := a.sanitizer.Sanitize(htmlquery.OutputHTML(root, false))
	md, err := a.markdown.ConvertString(clean, converter.WithDomain(pageURL))
	if err != nil {
		a.logger.Debug("Markdown conversion failed.", zap.Error(err))
		return ""
	}
	md = strings.TrimSpace(md)
	if r := []rune(md); len(r) > maxSummaryLength {
		md = string(r[:maxSummaryLength])
	}
	return md
}

func (a *PageAnalyzer) screenshot(ctx context.Context, d browser.Driver, page *schemas.Page) (string, error) {
	png, err := d.Screenshot(ctx)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(a.screenshotDir, page.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, page.ID+".png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func metaDescription(doc *html.Node) string {
	for _, expr := range []string{"//meta[@name='description']", "//meta[@property='og:description']"} {
		if n := htmlquery.FindOne(doc, expr); n != nil {
			if v := strings.TrimSpace(htmlquery.SelectAttr(n, "content")); v != "" {
				return v
			}
		}
	}
	return ""
}

// extractLinks resolves every href against base, dropping fragments,
// duplicates and non-http schemes.
func extractLinks(doc *html.Node, base string) []string {
	b, err := url.Parse(base)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, n := range htmlquery.Find(doc, "//a[@href] | //area[@href]") {
		href := strings.TrimSpace(htmlquery.SelectAttr(n, "href"))
		if href == "" || strings.HasPrefix(href, "#") {
			continue
		}
		u, err := b.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}
		u.Fragment = ""
		s := u.String()
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func componentType(info browser.ElementInfo) (string, string) {
	switch info.Tag {
	case "a":
		return "link", ""
	case "button", "summary":
		return "button", info.Type
	case "select", "textarea":
		return info.Tag, ""
	case "input":
		switch info.Type {
		case "submit", "button", "reset", "image":
			return "button", info.Type
		case "checkbox", "radio":
			return info.Type, ""
		case "":
			return "input", "text"
		}
		return "input", info.Type
	}
	if info.Role == "button" {
		return "button", "role"
	}
	if info.Role == "link" {
		return "link", "role"
	}
	return "interactive", info.Tag
}

// classifyPage applies cheap structural heuristics, most specific first.
func classifyPage(pageURL, title string, doc *html.Node) schemas.PageKind {
	u, _ := url.Parse(pageURL)
	path := "/"
	if u != nil && u.Path != "" {
		path = strings.ToLower(u.Path)
	}
	lowTitle := strings.ToLower(title)
	heading := ""
	if h := htmlquery.FindOne(doc, "//h1"); h != nil {
		heading = strings.ToLower(htmlquery.InnerText(h))
	}

	switch {
	case strings.Contains(lowTitle, "not found") || strings.Contains(lowTitle, "error") ||
		strings.Contains(heading, "not found") || strings.Contains(lowTitle, "404"):
		return schemas.PageError
	case htmlquery.FindOne(doc, "//input[@type='password']") != nil:
		return schemas.PageLogin
	case strings.Contains(path, "dashboard") || strings.Contains(lowTitle, "dashboard") ||
		strings.Contains(path, "/admin"):
		return schemas.PageDashboard
	}

	fields := len(htmlquery.Find(doc, "//form//input[not(@type='hidden' or @type='submit' or @type='button' or @type='search')] | //form//select | //form//textarea"))
	if fields >= 2 {
		return schemas.PageForm
	}
	if len(htmlquery.Find(doc, "//table//tr")) >= 5 || len(htmlquery.Find(doc, "//article")) >= 3 ||
		len(htmlquery.Find(doc, "//ul/li[a] | //ol/li[a]")) >= 8 {
		return schemas.PageListing
	}
	if path == "/" || path == "/index.html" || path == "/home" {
		return schemas.PageLanding
	}
	if numericSegment.MatchString(path) || htmlquery.FindOne(doc, "//article") != nil {
		return schemas.PageDetail
	}
	return schemas.PageOther
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
