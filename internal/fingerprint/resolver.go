// internal/fingerprint/resolver.go
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
	"github.com/xkilldash9x/cartographer/internal/config"
)

// ErrElementNotFound is returned by Capture when the locator matches nothing.
var ErrElementNotFound = errors.New("element not found")

// captured attributes; value is kept for buttons only.
var attributeAllowList = []string{
	"type", "class", "href", "role", "aria-label", "placeholder",
	"title", "alt", "src", "action", "for", "data-testid",
}

var cssProperties = []string{"font-size", "font-weight", "opacity", "z-index"}

// max candidates verified per stage
const maxCandidates = 10

// Stage names a resolution strategy.
type Stage string

const (
	StageLocator    Stage = "locator"
	StageID         Stage = "id"
	StageText       Stage = "text"
	StageAttributes Stage = "attributes"
)

// Outcome is the result of Resolve. Element and Fingerprint are set only
// when Found.
type Outcome struct {
	Found       bool
	Element     browser.ElementRef
	Stage       Stage
	Fingerprint *schemas.ElementFingerprint
}

// strategy proposes a locator for fp, or false when it does not apply.
type strategy struct {
	stage   Stage
	locator func(fp *schemas.ElementFingerprint, maxText int) (schemas.Locator, bool)
}

var strategies = []strategy{
	{StageLocator, func(fp *schemas.ElementFingerprint, _ int) (schemas.Locator, bool) {
		return fp.Locator, !fp.Locator.IsZero()
	}},
	{StageID, func(fp *schemas.ElementFingerprint, _ int) (schemas.Locator, bool) {
		return schemas.ByID(fp.ID), fp.ID != ""
	}},
	{StageText, textLocator},
	{StageAttributes, attributeLocator},
}

func textLocator(fp *schemas.ElementFingerprint, maxText int) (schemas.Locator, bool) {
	text := collapse(fp.Text)
	if text == "" || fp.Tag == "" {
		return "", false
	}
	if maxText > 0 && len([]rune(text)) >= maxText {
		return schemas.XPath(fmt.Sprintf("//%s[starts-with(normalize-space(.), %s)]", fp.Tag, schemas.XPathLiteral(text))), true
	}
	return schemas.XPath(fmt.Sprintf("//%s[normalize-space(.)=%s]", fp.Tag, schemas.XPathLiteral(text))), true
}

func attributeLocator(fp *schemas.ElementFingerprint, _ int) (schemas.Locator, bool) {
	if fp.Tag == "" {
		return "", false
	}
	attrs := make(map[string]string, len(fp.Attributes)+1)
	for k, v := range fp.Attributes {
		attrs[k] = v
	}
	if fp.Name != "" {
		attrs["name"] = fp.Name
	}
	if len(attrs) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	conds := make([]string, 0, len(keys))
	for _, k := range keys {
		conds = append(conds, "@"+k+"="+schemas.XPathLiteral(attrs[k]))
	}
	return schemas.XPath("//" + fp.Tag + "[" + strings.Join(conds, " and ") + "]"), true
}

// Resolver captures element fingerprints and relocates them later.
type Resolver struct {
	cfg     config.ResolverConfig
	matcher *Matcher
	logger  *zap.Logger
	now     func() time.Time
}

// NewResolver creates a resolver.
func NewResolver(cfg config.ResolverConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:     cfg,
		matcher: NewMatcher(cfg),
		logger:  logger.Named("resolver"),
		now:     time.Now,
	}
}

// Matcher exposes the comparison used during resolution.
func (r *Resolver) Matcher() *Matcher { return r.matcher }

// Capture fingerprints the first element matching loc.
func (r *Resolver) Capture(ctx context.Context, d browser.Driver, loc schemas.Locator) (*schemas.ElementFingerprint, error) {
	refs, err := d.FindElements(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", loc, err)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, loc)
	}
	return r.CaptureElement(ctx, d, refs[0], loc)
}

// CaptureElement fingerprints an element already in hand. loc is recorded
// as the element's locator.
func (r *Resolver) CaptureElement(ctx context.Context, d browser.Driver, el browser.ElementRef, loc schemas.Locator) (*schemas.ElementFingerprint, error) {
	tag, err := d.TagName(ctx, el)
	if err != nil {
		return nil, fmt.Errorf("read tag: %w", err)
	}
	tag = strings.ToLower(tag)
	fp := &schemas.ElementFingerprint{
		Tag:        tag,
		Attributes: make(map[string]string),
		Properties: make(map[string]float64),
		Locator:    loc,
		CapturedAt: r.now(),
	}

	if fp.ID, err = d.Attribute(ctx, el, "id"); err != nil {
		return nil, fmt.Errorf("read id: %w", err)
	}
	if fp.Name, err = d.Attribute(ctx, el, "name"); err != nil {
		return nil, fmt.Errorf("read name: %w", err)
	}
	text, err := d.Text(ctx, el)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	fp.Text = truncate(collapse(text), r.cfg.MaxTextLength)

	for _, name := range attributeAllowList {
		v, err := d.Attribute(ctx, el, name)
		if err != nil {
			return nil, fmt.Errorf("read attribute %s: %w", name, err)
		}
		if v != "" {
			fp.Attributes[name] = v
		}
	}
	if tag == "button" || (tag == "input" && isButtonType(fp.Attributes["type"])) {
		if v, err := d.Attribute(ctx, el, "value"); err == nil && v != "" {
			fp.Attributes["value"] = v
		}
	}

	rect, err := d.Rect(ctx, el)
	if err != nil {
		return nil, fmt.Errorf("read rect: %w", err)
	}
	fp.Properties[schemas.PropX] = rect.X
	fp.Properties[schemas.PropY] = rect.Y
	fp.Properties[schemas.PropWidth] = rect.Width
	fp.Properties[schemas.PropHeight] = rect.Height

	for _, prop := range cssProperties {
		v, err := d.CSSValue(ctx, el, prop)
		if err != nil {
			continue
		}
		if f, ok := parseNumeric(v); ok {
			fp.Properties[prop] = f
		}
	}

	if fp.Parent, err = browser.ParentDescriptor(ctx, d, el); err != nil {
		r.logger.Debug("Parent descriptor unavailable.", zap.Error(err))
	}

	if r.cfg.CaptureVisual {
		r.captureVisual(ctx, d, el, fp)
	}
	return fp, nil
}

// captureVisual hashes the element's rendered region when it is displayed.
// Failures leave VisualHash empty.
func (r *Resolver) captureVisual(ctx context.Context, d browser.Driver, el browser.ElementRef, fp *schemas.ElementFingerprint) {
	shown, err := d.IsDisplayed(ctx, el)
	if err != nil || !shown {
		return
	}
	png, err := d.ElementScreenshot(ctx, el)
	if err != nil {
		r.logger.Debug("Element screenshot failed.", zap.String("locator", fp.Locator.String()), zap.Error(err))
		return
	}
	hash, err := AverageHash(png)
	if err != nil {
		r.logger.Debug("Visual hash failed.", zap.String("locator", fp.Locator.String()), zap.Error(err))
		return
	}
	fp.VisualHash = hash
}

// Resolve relocates the element described by fp. Each stage proposes
// candidates that are re-captured and verified with the matcher; the first
// verified candidate wins. Only context errors are returned.
func (r *Resolver) Resolve(ctx context.Context, d browser.Driver, fp *schemas.ElementFingerprint) (Outcome, error) {
	if fp == nil {
		return Outcome{}, nil
	}
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		loc, ok := s.locator(fp, r.cfg.MaxTextLength)
		if !ok {
			continue
		}
		if out, ok := r.tryStage(ctx, d, fp, s.stage, loc); ok {
			return out, nil
		}
	}
	r.logger.Debug("Element not resolved.", zap.String("locator", fp.Locator.String()), zap.String("tag", fp.Tag))
	return Outcome{}, nil
}

func (r *Resolver) tryStage(ctx context.Context, d browser.Driver, fp *schemas.ElementFingerprint, stage Stage, loc schemas.Locator) (Outcome, bool) {
	lookupCtx := ctx
	if r.cfg.LookupTimeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, r.cfg.LookupTimeout)
		defer cancel()
	}

	refs, err := d.FindElements(lookupCtx, loc)
	if err != nil {
		r.logger.Debug("Stage lookup failed.", zap.String("stage", string(stage)), zap.String("locator", loc.String()), zap.Error(err))
		return Outcome{}, false
	}
	if len(refs) > maxCandidates {
		refs = refs[:maxCandidates]
	}
	for _, el := range refs {
		candidate, err := r.CaptureElement(lookupCtx, d, el, fp.Locator)
		if err != nil {
			continue
		}
		if r.matcher.Matches(fp, candidate) {
			if stage != StageLocator {
				r.logger.Debug("Element healed.", zap.String("stage", string(stage)), zap.String("locator", fp.Locator.String()))
			}
			return Outcome{Found: true, Element: el, Stage: stage, Fingerprint: candidate}, true
		}
	}
	return Outcome{}, false
}

func isButtonType(t string) bool {
	switch strings.ToLower(t) {
	case "submit", "button", "reset", "image":
		return true
	}
	return false
}

func parseNumeric(v string) (float64, bool) {
	v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "px"))
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	if r := []rune(s); len(r) > max {
		return string(r[:max])
	}
	return s
}
