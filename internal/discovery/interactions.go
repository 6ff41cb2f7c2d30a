// internal/discovery/interactions.go
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
)

// Action is what the explorer does to an element.
type Action string

const (
	ActionClick  Action = "click"
	ActionType   Action = "type"
	ActionSelect Action = "select"
	ActionToggle Action = "toggle"
)

// priority buckets, lowest first
const (
	priorityPrimary = iota
	priorityNamedLink
	priorityAnonymousLink
	priorityFormField
	priorityOther
)

// candidate is an element queued for interaction in one state.
type candidate struct {
	component schemas.UIComponent
	action    Action
	priority  int
}

func (c candidate) isFormField() bool { return c.priority == priorityFormField }

// controllerKey mirrors the field key reported by the form fields probe.
func (c candidate) controllerKey() string {
	fp := c.component.Fingerprint
	if fp.Name != "" {
		return fp.Name
	}
	if fp.ID != "" {
		return fp.ID
	}
	_, v := c.component.Locator.Parse()
	return v
}

func (c candidate) describe() string {
	label := firstNonEmpty(c.component.Text, c.component.Name, c.component.Fingerprint.Attributes["aria-label"],
		c.component.Fingerprint.Attributes["placeholder"], c.component.Locator.String())
	if len([]rune(label)) > 60 {
		label = string([]rune(label)[:60]) + "…"
	}
	return fmt.Sprintf("%s %s %q", c.action, c.component.Type, label)
}

func classify(c schemas.UIComponent) (Action, int) {
	switch c.Type {
	case "button":
		return ActionClick, priorityPrimary
	case "link":
		if c.Text != "" || c.Fingerprint.Attributes["aria-label"] != "" || c.Fingerprint.Attributes["title"] != "" {
			return ActionClick, priorityNamedLink
		}
		return ActionClick, priorityAnonymousLink
	case "input", "textarea":
		return ActionType, priorityFormField
	case "select":
		return ActionSelect, priorityFormField
	case "checkbox", "radio":
		return ActionToggle, priorityFormField
	}
	return ActionClick, priorityOther
}

// planInteractions orders a page's interactive components by priority and
// caps the list at limit. Hidden, disabled, out-of-scope and (optionally)
// form components are skipped after capping, so they still use up slots.
func planInteractions(components []schemas.UIComponent, includeForms bool, limit int, allowLink func(string) bool) []candidate {
	var ranked []candidate
	for _, c := range components {
		if !c.IsInteractive() && c.Type != "interactive" {
			continue
		}
		action, prio := classify(c)
		ranked = append(ranked, candidate{component: c, action: action, priority: prio})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].priority < ranked[j].priority })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := ranked[:0]
	for _, c := range ranked {
		switch {
		case !c.component.Visible || !c.component.Enabled:
		case c.priority == priorityFormField && !includeForms:
		case c.component.Type == "link" && allowLink != nil && !allowLink(c.component.Fingerprint.Attributes["href"]):
		default:
			out = append(out, c)
		}
	}
	return out
}

// perform executes the candidate's action on el.
func perform(ctx context.Context, d browser.Driver, el browser.ElementRef, c candidate) error {
	switch c.action {
	case ActionType:
		if err := d.Clear(ctx, el); err != nil {
			return err
		}
		return d.SendKeys(ctx, el, inputPayload(c.component))
	case ActionSelect:
		return selectAlternate(ctx, d, el)
	default:
		return d.Click(ctx, el)
	}
}

// selectAlternate picks the first enabled option that is not selected.
func selectAlternate(ctx context.Context, d browser.Driver, el browser.ElementRef) error {
	opts, err := browser.SelectOptions(ctx, d, el)
	if err != nil {
		return err
	}
	for i, o := range opts {
		if o.Selected || o.Disabled {
			continue
		}
		refs, err := d.FindElementsFrom(ctx, el, schemas.XPath("(.//option)["+strconv.Itoa(i+1)+"]"))
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			return fmt.Errorf("%w: option %d", browser.ErrNoSuchElement, i+1)
		}
		return d.Click(ctx, refs[0])
	}
	return nil
}

// inputPayload produces a plausible value from the field's type and hints.
func inputPayload(c schemas.UIComponent) string {
	attrs := c.Fingerprint.Attributes
	inputType := strings.ToLower(c.Subtype)
	hints := strings.ToLower(c.Fingerprint.Name + " " + c.Fingerprint.ID + " " + attrs["placeholder"] + " " + attrs["aria-label"])

	switch inputType {
	case "email":
		return "test.user@example.com"
	case "password":
		return "Cartographer123!"
	case "tel":
		return "555-0199"
	case "number", "range":
		return "42"
	case "date":
		return "2024-01-15"
	case "datetime-local":
		return "2024-01-15T10:30"
	case "time":
		return "10:30"
	case "url":
		return "https://example.com"
	case "color":
		return "#336699"
	case "search":
		return "test query"
	}
	switch {
	case strings.Contains(hints, "email"):
		return "test.user@example.com"
	case strings.Contains(hints, "pass"):
		return "Cartographer123!"
	case strings.Contains(hints, "phone"):
		return "555-0199"
	case strings.Contains(hints, "search") || strings.Contains(hints, "query"):
		return "test query"
	case strings.Contains(hints, "zip") || strings.Contains(hints, "postal"):
		return "94107"
	case strings.Contains(hints, "name") || strings.Contains(hints, "user"):
		return "Test User"
	}
	if c.Type == "textarea" {
		return "This is a sample message."
	}
	return "cartographer test input"
}
