package synthesis

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

// maxPromptComponents caps how many elements of one page are listed.
const maxPromptComponents = 40

// PromptBuilder renders recorded exploration data as a test-writing prompt.
type PromptBuilder struct {
	Framework string
	pages     map[string]*schemas.Page
	deps      []schemas.FieldDependency
}

// NewPromptBuilder indexes the pages of a run so journey steps can be
// described with their URLs and elements.
func NewPromptBuilder(framework string, pages []*schemas.Page, deps []schemas.FieldDependency) *PromptBuilder {
	idx := make(map[string]*schemas.Page, len(pages))
	for _, p := range pages {
		idx[p.ID] = p
	}
	return &PromptBuilder{Framework: framework, pages: idx, deps: deps}
}

// Journey builds the prompt for one journey.
func (b *PromptBuilder) Journey(j schemas.UserJourney) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Write a %s end-to-end test named %q.\n", b.framework(), j.Name)
	if j.Description != "" {
		fmt.Fprintf(&sb, "Scenario: %s.\n", j.Description)
	}

	if len(j.Steps) > 0 {
		if start, ok := b.pages[j.Steps[0].SourcePageID]; ok {
			sb.WriteString("\n## Starting page\n")
			b.writePage(&sb, start)
		}
	}

	sb.WriteString("\n## Steps\n")
	for i, step := range j.Steps {
		fmt.Fprintf(&sb, "%d. %s", i+1, stepLine(step))
		if target, ok := b.pages[step.TargetPageID]; ok {
			fmt.Fprintf(&sb, " -> lands on %s", pageLabel(target))
		}
		sb.WriteString("\n")
	}

	if len(b.deps) > 0 {
		sb.WriteString("\n## Field dependencies\n")
		for _, d := range b.deps {
			effects := make([]string, len(d.Effects))
			for i, e := range d.Effects {
				effects[i] = string(e)
			}
			fmt.Fprintf(&sb, "- %s changes %s of %s\n", d.Controller, strings.Join(effects, " and "), d.Controlled)
		}
	}

	sb.WriteString("\n## Requirements\n")
	sb.WriteString("- Use the locators exactly as given; the prefix names the strategy (css, xpath, id, text).\n")
	sb.WriteString("- Assert the page reached after every step.\n")
	sb.WriteString("- For form submissions fill every required field with realistic data first.\n")
	return sb.String()
}

// Page builds a prompt asking for a smoke test of a single page.
func (b *PromptBuilder) Page(p *schemas.Page) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a %s smoke test for the page below. Check that it loads and its interactive elements are usable.\n\n", b.framework())
	b.writePage(&sb, p)
	return sb.String()
}

func (b *PromptBuilder) framework() string {
	if b.Framework == "" {
		return "Playwright"
	}
	return b.Framework
}

func (b *PromptBuilder) writePage(sb *strings.Builder, p *schemas.Page) {
	fmt.Fprintf(sb, "URL: %s\n", p.URL)
	if p.Title != "" {
		fmt.Fprintf(sb, "Title: %s\n", p.Title)
	}
	fmt.Fprintf(sb, "Kind: %s\n", p.Kind)
	if p.Summary != "" {
		fmt.Fprintf(sb, "Summary: %s\n", p.Summary)
	}

	n := 0
	for _, c := range p.Components {
		if !c.IsInteractive() {
			continue
		}
		if n == 0 {
			sb.WriteString("Elements:\n")
		}
		if n == maxPromptComponents {
			fmt.Fprintf(sb, "- ... and more\n")
			break
		}
		n++
		kind := c.Type
		if c.Subtype != "" {
			kind += ":" + c.Subtype
		}
		label := c.Text
		if label == "" {
			label = c.Name
		}
		fmt.Fprintf(sb, "- %s %q at %s\n", kind, label, c.Locator)
	}
}

func stepLine(t schemas.Transition) string {
	desc := t.Description
	if desc == "" {
		desc = string(t.Kind)
	}
	if t.Locator != "" {
		desc += fmt.Sprintf(" (%s)", t.Locator)
	}
	if t.FormSubmission {
		desc += " [submits form]"
	}
	return desc
}

func pageLabel(p *schemas.Page) string {
	if p.Title != "" {
		return fmt.Sprintf("%q (%s)", p.Title, p.URL)
	}
	return p.URL
}
