// internal/browser/probes.go
package browser

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

// ProbeName identifies one of the in-page scripts below.
type ProbeName string

const (
	ProbeVisibleText         ProbeName = "visible_text"
	ProbeInteractiveCount    ProbeName = "interactive_count"
	ProbeInteractiveElements ProbeName = "interactive_elements"
	ProbeParentDescriptor    ProbeName = "parent_descriptor"
	ProbeFormFields          ProbeName = "form_fields"
	ProbeSelectOptions       ProbeName = "select_options"
	ProbeVisibility          ProbeName = "visibility"
)

// Shared helpers prepended to every probe. xpathOf anchors on the nearest id
// and otherwise walks up counting same-tag siblings.
const probePrelude = `
const isVisible = (el) => {
	if (!el || !el.isConnected) return false;
	const style = window.getComputedStyle(el);
	if (style.visibility === 'hidden' || style.display === 'none' || style.opacity === '0') return false;
	const rect = el.getBoundingClientRect();
	return rect.width > 0 && rect.height > 0;
};
const isEnabled = (el) => !(el.disabled || el.getAttribute('aria-disabled') === 'true');
const xpathOf = (el) => {
	const parts = [];
	for (let n = el; n && n.nodeType === 1; n = n.parentNode) {
		if (n.id && n.id.indexOf("'") < 0) { parts.push("//*[@id='" + n.id + "']"); break; }
		let idx = 1;
		for (let p = n.previousElementSibling; p; p = p.previousElementSibling) {
			if (p.tagName === n.tagName) idx++;
		}
		parts.push(n.tagName.toLowerCase() + "[" + idx + "]");
	}
	parts.reverse();
	const x = parts.join("/");
	return x.startsWith("//*[@id=") ? x : "/" + x;
};
const interactiveSelector = "a[href], button, [onclick], [role=button], [role=link], input:not([type=hidden]), textarea, select, summary";
const fieldKey = (el) => el.getAttribute('name') || el.id || xpathOf(el);
`

// Each probe is a JavaScript function expression. Element probes receive the
// element as their first argument.
var probeScripts = map[ProbeName]string{
	ProbeVisibleText: `function() {
	return document.body ? (document.body.innerText || "") : "";
}`,

	ProbeInteractiveCount: `function() {
	let n = 0;
	document.querySelectorAll(interactiveSelector).forEach((el) => {
		if (isVisible(el) && isEnabled(el)) n++;
	});
	return n;
}`,

	ProbeInteractiveElements: `function() {
	const out = [];
	document.querySelectorAll(interactiveSelector).forEach((el) => {
		let text = (el.innerText || el.value || el.textContent || "").trim().replace(/\s+/g, " ");
		if (text.length > 128) text = text.substring(0, 128);
		out.push({
			locator: "xpath:" + xpathOf(el),
			tag: el.tagName.toLowerCase(),
			type: (el.getAttribute('type') || "").toLowerCase(),
			id: el.id || "",
			name: el.getAttribute('name') || "",
			text: text,
			href: el.getAttribute('href') || "",
			role: el.getAttribute('role') || "",
			ariaLabel: el.getAttribute('aria-label') || "",
			title: el.getAttribute('title') || "",
			target: el.getAttribute('target') || "",
			visible: isVisible(el),
			enabled: isEnabled(el),
			inForm: !!el.form || !!el.closest('form')
		});
	});
	return out;
}`,

	ProbeParentDescriptor: `function(el) {
	const p = el && el.parentElement;
	if (!p) return "";
	let d = p.tagName.toLowerCase();
	if (p.id) d += "#" + p.id;
	const classes = Array.from(p.classList).sort();
	if (classes.length) d += "." + classes.join(".");
	return d;
}`,

	ProbeFormFields: `function() {
	const out = [];
	document.querySelectorAll("input:not([type=hidden]):not([type=submit]):not([type=button]), select, textarea").forEach((el) => {
		const options = [];
		if (el.tagName === 'SELECT') {
			for (const o of el.options) if (!o.disabled) options.push(o.value || o.text);
		}
		out.push({
			key: fieldKey(el),
			tag: el.tagName.toLowerCase(),
			type: (el.getAttribute('type') || "").toLowerCase(),
			visible: isVisible(el),
			enabled: isEnabled(el),
			options: options
		});
	});
	return out;
}`,

	ProbeSelectOptions: `function(el) {
	const out = [];
	if (!el || el.tagName !== 'SELECT') return out;
	for (const o of el.options) {
		out.push({value: o.value, text: (o.text || "").trim(), selected: o.selected, disabled: o.disabled});
	}
	return out;
}`,

	ProbeVisibility: `function(el) {
	return isVisible(el);
}`,
}

// ProbeScript returns the function expression for name, with the shared
// helpers in scope. Backends wrap it for their protocol.
func ProbeScript(name ProbeName) (string, error) {
	body, ok := probeScripts[name]
	if !ok {
		return "", fmt.Errorf("unknown probe %q", name)
	}
	return "(function() {" + probePrelude + "\nreturn " + body + ";\n})()", nil
}

// ElementInfo is one entry of the interactive elements probe.
type ElementInfo struct {
	Locator   schemas.Locator `json:"locator"`
	Tag       string          `json:"tag"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Text      string          `json:"text"`
	Href      string          `json:"href"`
	Role      string          `json:"role"`
	AriaLabel string          `json:"ariaLabel"`
	Title     string          `json:"title"`
	Target    string          `json:"target"`
	Visible   bool            `json:"visible"`
	Enabled   bool            `json:"enabled"`
	InForm    bool            `json:"inForm"`
}

// SelectOption is one entry of the select options probe.
type SelectOption struct {
	Value    string `json:"value"`
	Text     string `json:"text"`
	Selected bool   `json:"selected"`
	Disabled bool   `json:"disabled"`
}

// VisibleText returns the rendered text of the document body.
func VisibleText(ctx context.Context, d Driver) (string, error) {
	var text string
	if err := d.Probe(ctx, ProbeVisibleText, "", &text); err != nil {
		return "", fmt.Errorf("visible text probe: %w", err)
	}
	return text, nil
}

// InteractiveCount counts visible, enabled interactive elements.
func InteractiveCount(ctx context.Context, d Driver) (int, error) {
	var n int
	if err := d.Probe(ctx, ProbeInteractiveCount, "", &n); err != nil {
		return 0, fmt.Errorf("interactive count probe: %w", err)
	}
	return n, nil
}

// InteractiveElements lists interactive elements in document order,
// including hidden ones.
func InteractiveElements(ctx context.Context, d Driver) ([]ElementInfo, error) {
	var out []ElementInfo
	if err := d.Probe(ctx, ProbeInteractiveElements, "", &out); err != nil {
		return nil, fmt.Errorf("interactive elements probe: %w", err)
	}
	return out, nil
}

// ParentDescriptor describes el's parent as tag#id.class1.class2.
func ParentDescriptor(ctx context.Context, d Driver, el ElementRef) (string, error) {
	var desc string
	if err := d.Probe(ctx, ProbeParentDescriptor, el, &desc); err != nil {
		return "", fmt.Errorf("parent descriptor probe: %w", err)
	}
	return desc, nil
}

// FormFields snapshots every form field on the page.
func FormFields(ctx context.Context, d Driver) ([]schemas.FieldState, error) {
	var out []schemas.FieldState
	if err := d.Probe(ctx, ProbeFormFields, "", &out); err != nil {
		return nil, fmt.Errorf("form fields probe: %w", err)
	}
	return out, nil
}

// SelectOptions lists the options of a select element.
func SelectOptions(ctx context.Context, d Driver, el ElementRef) ([]SelectOption, error) {
	var out []SelectOption
	if err := d.Probe(ctx, ProbeSelectOptions, el, &out); err != nil {
		return nil, fmt.Errorf("select options probe: %w", err)
	}
	return out, nil
}
