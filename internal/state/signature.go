// internal/state/signature.go
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
	"github.com/xkilldash9x/cartographer/internal/config"
)

var digitRun = regexp.MustCompile(`[0-9]+`)

// Engine computes state signatures under a configurable policy.
type Engine struct {
	cfg    config.SignatureConfig
	ignore map[string]struct{}
}

// NewEngine creates an engine for the given policy.
func NewEngine(cfg config.SignatureConfig) *Engine {
	ignore := make(map[string]struct{}, len(cfg.IgnoreQueryParams))
	for _, p := range cfg.IgnoreQueryParams {
		ignore[strings.ToLower(p)] = struct{}{}
	}
	return &Engine{cfg: cfg, ignore: ignore}
}

// Signature reads the current URL, visible text and interactive element
// count from d and combines them.
func (e *Engine) Signature(ctx context.Context, d browser.Driver) (schemas.StateSignature, error) {
	rawURL, err := d.CurrentURL(ctx)
	if err != nil {
		return schemas.StateSignature{}, fmt.Errorf("read url: %w", err)
	}
	text, err := browser.VisibleText(ctx, d)
	if err != nil {
		return schemas.StateSignature{}, err
	}
	count, err := browser.InteractiveCount(ctx, d)
	if err != nil {
		return schemas.StateSignature{}, err
	}
	return e.Compute(rawURL, text, count), nil
}

// Compute is the pure part of Signature.
func (e *Engine) Compute(rawURL, visibleText string, interactive int) schemas.StateSignature {
	u := e.normalize(rawURL)
	digest := e.TextDigest(visibleText)

	h := sha256.New()
	h.Write([]byte(u))
	h.Write([]byte{0})
	h.Write([]byte(digest))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(interactive)))

	return schemas.StateSignature{
		URL:              u,
		TextDigest:       digest,
		InteractiveCount: interactive,
		Key:              hex.EncodeToString(h.Sum(nil))[:32],
	}
}

// TextDigest hashes whitespace-collapsed text, optionally with digit runs
// replaced and truncated to MaxTextLength runes.
func (e *Engine) TextDigest(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if e.cfg.ScrubDigits {
		text = digitRun.ReplaceAllString(text, "#")
	}
	if e.cfg.MaxTextLength > 0 {
		if r := []rune(text); len(r) > e.cfg.MaxTextLength {
			text = string(r[:e.cfg.MaxTextLength])
		}
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) normalize(rawURL string) string {
	n, err := NormalizeURL(rawURL)
	if err != nil {
		return rawURL
	}
	if !e.cfg.IncludeQuery && len(e.ignore) == 0 {
		return stripQuery(n)
	}
	u, err := url.Parse(n)
	if err != nil {
		return n
	}
	if !e.cfg.IncludeQuery {
		u.RawQuery = ""
		return u.String()
	}
	q := u.Query()
	for k := range q {
		if _, drop := e.ignore[strings.ToLower(k)]; drop {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func stripQuery(s string) string {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[:i]
	}
	return s
}

// NormalizeURL lowercases scheme and host, drops the fragment and default
// ports, sorts the query and gives an empty path "/".
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if port := u.Port(); (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = u.Hostname()
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" && u.Host != "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		// Encode sorts by key.
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}
