// internal/discovery/scope.go
package discovery

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/cartographer/internal/state"
)

// static resources never worth a browser visit
var ignoredExtensions = map[string]struct{}{
	".css": {}, ".js": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {},
	".woff": {}, ".woff2": {}, ".ico": {}, ".svg": {}, ".ttf": {}, ".eot": {},
	".pdf": {}, ".zip": {}, ".gz": {}, ".mp4": {}, ".mp3": {}, ".xml": {},
}

// Scope bounds a crawl to the registrable domain (eTLD+1) of its start URL.
type Scope struct {
	host              string
	rootDomain        string
	includeSubdomains bool
}

// NewScope derives the scope from the start URL.
func NewScope(startURL string, includeSubdomains bool) (*Scope, error) {
	u, err := url.Parse(startURL)
	if err != nil {
		return nil, err
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("start URL must have a hostname: %s", startURL)
	}

	// Hosts without a public suffix (localhost, bare IPs) scope to themselves.
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		domain = host
	}
	return &Scope{host: host, rootDomain: domain, includeSubdomains: includeSubdomains}, nil
}

// InScope reports whether u may be crawled. Without subdomains only the
// start host and the bare registrable domain qualify.
func (s *Scope) InScope(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if host == s.host || host == s.rootDomain {
		return true
	}
	return s.includeSubdomains && strings.HasSuffix(host, "."+s.rootDomain)
}

// RootDomain returns the eTLD+1 defining the scope.
func (s *Scope) RootDomain() string { return s.rootDomain }

// Normalize resolves rawURL against base, rejects anything out of scope or
// not worth visiting, and returns the canonical form used as the visited
// key.
func (s *Scope) Normalize(rawURL, base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}
	if !u.IsAbs() {
		if base == "" {
			return "", fmt.Errorf("relative URL without base: %s", rawURL)
		}
		b, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("invalid base URL: %w", err)
		}
		u = b.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if !s.InScope(u) {
		return "", fmt.Errorf("out of scope: %s", u.Redacted())
	}
	if _, skip := ignoredExtensions[strings.ToLower(filepath.Ext(u.Path))]; skip {
		return "", fmt.Errorf("static asset ignored: %s", u.Path)
	}
	return state.NormalizeURL(u.String())
}
