// internal/browser/browsertest/site.go
package browsertest

import (
	"errors"
	"net/url"
	"sync"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

// ErrNavigation is returned for URLs registered with FailNavigation.
var ErrNavigation = errors.New("navigation failed")

const notFoundHTML = `<html><head><title>Not Found</title></head><body><h1>Not Found</h1></body></html>`

// Site is an in-memory web site shared by every fake browser of a test. It is
// safe for concurrent use.
type Site struct {
	mu        sync.Mutex
	pages     map[string]string
	cookies   map[string][]schemas.Cookie
	protected map[string]guard
	failures  map[string]bool
	visits    map[string]int
}

type guard struct {
	cookie   string
	redirect string
}

// NewSite builds a site from absolute URL to HTML pairs.
func NewSite(pages map[string]string) *Site {
	s := &Site{
		pages:     make(map[string]string),
		cookies:   make(map[string][]schemas.Cookie),
		protected: make(map[string]guard),
		failures:  make(map[string]bool),
		visits:    make(map[string]int),
	}
	for u, html := range pages {
		s.Page(u, html)
	}
	return s
}

// Page adds or replaces a page.
func (s *Site) Page(rawURL, html string) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[canonical(rawURL)] = html
	return s
}

// SetsCookie makes a visit to rawURL store c in the visiting browser.
func (s *Site) SetsCookie(rawURL string, c schemas.Cookie) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := canonical(rawURL)
	s.cookies[key] = append(s.cookies[key], c)
	return s
}

// Protect redirects visits to rawURL to redirect unless the browser holds a
// cookie named cookie.
func (s *Site) Protect(rawURL, cookie, redirect string) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protected[canonical(rawURL)] = guard{cookie: cookie, redirect: redirect}
	return s
}

// FailNavigation makes every navigation to rawURL return ErrNavigation.
func (s *Site) FailNavigation(rawURL string) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[canonical(rawURL)] = true
	return s
}

// Visits reports how many times rawURL was loaded.
func (s *Site) Visits(rawURL string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits[canonical(rawURL)]
}

// load resolves a navigation. It returns the final URL, the HTML to render
// and any cookies the response sets.
func (s *Site) load(rawURL string, jar []schemas.Cookie) (string, string, []schemas.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := canonical(rawURL)
	for hops := 0; hops < 5; hops++ {
		if s.failures[key] {
			return "", "", nil, ErrNavigation
		}
		g, ok := s.protected[key]
		if !ok || hasCookie(jar, g.cookie) {
			break
		}
		key = canonical(g.redirect)
	}

	s.visits[key]++
	html, ok := s.pages[key]
	if !ok {
		html = notFoundHTML
	}
	return key, html, append([]schemas.Cookie(nil), s.cookies[key]...), nil
}

func hasCookie(jar []schemas.Cookie, name string) bool {
	for _, c := range jar {
		if c.Name == name {
			return true
		}
	}
	return false
}

// canonical drops the fragment so page lookups ignore it.
func canonical(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	if u.Path == "" && u.Host != "" {
		u.Path = "/"
	}
	return u.String()
}
