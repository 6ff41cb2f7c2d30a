// internal/discovery/seeder.go
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	maxSitemapDepth = 3
	maxSitemaps     = 50
	maxSitemapBytes = 10 << 20
)

// HTTPClient fetches small documents such as robots.txt and sitemaps.
type HTTPClient interface {
	Get(ctx context.Context, url string) ([]byte, int, error)
}

type retryingClient struct {
	client *retryablehttp.Client
}

// NewHTTPClient returns an HTTPClient that retries transient failures.
func NewHTTPClient(timeout time.Duration, logger *zap.Logger) HTTPClient {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	if logger != nil {
		c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				logger.Debug("Retrying fetch.", zap.String("url", req.URL.String()), zap.Int("attempt", attempt))
			}
		}
	}
	return &retryingClient{client: c}
}

func (c *retryingClient) Get(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	return body, resp.StatusCode, err
}

// SitemapSeeder collects page URLs from robots.txt and sitemaps.
type SitemapSeeder struct {
	client  HTTPClient
	scope   *Scope
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	fetched map[string]struct{}
	found   map[string]struct{}
}

// NewSitemapSeeder creates a seeder. rps <= 0 disables rate limiting.
func NewSitemapSeeder(client HTTPClient, scope *Scope, rps float64, logger *zap.Logger) *SitemapSeeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &SitemapSeeder{
		client:  client,
		scope:   scope,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("SitemapSeeder"),
	}
}

// Seed returns the in-scope page URLs listed by the site's sitemaps.
func (s *SitemapSeeder) Seed(ctx context.Context, start *url.URL) []string {
	s.mu.Lock()
	s.fetched = make(map[string]struct{})
	s.found = make(map[string]struct{})
	s.mu.Unlock()

	base := start.Scheme + "://" + start.Host
	sitemaps := append([]string{base + "/sitemap.xml"}, s.robotsSitemaps(ctx, base)...)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, sm := range sitemaps {
		g.Go(func() error {
			s.parseSitemap(gctx, sm, 0)
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.found))
	for u := range s.found {
		out = append(out, u)
	}
	s.logger.Info("Sitemap seeding finished.", zap.Int("urls", len(out)), zap.Int("sitemaps", len(s.fetched)))
	return out
}

func (s *SitemapSeeder) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, status, err := s.client.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", status)
	}
	return body, nil
}

// robotsSitemaps reads Sitemap: lines from robots.txt.
func (s *SitemapSeeder) robotsSitemaps(ctx context.Context, base string) []string {
	robotsURL := base + "/robots.txt"
	body, err := s.fetch(ctx, robotsURL)
	if err != nil {
		s.logger.Debug("robots.txt not available.", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if len(line) > 8 && strings.EqualFold(line[:8], "sitemap:") {
			if loc := strings.TrimSpace(line[8:]); loc != "" {
				out = append(out, loc)
			}
		}
	}
	return out
}

// claim marks a sitemap as fetched, bounded by maxSitemaps.
func (s *SitemapSeeder) claim(rawURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fetched[rawURL]; ok || len(s.fetched) >= maxSitemaps {
		return false
	}
	s.fetched[rawURL] = struct{}{}
	return true
}

// parseSitemap follows sitemap indexes and collects urlset entries.
func (s *SitemapSeeder) parseSitemap(ctx context.Context, sitemapURL string, depth int) {
	if depth > maxSitemapDepth || ctx.Err() != nil || !s.claim(sitemapURL) {
		return
	}
	body, err := s.fetch(ctx, sitemapURL)
	if err != nil {
		s.logger.Debug("Failed to fetch sitemap.", zap.String("url", sitemapURL), zap.Error(err))
		return
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		s.logger.Debug("Sitemap is not XML.", zap.String("url", sitemapURL), zap.Error(err))
		return
	}
	root := doc.Root()
	if root == nil {
		return
	}

	switch root.Tag {
	case "sitemapindex":
		for _, sm := range root.SelectElements("sitemap") {
			loc := sm.SelectElement("loc")
			if loc == nil {
				continue
			}
			nested := strings.TrimSpace(loc.Text())
			u, err := url.Parse(nested)
			if err != nil || !s.scope.InScope(u) {
				s.logger.Debug("Skipping nested sitemap.", zap.String("url", nested))
				continue
			}
			s.parseSitemap(ctx, nested, depth+1)
		}
	case "urlset":
		for _, entry := range root.SelectElements("url") {
			loc := entry.SelectElement("loc")
			if loc == nil {
				continue
			}
			normalized, err := s.scope.Normalize(loc.Text(), "")
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.found[normalized] = struct{}{}
			s.mu.Unlock()
		}
	default:
		s.logger.Debug("Unrecognised sitemap root.", zap.String("url", sitemapURL), zap.String("root", root.Tag))
	}
}
