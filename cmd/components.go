package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
	"github.com/xkilldash9x/cartographer/internal/browser/cdp"
	"github.com/xkilldash9x/cartographer/internal/browser/webdriver"
	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/discovery"
	"github.com/xkilldash9x/cartographer/internal/flowgraph"
	"github.com/xkilldash9x/cartographer/internal/store"
	"github.com/xkilldash9x/cartographer/internal/synthesis"
)

// Function variables swapped out in tests.
var (
	newLauncher  = defaultLauncher
	newGenerator = defaultGenerator
)

func defaultLauncher(cfg *config.Config, logger *zap.Logger) (browser.Launcher, error) {
	switch cfg.Browser.Backend {
	case "cdp":
		return cdp.NewLauncher(logger), nil
	case "webdriver":
		return webdriver.NewLauncher(cfg.Browser.RemoteURL, cfg.Crawl.PageLoadTimeout.Milliseconds(), logger), nil
	default:
		return nil, fmt.Errorf("unknown browser backend %q", cfg.Browser.Backend)
	}
}

func defaultGenerator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (schemas.Generator, error) {
	return synthesis.NewGeminiGenerator(ctx, cfg.Synthesis, logger)
}

// components holds the services one discovery command needs.
type components struct {
	Pool     *browser.Pool
	Repo     schemas.Repository
	Graph    *flowgraph.Graph
	Explorer *discovery.Explorer

	stopJanitor context.CancelFunc
	logger      *zap.Logger
}

// Shutdown releases the browsers and closes the store.
func (c *components) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if c.stopJanitor != nil {
		c.stopJanitor()
	}
	if c.Pool != nil {
		if err := c.Pool.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("Error during browser pool shutdown", zap.Error(err))
		}
	}
	if c.Repo != nil {
		if err := c.Repo.Close(); err != nil {
			c.logger.Warn("Error closing store", zap.Error(err))
		}
	}
}

// initializeComponents wires pool, store, graph and explorer together.
// On error the partially built components are returned for Shutdown.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{logger: logger}

	repo, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return c, fmt.Errorf("failed to open store: %w", err)
	}
	c.Repo = repo

	launcher, err := newLauncher(cfg, logger)
	if err != nil {
		return c, err
	}
	kind, err := schemas.ParseBrowserKind(cfg.Browser.Kind)
	if err != nil {
		return c, err
	}
	spec := browser.LaunchSpec{
		Kind:     kind,
		Headless: cfg.Browser.Headless,
		Viewport: browser.Viewport{Width: cfg.Browser.Viewport.Width, Height: cfg.Browser.Viewport.Height},
		Args:     cfg.Browser.Args,
		ExecPath: cfg.Browser.ExecPath,
		Timeout:  cfg.Browser.LaunchTimeout,
	}
	c.Pool = browser.NewPool(launcher, spec, logger, browser.WithMaxSessions(cfg.Browser.MaxSessions))

	janitorCtx, stop := context.WithCancel(context.Background())
	c.stopJanitor = stop
	c.Pool.StartJanitor(janitorCtx, cfg.Browser.SweepInterval, cfg.Browser.IdleTimeout)

	c.Graph = flowgraph.New(logger)
	sink := discovery.MultiSink{store.NewSink(repo), c.Graph}

	explorer, err := discovery.NewExplorer(cfg, c.Pool, discovery.WithLogger(logger), discovery.WithSink(sink))
	if err != nil {
		return c, fmt.Errorf("failed to create explorer: %w", err)
	}
	c.Explorer = explorer
	return c, nil
}
