// internal/browser/cdp/launcher.go
package cdp

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
)

// Launcher starts a local Chromium per session through chromedp.
type Launcher struct {
	logger *zap.Logger
}

var _ browser.Launcher = (*Launcher)(nil)

// NewLauncher creates a launcher.
func NewLauncher(logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{logger: logger.Named("CDPLauncher")}
}

// Launch spawns the browser. The process outlives ctx; ctx only bounds
// how long startup may take.
func (l *Launcher) Launch(ctx context.Context, spec browser.LaunchSpec) (browser.Driver, error) {
	if spec.Kind != schemas.BrowserChrome && spec.Kind != schemas.BrowserEdge && spec.Kind != "" {
		return nil, fmt.Errorf("cdp backend cannot drive %q", spec.Kind)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOptions(spec)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// The first Run starts the process and must receive the tab context itself.
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(tabCtx) }()

	select {
	case err := <-errc:
		if err != nil {
			tabCancel()
			allocCancel()
			return nil, fmt.Errorf("start chromium: %w", err)
		}
	case <-ctx.Done():
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("start chromium: %w", ctx.Err())
	}

	d := newDriver(tabCtx, func() {
		tabCancel()
		allocCancel()
	}, l.logger)
	l.logger.Debug("Chromium started.", zap.String("target", d.rootHandle), zap.Bool("degraded", spec.Degraded))
	return d, nil
}

// execOptions turns a launch spec into allocator options. Arguments of the
// form --key=value become valued flags, the rest boolean flags.
func execOptions(spec browser.LaunchSpec) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	}
	if spec.Headless {
		opts = append(opts, chromedp.Headless)
	}
	for _, arg := range spec.EffectiveArgs() {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	if !spec.Degraded && spec.Viewport.Width > 0 && spec.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(spec.Viewport.Width, spec.Viewport.Height))
	}
	if spec.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(spec.ExecPath))
	}
	return opts
}
