// internal/browser/webdriver/launcher.go
package webdriver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
)

// Launcher opens sessions on a remote WebDriver endpoint.
type Launcher struct {
	client            *Client
	pageLoadTimeoutMs int64
	logger            *zap.Logger
}

var _ browser.Launcher = (*Launcher)(nil)

// NewLauncher creates a launcher for endpoint. pageLoadTimeoutMs of zero
// leaves the driver default in place.
func NewLauncher(endpoint string, pageLoadTimeoutMs int64, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		client:            NewClient(endpoint, logger),
		pageLoadTimeoutMs: pageLoadTimeoutMs,
		logger:            logger.Named("WebDriverLauncher"),
	}
}

// Launch creates a session. A degraded launch sends only the browser name
// and the headless flag, and skips window sizing and timeouts.
func (l *Launcher) Launch(ctx context.Context, spec browser.LaunchSpec) (browser.Driver, error) {
	caps, err := BuildCapabilities(spec)
	if err != nil {
		return nil, err
	}
	s, err := l.client.NewSession(ctx, caps)
	if err != nil {
		return nil, err
	}
	if spec.Degraded {
		return s, nil
	}

	if l.pageLoadTimeoutMs > 0 {
		if err := s.SetTimeouts(ctx, l.pageLoadTimeoutMs, 30000); err != nil {
			l.logger.Debug("Could not set session timeouts.", zap.Error(err))
		}
	}
	if spec.Viewport.Width > 0 && spec.Viewport.Height > 0 {
		if err := s.SetWindowSize(ctx, spec.Viewport.Width, spec.Viewport.Height); err != nil {
			l.logger.Debug("Could not size browser window.", zap.Error(err))
		}
	}
	return s, nil
}

// BuildCapabilities maps a launch spec onto vendor capabilities.
func BuildCapabilities(spec browser.LaunchSpec) (Capabilities, error) {
	args := spec.EffectiveArgs()
	if spec.Headless {
		if spec.Kind == schemas.BrowserFirefox {
			args = append(args, "-headless")
		} else {
			args = append(args, "--headless=new")
		}
	}
	if !spec.Degraded && spec.Viewport.Width > 0 && spec.Kind != schemas.BrowserFirefox {
		args = append(args, fmt.Sprintf("--window-size=%d,%d", spec.Viewport.Width, spec.Viewport.Height))
	}

	opts := map[string]interface{}{"args": args}
	if spec.ExecPath != "" {
		opts["binary"] = spec.ExecPath
	}

	match := map[string]interface{}{}
	switch spec.Kind {
	case schemas.BrowserChrome, "":
		match["browserName"] = "chrome"
		match["goog:chromeOptions"] = opts
	case schemas.BrowserEdge:
		match["browserName"] = "MicrosoftEdge"
		match["ms:edgeOptions"] = opts
	case schemas.BrowserFirefox:
		// Chromium flags mean nothing to Firefox.
		ffArgs := []string{}
		if spec.Headless {
			ffArgs = append(ffArgs, "-headless")
		}
		ffOpts := map[string]interface{}{"args": ffArgs}
		if spec.ExecPath != "" {
			ffOpts["binary"] = spec.ExecPath
		}
		match["browserName"] = "firefox"
		match["moz:firefoxOptions"] = ffOpts
	default:
		return Capabilities{}, fmt.Errorf("unsupported browser kind %q", spec.Kind)
	}
	if !spec.Degraded {
		match["pageLoadStrategy"] = "normal"
	}
	return Capabilities{AlwaysMatch: match}, nil
}
