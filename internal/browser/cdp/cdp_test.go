package cdp

import (
	"context"
	"testing"

	cdpcore "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
)

func TestLaunchRejectsFirefox(t *testing.T) {
	l := NewLauncher(nil)
	_, err := l.Launch(context.Background(), browser.LaunchSpec{Kind: schemas.BrowserFirefox})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "firefox")
}

func TestExecOptions(t *testing.T) {
	full := browser.LaunchSpec{
		Headless: true,
		Viewport: browser.Viewport{Width: 1280, Height: 720},
		Args:     []string{"--lang=en-US"},
		ExecPath: "/usr/bin/chromium",
	}
	degraded := full
	degraded.Degraded = true

	fullOpts := execOptions(full)
	degradedOpts := execOptions(degraded)

	// NoFirstRun, NoDefaultBrowserCheck, Headless, one flag per arg, WindowSize, ExecPath.
	assert.Len(t, fullOpts, 3+len(full.EffectiveArgs())+2)
	assert.Len(t, degradedOpts, 3+len(browser.DegradedArgs)+1)
}

func TestQueryOptions(t *testing.T) {
	sel, opts := queryOptions(schemas.ByID("login"))
	assert.Equal(t, "//*[@id='login']", sel)
	assert.Len(t, opts, 2)

	sel, _ = queryOptions(schemas.CSS("form > button"))
	assert.Equal(t, "form > button", sel)

	sel, _ = queryOptions(schemas.Locator("text:Sign in"))
	assert.Equal(t, "//a[normalize-space(.)='Sign in']", sel)

	var _ chromedp.QueryOption = opts[0]
}

func TestNodeRefs(t *testing.T) {
	d := &Driver{nodes: map[cdpcore.NodeID]*cdpcore.Node{}}
	_, err := d.node("abc")
	assert.ErrorIs(t, err, browser.ErrNoSuchElement)
	_, err = d.node("42")
	assert.ErrorIs(t, err, browser.ErrStaleElement)
}
