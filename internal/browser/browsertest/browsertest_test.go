package browsertest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
)

const home = `<html><head><title>Home</title></head><body>
<nav id="nav"><a href="/about">About us</a><a href="/help" target="_blank">Help</a></nav>
<button id="more" data-toggle="#panel">More</button>
<div id="panel" hidden><p>Secret panel</p><input name="extra"></div>
<form action="/done"><select name="kind" data-toggle="#panel"><option value="a">A</option><option value="b">B</option></select>
<input type="checkbox" name="agree"><button type="submit">Send</button></form>
</body></html>`

func newTestBrowser(t *testing.T) (*Browser, *Site) {
	t.Helper()
	site := NewSite(map[string]string{
		"https://example.test/":      home,
		"https://example.test/about": `<html><head><title>About</title></head><body><p>About page</p></body></html>`,
		"https://example.test/help":  `<html><head><title>Help</title></head><body>help</body></html>`,
		"https://example.test/done":  `<html><head><title>Done</title></head><body>thanks</body></html>`,
	})
	b := NewBrowser("t", site)
	require.NoError(t, b.Navigate(context.Background(), "https://example.test"))
	return b, site
}

func one(t *testing.T, b *Browser, loc schemas.Locator) browser.ElementRef {
	t.Helper()
	refs, err := b.FindElements(context.Background(), loc)
	require.NoError(t, err)
	require.Len(t, refs, 1, "locator %s", loc)
	return refs[0]
}

func TestNavigationAndHistory(t *testing.T) {
	ctx := context.Background()
	b, site := newTestBrowser(t)

	u, err := b.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/", u)

	require.NoError(t, b.Click(ctx, one(t, b, schemas.Locator("text:About us"))))
	title, err := b.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "About", title)

	require.NoError(t, b.Back(ctx))
	u, _ = b.CurrentURL(ctx)
	assert.Equal(t, "https://example.test/", u)
	assert.Equal(t, 2, site.Visits("https://example.test/"))
}

func TestStaleReferences(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBrowser(t)
	el := one(t, b, schemas.ByID("more"))
	require.NoError(t, b.Refresh(ctx))
	_, err := b.TagName(ctx, el)
	assert.ErrorIs(t, err, browser.ErrStaleElement)
}

func TestToggleChangesProbes(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBrowser(t)

	before, err := browser.InteractiveCount(ctx, b)
	require.NoError(t, err)
	text, err := browser.VisibleText(ctx, b)
	require.NoError(t, err)
	assert.NotContains(t, text, "Secret panel")

	require.NoError(t, b.Click(ctx, one(t, b, schemas.ByID("more"))))

	after, err := browser.InteractiveCount(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
	text, _ = browser.VisibleText(ctx, b)
	assert.Contains(t, text, "Secret panel")
}

func TestNewWindow(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBrowser(t)
	origin, err := b.CurrentWindow(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Click(ctx, one(t, b, schemas.Locator("text:Help"))))
	handles, err := b.WindowHandles(ctx)
	require.NoError(t, err)
	require.Len(t, handles, 2)

	require.NoError(t, b.SwitchWindow(ctx, handles[1]))
	title, _ := b.Title(ctx)
	assert.Equal(t, "Help", title)

	require.NoError(t, b.CloseWindow(ctx))
	_, err = b.CurrentWindow(ctx)
	assert.ErrorIs(t, err, browser.ErrNoSuchWindow)
	require.NoError(t, b.SwitchWindow(ctx, origin))
	title, _ = b.Title(ctx)
	assert.Equal(t, "Home", title)
}

func TestInteractiveElementsLocatorsResolve(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBrowser(t)
	infos, err := browser.InteractiveElements(ctx, b)
	require.NoError(t, err)
	require.NotEmpty(t, infos)
	for _, info := range infos {
		refs, err := b.FindElements(ctx, info.Locator)
		require.NoError(t, err)
		assert.Len(t, refs, 1, info.Locator)
	}
	assert.Equal(t, schemas.Locator("xpath:/html[1]/body[1]/form[1]/button[1]"), infos[len(infos)-1].Locator)
}

func TestFormFieldsAndSelect(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBrowser(t)

	fields, err := browser.FormFields(ctx, b)
	require.NoError(t, err)
	keys := map[string]schemas.FieldState{}
	for _, f := range fields {
		keys[f.Key] = f
	}
	assert.False(t, keys["extra"].Visible)
	assert.Equal(t, []string{"a", "b"}, keys["kind"].Options)

	opt := one(t, b, schemas.XPath("//select[@name='kind']/option[2]"))
	require.NoError(t, b.Click(ctx, opt))
	fields, _ = browser.FormFields(ctx, b)
	for _, f := range fields {
		if f.Key == "extra" {
			assert.True(t, f.Visible)
		}
	}

	sel := one(t, b, schemas.XPath("//select[@name='kind']"))
	opts, err := browser.SelectOptions(ctx, b, sel)
	require.NoError(t, err)
	require.Len(t, opts, 2)
	assert.True(t, opts[1].Selected)
}

func TestSubmitFollowsAction(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBrowser(t)
	require.NoError(t, b.Click(ctx, one(t, b, schemas.XPath("//form//button"))))
	u, _ := b.CurrentURL(ctx)
	assert.Equal(t, "https://example.test/done", u)
}

func TestProtectedPagesAndCookies(t *testing.T) {
	ctx := context.Background()
	site := NewSite(map[string]string{
		"https://example.test/login":   `<html><body>login</body></html>`,
		"https://example.test/session": `<html><body>ok</body></html>`,
		"https://example.test/account": `<html><head><title>Account</title></head><body>mine</body></html>`,
	}).
		Protect("https://example.test/account", "sid", "https://example.test/login").
		SetsCookie("https://example.test/session", schemas.Cookie{Name: "sid", Value: "1"})

	b := NewBrowser("t", site)
	require.NoError(t, b.Navigate(ctx, "https://example.test/account"))
	u, _ := b.CurrentURL(ctx)
	assert.Equal(t, "https://example.test/login", u)

	require.NoError(t, b.Navigate(ctx, "https://example.test/session"))
	require.NoError(t, b.Navigate(ctx, "https://example.test/account"))
	title, _ := b.Title(ctx)
	assert.Equal(t, "Account", title)

	cookies, err := b.Cookies(ctx)
	require.NoError(t, err)
	assert.Len(t, cookies, 1)
}

func TestLauncherFailureModes(t *testing.T) {
	ctx := context.Background()
	l := NewLauncher(NewSite(nil))
	l.FailFull = true

	_, err := l.Launch(ctx, browser.LaunchSpec{})
	assert.ErrorIs(t, err, ErrLaunch)
	d, err := l.Launch(ctx, browser.LaunchSpec{Degraded: true})
	require.NoError(t, err)
	require.NoError(t, d.Quit(ctx))
	assert.True(t, l.Browsers()[0].Closed())
	assert.Len(t, l.Specs(), 2)
}

func TestElementScreenshotDeterministic(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBrowser(t)
	first, err := b.ElementScreenshot(ctx, one(t, b, schemas.ByID("more")))
	require.NoError(t, err)
	second, err := b.ElementScreenshot(ctx, one(t, b, schemas.ByID("more")))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
