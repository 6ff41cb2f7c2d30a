package fingerprint

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
	"github.com/xkilldash9x/cartographer/internal/browser/browsertest"
	"github.com/xkilldash9x/cartographer/internal/config"
)

const pageURL = "https://example.test/form"

const original = `<html><body>
<form action="/save"><input name="title" placeholder="Title"><button id="save" name="commit" class="btn primary" type="submit">Save draft</button></form>
<a href="/pricing" class="nav">Pricing</a>
</body></html>`

func setup(t *testing.T, html string) (*Resolver, *browsertest.Browser, *browsertest.Site) {
	t.Helper()
	site := browsertest.NewSite(map[string]string{pageURL: html})
	b := browsertest.NewBrowser("fp", site)
	require.NoError(t, b.Navigate(context.Background(), pageURL))
	return NewResolver(config.NewDefaultConfig().Resolver, zaptest.NewLogger(t)), b, site
}

func reload(t *testing.T, b *browsertest.Browser, site *browsertest.Site, html string) {
	t.Helper()
	site.Page(pageURL, html)
	require.NoError(t, b.Refresh(context.Background()))
}

func idOf(t *testing.T, d browser.Driver, el browser.ElementRef) string {
	t.Helper()
	id, err := d.Attribute(context.Background(), el, "id")
	require.NoError(t, err)
	return id
}

func TestCapture(t *testing.T) {
	r, b, _ := setup(t, original)
	fp, err := r.Capture(context.Background(), b, schemas.XPath("/html[1]/body[1]/form[1]/button[1]"))
	require.NoError(t, err)

	assert.Equal(t, "button", fp.Tag)
	assert.Equal(t, "save", fp.ID)
	assert.Equal(t, "commit", fp.Name)
	assert.Equal(t, "Save draft", fp.Text)
	assert.Equal(t, map[string]string{"class": "btn primary", "type": "submit"}, fp.Attributes)
	assert.Equal(t, "form", fp.Parent)
	assert.Len(t, fp.VisualHash, 16)
	assert.Contains(t, fp.Properties, schemas.PropWidth)
}

func TestCaptureMissing(t *testing.T) {
	r, b, _ := setup(t, original)
	_, err := r.Capture(context.Background(), b, schemas.ByID("nope"))
	assert.ErrorIs(t, err, ErrElementNotFound)
}

func TestResolveUnchangedDOM(t *testing.T) {
	ctx := context.Background()
	r, b, _ := setup(t, original)
	fp, err := r.Capture(ctx, b, schemas.XPath("/html[1]/body[1]/form[1]/button[1]"))
	require.NoError(t, err)

	out, err := r.Resolve(ctx, b, fp)
	require.NoError(t, err)
	require.True(t, out.Found)
	assert.Equal(t, StageLocator, out.Stage)
	assert.Equal(t, "save", idOf(t, b, out.Element))
	assert.True(t, r.Matcher().Matches(fp, out.Fingerprint))
}

func TestResolveHealsByID(t *testing.T) {
	ctx := context.Background()
	r, b, site := setup(t, original)
	fp, err := r.Capture(ctx, b, schemas.XPath("/html[1]/body[1]/form[1]/button[1]"))
	require.NoError(t, err)

	reload(t, b, site, `<html><body>
<div class="wrapper"><form action="/save"><input name="title" placeholder="Title"><button id="save" name="commit" class="btn primary" type="submit">Save draft</button></form></div>
<a href="/pricing" class="nav">Pricing</a>
</body></html>`)

	out, err := r.Resolve(ctx, b, fp)
	require.NoError(t, err)
	require.True(t, out.Found)
	assert.Equal(t, StageID, out.Stage)
	assert.Equal(t, "save", idOf(t, b, out.Element))
}

func TestResolveHealsByText(t *testing.T) {
	ctx := context.Background()
	r, b, site := setup(t, original)
	fp, err := r.Capture(ctx, b, schemas.XPath("/html[1]/body[1]/a[1]"))
	require.NoError(t, err)

	reload(t, b, site, `<html><body>
<form action="/save"><input name="title" placeholder="Title"><button id="save" name="commit" class="btn primary" type="submit">Save draft</button></form>
<div><a href="/pricing" class="nav">Pricing</a></div>
</body></html>`)

	out, err := r.Resolve(ctx, b, fp)
	require.NoError(t, err)
	require.True(t, out.Found)
	assert.Equal(t, StageText, out.Stage)
}

func TestResolveRejectsImpostor(t *testing.T) {
	ctx := context.Background()
	r, b, site := setup(t, original)
	fp, err := r.Capture(ctx, b, schemas.XPath("/html[1]/body[1]/form[1]/button[1]"))
	require.NoError(t, err)

	reload(t, b, site, `<html><body>
<form action="/delete"><input name="title" placeholder="Title"><button id="remove" name="destroy" class="btn danger" type="button">Delete forever</button></form>
<a href="/pricing" class="nav">Pricing</a>
</body></html>`)

	out, err := r.Resolve(ctx, b, fp)
	require.NoError(t, err)
	assert.False(t, out.Found)
}

func TestResolveCancelled(t *testing.T) {
	r, b, _ := setup(t, original)
	fp, err := r.Capture(context.Background(), b, schemas.ByID("save"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Resolve(ctx, b, fp)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAttributeLocator(t *testing.T) {
	loc, ok := attributeLocator(&schemas.ElementFingerprint{
		Tag:        "input",
		Name:       "q",
		Attributes: map[string]string{"type": "search", "placeholder": "Find"},
	}, 0)
	require.True(t, ok)
	assert.Equal(t, schemas.XPath("//input[@name='q' and @placeholder='Find' and @type='search']"), loc)

	_, ok = attributeLocator(&schemas.ElementFingerprint{Tag: "div"}, 0)
	assert.False(t, ok)
}

func TestMatcher(t *testing.T) {
	m := NewMatcher(config.NewDefaultConfig().Resolver)
	base := &schemas.ElementFingerprint{
		Tag: "button", ID: "go", Name: "go", Text: "Go",
		Attributes: map[string]string{"class": "btn"},
		Properties: map[string]float64{schemas.PropX: 10, schemas.PropY: 10, schemas.PropWidth: 80, schemas.PropHeight: 20},
	}

	t.Run("identical", func(t *testing.T) {
		assert.True(t, m.Matches(base, base))
	})
	t.Run("tag differs", func(t *testing.T) {
		other := *base
		other.Tag = "a"
		assert.False(t, m.Matches(base, &other))
	})
	t.Run("id changed but rest agrees", func(t *testing.T) {
		other := *base
		other.ID = "go-2"
		score, ok := m.Score(base, &other)
		require.True(t, ok)
		assert.InDelta(t, 7.0/10.0, score, 1e-9)
		assert.True(t, m.Matches(base, &other))
	})
	t.Run("moved too far", func(t *testing.T) {
		other := *base
		other.Properties = map[string]float64{schemas.PropX: 500, schemas.PropY: 10, schemas.PropWidth: 80, schemas.PropHeight: 20}
		votes := m.Explain(base, &other)
		for _, v := range votes {
			if v.Signal == SignalGeometry {
				assert.False(t, v.Agrees)
			}
		}
	})
	t.Run("nothing comparable falls back to parent", func(t *testing.T) {
		a := &schemas.ElementFingerprint{Tag: "div", Parent: "section#main"}
		b := &schemas.ElementFingerprint{Tag: "div", Parent: "section#main"}
		c := &schemas.ElementFingerprint{Tag: "div", Parent: "aside"}
		assert.True(t, m.Matches(a, b))
		assert.False(t, m.Matches(a, c))
	})
}

func encodeGray(t *testing.T, fill func(x, y int) uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: fill(x, y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestAverageHash(t *testing.T) {
	left := encodeGray(t, func(x, _ int) uint8 {
		if x < 16 {
			return 240
		}
		return 10
	})
	right := encodeGray(t, func(x, _ int) uint8 {
		if x >= 16 {
			return 240
		}
		return 10
	})

	h1, err := AverageHash(left)
	require.NoError(t, err)
	h2, err := AverageHash(left)
	require.NoError(t, err)
	h3, err := AverageHash(right)
	require.NoError(t, err)

	assert.Len(t, h1, 16)
	assert.Equal(t, 0, Hamming(h1, h2))
	assert.Greater(t, Hamming(h1, h3), 40)
	assert.Equal(t, -1, Hamming("zz", h1))

	_, err = AverageHash([]byte("not an image"))
	assert.Error(t, err)
}
