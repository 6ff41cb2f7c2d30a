package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser/browsertest"
	"github.com/xkilldash9x/cartographer/internal/config"
)

func defaultEngine() *Engine {
	return NewEngine(config.NewDefaultConfig().Signature)
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"HTTPS://Example.COM", "https://example.com/"},
		{"http://example.com:80/a#frag", "http://example.com/a"},
		{"https://example.com:443/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"https://example.com:8443/a", "https://example.com:8443/a"},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	e := defaultEngine()
	a := e.Compute("https://example.com/x", "Hello   world", 3)
	b := e.Compute("https://example.com/x#top", "Hello world", 3)
	assert.True(t, a.Equal(b))
	assert.Len(t, a.Key, 32)
}

func TestComputeSensitivity(t *testing.T) {
	e := defaultEngine()
	base := e.Compute("https://example.com/x", "Hello world", 3)
	assert.False(t, base.Equal(e.Compute("https://example.com/x", "Hello world!", 3)), "text change")
	assert.False(t, base.Equal(e.Compute("https://example.com/x", "Hello world", 4)), "count change")
	assert.False(t, base.Equal(e.Compute("https://example.com/y", "Hello world", 3)), "url change")
}

func TestPolicy(t *testing.T) {
	cfg := config.NewDefaultConfig().Signature
	cfg.ScrubDigits = true
	cfg.IgnoreQueryParams = []string{"session"}
	e := NewEngine(cfg)

	a := e.Compute("https://example.com/x?session=1&page=2", "Updated 10:41", 1)
	b := e.Compute("https://example.com/x?session=9&page=2", "Updated 10:42", 1)
	assert.True(t, a.Equal(b))
	assert.Equal(t, "https://example.com/x?page=2", a.URL)

	cfg.IncludeQuery = false
	e = NewEngine(cfg)
	assert.Equal(t, "https://example.com/x", e.Compute("https://example.com/x?page=2", "", 0).URL)
}

func TestTextDigestTruncation(t *testing.T) {
	cfg := config.NewDefaultConfig().Signature
	cfg.MaxTextLength = 5
	e := NewEngine(cfg)
	assert.Equal(t, e.TextDigest("Hello"), e.TextDigest("Hello there"))
}

func TestSignatureFromBrowser(t *testing.T) {
	ctx := context.Background()
	site := browsertest.NewSite(map[string]string{
		"https://example.test/": `<html><body><p>Hi</p><button id="b" data-toggle="#x">Show</button><div id="x" hidden><a href="/y">Y</a></div></body></html>`,
	})
	b := browsertest.NewBrowser("s", site)
	require.NoError(t, b.Navigate(ctx, "https://example.test/"))

	e := defaultEngine()
	first, err := e.Signature(ctx, b)
	require.NoError(t, err)
	again, err := e.Signature(ctx, b)
	require.NoError(t, err)
	assert.True(t, first.Equal(again))
	assert.Equal(t, 1, first.InteractiveCount)

	refs, err := b.FindElements(ctx, schemas.ByID("b"))
	require.NoError(t, err)
	require.NoError(t, b.Click(ctx, refs[0]))

	changed, err := e.Signature(ctx, b)
	require.NoError(t, err)
	assert.False(t, first.Equal(changed))
	assert.Equal(t, 2, changed.InteractiveCount)
}
