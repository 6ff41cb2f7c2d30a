package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocatorParse(t *testing.T) {
	tests := []struct {
		name     string
		locator  Locator
		strategy LocatorStrategy
		value    string
	}{
		{"css prefix", "css:#login", StrategyCSS, "#login"},
		{"xpath prefix", "xpath://button[1]", StrategyXPath, "//button[1]"},
		{"id prefix", "id:submit", StrategyID, "submit"},
		{"link text", "text:Sign in", StrategyText, "Sign in"},
		{"bare xpath", "//a[@href='/x']", StrategyXPath, "//a[@href='/x']"},
		{"bare grouped xpath", "(//a)[2]", StrategyXPath, "(//a)[2]"},
		{"bare css", "form > button", StrategyCSS, "form > button"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strategy, value := tt.locator.Parse()
			assert.Equal(t, tt.strategy, strategy)
			assert.Equal(t, tt.value, value)
		})
	}
}

func TestLocatorWireForm(t *testing.T) {
	strategy, value := ByID("main").WireForm()
	assert.Equal(t, StrategyXPath, strategy)
	assert.Equal(t, "//*[@id='main']", value)

	strategy, value = CSS("#a").WireForm()
	assert.Equal(t, StrategyCSS, strategy)
	assert.Equal(t, "#a", value)
}

func TestXPathLiteral(t *testing.T) {
	assert.Equal(t, "'plain'", XPathLiteral("plain"))
	assert.Equal(t, `"it's"`, XPathLiteral("it's"))
	assert.Equal(t, `concat('say "it', "'", 's"')`, XPathLiteral(`say "it's"`))
}

func TestParseBrowserKind(t *testing.T) {
	k, err := ParseBrowserKind("Chromium")
	require.NoError(t, err)
	assert.Equal(t, BrowserChrome, k)

	k, err = ParseBrowserKind("gecko")
	require.NoError(t, err)
	assert.Equal(t, BrowserFirefox, k)

	_, err = ParseBrowserKind("netscape")
	assert.Error(t, err)
}

func TestInteractiveComponents(t *testing.T) {
	p := &Page{Components: []UIComponent{
		{ID: "1", Type: "link"},
		{ID: "2", Type: "image"},
		{ID: "3", Type: "Button"},
		{ID: "4", Type: "heading"},
	}}
	got := p.InteractiveComponents()
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
}
