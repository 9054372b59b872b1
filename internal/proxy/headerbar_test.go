package proxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInjectHeaderBarAfterBodyTag(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><BODY bgcolor="#ffffff"><p>page</p></body></html>`)
	got := string(injectHeaderBar(body, `<div id="bar"></div>`))

	bodyIdx := strings.Index(got, `<BODY bgcolor="#ffffff">`)
	barIdx := strings.Index(got, `<div id="bar">`)
	contentIdx := strings.Index(got, "<p>page</p>")
	require.True(t, bodyIdx >= 0 && barIdx > bodyIdx && contentIdx > barIdx,
		"bar must sit between the body tag and the content: %s", got)
}

func TestInjectHeaderBarNoBodyTag(t *testing.T) {
	t.Parallel()

	body := []byte(`<p>bare fragment</p>`)
	got := string(injectHeaderBar(body, `<div id="bar"></div>`))
	require.True(t, strings.HasPrefix(got, `<div id="bar">`), "bar must be prepended: %s", got)
	require.Contains(t, got, "bare fragment")
}

func TestRenderHeaderBarContents(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.HeaderBar.Enabled = true
	cfg.HeaderBar.Text = "Net Gallery 2001"
	cfg.Throttle.Selector = true

	bar := renderHeaderBar(cfg, "http://example.com/page", "20010915", "56k")
	require.Contains(t, bar, "http://example.com/page")
	require.Contains(t, bar, "2001-09-15")
	require.Contains(t, bar, "Net Gallery 2001")
	require.Contains(t, bar, "wbSpeedSel")
	require.Contains(t, bar, `<option value="56k" selected>`)
	require.Contains(t, bar, "wayback_speed")
}

func TestRenderHeaderBarPeriodCompatible(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.HeaderBar.Enabled = true
	cfg.Throttle.Selector = true

	bar := renderHeaderBar(cfg, "http://example.com/", "20010915", "56k")
	// The fragment must run on IE4/IE5: no modern syntax or DOM APIs.
	for _, forbidden := range []string{"=>", "let ", "const ", "querySelector", "addEventListener", "fetch("} {
		require.NotContains(t, bar, forbidden)
	}
}

func TestRenderHeaderBarPositions(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.HeaderBar.Position = "top"
	require.Contains(t, renderHeaderBar(cfg, "u", "20010915", "56k"), "top:0")

	cfg.HeaderBar.Position = "bottom"
	require.Contains(t, renderHeaderBar(cfg, "u", "20010915", "56k"), "bottom:0")
}

func TestRenderHeaderBarNoSelector(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Throttle.Selector = false
	bar := renderHeaderBar(cfg, "http://example.com/", "20010915", "56k")
	require.NotContains(t, bar, "wbSpeedSel")
	require.Contains(t, bar, "Speed: 56k")
}
