package wayback

import (
	"regexp"
	"strings"
)

// Transformer rewrites archived bodies into period-authentic form by
// stripping the archive's own toolbar, scripts, and URL rewriting.
// It is a pure function of its input and idempotent: transforming an
// already-transformed body is a no-op.
type Transformer struct {
	RemoveToolbar  bool
	RemoveScripts  bool
	FixBaseTags    bool
	FixAssetURLs   bool
	NormalizeLinks bool
}

// NewTransformer returns a Transformer with every rewrite enabled.
func NewTransformer() *Transformer {
	return &Transformer{
		RemoveToolbar:  true,
		RemoveScripts:  true,
		FixBaseTags:    true,
		FixAssetURLs:   true,
		NormalizeLinks: true,
	}
}

var (
	toolbarRe       = regexp.MustCompile(`(?is)<!-- BEGIN WAYBACK TOOLBAR INSERT -->.*?<!-- END WAYBACK TOOLBAR INSERT -->`)
	archivedFooterRe = regexp.MustCompile(`(?s)<!--\s*FILE ARCHIVED ON.*$`)

	// The pre-toolbar block: script includes, inline __wm config, and the
	// closing rewrite comment, removed as one span.
	rewriteBlockRe = regexp.MustCompile(`(?s)(?:<!-- is_embed=True -->\r?\n?)?<script (?:type="text/javascript" )?src="[^"]*/_static/js/.*?<!-- End Wayback Rewrite JS Include -->\r?\n?`)

	staticScriptRe  = regexp.MustCompile(`(?is)<script[^>]*src="[^"]*/_static/js/[^"]*"[^>]*>.*?</script>`)
	inlineWmRe      = regexp.MustCompile(`(?is)<script[^>]*>.*?__wm\..*?</script>`)
	wombatRe        = regexp.MustCompile(`(?is)<script[^>]*src="[^"]*wombat\.js[^"]*"[^>]*>.*?</script>`)
	staticLinkRe    = regexp.MustCompile(`(?i)<link[^>]*href="[^"]*web-static\.archive\.org[^"]*"[^>]*/?\s*>`)
	rewriteCommentRe = regexp.MustCompile(`(?i)<!--\s*End Wayback Rewrite JS Include\s*-->\r?\n?`)

	baseTagRe = regexp.MustCompile(`(?i)(<base\s+[^>]*href=["']?)(?:https?:)?//web\.archive\.org/web/\d+[a-z_]*/(?:https?://)?`)

	absoluteArchivePrefixRe = regexp.MustCompile(`(?:https?:)?//web\.archive\.org/web/\d+[a-z_]*/`)
	relativeArchivePrefixRe = regexp.MustCompile(`/web/\d+[a-z_]*/(?:https?://)?`)

	doubleHTTPRe  = regexp.MustCompile(`http://https?://`)
	doubleHTTPSRe = regexp.MustCompile(`https://https?://`)

	cssURLRe      = regexp.MustCompile(`url\(["']?(?:https?:)?//web\.archive\.org/web/\d+[a-z_]*/([^)"']+)["']?\)`)
	cssImportRe   = regexp.MustCompile(`@import\s+(?:url\s*\()?\s*["']?(?:https?:)?//web\.archive\.org/web/\d+[a-z_]*/([^"')\s]+)["']?\s*\)?`)
	cssRelativeRe = regexp.MustCompile(`url\(["']?/web/\d+[a-z_]*/((?:https?://)?[^)"']+)["']?\)`)
)

// Transform cleans a body according to its content type. HTML and CSS
// bodies are rewritten; everything else passes through untouched.
func (t *Transformer) Transform(body []byte, contentType string) []byte {
	switch {
	case strings.Contains(contentType, "html"):
		return []byte(t.transformHTML(string(body)))
	case strings.Contains(contentType, "text/css"):
		return []byte(t.transformCSS(string(body)))
	default:
		return body
	}
}

func (t *Transformer) transformHTML(html string) string {
	if t.RemoveToolbar {
		html = toolbarRe.ReplaceAllString(html, "")
		html = archivedFooterRe.ReplaceAllString(html, "")
	}
	if t.RemoveScripts {
		html = rewriteBlockRe.ReplaceAllString(html, "")
		html = staticScriptRe.ReplaceAllString(html, "")
		html = inlineWmRe.ReplaceAllString(html, "")
		html = wombatRe.ReplaceAllString(html, "")
		html = staticLinkRe.ReplaceAllString(html, "")
		html = rewriteCommentRe.ReplaceAllString(html, "")
	}
	if t.FixBaseTags {
		html = baseTagRe.ReplaceAllString(html, "${1}http://")
	}
	if t.FixAssetURLs {
		html = absoluteArchivePrefixRe.ReplaceAllString(html, "")
		html = relativeArchivePrefixRe.ReplaceAllString(html, "http://")
	}
	if t.NormalizeLinks {
		html = doubleHTTPRe.ReplaceAllString(html, "http://")
		html = doubleHTTPSRe.ReplaceAllString(html, "https://")
	}
	return html
}

func (t *Transformer) transformCSS(css string) string {
	if !t.FixAssetURLs {
		return css
	}
	css = cssURLRe.ReplaceAllString(css, `url("$1")`)
	css = cssImportRe.ReplaceAllString(css, `@import url("$1")`)
	css = cssRelativeRe.ReplaceAllString(css, `url("$1")`)
	return css
}
