package crawler

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// extractLinks parses HTML and returns every href/src reference resolved
// against the page URL. When sameHost is non-empty, only URLs on that
// host (with the page's scheme) survive. Fragments are stripped;
// non-http(s) schemes (javascript:, mailto:, data:) are dropped.
func extractLinks(body []byte, pageURL string, sameHost string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return
		}
		lower := strings.ToLower(ref)
		if strings.HasPrefix(lower, "#") || strings.HasPrefix(lower, "javascript:") ||
			strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "data:") {
			return
		}
		resolved, err := base.Parse(ref)
		if err != nil {
			return
		}
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""
		if sameHost != "" && (resolved.Scheme != base.Scheme || !strings.EqualFold(resolved.Host, sameHost)) {
			return
		}
		link := resolved.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}

	doc.Find("a[href], link[href], area[href]").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			add(href)
		}
	})
	doc.Find("img[src], script[src], frame[src], iframe[src], embed[src]").Each(func(_ int, sel *goquery.Selection) {
		if src, ok := sel.Attr("src"); ok {
			add(src)
		}
	})

	return links
}

// hostOf extracts the lowercased host (with port, if any) from a URL.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
