// Package wayback fetches archived snapshots from the Internet
// Archive's Wayback Machine and cleans their bodies for replay.
package wayback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/exhibitlab/wayback-cache-proxy/internal/cache"
)

// Error kinds surfaced to the request pipeline. Checked with errors.Is.
var (
	// ErrNotArchived means the archive has no snapshot for the URL.
	ErrNotArchived = errors.New("not archived")
	// ErrUpstreamUnavailable covers network failures and archive 5xx.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamTimeout is a fetch that exceeded the configured timeout.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrTooManyRedirects is a chain longer than maxRedirects.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrLoopDetected is a repeated (date, url) pair in a redirect chain.
	ErrLoopDetected = errors.New("redirect loop detected")
)

const maxRedirects = 10

// archiveRedirectRe matches archive-internal locations of the form
// [scheme:][//web.archive.org]/web/{timestamp}{modifier}/{url}.
var archiveRedirectRe = regexp.MustCompile(`^(?:https?:)?(?://web\.archive\.org)?/web/([0-9]{4,14})([a-z_]*)/(.+)$`)

// archiveDateRe pulls the timestamp out of a final snapshot URL.
var archiveDateRe = regexp.MustCompile(`/web/([0-9]{4,14})[a-z_]*/`)

// Wayback interstitial markers (exclusion notice, redirect page).
const (
	excludedMarker     = "This URL has been excluded from the Wayback Machine"
	waybackTitleMarker = "<title>Wayback Machine</title>"
)

var (
	impatientRe    = regexp.MustCompile(`<p class="impatient"><a href="(?:(?:https?:)?//web\.archive\.org)?/web/([^/]+)/([^"]+)">Impatient\?</a></p>`)
	redirectCodeRe = regexp.MustCompile(`<p class="code shift red">Got an HTTP ([0-9]+)`)
)

// GeoCities shut down in 2009; OoCities mirrors it.
var geocitiesHosts = []string{"www.geocities.com", "geocities.com"}

const oocitiesHost = "www.oocities.org"

// hop-by-hop headers are stripped before caching (RFC 7230 §6.1).
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Transfer-Encoding", "TE",
	"Trailer", "Upgrade", "Proxy-Authenticate", "Proxy-Authorization",
}

// Config controls Client behavior.
type Config struct {
	BaseURL       string
	UserAgent     string
	Timeout       time.Duration
	ToleranceDays int
	GeocitiesFix  bool
}

// Client fetches snapshots, resolving the archive's own redirects
// manually until a terminal response is reached.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New constructs a Client. Redirects are never followed automatically;
// the fetch loop interprets each Location itself.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://web.archive.org"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "WaybackCacheProxy/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// snapshotURL builds the archive URL for a (url, date) pair. The id_
// modifier requests the identity rendering, untouched by the archive's
// own rewriter.
func (c *Client) snapshotURL(rawURL, date string) string {
	return fmt.Sprintf("%s/web/%sid_/%s", c.cfg.BaseURL, date, rawURL)
}

func (c *Client) applyGeocitiesFix(rawURL string) string {
	if !c.cfg.GeocitiesFix {
		return rawURL
	}
	for _, host := range geocitiesHosts {
		marker := "://" + host
		if strings.Contains(rawURL, marker+"/") || strings.HasSuffix(rawURL, marker) {
			rerouted := strings.Replace(rawURL, marker, "://"+oocitiesHost, 1)
			c.logger.Debug("geocities rerouted", zap.String("url", rerouted))
			return rerouted
		}
	}
	return rawURL
}

// FetchSnapshot fetches the closest archived snapshot of rawURL at the
// given YYYYMMDD date, following up to maxRedirects archive-internal
// redirects. A Location pointing at the live web is terminal: the
// archive is reporting it has no snapshot.
func (c *Client) FetchSnapshot(ctx context.Context, rawURL, date string) (*cache.CachedResponse, error) {
	normalized := cache.NormalizeURL(rawURL)
	fetchURL := c.applyGeocitiesFix(normalized)

	current := c.snapshotURL(fetchURL, date)
	currentDate := date
	visited := map[string]struct{}{currentDate + "|" + fetchURL: {}}

	for redirects := 0; ; redirects++ {
		resp, err := c.get(ctx, current)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			drainBody(resp)
			if location == "" {
				return nil, fmt.Errorf("%w: redirect without location", ErrUpstreamUnavailable)
			}
			if redirects >= maxRedirects {
				return nil, fmt.Errorf("%w: %q after %d hops", ErrTooManyRedirects, rawURL, redirects)
			}

			m := archiveRedirectRe.FindStringSubmatch(location)
			if m == nil {
				// Live-web redirect: no snapshot exists.
				c.logger.Debug("redirect to live web",
					zap.String("url", rawURL), zap.String("location", location))
				return nil, fmt.Errorf("%w: archive redirected to live web", ErrNotArchived)
			}

			nextDate, nextURL := m[1], stripDefaultPort(m[3])
			pair := nextDate + "|" + nextURL
			if _, seen := visited[pair]; seen {
				return nil, fmt.Errorf("%w: %q at %s", ErrLoopDetected, nextURL, nextDate)
			}
			visited[pair] = struct{}{}

			currentDate = nextDate
			fetchURL = nextURL
			current = fmt.Sprintf("%s/web/%s%s/%s", c.cfg.BaseURL, nextDate, m[2], nextURL)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, c.classify(err)
		}

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: archive returned %d", ErrUpstreamUnavailable, resp.StatusCode)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: archive throttling (429)", ErrUpstreamUnavailable)
		}
		if resp.StatusCode >= 400 {
			// A memento Link header marks this as the site's own archived
			// error page rather than a Wayback miss.
			if resp.Header.Get("Link") == "" {
				return nil, fmt.Errorf("%w: archive returned %d", ErrNotArchived, resp.StatusCode)
			}
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(body)
		}

		if strings.Contains(contentType, "text/html") {
			if special, err := c.handleSpecialPage(body, normalized); special != nil || err != nil {
				return special, err
			}
		}

		servedDate := extractArchiveDate(resp.Request.URL.String(), currentDate)
		c.checkTolerance(rawURL, date, servedDate)

		return &cache.CachedResponse{
			StatusCode:  resp.StatusCode,
			Headers:     collectHeaders(resp.Header),
			Body:        body,
			ContentType: contentType,
			StoredAt:    time.Now().Unix(),
			SourceURL:   normalized,
			ArchiveDate: servedDate,
		}, nil
	}
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(err)
	}
	return resp, nil
}

// classify maps transport errors onto the exported error kinds.
func (c *Client) classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

// handleSpecialPage detects the archive's interstitial HTML pages.
// Returns a client-visible redirect for the "Impatient?" page, or
// ErrNotArchived for an exclusion notice.
func (c *Client) handleSpecialPage(body []byte, sourceURL string) (*cache.CachedResponse, error) {
	html := string(body)
	if !containsWaybackMarker(html) {
		return nil, nil
	}
	if strings.Contains(html, excludedMarker) {
		return nil, fmt.Errorf("%w: url excluded from the archive", ErrNotArchived)
	}
	m := impatientRe.FindStringSubmatch(html)
	if m == nil {
		return nil, nil
	}
	dest := m[2]
	if !strings.Contains(dest, "://") && !strings.HasPrefix(dest, "/") {
		dest = "http://" + dest
	} else if strings.HasPrefix(dest, "https://") {
		dest = "http://" + strings.TrimPrefix(dest, "https://")
	}
	code := 302
	if cm := redirectCodeRe.FindStringSubmatch(html); cm != nil {
		if n, err := strconv.Atoi(cm[1]); err == nil && n >= 300 && n < 400 {
			code = n
		}
	}
	c.logger.Debug("archive redirect page",
		zap.String("url", sourceURL), zap.String("dest", dest), zap.Int("code", code))
	return &cache.CachedResponse{
		StatusCode:  code,
		Headers:     []cache.Header{{Name: "Location", Value: dest}},
		ContentType: "text/html",
		StoredAt:    time.Now().Unix(),
		SourceURL:   sourceURL,
		ArchiveDate: strings.TrimSuffix(m[1], "/"),
	}, nil
}

func (c *Client) checkTolerance(rawURL, requested, served string) {
	if c.cfg.ToleranceDays <= 0 || len(served) < 8 || len(requested) < 8 {
		return
	}
	reqT, err1 := time.Parse("20060102", requested[:8])
	srvT, err2 := time.Parse("20060102", served[:8])
	if err1 != nil || err2 != nil {
		return
	}
	drift := srvT.Sub(reqT)
	if drift < 0 {
		drift = -drift
	}
	if int(drift.Hours()/24) > c.cfg.ToleranceDays {
		// Still served: the archive's closest match is better than nothing.
		c.logger.Debug("snapshot outside date tolerance",
			zap.String("url", rawURL),
			zap.String("requested", requested),
			zap.String("served", served))
	}
}

func containsWaybackMarker(html string) bool {
	if strings.Contains(html, waybackTitleMarker) {
		return true
	}
	return strings.Contains(html, "<title></title>") && strings.Contains(html, "Wayback Machine")
}

// collectHeaders copies response headers, dropping hop-by-hop fields
// and Content-Length (the body may change under transformation).
func collectHeaders(h http.Header) []cache.Header {
	drop := make(map[string]struct{}, len(hopByHopHeaders)+1)
	for _, name := range hopByHopHeaders {
		drop[strings.ToLower(name)] = struct{}{}
	}
	drop["content-length"] = struct{}{}

	var out []cache.Header
	for name, values := range h {
		if _, skip := drop[strings.ToLower(name)]; skip {
			continue
		}
		for _, v := range values {
			out = append(out, cache.Header{Name: name, Value: v})
		}
	}
	return out
}

// extractArchiveDate pulls the served timestamp (YYYYMMDD) out of the
// final snapshot URL, falling back to the requested date.
func extractArchiveDate(finalURL, fallback string) string {
	if m := archiveDateRe.FindStringSubmatch(finalURL); m != nil {
		ts := m[1]
		if len(ts) > 8 {
			ts = ts[:8]
		}
		return ts
	}
	if len(fallback) > 8 {
		return fallback[:8]
	}
	return fallback
}

// stripDefaultPort removes an explicit :80 from the host of an http URL.
var defaultPortRe = regexp.MustCompile(`^([^/]*//[^/:]+):80(/|$)`)

func stripDefaultPort(rawURL string) string {
	return defaultPortRe.ReplaceAllString(rawURL, "$1$2")
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
