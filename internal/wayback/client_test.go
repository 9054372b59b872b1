package wayback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	return New(Config{
		BaseURL:       baseURL,
		UserAgent:     "test-agent",
		Timeout:       5 * time.Second,
		ToleranceDays: 365,
	}, zap.NewNop())
}

func TestFetchSnapshotDirectHit(t *testing.T) {
	t.Parallel()

	var gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		require.Equal(t, "/web/20010915id_/http://example.com/", r.URL.Path)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-App", "legacy")
		_, _ = w.Write([]byte("<html>old web</html>"))
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream.URL)
	resp, err := client.FetchSnapshot(context.Background(), "http://example.com/", "20010915")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "test-agent", gotUA)
	require.Equal(t, []byte("<html>old web</html>"), resp.Body)
	require.Equal(t, "text/html; charset=utf-8", resp.ContentType)
	require.Equal(t, "20010915", resp.ArchiveDate)
	require.Equal(t, "http://example.com/", resp.SourceURL)

	// Hop-by-hop headers are gone; end-to-end headers survive.
	require.Empty(t, resp.HeaderValue("Connection"))
	require.Equal(t, "legacy", resp.HeaderValue("X-App"))
}

func TestFetchSnapshotArchiveRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/web/20010915id_/"):
			// The archive redirects to its closest snapshot date.
			w.Header().Set("Location", "/web/20011001id_/http://example.com/moved")
			w.WriteHeader(http.StatusFound)
		case strings.HasPrefix(r.URL.Path, "/web/20011001id_/"):
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>moved</html>"))
		default:
			http.NotFound(w, r)
		}
	})

	client := newTestClient(t, upstream.URL)
	resp, err := client.FetchSnapshot(context.Background(), "http://example.com/", "20010915")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "20011001", resp.ArchiveDate, "served date recorded, not the requested one")
}

func TestFetchSnapshotRedirectLimits(t *testing.T) {
	t.Parallel()

	// hop N redirects to hop N+1; the final hop serves content. A chain
	// of exactly 10 redirects succeeds, 11 fails. A plain handler, not a
	// ServeMux: the mux answers every "//" in the path with its own
	// clean-path redirect, which would lengthen the chain.
	makeUpstream := func(hops int) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for i := 0; i <= hops; i++ {
				prefix := fmt.Sprintf("/web/2001%04did_/", i)
				if strings.HasPrefix(r.URL.Path, prefix) {
					if i == hops {
						_, _ = w.Write([]byte("done"))
						return
					}
					w.Header().Set("Location", fmt.Sprintf("/web/2001%04did_/http://example.com/%d", i+1, i+1))
					w.WriteHeader(http.StatusMovedPermanently)
					return
				}
			}
			http.NotFound(w, r)
		}))
	}

	okSrv := makeUpstream(10)
	defer okSrv.Close()
	client := newTestClient(t, okSrv.URL)
	client.cfg.BaseURL = okSrv.URL
	resp, err := client.FetchSnapshot(context.Background(), "http://example.com/0", "20010000")
	require.NoError(t, err)
	require.Equal(t, []byte("done"), resp.Body)

	failSrv := makeUpstream(11)
	defer failSrv.Close()
	client = newTestClient(t, failSrv.URL)
	_, err = client.FetchSnapshot(context.Background(), "http://example.com/0", "20010000")
	require.ErrorIs(t, err, ErrTooManyRedirects)
}

func TestFetchSnapshotLiveWebRedirect(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://example.com/live-now")
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream.URL)
	_, err := client.FetchSnapshot(context.Background(), "http://example.com/", "20010915")
	require.ErrorIs(t, err, ErrNotArchived)
}

func TestFetchSnapshotLoopDetection(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/web/20010915id_/"):
			w.Header().Set("Location", "/web/20011001/http://example.com/")
			w.WriteHeader(http.StatusFound)
		default:
			// Bounce back to the pair we already visited.
			w.Header().Set("Location", "/web/20011001/http://example.com/")
			w.WriteHeader(http.StatusFound)
		}
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream.URL)
	_, err := client.FetchSnapshot(context.Background(), "http://example.com/", "20010915")
	require.ErrorIs(t, err, ErrLoopDetected)
}

func TestFetchSnapshotErrors(t *testing.T) {
	t.Parallel()

	t.Run("404 means not archived", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer upstream.Close()
		client := newTestClient(t, upstream.URL)
		_, err := client.FetchSnapshot(context.Background(), "http://example.com/", "20010915")
		require.ErrorIs(t, err, ErrNotArchived)
	})

	t.Run("5xx means unavailable", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer upstream.Close()
		client := newTestClient(t, upstream.URL)
		_, err := client.FetchSnapshot(context.Background(), "http://example.com/", "20010915")
		require.ErrorIs(t, err, ErrUpstreamUnavailable)
	})

	t.Run("429 means upstream pressure", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer upstream.Close()
		client := newTestClient(t, upstream.URL)
		_, err := client.FetchSnapshot(context.Background(), "http://example.com/", "20010915")
		require.ErrorIs(t, err, ErrUpstreamUnavailable)
	})

	t.Run("connect refused means unavailable", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		upstream.Close()
		client := newTestClient(t, upstream.URL)
		_, err := client.FetchSnapshot(context.Background(), "http://example.com/", "20010915")
		require.ErrorIs(t, err, ErrUpstreamUnavailable)
	})

	t.Run("404 with memento link passes through", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Link", `<http://example.com/gone>; rel="original"`)
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("not here, even in 2001"))
		}))
		defer upstream.Close()
		client := newTestClient(t, upstream.URL)
		resp, err := client.FetchSnapshot(context.Background(), "http://example.com/gone", "20010915")
		require.NoError(t, err)
		require.Equal(t, 404, resp.StatusCode)
	})
}

func TestFetchSnapshotTimeout(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	client := New(Config{BaseURL: upstream.URL, Timeout: 100 * time.Millisecond}, zap.NewNop())
	_, err := client.FetchSnapshot(context.Background(), "http://example.com/", "20010915")
	if !errors.Is(err, ErrUpstreamTimeout) && !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("want timeout-class error, got %v", err)
	}
}

func TestFetchSnapshotExcludedPage(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Wayback Machine</title></head>
<body>This URL has been excluded from the Wayback Machine.</body></html>`))
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream.URL)
	_, err := client.FetchSnapshot(context.Background(), "http://example.com/", "20010915")
	require.ErrorIs(t, err, ErrNotArchived)
}

func TestFetchSnapshotImpatientRedirectPage(t *testing.T) {
	t.Parallel()

	page := `<html><head><title>Wayback Machine</title></head><body>
<p class="code shift red">Got an HTTP 301 response at crawl time</p>
<p class="impatient"><a href="/web/20010916/http://example.com/new-home">Impatient?</a></p>
</body></html>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream.URL)
	resp, err := client.FetchSnapshot(context.Background(), "http://example.com/", "20010915")
	require.NoError(t, err)
	require.Equal(t, 301, resp.StatusCode)
	require.Equal(t, "http://example.com/new-home", resp.HeaderValue("Location"))
}

func TestGeocitiesFix(t *testing.T) {
	t.Parallel()

	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("hi"))
	}))
	defer upstream.Close()

	client := New(Config{BaseURL: upstream.URL, GeocitiesFix: true}, zap.NewNop())
	_, err := client.FetchSnapshot(context.Background(), "http://www.geocities.com/area51/page.html", "20010915")
	require.NoError(t, err)
	require.Contains(t, gotPath, "www.oocities.org/area51/page.html")
}
