package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exhibitlab/wayback-cache-proxy/internal/cache"
	"github.com/exhibitlab/wayback-cache-proxy/internal/config"
	"github.com/exhibitlab/wayback-cache-proxy/internal/crawler"
	"github.com/exhibitlab/wayback-cache-proxy/internal/metrics"
)

func newTestAdmin(t *testing.T, password string) (*Admin, *cache.Store, *config.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := cache.NewWithClient(client, time.Hour, zap.NewNop())

	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)
	cfg.Admin.Enabled = true
	cfg.Admin.Password = password
	cfgStore := config.NewStore(cfg)

	fetch := func(_ context.Context, rawURL string) (*cache.CachedResponse, error) {
		return &cache.CachedResponse{
			StatusCode: 200, Body: []byte("<html>x</html>"), ContentType: "text/html",
			SourceURL: rawURL, ArchiveDate: "20010915",
		}, nil
	}
	cr := crawler.New(store, fetch, zap.NewNop())

	return New(cfgStore, store, cr, metrics.New().Handler(), zap.NewNop()), store, cfgStore
}

func do(a *Admin, r *http.Request, password string) *httptest.ResponseRecorder {
	if password != "" {
		r.SetBasicAuth("admin", password)
	}
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, r)
	return w
}

func postForm(path string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAdmin(t, "secret")

	t.Run("no credentials", func(t *testing.T) {
		w := do(a, httptest.NewRequest(http.MethodGet, "/_admin/", nil), "")
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")
	})

	t.Run("wrong password", func(t *testing.T) {
		w := do(a, httptest.NewRequest(http.MethodGet, "/_admin/", nil), "guess")
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("correct password", func(t *testing.T) {
		w := do(a, httptest.NewRequest(http.MethodGet, "/_admin/", nil), "secret")
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "Wayback Proxy Admin")
	})
}

func TestAdminRefusesWithoutPassword(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAdmin(t, "")
	w := do(a, httptest.NewRequest(http.MethodGet, "/_admin/", nil), "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminSeedManagement(t *testing.T) {
	t.Parallel()

	a, store, _ := newTestAdmin(t, "secret")
	ctx := context.Background()

	w := do(a, postForm("/_admin/seeds", url.Values{"url": {"http://example.com/|3"}}), "secret")
	require.Equal(t, http.StatusSeeOther, w.Code)

	seeds, err := store.Seeds(ctx)
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	require.Equal(t, "http://example.com/", seeds[0].URL)
	require.Equal(t, 3, seeds[0].Depth)

	// Explicit depth field beats the pipe suffix; default depth is 1.
	do(a, postForm("/_admin/seeds", url.Values{"url": {"http://other.test/"}, "depth": {"2"}}), "secret")
	do(a, postForm("/_admin/seeds", url.Values{"url": {"http://third.test/"}}), "secret")
	seeds, err = store.Seeds(ctx)
	require.NoError(t, err)
	require.Len(t, seeds, 3)
	depths := map[string]int{}
	for _, s := range seeds {
		depths[s.URL] = s.Depth
	}
	require.Equal(t, 2, depths["http://other.test/"])
	require.Equal(t, 1, depths["http://third.test/"])

	w = do(a, postForm("/_admin/seeds", url.Values{"action": {"remove"}, "url": {"http://example.com/"}}), "secret")
	require.Equal(t, http.StatusSeeOther, w.Code)
	seeds, err = store.Seeds(ctx)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
}

func TestAdminCrawlLifecycle(t *testing.T) {
	t.Parallel()

	a, store, _ := newTestAdmin(t, "secret")
	ctx := context.Background()
	require.NoError(t, store.SetSeed(ctx, "http://example.com/", 0))

	w := do(a, postForm("/_admin/crawl/start", url.Values{}), "secret")
	require.Equal(t, http.StatusSeeOther, w.Code)
	a.crawler.Wait()

	if _, tier := store.Get(ctx, "http://example.com/"); tier != cache.TierCurated {
		t.Fatal("admin-started crawl must populate the curated tier")
	}

	w = do(a, httptest.NewRequest(http.MethodGet, "/_admin/log", nil), "secret")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "crawl")
}

func TestAdminStatusJSON(t *testing.T) {
	t.Parallel()

	a, store, _ := newTestAdmin(t, "secret")
	ctx := context.Background()
	require.NoError(t, store.SetSeed(ctx, "http://example.com/", 1))
	require.NoError(t, store.SetCrawlStatus(ctx, cache.CrawlStatus{State: cache.CrawlIdle, URLsFetched: 4}))

	w := do(a, httptest.NewRequest(http.MethodGet, "/_admin/status.json", nil), "secret")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var payload struct {
		Crawl     cache.CrawlStatus `json:"crawl"`
		Cache     cache.Stats       `json:"cache"`
		SeedCount int               `json:"seed_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, cache.CrawlIdle, payload.Crawl.State)
	require.EqualValues(t, 4, payload.Crawl.URLsFetched)
	require.Equal(t, 1, payload.SeedCount)
}

func TestAdminCacheOperations(t *testing.T) {
	t.Parallel()

	a, store, _ := newTestAdmin(t, "secret")
	ctx := context.Background()

	entry := &cache.CachedResponse{
		StatusCode: 200, Body: []byte("x"), ContentType: "text/html",
		SourceURL: "http://example.com/", ArchiveDate: "20010915",
	}
	require.NoError(t, store.PutCurated(ctx, "http://example.com/", entry))
	require.NoError(t, store.PutHot(ctx, "http://hot.test/", entry))

	t.Run("listing", func(t *testing.T) {
		w := do(a, httptest.NewRequest(http.MethodGet, "/_admin/cache?tier=curated", nil), "secret")
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "http://example.com/")
	})

	t.Run("search misses", func(t *testing.T) {
		w := do(a, httptest.NewRequest(http.MethodGet, "/_admin/cache?tier=curated&q=zzz", nil), "secret")
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "No entries")
	})

	t.Run("delete by url", func(t *testing.T) {
		w := do(a, postForm("/_admin/cache/delete", url.Values{"url": {"http://example.com/"}, "tier": {"curated"}}), "secret")
		require.Equal(t, http.StatusSeeOther, w.Code)
		if _, tier := store.Get(ctx, "http://example.com/"); tier != cache.TierNone {
			t.Fatal("entry must be gone after delete")
		}
	})

	t.Run("clear rejects bad tier", func(t *testing.T) {
		w := do(a, postForm("/_admin/cache/clear", url.Values{"tier": {"everything"}}), "secret")
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("clear hot", func(t *testing.T) {
		w := do(a, postForm("/_admin/cache/clear", url.Values{"tier": {"hot"}}), "secret")
		require.Equal(t, http.StatusSeeOther, w.Code)
		if _, tier := store.Get(ctx, "http://hot.test/"); tier != cache.TierNone {
			t.Fatal("hot tier must be empty after clear")
		}
	})
}

func TestAdminMetricsEndpoint(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAdmin(t, "secret")
	w := do(a, httptest.NewRequest(http.MethodGet, "/_admin/metrics", nil), "secret")
	require.Equal(t, http.StatusOK, w.Code)
}
