// Package admin exposes the management surface mounted under /_admin/.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/exhibitlab/wayback-cache-proxy/internal/cache"
	"github.com/exhibitlab/wayback-cache-proxy/internal/config"
	"github.com/exhibitlab/wayback-cache-proxy/internal/crawler"
)

const pageSize = 50

// Admin handles the /_admin/ routes.
type Admin struct {
	cfgStore *config.Store
	store    *cache.Store
	crawler  *crawler.Crawler
	metrics  http.Handler
	logger   *zap.Logger
	router   chi.Router
}

// New builds the admin router. metricsHandler may be nil.
func New(cfgStore *config.Store, store *cache.Store, cr *crawler.Crawler, metricsHandler http.Handler, logger *zap.Logger) *Admin {
	a := &Admin{
		cfgStore: cfgStore,
		store:    store,
		crawler:  cr,
		metrics:  metricsHandler,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(a.auth)
	r.Route("/_admin", func(r chi.Router) {
		r.Get("/", a.dashboard)
		r.Post("/seeds", a.seeds)
		r.Post("/crawl/add", a.seeds)
		r.Post("/crawl/remove", a.seedRemove)
		r.Post("/crawl/start", a.crawlStart)
		r.Post("/crawl/stop", a.crawlStop)
		r.Post("/crawl/recrawl", a.crawlRecrawl)
		r.Post("/crawl/clear-log", a.clearLog)
		r.Get("/cache", a.cacheList)
		r.Post("/cache/delete", a.cacheDelete)
		r.Post("/cache/clear", a.cacheClear)
		r.Get("/log", a.logTail)
		r.Get("/status.json", a.statusJSON)
		if a.metrics != nil {
			r.Method(http.MethodGet, "/metrics", a.metrics)
		}
	})
	a.router = r
	return a
}

// Router returns the mounted handler.
func (a *Admin) Router() http.Handler {
	return a.router
}

// auth enforces HTTP Basic against the configured password. With no
// password configured the surface refuses to serve at all.
func (a *Admin) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		password := a.cfgStore.Load().Admin.Password
		if password == "" {
			a.logger.Warn("admin request refused: no admin password configured")
			http.Error(w, "admin surface disabled: no password configured", http.StatusServiceUnavailable)
			return
		}
		_, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Wayback Proxy Admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// crawlConfig derives the crawler knobs from the live config snapshot.
func (a *Admin) crawlConfig() crawler.Config {
	cfg := a.cfgStore.Load()
	return crawler.Config{
		Concurrency:    cfg.Crawler.Concurrency,
		SameDomainOnly: cfg.Crawler.SameDomainOnly,
		MaxURLs:        cfg.Crawler.MaxURLs,
	}
}

// seeds adds a seed. The url field accepts "url" or "url|depth"; an
// explicit depth field wins. action=remove deletes instead.
func (a *Admin) seeds(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.PostFormValue("action") == "remove" {
		a.seedRemove(w, r)
		return
	}

	raw := strings.TrimSpace(r.PostFormValue("url"))
	if raw == "" {
		a.redirect(w, r)
		return
	}
	url := raw
	depth := 1
	if i := strings.LastIndex(raw, "|"); i >= 0 {
		url = strings.TrimSpace(raw[:i])
		if n, err := strconv.Atoi(strings.TrimSpace(raw[i+1:])); err == nil {
			depth = n
		}
	}
	if d := r.PostFormValue("depth"); d != "" {
		if n, err := strconv.Atoi(d); err == nil {
			depth = n
		}
	}
	if depth < 0 {
		depth = 0
	}
	if url != "" {
		if err := a.store.SetSeed(r.Context(), url, depth); err != nil {
			a.logger.Warn("add seed failed", zap.Error(err))
		}
	}
	a.redirect(w, r)
}

func (a *Admin) seedRemove(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if url := strings.TrimSpace(r.PostFormValue("url")); url != "" {
		if err := a.store.RemoveSeed(r.Context(), url); err != nil {
			a.logger.Warn("remove seed failed", zap.Error(err))
		}
	}
	a.redirect(w, r)
}

func (a *Admin) crawlStart(w http.ResponseWriter, r *http.Request) {
	depthOverride := -1
	if d := r.PostFormValue("depth"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n >= 0 {
			depthOverride = n
		}
	}
	if err := a.crawler.Start(r.Context(), a.crawlConfig(), depthOverride); err != nil {
		a.logger.Warn("crawl start", zap.Error(err))
	}
	a.redirect(w, r)
}

func (a *Admin) crawlStop(w http.ResponseWriter, r *http.Request) {
	a.crawler.Stop(r.Context())
	a.redirect(w, r)
}

func (a *Admin) crawlRecrawl(w http.ResponseWriter, r *http.Request) {
	if err := a.crawler.Recrawl(r.Context(), a.crawlConfig()); err != nil {
		a.logger.Warn("recrawl", zap.Error(err))
	}
	a.redirect(w, r)
}

func (a *Admin) clearLog(w http.ResponseWriter, r *http.Request) {
	if err := a.store.ClearCrawlLog(r.Context()); err != nil {
		a.logger.Warn("clear crawl log", zap.Error(err))
	}
	a.redirect(w, r)
}

func (a *Admin) cacheDelete(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	switch {
	case r.PostFormValue("key") != "":
		if err := a.store.DeleteKey(r.Context(), r.PostFormValue("key")); err != nil {
			a.logger.Warn("cache delete", zap.Error(err))
		}
	case r.PostFormValue("url") != "":
		url := r.PostFormValue("url")
		tier := cache.Tier(r.PostFormValue("tier"))
		if tier == cache.TierCurated || tier == cache.TierHot {
			if err := a.store.Delete(r.Context(), url, tier); err != nil {
				a.logger.Warn("cache delete", zap.Error(err))
			}
		} else {
			// No tier given: drop both entries for the URL.
			_ = a.store.Delete(r.Context(), url, cache.TierCurated)
			_ = a.store.Delete(r.Context(), url, cache.TierHot)
		}
	}
	a.redirect(w, r)
}

func (a *Admin) cacheClear(w http.ResponseWriter, r *http.Request) {
	tier := cache.Tier(r.PostFormValue("tier"))
	if tier != cache.TierCurated && tier != cache.TierHot {
		http.Error(w, "tier must be curated or hot", http.StatusBadRequest)
		return
	}
	n, err := a.store.Clear(r.Context(), tier)
	if err != nil {
		a.logger.Warn("cache clear", zap.Error(err))
	}
	a.logger.Info("cache tier cleared", zap.String("tier", string(tier)), zap.Int64("deleted", n))
	a.redirect(w, r)
}

func (a *Admin) logTail(w http.ResponseWriter, r *http.Request) {
	n := 50
	if q := r.URL.Query().Get("n"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 && v <= cache.CrawlLogMax {
			n = v
		}
	}
	lines, err := a.store.CrawlLog(r.Context(), n)
	if err != nil {
		http.Error(w, "crawl log unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range lines {
		_, _ = w.Write([]byte(line + "\n"))
	}
}

func (a *Admin) statusJSON(w http.ResponseWriter, r *http.Request) {
	status, _ := a.store.CrawlStatus(r.Context())
	stats, _ := a.store.Stats(r.Context())
	seeds, _ := a.store.Seeds(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"crawl":      status,
		"cache":      stats,
		"seed_count": len(seeds),
	})
}

func (a *Admin) redirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/_admin/", http.StatusSeeOther)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
