// Package proxy implements the forward-proxy request pipeline: routing,
// cache lookup, upstream fetch, response shaping, and the listener.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exhibitlab/wayback-cache-proxy/internal/cache"
	"github.com/exhibitlab/wayback-cache-proxy/internal/config"
	"github.com/exhibitlab/wayback-cache-proxy/internal/metrics"
	"github.com/exhibitlab/wayback-cache-proxy/internal/wayback"
)

// serverHeader identifies the proxy in every response.
const serverHeader = "WaybackCacheProxy"

// adminPrefix is the reserved path for the embedded admin surface.
const adminPrefix = "/_admin"

// Server routes incoming traffic between the forward-proxy path, the
// admin surface, and the landing page.
type Server struct {
	cfgStore *config.Store
	store    *cache.Store
	client   *wayback.Client
	admin    http.Handler
	errPages *ErrorPages
	landing  *Landing
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New wires the pipeline together. admin may be nil when the surface is
// disabled.
func New(
	cfgStore *config.Store,
	store *cache.Store,
	client *wayback.Client,
	admin http.Handler,
	errPages *ErrorPages,
	landing *Landing,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	return &Server{
		cfgStore: cfgStore,
		store:    store,
		client:   client,
		admin:    admin,
		errPages: errPages,
		landing:  landing,
		metrics:  m,
		logger:   logger,
	}
}

// SetAdmin mounts the admin handler. Called once during wiring, before
// the listener starts; the admin router needs the crawler, which in turn
// fetches through this server.
func (s *Server) SetAdmin(admin http.Handler) {
	s.admin = admin
}

// FetchTransformed fetches a snapshot at the configured target date and
// applies the content transformer. The request pipeline and the crawler
// share this path so both tiers hold identically cleaned entries.
func (s *Server) FetchTransformed(ctx context.Context, rawURL string) (*cache.CachedResponse, error) {
	cfg := s.cfgStore.Load()
	resp, err := s.client.FetchSnapshot(ctx, rawURL, cfg.Proxy.TargetDate)
	if err != nil {
		return nil, err
	}
	t := transformerFromConfig(cfg)
	resp.Body = t.Transform(resp.Body, resp.ContentType)
	return resp, nil
}

func transformerFromConfig(cfg *config.Config) *wayback.Transformer {
	return &wayback.Transformer{
		RemoveToolbar:  cfg.Transform.RemoveWaybackToolbar,
		RemoveScripts:  cfg.Transform.RemoveWaybackScripts,
		FixBaseTags:    cfg.Transform.FixBaseTags,
		FixAssetURLs:   cfg.Transform.FixAssetURLs,
		NormalizeLinks: cfg.Transform.NormalizeLinks,
	}
}

// ServeHTTP dispatches one request. Proxy clients send absolute-form
// request-URIs; origin-form requests can only be for the admin surface
// or the landing page.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfgStore.Load()

	if r.Method == http.MethodConnect {
		s.sendError(w, cfg, http.StatusNotImplemented, "CONNECT Not Implemented", r.Host)
		return
	}

	if r.URL.IsAbs() {
		if s.isSelf(r.URL.Host, cfg) {
			s.serveOwn(w, r, cfg, r.URL.Path)
			return
		}
		s.serveProxy(w, r, cfg)
		return
	}

	// Origin-form: only the proxy's own pages are addressable this way.
	if s.isSelf(r.Host, cfg) {
		s.serveOwn(w, r, cfg, r.URL.Path)
		return
	}
	s.sendError(w, cfg, http.StatusBadRequest, "Bad Request", r.URL.String())
}

// serveOwn handles requests addressed to the proxy itself.
func (s *Server) serveOwn(w http.ResponseWriter, r *http.Request, cfg *config.Config, path string) {
	switch {
	case path == adminPrefix || strings.HasPrefix(path, adminPrefix+"/"):
		if s.admin == nil {
			s.sendError(w, cfg, http.StatusNotFound, "Not Found", path)
			return
		}
		s.admin.ServeHTTP(w, r)
	case (path == "" || path == "/") && cfg.LandingPage.Enabled:
		s.serveLanding(w, r, cfg)
	default:
		s.sendError(w, cfg, http.StatusBadRequest, "Bad Request", path)
	}
}

// serveProxy handles a forward-proxy request: allowlist gate, cache
// lookup, upstream fetch on miss, then response shaping.
func (s *Server) serveProxy(w http.ResponseWriter, r *http.Request, cfg *config.Config) {
	rawURL := cache.NormalizeURL(r.URL.String())
	logger := s.logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("url", rawURL),
	)

	if cfg.Access.Mode == "allowlist" && !s.store.AllowlistCheck(r.Context(), rawURL) {
		logger.Info("denied by allowlist")
		s.metrics.RequestsTotal.WithLabelValues("denied").Inc()
		s.sendError(w, cfg, http.StatusForbidden, "Forbidden", rawURL)
		return
	}

	entry, tier := s.store.Get(r.Context(), rawURL)
	outcome := "miss"
	switch tier {
	case cache.TierCurated:
		outcome = "hit-curated"
	case cache.TierHot:
		outcome = "hit-hot"
	}

	if entry == nil {
		var err error
		entry, err = s.FetchTransformed(r.Context(), rawURL)
		if err != nil {
			s.sendUpstreamError(w, cfg, logger, rawURL, err)
			return
		}
		if entry.StatusCode >= 300 && entry.StatusCode < 400 {
			// Snapshot-level redirects go back to the client uncached.
			s.sendRedirect(w, entry)
			return
		}
		if err := s.store.PutHot(r.Context(), rawURL, entry); err != nil {
			logger.Debug("hot store failed", zap.Error(err))
		}
	}

	s.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	logger.Info("serving", zap.String("cache", outcome), zap.Int("status", entry.StatusCode))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.store.TrackView(ctx, rawURL)
	}()

	s.writeResponse(w, r, cfg, entry, outcome)
}

// writeResponse applies the post-cache shaping stages (header bar,
// throttle) while streaming the entry to the client.
func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, cfg *config.Config, entry *cache.CachedResponse, outcome string) {
	for _, h := range entry.Headers {
		switch strings.ToLower(h.Name) {
		case "content-type", "content-length", "connection", "server":
			continue
		}
		w.Header().Add(h.Name, h.Value)
	}
	w.Header().Set("Server", serverHeader)
	w.Header().Set("X-Archive-Date", entry.ArchiveDate)
	w.Header().Set("X-Cache", outcome)
	w.Header().Set("Content-Type", entry.ContentType)

	body := entry.Body
	speed := EffectiveSpeed(r, cfg)
	if cfg.HeaderBar.Enabled && entry.IsHTML() {
		bar := renderHeaderBar(cfg, entry.SourceURL, entry.ArchiveDate, speed)
		body = injectHeaderBar(body, bar)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(entry.StatusCode)

	if r.Method == http.MethodHead {
		return
	}

	bytesPerSec, _ := config.SpeedBytesPerSec(speed)
	if err := writeThrottled(r.Context(), w, body, bytesPerSec); err != nil {
		s.logger.Debug("client write aborted", zap.Error(err))
		return
	}
	s.metrics.BytesServed.Add(float64(len(body)))
}

func (s *Server) sendRedirect(w http.ResponseWriter, entry *cache.CachedResponse) {
	location := entry.HeaderValue("Location")
	w.Header().Set("Server", serverHeader)
	w.Header().Set("Location", location)
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(entry.StatusCode)
	fmt.Fprintf(w, `<html><body><p>Redirecting to <a href="%s">%s</a></p></body></html>`, location, location)
}

func (s *Server) sendUpstreamError(w http.ResponseWriter, cfg *config.Config, logger *zap.Logger, rawURL string, err error) {
	switch {
	case errors.Is(err, wayback.ErrNotArchived):
		logger.Info("not archived", zap.Error(err))
		s.metrics.UpstreamErrors.WithLabelValues("not_archived").Inc()
		s.sendError(w, cfg, http.StatusNotFound, "Not Found", rawURL)
	case errors.Is(err, wayback.ErrUpstreamTimeout):
		logger.Warn("upstream timeout", zap.Error(err))
		s.metrics.UpstreamErrors.WithLabelValues("timeout").Inc()
		s.sendError(w, cfg, http.StatusGatewayTimeout, "Gateway Timeout", rawURL)
	case errors.Is(err, wayback.ErrTooManyRedirects), errors.Is(err, wayback.ErrLoopDetected):
		logger.Warn("redirect chain failed", zap.Error(err))
		s.metrics.UpstreamErrors.WithLabelValues("redirect").Inc()
		s.sendError(w, cfg, http.StatusBadGateway, "Bad Gateway", rawURL)
	default:
		logger.Warn("upstream unavailable", zap.Error(err))
		s.metrics.UpstreamErrors.WithLabelValues("unavailable").Inc()
		s.sendError(w, cfg, http.StatusBadGateway, "Bad Gateway", rawURL)
	}
}

// sendError writes a themed error page.
func (s *Server) sendError(w http.ResponseWriter, cfg *config.Config, code int, message, url string) {
	body := s.errPages.Render(code, message, url, cfg.Proxy.TargetDate)
	w.Header().Set("Server", serverHeader)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func (s *Server) serveLanding(w http.ResponseWriter, r *http.Request, cfg *config.Config) {
	views, err := s.store.TopViews(r.Context(), cfg.LandingPage.MostViewedCount)
	if err != nil {
		views = nil
	}
	body := s.landing.Render(cfg, views)
	w.Header().Set("Server", serverHeader)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body)
}

// isSelf reports whether a Host header (with or without port) names the
// proxy itself. Any port matches: deployments often remap the external
// port.
func (s *Server) isSelf(hostport string, cfg *config.Config) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	bind := strings.ToLower(cfg.Proxy.Host)
	if host == bind {
		return true
	}
	return bind == "0.0.0.0" && host == "0.0.0.0"
}

// Serve runs the listener until ctx is canceled, then shuts down with a
// 5 s grace window for in-flight responses.
func (s *Server) Serve(ctx context.Context) error {
	cfg := s.cfgStore.Load()
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Proxy.Host, strconv.Itoa(cfg.Proxy.Port)),
		Handler:           s,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout stays zero: the throttle governs write pacing.
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening",
			zap.String("addr", srv.Addr),
			zap.String("target_date", cfg.Proxy.TargetDate),
			zap.String("access_mode", cfg.Access.Mode))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("forcing close after grace window", zap.Error(err))
		_ = srv.Close()
	}
	return nil
}
