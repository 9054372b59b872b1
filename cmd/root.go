// Package cmd defines the CLI for the wayback-cache-proxy executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/exhibitlab/wayback-cache-proxy/internal/admin"
	"github.com/exhibitlab/wayback-cache-proxy/internal/cache"
	"github.com/exhibitlab/wayback-cache-proxy/internal/config"
	"github.com/exhibitlab/wayback-cache-proxy/internal/crawler"
	"github.com/exhibitlab/wayback-cache-proxy/internal/logging"
	"github.com/exhibitlab/wayback-cache-proxy/internal/metrics"
	"github.com/exhibitlab/wayback-cache-proxy/internal/proxy"
	"github.com/exhibitlab/wayback-cache-proxy/internal/wayback"
)

var cfgFile string

// newRootCmd creates and configures the root command. Running the
// binary with no subcommand starts the proxy.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wayback-cache-proxy",
		Short: "HTTP forward proxy that replays the web from the Wayback Machine.",
		Long: `wayback-cache-proxy serves historical snapshots of the live web for a
configured target date, caching responses in Redis so an exhibition keeps
working when the upstream archive is unreachable.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "Path to YAML config file")
	flags.String("host", "0.0.0.0", "Host to bind to")
	flags.Int("port", 8888, "Port to listen on")
	flags.String("date", "20010101", "Target date YYYYMMDD")
	flags.String("redis", "redis://localhost:6379/0", "Redis URL")
	flags.String("speed", "unlimited", "Default throttle speed profile")
	flags.Bool("speed-selector", false, "Let visitors pick a speed via the header bar")
	flags.Bool("header-bar", false, "Enable the header bar overlay")
	flags.String("header-bar-position", "top", "Header bar position (top|bottom)")
	flags.String("header-bar-text", "", "Custom branding text in the header bar")
	flags.Bool("admin", false, "Enable the admin surface at /_admin/")
	flags.String("admin-password", "", "Password for admin Basic Auth")
	flags.Bool("allowlist", false, "Enable allowlist access mode")
	flags.String("error-pages", "", "Path to custom error page templates")
	flags.Bool("no-landing-page", false, "Disable the landing page")
	flags.Int("crawl-concurrency", 4, "Max parallel fetches during crawl")
	flags.Int("crawl-max-urls", 10000, "Max URLs to visit per crawl (0=unlimited)")
	flags.Bool("dev", false, "Development logging")

	return cmd
}

// bindFlags maps the CLI surface onto config keys. Viper only lets a
// flag override lower layers when it was actually set.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	bindings := map[string]string{
		"proxy.host":            "host",
		"proxy.port":            "port",
		"proxy.target_date":     "date",
		"proxy.error_pages_dir": "error-pages",
		"cache.redis_url":       "redis",
		"throttle.speed":        "speed",
		"throttle.selector":     "speed-selector",
		"header_bar.enabled":    "header-bar",
		"header_bar.position":   "header-bar-position",
		"header_bar.text":       "header-bar-text",
		"admin.enabled":         "admin",
		"admin.password":        "admin-password",
		"crawler.concurrency":   "crawl-concurrency",
		"crawler.max_urls":      "crawl-max-urls",
		"logging.development":   "dev",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	// These two flags invert or rename their config keys.
	if cmd.Flags().Changed("allowlist") {
		v.Set("access.mode", "allowlist")
	}
	if cmd.Flags().Changed("no-landing-page") {
		v.Set("landing_page.enabled", false)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := config.New()
	if err := bindFlags(v, cmd); err != nil {
		return err
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgStore := config.NewStore(cfg)

	store, err := cache.New(cfg.Cache.RedisURL, cfg.HotTTL(), logger.Named("cache"))
	if err != nil {
		return err
	}
	defer store.Close()

	client := wayback.New(wayback.Config{
		BaseURL:       cfg.Wayback.BaseURL,
		UserAgent:     cfg.Wayback.UserAgent,
		Timeout:       cfg.UpstreamTimeout(),
		ToleranceDays: cfg.Proxy.DateToleranceDays,
		GeocitiesFix:  cfg.Wayback.GeocitiesFix,
	}, logger.Named("wayback"))

	m := metrics.New()
	errPages := proxy.LoadErrorPages(cfg.Proxy.ErrorPagesDir, logger.Named("proxy"))
	landing := proxy.LoadLanding(cfg.LandingPage.TemplateDir, logger.Named("proxy"))

	server := proxy.New(cfgStore, store, client, nil, errPages, landing, m, logger.Named("proxy"))

	fetch := func(ctx context.Context, rawURL string) (*cache.CachedResponse, error) {
		resp, err := server.FetchTransformed(ctx, rawURL)
		if err != nil {
			m.CrawlFailed.Inc()
			return nil, err
		}
		m.CrawlFetched.Inc()
		return resp, nil
	}
	cr := crawler.New(store, fetch, logger.Named("crawler"))
	cr.ResetStaleState(ctx)

	if cfg.Admin.Enabled {
		if cfg.Admin.Password == "" {
			logger.Warn("admin enabled without a password; the surface will refuse to serve")
		}
		adm := admin.New(cfgStore, store, cr, m.Handler(), logger.Named("admin"))
		server.SetAdmin(adm.Router())
	}

	if cfg.ConfigPath != "" {
		listener := config.NewReloadListener(store.Client(), cfgStore, logger.Named("reload"))
		go listener.Run(ctx)
	}

	logger.Info("starting wayback cache proxy",
		zap.String("target_date", cfg.Proxy.TargetDate),
		zap.String("redis", cfg.Cache.RedisURL),
		zap.String("access_mode", cfg.Access.Mode),
		zap.Bool("admin", cfg.Admin.Enabled),
		zap.String("speed", cfg.Throttle.Speed))

	err = server.Serve(ctx)

	// Give an in-flight crawl a moment to observe cancellation.
	cr.Stop(context.Background())
	waitDone := make(chan struct{})
	go func() {
		cr.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		logger.Warn("crawler did not stop within grace window")
	}

	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// Execute is the main entry point. Fatal startup errors exit 1.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wayback-cache-proxy: %v\n", err)
		os.Exit(1)
	}
}
