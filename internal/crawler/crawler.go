// Package crawler prefetches seed URLs (and the pages they reference)
// through the archive into the curated cache tier.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/exhibitlab/wayback-cache-proxy/internal/cache"
	"github.com/exhibitlab/wayback-cache-proxy/internal/wayback"
)

// FetchFunc fetches and transforms one URL. The request pipeline and
// the crawler share the same implementation so both tiers hold
// identically-shaped entries.
type FetchFunc func(ctx context.Context, rawURL string) (*cache.CachedResponse, error)

// Config controls crawl behavior.
type Config struct {
	Concurrency    int
	SameDomainOnly bool
	MaxURLs        int
}

const (
	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
)

// Crawler is the single-instance background prefetch worker.
type Crawler struct {
	store  *cache.Store
	fetch  FetchFunc
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Crawler.
func New(store *cache.Store, fetch FetchFunc, logger *zap.Logger) *Crawler {
	return &Crawler{store: store, fetch: fetch, logger: logger}
}

// Running reports whether a crawl is in flight.
func (c *Crawler) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start launches a crawl over the stored seeds. depthOverride, when
// >= 0, replaces each seed's own depth. Starting while a crawl is
// running leaves that crawl alone and returns an error.
func (c *Crawler) Start(ctx context.Context, cfg Config, depthOverride int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("crawl already running")
	}

	seeds, err := c.store.Seeds(ctx)
	if err != nil {
		return fmt.Errorf("load seeds: %w", err)
	}
	if len(seeds) == 0 {
		c.store.AppendCrawlLog(ctx, logLine("no seeds configured, nothing to crawl"))
		return errors.New("no seeds configured")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})

	go c.run(runCtx, cfg, seeds, depthOverride)
	return nil
}

// Stop requests a cooperative stop: workers finish their in-flight
// fetch, then no new URLs are dequeued.
func (c *Crawler) Stop(ctx context.Context) {
	c.mu.Lock()
	cancel := c.cancel
	running := c.running
	c.mu.Unlock()
	if !running {
		return
	}
	if err := c.store.SetCrawlState(ctx, cache.CrawlStopping); err != nil {
		c.logger.Warn("set stopping state", zap.Error(err))
	}
	if cancel != nil {
		cancel()
	}
}

// Recrawl clears the hot tier, then starts a fresh crawl.
func (c *Crawler) Recrawl(ctx context.Context, cfg Config) error {
	n, err := c.store.Clear(ctx, cache.TierHot)
	if err != nil {
		return fmt.Errorf("clear hot tier: %w", err)
	}
	c.store.AppendCrawlLog(ctx, logLine(fmt.Sprintf("cleared %d hot entries for recrawl", n)))
	return c.Start(ctx, cfg, -1)
}

// Wait blocks until the current crawl (if any) finishes.
func (c *Crawler) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// ResetStaleState returns a leftover running/stopping status from a
// previous process to idle. Called once at startup.
func (c *Crawler) ResetStaleState(ctx context.Context) {
	status, err := c.store.CrawlStatus(ctx)
	if err != nil {
		return
	}
	if status.State == cache.CrawlRunning || status.State == cache.CrawlStopping {
		status.State = cache.CrawlIdle
		status.CurrentURL = ""
		if err := c.store.SetCrawlStatus(ctx, status); err == nil {
			c.logger.Info("reset stale crawl state to idle")
		}
	}
}

// progress carries the live counters shared by the workers.
type progress struct {
	mu      sync.Mutex
	status  cache.CrawlStatus
	visited map[string]struct{}
}

func (c *Crawler) run(ctx context.Context, cfg Config, seeds []cache.SeedEntry, depthOverride int) {
	defer func() {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.running = false
		close(c.done)
		c.mu.Unlock()
	}()

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	prog := &progress{
		status: cache.CrawlStatus{
			State:     cache.CrawlRunning,
			StartedAt: time.Now().Unix(),
		},
		visited: make(map[string]struct{}),
	}
	if err := c.store.SetCrawlStatus(ctx, prog.status); err != nil {
		c.logger.Warn("set crawl status", zap.Error(err))
	}
	c.log(ctx, fmt.Sprintf("crawl started with %d seed(s)", len(seeds)))

	fr := newFrontier(cfg.Concurrency)
	for _, seed := range seeds {
		depth := seed.Depth
		if depthOverride >= 0 {
			depth = depthOverride
		}
		c.enqueue(ctx, fr, prog, cfg, item{
			url:      seed.URL,
			depth:    depth,
			seedHost: hostOf(seed.URL),
		})
	}

	// Abort the frontier when stop is requested so blocked workers exit.
	go func() {
		<-ctx.Done()
		fr.close()
	}()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			c.worker(ctx, fr, prog, cfg, index)
		}(i)
	}
	wg.Wait()

	stopped := ctx.Err() != nil
	prog.mu.Lock()
	prog.status.State = cache.CrawlIdle
	prog.status.CurrentURL = ""
	final := prog.status
	prog.mu.Unlock()

	// The run context is canceled on stop; use a fresh one for the
	// final bookkeeping writes.
	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SetCrawlStatus(endCtx, final); err != nil {
		c.logger.Warn("set final crawl status", zap.Error(err))
	}
	verb := "finished"
	if stopped {
		verb = "stopped"
	}
	c.log(endCtx, fmt.Sprintf("crawl %s: %d fetched, %d failed, %d seen",
		verb, final.URLsFetched, final.URLsFailed, final.URLsSeen))
}

func (c *Crawler) worker(ctx context.Context, fr *frontier, prog *progress, cfg Config, index int) {
	logger := c.logger.With(zap.Int("worker", index))
	backoff := backoffInitial

	for {
		if c.stopRequested(ctx) {
			return
		}
		it, ok := fr.pop()
		if !ok {
			return
		}

		err := c.process(ctx, fr, prog, cfg, it)
		if err == nil {
			backoff = backoffInitial
			continue
		}

		// Upstream pressure: back off this worker before the next dequeue.
		if errors.Is(err, wayback.ErrUpstreamUnavailable) || errors.Is(err, wayback.ErrUpstreamTimeout) {
			logger.Debug("backing off after upstream error",
				zap.Duration("delay", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
	}
}

// process fetches one URL into the curated tier and enqueues its links.
// The returned error reports upstream pressure to the worker loop; it
// never halts the crawl. Stop is cooperative: an item already being
// processed runs to completion (bounded by the fetch timeout), so the
// work here is shielded from the run context's cancellation.
func (c *Crawler) process(ctx context.Context, fr *frontier, prog *progress, cfg Config, it item) error {
	ctx = context.WithoutCancel(ctx)
	prog.mu.Lock()
	prog.status.CurrentURL = it.url
	prog.status.CurrentDepth = it.depth
	snapshot := prog.status
	prog.mu.Unlock()
	if err := c.store.SetCrawlStatus(ctx, snapshot); err != nil {
		c.logger.Debug("update crawl status", zap.Error(err))
	}

	// A cached page is not refetched, but its links still feed the
	// frontier so a partially-crawled site completes.
	if existing, tier := c.store.Get(ctx, it.url); tier != cache.TierNone {
		if it.depth > 0 && existing.IsHTML() {
			c.enqueueLinks(ctx, fr, prog, cfg, it, existing.Body)
		}
		return nil
	}

	resp, err := c.fetch(ctx, it.url)
	if err != nil {
		c.countFailure(ctx, prog)
		c.log(ctx, fmt.Sprintf("ERR   %s: %v", it.url, err))
		return err
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		c.log(ctx, fmt.Sprintf("REDIR %s -> %s", it.url, resp.HeaderValue("Location")))
		return nil
	}

	if err := c.store.PutCurated(ctx, it.url, resp); err != nil {
		c.countFailure(ctx, prog)
		c.log(ctx, fmt.Sprintf("ERR   %s: store: %v", it.url, err))
		return nil
	}

	prog.mu.Lock()
	prog.status.URLsFetched++
	prog.mu.Unlock()
	c.log(ctx, fmt.Sprintf("OK    %s", it.url))

	if it.depth > 0 && resp.IsHTML() {
		c.enqueueLinks(ctx, fr, prog, cfg, it, resp.Body)
	}
	return nil
}

func (c *Crawler) enqueueLinks(ctx context.Context, fr *frontier, prog *progress, cfg Config, parent item, body []byte) {
	sameHost := ""
	if cfg.SameDomainOnly {
		sameHost = parent.seedHost
	}
	links := extractLinks(body, parent.url, sameHost)
	for _, link := range links {
		c.enqueue(ctx, fr, prog, cfg, item{
			url:      link,
			depth:    parent.depth - 1,
			seedHost: parent.seedHost,
		})
	}
}

// enqueue pushes a URL if it has not been seen this run and the visited
// cap is not exhausted.
func (c *Crawler) enqueue(ctx context.Context, fr *frontier, prog *progress, cfg Config, it item) {
	normalized := cache.NormalizeURL(it.url)
	prog.mu.Lock()
	if _, dup := prog.visited[normalized]; dup {
		prog.mu.Unlock()
		return
	}
	if cfg.MaxURLs > 0 && len(prog.visited) >= cfg.MaxURLs {
		prog.mu.Unlock()
		return
	}
	prog.visited[normalized] = struct{}{}
	prog.status.URLsSeen++
	prog.mu.Unlock()

	it.url = normalized
	fr.push(it)
}

func (c *Crawler) countFailure(ctx context.Context, prog *progress) {
	prog.mu.Lock()
	prog.status.URLsFailed++
	snapshot := prog.status
	prog.mu.Unlock()
	if err := c.store.SetCrawlStatus(ctx, snapshot); err != nil {
		c.logger.Debug("update crawl status", zap.Error(err))
	}
}

// stopRequested honors both in-process cancellation and a stopping
// state written by an external admin process.
func (c *Crawler) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	status, err := c.store.CrawlStatus(ctx)
	if err != nil {
		return false
	}
	return status.State == cache.CrawlStopping
}

func (c *Crawler) log(ctx context.Context, message string) {
	c.logger.Info(message)
	c.store.AppendCrawlLog(ctx, logLine(message))
}

func logLine(message string) string {
	return fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), message)
}
