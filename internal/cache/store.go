// Package cache implements the two-tier Redis store for archived
// responses, plus the allowlist, view counters, and crawl bookkeeping
// that share the same keyspace.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

const (
	allowlistKey   = "allowlist:urls"
	viewsKey       = "views:urls"
	crawlSeedsKey  = "crawl:seeds"
	crawlStatusKey = "crawl:status"
	crawlLogKey    = "crawl:log"

	// CrawlLogMax bounds the crawl log ring.
	CrawlLogMax = 200

	scanCount = 100
)

// Header is one response header. Order and duplicates are preserved;
// name comparison is case-insensitive.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CachedResponse is the stored form of an archived response. Body is
// content-decoded bytes; json encoding base64s it so binary assets
// survive the string-only store.
type CachedResponse struct {
	StatusCode  int      `json:"status_code"`
	Headers     []Header `json:"headers"`
	Body        []byte   `json:"body"`
	ContentType string   `json:"content_type"`
	StoredAt    int64    `json:"stored_at"`
	SourceURL   string   `json:"source_url"`
	ArchiveDate string   `json:"archive_date"`
}

// HeaderValue returns the first value for name, case-insensitively.
func (r *CachedResponse) HeaderValue(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// IsHTML reports whether the response carries an HTML content type.
func (r *CachedResponse) IsHTML() bool {
	return strings.Contains(r.ContentType, "html")
}

// SeedEntry is one crawl seed.
type SeedEntry struct {
	URL   string
	Depth int
}

// CrawlState enumerates crawler lifecycle states.
type CrawlState string

const (
	CrawlIdle     CrawlState = "idle"
	CrawlRunning  CrawlState = "running"
	CrawlStopping CrawlState = "stopping"
)

// CrawlStatus mirrors the crawl:status hash.
type CrawlStatus struct {
	State        CrawlState `json:"state"`
	StartedAt    int64      `json:"started_at"`
	URLsSeen     int64      `json:"urls_seen"`
	URLsFetched  int64      `json:"urls_fetched"`
	URLsFailed   int64      `json:"urls_failed"`
	CurrentDepth int        `json:"current_depth"`
	CurrentURL   string     `json:"current_url"`
}

// Stats summarizes cache occupancy.
type Stats struct {
	CuratedCount int64 `json:"curated_count"`
	HotCount     int64 `json:"hot_count"`
	ApproxBytes  int64 `json:"approx_bytes"`
}

// ViewCount is one entry of the most-viewed ranking.
type ViewCount struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// Store wraps the Redis client. When Redis is unreachable the proxy
// keeps serving in degraded mode: reads come back as misses, writes
// drop, and a warning is logged at most once a minute.
type Store struct {
	client *redis.Client
	hotTTL time.Duration
	logger *zap.Logger

	warnMu   sync.Mutex
	lastWarn time.Time
}

// New connects to Redis at the given URL and verifies the connection.
func New(redisURL string, hotTTL time.Duration, logger *zap.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// Degraded mode is allowed from the start; keep the client and warn.
		logger.Warn("redis unreachable at startup, serving uncached", zap.Error(err))
	}

	return NewWithClient(client, hotTTL, logger), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client, hotTTL time.Duration, logger *zap.Logger) *Store {
	return &Store{client: client, hotTTL: hotTTL, logger: logger}
}

// Client exposes the underlying Redis client for pub/sub consumers.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// warn logs a store failure, rate-limited to once a minute.
func (s *Store) warn(op string, err error) {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	if time.Since(s.lastWarn) < time.Minute {
		return
	}
	s.lastWarn = time.Now()
	s.logger.Warn("cache store unavailable", zap.String("op", op), zap.Error(err))
}

// Get looks up a URL: curated first, then hot. A store error degrades to
// a miss.
func (s *Store) Get(ctx context.Context, rawURL string) (*CachedResponse, Tier) {
	hash := URLHash(rawURL)
	for _, tier := range []Tier{TierCurated, TierHot} {
		data, err := s.client.Get(ctx, string(tier)+":"+hash).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			s.warn("get", err)
			return nil, TierNone
		}
		var resp CachedResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			s.logger.Warn("corrupt cache entry, treating as miss",
				zap.String("key", string(tier)+":"+hash), zap.Error(err))
			continue
		}
		return &resp, tier
	}
	return nil, TierNone
}

// PutHot stores a response in the hot tier with the configured TTL.
// A zero TTL disables hot writes entirely.
func (s *Store) PutHot(ctx context.Context, rawURL string, resp *CachedResponse) error {
	if s.hotTTL <= 0 {
		return nil
	}
	return s.put(ctx, Key(TierHot, rawURL), resp, s.hotTTL)
}

// PutCurated stores a response permanently. An existing hot entry for
// the same URL is left alone; read precedence makes the curated value win.
func (s *Store) PutCurated(ctx context.Context, rawURL string, resp *CachedResponse) error {
	return s.put(ctx, Key(TierCurated, rawURL), resp, 0)
}

func (s *Store) put(ctx context.Context, key string, resp *CachedResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal cached response: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.warn("put", err)
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// Delete removes the entry for a URL from one tier.
func (s *Store) Delete(ctx context.Context, rawURL string, tier Tier) error {
	if err := s.client.Del(ctx, Key(tier, rawURL)).Err(); err != nil {
		s.warn("delete", err)
		return fmt.Errorf("delete %s entry: %w", tier, err)
	}
	return nil
}

// DeleteKey removes a single cache entry by its full Redis key.
func (s *Store) DeleteKey(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.warn("delete", err)
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Clear removes every entry in a tier, returning the number deleted.
func (s *Store) Clear(ctx context.Context, tier Tier) (int64, error) {
	var deleted int64
	var cursor uint64
	pattern := string(tier) + ":*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			s.warn("clear", err)
			return deleted, fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				s.warn("clear", err)
				return deleted, fmt.Errorf("delete batch: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Entry is one listing row for the admin cache browser.
type Entry struct {
	Key         string `json:"key"`
	SourceURL   string `json:"source_url"`
	ContentType string `json:"content_type"`
	Bytes       int    `json:"bytes"`
	StoredAt    int64  `json:"stored_at"`
}

// List pages through a tier's entries, optionally filtering by a search
// substring against the source URL.
func (s *Store) List(ctx context.Context, tier Tier, search string, offset, limit int) ([]Entry, error) {
	var entries []Entry
	var cursor uint64
	pattern := string(tier) + ":*"
	skipped := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			s.warn("list", err)
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var resp CachedResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				continue
			}
			if search != "" && !strings.Contains(resp.SourceURL, search) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			entries = append(entries, Entry{
				Key:         key,
				SourceURL:   resp.SourceURL,
				ContentType: resp.ContentType,
				Bytes:       len(resp.Body),
				StoredAt:    resp.StoredAt,
			})
			if len(entries) >= limit {
				return entries, nil
			}
		}
		cursor = next
		if cursor == 0 {
			return entries, nil
		}
	}
}

// Stats counts entries per tier and approximates stored bytes.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	for _, tier := range []Tier{TierCurated, TierHot} {
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, string(tier)+":*", scanCount).Result()
			if err != nil {
				s.warn("stats", err)
				return st, fmt.Errorf("scan %s: %w", tier, err)
			}
			for _, key := range keys {
				n, err := s.client.StrLen(ctx, key).Result()
				if err == nil {
					st.ApproxBytes += n
				}
			}
			switch tier {
			case TierCurated:
				st.CuratedCount += int64(len(keys))
			case TierHot:
				st.HotCount += int64(len(keys))
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return st, nil
}

// RegistrableDomain reduces a URL to its registrable domain
// (example.co.uk, not co.uk). Falls back to the bare hostname for IPs
// and names the public suffix list cannot split.
func RegistrableDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	host := strings.ToLower(u.Hostname())
	if net.ParseIP(host) != nil {
		return host
	}
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}

// TrackView increments the view counter for the URL's registrable domain.
func (s *Store) TrackView(ctx context.Context, rawURL string) {
	domain := RegistrableDomain(rawURL)
	if err := s.client.ZIncrBy(ctx, viewsKey, 1, domain).Err(); err != nil {
		s.warn("track_view", err)
	}
}

// TopViews returns the n most-viewed domains with counts.
func (s *Store) TopViews(ctx context.Context, n int) ([]ViewCount, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, viewsKey, 0, int64(n-1)).Result()
	if err != nil {
		s.warn("top_views", err)
		return nil, fmt.Errorf("zrevrange views: %w", err)
	}
	views := make([]ViewCount, 0, len(results))
	for _, z := range results {
		member, _ := z.Member.(string)
		views = append(views, ViewCount{Domain: member, Count: int64(z.Score)})
	}
	return views, nil
}

// SetSeed adds or updates a crawl seed.
func (s *Store) SetSeed(ctx context.Context, rawURL string, depth int) error {
	if depth < 0 {
		depth = 0
	}
	if err := s.client.HSet(ctx, crawlSeedsKey, rawURL, strconv.Itoa(depth)).Err(); err != nil {
		s.warn("set_seed", err)
		return fmt.Errorf("set seed: %w", err)
	}
	return nil
}

// RemoveSeed deletes a crawl seed.
func (s *Store) RemoveSeed(ctx context.Context, rawURL string) error {
	if err := s.client.HDel(ctx, crawlSeedsKey, rawURL).Err(); err != nil {
		s.warn("remove_seed", err)
		return fmt.Errorf("remove seed: %w", err)
	}
	return nil
}

// Seeds returns all crawl seeds.
func (s *Store) Seeds(ctx context.Context) ([]SeedEntry, error) {
	data, err := s.client.HGetAll(ctx, crawlSeedsKey).Result()
	if err != nil {
		s.warn("seeds", err)
		return nil, fmt.Errorf("get seeds: %w", err)
	}
	seeds := make([]SeedEntry, 0, len(data))
	for url, depthStr := range data {
		depth, err := strconv.Atoi(depthStr)
		if err != nil {
			depth = 0
		}
		seeds = append(seeds, SeedEntry{URL: url, Depth: depth})
	}
	return seeds, nil
}

// SetCrawlStatus replaces the whole crawl:status hash.
func (s *Store) SetCrawlStatus(ctx context.Context, status CrawlStatus) error {
	fields := map[string]any{
		"state":         string(status.State),
		"started_at":    status.StartedAt,
		"urls_seen":     status.URLsSeen,
		"urls_fetched":  status.URLsFetched,
		"urls_failed":   status.URLsFailed,
		"current_depth": status.CurrentDepth,
		"current_url":   status.CurrentURL,
	}
	if err := s.client.HSet(ctx, crawlStatusKey, fields).Err(); err != nil {
		s.warn("set_crawl_status", err)
		return fmt.Errorf("set crawl status: %w", err)
	}
	return nil
}

// SetCrawlState updates only the state field.
func (s *Store) SetCrawlState(ctx context.Context, state CrawlState) error {
	if err := s.client.HSet(ctx, crawlStatusKey, "state", string(state)).Err(); err != nil {
		s.warn("set_crawl_state", err)
		return fmt.Errorf("set crawl state: %w", err)
	}
	return nil
}

// CrawlStatus reads the crawl:status hash. An absent hash is idle.
func (s *Store) CrawlStatus(ctx context.Context) (CrawlStatus, error) {
	data, err := s.client.HGetAll(ctx, crawlStatusKey).Result()
	if err != nil {
		s.warn("crawl_status", err)
		return CrawlStatus{State: CrawlIdle}, fmt.Errorf("get crawl status: %w", err)
	}
	if len(data) == 0 {
		return CrawlStatus{State: CrawlIdle}, nil
	}
	atoi64 := func(key string) int64 {
		n, _ := strconv.ParseInt(data[key], 10, 64)
		return n
	}
	status := CrawlStatus{
		State:        CrawlState(data["state"]),
		StartedAt:    atoi64("started_at"),
		URLsSeen:     atoi64("urls_seen"),
		URLsFetched:  atoi64("urls_fetched"),
		URLsFailed:   atoi64("urls_failed"),
		CurrentDepth: int(atoi64("current_depth")),
		CurrentURL:   data["current_url"],
	}
	if status.State == "" {
		status.State = CrawlIdle
	}
	return status, nil
}

// AppendCrawlLog pushes a line onto the crawl log ring (newest first).
func (s *Store) AppendCrawlLog(ctx context.Context, line string) {
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, crawlLogKey, line)
	pipe.LTrim(ctx, crawlLogKey, 0, CrawlLogMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.warn("append_crawl_log", err)
	}
}

// CrawlLog returns up to n recent log lines, newest first.
func (s *Store) CrawlLog(ctx context.Context, n int) ([]string, error) {
	lines, err := s.client.LRange(ctx, crawlLogKey, 0, int64(n-1)).Result()
	if err != nil {
		s.warn("crawl_log", err)
		return nil, fmt.Errorf("get crawl log: %w", err)
	}
	return lines, nil
}

// ClearCrawlLog empties the crawl log.
func (s *Store) ClearCrawlLog(ctx context.Context) error {
	if err := s.client.Del(ctx, crawlLogKey).Err(); err != nil {
		s.warn("clear_crawl_log", err)
		return fmt.Errorf("clear crawl log: %w", err)
	}
	return nil
}
