package cache

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gobwas/glob"
)

// AllowlistSet replaces the stored pattern set.
func (s *Store) AllowlistSet(ctx context.Context, patterns []string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, allowlistKey)
	if len(patterns) > 0 {
		members := make([]any, len(patterns))
		for i, p := range patterns {
			members[i] = p
		}
		pipe.SAdd(ctx, allowlistKey, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.warn("allowlist_set", err)
		return fmt.Errorf("set allowlist: %w", err)
	}
	return nil
}

// AllowlistAdd adds a single pattern.
func (s *Store) AllowlistAdd(ctx context.Context, pattern string) error {
	if err := s.client.SAdd(ctx, allowlistKey, pattern).Err(); err != nil {
		s.warn("allowlist_add", err)
		return fmt.Errorf("add allowlist pattern: %w", err)
	}
	return nil
}

// AllowlistRemove removes a single pattern.
func (s *Store) AllowlistRemove(ctx context.Context, pattern string) error {
	if err := s.client.SRem(ctx, allowlistKey, pattern).Err(); err != nil {
		s.warn("allowlist_remove", err)
		return fmt.Errorf("remove allowlist pattern: %w", err)
	}
	return nil
}

// AllowlistPatterns returns the stored patterns.
func (s *Store) AllowlistPatterns(ctx context.Context) ([]string, error) {
	patterns, err := s.client.SMembers(ctx, allowlistKey).Result()
	if err != nil {
		s.warn("allowlist_patterns", err)
		return nil, fmt.Errorf("get allowlist: %w", err)
	}
	return patterns, nil
}

// AllowlistCheck reports whether the normalized URL matches any stored
// pattern. Patterns use glob semantics with '/' as separator: '*' stays
// within a path segment, '**' crosses segments. An empty allowlist
// matches nothing. Store errors deny (fail closed).
func (s *Store) AllowlistCheck(ctx context.Context, rawURL string) bool {
	patterns, err := s.AllowlistPatterns(ctx)
	if err != nil {
		return false
	}
	return MatchAllowlist(patterns, rawURL)
}

// MatchAllowlist checks a URL against glob patterns without touching the
// store. Each pattern is tried against the full normalized URL and
// against the bare host, so "*.art" admits any .art site while
// "http://example.com/gallery/**" pins a subtree. Malformed patterns
// are skipped.
func MatchAllowlist(patterns []string, rawURL string) bool {
	target := NormalizeURL(rawURL)
	host := ""
	if u, err := url.Parse(target); err == nil {
		host = u.Hostname()
	}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			continue
		}
		if g.Match(target) || (host != "" && g.Match(host)) {
			return true
		}
	}
	return false
}
