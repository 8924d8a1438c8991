package ai

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/vanillabrand/fandom/pkg/cache"
	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/logger"
)

// CachedSummarizer puts a result cache in front of another Summarizer.
// Concurrent calls for the same key share one upstream request. Failures
// are never cached.
type CachedSummarizer struct {
	inner Summarizer
	cache *cache.Cache[common.Summary]
	group singleflight.Group
}

// NewCachedSummarizer wraps inner with c.
func NewCachedSummarizer(inner Summarizer, c *cache.Cache[common.Summary]) *CachedSummarizer {
	return &CachedSummarizer{inner: inner, cache: c}
}

// Summarize returns a cached summary for the request key or computes one.
func (s *CachedSummarizer) Summarize(ctx context.Context, req Request) (common.Summary, error) {
	key := cache.Key(req.Query, len(req.Items), req.Platform)

	if hit, ok := s.cache.Get(key); ok {
		logger.Debug("[Cache] summary hit", "key", key)
		return hit, nil
	}

	v, err, shared := s.group.Do(key, func() (any, error) {
		if hit, ok := s.cache.Get(key); ok {
			return hit, nil
		}
		summary, err := s.inner.Summarize(ctx, req)
		if err != nil {
			return common.Summary{}, err
		}
		s.cache.Set(key, summary)
		return summary, nil
	})
	if err != nil {
		return common.Summary{}, err
	}
	if shared {
		logger.Debug("[Cache] summary shared with concurrent caller", "key", key)
	}
	return v.(common.Summary), nil
}

// Stats exposes the underlying cache counters.
func (s *CachedSummarizer) Stats() cache.Stats {
	return s.cache.Stats()
}
