package cache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultCapacity = 100
	DefaultTTL      = time.Hour
)

var ErrInvalidConfig = errors.New("cache: invalid config")

// Config is fixed at construction. Capacity and TTL never change per call.
type Config struct {
	Capacity int
	TTL      time.Duration
	// Now is the clock used for TTL checks. Defaults to time.Now.
	Now func() time.Time
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits      int64
	Misses    int64
	Expired   int64
	Evictions int64
	Len       int
}

type entry[V any] struct {
	value     V
	writtenAt time.Time
}

// Cache is a bounded key/value store with LRU eviction on write and TTL
// eviction on read. All operations are serialized.
type Cache[V any] struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, entry[V]]
	ttl   time.Duration
	now   func() time.Time
	stats Stats
}

// New builds a cache from cfg. Zero values fall back to the defaults.
func New[V any](cfg Config) (*Cache[V], error) {
	if cfg.Capacity < 0 || cfg.TTL < 0 {
		return nil, fmt.Errorf("%w: capacity=%d ttl=%s", ErrInvalidConfig, cfg.Capacity, cfg.TTL)
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	inner, err := lru.New[string, entry[V]](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	return &Cache[V]{lru: inner, ttl: cfg.TTL, now: cfg.Now}, nil
}

// Get returns the value stored under key when it is younger than the TTL.
// Expired entries are removed and reported as a miss. A hit promotes the
// entry to most recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if c.now().Sub(e.writtenAt) >= c.ttl {
		c.lru.Remove(key)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	c.stats.Hits++
	return e.value, true
}

// Set stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Add(key, entry[V]{value: value, writtenAt: c.now()}) {
		c.stats.Evictions++
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a copy of the activity counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Len = c.lru.Len()
	return s
}

// Key derives the cache key for a summarization request. The query and
// platform are trimmed and lowercased before hashing.
func Key(query string, contextSize int, platform string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	plat := strings.ToLower(strings.TrimSpace(platform))

	d := xxhash.New()
	_, _ = d.WriteString(normalized)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.Itoa(contextSize))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(plat)
	return fmt.Sprintf("%016x", d.Sum64())
}
