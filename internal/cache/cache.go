// Package cache implements the multi-level cache: an always-present
// in-process L1 with TTLs backed by go-cache, an optional external L2
// behind a narrow interface, pattern invalidation, and sampled metrics
// with threshold alerts.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Level is the contract an external (L2) cache store must satisfy.
type Level interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	DeletePrefix(prefix string)
	Flush()
}

// MultiLevel is the two-level cache. Reads check L1 then L2 and promote
// L2 hits into L1. Writes and invalidations go to both levels.
type MultiLevel struct {
	l1     *gocache.Cache
	l2     Level // nil when no external store is configured
	ttl    time.Duration
	logger *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	ops       atomic.Int64
	evictions atomic.Int64
}

// New creates a multi-level cache. l2 may be nil. defaultTTL applies to
// puts that do not specify their own.
func New(l2 Level, defaultTTL time.Duration, logger *slog.Logger) *MultiLevel {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	c := &MultiLevel{
		l1:     gocache.New(defaultTTL, 2*defaultTTL),
		l2:     l2,
		ttl:    defaultTTL,
		logger: logger,
	}
	c.l1.OnEvicted(func(string, any) {
		c.evictions.Add(1)
	})
	return c
}

// Get returns the cached value for key, checking L1 then L2.
func (c *MultiLevel) Get(key string) (any, bool) {
	c.ops.Add(1)
	if v, ok := c.l1.Get(key); ok {
		c.hits.Add(1)
		return v, true
	}
	if c.l2 != nil {
		if v, ok := c.l2.Get(key); ok {
			c.hits.Add(1)
			c.l1.Set(key, v, gocache.DefaultExpiration)
			return v, true
		}
	}
	c.misses.Add(1)
	return nil, false
}

// Put writes the value to both levels. A non-positive ttl uses the default.
func (c *MultiLevel) Put(key string, value any, ttl time.Duration) {
	c.ops.Add(1)
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.l1.Set(key, value, ttl)
	if c.l2 != nil {
		c.l2.Set(key, value, ttl)
	}
}

// Invalidate removes a single key from both levels.
func (c *MultiLevel) Invalidate(key string) {
	c.ops.Add(1)
	c.l1.Delete(key)
	if c.l2 != nil {
		c.l2.Delete(key)
	}
}

// InvalidatePattern removes every key matching the pattern. A trailing
// '*' matches any suffix; patterns without one match exactly.
func (c *MultiLevel) InvalidatePattern(pattern string) int {
	c.ops.Add(1)
	prefix, wildcard := strings.CutSuffix(pattern, "*")
	if !wildcard {
		c.Invalidate(pattern)
		return 1
	}
	removed := 0
	for key := range c.l1.Items() {
		if strings.HasPrefix(key, prefix) {
			c.l1.Delete(key)
			removed++
		}
	}
	if c.l2 != nil {
		c.l2.DeletePrefix(prefix)
	}
	return removed
}

// Flush empties both levels.
func (c *MultiLevel) Flush() {
	c.l1.Flush()
	if c.l2 != nil {
		c.l2.Flush()
	}
}

// Size returns the number of L1 entries.
func (c *MultiLevel) Size() int {
	return c.l1.ItemCount()
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	MissRate   float64 `json:"miss_rate"`
	Operations int64   `json:"operations"`
	Evictions  int64   `json:"eviction_count"`
	Size       int     `json:"cache_size"`
}

// Snapshot returns current counters.
func (c *MultiLevel) Snapshot() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Hits:       hits,
		Misses:     misses,
		Operations: c.ops.Load(),
		Evictions:  c.evictions.Load(),
		Size:       c.l1.ItemCount(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
		s.MissRate = float64(misses) / float64(total)
	}
	return s
}

// --- in-memory L2 (tests and single-node deployments) ---

// MemoryLevel is a Level backed by a second go-cache instance. It stands
// in for an external store when none is configured but L2 behavior is
// wanted (tests, single-node deployments).
type MemoryLevel struct {
	c *gocache.Cache
}

// NewMemoryLevel creates an in-memory L2.
func NewMemoryLevel(defaultTTL time.Duration) *MemoryLevel {
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	return &MemoryLevel{c: gocache.New(defaultTTL, 2*defaultTTL)}
}

func (m *MemoryLevel) Get(key string) (any, bool) { return m.c.Get(key) }

func (m *MemoryLevel) Set(key string, value any, ttl time.Duration) {
	m.c.Set(key, value, ttl)
}

func (m *MemoryLevel) Delete(key string) { m.c.Delete(key) }

func (m *MemoryLevel) DeletePrefix(prefix string) {
	for key := range m.c.Items() {
		if strings.HasPrefix(key, prefix) {
			m.c.Delete(key)
		}
	}
}

func (m *MemoryLevel) Flush() { m.c.Flush() }

// --- monitoring ---

// Thresholds configure metric alerts.
type Thresholds struct {
	HitRateMin        float64
	ResponseTimeMaxMs float64
	MemoryMaxMB       float64
}

// DefaultThresholds returns the standard alert thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{HitRateMin: 0.7, ResponseTimeMaxMs: 100, MemoryMaxMB: 1024}
}

// Alert is raised when a sampled metric crosses a threshold.
type Alert struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// AlertFunc receives threshold alerts.
type AlertFunc func(Alert)

// Monitor samples cache stats into a bounded history and raises alerts.
// It implements scheduler.Job.
type Monitor struct {
	cache      *MultiLevel
	thresholds Thresholds
	logger     *slog.Logger

	mu        sync.Mutex
	history   []Stats
	maxPoints int
	callbacks []AlertFunc
}

// NewMonitor creates a monitor keeping up to maxPoints samples.
func NewMonitor(c *MultiLevel, thresholds Thresholds, maxPoints int, logger *slog.Logger) *Monitor {
	if maxPoints <= 0 {
		maxPoints = 300
	}
	return &Monitor{cache: c, thresholds: thresholds, maxPoints: maxPoints, logger: logger}
}

// OnAlert registers a callback for threshold alerts.
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Name implements scheduler.Job.
func (m *Monitor) Name() string { return "cache-monitor" }

// Run implements scheduler.Job by taking one sample.
func (m *Monitor) Run(_ context.Context) error {
	m.Sample()
	return nil
}

// Sample records one stats point and fires alerts as needed.
func (m *Monitor) Sample() Stats {
	s := m.cache.Snapshot()

	m.mu.Lock()
	m.history = append(m.history, s)
	if len(m.history) > m.maxPoints {
		m.history = m.history[len(m.history)-m.maxPoints:]
	}
	callbacks := append([]AlertFunc(nil), m.callbacks...)
	m.mu.Unlock()

	// Hit rate is only meaningful once traffic has flowed.
	if s.Hits+s.Misses >= 10 && s.HitRate < m.thresholds.HitRateMin {
		alert := Alert{
			Metric:    "hit_rate",
			Value:     s.HitRate,
			Threshold: m.thresholds.HitRateMin,
			At:        time.Now(),
		}
		m.logger.Warn("cache hit rate below threshold", "hit_rate", s.HitRate, "threshold", m.thresholds.HitRateMin)
		for _, fn := range callbacks {
			fn(alert)
		}
	}
	return s
}

// History returns a copy of the sampled stats.
func (m *Monitor) History() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stats, len(m.history))
	copy(out, m.history)
	return out
}
