package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetPutAcrossLevels(t *testing.T) {
	l2 := NewMemoryLevel(0)
	c := New(l2, time.Minute, testLogger())

	c.Put("task:alice:1", "payload", 0)

	v, ok := c.Get("task:alice:1")
	require.True(t, ok)
	assert.Equal(t, "payload", v)

	// The write reached L2 as well.
	v, ok = l2.Get("task:alice:1")
	require.True(t, ok)
	assert.Equal(t, "payload", v)
}

func TestL2HitPromotesToL1(t *testing.T) {
	l2 := NewMemoryLevel(0)
	c := New(l2, time.Minute, testLogger())

	// Seed L2 directly so the first read misses L1.
	l2.Set("project:alice:p1", "from-l2", time.Minute)

	v, ok := c.Get("project:alice:p1")
	require.True(t, ok)
	assert.Equal(t, "from-l2", v)

	// Now present in L1: deleting from L2 does not lose the entry.
	l2.Delete("project:alice:p1")
	v, ok = c.Get("project:alice:p1")
	require.True(t, ok)
	assert.Equal(t, "from-l2", v)
}

func TestMissWithoutL2(t *testing.T) {
	c := New(nil, time.Minute, testLogger())

	_, ok := c.Get("absent")
	assert.False(t, ok)

	c.Put("present", 42, 0)
	v, ok := c.Get("present")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestInvalidateRemovesBothLevels(t *testing.T) {
	l2 := NewMemoryLevel(0)
	c := New(l2, time.Minute, testLogger())

	c.Put("task:alice:1", "x", 0)
	c.Invalidate("task:alice:1")

	_, ok := c.Get("task:alice:1")
	assert.False(t, ok)
	_, ok = l2.Get("task:alice:1")
	assert.False(t, ok)
}

func TestInvalidatePattern(t *testing.T) {
	l2 := NewMemoryLevel(0)
	c := New(l2, time.Minute, testLogger())

	c.Put("task:list:alice:page1", "a", 0)
	c.Put("task:list:alice:page2", "b", 0)
	c.Put("task:list:bob:page1", "c", 0)
	c.Put("task:alice:1", "d", 0)

	removed := c.InvalidatePattern("task:list:alice:*")
	assert.Equal(t, 2, removed)

	_, ok := c.Get("task:list:alice:page1")
	assert.False(t, ok)
	_, ok = c.Get("task:list:bob:page1")
	assert.True(t, ok, "other users' lists survive")
	_, ok = c.Get("task:alice:1")
	assert.True(t, ok, "entity keys survive a list sweep")
	_, ok = l2.Get("task:list:alice:page2")
	assert.False(t, ok, "pattern sweep reaches L2")
}

func TestInvalidatePatternExactWithoutWildcard(t *testing.T) {
	c := New(nil, time.Minute, testLogger())
	c.Put("task:alice:1", "x", 0)
	c.Put("task:alice:10", "y", 0)

	c.InvalidatePattern("task:alice:1")

	_, ok := c.Get("task:alice:1")
	assert.False(t, ok)
	_, ok = c.Get("task:alice:10")
	assert.True(t, ok, "no wildcard means exact match only")
}

func TestFlush(t *testing.T) {
	l2 := NewMemoryLevel(0)
	c := New(l2, time.Minute, testLogger())
	c.Put("a", 1, 0)
	c.Put("b", 2, 0)

	c.Flush()

	assert.Equal(t, 0, c.Size())
	_, ok := l2.Get("a")
	assert.False(t, ok)
}

func TestSnapshotStats(t *testing.T) {
	c := New(nil, time.Minute, testLogger())
	c.Put("k", "v", 0)

	c.Get("k")
	c.Get("k")
	c.Get("missing")

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 1e-9)
	assert.InDelta(t, 1.0/3.0, s.MissRate, 1e-9)
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, int64(4), s.Operations)
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "task:alice:t-1", Key("task", "alice", "t-1"))
	assert.Equal(t, "task:list:alice:", ListKeyPrefix("task", "alice"))
	assert.Equal(t, "task:search:alice:", SearchKeyPrefix("task", "alice"))
}

func startTestBus(t *testing.T) *events.Bus {
	t.Helper()
	b := events.NewBus(events.Options{Workers: 1}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.Start(ctx)
	t.Cleanup(func() { b.Stop(2 * time.Second) })
	return b
}

func waitGone(t *testing.T, c *MultiLevel, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Get(key); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("key %q still cached", key)
}

func TestWireInvalidationDropsEntityAndLists(t *testing.T) {
	bus := startTestBus(t)
	c := New(nil, time.Minute, testLogger())
	WireInvalidation(bus, c, testLogger())

	c.Put(Key("task", "alice", "t-1"), "entity", 0)
	c.Put(ListKeyPrefix("task", "alice")+"page1", "list", 0)
	c.Put(SearchKeyPrefix("task", "alice")+"q", "search", 0)
	c.Put(Key("task", "bob", "t-9"), "other-user", 0)

	require.NoError(t, PublishInvalidation(bus, Invalidation{
		EntityType: "task",
		EntityID:   "t-1",
		Operation:  "update",
		UserID:     "alice",
	}))

	waitGone(t, c, Key("task", "alice", "t-1"))
	_, ok := c.Get(ListKeyPrefix("task", "alice") + "page1")
	assert.False(t, ok)
	_, ok = c.Get(SearchKeyPrefix("task", "alice") + "q")
	assert.False(t, ok)
	_, ok = c.Get(Key("task", "bob", "t-9"))
	assert.True(t, ok, "other users are untouched")
}

func TestWireInvalidationContextPropagation(t *testing.T) {
	bus := startTestBus(t)
	c := New(nil, time.Minute, testLogger())
	WireInvalidation(bus, c, testLogger())

	c.Put(Key("context", "alice", "project-1"), "parent", 0)
	c.Put(Key("context", "alice", "branch-1"), "child", 0)
	c.Put(Key("context", "alice", "task-1"), "grandchild", 0)
	c.Put(Key("context", "bob", "project-1"), "foreign", 0)

	require.NoError(t, PublishInvalidation(bus, Invalidation{
		EntityType: "context",
		EntityID:   "project-1",
		Operation:  "update",
		UserID:     "alice",
		Level:      "project",
		Propagate:  true,
	}))

	// Propagation sweeps every cached context of the user, so stale
	// inherited views cannot be served for descendants.
	waitGone(t, c, Key("context", "alice", "branch-1"))
	waitGone(t, c, Key("context", "alice", "task-1"))
	_, ok := c.Get(Key("context", "bob", "project-1"))
	assert.True(t, ok)
}

func TestWireInvalidationWithoutPropagation(t *testing.T) {
	bus := startTestBus(t)
	c := New(nil, time.Minute, testLogger())
	WireInvalidation(bus, c, testLogger())

	c.Put(Key("context", "alice", "branch-1"), "target", 0)
	c.Put(Key("context", "alice", "task-1"), "sibling", 0)

	require.NoError(t, PublishInvalidation(bus, Invalidation{
		EntityType: "context",
		EntityID:   "branch-1",
		Operation:  "update",
		UserID:     "alice",
		Propagate:  false,
	}))

	waitGone(t, c, Key("context", "alice", "branch-1"))
	_, ok := c.Get(Key("context", "alice", "task-1"))
	assert.True(t, ok)
}

func TestMonitorSamplesAndAlerts(t *testing.T) {
	c := New(nil, time.Minute, testLogger())
	m := NewMonitor(c, Thresholds{HitRateMin: 0.9, ResponseTimeMaxMs: 100, MemoryMaxMB: 1024}, 5, testLogger())

	var alerts []Alert
	m.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	// Below the traffic floor no alert fires, however bad the rate.
	c.Get("missing")
	m.Sample()
	assert.Empty(t, alerts)

	for i := 0; i < 10; i++ {
		c.Get("missing")
	}
	s := m.Sample()
	require.Len(t, alerts, 1)
	assert.Equal(t, "hit_rate", alerts[0].Metric)
	assert.Equal(t, 0.9, alerts[0].Threshold)
	assert.Less(t, s.HitRate, 0.9)
}

func TestMonitorHistoryBounded(t *testing.T) {
	c := New(nil, time.Minute, testLogger())
	m := NewMonitor(c, DefaultThresholds(), 3, testLogger())

	for i := 0; i < 5; i++ {
		c.Put("k", i, 0)
		m.Sample()
	}
	h := m.History()
	require.Len(t, h, 3)
	// Oldest samples were discarded; the last one reflects all five puts.
	assert.Equal(t, int64(5), h[2].Operations)
}

func TestMonitorRunsAsJob(t *testing.T) {
	c := New(nil, time.Minute, testLogger())
	m := NewMonitor(c, DefaultThresholds(), 0, testLogger())

	assert.Equal(t, "cache-monitor", m.Name())
	require.NoError(t, m.Run(context.Background()))
	assert.Len(t, m.History(), 1)
}
