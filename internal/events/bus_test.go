package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T, opts Options) *Bus {
	t.Helper()
	b := NewBus(opts, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.Start(ctx)
	t.Cleanup(func() { b.Stop(2 * time.Second) })
	return b
}

// waitFor polls until cond or the deadline.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %v", d)
}

func TestPublishAndDeliver(t *testing.T) {
	b := startBus(t, Options{Workers: 1})

	var mu sync.Mutex
	var got []*Event
	b.Subscribe("task.created", func(_ context.Context, ev *Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	}, 0, nil)

	require.NoError(t, b.Publish(&Event{Type: "task.created", UserID: "alice", Priority: 5}))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "alice", got[0].UserID)
	assert.NotEmpty(t, got[0].ID, "publish assigns an id")
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestTypeRoutingAndCatchAll(t *testing.T) {
	b := startBus(t, Options{Workers: 1})

	var mu sync.Mutex
	counts := map[string]int{}
	bump := func(key string) {
		mu.Lock()
		counts[key]++
		mu.Unlock()
	}

	b.Subscribe("a", func(context.Context, *Event) error { bump("a"); return nil }, 0, nil)
	b.Subscribe("b", func(context.Context, *Event) error { bump("b"); return nil }, 0, nil)
	b.SubscribeAll(func(context.Context, *Event) error { bump("all"); return nil })

	require.NoError(t, b.Publish(&Event{Type: "a"}))
	require.NoError(t, b.Publish(&Event{Type: "a"}))
	require.NoError(t, b.Publish(&Event{Type: "b"}))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["all"] == 3
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, counts["a"])
	assert.Equal(t, 1, counts["b"])
}

func TestFilterSkipsNonMatching(t *testing.T) {
	b := startBus(t, Options{Workers: 1})

	var mu sync.Mutex
	var got []string
	b.Subscribe("ev", func(_ context.Context, ev *Event) error {
		mu.Lock()
		got = append(got, ev.UserID)
		mu.Unlock()
		return nil
	}, 0, func(ev *Event) bool { return ev.UserID == "alice" })

	require.NoError(t, b.Publish(&Event{Type: "ev", UserID: "alice"}))
	require.NoError(t, b.Publish(&Event{Type: "ev", UserID: "bob"}))
	require.NoError(t, b.Publish(&Event{Type: "ev", UserID: "alice"}))

	waitFor(t, 2*time.Second, func() bool {
		return b.Snapshot().EventsProcessed == 3
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alice", "alice"}, got)
}

func TestPriorityOrdering(t *testing.T) {
	// Single worker and a pre-filled queue make dequeue order observable.
	b := NewBus(Options{Workers: 1}, testLogger())

	var mu sync.Mutex
	var order []int
	b.Subscribe("ev", func(_ context.Context, ev *Event) error {
		mu.Lock()
		order = append(order, ev.Priority)
		mu.Unlock()
		return nil
	}, 0, nil)

	require.NoError(t, b.Publish(&Event{Type: "ev", Priority: 1}))
	require.NoError(t, b.Publish(&Event{Type: "ev", Priority: 9}))
	require.NoError(t, b.Publish(&Event{Type: "ev", Priority: 5}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop(2 * time.Second)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{9, 5, 1}, order)
}

func TestFIFOWithinPriority(t *testing.T) {
	b := NewBus(Options{Workers: 1}, testLogger())

	var mu sync.Mutex
	var order []string
	b.Subscribe("ev", func(_ context.Context, ev *Event) error {
		mu.Lock()
		order = append(order, ev.Payload["n"].(string))
		mu.Unlock()
		return nil
	}, 0, nil)

	for _, n := range []string{"first", "second", "third"} {
		require.NoError(t, b.Publish(&Event{Type: "ev", Priority: 5, Payload: map[string]any{"n": n}}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop(2 * time.Second)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestQueueFull(t *testing.T) {
	b := NewBus(Options{QueueSize: 2}, testLogger())

	require.NoError(t, b.Publish(&Event{Type: "ev"}))
	require.NoError(t, b.Publish(&Event{Type: "ev"}))
	err := b.Publish(&Event{Type: "ev"})
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestRetryThenSuccess(t *testing.T) {
	b := startBus(t, Options{
		Workers:        1,
		MaxRetries:     3,
		RetryDelayFunc: func(int) time.Duration { return time.Millisecond },
	})

	var mu sync.Mutex
	attempts := 0
	b.Subscribe("flaky", func(context.Context, *Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return assert.AnError
		}
		return nil
	}, 0, nil)

	require.NoError(t, b.Publish(&Event{Type: "flaky"}))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	})
	assert.Empty(t, b.DeadLetters())
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	b := startBus(t, Options{
		Workers:        1,
		MaxRetries:     2,
		RetryDelayFunc: func(int) time.Duration { return time.Millisecond },
	})

	b.Subscribe("doomed", func(context.Context, *Event) error {
		return assert.AnError
	}, 0, nil)

	require.NoError(t, b.Publish(&Event{Type: "doomed", Payload: map[string]any{"k": "v"}}))

	waitFor(t, 2*time.Second, func() bool {
		return len(b.DeadLetters()) == 1
	})
	dl := b.DeadLetters()[0]
	assert.Equal(t, "doomed", dl.Event.Type)
	assert.Equal(t, 2, dl.Event.RetryCount)
	assert.NotEmpty(t, dl.LastError)
}

func TestPanicIsIsolated(t *testing.T) {
	b := startBus(t, Options{
		Workers:        1,
		MaxRetries:     1,
		RetryDelayFunc: func(int) time.Duration { return time.Millisecond },
	})

	var mu sync.Mutex
	peer := 0
	b.Subscribe("ev", func(context.Context, *Event) error { panic("boom") }, 10, nil)
	b.Subscribe("ev", func(context.Context, *Event) error {
		mu.Lock()
		peer++
		mu.Unlock()
		return nil
	}, 0, nil)

	require.NoError(t, b.Publish(&Event{Type: "ev"}))

	// The panicking handler dead-letters the event; the peer still ran.
	waitFor(t, 2*time.Second, func() bool { return len(b.DeadLetters()) == 1 })
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, peer, 1)
	assert.Contains(t, b.DeadLetters()[0].LastError, "panic")
}

func TestReplayDeadLetterQueue(t *testing.T) {
	b := startBus(t, Options{
		Workers:        1,
		MaxRetries:     1,
		RetryDelayFunc: func(int) time.Duration { return time.Millisecond },
	})

	var mu sync.Mutex
	fail := true
	b.Subscribe("ev", func(context.Context, *Event) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return assert.AnError
		}
		return nil
	}, 0, nil)

	require.NoError(t, b.Publish(&Event{Type: "ev"}))
	waitFor(t, 2*time.Second, func() bool { return len(b.DeadLetters()) == 1 })

	mu.Lock()
	fail = false
	mu.Unlock()

	n, err := b.ReplayDeadLetterQueue()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	waitFor(t, 2*time.Second, func() bool { return len(b.DeadLetters()) == 0 })
}

func TestUnsubscribe(t *testing.T) {
	b := startBus(t, Options{Workers: 1})

	var mu sync.Mutex
	count := 0
	id := b.Subscribe("ev", func(context.Context, *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, 0, nil)

	require.NoError(t, b.Publish(&Event{Type: "ev"}))
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	b.Unsubscribe(id)
	require.NoError(t, b.Publish(&Event{Type: "ev"}))
	waitFor(t, 2*time.Second, func() bool { return b.Snapshot().EventsProcessed == 2 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestSnapshotCounters(t *testing.T) {
	b := startBus(t, Options{Workers: 1})
	b.Subscribe("ev", func(context.Context, *Event) error { return nil }, 0, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(&Event{Type: "ev"}))
	}
	waitFor(t, 2*time.Second, func() bool { return b.Snapshot().EventsProcessed == 5 })

	m := b.Snapshot()
	assert.Equal(t, int64(5), m.EventsPublished)
	assert.Equal(t, 1, m.HandlerCount)
	for _, st := range m.Handlers {
		assert.Equal(t, int64(5), st.CallCount)
		assert.Equal(t, int64(0), st.ErrorCount)
	}
}

func TestPublishAfterStop(t *testing.T) {
	b := NewBus(Options{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	b.Stop(time.Second)

	err := b.Publish(&Event{Type: "ev"})
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestRetryDelaySchedule(t *testing.T) {
	assert.Equal(t, 2*time.Second, RetryDelay(1))
	assert.Equal(t, 4*time.Second, RetryDelay(2))
	assert.Equal(t, 8*time.Second, RetryDelay(3))
	assert.Equal(t, 60*time.Second, RetryDelay(6))
	assert.Equal(t, 60*time.Second, RetryDelay(40), "overflow clamps to the cap")
}
