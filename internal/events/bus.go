// Package events implements the in-process event bus that powers the
// control plane: typed publish/subscribe over a bounded priority queue,
// asynchronous workers, retry with exponential backoff, and a dead-letter
// queue for events that exhaust their retry budget.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/internal/domain"
)

// Event is one unit of work flowing through the bus.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      int            `json:"priority"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	RetryCount    int            `json:"retry_count"`
}

// Handler processes one event. A non-nil error triggers the retry path.
type Handler func(ctx context.Context, ev *Event) error

// Filter decides whether a subscription receives a given event.
type Filter func(ev *Event) bool

type subscription struct {
	id        string
	eventType string // empty for catch-all
	handler   Handler
	priority  int
	filter    Filter
}

// DeadLetter is an event that exhausted its retries, with the last error.
type DeadLetter struct {
	Event     *Event    `json:"event"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// HandlerStats tracks per-subscription dispatch metrics.
type HandlerStats struct {
	CallCount     int64   `json:"call_count"`
	ErrorCount    int64   `json:"error_count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	EventsPublished int64                   `json:"events_published"`
	EventsProcessed int64                   `json:"events_processed"`
	HandlerCount    int                     `json:"handler_count"`
	QueueDepth      int                     `json:"queue_depth"`
	DeadLetters     int                     `json:"dead_letters"`
	Handlers        map[string]HandlerStats `json:"handlers,omitempty"`
}

// Options configure a Bus. Zero values pick the defaults.
type Options struct {
	Workers    int // default 2
	QueueSize  int // default 1000
	MaxRetries int // default 3
	MaxDLQ     int // default 500

	// RetryDelayFunc overrides the backoff schedule (default RetryDelay).
	RetryDelayFunc func(attempt int) time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.MaxDLQ <= 0 {
		o.MaxDLQ = 500
	}
	if o.RetryDelayFunc == nil {
		o.RetryDelayFunc = RetryDelay
	}
	return o
}

// Bus is the shared event bus. Safe for concurrent use.
type Bus struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	notEmpty *sync.Cond
	queue    eventHeap
	seq      uint64
	closed   bool

	subMu   sync.RWMutex
	subs    map[string][]*subscription // eventType -> priority-ordered
	allSubs []*subscription
	stats   map[string]*HandlerStats // subscription id -> stats

	dlqMu sync.Mutex
	dlq   []*DeadLetter

	published int64
	processed int64

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewBus creates a bus. Call Start before publishing.
func NewBus(opts Options, logger *slog.Logger) *Bus {
	b := &Bus{
		opts:   opts.withDefaults(),
		logger: logger,
		subs:   make(map[string][]*subscription),
		stats:  make(map[string]*HandlerStats),
	}
	b.notEmpty = sync.NewCond(&b.mu)
	return b
}

// Start launches the worker pool. Workers run until Stop or ctx cancel.
func (b *Bus) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	b.group = g
	for i := 0; i < b.opts.Workers; i++ {
		g.Go(func() error {
			b.workerLoop(gctx)
			return nil
		})
	}
	// Wake blocked workers when the context dies.
	go func() {
		<-gctx.Done()
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.notEmpty.Broadcast()
	}()
}

// Subscribe registers a handler for one event type. Handlers for the
// same type run in descending priority order. Returns the subscription id.
func (b *Bus) Subscribe(eventType string, handler Handler, priority int, filter Filter) string {
	sub := &subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   handler,
		priority:  priority,
		filter:    filter,
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	list := append(b.subs[eventType], sub)
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority > list[j].priority })
	b.subs[eventType] = list
	b.stats[sub.id] = &HandlerStats{}
	return sub.id
}

// SubscribeAll registers a catch-all handler.
func (b *Bus) SubscribeAll(handler Handler) string {
	sub := &subscription{id: uuid.NewString(), handler: handler}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.allSubs = append(b.allSubs, sub)
	b.stats[sub.id] = &HandlerStats{}
	return sub.id
}

// Unsubscribe removes a subscription by id.
func (b *Bus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for t, list := range b.subs {
		for i, sub := range list {
			if sub.id == id {
				b.subs[t] = append(list[:i:i], list[i+1:]...)
				delete(b.stats, id)
				return
			}
		}
	}
	for i, sub := range b.allSubs {
		if sub.id == id {
			b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
			delete(b.stats, id)
			return
		}
	}
}

// Publish accepts an event into the bounded queue. When the queue is at
// capacity it fails synchronously with ErrQueueFull; callers must not
// silently drop the event.
func (b *Bus) Publish(ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: bus stopped", domain.ErrQueueFull)
	}
	if b.queue.Len() >= b.opts.QueueSize {
		return fmt.Errorf("%w: %d events queued", domain.ErrQueueFull, b.queue.Len())
	}
	b.seq++
	b.queue.push(ev, b.seq)
	b.published++
	b.notEmpty.Signal()
	return nil
}

// workerLoop pulls one event at a time and dispatches it.
func (b *Bus) workerLoop(ctx context.Context) {
	for {
		b.mu.Lock()
		for b.queue.Len() == 0 && !b.closed {
			b.notEmpty.Wait()
		}
		if b.closed && b.queue.Len() == 0 {
			b.mu.Unlock()
			return
		}
		ev := b.queue.pop()
		b.mu.Unlock()

		b.dispatch(ctx, ev)

		b.mu.Lock()
		b.processed++
		b.mu.Unlock()
	}
}

// dispatch runs all matching handlers for an event. Handler failures are
// isolated from peers; if any handler fails the event is retried.
func (b *Bus) dispatch(ctx context.Context, ev *Event) {
	b.subMu.RLock()
	matched := make([]*subscription, 0, len(b.subs[ev.Type])+len(b.allSubs))
	matched = append(matched, b.subs[ev.Type]...)
	matched = append(matched, b.allSubs...)
	b.subMu.RUnlock()

	var lastErr error
	for _, sub := range matched {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		start := time.Now()
		err := b.safeHandle(ctx, sub, ev)
		b.recordCall(sub.id, time.Since(start), err)
		if err != nil {
			b.logger.Warn("event handler failed",
				"event_type", ev.Type,
				"event_id", ev.ID,
				"retry_count", ev.RetryCount,
				"error", err)
			lastErr = err
		}
	}

	if lastErr == nil {
		return
	}
	if ev.RetryCount >= b.opts.MaxRetries {
		b.deadLetter(ev, lastErr)
		return
	}
	b.scheduleRetry(ev)
}

// safeHandle runs a handler, converting panics into errors.
func (b *Bus) safeHandle(ctx context.Context, sub *subscription, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, ev)
}

func (b *Bus) recordCall(subID string, d time.Duration, err error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	st, ok := b.stats[subID]
	if !ok {
		return
	}
	st.CallCount++
	if err != nil {
		st.ErrorCount++
	}
	ms := float64(d.Microseconds()) / 1000.0
	st.AvgDurationMs += (ms - st.AvgDurationMs) / float64(st.CallCount)
}

// scheduleRetry re-enqueues the event after min(2^n, 60) seconds.
func (b *Bus) scheduleRetry(ev *Event) {
	ev.RetryCount++
	delay := b.opts.RetryDelayFunc(ev.RetryCount)
	time.AfterFunc(delay, func() {
		if err := b.Publish(ev); err != nil {
			b.deadLetter(ev, err)
		}
	})
}

// RetryDelay returns the backoff before attempt n: min(2^n, 60) seconds.
func RetryDelay(attempt int) time.Duration {
	secs := 1 << attempt
	if secs > 60 || secs <= 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

func (b *Bus) deadLetter(ev *Event, cause error) {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()
	if len(b.dlq) >= b.opts.MaxDLQ {
		b.dlq = b.dlq[1:]
	}
	b.dlq = append(b.dlq, &DeadLetter{
		Event:     ev,
		LastError: cause.Error(),
		FailedAt:  time.Now(),
	})
	b.logger.Error("event moved to dead-letter queue",
		"event_type", ev.Type,
		"event_id", ev.ID,
		"error", cause)
}

// DeadLetters returns a copy of the current dead-letter queue.
func (b *Bus) DeadLetters() []*DeadLetter {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()
	out := make([]*DeadLetter, len(b.dlq))
	copy(out, b.dlq)
	return out
}

// ReplayDeadLetterQueue re-publishes every dead-lettered event with its
// retry budget reset, then clears the queue. Returns the replay count.
func (b *Bus) ReplayDeadLetterQueue() (int, error) {
	b.dlqMu.Lock()
	pending := b.dlq
	b.dlq = nil
	b.dlqMu.Unlock()

	for i, dl := range pending {
		dl.Event.RetryCount = 0
		if err := b.Publish(dl.Event); err != nil {
			// Put what we could not replay back.
			b.dlqMu.Lock()
			b.dlq = append(b.dlq, pending[i:]...)
			b.dlqMu.Unlock()
			return i, err
		}
	}
	return len(pending), nil
}

// Snapshot returns current bus metrics.
func (b *Bus) Snapshot() Metrics {
	b.mu.Lock()
	m := Metrics{
		EventsPublished: b.published,
		EventsProcessed: b.processed,
		QueueDepth:      b.queue.Len(),
	}
	b.mu.Unlock()

	b.subMu.RLock()
	m.HandlerCount = len(b.stats)
	m.Handlers = make(map[string]HandlerStats, len(b.stats))
	for id, st := range b.stats {
		m.Handlers[id] = *st
	}
	b.subMu.RUnlock()

	b.dlqMu.Lock()
	m.DeadLetters = len(b.dlq)
	b.dlqMu.Unlock()
	return m
}

// Stop drains in-flight work for up to grace, cancels the workers, and
// returns the final metrics.
func (b *Bus) Stop(grace time.Duration) Metrics {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.notEmpty.Broadcast()

	done := make(chan struct{})
	go func() {
		if b.group != nil {
			b.group.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		if b.cancel != nil {
			b.cancel()
		}
		<-done
	}
	if b.cancel != nil {
		b.cancel()
	}
	return b.Snapshot()
}
