// Package bus is the in-process publish/subscribe event bus (C10). It fans
// out typed orchestration events to every live subscriber sink. Publishing
// snapshots the subscriber set under a short read lock, then delivers to
// each sink outside the lock — a slow or failing sink is reaped and never
// blocks another sink or the publisher.
package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a message published on the bus, matching §4.7's {type, source,
// timestamp, data} shape.
type Event struct {
	Type      string
	Source    string
	Timestamp time.Time
	Data      any
}

// Required event taxonomy, §4.7.
const (
	TopicTaskCreated  = "task.created"
	TopicTaskUpdated  = "task.updated"
	TopicTaskCanceled = "task.canceled"
	TopicQueueTicked  = "queue.ticked"
	TopicQueueUpdated = "queue.updated"

	TopicAssignmentMade       = "assignment.made"
	TopicAssignmentFailed     = "assignment.failed"
	TopicAssignmentUnassigned = "assignment.unassigned"

	TopicWorkflowStarted      = "workflow.started"
	TopicWorkflowStepAdvanced = "workflow.step_advanced"
	TopicWorkflowFinished     = "workflow.finished"
	TopicWorkflowFailed       = "workflow.failed"
	TopicWorkflowCanceled     = "workflow.canceled"

	TopicPOICacheUpdated = "poi.cache_updated"
	TopicPOICacheError   = "poi.cache_error"

	TopicSystemUpdated    = "system.updated"
	TopicSystemReset      = "system.reset"
	TopicOrchestratorTick = "orchestrator.ticked"
)

const defaultBufferSize = 100

// Sink is the single capability a subscriber offers: accept one event. It
// is the only abstraction the bus depends on; concrete sinks (websocket,
// Telegram, an in-memory channel) live outside this package.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Send(ctx context.Context, event Event) error { return f(ctx, event) }

// ChanSink is a Sink backed by a buffered channel, for in-process
// subscribers (tests, live dashboards). Send never blocks: a full channel
// drops the event and reports it as an error so the bus reaps the sink on
// repeated failure.
type ChanSink struct {
	Ch chan Event
}

// NewChanSink creates a ChanSink with the default buffer size.
func NewChanSink() *ChanSink {
	return &ChanSink{Ch: make(chan Event, defaultBufferSize)}
}

func (c *ChanSink) Send(_ context.Context, event Event) error {
	select {
	case c.Ch <- event:
		return nil
	default:
		return errFull
	}
}

type busError string

func (e busError) Error() string { return string(e) }

const errFull = busError("sink buffer full")

type subscription struct {
	id     int64
	prefix string
	sink   Sink
	fails  atomic.Int32
}

// Bus is the process-wide event bus. Zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]*subscription
	nextID int64
	logger *slog.Logger

	dropped     atomic.Int64
	lastDropLog atomic.Int64
}

// New creates a Bus. logger may be nil.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[int64]*subscription), logger: logger}
}

// Subscription is an opaque handle returned by Subscribe, used to
// Unsubscribe later.
type Subscription struct {
	id int64
}

// Subscribe registers sink to receive every event whose Type has the given
// prefix ("" matches everything).
func (b *Bus) Subscribe(topicPrefix string, sink Sink) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = &subscription{id: b.nextID, prefix: topicPrefix, sink: sink}
	return Subscription{id: b.nextID}
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub.id)
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers an event to every matching sink — the blocking flavor,
// §4.7: used from contexts that can afford to wait on delivery. Each
// sink's error is independent: a failing sink cannot affect another's
// delivery, and after maxSinkFailures consecutive failures the sink is
// reaped.
func (b *Bus) Publish(topic string, data any) {
	b.PublishCtx(context.Background(), topic, data)
}

const maxSinkFailures = 3

// PublishCtx is Publish with an explicit context, used where the caller
// wants delivery to respect cancellation (e.g. a bounded shutdown).
func (b *Bus) PublishCtx(ctx context.Context, topic string, data any) {
	event := Event{Type: topic, Source: "roboserve", Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	snapshot := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			snapshot = append(snapshot, sub)
		}
	}
	b.mu.RUnlock()

	var toReap []int64
	for _, sub := range snapshot {
		if err := sub.sink.Send(ctx, event); err != nil {
			if sub.fails.Add(1) >= maxSinkFailures {
				toReap = append(toReap, sub.id)
			}
			b.recordDrop(topic)
		} else {
			sub.fails.Store(0)
		}
	}

	if len(toReap) > 0 {
		b.mu.Lock()
		for _, id := range toReap {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		b.logger.Warn("bus reaped failing sinks", slog.Int("count", len(toReap)))
	}
}

// PublishNoWait is the fire-and-forget flavor (§4.7): used from synchronous
// contexts where the caller must not block on delivery. Delivery runs on
// its own goroutine; semantics are otherwise identical to Publish, and it
// may drop an event if the bus cannot keep up.
func (b *Bus) PublishNoWait(topic string, data any) {
	go b.Publish(topic, data)
}

// dropThreshold returns the next power-of-10 at or below count, so
// recordDrop logs once per order of magnitude rather than on every drop.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (b *Bus) recordDrop(topic string) {
	newCount := b.dropped.Add(1)
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropLog.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropLog.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold", slog.Int64("count", newCount), slog.String("topic", topic))
	}
}

// DroppedEventCount returns the total number of failed sink deliveries.
func (b *Bus) DroppedEventCount() int64 {
	return b.dropped.Load()
}
