// Package bus provides the daemon's in-process event bus.
//
// Topics are dotted names ("session.updated", "pool.changed",
// "workflow.completed"). Handlers are registered under an owner token so a
// component's handlers can be removed atomically when it shuts down.
// Publication is synchronous for inline handlers; handlers registered as
// async are dispatched from per-topic FIFO queues so slow subscribers never
// block producers while per-topic ordering is preserved.
package bus

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/pubsub"
)

// Event is a fire-and-forget notification on a topic.
type Event struct {
	Topic     string         `json:"topic"`
	Seq       uint64         `json:"seq"`
	Producer  string         `json:"producer,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler consumes a single event. Panics are isolated per handler.
type Handler func(Event)

// Owner identifies a group of handler registrations.
type Owner string

const asyncQueueDepth = 256

type registration struct {
	owner   Owner
	pattern string
	fn      Handler
	async   bool
}

// Bus is the in-process topic bus.
type Bus struct {
	mu     sync.RWMutex
	regs   []*registration
	queues map[string]chan Event // per-topic async queues
	broker *pubsub.Broker[Event] // channel-style subscriptions (IPC fan-out)
	seq    atomic.Uint64
	wg     sync.WaitGroup
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Bus ready for use.
func New() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		queues: make(map[string]chan Event),
		broker: pubsub.NewBroker[Event](),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers an inline handler for topics matching pattern.
// A pattern is an exact topic, a "prefix.*" wildcard, or "*" for everything.
func (b *Bus) Subscribe(owner Owner, pattern string, fn Handler) {
	b.register(owner, pattern, fn, false)
}

// SubscribeAsync registers a handler dispatched from the per-topic queue.
// Use for handlers that may block; ordering within a topic is preserved.
func (b *Bus) SubscribeAsync(owner Owner, pattern string, fn Handler) {
	b.register(owner, pattern, fn, true)
}

func (b *Bus) register(owner Owner, pattern string, fn Handler, async bool) {
	if b.closed.Load() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs = append(b.regs, &registration{owner: owner, pattern: pattern, fn: fn, async: async})
}

// Unsubscribe removes every registration held by owner.
func (b *Bus) Unsubscribe(owner Owner) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.regs[:0]
	for _, r := range b.regs {
		if r.owner != owner {
			kept = append(kept, r)
		}
	}
	b.regs = kept
}

// Channel returns a subscription channel carrying every published event.
// The subscription ends when ctx is cancelled. Used by the IPC layer to
// fan events out to external clients.
func (b *Bus) Channel(ctx context.Context) <-chan pubsub.Event[Event] {
	return b.broker.Subscribe(ctx)
}

// Publish delivers an event to all matching handlers and channel
// subscribers. Handler panics are recovered and logged; publishers are
// never blocked by a slow async handler.
func (b *Bus) Publish(topic, producer string, payload map[string]any) Event {
	event := Event{
		Topic:     topic,
		Seq:       b.seq.Add(1),
		Producer:  producer,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if b.closed.Load() {
		return event
	}

	b.mu.RLock()
	var inline, async []Handler
	for _, r := range b.regs {
		if !Matches(r.pattern, topic) {
			continue
		}
		if r.async {
			async = append(async, r.fn)
		} else {
			inline = append(inline, r.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range inline {
		b.invoke(fn, event)
	}
	if len(async) > 0 {
		b.enqueue(topic, event)
	}

	b.broker.Publish(event)
	return event
}

// enqueue places the event on the topic's FIFO queue, creating the queue
// and its dispatcher on first use.
func (b *Bus) enqueue(topic string, event Event) {
	b.mu.Lock()
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan Event, asyncQueueDepth)
		b.queues[topic] = q
		b.wg.Add(1)
		go b.dispatch(topic, q)
	}
	b.mu.Unlock()

	select {
	case q <- event:
	default:
		// Queue full: drop rather than block the producer.
		log.Warn(log.CatBus, "Async queue full, dropping event", "topic", topic, "seq", event.Seq)
	}
}

// dispatch drains a topic queue, invoking async handlers in publish order.
func (b *Bus) dispatch(topic string, q chan Event) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-q:
			if !ok {
				return
			}
			b.mu.RLock()
			var fns []Handler
			for _, r := range b.regs {
				if r.async && Matches(r.pattern, event.Topic) {
					fns = append(fns, r.fn)
				}
			}
			b.mu.RUnlock()
			for _, fn := range fns {
				b.invoke(fn, event)
			}
		}
	}
}

func (b *Bus) invoke(fn Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "Handler panic recovered",
				"topic", event.Topic,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn(event)
}

// Close stops dispatchers and closes channel subscriptions.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.broker.Close()
}

// Matches reports whether a subscription pattern covers a topic.
// Patterns: exact topic, "prefix.*", or "*".
func Matches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return false
}
