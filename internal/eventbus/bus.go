// Package eventbus fans out domain events to in-process subscribers.
//
// Delivery is at-least-once per live subscriber with no persistence or replay.
// A subscriber whose buffer is full when an event arrives is dropped: its
// channel is closed and the consumer is expected to refetch state.
package eventbus

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/infra"
)

const (
	defaultBuffer           = 256
	defaultSubscriberBuffer = 64
)

// Filter selects which events of a topic reach a subscriber.
type Filter func(domain.Event) bool

// Hooks receives delivery counters. The metrics collector implements it.
type Hooks interface {
	EventPublished(topic string)
	EventDropped(topic string)
	SubscriberDropped(topic string)
}

type noopHooks struct{}

func (noopHooks) EventPublished(string)    {}
func (noopHooks) EventDropped(string)      {}
func (noopHooks) SubscriberDropped(string) {}

// Options configures a Bus.
type Options struct {
	Buffer           int
	SubscriberBuffer int
	Logger           *infra.Logger
	Hooks            Hooks
	Now              func() time.Time
}

// Bus is a single-process publish/subscribe broker. It is constructed once,
// started, and passed to the components that publish or subscribe.
type Bus struct {
	inbox   chan domain.Event
	subBuf  int
	logger  *infra.Logger
	hooks   Hooks
	now     func() time.Time
	nextID  atomic.Uint64
	stopped atomic.Bool

	mu   sync.RWMutex
	subs map[domain.Topic]map[uint64]*Subscription

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// New constructs a Bus. Call Start before expecting deliveries.
func New(opts Options) *Bus {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	subBuf := opts.SubscriberBuffer
	if subBuf <= 0 {
		subBuf = defaultSubscriberBuffer
	}
	logger := opts.Logger
	if logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		logger = &l
	}
	hooks := opts.Hooks
	if hooks == nil {
		hooks = noopHooks{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Bus{
		inbox:  make(chan domain.Event, buffer),
		subBuf: subBuf,
		logger: logger,
		hooks:  hooks,
		now:    now,
		subs:   make(map[domain.Topic]map[uint64]*Subscription),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the dispatch loop. Calling it more than once is a no-op.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		go b.run()
	})
}

// Stop halts dispatch, delivers what is already queued, and closes every
// subscription. Publishing after Stop is a silent drop.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.quit)
		started := true
		b.startOnce.Do(func() { started = false })
		if started {
			<-b.done
		}
		b.closeAll()
	})
}

// Publish queues ev for delivery to the subscribers of topic without
// blocking. It reports false when the event was dropped because the bus is
// stopped or its queue is full.
func (b *Bus) Publish(topic domain.Topic, ev domain.Event) bool {
	ev.Topic = topic
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = b.now()
	}
	if b.stopped.Load() {
		b.hooks.EventDropped(string(topic))
		return false
	}
	select {
	case b.inbox <- ev:
		b.hooks.EventPublished(string(topic))
		return true
	default:
		b.hooks.EventDropped(string(topic))
		b.logger.Warn().
			Str("topic", string(topic)).
			Str("entity_id", ev.EntityID).
			Msg("eventbus: queue full, dropping event")
		return false
	}
}

// Subscribe registers interest in topic. Events published before the call
// are never delivered to it. A nil filter accepts every event.
func (b *Bus) Subscribe(topic domain.Topic, filter Filter) *Subscription {
	sub := &Subscription{
		id:     b.nextID.Add(1),
		topic:  topic,
		filter: filter,
		ch:     make(chan domain.Event, b.subBuf),
		bus:    b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped.Load() {
		sub.closeLocked(false)
		return sub
	}
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[uint64]*Subscription)
		b.subs[topic] = set
	}
	set[sub.id] = sub
	return sub
}

// SubscriberCount returns the number of live subscribers of topic.
func (b *Bus) SubscriberCount(topic domain.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		select {
		case ev := <-b.inbox:
			b.dispatch(ev)
		case <-b.quit:
			for {
				select {
				case ev := <-b.inbox:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev domain.Event) {
	var slow []*Subscription
	b.mu.RLock()
	for _, sub := range b.subs[ev.Topic] {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	b.mu.Lock()
	for _, sub := range slow {
		if b.removeLocked(sub) {
			sub.closeLocked(true)
			b.hooks.SubscriberDropped(string(sub.topic))
			b.logger.Warn().
				Str("topic", string(sub.topic)).
				Uint64("subscriber", sub.id).
				Msg("eventbus: subscriber buffer full, dropping subscriber")
		}
	}
	b.mu.Unlock()
}

func (b *Bus) removeLocked(sub *Subscription) bool {
	set := b.subs[sub.topic]
	if _, ok := set[sub.id]; !ok {
		return false
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(b.subs, sub.topic)
	}
	return true
}

func (b *Bus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, set := range b.subs {
		for _, sub := range set {
			sub.closeLocked(false)
		}
		delete(b.subs, topic)
	}
}

// Subscription is a handle yielding events until closed.
type Subscription struct {
	id      uint64
	topic   domain.Topic
	filter  Filter
	ch      chan domain.Event
	bus     *Bus
	closed  bool
	dropped atomic.Bool
}

// C returns the delivery channel. It is closed when the subscription ends,
// whether by Close, by the bus dropping a slow subscriber, or by Stop.
func (s *Subscription) C() <-chan domain.Event { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() domain.Topic { return s.topic }

// Dropped reports whether the bus ended the subscription because the
// consumer fell behind.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.removeLocked(s)
	s.closeLocked(false)
}

// closeLocked must run under the bus write lock so that no dispatch is
// sending on the channel concurrently.
func (s *Subscription) closeLocked(dropped bool) {
	if s.closed {
		return
	}
	s.closed = true
	if dropped {
		s.dropped.Store(true)
	}
	close(s.ch)
}
