package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/champi-dev/aipics/internal/domain"
)

func receive(t *testing.T, sub *Subscription) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event on %s", sub.Topic())
	}
	return domain.Event{}
}

func TestBusDeliversToAllSubscribersOfTopic(t *testing.T) {
	bus := New(Options{})
	bus.Start()
	defer bus.Stop()

	a := bus.Subscribe(domain.TopicLikeUpdated, nil)
	b := bus.Subscribe(domain.TopicLikeUpdated, nil)
	other := bus.Subscribe(domain.TopicJobFailed, nil)

	require.True(t, bus.Publish(domain.TopicLikeUpdated, domain.Event{EntityID: "p1", Version: 1}))

	for _, sub := range []*Subscription{a, b} {
		ev := receive(t, sub)
		assert.Equal(t, domain.TopicLikeUpdated, ev.Topic)
		assert.Equal(t, "p1", ev.EntityID)
		assert.False(t, ev.PublishedAt.IsZero())
	}
	select {
	case ev := <-other.C():
		t.Fatalf("unexpected event on other topic: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBusFilter(t *testing.T) {
	bus := New(Options{})
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe(domain.TopicJobUpdated, func(ev domain.Event) bool { return ev.EntityID == "job-2" })
	bus.Publish(domain.TopicJobUpdated, domain.Event{EntityID: "job-1", Version: 1})
	bus.Publish(domain.TopicJobUpdated, domain.Event{EntityID: "job-2", Version: 1})

	ev := receive(t, sub)
	assert.Equal(t, "job-2", ev.EntityID)
}

func TestBusLateSubscriberMissesEarlierEvents(t *testing.T) {
	bus := New(Options{})
	bus.Start()
	defer bus.Stop()

	early := bus.Subscribe(domain.TopicPostCreated, nil)
	bus.Publish(domain.TopicPostCreated, domain.Event{EntityID: "p1", Version: 3})
	receive(t, early)

	late := bus.Subscribe(domain.TopicPostCreated, nil)
	bus.Publish(domain.TopicPostCreated, domain.Event{EntityID: "p2", Version: 3})

	ev := receive(t, late)
	assert.Equal(t, "p2", ev.EntityID)
}

func TestBusPreservesPublishOrder(t *testing.T) {
	bus := New(Options{SubscriberBuffer: 16})
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe(domain.TopicJobUpdated, nil)
	for v := int64(1); v <= 3; v++ {
		bus.Publish(domain.TopicJobUpdated, domain.Event{EntityID: "job", Version: v})
	}
	for v := int64(1); v <= 3; v++ {
		assert.Equal(t, v, receive(t, sub).Version)
	}
}

type countingHooks struct {
	mu        sync.Mutex
	published int
	dropped   int
	subDrops  int
}

func (h *countingHooks) EventPublished(string) { h.mu.Lock(); h.published++; h.mu.Unlock() }
func (h *countingHooks) EventDropped(string)   { h.mu.Lock(); h.dropped++; h.mu.Unlock() }
func (h *countingHooks) SubscriberDropped(string) {
	h.mu.Lock()
	h.subDrops++
	h.mu.Unlock()
}

func TestBusDropsSlowSubscriber(t *testing.T) {
	hooks := &countingHooks{}
	bus := New(Options{SubscriberBuffer: 1, Hooks: hooks})
	bus.Start()
	defer bus.Stop()

	slow := bus.Subscribe(domain.TopicLikeUpdated, nil)
	fast := bus.Subscribe(domain.TopicLikeUpdated, nil)

	bus.Publish(domain.TopicLikeUpdated, domain.Event{EntityID: "p", Version: 1})
	receive(t, fast)
	bus.Publish(domain.TopicLikeUpdated, domain.Event{EntityID: "p", Version: 2})
	receive(t, fast)

	// slow still holds version 1 in its buffer; version 2 overflowed it.
	ev, ok := <-slow.C()
	require.True(t, ok)
	assert.Equal(t, int64(1), ev.Version)
	_, ok = <-slow.C()
	assert.False(t, ok, "dropped subscriber channel must be closed")
	assert.True(t, slow.Dropped())
	assert.False(t, fast.Dropped())
	assert.Equal(t, 1, bus.SubscriberCount(domain.TopicLikeUpdated))

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	assert.Equal(t, 1, hooks.subDrops)
	assert.Equal(t, 2, hooks.published)
}

func TestBusPublishNeverBlocks(t *testing.T) {
	hooks := &countingHooks{}
	bus := New(Options{Buffer: 2, Hooks: hooks})
	// not started: the inbox fills and further publishes are dropped.
	assert.True(t, bus.Publish(domain.TopicJobFailed, domain.Event{EntityID: "a"}))
	assert.True(t, bus.Publish(domain.TopicJobFailed, domain.Event{EntityID: "b"}))
	assert.False(t, bus.Publish(domain.TopicJobFailed, domain.Event{EntityID: "c"}))

	hooks.mu.Lock()
	assert.Equal(t, 1, hooks.dropped)
	hooks.mu.Unlock()
	bus.Stop()
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	bus := New(Options{})
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe(domain.TopicJobUpdated, nil)
	sub.Close()
	sub.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.False(t, sub.Dropped())
	assert.Equal(t, 0, bus.SubscriberCount(domain.TopicJobUpdated))
}

func TestBusStopClosesSubscriptions(t *testing.T) {
	bus := New(Options{})
	bus.Start()
	sub := bus.Subscribe(domain.TopicPostCreated, nil)
	bus.Publish(domain.TopicPostCreated, domain.Event{EntityID: "p1"})
	bus.Stop()

	// queued events are flushed before the channel closes
	ev, ok := <-sub.C()
	require.True(t, ok)
	assert.Equal(t, "p1", ev.EntityID)
	_, ok = <-sub.C()
	assert.False(t, ok)

	assert.False(t, bus.Publish(domain.TopicPostCreated, domain.Event{EntityID: "p2"}))
	after := bus.Subscribe(domain.TopicPostCreated, nil)
	_, ok = <-after.C()
	assert.False(t, ok)
}

type fakeRedis struct {
	mu       sync.Mutex
	messages map[string][][]byte
	notify   chan struct{}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	if f.messages == nil {
		f.messages = make(map[string][][]byte)
	}
	f.messages[channel] = append(f.messages[channel], message.([]byte))
	f.mu.Unlock()
	f.notify <- struct{}{}
	return redis.NewIntResult(1, nil)
}

func TestRedisRelayForwardsEvents(t *testing.T) {
	bus := New(Options{})
	bus.Start()
	defer bus.Stop()

	client := &fakeRedis{notify: make(chan struct{}, 4)}
	relay := NewRedisRelay(bus, client, "aipics:", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		return bus.SubscriberCount(domain.TopicLikeUpdated) == 1
	}, 2*time.Second, 5*time.Millisecond)

	bus.Publish(domain.TopicLikeUpdated, domain.Event{
		EntityID: "p1",
		Version:  4,
		Payload:  domain.LikeUpdated{PostID: "p1", Count: 2},
	})
	select {
	case <-client.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not publish")
	}

	client.mu.Lock()
	msgs := client.messages["aipics:like-updated"]
	client.mu.Unlock()
	require.Len(t, msgs, 1)

	var decoded struct {
		Topic    string `json:"topic"`
		EntityID string `json:"entity_id"`
		Version  int64  `json:"version"`
		Payload  struct {
			Count int `json:"count"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msgs[0], &decoded))
	assert.Equal(t, "like-updated", decoded.Topic)
	assert.Equal(t, int64(4), decoded.Version)
	assert.Equal(t, 2, decoded.Payload.Count)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
