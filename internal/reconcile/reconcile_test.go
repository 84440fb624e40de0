package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/champi-dev/aipics/internal/adapter/memory"
	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/eventbus"
	"github.com/champi-dev/aipics/internal/feed"
	"github.com/champi-dev/aipics/internal/ledger"
)

func TestApply(t *testing.T) {
	seeded := State[int]{Value: 4, Confirmed: 4, Version: 4}

	cases := []struct {
		name    string
		actions []Action[int]
		want    State[int]
	}{
		{
			name:    "prediction is visible immediately",
			actions: []Action[int]{Predict(5)},
			want:    State[int]{Value: 5, Confirmed: 4, Version: 4, Pending: 1},
		},
		{
			name:    "confirm replaces prediction",
			actions: []Action[int]{Predict(5), Confirm(6, 6)},
			want:    State[int]{Value: 6, Confirmed: 6, Version: 6},
		},
		{
			name:    "reject restores pre-optimistic value",
			actions: []Action[int]{Predict(5), Reject[int]()},
			want:    State[int]{Value: 4, Confirmed: 4, Version: 4},
		},
		{
			name:    "stale event discarded",
			actions: []Action[int]{Observe(1, 2)},
			want:    seeded,
		},
		{
			name:    "duplicate event accepted",
			actions: []Action[int]{Observe(4, 4)},
			want:    seeded,
		},
		{
			name:    "event while pending keeps prediction visible",
			actions: []Action[int]{Predict(5), Observe(7, 7)},
			want:    State[int]{Value: 5, Confirmed: 7, Version: 7, Pending: 1},
		},
		{
			name:    "confirm older than a seen event settles on the newer value",
			actions: []Action[int]{Predict(5), Observe(7, 7), Confirm(5, 5)},
			want:    State[int]{Value: 7, Confirmed: 7, Version: 7},
		},
		{
			name:    "reject after event restores the newer authoritative value",
			actions: []Action[int]{Predict(5), Observe(3, 8), Reject[int]()},
			want:    State[int]{Value: 3, Confirmed: 3, Version: 8},
		},
		{
			name:    "stacked predictions settle one at a time",
			actions: []Action[int]{Predict(5), Predict(4), Confirm(5, 5)},
			want:    State[int]{Value: 4, Confirmed: 5, Version: 5, Pending: 1},
		},
		{
			name:    "stray reject is harmless",
			actions: []Action[int]{Reject[int]()},
			want:    seeded,
		},
		{
			name:    "unknown kind ignored",
			actions: []Action[int]{{Kind: 0, Value: 99, Version: 99}},
			want:    seeded,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Fold(seeded, tc.actions...))
		})
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	s := State[int]{Value: 1, Confirmed: 1, Version: 1}
	_ = Apply(s, Predict(2))
	_ = Apply(s, Observe(3, 3))
	assert.Equal(t, State[int]{Value: 1, Confirmed: 1, Version: 1}, s)
}

func TestShuffledEventsConverge(t *testing.T) {
	const n = 50
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 100; trial++ {
		var actions []Action[int]
		for v := 1; v <= n; v++ {
			actions = append(actions, Observe(v, int64(v)))
			if rng.Intn(4) == 0 {
				actions = append(actions, Observe(v, int64(v)))
			}
		}
		rng.Shuffle(len(actions), func(i, j int) { actions[i], actions[j] = actions[j], actions[i] })

		// an optimistic round trip lands somewhere in the stream
		at := rng.Intn(len(actions))
		mid := []Action[int]{Predict(-1)}
		actions = append(actions[:at], append(mid, actions[at:]...)...)
		v := rng.Intn(n) + 1
		actions = append(actions, Confirm(v, int64(v)))

		got := Fold(State[int]{}, actions...)
		require.Equal(t, n, got.Value, "trial %d", trial)
		require.Equal(t, int64(n), got.Version)
		require.True(t, got.Settled())
	}
}

func TestRegistryIsolatesEntities(t *testing.T) {
	r := NewRegistry[int]()
	r.Dispatch("a", Observe(3, 3))
	r.Dispatch("b", Predict(1))

	a, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 3, a.Value)
	b, _ := r.Get("b")
	assert.Equal(t, 1, b.Pending)

	_, ok = r.Get("c")
	assert.False(t, ok)
	r.Forget("a")
	assert.Equal(t, 1, r.Len())
}

type scriptedToggler struct {
	result domain.LikeResult
	err    error
	seen   chan LikeView
	s      *LikeSession
}

func (f *scriptedToggler) Toggle(_ context.Context, _, postID string) (domain.LikeResult, error) {
	if f.seen != nil {
		f.seen <- f.s.View(postID)
	}
	return f.result, f.err
}

func TestLikeSessionConfirms(t *testing.T) {
	fake := &scriptedToggler{
		result: domain.LikeResult{PostID: "p1", Liked: true, Count: 8, Version: 9},
		seen:   make(chan LikeView, 1),
	}
	s := NewLikeSession("u1", fake, nil)
	fake.s = s
	s.Seed(domain.LikeResult{PostID: "p1", Count: 6, Version: 7})

	view, err := s.Toggle(context.Background(), "p1")
	require.NoError(t, err)

	during := <-fake.seen
	assert.Equal(t, LikeView{PostID: "p1", Liked: true, Count: 7, Pending: true}, during)
	assert.Equal(t, LikeView{PostID: "p1", Liked: true, Count: 8}, view)
}

func TestLikeSessionRollsBackOnError(t *testing.T) {
	boom := errors.New("boom")
	s := NewLikeSession("u1", &scriptedToggler{err: boom}, nil)
	s.Seed(domain.LikeResult{PostID: "p1", Liked: true, Count: 3, Version: 3})

	view, err := s.Toggle(context.Background(), "p1")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, LikeView{PostID: "p1", Liked: true, Count: 3}, view)
}

func TestLikeSessionIgnoresStaleEvents(t *testing.T) {
	s := NewLikeSession("u1", &scriptedToggler{}, nil)
	assert.True(t, s.ApplyEvent(domain.Event{Version: 5, Payload: domain.LikeUpdated{PostID: "p1", Count: 5}}))
	assert.False(t, s.ApplyEvent(domain.Event{Version: 4, Payload: domain.LikeUpdated{PostID: "p1", Count: 4}}))
	assert.False(t, s.ApplyEvent(domain.Event{Version: 9, Payload: domain.JobUpdated{JobID: "p1"}}))
	assert.Equal(t, 5, s.View("p1").Count)
}

func TestConcurrentSessionsConverge(t *testing.T) {
	const users = 20
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	posts := memory.NewPostRepository(nil)
	require.NoError(t, posts.Create(ctx, &domain.Post{ID: "p1", OwnerID: "owner", Prompt: "a cat", Status: domain.JobStatusQueued}))
	_, err := posts.Finalize(ctx, "p1", domain.Finalization{Status: domain.JobStatusCompleted, ImageRef: "img"})
	require.NoError(t, err)

	bus := eventbus.New(eventbus.Options{SubscriberBuffer: 4 * users})
	bus.Start()
	defer bus.Stop()
	g := ledger.New(posts, memory.NewLikeRepository(posts), bus)

	sessions := make([]*LikeSession, users)
	for i := range sessions {
		sessions[i] = NewLikeSession(fmt.Sprintf("u%d", i), g, nil)
		sessions[i].Seed(domain.LikeResult{PostID: "p1"})
		sub := bus.Subscribe(domain.TopicLikeUpdated, nil)
		go func(s *LikeSession) { _ = s.Follow(ctx, sub) }(sessions[i])
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *LikeSession) {
			defer wg.Done()
			_, err := s.Toggle(ctx, "p1")
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for _, s := range sessions {
			if v := s.View("p1"); v.Count != users || !v.Liked || v.Pending {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := posts.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, users, stored.LikeCount)
}

func TestFollowReportsDrop(t *testing.T) {
	bus := eventbus.New(eventbus.Options{SubscriberBuffer: 1})
	bus.Start()
	defer bus.Stop()

	s := NewLikeSession("u1", &scriptedToggler{}, nil)
	sub := bus.Subscribe(domain.TopicLikeUpdated, nil)
	for v := int64(1); v <= 2; v++ {
		bus.Publish(domain.TopicLikeUpdated, domain.Event{EntityID: "p1", Version: v, Payload: domain.LikeUpdated{PostID: "p1", Count: int(v)}})
	}
	require.Eventually(t, sub.Dropped, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Follow(context.Background(), sub), feed.ErrSubscriptionDropped)
	assert.Equal(t, 1, s.View("p1").Count)
}
