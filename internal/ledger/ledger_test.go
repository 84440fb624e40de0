package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/champi-dev/aipics/internal/adapter/memory"
	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/eventbus"
)

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(topic domain.Topic, ev domain.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev.Topic = topic
	b.events = append(b.events, ev)
	return true
}

func (b *recordingBus) snapshot() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Event(nil), b.events...)
}

func newFixture(t *testing.T) (*memory.PostRepository, *memory.LikeRepository) {
	t.Helper()
	posts := memory.NewPostRepository(nil)
	ctx := context.Background()
	require.NoError(t, posts.Create(ctx, &domain.Post{ID: "p1", OwnerID: "owner", Prompt: "a cat", Status: domain.JobStatusQueued}))
	_, err := posts.Finalize(ctx, "p1", domain.Finalization{Status: domain.JobStatusCompleted, ImageRef: "img"})
	require.NoError(t, err)
	return posts, memory.NewLikeRepository(posts)
}

func TestToggleTwiceRestoresOriginalState(t *testing.T) {
	posts, likes := newFixture(t)
	bus := &recordingBus{}
	g := New(posts, likes, bus)
	ctx := context.Background()

	first, err := g.Toggle(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.True(t, first.Liked)
	assert.Equal(t, 1, first.Count)

	second, err := g.Toggle(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.False(t, second.Liked)
	assert.Equal(t, first.Count-1, second.Count)
	assert.Greater(t, second.Version, first.Version)

	events := bus.snapshot()
	require.Len(t, events, 2)
	for i, ev := range events {
		assert.Equal(t, domain.TopicLikeUpdated, ev.Topic)
		assert.Equal(t, "p1", ev.EntityID)
		assert.Equal(t, int64(i+1), ev.Version)
	}
	assert.Equal(t, domain.LikeUpdated{PostID: "p1", Count: 0}, events[1].Payload)
}

// racingLikes reports that no edge exists although one does, which is what a
// concurrent like by the same user looks like from inside Toggle.
type racingLikes struct {
	*memory.LikeRepository
}

func (racingLikes) Exists(context.Context, string, string) (bool, error) { return false, nil }

func TestDuplicateLikeIsSilentNoop(t *testing.T) {
	posts, likes := newFixture(t)
	_, _, err := likes.Like(context.Background(), domain.LikeEdge{UserID: "u1", PostID: "p1"})
	require.NoError(t, err)

	bus := &recordingBus{}
	g := New(posts, racingLikes{likes}, bus)

	res, err := g.Toggle(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.True(t, res.Liked)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, int64(1), res.Version)
	assert.Empty(t, bus.snapshot(), "no event on idempotent no-op")

	post, _ := posts.GetByID(context.Background(), "p1")
	assert.Equal(t, 1, post.LikeCount)
}

// flakyLikes fails the next write with a connection error.
type flakyLikes struct {
	*memory.LikeRepository
	failNext bool
}

func (f *flakyLikes) Like(ctx context.Context, edge domain.LikeEdge) (domain.LikeTally, bool, error) {
	if f.failNext {
		f.failNext = false
		return domain.LikeTally{}, false, errors.New("conn reset")
	}
	return f.LikeRepository.Like(ctx, edge)
}

func (f *flakyLikes) Unlike(ctx context.Context, userID, postID string) (domain.LikeTally, bool, error) {
	if f.failNext {
		f.failNext = false
		return domain.LikeTally{}, false, errors.New("conn reset")
	}
	return f.LikeRepository.Unlike(ctx, userID, postID)
}

func TestFailedWriteKeepsCounterInStepWithEdges(t *testing.T) {
	posts, likes := newFixture(t)
	flaky := &flakyLikes{LikeRepository: likes, failNext: true}
	bus := &recordingBus{}
	g := New(posts, flaky, bus)
	ctx := context.Background()

	_, err := g.Toggle(ctx, "u1", "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conn reset")
	assert.Empty(t, bus.snapshot())

	res, err := g.Toggle(ctx, "u2", "p1")
	require.NoError(t, err)
	edges, _ := likes.CountByPost(ctx, "p1")
	assert.Equal(t, edges, res.Count)
	assert.Equal(t, 1, res.Count)

	flaky.failNext = true
	_, err = g.Toggle(ctx, "u2", "p1")
	require.Error(t, err)

	status, err := g.Status(ctx, "u2", "p1")
	require.NoError(t, err)
	assert.True(t, status.Liked, "a failed unlike leaves the like in place")
	edges, _ = likes.CountByPost(ctx, "p1")
	assert.Equal(t, edges, status.Count)
}

func TestToggleUnknownOrUnfinishedPost(t *testing.T) {
	posts, likes := newFixture(t)
	ctx := context.Background()
	require.NoError(t, posts.Create(ctx, &domain.Post{ID: "queued", Status: domain.JobStatusQueued}))
	g := New(posts, likes, &recordingBus{})

	_, err := g.Toggle(ctx, "u1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = g.Toggle(ctx, "u1", "queued")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = g.Toggle(ctx, "", "p1")
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
}

func TestConcurrentLikesConverge(t *testing.T) {
	const n = 50
	posts, likes := newFixture(t)
	bus := eventbus.New(eventbus.Options{SubscriberBuffer: n * 2})
	bus.Start()
	defer bus.Stop()
	sub := bus.Subscribe(domain.TopicLikeUpdated, nil)

	g := New(posts, likes, bus)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.Toggle(ctx, fmt.Sprintf("user-%d", i), "p1")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// apply events in whatever order they arrive, keeping the highest version
	var latest domain.Event
	for i := 0; i < n; i++ {
		select {
		case ev := <-sub.C():
			if ev.Version >= latest.Version {
				latest = ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d events", i, n)
		}
	}
	assert.Equal(t, int64(n), latest.Version)
	assert.Equal(t, n, latest.Payload.(domain.LikeUpdated).Count)

	status, err := g.Status(ctx, "user-0", "p1")
	require.NoError(t, err)
	assert.True(t, status.Liked)
	assert.Equal(t, n, status.Count)
	edges, _ := likes.CountByPost(ctx, "p1")
	assert.Equal(t, n, edges)
}
