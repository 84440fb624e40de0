package feed

import (
	"context"
	"errors"

	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/eventbus"
)

// ErrSubscriptionDropped tells a follower's owner that events were lost
// because the consumer fell behind. The window must be reloaded.
var ErrSubscriptionDropped = errors.New("feed: event subscription dropped")

// Subscriber is the bus capability the follower needs.
type Subscriber interface {
	Subscribe(topic domain.Topic, filter eventbus.Filter) *eventbus.Subscription
}

// Follower applies post-created and like-updated events to a window.
type Follower struct {
	window  *Window
	created *eventbus.Subscription
	likes   *eventbus.Subscription
}

// NewFollower subscribes immediately, so that loading the window right
// after construction cannot miss an event published in between.
func NewFollower(w *Window, bus Subscriber) *Follower {
	filter := w.Filter()
	return &Follower{
		window: w,
		created: bus.Subscribe(domain.TopicPostCreated, func(ev domain.Event) bool {
			pc, ok := ev.Payload.(domain.PostCreated)
			return ok && filter.Matches(pc.Post.OwnerID)
		}),
		likes: bus.Subscribe(domain.TopicLikeUpdated, nil),
	}
}

// Run applies events until ctx ends, the bus stops, or a subscription is
// dropped, in which case it returns ErrSubscriptionDropped.
func (f *Follower) Run(ctx context.Context) error {
	defer f.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-f.created.C():
			if !ok {
				return f.ended(f.created)
			}
			f.window.ApplyEvent(ev)
		case ev, ok := <-f.likes.C():
			if !ok {
				return f.ended(f.likes)
			}
			f.window.ApplyEvent(ev)
		}
	}
}

// Close releases both subscriptions.
func (f *Follower) Close() {
	f.created.Close()
	f.likes.Close()
}

func (f *Follower) ended(sub *eventbus.Subscription) error {
	if sub.Dropped() {
		return ErrSubscriptionDropped
	}
	return nil
}

// Follow subscribes w to bus and applies events until ctx ends. Callers that
// receive ErrSubscriptionDropped reload the window and follow again.
func Follow(ctx context.Context, w *Window, bus Subscriber) error {
	return NewFollower(w, bus).Run(ctx)
}
