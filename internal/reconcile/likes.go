package reconcile

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/eventbus"
	"github.com/champi-dev/aipics/internal/feed"
	"github.com/champi-dev/aipics/internal/infra"
)

// Toggler is the mutation a like session drives. ledger.Ledger implements it.
type Toggler interface {
	Toggle(ctx context.Context, userID, postID string) (domain.LikeResult, error)
}

// LikeView is the visible like state of one post for one user.
type LikeView struct {
	PostID  string `json:"post_id"`
	Liked   bool   `json:"liked"`
	Count   int    `json:"count"`
	Pending bool   `json:"pending"`
}

// LikeSession is one user's optimistic view of like state.
//
// The liked flag and the counter are reduced separately: the flag belongs to
// this user and only changes through its own toggles, while the counter is
// shared and also moves with like-updated events from everyone else. Both use
// the post like version, so a stale response or event never overwrites a
// newer count.
type LikeSession struct {
	userID string
	toggle Toggler
	logger *infra.Logger

	mu     sync.Mutex
	liked  *Registry[bool]
	counts *Registry[int]
}

// NewLikeSession constructs a session for userID. A nil logger discards.
func NewLikeSession(userID string, toggle Toggler, logger *infra.Logger) *LikeSession {
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &LikeSession{
		userID: userID,
		toggle: toggle,
		logger: logger,
		liked:  NewRegistry[bool](),
		counts: NewRegistry[int](),
	}
}

// Seed records authoritative state learned from a fetch, such as a feed page
// or a like status read.
func (s *LikeSession) Seed(r domain.LikeResult) {
	s.liked.Dispatch(r.PostID, Observe(r.Liked, r.Version))
	s.counts.Dispatch(r.PostID, Observe(r.Count, r.Version))
}

// Toggle shows the predicted state, calls the ledger and settles the
// prediction with its answer. On error the prediction is rolled back and the
// error is returned with the restored view.
func (s *LikeSession) Toggle(ctx context.Context, postID string) (LikeView, error) {
	s.mu.Lock()
	cur := s.viewLocked(postID)
	delta := 1
	if cur.Liked {
		delta = -1
	}
	s.liked.Dispatch(postID, Predict(!cur.Liked))
	s.counts.Dispatch(postID, Predict(max(0, cur.Count+delta)))
	s.mu.Unlock()

	res, err := s.toggle.Toggle(ctx, s.userID, postID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.liked.Dispatch(postID, Reject[bool]())
		s.counts.Dispatch(postID, Reject[int]())
		s.logger.Debug().Err(err).Str("user_id", s.userID).Str("post_id", postID).Msg("reconcile: like rolled back")
		return s.viewLocked(postID), err
	}
	s.liked.Dispatch(postID, Confirm(res.Liked, res.Version))
	s.counts.Dispatch(postID, Confirm(res.Count, res.Version))
	return s.viewLocked(postID), nil
}

// ApplyEvent folds a like-updated event into the counter. It reports whether
// the event was current, that is not older than what the session has seen.
func (s *LikeSession) ApplyEvent(ev domain.Event) bool {
	payload, ok := ev.Payload.(domain.LikeUpdated)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.counts.Dispatch(payload.PostID, Observe(payload.Count, ev.Version))
	return next.Version == ev.Version
}

// View returns the visible state of postID.
func (s *LikeSession) View(postID string) LikeView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(postID)
}

// Follow applies events from sub, normally a like-updated subscription,
// until ctx ends or sub closes. A dropped subscription yields
// feed.ErrSubscriptionDropped; the caller reseeds and follows again.
func (s *LikeSession) Follow(ctx context.Context, sub *eventbus.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				if sub.Dropped() {
					return feed.ErrSubscriptionDropped
				}
				return nil
			}
			s.ApplyEvent(ev)
		}
	}
}

func (s *LikeSession) viewLocked(postID string) LikeView {
	liked, _ := s.liked.Get(postID)
	count, _ := s.counts.Get(postID)
	return LikeView{
		PostID:  postID,
		Liked:   liked.Value,
		Count:   count.Value,
		Pending: !liked.Settled() || !count.Settled(),
	}
}
