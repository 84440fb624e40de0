// Package ledger owns the user to post like relation and its counter.
package ledger

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/infra"
)

// Publisher is the bus capability the ledger needs.
type Publisher interface {
	Publish(topic domain.Topic, ev domain.Event) bool
}

// Recorder receives like counters. The metrics collector implements it.
type Recorder interface {
	LikeToggled(liked bool)
	LikeNoop()
}

type noopRecorder struct{}

func (noopRecorder) LikeToggled(bool) {}
func (noopRecorder) LikeNoop()        {}

// Ledger toggles likes. The record store arbitrates concurrent writers to the
// same edge through its uniqueness constraint and moves the counter in the
// same step; the ledger never locks.
type Ledger struct {
	posts    domain.PostRepository
	likes    domain.LikeRepository
	bus      Publisher
	recorder Recorder
	logger   *infra.Logger
	now      func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(l *infra.Logger) Option {
	return func(g *Ledger) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(g *Ledger) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithClock overrides the time source for edge timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Ledger) {
		if now != nil {
			g.now = now
		}
	}
}

// New constructs a Ledger.
func New(posts domain.PostRepository, likes domain.LikeRepository, bus Publisher, opts ...Option) *Ledger {
	discard := infra.Logger(zerolog.New(io.Discard))
	g := &Ledger{
		posts:    posts,
		likes:    likes,
		bus:      bus,
		recorder: noopRecorder{},
		logger:   &discard,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Toggle flips the like state of (userID, postID) and returns the resulting
// state with the authoritative count.
//
// Losing a create race to a concurrent like from the same user is not an
// error: the edge already exists, so the user is in the liked state and the
// current count is returned unchanged.
func (g *Ledger) Toggle(ctx context.Context, userID, postID string) (domain.LikeResult, error) {
	if userID == "" {
		return domain.LikeResult{}, domain.ErrUnauthorized
	}
	post, err := g.posts.GetByID(ctx, postID)
	if err != nil {
		return domain.LikeResult{}, err
	}
	if post.Status != domain.JobStatusCompleted {
		return domain.LikeResult{}, fmt.Errorf("post %s: %w", postID, domain.ErrNotFound)
	}

	exists, err := g.likes.Exists(ctx, userID, postID)
	if err != nil {
		return domain.LikeResult{}, fmt.Errorf("check like: %w", err)
	}
	if exists {
		return g.unlike(ctx, userID, postID)
	}
	return g.like(ctx, userID, postID)
}

// Status reports whether userID likes postID along with the stored count.
func (g *Ledger) Status(ctx context.Context, userID, postID string) (domain.LikeResult, error) {
	post, err := g.posts.GetByID(ctx, postID)
	if err != nil {
		return domain.LikeResult{}, err
	}
	liked := false
	if userID != "" {
		if liked, err = g.likes.Exists(ctx, userID, postID); err != nil {
			return domain.LikeResult{}, fmt.Errorf("check like: %w", err)
		}
	}
	return domain.LikeResult{PostID: postID, Liked: liked, Count: post.LikeCount, Version: post.LikeVersion}, nil
}

func (g *Ledger) like(ctx context.Context, userID, postID string) (domain.LikeResult, error) {
	tally, applied, err := g.likes.Like(ctx, domain.LikeEdge{UserID: userID, PostID: postID, CreatedAt: g.now().UTC()})
	if err != nil {
		return domain.LikeResult{}, fmt.Errorf("like: %w", err)
	}
	if !applied {
		g.recorder.LikeNoop()
		g.logger.Debug().Str("user_id", userID).Str("post_id", postID).Msg("ledger: duplicate like treated as no-op")
		return result(postID, true, tally), nil
	}
	return g.toggled(postID, true, tally), nil
}

func (g *Ledger) unlike(ctx context.Context, userID, postID string) (domain.LikeResult, error) {
	tally, applied, err := g.likes.Unlike(ctx, userID, postID)
	if err != nil {
		return domain.LikeResult{}, fmt.Errorf("unlike: %w", err)
	}
	if !applied {
		// a concurrent toggle already removed the edge
		g.recorder.LikeNoop()
		return result(postID, false, tally), nil
	}
	return g.toggled(postID, false, tally), nil
}

func (g *Ledger) toggled(postID string, liked bool, tally domain.LikeTally) domain.LikeResult {
	g.recorder.LikeToggled(liked)
	g.bus.Publish(domain.TopicLikeUpdated, domain.Event{
		EntityID: postID,
		Version:  tally.Version,
		Payload:  domain.LikeUpdated{PostID: postID, Count: tally.Count},
	})
	g.logger.Debug().
		Str("post_id", postID).
		Bool("liked", liked).
		Int("count", tally.Count).
		Int64("version", tally.Version).
		Msg("ledger: like toggled")
	return result(postID, liked, tally)
}

func result(postID string, liked bool, tally domain.LikeTally) domain.LikeResult {
	return domain.LikeResult{PostID: postID, Liked: liked, Count: tally.Count, Version: tally.Version}
}
