package domain

import "context"

// PostRepository persists posts and the jobs that produce them.
type PostRepository interface {
	Create(ctx context.Context, post *Post) error
	GetByID(ctx context.Context, id string) (*Post, error)
	// MarkGenerating moves a QUEUED post to GENERATING and stores the
	// provider handle. It reports false when the post was not QUEUED.
	MarkGenerating(ctx context.Context, id, externalJobID string) (bool, error)
	// Finalize moves a non-terminal post to a terminal status. It reports
	// false, without error, when the post was already terminal.
	Finalize(ctx context.Context, id string, result Finalization) (bool, error)
	ListUnfinished(ctx context.Context) ([]Post, error)
	// ListFeed returns completed posts matching q, newest first.
	ListFeed(ctx context.Context, q FeedQuery) ([]Post, error)
	CountFeed(ctx context.Context, filter FeedFilter) (int, error)
}

// Finalization carries the terminal state written by Finalize.
type Finalization struct {
	Status   JobStatus
	ImageRef string
	Cause    FailureCause
	Reason   string
}

// LikeRepository persists like edges together with the per-post counter.
// Like and Unlike change the edge and the counter in one atomic step: either
// both move or neither does.
type LikeRepository interface {
	// Like inserts the edge, increments the counter and bumps the like
	// version. applied is false when the edge already existed; the tally is
	// then the current one and nothing changed. A missing post is ErrNotFound.
	Like(ctx context.Context, edge LikeEdge) (tally LikeTally, applied bool, err error)
	// Unlike removes the edge, decrements the counter and bumps the like
	// version. applied is false when there was no edge to remove.
	Unlike(ctx context.Context, userID, postID string) (tally LikeTally, applied bool, err error)
	Exists(ctx context.Context, userID, postID string) (bool, error)
	CountByPost(ctx context.Context, postID string) (int, error)
}
