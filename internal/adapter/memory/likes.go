package memory

import (
	"context"
	"sync"

	"github.com/champi-dev/aipics/internal/domain"
)

type likeKey struct {
	userID string
	postID string
}

// LikeRepository implements domain.LikeRepository. The map key plays the
// role of the (user_id, post_id) primary key. Counters live on the posts
// store; edge and counter change while mu is held, and the posts store never
// takes mu, so the two always move together.
type LikeRepository struct {
	posts *PostRepository
	mu    sync.Mutex
	edges map[likeKey]domain.LikeEdge
}

// NewLikeRepository constructs an empty repository whose counters live on
// posts.
func NewLikeRepository(posts *PostRepository) *LikeRepository {
	return &LikeRepository{posts: posts, edges: make(map[likeKey]domain.LikeEdge)}
}

// Like inserts the edge and increments the post counter.
func (r *LikeRepository) Like(_ context.Context, edge domain.LikeEdge) (domain.LikeTally, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := likeKey{edge.UserID, edge.PostID}
	if _, ok := r.edges[k]; ok {
		tally, err := r.posts.adjustLikes(edge.PostID, 0)
		return tally, false, err
	}
	tally, err := r.posts.adjustLikes(edge.PostID, 1)
	if err != nil {
		return domain.LikeTally{}, false, err
	}
	r.edges[k] = edge
	return tally, true, nil
}

// Unlike removes the edge and decrements the post counter.
func (r *LikeRepository) Unlike(_ context.Context, userID, postID string) (domain.LikeTally, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := likeKey{userID, postID}
	if _, ok := r.edges[k]; !ok {
		tally, err := r.posts.adjustLikes(postID, 0)
		return tally, false, err
	}
	tally, err := r.posts.adjustLikes(postID, -1)
	if err != nil {
		return domain.LikeTally{}, false, err
	}
	delete(r.edges, k)
	return tally, true, nil
}

// Exists reports whether the edge exists.
func (r *LikeRepository) Exists(_ context.Context, userID, postID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.edges[likeKey{userID, postID}]
	return ok, nil
}

// CountByPost counts edges pointing at postID.
func (r *LikeRepository) CountByPost(_ context.Context, postID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.edges {
		if k.postID == postID {
			n++
		}
	}
	return n, nil
}
