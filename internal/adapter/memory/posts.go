// Package memory is an in-process record store. It backs tests and the
// STORE_DRIVER=memory mode; data does not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/champi-dev/aipics/internal/domain"
)

// PostRepository implements domain.PostRepository over a map.
type PostRepository struct {
	mu    sync.RWMutex
	posts map[string]*domain.Post
	now   func() time.Time
}

// NewPostRepository constructs an empty repository. A nil now uses time.Now.
func NewPostRepository(now func() time.Time) *PostRepository {
	if now == nil {
		now = time.Now
	}
	return &PostRepository{posts: make(map[string]*domain.Post), now: now}
}

// Create inserts a new post.
func (r *PostRepository) Create(_ context.Context, post *domain.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.posts[post.ID]; ok {
		return domain.ErrDuplicate
	}
	cp := *post
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	r.posts[cp.ID] = &cp
	post.CreatedAt, post.UpdatedAt = cp.CreatedAt, cp.UpdatedAt
	return nil
}

// GetByID returns a copy of the post.
func (r *PostRepository) GetByID(_ context.Context, id string) (*domain.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.posts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// MarkGenerating moves a QUEUED post to GENERATING.
func (r *PostRepository) MarkGenerating(_ context.Context, id, externalJobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status != domain.JobStatusQueued {
		return false, nil
	}
	p.Status = domain.JobStatusGenerating
	p.ExternalJobID = externalJobID
	p.UpdatedAt = r.now().UTC()
	return true, nil
}

// Finalize writes the terminal state once.
func (r *PostRepository) Finalize(_ context.Context, id string, result domain.Finalization) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status.IsTerminal() {
		return false, nil
	}
	p.Status = result.Status
	p.ImageRef = result.ImageRef
	p.FailureCause = result.Cause
	p.FailureReason = result.Reason
	p.UpdatedAt = r.now().UTC()
	return true, nil
}

// ListUnfinished returns QUEUED and GENERATING posts, oldest first.
func (r *PostRepository) ListUnfinished(_ context.Context) ([]domain.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Post
	for _, p := range r.posts {
		if !p.Status.IsTerminal() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortKey().Before(out[j].SortKey()) })
	return out, nil
}

// ListFeed returns completed posts older than q.After, newest first.
func (r *PostRepository) ListFeed(_ context.Context, q domain.FeedQuery) ([]domain.Post, error) {
	r.mu.RLock()
	out := make([]domain.Post, 0, q.Limit)
	for _, p := range r.posts {
		if p.Status != domain.JobStatusCompleted || !q.Filter.Matches(p.OwnerID) {
			continue
		}
		if q.After != nil && !p.SortKey().Before(*q.After) {
			continue
		}
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[j].SortKey().Before(out[i].SortKey()) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// CountFeed counts completed posts matching filter.
func (r *PostRepository) CountFeed(_ context.Context, filter domain.FeedFilter) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.posts {
		if p.Status == domain.JobStatusCompleted && filter.Matches(p.OwnerID) {
			n++
		}
	}
	return n, nil
}

// adjustLikes adds delta to the counter, clamped at zero, and bumps the like
// version. A zero delta only reads the tally.
func (r *PostRepository) adjustLikes(postID string, delta int) (domain.LikeTally, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[postID]
	if !ok {
		return domain.LikeTally{}, domain.ErrNotFound
	}
	if delta != 0 {
		p.LikeCount += delta
		if p.LikeCount < 0 {
			p.LikeCount = 0
		}
		p.LikeVersion++
	}
	return domain.LikeTally{Count: p.LikeCount, Version: p.LikeVersion}, nil
}
