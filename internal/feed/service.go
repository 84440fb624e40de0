package feed

import (
	"context"
	"fmt"

	"github.com/champi-dev/aipics/internal/domain"
)

// Page is one slice of a descending feed.
type Page struct {
	Items      []domain.PostSummary `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
	HasMore    bool                 `json:"has_more"`
}

// Fetcher loads feed pages. Service implements it over the record store.
type Fetcher interface {
	ListFeed(ctx context.Context, filter domain.FeedFilter, cursor string, limit int) (Page, error)
}

// Service answers paged feed queries.
type Service struct {
	posts domain.PostRepository
}

// NewService constructs a feed service.
func NewService(posts domain.PostRepository) *Service {
	return &Service{posts: posts}
}

// ListFeed returns up to limit completed posts older than cursor, newest
// first. It asks the store for one extra row to learn whether another page
// exists, and derives the next cursor from the last row it returns.
func (s *Service) ListFeed(ctx context.Context, filter domain.FeedFilter, cursor string, limit int) (Page, error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	limit = ClampLimit(limit)

	posts, err := s.posts.ListFeed(ctx, domain.FeedQuery{Filter: filter, After: after, Limit: limit + 1})
	if err != nil {
		return Page{}, fmt.Errorf("list feed: %w", err)
	}

	page := Page{Items: make([]domain.PostSummary, 0, min(len(posts), limit))}
	if len(posts) > limit {
		page.HasMore = true
		posts = posts[:limit]
	}
	for _, p := range posts {
		page.Items = append(page.Items, p.Summary())
	}
	if page.HasMore && len(page.Items) > 0 {
		page.NextCursor = EncodeCursor(page.Items[len(page.Items)-1].SortKey())
	}
	return page, nil
}

// Count returns how many completed posts match filter.
func (s *Service) Count(ctx context.Context, filter domain.FeedFilter) (int, error) {
	n, err := s.posts.CountFeed(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count feed: %w", err)
	}
	return n, nil
}
