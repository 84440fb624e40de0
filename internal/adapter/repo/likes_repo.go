package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/infra"
	"github.com/champi-dev/aipics/internal/sqlinline"
)

// LikeRepositoryPG implements domain.LikeRepository. The likes primary key
// enforces one edge per (user, post).
type LikeRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewLikeRepository creates a like repository backed by PostgreSQL.
func NewLikeRepository(sql infra.SQLExecutor) *LikeRepositoryPG {
	return &LikeRepositoryPG{sql: sql}
}

// Like inserts the edge and increments the counter in one statement.
func (r *LikeRepositoryPG) Like(ctx context.Context, edge domain.LikeEdge) (domain.LikeTally, bool, error) {
	created := edge.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return scanTally(r.sql.QueryRow(ctx, sqlinline.QLikePost, edge.UserID, edge.PostID, created))
}

// Unlike removes the edge and decrements the counter in one statement.
func (r *LikeRepositoryPG) Unlike(ctx context.Context, userID, postID string) (domain.LikeTally, bool, error) {
	return scanTally(r.sql.QueryRow(ctx, sqlinline.QUnlikePost, userID, postID))
}

func scanTally(row pgx.Row) (domain.LikeTally, bool, error) {
	var (
		count   int32
		version int64
		applied bool
	)
	if err := row.Scan(&count, &version, &applied); err != nil {
		return domain.LikeTally{}, false, translate(err)
	}
	return domain.LikeTally{Count: int(count), Version: version}, applied, nil
}

// Exists reports whether the edge exists.
func (r *LikeRepositoryPG) Exists(ctx context.Context, userID, postID string) (bool, error) {
	var ok bool
	if err := r.sql.QueryRow(ctx, sqlinline.QLikeExists, userID, postID).Scan(&ok); err != nil {
		return false, translate(err)
	}
	return ok, nil
}

// CountByPost counts the edges of a post.
func (r *LikeRepositoryPG) CountByPost(ctx context.Context, postID string) (int, error) {
	var n int64
	if err := r.sql.QueryRow(ctx, sqlinline.QCountLikesByPost, postID).Scan(&n); err != nil {
		return 0, translate(err)
	}
	return int(n), nil
}
