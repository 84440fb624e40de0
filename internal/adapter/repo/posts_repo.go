// Package repo implements the record store on PostgreSQL.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/infra"
	"github.com/champi-dev/aipics/internal/sqlinline"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// PostRepositoryPG implements domain.PostRepository.
type PostRepositoryPG struct {
	sql infra.SQLExecutor
	now func() time.Time
}

// NewPostRepository creates a post repository backed by PostgreSQL.
func NewPostRepository(sql infra.SQLExecutor) *PostRepositoryPG {
	return &PostRepositoryPG{sql: sql, now: time.Now}
}

// Create inserts a new post record.
func (r *PostRepositoryPG) Create(ctx context.Context, post *domain.Post) error {
	if post.CreatedAt.IsZero() {
		post.CreatedAt = r.now().UTC()
	}
	post.UpdatedAt = post.CreatedAt
	_, err := r.sql.Exec(ctx, sqlinline.QInsertPost,
		post.ID,
		post.OwnerID,
		post.Prompt,
		post.ExternalJobID,
		post.Provider,
		string(post.Status),
		post.ImageRef,
		post.CreatedAt,
	)
	return translate(err)
}

// GetByID fetches a post by its identifier.
func (r *PostRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Post, error) {
	p, err := scanPost(r.sql.QueryRow(ctx, sqlinline.QSelectPostByID, id))
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

// MarkGenerating moves a QUEUED post to GENERATING.
func (r *PostRepositoryPG) MarkGenerating(ctx context.Context, id, externalJobID string) (bool, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QMarkGenerating, id, externalJobID)
	if err != nil {
		return false, translate(err)
	}
	return r.applied(ctx, id, tag)
}

// Finalize writes the terminal state unless the post is already terminal.
func (r *PostRepositoryPG) Finalize(ctx context.Context, id string, result domain.Finalization) (bool, error) {
	if !result.Status.IsTerminal() {
		return false, fmt.Errorf("finalize %s with non-terminal status %s", id, result.Status)
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QFinalizePost,
		id,
		string(result.Status),
		result.ImageRef,
		string(result.Cause),
		result.Reason,
	)
	if err != nil {
		return false, translate(err)
	}
	return r.applied(ctx, id, tag)
}

// ListUnfinished returns every QUEUED or GENERATING post, oldest first.
func (r *PostRepositoryPG) ListUnfinished(ctx context.Context) ([]domain.Post, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListUnfinishedPosts)
	if err != nil {
		return nil, translate(err)
	}
	return collectPosts(rows)
}

// ListFeed returns completed posts older than q.After, newest first.
func (r *PostRepositoryPG) ListFeed(ctx context.Context, q domain.FeedQuery) ([]domain.Post, error) {
	var (
		afterTS *time.Time
		afterID string
	)
	if q.After != nil {
		ts := q.After.CreatedAt
		afterTS, afterID = &ts, q.After.ID
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListFeed, q.Filter.OwnerID, afterTS, afterID, q.Limit)
	if err != nil {
		return nil, translate(err)
	}
	return collectPosts(rows)
}

// CountFeed counts completed posts matching filter.
func (r *PostRepositoryPG) CountFeed(ctx context.Context, filter domain.FeedFilter) (int, error) {
	var n int64
	if err := r.sql.QueryRow(ctx, sqlinline.QCountFeed, filter.OwnerID).Scan(&n); err != nil {
		return 0, translate(err)
	}
	return int(n), nil
}

// applied distinguishes a guarded update that matched nothing because the
// post moved on from one that matched nothing because it does not exist.
func (r *PostRepositoryPG) applied(ctx context.Context, id string, tag pgconn.CommandTag) (bool, error) {
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := r.sql.QueryRow(ctx, sqlinline.QPostExists, id).Scan(&exists); err != nil {
		return false, translate(err)
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func scanPost(row pgx.Row) (*domain.Post, error) {
	var (
		p       domain.Post
		status  string
		cause   string
		likes   int32
		version int64
	)
	if err := row.Scan(
		&p.ID,
		&p.OwnerID,
		&p.Prompt,
		&p.ExternalJobID,
		&p.Provider,
		&status,
		&p.ImageRef,
		&cause,
		&p.FailureReason,
		&likes,
		&version,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = domain.JobStatus(status)
	p.FailureCause = domain.FailureCause(cause)
	p.LikeCount = int(likes)
	p.LikeVersion = version
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func collectPosts(rows pgx.Rows) ([]domain.Post, error) {
	defer rows.Close()
	var out []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// translate maps driver errors onto the domain taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%w: %s", domain.ErrDuplicate, pgErr.ConstraintName)
		case foreignKeyViolation:
			// a like or other child row pointing at a post that does not exist
			return fmt.Errorf("%w: %s", domain.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}
