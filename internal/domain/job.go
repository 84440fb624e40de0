package domain

import "time"

// JobStatus enumerates the generation lifecycle of a post.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusGenerating JobStatus = "GENERATING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Rank orders statuses so that transitions can only move forward.
// COMPLETED and FAILED share the terminal rank.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusQueued:
		return 1
	case JobStatusGenerating:
		return 2
	case JobStatusCompleted, JobStatusFailed:
		return 3
	default:
		return 0
	}
}

// IsTerminal reports whether no further transitions are permitted.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether s -> next is a legal forward step.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusGenerating || next.IsTerminal()
	case JobStatusGenerating:
		return next.IsTerminal()
	default:
		return false
	}
}

// FailureCause distinguishes why a job ended as FAILED.
type FailureCause string

const (
	FailureCauseNone     FailureCause = ""
	FailureCauseProvider FailureCause = "provider"
	FailureCauseTimeout  FailureCause = "timeout"
)

// Post is both the feed entry and the generation job that produces its image.
type Post struct {
	ID            string
	OwnerID       string
	Prompt        string
	ExternalJobID string
	Provider      string
	Status        JobStatus
	ImageRef      string
	FailureCause  FailureCause
	FailureReason string
	LikeCount     int
	LikeVersion   int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SortKey returns the keyset pagination position of the post.
func (p Post) SortKey() SortKey {
	return SortKey{CreatedAt: p.CreatedAt, ID: p.ID}
}

// Summary projects the post into its feed representation.
func (p Post) Summary() PostSummary {
	return PostSummary{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Prompt:      p.Prompt,
		ImageRef:    p.ImageRef,
		LikeCount:   p.LikeCount,
		LikeVersion: p.LikeVersion,
		CreatedAt:   p.CreatedAt,
	}
}

// View projects the post into the job status returned to pollers.
func (p Post) View() JobView {
	return JobView{
		ID:            p.ID,
		OwnerID:       p.OwnerID,
		Prompt:        p.Prompt,
		Status:        p.Status,
		ImageRef:      p.ImageRef,
		FailureCause:  p.FailureCause,
		FailureReason: p.FailureReason,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// PostSummary is the read-only feed entry for a completed post.
type PostSummary struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Prompt      string    `json:"prompt"`
	ImageRef    string    `json:"image_ref"`
	LikeCount   int       `json:"like_count"`
	LikeVersion int64     `json:"like_version"`
	CreatedAt   time.Time `json:"created_at"`
}

// SortKey returns the keyset pagination position of the summary.
func (s PostSummary) SortKey() SortKey {
	return SortKey{CreatedAt: s.CreatedAt, ID: s.ID}
}

// JobView is what getJobStatus exposes.
type JobView struct {
	ID            string       `json:"id"`
	OwnerID       string       `json:"owner_id"`
	Prompt        string       `json:"prompt"`
	Status        JobStatus    `json:"status"`
	ImageRef      string       `json:"image_ref,omitempty"`
	FailureCause  FailureCause `json:"failure_cause,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// SortKey is the (createdAt, id) position used by descending feeds.
type SortKey struct {
	CreatedAt time.Time
	ID        string
}

// Before reports whether k sorts strictly after other in a descending feed,
// i.e. k is older than other.
func (k SortKey) Before(other SortKey) bool {
	if !k.CreatedAt.Equal(other.CreatedAt) {
		return k.CreatedAt.Before(other.CreatedAt)
	}
	return k.ID < other.ID
}

// FeedFilter narrows a feed. The zero value is the global feed.
type FeedFilter struct {
	OwnerID string
}

// Matches reports whether a post belongs to the filtered feed.
func (f FeedFilter) Matches(ownerID string) bool {
	return f.OwnerID == "" || f.OwnerID == ownerID
}

// Key identifies the filter for window bookkeeping.
func (f FeedFilter) Key() string {
	if f.OwnerID == "" {
		return "all"
	}
	return "owner:" + f.OwnerID
}

// FeedQuery asks the record store for completed posts older than After,
// newest first.
type FeedQuery struct {
	Filter FeedFilter
	After  *SortKey
	Limit  int
}
