package domain

import "time"

// Topic names an event stream on the bus.
type Topic string

const (
	TopicJobUpdated  Topic = "job-updated"
	TopicPostCreated Topic = "post-created"
	TopicJobFailed   Topic = "job-failed"
	TopicLikeUpdated Topic = "like-updated"
)

// Topics lists every topic the core publishes.
var Topics = []Topic{TopicJobUpdated, TopicPostCreated, TopicJobFailed, TopicLikeUpdated}

// ParseTopic validates a client supplied topic name.
func ParseTopic(s string) (Topic, bool) {
	for _, t := range Topics {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Event is delivered at least once to every current subscriber of its topic.
// Version increases monotonically per EntityID; consumers drop anything older
// than what they already observed.
type Event struct {
	Topic       Topic     `json:"topic"`
	EntityID    string    `json:"entity_id"`
	Version     int64     `json:"version"`
	Payload     any       `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// JobUpdated is published when a job enters QUEUED or GENERATING.
type JobUpdated struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// PostCreated is published once when a job completes.
type PostCreated struct {
	Post PostSummary `json:"post"`
}

// JobFailed is published once when a job fails.
type JobFailed struct {
	JobID   string       `json:"job_id"`
	OwnerID string       `json:"owner_id"`
	Cause   FailureCause `json:"cause"`
	Reason  string       `json:"reason"`
}

// LikeUpdated carries the authoritative like count of a post.
type LikeUpdated struct {
	PostID string `json:"post_id"`
	Count  int    `json:"count"`
}
