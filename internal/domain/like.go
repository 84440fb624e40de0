package domain

import "time"

// LikeEdge records that a user liked a post. At most one edge per
// (UserID, PostID) exists at a time; the record store enforces it.
type LikeEdge struct {
	UserID    string
	PostID    string
	CreatedAt time.Time
}

// LikeTally is a post's like counter together with its version.
type LikeTally struct {
	Count   int
	Version int64
}

// LikeResult is the authoritative outcome of a toggle.
type LikeResult struct {
	PostID  string `json:"post_id"`
	Liked   bool   `json:"liked"`
	Count   int    `json:"count"`
	Version int64  `json:"version"`
}
