package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("post not found")
	// ErrVoteClosed reports a vote write refused because the post left
	// pending (or never existed) by the time the statement ran.
	ErrVoteClosed = errors.New("voting closed")
)

// Config configures the repository.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Status is the lifecycle state of a post.
//
// "resolving" is the transient claim a sweep takes before computing the
// approval decision; it never survives a restart beyond the claim grace
// period. "approved"/"rejected" resolution outcomes are computed from vote
// tallies at claim time; only the terminal results are ever stored.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResolving Status = "resolving"
	StatusPosted    Status = "posted"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusPosted, StatusRejected, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Vote string

const (
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
)

// Post is one scheduled submission. Content, ScheduledAt and provenance are
// immutable after creation; only Status and ResultMessage change over the
// lifecycle.
type Post struct {
	ID            int64
	Content       string
	ScheduledAt   time.Time
	Status        Status
	OriginChat    int64
	MessageID     int // chat message carrying the approval buttons (0 until sent)
	Requester     string
	ResultMessage string
	HasImages     bool
	CreatedAt     time.Time
	ClaimedAt     time.Time // zero unless status is/was resolving
	FinishedAt    time.Time // zero until terminal
}

// PostImage is one stored attachment reference.
type PostImage struct {
	ID           int64
	PostID       int64
	Path         string
	OriginalName string
	Size         int64
}

// VoteCounts is the tally snapshot used for resolution and UI refresh.
type VoteCounts struct {
	Approvals  int
	Rejections int
}
