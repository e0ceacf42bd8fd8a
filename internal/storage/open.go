package storage

import (
	"context"
	"time"

	logx "postplanner/pkg/logx"
)

// Store is the persistence API consumed by the services.
type Store interface {
	CreatePost(ctx context.Context, p Post) (int64, error)
	GetPost(ctx context.Context, id int64) (*Post, error)
	SetMessageRef(ctx context.Context, id int64, chatID int64, messageID int) error
	ListByStatus(ctx context.Context, statuses ...Status) ([]Post, error)
	ListDue(ctx context.Context, before time.Time, statuses ...Status) ([]Post, error)

	// CompareAndSetStatus atomically moves a post from one status to another.
	// It reports false (and no error) when the post was not in the expected
	// status, which is how concurrent claimants lose the race. resultMsg is
	// recorded only on terminal transitions.
	CompareAndSetStatus(ctx context.Context, id int64, from, to Status, resultMsg string) (bool, error)

	// ReleaseStaleClaims reverts resolving posts claimed before the cutoff
	// back to pending so a crashed sweep never strands a post.
	ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error)

	// RecordVote upserts a voter's vote. The write is guarded by the post's
	// pending status in the same statement; ErrVoteClosed reports a vote
	// that arrived after a claim (or for a post that does not exist).
	RecordVote(ctx context.Context, postID int64, voterID string, v Vote) error
	ClearVote(ctx context.Context, postID int64, voterID string) error
	CountVotes(ctx context.Context, postID int64) (VoteCounts, error)

	AddPostImage(ctx context.Context, img PostImage) (int64, error)
	PostImages(ctx context.Context, postID int64) ([]PostImage, error)

	Close() error
}

// Open initializes the sqlite-backed store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
