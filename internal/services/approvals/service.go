// Package approvals reconciles reaction events into per-post vote tallies.
//
// Votes only ever mutate pending posts. A vote landing after a sweep has
// claimed the post is benign: it is refused with ErrNotPending, logged, and
// the tally the sweep read stays authoritative.
package approvals

import (
	"context"
	"errors"

	"postplanner/internal/storage"
	logx "postplanner/pkg/logx"
)

var (
	ErrNotFound   = errors.New("post not found")
	ErrNotPending = errors.New("post is no longer pending")
)

type Service struct {
	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log}
}

// RecordVote upserts a voter's vote on a pending post and returns the fresh
// tally. Switching sides moves the voter atomically; re-voting the same side
// is a no-op.
func (s *Service) RecordVote(ctx context.Context, postID int64, voterID string, v storage.Vote) (storage.VoteCounts, error) {
	p, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return storage.VoteCounts{}, err
	}
	if p == nil {
		return storage.VoteCounts{}, ErrNotFound
	}
	if p.Status != storage.StatusPending {
		s.log.Debug("vote on non-pending post ignored",
			logx.Int64("post_id", postID),
			logx.String("voter", voterID),
			logx.String("status", string(p.Status)),
		)
		return storage.VoteCounts{}, ErrNotPending
	}

	if err := s.store.RecordVote(ctx, postID, voterID, v); err != nil {
		if errors.Is(err, storage.ErrVoteClosed) {
			// A sweep claimed the post between the status read and the write.
			s.log.Debug("vote lost race with a claim",
				logx.Int64("post_id", postID),
				logx.String("voter", voterID),
			)
			return storage.VoteCounts{}, ErrNotPending
		}
		return storage.VoteCounts{}, err
	}
	s.log.Debug("vote recorded",
		logx.Int64("post_id", postID),
		logx.String("voter", voterID),
		logx.String("vote", string(v)),
	)
	return s.store.CountVotes(ctx, postID)
}

// Withdraw removes a voter's vote from a pending post.
func (s *Service) Withdraw(ctx context.Context, postID int64, voterID string) (storage.VoteCounts, error) {
	p, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return storage.VoteCounts{}, err
	}
	if p == nil {
		return storage.VoteCounts{}, ErrNotFound
	}
	if p.Status != storage.StatusPending {
		return storage.VoteCounts{}, ErrNotPending
	}
	if err := s.store.ClearVote(ctx, postID, voterID); err != nil {
		return storage.VoteCounts{}, err
	}
	return s.store.CountVotes(ctx, postID)
}

// Counts returns the current tally without mutating anything.
func (s *Service) Counts(ctx context.Context, postID int64) (storage.VoteCounts, error) {
	return s.store.CountVotes(ctx, postID)
}
