package approvals

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postplanner/internal/storage"
	logx "postplanner/pkg/logx"
)

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "posts.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logx.Nop()), st
}

func pendingPost(t *testing.T, st storage.Store) int64 {
	t.Helper()
	id, err := st.CreatePost(context.Background(), storage.Post{
		Content:     "x",
		ScheduledAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	return id
}

func TestRecordVoteTallies(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t)
	ctx := context.Background()
	id := pendingPost(t, st)

	c, err := svc.RecordVote(ctx, id, "alice", storage.VoteApprove)
	if err != nil {
		t.Fatalf("RecordVote: %v", err)
	}
	if c.Approvals != 1 || c.Rejections != 0 {
		t.Fatalf("tally = %+v, want 1/0", c)
	}

	// Re-voting the same side is a no-op.
	c, err = svc.RecordVote(ctx, id, "alice", storage.VoteApprove)
	if err != nil {
		t.Fatalf("RecordVote repeat: %v", err)
	}
	if c.Approvals != 1 || c.Rejections != 0 {
		t.Fatalf("tally after repeat = %+v, want 1/0", c)
	}

	// Switching sides moves the voter, never duplicates them.
	c, err = svc.RecordVote(ctx, id, "alice", storage.VoteReject)
	if err != nil {
		t.Fatalf("RecordVote switch: %v", err)
	}
	if c.Approvals != 0 || c.Rejections != 1 {
		t.Fatalf("tally after switch = %+v, want 0/1", c)
	}
}

func TestRecordVoteUnknownPost(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	_, err := svc.RecordVote(context.Background(), 404, "alice", storage.VoteApprove)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

// staleReadStore reports every post as pending, standing in for a status
// read that went stale while a sweep claimed the post.
type staleReadStore struct {
	storage.Store
}

func (s staleReadStore) GetPost(ctx context.Context, id int64) (*storage.Post, error) {
	p, err := s.Store.GetPost(ctx, id)
	if p == nil || err != nil {
		return p, err
	}
	stale := *p
	stale.Status = storage.StatusPending
	return &stale, nil
}

func TestRecordVoteRacingClaimIsRefused(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t)
	ctx := context.Background()
	id := pendingPost(t, st)

	if _, err := svc.RecordVote(ctx, id, "alice", storage.VoteApprove); err != nil {
		t.Fatalf("RecordVote: %v", err)
	}
	if ok, _ := st.CompareAndSetStatus(ctx, id, storage.StatusPending, storage.StatusResolving, ""); !ok {
		t.Fatal("claim failed")
	}

	// The status check passes on a stale read, but the guarded write still
	// refuses: no silent merge into a tally the sweep already consumed.
	racing := New(staleReadStore{st}, logx.Nop())
	if _, err := racing.RecordVote(ctx, id, "bob", storage.VoteReject); !errors.Is(err, ErrNotPending) {
		t.Fatalf("error = %v, want ErrNotPending", err)
	}
	c, err := svc.Counts(ctx, id)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Approvals != 1 || c.Rejections != 0 {
		t.Fatalf("tally mutated by racing vote: %+v", c)
	}
}

func TestRecordVoteAfterClaim(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t)
	ctx := context.Background()
	id := pendingPost(t, st)

	if _, err := svc.RecordVote(ctx, id, "alice", storage.VoteApprove); err != nil {
		t.Fatalf("RecordVote: %v", err)
	}
	if ok, _ := st.CompareAndSetStatus(ctx, id, storage.StatusPending, storage.StatusResolving, ""); !ok {
		t.Fatal("claim failed")
	}

	// Late votes are refused and the claim-time tally stays authoritative.
	if _, err := svc.RecordVote(ctx, id, "bob", storage.VoteReject); !errors.Is(err, ErrNotPending) {
		t.Fatalf("error = %v, want ErrNotPending", err)
	}
	c, err := svc.Counts(ctx, id)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Approvals != 1 || c.Rejections != 0 {
		t.Fatalf("tally mutated after claim: %+v", c)
	}
}

func TestWithdraw(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t)
	ctx := context.Background()
	id := pendingPost(t, st)

	if _, err := svc.RecordVote(ctx, id, "alice", storage.VoteApprove); err != nil {
		t.Fatalf("RecordVote: %v", err)
	}
	c, err := svc.Withdraw(ctx, id, "alice")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if c.Approvals != 0 || c.Rejections != 0 {
		t.Fatalf("tally after withdraw = %+v, want 0/0", c)
	}

	// Withdrawing a vote that was never cast is fine.
	if _, err := svc.Withdraw(ctx, id, "nobody"); err != nil {
		t.Fatalf("Withdraw absent: %v", err)
	}
}

func TestWithdrawAfterClaim(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t)
	ctx := context.Background()
	id := pendingPost(t, st)

	if _, err := svc.RecordVote(ctx, id, "alice", storage.VoteApprove); err != nil {
		t.Fatalf("RecordVote: %v", err)
	}
	if ok, _ := st.CompareAndSetStatus(ctx, id, storage.StatusPending, storage.StatusResolving, ""); !ok {
		t.Fatal("claim failed")
	}
	if _, err := svc.Withdraw(ctx, id, "alice"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("error = %v, want ErrNotPending", err)
	}
}
