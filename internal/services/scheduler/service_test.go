package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postplanner/internal/storage"
	logx "postplanner/pkg/logx"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	posts []storage.Post
}

func (d *recordingDispatcher) Dispatch(_ context.Context, p storage.Post) {
	d.mu.Lock()
	d.posts = append(d.posts, p)
	d.mu.Unlock()
}

func (d *recordingDispatcher) dispatched() []storage.Post {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]storage.Post(nil), d.posts...)
}

func newTestSweep(t *testing.T, cfg Config) (*Service, storage.Store, *recordingDispatcher) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "posts.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	disp := &recordingDispatcher{}
	svc := New(cfg, st, disp, nil, nil, nil, logx.Nop())
	return svc, st, disp
}

func duePost(t *testing.T, st storage.Store, content string) int64 {
	t.Helper()
	id, err := st.CreatePost(context.Background(), storage.Post{
		Content:     content,
		ScheduledAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	return id
}

func TestSweepDispatchesApprovedPost(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestSweep(t, Config{Enabled: true})
	ctx := context.Background()

	id := duePost(t, st, "approved")
	require.NoError(t, st.RecordVote(ctx, id, "alice", storage.VoteApprove))
	require.NoError(t, st.RecordVote(ctx, id, "bob", storage.VoteApprove))
	require.NoError(t, st.RecordVote(ctx, id, "carol", storage.VoteReject))

	svc.sweep(ctx, time.Now())

	got := disp.dispatched()
	require.Len(t, got, 1)
	require.Equal(t, id, got[0].ID)

	// The claim stands until the dispatcher finalizes; a second sweep must
	// not pick the post up again.
	p, err := st.GetPost(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusResolving, p.Status)

	svc.sweep(ctx, time.Now())
	require.Len(t, disp.dispatched(), 1, "post dispatched twice")
}

func TestSweepRejectsTieByDefault(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestSweep(t, Config{Enabled: true})
	ctx := context.Background()

	id := duePost(t, st, "tied")
	require.NoError(t, st.RecordVote(ctx, id, "alice", storage.VoteApprove))
	require.NoError(t, st.RecordVote(ctx, id, "bob", storage.VoteReject))

	svc.sweep(ctx, time.Now())

	require.Empty(t, disp.dispatched())
	p, err := st.GetPost(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusRejected, p.Status)
	require.Contains(t, p.ResultMessage, "1 approve / 1 reject")
}

func TestSweepApproveOnTie(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestSweep(t, Config{Enabled: true, ApproveOnTie: true})
	ctx := context.Background()

	id := duePost(t, st, "tied but allowed")
	require.NoError(t, st.RecordVote(ctx, id, "alice", storage.VoteApprove))
	require.NoError(t, st.RecordVote(ctx, id, "bob", storage.VoteReject))

	svc.sweep(ctx, time.Now())
	require.Len(t, disp.dispatched(), 1)
}

func TestSweepRejectsUnvotedByDefault(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestSweep(t, Config{Enabled: true})
	ctx := context.Background()

	id := duePost(t, st, "nobody voted")
	svc.sweep(ctx, time.Now())

	require.Empty(t, disp.dispatched())
	p, err := st.GetPost(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusRejected, p.Status)
	require.Equal(t, "no votes at scheduled time", p.ResultMessage)
}

func TestSweepApproveUnvoted(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestSweep(t, Config{Enabled: true, ApproveUnvoted: true})
	ctx := context.Background()

	duePost(t, st, "nobody voted, policy approves")
	svc.sweep(ctx, time.Now())
	require.Len(t, disp.dispatched(), 1)
}

func TestSweepRejectsOnMajorityReject(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestSweep(t, Config{Enabled: true})
	ctx := context.Background()

	id := duePost(t, st, "downvoted")
	require.NoError(t, st.RecordVote(ctx, id, "alice", storage.VoteApprove))
	require.NoError(t, st.RecordVote(ctx, id, "bob", storage.VoteReject))
	require.NoError(t, st.RecordVote(ctx, id, "carol", storage.VoteReject))

	svc.sweep(ctx, time.Now())
	require.Empty(t, disp.dispatched())

	p, err := st.GetPost(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusRejected, p.Status)
}

func TestSweepIgnoresFutureAndNonPending(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestSweep(t, Config{Enabled: true, ApproveUnvoted: true})
	ctx := context.Background()

	_, err := st.CreatePost(ctx, storage.Post{Content: "future", ScheduledAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	cancelled := duePost(t, st, "cancelled")
	ok, err := st.CompareAndSetStatus(ctx, cancelled, storage.StatusPending, storage.StatusCancelled, "cancelled")
	require.NoError(t, err)
	require.True(t, ok)

	svc.sweep(ctx, time.Now())
	require.Empty(t, disp.dispatched())
}

func TestResolveApproved(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		c    storage.VoteCounts
		want bool
	}{
		{"majority approve", Config{}, storage.VoteCounts{Approvals: 2, Rejections: 1}, true},
		{"majority reject", Config{}, storage.VoteCounts{Approvals: 1, Rejections: 2}, false},
		{"tie rejects", Config{}, storage.VoteCounts{Approvals: 1, Rejections: 1}, false},
		{"tie with policy", Config{ApproveOnTie: true}, storage.VoteCounts{Approvals: 1, Rejections: 1}, true},
		{"unvoted rejects", Config{}, storage.VoteCounts{}, false},
		{"unvoted with policy", Config{ApproveUnvoted: true}, storage.VoteCounts{}, true},
		{"tie policy does not cover unvoted", Config{ApproveOnTie: true}, storage.VoteCounts{}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, resolveApproved(tt.cfg, tt.c))
		})
	}
}

func TestSweepRevertsClaimAgedPastGrace(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestSweep(t, Config{Enabled: true, ClaimGrace: 30 * time.Millisecond})
	ctx := context.Background()

	// A claim left behind by an interrupted dispatch, as after a crash and
	// quick restart.
	id := duePost(t, st, "stranded claim")
	require.NoError(t, st.RecordVote(ctx, id, "alice", storage.VoteApprove))
	claimed, err := st.CompareAndSetStatus(ctx, id, storage.StatusPending, storage.StatusResolving, "")
	require.NoError(t, err)
	require.True(t, claimed)

	// Within the grace the claim stands and the sweep leaves it alone.
	svc.sweep(ctx, time.Now())
	require.Empty(t, disp.dispatched())
	p, err := st.GetPost(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusResolving, p.Status)

	// Past the grace the next sweep releases the claim and re-resolves the
	// post in the same pass.
	time.Sleep(60 * time.Millisecond)
	svc.sweep(ctx, time.Now())
	got := disp.dispatched()
	require.Len(t, got, 1)
	require.Equal(t, id, got[0].ID)
}

type recordingHealth struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (h *recordingHealth) Verify(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.err
}

func (h *recordingHealth) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func TestHealthProbe(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "posts.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hc := &recordingHealth{}
	svc := New(Config{Enabled: true}, st, &recordingDispatcher{}, nil, nil, hc, logx.Nop())

	svc.checkHealth(context.Background())
	require.Equal(t, 1, hc.count())

	// A failing probe is reported, never fatal.
	hc.err = errors.New("credentials revoked")
	svc.checkHealth(context.Background())
	require.Equal(t, 2, hc.count())
}

func TestValidateSpec(t *testing.T) {
	t.Parallel()
	require.NoError(t, ValidateSpec("@every 30s"))
	require.NoError(t, ValidateSpec("*/30 * * * * *"))
	require.NoError(t, ValidateSpec("0 * * * *"))
	require.Error(t, ValidateSpec("every half hour"))
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	require.Equal(t, "@every 30s", cfg.SweepSpec)
	require.Equal(t, 5*time.Minute, cfg.ClaimGrace)
	require.Equal(t, "@daily", cfg.MaintenanceSpec)
	require.Equal(t, "@every 5m", cfg.HealthSpec)
	require.Equal(t, 72*time.Hour, cfg.ImageRetention)
	require.False(t, cfg.ApproveOnTie)
	require.False(t, cfg.ApproveUnvoted)
}
