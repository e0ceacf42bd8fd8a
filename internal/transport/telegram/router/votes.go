package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"postplanner/internal/services/approvals"
	"postplanner/internal/storage"
	kit "postplanner/internal/transport"
	"postplanner/internal/transport/telegram/adapter"
	logx "postplanner/pkg/logx"
)

// handleCallback processes vote button taps. Data format: "vote:<id>:<action>"
// where action is approve, reject or clear.
func (r *Router) handleCallback(ctx context.Context, cb *kit.Callback) {
	parts := strings.Split(cb.Data, ":")
	if len(parts) != 3 || parts[0] != "vote" {
		r.answer(ctx, cb, "")
		return
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		r.answer(ctx, cb, "")
		return
	}
	voter := identity(cb.FromID)

	var counts storage.VoteCounts
	var ack string
	switch parts[2] {
	case "approve":
		counts, err = r.deps.Approvals.RecordVote(ctx, id, voter, storage.VoteApprove)
		ack = "Vote recorded: approve"
	case "reject":
		counts, err = r.deps.Approvals.RecordVote(ctx, id, voter, storage.VoteReject)
		ack = "Vote recorded: reject"
	case "clear":
		counts, err = r.deps.Approvals.Withdraw(ctx, id, voter)
		ack = "Vote withdrawn"
	default:
		r.answer(ctx, cb, "")
		return
	}

	switch {
	case errors.Is(err, approvals.ErrNotFound):
		r.answer(ctx, cb, "That post no longer exists.")
		return
	case errors.Is(err, approvals.ErrNotPending):
		r.answer(ctx, cb, "Voting is closed for this post.")
		return
	case err != nil:
		r.log.Error("vote failed", logx.Int64("post_id", id), logx.Err(err))
		r.answer(ctx, cb, "Something went wrong, try again.")
		return
	}

	r.answer(ctx, cb, ack)

	p, err := r.deps.Store.GetPost(ctx, id)
	if err != nil || p == nil {
		return
	}
	r.editVoteMessage(ctx, p, counts)
}

func (r *Router) answer(ctx context.Context, cb *kit.Callback, text string) {
	if err := r.adapter.AnswerCallback(ctx, cb.ID, text); err != nil {
		r.log.Debug("callback answer failed", logx.Err(err))
	}
}

// refreshVoteMessage re-renders the vote message from current state, e.g.
// after a cancel. Best effort.
func (r *Router) refreshVoteMessage(ctx context.Context, id int64) {
	p, err := r.deps.Store.GetPost(ctx, id)
	if err != nil || p == nil {
		return
	}
	counts, err := r.deps.Approvals.Counts(ctx, id)
	if err != nil {
		return
	}
	r.editVoteMessage(ctx, p, counts)
}

func (r *Router) editVoteMessage(ctx context.Context, p *storage.Post, counts storage.VoteCounts) {
	if p.MessageID == 0 {
		return
	}
	opt := &kit.SendOptions{DisablePreview: true}
	if p.Status == storage.StatusPending {
		opt.ReplyMarkup = adapter.VoteMarkup(p.ID)
	}
	ref := kit.MessageRef{ChatID: p.OriginChat, MessageID: p.MessageID}
	if err := r.adapter.EditText(ctx, ref, renderPost(p.ID, p.Content, p.ScheduledAt, counts, p.Status), opt); err != nil {
		r.log.Debug("vote message edit failed", logx.Int64("post_id", p.ID), logx.Err(err))
	}
}

func renderPost(id int64, content string, when time.Time, counts storage.VoteCounts, status storage.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Post #%d — %s\n\n", id, when.Format("2006-01-02 15:04"))
	b.WriteString(content)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "👍 %d · 👎 %d", counts.Approvals, counts.Rejections)
	if status != storage.StatusPending {
		fmt.Fprintf(&b, " · %s", status)
	}
	return b.String()
}
