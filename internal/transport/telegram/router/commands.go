package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"postplanner/internal/images"
	"postplanner/internal/notify"
	"postplanner/internal/storage"
	"postplanner/internal/timeparse"
	kit "postplanner/internal/transport"
	"postplanner/internal/transport/telegram/adapter"
	logx "postplanner/pkg/logx"
)

const postUsage = `Usage: /post <when> | <text>
Attach up to 4 photos to the same message to include them.`

// handlePost schedules a new post: "/post <when> | <text>".
func (r *Router) handlePost(ctx context.Context, m *kit.Message, args string) {
	expr, content, ok := strings.Cut(args, "|")
	if !ok {
		r.reply(ctx, m, postUsage+"\n\n"+timeparse.SupportedFormats())
		return
	}
	expr = strings.TrimSpace(expr)
	content = strings.TrimSpace(content)
	if expr == "" || content == "" {
		r.reply(ctx, m, postUsage)
		return
	}

	now := r.now()
	when, err := timeparse.Parse(expr, now)
	switch {
	case errors.Is(err, timeparse.ErrPast):
		r.reply(ctx, m, fmt.Sprintf("%q is already in the past.", expr))
		return
	case err != nil:
		r.reply(ctx, m, fmt.Sprintf("Could not understand %q.\n\n%s", expr, timeparse.SupportedFormats()))
		return
	}

	photoIDs := m.PhotoIDs
	if len(photoIDs) > images.MaxPerPost {
		r.reply(ctx, m, fmt.Sprintf("At most %d photos per post; extra ones are ignored.", images.MaxPerPost))
		photoIDs = photoIDs[:images.MaxPerPost]
	}

	id, err := r.deps.Store.CreatePost(ctx, storage.Post{
		Content:     content,
		ScheduledAt: when,
		Status:      storage.StatusPending,
		OriginChat:  m.ChatID,
		Requester:   identity(m.FromID),
		HasImages:   len(photoIDs) > 0,
	})
	if err != nil {
		r.log.Error("create post failed", logx.Err(err))
		r.reply(ctx, m, "Could not save the post, try again.")
		return
	}

	saved := r.saveAttachments(ctx, id, m, photoIDs)
	if len(photoIDs) > 0 && saved == 0 {
		r.reply(ctx, m, "Photos could not be stored; the post will go out as text only.")
	}

	ref, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID},
		renderPost(id, content, when, storage.VoteCounts{}, storage.StatusPending),
		&kit.SendOptions{DisablePreview: true, ReplyMarkup: adapter.VoteMarkup(id)})
	if err != nil {
		r.log.Warn("vote message send failed", logx.Int64("post_id", id), logx.Err(err))
	} else if err := r.deps.Store.SetMessageRef(ctx, id, ref.ChatID, ref.MessageID); err != nil {
		r.log.Warn("message ref save failed", logx.Int64("post_id", id), logx.Err(err))
	}

	r.deps.Notifier.Notify(ctx, notify.Event{
		Kind:   notify.EventScheduled,
		PostID: id,
		Detail: when.Format("2006-01-02 15:04"),
	})
}

// saveAttachments downloads and stores each photo, returning how many stuck.
// A failed attachment is logged and skipped rather than failing the post.
func (r *Router) saveAttachments(ctx context.Context, postID int64, m *kit.Message, photoIDs []string) int {
	saved := 0
	for _, fid := range photoIDs {
		data, err := r.adapter.DownloadFile(ctx, fid)
		if err != nil {
			r.log.Warn("photo download failed", logx.Int64("post_id", postID), logx.Err(err))
			continue
		}
		name := m.PhotoName
		if name == "" {
			name = "photo.jpg" // Telegram photos are re-encoded to JPEG
		}
		st, err := r.deps.Images.Save(name, data)
		if err != nil {
			r.log.Warn("photo save failed", logx.Int64("post_id", postID), logx.Err(err))
			continue
		}
		if _, err := r.deps.Store.AddPostImage(ctx, storage.PostImage{
			PostID:       postID,
			Path:         st.Path,
			OriginalName: st.OriginalName,
			Size:         st.Size,
		}); err != nil {
			r.log.Warn("photo record failed", logx.Int64("post_id", postID), logx.Err(err))
			r.deps.Images.Cleanup([]string{st.Path})
			continue
		}
		saved++
	}
	return saved
}

// handleCancel withdraws a pending post: "/cancel <id>". Only the requester
// may cancel, and only while the post is still pending.
func (r *Router) handleCancel(ctx context.Context, m *kit.Message, args string) {
	id, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil || id <= 0 {
		r.reply(ctx, m, "Usage: /cancel <post id>")
		return
	}

	p, err := r.deps.Store.GetPost(ctx, id)
	if err != nil {
		r.log.Error("cancel lookup failed", logx.Int64("post_id", id), logx.Err(err))
		r.reply(ctx, m, "Could not look up that post, try again.")
		return
	}
	if p == nil {
		r.reply(ctx, m, fmt.Sprintf("No post #%d.", id))
		return
	}
	if p.Requester != identity(m.FromID) {
		r.reply(ctx, m, fmt.Sprintf("Only the requester can cancel post #%d.", id))
		return
	}

	ok, err := r.deps.Store.CompareAndSetStatus(ctx, id, storage.StatusPending, storage.StatusCancelled, "cancelled by requester")
	if err != nil {
		r.log.Error("cancel failed", logx.Int64("post_id", id), logx.Err(err))
		r.reply(ctx, m, "Could not cancel, try again.")
		return
	}
	if !ok {
		r.reply(ctx, m, fmt.Sprintf("Post #%d is no longer pending (%s).", id, p.Status))
		return
	}

	if p.HasImages {
		if imgs, err := r.deps.Store.PostImages(ctx, id); err == nil {
			paths := make([]string, 0, len(imgs))
			for _, img := range imgs {
				paths = append(paths, img.Path)
			}
			r.deps.Images.Cleanup(paths)
		}
	}

	r.refreshVoteMessage(ctx, id)
	r.deps.Notifier.Notify(ctx, notify.Event{Kind: notify.EventCancelled, PostID: id})
	r.reply(ctx, m, fmt.Sprintf("Post #%d cancelled.", id))
}

func (r *Router) handleList(ctx context.Context, m *kit.Message) {
	posts, err := r.deps.Store.ListByStatus(ctx, storage.StatusPending, storage.StatusResolving)
	if err != nil {
		r.log.Error("list failed", logx.Err(err))
		r.reply(ctx, m, "Could not list posts, try again.")
		return
	}
	if len(posts) == 0 {
		r.reply(ctx, m, "No posts waiting.")
		return
	}
	var b strings.Builder
	b.WriteString("Waiting posts:\n")
	for _, p := range posts {
		fmt.Fprintf(&b, "#%d — %s — %s\n", p.ID, p.ScheduledAt.Format("2006-01-02 15:04"), preview(p.Content, 48))
	}
	r.reply(ctx, m, b.String())
}

func (r *Router) handleHelp(ctx context.Context, m *kit.Message) {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("/post <when> | <text> — schedule a post (attach photos to include them)\n")
	b.WriteString("/cancel <id> — cancel your pending post\n")
	b.WriteString("/list — show waiting posts\n")
	b.WriteString("/help — this message\n\n")
	b.WriteString(timeparse.SupportedFormats())
	r.reply(ctx, m, b.String())
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
