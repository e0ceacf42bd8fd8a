// Package notify fans post lifecycle events out to the operator log chat.
// Delivery is best effort: a dead chat never blocks or fails a dispatch.
package notify

import (
	"context"
	"fmt"

	kit "postplanner/internal/transport"
	logx "postplanner/pkg/logx"
)

type EventKind string

const (
	EventScheduled EventKind = "scheduled"
	EventPosted    EventKind = "posted"
	EventRejected  EventKind = "rejected"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
	EventError     EventKind = "error"
)

type Event struct {
	Kind   EventKind
	PostID int64
	Detail string
}

type Service struct {
	adapter kit.Adapter
	target  kit.ChatTarget
	log     logx.Logger
}

// New builds the sink. A zero chat id (or nil adapter) disables chat delivery;
// events still land in the structured log.
func New(adapter kit.Adapter, logChatID int64, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{adapter: adapter, target: kit.ChatTarget{ChatID: logChatID}, log: log}
}

func (s *Service) Notify(ctx context.Context, ev Event) {
	s.log.Info("post event",
		logx.String("kind", string(ev.Kind)),
		logx.Int64("post_id", ev.PostID),
		logx.String("detail", ev.Detail),
	)

	if s.adapter == nil || s.target.ChatID == 0 {
		return
	}
	text := format(ev)
	if _, err := s.adapter.SendText(ctx, s.target, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		s.log.Warn("event notification send failed",
			logx.String("kind", string(ev.Kind)), logx.Int64("post_id", ev.PostID), logx.Err(err))
	}
}

func format(ev Event) string {
	var prefix string
	switch ev.Kind {
	case EventScheduled:
		prefix = "📝 Post scheduled"
	case EventPosted:
		prefix = "✅ Post published"
	case EventRejected:
		prefix = "👎 Post rejected"
	case EventFailed:
		prefix = "❌ Post failed"
	case EventCancelled:
		prefix = "🗑 Post cancelled"
	default:
		prefix = "⚠️ Scheduler error"
	}
	if ev.PostID > 0 {
		prefix = fmt.Sprintf("%s #%d", prefix, ev.PostID)
	}
	if ev.Detail == "" {
		return prefix
	}
	return prefix + "\n" + ev.Detail
}
