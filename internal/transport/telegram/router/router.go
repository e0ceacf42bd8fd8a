// Package router turns incoming chat updates into post lifecycle actions:
// scheduling, voting, cancelling and listing.
package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"postplanner/internal/images"
	"postplanner/internal/notify"
	rtsup "postplanner/internal/runtime/supervisor"
	"postplanner/internal/services/approvals"
	"postplanner/internal/storage"
	kit "postplanner/internal/transport"
	logx "postplanner/pkg/logx"
)

const (
	handlerTimeout = 30 * time.Second
	workerCount    = 4
)

// Deps are the services the router drives.
type Deps struct {
	Store     storage.Store
	Approvals *approvals.Service
	Images    *images.Manager
	Notifier  *notify.Service
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	deps    Deps
	now     func() time.Time

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, deps Deps) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:     log,
		adapter: adapter,
		deps:    deps,
		now:     time.Now,
		jobs:    make(chan func(), 256),
	}
}

// DispatchLoop consumes updates until ctx is done. Handlers run on a small
// worker pool so a slow publish confirmation or download never blocks voting.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)

	var closeOnce sync.Once
	closeJobs := func() { closeOnce.Do(func() { close(r.jobs) }) }

	for i := 0; i < workerCount; i++ {
		idx := i
		sup.Go0("router.worker."+strconv.Itoa(idx), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in update handler",
									logx.Int("worker", idx),
									logx.Any("panic", rec),
									logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		})
	}

	r.log.Info("update dispatcher started", logx.Int("workers", workerCount))

	for {
		select {
		case <-ctx.Done():
			closeJobs()
			wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = sup.Wait(wctx)
			cancel()
			r.log.Info("update dispatcher stopped")
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				closeJobs()
				wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				_ = sup.Wait(wctx)
				cancel()
				return nil
			}
			u := up
			select {
			case r.jobs <- func() { r.handle(ctx, u) }:
			default:
				r.log.Warn("update dropped (worker queue full)")
			}
		}
	}
}

func (r *Router) handle(parent context.Context, up kit.Update) {
	ctx, cancel := context.WithTimeout(parent, handlerTimeout)
	defer cancel()

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(ctx, up.Callback)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	cmd, args := splitCommand(text)
	switch cmd {
	case "post":
		r.handlePost(ctx, m, args)
	case "cancel":
		r.handleCancel(ctx, m, args)
	case "list":
		r.handleList(ctx, m)
	case "help", "start":
		r.handleHelp(ctx, m)
	default:
		// unknown commands are ignored so the bot stays quiet in busy groups
	}
}

// splitCommand extracts the command name (mention suffix stripped) and the
// remainder of the line.
func splitCommand(text string) (string, string) {
	rest := ""
	head := text
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		head, rest = text[:i], strings.TrimSpace(text[i+1:])
	}
	head = strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return strings.ToLower(head), rest
}

// identity is the stable voter/requester key. Numeric ID, not username:
// usernames change and can be unset.
func identity(fromID int64) string {
	return strconv.FormatInt(fromID, 10)
}

func (r *Router) reply(ctx context.Context, m *kit.Message, text string) {
	_, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID}, text, &kit.SendOptions{DisablePreview: true})
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", m.ChatID), logx.Err(err))
	}
}
