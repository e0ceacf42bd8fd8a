// Package adapter binds the transport contract to Telegram via telebot.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "postplanner/internal/runtime/supervisor"
	kit "postplanner/internal/transport"
	logx "postplanner/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, stop watcher).
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop; reported periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: mapMessage(m, m.Text)})
		return nil
	})

	// Photo messages carry the command in the caption.
	a.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Photo == nil {
			return nil
		}
		km := mapMessage(m, m.Caption)
		km.PhotoIDs = []string{m.Photo.FileID}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: km})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil || cb.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:           cb.ID,
				ChatID:       m.Chat.ID,
				FromID:       cb.Sender.ID,
				FromUsername: cb.Sender.Username,
				MessageID:    m.ID,
				// telebot prefixes registered callbacks with "\f".
				Data: strings.TrimPrefix(cb.Data, "\f"),
			},
		})
		return nil
	})
}

func mapMessage(m *tele.Message, text string) *kit.Message {
	return &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         text,
		IsGroup:      m.Chat.Type != tele.ChatPrivate,
	}
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n))
				}
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// telebot's Start() blocks until Stop(); run it under a restart loop so
	// the adapter self-heals if the poll loop exits unexpectedly.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() == nil {
			return errors.New("poll loop exited")
		}
		return nil
	})

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if a.bot != nil {
		go a.bot.Stop()
	}
	if sup == nil {
		return nil
	}

	// Keep shutdown snappy even if the long-poll is still waiting.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	m, err := a.bot.Send(tele.ChatID(to.ChatID), text, mapOptions(opt))
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: m.Chat.ID, MessageID: m.ID}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(m, text, mapOptions(opt))
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

func (a *Adapter) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	rc, err := a.bot.File(&tele.File{FileID: fileID})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	// Telegram photo sizes are modest; bound the read anyway.
	const maxAttachment = 16 << 20
	b, err := io.ReadAll(io.LimitReader(rc, maxAttachment))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func mapOptions(opt *kit.SendOptions) *tele.SendOptions {
	o := &tele.SendOptions{}
	if opt == nil {
		return o
	}
	o.ParseMode = tele.ParseMode(opt.ParseMode)
	o.DisableWebPagePreview = opt.DisablePreview
	if rm, ok := opt.ReplyMarkup.(*tele.ReplyMarkup); ok {
		o.ReplyMarkup = rm
	}
	return o
}

// VoteMarkup builds the approve/reject inline keyboard for a post message.
// Returned as an opaque value for transport.SendOptions.ReplyMarkup.
func VoteMarkup(postID int64) any {
	approve := tele.InlineButton{Text: "👍 Approve", Data: fmt.Sprintf("vote:%d:approve", postID)}
	reject := tele.InlineButton{Text: "👎 Reject", Data: fmt.Sprintf("vote:%d:reject", postID)}
	clear := tele.InlineButton{Text: "↩ Withdraw vote", Data: fmt.Sprintf("vote:%d:clear", postID)}
	return &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{{approve, reject}, {clear}}}
}
