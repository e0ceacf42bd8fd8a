// Package app wires configuration, storage, transport and the lifecycle
// services into one runnable unit.
package app

import (
	"context"
	"fmt"
	"time"

	"postplanner/internal/config"
	"postplanner/internal/images"
	"postplanner/internal/notify"
	"postplanner/internal/publisher"
	rtsup "postplanner/internal/runtime/supervisor"
	"postplanner/internal/services/approvals"
	"postplanner/internal/services/dispatch"
	"postplanner/internal/services/scheduler"
	"postplanner/internal/storage"
	kit "postplanner/internal/transport"
	telegram "postplanner/internal/transport/telegram/adapter"
	"postplanner/internal/transport/telegram/router"
	logx "postplanner/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	adapter kit.Adapter
	pub     *publisher.XClient
	imgs    *images.Manager
	notif   *notify.Service

	sched  *scheduler.Service
	disp   *dispatch.Service
	router *router.Router

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap logging with the chat sink disabled, set the target, then
	// apply the final config so enabling it never warns about a missing
	// target.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Chat.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))
	if cfg.Telegram.LogChatID != 0 {
		logSvc.SetChatTarget(cfg.Telegram.LogChatID)
	}
	logSvc.Apply(mapLogConfig(cfg))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	imgs, err := images.NewManager(cfg.Images.Dir, log.With(logx.String("comp", "images")))
	if err != nil {
		return nil, err
	}

	httpTimeout, err := config.ParseDurationOrDefault("publisher.http_timeout", cfg.Publisher.HTTPTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	pub, err := publisher.NewX(publisher.XConfig{
		APIKey:            cfg.Publisher.APIKey,
		APISecret:         cfg.Publisher.APISecret,
		AccessToken:       cfg.Publisher.AccessToken,
		AccessTokenSecret: cfg.Publisher.AccessTokenSecret,
		RatePerSec:        cfg.Publisher.RatePerSec,
		HTTPTimeout:       httpTimeout,
	}, log.With(logx.String("comp", "publisher")))
	if err != nil {
		return nil, err
	}

	notif := notify.New(ad, cfg.Telegram.LogChatID, log.With(logx.String("comp", "notify")))

	schedCfg, dispCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, store, pub, imgs, notif, log.With(logx.String("comp", "dispatch")))
	sched := scheduler.New(schedCfg, store, disp, notif, imgs, pub, log.With(logx.String("comp", "scheduler")))

	rt := router.New(log.With(logx.String("comp", "router")), ad, router.Deps{
		Store:     store,
		Approvals: approvals.New(store, log.With(logx.String("comp", "approvals"))),
		Images:    imgs,
		Notifier:  notif,
	})

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: ad,
		pub:     pub,
		imgs:    imgs,
		notif:   notif,
		sched:   sched,
		disp:    disp,
		router:  rt,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("publisher.http_timeout", cfg.Publisher.HTTPTimeout); err != nil {
			return err
		}
		if _, _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if s := cfg.Scheduler.Sweep; s != "" {
			if err := scheduler.ValidateSpec(s); err != nil {
				return fmt.Errorf("scheduler.sweep: invalid %q: %w", s, err)
			}
		}
		if s := cfg.Scheduler.HealthCheck; s != "" {
			if err := scheduler.ValidateSpec(s); err != nil {
				return fmt.Errorf("scheduler.health_check: invalid %q: %w", s, err)
			}
		}
		return nil
	})

	// Credential check is warn-only: a transient platform outage at boot
	// should not keep already-approved posts from being swept later.
	vctx, vcancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.pub.Verify(vctx); err != nil {
		a.log.Warn("publisher credential check failed", logx.Err(err))
	} else {
		a.log.Info("publisher credentials verified")
	}
	vcancel()

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		err := a.router.DispatchLoop(c, a.updates)
		if err == context.Canceled || c.Err() != nil {
			return nil
		}
		return err
	})

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the latest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload applies the hot-reloadable parts of a committed config: logging
// and the scheduler's resolution policy. Storage, transport and publisher
// credentials need a restart.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	if cfg.Telegram.LogChatID != 0 {
		a.logs.SetChatTarget(cfg.Telegram.LogChatID)
	} else {
		a.logs.SetChatTarget(0)
	}
	a.logs.Apply(mapLogConfig(cfg))

	schedCfg, _, err := mapSchedulerConfig(cfg)
	if err != nil {
		// Validator should have caught this; keep the previous policy.
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
		if !schedCfg.Enabled {
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		} else {
			// Start is a no-op when already running.
			if err := a.sched.Start(ctx); err != nil {
				a.log.Warn("scheduler start failed", logx.Err(err))
			}
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Scheduler first so no new dispatches begin while transport unwinds.
	a.sched.Stop(stopCtx)
	_ = a.adapter.Stop(stopCtx)
	_ = a.sup.Stop(stopCtx)

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close error", logx.Err(err))
	}
	_ = a.logs.Close()
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, dispatch.Config, error) {
	claimGrace, err := config.ParseDurationOrDefault("scheduler.claim_grace", cfg.Scheduler.ClaimGrace, 0)
	if err != nil {
		return scheduler.Config{}, dispatch.Config{}, err
	}
	publishTimeout, err := config.ParseDurationOrDefault("scheduler.publish_timeout", cfg.Scheduler.PublishTimeout, 0)
	if err != nil {
		return scheduler.Config{}, dispatch.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("images.retention", cfg.Images.Retention, 0)
	if err != nil {
		return scheduler.Config{}, dispatch.Config{}, err
	}
	sc := scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		SweepSpec:      cfg.Scheduler.Sweep,
		ClaimGrace:     claimGrace,
		ApproveOnTie:   cfg.Scheduler.ApproveOnTie,
		ApproveUnvoted: cfg.Scheduler.ApproveUnvoted,
		HealthSpec:     cfg.Scheduler.HealthCheck,
		ImageRetention: retention,
	}
	return sc, dispatch.Config{PublishTimeout: publishTimeout}, nil
}
