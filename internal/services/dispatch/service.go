// Package dispatch performs the single publish attempt for an approved,
// claimed post and finalizes its status. There is no retry: a failed post is
// terminal and an operator must re-schedule.
package dispatch

import (
	"context"
	"time"

	"postplanner/internal/images"
	"postplanner/internal/notify"
	"postplanner/internal/publisher"
	"postplanner/internal/storage"
	logx "postplanner/pkg/logx"
)

type Config struct {
	// PublishTimeout bounds the external publish call. On timeout the
	// outcome is treated as unknown and the post is finalized as failed;
	// a claim must never be left standing. Default 45s.
	PublishTimeout time.Duration
}

type Service struct {
	cfg      Config
	store    storage.Store
	client   publisher.Client
	images   *images.Manager
	notifier *notify.Service
	log      logx.Logger
}

func New(cfg Config, store storage.Store, client publisher.Client, imgs *images.Manager, notifier *notify.Service, log logx.Logger) *Service {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 45 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, client: client, images: imgs, notifier: notifier, log: log}
}

// Dispatch publishes a post the scheduler has claimed and resolved as
// approved. The post arrives in resolving status; Dispatch always leaves it
// terminal (posted or failed).
func (s *Service) Dispatch(ctx context.Context, p storage.Post) {
	var paths []string
	if p.HasImages {
		imgs, err := s.store.PostImages(ctx, p.ID)
		if err != nil {
			s.finalizeFailed(ctx, p, "attachment lookup failed: "+err.Error())
			return
		}
		for _, img := range imgs {
			paths = append(paths, img.Path)
		}
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	publishID, err := s.client.Publish(pubCtx, p.Content, paths)
	cancel()

	if err != nil {
		s.finalizeFailed(ctx, p, err.Error())
		s.cleanup(paths)
		return
	}

	ok, err := s.store.CompareAndSetStatus(ctx, p.ID, storage.StatusResolving, storage.StatusPosted, publishID)
	if err != nil || !ok {
		// The publish went out but the record refused the transition. Log
		// loudly; the publish id would otherwise be lost.
		s.log.Error("posted finalization failed",
			logx.Int64("post_id", p.ID), logx.String("publish_id", publishID), logx.Err(err))
		return
	}

	s.log.Info("post published",
		logx.Int64("post_id", p.ID),
		logx.String("publish_id", publishID),
		logx.Int("images", len(paths)),
	)
	if s.notifier != nil {
		s.notifier.Notify(ctx, notify.Event{Kind: notify.EventPosted, PostID: p.ID, Detail: "publish id " + publishID})
	}
	s.cleanup(paths)
}

func (s *Service) finalizeFailed(ctx context.Context, p storage.Post, reason string) {
	ok, err := s.store.CompareAndSetStatus(ctx, p.ID, storage.StatusResolving, storage.StatusFailed, reason)
	if err != nil || !ok {
		s.log.Error("failed finalization failed", logx.Int64("post_id", p.ID), logx.Err(err))
		return
	}
	s.log.Warn("post publish failed", logx.Int64("post_id", p.ID), logx.String("reason", reason))
	if s.notifier != nil {
		s.notifier.Notify(ctx, notify.Event{Kind: notify.EventFailed, PostID: p.ID, Detail: reason})
	}
}

// cleanup removes attachment files once the post is terminal, never before.
func (s *Service) cleanup(paths []string) {
	if s.images == nil || len(paths) == 0 {
		return
	}
	s.images.Cleanup(paths)
}
