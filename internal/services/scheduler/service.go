package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	"postplanner/internal/notify"
	"postplanner/internal/storage"
	logx "postplanner/pkg/logx"
)

// ValidateSpec checks a sweep or maintenance cron spec without starting
// anything. Used by config validation before a hot reload is committed.
func ValidateSpec(spec string) error {
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := p.Parse(spec)
	return err
}

func New(cfg Config, store storage.Store, dispatch Dispatcher, notifier *notify.Service, janitor Janitor, health Health, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		dispatch: dispatch,
		notifier: notifier,
		janitor:  janitor,
		health:   health,
		log:      log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled by config")
		return nil
	}

	// Restart recovery: posts claimed by a sweep that never finished go back
	// to pending for re-resolution.
	if n, err := s.store.ReleaseStaleClaims(ctx, s.cfg.ClaimGrace); err != nil {
		s.log.Warn("stale claim recovery failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("stale claims released", logx.Int("count", n))
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	runCtx := s.runCtx

	c := cron.New(cron.WithParser(s.parser))
	if _, err := c.AddFunc(s.cfg.SweepSpec, func() { s.safeSweep(runCtx) }); err != nil {
		s.runCancel()
		s.runCtx, s.runCancel = nil, nil
		return err
	}
	if s.janitor != nil {
		if _, err := c.AddFunc(s.cfg.MaintenanceSpec, func() { s.maintain(runCtx) }); err != nil {
			s.log.Warn("maintenance job not scheduled", logx.Err(err))
		}
	}
	if s.health != nil {
		if _, err := c.AddFunc(s.cfg.HealthSpec, func() { s.checkHealth(runCtx) }); err != nil {
			s.log.Warn("health check job not scheduled", logx.Err(err))
		}
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started",
		logx.String("sweep", s.cfg.SweepSpec),
		logx.Duration("claim_grace", s.cfg.ClaimGrace),
		logx.Bool("approve_on_tie", s.cfg.ApproveOnTie),
		logx.Bool("approve_unvoted", s.cfg.ApproveUnvoted),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCtx, s.runCancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	done := c.Stop().Done()
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply updates the resolution policy at runtime. A changed sweep spec takes
// effect on the next Start (sweep cadence is not hot-swapped).
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	running := s.c != nil
	old := s.cfg
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()

	if running && old.SweepSpec != s.policy().SweepSpec {
		s.log.Warn("sweep spec change requires restart to take effect",
			logx.String("old", old.SweepSpec), logx.String("new", cfg.SweepSpec))
	}
}

func (s *Service) policy() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) safeSweep(ctx context.Context) {
	// Overlap policy: skip if the previous sweep (possibly blocked on a slow
	// publish) is still running.
	if !s.sweepMu.TryLock() {
		s.log.Debug("sweep still running, skipping tick")
		return
	}
	defer s.sweepMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in sweep", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	s.sweep(ctx, time.Now())
}

// checkHealth probes the repository and the publisher credentials between
// sweeps so a revoked token or a wedged database shows up in the logs before
// a due post hits it.
func (s *Service) checkHealth(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if pending, err := s.store.ListByStatus(probeCtx, storage.StatusPending); err != nil {
		s.log.Warn("health check: repository probe failed", logx.Err(err))
	} else {
		s.log.Debug("health check: repository ok", logx.Int("pending", len(pending)))
	}

	if err := s.health.Verify(probeCtx); err != nil {
		s.log.Warn("health check: publisher probe failed", logx.Err(err))
		if s.notifier != nil {
			s.notifier.Notify(ctx, notify.Event{Kind: notify.EventError, Detail: "publisher health check failed: " + err.Error()})
		}
		return
	}
	s.log.Debug("health check: publisher ok")
}

func (s *Service) maintain(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg := s.policy()
	if _, err := s.janitor.SweepOrphans(cfg.ImageRetention); err != nil {
		s.log.Warn("image maintenance failed", logx.Err(err))
	}
}

// sweep performs one pass over due pending posts. Exposed to tests via the
// package-internal signature; production entry is the cron tick.
func (s *Service) sweep(ctx context.Context, now time.Time) {
	cfg := s.policy()

	// Claims whose dispatch never finished (crash, kill mid-publish) age out
	// here, not only at Start: a restart within the grace window would
	// otherwise leave the post resolving forever.
	if n, err := s.store.ReleaseStaleClaims(ctx, cfg.ClaimGrace); err != nil {
		s.log.Warn("stale claim recovery failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("stale claims released", logx.Int("count", n))
	}

	due, err := s.store.ListDue(ctx, now, storage.StatusPending)
	if err != nil {
		// Transient repository trouble: the next tick retries.
		s.log.Warn("due-post query failed, retrying next sweep", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	s.log.Debug("due posts found", logx.Int("count", len(due)))

	for _, p := range due {
		if ctx.Err() != nil {
			return
		}
		s.resolveOne(ctx, cfg, p)
	}
}

func (s *Service) resolveOne(ctx context.Context, cfg Config, p storage.Post) {
	claimed, err := s.store.CompareAndSetStatus(ctx, p.ID, storage.StatusPending, storage.StatusResolving, "")
	if err != nil {
		s.log.Warn("claim failed", logx.Int64("post_id", p.ID), logx.Err(err))
		return
	}
	if !claimed {
		// Another sweep or a cancellation won the race.
		s.log.Debug("claim conflict", logx.Int64("post_id", p.ID))
		return
	}

	counts, err := s.store.CountVotes(ctx, p.ID)
	if err != nil {
		// Can't resolve without the tally; release the claim and retry later.
		s.log.Warn("tally read failed, releasing claim", logx.Int64("post_id", p.ID), logx.Err(err))
		if _, err := s.store.CompareAndSetStatus(ctx, p.ID, storage.StatusResolving, storage.StatusPending, ""); err != nil {
			s.log.Error("claim release failed", logx.Int64("post_id", p.ID), logx.Err(err))
		}
		return
	}

	if resolveApproved(cfg, counts) {
		s.log.Info("post approved for dispatch",
			logx.Int64("post_id", p.ID),
			logx.Int("approvals", counts.Approvals),
			logx.Int("rejections", counts.Rejections),
		)
		s.dispatch.Dispatch(ctx, p)
		return
	}

	detail := rejectionDetail(counts)
	ok, err := s.store.CompareAndSetStatus(ctx, p.ID, storage.StatusResolving, storage.StatusRejected, detail)
	if err != nil || !ok {
		s.log.Error("rejected finalization failed", logx.Int64("post_id", p.ID), logx.Err(err))
		return
	}
	s.log.Info("post rejected", logx.Int64("post_id", p.ID), logx.String("reason", detail))
	if s.notifier != nil {
		s.notifier.Notify(ctx, notify.Event{Kind: notify.EventRejected, PostID: p.ID, Detail: detail})
	}
}

// resolveApproved computes the one-time approval decision from the tally that
// existed at claim time.
func resolveApproved(cfg Config, c storage.VoteCounts) bool {
	total := c.Approvals + c.Rejections
	switch {
	case total == 0:
		return cfg.ApproveUnvoted
	case c.Approvals == c.Rejections:
		return cfg.ApproveOnTie
	default:
		return c.Approvals > c.Rejections
	}
}

func rejectionDetail(c storage.VoteCounts) string {
	if c.Approvals+c.Rejections == 0 {
		return "no votes at scheduled time"
	}
	return fmt.Sprintf("vote tally %d approve / %d reject", c.Approvals, c.Rejections)
}
