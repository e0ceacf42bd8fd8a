package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postplanner/internal/notify"
	"postplanner/internal/storage"
	logx "postplanner/pkg/logx"
)

// Config controls the sweep loop and the resolution policy.
type Config struct {
	Enabled bool

	// SweepSpec is a cron spec or descriptor for the due-post sweep.
	// Default "@every 30s".
	SweepSpec string

	// ClaimGrace is how long a resolving claim may stand before restart
	// recovery reverts it to pending. Default 5m.
	ClaimGrace time.Duration

	// ApproveOnTie approves posts whose tally is tied (with at least one
	// vote). Default false: ties reject.
	ApproveOnTie bool

	// ApproveUnvoted approves posts that reach their due time with no votes
	// at all. Default false: unvoted posts reject.
	ApproveUnvoted bool

	// MaintenanceSpec triggers the image orphan sweep. Default "@daily".
	MaintenanceSpec string
	// HealthSpec triggers the periodic publisher credential probe.
	// Default "@every 5m".
	HealthSpec string
	// ImageRetention is the orphan age threshold. Default 72h.
	ImageRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepSpec == "" {
		c.SweepSpec = "@every 30s"
	}
	if c.ClaimGrace <= 0 {
		c.ClaimGrace = 5 * time.Minute
	}
	if c.MaintenanceSpec == "" {
		c.MaintenanceSpec = "@daily"
	}
	if c.HealthSpec == "" {
		c.HealthSpec = "@every 5m"
	}
	if c.ImageRetention <= 0 {
		c.ImageRetention = 72 * time.Hour
	}
	return c
}

// Dispatcher receives claimed, approved posts. It owns the terminal
// transition for everything it accepts.
type Dispatcher interface {
	Dispatch(ctx context.Context, p storage.Post)
}

// Janitor sweeps orphaned attachment files; wired to the maintenance cron job.
type Janitor interface {
	SweepOrphans(olderThan time.Duration) (int, error)
}

// Health probes the publishing platform's credentials between sweeps.
type Health interface {
	Verify(ctx context.Context) error
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store    storage.Store
	dispatch Dispatcher
	notifier *notify.Service
	janitor  Janitor
	health   Health
	log      logx.Logger

	parser cron.Parser
	c      *cron.Cron

	runCtx    context.Context
	runCancel context.CancelFunc

	// sweepMu enforces the skip-if-running overlap policy.
	sweepMu sync.Mutex
}
