package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/storywatch/settings"
	"github.com/hazyhaar/storywatch/traverse"
)

// Runner is what the scheduler triggers. *Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, sink traverse.Sink) Summary
}

// IdleFunc reports how long the user has been idle. The desktop shell
// supplies a platform-specific implementation; AlwaysIdle suits headless
// deployments.
type IdleFunc func() time.Duration

// AlwaysIdle treats the machine as permanently idle.
func AlwaysIdle() time.Duration { return 24 * time.Hour }

// SchedulerConfig tunes periodic scanning.
type SchedulerConfig struct {
	// Interval between periodic trigger attempts. Default: 4h.
	Interval time.Duration
	// MinGap is the minimum time since the last run (manual or periodic)
	// before a periodic trigger fires. Default: 3.5h.
	MinGap time.Duration
	// IdleThreshold is how long the user must have been idle. Triggers
	// that fire while the user is present are held until idle. Default: 30m.
	IdleThreshold time.Duration
	// RecheckInterval is how often a held trigger re-tests idleness.
	// Default: 1m.
	RecheckInterval time.Duration

	Logger *slog.Logger
}

func (c *SchedulerConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 4 * time.Hour
	}
	if c.MinGap <= 0 {
		c.MinGap = 3*time.Hour + 30*time.Minute
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 30 * time.Minute
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Scheduler fires periodic scans, gated by the minimum gap and the idle
// threshold. Wake/unlock notifications are additional trigger
// opportunities subject to the same gating. The orchestrator's permit
// keeps a periodic trigger from overlapping a manual one.
type Scheduler struct {
	runner Runner
	store  settings.Store
	idle   IdleFunc
	wake   <-chan struct{}
	cfg    SchedulerConfig
	now    func() time.Time

	pending bool
}

// NewScheduler creates a Scheduler. wake may be nil when the host has no
// sleep/unlock signal to offer.
func NewScheduler(runner Runner, store settings.Store, idle IdleFunc, wake <-chan struct{}, cfg SchedulerConfig) *Scheduler {
	cfg.defaults()
	if idle == nil {
		idle = AlwaysIdle
	}
	return &Scheduler{
		runner: runner,
		store:  store,
		idle:   idle,
		wake:   wake,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Run blocks until ctx is cancelled, firing gated periodic scans.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	recheck := time.NewTicker(s.cfg.RecheckInterval)
	defer recheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(ctx)
		case <-s.wake:
			s.trigger(ctx)
		case <-recheck.C:
			// A trigger held back by user presence retries until idle.
			if s.pending {
				s.trigger(ctx)
			}
		}
	}
}

// trigger runs one gated scan attempt.
func (s *Scheduler) trigger(ctx context.Context) {
	log := s.cfg.Logger

	due, err := s.due(ctx)
	if err != nil {
		log.Warn("scan: scheduler gating check failed", "error", err)
		return
	}
	if !due {
		s.pending = false
		return
	}
	if s.idle() < s.cfg.IdleThreshold {
		if !s.pending {
			log.Debug("scan: periodic trigger held, user present")
		}
		s.pending = true
		return
	}
	s.pending = false

	summary := s.runner.Run(ctx, nil)
	if summary.Err == ErrBusy {
		log.Debug("scan: periodic trigger skipped, scan in progress")
		return
	}
	if err := settings.SetInt64(ctx, s.store, settings.KeyLastAutoScanTime, s.now().Unix()); err != nil {
		log.Warn("scan: persist auto scan time", "error", err)
	}
}

// due checks the enable flag and the minimum gap since the last run.
func (s *Scheduler) due(ctx context.Context) (bool, error) {
	enabled, err := settings.Bool(ctx, s.store, settings.KeyAutoScanEnabled, true)
	if err != nil || !enabled {
		return false, err
	}
	last, err := settings.Int64(ctx, s.store, settings.KeyLastScanTime, 0)
	if err != nil {
		return false, err
	}
	return s.now().Sub(time.Unix(last, 0)) >= s.cfg.MinGap, nil
}
