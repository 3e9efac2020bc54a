// Package scan sequences traversal runs: precondition checks, ledger
// snapshots around the run, the new-since delta, history rotation, and
// scheduling.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/storywatch/audit"
	"github.com/hazyhaar/storywatch/idgen"
	"github.com/hazyhaar/storywatch/ledger"
	"github.com/hazyhaar/storywatch/settings"
	"github.com/hazyhaar/storywatch/traverse"
)

// ErrBusy is returned when a scan is already in progress. Manual and
// periodic triggers share the same single-slot permit.
var ErrBusy = errors.New("scan: already in progress")

// ErrNoCredential is the precondition failure for a missing classifier key.
var ErrNoCredential = errors.New("scan: no classifier API key configured")

// Traverser runs one feed traversal. *traverse.Engine satisfies it.
type Traverser interface {
	Run(ctx context.Context, sink traverse.Sink) (traverse.Result, error)
}

// EngineFactory builds a fresh Traverser for one run. The factory receives
// the credential read at run start so a key changed in settings takes
// effect on the next run without restarting the process.
type EngineFactory func(apiKey string) Traverser

// Summary is the outcome of one run.
type Summary struct {
	RunID      string
	StoryCount int
	EventCount int
	NewCount   int
	Err        error
}

// Config configures the orchestrator.
type Config struct {
	// SessionFile is the artifact whose existence means "logged in".
	// Empty disables the check (tests).
	SessionFile string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Orchestrator sequences one traversal at a time. Reentrancy is excluded
// by a single-slot permit, not a lock: acquisition is a compare-and-swap
// and release is deferred so the permit cannot stay stuck on any exit
// path, panic included.
type Orchestrator struct {
	newEngine EngineFactory
	ledger    *ledger.Ledger
	store     settings.Store
	auditLog  *audit.Logger // optional
	cfg       Config
	busy      atomic.Bool
	newID     idgen.Generator
	now       func() time.Time
}

// New creates an Orchestrator. auditLog may be nil.
func New(newEngine EngineFactory, ldg *ledger.Ledger, store settings.Store, auditLog *audit.Logger, cfg Config) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		newEngine: newEngine,
		ledger:    ldg,
		store:     store,
		auditLog:  auditLog,
		cfg:       cfg,
		newID:     idgen.Prefixed("run_", idgen.Default),
		now:       time.Now,
	}
}

// Busy reports whether a run holds the permit.
func (o *Orchestrator) Busy() bool { return o.busy.Load() }

// Run executes one scan. Errors are captured in Summary.Err rather than
// returned: precondition failures block the run before any side effect,
// run-level failures carry the partial counts the traversal reached.
func (o *Orchestrator) Run(ctx context.Context, sink traverse.Sink) Summary {
	if !o.busy.CompareAndSwap(false, true) {
		return Summary{Err: ErrBusy}
	}
	defer o.busy.Store(false)

	summary := Summary{RunID: o.newID()}
	log := o.cfg.Logger

	// Preconditions: both are user-actionable and must fail before any
	// side effect. Blocked attempts do not go through finish() — nothing
	// ran, so the run clock and counters must not move.
	if o.cfg.SessionFile != "" {
		if _, err := os.Stat(o.cfg.SessionFile); err != nil {
			summary.Err = traverse.ErrNoSession
			o.block(ctx, &summary)
			return summary
		}
	}
	apiKey, err := o.store.Get(ctx, settings.KeyAPIKey, "")
	if err != nil {
		summary.Err = err
		o.block(ctx, &summary)
		return summary
	}
	if apiKey == "" {
		summary.Err = ErrNoCredential
		o.block(ctx, &summary)
		return summary
	}

	prior, err := o.ledger.Snapshot(ctx)
	if err != nil {
		summary.Err = err
		o.block(ctx, &summary)
		return summary
	}

	o.record(ctx, summary.RunID, "scan_started", "", true)
	log.Info("scan: starting", "run_id", summary.RunID)

	res, runErr := o.newEngine(apiKey).Run(ctx, sink)
	summary.StoryCount = res.StoryCount
	summary.EventCount = res.EventCount

	if runErr != nil {
		// No partial credit: the ledger is only recomputed after a
		// completed run, so a mid-run failure cannot rotate history or
		// move the new-since baseline.
		summary.Err = runErr
		o.finish(ctx, &summary)
		return summary
	}

	after, err := o.ledger.Snapshot(ctx)
	if err != nil {
		summary.Err = err
		o.finish(ctx, &summary)
		return summary
	}
	summary.NewCount = ledger.ComputeNewSince(after.Known, prior)

	if summary.NewCount > 0 {
		if err := o.ledger.RotateHistory(ctx); err != nil {
			log.Warn("scan: history rotation failed", "error", err)
		} else {
			o.record(ctx, summary.RunID, "history_rotated", "", true)
		}
	}

	o.finish(ctx, &summary)
	return summary
}

// block records an attempt stopped before the engine launched. Only
// lastError is persisted so the UI can explain the failure; lastScanTime
// stays put, otherwise a blocked attempt would push the scheduler's next
// periodic trigger out by the full minimum gap.
func (o *Orchestrator) block(ctx context.Context, summary *Summary) {
	log := o.cfg.Logger
	if err := o.store.Set(ctx, settings.KeyLastError, summary.Err.Error()); err != nil {
		log.Warn("scan: persist last error", "error", err)
	}
	o.record(ctx, summary.RunID, "scan_blocked", summary.Err.Error(), false)
	log.Warn("scan: blocked before start", "run_id", summary.RunID, "error", summary.Err)
}

// finish persists the run outcome to settings and the audit log. Summary
// state is already final; persistence failures are logged, not raised.
func (o *Orchestrator) finish(ctx context.Context, summary *Summary) {
	log := o.cfg.Logger

	if err := settings.SetInt64(ctx, o.store, settings.KeyLastScanTime, o.now().Unix()); err != nil {
		log.Warn("scan: persist last scan time", "error", err)
	}
	if err := settings.SetInt64(ctx, o.store, settings.KeyLastStoryCount, int64(summary.StoryCount)); err != nil {
		log.Warn("scan: persist story count", "error", err)
	}
	if err := settings.SetInt64(ctx, o.store, settings.KeyLastEventCount, int64(summary.EventCount)); err != nil {
		log.Warn("scan: persist event count", "error", err)
	}
	lastErr := ""
	if summary.Err != nil {
		lastErr = summary.Err.Error()
	}
	if err := o.store.Set(ctx, settings.KeyLastError, lastErr); err != nil {
		log.Warn("scan: persist last error", "error", err)
	}

	if summary.Err != nil {
		o.record(ctx, summary.RunID, "scan_failed", lastErr, false)
		log.Warn("scan: run failed", "run_id", summary.RunID,
			"stories", summary.StoryCount, "events", summary.EventCount,
			"error", summary.Err)
		return
	}
	detail, _ := json.Marshal(map[string]int{
		"stories": summary.StoryCount,
		"events":  summary.EventCount,
		"new":     summary.NewCount,
	})
	o.record(ctx, summary.RunID, "scan_completed", string(detail), true)
	log.Info("scan: run completed", "run_id", summary.RunID,
		"stories", summary.StoryCount, "events", summary.EventCount,
		"new", summary.NewCount)
}

func (o *Orchestrator) record(ctx context.Context, runID, kind, detail string, success bool) {
	if o.auditLog == nil {
		return
	}
	o.auditLog.Record(ctx, audit.Event{RunID: runID, Kind: kind, Detail: detail, Success: success})
}

// String renders a Summary for logs and the legacy progress line protocol.
func (s Summary) String() string {
	if s.Err != nil {
		return fmt.Sprintf("scan failed after %d stories: %v", s.StoryCount, s.Err)
	}
	return fmt.Sprintf("Done! Processed %d stories, found %d events", s.StoryCount, s.EventCount)
}
