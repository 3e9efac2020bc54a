// Package traverse drives the story feed through an unbounded sequence of
// ephemeral items: advance, detect stuck loops, capture framed evidence,
// classify, persist positives.
//
// The engine is a state machine over an opaque Surface:
//
//	Idle → Opening → InStory → (advance | stuck-recovery) → InStory | EndOfFeed
//
// Per-item failures (capture IO, classifier errors) never escape the loop —
// the item is discarded and traversal continues. Navigation failures are
// run-fatal and surface exactly once, after cleanup.
package traverse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/storywatch/capture"
)

// Config configures the traversal engine.
type Config struct {
	// StuckThreshold is the number of consecutive unchanged locations
	// before the recovery skip fires. Default: 3.
	StuckThreshold int

	// Dwell is the pause after each story, simulating natural viewing
	// pace. Default: 2s.
	Dwell time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 3
	}
	if c.Dwell <= 0 {
		c.Dwell = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result summarises one traversal run.
type Result struct {
	StoryCount int
	EventCount int
}

// Engine walks the feed and persists positively classified frames.
type Engine struct {
	surface    Surface
	classifier Classifier
	store      *capture.Store
	cfg        Config
	now        func() time.Time
}

// NewEngine creates an Engine over the given surface, classifier, and
// capture store.
func NewEngine(surface Surface, classifier Classifier, store *capture.Store, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{
		surface:    surface,
		classifier: classifier,
		store:      store,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run traverses the feed until end-of-feed or a run-fatal error. Partial
// counts are returned alongside the error so the caller can report how far
// the run progressed. The surface and any in-flight temp frame are cleaned
// up on every exit path.
func (e *Engine) Run(ctx context.Context, sink Sink) (Result, error) {
	if sink == nil {
		sink = func(Progress) {}
	}
	log := e.cfg.Logger

	var res Result
	if err := e.surface.Open(ctx); err != nil {
		if errors.Is(err, ErrNoSession) {
			return res, err
		}
		e.cleanup()
		return res, fmt.Errorf("traverse: open feed: %w", err)
	}
	defer e.cleanup()

	lastLoc := ""
	stuck := 0

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		loc, err := e.surface.Location(ctx)
		if err != nil {
			return res, fmt.Errorf("traverse: read location: %w", err)
		}
		if loc == lastLoc {
			stuck++
			if stuck >= e.cfg.StuckThreshold {
				log.Warn("traverse: stuck, skipping account", "location", loc)
				sink(Progress{Kind: KindStatus, Message: "stuck, skipping to next account"})
				if err := e.surface.SkipAccount(ctx); err != nil {
					return res, fmt.Errorf("traverse: recovery skip: %w", err)
				}
				stuck = 0
				lastLoc = ""
				continue
			}
		} else {
			stuck = 0
			lastLoc = loc
		}

		res.StoryCount++

		account, err := e.surface.Account(ctx)
		if err != nil || account == "" {
			account = capture.PlaceholderAccount(e.now())
			log.Debug("traverse: account unresolved, using placeholder",
				"placeholder", account, "error", err)
		}
		sink(Progress{Kind: KindStoryAdvanced, StoryNumber: res.StoryCount, Account: account})

		e.inspect(ctx, account, &res, sink)

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(e.cfg.Dwell):
		}

		if err := e.surface.Advance(ctx); err != nil {
			if !errors.Is(err, ErrEndOfFeed) {
				return res, fmt.Errorf("traverse: advance: %w", err)
			}
			break
		}
	}

	sink(Progress{Kind: KindRunSummary, StoryCount: res.StoryCount, EventCount: res.EventCount})
	return res, nil
}

// inspect captures, classifies, and persists one story. All failures here
// are per-item: discard and continue.
func (e *Engine) inspect(ctx context.Context, account string, res *Result, sink Sink) {
	log := e.cfg.Logger

	frame, err := e.surface.Frame(ctx)
	if err != nil {
		log.Warn("traverse: frame capture failed", "account", account, "error", err)
		sink(Progress{Kind: KindNotEvent, Account: account})
		return
	}
	if err := e.store.WriteTemp(frame); err != nil {
		log.Warn("traverse: temp write failed", "account", account, "error", err)
		sink(Progress{Kind: KindNotEvent, Account: account})
		return
	}

	verdict, err := e.classifier.Classify(ctx, frame)
	if err != nil {
		e.store.DiscardTemp()
		log.Warn("traverse: classifier error, discarding item",
			"account", account, "error", err)
		sink(Progress{Kind: KindNotEvent, Account: account})
		return
	}
	if !verdict {
		e.store.DiscardTemp()
		sink(Progress{Kind: KindNotEvent, Account: account})
		return
	}

	ev, err := e.store.Commit(capture.NewKey(account, e.now()))
	if err != nil {
		// A half-written event is worse than a missing one.
		e.store.DiscardTemp()
		log.Warn("traverse: commit failed, discarding item",
			"account", account, "error", err)
		sink(Progress{Kind: KindNotEvent, Account: account})
		return
	}
	res.EventCount++
	log.Info("traverse: event detected", "account", account, "key", ev.Key.String())
	sink(Progress{Kind: KindEventAccepted, Account: account, Key: ev.Key.String()})
}

func (e *Engine) cleanup() {
	e.store.DiscardTemp()
	if err := e.surface.Close(); err != nil {
		e.cfg.Logger.Warn("traverse: close surface", "error", err)
	}
}
