// Command storywatch watches a story feed for event announcements.
//
// Usage:
//
//	storywatch -config storywatch.yaml        # daemon: review API + periodic scans
//	storywatch -scan                          # one-shot scan, progress on stdout
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/storywatch/audit"
	"github.com/hazyhaar/storywatch/capture"
	"github.com/hazyhaar/storywatch/classify"
	"github.com/hazyhaar/storywatch/ledger"
	"github.com/hazyhaar/storywatch/review"
	"github.com/hazyhaar/storywatch/scan"
	"github.com/hazyhaar/storywatch/settings"
	"github.com/hazyhaar/storywatch/traverse"
)

func main() {
	configPath := flag.String("config", "", "path to storywatch.yaml config file")
	oneShot := flag.Bool("scan", false, "run a single scan and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *oneShot); err != nil {
		logger.Error("storywatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string, oneShot bool) error {
	cfg, err := LoadConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := settings.Open(cfg.SettingsDB)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	defer db.Close()

	captures := capture.NewStore(cfg.DataDir, logger)
	captures.CleanupStale()

	auditLog, err := audit.NewLogger(db.SQL())
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if err := auditLog.Cleanup(ctx, cfg.AuditRetentionDays); err != nil {
		logger.Warn("storywatch: audit cleanup", "error", err)
	}

	ldg := ledger.New(captures, db, logger)

	// A fresh surface and classifier per run: the browser never outlives a
	// scan and a key changed in settings applies on the next run.
	factory := func(apiKey string) scan.Traverser {
		surface := traverse.NewStorySurface(cfg.feedConfig())
		classifier := classify.New(cfg.classifierConfig(apiKey))
		return traverse.NewEngine(surface, classifier, captures, traverse.Config{
			Dwell:  cfg.Feed.Dwell,
			Logger: logger,
		})
	}

	orch := scan.New(factory, ldg, db, auditLog, scan.Config{
		SessionFile: cfg.SessionFile,
		Logger:      logger,
	})

	if oneShot {
		return runOnce(ctx, orch)
	}
	return runDaemon(ctx, logger, cfg, orch, ldg, db)
}

// runOnce executes a single scan with progress on stdout, the line protocol
// the desktop shell tails.
func runOnce(ctx context.Context, orch *scan.Orchestrator) error {
	summary := orch.Run(ctx, func(p traverse.Progress) {
		fmt.Println(p.String())
	})
	fmt.Println(summary.String())
	return summary.Err
}

func runDaemon(ctx context.Context, logger *slog.Logger, cfg *Config, orch *scan.Orchestrator, ldg *ledger.Ledger, db *settings.DB) error {
	svc := review.New(ldg, orch, db, logger)
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	svc.RegisterHTTP(r)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched := scan.NewScheduler(orch, db, nil, nil, cfg.schedulerConfig())
	go sched.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("storywatch: review API listening", "addr", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("storywatch: shutdown", "error", err)
	}
	logger.Info("storywatch: stopped")
	return nil
}
