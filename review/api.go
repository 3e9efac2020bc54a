// Package review exposes the ledger and the scan orchestrator over HTTP
// for the review UI.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/storywatch/ledger"
	"github.com/hazyhaar/storywatch/scan"
	"github.com/hazyhaar/storywatch/settings"
	"github.com/hazyhaar/storywatch/traverse"
)

// Scanner starts scans on demand. *scan.Orchestrator satisfies it.
type Scanner interface {
	Run(ctx context.Context, sink traverse.Sink) scan.Summary
	Busy() bool
}

// Service is the review API backend.
type Service struct {
	ledger  *ledger.Ledger
	scanner Scanner
	store   settings.Store
	logger  *slog.Logger
}

// New creates a Service. scanner may be nil when scanning is not exposed
// (read-only deployments).
func New(ldg *ledger.Ledger, scanner Scanner, store settings.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ldg, scanner: scanner, store: store, logger: logger}
}

// RegisterHTTP registers the review endpoints on the router.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Get("/api/events", s.handleEvents)
	r.Post("/api/events/review", s.handleReview)
	r.Post("/api/accounts/{handle}/hide", s.handleHide)
	r.Post("/api/accounts/{handle}/unhide", s.handleUnhide)
	r.Get("/api/accounts/hidden", s.handleHiddenAccounts)
	r.Get("/api/history", s.handleHistory)
	r.Get("/api/status", s.handleStatus)
	r.Post("/api/scan", s.handleScan)
}

// handleEvents returns unreviewed events, newest first, with hidden
// accounts filtered out.
// GET /api/events
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hidden, err := s.ledger.HiddenAccounts(ctx)
	if err != nil {
		s.logger.Error("review: load hidden accounts", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	entries, err := s.ledger.UnreviewedEvents(ctx, hidden)
	if err != nil {
		s.logger.Error("review: list events", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

// ReviewRequest is the body for POST /api/events/review.
type ReviewRequest struct {
	Key      string `json:"key"`
	Approved bool   `json:"approved"`
}

// handleReview approves or rejects one event.
// POST /api/events/review
func (s *Service) handleReview(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	if err := s.ledger.Review(r.Context(), req.Key, req.Approved); err != nil {
		s.logger.Error("review: record verdict", "key", req.Key, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": req.Key, "approved": req.Approved})
}

// handleHide hides an account and batch-rejects its unreviewed events.
// POST /api/accounts/{handle}/hide
func (s *Service) handleHide(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if handle == "" {
		http.Error(w, "handle required", http.StatusBadRequest)
		return
	}
	count, err := s.ledger.HideAccount(r.Context(), handle)
	if err != nil {
		s.logger.Error("review: hide account", "account", handle, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": handle, "rejected": count})
}

// handleUnhide unhides an account and releases its rejected events.
// POST /api/accounts/{handle}/unhide
func (s *Service) handleUnhide(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if handle == "" {
		http.Error(w, "handle required", http.StatusBadRequest)
		return
	}
	if err := s.ledger.UnhideAccount(r.Context(), handle); err != nil {
		s.logger.Error("review: unhide account", "account", handle, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": handle})
}

// handleHiddenAccounts returns the hidden-account set, sorted.
// GET /api/accounts/hidden
func (s *Service) handleHiddenAccounts(w http.ResponseWriter, r *http.Request) {
	hidden, err := s.ledger.HiddenAccounts(r.Context())
	if err != nil {
		s.logger.Error("review: load hidden accounts", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	names := make([]string, 0, len(hidden))
	for h := range hidden {
		names = append(names, h)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"accounts": names})
}

// handleHistory returns the review history log, oldest first.
// GET /api/history
func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.History(r.Context())
	if err != nil {
		s.logger.Error("review: load history", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []ledger.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// StatusResponse is the body for GET /api/status.
type StatusResponse struct {
	Busy            bool   `json:"busy"`
	LastScanTime    int64  `json:"last_scan_time"`
	LastStoryCount  int64  `json:"last_story_count"`
	LastEventCount  int64  `json:"last_event_count"`
	LastError       string `json:"last_error"`
	AutoScanEnabled bool   `json:"auto_scan_enabled"`
}

// handleStatus reports the last run outcome and whether a scan is running.
// GET /api/status
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatusResponse{}
	if s.scanner != nil {
		resp.Busy = s.scanner.Busy()
	}

	var err error
	if resp.LastScanTime, err = settings.Int64(ctx, s.store, settings.KeyLastScanTime, 0); err != nil {
		s.logger.Error("review: load status", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	resp.LastStoryCount, _ = settings.Int64(ctx, s.store, settings.KeyLastStoryCount, 0)
	resp.LastEventCount, _ = settings.Int64(ctx, s.store, settings.KeyLastEventCount, 0)
	resp.LastError, _ = s.store.Get(ctx, settings.KeyLastError, "")
	resp.AutoScanEnabled, _ = settings.Bool(ctx, s.store, settings.KeyAutoScanEnabled, true)

	writeJSON(w, http.StatusOK, resp)
}

// handleScan starts a scan in the background. 202 on start, 409 when one
// is already running. The run is detached from the request, so failures
// (preconditions included) surface on GET /api/status via lastError.
// POST /api/scan
func (s *Service) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		http.Error(w, "scanning not available", http.StatusNotImplemented)
		return
	}
	if s.scanner.Busy() {
		http.Error(w, "scan already in progress", http.StatusConflict)
		return
	}

	// Detached from the request: the scan outlives the HTTP call. The
	// outcome lands in settings and shows up on GET /api/status.
	go func() {
		summary := s.scanner.Run(context.Background(), nil)
		if errors.Is(summary.Err, scan.ErrBusy) {
			return // lost the permit race to another trigger
		}
		if summary.Err != nil {
			s.logger.Warn("review: scan finished with error", "error", summary.Err)
			return
		}
		s.logger.Info("review: scan finished",
			"run_id", summary.RunID, "stories", summary.StoryCount,
			"events", summary.EventCount, "new", summary.NewCount)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
