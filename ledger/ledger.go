// Package ledger derives the set of known events from the capture store
// and tracks their review lifecycle: unreviewed, approved, rejected, plus
// per-account visibility.
//
// The capture store owns existence (file presence = event); the ledger
// owns interpretation. Review and visibility sets live in the settings
// store; the ledger is their only reader and writer. The ledger never
// touches image files.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/storywatch/capture"
	"github.com/hazyhaar/storywatch/settings"
)

// Entry is one unreviewed event surfaced for human review.
type Entry struct {
	Key     string `json:"key"` // events-root-relative path, the identity
	Account string `json:"account"`
	Date    string `json:"date"`
	Time    string `json:"time"`
}

// Snapshot captures the three key sets at one instant. The orchestrator
// takes one before and after a run to compute the new-since delta.
type Snapshot struct {
	Known    map[string]struct{}
	Reviewed map[string]struct{}
	Rejected map[string]struct{}
}

// Ledger reads captures and mutates review state. All mutating methods are
// serialised by an internal mutex, so hide and unhide of the same account
// cannot interleave.
type Ledger struct {
	captures *capture.Store
	store    settings.Store
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// New creates a Ledger over the capture store and settings store.
func New(captures *capture.Store, store settings.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		captures: captures,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// Snapshot reads the current known/reviewed/rejected key sets.
func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	known, err := l.captures.Keys()
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger: list captures: %w", err)
	}
	reviewed, err := settings.StringSet(ctx, l.store, settings.KeyReviewedEvents)
	if err != nil {
		return Snapshot{}, err
	}
	rejected, err := settings.StringSet(ctx, l.store, settings.KeyRejectedEvents)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Known: known, Reviewed: reviewed, Rejected: rejected}, nil
}

// UnreviewedEvents returns every known event not yet approved or rejected
// and not belonging to a hidden account, newest first (date descending,
// key descending on ties).
func (l *Ledger) UnreviewedEvents(ctx context.Context, hidden map[string]struct{}) ([]Entry, error) {
	byAccount, err := l.captures.ListAll()
	if err != nil {
		return nil, fmt.Errorf("ledger: list captures: %w", err)
	}
	reviewed, err := settings.StringSet(ctx, l.store, settings.KeyReviewedEvents)
	if err != nil {
		return nil, err
	}
	rejected, err := settings.StringSet(ctx, l.store, settings.KeyRejectedEvents)
	if err != nil {
		return nil, err
	}

	// Hidden handles arrive as the UI stores them; events carry the
	// sanitized form.
	hiddenSan := make(map[string]struct{}, len(hidden))
	for h := range hidden {
		hiddenSan[capture.Sanitize(h)] = struct{}{}
	}

	var entries []Entry
	for account, events := range byAccount {
		if _, ok := hiddenSan[account]; ok {
			continue
		}
		for _, ev := range events {
			key := ev.Key.String()
			if _, ok := reviewed[key]; ok {
				continue
			}
			if _, ok := rejected[key]; ok {
				continue
			}
			entries = append(entries, Entry{
				Key:     key,
				Account: account,
				Date:    ev.Key.Date,
				Time:    ev.Key.Time,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Date != entries[j].Date {
			return entries[i].Date > entries[j].Date
		}
		return entries[i].Key > entries[j].Key
	})
	return entries, nil
}

// Review moves a key into exactly one of the approved/rejected sets. Last
// write wins; reviewing a key already in the target set is a no-op.
func (l *Ledger) Review(ctx context.Context, key string, approved bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reviewed, err := settings.StringSet(ctx, l.store, settings.KeyReviewedEvents)
	if err != nil {
		return err
	}
	rejected, err := settings.StringSet(ctx, l.store, settings.KeyRejectedEvents)
	if err != nil {
		return err
	}

	if approved {
		reviewed[key] = struct{}{}
		delete(rejected, key)
	} else {
		rejected[key] = struct{}{}
		delete(reviewed, key)
	}

	if err := settings.SetStringSet(ctx, l.store, settings.KeyReviewedEvents, reviewed); err != nil {
		return err
	}
	return settings.SetStringSet(ctx, l.store, settings.KeyRejectedEvents, rejected)
}

// HideAccount marks the account hidden and rejects every currently
// unreviewed event belonging to it, returning the count rejected (for the
// UI's undo hint).
func (l *Ledger) HideAccount(ctx context.Context, account string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hidden, err := settings.StringSet(ctx, l.store, settings.KeyHiddenAccounts)
	if err != nil {
		return 0, err
	}
	hidden[account] = struct{}{}
	if err := settings.SetStringSet(ctx, l.store, settings.KeyHiddenAccounts, hidden); err != nil {
		return 0, err
	}

	byAccount, err := l.captures.ListAll()
	if err != nil {
		return 0, fmt.Errorf("ledger: list captures: %w", err)
	}
	reviewed, err := settings.StringSet(ctx, l.store, settings.KeyReviewedEvents)
	if err != nil {
		return 0, err
	}
	rejected, err := settings.StringSet(ctx, l.store, settings.KeyRejectedEvents)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, ev := range byAccount[capture.Sanitize(account)] {
		key := ev.Key.String()
		if _, ok := reviewed[key]; ok {
			continue
		}
		if _, ok := rejected[key]; ok {
			continue
		}
		rejected[key] = struct{}{}
		count++
	}
	if count > 0 {
		if err := settings.SetStringSet(ctx, l.store, settings.KeyRejectedEvents, rejected); err != nil {
			return 0, err
		}
	}
	l.logger.Info("ledger: account hidden", "account", account, "rejected", count)
	return count, nil
}

// UnhideAccount unmarks the account and releases every currently rejected
// event belonging to it back to unreviewed.
//
// Known ambiguity: this also releases events a human rejected one by one
// before the account was hidden — rejections carry no provenance tag, so
// batch-rejected and manually-rejected keys are indistinguishable here.
func (l *Ledger) UnhideAccount(ctx context.Context, account string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	hidden, err := settings.StringSet(ctx, l.store, settings.KeyHiddenAccounts)
	if err != nil {
		return err
	}
	delete(hidden, account)
	if err := settings.SetStringSet(ctx, l.store, settings.KeyHiddenAccounts, hidden); err != nil {
		return err
	}

	rejected, err := settings.StringSet(ctx, l.store, settings.KeyRejectedEvents)
	if err != nil {
		return err
	}
	san := capture.Sanitize(account)
	released := 0
	for key := range rejected {
		if k, ok := capture.ParseKey(key); ok && k.Account == san {
			delete(rejected, key)
			released++
		}
	}
	if released > 0 {
		if err := settings.SetStringSet(ctx, l.store, settings.KeyRejectedEvents, rejected); err != nil {
			return err
		}
	}
	l.logger.Info("ledger: account unhidden", "account", account, "released", released)
	return nil
}

// HiddenAccounts returns the current hidden-account set.
func (l *Ledger) HiddenAccounts(ctx context.Context) (map[string]struct{}, error) {
	return settings.StringSet(ctx, l.store, settings.KeyHiddenAccounts)
}

// ComputeNewSince counts keys in current that were absent from all three
// prior sets. This distinguishes events discovered by the current run from
// events that already existed on disk but were previously triaged.
func ComputeNewSince(current map[string]struct{}, prior Snapshot) int {
	count := 0
	for key := range current {
		if _, ok := prior.Known[key]; ok {
			continue
		}
		if _, ok := prior.Reviewed[key]; ok {
			continue
		}
		if _, ok := prior.Rejected[key]; ok {
			continue
		}
		count++
	}
	return count
}
